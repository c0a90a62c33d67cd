// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package instance provides the shared bookkeeping every shim engine's
// IPCPInstance embeds: the flow table, the registered-application
// directory, and the destroy-everything lifecycle of spec §3.
package instance

import (
	"sync"

	"rina.dev/shim/internal/controller"
	"rina.dev/shim/internal/flow"
	"rina.dev/shim/internal/logging"
	"rina.dev/shim/internal/rerr"
	"rina.dev/shim/internal/rinaaddr"
)

// App is a RegisteredApp (spec §3): an application name bound to
// engine-specific lower-layer demux state (sockets, a resolver
// handle, ...). Close releases that engine-specific state.
type App interface {
	Name() rinaaddr.Name
	Close() error
}

// Base is the IPCPInstance bookkeeping shared across all three shim
// families. Its lock protects the registered-app directory; the flow
// table (flow.Table) carries its own lock.
type Base struct {
	mu sync.Mutex

	ID          int
	ProcessName rinaaddr.Name
	DIF         string

	Flows *flow.Table
	apps  map[string]App

	Ctrl   controller.Controller
	Logger *logging.Logger
}

// NewBase creates empty instance bookkeeping for id.
func NewBase(id int, processName rinaaddr.Name, ctrl controller.Controller, logger *logging.Logger) *Base {
	return &Base{
		ID:          id,
		ProcessName: processName,
		Flows:       flow.NewTable(),
		apps:        make(map[string]App),
		Ctrl:        ctrl,
		Logger:      logger,
	}
}

// SetApp registers app, failing with NameConflict if the name is
// already registered (spec §6.2 application_register).
func (b *Base) SetApp(app App) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	key := app.Name().String()
	if _, exists := b.apps[key]; exists {
		return rerr.Errorf(rerr.KindNameConflict, "application %s already registered", app.Name())
	}
	b.apps[key] = app
	return nil
}

// GetApp looks up a registered application by name.
func (b *Base) GetApp(name rinaaddr.Name) (App, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	app, ok := b.apps[name.String()]
	return app, ok
}

// RemoveApp deletes and returns a registered application, if present.
func (b *Base) RemoveApp(name rinaaddr.Name) (App, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	key := name.String()
	app, ok := b.apps[key]
	if ok {
		delete(b.apps, key)
	}
	return app, ok
}

// Apps returns a snapshot of all registered applications.
func (b *Base) Apps() []App {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]App, 0, len(b.apps))
	for _, app := range b.apps {
		out = append(out, app)
	}
	return out
}

// DestroyAll tears down every flow (via teardownFlow, which must
// perform the engine-specific secondary-index cleanup and call
// Flow.TeardownLocked) and closes every registered application. This
// implements "destroying the instance destroys them" (spec §3): an
// instance exclusively owns all its Flows and RegisteredApps.
func (b *Base) DestroyAll(teardownFlow func(*flow.Flow)) {
	b.Flows.Range(func(f *flow.Flow) bool {
		teardownFlow(f)
		return true
	})
	b.mu.Lock()
	apps := b.apps
	b.apps = make(map[string]App)
	b.mu.Unlock()
	for _, app := range apps {
		if err := app.Close(); err != nil {
			b.Logger.WithError(err).Warn("error closing application on instance destroy", "app", app.Name().String())
		}
	}
}
