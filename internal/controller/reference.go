// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package controller

import (
	"sync"

	"github.com/google/uuid"

	"rina.dev/shim/internal/logging"
	"rina.dev/shim/internal/rerr"
	"rina.dev/shim/internal/rinaaddr"
)

// Reference is an in-memory Controller used by tests and cmd/shimd's
// demo wiring. It is not part of the spec's scope (the real KIPCM is
// an external collaborator, §1) but gives this module something to
// drive end to end without a separate process.
type Reference struct {
	mu       sync.Mutex
	nextPort int
	apps     map[string]UserIPCP
	events   []Event
	logger   *logging.Logger
}

// Event records one controller notification, for assertions in tests.
type Event struct {
	Kind       string // "arrived", "alloc_result", "dealloc"
	TraceID    string // correlates this event with its log lines
	InstanceID int
	PortID     int
	DIFName    string
	LocalApp   rinaaddr.Name
	RemoteApp  rinaaddr.Name
	FlowSpec   FlowSpec
	Result     AllocResult
	Reason     DeallocReason
	Remote     bool
}

// NewReference creates an empty reference controller.
func NewReference() *Reference {
	return &Reference{
		apps:   make(map[string]UserIPCP),
		logger: logging.WithComponent("controller"),
	}
}

// RegisterUserIPCP makes name resolvable by FindUserIPCPByName, the
// equivalent of the out-of-scope KIPCM's application directory.
func (r *Reference) RegisterUserIPCP(name rinaaddr.Name, u UserIPCP) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.apps[name.String()] = u
}

func (r *Reference) ReservePortID(instanceID int) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextPort++
	return r.nextPort, nil
}

func (r *Reference) ReleasePortID(portID int) {}

func (r *Reference) FindUserIPCPByName(name rinaaddr.Name) (UserIPCP, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.apps[name.String()]
	if !ok {
		return nil, rerr.Errorf(rerr.KindNotFound, "no user ipcp registered for %s", name)
	}
	return u, nil
}

func (r *Reference) NotifyFlowArrived(instanceID, portID int, difName string, localApp, remoteApp rinaaddr.Name, fspec FlowSpec) error {
	traceID := uuid.New().String()
	r.mu.Lock()
	r.events = append(r.events, Event{Kind: "arrived", TraceID: traceID, InstanceID: instanceID, PortID: portID, DIFName: difName, LocalApp: localApp, RemoteApp: remoteApp, FlowSpec: fspec})
	r.mu.Unlock()
	r.logger.Debug("flow arrived", "trace_id", traceID, "instance", instanceID, "port_id", portID, "local", localApp.String(), "remote", remoteApp.String())
	return nil
}

func (r *Reference) NotifyFlowAllocResult(instanceID, portID int, result AllocResult) error {
	traceID := uuid.New().String()
	r.mu.Lock()
	r.events = append(r.events, Event{Kind: "alloc_result", TraceID: traceID, InstanceID: instanceID, PortID: portID, Result: result})
	r.mu.Unlock()
	r.logger.Debug("flow alloc result", "trace_id", traceID, "instance", instanceID, "port_id", portID, "result", result)
	return nil
}

func (r *Reference) NotifyFlowDealloc(instanceID int, reason DeallocReason, portID int, remote bool) error {
	traceID := uuid.New().String()
	r.mu.Lock()
	r.events = append(r.events, Event{Kind: "dealloc", TraceID: traceID, InstanceID: instanceID, PortID: portID, Reason: reason, Remote: remote})
	r.mu.Unlock()
	r.logger.Debug("flow dealloc", "trace_id", traceID, "instance", instanceID, "port_id", portID, "reason", reason, "remote", remote)
	return nil
}

// Events returns a snapshot of all notifications observed so far.
func (r *Reference) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}
