// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package registry implements the process-wide factory registry of
// spec §4.1: registration and lookup of shim factories by name, and
// the create/destroy façade the external controller uses to
// instantiate shims.
package registry

import (
	"sync"

	"rina.dev/shim/internal/controller"
	"rina.dev/shim/internal/rerr"
	"rina.dev/shim/internal/rinaaddr"
)

// Instance is the per-shim-instance operation set the controller calls
// (spec §6.2).
type Instance interface {
	IPCPName() rinaaddr.Name
	DIFName() string
	IPCPID() int
	MaxSDUSize() int

	FlowAllocateRequest(userIPCP controller.UserIPCP, source, dest rinaaddr.Name, fspec controller.FlowSpec, portID int) error
	FlowAllocateResponse(userIPCP controller.UserIPCP, portID int, result controller.AllocResult) error
	FlowDeallocate(portID int) error
	FlowUnbindingUserIPCP(portID int) error

	ApplicationRegister(appName rinaaddr.Name, dafName string) error
	ApplicationUnregister(appName rinaaddr.Name) error

	AssignToDIF(difName string, shimType string, config map[string]string) error
	UpdateDIFConfig(config map[string]string) error

	DUWrite(portID int, sdu []byte, blocking bool) error

	// Destroy tears down all flows and unregistered applications
	// owned by this instance (spec §3 IPCPInstance lifecycle).
	Destroy() error
}

// Ops is what a shim family implements to become a factory.
type Ops interface {
	// Init is called once per factory lifetime, before any Create.
	Init(data any) error
	// Fini is called once per factory lifetime, after the factory is unregistered.
	Fini(data any) error
	// Create instantiates a new shim bound to id, talking to ctrl.
	Create(data any, processName rinaaddr.Name, id int, ctrl controller.Controller) (Instance, error)
}

// Handle identifies one registered factory.
type Handle struct {
	name string
	data any
	ops  Ops

	mu        sync.Mutex
	instances map[Instance]struct{}
}

// Name returns the factory's registered name.
func (h *Handle) Name() string { return h.name }

// Registry is the process-wide, lock-protected collection of
// factories keyed by unique name (spec §4.1).
type Registry struct {
	mu        sync.Mutex
	factories map[string]*Handle
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{factories: make(map[string]*Handle)}
}

// Register adds a factory under name, failing with NameConflict if
// name is already present.
func (r *Registry) Register(name string, data any, ops Ops) (*Handle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.factories[name]; exists {
		return nil, rerr.Errorf(rerr.KindNameConflict, "factory %q already registered", name)
	}
	if err := ops.Init(data); err != nil {
		return nil, rerr.Wrapf(err, rerr.KindResource, "factory %q init failed", name)
	}
	h := &Handle{name: name, data: data, ops: ops, instances: make(map[Instance]struct{})}
	r.factories[name] = h
	return h, nil
}

// Unregister removes a factory, succeeding only if no live instances
// remain.
func (r *Registry) Unregister(h *Handle) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.factories[h.name]; !exists {
		return rerr.Errorf(rerr.KindNotFound, "factory %q not registered", h.name)
	}
	h.mu.Lock()
	live := len(h.instances)
	h.mu.Unlock()
	if live > 0 {
		return rerr.Errorf(rerr.KindWrongState, "factory %q still has %d live instance(s)", h.name, live)
	}
	delete(r.factories, h.name)
	return h.ops.Fini(h.data)
}

// Find looks up a factory handle by name.
func (r *Registry) Find(name string) (*Handle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.factories[name]
	return h, ok
}

// Create instantiates a new shim through h.
func (r *Registry) Create(h *Handle, processName rinaaddr.Name, id int, ctrl controller.Controller) (Instance, error) {
	inst, err := h.ops.Create(h.data, processName, id, ctrl)
	if err != nil {
		return nil, err
	}
	h.mu.Lock()
	h.instances[inst] = struct{}{}
	h.mu.Unlock()
	return inst, nil
}

// Destroy tears down inst and releases it from h's bookkeeping.
func (r *Registry) Destroy(h *Handle, inst Instance) error {
	h.mu.Lock()
	_, tracked := h.instances[inst]
	delete(h.instances, inst)
	h.mu.Unlock()
	if !tracked {
		return rerr.Errorf(rerr.KindNotFound, "instance not created by factory %q", h.name)
	}
	return inst.Destroy()
}
