// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package flow implements the per-connection entity and the shared
// NULL/PENDING/ALLOCATED state machine described in spec §3 and §4.2.
// Each shim engine drives a Flow through this package's primitives;
// the engine-specific side effects (sending a resolve request,
// connecting a TCP socket, serializing an ALLOCATE_REQ) live in the
// engine package, not here.
package flow

import (
	"sync"

	"rina.dev/shim/internal/controller"
	"rina.dev/shim/internal/rerr"
	"rina.dev/shim/internal/rinaaddr"
)

// State is one of the three flow lifecycle states (spec §3, §4.2).
type State int

const (
	StateNull State = iota
	StatePending
	StateAllocated
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "PENDING"
	case StateAllocated:
		return "ALLOCATED"
	default:
		return "NULL"
	}
}

// TransportType distinguishes reliable (TCP) from unreliable (UDP,
// Ethernet, hypervisor) delivery, relevant to the TCP/UDP shim.
type TransportType int

const (
	TransportUnreliable TransportType = iota
	TransportReliable
)

// Flow is the per-connection entity of spec §3. PeerKey is the
// engine-specific secondary-lookup key: a rinaaddr.GHA for the
// Ethernet shim, a (socket, remote sockaddr) pair for TCP/UDP, or a
// channel index for the hypervisor shim — flow never interprets it.
type Flow struct {
	mu sync.Mutex

	PortID    int
	State     State
	PeerKey   any
	Remote    rinaaddr.Name
	Transport TransportType

	userIPCP controller.UserIPCP
	queue    *Queue

	// refused marks a NULL flow that is a post-reject stub (spec §4.2
	// allocate_response/reject): it is kept, with an empty queue,
	// until the controller explicitly deallocates it.
	refused bool

	// dead is set by Destroy-path teardown so ingress workers that
	// observe a stale reference after enqueue know to drop their work
	// item (spec §5 cancellation step 1).
	dead bool

	// TCP partial-receive accumulator (shimtcpudp only); flow never
	// interprets these fields, it just stores them for the engine.
	RecvLenBuf  [2]byte
	RecvLenHave int
	RecvBuf     []byte
	RecvLeft    int
}

// NewPendingFlow creates a Flow in PENDING with a freshly-created SDU
// queue, used by both locally-initiated allocate_request and
// remotely-initiated first-packet synthesis (spec §4.2).
func NewPendingFlow(portID int, peerKey any, remote rinaaddr.Name, transport TransportType) *Flow {
	return &Flow{
		PortID:    portID,
		State:     StatePending,
		PeerKey:   peerKey,
		Remote:    remote,
		Transport: transport,
		queue:     NewQueue(),
	}
}

// Lock/Unlock expose the flow's mutex so callers (the Table, engines)
// can group a read-modify-write sequence atomically without this
// package growing a combinatorial set of compound methods.
func (f *Flow) Lock()   { f.mu.Lock() }
func (f *Flow) Unlock() { f.mu.Unlock() }

// StateLocked returns the current state. Caller must hold the lock.
func (f *Flow) StateLocked() State { return f.State }

// IsDeadLocked reports whether the flow has already been torn down.
// Caller must hold the lock.
func (f *Flow) IsDeadLocked() bool { return f.dead }

// QueueLenLocked returns the SDU queue length, or 0 if no queue exists.
// Caller must hold the lock.
func (f *Flow) QueueLenLocked() int {
	if f.queue == nil {
		return 0
	}
	return f.queue.Len()
}

// EnqueueLocked pushes an SDU to the flow's pending queue. It is an
// error to call this outside PENDING. Caller must hold the lock.
func (f *Flow) EnqueueLocked(sdu SDU) error {
	if f.State != StatePending || f.queue == nil {
		return rerr.Errorf(rerr.KindWrongState, "flow %d: enqueue outside PENDING (state=%s)", f.PortID, f.State)
	}
	f.queue.Push(sdu)
	return nil
}

// DeliverLocked hands an SDU directly to the bound user IPCP. It is an
// error to call this outside ALLOCATED or with no bound user IPCP.
// Caller must hold the lock.
func (f *Flow) DeliverLocked(sdu SDU) error {
	if f.State != StateAllocated || f.userIPCP == nil {
		return rerr.Errorf(rerr.KindWrongState, "flow %d: deliver outside ALLOCATED or unbound", f.PortID)
	}
	return f.userIPCP.DUEnqueue(f.PortID, sdu)
}

// UserIPCPLocked returns the bound user IPCP, or nil. Caller must hold the lock.
func (f *Flow) UserIPCPLocked() controller.UserIPCP { return f.userIPCP }

// BindAndActivateLocked transitions PENDING -> ALLOCATED: binds
// userIPCP, then drains the SDU queue into it in FIFO order (spec
// §4.2 resolve_completed / allocate_response-accept). If the drain
// fails partway, the flow stays ALLOCATED, the undelivered SDUs stay
// queued, and the error is returned for the caller to propagate
// upward (spec's drain-failure carve-out, never destroying the flow
// for an error in a drain-after-allocate, §7). On full success the
// queue is destroyed. Caller must hold the lock.
func (f *Flow) BindAndActivateLocked(userIPCP controller.UserIPCP) error {
	if f.State != StatePending {
		return rerr.Errorf(rerr.KindWrongState, "flow %d: activate outside PENDING (state=%s)", f.PortID, f.State)
	}
	f.userIPCP = userIPCP
	f.State = StateAllocated
	if err := userIPCP.FlowBindingIPCP(f.PortID); err != nil {
		return rerr.Wrap(err, rerr.KindResource, "flow binding rejected by user ipcp")
	}
	q := f.queue
	if q == nil {
		return nil
	}
	drainErr := q.DrainInto(func(sdu SDU) error {
		return userIPCP.DUEnqueue(f.PortID, sdu)
	})
	if drainErr != nil {
		return drainErr
	}
	f.queue = nil
	return nil
}

// RejectToNullStubLocked transitions PENDING -> NULL on a negative
// allocate_response: the flow stub is retained with an empty queue so
// a peer retrying allocate on the same port-id does not loop forever
// against a vanished flow (spec §4.2). Caller must hold the lock.
func (f *Flow) RejectToNullStubLocked() {
	if f.queue != nil {
		f.queue.Destroy(nil)
	}
	f.queue = NewQueue()
	f.State = StateNull
	f.refused = true
	f.userIPCP = nil
}

// IsRefusedStubLocked reports whether this is a post-reject NULL stub.
// Caller must hold the lock.
func (f *Flow) IsRefusedStubLocked() bool { return f.refused && f.State == StateNull }

// TeardownLocked moves the flow to NULL and releases its resources:
// unbinds the user IPCP (notifying it first), destroys the SDU queue,
// and marks the flow dead so late-arriving ingress work items observe
// the cancellation (spec §5 steps 1 and 4). Caller must hold the lock.
func (f *Flow) TeardownLocked() {
	if f.userIPCP != nil {
		_ = f.userIPCP.FlowUnbindingIPCP(f.PortID)
		f.userIPCP = nil
	}
	if f.queue != nil {
		f.queue.Destroy(nil)
		f.queue = nil
	}
	f.State = StateNull
	f.refused = false
	f.dead = true
}

// UnbindUserIPCPLocked drops the user IPCP reference while keeping the
// flow itself (flow_unbinding_user_ipcp, spec §6.2 — used during
// normal-IPCP tear-down). Caller must hold the lock.
func (f *Flow) UnbindUserIPCPLocked() {
	f.userIPCP = nil
}
