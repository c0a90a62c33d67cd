// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package controller defines the narrow capability set the shim core
// consumes from its upstream collaborator (spec §6.4): the "kernel IPC
// manager" that owns port-id allocation and upper-layer flow delivery.
// That collaborator, and the user IPCP handles it resolves names to,
// are out of scope for this module and are modeled here only as the
// interfaces the core calls into.
package controller

import "rina.dev/shim/internal/rinaaddr"

// FlowSpec is the per-flow QoS descriptor requested at allocation time
// and advertised by each shim engine's supported QoS cubes (spec §4.4, GLOSSARY).
type FlowSpec struct {
	MaxAllowableGap int // -1 = unordered OK
	Ordered         bool
	Partial         bool
	MaxSDUSize      int
}

// AllocResult is the outcome communicated by flow_allocate_response.
type AllocResult int

const (
	ResultAccept AllocResult = iota
	ResultReject
)

// DeallocReason distinguishes why a flow was torn down, for
// notify_flow_dealloc.
type DeallocReason int

const (
	ReasonLocalRequest DeallocReason = iota
	ReasonRemoteRelease
	ReasonPeerRefused
	ReasonTransientFailure
	ReasonAppUnregistered
	ReasonInstanceDestroyed
)

// UserIPCP is the upper IPCP that consumes SDUs from a shim flow —
// usually the normal IPCP, or an application bound directly to the shim.
type UserIPCP interface {
	// IPCPName returns the name of this user IPCP, for logging/identification.
	IPCPName() rinaaddr.Name
	// FlowBindingIPCP tells the user IPCP that it now owns port_id.
	FlowBindingIPCP(portID int) error
	// FlowUnbindingIPCP tells the user IPCP to drop its reference to port_id.
	FlowUnbindingIPCP(portID int) error
	// DUEnqueue delivers one SDU arriving on port_id. An error here aborts
	// an in-progress queue drain (spec §4.2).
	DUEnqueue(portID int, sdu []byte) error
	// EnableWrite re-enables write on port_id after back-pressure clears.
	EnableWrite(portID int)
	// NM1FlowStateChange notifies of the underlying (N-1) flow's
	// up/down transitions, e.g. on Ethernet netdev up/down.
	NM1FlowStateChange(portID int, up bool)
}

// Controller is the capability set an instance's engine calls into. It
// is supplied to a factory at registration/creation time (spec's
// "Global state -> explicit context struct" redesign note, §9).
type Controller interface {
	// ReservePortID allocates a process-wide unique port-id for instanceID.
	ReservePortID(instanceID int) (int, error)
	// ReleasePortID returns portID to the pool.
	ReleasePortID(portID int)
	// FindUserIPCPByName resolves an application name to a live user IPCP handle.
	FindUserIPCPByName(name rinaaddr.Name) (UserIPCP, error)
	// NotifyFlowArrived tells the controller a remotely-initiated flow needs an allocate_response.
	NotifyFlowArrived(instanceID, portID int, difName string, localApp, remoteApp rinaaddr.Name, fspec FlowSpec) error
	// NotifyFlowAllocResult completes a locally-initiated allocate_request.
	NotifyFlowAllocResult(instanceID, portID int, result AllocResult) error
	// NotifyFlowDealloc tells the controller a flow has been torn down.
	NotifyFlowDealloc(instanceID int, reason DeallocReason, portID int, remote bool) error
}
