// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package flow

import (
	"sync"

	"rina.dev/shim/internal/rerr"
)

// Table is the per-instance collection of flows keyed by port-id (spec
// §3 IPCPInstance, §4.2 "exactly one flow per port-id" invariant).
// Secondary lookups (by GHA, socket identity, or channel index) are
// engine-specific and maintained alongside Table by the owning engine,
// not inside this package — Table only owns the primary index.
type Table struct {
	mu    sync.RWMutex
	flows map[int]*Flow
}

// NewTable creates an empty flow table.
func NewTable() *Table {
	return &Table{flows: make(map[int]*Flow)}
}

// Insert adds f under f.PortID. It fails with NameConflict if that
// port-id is already occupied — the controller never re-uses an
// active port-id (spec §3 invariant), so this indicates a caller bug.
func (t *Table) Insert(f *Flow) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.flows[f.PortID]; exists {
		return rerr.Errorf(rerr.KindNameConflict, "port-id %d already has a flow", f.PortID)
	}
	t.flows[f.PortID] = f
	return nil
}

// Get returns the flow for portID, or nil if none exists.
func (t *Table) Get(portID int) *Flow {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.flows[portID]
}

// Remove deletes portID from the table, returning the removed flow (or
// nil if it was not present).
func (t *Table) Remove(portID int) *Flow {
	t.mu.Lock()
	defer t.mu.Unlock()
	f := t.flows[portID]
	delete(t.flows, portID)
	return f
}

// Count returns the number of flows currently in the table.
func (t *Table) Count() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.flows)
}

// Range calls fn for every flow in the table. fn must not call back
// into Table's mutating methods (Insert/Remove) — copy the set of
// port-ids first if you need to mutate while iterating.
func (t *Table) Range(fn func(*Flow) bool) {
	t.mu.RLock()
	snapshot := make([]*Flow, 0, len(t.flows))
	for _, f := range t.flows {
		snapshot = append(snapshot, f)
	}
	t.mu.RUnlock()
	for _, f := range snapshot {
		if !fn(f) {
			return
		}
	}
}
