// Copyright 2018 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package table implements spec.md §4.4's DispatchTable: a per-vendor,
// lazily populated array of function pointers indexed by slot, tagged
// with the registry generation it was last reconciled against and a
// refcount of threads currently bound to it.
//
// Every method here is documented as requiring the caller to hold the
// dispatch controller's lock (spec.md §5); Table itself performs no
// synchronization, exactly as registry.Registry does not.
package table

import "unsafe"

// GetProcFunc is a vendor's name resolver: given an entrypoint name and
// the table's opaque GetProcArg, it returns the vendor's function pointer
// for that name, or ok=false if the vendor does not implement it.
type GetProcFunc func(name string, arg unsafe.Pointer) (fn uintptr, ok bool)

// Table is spec.md's DispatchTable.
type Table struct {
	VendorID   int
	GetProc    GetProcFunc
	GetProcArg unsafe.Pointer

	Generation int
	Refcount   int

	// Slots is nil until the table is first bound to a thread (spec.md
	// §4.4: "it does not allocate the slots array... allocated the first
	// time the table is bound to a thread").
	Slots []uintptr

	// destroyRequested is set by Destroy (spec.md: "advisory: nulls
	// get_proc and requests deletion; actual free occurs once refcount is
	// zero").
	destroyRequested bool
}

// New constructs an unbound table. The slots array is intentionally left
// nil; it is allocated by EnsureCapacity on first bind. Generation starts
// below zero so that the first Fixup pulls in every registry entry,
// including the generation-0 static names seeded by
// registry.Registry.RegisterStatic.
func New(vendorID int, getProc GetProcFunc, arg unsafe.Pointer) *Table {
	return &Table{
		VendorID:   vendorID,
		GetProc:    getProc,
		GetProcArg: arg,
		Generation: -1,
	}
}

// SlotsSnapshot implements threadstate.CurrentTable: it hands the fast
// path the current backing array without copying it. Callers must only
// read it; mutation happens exclusively through Fixup under the
// controller lock.
func (t *Table) SlotsSnapshot() []uintptr { return t.Slots }

// EnsureCapacity grows Slots, if necessary, so that index n is valid,
// leaving new positions as the zero value (0, meaning "not yet
// reconciled" — callers must run Fixup immediately afterwards so that no
// reader ever observes a zero entry for an assigned slot).
func (t *Table) EnsureCapacity(n int) {
	if n < len(t.Slots) {
		return
	}
	grown := make([]uintptr, n+1)
	copy(grown, t.Slots)
	t.Slots = grown
}

// FixupEntry is the minimal view Fixup needs of a registry.Entry, kept
// here rather than imported directly so that package table has no
// dependency on package registry (only the controller, which already
// depends on both, wires them together).
type FixupEntry struct {
	Name       string
	Slot       int
	Generation int
}

// Fixup brings the table's Slots array up to date against every entry
// whose generation exceeds the table's own, per spec.md §4.4: populated
// positions come from t.GetProc when the vendor implements the name, and
// from noopAddr (guaranteed non-null and callable) otherwise. The table's
// Generation is advanced to newGeneration once every entry up to it has
// been applied.
func (t *Table) Fixup(entries []FixupEntry, newGeneration int, noopAddr uintptr) {
	if len(entries) == 0 {
		t.Generation = newGeneration
		return
	}
	max := len(t.Slots) - 1
	for _, e := range entries {
		if e.Slot > max {
			max = e.Slot
		}
	}
	t.EnsureCapacity(max)

	for _, e := range entries {
		addr := noopAddr
		if t.GetProc != nil {
			if fn, ok := t.GetProc(e.Name, t.GetProcArg); ok && fn != 0 {
				addr = fn
			}
		}
		t.Slots[e.Slot] = addr
	}
	t.Generation = newGeneration
}

// Destroy is advisory (spec.md §4.4): it clears GetProc and marks the
// table for deletion once Refcount reaches zero. Reclaimable reports
// whether the table can be freed immediately.
func (t *Table) Destroy() (reclaimable bool) {
	t.GetProc = nil
	t.destroyRequested = true
	return t.Refcount == 0
}

// DestroyRequested reports whether Destroy has already been called.
func (t *Table) DestroyRequested() bool {
	return t.destroyRequested
}

// Reclaimable reports whether the table is both marked for destruction
// and unreferenced, i.e. safe to drop from the live-table set.
func (t *Table) Reclaimable() bool {
	return t.destroyRequested && t.Refcount == 0
}
