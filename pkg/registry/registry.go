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

// Package registry implements the authoritative name-to-slot mapping
// described in spec.md §4.3: a dense, monotonically growing, append-only
// table with a generation counter that lets dispatch tables fix themselves
// up incrementally instead of being rescanned on every new registration.
//
// Registry itself holds no lock; the dispatch controller serializes all
// access to it under the controller mutex, matching spec.md §5's statement
// that "the entire get_or_create path, including cross-table fixup,
// executes under the controller lock."
package registry

// Entry is spec.md's SlotEntry: a name bound to a stable slot at a known
// generation.
type Entry struct {
	Name       string
	Slot       int
	Generation int
}

// Registry is the append-only name->slot table. It is not safe for
// concurrent use; callers (the dispatch controller) must hold their own
// lock around every method call.
type Registry struct {
	byName     map[string]*Entry
	entries    []*Entry
	numStatic  int
	nextSlot   int
	maxDynamic int
	generation int
}

// New creates a registry with numStatic static slots (0..numStatic-1,
// already known at build time and not represented as Entry values here —
// callers that need names for static slots register them once at init)
// and room for up to maxDynamic additional dynamic slots.
func New(numStatic, maxDynamic int) *Registry {
	return &Registry{
		byName:     make(map[string]*Entry),
		numStatic:  numStatic,
		nextSlot:   numStatic,
		maxDynamic: maxDynamic,
	}
}

// RegisterStatic seeds the build-time-known static slots (0..numStatic-1)
// with their names, at generation 0, so that EntriesSince(-1) — what a
// freshly constructed table.Table asks for on its very first Fixup —
// returns them alongside any dynamic entries. It does not advance the
// generation counter: static names are part of every table from the
// start, not a fixup event. Call it once, before any GetOrCreate; names
// beyond numStatic are ignored.
func (r *Registry) RegisterStatic(names []string) {
	for i, name := range names {
		if i >= r.numStatic {
			return
		}
		e := &Entry{Name: name, Slot: i, Generation: 0}
		r.byName[name] = e
		r.entries = append(r.entries, e)
	}
}

// Lookup returns the slot bound to name, if any.
func (r *Registry) Lookup(name string) (slot int, ok bool) {
	e, ok := r.byName[name]
	if !ok {
		return 0, false
	}
	return e.Slot, true
}

// GetOrCreate returns the slot bound to name, registering a new dynamic
// slot if this is the first time name has been seen. entry is the entry
// bound to name, and created reports whether it was registered by this
// call, so the caller can drive cross-table fixup (spec.md §4.3 step (d))
// without the registry needing to know anything about dispatch tables.
// When the dynamic slot space is full it returns -1, nil, false.
func (r *Registry) GetOrCreate(name string) (slot int, entry *Entry, created bool) {
	if e, ok := r.byName[name]; ok {
		return e.Slot, e, false
	}
	dynIndex := r.nextSlot - r.numStatic
	if dynIndex >= r.maxDynamic {
		return -1, nil, false
	}
	r.generation++
	e := &Entry{
		Name:       name,
		Slot:       r.nextSlot,
		Generation: r.generation,
	}
	r.nextSlot++
	r.byName[name] = e
	r.entries = append(r.entries, e)
	return e.Slot, e, true
}

// Generation returns the latest generation assigned to any entry.
func (r *Registry) Generation() int {
	return r.generation
}

// NumSlots returns the number of slots assigned so far, static + dynamic.
func (r *Registry) NumSlots() int {
	return r.nextSlot
}

// MaxSlots returns the total slot space this registry can ever assign:
// the static slots plus the configured dynamic ceiling D (spec.md §3).
// A table sized to MaxSlots on first bind never needs to reallocate its
// backing array on a later fixup, which is what lets a published Slots
// pointer stay valid for the fast path without republishing it on every
// dynamic slot registration (spec.md §5's ordering requirement).
func (r *Registry) MaxSlots() int {
	return r.numStatic + r.maxDynamic
}

// EntriesSince returns every entry whose generation exceeds sinceGen, in
// registration order. This is exactly the set a DispatchTable's Fixup
// needs to bring itself up to the registry's current generation (spec.md
// §4.3's "iterates newly registered entries").
func (r *Registry) EntriesSince(sinceGen int) []*Entry {
	var out []*Entry
	for _, e := range r.entries {
		if e.Generation > sinceGen {
			out = append(out, e)
		}
	}
	return out
}
