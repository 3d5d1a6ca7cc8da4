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

// Package stub defines the StubProvider contract from spec.md §4.2 and
// §6. The dispatch core treats every provider as opaque: it only calls
// through this interface and never inspects what a provider's stubs are
// actually made of. Per spec.md §1's explicit Non-goal, the per-architecture
// assembly templates themselves are out of scope for this module; see
// package stub/native for the one reference implementation this module
// ships, and DESIGN.md for why it is built the way it is.
package stub

import "github.com/glvnd-go/dispatch/pkg/vendorfn"

// FamilyTag identifies an instruction set and calling convention a
// provider's stubs are written for, so a vendor's initiate_patch callback
// can decide whether it knows how to rewrite them.
type FamilyTag int

// LookupFunc resolves a static entrypoint name to the pair of addresses
// spec.md's patch ABI promises: a writable alias and the executable
// address, both mapping the same physical page.
type LookupFunc func(name string) (writable, exec uintptr, ok bool)

// PatchCallbacks is spec.md §3's PatchOwner.callbacks: the three hooks a
// vendor supplies when it wants to own live entrypoint patching.
type PatchCallbacks struct {
	// IsSupported reports whether this vendor knows how to rewrite stubs
	// of the given family/size.
	IsSupported func(tag FamilyTag, stubSize int) bool

	// InitiatePatch asks the vendor to rewrite as many named entrypoints
	// as it wishes using the writable alias Lookup exposes. Returns false
	// if the vendor declines (spec.md: "Patching refused... not an
	// error").
	InitiatePatch func(tag FamilyTag, stubSize int, lookup LookupFunc) bool

	// Release tells the vendor it no longer owns the stubs.
	Release func()
}

// Equal reports whether two PatchCallbacks values represent the same
// vendor installation, used by the patch arbiter's Owned(V)->Owned(V)
// no-op transition (spec.md §4.5: "no-op when callbacks are
// pointer-equal").
func (c *PatchCallbacks) Equal(o *PatchCallbacks) bool {
	return c == o
}

// Provider is spec.md §3's StubProvider. Implementations register
// themselves with the dispatch controller via RegisterStubProvider and
// are addressed by ID thereafter.
type Provider interface {
	// ID is a small positive integer unique among currently registered
	// providers.
	ID() int

	// Tag identifies the instruction set / calling convention family.
	Tag() FamilyTag

	// StubSize is the fixed size, in bytes, of every stub this provider
	// produces (static and dynamic alike).
	StubSize() int

	// Start and End bound the provider's static stub block; [Start, End)
	// must be page aligned.
	Start() uintptr
	End() uintptr

	// Synthesize allocates and emits a stub specialized for slot,
	// returning its executable address, or 0 on allocation failure.
	Synthesize(slot int) uintptr

	// PatchBegin remaps [Start, End) read-write-execute so InitiatePatch
	// can rewrite it; PatchCommit restores read-execute; PatchAbort is
	// equivalent to PatchCommit but signals the attempt was canceled.
	PatchBegin() error
	PatchCommit() error
	PatchAbort() error

	// RestoreAll rewrites every stub with the default sequence, as if
	// Synthesize had been called again for every assigned slot.
	RestoreAll()

	// LookupPatchAddr resolves name to the writable/executable address
	// pair a vendor's InitiatePatch callback needs.
	LookupPatchAddr(name string) (writable, exec uintptr, ok bool)

	// IsPatched reports whether this provider's stubs currently hold a
	// vendor-installed sequence rather than the default.
	IsPatched() bool

	// SetPatched records the provider's current patch state; called only
	// by the dispatch controller's patch arbiter.
	SetPatched(bool)

	// Dispatch simulates the execution of the stub assigned to slot (see
	// DESIGN.md for why a pure-Go port needs this instead of actually
	// jumping to an address). When the provider holds a vendor-installed
	// replacement for slot, it is invoked directly, bypassing fallback
	// entirely — exactly the indirection patching is meant to eliminate.
	// Otherwise fallback is invoked, which is the caller's ordinary
	// thread-local table lookup. ok is false only when slot was never
	// synthesized by this provider.
	Dispatch(tid, slot int, fallback vendorfn.Func) (result uintptr, ok bool)
}

// NameResolver is implemented by providers whose LookupPatchAddr needs to
// translate an entrypoint name to a slot index via the registry; the
// dispatch controller wires this in when it registers a provider that
// asks for it.
type NameResolver interface {
	SetNameResolver(func(name string) (slot int, ok bool))
}
