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

// Package native is the one stub.Provider this module ships, satisfying
// spec.md's Open Question that "at least one family be functional." It
// hands out addresses from an execmem.Arena the same way a real
// per-architecture template would hand out addresses into a block of
// pre-assembled machine code; what happens when that address is "called"
// is recorded in pkg/vendorfn and driven through Dispatch rather than
// through an actual CPU jump, since pure Go cannot emit the TLS-load/
// index/tail-call sequence spec.md §4.2 describes without per-arch
// assembly or cgo — exactly the opaque boundary spec.md §1 draws around
// stub families. See DESIGN.md for the full rationale.
package native

import (
	"sync"

	"github.com/glvnd-go/dispatch/pkg/execmem"
	"github.com/glvnd-go/dispatch/pkg/stub"
	"github.com/glvnd-go/dispatch/pkg/vendorfn"
)

// Provider implements stub.Provider and stub.NameResolver.
type Provider struct {
	mu sync.Mutex

	id       int
	tag      stub.FamilyTag
	stubSize int
	arena    *execmem.Arena

	start, end uintptr
	staticAddr []uintptr
	dynamic    map[uintptr]int
	slotAddr   map[int]uintptr

	patched   bool
	installed map[uintptr]vendorfn.Func

	resolve func(name string) (int, bool)
}

var _ stub.Provider = (*Provider)(nil)
var _ stub.NameResolver = (*Provider)(nil)

// New pre-generates numStatic static stubs, one per build-time-known
// slot, laid out contiguously in arena (spec.md §4.2: "each stub_size
// bytes, laid out contiguously between start and end, one per static
// slot" — guaranteed here because Arena.Alloc is a bump allocator).
// Start is the first static stub's address and End is Start plus
// numStatic*stubSize. End is not rounded up to a page boundary, and Start
// is page aligned only when these stubs are the arena's first allocation.
func New(id int, tag stub.FamilyTag, arena *execmem.Arena, stubSize, numStatic int) *Provider {
	p := &Provider{
		id:        id,
		tag:       tag,
		stubSize:  stubSize,
		arena:     arena,
		dynamic:   make(map[uintptr]int),
		slotAddr:  make(map[int]uintptr),
		installed: make(map[uintptr]vendorfn.Func),
	}
	p.staticAddr = make([]uintptr, numStatic)
	for i := 0; i < numStatic; i++ {
		addr := arena.Alloc(stubSize)
		p.staticAddr[i] = addr
		p.slotAddr[i] = addr
		if i == 0 {
			p.start = addr
		}
	}
	if numStatic > 0 {
		p.end = p.start + uintptr(numStatic*stubSize)
	}
	return p
}

// ID implements stub.Provider.
func (p *Provider) ID() int { return p.id }

// Tag implements stub.Provider.
func (p *Provider) Tag() stub.FamilyTag { return p.tag }

// StubSize implements stub.Provider.
func (p *Provider) StubSize() int { return p.stubSize }

// Start implements stub.Provider.
func (p *Provider) Start() uintptr { return p.start }

// End implements stub.Provider.
func (p *Provider) End() uintptr { return p.end }

// Synthesize implements stub.Provider. Static slots already have an
// address from New; only dynamic slots (spec.md's K..K+D-1) allocate
// here.
func (p *Provider) Synthesize(slot int) uintptr {
	p.mu.Lock()
	defer p.mu.Unlock()
	if addr, ok := p.slotAddr[slot]; ok {
		return addr
	}
	addr := p.arena.Alloc(p.stubSize)
	if addr == 0 {
		return 0
	}
	p.dynamic[addr] = slot
	p.slotAddr[slot] = addr
	return addr
}

// PatchBegin implements stub.Provider. The arena's dual-alias design
// (spec.md §4.1) already hands out a writable view without the provider
// ever toggling page protections itself, so this is bookkeeping only —
// see DESIGN.md.
func (p *Provider) PatchBegin() error { return nil }

// PatchCommit implements stub.Provider.
func (p *Provider) PatchCommit() error { return nil }

// PatchAbort implements stub.Provider.
func (p *Provider) PatchAbort() error { return nil }

// RestoreAll implements stub.Provider: every installed override is
// dropped, so Dispatch falls back to the default sequence for every slot,
// equivalent to re-synthesizing each of them.
func (p *Provider) RestoreAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.installed = make(map[uintptr]vendorfn.Func)
}

// SetNameResolver implements stub.NameResolver.
func (p *Provider) SetNameResolver(resolve func(name string) (int, bool)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.resolve = resolve
}

// LookupPatchAddr implements stub.Provider / the patch ABI's
// lookup_patch_addr.
func (p *Provider) LookupPatchAddr(name string) (writable, exec uintptr, ok bool) {
	p.mu.Lock()
	resolve := p.resolve
	p.mu.Unlock()
	if resolve == nil {
		return 0, 0, false
	}
	slot, ok := resolve(name)
	if !ok {
		return 0, 0, false
	}
	p.mu.Lock()
	addr, ok := p.slotAddr[slot]
	p.mu.Unlock()
	if !ok {
		return 0, 0, false
	}
	return p.arena.WritableOf(addr), addr, true
}

// IsPatched implements stub.Provider.
func (p *Provider) IsPatched() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.patched
}

// SetPatched implements stub.Provider.
func (p *Provider) SetPatched(v bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.patched = v
}

// Install records fn as the vendor-rewritten body for the stub at
// execAddr, standing in for writing real machine code through the
// writable alias LookupPatchAddr returned (see DESIGN.md). It is a no-op
// on dispatch unless the provider has also been marked patched via
// SetPatched(true).
func (p *Provider) Install(execAddr uintptr, fn vendorfn.Func) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.installed[execAddr] = fn
}

// Dispatch implements stub.Provider.
func (p *Provider) Dispatch(tid, slot int, fallback vendorfn.Func) (uintptr, bool) {
	p.mu.Lock()
	addr, known := p.slotAddr[slot]
	var fn vendorfn.Func
	if known && p.patched {
		fn = p.installed[addr]
	}
	p.mu.Unlock()
	if !known {
		return 0, false
	}
	if fn != nil {
		return fn(tid), true
	}
	return fallback(tid), true
}
