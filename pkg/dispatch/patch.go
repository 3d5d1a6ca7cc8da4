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

package dispatch

import (
	"github.com/glvnd-go/dispatch/pkg/stub"
	"github.com/glvnd-go/dispatch/pkg/threadstate"
)

// patchingAllowedLocked gates spec.md §4.5's three preconditions for
// *entering* (or changing) patch ownership: at least one provider
// registered, the environment flags permit it, and no thread anywhere
// currently holds a context. MakeCurrent calls this before incrementing
// the caller's own context count, so "no thread" here already means "no
// thread including the caller" — matching §4.5 literally for the one
// case that matters (a thread's first MakeCurrent).
func (c *Controller) patchingAllowedLocked() bool {
	if !c.cfg.PatchingAllowed() {
		return false
	}
	if len(c.providers) == 0 {
		return false
	}
	return threadstate.TotalContexts() == 0
}

// arbitratePatchLocked implements spec.md §4.5's {Unowned, Owned(V)}
// state machine. Called from inside MakeCurrent while c.mu is held; it
// is a no-op whenever patchingAllowedLocked is false, leaving whatever
// state was already in effect (spec.md §4.5's preconditions gate the
// entire arbitration step, not just the Unowned->Owned transition).
func (c *Controller) arbitratePatchLocked(vendorID int, cb *stub.PatchCallbacks) {
	if !c.patchingAllowedLocked() {
		return
	}

	if cb == nil {
		// Caller offers no patch callbacks. If a different vendor still
		// owns patching, release it so the default sequence — safe for
		// any vendor — is what this caller sees.
		if c.patchOwner != nil && c.patchOwner.vendorID != vendorID {
			c.releasePatchOwnerLocked()
		}
		return
	}

	if c.patchOwner != nil {
		if c.patchOwner.vendorID == vendorID && c.patchOwner.callbacks.Equal(cb) {
			return // Owned(V) -> Owned(V): no-op.
		}
		c.releasePatchOwnerLocked() // Owned(V) -> Owned(W), V != W.
	}

	anyPatched := false
	for _, id := range c.providerOrder {
		p := c.providers[id]
		if !cb.IsSupported(p.Tag(), p.StubSize()) {
			if p.IsPatched() {
				p.RestoreAll()
				p.SetPatched(false)
			}
			continue
		}
		if err := p.PatchBegin(); err != nil {
			continue
		}
		if cb.InitiatePatch(p.Tag(), p.StubSize(), p.LookupPatchAddr) {
			p.PatchCommit()
			p.SetPatched(true)
			anyPatched = true
		} else {
			p.PatchAbort()
			p.SetPatched(false)
		}
	}

	if anyPatched {
		c.patchOwner = &patchOwner{vendorID: vendorID, callbacks: cb}
	} else {
		c.patchOwner = nil
	}
}

// releasePatchOwnerLocked transitions Owned(V) -> Unowned: every patched
// provider is restored to its default sequence and the current owner's
// Release callback is invoked exactly once.
func (c *Controller) releasePatchOwnerLocked() {
	if c.patchOwner == nil {
		return
	}
	if c.patchOwner.callbacks.Release != nil {
		c.patchOwner.callbacks.Release()
	}
	for _, id := range c.providerOrder {
		p := c.providers[id]
		if p.IsPatched() {
			p.RestoreAll()
			p.SetPatched(false)
		}
	}
	c.patchOwner = nil
}

// attemptReleasePatchLocked is LoseCurrent's best-effort restore
// (spec.md §4.6: "may be blocked if other threads hold contexts; that is
// fine because correctness requires only that the current thread exit
// with defaults visible from its own perspective"). Unlike
// patchingAllowedLocked, it does not consult the environment flags —
// undoing an existing patch is always safe to attempt; what the env
// flags gate is *acquiring* new patch ownership.
func (c *Controller) attemptReleasePatchLocked() {
	if len(c.providers) == 0 {
		return
	}
	if threadstate.OtherContexts() != 0 {
		return
	}
	c.releasePatchOwnerLocked()
}

// checkStubOwnershipLocked implements spec.md §4.6 step 3: if any
// provider is currently patched, the patch owner vendor must match the
// caller.
func (c *Controller) checkStubOwnershipLocked(vendorID int) error {
	for _, id := range c.providerOrder {
		if c.providers[id].IsPatched() {
			if c.patchOwner == nil || c.patchOwner.vendorID != vendorID {
				return assertOrError(false, "dispatch: stub ownership mismatch on MakeCurrent", ErrVendorMismatch)
			}
		}
	}
	return nil
}
