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

// This file holds the introspection surface SPEC_FULL.md §4 supplements
// from original_source/ but that the distilled spec.md dropped from its
// operation table: vendor name strings, patch-state introspection, and
// the multithread-latch notification hook.
package dispatch

// SetVendorName records a human-readable name for vendorID, mirroring
// the original's __glXGLVendorStringModule vendor-naming support
// (original_source/src/GLX/libglxstring.c).
func (c *Controller) SetVendorName(vendorID int, name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.vendorNames[vendorID] = name
}

// VendorName returns the name previously recorded with SetVendorName, if
// any.
func (c *Controller) VendorName(vendorID int) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	name, ok := c.vendorNames[vendorID]
	return name, ok
}

// IsPatched reports whether any stub provider currently holds a
// vendor-installed sequence, i.e. whether the patch arbiter is in any
// Owned(V) state.
func (c *Controller) IsPatched() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.patchOwner != nil
}

// PatchOwnerVendor returns the vendor id that currently owns entrypoint
// patching, if any.
func (c *Controller) PatchOwnerVendor() (int, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.patchOwner == nil {
		return 0, false
	}
	return c.patchOwner.vendorID, true
}

// OnMultithreaded installs the callback spec.md §4.8 describes as
// "notify the lower dispatch layer" the first time a second OS thread is
// observed making a context current. Passing nil clears it.
func (c *Controller) OnMultithreaded(f func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onMultithreaded = f
}

func (c *Controller) notifyMultithreaded() {
	c.mu.Lock()
	f := c.onMultithreaded
	c.mu.Unlock()
	if f != nil {
		f()
	}
}
