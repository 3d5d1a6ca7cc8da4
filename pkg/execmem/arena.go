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

// Package execmem implements a bump-allocated arena of dynamically
// generated code. Pages are mapped at two addresses: one executable, one
// writable, so that a stub family never has to toggle protection bits on
// the page it is actively running out of.
package execmem

import (
	"fmt"
	"sync"
)

// DefaultSize is used by New when the caller does not have a better
// estimate of how many dynamic stubs it will need to synthesize.
const DefaultSize = 64 * 1024

// Arena is a bump allocator over a dual-mapped region of memory. The zero
// value is not usable; construct one with New.
type Arena struct {
	mu sync.Mutex

	execBase  uintptr
	writeBase uintptr
	size      uintptr
	head      uintptr

	unmap func() error
}

// New creates an arena of at least size bytes, rounded up to the platform
// page size. Two views of the same physical pages are established: one at
// ExecBase (PROT_READ|PROT_EXEC) and one at WriteBase (PROT_READ|PROT_WRITE).
// On platforms where the OS refuses dual aliasing, both addresses collapse
// onto a single PROT_READ|PROT_WRITE|PROT_EXEC mapping.
func New(size int) (*Arena, error) {
	if size <= 0 {
		size = DefaultSize
	}
	execBase, writeBase, sz, unmap, err := mapDualAlias(size)
	if err != nil {
		return nil, fmt.Errorf("execmem: mapping arena: %w", err)
	}
	return &Arena{
		execBase:  execBase,
		writeBase: writeBase,
		size:      sz,
		unmap:     unmap,
	}, nil
}

// Alloc reserves size bytes from the arena and returns the executable
// address of the reservation. It returns 0 if the arena has no room left;
// callers must treat that as an ordinary allocation failure, never a panic.
func (a *Arena) Alloc(size int) uintptr {
	if size <= 0 {
		return 0
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	need := uintptr(size)
	if a.head+need > a.size {
		return 0
	}
	off := a.head
	a.head += need
	return a.execBase + off
}

// WritableOf maps an executable pointer previously returned by Alloc (or a
// static address owned by this arena) back to its writable alias. Pointers
// that do not fall inside the arena are returned unchanged so that callers
// can compose this with static-stub addresses owned by someone else.
func (a *Arena) WritableOf(execPtr uintptr) uintptr {
	a.mu.Lock()
	defer a.mu.Unlock()
	if execPtr < a.execBase || execPtr >= a.execBase+a.size {
		return execPtr
	}
	return a.writeBase + (execPtr - a.execBase)
}

// Contains reports whether execPtr lies inside this arena's executable
// mapping, whether or not that address has been handed out by Alloc yet.
func (a *Arena) Contains(execPtr uintptr) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return execPtr >= a.execBase && execPtr < a.execBase+a.size
}

// Close releases the backing mapping(s). The arena must not be used
// afterwards; this is only called from library finalize (spec.md §4.9).
func (a *Arena) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.unmap == nil {
		return nil
	}
	err := a.unmap()
	a.unmap = nil
	return err
}
