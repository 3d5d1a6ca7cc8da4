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

// Package vendorfn is the bridge between the "function pointer" values
// spec.md's data model passes around (DispatchTable.slots entries,
// GetProc results, the patch ABI's writable alias) and actual callable Go
// code. A real libglvnd stores CPU addresses in these slots; a pure-Go
// port has nothing to jump to at an arbitrary uintptr, so every "function
// pointer" used by this module is in fact a handle into this registry,
// and calling it means looking the handle up and invoking the Go closure
// behind it. This keeps every other package (table, registry, dispatch)
// honestly typed as uintptr, matching the C data model, while giving the
// fast-path "tail call" in package stub/native something real to do.
package vendorfn

import "sync"

// Func is a vendor (or no-op) implementation of a single dispatch slot.
// The tid argument identifies the calling OS thread, standing in for the
// arguments a real entrypoint would forward; this module does not
// validate or marshal arguments (spec.md §1 Non-goals).
type Func func(tid int) uintptr

var (
	mu     sync.Mutex
	nextID uintptr = 1
	table          = make(map[uintptr]Func)
)

// Register allocates a new handle for f and returns it. The returned
// value is never zero, so it composes with the "null means absent"
// convention used throughout table.Table and the registry.
func Register(f Func) uintptr {
	mu.Lock()
	defer mu.Unlock()
	h := nextID
	nextID++
	table[h] = f
	return h
}

// Call invokes the Func behind handle h, if any. ok is false for a zero
// handle or one this registry never issued.
func Call(h uintptr, tid int) (result uintptr, ok bool) {
	if h == 0 {
		return 0, false
	}
	mu.Lock()
	f := table[h]
	mu.Unlock()
	if f == nil {
		return 0, false
	}
	return f(tid), true
}

// Lookup reports whether h is a handle this registry issued, without
// calling it.
func Lookup(h uintptr) bool {
	if h == 0 {
		return false
	}
	mu.Lock()
	_, ok := table[h]
	mu.Unlock()
	return ok
}
