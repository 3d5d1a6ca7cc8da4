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

package main

import (
	"sync"

	"github.com/glvnd-go/dispatch/pkg/vendorfn"
)

// callCounter stands in for a vendor's real entrypoint implementations:
// every resolved slot counts the call against the vendor id it was
// created for, so a scenario report can show which vendor actually
// serviced each CallEntrypoint.
type callCounter struct {
	mu     sync.Mutex
	counts map[int]int
}

func newCallCounter() *callCounter {
	return &callCounter{counts: make(map[int]int)}
}

// handle registers a fresh vendorfn for vendorID. Each table gets its own
// handles so RestoreAll/patch handoff between tables never shares state.
func (c *callCounter) handle(vendorID int) uintptr {
	return vendorfn.Register(func(int) uintptr {
		c.mu.Lock()
		c.counts[vendorID]++
		c.mu.Unlock()
		return 0
	})
}

func (c *callCounter) get(vendorID int) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counts[vendorID]
}

func (c *callCounter) snapshot() map[int]int {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[int]int, len(c.counts))
	for k, v := range c.counts {
		out[k] = v
	}
	return out
}
