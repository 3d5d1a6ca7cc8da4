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
	"runtime"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/glvnd-go/dispatch/pkg/glvndconfig"
	"github.com/glvnd-go/dispatch/pkg/stub"
	"github.com/glvnd-go/dispatch/pkg/stub/native"
	"github.com/glvnd-go/dispatch/pkg/table"
	"github.com/glvnd-go/dispatch/pkg/threadstate"
)

// TestS3PatchOwnershipHandoff implements spec.md §8 scenario S3: vendor 0
// installs patching, vendor 1 takes it over (vendor 0's release has fired
// exactly once, on vendor 0's own LoseCurrent), and vendor 2 (no patch
// callbacks) falls back to indirect dispatch with the defaults restored.
func TestS3PatchOwnershipHandoff(t *testing.T) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	c := newTestController(t, glvndconfig.Config{})
	counters := newVendorCounters()

	var prov *native.Provider
	c.mu.Lock()
	prov = c.providers[c.providerOrder[0]].(*native.Provider)
	c.mu.Unlock()

	tb0 := vendorTable(t, c, 1, counters)
	tb1 := vendorTable(t, c, 2, counters)
	tb2 := vendorTable(t, c, 3, counters)

	var v0Released, v1Released int

	cb0 := &stub.PatchCallbacks{
		IsSupported:   func(stub.FamilyTag, int) bool { return true },
		InitiatePatch: func(stub.FamilyTag, int, stub.LookupFunc) bool { return true },
		Release:       func() { v0Released++ },
	}
	cb1 := &stub.PatchCallbacks{
		IsSupported:   func(stub.FamilyTag, int) bool { return true },
		InitiatePatch: func(stub.FamilyTag, int, stub.LookupFunc) bool { return true },
		Release:       func() { v1Released++ },
	}

	// Vendor 0 takes patch ownership.
	ts0 := &threadstate.State{Tag: threadstate.TagGLX}
	require.NoError(t, c.MakeCurrent(ts0, tb0, 1, cb0))
	require.True(t, prov.IsPatched())
	vid, ok := c.PatchOwnerVendor()
	require.True(t, ok)
	require.Equal(t, 1, vid)
	require.NoError(t, c.LoseCurrent())

	// Vendor 1 takes over: vendor 0's release fired exactly once, when
	// vendor 0's LoseCurrent restored the defaults.
	ts1 := &threadstate.State{Tag: threadstate.TagGLX}
	require.NoError(t, c.MakeCurrent(ts1, tb1, 2, cb1))
	require.Equal(t, 1, v0Released)
	require.True(t, prov.IsPatched())
	vid, ok = c.PatchOwnerVendor()
	require.True(t, ok)
	require.Equal(t, 2, vid)
	require.NoError(t, c.LoseCurrent())

	// Vendor 2 offers no patch callbacks: vendor 1's release fired on
	// vendor 1's LoseCurrent, the stubs show the default sequence, and
	// ownership stays clear.
	ts2 := &threadstate.State{Tag: threadstate.TagGLX}
	require.NoError(t, c.MakeCurrent(ts2, tb2, 3, nil))
	require.Equal(t, 1, v1Released)
	require.False(t, prov.IsPatched())
	_, ok = c.PatchOwnerVendor()
	require.False(t, ok)
	require.NoError(t, c.LoseCurrent())
}

// TestS4PatchRefusalUnderAmbientFaultEnv implements spec.md §8 scenario
// S4: with app-error-checking enabled, patch arbitration never installs
// a vendor, and calls still reach the vendor indirectly.
func TestS4PatchRefusalUnderAmbientFaultEnv(t *testing.T) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	cfg := glvndconfig.Config{AppErrorChecking: true}
	require.False(t, cfg.PatchingAllowed()) // app-error-checking implies no patching
	c := newTestController(t, cfg)
	counters := newVendorCounters()
	tb := vendorTable(t, c, 1, counters)

	var initiateCalled bool
	cb := &stub.PatchCallbacks{
		IsSupported: func(stub.FamilyTag, int) bool { return true },
		InitiatePatch: func(stub.FamilyTag, int, stub.LookupFunc) bool {
			initiateCalled = true
			return true
		},
	}

	ts := &threadstate.State{Tag: threadstate.TagGLX}
	require.NoError(t, c.MakeCurrent(ts, tb, 1, cb))
	require.False(t, initiateCalled)
	require.False(t, c.IsPatched())

	c.CallEntrypoint("f")
	require.Equal(t, 1, counters.get(1))

	require.NoError(t, c.LoseCurrent())
}

// TestS6MultithreadLatch implements spec.md §8 scenario S6: two OS
// threads each make a different table current, and the process-wide
// multithread latch transitions from false to true exactly once.
func TestS6MultithreadLatch(t *testing.T) {
	threadstate.ResetMultithreadLatchForTesting()
	defer threadstate.ResetMultithreadLatchForTesting()

	c := newTestController(t, glvndconfig.Config{})
	counters := newVendorCounters()
	tbA := vendorTable(t, c, 1, counters)
	tbB := vendorTable(t, c, 2, counters)

	var notifyCount int
	c.OnMultithreaded(func() { notifyCount++ })
	defer c.OnMultithreaded(nil)

	done := make(chan struct{}, 2)
	run := func(tb *table.Table, vendorID int) {
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()
		defer func() { done <- struct{}{} }()
		ts := &threadstate.State{Tag: threadstate.TagGLX}
		if err := c.MakeCurrent(ts, tb, vendorID, nil); err != nil {
			return
		}
		c.CallEntrypoint("f")
		c.LoseCurrent()
	}

	go run(tbA, 1)
	go run(tbB, 2)
	<-done
	<-done

	require.True(t, threadstate.IsMultithreaded())
	require.Equal(t, 1, notifyCount)
}
