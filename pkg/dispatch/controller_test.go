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
	"sync"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"

	"github.com/glvnd-go/dispatch/pkg/execmem"
	"github.com/glvnd-go/dispatch/pkg/glvndconfig"
	"github.com/glvnd-go/dispatch/pkg/stub"
	"github.com/glvnd-go/dispatch/pkg/stub/native"
	"github.com/glvnd-go/dispatch/pkg/table"
	"github.com/glvnd-go/dispatch/pkg/threadstate"
	"github.com/glvnd-go/dispatch/pkg/vendorfn"
)

// vendorCounterHandle registers a fresh vendorfn handle that bumps
// counters for vid when called, standing in for a vendor's real
// implementation of whatever name GetProc resolved.
func vendorCounterHandle(counters *vendorCounters, vid int) uintptr {
	return vendorfn.Register(func(int) uintptr {
		counters.bump(vid)
		return 0
	})
}

// vendorCounters is a tiny test fixture: one counter per vendor, bumped
// every time that vendor's GetProc-resolved function runs.
type vendorCounters struct {
	mu    sync.Mutex
	calls map[int]int
}

func newVendorCounters() *vendorCounters {
	return &vendorCounters{calls: make(map[int]int)}
}

func (v *vendorCounters) bump(vendorID int) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.calls[vendorID]++
}

func (v *vendorCounters) get(vendorID int) int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.calls[vendorID]
}

// newTestController builds a Controller seeded with two static names and
// wired to a native stub provider, matching the minimal setup every S1-S6
// scenario in spec.md §8 needs.
func newTestController(t *testing.T, cfg glvndconfig.Config) *Controller {
	t.Helper()
	c := New(cfg, []string{"f", "g"}, 64)
	require.NoError(t, c.Init())
	t.Cleanup(func() { require.NoError(t, c.Finalize()) })

	arena, err := execmem.New(execmem.DefaultSize)
	require.NoError(t, err)
	c.RegisterArena(arena)

	prov := native.New(1, stub.FamilyTag(1), arena, 16, 2)
	require.NoError(t, c.RegisterStubProvider(prov))
	return c
}

// vendorTable creates a table whose GetProc resolves every name to a
// counter bump for vendorID, simulating a vendor's real dispatch table.
func vendorTable(t *testing.T, c *Controller, vendorID int, counters *vendorCounters) *table.Table {
	t.Helper()
	getProc := func(name string, arg unsafe.Pointer) (uintptr, bool) {
		vid := *(*int)(arg)
		h := vendorCounterHandle(counters, vid)
		return h, true
	}
	vid := vendorID
	tb, err := c.CreateTable(vendorID, getProc, unsafe.Pointer(&vid))
	require.NoError(t, err)
	return tb
}

// TestS1StaticDispatchThroughThreeVendors implements spec.md §8 scenario
// S1: three vendors each take a turn being current, and calls to a
// static slot route only to whichever vendor is current.
func TestS1StaticDispatchThroughThreeVendors(t *testing.T) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	c := newTestController(t, glvndconfig.Config{})
	counters := newVendorCounters()

	const n = 2
	for _, vid := range []int{1, 2, 3} {
		tb := vendorTable(t, c, vid, counters)
		ts := &threadstate.State{Tag: threadstate.TagGLX}
		require.NoError(t, c.MakeCurrent(ts, tb, vid, nil))
		for i := 0; i < n; i++ {
			c.CallEntrypoint("f")
		}
		require.NoError(t, c.LoseCurrent())
	}

	require.Equal(t, n, counters.get(1))
	require.Equal(t, n, counters.get(2))
	require.Equal(t, n, counters.get(3))
}

// TestS2DynamicSlotCrossFixup implements spec.md §8 scenario S2: a name
// looked up for the first time after a table is already current must be
// retrofitted into that table rather than requiring a fresh bind.
func TestS2DynamicSlotCrossFixup(t *testing.T) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	c := newTestController(t, glvndconfig.Config{})
	counters := newVendorCounters()

	tb0 := vendorTable(t, c, 10, counters)
	_ = vendorTable(t, c, 20, counters)

	ts := &threadstate.State{Tag: threadstate.TagGLX}
	require.NoError(t, c.MakeCurrent(ts, tb0, 10, nil))

	_, ok := c.LookupSlot("dyn.g1")
	require.False(t, ok)

	addr, err := c.GetProcAddress("dyn.g1")
	require.NoError(t, err)
	require.NotZero(t, addr)

	slot, ok := c.LookupSlot("dyn.g1")
	require.True(t, ok)
	require.GreaterOrEqual(t, slot, 2) // past the two static slots

	require.Less(t, slot, len(tb0.Slots))
	require.NotZero(t, tb0.Slots[slot])

	c.CallEntrypoint("dyn.g1")
	require.Equal(t, 1, counters.get(10))
	require.Equal(t, 0, counters.get(20))

	require.NoError(t, c.LoseCurrent())
}

// TestGetProcAddressIsStableAcrossCalls covers spec.md §8 invariant 3.
func TestGetProcAddressIsStableAcrossCalls(t *testing.T) {
	c := newTestController(t, glvndconfig.Config{})
	a1, err := c.GetProcAddress("glSomething")
	require.NoError(t, err)
	a2, err := c.GetProcAddress("glSomething")
	require.NoError(t, err)
	require.Equal(t, a1, a2)
}

// TestS5NoContextFault implements spec.md §8 scenario S5's first half: a
// call with no current thread-state is silent and touches no vendor
// counter.
func TestS5NoContextFault(t *testing.T) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	c := newTestController(t, glvndconfig.Config{})
	require.NotPanics(t, func() {
		require.Zero(t, c.CallEntrypoint("f"))
	})
}

// TestS5AmbientFaultReportsAndAborts covers S5's reporting and abort
// escalation without killing the test binary: abortFunc is swapped for a
// spy.
func TestS5AmbientFaultReportsAndAborts(t *testing.T) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	cfg := glvndconfig.Config{AppErrorChecking: true, AbortOnAppError: true}
	c := newTestController(t, cfg)

	var aborted bool
	orig := abortFunc
	abortFunc = func() { aborted = true }
	defer func() { abortFunc = orig }()

	c.CallEntrypoint("f")
	require.True(t, aborted)
}

// TestRefcountMatchesCurrentThreads covers spec.md §8 invariant 2 across
// a create/make-current/lose-current/destroy sequence.
func TestRefcountMatchesCurrentThreads(t *testing.T) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	c := newTestController(t, glvndconfig.Config{})
	counters := newVendorCounters()
	tb := vendorTable(t, c, 1, counters)

	ts := &threadstate.State{Tag: threadstate.TagGLX}
	require.NoError(t, c.MakeCurrent(ts, tb, 1, nil))
	require.Equal(t, 1, tb.Refcount)

	require.NoError(t, c.LoseCurrent())
	require.Equal(t, 0, tb.Refcount)

	c.DestroyTable(tb)
}

// TestMakeCurrentRefusesAlreadyCurrentThread covers spec.md §4.6 step 1.
func TestMakeCurrentRefusesAlreadyCurrentThread(t *testing.T) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	c := newTestController(t, glvndconfig.Config{})
	counters := newVendorCounters()
	tb := vendorTable(t, c, 1, counters)

	ts := &threadstate.State{Tag: threadstate.TagGLX}
	require.NoError(t, c.MakeCurrent(ts, tb, 1, nil))
	defer c.LoseCurrent()

	err := c.MakeCurrent(&threadstate.State{}, tb, 1, nil)
	require.ErrorIs(t, err, ErrAlreadyCurrent)
}

// TestSetDispatchRefusesVendorChange covers spec.md §6: "may be called
// after make-current to switch the currently bound table within the
// same vendor only."
func TestSetDispatchRefusesVendorChange(t *testing.T) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	c := newTestController(t, glvndconfig.Config{})
	counters := newVendorCounters()
	tb1 := vendorTable(t, c, 1, counters)
	tb2 := vendorTable(t, c, 2, counters)

	ts := &threadstate.State{Tag: threadstate.TagGLX}
	require.NoError(t, c.MakeCurrent(ts, tb1, 1, nil))
	defer c.LoseCurrent()

	err := c.SetDispatch(tb2)
	require.ErrorIs(t, err, ErrVendorMismatchSetDispatch)
}

// TestResetAfterFork supplements spec.md §4.8/§8 invariant 6 per
// SPEC_FULL.md's reading of original_source's testgldispatchthread.c: a
// forked child must observe zero refcounts and no stale thread-locals,
// while the registry and stub providers survive untouched.
func TestResetAfterFork(t *testing.T) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	c := newTestController(t, glvndconfig.Config{})
	counters := newVendorCounters()
	tb := vendorTable(t, c, 1, counters)

	ts := &threadstate.State{Tag: threadstate.TagGLX}
	require.NoError(t, c.MakeCurrent(ts, tb, 1, nil))
	require.Equal(t, 1, tb.Refcount)

	c.Reset()

	require.Equal(t, 0, tb.Refcount)
	require.Nil(t, c.GetCurrentThreadState())

	// The registry survives: a previously assigned static slot is still
	// resolvable without re-registering.
	slot, ok := c.LookupSlot("f")
	require.True(t, ok)
	require.Equal(t, 0, slot)
}
