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

// Package dispatch implements spec.md §4.6's dispatch controller: the
// single coordinator that owns the slot registry, the live-table set,
// the stub-provider set, and the patch-owner state, and that services
// every operation in spec.md §6's public operation surface.
//
// ABI note (SPEC_FULL.md §1): this package implements the "newer" of the
// two divergent make-current/init declarations the original source
// carried — Init() takes no arguments beyond the receiver, and
// MakeCurrent takes (*threadstate.State, *table.Table, vendorID int,
// *stub.PatchCallbacks). The older shape is not implemented.
package dispatch

import (
	"errors"
	"sync"
	"time"
	"unsafe"

	"golang.org/x/time/rate"

	"github.com/glvnd-go/dispatch/pkg/execmem"
	"github.com/glvnd-go/dispatch/pkg/glvndconfig"
	"github.com/glvnd-go/dispatch/pkg/glvndlog"
	"github.com/glvnd-go/dispatch/pkg/registry"
	"github.com/glvnd-go/dispatch/pkg/stub"
	"github.com/glvnd-go/dispatch/pkg/table"
	"github.com/glvnd-go/dispatch/pkg/threadstate"
	"github.com/glvnd-go/dispatch/pkg/vendorfn"
)

// faultLogBurst/faultLogInterval bound how often reportAmbientFault will
// actually emit a warning: a caller stuck in a hot loop with no current
// context (spec.md §8 S5) would otherwise flood the log once per call.
const (
	faultLogInterval = time.Second
	faultLogBurst    = 1
)

// patchOwner is spec.md §3's PatchOwner.
type patchOwner struct {
	vendorID  int
	callbacks *stub.PatchCallbacks
}

// Controller is spec.md §4.6's dispatch controller: a single owner object
// constructed by New, with interior synchronization, per DESIGN NOTES
// "avoid leaky mutable statics by routing every operation through that
// owner."
type Controller struct {
	mu sync.Mutex

	cfg glvndconfig.Config

	staticName []string
	staticSlot map[string]int
	maxDynamic int

	clientRefcount int
	initialized    bool

	reg *registry.Registry

	tables map[*table.Table]struct{}

	providers      map[int]stub.Provider
	providerOrder  []int
	nextProviderID int

	arenas []*execmem.Arena

	nextVendorID int32

	vendorNames map[int]string

	patchOwner *patchOwner

	noopHandle uintptr

	onMultithreaded func()

	faultLimiter *rate.Limiter
}

// New constructs a Controller. staticNames fixes the K build-time-known
// slots (spec.md §3) in order; maxDynamic bounds the dynamic slot space
// D. The controller does nothing else until Init is called — matching
// spec.md §6's "first caller also initializes..." contract.
func New(cfg glvndconfig.Config, staticNames []string, maxDynamic int) *Controller {
	return &Controller{
		cfg:          cfg,
		staticName:   append([]string(nil), staticNames...),
		maxDynamic:   maxDynamic,
		faultLimiter: rate.NewLimiter(rate.Every(faultLogInterval), faultLogBurst),
	}
}

// Init implements spec.md §6's init(): idempotent via refcount; the
// first caller initializes the thread-local bookkeeping, the slot
// registry, and seeds it with the static names.
func (c *Controller) Init() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.clientRefcount++
	if c.clientRefcount > 1 {
		return nil
	}

	c.reg = registry.New(len(c.staticName), c.maxDynamic)
	c.reg.RegisterStatic(c.staticName)
	c.staticSlot = make(map[string]int, len(c.staticName))
	for i, name := range c.staticName {
		c.staticSlot[name] = i
	}
	c.tables = make(map[*table.Table]struct{})
	c.providers = make(map[int]stub.Provider)
	c.vendorNames = make(map[int]string)
	c.noopHandle = vendorfn.Register(func(int) uintptr { return 0 })
	threadstate.SetMultithreadNotify(c.notifyMultithreaded)
	c.initialized = true

	glvndlog.Infof("dispatch: initialized with %d static slots, %d dynamic max", len(c.staticName), c.maxDynamic)
	return nil
}

// Finalize implements spec.md §6's finalize() / §4.9: decrements the
// client refcount; on the last client it unregisters every stub
// provider, frees every remaining table, and releases any exec arenas
// registered via RegisterArena. The slot registry and its entries are not
// freed here; they stay in place until a later first Init replaces them.
func (c *Controller) Finalize() error {
	c.mu.Lock()
	if c.clientRefcount == 0 {
		c.mu.Unlock()
		return nil
	}
	c.clientRefcount--
	if c.clientRefcount > 0 {
		c.mu.Unlock()
		return nil
	}

	c.providers = make(map[int]stub.Provider)
	c.providerOrder = nil
	c.tables = make(map[*table.Table]struct{})
	c.patchOwner = nil
	c.initialized = false
	arenas := c.arenas
	c.arenas = nil
	c.mu.Unlock()

	threadstate.Reset()

	var firstErr error
	for _, a := range arenas {
		if err := a.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	glvndlog.Infof("dispatch: finalized")
	return firstErr
}

// RegisterArena records an exec arena so that Finalize releases it on
// the last client's exit (spec.md §4.9). Providers that allocate from
// their own arena should register it once after construction.
func (c *Controller) RegisterArena(a *execmem.Arena) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.arenas = append(c.arenas, a)
}

// NewVendorID implements spec.md §6's new_vendor_id(): a strictly
// positive, process-unique integer.
func (c *Controller) NewVendorID() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextVendorID++
	return int(c.nextVendorID)
}

// CreateTable implements spec.md §6's create_table. get_proc may not be
// nil. The table's Slots array is left unallocated until first bound.
func (c *Controller) CreateTable(vendorID int, getProc table.GetProcFunc, arg unsafe.Pointer) (*table.Table, error) {
	if getProc == nil {
		if err := assertOrError(false, "dispatch: CreateTable requires a non-nil GetProc", ErrNoGetProc); err != nil {
			return nil, err
		}
	}
	t := table.New(vendorID, getProc, arg)
	c.mu.Lock()
	c.tables[t] = struct{}{}
	c.mu.Unlock()
	return t, nil
}

// DestroyTable implements spec.md §6's destroy_table: advisory, frees
// only once the table is unreferenced.
func (c *Controller) DestroyTable(t *table.Table) {
	if t == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if t.Destroy() {
		delete(c.tables, t)
	}
}

// DestroyVendorTables implements spec.md §6's destroy_vendor_tables bulk
// variant.
func (c *Controller) DestroyVendorTables(vendorID int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for t := range c.tables {
		if t.VendorID == vendorID && t.Destroy() {
			delete(c.tables, t)
		}
	}
}

// RegisterStubProvider implements spec.md §6's register_stub_provider.
// Providers that implement stub.NameResolver are wired to the
// registry's Lookup so their patch ABI can translate a name to a slot.
func (c *Controller) RegisterStubProvider(p stub.Provider) error {
	if p == nil {
		return errors.New("dispatch: nil stub provider")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if nr, ok := p.(stub.NameResolver); ok {
		nr.SetNameResolver(c.lookupSlotLocked)
	}
	if _, exists := c.providers[p.ID()]; !exists {
		c.providerOrder = append(c.providerOrder, p.ID())
	}
	c.providers[p.ID()] = p
	return nil
}

// UnregisterStubProvider implements spec.md §6's unregister_stub_provider.
func (c *Controller) UnregisterStubProvider(id int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.providers[id]
	if !ok {
		return assertOrError(false, "dispatch: unregister of unknown stub provider", ErrUnknownProvider)
	}
	if p.IsPatched() {
		p.RestoreAll()
		p.SetPatched(false)
	}
	delete(c.providers, id)
	for i, pid := range c.providerOrder {
		if pid == id {
			c.providerOrder = append(c.providerOrder[:i:i], c.providerOrder[i+1:]...)
			break
		}
	}
	return nil
}

// lookupSlotLocked is handed to providers as their name resolver. It
// must only be invoked while c.mu is held by the calling goroutine (true
// whenever a vendor's InitiatePatch callback runs, since patch
// arbitration happens entirely inside the controller lock per
// spec.md §5's ordering requirement).
func (c *Controller) lookupSlotLocked(name string) (int, bool) {
	if slot, ok := c.staticSlot[name]; ok {
		return slot, true
	}
	return c.reg.Lookup(name)
}

// LookupSlot is the read-only counterpart of GetProcAddress: it returns
// the slot already bound to name without creating one. Useful for test
// and demo harnesses that need to drive CallEntrypoint explicitly.
func (c *Controller) LookupSlot(name string) (int, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lookupSlotLocked(name)
}

// GetProcAddress implements spec.md §6's get_proc_address: returns the
// static or dynamic stub address for name, assigning a new dynamic slot
// and fixing up every live table if this is the first time name has been
// seen (spec.md §4.3).
func (c *Controller) GetProcAddress(name string) (uintptr, error) {
	c.mu.Lock()
	if !c.initialized {
		c.mu.Unlock()
		return 0, errors.New("dispatch: GetProcAddress before Init")
	}
	slot, ok := c.staticSlot[name]
	if !ok {
		var created bool
		slot, _, created = c.reg.GetOrCreate(name)
		if slot < 0 {
			c.mu.Unlock()
			return 0, ErrSlotLimitReached
		}
		if created {
			c.fixupAllLocked()
		}
	}
	p := c.primaryProviderLocked()
	c.mu.Unlock()

	if p == nil {
		return 0, errors.New("dispatch: no stub provider registered")
	}
	addr := p.Synthesize(slot)
	if addr == 0 {
		return 0, ErrArenaExhausted
	}
	return addr, nil
}

// fixupAllLocked is spec.md §4.3 step (d): every live table whose
// refcount is positive gets brought up to the registry's latest
// generation. Tables not currently bound to any thread are skipped and
// pay for this the next time they are bound (reconcileTableLocked).
func (c *Controller) fixupAllLocked() {
	gen := c.reg.Generation()
	for t := range c.tables {
		if t.Refcount <= 0 || t.Generation >= gen {
			continue
		}
		t.Fixup(toFixupEntries(c.reg.EntriesSince(t.Generation)), gen, c.noopHandle)
	}
}

// reconcileTableLocked implements spec.md §4.6's set_dispatch first two
// steps: allocate Slots on first bind, and fix up if the table's
// generation trails the registry's.
//
// The first-bind allocation is sized to the registry's MaxSlots, i.e.
// the full static+dynamic slot space, not just the slots assigned so
// far. This is what keeps a table's Slots array at a single, stable
// address for its entire bound lifetime: every later fixup (including
// the one fixupAllLocked drives for a table that is not the one calling
// MakeCurrent) writes into existing positions in that same array rather
// than growing and copying to a new one, so a thread-local slots pointer
// published once by PublishSlots remains valid without needing to be
// republished on every new dynamic slot (spec.md §5's fast-path safety
// argument (a) assumes exactly this).
func (c *Controller) reconcileTableLocked(t *table.Table) {
	if t.Slots == nil {
		if n := c.reg.MaxSlots(); n > 0 {
			t.EnsureCapacity(n - 1)
		}
	}
	gen := c.reg.Generation()
	if t.Generation < gen {
		t.Fixup(toFixupEntries(c.reg.EntriesSince(t.Generation)), gen, c.noopHandle)
	}
}

func toFixupEntries(entries []*registry.Entry) []table.FixupEntry {
	out := make([]table.FixupEntry, len(entries))
	for i, e := range entries {
		out[i] = table.FixupEntry{Name: e.Name, Slot: e.Slot, Generation: e.Generation}
	}
	return out
}

func (c *Controller) primaryProviderLocked() stub.Provider {
	if len(c.providerOrder) == 0 {
		return nil
	}
	return c.providers[c.providerOrder[0]]
}

// MakeCurrent implements spec.md §4.6's make_current.
func (c *Controller) MakeCurrent(ts *threadstate.State, t *table.Table, vendorID int, patch *stub.PatchCallbacks) error {
	if ts == nil || t == nil {
		return errors.New("dispatch: MakeCurrent requires a non-nil thread-state and table")
	}
	tid := threadstate.CurrentOSThreadID()
	if threadstate.Current(tid) != nil {
		return assertOrError(false, "dispatch: MakeCurrent called with a thread already current", ErrAlreadyCurrent)
	}

	c.mu.Lock()
	c.arbitratePatchLocked(vendorID, patch)
	if err := c.checkStubOwnershipLocked(vendorID); err != nil {
		c.mu.Unlock()
		return err
	}
	c.mu.Unlock()

	threadstate.IncContexts()
	threadstate.CheckMultithreaded(tid)

	ts.VendorID = vendorID
	threadstate.Bind(tid, ts)
	threadstate.PublishSlots(tid, nil)

	if err := c.SetDispatch(t); err != nil {
		threadstate.Unbind(tid)
		threadstate.DecContexts()
		return err
	}
	return nil
}

// SetDispatch implements spec.md §4.6's set_dispatch / §6's set_dispatch:
// may switch the table bound to the calling thread, within the same
// vendor only, once a thread is already current.
func (c *Controller) SetDispatch(t *table.Table) error {
	if t == nil {
		return errors.New("dispatch: SetDispatch requires a non-nil table")
	}
	tid := threadstate.CurrentOSThreadID()
	ts := threadstate.Current(tid)
	if ts == nil {
		return assertOrError(false, "dispatch: SetDispatch with no current thread-state", ErrNotCurrent)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	var prev *table.Table
	if p, ok := ts.CurrentTable().(*table.Table); ok {
		prev = p
	}
	if prev != nil && prev.VendorID != t.VendorID {
		return assertOrError(false, "dispatch: SetDispatch may not change vendor", ErrVendorMismatchSetDispatch)
	}

	c.reconcileTableLocked(t)

	// spec.md:97: increment the new table, decrement the previous one.
	// When prev == t those two must net to zero, not just skip the
	// decrement, or a repeated idempotent SetDispatch(t) on an
	// already-current table leaks Refcount upward (spec.md §8 Testable
	// Property 2).
	if prev != t {
		t.Refcount++
		if prev != nil {
			prev.Refcount--
			if prev.Reclaimable() {
				delete(c.tables, prev)
			}
		}
	}
	threadstate.PublishSlots(tid, t.Slots)

	ts.SetCurrentTable(t)
	return nil
}

// LoseCurrent implements spec.md §4.6's lose_current.
func (c *Controller) LoseCurrent() error {
	tid := threadstate.CurrentOSThreadID()
	ts := threadstate.Current(tid)
	if ts == nil {
		return assertOrError(false, "dispatch: LoseCurrent with no current thread-state", ErrNotCurrent)
	}

	c.mu.Lock()
	c.attemptReleasePatchLocked()
	if prev, ok := ts.CurrentTable().(*table.Table); ok && prev != nil {
		prev.Refcount--
		if prev.Reclaimable() {
			delete(c.tables, prev)
		}
	}
	ts.SetCurrentTable(nil)
	c.mu.Unlock()

	threadstate.Unbind(tid)
	threadstate.DecContexts()
	return nil
}

// GetCurrentThreadState implements spec.md §6's get_current_thread_state.
func (c *Controller) GetCurrentThreadState() *threadstate.State {
	return threadstate.Current(threadstate.CurrentOSThreadID())
}

// CheckMultithreaded implements spec.md §6's check_multithreaded.
func (c *Controller) CheckMultithreaded() {
	threadstate.CheckMultithreaded(threadstate.CurrentOSThreadID())
}

// Reset implements spec.md §6's reset() / §4.8's post-fork recovery: the
// slot registry and stub providers survive; every table's refcount is
// cleared (and reclaimed if now unreachable), and both thread-locals are
// cleared. The controller mutex itself needs no action in Go — unlike
// pthread_mutex_t, a sync.Mutex that the forking thread did not hold is
// already in a valid unlocked state in the child.
func (c *Controller) Reset() {
	c.mu.Lock()
	for t := range c.tables {
		t.Refcount = 0
		if t.Reclaimable() {
			delete(c.tables, t)
		}
	}
	c.mu.Unlock()
	threadstate.Reset()
}

// CallEntrypoint simulates what a stub does when an application calls
// the entrypoint named name (spec.md §4.7): read the thread-local
// current-dispatch pointer, index into it at the slot compiled into the
// stub, and tail-call through it. See DESIGN.md for why this module
// represents that as a named call rather than a literal jump to an
// address returned by GetProcAddress.
func (c *Controller) CallEntrypoint(name string) uintptr {
	tid := threadstate.CurrentOSThreadID()
	if threadstate.Current(tid) == nil {
		c.reportAmbientFault(name)
		return 0
	}
	slot, ok := c.LookupSlot(name)
	if !ok {
		c.reportAmbientFault(name)
		return 0
	}

	fallback := func(tid int) uintptr {
		slots := threadstate.CurrentSlots(tid)
		if slots == nil || slot >= len(slots) || slots[slot] == 0 {
			v, _ := vendorfn.Call(c.noopHandle, tid)
			return v
		}
		v, _ := vendorfn.Call(slots[slot], tid)
		return v
	}

	c.mu.Lock()
	p := c.primaryProviderLocked()
	c.mu.Unlock()
	if p != nil {
		if v, ok := p.Dispatch(tid, slot, fallback); ok {
			return v
		}
	}
	return fallback(tid)
}
