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
	"context"
	"flag"
	"fmt"
	"os"
	"runtime"

	"github.com/google/subcommands"

	"github.com/glvnd-go/dispatch/pkg/glvndlog"
	"github.com/glvnd-go/dispatch/pkg/stub"
	"github.com/glvnd-go/dispatch/pkg/table"
	"github.com/glvnd-go/dispatch/pkg/threadstate"
)

// scenarioCmd implements subcommands.Command for "scenario": it drives a
// rig built from a manifest through a named scenario shaped after
// spec.md §8's S1-S6, printing a short report of which vendor serviced
// which entrypoint.
type scenarioCmd struct {
	manifestPath string
	name         string
}

func (*scenarioCmd) Name() string     { return "scenario" }
func (*scenarioCmd) Synopsis() string { return "drive the dispatch controller through a named scenario" }
func (*scenarioCmd) Usage() string {
	return `scenario -name=<s1|s2|s3|s5|s6> [-manifest=path.toml]:
	Run one of the dispatch scenarios from spec.md against a demo controller.
`
}

func (c *scenarioCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.manifestPath, "manifest", "", "path to a TOML vendor manifest (defaults to a built-in two-vendor set)")
	f.StringVar(&c.name, "name", "s1", "scenario to run: s1, s2, s3, s5, s6")
}

func (c *scenarioCmd) Execute(_ context.Context, _ *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	m, err := loadManifest(c.manifestPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return subcommands.ExitFailure
	}

	r, err := buildRig(m)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return subcommands.ExitFailure
	}
	defer r.close()

	run, ok := scenarios[c.name]
	if !ok {
		fmt.Fprintf(os.Stderr, "unknown scenario %q\n", c.name)
		return subcommands.ExitUsageError
	}

	// Pin the calling goroutine to its OS thread: the controller's
	// thread-current state is keyed by OS thread id (pkg/threadstate), so
	// an un-pinned goroutine could be rescheduled mid-scenario onto a
	// thread with different (or no) current state.
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	if err := run(r); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}

var scenarios = map[string]func(*rig) error{
	"s1": scenarioS1,
	"s2": scenarioS2,
	"s3": scenarioS3,
	"s5": scenarioS5,
	"s6": scenarioS6,
}

// scenarioS1 mirrors spec.md §8 S1: each vendor takes a turn being
// current and a static entrypoint is called twice per turn.
func scenarioS1(r *rig) error {
	counts := newCallCounter()
	for _, v := range r.vendors {
		tb, err := r.newTable(v, counts)
		if err != nil {
			return err
		}
		ts := &threadstate.State{Tag: threadstate.TagGLX}
		if err := r.ctrl.MakeCurrent(ts, tb, v.id, nil); err != nil {
			return err
		}
		for i := 0; i < 2; i++ {
			r.ctrl.CallEntrypoint(r.staticNames[0])
		}
		if err := r.ctrl.LoseCurrent(); err != nil {
			return err
		}
		r.ctrl.DestroyTable(tb)
	}
	report("s1", counts)
	return nil
}

// scenarioS2 mirrors spec.md §8 S2: a dynamic entrypoint is resolved for
// the first time after a vendor is already current, and must be
// retrofitted into its live table without requiring a rebind.
func scenarioS2(r *rig) error {
	if len(r.vendors) < 2 {
		return fmt.Errorf("s2 needs at least two vendors in the manifest")
	}
	counts := newCallCounter()
	tb0, err := r.newTable(r.vendors[0], counts)
	if err != nil {
		return err
	}
	tb1, err := r.newTable(r.vendors[1], counts)
	if err != nil {
		return err
	}

	ts := &threadstate.State{Tag: threadstate.TagGLX}
	if err := r.ctrl.MakeCurrent(ts, tb0, r.vendors[0].id, nil); err != nil {
		return err
	}

	addr, err := r.ctrl.GetProcAddress("glvnddemoDynamicExtension")
	if err != nil {
		return err
	}
	glvndlog.Infof("glvnddemo: resolved dynamic extension at %#x", addr)

	r.ctrl.CallEntrypoint("glvnddemoDynamicExtension")
	if err := r.ctrl.LoseCurrent(); err != nil {
		return err
	}
	r.ctrl.DestroyTable(tb0)
	r.ctrl.DestroyTable(tb1)

	report("s2", counts)
	return nil
}

// scenarioS3 mirrors spec.md §8 S3: patch ownership hands off between
// vendors as each in turn becomes current.
func scenarioS3(r *rig) error {
	if len(r.vendors) < 2 {
		return fmt.Errorf("s3 needs at least two vendors in the manifest")
	}
	counts := newCallCounter()
	for _, v := range r.vendors {
		tb, err := r.newTable(v, counts)
		if err != nil {
			return err
		}
		var cb *stub.PatchCallbacks
		if v.spec.Patches {
			cb = &stub.PatchCallbacks{
				IsSupported:   func(stub.FamilyTag, int) bool { return true },
				InitiatePatch: func(stub.FamilyTag, int, stub.LookupFunc) bool { return true },
				Release:       func() {},
			}
		}
		ts := &threadstate.State{Tag: threadstate.TagGLX}
		if err := r.ctrl.MakeCurrent(ts, tb, v.id, cb); err != nil {
			return err
		}
		owner, _ := r.ctrl.PatchOwnerVendor()
		glvndlog.Infof("glvnddemo: vendor %q current, patch owner vendor id %d, patched=%v", v.spec.Name, owner, r.ctrl.IsPatched())
		r.ctrl.CallEntrypoint(r.staticNames[0])
		if err := r.ctrl.LoseCurrent(); err != nil {
			return err
		}
		r.ctrl.DestroyTable(tb)
	}
	report("s3", counts)
	return nil
}

// scenarioS5 mirrors spec.md §8 S5: calling an entrypoint with no current
// context is silently a no-op unless app-error-checking is enabled via
// __GLVND_APP_ERROR_CHECKING.
func scenarioS5(r *rig) error {
	v := r.ctrl.CallEntrypoint(r.staticNames[0])
	glvndlog.Infof("glvnddemo: call with no current context returned %#x (set __GLVND_APP_ERROR_CHECKING=1 to see a warning)", v)
	return nil
}

// scenarioS6 mirrors spec.md §8 S6: two OS threads each make a different
// vendor current, flipping the process-wide multithread latch exactly
// once.
func scenarioS6(r *rig) error {
	if len(r.vendors) < 2 {
		return fmt.Errorf("s6 needs at least two vendors in the manifest")
	}
	counts := newCallCounter()
	tbA, err := r.newTable(r.vendors[0], counts)
	if err != nil {
		return err
	}
	tbB, err := r.newTable(r.vendors[1], counts)
	if err != nil {
		return err
	}

	var notified int
	r.ctrl.OnMultithreaded(func() { notified++ })
	defer r.ctrl.OnMultithreaded(nil)

	done := make(chan error, 2)
	go runVendorOnThread(r, tbA, r.vendors[0].id, done)
	go runVendorOnThread(r, tbB, r.vendors[1].id, done)
	for i := 0; i < 2; i++ {
		if err := <-done; err != nil {
			return err
		}
	}

	glvndlog.Infof("glvnddemo: multithreaded=%v, notified=%d", threadstate.IsMultithreaded(), notified)
	report("s6", counts)
	return nil
}

// runVendorOnThread pins its own goroutine to an OS thread, makes tb
// current under vendorID, issues one call, and releases it. Run as its
// own goroutine so two OS threads genuinely race to make different
// tables current, which is what trips the multithread latch.
func runVendorOnThread(r *rig, tb *table.Table, vendorID int, done chan<- error) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	ts := &threadstate.State{Tag: threadstate.TagGLX}
	if err := r.ctrl.MakeCurrent(ts, tb, vendorID, nil); err != nil {
		done <- err
		return
	}
	r.ctrl.CallEntrypoint(r.staticNames[0])
	done <- r.ctrl.LoseCurrent()
}

func report(scenario string, counts *callCounter) {
	glvndlog.Infof("glvnddemo: scenario %s call counts: %v", scenario, counts.snapshot())
}
