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
	"golang.org/x/sync/errgroup"

	"github.com/glvnd-go/dispatch/pkg/glvndlog"
	"github.com/glvnd-go/dispatch/pkg/table"
	"github.com/glvnd-go/dispatch/pkg/threadstate"
)

// benchCmd implements subcommands.Command for "bench": it fans out
// -threads OS threads, assigning the manifest's vendors (one table each)
// to them round-robin, each thread making its table current and issuing calls
// concurrently, to exercise the controller's locking under real
// contention rather than the single-threaded scenarios.
type benchCmd struct {
	manifestPath string
	threads      int
	calls        int
}

func (*benchCmd) Name() string     { return "bench" }
func (*benchCmd) Synopsis() string { return "fan out concurrent make-current/call/lose-current cycles" }
func (*benchCmd) Usage() string {
	return `bench [-threads=N] [-calls=N] [-manifest=path.toml]:
	Drive N OS threads through concurrent dispatch cycles against the
	manifest's vendors, round-robin.
`
}

func (c *benchCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.manifestPath, "manifest", "", "path to a TOML vendor manifest")
	f.IntVar(&c.threads, "threads", 4, "number of OS threads to fan out across")
	f.IntVar(&c.calls, "calls", 100, "calls to CallEntrypoint per thread")
}

func (c *benchCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	if c.threads <= 0 || c.calls <= 0 {
		fmt.Fprintln(os.Stderr, "bench: -threads and -calls must be positive")
		return subcommands.ExitUsageError
	}

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

	counts := newCallCounter()
	tables := make([]*table.Table, len(r.vendors))
	for i, v := range r.vendors {
		tb, err := r.newTable(v, counts)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return subcommands.ExitFailure
		}
		tables[i] = tb
	}

	g, _ := errgroup.WithContext(ctx)
	for i := 0; i < c.threads; i++ {
		i := i
		v := r.vendors[i%len(r.vendors)]
		tb := tables[i%len(tables)]
		g.Go(func() error {
			return c.runThread(r, tb, v.id, counts)
		})
	}
	if err := g.Wait(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return subcommands.ExitFailure
	}

	glvndlog.Infof("glvnddemo: bench done, multithreaded=%v, counts=%v", threadstate.IsMultithreaded(), counts.snapshot())
	return subcommands.ExitSuccess
}

// runThread pins its goroutine to an OS thread, makes tb current under
// vendorID, issues c.calls entrypoint calls, and releases it.
func (c *benchCmd) runThread(r *rig, tb *table.Table, vendorID int, counts *callCounter) error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	ts := &threadstate.State{Tag: threadstate.TagGLX}
	if err := r.ctrl.MakeCurrent(ts, tb, vendorID, nil); err != nil {
		return fmt.Errorf("make-current for vendor %d: %w", vendorID, err)
	}
	for i := 0; i < c.calls; i++ {
		r.ctrl.CallEntrypoint(r.staticNames[0])
	}
	if err := r.ctrl.LoseCurrent(); err != nil {
		return fmt.Errorf("lose-current for vendor %d: %w", vendorID, err)
	}
	return nil
}
