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
	"fmt"
	"unsafe"

	"github.com/glvnd-go/dispatch/pkg/dispatch"
	"github.com/glvnd-go/dispatch/pkg/execmem"
	"github.com/glvnd-go/dispatch/pkg/glvndconfig"
	"github.com/glvnd-go/dispatch/pkg/glvndlog"
	"github.com/glvnd-go/dispatch/pkg/stub"
	"github.com/glvnd-go/dispatch/pkg/stub/native"
	"github.com/glvnd-go/dispatch/pkg/table"
)

// demoVendor pairs a manifest vendor with the controller-assigned id its
// tables are created under.
type demoVendor struct {
	spec vendorSpec
	id   int
}

// rig bundles a controller built from a manifest with the vendors it was
// told about, so scenario/bench commands can drive it without repeating
// the setup every subcommand needs.
type rig struct {
	ctrl        *dispatch.Controller
	vendors     []demoVendor
	staticNames []string
}

// buildRig wires one Controller the way a real windowing-system loader
// would: a single native stub provider backed by one exec arena, a static
// slot set from the manifest, and one named vendor id per manifest vendor
// entry. Tables are created later, per scenario, by newTable, whose
// GetProc resolves every name to a counting stub so a scenario run can
// report how many calls landed on each vendor.
func buildRig(m manifest) (*rig, error) {
	ctrl := dispatch.New(glvndconfig.FromEnv(), m.StaticNames, m.MaxDynamic)
	if err := ctrl.Init(); err != nil {
		return nil, fmt.Errorf("init: %w", err)
	}

	arena, err := execmem.New(execmem.DefaultSize)
	if err != nil {
		return nil, fmt.Errorf("allocating exec arena: %w", err)
	}
	ctrl.RegisterArena(arena)

	prov := native.New(1, stub.FamilyTag(1), arena, 16, len(m.StaticNames))
	if err := ctrl.RegisterStubProvider(prov); err != nil {
		return nil, fmt.Errorf("registering stub provider: %w", err)
	}

	r := &rig{ctrl: ctrl, staticNames: append([]string(nil), m.StaticNames...)}
	for _, v := range m.Vendors {
		id := ctrl.NewVendorID()
		ctrl.SetVendorName(id, v.Name)
		r.vendors = append(r.vendors, demoVendor{spec: v, id: id})
	}
	glvndlog.Infof("glvnddemo: wired %d vendors, %d static slots", len(r.vendors), len(m.StaticNames))
	return r, nil
}

// newTable creates a table for v whose GetProc counts calls into counts,
// keyed by vendor id, the way a real vendor's driver entrypoints would
// eventually touch hardware instead.
func (r *rig) newTable(v demoVendor, counts *callCounter) (*table.Table, error) {
	id := v.id
	getProc := func(name string, arg unsafe.Pointer) (uintptr, bool) {
		vid := *(*int)(arg)
		return counts.handle(vid), true
	}
	return r.ctrl.CreateTable(v.id, getProc, unsafe.Pointer(&id))
}

func (r *rig) close() {
	if err := r.ctrl.Finalize(); err != nil {
		glvndlog.Warningf("glvnddemo: finalize: %v", err)
	}
}
