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
	"fmt"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/gofrs/flock"
)

// vendorSpec is one declared vendor in a manifest file: a name the demo
// registers with the controller (dispatch.Controller.SetVendorName) and
// whether that vendor offers entrypoint patching.
type vendorSpec struct {
	Name    string `toml:"name"`
	Patches bool   `toml:"patches"`
}

// manifest is the on-disk description of the vendor set a demo run drives
// the controller through, the way runsc's OCI bundle config declares the
// container a command operates on.
type manifest struct {
	StaticNames []string     `toml:"static_names"`
	MaxDynamic  int          `toml:"max_dynamic"`
	Vendors     []vendorSpec `toml:"vendor"`
}

func defaultManifest() manifest {
	return manifest{
		StaticNames: []string{"glClear", "glDrawArrays", "glFlush"},
		MaxDynamic:  256,
		Vendors: []vendorSpec{
			{Name: "mesa"},
			{Name: "nvidia", Patches: true},
		},
	}
}

// loadManifest decodes path as TOML, falling back to defaultManifest when
// path is empty.
func loadManifest(path string) (manifest, error) {
	if path == "" {
		return defaultManifest(), nil
	}
	var m manifest
	if _, err := toml.DecodeFile(path, &m); err != nil {
		return manifest{}, fmt.Errorf("decoding manifest %q: %w", path, err)
	}
	if len(m.StaticNames) == 0 {
		return manifest{}, fmt.Errorf("manifest %q: static_names must be non-empty", path)
	}
	if m.MaxDynamic <= 0 {
		m.MaxDynamic = 256
	}
	return m, nil
}

// acquireSingleInstance takes an exclusive lock on lockPath, retrying
// every 50ms for up to one second, so that two glvnddemo invocations
// never drive the same controller's arenas concurrently. The returned
// func releases it.
//
// A real vendor-neutral dispatch layer has no such lock — every process
// gets its own controller — but the demo harness simulates several
// "vendors" sharing one process, and TOML manifests on disk, so this
// guards against a second invocation racing the first one's manifest
// edits mid-run.
func acquireSingleInstance(lockPath string) (func(), error) {
	if lockPath == "" {
		return func() {}, nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	fl := flock.New(lockPath)
	ok, err := fl.TryLockContext(ctx, 50*time.Millisecond)
	if err != nil {
		return nil, fmt.Errorf("locking %q: %w", lockPath, err)
	}
	if !ok {
		return nil, fmt.Errorf("another glvnddemo instance already holds %q", lockPath)
	}
	return func() { _ = fl.Unlock() }, nil
}
