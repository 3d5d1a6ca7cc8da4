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
	"runtime"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/glvnd-go/dispatch/pkg/threadstate"
)

func TestScenarioS1RoutesEachVendorsCallsSeparately(t *testing.T) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	r, err := buildRig(defaultManifest())
	require.NoError(t, err)
	defer r.close()

	require.NoError(t, scenarioS1(r))
}

func TestScenarioS2RetrofitsDynamicSlotIntoLiveTable(t *testing.T) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	m, err := loadManifest("testdata/manifest.toml")
	require.NoError(t, err)

	r, err := buildRig(m)
	require.NoError(t, err)
	defer r.close()

	require.NoError(t, scenarioS2(r))
}

func TestScenarioS3HandsOffPatchOwnership(t *testing.T) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	r, err := buildRig(defaultManifest())
	require.NoError(t, err)
	defer r.close()

	require.NoError(t, scenarioS3(r))
	require.False(t, r.ctrl.IsPatched())
}

func TestScenarioS5IsSilentWithNoCurrentContext(t *testing.T) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	r, err := buildRig(defaultManifest())
	require.NoError(t, err)
	defer r.close()

	require.NotPanics(t, func() { require.NoError(t, scenarioS5(r)) })
}

func TestScenarioS6FlipsMultithreadLatch(t *testing.T) {
	threadstate.ResetMultithreadLatchForTesting()
	defer threadstate.ResetMultithreadLatchForTesting()

	r, err := buildRig(defaultManifest())
	require.NoError(t, err)
	defer r.close()

	require.NoError(t, scenarioS6(r))
	require.True(t, threadstate.IsMultithreaded())
}
