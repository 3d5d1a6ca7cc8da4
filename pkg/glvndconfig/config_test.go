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

package glvndconfig

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFromEnvDefaultsAllowPatching(t *testing.T) {
	t.Setenv("__GLVND_DISALLOW_PATCHING", "")
	t.Setenv("__GLVND_APP_ERROR_CHECKING", "")
	t.Setenv("__GLVND_ABORT_ON_APP_ERROR", "")

	c := FromEnv()
	require.True(t, c.PatchingAllowed())
	require.False(t, c.AppErrorChecking)
	require.False(t, c.AbortOnAppError)
}

func TestFromEnvAppErrorCheckingImpliesDisallowPatching(t *testing.T) {
	t.Setenv("__GLVND_DISALLOW_PATCHING", "")
	t.Setenv("__GLVND_APP_ERROR_CHECKING", "1")
	t.Setenv("__GLVND_ABORT_ON_APP_ERROR", "")

	c := FromEnv()
	require.True(t, c.AppErrorChecking)
	require.True(t, c.DisallowPatching)
	require.False(t, c.PatchingAllowed())
}

func TestPatchingAllowedHoldsForDirectlyConstructedConfig(t *testing.T) {
	// PatchingAllowed must not rely on FromEnv's implicit folding: any
	// Config value with AppErrorChecking set disallows patching, even if
	// DisallowPatching itself was never touched.
	c := Config{AppErrorChecking: true}
	require.False(t, c.PatchingAllowed())
}

func TestNonZero(t *testing.T) {
	require.True(t, nonZero("1"))
	require.True(t, nonZero("true"))
	require.False(t, nonZero(""))
	require.False(t, nonZero("0"))
}
