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

package registry

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGetOrCreateIsIdempotent(t *testing.T) {
	r := New(4, 16)

	s1, e1, created1 := r.GetOrCreate("glFoo")
	require.True(t, created1)
	require.Equal(t, 4, s1)
	require.Equal(t, 1, e1.Generation)

	s2, _, created2 := r.GetOrCreate("glFoo")
	require.False(t, created2)
	require.Equal(t, s1, s2)
	require.Equal(t, 1, r.Generation())
}

func TestGetOrCreateAssignsDenseSlotsAndGenerations(t *testing.T) {
	r := New(0, 16)

	s1, _, _ := r.GetOrCreate("a")
	s2, _, _ := r.GetOrCreate("b")
	require.Equal(t, 0, s1)
	require.Equal(t, 1, s2)
	require.Equal(t, 2, r.Generation())
}

func TestGetOrCreateExhaustsDynamicSlots(t *testing.T) {
	r := New(0, 1)
	_, _, ok := r.GetOrCreate("a")
	require.True(t, ok)
	slot, entry, ok := r.GetOrCreate("b")
	require.False(t, ok)
	require.Equal(t, -1, slot)
	require.Nil(t, entry)
}

func TestEntriesSinceIsLinearInNewEntries(t *testing.T) {
	r := New(0, 16)
	r.GetOrCreate("a")
	r.GetOrCreate("b")
	gen := r.Generation()
	r.GetOrCreate("c")
	r.GetOrCreate("d")

	fresh := r.EntriesSince(gen)
	require.Len(t, fresh, 2)
	require.Equal(t, "c", fresh[0].Name)
	require.Equal(t, "d", fresh[1].Name)
}
