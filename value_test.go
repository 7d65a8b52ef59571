// Copyright 2024 The Cockroach Authors
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

package heaptable

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSmi(t *testing.T) {
	for _, n := range []int32{0, 1, -1, 42, 1<<30 - 1, -1 << 31, 1<<31 - 1} {
		v := Smi(n)
		require.True(t, v.IsSmi(), "%d", n)
		require.False(t, v.IsHeapObject(), "%d", n)
		require.EqualValues(t, n, v.SmiValue())
		require.True(t, IsKey(v))
	}
	// Zeroed storage reads as Smi 0, never as a sentinel.
	require.Equal(t, Smi(0), Value(0))
}

func TestHeapRef(t *testing.T) {
	for _, addr := range []uint32{FirstHeapAddress, 1000, 1<<32 - 1} {
		v := HeapRef(addr)
		require.True(t, v.IsHeapObject())
		require.False(t, v.IsSmi())
		require.False(t, v.IsReadOnly())
		require.EqualValues(t, addr, v.Address())
	}
}

func TestSentinels(t *testing.T) {
	require.NotEqual(t, Empty, Tombstone)
	for _, v := range []Value{Empty, Tombstone} {
		require.True(t, v.IsHeapObject())
		require.True(t, v.IsReadOnly())
		require.False(t, IsKey(v))
	}
	require.True(t, IsEmpty(Empty))
	require.False(t, IsEmpty(Tombstone))
	require.True(t, IsTombstone(Tombstone))
	require.False(t, IsTombstone(Empty))

	require.Equal(t, "<empty>", Empty.String())
	require.Equal(t, "<tombstone>", Tombstone.String())
	require.Equal(t, "smi:-7", Smi(-7).String())
	require.Equal(t, "ref:0x20", HeapRef(0x20).String())
}
