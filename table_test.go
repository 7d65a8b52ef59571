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
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sort"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

const testHashMask = 1<<30 - 1

// testObjects is a minimal heap view: Smis hash to themselves, heap
// references get sequential hashes on demand and SameValue is identity.
type testObjects struct {
	// hash, if set, overrides the hash of every key.
	hash   func(v Value) uint32
	hashes map[Value]uint32
	next   uint32
}

func newTestObjects() *testObjects {
	return &testObjects{hashes: make(map[Value]uint32)}
}

func (o *testObjects) GetHash(v Value) Value {
	if o.hash != nil {
		return Smi(int32(o.hash(v) & testHashMask))
	}
	if v.IsSmi() {
		return Smi(v.SmiValue() & testHashMask)
	}
	if h, ok := o.hashes[v]; ok {
		return Smi(int32(h))
	}
	return Empty
}

func (o *testObjects) GetOrCreateHash(v Value) Value {
	if h := o.GetHash(v); h.IsSmi() {
		return h
	}
	o.next++
	h := (o.next * 0x9e3779b9) & testHashMask
	o.hashes[v] = h
	return Smi(int32(h))
}

func (o *testObjects) SameValue(a, b Value) bool {
	return a == b
}

// toBuiltinMap returns the entries as a map[Value]Value. Useful for testing.
func (b objectHashTableBase) toBuiltinMap() map[Value]Value {
	r := make(map[Value]Value)
	b.All(func(k, v Value) bool {
		r[k] = v
		return true
	})
	return r
}

func countSlots(s *Storage) (used, deleted, empty int) {
	for e := 0; e < s.Capacity(); e++ {
		switch s.KeyAt(InternalIndex(e)) {
		case Empty:
			empty++
		case Tombstone:
			deleted++
		default:
			used++
		}
	}
	return used, deleted, empty
}

func requireConsistent(t *testing.T, s *Storage) {
	t.Helper()
	used, deleted, empty := countSlots(s)
	require.EqualValues(t, used, s.NumberOfElements())
	require.EqualValues(t, deleted, s.NumberOfDeletedElements())
	require.LessOrEqual(t, s.NumberOfElements()+s.NumberOfDeletedElements(), s.Capacity())
	require.Greater(t, empty, 0)
}

func TestComputeCapacity(t *testing.T) {
	testCases := []struct {
		atLeast  int
		expected int
	}{
		{0, 4},
		{1, 4},
		{2, 4},
		{3, 4},
		{4, 8},
		{5, 8},
		{10, 16},
		{11, 16},
		{12, 32},
		{100, 256},
		{1 << 20, 1 << 21},
	}
	for _, tc := range testCases {
		t.Run(fmt.Sprint(tc.atLeast), func(t *testing.T) {
			c, err := ComputeCapacity(tc.atLeast)
			require.NoError(t, err)
			require.EqualValues(t, tc.expected, c)
		})
	}

	// Sizes beyond any storage fail instead of wrapping around.
	for _, n := range []int{maxStorageLength + 1, 1 << 40, 1 << 62, math.MaxInt} {
		_, err := ComputeCapacity(n)
		require.ErrorIs(t, err, ErrOutOfMemory, "%d", n)
	}

	for n := 0; n < 5000; n++ {
		c, err := ComputeCapacity(n)
		require.NoError(t, err)
		require.Zero(t, c&(c-1), "%d: %d is not a power of two", n, c)
		require.GreaterOrEqual(t, c, MinCapacity)
		require.GreaterOrEqual(t, c, n+n/2)
		require.Less(t, c/2, max(n+n/2, MinCapacity), "%d: %d is not the smallest", n, c)
	}

	require.Panics(t, func() { ComputeCapacity(-1) })
}

func TestProbeSeq(t *testing.T) {
	genSeq := func(n int, hash uint32, capacity int) []uint32 {
		seq := makeProbeSeq(hash, capacity)
		vals := make([]uint32, n)
		for i := 0; i < n; i++ {
			vals[i] = seq.offset
			seq = seq.next()
		}
		return vals
	}
	genEntries := func(n uint32) []uint32 {
		var vals []uint32
		for i := uint32(0); i < n; i++ {
			vals = append(vals, i)
		}
		return vals
	}

	expected := []uint32{0, 1, 3, 6, 10, 15, 5, 12, 4, 13, 7, 2, 14, 11, 9, 8}
	require.Equal(t, expected, genSeq(16, 0, 16))
	require.Equal(t, expected, genSeq(16, 16, 16))

	// Verify that we touch every entry exactly once no matter what the hash
	// and the capacity are.
	for i := 0; i < 200; i++ {
		capacity := 1 << rand.Intn(12)
		hash := rand.Uint32()
		vals := genSeq(capacity, hash, capacity)
		sort.Slice(vals, func(i, j int) bool {
			return vals[i] < vals[j]
		})
		require.Equal(t, genEntries(uint32(capacity)), vals, "hash=%08x capacity=%d", hash, capacity)
	}
}

func TestCollidingKeys(t *testing.T) {
	m, err := NewObjectHashTable(newTestObjects(), 5)
	require.NoError(t, err)
	require.EqualValues(t, 8, m.Capacity())

	// 1, 9 and 17 are all 1 mod 8. The third key probes 1 -> 2 -> 4.
	for i, k := range []int32{1, 9, 17} {
		require.NoError(t, m.Put(Smi(k), Smi(int32(i))))
	}
	for k, entry := range map[int32]InternalIndex{1: 1, 9: 2, 17: 4} {
		require.Equal(t, entry, m.table.FindEntry(Smi(k)), "key %d", k)
		v, ok := m.Lookup(Smi(k))
		require.True(t, ok)
		key, ok := m.table.ToKey(entry)
		require.True(t, ok)
		require.Equal(t, Smi(k), key)
		require.Equal(t, v, m.table.ValueAt(entry, 0))
	}
	require.Equal(t, NotFound, m.table.FindEntry(Smi(25)))
	require.EqualValues(t, 3, m.Len())

	// The next free entry on the shared path is 4+3.
	require.Equal(t, InternalIndex(7), m.table.FindInsertionEntry(25))
	// Removing 9 leaves a tombstone that insertion reuses first.
	require.True(t, m.Remove(Smi(9)))
	require.Equal(t, InternalIndex(2), m.table.FindInsertionEntry(25))
	require.Equal(t, InternalIndex(3), m.table.FindInsertionEntry(3))
}

func TestTombstones(t *testing.T) {
	m, err := NewObjectHashTable(newTestObjects(), 5)
	require.NoError(t, err)

	require.NoError(t, m.Put(Smi(1), Smi(100)))
	require.NoError(t, m.Put(Smi(9), Smi(900)))
	require.True(t, m.Remove(Smi(1)))
	require.False(t, m.Remove(Smi(1)))

	// The removed key's entry is no longer empty but lookups miss.
	require.Equal(t, Tombstone, m.table.KeyAt(1))
	require.Equal(t, NotFound, m.table.FindEntry(Smi(1)))
	_, ok := m.Lookup(Smi(1))
	require.False(t, ok)
	require.EqualValues(t, 1, m.table.NumberOfDeletedElements())

	// Keys behind the tombstone are still found, and updating them must not
	// insert a duplicate into the tombstone.
	require.NoError(t, m.Put(Smi(9), Smi(901)))
	require.Equal(t, InternalIndex(2), m.table.FindEntry(Smi(9)))
	require.EqualValues(t, 1, m.Len())
	require.Equal(t, Tombstone, m.table.KeyAt(1))

	// A different key hashing to the same entry reuses the tombstone.
	require.NoError(t, m.Put(Smi(17), Smi(1700)))
	require.Equal(t, InternalIndex(1), m.table.FindEntry(Smi(17)))
	require.EqualValues(t, 0, m.table.NumberOfDeletedElements())
	require.EqualValues(t, 2, m.Len())
	requireConsistent(t, m.Storage())
}

func TestBasic(t *testing.T) {
	test := func(t *testing.T, m *ObjectHashTable) {
		const count = 100

		e := make(map[Value]Value)
		require.EqualValues(t, 0, m.Len())

		// Non-existent.
		for i := 0; i < count; i++ {
			_, ok := m.Lookup(Smi(int32(i)))
			require.False(t, ok)
		}

		// Insert.
		for i := 0; i < count; i++ {
			k, v := Smi(int32(i)), Smi(int32(i+count))
			require.NoError(t, m.Put(k, v))
			e[k] = v
			got, ok := m.Lookup(k)
			require.True(t, ok)
			require.Equal(t, v, got)
			require.EqualValues(t, i+1, m.Len())
			require.Equal(t, e, m.toBuiltinMap())
		}

		// Update.
		for i := 0; i < count; i++ {
			k, v := Smi(int32(i)), Smi(int32(i+2*count))
			require.NoError(t, m.Put(k, v))
			e[k] = v
			got, ok := m.Lookup(k)
			require.True(t, ok)
			require.Equal(t, v, got)
			require.EqualValues(t, count, m.Len())
			require.Equal(t, e, m.toBuiltinMap())
		}

		// Delete.
		for i := 0; i < count; i++ {
			k := Smi(int32(i))
			require.True(t, m.Remove(k))
			delete(e, k)
			require.EqualValues(t, count-i-1, m.Len())
			_, ok := m.Lookup(k)
			require.False(t, ok)
			require.Equal(t, e, m.toBuiltinMap())
			requireConsistent(t, m.Storage())
		}
	}

	t.Run("normal", func(t *testing.T) {
		m, err := NewObjectHashTable(newTestObjects(), 0)
		require.NoError(t, err)
		test(t, m)
	})

	t.Run("degenerate", func(t *testing.T) {
		for _, h := range []uint32{0, testHashMask, rand.Uint32()} {
			t.Run(fmt.Sprintf("%08x", h), func(t *testing.T) {
				objs := newTestObjects()
				objs.hash = func(Value) uint32 { return h }
				m, err := NewObjectHashTable(objs, 0)
				require.NoError(t, err)
				test(t, m)
			})
		}
	})
}

func TestRandom(t *testing.T) {
	test := func(t *testing.T, objs Objects) {
		m, err := NewObjectHashTable(objs, 0)
		require.NoError(t, err)
		e := make(map[Value]Value)
		keys := func() []Value {
			r := make([]Value, 0, len(e))
			for k := range e {
				r = append(r, k)
			}
			return r
		}
		for i := 0; i < 5000; i++ {
			switch r := rand.Float64(); {
			case r < 0.5: // 50% inserts
				k, v := Smi(rand.Int31n(1<<20)), Smi(rand.Int31())
				require.NoError(t, m.Put(k, v))
				e[k] = v
			case r < 0.65: // 15% updates
				if ks := keys(); len(ks) > 0 {
					k, v := ks[rand.Intn(len(ks))], Smi(rand.Int31())
					require.NoError(t, m.Put(k, v))
					e[k] = v
				}
			case r < 0.85: // 20% deletes
				if ks := keys(); len(ks) > 0 {
					k := ks[rand.Intn(len(ks))]
					require.True(t, m.Remove(k))
					delete(e, k)
				}
			case r < 0.99: // 14% lookups
				k := Smi(rand.Int31n(1 << 20))
				v, ok := m.Lookup(k)
				ev, eok := e[k]
				require.Equal(t, eok, ok)
				if ok {
					require.Equal(t, ev, v)
				}
			default: // 1% compare everything
				if diff := cmp.Diff(e, m.toBuiltinMap()); diff != "" {
					t.Fatalf("table contents differ (-want +got):\n%s", diff)
				}
			}
			require.EqualValues(t, len(e), m.Len())
			s := m.Storage()
			require.LessOrEqual(t, s.NumberOfElements()+s.NumberOfDeletedElements(), s.Capacity())
		}
		requireConsistent(t, m.Storage())
		if diff := cmp.Diff(e, m.toBuiltinMap()); diff != "" {
			t.Fatalf("table contents differ (-want +got):\n%s", diff)
		}
	}

	t.Run("normal", func(t *testing.T) {
		test(t, newTestObjects())
	})

	t.Run("clustered", func(t *testing.T) {
		objs := newTestObjects()
		objs.hash = func(v Value) uint32 { return uint32(v.SmiValue()) & 0xf }
		test(t, objs)
	})
}

func TestEntryStability(t *testing.T) {
	m, err := NewObjectHashTable(newTestObjects(), 64)
	require.NoError(t, err)
	storage := m.Storage()

	entries := make(map[Value]InternalIndex)
	for i := 0; i < 32; i++ {
		k := Smi(int32(i * 7))
		require.NoError(t, m.Put(k, k))
		entries[k] = m.table.FindEntry(k)
	}
	// Churn other keys without growing.
	for i := 0; i < 200; i++ {
		k := Smi(int32(1000 + i))
		require.NoError(t, m.Put(k, k))
		require.True(t, m.Remove(k))
		if m.Storage() != storage {
			// Rehashed: entries may have moved.
			break
		}
		for k, entry := range entries {
			require.Equal(t, entry, m.table.FindEntry(k))
		}
	}
	for k := range entries {
		entry := m.table.FindEntry(k)
		stored, ok := m.table.ToKey(entry)
		require.True(t, ok)
		require.True(t, ObjectHashTableShape{}.IsMatch(m.table.objs, k, stored))
	}
}

func TestGrowthPurgesTombstones(t *testing.T) {
	m, err := NewObjectHashTable(newTestObjects(), 0)
	require.NoError(t, err)
	for i := 0; i < 16; i++ {
		require.NoError(t, m.Put(Smi(int32(i)), Smi(int32(i))))
	}
	for i := 0; i < 8; i++ {
		require.True(t, m.Remove(Smi(int32(i))))
	}
	capacity := m.Capacity()
	require.EqualValues(t, 8, m.table.NumberOfDeletedElements())

	// Repeated insert/remove of fresh keys accumulates tombstones until the
	// table is rehashed. The capacity never shrinks.
	old := m.Storage()
	for i := 100; m.Storage() == old; i++ {
		require.NoError(t, m.Put(Smi(int32(i)), Smi(int32(i))))
		require.True(t, m.Remove(Smi(int32(i))))
	}
	require.GreaterOrEqual(t, m.Capacity(), capacity)
	require.LessOrEqual(t, m.table.NumberOfDeletedElements(), 1)
	require.EqualValues(t, 8, m.Len())
	for i := 8; i < 16; i++ {
		v, ok := m.Lookup(Smi(int32(i)))
		require.True(t, ok)
		require.Equal(t, Smi(int32(i)), v)
	}
	requireConsistent(t, m.Storage())
}

func TestIterateMutate(t *testing.T) {
	m, err := NewObjectHashTable(newTestObjects(), 0)
	require.NoError(t, err)
	for i := 0; i < 100; i++ {
		require.NoError(t, m.Put(Smi(int32(i)), Smi(int32(i))))
	}
	e := m.toBuiltinMap()
	require.EqualValues(t, 100, len(e))

	// Iterate over the table, growing it periodically. We should see all of
	// the entries that were originally present because All takes a snapshot
	// of the storage before iterating.
	vals := make(map[Value]Value)
	m.All(func(k, v Value) bool {
		if k.SmiValue()%10 == 0 {
			require.NoError(t, m.table.grow(m.Storage(), 2*m.Capacity()))
		}
		vals[k] = v
		return true
	})
	require.Equal(t, e, vals)
	require.Equal(t, e, m.toBuiltinMap())
}

type countingAllocator struct {
	alloc int
	free  int
	// fail, if positive, makes the allocation with that ordinal fail.
	fail int
}

func (a *countingAllocator) AllocSlots(n int, layout Layout) (*Storage, error) {
	a.alloc++
	if a.alloc == a.fail {
		return nil, fmt.Errorf("allocating %d slots: %w", n, ErrOutOfMemory)
	}
	return NewStorage(HeapRef(FirstHeapAddress+uint32(a.alloc)), layout, make([]Value, n)), nil
}

func (a *countingAllocator) FreeSlots(*Storage) {
	a.free++
}

func TestAllocator(t *testing.T) {
	a := &countingAllocator{}
	m, err := NewObjectHashTable(newTestObjects(), 0, WithAllocator(a))
	require.NoError(t, err)

	for i := 0; i < 100; i++ {
		require.NoError(t, m.Put(Smi(int32(i)), Smi(int32(i))))
	}

	// 4 -> 8 -> 16 -> 32 -> 64 -> 128 -> 256
	const expected = 7
	require.EqualValues(t, expected, a.alloc)
	require.EqualValues(t, expected-1, a.free)
	require.EqualValues(t, 256, m.Capacity())
}

func TestOutOfMemory(t *testing.T) {
	t.Run("create", func(t *testing.T) {
		a := &countingAllocator{fail: 1}
		_, err := NewObjectHashSet(newTestObjects(), 10, WithAllocator(a))
		require.True(t, errors.Is(err, ErrOutOfMemory), "%v", err)
	})

	t.Run("grow", func(t *testing.T) {
		a := &countingAllocator{fail: 2}
		m, err := NewObjectHashTable(newTestObjects(), 0, WithAllocator(a))
		require.NoError(t, err)
		for i := 0; i < 3; i++ {
			require.NoError(t, m.Put(Smi(int32(i)), Smi(int32(i))))
		}
		before := m.Storage()
		e := m.toBuiltinMap()

		err = m.Put(Smi(3), Smi(3))
		require.ErrorIs(t, err, ErrOutOfMemory)

		// The table is unchanged and keeps working.
		require.Same(t, before, m.Storage())
		require.Equal(t, e, m.toBuiltinMap())
		require.EqualValues(t, 3, m.Len())
		require.NoError(t, m.Put(Smi(3), Smi(3)))
		require.EqualValues(t, 4, m.Len())
	})

	t.Run("overflow", func(t *testing.T) {
		for _, n := range []int{1 << 62, math.MaxInt} {
			_, err := NewObjectHashTable(newTestObjects(), n)
			require.ErrorIs(t, err, ErrOutOfMemory, "%d", n)
		}

		m, err := NewObjectHashTable(newTestObjects(), 0)
		require.NoError(t, err)
		require.NoError(t, m.Put(Smi(1), Smi(1)))
		for _, n := range []int{maxStorageLength, 1 << 62, math.MaxInt} {
			err := m.table.EnsureCapacity(n)
			require.ErrorIs(t, err, ErrOutOfMemory, "%d", n)
			require.EqualValues(t, MinCapacity, m.Capacity())
		}
		v, ok := m.Lookup(Smi(1))
		require.True(t, ok)
		require.Equal(t, Smi(1), v)
	})

	t.Run("too-large", func(t *testing.T) {
		m, err := NewObjectHashTable(newTestObjects(), 0)
		require.NoError(t, err)
		err = m.table.EnsureCapacity(Layout{EntrySize: 2}.MaxCapacity())
		require.ErrorIs(t, err, ErrOutOfMemory)
		require.EqualValues(t, MinCapacity, m.Capacity())
	})
}

// negativeHashObjects reports hash -1 for every heap reference.
type negativeHashObjects struct {
	*testObjects
}

func (o negativeHashObjects) GetHash(v Value) Value {
	if v.IsSmi() {
		return o.testObjects.GetHash(v)
	}
	return Smi(-1)
}

func (o negativeHashObjects) GetOrCreateHash(v Value) Value {
	return o.GetHash(v)
}

func TestNegativeHash(t *testing.T) {
	objs := negativeHashObjects{newTestObjects()}
	key := HeapRef(100)

	m, err := NewObjectHashTable(objs, 0)
	require.NoError(t, err)
	require.Equal(t, objs, m.table.Objects())
	_, ok := ObjectHashTableShape{}.Hash(objs, key)
	require.False(t, ok)
	require.Equal(t, NotFound, m.table.FindEntry(key))
	require.False(t, m.Has(key))
	require.Panics(t, func() { _ = m.Put(key, Smi(1)) })
	require.NoError(t, m.Put(Smi(1), Smi(1)))
	require.EqualValues(t, 1, m.Len())

	s, err := NewObjectHashSet(objs, 0)
	require.NoError(t, err)
	require.False(t, s.Has(key))
	require.Panics(t, func() { _ = s.Add(key) })
	require.EqualValues(t, 0, s.Len())
}

func TestSetCapacity(t *testing.T) {
	layout := Layout{EntrySize: 1}
	for _, c := range []int{0, -4, 3, 6} {
		s := NewStorage(0, layout, make([]Value, layout.StorageLength(max(c, 0))))
		require.Panics(t, func() { s.setCapacity(c) }, "%d", c)
	}
	s := NewStorage(0, layout, make([]Value, layout.StorageLength(8)))
	require.Panics(t, func() { s.setCapacity(4) })
	s.setCapacity(8)
	require.EqualValues(t, 8, s.Capacity())
}

func TestObjectHashSet(t *testing.T) {
	objs := newTestObjects()
	s, err := NewObjectHashSet(objs, 0)
	require.NoError(t, err)

	keys := make([]Value, 50)
	for i := range keys {
		keys[i] = HeapRef(FirstHeapAddress + uint32(i))
	}

	// Keys that were never hashed miss without creating a hash.
	require.False(t, s.Has(keys[0]))
	require.False(t, objs.GetHash(keys[0]).IsSmi())

	for i, k := range keys {
		require.NoError(t, s.Add(k))
		require.NoError(t, s.Add(k))
		require.True(t, s.Has(k))
		require.EqualValues(t, i+1, s.Len())
	}
	require.Equal(t, 1, s.Storage().Layout().EntrySize)

	var members []Value
	s.All(func(k Value) bool {
		members = append(members, k)
		return true
	})
	sort.Slice(members, func(i, j int) bool { return members[i] < members[j] })
	require.Equal(t, keys, members)

	for i, k := range keys {
		if i%2 == 0 {
			require.True(t, s.Remove(k))
		}
	}
	for i, k := range keys {
		require.Equal(t, i%2 != 0, s.Has(k))
	}
	require.EqualValues(t, 25, s.Len())
	requireConsistent(t, s.Storage())

	h, ok := ObjectHashSetShape{}.Hash(objs, keys[1])
	require.True(t, ok)
	require.True(t, s.HasWithHash(keys[1], h))
}

func TestSentinelKeys(t *testing.T) {
	m, err := NewObjectHashTable(newTestObjects(), 0)
	require.NoError(t, err)
	require.Panics(t, func() { _ = m.Put(Empty, Smi(1)) })
	require.Panics(t, func() { _ = m.Put(Tombstone, Smi(1)) })
	require.Panics(t, func() { _ = m.Put(Smi(1), Tombstone) })
}

func FuzzObjectHashTable(f *testing.F) {
	f.Add([]byte{0, 1, 0, 9, 1, 1, 0, 17, 2, 9})
	f.Add([]byte{0, 0, 0, 4, 0, 8, 1, 4, 0, 12, 1, 0})
	f.Fuzz(func(t *testing.T, ops []byte) {
		objs := newTestObjects()
		// Few distinct hashes so that probe chains and tombstones interact.
		objs.hash = func(v Value) uint32 { return uint32(v.SmiValue()) & 7 }
		m, err := NewObjectHashTable(objs, 0)
		require.NoError(t, err)
		e := make(map[Value]Value)
		for i := 0; i+1 < len(ops); i += 2 {
			k := Smi(int32(ops[i+1] & 0x3f))
			switch ops[i] % 3 {
			case 0:
				v := Smi(int32(i))
				require.NoError(t, m.Put(k, v))
				e[k] = v
			case 1:
				_, want := e[k]
				require.Equal(t, want, m.Remove(k))
				delete(e, k)
			case 2:
				v, ok := m.Lookup(k)
				ev, eok := e[k]
				require.Equal(t, eok, ok)
				if ok {
					require.Equal(t, ev, v)
				}
			}
			requireConsistent(t, m.Storage())
		}
		require.Equal(t, e, m.toBuiltinMap())
	})
}
