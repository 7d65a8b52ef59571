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

// Package heaptable implements the hash tables that back map, set and
// weak-key (ephemeron) collections living inside a garbage collected heap.
//
// # Layout
//
// A table is a single flat Storage of tagged slots obtained from an
// Allocator. The first three slots form a header holding the number of live
// entries, the number of tombstones and the capacity, all as Smis. They are
// followed by capacity entries of Layout.EntrySize slots each, key first.
// The capacity is always a power of two so that hash codes can be reduced
// with a mask.
//
// Every key slot is in one of three states: Empty (never used since the
// storage was allocated), Tombstone (held an entry that was removed) or live.
// Empty slots terminate probing. Tombstones are passed over by lookups and
// reused by insertions, and are only purged when the table is rehashed into
// new storage on growth.
//
// # Probing
//
// Probing uses triangular numbers: starting at hash&(capacity-1), retry n
// advances by n, visiting h, h+1, h+3, h+6, ... which is a bijection on
// Z/(2^m) and therefore visits every entry exactly once. See probeSeq.
//
// # Shapes
//
// A HashTable is parameterized by a Shape type which supplies hashing and
// matching of keys by consulting the embedding heap through the Objects
// interface. ObjectHashTable, ObjectHashSet and EphemeronHashTable are thin
// wrappers around HashTable with different shapes and layouts.
//
// # Write barriers
//
// Every store of a heap reference into a slot is followed by a call to the
// collector's Barrier. Key stores into ephemeron storage use
// Barrier.RecordEphemeronKeyWrite so that the collector can treat the value
// as reachable only through the key. Growth allocates new storage, fills it
// through the barriers and only then publishes it, so a concurrent marker
// always observes a fully populated table.
//
// A table is NOT goroutine-safe with respect to other mutators.
package heaptable

import (
	"fmt"
	"math/bits"
	"strings"
	"sync/atomic"
)

const debug = false

// HashTable is the open-addressing engine shared by all table variants.
type HashTable[S Shape] struct {
	shape     S
	objs      Objects
	allocator Allocator
	barrier   Barrier
	layout    Layout
	// storage is swapped atomically on growth. The previous storage stays
	// valid for readers that loaded it until the allocator reclaims it.
	storage atomic.Pointer[Storage]
}

type weakKeysOption struct{}

func (weakKeysOption) apply(c *config) {
	c.weakKeys = true
}

// NewHashTable constructs a table with room for at least atLeastSpaceFor
// entries before it needs to grow.
func NewHashTable[S Shape](objs Objects, atLeastSpaceFor int, options ...Option) (*HashTable[S], error) {
	c := makeConfig(options)
	t := &HashTable[S]{
		objs:      objs,
		allocator: c.allocator,
		barrier:   c.barrier,
	}
	t.layout = Layout{EntrySize: t.shape.EntrySize(), WeakKeys: c.weakKeys}

	capacity, err := ComputeCapacity(atLeastSpaceFor)
	if err != nil {
		return nil, err
	}
	s, err := t.allocate(capacity)
	if err != nil {
		return nil, err
	}
	t.publish(s)
	t.checkInvariants()
	return t, nil
}

// ComputeCapacity returns the capacity of a table that can hold
// atLeastSpaceFor entries. It adds 50% slack to make collisions sufficiently
// unlikely and rounds up to a power of two, but never returns less than
// MinCapacity. Sizes no storage could represent return an error wrapping
// ErrOutOfMemory.
//
// Must be kept in sync with hasSufficientCapacityToAdd.
func ComputeCapacity(atLeastSpaceFor int) (int, error) {
	if atLeastSpaceFor < 0 {
		panic(fmt.Sprintf("negative table size %d", atLeastSpaceFor))
	}
	// Bounding the input keeps raw and its rounding far from overflow.
	if atLeastSpaceFor > maxStorageLength {
		return 0, fmt.Errorf("invalid table size %d: %w", atLeastSpaceFor, ErrOutOfMemory)
	}
	raw := atLeastSpaceFor + (atLeastSpaceFor >> 1)
	capacity := roundUpToPowerOfTwo(raw)
	if capacity < MinCapacity {
		capacity = MinCapacity
	}
	return capacity, nil
}

func roundUpToPowerOfTwo(x int) int {
	if x <= 1 {
		return 1
	}
	return 1 << bits.Len(uint(x-1))
}

// Storage returns the current storage. It stays valid after a subsequent
// growth, but no longer reflects the table.
func (t *HashTable[S]) Storage() *Storage {
	return t.storage.Load()
}

// Objects returns the heap view the table was created with.
func (t *HashTable[S]) Objects() Objects {
	return t.objs
}

// NumberOfElements returns the number of live entries.
func (t *HashTable[S]) NumberOfElements() int {
	return t.storage.Load().NumberOfElements()
}

// NumberOfDeletedElements returns the number of tombstones.
func (t *HashTable[S]) NumberOfDeletedElements() int {
	return t.storage.Load().NumberOfDeletedElements()
}

// Capacity returns the number of entries of the current storage.
func (t *HashTable[S]) Capacity() int {
	return t.storage.Load().Capacity()
}

// KeyAt returns the raw key slot of entry, which may be a sentinel.
func (t *HashTable[S]) KeyAt(entry InternalIndex) Value {
	return t.storage.Load().KeyAt(entry)
}

// ToKey returns the key of entry if the entry is live.
func (t *HashTable[S]) ToKey(entry InternalIndex) (Value, bool) {
	k := t.storage.Load().KeyAt(entry)
	if !IsKey(k) {
		return 0, false
	}
	return t.shape.Unwrap(k), true
}

// ValueAt returns value slot i (0-based, after the key) of entry.
func (t *HashTable[S]) ValueAt(entry InternalIndex, i int) Value {
	s := t.storage.Load()
	return s.Slot(s.EntryToIndex(entry) + entryValueIndex + i)
}

// SetValueAt stores v into value slot i of the live entry.
func (t *HashTable[S]) SetValueAt(entry InternalIndex, i int, v Value) {
	s := t.storage.Load()
	if i < 0 || entryValueIndex+i >= t.layout.EntrySize {
		panic(fmt.Sprintf("value slot %d out of range for entry size %d", i, t.layout.EntrySize))
	}
	t.writeSlot(s, s.EntryToIndex(entry)+entryValueIndex+i, v, UpdateWriteBarrier)
}

// FindEntry returns the entry holding key, or NotFound.
func (t *HashTable[S]) FindEntry(key Value) InternalIndex {
	hash, ok := t.shape.Hash(t.objs, key)
	if !ok {
		return NotFound
	}
	return t.FindEntryWithHash(key, hash)
}

// FindEntryWithHash is FindEntry for callers that already know the hash of
// key.
func (t *HashTable[S]) FindEntryWithHash(key Value, hash uint32) InternalIndex {
	return t.findEntry(t.storage.Load(), key, hash)
}

func (t *HashTable[S]) findEntry(s *Storage, key Value, hash uint32) InternalIndex {
	// NB: Insertion never places an entry past an Empty slot on its probe
	// path, so the first Empty ends the search. The table is never full of
	// live entries and tombstones, but we bound the walk by the capacity
	// regardless.
	capacity := s.Capacity()
	seq := makeProbeSeq(hash, capacity)
	if debug {
		fmt.Printf("find(%s): hash=%08x %s\n", key, hash, seq)
	}
	for i := 0; i < capacity; i, seq = i+1, seq.next() {
		entry := InternalIndex(seq.offset)
		element := s.KeyAt(entry)
		if element == Empty {
			if debug {
				fmt.Printf("find(not-found): entry=%d\n", entry)
			}
			break
		}
		if t.shape.NeedsHoleCheck() && element == Tombstone {
			continue
		}
		if t.shape.IsMatch(t.objs, key, element) {
			if debug {
				fmt.Printf("find(found): entry=%d\n", entry)
			}
			return entry
		}
	}
	return NotFound
}

// FindInsertionEntry returns the first Empty or Tombstone entry on the probe
// path of hash.
func (t *HashTable[S]) FindInsertionEntry(hash uint32) InternalIndex {
	return t.findInsertionEntry(t.storage.Load(), hash)
}

func (t *HashTable[S]) findInsertionEntry(s *Storage, hash uint32) InternalIndex {
	capacity := s.Capacity()
	seq := makeProbeSeq(hash, capacity)
	for i := 0; i < capacity; i, seq = i+1, seq.next() {
		entry := InternalIndex(seq.offset)
		if !IsKey(s.KeyAt(entry)) {
			return entry
		}
	}
	panic(fmt.Sprintf("no free entry for hash %08x\n%s", hash, t.debugString(s)))
}

// hasSufficientCapacityToAdd returns true if n entries can be added without
// growing: the table stays at most 2/3 full and at most half of the
// remaining free entries are tombstones.
//
// Must be kept in sync with ComputeCapacity.
func hasSufficientCapacityToAdd(s *Storage, n int) bool {
	capacity := s.Capacity()
	nof := s.NumberOfElements() + n
	nod := s.NumberOfDeletedElements()
	if nof < capacity && nod <= (capacity-nof)>>1 {
		neededFree := nof >> 1
		if nof+neededFree <= capacity {
			return true
		}
	}
	return false
}

// EnsureCapacity makes room for n more entries, rehashing into new storage
// if needed. On failure the table is unchanged and the error wraps
// ErrOutOfMemory.
func (t *HashTable[S]) EnsureCapacity(n int) error {
	if n < 0 {
		panic(fmt.Sprintf("negative element count %d", n))
	}
	s := t.storage.Load()
	nof := s.NumberOfElements()
	if n > maxStorageLength-nof {
		return fmt.Errorf("cannot add %d entries to a table of %d: %w", n, nof, ErrOutOfMemory)
	}
	if hasSufficientCapacityToAdd(s, n) {
		return nil
	}
	// Tables only grow. When the trigger is an excess of tombstones the new
	// storage has the same capacity and the tombstones are dropped.
	capacity, err := ComputeCapacity(nof + n)
	if err != nil {
		return err
	}
	if capacity < s.Capacity() {
		capacity = s.Capacity()
	}
	return t.grow(s, capacity)
}

func (t *HashTable[S]) grow(old *Storage, capacity int) error {
	if debug {
		fmt.Printf("grow: capacity=%d->%d used=%d deleted=%d\n",
			old.Capacity(), capacity, old.NumberOfElements(), old.NumberOfDeletedElements())
	}
	s, err := t.allocate(capacity)
	if err != nil {
		return err
	}
	t.rehashInto(old, s)
	t.publish(s)
	t.checkInvariants()
	return nil
}

// allocate obtains storage for capacity entries and initializes it to an
// empty table. The storage is not published.
func (t *HashTable[S]) allocate(capacity int) (*Storage, error) {
	if capacity > t.layout.MaxCapacity() {
		return nil, fmt.Errorf("invalid table size %d: %w", capacity, ErrOutOfMemory)
	}
	n := t.layout.StorageLength(capacity)
	s, err := t.allocator.AllocSlots(n, t.layout)
	if err != nil {
		return nil, err
	}
	if s.Length() != n || s.layout != t.layout {
		panic(fmt.Sprintf("allocator returned %d slots of %+v, expected %d slots of %+v",
			s.Length(), s.layout, n, t.layout))
	}

	s.setNumberOfElements(0)
	s.setNumberOfDeletedElements(0)
	s.setCapacity(capacity)
	// Nothing else can observe the storage yet.
	for e := 0; e < capacity; e++ {
		base := s.EntryToIndex(InternalIndex(e))
		t.writeKey(s, base+entryKeyIndex, Empty, SkipWriteBarrier)
		for i := entryValueIndex; i < t.layout.EntrySize; i++ {
			t.writeSlot(s, base+i, Empty, SkipWriteBarrier)
		}
	}
	return s, nil
}

// rehashInto re-inserts every live entry of old into the empty storage s.
// Stores use the barriers: a collector in the middle of a marking cycle may
// already treat s as scanned.
func (t *HashTable[S]) rehashInto(old, s *Storage) {
	values := make([]Value, t.layout.EntrySize-1)
	for e, capacity := 0, old.Capacity(); e < capacity; e++ {
		entry := InternalIndex(e)
		k := old.KeyAt(entry)
		if !IsKey(k) {
			continue
		}
		base := old.EntryToIndex(entry)
		for i := range values {
			values[i] = old.Slot(base + entryValueIndex + i)
		}
		hash := t.shape.HashForObject(t.objs, k)
		target := t.findInsertionEntry(s, hash)
		t.writeEntry(s, target, k, values, UpdateWriteBarrier)
		s.elementAdded()
		if debug {
			fmt.Printf("rehash: %s %d -> %d\n", k, entry, target)
		}
	}
}

// publish installs s as the current storage and releases the previous one.
func (t *HashTable[S]) publish(s *Storage) {
	s.published.Store(true)
	if old := t.storage.Swap(s); old != nil {
		t.allocator.FreeSlots(old)
	}
}

// AddEntry inserts key, known not to be present, with the given values and
// returns its entry. The caller must have called EnsureCapacity(1).
func (t *HashTable[S]) AddEntry(hash uint32, key Value, values ...Value) InternalIndex {
	if !IsKey(key) {
		panic(fmt.Sprintf("cannot add sentinel %s as a key", key))
	}
	if len(values) != t.layout.EntrySize-1 {
		panic(fmt.Sprintf("entry size %d, got %d values", t.layout.EntrySize, len(values)))
	}
	s := t.storage.Load()
	entry := t.findInsertionEntry(s, hash)
	if s.KeyAt(entry) == Tombstone {
		s.tombstoneReused()
	}
	t.writeEntry(s, entry, key, values, UpdateWriteBarrier)
	s.elementAdded()
	if debug {
		fmt.Printf("add(%s): entry=%d used=%d deleted=%d\n",
			key, entry, s.NumberOfElements(), s.NumberOfDeletedElements())
	}
	return entry
}

// RemoveEntry replaces the live entry with tombstones.
func (t *HashTable[S]) RemoveEntry(entry InternalIndex) {
	s := t.storage.Load()
	if !IsKey(s.KeyAt(entry)) {
		panic(fmt.Sprintf("entry %d is not live\n%s", entry, t.debugString(s)))
	}
	base := s.EntryToIndex(entry)
	t.writeKey(s, base+entryKeyIndex, Tombstone, UpdateWriteBarrier)
	for i := entryValueIndex; i < t.layout.EntrySize; i++ {
		t.writeSlot(s, base+i, Tombstone, UpdateWriteBarrier)
	}
	s.elementRemoved()
	if debug {
		fmt.Printf("remove: entry=%d used=%d deleted=%d\n",
			entry, s.NumberOfElements(), s.NumberOfDeletedElements())
	}
}

// Entries calls yield sequentially for each live entry. The storage is
// snapshotted, so the table may be mutated or grown during iteration without
// invalidating it, though mutations may not be visible.
func (t *HashTable[S]) Entries(yield func(s *Storage, entry InternalIndex) bool) {
	s := t.storage.Load()
	for e, capacity := 0, s.Capacity(); e < capacity; e++ {
		entry := InternalIndex(e)
		if IsKey(s.KeyAt(entry)) {
			if !yield(s, entry) {
				return
			}
		}
	}
}

func (t *HashTable[S]) checkInvariants() {
	if invariants {
		s := t.storage.Load()
		capacity := s.Capacity()
		if n := t.layout.StorageLength(capacity); s.Length() != n {
			panic(fmt.Sprintf("invariant failed: capacity %d needs %d slots, found %d", capacity, n, s.Length()))
		}

		// For every live entry, verify we can find the key at its own entry.
		// Count the number of used and deleted entries.
		var used, deleted int
		for e := 0; e < capacity; e++ {
			entry := InternalIndex(e)
			switch k := s.KeyAt(entry); k {
			case Tombstone:
				deleted++
			case Empty:
			default:
				used++
				if found := t.findEntry(s, k, t.shape.HashForObject(t.objs, k)); found != entry {
					panic(fmt.Sprintf("invariant failed: entry(%d): %s found at %d\n%s",
						entry, k, found, t.debugString(s)))
				}
			}
		}

		if used != s.NumberOfElements() {
			panic(fmt.Sprintf("invariant failed: found %d used entries, but used count is %d\n%s",
				used, s.NumberOfElements(), t.debugString(s)))
		}
		if deleted != s.NumberOfDeletedElements() {
			panic(fmt.Sprintf("invariant failed: found %d tombstones, but deleted count is %d\n%s",
				deleted, s.NumberOfDeletedElements(), t.debugString(s)))
		}
		if used+deleted >= capacity {
			panic(fmt.Sprintf("invariant failed: no empty entry left\n%s", t.debugString(s)))
		}
	}
}

func (t *HashTable[S]) debugString(s *Storage) string {
	var buf strings.Builder
	fmt.Fprintf(&buf, "capacity=%d  used=%d  deleted=%d  weak=%t\n",
		s.Capacity(), s.NumberOfElements(), s.NumberOfDeletedElements(), s.layout.WeakKeys)
	for e, capacity := 0, s.Capacity(); e < capacity; e++ {
		entry := InternalIndex(e)
		switch k := s.KeyAt(entry); k {
		case Empty:
			fmt.Fprintf(&buf, "  %4d: empty\n", e)
		case Tombstone:
			fmt.Fprintf(&buf, "  %4d: tombstone\n", e)
		default:
			fmt.Fprintf(&buf, "  %4d: %s", e, k)
			if h, ok := t.shape.Hash(t.objs, k); ok {
				fmt.Fprintf(&buf, " [hash=%08x]", h)
			}
			base := s.EntryToIndex(entry)
			for i := entryValueIndex; i < t.layout.EntrySize; i++ {
				fmt.Fprintf(&buf, " %s", s.Slot(base+i))
			}
			buf.WriteString("\n")
		}
	}
	return buf.String()
}

// probeSeq maintains the state for a probe sequence. The sequence is a
// triangular progression of the form
//
//	p(i) := (i^2 + i)/2 + hash (mod capacity)
//
// It visits every entry exactly once if the capacity is a power of two,
// since (i^2+i)/2 is a bijection in Z/(2^m). See
// https://en.wikipedia.org/wiki/Quadratic_probing
type probeSeq struct {
	mask   uint32
	offset uint32
	index  uint32
}

func makeProbeSeq(hash uint32, capacity int) probeSeq {
	return probeSeq{
		mask:   uint32(capacity) - 1,
		offset: firstProbe(hash, uint32(capacity)),
	}
}

func (s probeSeq) next() probeSeq {
	s.index++
	s.offset = nextProbe(s.offset, s.index, s.mask+1)
	return s
}

func (s probeSeq) String() string {
	return fmt.Sprintf("mask=%d offset=%d index=%d", s.mask, s.offset, s.index)
}

func firstProbe(hash, size uint32) uint32 {
	return hash & (size - 1)
}

func nextProbe(last, number, size uint32) uint32 {
	return (last + number) & (size - 1)
}
