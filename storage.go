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
	"fmt"
	"sync/atomic"
)

// The header of every storage consists of three Smi slots followed by the
// entries. Entries are Layout.EntrySize slots wide and begin with the key.
const (
	numberOfElementsIndex        = 0
	numberOfDeletedElementsIndex = 1
	capacityIndex                = 2
	elementsStartIndex           = 3

	entryKeyIndex   = 0
	entryValueIndex = 1

	// maxStorageLength bounds the number of slots of a single storage.
	maxStorageLength = 1 << 27

	// MinCapacity is the smallest capacity a table is created with.
	MinCapacity = 4
)

// InternalIndex identifies an entry of a table. It is not a slot offset: use
// Storage.EntryToIndex to convert.
type InternalIndex int

// NotFound is returned by lookups that miss.
const NotFound InternalIndex = -1

// IsFound returns true unless i is NotFound.
func (i InternalIndex) IsFound() bool {
	return i != NotFound
}

// IsNotFound returns true if i is NotFound.
func (i InternalIndex) IsNotFound() bool {
	return i == NotFound
}

// Layout describes the shape of a storage's entries.
type Layout struct {
	// EntrySize is the number of slots per entry, including the key slot.
	EntrySize int
	// WeakKeys is set for ephemeron tables: the key slot does not keep its
	// referent alive and the value slots are reachable only through the key.
	WeakKeys bool
}

// MaxCapacity returns the largest capacity representable with this layout.
func (l Layout) MaxCapacity() int {
	return (maxStorageLength - elementsStartIndex) / l.EntrySize
}

// StorageLength returns the number of slots needed for capacity entries.
func (l Layout) StorageLength(capacity int) int {
	return elementsStartIndex + capacity*l.EntrySize
}

// Storage is the flat backing store of a table: a header followed by
// capacity fixed width entries, all held as tagged slots in one slice.
//
// Storage is handed out by an Allocator and read by collectors. Slot reads
// and writes are relaxed atomic operations so that a concurrent marker never
// observes a torn value; all other synchronization is the caller's.
type Storage struct {
	ref       Value
	layout    Layout
	slots     []Value
	published atomic.Bool
}

// NewStorage wraps slots, which must be zeroed, as the storage named ref in
// the embedding heap. It is intended for use by Allocator implementations.
func NewStorage(ref Value, layout Layout, slots []Value) *Storage {
	if layout.EntrySize < 1 {
		panic(fmt.Sprintf("invalid entry size %d", layout.EntrySize))
	}
	return &Storage{ref: ref, layout: layout, slots: slots}
}

// Ref returns the tagged reference naming this storage in the embedding heap.
func (s *Storage) Ref() Value {
	return s.ref
}

// Layout returns the entry layout of the storage.
func (s *Storage) Layout() Layout {
	return s.layout
}

// Length returns the number of slots, header included.
func (s *Storage) Length() int {
	return len(s.slots)
}

// Slot returns the value at slot offset i.
func (s *Storage) Slot(i int) Value {
	return Value(atomic.LoadUint64((*uint64)(&s.slots[i])))
}

// relaxedStore writes a slot without any barrier. Reference stores must go
// through the table's writeSlot or writeKey instead.
func (s *Storage) relaxedStore(i int, v Value) {
	atomic.StoreUint64((*uint64)(&s.slots[i]), uint64(v))
}

// Published returns true once the storage has been installed as the current
// storage of a table. Before that nothing but the table can observe it.
func (s *Storage) Published() bool {
	return s.published.Load()
}

// NumberOfElements returns the number of live entries.
func (s *Storage) NumberOfElements() int {
	return int(s.Slot(numberOfElementsIndex).SmiValue())
}

// NumberOfDeletedElements returns the number of tombstones.
func (s *Storage) NumberOfDeletedElements() int {
	return int(s.Slot(numberOfDeletedElementsIndex).SmiValue())
}

// Capacity returns the number of entries.
func (s *Storage) Capacity() int {
	return int(s.Slot(capacityIndex).SmiValue())
}

func (s *Storage) setNumberOfElements(n int) {
	s.relaxedStore(numberOfElementsIndex, Smi(int32(n)))
}

func (s *Storage) setNumberOfDeletedElements(n int) {
	s.relaxedStore(numberOfDeletedElementsIndex, Smi(int32(n)))
}

// setCapacity records the capacity in the header. The capacity is used as a
// mask operand by the probe sequence, so it must be a non-zero power of two.
func (s *Storage) setCapacity(capacity int) {
	if capacity <= 0 || capacity > s.layout.MaxCapacity() || capacity&(capacity-1) != 0 {
		panic(fmt.Sprintf("invalid capacity %d (max %d)", capacity, s.layout.MaxCapacity()))
	}
	if n := s.layout.StorageLength(capacity); n != len(s.slots) {
		panic(fmt.Sprintf("capacity %d needs %d slots, storage has %d", capacity, n, len(s.slots)))
	}
	s.relaxedStore(capacityIndex, Smi(int32(capacity)))
}

func (s *Storage) elementAdded() {
	s.setNumberOfElements(s.NumberOfElements() + 1)
}

func (s *Storage) elementRemoved() {
	s.elementsRemoved(1)
}

func (s *Storage) elementsRemoved(n int) {
	s.setNumberOfElements(s.NumberOfElements() - n)
	s.setNumberOfDeletedElements(s.NumberOfDeletedElements() + n)
}

// tombstoneReused is called when an insertion lands on a tombstone.
func (s *Storage) tombstoneReused() {
	s.setNumberOfDeletedElements(s.NumberOfDeletedElements() - 1)
}

// EntryToIndex returns the slot offset of the key of entry.
func (s *Storage) EntryToIndex(entry InternalIndex) int {
	return int(entry)*s.layout.EntrySize + elementsStartIndex
}

// EntryForOffset is the inverse of EntryToIndex: it returns the entry that
// slot offset i belongs to and the position of the slot within the entry.
// ok is false for header slots.
func (s *Storage) EntryForOffset(i int) (entry InternalIndex, slot int, ok bool) {
	if i < elementsStartIndex || i >= len(s.slots) {
		return NotFound, 0, false
	}
	i -= elementsStartIndex
	return InternalIndex(i / s.layout.EntrySize), i % s.layout.EntrySize, true
}

// KeyAt returns the key slot of entry.
func (s *Storage) KeyAt(entry InternalIndex) Value {
	return s.Slot(s.EntryToIndex(entry) + entryKeyIndex)
}

// ValueAt returns the first value slot of entry. The layout must have room
// for a value.
func (s *Storage) ValueAt(entry InternalIndex) Value {
	if s.layout.EntrySize <= entryValueIndex {
		panic("storage has no value slots")
	}
	return s.Slot(s.EntryToIndex(entry) + entryValueIndex)
}

// RemoveEntries turns the given live entries into tombstones. It performs no
// barriers and is reserved for collectors clearing dead ephemeron entries
// while the mutator is paused.
func (s *Storage) RemoveEntries(entries []InternalIndex) {
	if len(entries) == 0 {
		return
	}
	for _, e := range entries {
		if !IsKey(s.KeyAt(e)) {
			panic(fmt.Sprintf("entry %d is not live", e))
		}
		base := s.EntryToIndex(e)
		for i := 0; i < s.layout.EntrySize; i++ {
			s.relaxedStore(base+i, Tombstone)
		}
	}
	s.elementsRemoved(len(entries))
}
