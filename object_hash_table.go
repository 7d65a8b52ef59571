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

import "fmt"

// objectHashTableBase implements the operations shared by ObjectHashTable
// and EphemeronHashTable. The two differ only in the layout of their
// storage, which decides the barrier used for key stores.
type objectHashTableBase struct {
	table *HashTable[ObjectHashTableShape]
}

func getOrCreateHash(objs Objects, key Value) uint32 {
	h := objs.GetOrCreateHash(key)
	hash, ok := smiHash(h)
	if !ok {
		panic(fmt.Sprintf("invalid hash %s for %s", h, key))
	}
	return hash
}

// Lookup returns the value stored for key.
func (b objectHashTableBase) Lookup(key Value) (value Value, ok bool) {
	// A key without a hash has never been added to any table.
	hash, ok := smiHash(b.table.objs.GetHash(key))
	if !ok {
		return Tombstone, false
	}
	return b.LookupWithHash(key, hash)
}

// LookupWithHash is Lookup for callers that already know the hash of key.
func (b objectHashTableBase) LookupWithHash(key Value, hash uint32) (value Value, ok bool) {
	entry := b.table.FindEntryWithHash(key, hash)
	if entry.IsNotFound() {
		return Tombstone, false
	}
	return b.table.ValueAt(entry, 0), true
}

// Has returns true if key is present.
func (b objectHashTableBase) Has(key Value) bool {
	_, ok := b.Lookup(key)
	return ok
}

// Put inserts an entry, overwriting the value if an entry with the same key
// already exists. It returns an error wrapping ErrOutOfMemory if the table
// needed to grow and could not; the table is then unchanged.
func (b objectHashTableBase) Put(key, value Value) error {
	if !IsKey(key) {
		panic(fmt.Sprintf("cannot use sentinel %s as a key", key))
	}
	if value == Tombstone {
		panic("cannot store a tombstone as a value")
	}
	t := b.table
	hash := getOrCreateHash(t.objs, key)

	// Look for an existing entry first so that the key is never present
	// twice, even if its first probe position has since become a tombstone.
	if entry := t.FindEntryWithHash(key, hash); entry.IsFound() {
		t.SetValueAt(entry, 0, value)
		t.checkInvariants()
		return nil
	}

	if err := t.EnsureCapacity(1); err != nil {
		return err
	}
	t.AddEntry(hash, key, value)
	t.checkInvariants()
	return nil
}

// Remove deletes the entry for key, returning whether it was present.
func (b objectHashTableBase) Remove(key Value) bool {
	t := b.table
	entry := t.FindEntry(key)
	if entry.IsNotFound() {
		return false
	}
	t.RemoveEntry(entry)
	t.checkInvariants()
	return true
}

// Len returns the number of entries.
func (b objectHashTableBase) Len() int {
	return b.table.NumberOfElements()
}

// Capacity returns the number of entries the current storage has room for,
// including the slack kept free.
func (b objectHashTableBase) Capacity() int {
	return b.table.Capacity()
}

// Storage returns the current backing storage.
func (b objectHashTableBase) Storage() *Storage {
	return b.table.Storage()
}

// All calls yield sequentially for each key and value present in the table.
// If yield returns false, iteration stops. The table can be mutated during
// iteration, though there is no guarantee that the mutations will be visible
// to the iteration.
func (b objectHashTableBase) All(yield func(key, value Value) bool) {
	b.table.Entries(func(s *Storage, entry InternalIndex) bool {
		return yield(s.KeyAt(entry), s.ValueAt(entry))
	})
}

// ObjectHashTable maps keys to values, comparing keys with SameValue. Every
// slot holds a strong reference.
type ObjectHashTable struct {
	objectHashTableBase
}

// NewObjectHashTable constructs a table with room for at least
// atLeastSpaceFor entries.
func NewObjectHashTable(objs Objects, atLeastSpaceFor int, options ...Option) (*ObjectHashTable, error) {
	t, err := NewHashTable[ObjectHashTableShape](objs, atLeastSpaceFor, options...)
	if err != nil {
		return nil, err
	}
	return &ObjectHashTable{objectHashTableBase{table: t}}, nil
}
