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

// ObjectHashSet is a set of values compared with SameValue.
type ObjectHashSet struct {
	table *HashTable[ObjectHashSetShape]
}

// NewObjectHashSet constructs a set with room for at least atLeastSpaceFor
// keys.
func NewObjectHashSet(objs Objects, atLeastSpaceFor int, options ...Option) (*ObjectHashSet, error) {
	t, err := NewHashTable[ObjectHashSetShape](objs, atLeastSpaceFor, options...)
	if err != nil {
		return nil, err
	}
	return &ObjectHashSet{table: t}, nil
}

// Has returns true if key is a member.
func (s *ObjectHashSet) Has(key Value) bool {
	// A key whose hash was never created cannot have been added.
	hash, ok := smiHash(s.table.objs.GetHash(key))
	if !ok {
		return false
	}
	return s.HasWithHash(key, hash)
}

// HasWithHash is Has for callers that already know the hash of key.
func (s *ObjectHashSet) HasWithHash(key Value, hash uint32) bool {
	return s.table.FindEntryWithHash(key, hash).IsFound()
}

// Add inserts key. It returns an error wrapping ErrOutOfMemory if the set
// needed to grow and could not.
func (s *ObjectHashSet) Add(key Value) error {
	if !IsKey(key) {
		panic(fmt.Sprintf("cannot add sentinel %s", key))
	}
	t := s.table
	hash := getOrCreateHash(t.objs, key)
	if t.FindEntryWithHash(key, hash).IsFound() {
		return nil
	}
	if err := t.EnsureCapacity(1); err != nil {
		return err
	}
	t.AddEntry(hash, key)
	t.checkInvariants()
	return nil
}

// Remove deletes key, returning whether it was a member.
func (s *ObjectHashSet) Remove(key Value) bool {
	t := s.table
	entry := t.FindEntry(key)
	if entry.IsNotFound() {
		return false
	}
	t.RemoveEntry(entry)
	t.checkInvariants()
	return true
}

// Len returns the number of members.
func (s *ObjectHashSet) Len() int {
	return s.table.NumberOfElements()
}

// Capacity returns the capacity of the current storage.
func (s *ObjectHashSet) Capacity() int {
	return s.table.Capacity()
}

// Storage returns the current backing storage.
func (s *ObjectHashSet) Storage() *Storage {
	return s.table.Storage()
}

// All calls yield sequentially for each member. If yield returns false,
// iteration stops.
func (s *ObjectHashSet) All(yield func(key Value) bool) {
	s.table.Entries(func(st *Storage, entry InternalIndex) bool {
		return yield(st.KeyAt(entry))
	})
}
