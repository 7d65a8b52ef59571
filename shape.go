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

// Objects is the view of the embedding heap consulted by shapes. Hash codes
// and equality are owned by the heap; tables never compute them.
type Objects interface {
	// GetHash returns the hash of v as a non-negative Smi, or a non-Smi
	// value if v has not been assigned a hash yet.
	GetHash(v Value) Value
	// GetOrCreateHash returns the hash of v as a non-negative Smi,
	// assigning one if needed.
	GetOrCreateHash(v Value) Value
	// SameValue returns true if a and b are the same value. This is value
	// equality (e.g. two strings with equal contents), not identity.
	SameValue(a, b Value) bool
}

// Shape parameterizes a HashTable. Shapes are stateless and are substituted
// as type arguments, so a table variant is nothing more than a different
// Shape (and Layout) over the same engine.
type Shape interface {
	// Hash returns the hash of a lookup key. ok is false if the key has no
	// hash, which means it cannot be present in any table.
	Hash(objs Objects, key Value) (hash uint32, ok bool)
	// HashForObject returns the hash of a key already stored in a table.
	HashForObject(objs Objects, stored Value) uint32
	// IsMatch returns true if key matches the stored key.
	IsMatch(objs Objects, key, stored Value) bool
	// NeedsHoleCheck returns true if Tombstone must be excluded before
	// calling IsMatch.
	NeedsHoleCheck() bool
	// EntrySize returns the number of slots per entry.
	EntrySize() int
	// Unwrap converts a stored key back to the key handed to the table.
	Unwrap(stored Value) Value
}

// smiHash converts a hash reported by the heap. Only non-negative Smis are
// hashes; anything else means the value has none.
func smiHash(h Value) (uint32, bool) {
	if !h.IsSmi() || h.SmiValue() < 0 {
		return 0, false
	}
	return uint32(h.SmiValue()), true
}

// ObjectHashTableShape is the shape of key to value tables keyed by
// arbitrary values compared with SameValue.
type ObjectHashTableShape struct{}

var _ Shape = ObjectHashTableShape{}

func (ObjectHashTableShape) Hash(objs Objects, key Value) (uint32, bool) {
	return smiHash(objs.GetHash(key))
}

func (ObjectHashTableShape) HashForObject(objs Objects, stored Value) uint32 {
	h, ok := smiHash(objs.GetHash(stored))
	if !ok {
		panic("stored key " + stored.String() + " has no hash")
	}
	return h
}

func (ObjectHashTableShape) IsMatch(objs Objects, key, stored Value) bool {
	return objs.SameValue(key, stored)
}

// NeedsHoleCheck is true because a SameValue comparison against Tombstone
// must never be attempted.
func (ObjectHashTableShape) NeedsHoleCheck() bool { return true }

func (ObjectHashTableShape) EntrySize() int { return 2 }

func (ObjectHashTableShape) Unwrap(stored Value) Value { return stored }

// ObjectHashSetShape is the shape of sets of arbitrary values. Entries hold
// only the key.
type ObjectHashSetShape struct {
	ObjectHashTableShape
}

var _ Shape = ObjectHashSetShape{}

func (ObjectHashSetShape) EntrySize() int { return 1 }
