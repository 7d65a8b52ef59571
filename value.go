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

// Value is a tagged reference as stored in a table slot. A Value with a clear
// low bit is a small integer (Smi) carried inline in the upper 32 bits. A
// Value with the low bit set is a compressed heap address. Values are opaque
// to the table except for the Smi/heap distinction and the two sentinels.
type Value uint64

const (
	smiTag        Value = 0
	heapObjectTag Value = 1
	tagMask       Value = 1
	smiShift            = 32
)

// FirstHeapAddress is the first compressed address an embedding heap may hand
// out. Lower addresses are reserved for read-only roots such as Empty and
// Tombstone.
const FirstHeapAddress uint32 = 16

const (
	// Empty marks a slot that has never been occupied since the storage was
	// allocated. It terminates probe sequences.
	Empty = Value(1<<1) | heapObjectTag
	// Tombstone marks a slot whose entry was removed. Probe sequences pass
	// over it and insertion may reuse it.
	Tombstone = Value(2<<1) | heapObjectTag
)

// Smi returns the tagged form of the small integer n.
func Smi(n int32) Value {
	return Value(uint64(uint32(n))<<smiShift) | smiTag
}

// HeapRef returns the tagged form of the compressed heap address addr.
func HeapRef(addr uint32) Value {
	return Value(uint64(addr)<<1) | heapObjectTag
}

// IsSmi returns true if v is an inline small integer.
func (v Value) IsSmi() bool {
	return v&tagMask == smiTag
}

// IsHeapObject returns true if v refers to an object in the heap, including
// the read-only sentinels.
func (v Value) IsHeapObject() bool {
	return v&tagMask == heapObjectTag
}

// SmiValue returns the integer carried by a Smi. The result is meaningless
// for heap references.
func (v Value) SmiValue() int32 {
	return int32(uint32(v >> smiShift))
}

// Address returns the compressed address of a heap reference.
func (v Value) Address() uint32 {
	return uint32(v >> 1)
}

// IsReadOnly returns true for heap references into the reserved read-only
// range. Barriers never need to track them.
func (v Value) IsReadOnly() bool {
	return v.IsHeapObject() && v.Address() < FirstHeapAddress
}

func (v Value) String() string {
	switch {
	case v == Empty:
		return "<empty>"
	case v == Tombstone:
		return "<tombstone>"
	case v.IsSmi():
		return fmt.Sprintf("smi:%d", v.SmiValue())
	default:
		return fmt.Sprintf("ref:%#x", v.Address())
	}
}

// IsEmpty returns true if v is the Empty sentinel.
func IsEmpty(v Value) bool {
	return v == Empty
}

// IsTombstone returns true if v is the Tombstone sentinel.
func IsTombstone(v Value) bool {
	return v == Tombstone
}

// IsKey returns true if v, read from a key slot, denotes a live entry.
func IsKey(v Value) bool {
	return v != Empty && v != Tombstone
}
