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

// Barrier is the collector's write barrier. The table calls it synchronously
// after every store of a heap reference into a slot. host is the storage that
// was written and offset the slot offset within it.
type Barrier interface {
	// RecordWrite is the ordinary barrier, used for every slot of map and set
	// storage and for the value slots of ephemeron storage.
	RecordWrite(host *Storage, offset int, v Value)
	// RecordEphemeronKeyWrite is used for key slots of ephemeron storage. The
	// collector must treat the entry's values as reachable only through the
	// key rather than marking the key.
	RecordEphemeronKeyWrite(host *Storage, offset int, v Value)
}

// WriteBarrierMode selects whether a store invokes the barrier.
type WriteBarrierMode uint8

const (
	// UpdateWriteBarrier invokes the barrier.
	UpdateWriteBarrier WriteBarrierMode = iota
	// SkipWriteBarrier omits the barrier. It is honoured only for storage
	// that has not been published yet.
	SkipWriteBarrier
)

func (m WriteBarrierMode) String() string {
	switch m {
	case UpdateWriteBarrier:
		return "update"
	case SkipWriteBarrier:
		return "skip"
	default:
		return fmt.Sprintf("WriteBarrierMode(%d)", m)
	}
}

// NoBarrier is a Barrier for embeddings without a tracing collector.
type NoBarrier struct{}

func (NoBarrier) RecordWrite(*Storage, int, Value) {}

func (NoBarrier) RecordEphemeronKeyWrite(*Storage, int, Value) {}

// writeSlot stores v at slot offset i of s and runs the ordinary barrier.
// Smis and read-only values such as the sentinels never reach the barrier.
func (t *HashTable[S]) writeSlot(s *Storage, i int, v Value, mode WriteBarrierMode) {
	s.relaxedStore(i, v)
	if !v.IsHeapObject() || v.IsReadOnly() {
		return
	}
	if mode == SkipWriteBarrier && !s.Published() {
		return
	}
	t.barrier.RecordWrite(s, i, v)
}

// writeKey stores v in the key slot at offset i of s. Keys of weak storage
// go through the ephemeron barrier, all others through the ordinary one.
func (t *HashTable[S]) writeKey(s *Storage, i int, v Value, mode WriteBarrierMode) {
	if !s.layout.WeakKeys {
		t.writeSlot(s, i, v, mode)
		return
	}
	s.relaxedStore(i, v)
	if !v.IsHeapObject() || v.IsReadOnly() {
		return
	}
	if mode == SkipWriteBarrier {
		if !s.Published() {
			return
		}
		// A published ephemeron table may be in the middle of being marked.
		if invariants {
			panic(fmt.Sprintf("barrier skipped for ephemeron key %s at offset %d of published storage", v, i))
		}
	}
	t.barrier.RecordEphemeronKeyWrite(s, i, v)
}

// writeEntry stores a complete entry, key first.
func (t *HashTable[S]) writeEntry(
	s *Storage, entry InternalIndex, key Value, values []Value, mode WriteBarrierMode,
) {
	base := s.EntryToIndex(entry)
	t.writeKey(s, base+entryKeyIndex, key, mode)
	for i, v := range values {
		t.writeSlot(s, base+entryValueIndex+i, v, mode)
	}
}
