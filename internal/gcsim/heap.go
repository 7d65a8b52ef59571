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

// Package gcsim simulates the heap a table is embedded in: a store of tagged
// objects with identity hashes, and an incremental tri-color collector that
// consumes the tables' write barriers and resolves ephemerons to a fixed
// point. It exists to exercise the collector contract of package heaptable.
package gcsim

import (
	"fmt"

	"github.com/cockroachdb/heaptable"
	"github.com/zeebo/xxh3"
	"golang.org/x/exp/rand"
)

const debug = false

// hashMask keeps hashes within the non-negative Smi range.
const hashMask = 1<<30 - 1

type kind uint8

const (
	kindPlain kind = iota
	kindString
	kindStorage
)

type color uint8

const (
	white color = iota
	grey
	black
)

type object struct {
	kind    kind
	fields  []heaptable.Value
	str     string
	hash    heaptable.Value
	storage *heaptable.Storage
	size    int
	color   color
}

// Stats counts heap and barrier events.
type Stats struct {
	// Writes and EphemeronKeyWrites count barrier invocations.
	Writes             int
	EphemeronKeyWrites int
	// Shaded counts objects greyed by a barrier during marking.
	Shaded int
	// EphemeronsRecorded counts entries queued by a barrier during marking.
	EphemeronsRecorded int
	// Allocated and Freed count objects. FreedStorage counts storage
	// handed back by tables through FreeSlots.
	Allocated    int
	Freed        int
	FreedStorage int
	// ClearedEntries counts ephemeron entries removed because their key
	// died.
	ClearedEntries int
}

// Heap is a simulated garbage collected heap. It implements
// heaptable.Objects, heaptable.Allocator and heaptable.Barrier.
//
// A Heap is NOT goroutine-safe.
type Heap struct {
	objects map[uint32]*object
	next    uint32
	// limit bounds the total number of slots in use; 0 means unlimited.
	limit int
	used  int
	rng   *rand.Rand
	roots []func() heaptable.Value

	marking bool
	// sweepPending is set between FinishMarking and Sweep.
	sweepPending bool
	worklist     []uint32
	ephemerons   []ephemeron

	Stats Stats
}

var (
	_ heaptable.Objects   = (*Heap)(nil)
	_ heaptable.Allocator = (*Heap)(nil)
	_ heaptable.Barrier   = (*Heap)(nil)
)

// Option configures a Heap.
type Option func(h *Heap)

// WithSeed seeds the identity hash generator.
func WithSeed(seed uint64) Option {
	return func(h *Heap) {
		h.rng = rand.New(rand.NewSource(seed))
	}
}

// WithSlotLimit bounds the number of slots the heap hands out. Allocations
// beyond the limit fail with heaptable.ErrOutOfMemory.
func WithSlotLimit(n int) Option {
	return func(h *Heap) {
		h.limit = n
	}
}

// New constructs an empty heap.
func New(opts ...Option) *Heap {
	h := &Heap{
		objects: make(map[uint32]*object),
		next:    heaptable.FirstHeapAddress,
		rng:     rand.New(rand.NewSource(1)),
	}
	for _, op := range opts {
		op(h)
	}
	return h
}

func (h *Heap) allocate(o *object) (heaptable.Value, error) {
	if h.limit > 0 && h.used+o.size > h.limit {
		return 0, fmt.Errorf("gcsim: allocating %d slots with %d of %d in use: %w",
			o.size, h.used, h.limit, heaptable.ErrOutOfMemory)
	}
	addr := h.next
	h.next++
	if h.marking || h.sweepPending {
		// Objects allocated during marking are black: they are live for the
		// current cycle and their contents are covered by the barrier.
		o.color = black
	}
	h.objects[addr] = o
	h.used += o.size
	h.Stats.Allocated++
	return heaptable.HeapRef(addr), nil
}

func (h *Heap) mustAllocate(o *object) heaptable.Value {
	v, err := h.allocate(o)
	if err != nil {
		panic(err)
	}
	return v
}

// NewObject allocates a plain object with the given fields.
func (h *Heap) NewObject(fields ...heaptable.Value) heaptable.Value {
	f := append([]heaptable.Value(nil), fields...)
	return h.mustAllocate(&object{
		kind:   kindPlain,
		fields: f,
		hash:   heaptable.Empty,
		size:   1 + len(f),
	})
}

// NewString allocates a string. Strings are hashed and compared by content.
func (h *Heap) NewString(s string) heaptable.Value {
	return h.mustAllocate(&object{kind: kindString, str: s, size: 1 + len(s)/8})
}

func (h *Heap) lookup(v heaptable.Value) *object {
	if !v.IsHeapObject() || v.IsReadOnly() {
		return nil
	}
	o := h.objects[v.Address()]
	if o == nil {
		panic(fmt.Sprintf("gcsim: %s is not a live object", v))
	}
	return o
}

// Field returns field i of a plain object.
func (h *Heap) Field(obj heaptable.Value, i int) heaptable.Value {
	return h.lookup(obj).fields[i]
}

// SetField stores v into field i of a plain object, running the insertion
// barrier like a mutator store would.
func (h *Heap) SetField(obj heaptable.Value, i int, v heaptable.Value) {
	o := h.lookup(obj)
	o.fields[i] = v
	if h.marking && o.color == black {
		h.shade(v)
	}
}

// AddRoot registers a root. fn is evaluated at the start of every marking
// cycle so that roots which change over time, such as a table's current
// storage, are followed.
func (h *Heap) AddRoot(fn func() heaptable.Value) {
	h.roots = append(h.roots, fn)
}

// IsAlive returns true if v is a Smi, a read-only value, or an object that
// has not been swept.
func (h *Heap) IsAlive(v heaptable.Value) bool {
	if !v.IsHeapObject() || v.IsReadOnly() {
		return true
	}
	_, ok := h.objects[v.Address()]
	return ok
}

// Len returns the number of objects in the heap.
func (h *Heap) Len() int {
	return len(h.objects)
}

// Used returns the number of slots in use.
func (h *Heap) Used() int {
	return h.used
}

func smiHash(n int32) heaptable.Value {
	x := uint32(n)
	x ^= x >> 16
	x *= 0x7feb352d
	x ^= x >> 15
	x *= 0x846ca68b
	x ^= x >> 16
	return heaptable.Smi(int32(x & hashMask))
}

// GetHash implements heaptable.Objects.
func (h *Heap) GetHash(v heaptable.Value) heaptable.Value {
	if v.IsSmi() {
		return smiHash(v.SmiValue())
	}
	o := h.lookup(v)
	if o == nil {
		return heaptable.Empty
	}
	if o.kind == kindString {
		return heaptable.Smi(int32(xxh3.HashString(o.str) & hashMask))
	}
	return o.hash
}

// GetOrCreateHash implements heaptable.Objects. Identity hashes are drawn
// from the heap's seeded generator.
func (h *Heap) GetOrCreateHash(v heaptable.Value) heaptable.Value {
	if hash := h.GetHash(v); hash.IsSmi() {
		return hash
	}
	o := h.lookup(v)
	if o == nil {
		panic(fmt.Sprintf("gcsim: cannot hash %s", v))
	}
	o.hash = heaptable.Smi(int32(h.rng.Uint32() & hashMask))
	return o.hash
}

// SameValue implements heaptable.Objects.
func (h *Heap) SameValue(a, b heaptable.Value) bool {
	if a == b {
		return true
	}
	if !a.IsHeapObject() || !b.IsHeapObject() || a.IsReadOnly() || b.IsReadOnly() {
		return false
	}
	oa, ob := h.lookup(a), h.lookup(b)
	return oa.kind == kindString && ob.kind == kindString && oa.str == ob.str
}

// AllocSlots implements heaptable.Allocator.
func (h *Heap) AllocSlots(n int, layout heaptable.Layout) (*heaptable.Storage, error) {
	o := &object{kind: kindStorage, hash: heaptable.Empty, size: n}
	ref, err := h.allocate(o)
	if err != nil {
		return nil, err
	}
	o.storage = heaptable.NewStorage(ref, layout, make([]heaptable.Value, n))
	return o.storage, nil
}

// FreeSlots implements heaptable.Allocator. Replaced storage is left to the
// collector.
func (h *Heap) FreeSlots(*heaptable.Storage) {
	h.Stats.FreedStorage++
}
