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

import "errors"

// ErrOutOfMemory is returned, possibly wrapped, when a table cannot obtain
// storage for growth. The table is left unchanged.
var ErrOutOfMemory = errors.New("heaptable: out of memory")

// Option configures a table while it is being created.
type Option interface {
	apply(c *config)
}

type config struct {
	allocator Allocator
	barrier   Barrier

	// weakKeys is set by NewEphemeronHashTable.
	weakKeys bool
}

func makeConfig(opts []Option) config {
	c := config{
		allocator: defaultAllocator{},
		barrier:   NoBarrier{},
	}
	for _, op := range opts {
		op.apply(&c)
	}
	return c
}

// Allocator specifies an interface for allocating and releasing the storage
// used by a table. The default allocator utilizes Go's builtin make() and
// allows the GC to reclaim memory.
type Allocator interface {
	// AllocSlots should return storage wrapping n zeroed slots, as built by
	// NewStorage. It returns an error wrapping ErrOutOfMemory on failure.
	AllocSlots(n int, layout Layout) (*Storage, error)

	// FreeSlots is called with storage that a table has replaced. The
	// storage is guaranteed to have been allocated by AllocSlots. A tracing
	// heap may ignore the call and let the collector reclaim it.
	FreeSlots(s *Storage)
}

type defaultAllocator struct{}

func (defaultAllocator) AllocSlots(n int, layout Layout) (*Storage, error) {
	return NewStorage(0, layout, make([]Value, n)), nil
}

func (defaultAllocator) FreeSlots(*Storage) {}

type allocatorOption struct {
	allocator Allocator
}

func (op allocatorOption) apply(c *config) {
	c.allocator = op.allocator
}

// WithAllocator is an option to specify the Allocator used for storage.
func WithAllocator(allocator Allocator) Option {
	return allocatorOption{allocator}
}

type barrierOption struct {
	barrier Barrier
}

func (op barrierOption) apply(c *config) {
	c.barrier = op.barrier
}

// WithBarrier is an option to specify the collector's write barrier.
func WithBarrier(barrier Barrier) Option {
	return barrierOption{barrier}
}
