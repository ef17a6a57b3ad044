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

package umap

import "math/bits"

// option provide an interface to do work on Table while it is being created.
type option[K Key] interface {
	apply(t *Table[K])
}

type hashOption[K Key] struct {
	hash func(key K) uint64
}

func (op hashOption[K]) apply(t *Table[K]) {
	t.hash = op.hash
}

// WithHash is an option to specify the hash function to use for a Table[K].
// The default is FNV1a.
func WithHash[K Key](hash func(key K) uint64) option[K] {
	return hashOption[K]{hash}
}

type capacityOption[K Key] struct {
	capacity int
}

func (op capacityOption[K]) apply(t *Table[K]) {
	t.layout.capacity = roundCapacity(op.capacity)
}

// WithCapacity is an option to specify the initial capacity of a Table[K].
// The capacity is rounded up to a power of two. The default is 8.
func WithCapacity[K Key](capacity int) option[K] {
	return capacityOption[K]{capacity}
}

// roundCapacity returns the smallest power of two >= n, and at least 1.
func roundCapacity(n int) uintptr {
	if n <= 1 {
		return 1
	}
	return uintptr(1) << bits.Len(uint(n-1))
}

// Allocator specifies an interface for allocating and releasing the buffer
// used by a Table. The default allocator utilizes Go's builtin make() and
// allows the GC to reclaim memory.
//
// If the allocator is manually managing memory and requires that buffers be
// freed then Table.Close must be called in order to ensure Free is called.
type Allocator interface {
	// Alloc should return a slice equivalent to make([]byte, n). Returning
	// nil, or a slice shorter than n, reports an allocation failure which
	// the Table surfaces as ErrAllocationFailed.
	Alloc(n int) []byte

	// Free can optionally release the memory associated with the supplied
	// slice that is guaranteed to have been allocated by Alloc.
	Free(v []byte)
}

type defaultAllocator struct{}

func (defaultAllocator) Alloc(n int) []byte {
	return make([]byte, n)
}

func (defaultAllocator) Free(v []byte) {
}

type allocatorOption[K Key] struct {
	allocator Allocator
}

func (op allocatorOption[K]) apply(t *Table[K]) {
	t.allocator = op.allocator
}

// WithAllocator is an option for specify the Allocator to use for a Table[K].
func WithAllocator[K Key](allocator Allocator) option[K] {
	return allocatorOption[K]{allocator}
}
