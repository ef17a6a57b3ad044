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

import (
	"encoding/binary"
	"unsafe"

	"github.com/cespare/xxhash/v2"
)

// Key is the set of key types a Table can be instantiated with. The key width
// (4 or 8 bytes) is fixed at compile time by the type argument and selects
// the width of the hash and of the key sub-slot in each node.
type Key interface {
	~uint32 | ~uint64
}

const (
	fnvOffset32 = 2166136261
	fnvPrime32  = 16777619
	fnvOffset64 = 14695981039346656037
	fnvPrime64  = 1099511628211
)

// keyWidth returns the size in bytes of K.
func keyWidth[K Key]() uintptr {
	var k K
	return unsafe.Sizeof(k)
}

// maxCapacity returns the largest capacity a Table[K] may grow to. Beyond
// 2^(width-7) slots the h1 portion of a width-bit hash no longer has enough
// bits to select every bucket.
func maxCapacity[K Key]() uintptr {
	if keyWidth[K]() == 4 {
		return 1 << (32 - 7)
	}
	// 2^57 is not addressable anyway; bufferSize overflow catches it first on
	// 64-bit platforms.
	return 1 << (8*unsafe.Sizeof(uintptr(0)) - 7)
}

// FNV1a is the default hash function. It runs FNV-1a over the bytes of key,
// least significant byte first, using the 32-bit or 64-bit FNV parameters to
// match the width of K. There is no seed: the hash is deterministic across
// runs and processes.
func FNV1a[K Key](key K) uint64 {
	if keyWidth[K]() == 4 {
		h := uint32(fnvOffset32)
		k := uint32(key)
		for i := 0; i < 4; i++ {
			h ^= k & 0xff
			h *= fnvPrime32
			k >>= 8
		}
		return uint64(h)
	}

	h := uint64(fnvOffset64)
	k := uint64(key)
	for i := 0; i < 8; i++ {
		h ^= k & 0xff
		h *= fnvPrime64
		k >>= 8
	}
	return h
}

// XXHash hashes the little-endian bytes of key with xxHash64. It is an
// alternative to FNV1a with much better avalanche behavior on sequential
// keys, selected with WithHash(XXHash[K]).
func XXHash[K Key](key K) uint64 {
	var buf [8]byte
	if keyWidth[K]() == 4 {
		binary.LittleEndian.PutUint32(buf[:4], uint32(key))
		return xxhash.Sum64(buf[:4])
	}
	binary.LittleEndian.PutUint64(buf[:], uint64(key))
	return xxhash.Sum64(buf[:])
}

// Extracts the H1 portion of a hash: every bit above the low 7. It selects
// the starting bucket of a probe.
func h1(h uint64) uintptr {
	return uintptr(h >> 7)
}

// Extracts the H2 portion of a hash: the low 7 bits not used for h1.
//
// These are used as an occupied control byte.
func h2(h uint64) ctrl {
	return ctrl(h & 0x7f)
}
