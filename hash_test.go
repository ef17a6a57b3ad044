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
	"hash/fnv"
	"math/rand"
	"sort"
	"testing"

	"github.com/cespare/xxhash/v2"
	"github.com/stretchr/testify/require"
)

func TestFNV1a(t *testing.T) {
	keys := []uint64{0, 1, 0xff, 0x100, 0xdeadbeef, 1 << 63, ^uint64(0)}
	for i := 0; i < 100; i++ {
		keys = append(keys, rand.Uint64())
	}

	for _, k := range keys {
		var buf [8]byte
		binary.LittleEndian.PutUint64(buf[:], k)
		h64 := fnv.New64a()
		_, _ = h64.Write(buf[:])
		require.Equal(t, h64.Sum64(), FNV1a(k), "key=%x", k)

		k32 := uint32(k)
		h32 := fnv.New32a()
		_, _ = h32.Write(buf[:4])
		require.EqualValues(t, h32.Sum32(), FNV1a(k32), "key=%x", k32)
	}

	// The offset basis survives a zero key only through the multiply.
	require.NotEqual(t, uint64(fnvOffset64), FNV1a(uint64(0)))
}

func TestFNV1aNamedKeyType(t *testing.T) {
	type id uint32
	require.Equal(t, FNV1a(uint32(42)), FNV1a(id(42)))
}

func TestXXHash(t *testing.T) {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], 0x0102030405060708)
	require.Equal(t, xxhash.Sum64(buf[:]), XXHash(uint64(0x0102030405060708)))
	require.Equal(t, xxhash.Sum64(buf[:4]), XXHash(uint32(0x05060708)))
}

func TestHashSplit(t *testing.T) {
	h := uint64(0xabcdef0123456789)
	require.EqualValues(t, h>>7, h1(h))
	require.EqualValues(t, 0x09, h2(h))
	require.True(t, h2(h).isFull())
	require.True(t, h2(^uint64(0)).isFull())
	require.EqualValues(t, 0x7f, h2(^uint64(0)))
}

func TestCtrl(t *testing.T) {
	require.False(t, ctrlEmpty.isFull())
	require.False(t, ctrlDeleted.isFull())
	for c := 0; c <= 0x7f; c++ {
		require.True(t, ctrl(c).isFull())
		require.NotEqual(t, ctrlEmpty, ctrl(c))
		require.NotEqual(t, ctrlDeleted, ctrl(c))
	}
	require.Equal(t, "empty", ctrlEmpty.String())
	require.Equal(t, "deleted", ctrlDeleted.String())
	require.Equal(t, "full(2a)", ctrl(0x2a).String())
	require.Equal(t, "invalid(ff)", ctrl(0xff).String())
}

func TestProbeSeq(t *testing.T) {
	genSeq := func(n int, hash, capacity uintptr) []uintptr {
		seq := makeProbeSeq(hash, capacity)
		vals := make([]uintptr, n)
		for i := 0; i < n; i++ {
			vals[i] = seq.offset
			seq = seq.next()
		}
		return vals
	}

	require.Equal(t, []uintptr{5, 6, 7, 0, 1, 2, 3, 4}, genSeq(8, 5, 8))
	require.Equal(t, []uintptr{5, 6, 7, 0, 1, 2, 3, 4}, genSeq(8, 13, 8))
	require.Equal(t, []uintptr{0, 0, 0}, genSeq(3, 99, 1))

	// Verify that we touch every slot exactly once no matter where we start.
	for i := uintptr(0); i < 16; i++ {
		vals := genSeq(16, i, 16)
		sort.Slice(vals, func(i, j int) bool {
			return vals[i] < vals[j]
		})
		for j := range vals {
			require.EqualValues(t, j, vals[j])
		}
	}
}
