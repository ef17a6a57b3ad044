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
	"math/bits"
)

// A table's storage is a single contiguous buffer split into two regions laid
// out back-to-back:
//
//	+-----------------------+------------------------------------------+
//	| ctrl[0] ... ctrl[N-1] | node[0] | node[1] | ... | node[N-1]        |
//	+-----------------------+------------------------------------------+
//	 N bytes                 N * nodeSize bytes
//
// Each node holds the key at offset 0 and the value at valueStart:
//
//	+-----+---------+-------+---------+
//	| key | padding | value | padding |
//	+-----+---------+-------+---------+
//	0     keyWidth  valueStart        nodeSize
//
// Both valueStart and nodeSize are multiples of max(elementSize, keyWidth)
// so the key and value sub-slots start on a boundary that satisfies the
// alignment of the larger of the two. All offset arithmetic in the package
// goes through layout; nothing else computes raw offsets into the buffer.
type layout struct {
	capacity    uintptr
	keyWidth    uintptr
	elementSize uintptr
	nodeSize    uintptr
	// valueStart is the offset of the value within a node.
	valueStart uintptr
}

func makeLayout(keyWidth, elementSize, capacity uintptr) layout {
	align := max(elementSize, keyWidth)
	return layout{
		capacity:    capacity,
		keyWidth:    keyWidth,
		elementSize: elementSize,
		nodeSize:    alignUp(elementSize+keyWidth, align),
		valueStart:  align,
	}
}

// alignUp rounds n up to the next multiple of align. Element sizes are not
// required to be powers of two so this divides rather than masks.
func alignUp(n, align uintptr) uintptr {
	return ((n + align - 1) / align) * align
}

// bufferSize returns the number of bytes needed for the control and node
// regions, or ok=false if that overflows.
func (l layout) bufferSize() (size uintptr, ok bool) {
	hi, nodes := bits.Mul(uint(l.capacity), uint(l.nodeSize))
	if hi != 0 {
		return 0, false
	}
	total, carry := bits.Add(nodes, uint(l.capacity), 0)
	if carry != 0 {
		return 0, false
	}
	return uintptr(total), true
}

// ctrlOffset returns the offset of the control byte for slot i.
func (l layout) ctrlOffset(i uintptr) uintptr {
	return i
}

// nodeOffset returns the offset of the node for slot i.
func (l layout) nodeOffset(i uintptr) uintptr {
	return l.capacity + i*l.nodeSize
}

func (l layout) keyOffset(i uintptr) uintptr {
	return l.nodeOffset(i)
}

func (l layout) valueOffset(i uintptr) uintptr {
	return l.nodeOffset(i) + l.valueStart
}

// ctrl returns the control byte for slot i of buf.
func (l layout) ctrl(buf []byte, i uintptr) ctrl {
	return ctrl(buf[l.ctrlOffset(i)])
}

func (l layout) setCtrl(buf []byte, i uintptr, c ctrl) {
	buf[l.ctrlOffset(i)] = byte(c)
}

// value returns the value sub-slot of slot i. The returned slice aliases buf
// and is capped so that appending to it cannot clobber the next node.
func (l layout) value(buf []byte, i uintptr) []byte {
	off := l.valueOffset(i)
	return buf[off : off+l.elementSize : off+l.elementSize]
}

// loadKey reads the key stored in slot i of buf. Keys are stored
// little-endian so the encoding does not depend on the alignment of buffers
// handed out by a custom Allocator.
func loadKey[K Key](l layout, buf []byte, i uintptr) K {
	off := l.keyOffset(i)
	if l.keyWidth == 4 {
		return K(binary.LittleEndian.Uint32(buf[off:]))
	}
	return K(binary.LittleEndian.Uint64(buf[off:]))
}

func storeKey[K Key](l layout, buf []byte, i uintptr, key K) {
	off := l.keyOffset(i)
	if l.keyWidth == 4 {
		binary.LittleEndian.PutUint32(buf[off:], uint32(key))
		return
	}
	binary.LittleEndian.PutUint64(buf[off:], uint64(key))
}
