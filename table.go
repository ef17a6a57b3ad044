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

// Package umap implements an unordered map from fixed-width unsigned integer
// keys to fixed-size values, using a simplified Swiss table layout as
// described in https://abseil.io/about/design/swisstables.
//
// # Layout
//
// A Table owns a single contiguous buffer split into a control region of N
// bytes followed by N fixed-size nodes, where N is a power of two. Each node
// holds a key and a value. Every slot has a control byte that is either empty,
// deleted (a tombstone), or full. A full control byte holds the low 7 bits of
// hash(key), the "h2" tag, so a probe can reject most non-matching slots
// without touching the node region. See ctrl for the bit patterns.
//
// # Probing
//
// A probe starts at bucket h1(hash(key)) & (N-1) and walks forward one slot at
// a time, wrapping at N. Insert claims the first empty slot. Find and Delete
// compare the stored key on every slot whose control byte equals h2 and stop
// at the first empty slot. Tombstones never stop a probe, and they are never
// reused by Insert: they count against the load factor until the next resize
// drops them.
//
// # Growth
//
// Before an insert that would bring (full+deleted)/N to 7/8, the table is
// rebuilt at double the capacity with every full slot reinserted. This is the
// only operation that reallocates the buffer, and therefore the only one that
// invalidates values returned by Find and live Iterators. There is no shrink
// path.
//
// # Duplicates
//
// Insert does not look for an existing entry with the same key. Inserting a
// key twice stores two independent entries; Find returns whichever one the
// probe sequence reaches first and Delete removes only that one.
//
// A Table is NOT goroutine-safe.
package umap

import (
	"fmt"
	"math"
	"strings"

	"github.com/pkg/errors"
)

const (
	debug = false

	defaultCapacity = 8

	// The table grows before an insert would bring loadCount/capacity to
	// maxLoadNum/maxLoadDen.
	maxLoadNum = 7
	maxLoadDen = 8

	ctrlEmpty   ctrl = 0b10000000
	ctrlDeleted ctrl = 0b11111110
)

// ErrAllocationFailed is returned when a Table cannot obtain a buffer for its
// initial or grown capacity, either because the Allocator declined or because
// the capacity exceeds what the key type can address.
var ErrAllocationFailed = errors.New("umap: allocation failed")

// Table is an unordered map from keys of type K to values of a fixed number
// of bytes, chosen when the Table is created. Values are plain data: they are
// copied in and out of the table byte for byte and must not hold Go pointers.
//
// A Table is NOT goroutine-safe.
type Table[K Key] struct {
	hash func(key K) uint64
	// The allocator to use for the buffer.
	allocator Allocator
	layout    layout
	// buf holds the control region followed by the node region. See layout.
	buf []byte
	// The number of full slots (i.e. the number of entries in the table).
	used int
	// The number of full and deleted slots. Tombstones are counted so that a
	// table filling up with them still grows (and is purged of them) rather
	// than leaving probe sequences to get unacceptably long.
	loadCount int
}

// New constructs a new Table holding values of elementSize bytes. The table
// starts out with a capacity of 8 unless WithCapacity is given.
func New[K Key](elementSize int, options ...option[K]) (*Table[K], error) {
	if elementSize <= 0 {
		return nil, errors.Errorf("umap: invalid element size %d", elementSize)
	}

	t := &Table[K]{
		hash:      FNV1a[K],
		allocator: defaultAllocator{},
		layout:    makeLayout(keyWidth[K](), uintptr(elementSize), defaultCapacity),
	}
	for _, op := range options {
		op.apply(t)
	}

	if c := maxCapacity[K](); t.layout.capacity > c {
		return nil, errors.Wrapf(ErrAllocationFailed, "capacity %d exceeds maximum %d",
			t.layout.capacity, c)
	}
	buf, err := t.allocBuffer(t.layout)
	if err != nil {
		return nil, err
	}
	t.buf = buf

	t.checkInvariants()
	return t, nil
}

// Close closes the table, releasing its buffer back to the configured
// allocator. It is unnecessary to close a table using the default allocator.
// Close itself is idempotent. A closed table is empty: Find and Delete miss,
// and the next Insert allocates a fresh buffer, regrowing from capacity 1.
func (t *Table[K]) Close() {
	if t.buf != nil {
		t.allocator.Free(t.buf)
	}
	t.buf = nil
	t.layout.capacity = 0
	t.used = 0
	t.loadCount = 0
}

// Insert adds an entry for key holding a copy of value. It does not check for
// an existing entry with the same key; see the package documentation.
//
// If the table has to grow and the new buffer cannot be allocated, Insert
// returns an error wrapping ErrAllocationFailed and the table is left exactly
// as it was. A successful Insert may have grown the table, which invalidates
// every value slice and Iterator obtained before it.
//
// value should be ElementSize bytes long. A shorter value leaves the
// remaining bytes of the stored value unspecified; a longer one is truncated.
func (t *Table[K]) Insert(key K, value []byte) error {
	// A closed table regrows from capacity 1, which may need a second step.
	for t.needsGrowth() {
		nt, err := t.resize(2 * t.layout.capacity)
		if err != nil {
			return err
		}
		*t = *nt
	}

	t.uncheckedInsert(t.hash(key), key, value)
	t.checkInvariants()
	return nil
}

// Find returns the value stored for key, or ok=false if the key is not
// present. The returned slice aliases the table's storage: writes through it
// update the stored value, and it is invalidated by any Insert that grows the
// table, by Clear and by Close.
func (t *Table[K]) Find(key K) (value []byte, ok bool) {
	i, ok := t.find(key, t.hash(key))
	if !ok {
		return nil, false
	}
	return t.layout.value(t.buf, i), true
}

// Delete removes one entry for key and reports whether one was found. The
// slot is marked as a tombstone: it keeps counting against the load factor
// so that probe chains passing through it stay intact until the next resize.
func (t *Table[K]) Delete(key K) bool {
	i, ok := t.find(key, t.hash(key))
	if !ok {
		if debug {
			fmt.Printf("delete(%v): not-found\n", key)
		}
		return false
	}

	t.layout.setCtrl(t.buf, i, ctrlDeleted)
	t.used--
	if debug {
		fmt.Printf("delete(%v): index=%d used=%d load=%d\n", key, i, t.used, t.loadCount)
	}
	t.checkInvariants()
	return true
}

// Clear removes all entries from the table. The capacity is retained.
//
// NB: the load count is not reset. Slots that held entries or tombstones
// before Clear still count against the load factor, so a cleared table may
// grow on a later Insert before it has been refilled. The growth purges the
// stale count.
func (t *Table[K]) Clear() {
	for i := uintptr(0); i < t.layout.capacity; i++ {
		t.layout.setCtrl(t.buf, i, ctrlEmpty)
	}
	t.used = 0
	t.checkInvariants()
}

// Len returns the number of entries in the table.
func (t *Table[K]) Len() int {
	return t.used
}

// ElementSize returns the size in bytes of the values stored in the table.
func (t *Table[K]) ElementSize() int {
	return int(t.layout.elementSize)
}

// capacity returns the number of slots in the table.
func (t *Table[K]) capacity() int {
	return int(t.layout.capacity)
}

// needsGrowth returns true if inserting one more entry would bring the load
// factor to maxLoadNum/maxLoadDen or above. Checking ahead of the insert
// keeps at least one empty slot in the table at all times, which is what
// terminates probes for absent keys.
func (t *Table[K]) needsGrowth() bool {
	return uintptr(t.loadCount+1)*maxLoadDen >= t.layout.capacity*maxLoadNum
}

// find returns the index of the first slot on key's probe sequence holding
// key, or ok=false if the sequence reaches an empty slot first.
func (t *Table[K]) find(key K, h uint64) (i uintptr, ok bool) {
	seq := makeProbeSeq(h1(h), t.layout.capacity)
	if debug {
		fmt.Printf("find(%v): %s\n", key, seq)
	}

	for ; seq.index < seq.capacity; seq = seq.next() {
		c := t.layout.ctrl(t.buf, seq.offset)
		if c == h2(h) {
			if debug {
				fmt.Printf("find(checking): index=%d  key=%v\n",
					seq.offset, loadKey[K](t.layout, t.buf, seq.offset))
			}
			if loadKey[K](t.layout, t.buf, seq.offset) == key {
				return seq.offset, true
			}
		} else if c == ctrlEmpty {
			if debug {
				fmt.Printf("find(not-found): index=%d\n", seq.offset)
			}
			return 0, false
		}
	}
	return 0, false
}

// uncheckedInsert stores an entry in the first empty slot of key's probe
// sequence. The caller must have ensured there is room; tombstones are
// skipped, never reused.
func (t *Table[K]) uncheckedInsert(h uint64, key K, value []byte) {
	seq := makeProbeSeq(h1(h), t.layout.capacity)
	if debug {
		fmt.Printf("insert(%v): %s\n", key, seq)
	}

	for ; ; seq = seq.next() {
		if t.layout.ctrl(t.buf, seq.offset) != ctrlEmpty {
			continue
		}
		i := seq.offset
		storeKey(t.layout, t.buf, i, key)
		copy(t.layout.value(t.buf, i), value)
		t.layout.setCtrl(t.buf, i, h2(h))
		t.used++
		t.loadCount++
		if debug {
			fmt.Printf("insert(inserting): index=%d used=%d load=%d\n", i, t.used, t.loadCount)
		}
		return
	}
}

// resize builds a new table with the specified capacity and reinserts every
// full slot of t into it, recomputing each probe position from scratch.
// Empty and deleted slots are skipped, so the new table has no tombstones and
// its load count equals its length. On success the old buffer has been
// released and t must be replaced by the returned table. On failure t is
// unchanged.
func (t *Table[K]) resize(newCapacity uintptr) (*Table[K], error) {
	if newCapacity == 0 {
		newCapacity = 1
	}
	if c := maxCapacity[K](); newCapacity > c {
		return nil, errors.Wrapf(ErrAllocationFailed, "resize: capacity %d exceeds maximum %d",
			newCapacity, c)
	}

	nt := &Table[K]{
		hash:      t.hash,
		allocator: t.allocator,
		layout:    t.layout,
	}
	nt.layout.capacity = newCapacity
	buf, err := nt.allocBuffer(nt.layout)
	if err != nil {
		return nil, errors.WithMessagef(err, "resize: capacity %d->%d", t.layout.capacity, newCapacity)
	}
	nt.buf = buf

	if debug {
		fmt.Printf("resize: capacity=%d->%d  used=%d load=%d\n",
			t.layout.capacity, newCapacity, t.used, t.loadCount)
	}

	for i := uintptr(0); i < t.layout.capacity; i++ {
		if !t.layout.ctrl(t.buf, i).isFull() {
			continue
		}
		key := loadKey[K](t.layout, t.buf, i)
		nt.uncheckedInsert(nt.hash(key), key, t.layout.value(t.buf, i))
	}

	if t.buf != nil {
		t.allocator.Free(t.buf)
	}
	nt.checkInvariants()
	return nt, nil
}

// allocBuffer allocates a buffer for l with every control byte set to empty.
func (t *Table[K]) allocBuffer(l layout) ([]byte, error) {
	size, ok := l.bufferSize()
	if !ok || size > math.MaxInt {
		return nil, errors.Wrapf(ErrAllocationFailed, "capacity %d overflows the buffer size", l.capacity)
	}
	buf := t.allocator.Alloc(int(size))
	if uintptr(len(buf)) < size {
		if buf != nil {
			t.allocator.Free(buf)
		}
		return nil, errors.Wrapf(ErrAllocationFailed, "allocating %d bytes", size)
	}
	buf = buf[:size]
	for i := uintptr(0); i < l.capacity; i++ {
		l.setCtrl(buf, i, ctrlEmpty)
	}
	return buf, nil
}

func (t *Table[K]) checkInvariants() {
	if invariants {
		capacity := t.layout.capacity
		if capacity&(capacity-1) != 0 {
			panic(fmt.Sprintf("invariant failed: capacity %d is not a power of 2", capacity))
		}
		if t.used > t.loadCount || uintptr(t.loadCount) > capacity {
			panic(fmt.Sprintf("invariant failed: used=%d load=%d capacity=%d",
				t.used, t.loadCount, capacity))
		}
		if capacity > 0 && uintptr(t.loadCount)*maxLoadDen >= capacity*maxLoadNum {
			panic(fmt.Sprintf("invariant failed: load=%d capacity=%d exceeds max load factor\n%s",
				t.loadCount, capacity, t.debugString()))
		}

		// For every full slot, verify its tag matches its key and that the
		// slot is reachable from the key's probe start without crossing an
		// empty slot. Count the number of full and deleted slots.
		var used, deleted int
		for i := uintptr(0); i < capacity; i++ {
			c := t.layout.ctrl(t.buf, i)
			switch {
			case c == ctrlDeleted:
				deleted++
			case c == ctrlEmpty:
			case !c.isFull():
				panic(fmt.Sprintf("invariant failed: ctrl(%d): unexpected %02x", i, uint8(c)))
			default:
				key := loadKey[K](t.layout, t.buf, i)
				h := t.hash(key)
				if c != h2(h) {
					panic(fmt.Sprintf("invariant failed: slot(%d): ctrl=%02x h2=%02x\n%s",
						i, uint8(c), uint8(h2(h)), t.debugString()))
				}
				for seq := makeProbeSeq(h1(h), capacity); seq.offset != i; seq = seq.next() {
					if t.layout.ctrl(t.buf, seq.offset) == ctrlEmpty {
						panic(fmt.Sprintf("invariant failed: slot(%d): %v not reachable [h1=%07x]\n%s",
							i, key, h1(h), t.debugString()))
					}
				}
				used++
			}
		}

		if used != t.used {
			panic(fmt.Sprintf("invariant failed: found %d used slots, but used count is %d\n%s",
				used, t.used, t.debugString()))
		}
		if used+deleted > t.loadCount {
			panic(fmt.Sprintf("invariant failed: found %d used and %d deleted slots, but load count is %d\n%s",
				used, deleted, t.loadCount, t.debugString()))
		}
	}
}

func (t *Table[K]) debugString() string {
	var buf strings.Builder
	fmt.Fprintf(&buf, "capacity=%d  used=%d  load=%d\n", t.layout.capacity, t.used, t.loadCount)
	for i := uintptr(0); i < t.layout.capacity; i++ {
		switch c := t.layout.ctrl(t.buf, i); c {
		case ctrlEmpty, ctrlDeleted:
			fmt.Fprintf(&buf, "  %4d: %s\n", i, c)
		default:
			key := loadKey[K](t.layout, t.buf, i)
			fmt.Fprintf(&buf, "  %4d: %v [ctrl=%02x h2=%02x]\n", i, key, uint8(c), uint8(h2(t.hash(key))))
		}
	}
	return buf.String()
}

// Each slot in the table has a control byte which can have one of three
// states: empty, deleted and full. They have the following bit patterns:
//
//	  empty: 1 0 0 0 0 0 0 0
//	deleted: 1 1 1 1 1 1 1 0
//	   full: 0 h h h h h h h  // h represents the H2 hash bits
//
// The high bit alone separates full slots from vacant ones. A probe for an
// absent key stops only at empty; deleted is distinct from empty and from
// every full tag.
type ctrl uint8

// isFull returns true if the control byte marks a slot holding an entry.
func (c ctrl) isFull() bool {
	return c&ctrlEmpty == 0
}

func (c ctrl) String() string {
	switch c {
	case ctrlEmpty:
		return "empty"
	case ctrlDeleted:
		return "deleted"
	}
	if c.isFull() {
		return fmt.Sprintf("full(%02x)", uint8(c))
	}
	return fmt.Sprintf("invalid(%02x)", uint8(c))
}

// probeSeq maintains the state for a linear probe sequence. The sequence
// starts at hash mod capacity and steps forward one slot at a time, wrapping
// at capacity, so it visits every slot exactly once in capacity steps.
type probeSeq struct {
	capacity uintptr
	offset   uintptr
	index    uintptr
}

func makeProbeSeq(hash, capacity uintptr) probeSeq {
	return probeSeq{
		capacity: capacity,
		offset:   hash & (capacity - 1),
		index:    0,
	}
}

func (s probeSeq) next() probeSeq {
	s.index++
	s.offset = (s.offset + 1) & (s.capacity - 1)
	return s
}

func (s probeSeq) String() string {
	return fmt.Sprintf("capacity=%d offset=%d index=%d", s.capacity, s.offset, s.index)
}
