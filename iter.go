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

// Iterator is a forward-only cursor over the entries of a Table. Entries are
// visited in ascending slot order, which depends only on where keys landed in
// the control array, not on insertion order or key order. An Iterator cannot
// be restarted; obtain a new one from Table.Iter.
//
// An Iterator captures the table's buffer when it is created. Any Insert that
// grows the table replaces that buffer, after which the Iterator must not be
// used. This is not detected.
type Iterator[K Key] struct {
	layout layout
	buf    []byte
	// next is the slot to examine on the next call to Next.
	next  uintptr
	key   K
	value []byte
}

// Iter returns an Iterator positioned before the first entry of the table.
func (t *Table[K]) Iter() Iterator[K] {
	return Iterator[K]{
		layout: t.layout,
		buf:    t.buf,
	}
}

// Next advances the iterator to the next entry and reports whether there was
// one. Once Next has returned false it keeps returning false.
func (it *Iterator[K]) Next() bool {
	for it.next < it.layout.capacity {
		i := it.next
		it.next++
		// Match full entries which have a high-bit of zero.
		if it.layout.ctrl(it.buf, i).isFull() {
			it.key = loadKey[K](it.layout, it.buf, i)
			it.value = it.layout.value(it.buf, i)
			return true
		}
	}
	var zero K
	it.key, it.value = zero, nil
	return false
}

// Key returns the key of the current entry.
func (it *Iterator[K]) Key() K {
	return it.key
}

// Value returns the value of the current entry. The slice aliases the table's
// storage, as with Table.Find.
func (it *Iterator[K]) Value() []byte {
	return it.value
}

// All calls yield sequentially for each key and value present in the table.
// If yield returns false, All stops the iteration. The signature conforms to
// the range-over-function proposal, so on Go 1.23 and later a table can be
// iterated with:
//
//	for k, v := range t.All {
//	  fmt.Printf("%v: %x\n", k, v)
//	}
//
// All iterates a snapshot of the buffer taken when it is called, with the
// same caveat as Iterator: yield must not grow the table.
func (t *Table[K]) All(yield func(key K, value []byte) bool) {
	it := t.Iter()
	for it.Next() {
		if !yield(it.Key(), it.Value()) {
			return
		}
	}
}
