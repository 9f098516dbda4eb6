// Copyright 2024 Matrix Origin
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package hashindex

import (
	"github.com/matrixorigin/hybridjoin/pkg/container/tuple"
)

func newIndex(arena []tuple.Tuple, bucketCount uint64) *Index {
	idx := &Index{
		bucketCount: bucketCount,
		heads:       make([]int32, bucketCount),
		next:        make([]int32, len(arena)),
		arena:       arena,
	}
	tails := make([]int32, bucketCount)
	for i := range idx.heads {
		idx.heads[i] = empty
		tails[i] = empty
	}
	for i := range arena {
		pos := int32(i)
		slot := idx.Slot(arena[i].Key)
		idx.next[pos] = empty
		if tails[slot] == empty {
			idx.heads[slot] = pos
		} else {
			idx.next[tails[slot]] = pos
		}
		tails[slot] = pos
	}
	return idx
}

// Slot returns hash(key) mod bucketCount.
func (idx *Index) Slot(key tuple.Key) uint64 {
	return key.Hash() % idx.bucketCount
}

// Lookup calls fn for every build tuple whose key equals key, in chain
// order, and returns how many there were. A NULL key matches nothing.
func (idx *Index) Lookup(key tuple.Key, fn func(build *tuple.Tuple)) int {
	if key.IsNull() {
		return 0
	}
	n := 0
	for pos := idx.heads[idx.Slot(key)]; pos != empty; pos = idx.next[pos] {
		bt := &idx.arena[pos]
		if bt.Key != key {
			continue
		}
		n++
		if fn != nil {
			fn(bt)
		}
	}
	return n
}

// Bucket returns the build tuples chained in bucket slot, in chain order.
func (idx *Index) Bucket(slot uint64) []tuple.Tuple {
	var out []tuple.Tuple
	for pos := idx.heads[slot]; pos != empty; pos = idx.next[pos] {
		out = append(out, idx.arena[pos])
	}
	return out
}

// ChainLen returns the number of build tuples in bucket slot.
func (idx *Index) ChainLen(slot uint64) int {
	n := 0
	for pos := idx.heads[slot]; pos != empty; pos = idx.next[pos] {
		n++
	}
	return n
}

func (idx *Index) BucketCount() int {
	return int(idx.bucketCount)
}

// Len returns the number of indexed build tuples.
func (idx *Index) Len() int {
	return len(idx.arena)
}

// Partial reports whether build tuples exist beyond this index's slice.
func (idx *Index) Partial() bool {
	return idx.remaining > 0
}

func (idx *Index) Slice() int {
	return idx.slice
}

// Skipped returns the number of build tuples before this slice.
func (idx *Index) Skipped() int {
	return idx.skipped
}

// Remaining returns the number of build tuples after this slice.
func (idx *Index) Remaining() int {
	return idx.remaining
}

// MaybeRemaining reports whether key may occur among the build tuples
// after this slice. It never returns false for a key that does.
func (idx *Index) MaybeRemaining(key tuple.Key) bool {
	if idx.remaining == 0 {
		return false
	}
	return idx.remainder.Test(key)
}

// RemainderSize returns the bytes held by the remainder filter, 0 for a
// complete index.
func (idx *Index) RemainderSize() uint64 {
	if idx.remainder == nil {
		return 0
	}
	return idx.remainder.Size()
}

// Free drops the arena and chains so the slice can be collected before
// the next one is built.
func (idx *Index) Free() {
	idx.heads = nil
	idx.next = nil
	idx.arena = nil
	if idx.remainder != nil {
		idx.remainder.Clean()
		idx.remainder = nil
	}
}
