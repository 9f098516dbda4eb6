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

package bloomfilter

import (
	"math"

	"github.com/RoaringBitmap/roaring/roaring64"
	"github.com/cespare/xxhash/v2"
	"github.com/matrixorigin/hybridjoin/pkg/container/tuple"
)

// BloomFilter is a bloom filter over join keys. The bit set is a roaring
// bitmap, so memory grows with the number of set bits rather than with
// nbits, and a generous nbits costs little.
type BloomFilter struct {
	bitmap  *roaring64.Bitmap
	nbits   uint64
	k       uint32
	keyBuf  []byte
	addVals []uint64
}

func computeMemAndHashCount(rowCount int64, probability float64) (uint64, uint32) {
	k := 1
	if rowCount < 10_0001 {
		k = 1
	} else if rowCount < 1000_0001 {
		k = 2
	} else {
		k = 3
	}
	k *= 3
	mFloat := -float64(k) * float64(rowCount) / math.Log(1-math.Pow(probability, 1.0/float64(k)))
	m := uint64(mFloat)
	if m < 64 {
		m = 64
	}
	return m, uint32(k)
}

// New returns a filter sized for rowCount keys at the given false positive
// probability. Adding more keys than rowCount only raises the false positive
// rate.
func New(rowCount int64, probability float64) *BloomFilter {
	if rowCount <= 0 {
		rowCount = 2
	}
	nbits, k := computeMemAndHashCount(rowCount, probability)
	return NewWithSize(nbits, k)
}

func NewWithSize(nbits uint64, k uint32) *BloomFilter {
	return &BloomFilter{
		bitmap:  roaring64.New(),
		nbits:   nbits,
		k:       k,
		addVals: make([]uint64, k),
	}
}

func (bf *BloomFilter) Clean() {
	bf.bitmap.Clear()
	bf.keyBuf = nil
}

// indexes uses double hashing, idx_i = h1 + i*h2 mod nbits.
func (bf *BloomFilter) indexes(key tuple.Key) []uint64 {
	bf.keyBuf = key.AppendBytes(bf.keyBuf[:0])
	h1 := xxhash.Sum64(bf.keyBuf)
	h2 := h1>>33 | h1<<31
	h2 |= 1
	for i := uint32(0); i < bf.k; i++ {
		bf.addVals[i] = (h1 + uint64(i)*h2) % bf.nbits
	}
	return bf.addVals
}

func (bf *BloomFilter) Add(key tuple.Key) {
	bf.bitmap.AddMany(bf.indexes(key))
}

// Test reports whether key may have been added. A false result is exact.
func (bf *BloomFilter) Test(key tuple.Key) bool {
	for _, v := range bf.indexes(key) {
		if !bf.bitmap.Contains(v) {
			return false
		}
	}
	return true
}

// Size returns the in-memory size of the bit set in bytes.
func (bf *BloomFilter) Size() uint64 {
	return bf.bitmap.GetSizeInBytes()
}
