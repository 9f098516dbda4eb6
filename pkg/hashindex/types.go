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
	"github.com/matrixorigin/hybridjoin/pkg/common/bloomfilter"
	"github.com/matrixorigin/hybridjoin/pkg/container/tuple"
)

const (
	// checkInterval is how many build tuples are read between two
	// cancellation checks.
	checkInterval = 1024

	empty = int32(-1)
)

// Index is a bucketed, chained hash index over one slice of the build
// relation. Tuples live in an arena; a bucket is the chain heads[b],
// next[heads[b]], ... of arena positions, in insertion order.
//
// An Index is read-only once built and may be probed concurrently.
type Index struct {
	bucketCount uint64
	heads       []int32
	next        []int32
	arena       []tuple.Tuple

	// slice is the generation slice this index covers, skipped the number
	// of build tuples that precede it.
	slice   int
	skipped int

	// remaining counts build tuples after this slice; remainder holds
	// their keys. Both are zero/nil for a complete index.
	remaining int
	remainder *bloomfilter.BloomFilter
}

// Builder constructs an Index from a build source.
type Builder struct {
	// BucketCount fixes the number of buckets. 0 sizes the index from a
	// HyperLogLog estimate of the distinct keys divided by LoadFactor.
	BucketCount int
	LoadFactor  float64

	// Budget is the most build tuples one Index may hold; 0 is unbounded.
	Budget int

	// FalsePositive is the false positive rate of the remainder filter.
	FalsePositive float64

	// RemainderHint sizes the remainder filter. 0 derives it from Budget.
	RemainderHint int64
}
