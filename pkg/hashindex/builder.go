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
	"context"
	"math"

	"github.com/axiomhq/hyperloglog"

	"github.com/matrixorigin/hybridjoin/pkg/common/bloomfilter"
	"github.com/matrixorigin/hybridjoin/pkg/common/hjerr"
	"github.com/matrixorigin/hybridjoin/pkg/container/tuple"
	"github.com/matrixorigin/hybridjoin/pkg/source"
)

const defaultFalsePositive = 0.001

// Build indexes the whole build relation. It fails with CapacityExceeded
// once the relation holds more than Budget tuples; the caller then falls
// back to BuildSlice.
func (b *Builder) Build(ctx context.Context, src source.BuildSource) (*Index, error) {
	if err := b.validate(ctx); err != nil {
		return nil, err
	}
	it, err := src.Open(ctx)
	if err != nil {
		return nil, err
	}
	defer it.Close()

	var arena []tuple.Tuple
	sketch := b.newSketch()
	for n := 0; ; n++ {
		if n%checkInterval == 0 {
			if err := ctx.Err(); err != nil {
				return nil, hjerr.ConvertGoError(ctx, err)
			}
		}
		t, ok, err := it.Next(ctx)
		if err != nil {
			return nil, hjerr.ConvertGoError(ctx, err)
		}
		if !ok {
			break
		}
		if b.Budget > 0 && len(arena) >= b.Budget {
			return nil, hjerr.NewCapacityExceeded(ctx, b.Budget)
		}
		arena = append(arena, t)
		b.observe(sketch, t.Key)
	}
	return newIndex(arena, b.bucketCount(sketch, len(arena))), nil
}

// BuildSlice indexes the slice-th run of Budget build tuples. The keys of
// all build tuples after the slice go into the remainder filter so probes
// can tell whether a key may still match in a later slice.
func (b *Builder) BuildSlice(ctx context.Context, src source.BuildSource, slice int) (*Index, error) {
	if err := b.validate(ctx); err != nil {
		return nil, err
	}
	if slice < 0 {
		return nil, hjerr.NewInvalidInput(ctx, "negative slice %d", slice)
	}
	if b.Budget == 0 && slice > 0 {
		return nil, hjerr.NewInvalidInput(ctx, "slice %d of an unbounded build", slice)
	}
	it, err := src.Open(ctx)
	if err != nil {
		return nil, err
	}
	defer it.Close()

	skip := slice * b.Budget
	var (
		arena     []tuple.Tuple
		remainder *bloomfilter.BloomFilter
		skipped   int
		remaining int
	)
	sketch := b.newSketch()
	for n := 0; ; n++ {
		if n%checkInterval == 0 {
			if err := ctx.Err(); err != nil {
				return nil, hjerr.ConvertGoError(ctx, err)
			}
		}
		t, ok, err := it.Next(ctx)
		if err != nil {
			return nil, hjerr.ConvertGoError(ctx, err)
		}
		if !ok {
			break
		}
		switch {
		case skipped < skip:
			skipped++
		case b.Budget == 0 || len(arena) < b.Budget:
			arena = append(arena, t)
			b.observe(sketch, t.Key)
		default:
			if remainder == nil {
				remainder = bloomfilter.New(b.remainderHint(), b.falsePositive())
			}
			remainder.Add(t.Key)
			remaining++
		}
	}

	idx := newIndex(arena, b.bucketCount(sketch, len(arena)))
	idx.slice = slice
	idx.skipped = skipped
	idx.remaining = remaining
	idx.remainder = remainder
	return idx, nil
}

func (b *Builder) validate(ctx context.Context) error {
	if b.BucketCount < 0 {
		return hjerr.NewInvalidInput(ctx, "bucket count must be positive, got %d", b.BucketCount)
	}
	if b.BucketCount == 0 && b.LoadFactor <= 0 {
		return hjerr.NewInvalidInput(ctx, "automatic bucket sizing needs a positive load factor")
	}
	if b.Budget < 0 {
		return hjerr.NewInvalidInput(ctx, "negative budget %d", b.Budget)
	}
	return nil
}

func (b *Builder) newSketch() *hyperloglog.Sketch {
	if b.BucketCount > 0 {
		return nil
	}
	return hyperloglog.New()
}

func (b *Builder) observe(sketch *hyperloglog.Sketch, key tuple.Key) {
	if sketch == nil {
		return
	}
	sketch.Insert(key.AppendBytes(nil))
}

func (b *Builder) bucketCount(sketch *hyperloglog.Sketch, n int) uint64 {
	if b.BucketCount > 0 {
		return uint64(b.BucketCount)
	}
	distinct := float64(sketch.Estimate())
	if n == 0 {
		distinct = 0
	}
	count := uint64(math.Ceil(distinct / b.LoadFactor))
	if count == 0 {
		count = 1
	}
	return count
}

func (b *Builder) falsePositive() float64 {
	if b.FalsePositive <= 0 || b.FalsePositive >= 1 {
		return defaultFalsePositive
	}
	return b.FalsePositive
}

func (b *Builder) remainderHint() int64 {
	if b.RemainderHint > 0 {
		return b.RemainderHint
	}
	return int64(b.Budget) * 4
}
