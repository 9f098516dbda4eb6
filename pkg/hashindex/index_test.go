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
	"strconv"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/matrixorigin/hybridjoin/pkg/common/hjerr"
	"github.com/matrixorigin/hybridjoin/pkg/container/tuple"
	"github.com/matrixorigin/hybridjoin/pkg/source"
)

func buildTuple(k int64, v string) tuple.Tuple {
	return tuple.Tuple{Key: tuple.IntKey(k), Payload: tuple.Payload{{Name: "val", Value: v}}}
}

func values(idx *Index, key tuple.Key) []string {
	var out []string
	idx.Lookup(key, func(bt *tuple.Tuple) {
		v, _ := bt.Payload.Get("val")
		out = append(out, v)
	})
	return out
}

func TestBuildChainsInInsertionOrder(t *testing.T) {
	src := source.NewSliceSource([]tuple.Tuple{
		buildTuple(1, "A"), buildTuple(1, "B"), buildTuple(2, "C"),
	})
	b := &Builder{BucketCount: 4}
	idx, err := b.Build(context.Background(), src)
	require.NoError(t, err)

	require.Equal(t, 4, idx.BucketCount())
	require.Equal(t, 3, idx.Len())
	require.False(t, idx.Partial())
	require.Equal(t, []string{"A", "B"}, values(idx, tuple.IntKey(1)))
	require.Equal(t, []string{"C"}, values(idx, tuple.IntKey(2)))
	require.Nil(t, values(idx, tuple.IntKey(3)))
	require.Zero(t, idx.Lookup(tuple.StringKey("1"), nil))
	require.Zero(t, idx.Lookup(tuple.Key{}, nil))

	// every build tuple sits in exactly one bucket
	total := 0
	for slot := 0; slot < idx.BucketCount(); slot++ {
		chain := idx.Bucket(uint64(slot))
		require.Equal(t, len(chain), idx.ChainLen(uint64(slot)))
		for _, bt := range chain {
			require.Equal(t, uint64(slot), idx.Slot(bt.Key))
		}
		total += len(chain)
	}
	require.Equal(t, 3, total)
}

func TestBuildSingleBucket(t *testing.T) {
	var tuples []tuple.Tuple
	for i := 0; i < 50; i++ {
		tuples = append(tuples, buildTuple(int64(i%5), strconv.Itoa(i)))
	}
	idx, err := (&Builder{BucketCount: 1}).Build(context.Background(), source.NewSliceSource(tuples))
	require.NoError(t, err)
	require.Equal(t, 50, idx.ChainLen(0))
	require.Equal(t, []string{"3", "8", "13", "18", "23", "28", "33", "38", "43", "48"}, values(idx, tuple.IntKey(3)))
}

func TestBuildCapacityExceeded(t *testing.T) {
	src := source.NewSliceSource([]tuple.Tuple{
		buildTuple(1, "A"), buildTuple(2, "B"), buildTuple(3, "C"),
	})
	_, err := (&Builder{BucketCount: 4, Budget: 2}).Build(context.Background(), src)
	require.True(t, hjerr.IsErrCode(err, hjerr.ErrCapacityExceeded))

	idx, err := (&Builder{BucketCount: 4, Budget: 3}).Build(context.Background(), src)
	require.NoError(t, err)
	require.Equal(t, 3, idx.Len())
}

func TestBuildSlice(t *testing.T) {
	src := source.NewSliceSource([]tuple.Tuple{
		buildTuple(1, "A"), buildTuple(2, "B"), buildTuple(1, "C"),
		buildTuple(3, "D"), buildTuple(4, "E"),
	})
	b := &Builder{BucketCount: 8, Budget: 2, FalsePositive: 0.0001}
	ctx := context.Background()

	first, err := b.BuildSlice(ctx, src, 0)
	require.NoError(t, err)
	require.True(t, first.Partial())
	require.Equal(t, 0, first.Skipped())
	require.Equal(t, 3, first.Remaining())
	require.Equal(t, []string{"A"}, values(first, tuple.IntKey(1)))
	require.True(t, first.MaybeRemaining(tuple.IntKey(1)))
	require.True(t, first.MaybeRemaining(tuple.IntKey(3)))
	require.True(t, first.MaybeRemaining(tuple.IntKey(4)))
	require.Greater(t, first.RemainderSize(), uint64(0))

	second, err := b.BuildSlice(ctx, src, 1)
	require.NoError(t, err)
	require.True(t, second.Partial())
	require.Equal(t, 2, second.Skipped())
	require.Equal(t, []string{"C"}, values(second, tuple.IntKey(1)))
	require.Equal(t, []string{"D"}, values(second, tuple.IntKey(3)))

	last, err := b.BuildSlice(ctx, src, 2)
	require.NoError(t, err)
	require.False(t, last.Partial())
	require.Equal(t, 1, last.Len())
	require.False(t, last.MaybeRemaining(tuple.IntKey(1)))
	require.Zero(t, last.RemainderSize())
	require.Equal(t, 3, src.Opens())

	last.Free()
	require.Zero(t, last.Len())
}

func TestBuildAutoBuckets(t *testing.T) {
	var tuples []tuple.Tuple
	for i := 0; i < 1000; i++ {
		tuples = append(tuples, buildTuple(int64(i), "v"))
	}
	b := &Builder{LoadFactor: 2}
	idx, err := b.Build(context.Background(), source.NewSliceSource(tuples))
	require.NoError(t, err)
	// HyperLogLog is within a few percent at this cardinality
	require.InDelta(t, 500, idx.BucketCount(), 50)
	for i := 0; i < 1000; i += 97 {
		require.Equal(t, 1, idx.Lookup(tuple.IntKey(int64(i)), nil))
	}

	empty, err := b.Build(context.Background(), source.NewSliceSource(nil))
	require.NoError(t, err)
	require.Equal(t, 1, empty.BucketCount())
	require.Zero(t, empty.Lookup(tuple.IntKey(1), nil))
}

func TestBuildInvalid(t *testing.T) {
	src := source.NewSliceSource(nil)
	ctx := context.Background()
	tests := []struct {
		name string
		b    Builder
	}{
		{"negative buckets", Builder{BucketCount: -1}},
		{"auto without load factor", Builder{}},
		{"negative budget", Builder{BucketCount: 1, Budget: -1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.b.Build(ctx, src)
			require.True(t, hjerr.IsErrCode(err, hjerr.ErrInvalidInput))
		})
	}
	_, err := (&Builder{BucketCount: 1}).BuildSlice(ctx, src, 1)
	require.True(t, hjerr.IsErrCode(err, hjerr.ErrInvalidInput))
}

func TestBuildCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := (&Builder{BucketCount: 1}).Build(ctx, source.NewSliceSource([]tuple.Tuple{buildTuple(1, "A")}))
	require.True(t, hjerr.IsErrCode(err, hjerr.ErrCancelled))
}
