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
package spill

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/smartystreets/goconvey/convey"
	"github.com/stretchr/testify/require"

	"github.com/matrixorigin/hybridjoin/pkg/common/hjerr"
	"github.com/matrixorigin/hybridjoin/pkg/config"
	"github.com/matrixorigin/hybridjoin/pkg/container/tuple"
)

func spilled(n int) []tuple.Tuple {
	out := make([]tuple.Tuple, n)
	for i := range out {
		out[i] = tuple.Tuple{
			Key:     tuple.IntKey(int64(i % 3)),
			Payload: tuple.Payload{{Name: "order", Value: string(rune('a' + i%26))}},
			Seq:     uint64(i),
			Matched: i%2 == 0,
		}
	}
	return out
}

func replayAll(t *testing.T, p *Partitioner, gen int) []tuple.Tuple {
	var out []tuple.Tuple
	require.NoError(t, p.Replay(context.Background(), gen, func(tup tuple.Tuple) error {
		out = append(out, tup)
		return nil
	}))
	return out
}

type backend struct {
	name string
	open func(dir string) (Storage, error)
}

var backends = []backend{
	{"file", func(dir string) (Storage, error) { return NewFileStorage(dir, false) }},
	{"file lz4", func(dir string) (Storage, error) { return NewFileStorage(dir, true) }},
	{"pebble", func(dir string) (Storage, error) { return NewPebbleStorage(dir) }},
}

func TestPartitioner(t *testing.T) {
	ctx := context.Background()
	for _, b := range backends {
		convey.Convey("partitioner on "+b.name, t, func() {
			s, err := b.open(t.TempDir())
			convey.So(err, convey.ShouldBeNil)
			tuples := prometheus.NewCounter(prometheus.CounterOpts{Name: "spill_tuples"})
			parts := prometheus.NewCounter(prometheus.CounterOpts{Name: "spill_parts"})
			p, err := NewPartitioner(ctx, s, Options{Bound: 2, TupleCounter: tuples, PartitionCounter: parts})
			convey.So(err, convey.ShouldBeNil)
			defer p.Close()

			convey.Convey("three tuples under bound 2 make two partitions", func() {
				for _, tup := range spilled(3) {
					convey.So(p.Spill(ctx, tup, 1), convey.ShouldBeNil)
				}
				convey.So(p.Seal(ctx, 1), convey.ShouldBeNil)

				got := p.Partitions(1)
				convey.So(got, convey.ShouldHaveLength, 2)
				convey.So(got[0].Count, convey.ShouldEqual, 2)
				convey.So(got[1].Count, convey.ShouldEqual, 1)
				convey.So(got[0].Sealed && got[1].Sealed, convey.ShouldBeTrue)
				convey.So(got[1].ID, convey.ShouldResemble, PartitionID{Generation: 1, Seq: 1})
				convey.So(p.Count(1), convey.ShouldEqual, 3)
				convey.So(testutil.ToFloat64(tuples), convey.ShouldEqual, 3)
				convey.So(testutil.ToFloat64(parts), convey.ShouldEqual, 2)
			})

			convey.Convey("replay yields the written sequence", func() {
				in := spilled(11)
				for _, tup := range in {
					convey.So(p.Spill(ctx, tup, 0), convey.ShouldBeNil)
				}
				convey.So(p.Seal(ctx, 0), convey.ShouldBeNil)
				convey.So(replayAll(t, p, 0), convey.ShouldResemble, in)
				// replay does not consume
				convey.So(replayAll(t, p, 0), convey.ShouldResemble, in)
			})

			convey.Convey("a tuple is spilled at most once per generation", func() {
				tup := spilled(1)[0]
				convey.So(p.Spill(ctx, tup, 0), convey.ShouldBeNil)
				err := p.Spill(ctx, tup, 0)
				convey.So(hjerr.IsErrCode(err, hjerr.ErrDuplicateSpill), convey.ShouldBeTrue)
				convey.So(p.Spill(ctx, tup, 1), convey.ShouldBeNil)
				convey.So(p.Count(0), convey.ShouldEqual, 1)
			})

			convey.Convey("sealing closes the generation", func() {
				tup := spilled(2)
				convey.So(p.Spill(ctx, tup[0], 0), convey.ShouldBeNil)
				_, err := p.Open(ctx, 0)
				convey.So(hjerr.IsErrCode(err, hjerr.ErrInvalidState), convey.ShouldBeTrue)
				convey.So(p.Seal(ctx, 0), convey.ShouldBeNil)
				err = p.Spill(ctx, tup[1], 0)
				convey.So(hjerr.IsErrCode(err, hjerr.ErrInvalidState), convey.ShouldBeTrue)
			})

			convey.Convey("an empty generation replays nothing", func() {
				convey.So(p.Seal(ctx, 3), convey.ShouldBeNil)
				convey.So(replayAll(t, p, 3), convey.ShouldBeEmpty)
				convey.So(replayAll(t, p, 4), convey.ShouldBeEmpty)
			})

			convey.Convey("removed generations are gone", func() {
				for _, tup := range spilled(3) {
					convey.So(p.Spill(ctx, tup, 0), convey.ShouldBeNil)
					convey.So(p.Spill(ctx, tup, 1), convey.ShouldBeNil)
				}
				convey.So(p.Seal(ctx, 0), convey.ShouldBeNil)
				convey.So(p.Remove(ctx, 0), convey.ShouldBeNil)
				convey.So(p.Partitions(0), convey.ShouldBeEmpty)
				err := p.Spill(ctx, spilled(1)[0], 0)
				convey.So(hjerr.IsErrCode(err, hjerr.ErrInvalidState), convey.ShouldBeTrue)

				convey.So(p.Seal(ctx, 1), convey.ShouldBeNil)
				convey.So(replayAll(t, p, 1), convey.ShouldHaveLength, 3)
			})
		})
	}
}

func TestPartitionWithoutTrailer(t *testing.T) {
	ctx := context.Background()
	id := PartitionID{Generation: 2, Seq: 0}
	for _, b := range backends {
		t.Run(b.name, func(t *testing.T) {
			s, err := b.open(t.TempDir())
			require.NoError(t, err)
			defer s.Close()

			w, err := s.Create(ctx, id)
			require.NoError(t, err)
			for _, tup := range spilled(2) {
				require.NoError(t, w.Append(tup))
			}
			require.NoError(t, w.Abort())

			it, err := s.Open(ctx, id)
			if err == nil {
				defer it.Close()
				for {
					var ok bool
					_, ok, err = it.Next(ctx)
					if err != nil || !ok {
						break
					}
				}
			}
			require.True(t, hjerr.IsErrCode(err, hjerr.ErrCorruptPartition), "%v", err)
		})
	}
}

func TestFileStorageLayout(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	s, err := NewFileStorage(dir, false)
	require.NoError(t, err)
	p, err := NewPartitioner(ctx, s, Options{Bound: 500})
	require.NoError(t, err)
	defer p.Close()

	require.NoError(t, p.Spill(ctx, spilled(1)[0], 4))
	require.NoError(t, p.Seal(ctx, 4))
	_, err = os.Stat(filepath.Join(dir, "g4-p0.part"))
	require.NoError(t, err)

	_, err = s.Open(ctx, PartitionID{Generation: 4, Seq: 1})
	require.True(t, hjerr.IsErrCode(err, hjerr.ErrPartitionIO))

	require.NoError(t, p.Remove(ctx, 4))
	_, err = os.Stat(filepath.Join(dir, "g4-p0.part"))
	require.True(t, os.IsNotExist(err))
}

func TestRun(t *testing.T) {
	ctx := context.Background()
	base := t.TempDir()
	for _, backend := range []string{"file", "pebble"} {
		run, err := NewRun(ctx, config.SpillConfig{Dir: base, Backend: backend})
		require.NoError(t, err)
		require.Equal(t, base, filepath.Dir(run.Dir))

		p, err := run.Partitioner(ctx, "carry", Options{Bound: 2})
		require.NoError(t, err)
		require.NoError(t, p.Spill(ctx, spilled(1)[0], 1))
		require.NoError(t, p.Seal(ctx, 1))
		require.Len(t, replayAll(t, p, 1), 1)
		require.NoError(t, p.Close())

		require.NoError(t, run.Close())
		_, err = os.Stat(run.Dir)
		require.True(t, os.IsNotExist(err))
	}

	run, err := NewRun(ctx, config.SpillConfig{Dir: base, Backend: "s3"})
	require.NoError(t, err)
	defer run.Close()
	_, err = run.Partitioner(ctx, "carry", Options{Bound: 1})
	require.True(t, hjerr.IsErrCode(err, hjerr.ErrBadConfig))

	_, err = NewPartitioner(ctx, nil, Options{})
	require.True(t, hjerr.IsErrCode(err, hjerr.ErrInvalidInput))
}
