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

package source

import (
	"context"

	"github.com/matrixorigin/hybridjoin/pkg/container/tuple"
)

// SliceSource serves tuples held in memory. It is both a BuildSource and,
// through Iter, a ProbeSource.
type SliceSource struct {
	tuples []tuple.Tuple
	opens  int
}

var _ BuildSource = (*SliceSource)(nil)

func NewSliceSource(tuples []tuple.Tuple) *SliceSource {
	return &SliceSource{tuples: tuples}
}

func (s *SliceSource) Open(ctx context.Context) (Iterator, error) {
	s.opens++
	return &sliceIterator{tuples: s.tuples}, nil
}

// Opens returns how many times Open was called.
func (s *SliceSource) Opens() int {
	return s.opens
}

// Iter returns a single-pass iterator over the tuples.
func (s *SliceSource) Iter() ProbeSource {
	return &sliceIterator{tuples: s.tuples}
}

type sliceIterator struct {
	tuples []tuple.Tuple
	pos    int
}

func (it *sliceIterator) Next(ctx context.Context) (tuple.Tuple, bool, error) {
	if err := ctx.Err(); err != nil {
		return tuple.Tuple{}, false, err
	}
	if it.pos >= len(it.tuples) {
		return tuple.Tuple{}, false, nil
	}
	t := it.tuples[it.pos]
	it.pos++
	return t, true, nil
}

func (it *sliceIterator) Close() error {
	return nil
}

// ChanSource adapts a channel to a ProbeSource; the stream ends when the
// channel is closed.
type ChanSource struct {
	C <-chan tuple.Tuple
}

func (s ChanSource) Next(ctx context.Context) (tuple.Tuple, bool, error) {
	select {
	case <-ctx.Done():
		return tuple.Tuple{}, false, ctx.Err()
	case t, ok := <-s.C:
		return t, ok, nil
	}
}

func (s ChanSource) Close() error {
	return nil
}
