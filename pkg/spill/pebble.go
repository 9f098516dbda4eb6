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
	"encoding/binary"

	"github.com/cockroachdb/pebble"
	"github.com/goccy/go-json"

	"github.com/matrixorigin/hybridjoin/pkg/common/hjerr"
	"github.com/matrixorigin/hybridjoin/pkg/container/tuple"
	"github.com/matrixorigin/hybridjoin/pkg/source"
)

const (
	tupleTag   = byte(0)
	trailerTag = byte(1)
)

// PebbleStorage keeps all partitions in one pebble database. A tuple is
// stored under generation/seq/0/position, the trailer under
// generation/seq/1.
type PebbleStorage struct {
	name string
	db   *pebble.DB
}

var _ Storage = (*PebbleStorage)(nil)

func NewPebbleStorage(name string) (*PebbleStorage, error) {
	db, err := pebble.Open(name, &pebble.Options{})
	if err != nil {
		return nil, hjerr.NewPartitionIO(context.TODO(), name, err)
	}
	return &PebbleStorage{name: name, db: db}, nil
}

func partitionPrefix(id PartitionID) []byte {
	k := make([]byte, 8, 18)
	binary.BigEndian.PutUint32(k, uint32(id.Generation))
	binary.BigEndian.PutUint32(k[4:], uint32(id.Seq))
	return k
}

func tupleKey(id PartitionID, pos int) []byte {
	k := append(partitionPrefix(id), tupleTag)
	return binary.BigEndian.AppendUint64(k, uint64(pos))
}

func trailerKey(id PartitionID) []byte {
	return append(partitionPrefix(id), trailerTag)
}

func (s *PebbleStorage) Create(ctx context.Context, id PartitionID) (Writer, error) {
	return &pebbleWriter{ctx: ctx, s: s, id: id, bat: s.db.NewBatch()}, nil
}

func (s *PebbleStorage) Open(ctx context.Context, id PartitionID) (source.Iterator, error) {
	v, c, err := s.db.Get(trailerKey(id))
	if err == pebble.ErrNotFound {
		return nil, hjerr.NewCorruptPartition(ctx, id.String(), "missing trailer")
	}
	if err != nil {
		return nil, hjerr.NewPartitionIO(ctx, id.String(), err)
	}
	var tr trailer
	err = json.Unmarshal(v, &tr)
	c.Close()
	if err != nil {
		return nil, hjerr.NewCorruptPartition(ctx, id.String(), "bad trailer: %v", err)
	}
	lower := append(partitionPrefix(id), tupleTag)
	itr := s.db.NewIter(&pebble.IterOptions{
		LowerBound: lower,
		UpperBound: upperBound(lower),
	})
	itr.First()
	return &pebbleReader{id: id, itr: itr, want: tr.Count}, nil
}

func (s *PebbleStorage) Remove(ctx context.Context, id PartitionID) error {
	prefix := partitionPrefix(id)
	if err := s.db.DeleteRange(prefix, upperBound(prefix), pebble.NoSync); err != nil {
		return hjerr.NewPartitionIO(ctx, id.String(), err)
	}
	return nil
}

func (s *PebbleStorage) Close() error {
	return s.db.Close()
}

type pebbleWriter struct {
	ctx   context.Context
	s     *PebbleStorage
	id    PartitionID
	bat   *pebble.Batch
	count int
}

func (w *pebbleWriter) Append(t tuple.Tuple) error {
	v, err := json.Marshal(t)
	if err != nil {
		return hjerr.NewPartitionIO(w.ctx, w.id.String(), err)
	}
	if err := w.bat.Set(tupleKey(w.id, w.count), v, nil); err != nil {
		return hjerr.NewPartitionIO(w.ctx, w.id.String(), err)
	}
	w.count++
	return nil
}

func (w *pebbleWriter) Seal() error {
	v, err := json.Marshal(trailer{Count: w.count})
	if err != nil {
		return hjerr.NewPartitionIO(w.ctx, w.id.String(), err)
	}
	if err := w.bat.Set(trailerKey(w.id), v, nil); err != nil {
		return hjerr.NewPartitionIO(w.ctx, w.id.String(), err)
	}
	if err := w.bat.Commit(pebble.NoSync); err != nil {
		return hjerr.NewPartitionIO(w.ctx, w.id.String(), err)
	}
	return w.bat.Close()
}

// Abort commits the tuples written so far without a trailer.
func (w *pebbleWriter) Abort() error {
	if err := w.bat.Commit(pebble.NoSync); err != nil {
		_ = w.bat.Close()
		return err
	}
	return w.bat.Close()
}

type pebbleReader struct {
	id    PartitionID
	itr   *pebble.Iterator
	want  int
	count int
}

func (r *pebbleReader) Next(ctx context.Context) (tuple.Tuple, bool, error) {
	if !r.itr.Valid() {
		if r.count != r.want {
			return tuple.Tuple{}, false, hjerr.NewCorruptPartition(ctx, r.id.String(), "trailer counts %d tuples, read %d", r.want, r.count)
		}
		return tuple.Tuple{}, false, nil
	}
	var t tuple.Tuple
	if err := json.Unmarshal(r.itr.Value(), &t); err != nil {
		return tuple.Tuple{}, false, hjerr.NewCorruptPartition(ctx, r.id.String(), "%v", err)
	}
	r.count++
	r.itr.Next()
	return t, true, nil
}

func (r *pebbleReader) Close() error {
	return r.itr.Close()
}

func upperBound(k []byte) []byte {
	u := make([]byte, len(k))
	copy(u, k)
	for i := len(u) - 1; i >= 0; i-- {
		u[i] = u[i] + 1
		if u[i] != 0 {
			return u[:i+1]
		}
	}
	return nil
}
