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
	"bufio"
	"context"
	"io"
	"os"
	"path/filepath"

	"github.com/goccy/go-json"
	"github.com/pierrec/lz4"

	"github.com/matrixorigin/hybridjoin/pkg/common/hjerr"
	"github.com/matrixorigin/hybridjoin/pkg/container/tuple"
	"github.com/matrixorigin/hybridjoin/pkg/source"
)

const partitionExt = ".part"

// frame is one line of a partition file. Exactly one field is set: the
// header comes first, then the tuples, then the trailer.
type frame struct {
	Header  *header      `json:"h,omitempty"`
	Tuple   *tuple.Tuple `json:"t,omitempty"`
	Trailer *trailer     `json:"e,omitempty"`
}

// FileStorage keeps every partition in its own file of JSON lines,
// optionally lz4 compressed.
type FileStorage struct {
	dir      string
	compress bool
}

var _ Storage = (*FileStorage)(nil)

func NewFileStorage(dir string, compress bool) (*FileStorage, error) {
	if err := os.MkdirAll(dir, os.FileMode(0775)); err != nil {
		return nil, hjerr.NewPartitionIO(context.TODO(), dir, err)
	}
	return &FileStorage{dir: dir, compress: compress}, nil
}

func (s *FileStorage) path(id PartitionID) string {
	return filepath.Join(s.dir, id.String()+partitionExt)
}

func (s *FileStorage) Create(ctx context.Context, id PartitionID) (Writer, error) {
	name := s.path(id)
	f, err := os.OpenFile(name, os.O_CREATE|os.O_EXCL|os.O_WRONLY, os.FileMode(0664))
	if err != nil {
		return nil, hjerr.NewPartitionIO(ctx, name, err)
	}
	w := &fileWriter{ctx: ctx, name: name, f: f, bw: bufio.NewWriter(f)}
	var out io.Writer = w.bw
	if s.compress {
		w.zw = lz4.NewWriter(w.bw)
		out = w.zw
	}
	w.enc = json.NewEncoder(out)
	if err := w.enc.Encode(frame{Header: &header{ID: id}}); err != nil {
		_ = w.Abort()
		return nil, hjerr.NewPartitionIO(ctx, name, err)
	}
	return w, nil
}

func (s *FileStorage) Open(ctx context.Context, id PartitionID) (source.Iterator, error) {
	name := s.path(id)
	f, err := os.Open(name)
	if err != nil {
		return nil, hjerr.NewPartitionIO(ctx, name, err)
	}
	var in io.Reader = bufio.NewReader(f)
	if s.compress {
		in = lz4.NewReader(in)
	}
	r := &fileReader{name: name, f: f, dec: json.NewDecoder(in)}
	var fr frame
	if err := r.dec.Decode(&fr); err != nil || fr.Header == nil {
		_ = f.Close()
		return nil, hjerr.NewCorruptPartition(ctx, name, "missing header")
	}
	if fr.Header.ID != id {
		_ = f.Close()
		return nil, hjerr.NewCorruptPartition(ctx, name, "header names %s", fr.Header.ID)
	}
	return r, nil
}

func (s *FileStorage) Remove(ctx context.Context, id PartitionID) error {
	name := s.path(id)
	if err := os.Remove(name); err != nil && !os.IsNotExist(err) {
		return hjerr.NewPartitionIO(ctx, name, err)
	}
	return nil
}

func (s *FileStorage) Close() error {
	return nil
}

type fileWriter struct {
	ctx   context.Context
	name  string
	f     *os.File
	bw    *bufio.Writer
	zw    *lz4.Writer
	enc   *json.Encoder
	count int
}

func (w *fileWriter) Append(t tuple.Tuple) error {
	if err := w.enc.Encode(frame{Tuple: &t}); err != nil {
		return hjerr.NewPartitionIO(w.ctx, w.name, err)
	}
	w.count++
	return nil
}

func (w *fileWriter) Seal() error {
	if err := w.enc.Encode(frame{Trailer: &trailer{Count: w.count}}); err != nil {
		_ = w.Abort()
		return hjerr.NewPartitionIO(w.ctx, w.name, err)
	}
	if err := w.flush(); err != nil {
		_ = w.f.Close()
		return hjerr.NewPartitionIO(w.ctx, w.name, err)
	}
	if err := w.f.Sync(); err != nil {
		_ = w.f.Close()
		return hjerr.NewPartitionIO(w.ctx, w.name, err)
	}
	if err := w.f.Close(); err != nil {
		return hjerr.NewPartitionIO(w.ctx, w.name, err)
	}
	return nil
}

func (w *fileWriter) flush() error {
	if w.zw != nil {
		if err := w.zw.Close(); err != nil {
			return err
		}
	}
	return w.bw.Flush()
}

// Abort flushes what was written so far, leaving a partition without
// trailer behind.
func (w *fileWriter) Abort() error {
	_ = w.flush()
	return w.f.Close()
}

type fileReader struct {
	name  string
	f     *os.File
	dec   *json.Decoder
	count int
	done  bool
}

func (r *fileReader) Next(ctx context.Context) (tuple.Tuple, bool, error) {
	if r.done {
		return tuple.Tuple{}, false, nil
	}
	var fr frame
	if err := r.dec.Decode(&fr); err != nil {
		if err == io.EOF {
			return tuple.Tuple{}, false, hjerr.NewCorruptPartition(ctx, r.name, "missing trailer after %d tuples", r.count)
		}
		return tuple.Tuple{}, false, hjerr.NewCorruptPartition(ctx, r.name, "%v", err)
	}
	switch {
	case fr.Tuple != nil:
		r.count++
		return *fr.Tuple, true, nil
	case fr.Trailer != nil:
		if fr.Trailer.Count != r.count {
			return tuple.Tuple{}, false, hjerr.NewCorruptPartition(ctx, r.name, "trailer counts %d tuples, read %d", fr.Trailer.Count, r.count)
		}
		r.done = true
		return tuple.Tuple{}, false, nil
	}
	return tuple.Tuple{}, false, hjerr.NewCorruptPartition(ctx, r.name, "unexpected frame after %d tuples", r.count)
}

func (r *fileReader) Close() error {
	return r.f.Close()
}
