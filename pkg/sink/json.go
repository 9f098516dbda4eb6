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
package sink

import (
	"bytes"
	"context"
	"io"
	"os"
	"sync"

	"github.com/goccy/go-json"

	"github.com/matrixorigin/hybridjoin/pkg/container/tuple"
)

// jsonSinkBufferSize is how many encoded bytes a JSONSink holds before it
// hands them to its writer.
const jsonSinkBufferSize = 64 * 1024

// stdout is shared by every sink writing to standard output.
var stdout io.Writer = &syncWriter{w: os.Stdout}

type jsonRecord struct {
	Key        tuple.Key     `json:"key"`
	Generation int           `json:"generation"`
	Fields     tuple.Payload `json:"fields"`
}

// JSONSink writes one JSON object per record. Every write to the underlying
// writer carries whole records only, so sinks sharing a synchronized writer
// never interleave inside a record.
type JSONSink struct {
	w   io.Writer
	buf bytes.Buffer
	enc *json.Encoder
}

var _ Sink = (*JSONSink)(nil)

func NewJSONSink(w io.Writer) *JSONSink {
	s := &JSONSink{w: w}
	s.enc = json.NewEncoder(&s.buf)
	return s
}

// OpenJSONSink writes to the file name, or to stdout for "" and "-".
func OpenJSONSink(name string) (*JSONSink, error) {
	if name == "" || name == "-" {
		return NewJSONSink(stdout), nil
	}
	f, err := os.Create(name)
	if err != nil {
		return nil, err
	}
	return NewJSONSink(f), nil
}

func (s *JSONSink) Write(_ context.Context, records []tuple.JoinedRecord) error {
	for _, r := range records {
		if err := s.enc.Encode(jsonRecord{Key: r.Key, Generation: r.Generation, Fields: r.Fields()}); err != nil {
			return err
		}
		if s.buf.Len() >= jsonSinkBufferSize {
			if err := s.flush(); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *JSONSink) flush() error {
	if s.buf.Len() == 0 {
		return nil
	}
	_, err := s.w.Write(s.buf.Bytes())
	s.buf.Reset()
	return err
}

func (s *JSONSink) Flush(context.Context) error {
	return s.flush()
}

// Close flushes and closes the writer unless it is shared stdout.
func (s *JSONSink) Close() error {
	err := s.flush()
	if c, ok := s.w.(io.Closer); ok {
		if cerr := c.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

// syncWriter serializes writes of several sinks to one writer.
type syncWriter struct {
	sync.Mutex
	w io.Writer
}

func (sw *syncWriter) Write(p []byte) (int, error) {
	sw.Lock()
	defer sw.Unlock()
	return sw.w.Write(p)
}
