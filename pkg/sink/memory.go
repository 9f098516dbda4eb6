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
	"context"
	"sync"

	"github.com/matrixorigin/hybridjoin/pkg/container/tuple"
)

// MemorySink collects records in memory.
type MemorySink struct {
	sync.Mutex
	records []tuple.JoinedRecord
	flushes int
	closed  bool
}

var _ Sink = (*MemorySink)(nil)

func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

func (s *MemorySink) Write(_ context.Context, records []tuple.JoinedRecord) error {
	s.Lock()
	defer s.Unlock()
	s.records = append(s.records, records...)
	return nil
}

func (s *MemorySink) Flush(context.Context) error {
	s.Lock()
	defer s.Unlock()
	s.flushes++
	return nil
}

func (s *MemorySink) Close() error {
	s.Lock()
	defer s.Unlock()
	s.closed = true
	return nil
}

// Records returns a copy of every record written so far.
func (s *MemorySink) Records() []tuple.JoinedRecord {
	s.Lock()
	defer s.Unlock()
	return append([]tuple.JoinedRecord(nil), s.records...)
}

func (s *MemorySink) Flushes() int {
	s.Lock()
	defer s.Unlock()
	return s.flushes
}

func (s *MemorySink) Closed() bool {
	s.Lock()
	defer s.Unlock()
	return s.closed
}
