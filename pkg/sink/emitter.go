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

	"github.com/prometheus/client_golang/prometheus"

	"github.com/matrixorigin/hybridjoin/pkg/common/hjerr"
	"github.com/matrixorigin/hybridjoin/pkg/container/tuple"
)

const defaultBatchSize = 500

// Emitter is the single writer in front of a Sink. It hands records to the
// sink in the order they were emitted, in batches of at most BatchSize.
type Emitter struct {
	sink      Sink
	batchSize int
	batch     []tuple.JoinedRecord

	emitted uint64
	failed  uint64

	// OK and Failed count records by sink outcome when set.
	OK     prometheus.Counter
	Failed prometheus.Counter
}

func NewEmitter(sink Sink, batchSize int) *Emitter {
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	return &Emitter{
		sink:      sink,
		batchSize: batchSize,
		batch:     make([]tuple.JoinedRecord, 0, batchSize),
	}
}

// Emit queues rec and writes the batch once it is full.
func (e *Emitter) Emit(ctx context.Context, rec tuple.JoinedRecord) error {
	e.batch = append(e.batch, rec)
	if len(e.batch) < e.batchSize {
		return nil
	}
	return e.write(ctx)
}

// Flush writes the pending batch and flushes the sink.
func (e *Emitter) Flush(ctx context.Context) error {
	if err := e.write(ctx); err != nil {
		return err
	}
	if err := e.sink.Flush(ctx); err != nil {
		return hjerr.NewSinkFailure(ctx, err)
	}
	return nil
}

// write hands the pending batch to the sink. A failed batch is dropped, it
// is never written twice.
func (e *Emitter) write(ctx context.Context) error {
	if len(e.batch) == 0 {
		return nil
	}
	n := uint64(len(e.batch))
	err := e.sink.Write(ctx, e.batch)
	e.batch = make([]tuple.JoinedRecord, 0, e.batchSize)
	if err != nil {
		e.failed += n
		if e.Failed != nil {
			e.Failed.Add(float64(n))
		}
		return hjerr.NewSinkFailure(ctx, err)
	}
	e.emitted += n
	if e.OK != nil {
		e.OK.Add(float64(n))
	}
	return nil
}

// Pending returns the number of records not yet handed to the sink.
func (e *Emitter) Pending() int {
	return len(e.batch)
}

// Emitted returns the number of records the sink accepted.
func (e *Emitter) Emitted() uint64 {
	return e.emitted
}

// FailedCount returns the number of records lost to sink failures.
func (e *Emitter) FailedCount() uint64 {
	return e.failed
}
