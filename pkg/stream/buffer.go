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
package stream

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/matrixorigin/hybridjoin/pkg/common/hjerr"
	"github.com/matrixorigin/hybridjoin/pkg/config"
	"github.com/matrixorigin/hybridjoin/pkg/container/tuple"
)

// Options configures a Buffer.
type Options struct {
	Capacity int
	Mode     config.AdmissionMode

	// AdmissionTimeout bounds a blocking Admit, RemovalTimeout bounds Remove
	// on an empty buffer. 0 waits until ctx is done.
	AdmissionTimeout time.Duration
	RemovalTimeout   time.Duration

	// SizeGauge, when set, tracks the number of buffered tuples.
	SizeGauge prometheus.Gauge
}

// Buffer is the bounded FIFO between the ingester and the probe engine. It
// never holds more than Cap tuples and hands them out in admission order.
// One goroutine admits and closes, one goroutine removes.
type Buffer struct {
	opts   Options
	ch     chan tuple.Tuple
	closed atomic.Bool
	once   sync.Once
	peak   atomic.Int64
}

func NewBuffer(ctx context.Context, opts Options) (*Buffer, error) {
	if opts.Capacity <= 0 {
		return nil, hjerr.NewInvalidInput(ctx, "buffer capacity must be positive, got %d", opts.Capacity)
	}
	switch opts.Mode {
	case "":
		opts.Mode = config.AdmissionBlocking
	case config.AdmissionBlocking, config.AdmissionReject:
	default:
		return nil, hjerr.NewInvalidInput(ctx, "unknown admission mode %q", opts.Mode)
	}
	return &Buffer{
		opts: opts,
		ch:   make(chan tuple.Tuple, opts.Capacity),
	}, nil
}

// Admit appends t. When the buffer is full, blocking mode waits for a free
// slot and reject mode fails at once with ErrRejected.
func (b *Buffer) Admit(ctx context.Context, t tuple.Tuple) error {
	if b.closed.Load() {
		return hjerr.NewInvalidState(ctx, "admit to closed stream buffer")
	}
	if err := ctx.Err(); err != nil {
		return hjerr.ConvertGoError(ctx, err)
	}

	select {
	case b.ch <- t:
		b.admitted()
		return nil
	default:
	}
	if b.opts.Mode == config.AdmissionReject {
		return hjerr.NewRejected(ctx, t.Seq)
	}

	var timeout <-chan time.Time
	if b.opts.AdmissionTimeout > 0 {
		timer := time.NewTimer(b.opts.AdmissionTimeout)
		defer timer.Stop()
		timeout = timer.C
	}
	select {
	case b.ch <- t:
		b.admitted()
		return nil
	case <-ctx.Done():
		return hjerr.ConvertGoError(ctx, ctx.Err())
	case <-timeout:
		return hjerr.NewTimeout(ctx, "stream buffer admission", b.opts.AdmissionTimeout)
	}
}

func (b *Buffer) admitted() {
	n := int64(len(b.ch))
	for {
		peak := b.peak.Load()
		if n <= peak || b.peak.CompareAndSwap(peak, n) {
			break
		}
	}
	if b.opts.SizeGauge != nil {
		b.opts.SizeGauge.Inc()
	}
}

// Close signals end-of-stream. Tuples already admitted stay removable.
func (b *Buffer) Close() {
	b.once.Do(func() {
		b.closed.Store(true)
		close(b.ch)
	})
}

// Remove pops the oldest tuple. ok is false once the buffer is closed and
// drained.
func (b *Buffer) Remove(ctx context.Context) (t tuple.Tuple, ok bool, err error) {
	select {
	case t, ok = <-b.ch:
		b.removed(ok)
		return t, ok, nil
	default:
	}

	var timeout <-chan time.Time
	if b.opts.RemovalTimeout > 0 {
		timer := time.NewTimer(b.opts.RemovalTimeout)
		defer timer.Stop()
		timeout = timer.C
	}
	select {
	case t, ok = <-b.ch:
		b.removed(ok)
		return t, ok, nil
	case <-ctx.Done():
		return tuple.Tuple{}, false, hjerr.ConvertGoError(ctx, ctx.Err())
	case <-timeout:
		return tuple.Tuple{}, false, hjerr.NewTimeout(ctx, "stream buffer removal", b.opts.RemovalTimeout)
	}
}

func (b *Buffer) removed(ok bool) {
	if ok && b.opts.SizeGauge != nil {
		b.opts.SizeGauge.Dec()
	}
}

// Len returns the number of buffered tuples.
func (b *Buffer) Len() int {
	return len(b.ch)
}

func (b *Buffer) Cap() int {
	return cap(b.ch)
}

// Peak returns the largest Len observed right after an admission.
func (b *Buffer) Peak() int {
	return int(b.peak.Load())
}

func (b *Buffer) Mode() config.AdmissionMode {
	return b.opts.Mode
}
