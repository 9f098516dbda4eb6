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

	"github.com/matrixorigin/hybridjoin/pkg/common/hjerr"
	"github.com/matrixorigin/hybridjoin/pkg/container/tuple"
	"github.com/matrixorigin/hybridjoin/pkg/source"
)

// RejectHandler takes over a tuple the buffer rejected in reject mode.
type RejectHandler func(ctx context.Context, t tuple.Tuple) error

// Ingester is the single producer of a Buffer.
type Ingester struct {
	buf      *Buffer
	onReject RejectHandler

	// stamp assigns arrival sequence numbers, done only on the first pass
	// over the probe relation. Replayed tuples keep theirs.
	stamp   bool
	nextSeq uint64

	admitted uint64
	rejected uint64
}

func NewIngester(buf *Buffer, stamp bool, onReject RejectHandler) *Ingester {
	return &Ingester{buf: buf, stamp: stamp, onReject: onReject}
}

// Run admits every tuple of src in source order and closes the buffer when
// src is exhausted or an error stops it.
func (in *Ingester) Run(ctx context.Context, src source.Iterator) error {
	defer in.buf.Close()
	for {
		t, ok, err := src.Next(ctx)
		if err != nil {
			return hjerr.ConvertGoError(ctx, err)
		}
		if !ok {
			return nil
		}
		if in.stamp {
			t.Seq = in.nextSeq
			in.nextSeq++
		}
		if err := in.Admit(ctx, t); err != nil {
			return err
		}
	}
}

// Admit admits one tuple. A rejected tuple is passed to the reject handler;
// without one the rejection is returned.
func (in *Ingester) Admit(ctx context.Context, t tuple.Tuple) error {
	err := in.buf.Admit(ctx, t)
	if err == nil {
		in.admitted++
		return nil
	}
	if !hjerr.IsErrCode(err, hjerr.ErrRejected) {
		return err
	}
	in.rejected++
	if in.onReject == nil {
		return err
	}
	return in.onReject(ctx, t)
}

func (in *Ingester) Admitted() uint64 {
	return in.admitted
}

func (in *Ingester) Rejected() uint64 {
	return in.rejected
}
