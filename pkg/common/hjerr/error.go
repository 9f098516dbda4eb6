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

package hjerr

import (
	"context"
	"errors"
	"fmt"
	"io"
)

const (
	Ok uint16 = 0

	// Group 1: internal errors
	ErrStart    uint16 = 20100
	ErrInternal uint16 = 20101

	// Group 2: invalid input
	ErrInvalidInput   uint16 = 20200
	ErrBadConfig      uint16 = 20201
	ErrUnexpectedEOF  uint16 = 20202
	ErrInvalidState   uint16 = 20203
	ErrDuplicateSpill uint16 = 20204

	// Group 3: join pipeline
	ErrCapacityExceeded uint16 = 20300
	ErrRejected         uint16 = 20301
	ErrTimeout          uint16 = 20302
	ErrCancelled        uint16 = 20303
	ErrUnresolvedTuples uint16 = 20304

	// Group 4: storage and sink
	ErrSinkFailure      uint16 = 20400
	ErrCorruptPartition uint16 = 20401
	ErrPartitionIO      uint16 = 20402

	// ErrEnd, the max value of error code
	ErrEnd uint16 = 65535
)

type errorMsgItem struct {
	errorMsgOrFormat string
}

var errorMsgRefer = map[uint16]errorMsgItem{
	// Group 1: internal errors
	ErrStart:    {"internal error: error code start"},
	ErrInternal: {"internal error: %s"},

	// Group 2: invalid input
	ErrInvalidInput:   {"invalid input: %s"},
	ErrBadConfig:      {"invalid configuration: %s"},
	ErrUnexpectedEOF:  {"unexpected end of file %s"},
	ErrInvalidState:   {"invalid state %s"},
	ErrDuplicateSpill: {"tuple %d already spilled in generation %d"},

	// Group 3: join pipeline
	ErrCapacityExceeded: {"build relation exceeds memory budget of %d tuples"},
	ErrRejected:         {"stream buffer full, tuple %d rejected"},
	ErrTimeout:          {"%s timed out after %s"},
	ErrCancelled:        {"join cancelled"},
	ErrUnresolvedTuples: {"%d tuples unresolved after %d generations"},

	// Group 4: storage and sink
	ErrSinkFailure:      {"sink failure: %s"},
	ErrCorruptPartition: {"corrupt partition %s: %s"},
	ErrPartitionIO:      {"partition io error %s: %s"},

	// Group End: max value of error code
	ErrEnd: {"internal error: end of errcode code"},
}

func newError(ctx context.Context, code uint16, args ...any) *Error {
	item, has := errorMsgRefer[code]
	if !has {
		panic(NewInternalError(ctx, "not exist error code: %d", code))
	}
	if len(args) == 0 {
		return &Error{code: code, message: item.errorMsgOrFormat}
	}
	return &Error{code: code, message: fmt.Sprintf(item.errorMsgOrFormat, args...)}
}

// Error is the error type returned by every package of hybridjoin. The code
// classifies the error, the optional cause keeps the wrapped error around for
// errors.Is/As.
type Error struct {
	code    uint16
	message string
	cause   error
}

func (e *Error) Error() string {
	return e.message
}

func (e *Error) ErrorCode() uint16 {
	return e.code
}

func (e *Error) Unwrap() error {
	return e.cause
}

// IsErrCode reports whether err, or any error it wraps, is an *Error with code rc.
func IsErrCode(e error, rc uint16) bool {
	if e == nil {
		return rc == Ok
	}
	var he *Error
	if !errors.As(e, &he) {
		return false
	}
	return he.code == rc
}

// ConvertGoError converts a go error into a hybridjoin error.
// Note here we must return error, because nil error
// is the same as nil *Error -- Go strangeness.
func ConvertGoError(ctx context.Context, err error) error {
	if err == nil {
		return err
	}

	var he *Error
	if errors.As(err, &he) {
		return err
	}

	if errors.Is(err, context.Canceled) {
		return NewCancelled(ctx)
	}
	if err == io.EOF || err == io.ErrUnexpectedEOF {
		// if io.EOF reaches here, we believe it is not expected.
		return NewUnexpectedEOF(ctx, err.Error())
	}

	e := NewInternalError(ctx, "convert go error %v", err)
	e.cause = err
	return e
}

// ConvertPanicError converts a runtime panic to internal error.
func ConvertPanicError(ctx context.Context, v interface{}) *Error {
	if e, ok := v.(*Error); ok {
		return e
	}
	return newError(ctx, ErrInternal, fmt.Sprintf("panic %v", v))
}

func NewInternalError(ctx context.Context, msg string, args ...any) *Error {
	xmsg := fmt.Sprintf(msg, args...)
	return newError(ctx, ErrInternal, xmsg)
}

func NewInternalErrorNoCtx(msg string, args ...any) *Error {
	return NewInternalError(context.Background(), msg, args...)
}

func NewInvalidInput(ctx context.Context, msg string, args ...any) *Error {
	xmsg := fmt.Sprintf(msg, args...)
	return newError(ctx, ErrInvalidInput, xmsg)
}

func NewInvalidInputNoCtx(msg string, args ...any) *Error {
	return NewInvalidInput(context.Background(), msg, args...)
}

func NewBadConfig(ctx context.Context, msg string, args ...any) *Error {
	xmsg := fmt.Sprintf(msg, args...)
	return newError(ctx, ErrBadConfig, xmsg)
}

func NewUnexpectedEOF(ctx context.Context, f string) *Error {
	return newError(ctx, ErrUnexpectedEOF, f)
}

func NewInvalidState(ctx context.Context, msg string, args ...any) *Error {
	xmsg := fmt.Sprintf(msg, args...)
	return newError(ctx, ErrInvalidState, xmsg)
}

func NewDuplicateSpill(ctx context.Context, seq uint64, gen int) *Error {
	return newError(ctx, ErrDuplicateSpill, seq, gen)
}

func NewCapacityExceeded(ctx context.Context, budget int) *Error {
	return newError(ctx, ErrCapacityExceeded, budget)
}

func NewRejected(ctx context.Context, seq uint64) *Error {
	return newError(ctx, ErrRejected, seq)
}

func NewTimeout(ctx context.Context, what string, after fmt.Stringer) *Error {
	return newError(ctx, ErrTimeout, what, after.String())
}

func NewCancelled(ctx context.Context) *Error {
	e := newError(ctx, ErrCancelled)
	e.cause = context.Canceled
	return e
}

func NewUnresolvedTuples(ctx context.Context, n int, generations int) *Error {
	return newError(ctx, ErrUnresolvedTuples, n, generations)
}

func NewSinkFailure(ctx context.Context, cause error) *Error {
	e := newError(ctx, ErrSinkFailure, cause.Error())
	e.cause = cause
	return e
}

func NewCorruptPartition(ctx context.Context, name string, msg string, args ...any) *Error {
	xmsg := fmt.Sprintf(msg, args...)
	return newError(ctx, ErrCorruptPartition, name, xmsg)
}

func NewPartitionIO(ctx context.Context, name string, cause error) *Error {
	e := newError(ctx, ErrPartitionIO, name, cause.Error())
	e.cause = cause
	return e
}
