// Copyright 2021 Matrix Origin
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

// Package errors defines the error kinds propagated across the storage
// node and the helpers used to construct and classify them. Every error
// that crosses a component boundary is built through one of the New*
// constructors below so that callers can branch on Kind without parsing
// message strings.
package errors

import (
	"fmt"

	"github.com/cockroachdb/errors"
)

// Kind classifies a storage-node error per the propagation rules: only
// IOError is locally retried; LogicalError aborts the process; everything
// else propagates to the RPC caller as a structured error.
type Kind uint8

const (
	KindUnknown Kind = iota
	KindBadRequest
	KindChecksumMismatch
	KindIOError
	KindLogicalError
	KindChecksumConfigMismatch
	KindRegionEpochNotMatch
	KindRegionNotFound
	KindMemoryLimitExceeded
	KindTimeout
	KindCancelled
)

func (k Kind) String() string {
	switch k {
	case KindBadRequest:
		return "bad_request"
	case KindChecksumMismatch:
		return "checksum_mismatch"
	case KindIOError:
		return "io_error"
	case KindLogicalError:
		return "logical_error"
	case KindChecksumConfigMismatch:
		return "checksum_config_mismatch"
	case KindRegionEpochNotMatch:
		return "region_epoch_not_match"
	case KindRegionNotFound:
		return "region_not_found"
	case KindMemoryLimitExceeded:
		return "memory_limit_exceeded"
	case KindTimeout:
		return "timeout"
	case KindCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Error is the structured error carried across component boundaries. It
// wraps an underlying cause (often produced by cockroachdb/errors so the
// stack trace survives logging) and tags it with a Kind the caller can
// switch on without string matching.
type Error struct {
	Kind Kind
	msg  string
	err  error
}

func (e *Error) Error() string {
	if e.err != nil {
		return fmt.Sprintf("[%s] %s: %s", e.Kind, e.msg, e.err.Error())
	}
	return fmt.Sprintf("[%s] %s", e.Kind, e.msg)
}

func (e *Error) Unwrap() error { return e.err }

// Is lets errors.Is(err, ErrChecksumMismatch)-style sentinel comparisons
// work when callers only care about the Kind, not the wrapped cause.
func (e *Error) Is(target error) bool {
	te, ok := target.(*Error)
	if !ok {
		return false
	}
	return te.Kind == e.Kind
}

func newf(kind Kind, cause error, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, msg: fmt.Sprintf(format, args...), err: cause}
}

func New(kind Kind, format string, args ...interface{}) *Error {
	return newf(kind, nil, format, args...)
}

func Wrap(kind Kind, cause error, format string, args ...interface{}) *Error {
	if cause == nil {
		return newf(kind, nil, format, args...)
	}
	return newf(kind, errors.WithStack(cause), format, args...)
}

func BadRequest(format string, args ...interface{}) *Error {
	return New(KindBadRequest, format, args...)
}

func ChecksumMismatch(format string, args ...interface{}) *Error {
	return New(KindChecksumMismatch, format, args...)
}

func IOError(cause error, format string, args ...interface{}) *Error {
	return Wrap(KindIOError, cause, format, args...)
}

// Logical builds a logical_error. Per the propagation table, the node
// never recovers from these locally: the caller is expected to log and
// abort the process rather than surface this to the RPC client.
func Logical(format string, args ...interface{}) *Error {
	return New(KindLogicalError, format, args...)
}

func ChecksumConfigMismatch(format string, args ...interface{}) *Error {
	return New(KindChecksumConfigMismatch, format, args...)
}

func MemoryLimitExceeded(format string, args ...interface{}) *Error {
	return New(KindMemoryLimitExceeded, format, args...)
}

func Timeout(format string, args ...interface{}) *Error {
	return New(KindTimeout, format, args...)
}

func Cancelled(format string, args ...interface{}) *Error {
	return New(KindCancelled, format, args...)
}

// KindOf extracts the Kind of err, walking the cause chain. Returns
// KindUnknown for errors not constructed through this package.
func KindOf(err error) Kind {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	return KindUnknown
}

// IsRetryable reports whether the file layer should retry the operation
// that produced err. Only io_error gets bounded local retries; every
// other kind propagates immediately.
func IsRetryable(err error) bool {
	return KindOf(err) == KindIOError
}
