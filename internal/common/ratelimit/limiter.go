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

// Package ratelimit throttles blob and column I/O with a token bucket,
// the mechanism named in §5 for bounding read/write throughput. A
// Limiter wraps cockroachdb/tokenbucket the same way the storage layer
// it was lifted from does, adding a cancellation-aware Wait.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/tokenbucket"

	"github.com/matrixbase/dtcore/internal/common/errors"
)

// Limiter allows events up to rate r tokens/sec with bursts of at most
// b tokens. A zero rate means unlimited: WaitN is then a no-op, so the
// PageStore and DMFileReader can unconditionally call through it.
type Limiter struct {
	mu struct {
		sync.Mutex
		tb tokenbucket.TokenBucket
	}
	unlimited bool
}

func New(bytesPerSec, burstBytes float64) *Limiter {
	l := &Limiter{unlimited: bytesPerSec <= 0}
	if !l.unlimited {
		l.mu.tb.Init(tokenbucket.TokensPerSecond(bytesPerSec), tokenbucket.Tokens(burstBytes))
	}
	return l
}

// WaitN blocks until n bytes worth of tokens are available or ctx is
// cancelled, per the cancellation model in §5: every blocking wait
// observes the caller's cancellation flag and returns promptly.
func (l *Limiter) WaitN(ctx context.Context, n int) error {
	if l.unlimited || n <= 0 {
		return nil
	}
	for {
		if err := ctx.Err(); err != nil {
			return errors.Cancelled("rate limiter wait cancelled: %v", err)
		}
		l.mu.Lock()
		ok, d := l.mu.tb.TryToFulfill(tokenbucket.Tokens(n))
		l.mu.Unlock()
		if ok {
			return nil
		}
		timer := time.NewTimer(d)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return errors.Cancelled("rate limiter wait cancelled: %v", ctx.Err())
		}
	}
}

// Remove deducts n tokens for I/O that already happened without having
// waited, letting future callers absorb the backpressure instead.
func (l *Limiter) Remove(n int) {
	if l.unlimited || n <= 0 {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.mu.tb.Adjust(-tokenbucket.Tokens(n))
}
