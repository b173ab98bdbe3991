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

package ratelimit

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/matrixbase/dtcore/internal/common/errors"
)

func TestLimiterZeroRateIsUnlimited(t *testing.T) {
	l := New(0, 0)
	require.NoError(t, l.WaitN(context.Background(), 1<<30))
}

func TestLimiterWaitNSucceedsWithinBurst(t *testing.T) {
	l := New(1000, 1000)
	require.NoError(t, l.WaitN(context.Background(), 500))
}

func TestLimiterWaitNRespectsCancellation(t *testing.T) {
	l := New(1, 1) // 1 token/sec, burst of 1: asking for far more blocks for a long time
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := l.WaitN(ctx, 10_000)
	require.Error(t, err)
	require.Equal(t, errors.KindCancelled, errors.KindOf(err))
}

func TestLimiterRemoveIsNoopWhenUnlimited(t *testing.T) {
	l := New(0, 0)
	l.Remove(1 << 20) // must not panic even though nothing was ever waited on
}
