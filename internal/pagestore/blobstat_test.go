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

package pagestore

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// TestBlobStatTryReserveMarksReadOnlyBelowReuseThreshold covers §3.2's
// second read-only condition: a blob goes read-only on its own once a
// reservation leaves its spare space below the configured ratio of
// file_limit_size, independent of any GC-reclaim marking.
func TestBlobStatTryReserveMarksReadOnlyBelowReuseThreshold(t *testing.T) {
	bs := NewBlobStat(1, 1000, 0.1) // reuseThreshold = 100 bytes

	require.True(t, bs.TryReserve(850))
	require.False(t, bs.IsReadOnly(), "150 bytes of spare space remains, above the 100 byte threshold")

	require.True(t, bs.TryReserve(100))
	require.True(t, bs.IsReadOnly(), "spare space dropped to 50 bytes, below the 100 byte threshold")

	require.False(t, bs.TryReserve(1), "a read-only stat must refuse further reservations")
}

// TestBlobStatTryReserveZeroRatioNeverAutoMarksReadOnly covers the
// disabled case: a ratio of 0 means the threshold is 0 bytes, so
// TryReserve never marks the stat read-only on its own; a reservation
// larger than the remaining maxCaps is simply refused instead.
func TestBlobStatTryReserveZeroRatioNeverAutoMarksReadOnly(t *testing.T) {
	bs := NewBlobStat(1, 1000, 0)

	require.True(t, bs.TryReserve(999))
	require.False(t, bs.IsReadOnly())
}
