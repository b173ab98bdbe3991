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

package dmfile

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/matrixbase/dtcore/internal/common/block"
	"github.com/matrixbase/dtcore/internal/common/config"
	"github.com/matrixbase/dtcore/internal/common/fileprovider"
)

// TestColumnCacheStrategyBatchesContiguousRuns is the direct unit test
// for §4.3's column cache strategy: packs already resident coalesce into
// one Memory segment, packs that are not into one Disk segment, and the
// boundary between them splits the run.
func TestColumnCacheStrategyBatchesContiguousRuns(t *testing.T) {
	cache := NewColumnCache(1 << 20)
	cache.Put("f", 1, 1, block.NewInt64Column("handle", []int64{1}))
	cache.Put("f", 1, 2, block.NewInt64Column("handle", []int64{2}))

	segs := cache.Strategy("f", 1, 0, 5)
	require.Equal(t, []ReadSegment{
		{PackLo: 0, PackHi: 1, Kind: SegmentDisk},
		{PackLo: 1, PackHi: 3, Kind: SegmentMemory},
		{PackLo: 3, PackHi: 5, Kind: SegmentDisk},
	}, segs)
}

// TestReaderServesWarmColumnCacheThroughStrategy exercises the same
// pack range twice through two readers sharing one ColumnCache: the
// first read is cold (all Disk segments) and populates the cache, the
// second is entirely warm (one Memory segment spanning the whole run)
// and still produces the identical handle values.
func TestReaderServesWarmColumnCacheThroughStrategy(t *testing.T) {
	packRows, props := buildFiveHandlePacks()
	req := ReadRequest{
		RequestedSchema: []ColumnSchema{{ID: 1, Name: "handle", Type: TypeInt64}},
	}

	fp, err := fileprovider.New(t.TempDir(), fileprovider.EncryptionDisabled)
	require.NoError(t, err)
	const dir = "seg1/dmf"
	writeColumnFixture(t, fp, dir, "handle", packRows)

	meta := &FileMeta{
		Dir:     dir,
		Version: VersionLegacy,
		Columns: []ColumnSchema{{ID: 1, Name: "handle", Type: TypeInt64}},
		Stats:   PackStats{Properties: props},
	}
	cfg := config.Default().DMFile
	cfg.CompressionMethod = config.CompressionNone
	cfg.ReadOnePackEveryTime = false
	cfg.RowsThresholdPerRead = 0 // unbounded, so the whole run is one call

	columnCache := NewColumnCache(1 << 20)

	r1, err := NewReader(fp, meta, &cfg, NewMarkCache(1<<20), columnCache, nil, req, nil)
	require.NoError(t, err)
	blk1, more, err := r1.Next(context.Background())
	require.NoError(t, err)
	require.True(t, more)
	require.Equal(t, 1000, blk1.RowCount())
	require.NoError(t, r1.Close())

	for i := 0; i < 5; i++ {
		_, ok := columnCache.Get(dir, 1, i)
		require.True(t, ok, "pack %d should be cached after the cold read", i)
	}
	segs := columnCache.Strategy(dir, 1, 0, 5)
	require.Equal(t, []ReadSegment{{PackLo: 0, PackHi: 5, Kind: SegmentMemory}}, segs)

	r2, err := NewReader(fp, meta, &cfg, NewMarkCache(1<<20), columnCache, nil, req, nil)
	require.NoError(t, err)
	blk2, more, err := r2.Next(context.Background())
	require.NoError(t, err)
	require.True(t, more)
	require.Equal(t, 1000, blk2.RowCount())
	require.NoError(t, r2.Close())

	handle1 := blk1.Column("handle")
	handle2 := blk2.Column("handle")
	for i := 0; i < 1000; i++ {
		require.Equal(t, handle1.Int64At(i), handle2.Int64At(i), "row %d", i)
	}
}
