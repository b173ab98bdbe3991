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
	"sync"

	"github.com/matrixbase/dtcore/internal/common/errors"
)

// BlobStat is the in-memory accounting for one BlobFile, §3.2. Writers
// serialize over *selection* of a stat under the stats-map lock, then
// race independently under each stat's own lock, so every mutable field
// here is guarded by mu, not by the caller.
type BlobStat struct {
	mu sync.Mutex

	id        uint64
	validSize int64
	maxCaps   int64 // speculative remaining capacity, corrected on failure
	readOnly  bool
	space     *SpaceMap

	// reuseThreshold is the spare-space (maxCaps) floor below which this
	// stat goes read-only on its own, §3.2's second read-only condition.
	reuseThreshold int64
}

func NewBlobStat(id uint64, fileLimitSize int64, reuseCapacityRatio float64) *BlobStat {
	return &BlobStat{
		id:             id,
		maxCaps:        fileLimitSize,
		space:          NewSpaceMap(fileLimitSize),
		reuseThreshold: int64(float64(fileLimitSize) * reuseCapacityRatio),
	}
}

func (bs *BlobStat) ID() uint64 { return bs.id }

// TryReserve is the speculative half of the two-phase allocation
// protocol in §4.1: it is called while holding the stats-map lock, not
// bs.mu, and decrements maxCaps optimistically before the actual
// SpaceMap search happens under bs.mu. Returns false if the stat is
// read-only or doesn't have capacity for size. A reservation that
// leaves maxCaps below reuseThreshold marks the stat read-only so no
// later writer selects it again, §3.2's "spare space falls below the
// reuse threshold" condition.
func (bs *BlobStat) TryReserve(size int64) bool {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	if bs.readOnly || bs.maxCaps < size {
		return false
	}
	bs.maxCaps -= size
	if bs.maxCaps < bs.reuseThreshold {
		bs.readOnly = true
	}
	return true
}

// RollbackReserve corrects the speculative decrement from TryReserve
// when the subsequent SpaceMap.Search fails (fragmentation) or the
// caller otherwise abandons the write.
func (bs *BlobStat) RollbackReserve(size int64) {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	bs.maxCaps += size
}

// Allocate performs the SpaceMap search under the stat's own lock, the
// second phase of the protocol. Callers must have already succeeded at
// TryReserve(size).
func (bs *BlobStat) Allocate(size int64) (offset int64, err error) {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	off, ok := bs.space.Search(size)
	if !ok {
		return 0, errors.IOError(nil, "blob %d: space map refused allocation of %d bytes (fragmentation)", bs.id, size)
	}
	return off, nil
}

// Free returns [offset, offset+size) to the SpaceMap and decrements
// validSize; used by remove() and by gc() once live pages have been
// copied elsewhere.
func (bs *BlobStat) Free(offset, size int64) {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	bs.space.MarkFree(offset, size)
	bs.validSize -= size
	if bs.validSize < 0 {
		bs.validSize = 0
	}
}

func (bs *BlobStat) AddValid(size int64) {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	bs.validSize += size
}

func (bs *BlobStat) ValidSize() int64 {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	return bs.validSize
}

func (bs *BlobStat) MaxCaps() int64 {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	return bs.maxCaps
}

func (bs *BlobStat) IsReadOnly() bool {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	return bs.readOnly
}

func (bs *BlobStat) MarkReadOnly() {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	bs.readOnly = true
}

// ValidRate is valid_size / right_boundary, §3.2; a blob with nothing
// written yet has rate 1 (nothing to reclaim).
func (bs *BlobStat) ValidRate() float64 {
	bs.mu.Lock()
	rb := bs.space.RightBoundary()
	valid := bs.validSize
	bs.mu.Unlock()
	if rb == 0 {
		return 1
	}
	return float64(valid) / float64(rb)
}

func (bs *BlobStat) RightBoundary() int64 { return bs.space.RightBoundary() }
func (bs *BlobStat) TotalSize() int64     { return bs.space.TotalSize() }
func (bs *BlobStat) FreeSize() int64      { return bs.space.FreeSize() }

// Truncate shrinks the SpaceMap's totalSize down to its current
// right_boundary, the in-memory half of gc_scan's Truncate action; the
// caller still has to shrink the BlobFile on disk to match.
func (bs *BlobStat) Truncate() int64 { return bs.space.Truncate() }

// IsEmpty reports whether every byte ever allocated has since been
// freed — the condition that lets the blob file be removed entirely.
func (bs *BlobStat) IsEmpty() bool {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	return bs.validSize == 0 && bs.space.RightBoundary() == 0
}
