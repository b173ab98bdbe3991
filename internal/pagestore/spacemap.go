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

	"github.com/google/btree"
)

// span is a free interval [start, start+length) held by SpaceMap. It
// also satisfies btree.Item so the free list can be kept ordered by
// start offset for first-fit search and O(log n) neighbor lookups
// during coalescing.
type span struct {
	start, length int64
}

func (s *span) Less(than btree.Item) bool {
	return s.start < than.(*span).start
}

// SpaceMap is the free-list interval map over one BlobFile's byte range
// described in §3.2. It tracks holes opened up by deletions within
// [0, rightBoundary) and answers "smallest-fit offset >= size" for new
// allocations; it does not know about valid_size, which BlobStat tracks
// separately from the entries it has accepted.
type SpaceMap struct {
	mu            sync.Mutex
	totalSize     int64
	rightBoundary int64
	freeSize      int64
	free          *btree.BTree
}

func NewSpaceMap(totalSize int64) *SpaceMap {
	return &SpaceMap{
		totalSize: totalSize,
		free:      btree.New(32),
	}
}

// Search finds a free span able to hold size bytes, preferring the
// smallest (leftmost) offset, and reserves it. It first walks the hole
// list in offset order (first-fit among holes reclaimed by deletions),
// falling back to extending the allocated tail. It reports ok=false
// only when neither a hole nor the tail has room, which the caller
// reports to the stats-map lock holder as "refuses due to
// fragmentation" per §4.1.
func (sm *SpaceMap) Search(size int64) (offset int64, ok bool) {
	if size <= 0 {
		return 0, false
	}
	sm.mu.Lock()
	defer sm.mu.Unlock()

	var found *span
	sm.free.Ascend(func(i btree.Item) bool {
		s := i.(*span)
		if s.length >= size {
			found = s
			return false
		}
		return true
	})
	if found != nil {
		sm.free.Delete(found)
		sm.freeSize -= found.length
		offset = found.start
		if found.length > size {
			remainder := &span{start: found.start + size, length: found.length - size}
			sm.free.ReplaceOrInsert(remainder)
			sm.freeSize += remainder.length
		}
		return offset, true
	}

	if sm.rightBoundary+size <= sm.totalSize {
		offset = sm.rightBoundary
		sm.rightBoundary += size
		return offset, true
	}
	return 0, false
}

// MarkFree returns the span [offset, offset+length) to the free list,
// coalescing with adjacent holes and, when the freed region reaches the
// tail, shrinking rightBoundary instead of recording a hole — this is
// what lets gc_scan's Truncate action see a shorter right_boundary once
// trailing pages are deleted.
func (sm *SpaceMap) MarkFree(offset, length int64) {
	if length <= 0 {
		return
	}
	sm.mu.Lock()
	defer sm.mu.Unlock()

	start, end := offset, offset+length

	var left *span
	sm.free.DescendLessOrEqual(&span{start: start}, func(i btree.Item) bool {
		left = i.(*span)
		return false
	})
	if left != nil && left.start+left.length == start {
		sm.free.Delete(left)
		sm.freeSize -= left.length
		start = left.start
	}

	for {
		var right *span
		sm.free.AscendGreaterOrEqual(&span{start: end}, func(i btree.Item) bool {
			right = i.(*span)
			return false
		})
		if right == nil || right.start != end {
			break
		}
		sm.free.Delete(right)
		sm.freeSize -= right.length
		end = right.start + right.length
	}

	if end == sm.rightBoundary {
		sm.rightBoundary = start
		return
	}
	sm.free.ReplaceOrInsert(&span{start: start, length: end - start})
	sm.freeSize += end - start
}

// MarkUsed is used during directory replay to reconstruct a SpaceMap
// from a set of already-committed PageEntry extents without going
// through Search, e.g. after a restart.
func (sm *SpaceMap) MarkUsed(offset, length int64) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if offset+length > sm.rightBoundary {
		if offset > sm.rightBoundary {
			sm.free.ReplaceOrInsert(&span{start: sm.rightBoundary, length: offset - sm.rightBoundary})
			sm.freeSize += offset - sm.rightBoundary
		}
		sm.rightBoundary = offset + length
	}
}

func (sm *SpaceMap) RightBoundary() int64 {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.rightBoundary
}

func (sm *SpaceMap) TotalSize() int64 {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.totalSize
}

// FreeSize returns the sum of hole lengths within [0, rightBoundary),
// used by the SpaceMap conservation invariant valid_size+free_size ==
// right_boundary.
func (sm *SpaceMap) FreeSize() int64 {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.freeSize
}

// RemainingCapacity is how much more can be appended before totalSize
// is exhausted, ignoring holes; used to decide whether this blob is a
// candidate for a new allocation of a given size.
func (sm *SpaceMap) RemainingCapacity() int64 {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.totalSize - sm.rightBoundary
}

// Truncate shrinks totalSize down to rightBoundary, the disk-space
// reclaim performed by gc_scan's Truncate action.
func (sm *SpaceMap) Truncate() (newSize int64) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.totalSize = sm.rightBoundary
	return sm.totalSize
}
