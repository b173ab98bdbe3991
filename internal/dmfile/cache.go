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
	"container/list"
	"sync"

	"github.com/matrixbase/dtcore/internal/common/block"
)

// sizedLRU is a process-wide, size-budgeted LRU shared by the mark
// cache and column cache described in §9 ("global mutable state ...
// process-wide singletons with explicit init"). It is a deliberately
// simplified stand-in for the sharded clock-based cache the fleet's own
// storage layer uses: single mutex, doubly-linked list for recency,
// eviction until under budget.
type sizedLRU struct {
	mu       sync.Mutex
	budget   int64
	used     int64
	ll       *list.List
	elements map[interface{}]*list.Element
}

type lruEntry struct {
	key   interface{}
	value interface{}
	size  int64
}

func newSizedLRU(budget int64) *sizedLRU {
	return &sizedLRU{budget: budget, ll: list.New(), elements: make(map[interface{}]*list.Element)}
}

func (c *sizedLRU) get(key interface{}) (interface{}, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.elements[key]
	if !ok {
		return nil, false
	}
	c.ll.MoveToFront(el)
	return el.Value.(*lruEntry).value, true
}

func (c *sizedLRU) put(key, value interface{}, size int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.elements[key]; ok {
		old := el.Value.(*lruEntry)
		c.used += size - old.size
		el.Value = &lruEntry{key, value, size}
		c.ll.MoveToFront(el)
	} else {
		el := c.ll.PushFront(&lruEntry{key, value, size})
		c.elements[key] = el
		c.used += size
	}
	for c.used > c.budget && c.ll.Len() > 0 {
		back := c.ll.Back()
		if back == nil {
			break
		}
		e := back.Value.(*lruEntry)
		c.ll.Remove(back)
		delete(c.elements, e.key)
		c.used -= e.size
	}
}

// MarkCache shares parsed MarkSets across DMFileReaders on the same
// column file, keyed by (file id, column id).
type MarkCache struct {
	lru *sizedLRU
}

func NewMarkCache(budgetBytes int64) *MarkCache {
	return &MarkCache{lru: newSizedLRU(budgetBytes)}
}

type markCacheKey struct {
	fileID   string
	columnID uint32
}

func (c *MarkCache) Get(fileID string, columnID uint32) (MarkSet, bool) {
	v, ok := c.lru.get(markCacheKey{fileID, columnID})
	if !ok {
		return nil, false
	}
	return v.(MarkSet), true
}

func (c *MarkCache) Put(fileID string, columnID uint32, marks MarkSet) {
	c.lru.put(markCacheKey{fileID, columnID}, marks, int64(len(marks)*markByteSize))
}

// A ReadSegment, as returned by ColumnCache.Strategy per §4.3's column
// cache section, describes how a contiguous run of packs for one column
// should be served: either
// copied straight out of the column cache (Memory) or read from disk
// and then (on success) inserted back into the cache (Disk).
type SegmentKind uint8

const (
	SegmentMemory SegmentKind = iota
	SegmentDisk
)

type ReadSegment struct {
	PackLo, PackHi int // half-open [PackLo, PackHi)
	Kind           SegmentKind
}

// ColumnCache holds whole-pack decoded Columns for cacheable columns
// (handle, version — the implicit columns every query touches),
// keyed by (file id, column id, pack index).
type ColumnCache struct {
	lru *sizedLRU
}

func NewColumnCache(budgetBytes int64) *ColumnCache {
	return &ColumnCache{lru: newSizedLRU(budgetBytes)}
}

type columnCacheKey struct {
	fileID   string
	columnID uint32
	pack     int
}

func (c *ColumnCache) Get(fileID string, columnID uint32, pack int) (*block.Column, bool) {
	v, ok := c.lru.get(columnCacheKey{fileID, columnID, pack})
	if !ok {
		return nil, false
	}
	return v.(*block.Column), true
}

func (c *ColumnCache) Put(fileID string, columnID uint32, pack int, col *block.Column) {
	size := int64(col.Len()*8 + len(col.Bytes))
	c.lru.put(columnCacheKey{fileID, columnID, pack}, col, size)
}

// Strategy computes the ReadSegment run for packs [lo, hi) of one
// column: consecutive cached packs coalesce into one Memory segment,
// consecutive uncached packs into one Disk segment.
func (c *ColumnCache) Strategy(fileID string, columnID uint32, lo, hi int) []ReadSegment {
	var segs []ReadSegment
	i := lo
	for i < hi {
		_, cached := c.Get(fileID, columnID, i)
		j := i + 1
		for j < hi {
			_, ok := c.Get(fileID, columnID, j)
			if ok != cached {
				break
			}
			j++
		}
		kind := SegmentDisk
		if cached {
			kind = SegmentMemory
		}
		segs = append(segs, ReadSegment{PackLo: i, PackHi: j, Kind: kind})
		i = j
	}
	return segs
}
