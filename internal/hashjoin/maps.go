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

package hashjoin

import (
	"encoding/binary"
	"sync"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"

	"github.com/matrixbase/dtcore/internal/common/arena"
	"github.com/matrixbase/dtcore/internal/common/checksum"
)

const numShards = 64

// RowRefListNode is one link of the ALL-strictness match list, built
// from the Table's single NodeArena (shared by all of its Builders;
// there is no per-builder arena) per §9's arena+stable-index guidance
// instead of a raw next pointer.
type RowRefListNode struct {
	Ref  RowRef
	Next arena.Ref
}

// entry is the value stored per distinct key. Exactly one of (anySet,
// allSet) is meaningful depending on the table's Strictness. used is
// accessed atomically so probe threads can mark RIGHT/FULL matches
// without taking the shard lock.
type entry struct {
	anyRef RowRef
	anySet bool

	allHead arena.Ref
	allSet  bool

	used int32
}

func (e *entry) markUsed() { atomic.StoreInt32(&e.used, 1) }
func (e *entry) isUsed() bool { return atomic.LoadInt32(&e.used) != 0 }

// Table is the concurrent hash map over join keys described in §3.5.
// Numeric keys (Method.IsNumeric()) use the u64 shard maps; every other
// method packs its key through keys.go into a byte string and uses the
// bytes shard maps. Each shard has its own mutex, giving the
// "per-bucket locking" concurrency §4.4 requires.
type Table struct {
	strictness Strictness
	method     Method

	u64Shards   [numShards]map[uint64]*entry
	u64Mus      [numShards]sync.Mutex
	byteShards  [numShards]map[string]*entry
	byteMus     [numShards]sync.Mutex

	nodes *arena.NodeArena[RowRefListNode]

	// nullKeySeen records whether any build row was excluded from the
	// table for having a NULL join key, the fact SEMI/ANTI's three-state
	// match helper needs to tell "definitely unmatched" apart from
	// "unmatched, but the build side had a NULL key so SQL's NOT IN
	// semantics make the answer unknown".
	nullKeySeen int32
}

func (t *Table) markNullKeySeen() { atomic.StoreInt32(&t.nullKeySeen, 1) }
func (t *Table) hasNullKey() bool { return atomic.LoadInt32(&t.nullKeySeen) != 0 }

func NewTable(method Method, strictness Strictness, listSlabSize int) *Table {
	t := &Table{method: method, strictness: strictness}
	for i := range t.u64Shards {
		t.u64Shards[i] = make(map[uint64]*entry)
		t.byteShards[i] = make(map[string]*entry)
	}
	if strictness == StrictAll {
		t.nodes = arena.NewNodeArena[RowRefListNode](listSlabSize)
	}
	return t
}

// shardForU64 hashes the fixed-width key through CRC32 before sharding,
// the same "hash then shard" shape shardForBytes uses with xxhash — a
// raw key modulo would skew shard occupancy for the common case of
// small or sequential keys (handle columns, auto-increment ids).
func shardForU64(k uint64) int {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], k)
	return int(uint64(checksum.CRC32(buf[:])) % uint64(numShards))
}

func shardForBytes(k []byte) int { return int(xxhash.Sum64(k) % uint64(numShards)) }

// insertOrGetU64 returns the entry for key, creating it under the
// shard's lock if absent, and reports whether it already existed.
func (t *Table) insertOrGetU64(key uint64) (*entry, bool) {
	s := shardForU64(key)
	t.u64Mus[s].Lock()
	defer t.u64Mus[s].Unlock()
	e, ok := t.u64Shards[s][key]
	if !ok {
		e = &entry{}
		t.u64Shards[s][key] = e
	}
	return e, ok
}

func (t *Table) insertOrGetBytes(key []byte) (*entry, bool) {
	s := shardForBytes(key)
	t.byteMus[s].Lock()
	defer t.byteMus[s].Unlock()
	e, ok := t.byteShards[s][string(key)]
	if !ok {
		e = &entry{}
		t.byteShards[s][string(key)] = e
	}
	return e, ok
}

func (t *Table) lookupU64(key uint64) (*entry, bool) {
	s := shardForU64(key)
	t.u64Mus[s].Lock()
	defer t.u64Mus[s].Unlock()
	e, ok := t.u64Shards[s][key]
	return e, ok
}

func (t *Table) lookupBytes(key []byte) (*entry, bool) {
	s := shardForBytes(key)
	t.byteMus[s].Lock()
	defer t.byteMus[s].Unlock()
	e, ok := t.byteShards[s][string(key)]
	return e, ok
}

// insertAny implements try_insert: leave the existing entry untouched
// on collision.
func (t *Table) insertAnyU64(key uint64, ref RowRef) {
	e, existed := t.insertOrGetU64(key)
	if !existed {
		e.anyRef, e.anySet = ref, true
	}
}

func (t *Table) insertAnyBytes(key []byte, ref RowRef) {
	e, existed := t.insertOrGetBytes(key)
	if !existed {
		e.anyRef, e.anySet = ref, true
	}
}

// insertAll prepends a new RowRefListNode allocated from the Table's
// shared NodeArena onto the key's list head; nodes from every Builder
// come from that one arena.
func (t *Table) insertAllU64(key uint64, ref RowRef) {
	s := shardForU64(key)
	t.u64Mus[s].Lock()
	defer t.u64Mus[s].Unlock()
	e, ok := t.u64Shards[s][key]
	if !ok {
		e = &entry{}
		t.u64Shards[s][key] = e
	}
	t.prependLocked(e, ref)
}

func (t *Table) insertAllBytes(key []byte, ref RowRef) {
	s := shardForBytes(key)
	t.byteMus[s].Lock()
	defer t.byteMus[s].Unlock()
	e, ok := t.byteShards[s][string(key)]
	if !ok {
		e = &entry{}
		t.byteShards[s][string(key)] = e
	}
	t.prependLocked(e, ref)
}

func (t *Table) prependLocked(e *entry, ref RowRef) {
	nodeRef, node := t.nodes.New()
	node.Ref = ref
	if e.allSet {
		node.Next = e.allHead
	}
	e.allHead = nodeRef
	e.allSet = true
}

// ListFrom walks the singly-linked match list starting at head,
// returning every RowRef in insertion order (most-recently-inserted
// first is reversed to match §3.5's "list order matches insertion order
// per build partition").
func (t *Table) ListFrom(head arena.Ref) []RowRef {
	var refs []RowRef
	for !head.IsZero() {
		node := t.nodes.Get(head)
		refs = append(refs, node.Ref)
		head = node.Next
	}
	// nodes were prepended, so refs is newest-first; reverse for
	// insertion order.
	for i, j := 0, len(refs)-1; i < j; i, j = i+1, j-1 {
		refs[i], refs[j] = refs[j], refs[i]
	}
	return refs
}

// Range calls fn for every entry in the table. Used by the non-joined
// emission pass and by tests; fn must not mutate the table.
func (t *Table) Range(fn func(e *entry)) {
	for i := 0; i < numShards; i++ {
		t.u64Mus[i].Lock()
		for _, e := range t.u64Shards[i] {
			fn(e)
		}
		t.u64Mus[i].Unlock()
	}
	for i := 0; i < numShards; i++ {
		t.byteMus[i].Lock()
		for _, e := range t.byteShards[i] {
			fn(e)
		}
		t.byteMus[i].Unlock()
	}
}

// RangeShard restricts Range to shard indices satisfying idx%step==part,
// the partitioning non-joined emission uses to split work across
// parallel consumers, §4.4.
func (t *Table) RangeShard(part, step int, fn func(e *entry)) {
	for i := 0; i < numShards; i++ {
		if i%step != part {
			continue
		}
		t.u64Mus[i].Lock()
		for _, e := range t.u64Shards[i] {
			fn(e)
		}
		t.u64Mus[i].Unlock()

		t.byteMus[i].Lock()
		for _, e := range t.byteShards[i] {
			fn(e)
		}
		t.byteMus[i].Unlock()
	}
}
