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
	"sync"

	"github.com/matrixbase/dtcore/internal/common/block"
)

// BlockRegistry assigns globally unique block IDs across every Builder
// feeding the same Table, so a RowRef produced by any build thread
// resolves unambiguously regardless of which thread inserted it. §9's
// "never a raw pointer" guidance still holds: RowRef carries an index
// into this registry, not a pointer into a particular Builder.
type BlockRegistry struct {
	mu     sync.Mutex
	blocks []*block.Block
}

func NewBlockRegistry() *BlockRegistry { return &BlockRegistry{} }

func (r *BlockRegistry) add(blk *block.Block) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := len(r.blocks)
	r.blocks = append(r.blocks, blk)
	return id
}

func (r *BlockRegistry) Block(id int) *block.Block {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.blocks[id]
}

func (r *BlockRegistry) Row(ref RowRef) (*block.Block, int) {
	return r.Block(ref.BlockID), int(ref.Row)
}

func (r *BlockRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.blocks)
}

// Builder owns one build thread's insertion work: it pulls blocks
// through the shared BlockRegistry and writes into the shared sharded
// Table concurrently with every other Builder over the same Table,
// §4.4's per-build-thread partitioning.
type Builder struct {
	table      *Table
	registry   *BlockRegistry
	keyNames   []string
	collations []CollationClass
	method     Method
	strictness Strictness

	notInserted []RowRef
}

func NewBuilder(table *Table, registry *BlockRegistry, keyNames []string, collations []CollationClass) *Builder {
	return &Builder{
		table:      table,
		registry:   registry,
		keyNames:   keyNames,
		collations: collations,
		method:     table.method,
		strictness: table.strictness,
	}
}

// InsertFromBlock registers blk in the shared BlockRegistry (the build
// side owns it for the probe phase's later row materialization) and
// inserts every row whose key columns are all non-NULL. NULL-key rows
// are NULL-never-matches, §3.5, and go onto notInserted so a
// RIGHT/FULL probe can still emit them as non-joined.
func (b *Builder) InsertFromBlock(blk *block.Block) {
	blockID := b.registry.add(blk)

	keys := b.resolveKeys(blk)
	rows := blk.RowCount()
	for row := 0; row < rows; row++ {
		ref := RowRef{BlockID: blockID, Row: int32(row)}
		var hasNull bool
		if b.method.IsNumeric() {
			var u64 uint64
			u64, hasNull = PackKeyU64(keys, row)
			if !hasNull {
				b.insert(u64, nil, ref)
			}
		} else {
			var packed []byte
			packed, hasNull = PackKey(keys, row)
			if !hasNull {
				b.insert(0, packed, ref)
			}
		}
		if hasNull {
			b.notInserted = append(b.notInserted, ref)
			b.table.markNullKeySeen()
		}
	}
}

func (b *Builder) insert(u64 uint64, packed []byte, ref RowRef) {
	switch b.strictness {
	case StrictAny:
		if b.method.IsNumeric() {
			b.table.insertAnyU64(u64, ref)
		} else {
			b.table.insertAnyBytes(packed, ref)
		}
	case StrictAll:
		if b.method.IsNumeric() {
			b.table.insertAllU64(u64, ref)
		} else {
			b.table.insertAllBytes(packed, ref)
		}
	}
}

func (b *Builder) resolveKeys(blk *block.Block) []KeyColumn {
	keys := make([]KeyColumn, len(b.keyNames))
	for i, name := range b.keyNames {
		keys[i] = KeyColumn{Column: blk.Column(name), Collation: b.collations[i]}
	}
	return keys
}

func (b *Builder) NotInserted() []RowRef { return b.notInserted }
