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

import "github.com/matrixbase/dtcore/internal/common/block"

// NonJoinedEmitter walks the build side once probing is done, emitting
// every build row that never got marked used plus every row a Builder
// could not insert (NULL key), §4.4's RIGHT/FULL non-joined pass. Work
// is split across consumers by (part, step) over the Table's shards so
// several goroutines can drain it concurrently without overlapping.
type NonJoinedEmitter struct {
	table    *Table
	registry *BlockRegistry
	builders []*Builder
}

func NewNonJoinedEmitter(table *Table, registry *BlockRegistry, builders []*Builder) *NonJoinedEmitter {
	return &NonJoinedEmitter{table: table, registry: registry, builders: builders}
}

// Refs collects every build-side RowRef that must be emitted with a
// NULL-extended probe side, restricted to the shard partition
// (part, step) so step goroutines can run Refs concurrently without
// double-emitting an entry.
func (e *NonJoinedEmitter) Refs(part, step int) []RowRef {
	var refs []RowRef
	e.table.RangeShard(part, step, func(ent *entry) {
		if ent.isUsed() {
			return
		}
		if e.table.strictness == StrictAny {
			if ent.anySet {
				refs = append(refs, ent.anyRef)
			}
			return
		}
		if ent.allSet {
			refs = append(refs, e.table.ListFrom(ent.allHead)...)
		}
	})
	if part == 0 {
		for _, b := range e.builders {
			refs = append(refs, b.NotInserted()...)
		}
	}
	return refs
}

// Materialize builds the NULL-extended output block for a batch of
// non-joined build refs: every probeCol is NULL, every buildCol is read
// through the registry.
func (e *NonJoinedEmitter) Materialize(refs []RowRef, probeCols, buildCols []string, probeColKinds map[string]block.Kind) *block.Block {
	n := len(refs)
	cols := make([]*block.Column, 0, len(probeCols)+len(buildCols))

	for _, name := range probeCols {
		b := newColBuilder(name, probeColKinds[name], n)
		for i := 0; i < n; i++ {
			b.appendNull()
		}
		cols = append(cols, b.column())
	}

	for _, name := range buildCols {
		var kind block.Kind
		if n > 0 {
			blk, _ := e.registry.Row(refs[0])
			if c := blk.Column(name); c != nil {
				kind = c.Kind
			}
		}
		b := newColBuilder(name, kind, n)
		for _, ref := range refs {
			blk, row := e.registry.Row(ref)
			appendFrom(b, blk.Column(name), row)
		}
		cols = append(cols, b.column())
	}

	out := block.New(cols)
	out.SetRowCount(n)
	return out
}
