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

// colBuilder accumulates one output column row by row, the shape
// Materialize and the other-filter row selector need since block.Column
// itself has no incremental append API.
type colBuilder struct {
	name    string
	kind    block.Kind
	int64s  []int64
	bytes   []byte
	offsets []uint32
	nulls   block.Nulls
	row     int
}

func newColBuilder(name string, kind block.Kind, capacity int) *colBuilder {
	b := &colBuilder{name: name, kind: kind}
	switch kind {
	case block.KindBytes:
		b.offsets = make([]uint32, 1, capacity+1)
	default:
		b.int64s = make([]int64, 0, capacity)
	}
	return b
}

func (b *colBuilder) appendInt64(v int64) {
	b.int64s = append(b.int64s, v)
	b.row++
}

func (b *colBuilder) appendBytes(v []byte) {
	b.bytes = append(b.bytes, v...)
	b.offsets = append(b.offsets, uint32(len(b.bytes)))
	b.row++
}

func (b *colBuilder) appendNull() {
	switch b.kind {
	case block.KindBytes:
		b.offsets = append(b.offsets, uint32(len(b.bytes)))
	default:
		b.int64s = append(b.int64s, 0)
	}
	b.nulls.Add(b.row)
	b.row++
}

func (b *colBuilder) column() *block.Column {
	c := &block.Column{Name: b.name, Kind: b.kind, Nulls: b.nulls}
	switch b.kind {
	case block.KindBytes:
		c.Bytes = b.bytes
		c.Offsets = b.offsets
	default:
		c.Int64s = b.int64s
	}
	return c
}
