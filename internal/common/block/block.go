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

// Package block defines the in-memory columnar unit shared by the
// DMFileReader and HashJoin: a Block is a handful of named Columns with
// a shared row count, the same role container/batch.Batch plays for the
// rest of the fleet's vectorized execution.
package block

import (
	"github.com/RoaringBitmap/roaring"
)

// Kind tags a Column's physical representation.
type Kind uint8

const (
	KindInt64 Kind = iota
	KindBytes
	KindUint8 // delete-mark / boolean columns
)

// Nulls wraps the bitmap library the rest of the fleet's vectorized
// columns use to track NULL positions; a nil Np means "no nulls",
// avoiding an allocation for the overwhelmingly common dense case.
type Nulls struct {
	Np *roaring.Bitmap
}

func (n *Nulls) Contains(row int) bool {
	if n == nil || n.Np == nil {
		return false
	}
	return n.Np.Contains(uint32(row))
}

func (n *Nulls) Add(row int) {
	if n.Np == nil {
		n.Np = roaring.New()
	}
	n.Np.Add(uint32(row))
}

func (n *Nulls) Any() bool { return n != nil && n.Np != nil && !n.Np.IsEmpty() }

func (n *Nulls) Clone() *Nulls {
	if n == nil || n.Np == nil {
		return &Nulls{}
	}
	return &Nulls{Np: n.Np.Clone()}
}

// Column is one named vector of a Block. Int64Data backs KindInt64 and
// KindUint8 (widened to int64 for simplicity); BytesData backs KindBytes
// with Offsets delimiting each row's slice of Bytes (Offsets has
// RowCount+1 entries, CSR-style, matching the mark/pack layout DMFile
// uses for variable-length cells).
type Column struct {
	Name    string
	Kind    Kind
	Int64s  []int64
	Bytes   []byte
	Offsets []uint32
	Nulls   Nulls
	// Constant marks a column produced by a clean-read shortcut: every
	// row shares ConstInt64/ConstBytes rather than being materialized.
	Constant   bool
	ConstInt64 int64
	ConstBytes []byte
	// IntWidth is the source SQL type's storage width in bytes (1, 2, 4,
	// or 8) for a KindInt64 column; every value still widens into Int64s,
	// this only tags how wide the original column was. Zero means
	// "unset" and is treated as 8 so existing construction sites that
	// never set it keep their prior behavior.
	IntWidth uint8
}

func NewInt64Column(name string, data []int64) *Column {
	return &Column{Name: name, Kind: KindInt64, Int64s: data}
}

// NewSizedInt64Column is NewInt64Column for a narrower SQL integer type,
// tagging width so KeyColumn can recover it for ChooseMethod's dispatch.
func NewSizedInt64Column(name string, data []int64, width uint8) *Column {
	return &Column{Name: name, Kind: KindInt64, Int64s: data, IntWidth: width}
}

func NewConstInt64Column(name string, v int64, rows int) *Column {
	return &Column{Name: name, Kind: KindInt64, Constant: true, ConstInt64: v, Int64s: constInt64Slice(v, rows)}
}

// Width reports the column's storage width in bytes: 1, 2, 4, or 8. An
// unset IntWidth (the common case for existing construction sites) is
// treated as 8, the widest and safest default.
func (c *Column) Width() int {
	switch c.IntWidth {
	case 1, 2, 4:
		return int(c.IntWidth)
	default:
		return 8
	}
}

// constInt64Slice materializes a constant run; DMFileReader's clean-read
// path keeps Constant=true and this slice lazily-filled only when a
// consumer needs random access rather than a scan.
func constInt64Slice(v int64, rows int) []int64 {
	s := make([]int64, rows)
	for i := range s {
		s[i] = v
	}
	return s
}

func (c *Column) Len() int {
	if c.Kind == KindBytes {
		if len(c.Offsets) == 0 {
			return 0
		}
		return len(c.Offsets) - 1
	}
	return len(c.Int64s)
}

func (c *Column) Int64At(row int) int64 {
	if c.Constant {
		return c.ConstInt64
	}
	return c.Int64s[row]
}

func (c *Column) BytesAt(row int) []byte {
	if c.Constant {
		return c.ConstBytes
	}
	return c.Bytes[c.Offsets[row]:c.Offsets[row+1]]
}

func (c *Column) IsNull(row int) bool {
	return c.Nulls.Contains(row)
}

// Slice returns a new Column covering rows [lo, hi) without copying the
// backing Bytes buffer for KindBytes columns.
func (c *Column) Slice(lo, hi int) *Column {
	out := &Column{Name: c.Name, Kind: c.Kind, Constant: c.Constant, ConstInt64: c.ConstInt64, ConstBytes: c.ConstBytes, IntWidth: c.IntWidth}
	switch c.Kind {
	case KindBytes:
		if !c.Constant {
			out.Offsets = make([]uint32, hi-lo+1)
			base := c.Offsets[lo]
			for i := lo; i <= hi; i++ {
				out.Offsets[i-lo] = c.Offsets[i] - base
			}
			out.Bytes = c.Bytes[base:c.Offsets[hi]]
		}
	default:
		if !c.Constant {
			out.Int64s = c.Int64s[lo:hi]
		}
	}
	if c.Nulls.Np != nil {
		sub := roaring.New()
		it := c.Nulls.Np.Iterator()
		it.AdvanceIfNeeded(uint32(lo))
		for it.HasNext() {
			v := it.Next()
			if v >= uint32(hi) {
				break
			}
			sub.Add(v - uint32(lo))
		}
		out.Nulls.Np = sub
	}
	return out
}

// Block is a set of same-length Columns, the unit DMFileReader emits
// and HashJoin consumes/produces.
type Block struct {
	Columns  []*Column
	rowCount int
}

func New(cols []*Column) *Block {
	b := &Block{Columns: cols}
	if len(cols) > 0 {
		b.rowCount = cols[0].Len()
	}
	return b
}

func (b *Block) RowCount() int { return b.rowCount }

func (b *Block) SetRowCount(n int) { b.rowCount = n }

func (b *Block) Column(name string) *Column {
	for _, c := range b.Columns {
		if c.Name == name {
			return c
		}
	}
	return nil
}

func (b *Block) Slice(lo, hi int) *Block {
	cols := make([]*Column, len(b.Columns))
	for i, c := range b.Columns {
		cols[i] = c.Slice(lo, hi)
	}
	out := New(cols)
	out.rowCount = hi - lo
	return out
}
