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
	"strconv"

	"github.com/matrixbase/dtcore/internal/common/block"
	"github.com/matrixbase/dtcore/internal/common/errors"
)

// SynthesizeDefault builds the constant column a requested column id
// gets when it is absent from the file's on-disk schema — post-ALTER
// reads of pre-ALTER files, §4.3 "DDL on read".
func SynthesizeDefault(schema ColumnSchema, rows int) *block.Column {
	switch schema.Type {
	case TypeInt64:
		return block.NewConstInt64Column(schema.Name, schema.DefaultInt64, rows)
	case TypeBytes:
		col := &block.Column{Name: schema.Name, Kind: block.KindBytes, Constant: true, ConstBytes: schema.DefaultBytes}
		col.Offsets = make([]uint32, rows+1) // Len() derives from Offsets even for constants
		return col
	default:
		return block.NewConstInt64Column(schema.Name, 0, rows)
	}
}

// CastColumn performs the value-preserving cast §4.3 requires when the
// on-disk type differs from the requested type: the reader always reads
// the on-disk type first, then casts.
func CastColumn(col *block.Column, to ColumnType) (*block.Column, error) {
	from := TypeInt64
	if col.Kind == block.KindBytes {
		from = TypeBytes
	}
	if from == to {
		return col, nil
	}
	switch {
	case from == TypeInt64 && to == TypeBytes:
		return castInt64ToBytes(col), nil
	case from == TypeBytes && to == TypeInt64:
		return castBytesToInt64(col)
	default:
		return nil, errors.Logical("unsupported value-preserving cast %v -> %v", from, to)
	}
}

func castInt64ToBytes(col *block.Column) *block.Column {
	n := col.Len()
	offs := make([]uint32, n+1)
	var data []byte
	for i := 0; i < n; i++ {
		s := strconv.FormatInt(col.Int64At(i), 10)
		data = append(data, s...)
		offs[i+1] = uint32(len(data))
	}
	out := &block.Column{Name: col.Name, Kind: block.KindBytes, Bytes: data, Offsets: offs, Nulls: *col.Nulls.Clone()}
	return out
}

func castBytesToInt64(col *block.Column) (*block.Column, error) {
	n := col.Len()
	vals := make([]int64, n)
	for i := 0; i < n; i++ {
		if col.IsNull(i) {
			continue
		}
		v, err := strconv.ParseInt(string(col.BytesAt(i)), 10, 64)
		if err != nil {
			return nil, errors.Logical("cast column %s row %d: %v", col.Name, i, err)
		}
		vals[i] = v
	}
	out := &block.Column{Name: col.Name, Kind: block.KindInt64, Int64s: vals, Nulls: *col.Nulls.Clone()}
	return out, nil
}

// WidenNullable wraps a non-nullable on-disk column to satisfy a
// Nullable(T) request: the data is untouched, an absent Nulls bitmap
// already means "every row non-null" in block.Column's representation.
func WidenNullable(col *block.Column) *block.Column { return col }

// NarrowNullable satisfies a T request against a Nullable(T) on-disk
// column. Per §4.3 this is only valid when the column in fact contains
// no NULLs, and the reader does not check — it is the writer's
// responsibility never to request an unsafe narrowing.
func NarrowNullable(col *block.Column) *block.Column {
	out := *col
	out.Nulls = block.Nulls{}
	return &out
}
