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
	"bytes"
	"encoding/binary"

	"github.com/matrixbase/dtcore/internal/common/block"
)

// ChooseMethod implements §4.4's choose_method: single fixed-width
// numeric key columns get a direct-addressed method by width; a single
// string key gets MethodKeyStringBinaryPadding under CollationPadding
// and MethodKeyString otherwise (MethodKeyStringBinary and
// MethodKeyFixedString are never chosen); multiple columns get
// keys128/keys256 when their fixed width is at most 16/32 bytes, and
// Serialized otherwise or when any of them is a bytes column.
func ChooseMethod(keys []KeyColumn) Method {
	if len(keys) == 1 && keys[0].Column.Kind != block.KindBytes {
		switch keys[0].Column.Width() {
		case 1:
			return MethodKey8
		case 2:
			return MethodKey16
		case 4:
			return MethodKey32
		default:
			return MethodKey64
		}
	}
	if len(keys) == 1 && keys[0].Column.Kind == block.KindBytes {
		switch keys[0].Collation {
		case CollationPadding:
			return MethodKeyStringBinaryPadding
		default:
			return MethodKeyString
		}
	}
	width := serializedWidth(keys)
	switch {
	case width <= 16:
		return MethodKeys128
	case width <= 32:
		return MethodKeys256
	default:
		return MethodSerialized
	}
}

// serializedWidth estimates the packed byte width of a composite key
// from the column kinds alone (8 bytes per fixed-width column; no row
// is read), used only to steer ChooseMethod; any bytes column returns a
// width large enough to force Serialized.
func serializedWidth(keys []KeyColumn) int {
	n := 0
	for _, k := range keys {
		if k.Column.Kind == block.KindBytes {
			return 1 << 20 // variable width always forces Serialized
		}
		n += 8
	}
	return n
}

// PackKey serializes row's key columns into a self-describing byte
// string: fixed columns as 8 little-endian bytes, variable columns with
// a 4-byte little-endian length prefix (right-trimmed of spaces under
// CollationPadding). A row with NULL in any key column returns
// (nil, true) and no key, so it never matches anything.
// PackKeyU64 is used instead whenever Method.IsNumeric().
func PackKey(keys []KeyColumn, row int) (key []byte, hasNull bool) {
	var buf bytes.Buffer
	for _, k := range keys {
		if k.Column.IsNull(row) {
			hasNull = true
			return nil, true
		}
	}
	for _, k := range keys {
		if k.Column.Kind == block.KindBytes {
			b := k.Column.BytesAt(row)
			if k.Collation == CollationPadding {
				b = bytesRightTrim(b)
			}
			var lenBuf [4]byte
			binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(b)))
			buf.Write(lenBuf[:])
			buf.Write(b)
		} else {
			var v [8]byte
			binary.LittleEndian.PutUint64(v[:], uint64(k.Column.Int64At(row)))
			buf.Write(v[:])
		}
	}
	return buf.Bytes(), false
}

// PackKeyU64 packs a single fixed-width numeric key column directly,
// the key8/16/32/64 fast path that avoids the Arena entirely.
func PackKeyU64(keys []KeyColumn, row int) (key uint64, hasNull bool) {
	if keys[0].Column.IsNull(row) {
		return 0, true
	}
	return uint64(keys[0].Column.Int64At(row)), false
}

func bytesRightTrim(b []byte) []byte {
	i := len(b)
	for i > 0 && b[i-1] == ' ' {
		i--
	}
	return b[:i]
}
