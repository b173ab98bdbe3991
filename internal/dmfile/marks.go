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

// Package dmfile implements the columnar read path over immutable
// DMFile directories: pack-level rough-set pruning, mark-cache-backed
// sparse seeking, clean-read shortcuts, column caching and DDL-on-read
// schema evolution, §4.3.
package dmfile

import (
	"encoding/binary"

	"github.com/matrixbase/dtcore/internal/common/errors"
)

// Mark is one (compressed_offset, decompressed_offset) pair, one per
// pack per column, used to seek directly to a pack's data without
// decompressing everything before it.
type Mark struct {
	CompressedOffset   uint64
	DecompressedOffset uint64
}

const markByteSize = 16

// MarkSet is the full per-pack mark array for one column, loaded once
// per Stream and optionally shared via the mark cache.
type MarkSet []Mark

// DecodeMarkSet parses the .mrk file format: a flat array of
// (compressed_offset uint64, decompressed_offset uint64) little-endian
// pairs, one per pack, with no header in the Legacy/Checksum variants.
func DecodeMarkSet(b []byte) (MarkSet, error) {
	if len(b)%markByteSize != 0 {
		return nil, errors.Logical("mark file length %d is not a multiple of %d", len(b), markByteSize)
	}
	n := len(b) / markByteSize
	out := make(MarkSet, n)
	for i := 0; i < n; i++ {
		off := i * markByteSize
		out[i] = Mark{
			CompressedOffset:   binary.LittleEndian.Uint64(b[off:]),
			DecompressedOffset: binary.LittleEndian.Uint64(b[off+8:]),
		}
	}
	return out, nil
}

func (ms MarkSet) Encode() []byte {
	buf := make([]byte, len(ms)*markByteSize)
	for i, m := range ms {
		off := i * markByteSize
		binary.LittleEndian.PutUint64(buf[off:], m.CompressedOffset)
		binary.LittleEndian.PutUint64(buf[off+8:], m.DecompressedOffset)
	}
	return buf
}
