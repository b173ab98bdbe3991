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
	"encoding/binary"

	"github.com/matrixbase/dtcore/internal/common/checksum"
	"github.com/matrixbase/dtcore/internal/common/config"
	"github.com/matrixbase/dtcore/internal/common/errors"
)

// SchemaVersion tags which of the three on-disk variants a DMFile uses,
// §6: Legacy carries no checksums, Checksum adds per-frame CRC32
// headers, MetaV2 additionally packs every column/pack stat into one
// file instead of one file per column.
type SchemaVersion uint8

const (
	VersionLegacy SchemaVersion = iota
	VersionChecksum
	VersionMetaV2
)

// ColumnType is the on-disk physical type of a column, independent of
// the SQL-level type the caller requests (DDL-on-read bridges the two).
type ColumnType uint8

const (
	TypeInt64 ColumnType = iota
	TypeBytes
)

// ColumnSchema is one column's declared shape as of the write that
// produced this file.
type ColumnSchema struct {
	ID       uint32
	Name     string
	Type     ColumnType
	Nullable bool

	DefaultInt64 int64
	DefaultBytes []byte
}

// FileMeta is the fully-parsed metadata for one DMFile: its schema
// version, declared columns, and per-pack statistics, §3.4.
type FileMeta struct {
	Dir               string
	Version           SchemaVersion
	ChecksumAlgorithm config.ChecksumAlgorithm
	Columns           []ColumnSchema
	Stats             PackStats
}

func (m *FileMeta) ColumnByID(id uint32) (ColumnSchema, bool) {
	for _, c := range m.Columns {
		if c.ID == id {
			return c, true
		}
	}
	return ColumnSchema{}, false
}

// Checksummed reports whether column data frames in this file carry a
// per-frame CRC32, true for Checksum and MetaV2.
func (m *FileMeta) Checksummed() bool { return m.Version != VersionLegacy }

// metaMagic tags the start of an encoded meta file so OpenFileMeta can
// sanity check before trusting the rest of the stream.
const metaMagic = uint32(0x444d4632) // "DMF2"

// EncodeMetaV2 serializes m into the tagged-record stream described in
// §6 for the MetaV2 schema variant: one record per column_stat and one
// per pack_property/pack_stat, followed by a trailing footer checksum
// over everything written before it.
func EncodeMetaV2(m *FileMeta) []byte {
	var buf []byte
	putU32 := func(v uint32) { buf = append(buf, u32b(v)...) }
	putU64 := func(v uint64) { buf = append(buf, u64b(v)...) }
	putI64 := func(v int64) { putU64(uint64(v)) }
	putStr := func(s string) { putU32(uint32(len(s))); buf = append(buf, s...) }
	putBool := func(b bool) {
		if b {
			buf = append(buf, 1)
		} else {
			buf = append(buf, 0)
		}
	}

	putU32(metaMagic)
	buf = append(buf, byte(m.Version))
	putStr(string(m.ChecksumAlgorithm))

	putU32(uint32(len(m.Columns)))
	for _, c := range m.Columns {
		putU32(c.ID)
		putStr(c.Name)
		buf = append(buf, byte(c.Type))
		putBool(c.Nullable)
		putI64(c.DefaultInt64)
		putU32(uint32(len(c.DefaultBytes)))
		buf = append(buf, c.DefaultBytes...)
	}

	putU32(uint32(len(m.Stats.Properties)))
	for _, p := range m.Stats.Properties {
		putU32(uint32(p.Rows))
		putU32(uint32(p.EffectiveRows))
		putU64(p.GCHintVersion)
		putU32(uint32(p.DeletedRows))
		putU64(p.FirstTag)
		putU64(p.FirstVersion)
		putI64(p.MinHandle)
		putI64(p.MaxHandle)
		putU64(p.MaxVersion)
		putBool(p.NotClean)
	}

	putU32(uint32(len(m.Stats.Columns)))
	for colID, packs := range m.Stats.Columns {
		putU32(colID)
		putU32(uint32(len(packs)))
		for _, ps := range packs {
			putBool(ps.HasMinMax)
			putI64(ps.MinInt64)
			putI64(ps.MaxInt64)
			putI64(ps.NullCount)
			putU32(uint32(ps.Rows))
		}
	}

	footer := checksum.CRC32(buf)
	buf = append(buf, u32b(footer)...)
	return buf
}

func u32b(v uint32) []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, v)
	return b
}

func u64b(v uint64) []byte {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, v)
	return b
}

// DecodeMetaV2 is the inverse of EncodeMetaV2, verifying the trailing
// footer checksum before trusting any record in the stream.
func DecodeMetaV2(b []byte) (*FileMeta, error) {
	if len(b) < 4 {
		return nil, errors.Logical("meta file too short")
	}
	body, footer := b[:len(b)-4], b[len(b)-4:]
	if checksum.CRC32(body) != binary.LittleEndian.Uint32(footer) {
		return nil, errors.ChecksumConfigMismatch("meta file footer checksum mismatch")
	}

	r := &byteReader{b: body}
	if r.u32() != metaMagic {
		return nil, errors.Logical("meta file missing magic header")
	}
	m := &FileMeta{}
	m.Version = SchemaVersion(r.byte())
	m.ChecksumAlgorithm = config.ChecksumAlgorithm(r.str())

	nCols := int(r.u32())
	m.Columns = make([]ColumnSchema, nCols)
	for i := range m.Columns {
		c := ColumnSchema{}
		c.ID = r.u32()
		c.Name = r.str()
		c.Type = ColumnType(r.byte())
		c.Nullable = r.boolean()
		c.DefaultInt64 = r.i64()
		if n := r.u32(); n > 0 {
			c.DefaultBytes = r.bytes(int(n))
		}
		m.Columns[i] = c
	}

	nPacks := int(r.u32())
	m.Stats.Properties = make([]PackProperty, nPacks)
	for i := range m.Stats.Properties {
		p := PackProperty{}
		p.Rows = int(r.u32())
		p.EffectiveRows = int(r.u32())
		p.GCHintVersion = r.u64()
		p.DeletedRows = int(r.u32())
		p.FirstTag = r.u64()
		p.FirstVersion = r.u64()
		p.MinHandle = r.i64()
		p.MaxHandle = r.i64()
		p.MaxVersion = r.u64()
		p.NotClean = r.boolean()
		m.Stats.Properties[i] = p
	}

	nColStats := int(r.u32())
	m.Stats.Columns = make(map[uint32][]PackColumnStat, nColStats)
	for i := 0; i < nColStats; i++ {
		colID := r.u32()
		n := int(r.u32())
		packs := make([]PackColumnStat, n)
		for j := range packs {
			ps := PackColumnStat{}
			ps.HasMinMax = r.boolean()
			ps.MinInt64 = r.i64()
			ps.MaxInt64 = r.i64()
			ps.NullCount = r.i64()
			ps.Rows = int(r.u32())
			packs[j] = ps
		}
		m.Stats.Columns[colID] = packs
	}

	if r.err != nil {
		return nil, r.err
	}
	return m, nil
}

// byteReader is a tiny cursor over a []byte used only by meta
// encode/decode; it accumulates the first error and lets every read
// become a no-op afterward so callers don't need a check per field.
type byteReader struct {
	b   []byte
	pos int
	err error
}

func (r *byteReader) need(n int) bool {
	if r.err != nil {
		return false
	}
	if r.pos+n > len(r.b) {
		r.err = errors.Logical("meta file truncated at offset %d wanting %d bytes", r.pos, n)
		return false
	}
	return true
}

func (r *byteReader) u32() uint32 {
	if !r.need(4) {
		return 0
	}
	v := binary.LittleEndian.Uint32(r.b[r.pos:])
	r.pos += 4
	return v
}

func (r *byteReader) u64() uint64 {
	if !r.need(8) {
		return 0
	}
	v := binary.LittleEndian.Uint64(r.b[r.pos:])
	r.pos += 8
	return v
}

func (r *byteReader) i64() int64 { return int64(r.u64()) }

func (r *byteReader) byte() byte {
	if !r.need(1) {
		return 0
	}
	v := r.b[r.pos]
	r.pos++
	return v
}

func (r *byteReader) boolean() bool { return r.byte() != 0 }

func (r *byteReader) bytes(n int) []byte {
	if !r.need(n) {
		return nil
	}
	v := append([]byte{}, r.b[r.pos:r.pos+n]...)
	r.pos += n
	return v
}

func (r *byteReader) str() string {
	n := int(r.u32())
	return string(r.bytes(n))
}
