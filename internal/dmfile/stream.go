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
	"bytes"
	"context"
	"encoding/binary"
	"io"
	"io/ioutil"

	"github.com/DataDog/zstd"
	"github.com/pierrec/lz4"

	"github.com/matrixbase/dtcore/internal/common/block"
	"github.com/matrixbase/dtcore/internal/common/checksum"
	"github.com/matrixbase/dtcore/internal/common/config"
	"github.com/matrixbase/dtcore/internal/common/errors"
	"github.com/matrixbase/dtcore/internal/common/fileprovider"
	"github.com/matrixbase/dtcore/internal/common/ratelimit"
)

// frameHeaderSize is [compressedLen uint32][decompressedLen uint32], the
// Legacy framing. Checksum/MetaV2 variants prepend a CRC32 of the
// compressed body, frameHeaderSizeChecksummed total.
const (
	frameHeaderSize            = 8
	frameHeaderSizeChecksummed = 12
)

// ColumnFormat tags the physical row encoding inside a decompressed
// frame: fixed-width columns (handle, version, int64 values) pack
// rows*8 bytes; variable-width columns pack a uint32 length prefix per
// row followed by that many content bytes, letting ReadPack rebuild a
// block.Column's CSR offsets.
type ColumnFormat uint8

const (
	FormatFixedInt64 ColumnFormat = iota
	FormatBytes
)

// Stream is one column's read path over a single DMFile, §4.3: parsed
// marks (optionally shared through the mark cache), the open data file
// handle, and the compression/checksum configuration needed to turn
// frame bytes back into row values.
type Stream struct {
	fileID   string
	columnID uint32
	name     string
	format   ColumnFormat

	handle  fileprovider.Handle
	marks   MarkSet
	limiter *ratelimit.Limiter

	compression config.CompressionMethod
	checksummed bool
	avgCellSize float64
}

// OpenStream opens the column's data file through fp and resolves its
// marks, consulting markCache first.
func OpenStream(fp *fileprovider.Provider, fileID, dir string, columnID uint32, name string, format ColumnFormat, cfg *config.DMFileConfig, checksummed bool, markCache *MarkCache, limiter *ratelimit.Limiter) (*Stream, error) {
	dataPath := dir + "/" + name + ".dat"
	h, err := fp.OpenForRead(dataPath, dataPath)
	if err != nil {
		return nil, err
	}

	var marks MarkSet
	if markCache != nil {
		if cached, ok := markCache.Get(fileID, columnID); ok {
			marks = cached
		}
	}
	if marks == nil {
		markPath := dir + "/" + name + ".mrk"
		mh, err := fp.OpenForRead(markPath, markPath)
		if err != nil {
			h.Close()
			return nil, err
		}
		raw, err := readAllHandle(mh)
		mh.Close()
		if err != nil {
			h.Close()
			return nil, err
		}
		marks, err = DecodeMarkSet(raw)
		if err != nil {
			h.Close()
			return nil, err
		}
		if markCache != nil {
			markCache.Put(fileID, columnID, marks)
		}
	}

	return &Stream{
		fileID:      fileID,
		columnID:    columnID,
		name:        name,
		format:      format,
		handle:      h,
		marks:       marks,
		limiter:     limiter,
		compression: cfg.CompressionMethod,
		checksummed: checksummed,
	}, nil
}

func (s *Stream) Close() error { return s.handle.Close() }

func (s *Stream) PackCount() int { return len(s.marks) }

func readAllHandle(h fileprovider.Handle) ([]byte, error) {
	var buf bytes.Buffer
	var off int64
	chunk := make([]byte, 64<<10)
	for {
		n, err := h.ReadAt(chunk, off)
		if n > 0 {
			buf.Write(chunk[:n])
			off += int64(n)
		}
		if err != nil {
			if err == io.EOF {
				break
			}
			return nil, errors.IOError(err, "read mark file")
		}
		if n == 0 {
			break
		}
	}
	return buf.Bytes(), nil
}

// readFrame fetches and decompresses the frame starting at compressed
// offset off, returning the full decompressed frame bytes (which may
// span multiple packs when several packs share one compressed frame).
func (s *Stream) readFrame(ctx context.Context, off uint64) ([]byte, error) {
	headerSize := frameHeaderSize
	if s.checksummed {
		headerSize = frameHeaderSizeChecksummed
	}
	header := make([]byte, headerSize)
	if n, err := s.handle.ReadAt(header, int64(off)); err != nil || n != headerSize {
		return nil, errors.IOError(err, "read frame header for column %s at %d", s.name, off)
	}

	var compressedLen, decompressedLen uint32
	var wantCRC uint32
	if s.checksummed {
		wantCRC = binary.LittleEndian.Uint32(header[0:])
		compressedLen = binary.LittleEndian.Uint32(header[4:])
		decompressedLen = binary.LittleEndian.Uint32(header[8:])
	} else {
		compressedLen = binary.LittleEndian.Uint32(header[0:])
		decompressedLen = binary.LittleEndian.Uint32(header[4:])
	}

	if s.limiter != nil {
		if err := s.limiter.WaitN(ctx, int(compressedLen)); err != nil {
			return nil, err
		}
	}
	body := make([]byte, compressedLen)
	if n, err := s.handle.ReadAt(body, int64(off)+int64(headerSize)); err != nil || uint32(n) != compressedLen {
		return nil, errors.IOError(err, "read frame body for column %s at %d", s.name, off)
	}
	if s.checksummed {
		if got := checksum.CRC32(body); got != wantCRC {
			return nil, errors.ChecksumMismatch("column %s: frame at %d checksum mismatch", s.name, off)
		}
	}

	decompressed, err := decompress(body, s.compression, int(decompressedLen))
	if err != nil {
		return nil, errors.Wrap(errors.KindIOError, err, "decompress frame for column %s at %d", s.name, off)
	}
	return decompressed, nil
}

func decompress(body []byte, method config.CompressionMethod, decompressedLen int) ([]byte, error) {
	switch method {
	case config.CompressionNone:
		return body, nil
	case config.CompressionLZ4:
		r := lz4.NewReader(bytes.NewReader(body))
		out := make([]byte, decompressedLen)
		if _, err := io.ReadFull(r, out); err != nil {
			return nil, err
		}
		return out, nil
	case config.CompressionZSTD:
		r := zstd.NewReader(bytes.NewReader(body))
		defer r.Close()
		out, err := ioutil.ReadAll(io.LimitReader(r, int64(decompressedLen)))
		if err != nil {
			return nil, err
		}
		return out, nil
	default:
		return nil, errors.Logical("unknown compression method %q", method)
	}
}

func compress(data []byte, method config.CompressionMethod) ([]byte, error) {
	switch method {
	case config.CompressionNone:
		return data, nil
	case config.CompressionLZ4:
		var buf bytes.Buffer
		w := lz4.NewWriter(&buf)
		if _, err := w.Write(data); err != nil {
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	case config.CompressionZSTD:
		return zstd.Compress(nil, data)
	default:
		return nil, errors.Logical("unknown compression method %q", method)
	}
}

// ReadPack decodes pack index idx into rows values. FormatBytes frames
// self-describe their row lengths: rows uint32 length prefixes
// immediately follow the mark's decompressed offset, then the
// concatenated row content, so no external length table is needed.
func (s *Stream) ReadPack(ctx context.Context, idx int, rows int) (*block.Column, error) {
	if idx < 0 || idx >= len(s.marks) {
		return nil, errors.Logical("column %s: pack index %d out of range (%d marks)", s.name, idx, len(s.marks))
	}
	mark := s.marks[idx]
	frame, err := s.readFrame(ctx, mark.CompressedOffset)
	if err != nil {
		return nil, err
	}
	start := int(mark.DecompressedOffset)
	if start > len(frame) {
		return nil, errors.Logical("column %s: pack %d decompressed offset %d beyond frame size %d", s.name, idx, start, len(frame))
	}

	switch s.format {
	case FormatFixedInt64:
		need := rows * 8
		if start+need > len(frame) {
			return nil, errors.Logical("column %s: pack %d needs %d bytes past frame end", s.name, idx, need)
		}
		vals := make([]int64, rows)
		for i := 0; i < rows; i++ {
			vals[i] = int64(binary.LittleEndian.Uint64(frame[start+i*8:]))
		}
		return block.NewInt64Column(s.name, vals), nil
	case FormatBytes:
		lenTableSize := rows * 4
		if start+lenTableSize > len(frame) {
			return nil, errors.Logical("column %s: pack %d length table exceeds frame", s.name, idx)
		}
		offs := make([]uint32, rows+1)
		for i := 0; i < rows; i++ {
			offs[i+1] = offs[i] + binary.LittleEndian.Uint32(frame[start+i*4:])
		}
		contentStart := start + lenTableSize
		total := int(offs[rows])
		if contentStart+total > len(frame) {
			return nil, errors.Logical("column %s: pack %d variable content exceeds frame", s.name, idx)
		}
		col := &block.Column{Name: s.name, Kind: block.KindBytes, Bytes: frame[contentStart : contentStart+total], Offsets: offs}
		return col, nil
	default:
		return nil, errors.Logical("column %s: unknown format", s.name)
	}
}

// EncodePack is the write-side mirror of ReadPack's frame body layout,
// used by tests to build synthetic fixtures without a real writer.
func EncodePack(format ColumnFormat, int64s []int64, byteRows [][]byte) []byte {
	switch format {
	case FormatFixedInt64:
		buf := make([]byte, len(int64s)*8)
		for i, v := range int64s {
			binary.LittleEndian.PutUint64(buf[i*8:], uint64(v))
		}
		return buf
	case FormatBytes:
		buf := make([]byte, len(byteRows)*4)
		for i, row := range byteRows {
			binary.LittleEndian.PutUint32(buf[i*4:], uint32(len(row)))
		}
		for _, row := range byteRows {
			buf = append(buf, row...)
		}
		return buf
	default:
		return nil
	}
}
