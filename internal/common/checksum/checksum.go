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

// Package checksum implements the digest algorithms named by
// dt_checksum_algorithm and used for PageEntry/field checksums: XXH3
// (approximated here by the 64-bit xxhash used throughout the fleet for
// block checksums), CRC64 (the page-store default) and CRC32 (the
// frame checksum used by DMFile Checksum/MetaV2 files).
package checksum

import (
	"hash/crc32"
	"hash/crc64"

	"github.com/cespare/xxhash/v2"

	"github.com/matrixbase/dtcore/internal/common/config"
)

var crc64Table = crc64.MakeTable(crc64.ISO)
var crc32Table = crc32.MakeTable(crc32.Castagnoli)

// CRC64 is the page-store's per-page and per-field checksum.
func CRC64(b []byte) uint64 {
	return crc64.Checksum(b, crc64Table)
}

// CRC32 is the DMFile per-frame checksum used by the Checksum/MetaV2
// schema variants.
func CRC32(b []byte) uint32 {
	return crc32.Checksum(b, crc32Table)
}

// XXH64 stands in for dt_checksum_algorithm=XXH3: a single-pass 64-bit
// digest, the algorithm pebble's own block checksums reach for instead
// of hand-rolling a CRC variant.
func XXH64(b []byte) uint64 {
	return xxhash.Sum64(b)
}

// Digest is a resumable, algorithm-tagged checksum, used while streaming
// a blob write or a compressed frame too large to buffer whole.
type Digest struct {
	algo config.ChecksumAlgorithm
	crc64 uint64
	crc32 uint32
	xx    *xxhash.Digest
}

func NewDigest(algo config.ChecksumAlgorithm) *Digest {
	d := &Digest{algo: algo}
	if algo == config.ChecksumXXH3 {
		d.xx = xxhash.New()
	}
	return d
}

func (d *Digest) Write(p []byte) {
	switch d.algo {
	case config.ChecksumCRC64:
		d.crc64 = crc64.Update(d.crc64, crc64Table, p)
	case config.ChecksumCRC32:
		d.crc32 = crc32.Update(d.crc32, crc32Table, p)
	case config.ChecksumXXH3:
		_, _ = d.xx.Write(p)
	case config.ChecksumNone:
	}
}

// Sum64 returns the accumulated digest widened to 64 bits, regardless of
// the configured algorithm's native width.
func (d *Digest) Sum64() uint64 {
	switch d.algo {
	case config.ChecksumCRC64:
		return d.crc64
	case config.ChecksumCRC32:
		return uint64(d.crc32)
	case config.ChecksumXXH3:
		return d.xx.Sum64()
	default:
		return 0
	}
}

// Verify computes the digest of b with algo and compares it to want.
func Verify(algo config.ChecksumAlgorithm, b []byte, want uint64) bool {
	switch algo {
	case config.ChecksumCRC64:
		return CRC64(b) == want
	case config.ChecksumCRC32:
		return uint64(CRC32(b)) == want
	case config.ChecksumXXH3:
		return XXH64(b) == want
	case config.ChecksumNone:
		return true
	default:
		return false
	}
}
