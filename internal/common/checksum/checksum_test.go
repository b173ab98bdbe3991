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

package checksum

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/matrixbase/dtcore/internal/common/config"
)

func TestVerifyEachAlgorithm(t *testing.T) {
	data := []byte("the quick brown fox jumps over the lazy dog")

	require.True(t, Verify(config.ChecksumCRC64, data, CRC64(data)))
	require.True(t, Verify(config.ChecksumCRC32, data, uint64(CRC32(data))))
	require.True(t, Verify(config.ChecksumXXH3, data, XXH64(data)))
	require.True(t, Verify(config.ChecksumNone, data, 0xDEADBEEF)) // None never fails

	require.False(t, Verify(config.ChecksumCRC64, data, CRC64(data)+1))
}

func TestDigestMatchesOneShotAcrossWrites(t *testing.T) {
	data := []byte("split across several Write calls for the digest")
	mid := len(data) / 2

	for _, algo := range []config.ChecksumAlgorithm{config.ChecksumCRC64, config.ChecksumCRC32, config.ChecksumXXH3} {
		d := NewDigest(algo)
		d.Write(data[:mid])
		d.Write(data[mid:])

		var want uint64
		switch algo {
		case config.ChecksumCRC64:
			want = CRC64(data)
		case config.ChecksumCRC32:
			want = uint64(CRC32(data))
		case config.ChecksumXXH3:
			want = XXH64(data)
		}
		require.Equal(t, want, d.Sum64(), "algo %s", algo)
	}
}

func TestDigestNoneAlgorithmSumsZero(t *testing.T) {
	d := NewDigest(config.ChecksumNone)
	d.Write([]byte("anything"))
	require.Equal(t, uint64(0), d.Sum64())
}
