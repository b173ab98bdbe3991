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

package fileprovider

import (
	"crypto/aes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPlainRoundTrip(t *testing.T) {
	p, err := New(t.TempDir(), EncryptionDisabled)
	require.NoError(t, err)

	h, err := p.OpenForWrite("a/b/data", "a/b/data")
	require.NoError(t, err)

	n, err := h.WriteAt([]byte("hello world"), 0)
	require.NoError(t, err)
	require.Equal(t, 11, n)
	require.NoError(t, h.Sync())
	require.NoError(t, h.Close())

	rh, err := p.OpenForRead("a/b/data", "a/b/data")
	require.NoError(t, err)
	buf := make([]byte, 11)
	_, err = rh.ReadAt(buf, 0)
	require.NoError(t, err)
	require.Equal(t, "hello world", string(buf))
	require.NoError(t, rh.Close())
}

type staticKeyManager struct {
	key [32]byte
	iv  [aes.BlockSize]byte
}

func (k staticKeyManager) GetKey(string) ([32]byte, [aes.BlockSize]byte, bool, error) {
	return k.key, k.iv, true, nil
}

func newStaticKeyManager() staticKeyManager {
	var km staticKeyManager
	for i := range km.key {
		km.key[i] = byte(i + 1)
	}
	for i := range km.iv {
		km.iv[i] = byte(i)
	}
	return km
}

func TestCTREncryptedRoundTripAtNonBlockAlignedOffset(t *testing.T) {
	km := newStaticKeyManager()
	p, err := New(t.TempDir(), km)
	require.NoError(t, err)

	h, err := p.OpenForWrite("blob_1", "blob_1")
	require.NoError(t, err)

	// write at an offset that doesn't land on an AES block boundary, to
	// exercise streamAt's partial-block discard path.
	payload := []byte("offset write crossing a 16-byte CTR block boundary")
	const offset = 5
	n, err := h.WriteAt(payload, offset)
	require.NoError(t, err)
	require.Equal(t, len(payload), n)
	require.NoError(t, h.Close())

	rh, err := p.OpenForRead("blob_1", "blob_1")
	require.NoError(t, err)
	buf := make([]byte, len(payload))
	_, err = rh.ReadAt(buf, offset)
	require.NoError(t, err)
	require.Equal(t, string(payload), string(buf))
	require.NoError(t, rh.Close())
}

func TestCTRCiphertextDiffersFromPlaintextOnDisk(t *testing.T) {
	km := newStaticKeyManager()
	root := t.TempDir()
	p, err := New(root, km)
	require.NoError(t, err)

	h, err := p.OpenForWrite("blob_2", "blob_2")
	require.NoError(t, err)
	plaintext := []byte("plaintext never hits disk unencrypted")
	_, err = h.WriteAt(plaintext, 0)
	require.NoError(t, err)
	require.NoError(t, h.Close())

	plain, err := New(root, EncryptionDisabled)
	require.NoError(t, err)
	raw, err := plain.OpenForRead("blob_2", "blob_2")
	require.NoError(t, err)
	onDisk := make([]byte, len(plaintext))
	_, err = raw.ReadAt(onDisk, 0)
	require.NoError(t, err)
	require.NotEqual(t, string(plaintext), string(onDisk))
	require.NoError(t, raw.Close())
}

func TestTruncateAndRemove(t *testing.T) {
	p, err := New(t.TempDir(), EncryptionDisabled)
	require.NoError(t, err)

	h, err := p.OpenForWrite("f", "f")
	require.NoError(t, err)
	_, err = h.WriteAt([]byte("0123456789"), 0)
	require.NoError(t, err)
	require.NoError(t, h.Truncate(4))
	require.NoError(t, h.Close())

	require.NoError(t, p.Remove("f"))
	require.NoError(t, p.Remove("f")) // removing a missing file is not an error
}
