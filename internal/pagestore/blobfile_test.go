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

package pagestore

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/matrixbase/dtcore/internal/common/errors"
)

// flakyHandle fails its first `failures` calls to ReadAt/WriteAt with a
// plain (non-classified) error, then succeeds, simulating a transient
// OS-level io_error at the file layer.
type flakyHandle struct {
	failures int
	calls    int
}

func (h *flakyHandle) WriteAt(p []byte, off int64) (int, error) {
	h.calls++
	if h.calls <= h.failures {
		return 0, fmt.Errorf("transient write failure")
	}
	return len(p), nil
}

func (h *flakyHandle) ReadAt(p []byte, off int64) (int, error) {
	h.calls++
	if h.calls <= h.failures {
		return 0, fmt.Errorf("transient read failure")
	}
	return len(p), nil
}

func (h *flakyHandle) Truncate(size int64) error { return nil }
func (h *flakyHandle) Sync() error               { return nil }
func (h *flakyHandle) Close() error              { return nil }

func TestBlobFileWriteAtRetriesTransientIOError(t *testing.T) {
	h := &flakyHandle{failures: 2}
	f := &BlobFile{id: 1, handle: h, maxRetries: 3}

	err := f.WriteAt(context.Background(), 0, []byte("data"))
	require.NoError(t, err)
	require.Equal(t, 3, h.calls)
}

func TestBlobFileWriteAtSurfacesAfterExhaustingRetries(t *testing.T) {
	h := &flakyHandle{failures: 10}
	f := &BlobFile{id: 1, handle: h, maxRetries: 2}

	err := f.WriteAt(context.Background(), 0, []byte("data"))
	require.Error(t, err)
	require.Equal(t, errors.KindIOError, errors.KindOf(err))
	require.Equal(t, 3, h.calls) // initial attempt plus 2 retries
}

func TestBlobFileReadAtRetriesTransientIOError(t *testing.T) {
	h := &flakyHandle{failures: 1}
	f := &BlobFile{id: 1, handle: h, maxRetries: 3}

	buf := make([]byte, 4)
	err := f.ReadAt(context.Background(), 0, buf)
	require.NoError(t, err)
	require.Equal(t, 2, h.calls)
}

func TestBlobFileReadAtNoRetryMeansImmediateSurface(t *testing.T) {
	h := &flakyHandle{failures: 1}
	f := &BlobFile{id: 1, handle: h, maxRetries: 0}

	buf := make([]byte, 4)
	err := f.ReadAt(context.Background(), 0, buf)
	require.Error(t, err)
	require.Equal(t, 1, h.calls)
}
