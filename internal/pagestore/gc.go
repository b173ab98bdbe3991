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
	"sort"

	"github.com/matrixbase/dtcore/internal/common/checksum"
	"github.com/matrixbase/dtcore/internal/common/errors"
	"github.com/matrixbase/dtcore/internal/common/logutil"
)

// GCScan implements gc_scan(): it first truncates every blob whose
// right_boundary has fallen behind total_size (trailing holes reclaimed
// by deletes), then returns the ids of blobs whose valid_rate is at or
// below HeavyGCValidRate and marks them read-only so no further writer
// selects them, §4.1.
func (ps *PageStore) GCScan(ctx context.Context) ([]uint64, error) {
	ps.statsMu.Lock()
	type candidate struct {
		id uint64
		bs *BlobStat
		bf *BlobFile
	}
	all := make([]candidate, 0, len(ps.stats))
	for id, bs := range ps.stats {
		all = append(all, candidate{id, bs, ps.files[id]})
	}
	ps.statsMu.Unlock()

	var toGC []uint64
	for _, c := range all {
		if rb := c.bs.RightBoundary(); rb < c.bs.TotalSize() {
			newSize := c.bs.Truncate()
			if err := c.bf.Truncate(newSize); err != nil {
				logutil.Errorf("gc_scan: truncate blob %d to %d: %v", c.id, newSize, err)
				continue
			}
		}
		if c.bs.IsReadOnly() {
			continue
		}
		if c.bs.ValidRate() <= ps.cfg.HeavyGCValidRate {
			c.bs.MarkReadOnly()
			toGC = append(toGC, c.id)
		}
	}
	return toGC, nil
}

type gcAllocation struct {
	stat          *BlobStat
	offset, size  int64
}

// GC implements gc(): for every requested blob id it copies that blob's
// currently-live pages into fresh allocations — each allocation is one
// buffer of file_limit_size bytes (or the entry's size, if larger)
// shared by as many source entries as fit — and commits the resulting
// directory Edit. Any failure during the copy or the commit rolls back
// every allocation made during this call before the error is surfaced:
// the directory is left unchanged and each allocated span goes back to
// its blob's SpaceMap and out of its valid_size. The max_caps taken by
// the reservation is not returned, and a blob created for the copy
// stays registered.
func (ps *PageStore) GC(ctx context.Context, blobIDs []uint64) (*Edit, error) {
	edit := &Edit{}
	var allocations []gcAllocation
	var freedOld []*PageEntry

	rollback := func() {
		for _, a := range allocations {
			a.stat.Free(a.offset, a.size)
		}
	}

	for _, blobID := range blobIDs {
		ids, entries, err := ps.liveEntriesForBlob(blobID)
		if err != nil {
			rollback()
			return nil, err
		}
		if len(ids) == 0 {
			continue
		}
		moved, err := ps.gcCopyBlob(ctx, ids, entries, edit, &allocations)
		if err != nil {
			rollback()
			return nil, err
		}
		freedOld = append(freedOld, moved...)
	}

	if len(edit.Records) == 0 {
		return edit, nil
	}

	if _, err := ps.dir.Apply(edit); err != nil {
		rollback()
		return nil, err
	}

	for _, entry := range freedOld {
		ps.freeEntrySpace(entry)
	}
	ps.reclaimEmptyBlobs(blobIDs)

	return edit, nil
}

func (ps *PageStore) liveEntriesForBlob(blobID uint64) ([]PageID, []*PageEntry, error) {
	live := ps.dir.LiveEntries()
	var ids []PageID
	for id, e := range live {
		if e.BlobID == blobID {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return live[ids[i]].Offset < live[ids[j]].Offset })
	entries := make([]*PageEntry, len(ids))
	for i, id := range ids {
		entries[i] = live[id]
	}
	return ids, entries, nil
}

// gcCopyBlob migrates one source blob's live entries into fresh
// allocations, writing edit.Upsert records for the new locations and
// returning the old PageEntry values so their space can be freed once
// the edit is durably applied.
func (ps *PageStore) gcCopyBlob(ctx context.Context, ids []PageID, entries []*PageEntry, edit *Edit, allocations *[]gcAllocation) ([]*PageEntry, error) {
	var moved []*PageEntry

	var curStat *BlobStat
	var curFile *BlobFile
	var curBuf []byte
	var curOffset, curFilled int64

	flush := func() error {
		if curStat == nil || curFilled == 0 {
			return nil
		}
		if err := curFile.WriteAt(ctx, curOffset, curBuf[:curFilled]); err != nil {
			return err
		}
		// Count the whole allocation as valid, then hand back the unused
		// tail; Free deducts it again, leaving exactly curFilled valid.
		curStat.AddValid(int64(len(curBuf)))
		if curFilled < int64(len(curBuf)) {
			curStat.Free(curOffset+curFilled, int64(len(curBuf))-curFilled)
			(*allocations)[len(*allocations)-1].size = curFilled
		}
		curStat, curFile, curBuf, curFilled = nil, nil, nil, 0
		return nil
	}

	newAllocation := func(minSize int64) error {
		allocSize := ps.cfg.FileLimitSize
		if minSize > allocSize {
			allocSize = minSize
		}
		bs, offset, err := ps.allocateWithRetry(allocSize)
		if err != nil {
			return err
		}
		file, err := ps.getBlobFile(bs.ID())
		if err != nil {
			bs.Free(offset, allocSize)
			return err
		}
		*allocations = append(*allocations, gcAllocation{bs, offset, allocSize})
		curStat, curFile, curBuf, curOffset, curFilled = bs, file, make([]byte, allocSize), offset, 0
		return nil
	}

	for i, entry := range entries {
		data := make([]byte, entry.Size)
		srcFile, err := ps.getBlobFile(entry.BlobID)
		if err != nil {
			return nil, err
		}
		if err := srcFile.ReadAt(ctx, entry.Offset, data); err != nil {
			return nil, err
		}
		if checksum.CRC64(data) != entry.Checksum {
			return nil, errors.ChecksumMismatch("gc: page %d on blob %d failed checksum before copy", ids[i], entry.BlobID)
		}

		if curStat == nil || curFilled+entry.Size > int64(len(curBuf)) {
			if err := flush(); err != nil {
				return nil, err
			}
			if err := newAllocation(entry.Size); err != nil {
				return nil, err
			}
		}

		copy(curBuf[curFilled:], data)
		edit.Upsert(ids[i], &PageEntry{
			BlobID:       curStat.ID(),
			Offset:       curOffset + curFilled,
			Size:         entry.Size,
			Checksum:     entry.Checksum,
			FieldOffsets: entry.FieldOffsets,
		})
		curFilled += entry.Size
		moved = append(moved, entry)
	}
	if err := flush(); err != nil {
		return nil, err
	}
	return moved, nil
}

// reclaimEmptyBlobs drops the file handle and stat bookkeeping for any
// just-GC'd blob that ended up with nothing left on it.
func (ps *PageStore) reclaimEmptyBlobs(blobIDs []uint64) {
	ps.statsMu.Lock()
	defer ps.statsMu.Unlock()
	for _, id := range blobIDs {
		bs, ok := ps.stats[id]
		if !ok || !bs.IsEmpty() {
			continue
		}
		if f, ok := ps.files[id]; ok {
			if err := f.Close(); err != nil {
				logutil.Errorf("gc: close emptied blob %d: %v", id, err)
			}
		}
		delete(ps.stats, id)
		delete(ps.files, id)
	}
}
