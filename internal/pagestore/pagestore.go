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

// Package pagestore implements the durable blob allocator with copying
// GC from §4.1: an append-only, space-managed blob layer fronted by an
// MVCC PageDirectory (§4.2). It is the bottom of the stack — DMFile
// metadata and the mutable delta layer are persisted through it.
package pagestore

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/panjf2000/ants/v2"

	"github.com/matrixbase/dtcore/internal/common/checksum"
	"github.com/matrixbase/dtcore/internal/common/config"
	"github.com/matrixbase/dtcore/internal/common/errors"
	"github.com/matrixbase/dtcore/internal/common/fileprovider"
	"github.com/matrixbase/dtcore/internal/common/logutil"
	"github.com/matrixbase/dtcore/internal/common/ratelimit"
)

// PageStore is the process-wide blob allocator. One PageStore owns many
// BlobFiles; the PageDirectory above it is injected so the delta layer
// and DMFile metadata writer can share a directory across stores if
// needed, though typically each PageStore owns its own.
type PageStore struct {
	cfg     *config.PageStoreConfig
	fp      *fileprovider.Provider
	limiter *ratelimit.Limiter
	dir     *PageDirectory

	statsMu    sync.Mutex
	stats      map[uint64]*BlobStat
	files      map[uint64]*BlobFile
	nextBlobID uint64

	readPool *ants.Pool
}

func New(cfg *config.PageStoreConfig, fp *fileprovider.Provider, dir *PageDirectory) (*PageStore, error) {
	limiter := ratelimit.New(cfg.IOLimitBytesPerSec, cfg.IOLimitBurstBytes)
	pool, err := ants.NewPool(maxInt(4, cfg.GCWorkers), ants.WithNonblocking(false))
	if err != nil {
		return nil, errors.Wrap(errors.KindLogicalError, err, "create page store read pool")
	}
	return &PageStore{
		cfg:      cfg,
		fp:       fp,
		limiter:  limiter,
		dir:      dir,
		stats:    make(map[uint64]*BlobStat),
		files:    make(map[uint64]*BlobFile),
		readPool: pool,
	}, nil
}

func (ps *PageStore) Close() {
	ps.readPool.Release()
	ps.statsMu.Lock()
	defer ps.statsMu.Unlock()
	for _, f := range ps.files {
		_ = f.Close()
	}
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func padTo(n, align int64) int64 {
	if align <= 0 || n%align == 0 {
		return n
	}
	return n + (align - n%align)
}

// chooseAndReserve implements the two-phase allocation protocol in
// §4.1: blob selection is serialized under statsMu, then the
// speculative decrement of BlobStat.maxCaps happens nested under the
// chosen stat's own lock before statsMu is released. Two distinct
// blobs' subsequent SpaceMap.Search calls then proceed lock-free of
// each other.
func (ps *PageStore) chooseAndReserve(size int64) (*BlobStat, error) {
	ps.statsMu.Lock()
	defer ps.statsMu.Unlock()

	var chosen *BlobStat
	for _, bs := range ps.stats {
		if !bs.IsReadOnly() && bs.MaxCaps() >= size {
			chosen = bs
			break
		}
	}
	if chosen == nil {
		var err error
		chosen, err = ps.createBlobLocked(size)
		if err != nil {
			return nil, err
		}
	}
	if !chosen.TryReserve(size) {
		// Can't happen for a freshly created blob; for an existing one
		// it means a concurrent GCScan marked it read-only after the
		// candidate scan above (GCScan does so without holding statsMu).
		return nil, errors.IOError(nil, "failed to reserve %d bytes on blob %d", size, chosen.ID())
	}
	return chosen, nil
}

// createBlobLocked must be called with statsMu held.
func (ps *PageStore) createBlobLocked(minSize int64) (*BlobStat, error) {
	capacity := ps.cfg.FileLimitSize
	if minSize > capacity {
		capacity = minSize
	}
	id := atomic.AddUint64(&ps.nextBlobID, 1)
	bf, err := OpenBlobFile(id, ps.fp, ps.limiter, ps.cfg.IOMaxRetries)
	if err != nil {
		return nil, err
	}
	bs := NewBlobStat(id, capacity, ps.cfg.ReuseCapacityRatio)
	ps.stats[id] = bs
	ps.files[id] = bf
	return bs, nil
}

func (ps *PageStore) getBlobFileLocked(id uint64) (*BlobFile, bool) {
	f, ok := ps.files[id]
	return f, ok
}

func (ps *PageStore) getBlobFile(id uint64) (*BlobFile, error) {
	ps.statsMu.Lock()
	defer ps.statsMu.Unlock()
	f, ok := ps.getBlobFileLocked(id)
	if !ok {
		return nil, errors.Logical("blob %d has no open file handle", id)
	}
	return f, nil
}

func (ps *PageStore) getStat(id uint64) (*BlobStat, error) {
	ps.statsMu.Lock()
	defer ps.statsMu.Unlock()
	bs, ok := ps.stats[id]
	if !ok {
		return nil, errors.Logical("blob %d has no stat entry", id)
	}
	return bs, nil
}

// buildFieldOffsets derives the strictly-increasing field boundaries
// and their per-field CRC64 from the producer-supplied end offsets,
// §3.1 and §4.1 ("For every PUT the producer computes crc64(page_bytes)
// and, for each field, crc64(field_bytes)").
func buildFieldOffsets(data []byte, fieldEnds []uint64) ([]FieldOffset, error) {
	if len(fieldEnds) == 0 {
		return nil, nil
	}
	offs := make([]FieldOffset, len(fieldEnds))
	prev := uint64(0)
	for i, end := range fieldEnds {
		if end <= prev || end > uint64(len(data)) {
			return nil, errors.Logical("field offsets must be strictly increasing and bounded by size: end=%d prev=%d size=%d", end, prev, len(data))
		}
		offs[i] = FieldOffset{Start: prev, CRC64: checksum.CRC64(data[prev:end])}
		prev = end
	}
	return offs, nil
}

// Write applies one batch per §4.1's write protocol and returns the
// directory Edit describing the resulting transition. The edit is also
// applied to the injected PageDirectory before Write returns, so
// read()/remove() immediately observe it.
func (ps *PageStore) Write(ctx context.Context, items []WriteItem) (*Edit, error) {
	edit := &Edit{}
	var puts []*WriteItem
	var delTargets []PageID

	for i := range items {
		it := &items[i]
		switch it.Op {
		case OpPut:
			puts = append(puts, it)
		case OpPutExternal:
			edit.External(it.ID)
		case OpPutRemote:
			edit.Upsert(it.ID, &PageEntry{Size: int64(len(it.Data)), RemoteLocation: it.RemoteLocation})
		case OpUpdateDataFromRemote:
			edit.Upsert(it.ID, &PageEntry{Size: int64(len(it.Data)), RemoteLocation: it.RemoteLocation})
		case OpRef:
			edit.Ref(it.ID, it.RefTarget)
		case OpDel:
			edit.Delete(it.ID)
			delTargets = append(delTargets, it.ID)
		default:
			return nil, errors.Logical("unknown write op %d", it.Op)
		}
	}

	var priorDeleted []*PageEntry
	for _, id := range delTargets {
		if entry, ok := ps.dir.GetLatest(id); ok {
			priorDeleted = append(priorDeleted, entry)
		}
	}

	if len(puts) > 0 {
		if err := ps.writePuts(ctx, puts, edit); err != nil {
			return nil, err
		}
	}

	if _, err := ps.dir.Apply(edit); err != nil {
		return nil, err
	}

	for _, entry := range priorDeleted {
		ps.freeEntrySpace(entry)
	}

	return edit, nil
}

func (ps *PageStore) freeEntrySpace(entry *PageEntry) {
	if entry.Size == 0 || entry.RemoteLocation != "" {
		return // external/remote placeholder, no local blob bytes
	}
	bs, err := ps.getStat(entry.BlobID)
	if err != nil {
		logutil.Errorf("gc: cannot free entry on unknown blob %d: %v", entry.BlobID, err)
		return
	}
	bs.Free(entry.Offset, entry.Size+entry.PaddedSize)
}

func (ps *PageStore) writePuts(ctx context.Context, puts []*WriteItem, edit *Edit) error {
	var sumSize int64
	for _, p := range puts {
		sumSize += int64(len(p.Data))
	}
	if sumSize <= ps.cfg.FileLimitSize {
		return ps.writePackedPuts(ctx, puts, edit)
	}
	for _, p := range puts {
		if err := ps.writeSinglePut(ctx, p, edit); err != nil {
			return err
		}
	}
	return nil
}

func (ps *PageStore) writeSinglePut(ctx context.Context, p *WriteItem, edit *Edit) error {
	size := int64(len(p.Data))
	total := padTo(size, ps.cfg.BlockAlignmentBytes)
	padded := total - size

	bs, offset, err := ps.allocateWithRetry(total)
	if err != nil {
		return err
	}
	file, err := ps.getBlobFile(bs.ID())
	if err != nil {
		bs.Free(offset, total)
		return err
	}

	buf := make([]byte, total)
	copy(buf, p.Data)
	if err := file.WriteAt(ctx, offset, buf); err != nil {
		// §4.1 failure semantics: remove the reserved span before surfacing.
		bs.Free(offset, total)
		return err
	}

	fieldOffsets, err := buildFieldOffsets(p.Data, p.FieldEnds)
	if err != nil {
		bs.Free(offset, total)
		return err
	}

	bs.AddValid(size)
	edit.Upsert(p.ID, &PageEntry{
		BlobID:       bs.ID(),
		Offset:       offset,
		Size:         size,
		Checksum:     checksum.CRC64(p.Data),
		FieldOffsets: fieldOffsets,
		PaddedSize:   padded,
	})
	return nil
}

// writePackedPuts implements §4.1's "sum_of_put_sizes <= file_limit_size"
// path: all puts share one contiguous buffer, one offset reservation,
// one physical write. The last put absorbs the alignment padding.
func (ps *PageStore) writePackedPuts(ctx context.Context, puts []*WriteItem, edit *Edit) error {
	var sumSize int64
	for _, p := range puts {
		sumSize += int64(len(p.Data))
	}
	total := padTo(sumSize, ps.cfg.BlockAlignmentBytes)
	padding := total - sumSize

	bs, offset, err := ps.allocateWithRetry(total)
	if err != nil {
		return err
	}
	file, err := ps.getBlobFile(bs.ID())
	if err != nil {
		bs.Free(offset, total)
		return err
	}

	buf := make([]byte, total)
	entries := make([]*PageEntry, len(puts))
	var cur int64
	for i, p := range puts {
		copy(buf[cur:], p.Data)
		fieldOffsets, ferr := buildFieldOffsets(p.Data, p.FieldEnds)
		if ferr != nil {
			bs.Free(offset, total)
			return ferr
		}
		entries[i] = &PageEntry{
			BlobID:       bs.ID(),
			Offset:       offset + cur,
			Size:         int64(len(p.Data)),
			Checksum:     checksum.CRC64(p.Data),
			FieldOffsets: fieldOffsets,
		}
		cur += int64(len(p.Data))
	}
	if len(entries) > 0 {
		entries[len(entries)-1].PaddedSize = padding
	}

	if err := file.WriteAt(ctx, offset, buf); err != nil {
		bs.Free(offset, total)
		return err
	}
	for i, p := range puts {
		bs.AddValid(int64(len(p.Data)))
		edit.Upsert(p.ID, entries[i])
	}
	return nil
}

// allocateWithRetry chooses a blob, reserves size, and allocates an
// offset, forcing a brand-new blob if the chosen one's SpaceMap refuses
// due to fragmentation, per §4.1.
func (ps *PageStore) allocateWithRetry(size int64) (*BlobStat, int64, error) {
	bs, err := ps.chooseAndReserve(size)
	if err != nil {
		return nil, 0, err
	}
	offset, err := bs.Allocate(size)
	if err == nil {
		return bs, offset, nil
	}
	bs.RollbackReserve(size)

	ps.statsMu.Lock()
	bs, err = ps.createBlobLocked(size)
	if err != nil {
		ps.statsMu.Unlock()
		return nil, 0, err
	}
	if !bs.TryReserve(size) {
		ps.statsMu.Unlock()
		return nil, 0, errors.IOError(nil, "failed to reserve %d bytes on freshly created blob %d", size, bs.ID())
	}
	ps.statsMu.Unlock()

	offset, err = bs.Allocate(size)
	if err != nil {
		bs.RollbackReserve(size)
		return nil, 0, err
	}
	return bs, offset, nil
}

type readItem struct {
	id    PageID
	entry *PageEntry
}

// Read resolves ids to their latest entries and returns their bytes
// sharing one backing buffer, per §4.1. Entries are grouped by blob and
// fanned out across ps.readPool so distinct blobs are read concurrently
// while each blob's own entries are still issued in (blob_id, offset)
// order for locality.
func (ps *PageStore) Read(ctx context.Context, ids []PageID) (map[PageID]*Page, error) {
	items := make([]readItem, 0, len(ids))
	for _, id := range ids {
		entry, ok := ps.dir.GetLatest(id)
		if !ok {
			return nil, errors.BadRequest("page %d not found", id)
		}
		items = append(items, readItem{id, entry})
	}
	return ps.readEntries(ctx, items)
}

func (ps *PageStore) readEntries(ctx context.Context, items []readItem) (map[PageID]*Page, error) {
	sort.Slice(items, func(i, j int) bool {
		if items[i].entry.BlobID != items[j].entry.BlobID {
			return items[i].entry.BlobID < items[j].entry.BlobID
		}
		return items[i].entry.Offset < items[j].entry.Offset
	})

	var totalSize int64
	for _, it := range items {
		totalSize += it.entry.Size
	}
	shared := make([]byte, totalSize)

	groups := make(map[uint64][]int) // blobID -> indices into items, offset-ordered
	var cur int64
	pages := make([]*Page, len(items))
	for i, it := range items {
		if it.entry.Size == 0 {
			pages[i] = &Page{ID: it.id, FieldOffsets: it.entry.FieldOffsets}
			continue
		}
		pages[i] = &Page{ID: it.id, Data: shared[cur : cur+it.entry.Size], FieldOffsets: it.entry.FieldOffsets}
		cur += it.entry.Size
		groups[it.entry.BlobID] = append(groups[it.entry.BlobID], i)
	}

	var wg sync.WaitGroup
	var firstErr error
	var errMu sync.Mutex
	for blobID, idxs := range groups {
		blobID, idxs := blobID, idxs
		wg.Add(1)
		task := func() {
			defer wg.Done()
			if err := ps.readBlobGroup(ctx, blobID, items, pages, idxs); err != nil {
				errMu.Lock()
				if firstErr == nil {
					firstErr = err
				}
				errMu.Unlock()
			}
		}
		if err := ps.readPool.Submit(task); err != nil {
			task()
		}
	}
	wg.Wait()
	if firstErr != nil {
		return nil, firstErr
	}

	out := make(map[PageID]*Page, len(items))
	for i, it := range items {
		out[it.id] = pages[i]
	}
	return out, nil
}

func (ps *PageStore) readBlobGroup(ctx context.Context, blobID uint64, items []readItem, pages []*Page, idxs []int) error {
	file, err := ps.getBlobFile(blobID)
	if err != nil {
		return err
	}
	for _, i := range idxs {
		entry := items[i].entry
		if err := file.ReadAt(ctx, entry.Offset, pages[i].Data); err != nil {
			return err
		}
		if ps.cfg.CheckOnRead {
			if checksum.CRC64(pages[i].Data) != entry.Checksum {
				return errors.ChecksumMismatch("page %d: whole-entry checksum mismatch", items[i].id)
			}
		}
	}
	return nil
}

// ReadFields implements the field-selective read variant of §4.1: only
// the requested field byte ranges are fetched, and only the requested
// fields' checksums are verified — corruption in a field that wasn't
// asked for does not fail this call.
func (ps *PageStore) ReadFields(ctx context.Context, infos []FieldReadInfo) (map[PageID]map[int][]byte, error) {
	out := make(map[PageID]map[int][]byte, len(infos))
	for _, info := range infos {
		entry, ok := ps.dir.GetLatest(info.ID)
		if !ok {
			return nil, errors.BadRequest("page %d not found", info.ID)
		}
		file, err := ps.getBlobFile(entry.BlobID)
		if err != nil {
			return nil, err
		}
		fields := make(map[int][]byte, len(info.Fields))
		for _, fidx := range info.Fields {
			if fidx < 0 || fidx >= len(entry.FieldOffsets) {
				return nil, errors.BadRequest("page %d: field index %d out of range", info.ID, fidx)
			}
			start := entry.FieldOffsets[fidx].Start
			end := uint64(entry.Size)
			if fidx+1 < len(entry.FieldOffsets) {
				end = entry.FieldOffsets[fidx+1].Start
			}
			buf := make([]byte, end-start)
			if err := file.ReadAt(ctx, entry.Offset+int64(start), buf); err != nil {
				return nil, err
			}
			if ps.cfg.CheckOnRead {
				if checksum.CRC64(buf) != entry.FieldOffsets[fidx].CRC64 {
					return nil, errors.ChecksumMismatch("page %d: field %d checksum mismatch", info.ID, fidx)
				}
			}
			fields[fidx] = buf
		}
		out[info.ID] = fields
	}
	return out, nil
}

// Remove retracts the space occupied by ids by issuing one write()
// batch of OpDel items for them, §4.1.
func (ps *PageStore) Remove(ctx context.Context, ids []PageID) error {
	items := make([]WriteItem, len(ids))
	for i, id := range ids {
		items[i] = WriteItem{Op: OpDel, ID: id}
	}
	_, err := ps.Write(ctx, items)
	return err
}
