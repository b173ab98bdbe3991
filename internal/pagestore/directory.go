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
	"sort"
	"sync"
	"sync/atomic"

	"github.com/matrixbase/dtcore/internal/common/errors"
)

// EditOp tags one record of a directory Edit, the transition the
// PageDirectory applies atomically after a PageStore write() or gc().
type EditOp uint8

const (
	EditUpsert EditOp = iota
	EditDelete
	EditRef
	EditExternal
)

// EditRecord is one mutation within an Edit.
type EditRecord struct {
	ID        PageID
	Op        EditOp
	Entry     *PageEntry // for EditUpsert
	RefTarget PageID     // for EditRef
}

// Edit is a batch of directory mutations that must become visible
// together, §4.2 and the ordering guarantee in §5: "partial visibility
// is never exposed to readers".
type Edit struct {
	Records []EditRecord
}

func (e *Edit) Upsert(id PageID, entry *PageEntry) {
	e.Records = append(e.Records, EditRecord{ID: id, Op: EditUpsert, Entry: entry})
}

func (e *Edit) Delete(id PageID) {
	e.Records = append(e.Records, EditRecord{ID: id, Op: EditDelete})
}

func (e *Edit) Ref(id, target PageID) {
	e.Records = append(e.Records, EditRecord{ID: id, Op: EditRef, RefTarget: target})
}

func (e *Edit) External(id PageID) {
	e.Records = append(e.Records, EditRecord{ID: id, Op: EditExternal, Entry: &PageEntry{Size: 0}})
}

// versionedEntry is one slot in a page's MVCC history, kept in
// ascending version order.
type versionedEntry struct {
	version   uint64
	tombstone bool
	external  bool
	entry     *PageEntry
}

// PageDirectory maps page-id to an ordered sequence of versioned
// entries, §3.3. Apply is single-writer: callers serialize write()/gc()
// edits through it, matching "single-writer or per-bucket
// single-writer" in §4.2 — this implementation uses one directory-wide
// writer lock rather than bucketing, since the PageStore above it
// already serializes blob allocation per stat.
type PageDirectory struct {
	mu      sync.Mutex
	version uint64
	pages   map[PageID][]versionedEntry
}

func NewPageDirectory() *PageDirectory {
	return &PageDirectory{pages: make(map[PageID][]versionedEntry)}
}

func (d *PageDirectory) CurrentVersion() uint64 {
	return atomic.LoadUint64(&d.version)
}

// Apply commits edit as a single new version. Ref records are resolved
// transitively against the directory state as of the *start* of this
// Apply call — "at commit time, not read time" — and a ref whose target
// has no live, resolvable entry fails the whole edit so that readers
// never observe a torn directory.
func (d *PageDirectory) Apply(edit *Edit) (uint64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	newVersion := d.version + 1

	resolved := make([]struct {
		id  PageID
		ve  versionedEntry
	}, 0, len(edit.Records))

	for _, rec := range edit.Records {
		switch rec.Op {
		case EditUpsert:
			resolved = append(resolved, struct {
				id PageID
				ve versionedEntry
			}{rec.ID, versionedEntry{version: newVersion, entry: rec.Entry}})

		case EditDelete:
			resolved = append(resolved, struct {
				id PageID
				ve versionedEntry
			}{rec.ID, versionedEntry{version: newVersion, tombstone: true}})

		case EditExternal:
			resolved = append(resolved, struct {
				id PageID
				ve versionedEntry
			}{rec.ID, versionedEntry{version: newVersion, external: true, entry: &PageEntry{Size: 0}}})

		case EditRef:
			target, err := d.resolveLocked(rec.RefTarget, newVersion-1)
			if err != nil {
				return 0, errors.BadRequest("directory edit: dangling ref %d -> %d: %v", rec.ID, rec.RefTarget, err)
			}
			clone := *target
			resolved = append(resolved, struct {
				id PageID
				ve versionedEntry
			}{rec.ID, versionedEntry{version: newVersion, entry: &clone}})
		}
	}

	for _, r := range resolved {
		d.pages[r.id] = append(d.pages[r.id], r.ve)
	}
	d.version = newVersion
	return newVersion, nil
}

// resolveLocked finds the live PageEntry for id as of snapshot,
// following ref chains transitively. Must be called with d.mu held.
func (d *PageDirectory) resolveLocked(id PageID, snapshot uint64) (*PageEntry, error) {
	hist, ok := d.pages[id]
	if !ok {
		return nil, errors.BadRequest("page %d not found", id)
	}
	ve, ok := latestAsOf(hist, snapshot)
	if !ok || ve.tombstone {
		return nil, errors.BadRequest("page %d has no live entry as of version %d", id, snapshot)
	}
	return ve.entry, nil
}

// latestAsOf returns the versioned entry with the greatest version <=
// snapshot, §3.3's snapshot-read rule.
func latestAsOf(hist []versionedEntry, snapshot uint64) (versionedEntry, bool) {
	// hist is append-ordered, hence version-ordered; binary search for
	// the rightmost entry with version <= snapshot.
	idx := sort.Search(len(hist), func(i int) bool { return hist[i].version > snapshot }) - 1
	if idx < 0 {
		return versionedEntry{}, false
	}
	return hist[idx], true
}

// Get resolves id as of snapshot. Ref edges were already flattened at
// commit time, so this is a single history lookup.
func (d *PageDirectory) Get(id PageID, snapshot uint64) (*PageEntry, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	hist, ok := d.pages[id]
	if !ok {
		return nil, false
	}
	ve, ok := latestAsOf(hist, snapshot)
	if !ok || ve.tombstone {
		return nil, false
	}
	return ve.entry, true
}

// GetLatest resolves id as of the current directory version.
func (d *PageDirectory) GetLatest(id PageID) (*PageEntry, bool) {
	return d.Get(id, d.CurrentVersion())
}

// LiveEntries returns every page-id -> PageEntry pair currently live at
// the latest version, used by gc_scan/gc to enumerate a blob's pages.
func (d *PageDirectory) LiveEntries() map[PageID]*PageEntry {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make(map[PageID]*PageEntry, len(d.pages))
	for id, hist := range d.pages {
		ve, ok := latestAsOf(hist, d.version)
		if ok && !ve.tombstone && !ve.external {
			out[id] = ve.entry
		}
	}
	return out
}
