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

// PageID identifies a logical page; PageDirectory maps it to a
// PageEntry (or a tombstone/ref/external placeholder), §3.3.
type PageID uint64

// FieldOffset is one entry of a PageEntry's field_offsets list: the
// start of a logical field within the page's bytes, with its own
// checksum so selective reads (ReadFields) can verify just the
// fields they touched, §3.1.
type FieldOffset struct {
	Start uint64
	CRC64 uint64
}

// PageEntry locates a persisted page, §3.1. Offset/Size/PaddedSize are
// all measured in the owning BlobFile's byte space.
type PageEntry struct {
	BlobID        uint64
	Offset        int64
	Size          int64
	Tag           uint64
	Checksum      uint64
	FieldOffsets  []FieldOffset
	PaddedSize    int64
	RemoteLocation string // optional; set for PUT_REMOTE / UPDATE_DATA_FROM_REMOTE entries
}

// Page is the decoded result of a read: an opaque byte string plus the
// field boundaries that were supplied when it was written.
type Page struct {
	ID           PageID
	Data         []byte
	FieldOffsets []FieldOffset
}

// WriteOp tags one item of a write batch, §4.1.
type WriteOp uint8

const (
	OpPut WriteOp = iota
	OpPutExternal
	OpPutRemote
	OpRef
	OpDel
	OpUpdateDataFromRemote
)

// WriteItem is one entry of a write() batch.
type WriteItem struct {
	Op   WriteOp
	ID   PageID
	Data []byte // for OpPut
	// FieldEnds holds the exclusive end offset of each field within
	// Data, used to derive FieldOffset.Start/CRC64 at write time.
	FieldEnds []uint64

	RefTarget      PageID // for OpRef
	RemoteLocation string // for OpPutRemote / OpUpdateDataFromRemote
}

// FieldReadInfo selects a subset of fields to read from one entry,
// §4.1's read(field_read_infos) variant.
type FieldReadInfo struct {
	ID     PageID
	Fields []int // indices into the entry's FieldOffsets
}
