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
	"context"

	"github.com/matrixbase/dtcore/internal/common/block"
	"github.com/matrixbase/dtcore/internal/common/config"
	"github.com/matrixbase/dtcore/internal/common/errors"
	"github.com/matrixbase/dtcore/internal/common/fileprovider"
	"github.com/matrixbase/dtcore/internal/common/ratelimit"
)

const (
	nameHandle     = "handle"
	nameVersion    = "version"
	nameDeleteMark = "delete_mark"
)

// HandleRange is an optional [Min, Max] pushdown intersected against
// each pack's [min_handle, max_handle], §4.3.
type HandleRange struct {
	Min, Max int64
}

// ReadRequest configures one DMFileReader: the schema the caller wants
// back (possibly post-ALTER, triggering DDL-on-read), the rough-set
// tree, and the optional explicit pack/handle/version filters.
type ReadRequest struct {
	RequestedSchema []ColumnSchema
	RoughSet        Expr
	PackIDs         map[int]bool // nil means "all packs eligible"
	HandleRange     *HandleRange
	MaxReadVersion  uint64 // 0 means unbounded
}

// ScanContext accumulates cross-call observability counters, §4.3's
// "shared scan-context for observability".
type ScanContext struct {
	SkippedRows int64
	ReadRows    int64
}

// DMFileReader streams Blocks out of one immutable DMFile, applying
// pack-level pruning, clean-read shortcuts and schema evolution, §4.3.
type DMFileReader struct {
	meta  *FileMeta
	fp    *fileprovider.Provider
	cfg   *config.DMFileConfig
	req   ReadRequest
	fileID string

	markCache   *MarkCache
	columnCache *ColumnCache
	limiter     *ratelimit.Limiter

	streams map[uint32]*Stream

	usePack     []bool
	roughResult []Result

	nextPack int
	scan     *ScanContext
}

func NewReader(fp *fileprovider.Provider, meta *FileMeta, cfg *config.DMFileConfig, markCache *MarkCache, columnCache *ColumnCache, limiter *ratelimit.Limiter, req ReadRequest, scan *ScanContext) (*DMFileReader, error) {
	if meta.Checksummed() && req.MaxReadVersion == 0 {
		// nothing to validate yet; checksum config agreement is checked
		// lazily on first frame read via Stream.readFrame.
	}
	r := &DMFileReader{
		meta:        meta,
		fp:          fp,
		cfg:         cfg,
		req:         req,
		fileID:      meta.Dir,
		markCache:   markCache,
		columnCache: columnCache,
		limiter:     limiter,
		streams:     make(map[uint32]*Stream),
		scan:        scan,
	}
	if r.scan == nil {
		r.scan = &ScanContext{}
	}
	r.computeUsePack()
	return r, nil
}

// computeUsePack builds the use_pack vector from rough-set evaluation,
// the explicit pack-id set, handle-range intersection and the version
// filter, §4.3.
func (r *DMFileReader) computeUsePack() {
	n := r.meta.Stats.PackCount()
	r.usePack = make([]bool, n)
	r.roughResult = make([]Result, n)
	for i := 0; i < n; i++ {
		res := ResultAll
		if r.req.RoughSet != nil {
			res = EvalTree(r.req.RoughSet, i, r.meta.Stats.Columns)
		}
		r.roughResult[i] = res
		use := res != ResultNone
		if use && r.req.PackIDs != nil {
			use = r.req.PackIDs[i]
		}
		if use && r.req.HandleRange != nil {
			p := r.meta.Stats.Properties[i]
			if p.MaxHandle < r.req.HandleRange.Min || p.MinHandle > r.req.HandleRange.Max {
				use = false
			}
		}
		if use && r.req.MaxReadVersion != 0 {
			p := r.meta.Stats.Properties[i]
			if p.FirstVersion > r.req.MaxReadVersion {
				use = false
			}
		}
		r.usePack[i] = use
	}
}

// getSkippedRows advances nextPack past any run of unused packs,
// charging their rows to the skipped-rows counters, §4.3.
func (r *DMFileReader) getSkippedRows() {
	n := len(r.usePack)
	for r.nextPack < n && !r.usePack[r.nextPack] {
		r.scan.SkippedRows += int64(r.meta.Stats.Properties[r.nextPack].Rows)
		r.nextPack++
	}
}

// nextRun decides the [lo, hi) run of consecutive used packs the next
// read() call should cover, bounded by rows_threshold_per_read,
// read_one_pack_every_time, and rough-set-result homogeneity so a
// clean-read run never mixes All with Some packs.
func (r *DMFileReader) nextRun() (lo, hi int) {
	lo = r.nextPack
	n := len(r.usePack)
	if lo >= n {
		return lo, lo
	}
	hi = lo + 1
	if r.cfg.ReadOnePackEveryTime {
		return lo, hi
	}
	rows := r.meta.Stats.Properties[lo].Rows
	for hi < n && r.usePack[hi] && r.roughResult[hi] == r.roughResult[lo] {
		next := r.meta.Stats.Properties[hi].Rows
		if r.cfg.RowsThresholdPerRead > 0 && rows+next > r.cfg.RowsThresholdPerRead {
			break
		}
		rows += next
		hi++
	}
	return lo, hi
}

// isCleanRun reports whether [lo, hi) satisfies §4.3's clean-read
// preconditions: uniform All rough result, every pack not_clean==0, and
// every pack's max_version within the read snapshot.
func (r *DMFileReader) isCleanRun(lo, hi int) bool {
	if r.roughResult[lo] != ResultAll {
		return false
	}
	for i := lo; i < hi; i++ {
		p := r.meta.Stats.Properties[i]
		if p.NotClean {
			return false
		}
		if r.req.MaxReadVersion != 0 && p.MaxVersion > r.req.MaxReadVersion {
			return false
		}
	}
	return true
}

// Next produces the next Block, or ok=false once every used pack has
// been emitted. Blocks are emitted in pack order per §5's ordering
// guarantee.
func (r *DMFileReader) Next(ctx context.Context) (*block.Block, bool, error) {
	r.getSkippedRows()
	lo, hi := r.nextRun()
	if lo >= hi {
		return nil, false, nil
	}
	blk, err := r.buildBlock(ctx, lo, hi)
	if err != nil {
		return nil, false, err
	}
	r.nextPack = hi
	r.scan.ReadRows += int64(blk.RowCount())
	return blk, true, nil
}

func (r *DMFileReader) runRows(lo, hi int) int {
	n := 0
	for i := lo; i < hi; i++ {
		n += r.meta.Stats.Properties[i].Rows
	}
	return n
}

func (r *DMFileReader) buildBlock(ctx context.Context, lo, hi int) (*block.Block, error) {
	rows := r.runRows(lo, hi)
	clean := r.isCleanRun(lo, hi)
	fastScan := r.cfg.IsFastScan

	cols := make([]*block.Column, 0, len(r.req.RequestedSchema))
	for _, schema := range r.req.RequestedSchema {
		var col *block.Column
		var err error
		switch schema.Name {
		case nameHandle:
			if clean || fastScan {
				col = block.NewConstInt64Column(nameHandle, r.meta.Stats.Properties[lo].MinHandle, rows)
			} else {
				col, err = r.readColumnRun(ctx, schema, lo, hi, rows)
			}
		case nameVersion:
			if clean {
				col = block.NewConstInt64Column(nameVersion, int64(r.meta.Stats.Properties[lo].FirstVersion), rows)
			} else {
				col, err = r.readColumnRun(ctx, schema, lo, hi, rows)
			}
		case nameDeleteMark:
			if clean || fastScan {
				col = block.NewConstInt64Column(nameDeleteMark, 0, rows)
			} else {
				col, err = r.readColumnRun(ctx, schema, lo, hi, rows)
			}
		default:
			col, err = r.readColumnRun(ctx, schema, lo, hi, rows)
		}
		if err != nil {
			return nil, err
		}
		cols = append(cols, col)
	}
	blk := block.New(cols)
	blk.SetRowCount(rows)
	return blk, nil
}

// readColumnRun reads [lo, hi) for one requested column, applying
// DDL-on-read (absent column, type mismatch, nullability change) and
// the column cache for cacheable columns.
func (r *DMFileReader) readColumnRun(ctx context.Context, schema ColumnSchema, lo, hi, rows int) (*block.Column, error) {
	onDisk, ok := r.meta.ColumnByID(schema.ID)
	if !ok {
		return SynthesizeDefault(schema, rows), nil
	}

	cacheable := schema.Name == nameHandle || schema.Name == nameVersion
	var segs []ReadSegment
	if cacheable && r.columnCache != nil {
		segs = r.columnCache.Strategy(r.fileID, onDisk.ID, lo, hi)
	} else {
		segs = []ReadSegment{{PackLo: lo, PackHi: hi, Kind: SegmentDisk}}
	}

	packCols := make([]*block.Column, hi-lo)
	for _, seg := range segs {
		for i := seg.PackLo; i < seg.PackHi; i++ {
			var col *block.Column
			if seg.Kind == SegmentMemory {
				cached, ok := r.columnCache.Get(r.fileID, onDisk.ID, i)
				if !ok {
					return nil, errors.Logical("column %s: pack %d strategy said memory but cache missed", schema.Name, i)
				}
				col = cached
			} else {
				s, err := r.getStream(onDisk)
				if err != nil {
					return nil, err
				}
				n := r.meta.Stats.Properties[i].Rows
				col, err = s.ReadPack(ctx, i, n)
				if err != nil {
					return nil, err
				}
				if cacheable && r.columnCache != nil {
					r.columnCache.Put(r.fileID, onDisk.ID, i, col)
				}
			}
			packCols[i-lo] = col
		}
	}
	merged := concatColumns(schema.Name, packCols)

	if onDisk.Type != schema.Type {
		cast, err := CastColumn(merged, schema.Type)
		if err != nil {
			return nil, err
		}
		merged = cast
	}
	if schema.Nullable && !onDisk.Nullable {
		merged = WidenNullable(merged)
	} else if !schema.Nullable && onDisk.Nullable {
		merged = NarrowNullable(merged)
	}
	return merged, nil
}

func (r *DMFileReader) getStream(schema ColumnSchema) (*Stream, error) {
	if s, ok := r.streams[schema.ID]; ok {
		return s, nil
	}
	format := FormatFixedInt64
	if schema.Type == TypeBytes {
		format = FormatBytes
	}
	s, err := OpenStream(r.fp, r.fileID, r.meta.Dir, schema.ID, schema.Name, format, r.cfg, r.meta.Checksummed(), r.markCache, r.limiter)
	if err != nil {
		return nil, err
	}
	r.streams[schema.ID] = s
	return s, nil
}

func concatColumns(name string, cols []*block.Column) *block.Column {
	if len(cols) == 1 {
		return cols[0]
	}
	if len(cols) == 0 {
		return &block.Column{Name: name}
	}
	if cols[0].Kind == block.KindBytes {
		out := &block.Column{Name: name, Kind: block.KindBytes}
		out.Offsets = append(out.Offsets, 0)
		for _, c := range cols {
			base := uint32(len(out.Bytes))
			out.Bytes = append(out.Bytes, c.Bytes...)
			for _, o := range c.Offsets[1:] {
				out.Offsets = append(out.Offsets, base+o)
			}
		}
		return out
	}
	out := &block.Column{Name: name, Kind: block.KindInt64}
	for _, c := range cols {
		out.Int64s = append(out.Int64s, c.Int64s...)
	}
	return out
}

// ReadWithFilter is the late-materialization variant named in §4.3:
// filter is a precomputed row-filter bitmap aligned with the run this
// call would naturally produce. Every pack whose slice of filter is all
// zero is marked unused for this call and skipped entirely — never read
// or decompressed — whether it leads the run or sits between two packs
// that do have set bits; the remaining contiguous groups are read,
// filtered and concatenated back into one block.
func (r *DMFileReader) ReadWithFilter(ctx context.Context, filter []bool) (*block.Block, bool, error) {
	r.getSkippedRows()
	lo, hi := r.nextRun()
	if lo >= hi {
		return nil, false, nil
	}
	if len(filter) != r.runRows(lo, hi) {
		return nil, false, errors.Logical("read_with_filter: filter length %d does not match run row count %d", len(filter), r.runRows(lo, hi))
	}
	r.nextPack = hi

	var pieces []*block.Block
	rowOff := 0
	segLo := lo
	segRowOff := 0
	for pack := lo; pack < hi; pack++ {
		n := r.meta.Stats.Properties[pack].Rows
		if !anyTrue(filter[rowOff : rowOff+n]) {
			if segLo < pack {
				blk, err := r.buildBlock(ctx, segLo, pack)
				if err != nil {
					return nil, false, err
				}
				pieces = append(pieces, applyRowFilter(blk, filter[segRowOff:rowOff]))
			}
			segLo = pack + 1
			segRowOff = rowOff + n
		}
		rowOff += n
	}
	if segLo < hi {
		blk, err := r.buildBlock(ctx, segLo, hi)
		if err != nil {
			return nil, false, err
		}
		pieces = append(pieces, applyRowFilter(blk, filter[segRowOff:rowOff]))
	}

	result := r.concatFilteredPieces(pieces)
	r.scan.ReadRows += int64(result.RowCount())
	return result, true, nil
}

// concatFilteredPieces merges the per-segment blocks ReadWithFilter
// produces back into one block matching the requested schema, or an
// empty block of that schema if every pack in the run was all-zero.
func (r *DMFileReader) concatFilteredPieces(pieces []*block.Block) *block.Block {
	if len(pieces) == 0 {
		cols := make([]*block.Column, len(r.req.RequestedSchema))
		for i, s := range r.req.RequestedSchema {
			kind := block.KindInt64
			if s.Type == TypeBytes {
				kind = block.KindBytes
			}
			cols[i] = &block.Column{Name: s.Name, Kind: kind}
		}
		out := block.New(cols)
		out.SetRowCount(0)
		return out
	}
	if len(pieces) == 1 {
		return pieces[0]
	}
	cols := make([]*block.Column, len(pieces[0].Columns))
	rows := 0
	for ci, first := range pieces[0].Columns {
		perPiece := make([]*block.Column, len(pieces))
		for pi, b := range pieces {
			perPiece[pi] = b.Columns[ci]
		}
		cols[ci] = concatColumns(first.Name, perPiece)
	}
	for _, b := range pieces {
		rows += b.RowCount()
	}
	out := block.New(cols)
	out.SetRowCount(rows)
	return out
}

func anyTrue(bs []bool) bool {
	for _, b := range bs {
		if b {
			return true
		}
	}
	return false
}

func applyRowFilter(blk *block.Block, keep []bool) *block.Block {
	idx := make([]int, 0, len(keep))
	for i, k := range keep {
		if k {
			idx = append(idx, i)
		}
	}
	cols := make([]*block.Column, len(blk.Columns))
	for ci, c := range blk.Columns {
		cols[ci] = selectRows(c, idx)
	}
	out := block.New(cols)
	out.SetRowCount(len(idx))
	return out
}

func selectRows(c *block.Column, idx []int) *block.Column {
	if c.Constant {
		return &block.Column{Name: c.Name, Kind: c.Kind, Constant: true, ConstInt64: c.ConstInt64, ConstBytes: c.ConstBytes}
	}
	out := &block.Column{Name: c.Name, Kind: c.Kind}
	switch c.Kind {
	case block.KindBytes:
		out.Offsets = make([]uint32, len(idx)+1)
		for i, row := range idx {
			out.Bytes = append(out.Bytes, c.BytesAt(row)...)
			out.Offsets[i+1] = uint32(len(out.Bytes))
		}
	default:
		out.Int64s = make([]int64, len(idx))
		for i, row := range idx {
			out.Int64s[i] = c.Int64At(row)
		}
	}
	for i, row := range idx {
		if c.IsNull(row) {
			out.Nulls.Add(i)
		}
	}
	return out
}

func (r *DMFileReader) Close() error {
	var first error
	for _, s := range r.streams {
		if err := s.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
