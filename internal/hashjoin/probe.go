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

package hashjoin

import (
	"github.com/matrixbase/dtcore/internal/common/block"
)

// Pair is one output row before materialization: a probe-side row
// paired with a build-side RowRef, or HasBuild=false when the probe
// row produced no match (LEFT/FULL's null-extended side). entry is the
// table entry BuildRef came from, carried only so Confirm can find it
// later; it is nil whenever HasBuild is false.
type Pair struct {
	ProbeRow int32
	BuildRef RowRef
	HasBuild bool
	entry    *entry
	// Match carries SEMI/ANTI's three-state result, §4.4; zero value
	// (MatchUnmatched) is meaningless for every other kind.
	Match MatchState
}

// Prober drives probing against a built Table, §4.4: the build side is
// always the right relation (its entries carry the used flag RIGHT/FULL
// non-joined emission later reads), the probe side is always the left
// relation streaming through join_block.
type Prober struct {
	table      *Table
	registry   *BlockRegistry
	keyNames   []string
	collations []CollationClass
	kind       Kind
}

func NewProber(table *Table, registry *BlockRegistry, keyNames []string, collations []CollationClass, kind Kind) *Prober {
	return &Prober{table: table, registry: registry, keyNames: keyNames, collations: collations, kind: kind}
}

// Probe implements join_block's per-row lookup and emission logic for
// every non-CROSS kind. It does not itself mark matched build-side
// entries used — callers must call Confirm on the pairs that survive
// any ApplyOtherFilter pass, so a row rejected by the other-filter is
// not wrongly excluded from RIGHT/FULL's later non-joined walk.
func (p *Prober) Probe(probeBlk *block.Block) []Pair {
	keys := make([]KeyColumn, len(p.keyNames))
	for i, name := range p.keyNames {
		keys[i] = KeyColumn{Column: probeBlk.Column(name), Collation: p.collations[i]}
	}

	var pairs []Pair
	rows := probeBlk.RowCount()
	for row := 0; row < rows; row++ {
		matches, e, matched, probeNull := p.lookup(keys, row)
		pairs = append(pairs, p.emit(int32(row), matches, e, matched, probeNull)...)
	}
	return pairs
}

// Confirm marks, as used, every distinct build-side entry backing a
// surviving HasBuild pair. Call it after Probe and after any
// ApplyOtherFilter pass over its result: NonJoinedEmitter treats an
// entry as non-joined only once no surviving pair still references it.
func (p *Prober) Confirm(pairs []Pair) {
	for _, pr := range pairs {
		if pr.HasBuild && pr.entry != nil && !pr.entry.isUsed() {
			pr.entry.markUsed()
		}
	}
}

// lookup resolves one probe row's matches against the table. NULL keys
// never match, §3.5; probeNull reports whether this row's own key was
// NULL, which emit needs for SEMI/ANTI's three-state match helper.
func (p *Prober) lookup(keys []KeyColumn, row int) (refs []RowRef, e *entry, matched bool, probeNull bool) {
	if p.table.method.IsNumeric() {
		k, hasNull := PackKeyU64(keys, row)
		if hasNull {
			return nil, nil, false, true
		}
		e, ok := p.table.lookupU64(k)
		if !ok {
			return nil, nil, false, false
		}
		refs, matched = p.refsFromEntry(e)
		if !matched {
			return nil, nil, false, false
		}
		return refs, e, true, false
	}
	k, hasNull := PackKey(keys, row)
	if hasNull {
		return nil, nil, false, true
	}
	e, ok := p.table.lookupBytes(k)
	if !ok {
		return nil, nil, false, false
	}
	refs, matched = p.refsFromEntry(e)
	if !matched {
		return nil, nil, false, false
	}
	return refs, e, true, false
}

func (p *Prober) refsFromEntry(e *entry) ([]RowRef, bool) {
	if p.table.strictness == StrictAny {
		if !e.anySet {
			return nil, false
		}
		return []RowRef{e.anyRef}, true
	}
	if !e.allSet {
		return nil, false
	}
	return p.table.ListFrom(e.allHead), true
}

// emit applies kind-specific output semantics to one probe row's match
// set, §4.4's per-kind table. SEMI/ANTI always emit exactly one Pair per
// probe row carrying a three-state Match instead of filtering, so a
// build-side NULL key can still make an ANTI probe row's answer unknown
// rather than silently "unmatched".
func (p *Prober) emit(probeRow int32, matches []RowRef, e *entry, matched bool, probeNull bool) []Pair {
	switch p.kind {
	case KindInner, KindRight:
		if !matched {
			return nil
		}
		out := make([]Pair, len(matches))
		for i, ref := range matches {
			out[i] = Pair{ProbeRow: probeRow, BuildRef: ref, HasBuild: true, entry: e}
		}
		return out
	case KindLeft, KindFull:
		if !matched {
			return []Pair{{ProbeRow: probeRow, HasBuild: false}}
		}
		out := make([]Pair, len(matches))
		for i, ref := range matches {
			out[i] = Pair{ProbeRow: probeRow, BuildRef: ref, HasBuild: true, entry: e}
		}
		return out
	case KindSemi, KindAnti:
		return []Pair{{ProbeRow: probeRow, HasBuild: false, Match: p.matchState(matched, probeNull)}}
	default:
		return nil
	}
}

// matchState implements the IN/NOT IN-with-NULL three-valued logic: a
// probe row is only definitely unmatched if neither its own key nor any
// build-side key was NULL.
func (p *Prober) matchState(matched, probeNull bool) MatchState {
	if probeNull {
		return MatchNull
	}
	if matched {
		return MatchMatched
	}
	if p.table.hasNullKey() {
		return MatchNull
	}
	return MatchUnmatched
}

// ApplyOtherFilter evaluates the residual non-equi predicate over the
// materialized block and drops the rows it rejects, keeping pairs and
// the block in lockstep for any caller that still needs both.
func ApplyOtherFilter(blk *block.Block, pairs []Pair, filter OtherFilter) (*block.Block, []Pair) {
	if filter == nil {
		return blk, pairs
	}
	keep := filter(blk)
	keptPairs := make([]Pair, 0, len(pairs))
	for i, k := range keep {
		if k {
			keptPairs = append(keptPairs, pairs[i])
		}
	}
	return applyRowFilterGeneric(blk, keep), keptPairs
}

func applyRowFilterGeneric(blk *block.Block, keep []bool) *block.Block {
	n := 0
	for _, k := range keep {
		if k {
			n++
		}
	}
	cols := make([]*block.Column, len(blk.Columns))
	for ci, c := range blk.Columns {
		cols[ci] = selectRowsGeneric(c, keep, n)
	}
	out := block.New(cols)
	out.SetRowCount(n)
	return out
}

func selectRowsGeneric(c *block.Column, keep []bool, n int) *block.Column {
	b := newColBuilder(c.Name, c.Kind, n)
	for row, k := range keep {
		if !k {
			continue
		}
		if c.IsNull(row) {
			b.appendNull()
			continue
		}
		switch c.Kind {
		case block.KindBytes:
			b.appendBytes(c.BytesAt(row))
		default:
			b.appendInt64(c.Int64At(row))
		}
	}
	return b.column()
}

// Materialize builds the output Block for one Probe() call: probeCols
// are read directly from probeBlk at pair.ProbeRow; buildCols are read
// through the registry at pair.BuildRef, or appended as NULL when
// HasBuild is false (the null-extended side of an outer join).
func Materialize(probeBlk *block.Block, registry *BlockRegistry, pairs []Pair, probeCols, buildCols []string) *block.Block {
	n := len(pairs)
	cols := make([]*block.Column, 0, len(probeCols)+len(buildCols))

	for _, name := range probeCols {
		src := probeBlk.Column(name)
		b := newColBuilder(name, src.Kind, n)
		for _, p := range pairs {
			appendFrom(b, src, int(p.ProbeRow))
		}
		cols = append(cols, b.column())
	}

	for _, name := range buildCols {
		var kind block.Kind
		if n > 0 {
			if first := firstBuildColumn(registry, pairs, name); first != nil {
				kind = first.Kind
			}
		}
		b := newColBuilder(name, kind, n)
		for _, p := range pairs {
			if !p.HasBuild {
				b.appendNull()
				continue
			}
			blk, row := registry.Row(p.BuildRef)
			src := blk.Column(name)
			appendFrom(b, src, row)
		}
		cols = append(cols, b.column())
	}

	out := block.New(cols)
	out.SetRowCount(n)
	return out
}

// MaterializeMarkJoin builds SEMI/ANTI's mark-join output: the probe
// row as-is, plus a helper bytes column named helperName holding
// "matched"/"unmatched"/"null" per pair.Match, §4.4's requirement to
// report the helper rather than replicate or filter rows. Callers that
// want the classic boolean SEMI/ANTI result can instead filter pairs on
// Match themselves (Matched for SEMI, Unmatched for ANTI) and call
// Materialize; this function is for when Config.MatchHelperName names a
// column to actually expose the NULL case too.
func MaterializeMarkJoin(probeBlk *block.Block, pairs []Pair, probeCols []string, helperName string) *block.Block {
	n := len(pairs)
	cols := make([]*block.Column, 0, len(probeCols)+1)

	for _, name := range probeCols {
		src := probeBlk.Column(name)
		b := newColBuilder(name, src.Kind, n)
		for _, p := range pairs {
			appendFrom(b, src, int(p.ProbeRow))
		}
		cols = append(cols, b.column())
	}

	helper := newColBuilder(helperName, block.KindBytes, n)
	for _, p := range pairs {
		helper.appendBytes([]byte(p.Match.String()))
	}
	cols = append(cols, helper.column())

	out := block.New(cols)
	out.SetRowCount(n)
	return out
}

func firstBuildColumn(registry *BlockRegistry, pairs []Pair, name string) *block.Column {
	for _, p := range pairs {
		if p.HasBuild {
			blk, _ := registry.Row(p.BuildRef)
			return blk.Column(name)
		}
	}
	return nil
}

func appendFrom(b *colBuilder, src *block.Column, row int) {
	if src.IsNull(row) {
		b.appendNull()
		return
	}
	switch src.Kind {
	case block.KindBytes:
		b.appendBytes(src.BytesAt(row))
	default:
		b.appendInt64(src.Int64At(row))
	}
}
