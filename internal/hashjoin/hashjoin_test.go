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
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/matrixbase/dtcore/internal/common/block"
)

func newBytesColumn(name string, vals []string, nullRows ...int) *block.Column {
	offs := []uint32{0}
	var data []byte
	for _, v := range vals {
		data = append(data, v...)
		offs = append(offs, uint32(len(data)))
	}
	c := &block.Column{Name: name, Kind: block.KindBytes, Bytes: data, Offsets: offs}
	for _, r := range nullRows {
		c.Nulls.Add(r)
	}
	return c
}

func newInt64Column(name string, vals []int64, nullRows ...int) *block.Column {
	c := block.NewInt64Column(name, vals)
	for _, r := range nullRows {
		c.Nulls.Add(r)
	}
	return c
}

var binaryCollation = []CollationClass{CollationBinary}

// TestHashJoinAllInnerReplication is S5: ALL strictness replicates every
// matching build row for every matching probe row, and an unmatched probe
// row (key 3) contributes nothing under INNER.
func TestHashJoinAllInnerReplication(t *testing.T) {
	buildBlk := block.New([]*block.Column{
		newInt64Column("key", []int64{1, 1, 2}),
		newBytesColumn("rval", []string{"x", "y", "z"}),
	})
	probeBlk := block.New([]*block.Column{
		newInt64Column("key", []int64{1, 1, 3}),
		newBytesColumn("lval", []string{"L1", "L2", "L3"}),
	})

	table := NewTable(MethodKey64, StrictAll, 16)
	registry := NewBlockRegistry()
	builder := NewBuilder(table, registry, []string{"key"}, binaryCollation)
	builder.InsertFromBlock(buildBlk)
	require.Empty(t, builder.NotInserted())

	prober := NewProber(table, registry, []string{"key"}, binaryCollation, KindInner)
	pairs := prober.Probe(probeBlk)
	require.Len(t, pairs, 4)
	for _, p := range pairs {
		require.True(t, p.HasBuild)
	}

	out := Materialize(probeBlk, registry, pairs, []string{"lval"}, []string{"rval"})
	require.Equal(t, 4, out.RowCount())

	lval := out.Column("lval")
	rval := out.Column("rval")
	want := [][2]string{{"L1", "x"}, {"L1", "y"}, {"L2", "x"}, {"L2", "y"}}
	for i, w := range want {
		require.Equal(t, w[0], string(lval.BytesAt(i)), "row %d lval", i)
		require.Equal(t, w[1], string(rval.BytesAt(i)), "row %d rval", i)
	}
}

// TestHashJoinNullKeyNeverMatches covers §3.5's NULL-never-matches rule on
// both the build side (a NULL-key build row is never inserted, and lands
// in NotInserted) and the probe side (a NULL-key probe row produces no
// match regardless of what the table holds).
func TestHashJoinNullKeyNeverMatches(t *testing.T) {
	buildBlk := block.New([]*block.Column{
		newInt64Column("key", []int64{1, 0}, 1), // row 1's key is NULL
		newBytesColumn("rval", []string{"a", "b"}),
	})
	probeBlk := block.New([]*block.Column{
		newInt64Column("key", []int64{1, 0}, 1), // row 1's key is NULL
		newBytesColumn("lval", []string{"p", "q"}),
	})

	table := NewTable(MethodKey64, StrictAny, 0)
	registry := NewBlockRegistry()
	builder := NewBuilder(table, registry, []string{"key"}, binaryCollation)
	builder.InsertFromBlock(buildBlk)
	require.Equal(t, []RowRef{{BlockID: 0, Row: 1}}, builder.NotInserted())

	prober := NewProber(table, registry, []string{"key"}, binaryCollation, KindInner)
	pairs := prober.Probe(probeBlk)
	require.Len(t, pairs, 1)
	require.Equal(t, int32(0), pairs[0].ProbeRow)
	require.Equal(t, RowRef{BlockID: 0, Row: 0}, pairs[0].BuildRef)
}

// TestHashJoinFullNonJoinedUnion is S6: a FULL join's probe pass emits the
// matched pair and a null-extended row for the unmatched (NULL-key) probe
// row, and the non-joined pass afterward emits the build row that a NULL
// key kept out of the table in the first place.
func TestHashJoinFullNonJoinedUnion(t *testing.T) {
	buildBlk := block.New([]*block.Column{
		newInt64Column("key", []int64{1, 0}, 1),
		newBytesColumn("rval", []string{"x", "n"}),
	})
	probeBlk := block.New([]*block.Column{
		newInt64Column("key", []int64{1, 0}, 1),
		newBytesColumn("lval", []string{"L1", "Lnull"}),
	})

	table := NewTable(MethodKey64, StrictAny, 0)
	registry := NewBlockRegistry()
	builder := NewBuilder(table, registry, []string{"key"}, binaryCollation)
	builder.InsertFromBlock(buildBlk)

	prober := NewProber(table, registry, []string{"key"}, binaryCollation, KindFull)
	pairs := prober.Probe(probeBlk)
	require.Len(t, pairs, 2)
	require.True(t, pairs[0].HasBuild)
	require.Equal(t, RowRef{BlockID: 0, Row: 0}, pairs[0].BuildRef)
	require.False(t, pairs[1].HasBuild)
	require.Equal(t, int32(1), pairs[1].ProbeRow)

	joined := Materialize(probeBlk, registry, pairs, []string{"lval"}, []string{"rval"})
	require.Equal(t, 2, joined.RowCount())
	require.Equal(t, "L1", string(joined.Column("lval").BytesAt(0)))
	require.Equal(t, "x", string(joined.Column("rval").BytesAt(0)))
	require.Equal(t, "Lnull", string(joined.Column("lval").BytesAt(1)))
	require.True(t, joined.Column("rval").IsNull(1))

	prober.Confirm(pairs)
	emitter := NewNonJoinedEmitter(table, registry, []*Builder{builder})
	refs := emitter.Refs(0, 1)
	require.Equal(t, []RowRef{{BlockID: 0, Row: 1}}, refs)

	nonJoined := emitter.Materialize(refs, []string{"lval"}, []string{"rval"}, map[string]block.Kind{"lval": block.KindBytes})
	require.Equal(t, 1, nonJoined.RowCount())
	require.True(t, nonJoined.Column("lval").IsNull(0))
	require.Equal(t, "n", string(nonJoined.Column("rval").BytesAt(0)))
}

// TestHashJoinFullOtherFilterRejectionKeepsRowNonJoined covers the
// interaction between an other-filter and RIGHT/FULL non-joined
// emission: a build row that matches on key but is then rejected by
// the other-filter must still surface through NonJoinedEmitter, since
// its only pair never survives to Confirm.
func TestHashJoinFullOtherFilterRejectionKeepsRowNonJoined(t *testing.T) {
	buildBlk := block.New([]*block.Column{
		newInt64Column("key", []int64{1}),
		newInt64Column("rval", []int64{100}),
	})
	probeBlk := block.New([]*block.Column{
		newInt64Column("key", []int64{1}),
		newInt64Column("lval", []int64{5}),
	})

	table := NewTable(MethodKey64, StrictAny, 0)
	registry := NewBlockRegistry()
	builder := NewBuilder(table, registry, []string{"key"}, binaryCollation)
	builder.InsertFromBlock(buildBlk)

	prober := NewProber(table, registry, []string{"key"}, binaryCollation, KindFull)
	pairs := prober.Probe(probeBlk)
	require.Len(t, pairs, 1)
	require.True(t, pairs[0].HasBuild)
	require.Equal(t, RowRef{BlockID: 0, Row: 0}, pairs[0].BuildRef)

	joined := Materialize(probeBlk, registry, pairs, []string{"lval"}, []string{"rval"})
	filter := func(blk *block.Block) []bool {
		keep := make([]bool, blk.RowCount())
		lval := blk.Column("lval")
		for i := range keep {
			keep[i] = lval.Int64At(i) > 1000 // always false for this fixture
		}
		return keep
	}
	filteredBlk, keptPairs := ApplyOtherFilter(joined, pairs, filter)
	require.Equal(t, 0, filteredBlk.RowCount())
	require.Empty(t, keptPairs)

	prober.Confirm(keptPairs)
	emitter := NewNonJoinedEmitter(table, registry, []*Builder{builder})
	refs := emitter.Refs(0, 1)
	require.Equal(t, []RowRef{{BlockID: 0, Row: 0}}, refs)
}

// TestChooseMethodAndPackKey exercises §4.4's dispatch surface directly:
// a single non-bytes key column selects by its actual storage width, and
// PackKeyU64 returns the key value for a set row and reports NULL for a
// null one.
func TestChooseMethodAndPackKey(t *testing.T) {
	col := newInt64Column("k", []int64{5, 0}, 1)
	method := ChooseMethod([]KeyColumn{{Column: col}})
	require.Equal(t, MethodKey64, method)
	require.True(t, method.IsNumeric())

	u64, hasNull := PackKeyU64([]KeyColumn{{Column: col}}, 0)
	require.False(t, hasNull)
	require.Equal(t, uint64(5), u64)

	_, hasNull = PackKeyU64([]KeyColumn{{Column: col}}, 1)
	require.True(t, hasNull)
}

// TestChooseMethodDispatchesByWidth covers the four fixed-width numeric
// variants: ChooseMethod must pick Key8/16/32/64 by the column's actual
// storage width, not always Key64.
func TestChooseMethodDispatchesByWidth(t *testing.T) {
	cases := []struct {
		width uint8
		want  Method
	}{
		{1, MethodKey8},
		{2, MethodKey16},
		{4, MethodKey32},
		{8, MethodKey64},
		{0, MethodKey64}, // unset defaults to 8
	}
	for _, c := range cases {
		col := block.NewSizedInt64Column("k", []int64{1, 2, 3}, c.width)
		got := ChooseMethod([]KeyColumn{{Column: col}})
		require.Equal(t, c.want, got, "width %d", c.width)
	}
}

// TestHashJoinSemiAntiMatchHelper covers §4.4's SEMI/ANTI three-state
// match helper: a build side containing a NULL key turns what would
// otherwise be a definite "unmatched" ANTI result into "null", exactly
// as SQL's NOT IN-with-NULL semantics require.
func TestHashJoinSemiAntiMatchHelper(t *testing.T) {
	buildBlk := block.New([]*block.Column{
		newInt64Column("key", []int64{1, 0}, 1), // row 1's key is NULL
		newBytesColumn("rval", []string{"x", "n"}),
	})
	probeBlk := block.New([]*block.Column{
		newInt64Column("key", []int64{1, 2, 0}, 2), // row 2's key is NULL
		newBytesColumn("lval", []string{"L1", "L2", "Lnull"}),
	})

	table := NewTable(MethodKey64, StrictAny, 0)
	registry := NewBlockRegistry()
	builder := NewBuilder(table, registry, []string{"key"}, binaryCollation)
	builder.InsertFromBlock(buildBlk)
	require.True(t, table.hasNullKey())

	semiProber := NewProber(table, registry, []string{"key"}, binaryCollation, KindSemi)
	semiPairs := semiProber.Probe(probeBlk)
	require.Len(t, semiPairs, 3)
	require.Equal(t, MatchMatched, semiPairs[0].Match)  // key 1 matched
	require.Equal(t, MatchNull, semiPairs[1].Match)     // key 2 unmatched, but build side saw a NULL key
	require.Equal(t, MatchNull, semiPairs[2].Match)     // probe row's own key is NULL

	antiProber := NewProber(table, registry, []string{"key"}, binaryCollation, KindAnti)
	antiPairs := antiProber.Probe(probeBlk)
	require.Len(t, antiPairs, 3)
	require.Equal(t, MatchMatched, antiPairs[0].Match)
	require.Equal(t, MatchNull, antiPairs[1].Match)
	require.Equal(t, MatchNull, antiPairs[2].Match)

	helper := MaterializeMarkJoin(probeBlk, semiPairs, []string{"lval"}, "match_helper")
	require.Equal(t, "matched", string(helper.Column("match_helper").BytesAt(0)))
	require.Equal(t, "null", string(helper.Column("match_helper").BytesAt(1)))
	require.Equal(t, "null", string(helper.Column("match_helper").BytesAt(2)))
}

// TestHashJoinSemiAntiDefiniteUnmatchedWithoutBuildNull covers the other
// side of the three-state logic: when the build side never had a NULL
// key, an unmatched non-NULL probe row is a definite MatchUnmatched, not
// MatchNull.
func TestHashJoinSemiAntiDefiniteUnmatchedWithoutBuildNull(t *testing.T) {
	buildBlk := block.New([]*block.Column{
		newInt64Column("key", []int64{1}),
		newBytesColumn("rval", []string{"x"}),
	})
	probeBlk := block.New([]*block.Column{
		newInt64Column("key", []int64{1, 2}),
		newBytesColumn("lval", []string{"L1", "L2"}),
	})

	table := NewTable(MethodKey64, StrictAny, 0)
	registry := NewBlockRegistry()
	builder := NewBuilder(table, registry, []string{"key"}, binaryCollation)
	builder.InsertFromBlock(buildBlk)
	require.False(t, table.hasNullKey())

	antiProber := NewProber(table, registry, []string{"key"}, binaryCollation, KindAnti)
	pairs := antiProber.Probe(probeBlk)
	require.Len(t, pairs, 2)
	require.Equal(t, MatchMatched, pairs[0].Match)
	require.Equal(t, MatchUnmatched, pairs[1].Match)
}

// TestHashJoinCross covers KindCross's plain cartesian-product semantics
// independent of the hash table: it builds every (probe, build) pair by
// hand over one registered build block and checks Materialize's output.
func TestHashJoinCross(t *testing.T) {
	buildBlk := block.New([]*block.Column{
		newBytesColumn("rval", []string{"x", "y"}),
	})
	probeBlk := block.New([]*block.Column{
		newBytesColumn("lval", []string{"p", "q"}),
	})

	var pairs []Pair
	buildRows := buildBlk.RowCount()
	for probeRow := 0; probeRow < probeBlk.RowCount(); probeRow++ {
		for buildRow := 0; buildRow < buildRows; buildRow++ {
			pairs = append(pairs, Pair{ProbeRow: int32(probeRow), BuildRef: RowRef{BlockID: 0, Row: int32(buildRow)}, HasBuild: true})
		}
	}
	registry := NewBlockRegistry()
	registry.add(buildBlk)

	out := Materialize(probeBlk, registry, pairs, []string{"lval"}, []string{"rval"})
	require.Equal(t, 4, out.RowCount())
	lval := out.Column("lval")
	rval := out.Column("rval")
	want := [][2]string{{"p", "x"}, {"p", "y"}, {"q", "x"}, {"q", "y"}}
	for i, w := range want {
		require.Equal(t, w[0], string(lval.BytesAt(i)), "row %d lval", i)
		require.Equal(t, w[1], string(rval.BytesAt(i)), "row %d rval", i)
	}
}
