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

// Package hashjoin implements the multi-variant concurrent equi-join
// hash table described in §4.4: build/probe coordination over blocks,
// every combination of {ANY,ALL}×{LEFT,INNER,RIGHT,FULL,SEMI} plus
// CROSS, NULL-never-matches semantics, and non-joined-row emission for
// the outer-join kinds.
package hashjoin

import "github.com/matrixbase/dtcore/internal/common/block"

// Strictness controls how many right rows a matching left key may
// consume, the GLOSSARY's ANY/ALL distinction.
type Strictness uint8

const (
	StrictAny Strictness = iota
	StrictAll
)

// Kind is the join kind, orthogonal to Strictness.
type Kind uint8

const (
	KindInner Kind = iota
	KindLeft
	KindRight
	KindFull
	KindSemi
	KindAnti
	KindCross
)

// Method is the concrete map shape choose_method selects, §4.4. The
// eleven named variants collapse internally onto two concurrent map
// representations (u64-keyed direct/hash, and bytes-keyed hash, a Go
// map keyed by the packed key with no hash stored alongside) — see DESIGN.md for why that collapse is faithful to the
// spec's dispatch surface without needing eleven Go types.
type Method uint8

const (
	MethodKey8 Method = iota
	MethodKey16
	MethodKey32
	MethodKey64
	MethodKeyString
	MethodKeyStringBinaryPadding
	MethodKeyStringBinary
	MethodKeyFixedString
	MethodKeys128
	MethodKeys256
	MethodSerialized
)

// IsNumeric reports whether Method packs into the u64-keyed map rather
// than the bytes-keyed one.
func (m Method) IsNumeric() bool {
	switch m {
	case MethodKey8, MethodKey16, MethodKey32, MethodKey64:
		return true
	default:
		return false
	}
}

// CollationClass selects byte comparison semantics for string key
// columns, §4.4 ("byte-comparison, with optional right-trim for PADDING
// collation classes").
type CollationClass uint8

const (
	CollationBinary CollationClass = iota
	CollationPadding
)

// MatchState is the three-valued result SEMI/ANTI's match helper column
// reports per probe row, §4.4: a probe row only counts as definitely
// unmatched if neither it nor any build row had a NULL join key —
// mirroring SQL's IN/NOT IN-with-NULL semantics.
type MatchState uint8

const (
	MatchUnmatched MatchState = iota
	MatchMatched
	MatchNull
)

func (m MatchState) String() string {
	switch m {
	case MatchMatched:
		return "matched"
	case MatchNull:
		return "null"
	default:
		return "unmatched"
	}
}

// KeyColumn describes one column participating in the join key.
type KeyColumn struct {
	Column    *block.Column
	Collation CollationClass
}

// RowRef locates one row of a retained build-side block, §3.5 and §9's
// "never a raw pointer" guidance: block_id + row_num, not a pointer.
type RowRef struct {
	BlockID int
	Row     int32
}

// OtherFilter is the non-equi residual predicate evaluated as a
// post-pass after hash probing, §4.4. It receives the produced block
// and must return a boolean mask the same length as the block's row
// count.
type OtherFilter func(result *block.Block) []bool

// Config groups the per-join tuning knobs named in §6.
type Config struct {
	MaxBlockSize            int
	BuildConcurrency        int
	ProbeConcurrency        int
	FineGrainedShuffleCount int
	MatchHelperName         string // used by Semi/Anti to report {matched, unmatched, null}
}
