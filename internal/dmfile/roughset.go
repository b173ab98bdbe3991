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

// Result is the three-valued outcome of evaluating a rough-set operator
// against a pack's min/max/null stats, per the GLOSSARY: All means every
// row in the pack satisfies the predicate, None means no row can, Some
// means it must be checked row-by-row after reading.
type Result uint8

const (
	ResultNone Result = iota
	ResultSome
	ResultAll
)

// and combines two three-valued results the way boolean AND would if
// each value were the set of rows satisfying it: None dominates, All
// only if both sides are All, Some otherwise.
func and(a, b Result) Result {
	if a == ResultNone || b == ResultNone {
		return ResultNone
	}
	if a == ResultAll && b == ResultAll {
		return ResultAll
	}
	return ResultSome
}

// or is the dual of and.
func or(a, b Result) Result {
	if a == ResultAll || b == ResultAll {
		return ResultAll
	}
	if a == ResultNone && b == ResultNone {
		return ResultNone
	}
	return ResultSome
}

func not(a Result) Result {
	switch a {
	case ResultAll:
		return ResultNone
	case ResultNone:
		return ResultAll
	default:
		return ResultSome
	}
}

// CompareOp is the leaf comparison a RoughSet leaf evaluates against a
// pack's int64 min/max.
type CompareOp uint8

const (
	OpEQ CompareOp = iota
	OpNE
	OpLT
	OpLE
	OpGT
	OpGE
)

// Expr is a rough-set operator: a sum type over leaf comparisons and
// And/Or/Not combinators, evaluated by structural recursion per §9's
// re-architecture guidance.
type Expr interface {
	Eval(stat PackColumnStat) Result
}

// Leaf compares one column's pack-level min/max against a constant.
type Leaf struct {
	ColumnID uint32
	Op       CompareOp
	Value    int64
}

func (l Leaf) Eval(stat PackColumnStat) Result {
	if !stat.HasMinMax || stat.Rows == 0 {
		return ResultSome
	}
	allNull := stat.NullCount >= int64(stat.Rows)
	if allNull {
		// NULL never satisfies any comparison.
		return ResultNone
	}
	hasNull := stat.NullCount > 0

	satisfiesAll := false
	satisfiesNone := false
	switch l.Op {
	case OpEQ:
		satisfiesAll = stat.MinInt64 == l.Value && stat.MaxInt64 == l.Value
		satisfiesNone = l.Value < stat.MinInt64 || l.Value > stat.MaxInt64
	case OpNE:
		satisfiesAll = stat.MinInt64 == stat.MaxInt64 && stat.MinInt64 != l.Value
		satisfiesNone = stat.MinInt64 == stat.MaxInt64 && stat.MinInt64 == l.Value
	case OpLT:
		satisfiesAll = stat.MaxInt64 < l.Value
		satisfiesNone = stat.MinInt64 >= l.Value
	case OpLE:
		satisfiesAll = stat.MaxInt64 <= l.Value
		satisfiesNone = stat.MinInt64 > l.Value
	case OpGT:
		satisfiesAll = stat.MinInt64 > l.Value
		satisfiesNone = stat.MaxInt64 <= l.Value
	case OpGE:
		satisfiesAll = stat.MinInt64 >= l.Value
		satisfiesNone = stat.MaxInt64 < l.Value
	}

	switch {
	case satisfiesNone:
		return ResultNone
	case satisfiesAll && !hasNull:
		return ResultAll
	default:
		return ResultSome
	}
}

// And/Or/Not combine Exprs. Eval ignores stat for non-leaf columns;
// callers evaluate a tree per-pack by resolving each Leaf's ColumnID
// against that pack's PackColumnStat before calling EvalTree.
type And struct{ Left, Right Expr }
type Or struct{ Left, Right Expr }
type Not struct{ Inner Expr }

func (e And) Eval(stat PackColumnStat) Result { return and(e.Left.Eval(stat), e.Right.Eval(stat)) }
func (e Or) Eval(stat PackColumnStat) Result  { return or(e.Left.Eval(stat), e.Right.Eval(stat)) }
func (e Not) Eval(stat PackColumnStat) Result { return not(e.Inner.Eval(stat)) }

// EvalTree walks expr, resolving each Leaf against columnStats[leaf.ColumnID]
// for the given pack index. A leaf whose column has no stats entry
// evaluates to Some (can't prune without data).
func EvalTree(expr Expr, pack int, columnStats map[uint32][]PackColumnStat) Result {
	return evalTreeAt(expr, pack, columnStats)
}

func evalTreeAt(expr Expr, pack int, columnStats map[uint32][]PackColumnStat) Result {
	switch e := expr.(type) {
	case Leaf:
		stats, ok := columnStats[e.ColumnID]
		if !ok || pack >= len(stats) {
			return ResultSome
		}
		return e.Eval(stats[pack])
	case And:
		return and(evalTreeAt(e.Left, pack, columnStats), evalTreeAt(e.Right, pack, columnStats))
	case Or:
		return or(evalTreeAt(e.Left, pack, columnStats), evalTreeAt(e.Right, pack, columnStats))
	case Not:
		return not(evalTreeAt(e.Inner, pack, columnStats))
	default:
		return ResultSome
	}
}
