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

// PackProperty carries the per-pack metadata named in §3.4 beyond plain
// row counts: the fields the clean-read and DDL paths consult before
// touching any column data.
type PackProperty struct {
	Rows            int
	EffectiveRows   int
	GCHintVersion   uint64
	DeletedRows     int
	FirstTag        uint64
	FirstVersion    uint64
	MinHandle       int64
	MaxHandle       int64
	MaxVersion      uint64
	NotClean        bool
}

// ColumnStat is the per-column, per-file statistic block named in §3.4:
// average cell size and total bytes size streaming reads, optional
// min/max feeding rough-set evaluation, and a null count.
type ColumnStat struct {
	ColumnID     uint32
	AvgCellSize  float64
	TotalBytes   int64
	HasMinMax    bool
	MinInt64     int64
	MaxInt64     int64
	NullCount    int64
}

// PackColumnStat is one column's min/max/null stat scoped to a single
// pack — the granularity rough-set pruning actually evaluates against,
// distinct from the whole-file ColumnStat used for read-buffer sizing.
type PackColumnStat struct {
	HasMinMax bool
	MinInt64  int64
	MaxInt64  int64
	NullCount int64
	Rows      int
}

// PackStats is the full per-pack metadata for a DMFile: one
// PackProperty per pack plus, per column, one PackColumnStat per pack.
type PackStats struct {
	Properties []PackProperty
	Columns    map[uint32][]PackColumnStat
}

func (s *PackStats) PackCount() int { return len(s.Properties) }

// TotalRows sums Properties[i].Rows, the numerator §8's row-count
// invariant checks against the sum of rows actually emitted.
func (s *PackStats) TotalRows() int {
	n := 0
	for _, p := range s.Properties {
		n += p.Rows
	}
	return n
}
