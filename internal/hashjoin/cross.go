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

import "github.com/matrixbase/dtcore/internal/common/block"

// CrossJoiner implements CROSS, §4.4: no hash table, every retained
// build block is replicated against every probe row in maxBlockSize
// chunks so a single wide probe side never explodes into one giant
// output block.
type CrossJoiner struct {
	registry     *BlockRegistry
	maxBlockSize int
}

func NewCrossJoiner(registry *BlockRegistry, maxBlockSize int) *CrossJoiner {
	if maxBlockSize <= 0 {
		maxBlockSize = 1 << 16
	}
	return &CrossJoiner{registry: registry, maxBlockSize: maxBlockSize}
}

// Probe produces the cross product of probeBlk against every retained
// build block, yielding chunks of at most maxBlockSize rows.
func (j *CrossJoiner) Probe(probeBlk *block.Block, probeCols, buildCols []string) []*block.Block {
	var out []*block.Block
	nBuildBlocks := j.registry.Len()
	for probeRow := 0; probeRow < probeBlk.RowCount(); probeRow++ {
		for bi := 0; bi < nBuildBlocks; bi++ {
			buildBlk := j.registry.Block(bi)
			for lo := 0; lo < buildBlk.RowCount(); lo += j.maxBlockSize {
				hi := lo + j.maxBlockSize
				if hi > buildBlk.RowCount() {
					hi = buildBlk.RowCount()
				}
				out = append(out, j.chunk(probeBlk, probeRow, buildBlk, lo, hi, probeCols, buildCols))
			}
		}
	}
	return out
}

func (j *CrossJoiner) chunk(probeBlk *block.Block, probeRow int, buildBlk *block.Block, lo, hi int, probeCols, buildCols []string) *block.Block {
	n := hi - lo
	cols := make([]*block.Column, 0, len(probeCols)+len(buildCols))
	for _, name := range probeCols {
		src := probeBlk.Column(name)
		b := newColBuilder(name, src.Kind, n)
		for i := 0; i < n; i++ {
			appendFrom(b, src, probeRow)
		}
		cols = append(cols, b.column())
	}
	for _, name := range buildCols {
		src := buildBlk.Column(name)
		b := newColBuilder(name, src.Kind, n)
		for row := lo; row < hi; row++ {
			appendFrom(b, src, row)
		}
		cols = append(cols, b.column())
	}
	out := block.New(cols)
	out.SetRowCount(n)
	return out
}
