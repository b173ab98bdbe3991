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
	"sync"

	"github.com/matrixbase/dtcore/internal/common/block"
	"github.com/matrixbase/dtcore/internal/common/errors"
)

// Phase is one state of the join's lifecycle, §4.4: build threads run
// concurrently until all finish, then probe threads run concurrently
// until all finish, then (for RIGHT/FULL) non-joined rows drain.
type Phase uint8

const (
	PhaseInit Phase = iota
	PhaseBuilding
	PhaseBuilt
	PhaseProbing
	PhaseProbed
	PhaseEmittingNonJoined
	PhaseDone
)

// Join coordinates the whole build/probe/non-joined lifecycle for one
// join operator instance. BuildConcurrency Builders write into a
// shared Table; once every Builder finishes, ProbeConcurrency Probers
// read it; RIGHT/FULL additionally drain a NonJoinedEmitter afterward.
type Join struct {
	mu    sync.Mutex
	cond  *sync.Cond
	phase Phase
	err   error

	kind       Kind
	strictness Strictness

	table    *Table
	registry *BlockRegistry
	builders []*Builder

	buildTotal int
	buildDone  int
	probeTotal int
	probeDone  int

	cross *CrossJoiner
}

// NewJoin wires a Table, its BlockRegistry, and per-thread Builders for
// a join with the given kind/strictness/method. buildConcurrency and
// probeConcurrency size the counters finish_one_build/finish_one_probe
// wait on.
func NewJoin(cfg Config, kind Kind, strictness Strictness, method Method, keyNames []string, collations []CollationClass, listSlabSize int) *Join {
	j := &Join{kind: kind, strictness: strictness}
	j.cond = sync.NewCond(&j.mu)
	j.registry = NewBlockRegistry()

	if kind == KindCross {
		j.cross = NewCrossJoiner(j.registry, cfg.MaxBlockSize)
		j.buildTotal = cfg.BuildConcurrency
		j.probeTotal = cfg.ProbeConcurrency
		j.phase = PhaseInit
		return j
	}

	j.table = NewTable(method, strictness, listSlabSize)
	j.buildTotal = cfg.BuildConcurrency
	j.probeTotal = cfg.ProbeConcurrency
	for i := 0; i < cfg.BuildConcurrency; i++ {
		j.builders = append(j.builders, NewBuilder(j.table, j.registry, keyNames, collations))
	}
	j.phase = PhaseInit
	return j
}

// Builder returns the i'th build thread's Builder, or nil for CROSS,
// whose build blocks are retained through RetainCrossBlock instead.
func (j *Join) Builder(i int) *Builder {
	if j.kind == KindCross {
		return nil
	}
	return j.builders[i]
}

func (j *Join) Registry() *BlockRegistry { return j.registry }

// RetainCrossBlock is the CROSS-join equivalent of Builder.InsertFromBlock:
// no key extraction, just retention in the shared registry.
func (j *Join) RetainCrossBlock(blk *block.Block) {
	j.registry.add(blk)
}

func (j *Join) MeetError(err error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.err == nil {
		j.err = err
	}
	j.cond.Broadcast()
}

func (j *Join) Err() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.err
}

// FinishOneBuild is called by a build thread once it has inserted every
// block it owns. The last caller transitions Building -> Built.
func (j *Join) FinishOneBuild() {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.phase == PhaseInit {
		j.phase = PhaseBuilding
	}
	j.buildDone++
	if j.buildDone >= j.buildTotal {
		j.phase = PhaseBuilt
		j.cond.Broadcast()
	}
}

// WaitUntilAllBuildFinished blocks a probe thread until every build
// thread has called FinishOneBuild, or returns the latched error if one
// occurred first.
func (j *Join) WaitUntilAllBuildFinished() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	for j.phase < PhaseBuilt && j.err == nil {
		j.cond.Wait()
	}
	if j.err != nil {
		return j.err
	}
	if j.phase == PhaseBuilt {
		j.phase = PhaseProbing
	}
	return nil
}

// FinishOneProbe is called by a probe thread once it has probed every
// block it will see. The last caller transitions Probing -> Probed, or
// straight to EmittingNonJoined for RIGHT/FULL so the caller knows to
// go drain NonJoinedEmitter next.
func (j *Join) FinishOneProbe() {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.probeDone++
	if j.probeDone >= j.probeTotal {
		if j.kind == KindRight || j.kind == KindFull {
			j.phase = PhaseEmittingNonJoined
		} else {
			j.phase = PhaseProbed
		}
		j.cond.Broadcast()
	}
}

// WaitUntilAllProbeFinished blocks until every probe thread has called
// FinishOneProbe.
func (j *Join) WaitUntilAllProbeFinished() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	for j.phase != PhaseProbed && j.phase != PhaseEmittingNonJoined && j.phase != PhaseDone && j.err == nil {
		j.cond.Wait()
	}
	return j.err
}

func (j *Join) SetDone() {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.phase = PhaseDone
	j.cond.Broadcast()
}

func (j *Join) Phase() Phase {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.phase
}

// NeedsNonJoined reports whether this join kind requires the
// NonJoinedEmitter pass at all.
func (j *Join) NeedsNonJoined() bool {
	return j.kind == KindRight || j.kind == KindFull
}

func (j *Join) NewNonJoinedEmitter() (*NonJoinedEmitter, error) {
	if j.table == nil {
		return nil, errors.Logical("cross join has no non-joined pass")
	}
	return NewNonJoinedEmitter(j.table, j.registry, j.builders), nil
}
