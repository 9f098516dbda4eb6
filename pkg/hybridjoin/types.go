// Copyright 2024 Matrix Origin
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
package hybridjoin

import (
	"github.com/matrixorigin/hybridjoin/pkg/container/tuple"
	"github.com/matrixorigin/hybridjoin/pkg/hashindex"
	"github.com/matrixorigin/hybridjoin/pkg/sink"
	"github.com/matrixorigin/hybridjoin/pkg/spill"
)

const (
	Build = iota
	Probe
	ReplayShed
	Finish
	End
)

// Outcome is how a run ended.
type Outcome int

const (
	// Resolved means every probe tuple was joined or reported.
	Resolved Outcome = iota
	// Unresolved means the generation limit left tuples unresolved.
	Unresolved
	Cancelled
	Failed
)

func (o Outcome) String() string {
	switch o {
	case Resolved:
		return "resolved"
	case Unresolved:
		return "unresolved"
	case Cancelled:
		return "cancelled"
	}
	return "failed"
}

// disposition is what happens to a probe tuple after its lookup.
type disposition int

const (
	resolved disposition = iota
	nonMatch
	carried
)

// Stats are the counters of one run.
type Stats struct {
	// Probes counts probe tuples looked up, a tuple carried over to a later
	// generation counts once per generation.
	Probes     uint64
	Joined     uint64
	NonMatched uint64
	// Spilled counts tuples deferred to a later generation.
	Spilled uint64
	// Shed counts tuples rejected by a full buffer and replayed within
	// their generation.
	Shed        uint64
	Generations int
	Partitions  int
	BuildTuples int
	PeakBuffer  int
	MultiPass   bool
}

// Result is what a run produced besides the joined records.
type Result struct {
	Outcome Outcome
	Stats   Stats
	// NonMatches lists the probe tuples without any build match, kept when
	// non-matches are reported.
	NonMatches []tuple.Tuple
	// Unresolved lists the probe tuples left when the generation limit was
	// reached. A tuple with Matched set already produced records and was
	// only carried because its key may still match an unindexed slice.
	Unresolved []tuple.Tuple
}

type container struct {
	state int
	gen   int

	index     *hashindex.Index
	multiPass bool

	// carry holds tuples deferred to the next generation, shed holds tuples
	// a full buffer rejected in the current one.
	run   *spill.Run
	carry *spill.Partitioner
	shed  *spill.Partitioner

	emitter *sink.Emitter
	matches []tuple.JoinedRecord

	result Result
}
