// Copyright 2025 PingCAP, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package join computes the inner equi-join. HashJoiner handles one rank's
// co-located table slices; Exec sequences the whole distributed invocation
// on top of the shuffle.
package join

import (
	"time"

	"github.com/dolthub/swiss"
	"github.com/meshjoin/meshjoin/pkg/metrics"
	"github.com/meshjoin/meshjoin/pkg/relation"
	"github.com/meshjoin/meshjoin/pkg/util"
	"github.com/pingcap/errors"
	"github.com/pingcap/failpoint"
)

// buildTable is a chained hash index over build rows. first maps a key to
// the 1-based id of its most recent row; next links rows sharing a key,
// 0 terminates a chain.
type buildTable struct {
	first *swiss.Map[int32, int]
	next  []int
}

func newBuildTable(keys []int32) *buildTable {
	t := &buildTable{
		first: swiss.NewMap[int32, int](uint32(len(keys))),
		next:  make([]int, len(keys)+1),
	}
	for i, key := range keys {
		keyID := i + 1
		if head, ok := t.first.Get(key); ok {
			t.next[keyID] = head
		}
		t.first.Put(key, keyID)
	}
	return t
}

// HashJoiner joins one rank's local table slices. The index is built over
// the smaller input in one linear pass, then the bigger input probes it,
// emitting one row per match: a key with p left rows and q right rows
// yields p*q output rows.
type HashJoiner struct {
	concurrency int
}

// NewHashJoiner creates a HashJoiner probing with the given number of
// goroutines. Values below 1 mean single-threaded probing.
func NewHashJoiner(concurrency int) *HashJoiner {
	if concurrency < 1 {
		concurrency = 1
	}
	return &HashJoiner{concurrency: concurrency}
}

// Join computes the local inner join. Output rows carry no ordering
// promise.
func (j *HashJoiner) Join(left *relation.Left, right *relation.Right) (*relation.Output, error) {
	if err := left.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	if err := right.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	if left.NumRows() == 0 || right.NumRows() == 0 {
		return &relation.Output{}, nil
	}

	buildStart := time.Now()
	var probe func(from, to int, out *relation.Output)
	var probeRows int
	if left.NumRows() <= right.NumRows() {
		// Left build: only per-key multiplicities are needed, right rows
		// replay themselves once per matching left row.
		mult := swiss.NewMap[int32, int](uint32(left.NumRows()))
		for _, key := range left.Keys {
			m, _ := mult.Get(key)
			mult.Put(key, m+1)
		}
		probeRows = right.NumRows()
		probe = func(from, to int, out *relation.Output) {
			for i := from; i < to; i++ {
				key := right.Keys[i]
				m, ok := mult.Get(key)
				if !ok {
					continue
				}
				for ; m > 0; m-- {
					out.AppendRow(key, right.Data0[i], right.Data1[i])
				}
			}
		}
	} else {
		bt := newBuildTable(right.Keys)
		probeRows = left.NumRows()
		probe = func(from, to int, out *relation.Output) {
			for i := from; i < to; i++ {
				key := left.Keys[i]
				id, ok := bt.first.Get(key)
				if !ok {
					continue
				}
				for ; id != 0; id = bt.next[id] {
					out.AppendRow(key, right.Data0[id-1], right.Data1[id-1])
				}
			}
		}
	}
	metrics.JoinPhaseSeconds.WithLabelValues("build").Observe(time.Since(buildStart).Seconds())

	probeStart := time.Now()
	out, err := j.runProbe(probeRows, probe)
	if err != nil {
		return nil, errors.Trace(err)
	}
	metrics.JoinPhaseSeconds.WithLabelValues("probe").Observe(time.Since(probeStart).Seconds())
	metrics.OutputRows.WithLabelValues().Add(float64(out.NumRows()))
	return out, nil
}

func (j *HashJoiner) runProbe(rows int, probe func(from, to int, out *relation.Output)) (*relation.Output, error) {
	workers := j.concurrency
	if workers > rows {
		workers = rows
	}
	if workers <= 1 {
		out := &relation.Output{}
		probe(0, rows, out)
		return out, nil
	}

	// Each worker probes a contiguous range into a private buffer; the
	// buffers are concatenated once all workers return.
	chunk := (rows + workers - 1) / workers
	parts := make([]relation.Output, workers)
	errs := make([]error, workers)
	var wg util.WaitGroupWrapper
	for w := 0; w < workers; w++ {
		w := w
		from := w * chunk
		to := from + chunk
		if to > rows {
			to = rows
		}
		wg.RunWithRecover(func() {
			failpoint.Inject("probeWorkerPanic", nil)
			probe(from, to, &parts[w])
		}, func(r interface{}) {
			if r != nil {
				errs[w] = errors.Errorf("%v", r)
			}
		})
	}
	wg.Wait()

	out := &relation.Output{}
	for w := range parts {
		if errs[w] != nil {
			return nil, errors.Trace(errs[w])
		}
		out.Append(&parts[w])
	}
	return out, nil
}
