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

// Package shuffle repartitions tables by join key across the group. The
// planner computes a destination-grouped layout for the local slice; the
// exchanger ships the grouped columns through the two collective phases.
package shuffle

import (
	"github.com/meshjoin/meshjoin/pkg/relation"
	"github.com/pingcap/errors"
)

// Destination returns the rank that owns key after the shuffle. The modulo
// is the flooring one, so negative keys still land in [0, size).
func Destination(key int32, size int) int {
	d := int(key) % size
	if d < 0 {
		d += size
	}
	return d
}

// Plan is the destination-grouped layout of one local table slice. Counts
// and Disps describe the packed send buffer: rows bound for rank d occupy
// positions [Disps[d], Disps[d]+Counts[d]). The row permutation is kept
// private so all columns of a table are reordered exactly the same way.
type Plan struct {
	Counts []int
	Disps  []int

	perm []int
}

// BuildPlan computes the shuffle plan for a local key column. It is pure:
// the same keys and size always yield the same plan.
func BuildPlan(keys []int32, size int) (*Plan, error) {
	if size < 1 {
		return nil, errors.Annotatef(relation.ErrInvalidInput,
			"group size %d is not positive", size)
	}
	p := &Plan{
		Counts: make([]int, size),
		Disps:  make([]int, size),
		perm:   make([]int, len(keys)),
	}
	for _, key := range keys {
		p.Counts[Destination(key, size)]++
	}
	sum := 0
	for d, c := range p.Counts {
		p.Disps[d] = sum
		sum += c
	}
	// Counting-sort placement: rows keep their relative order inside each
	// destination group.
	next := make([]int, size)
	copy(next, p.Disps)
	for i, key := range keys {
		d := Destination(key, size)
		p.perm[i] = next[d]
		next[d]++
	}
	return p, nil
}

// NumRows returns the number of rows the plan covers.
func (p *Plan) NumRows() int {
	return len(p.perm)
}

// PermuteInt32 reorders one int32 column into the destination-grouped
// layout. Columns of one table must all go through the same plan.
func (p *Plan) PermuteInt32(col []int32) ([]int32, error) {
	if len(col) != len(p.perm) {
		return nil, errors.Annotatef(relation.ErrInvalidInput,
			"column has %d rows, plan covers %d", len(col), len(p.perm))
	}
	out := make([]int32, len(col))
	for i, v := range col {
		out[p.perm[i]] = v
	}
	return out, nil
}

// PermuteFloat64 is PermuteInt32 for float64 columns.
func (p *Plan) PermuteFloat64(col []float64) ([]float64, error) {
	if len(col) != len(p.perm) {
		return nil, errors.Annotatef(relation.ErrInvalidInput,
			"column has %d rows, plan covers %d", len(col), len(p.perm))
	}
	out := make([]float64, len(col))
	for i, v := range col {
		out[p.perm[i]] = v
	}
	return out, nil
}
