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

// Package relation holds the columnar table model shared by the partition,
// exchange and join stages. Tables are plain struct-of-slices; every rank
// owns an arbitrary horizontal slice of each table.
package relation

import (
	"github.com/pingcap/errors"
)

// ErrInvalidInput is returned when a caller-supplied table is malformed,
// before any cross-rank communication has started.
var ErrInvalidInput = errors.New("invalid input relation")

// Left is the probe-side table. It carries the join key column only.
type Left struct {
	Keys []int32
}

// NumRows returns the number of rows in the local slice of the table.
func (l *Left) NumRows() int {
	return len(l.Keys)
}

// Validate checks the table shape. A nil or empty key column is an
// ordinary empty table.
func (*Left) Validate() error {
	return nil
}

// Right is the build-side table: one join key column plus two payload
// columns. The three slices are parallel, row i of the table is
// (Keys[i], Data0[i], Data1[i]).
type Right struct {
	Keys  []int32
	Data0 []float64
	Data1 []int32
}

// NumRows returns the number of rows in the local slice of the table.
func (r *Right) NumRows() int {
	return len(r.Keys)
}

// Validate checks that the payload columns line up with the key column.
func (r *Right) Validate() error {
	if len(r.Data0) != len(r.Keys) || len(r.Data1) != len(r.Keys) {
		return errors.Annotatef(ErrInvalidInput,
			"column lengths diverge: keys %d, data0 %d, data1 %d",
			len(r.Keys), len(r.Data0), len(r.Data1))
	}
	return nil
}

// Output is the join result table. It has the same column layout as Right;
// a probe key matching m build rows emits m output rows, one per match.
type Output struct {
	Keys  []int32
	Data0 []float64
	Data1 []int32
}

// NumRows returns the number of rows in the result.
func (o *Output) NumRows() int {
	return len(o.Keys)
}

// AppendRow appends one matched row.
func (o *Output) AppendRow(key int32, data0 float64, data1 int32) {
	o.Keys = append(o.Keys, key)
	o.Data0 = append(o.Data0, data0)
	o.Data1 = append(o.Data1, data1)
}

// Append appends all rows of other, preserving column alignment. Workers
// probing disjoint ranges concatenate their partial results with it.
func (o *Output) Append(other *Output) {
	o.Keys = append(o.Keys, other.Keys...)
	o.Data0 = append(o.Data0, other.Data0...)
	o.Data1 = append(o.Data1, other.Data1...)
}
