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

package join

import (
	"cmp"
	"slices"
	"testing"

	"github.com/meshjoin/meshjoin/pkg/datagen"
	"github.com/meshjoin/meshjoin/pkg/relation"
	"github.com/stretchr/testify/require"
)

type row struct {
	key   int32
	data0 float64
	data1 int32
}

// sortedRows flattens an output into a canonical order so that results
// with no ordering promise can be compared as multisets.
func sortedRows(out *relation.Output) []row {
	rows := make([]row, out.NumRows())
	for i := range rows {
		rows[i] = row{out.Keys[i], out.Data0[i], out.Data1[i]}
	}
	slices.SortFunc(rows, func(a, b row) int {
		if c := cmp.Compare(a.key, b.key); c != 0 {
			return c
		}
		if c := cmp.Compare(a.data0, b.data0); c != 0 {
			return c
		}
		return cmp.Compare(a.data1, b.data1)
	})
	return rows
}

// referenceJoin is the quadratic join both hash paths must agree with.
func referenceJoin(left *relation.Left, right *relation.Right) *relation.Output {
	out := &relation.Output{}
	for _, lk := range left.Keys {
		for i, rk := range right.Keys {
			if lk == rk {
				out.AppendRow(lk, right.Data0[i], right.Data1[i])
			}
		}
	}
	return out
}

func TestJoinExampleTables(t *testing.T) {
	left, right := datagen.Example(0, 1)
	out, err := NewHashJoiner(1).Join(left, right)
	require.NoError(t, err)
	want := []row{
		{0, 2.0, 1}, {0, 2.0, 1},
		{1, 1.0, 4}, {1, 1.0, 4}, {1, 1.0, 4},
		{2, 4.0, 3},
	}
	require.Equal(t, want, sortedRows(out))
}

func TestJoinMatchMultiplicity(t *testing.T) {
	// Two left rows times two right rows of key 7 give four output rows.
	left := &relation.Left{Keys: []int32{7, 7}}
	right := &relation.Right{
		Keys:  []int32{7, 7, 8},
		Data0: []float64{0.5, 1.5, 9.9},
		Data1: []int32{1, 2, 3},
	}
	out, err := NewHashJoiner(1).Join(left, right)
	require.NoError(t, err)
	want := []row{{7, 0.5, 1}, {7, 0.5, 1}, {7, 1.5, 2}, {7, 1.5, 2}}
	require.Equal(t, want, sortedRows(out))
}

func TestJoinBuildSideChoice(t *testing.T) {
	// Once with the left side smaller, once with it bigger, so both build
	// paths run against the same reference.
	right := &relation.Right{
		Keys:  []int32{2, 1, 2, 6},
		Data0: []float64{0.25, 0.5, 0.75, 1.0},
		Data1: []int32{0, 1, 2, 3},
	}
	lefts := []*relation.Left{
		{Keys: []int32{1, 2}},
		{Keys: []int32{1, 2, 2, 9, 9, 9}},
	}
	for _, left := range lefts {
		out, err := NewHashJoiner(1).Join(left, right)
		require.NoError(t, err)
		require.Equal(t, sortedRows(referenceJoin(left, right)), sortedRows(out))
	}
}

func TestJoinParallelProbeMatchesSerial(t *testing.T) {
	left, right := datagen.Random(0, 1, datagen.RandomOptions{Rows: 512, MaxKey: 16, Seed: 7})
	serial, err := NewHashJoiner(1).Join(left, right)
	require.NoError(t, err)
	parallel, err := NewHashJoiner(8).Join(left, right)
	require.NoError(t, err)
	require.NotZero(t, serial.NumRows())
	require.Equal(t, sortedRows(serial), sortedRows(parallel))
}

func TestJoinEmptyInputs(t *testing.T) {
	joiner := NewHashJoiner(4)
	out, err := joiner.Join(&relation.Left{}, &relation.Right{
		Keys:  []int32{1},
		Data0: []float64{0.5},
		Data1: []int32{2},
	})
	require.NoError(t, err)
	require.Zero(t, out.NumRows())

	out, err = joiner.Join(&relation.Left{Keys: []int32{1}}, &relation.Right{})
	require.NoError(t, err)
	require.Zero(t, out.NumRows())
}

func TestJoinRejectsMisalignedRight(t *testing.T) {
	_, err := NewHashJoiner(1).Join(
		&relation.Left{Keys: []int32{1}},
		&relation.Right{Keys: []int32{1, 2}, Data0: []float64{0.5}, Data1: []int32{2, 3}})
	require.ErrorIs(t, err, relation.ErrInvalidInput)
}
