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

package shuffle

import (
	"testing"

	"github.com/meshjoin/meshjoin/pkg/relation"
	"github.com/stretchr/testify/require"
)

func TestDestinationFloorsNegativeKeys(t *testing.T) {
	cases := []struct {
		key  int32
		size int
		want int
	}{
		{0, 1, 0},
		{5, 3, 2},
		{6, 3, 0},
		{-1, 3, 2},
		{-3, 3, 0},
		{-7, 4, 1},
	}
	for _, c := range cases {
		require.Equalf(t, c.want, Destination(c.key, c.size), "key %d size %d", c.key, c.size)
	}
}

func TestBuildPlanGroupsByDestination(t *testing.T) {
	keys := []int32{0, 1, 1, 2, 1, 0}
	plan, err := BuildPlan(keys, 2)
	require.NoError(t, err)
	require.Equal(t, []int{3, 3}, plan.Counts)
	require.Equal(t, []int{0, 3}, plan.Disps)
	require.Equal(t, 6, plan.NumRows())

	// Rows keep their input order inside each destination group.
	grouped, err := plan.PermuteInt32(keys)
	require.NoError(t, err)
	require.Equal(t, []int32{0, 2, 0, 1, 1, 1}, grouped)
}

func TestBuildPlanIsDeterministic(t *testing.T) {
	keys := []int32{4, -2, 9, 0, 4, 7, -5}
	first, err := BuildPlan(keys, 3)
	require.NoError(t, err)
	second, err := BuildPlan(keys, 3)
	require.NoError(t, err)
	require.Equal(t, first.Counts, second.Counts)
	require.Equal(t, first.Disps, second.Disps)

	a, err := first.PermuteInt32(keys)
	require.NoError(t, err)
	b, err := second.PermuteInt32(keys)
	require.NoError(t, err)
	require.Equal(t, a, b)
}

func TestPlanKeepsColumnsAligned(t *testing.T) {
	right := &relation.Right{
		Keys:  []int32{5, -1, 2, 5, 0},
		Data0: []float64{0.1, 0.2, 0.3, 0.4, 0.5},
		Data1: []int32{10, 11, 12, 13, 14},
	}
	plan, err := BuildPlan(right.Keys, 3)
	require.NoError(t, err)
	keys, err := plan.PermuteInt32(right.Keys)
	require.NoError(t, err)
	data0, err := plan.PermuteFloat64(right.Data0)
	require.NoError(t, err)
	data1, err := plan.PermuteInt32(right.Data1)
	require.NoError(t, err)

	// data1 is unique, so it identifies the original row of each position.
	byData1 := make(map[int32]int, len(right.Data1))
	for i, v := range right.Data1 {
		byData1[v] = i
	}
	for i := range keys {
		j := byData1[data1[i]]
		require.Equal(t, right.Keys[j], keys[i])
		require.Equal(t, right.Data0[j], data0[i])
	}
	for d, c := range plan.Counts {
		for i := plan.Disps[d]; i < plan.Disps[d]+c; i++ {
			require.Equal(t, d, Destination(keys[i], 3))
		}
	}
}

func TestBuildPlanRejectsBadArguments(t *testing.T) {
	_, err := BuildPlan([]int32{1}, 0)
	require.ErrorIs(t, err, relation.ErrInvalidInput)

	plan, err := BuildPlan([]int32{1, 2, 3}, 2)
	require.NoError(t, err)
	_, err = plan.PermuteInt32([]int32{1})
	require.ErrorIs(t, err, relation.ErrInvalidInput)
	_, err = plan.PermuteFloat64([]float64{0.5})
	require.ErrorIs(t, err, relation.ErrInvalidInput)
}
