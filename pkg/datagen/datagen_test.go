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

package datagen

import (
	"testing"

	"github.com/meshjoin/meshjoin/pkg/relation"
	"github.com/stretchr/testify/require"
)

func TestChunkRange(t *testing.T) {
	cases := []struct {
		total      int64
		size, rank int
		start, end int64
	}{
		{6, 1, 0, 0, 6},
		{6, 2, 0, 0, 3},
		{6, 2, 1, 3, 6},
		{7, 3, 0, 0, 3},
		{7, 3, 1, 3, 6},
		{7, 3, 2, 6, 7},
		{2, 4, 0, 0, 1},
		{2, 4, 1, 1, 2},
		{2, 4, 2, 2, 2},
		{2, 4, 3, 2, 2},
		{0, 3, 1, 0, 0},
		{5, 0, 0, 0, 0},
		{5, 2, 2, 0, 0},
	}
	for _, c := range cases {
		start, end := ChunkRange(c.total, c.size, c.rank)
		require.Equalf(t, c.start, start, "total %d size %d rank %d", c.total, c.size, c.rank)
		require.Equalf(t, c.end, end, "total %d size %d rank %d", c.total, c.size, c.rank)
	}
}

func TestExampleChunksCoverGlobalTables(t *testing.T) {
	wholeLeft, wholeRight := Example(0, 1)
	for size := 1; size <= 4; size++ {
		gotLeft := &relation.Left{}
		gotRight := &relation.Right{}
		for rank := 0; rank < size; rank++ {
			left, right := Example(rank, size)
			require.NoError(t, right.Validate())
			gotLeft.Keys = append(gotLeft.Keys, left.Keys...)
			gotRight.Keys = append(gotRight.Keys, right.Keys...)
			gotRight.Data0 = append(gotRight.Data0, right.Data0...)
			gotRight.Data1 = append(gotRight.Data1, right.Data1...)
		}
		require.Equalf(t, wholeLeft.Keys, gotLeft.Keys, "size %d", size)
		require.Equalf(t, wholeRight, gotRight, "size %d", size)
	}
}

func TestRandomIsDeterministicPerRank(t *testing.T) {
	opts := RandomOptions{Rows: 40, MaxKey: 5, Seed: 11}
	leftA, rightA := Random(1, 3, opts)
	leftB, rightB := Random(1, 3, opts)
	require.Equal(t, leftA, leftB)
	require.Equal(t, rightA, rightB)

	start, end := ChunkRange(opts.Rows, 3, 1)
	require.Equal(t, int(end-start), leftA.NumRows())
	require.NoError(t, rightA.Validate())
	for _, key := range leftA.Keys {
		require.GreaterOrEqual(t, key, int32(0))
		require.LessOrEqual(t, key, opts.MaxKey)
	}
	for i, key := range rightA.Keys {
		require.GreaterOrEqual(t, key, int32(0))
		require.LessOrEqual(t, key, opts.MaxKey)
		require.Equal(t, int32(start)+int32(i), rightA.Data1[i])
	}
}

func TestRandomEmptyTrailingRank(t *testing.T) {
	// 2 rows over 4 ranks: the trailing ranks own nothing, which is legal.
	left, right := Random(3, 4, RandomOptions{Rows: 2, MaxKey: 3, Seed: 1})
	require.Zero(t, left.NumRows())
	require.Zero(t, right.NumRows())
	require.NoError(t, right.Validate())
}
