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

// Package datagen produces per-rank input chunks for the join driver. It
// has no correctness role: any tables valid per the data model join the
// same way regardless of which generator produced them.
package datagen

import (
	"math/rand"

	"github.com/meshjoin/meshjoin/pkg/relation"
)

// ChunkRange returns the [start, end) slice of a global row range owned by
// rank. Chunks come from ceiling division, so leading ranks may hold one
// row more than trailing ones and trailing ranks may be empty.
func ChunkRange(total int64, size, rank int) (start, end int64) {
	if size < 1 || rank < 0 || rank >= size {
		return 0, 0
	}
	chunk := (total + int64(size) - 1) / int64(size)
	start = min(total, int64(rank)*chunk)
	end = min(total, int64(rank+1)*chunk)
	return start, end
}

// Example global tables, small enough to check a join by hand: key 1
// matches three left rows, keys 0 and 2 two and one, keys 3..5 none.
var (
	exampleLeftKeys  = []int32{0, 1, 1, 2, 1, 0}
	exampleRightKeys = []int32{1, 0, 4, 2, 5, 3}
	exampleData0     = []float64{1.0, 2.0, 3.0, 4.0, 5.0, 6.0}
	exampleData1     = []int32{4, 1, 2, 3, 0, 5}
)

// Example returns this rank's chunk of the fixed example tables.
func Example(rank, size int) (*relation.Left, *relation.Right) {
	ls, le := ChunkRange(int64(len(exampleLeftKeys)), size, rank)
	rs, re := ChunkRange(int64(len(exampleRightKeys)), size, rank)
	left := &relation.Left{
		Keys: append([]int32(nil), exampleLeftKeys[ls:le]...),
	}
	right := &relation.Right{
		Keys:  append([]int32(nil), exampleRightKeys[rs:re]...),
		Data0: append([]float64(nil), exampleData0[rs:re]...),
		Data1: append([]int32(nil), exampleData1[rs:re]...),
	}
	return left, right
}

// RandomOptions shapes the randomized tables.
type RandomOptions struct {
	// Rows is the global row count of each table.
	Rows int64
	// MaxKey bounds the key domain: keys are uniform in [0, MaxKey].
	MaxKey int32
	// Seed makes runs repeatable. Each rank derives its own stream.
	Seed int64
}

// DefaultRandomOptions mirrors the example scale: tiny tables over a key
// domain slightly wider than the key count, so some keys repeat and some
// never match.
func DefaultRandomOptions() RandomOptions {
	return RandomOptions{Rows: 10, MaxKey: 6, Seed: 1}
}

// Random returns this rank's chunk of two randomized global tables: left
// keys and right keys uniform over the key domain, data0 uniform in
// [0, 1), data1 the global row index of its right row.
func Random(rank, size int, opts RandomOptions) (*relation.Left, *relation.Right) {
	if opts.MaxKey < 0 {
		opts.MaxKey = 0
	}
	start, end := ChunkRange(opts.Rows, size, rank)
	n := int(end - start)
	rng := rand.New(rand.NewSource(opts.Seed + int64(rank)))

	left := &relation.Left{Keys: make([]int32, n)}
	for i := range left.Keys {
		left.Keys[i] = rng.Int31n(opts.MaxKey + 1)
	}

	right := &relation.Right{
		Keys:  make([]int32, n),
		Data0: make([]float64, n),
		Data1: make([]int32, n),
	}
	for i := 0; i < n; i++ {
		right.Keys[i] = rng.Int31n(opts.MaxKey + 1)
		right.Data0[i] = rng.Float64()
		right.Data1[i] = int32(start) + int32(i)
	}
	return left, right
}
