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

package memgroup

import (
	"context"
	"testing"
	"time"

	"github.com/meshjoin/meshjoin/pkg/exchange"
	"github.com/meshjoin/meshjoin/pkg/util"
	"github.com/stretchr/testify/require"
)

// runGroup drives one goroutine per rank and collects each rank's error.
func runGroup(t *testing.T, size int, fn func(conn exchange.Conn) error) []error {
	group, err := New(size)
	require.NoError(t, err)
	errs := make([]error, size)
	var wg util.WaitGroupWrapper
	for rank := 0; rank < size; rank++ {
		rank := rank
		conn := group.Conn(rank)
		wg.Run(func() {
			defer func() { _ = conn.Close() }()
			errs[rank] = fn(conn)
		})
	}
	wg.Wait()
	return errs
}

func TestNewRejectsEmptyGroup(t *testing.T) {
	_, err := New(0)
	require.ErrorIs(t, err, exchange.ErrProtocol)
}

func TestAllToAllCountsTransposes(t *testing.T) {
	const size = 3
	recvs := make([][]int, size)
	errs := runGroup(t, size, func(conn exchange.Conn) error {
		send := make([]int, size)
		for d := range send {
			send[d] = conn.Rank()*10 + d
		}
		recv, err := conn.AllToAllCounts(context.Background(), send)
		recvs[conn.Rank()] = recv
		return err
	})
	for rank, err := range errs {
		require.NoErrorf(t, err, "rank %d", rank)
	}
	for rank := 0; rank < size; rank++ {
		for src := 0; src < size; src++ {
			require.Equal(t, src*10+rank, recvs[rank][src])
		}
	}
}

func TestAllToAllInt32SegmentsArrive(t *testing.T) {
	const size = 3
	// Includes empty segments: a rank can owe another rank zero rows.
	sendCount := func(from, to int) int { return (from + to) % size }
	recvs := make([][]int32, size)
	errs := runGroup(t, size, func(conn exchange.Conn) error {
		rank := conn.Rank()
		sendCounts := make([]int, size)
		recvCounts := make([]int, size)
		var send []int32
		for d := 0; d < size; d++ {
			sendCounts[d] = sendCount(rank, d)
			recvCounts[d] = sendCount(d, rank)
			for k := 0; k < sendCounts[d]; k++ {
				send = append(send, int32(100*rank+10*d+k))
			}
		}
		recv, err := conn.AllToAllInt32(context.Background(), send, sendCounts, recvCounts)
		recvs[rank] = recv
		return err
	})
	for rank, err := range errs {
		require.NoErrorf(t, err, "rank %d", rank)
	}
	for rank := 0; rank < size; rank++ {
		var want []int32
		for src := 0; src < size; src++ {
			for k := 0; k < sendCount(src, rank); k++ {
				want = append(want, int32(100*src+10*rank+k))
			}
		}
		require.Equalf(t, want, recvs[rank], "rank %d", rank)
	}
}

func TestAllReduceSums(t *testing.T) {
	const size = 4
	totals := make([]int64, size)
	errs := runGroup(t, size, func(conn exchange.Conn) error {
		sum, err := conn.AllReduceInt64(context.Background(), int64(conn.Rank()+1))
		totals[conn.Rank()] = sum
		return err
	})
	for rank, err := range errs {
		require.NoErrorf(t, err, "rank %d", rank)
	}
	for _, total := range totals {
		require.Equal(t, int64(10), total)
	}
}

func TestBarrierRounds(t *testing.T) {
	errs := runGroup(t, 3, func(conn exchange.Conn) error {
		for round := 0; round < 5; round++ {
			if err := conn.Barrier(context.Background()); err != nil {
				return err
			}
		}
		return nil
	})
	for rank, err := range errs {
		require.NoErrorf(t, err, "rank %d", rank)
	}
}

func TestSingleRankRoundTrips(t *testing.T) {
	group, err := New(1)
	require.NoError(t, err)
	conn := group.Conn(0)
	defer func() { _ = conn.Close() }()

	ctx := context.Background()
	recv, err := conn.AllToAllInt32(ctx, []int32{5, 6}, []int{2}, []int{2})
	require.NoError(t, err)
	require.Equal(t, []int32{5, 6}, recv)

	sum, err := conn.AllReduceInt64(ctx, 42)
	require.NoError(t, err)
	require.Equal(t, int64(42), sum)

	require.NoError(t, conn.Barrier(ctx))
}

func TestSelfSegmentMismatchIsProtocolViolation(t *testing.T) {
	group, err := New(1)
	require.NoError(t, err)
	conn := group.Conn(0)
	defer func() { _ = conn.Close() }()

	_, err = conn.AllToAllInt32(context.Background(), []int32{1, 2}, []int{2}, []int{1})
	require.ErrorIs(t, err, exchange.ErrProtocol)
}

func TestMismatchedCollectiveIsProtocolViolation(t *testing.T) {
	errs := runGroup(t, 2, func(conn exchange.Conn) error {
		if conn.Rank() == 0 {
			return conn.Barrier(context.Background())
		}
		_, err := conn.AllReduceInt64(context.Background(), 1)
		return err
	})
	require.ErrorIs(t, errs[0], exchange.ErrProtocol)
	require.ErrorIs(t, errs[1], exchange.ErrProtocol)
}

func TestClosedPeerFailsCollective(t *testing.T) {
	errs := runGroup(t, 2, func(conn exchange.Conn) error {
		if conn.Rank() == 1 {
			return conn.Close()
		}
		return conn.Barrier(context.Background())
	})
	require.NoError(t, errs[1])
	require.ErrorIs(t, errs[0], exchange.ErrCollective)
}

func TestCanceledContextFailsCollective(t *testing.T) {
	group, err := New(2)
	require.NoError(t, err)
	conn := group.Conn(0)
	defer func() { _ = conn.Close() }()

	// Rank 1 never shows up, so the barrier can only end via the context.
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err = conn.Barrier(ctx)
	require.ErrorIs(t, err, exchange.ErrCollective)
}
