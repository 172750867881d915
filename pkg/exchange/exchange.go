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

// Package exchange defines the collective communication contract between
// the ranks of a fixed group. Every rank runs the same program and calls
// the same collectives in the same order; an implementation only has to
// move bytes, it never interprets table contents.
package exchange

import (
	"context"

	"github.com/pingcap/errors"
)

var (
	// ErrProtocol reports a violation of the collective calling contract:
	// ranks disagree about message sizes, invoke different operations, or
	// pass inconsistent parameters. Not recoverable within the invocation.
	ErrProtocol = errors.New("collective protocol violation")
	// ErrCollective reports a failed collective: a peer left the group, the
	// context was canceled, or the transport broke mid-operation. The group
	// makes no recovery attempt; the invocation is aborted.
	ErrCollective = errors.New("collective communication failure")
)

// Op identifies a collective operation kind. Implementations tag every
// message with the op kind and a per-rank sequence number so that skewed
// call sequences surface as ErrProtocol instead of silent corruption.
type Op uint8

// Collective operation kinds.
const (
	OpCounts Op = iota + 1
	OpInt32
	OpFloat64
	OpAllReduce
	OpBarrier
)

// String implements fmt.Stringer.
func (op Op) String() string {
	switch op {
	case OpCounts:
		return "counts"
	case OpInt32:
		return "int32"
	case OpFloat64:
		return "float64"
	case OpAllReduce:
		return "allreduce"
	case OpBarrier:
		return "barrier"
	default:
		return "unknown"
	}
}

// Conn is one rank's endpoint of the group. All collectives block until
// every participating peer has supplied its share, and every rank of the
// group must call them in the same order with compatible arguments.
// Implementations must be safe for sequential use only; the engine never
// issues two collectives concurrently on one Conn.
type Conn interface {
	// Rank returns this endpoint's rank in [0, Size).
	Rank() int
	// Size returns the fixed number of ranks in the group.
	Size() int

	// AllToAllCounts exchanges one int per rank pair: send[d] goes to rank
	// d, and result[s] is what rank s sent here. len(send) must equal Size.
	AllToAllCounts(ctx context.Context, send []int) ([]int, error)

	// AllToAllInt32 exchanges variable-length int32 segments. send holds
	// the segments for all destinations back to back in rank order, sized
	// by sendCounts; the result holds one segment per source in rank
	// order, sized by recvCounts (normally the output of a preceding
	// AllToAllCounts). A received segment whose size disagrees with
	// recvCounts is ErrProtocol.
	AllToAllInt32(ctx context.Context, send []int32, sendCounts, recvCounts []int) ([]int32, error)

	// AllToAllFloat64 is AllToAllInt32 for float64 columns.
	AllToAllFloat64(ctx context.Context, send []float64, sendCounts, recvCounts []int) ([]float64, error)

	// AllReduceInt64 sums v across all ranks; every rank gets the total.
	AllReduceInt64(ctx context.Context, v int64) (int64, error)

	// Barrier blocks until every rank has entered it.
	Barrier(ctx context.Context) error

	// Close releases the endpoint. Peers blocked in a collective with this
	// rank observe ErrCollective.
	Close() error
}

// SegmentOffsets turns a per-rank counts vector into exclusive prefix sums
// plus the total, i.e. segment i of a packed buffer is
// buf[offsets[i]:offsets[i]+counts[i]].
func SegmentOffsets(counts []int) (offsets []int, total int) {
	offsets = make([]int, len(counts))
	for i, c := range counts {
		offsets[i] = total
		total += c
	}
	return offsets, total
}

// CheckCounts validates a counts vector against the group size before any
// byte moves. Segment counts are row counts and can be zero; negative
// counts and a wrong vector length are calling-contract violations.
func CheckCounts(size int, counts []int) error {
	if len(counts) != size {
		return errors.Annotatef(ErrProtocol,
			"counts length %d does not match group size %d", len(counts), size)
	}
	for d, c := range counts {
		if c < 0 {
			return errors.Annotatef(ErrProtocol,
				"negative count %d for rank %d", c, d)
		}
	}
	return nil
}

// CheckPayload validates a packed payload buffer against its counts vector.
func CheckPayload(size, payloadLen int, counts []int) error {
	if err := CheckCounts(size, counts); err != nil {
		return errors.Trace(err)
	}
	_, total := SegmentOffsets(counts)
	if payloadLen != total {
		return errors.Annotatef(ErrProtocol,
			"payload holds %d elements, counts sum to %d", payloadLen, total)
	}
	return nil
}
