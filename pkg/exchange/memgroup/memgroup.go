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

// Package memgroup implements the exchange contract for ranks that live in
// one process, one goroutine per rank. Every ordered rank pair owns a
// buffered channel; a collective sends to all peers first and then drains
// all peers, so no goroutine ever waits on a rank that is more than one
// collective behind.
package memgroup

import (
	"context"
	"sync"

	"github.com/meshjoin/meshjoin/pkg/exchange"
	"github.com/pingcap/errors"
	"go.uber.org/atomic"
)

// message is one rank-pair share of a collective. op and seq let the
// receiver verify that both sides are executing the same collective.
type message struct {
	op  exchange.Op
	seq uint64

	cnt int
	sum int64
	i32 []int32
	f64 []float64
}

// Group is an in-process fixed group. Construct it once, then hand each
// rank goroutine its own endpoint via Conn.
type Group struct {
	size  int
	boxes [][]chan message // boxes[from][to]
	conns []*Conn
}

// New creates a group of the given size with all endpoints pre-wired.
func New(size int) (*Group, error) {
	if size < 1 {
		return nil, errors.Annotatef(exchange.ErrProtocol, "group size %d is not positive", size)
	}
	g := &Group{
		size:  size,
		boxes: make([][]chan message, size),
		conns: make([]*Conn, size),
	}
	for from := range g.boxes {
		g.boxes[from] = make([]chan message, size)
		for to := range g.boxes[from] {
			g.boxes[from][to] = make(chan message, 1)
		}
	}
	for rank := range g.conns {
		g.conns[rank] = &Conn{
			group:  g,
			rank:   rank,
			closed: make(chan struct{}),
		}
	}
	return g, nil
}

// Conn returns the endpoint of the given rank. rank must be in [0, size).
func (g *Group) Conn(rank int) exchange.Conn {
	return g.conns[rank]
}

// Conn is one rank's endpoint. It is owned by a single goroutine.
type Conn struct {
	group     *Group
	rank      int
	seq       atomic.Uint64
	closed    chan struct{}
	closeOnce sync.Once
}

var _ exchange.Conn = (*Conn)(nil)

// Rank implements exchange.Conn.
func (c *Conn) Rank() int { return c.rank }

// Size implements exchange.Conn.
func (c *Conn) Size() int { return c.group.size }

// Close implements exchange.Conn. Peers blocked on this rank observe
// ErrCollective.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
	})
	return nil
}

func (c *Conn) send(ctx context.Context, dest int, m message) error {
	peer := c.group.conns[dest]
	select {
	case c.group.boxes[c.rank][dest] <- m:
		return nil
	case <-ctx.Done():
		return errors.Annotatef(exchange.ErrCollective,
			"%s send to rank %d: %s", m.op, dest, ctx.Err())
	case <-peer.closed:
		return errors.Annotatef(exchange.ErrCollective,
			"%s send: rank %d left the group", m.op, dest)
	case <-c.closed:
		return errors.Annotatef(exchange.ErrCollective,
			"%s send: local endpoint closed", m.op)
	}
}

func (c *Conn) recv(ctx context.Context, src int, op exchange.Op, seq uint64) (message, error) {
	box := c.group.boxes[src][c.rank]
	peer := c.group.conns[src]
	var m message
	var ok bool
	select {
	case m = <-box:
		ok = true
	default:
	}
	if !ok {
		select {
		case m = <-box:
		case <-ctx.Done():
			return message{}, errors.Annotatef(exchange.ErrCollective,
				"%s recv from rank %d: %s", op, src, ctx.Err())
		case <-peer.closed:
			// The peer may have sent its share right before leaving.
			select {
			case m = <-box:
			default:
				return message{}, errors.Annotatef(exchange.ErrCollective,
					"%s recv: rank %d left the group", op, src)
			}
		case <-c.closed:
			return message{}, errors.Annotatef(exchange.ErrCollective,
				"%s recv: local endpoint closed", op)
		}
	}
	if m.op != op || m.seq != seq {
		return message{}, errors.Annotatef(exchange.ErrProtocol,
			"rank %d sent %s#%d while rank %d expected %s#%d",
			src, m.op, m.seq, c.rank, op, seq)
	}
	return m, nil
}

// roundTrip runs one collective: build sends out, then drain every peer in
// rank order. outbound and inbound see only peer ranks, never c.rank.
func (c *Conn) roundTrip(ctx context.Context, op exchange.Op,
	outbound func(dest int) message, inbound func(src int, m message) error) error {
	seq := c.seq.Add(1)
	for dest := 0; dest < c.group.size; dest++ {
		if dest == c.rank {
			continue
		}
		m := outbound(dest)
		m.op = op
		m.seq = seq
		if err := c.send(ctx, dest, m); err != nil {
			return errors.Trace(err)
		}
	}
	for src := 0; src < c.group.size; src++ {
		if src == c.rank {
			continue
		}
		m, err := c.recv(ctx, src, op, seq)
		if err != nil {
			return errors.Trace(err)
		}
		if err := inbound(src, m); err != nil {
			return errors.Trace(err)
		}
	}
	return nil
}

// AllToAllCounts implements exchange.Conn.
func (c *Conn) AllToAllCounts(ctx context.Context, send []int) ([]int, error) {
	if err := exchange.CheckCounts(c.group.size, send); err != nil {
		return nil, errors.Trace(err)
	}
	recv := make([]int, c.group.size)
	recv[c.rank] = send[c.rank]
	err := c.roundTrip(ctx, exchange.OpCounts,
		func(dest int) message { return message{cnt: send[dest]} },
		func(src int, m message) error {
			recv[src] = m.cnt
			return nil
		})
	if err != nil {
		return nil, errors.Trace(err)
	}
	return recv, nil
}

// AllToAllInt32 implements exchange.Conn.
func (c *Conn) AllToAllInt32(ctx context.Context, send []int32, sendCounts, recvCounts []int) ([]int32, error) {
	size := c.group.size
	if err := exchange.CheckPayload(size, len(send), sendCounts); err != nil {
		return nil, errors.Trace(err)
	}
	if err := exchange.CheckCounts(size, recvCounts); err != nil {
		return nil, errors.Trace(err)
	}
	if sendCounts[c.rank] != recvCounts[c.rank] {
		return nil, errors.Annotatef(exchange.ErrProtocol,
			"rank %d self segment: sending %d rows but expecting %d",
			c.rank, sendCounts[c.rank], recvCounts[c.rank])
	}
	sendOff, _ := exchange.SegmentOffsets(sendCounts)
	recvOff, total := exchange.SegmentOffsets(recvCounts)
	recv := make([]int32, total)
	copy(recv[recvOff[c.rank]:], send[sendOff[c.rank]:sendOff[c.rank]+sendCounts[c.rank]])
	err := c.roundTrip(ctx, exchange.OpInt32,
		func(dest int) message {
			return message{i32: send[sendOff[dest] : sendOff[dest]+sendCounts[dest]]}
		},
		func(src int, m message) error {
			if len(m.i32) != recvCounts[src] {
				return errors.Annotatef(exchange.ErrProtocol,
					"rank %d sent %d int32 rows, rank %d expected %d",
					src, len(m.i32), c.rank, recvCounts[src])
			}
			copy(recv[recvOff[src]:], m.i32)
			return nil
		})
	if err != nil {
		return nil, errors.Trace(err)
	}
	return recv, nil
}

// AllToAllFloat64 implements exchange.Conn.
func (c *Conn) AllToAllFloat64(ctx context.Context, send []float64, sendCounts, recvCounts []int) ([]float64, error) {
	size := c.group.size
	if err := exchange.CheckPayload(size, len(send), sendCounts); err != nil {
		return nil, errors.Trace(err)
	}
	if err := exchange.CheckCounts(size, recvCounts); err != nil {
		return nil, errors.Trace(err)
	}
	if sendCounts[c.rank] != recvCounts[c.rank] {
		return nil, errors.Annotatef(exchange.ErrProtocol,
			"rank %d self segment: sending %d rows but expecting %d",
			c.rank, sendCounts[c.rank], recvCounts[c.rank])
	}
	sendOff, _ := exchange.SegmentOffsets(sendCounts)
	recvOff, total := exchange.SegmentOffsets(recvCounts)
	recv := make([]float64, total)
	copy(recv[recvOff[c.rank]:], send[sendOff[c.rank]:sendOff[c.rank]+sendCounts[c.rank]])
	err := c.roundTrip(ctx, exchange.OpFloat64,
		func(dest int) message {
			return message{f64: send[sendOff[dest] : sendOff[dest]+sendCounts[dest]]}
		},
		func(src int, m message) error {
			if len(m.f64) != recvCounts[src] {
				return errors.Annotatef(exchange.ErrProtocol,
					"rank %d sent %d float64 rows, rank %d expected %d",
					src, len(m.f64), c.rank, recvCounts[src])
			}
			copy(recv[recvOff[src]:], m.f64)
			return nil
		})
	if err != nil {
		return nil, errors.Trace(err)
	}
	return recv, nil
}

// AllReduceInt64 implements exchange.Conn.
func (c *Conn) AllReduceInt64(ctx context.Context, v int64) (int64, error) {
	sum := v
	err := c.roundTrip(ctx, exchange.OpAllReduce,
		func(int) message { return message{sum: v} },
		func(_ int, m message) error {
			sum += m.sum
			return nil
		})
	if err != nil {
		return 0, errors.Trace(err)
	}
	return sum, nil
}

// Barrier implements exchange.Conn.
func (c *Conn) Barrier(ctx context.Context) error {
	err := c.roundTrip(ctx, exchange.OpBarrier,
		func(int) message { return message{} },
		func(int, message) error { return nil })
	return errors.Trace(err)
}
