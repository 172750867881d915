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

// Package netgroup implements the exchange contract over TCP. Every rank
// pair shares one multiplexed session; each collective share travels as
// one framed message on a fresh stream. The mesh is fixed at dial time:
// the lower rank of every pair dials the higher one, and a departed peer
// fails the group rather than being replaced.
package netgroup

import (
	"context"
	stderrors "errors"
	"net"
	"sync"
	"time"

	"github.com/docker/go-units"
	"github.com/hashicorp/yamux"
	"github.com/klauspost/compress/zstd"
	"github.com/meshjoin/meshjoin/pkg/exchange"
	"github.com/meshjoin/meshjoin/pkg/metrics"
	"github.com/meshjoin/meshjoin/pkg/util"
	"github.com/meshjoin/meshjoin/pkg/util/logutil"
	"github.com/pingcap/errors"
	"go.uber.org/atomic"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Compression choices for frame bodies.
const (
	CompressionNone = "none"
	CompressionZstd = "zstd"
)

const (
	defaultDialTimeout       = 30 * time.Second
	defaultHandshakeTimeout  = 10 * time.Second
	defaultKeepAliveInterval = 15 * time.Second
	defaultWriteTimeout      = 10 * time.Second
	defaultMaxMessageBytes   = 256 * units.MiB

	dialRetryInterval = 100 * time.Millisecond
	inboxDepth        = 4
)

// Config describes this rank's view of the group. Peers and Rank must
// agree across all ranks, the rest may vary per host.
type Config struct {
	// Peers lists one reachable address per rank, in rank order. Its
	// length is the group size.
	Peers []string `toml:"peers" json:"peers"`
	// Rank is this process's position in Peers.
	Rank int `toml:"rank" json:"rank"`
	// ListenAddr overrides the address to bind, e.g. to listen on all
	// interfaces while Peers carries routable names. Empty means
	// Peers[Rank].
	ListenAddr string `toml:"listen-addr" json:"listen-addr"`
	// DialTimeout bounds the whole rendezvous: every pair must be
	// connected and shaken within it.
	DialTimeout time.Duration `toml:"dial-timeout" json:"dial-timeout"`
	// HandshakeTimeout bounds one handshake round trip.
	HandshakeTimeout time.Duration `toml:"handshake-timeout" json:"handshake-timeout"`
	// KeepAliveInterval is the multiplexer keep-alive period.
	KeepAliveInterval time.Duration `toml:"keepalive-interval" json:"keepalive-interval"`
	// WriteTimeout bounds a blocked session write before the connection is
	// declared dead.
	WriteTimeout time.Duration `toml:"write-timeout" json:"write-timeout"`
	// Compression is applied to frame bodies: "none" or "zstd". Must be
	// identical on every rank.
	Compression string `toml:"compression" json:"compression"`
	// MaxMessageBytes caps one frame body; oversized frames are rejected
	// on both sides.
	MaxMessageBytes int64 `toml:"max-message-bytes" json:"max-message-bytes"`

	// Listener, when set, is used instead of binding ListenAddr. Mainly
	// for tests that rendezvous on ephemeral ports.
	Listener net.Listener `toml:"-" json:"-"`
}

func (cfg *Config) adjust() error {
	if len(cfg.Peers) == 0 {
		return errors.New("netgroup: peer list is empty")
	}
	if cfg.Rank < 0 || cfg.Rank >= len(cfg.Peers) {
		return errors.Errorf("netgroup: rank %d outside peer list of %d", cfg.Rank, len(cfg.Peers))
	}
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = cfg.Peers[cfg.Rank]
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = defaultDialTimeout
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = defaultHandshakeTimeout
	}
	if cfg.KeepAliveInterval <= 0 {
		cfg.KeepAliveInterval = defaultKeepAliveInterval
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	if cfg.MaxMessageBytes <= 0 {
		cfg.MaxMessageBytes = defaultMaxMessageBytes
	}
	switch cfg.Compression {
	case "":
		cfg.Compression = CompressionNone
	case CompressionNone, CompressionZstd:
	default:
		return errors.Errorf("netgroup: unknown compression %q", cfg.Compression)
	}
	return nil
}

func muxConfig(cfg *Config, logger logutil.Logger) *yamux.Config {
	mux := yamux.DefaultConfig()
	mux.EnableKeepAlive = true
	mux.KeepAliveInterval = cfg.KeepAliveInterval
	mux.ConnectionWriteTimeout = cfg.WriteTimeout
	mux.LogOutput = nil
	mux.Logger = zap.NewStdLog(logger.Logger)
	return mux
}

// peer is the local end of one rank pair: a multiplexed session plus an
// inbox fed by its read loop.
type peer struct {
	rank    int
	session *yamux.Session
	inbox   chan frame
	readErr atomic.Error
}

// Conn is one rank's endpoint of a TCP group.
type Conn struct {
	cfg    Config
	logger logutil.Logger

	peers []*peer // indexed by rank, nil at own rank
	seq   atomic.Uint64

	compress   func([]byte) []byte
	decompress func(src []byte, rawLen int) ([]byte, error)
	zenc       *zstd.Encoder
	zdec       *zstd.Decoder

	wg        util.WaitGroupWrapper
	closed    chan struct{}
	closeOnce sync.Once
	closeErr  error
}

var _ exchange.Conn = (*Conn)(nil)

// Dial binds the local address, connects every rank pair (lower rank dials
// higher), runs the handshakes and returns once the full mesh is up. All
// ranks must call it within the dial timeout of each other.
func Dial(ctx context.Context, cfg Config) (*Conn, error) {
	if err := cfg.adjust(); err != nil {
		return nil, errors.Trace(err)
	}
	size := len(cfg.Peers)
	c := &Conn{
		cfg:    cfg,
		logger: logutil.L().WithRank(cfg.Rank),
		peers:  make([]*peer, size),
		closed: make(chan struct{}),
	}
	if cfg.Compression == CompressionZstd {
		var err error
		c.zenc, err = zstd.NewWriter(nil)
		if err != nil {
			return nil, errors.Trace(err)
		}
		c.zdec, err = zstd.NewReader(nil)
		if err != nil {
			return nil, errors.Trace(err)
		}
		c.compress = func(b []byte) []byte { return c.zenc.EncodeAll(b, nil) }
		c.decompress = func(src []byte, rawLen int) ([]byte, error) {
			return c.zdec.DecodeAll(src, make([]byte, 0, rawLen))
		}
	}
	if size == 1 {
		return c, nil
	}

	deadline := time.Now().Add(cfg.DialTimeout)
	ln := cfg.Listener
	if ln == nil {
		var err error
		ln, err = net.Listen("tcp", cfg.ListenAddr)
		if err != nil {
			return nil, errors.Annotatef(exchange.ErrCollective,
				"bind %s: %s", cfg.ListenAddr, err)
		}
	}
	if tcpLn, ok := ln.(*net.TCPListener); ok {
		// Bound the whole rendezvous: Accept fails once the deadline hits.
		if err := tcpLn.SetDeadline(deadline); err != nil {
			_ = ln.Close()
			return nil, errors.Trace(err)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return c.acceptPeers(gctx, ln)
	})
	g.Go(func() error {
		return c.dialPeers(gctx, deadline)
	})
	err := g.Wait()
	_ = ln.Close()
	if err != nil {
		for _, p := range c.peers {
			if p != nil {
				_ = p.session.Close()
			}
		}
		return nil, errors.Trace(err)
	}

	for _, p := range c.peers {
		if p == nil {
			continue
		}
		p := p
		c.wg.Run(func() { c.readLoop(p) })
	}
	c.logger.Info("group mesh established",
		zap.Int("groupSize", size),
		zap.String("listenAddr", cfg.ListenAddr),
		zap.String("compression", cfg.Compression),
		zap.String("maxMessage", units.HumanSize(float64(cfg.MaxMessageBytes))))
	return c, nil
}

// acceptPeers collects one inbound session from every lower rank.
func (c *Conn) acceptPeers(ctx context.Context, ln net.Listener) error {
	for accepted := 0; accepted < c.cfg.Rank; accepted++ {
		if err := ctx.Err(); err != nil {
			return errors.Annotatef(exchange.ErrCollective, "rendezvous: %s", err)
		}
		conn, err := ln.Accept()
		if err != nil {
			return errors.Annotatef(exchange.ErrCollective,
				"rendezvous accept (%d of %d peers connected): %s", accepted, c.cfg.Rank, err)
		}
		peerRank, err := shake(conn, c.cfg.Rank, len(c.cfg.Peers), c.cfg.HandshakeTimeout, false)
		if err != nil {
			_ = conn.Close()
			return errors.Trace(err)
		}
		if peerRank < 0 || peerRank >= c.cfg.Rank {
			_ = conn.Close()
			return errors.Annotatef(exchange.ErrProtocol,
				"rank %d dialed rank %d, only lower ranks dial in", peerRank, c.cfg.Rank)
		}
		if c.peers[peerRank] != nil {
			_ = conn.Close()
			return errors.Annotatef(exchange.ErrProtocol,
				"rank %d connected twice", peerRank)
		}
		session, err := yamux.Server(conn, muxConfig(&c.cfg, c.logger))
		if err != nil {
			_ = conn.Close()
			return errors.Annotatef(exchange.ErrCollective, "mux over rank %d session: %s", peerRank, err)
		}
		c.peers[peerRank] = c.newPeer(peerRank, session)
	}
	return nil
}

// dialPeers connects to every higher rank, retrying refused dials until
// the rendezvous deadline so start order does not matter.
func (c *Conn) dialPeers(ctx context.Context, deadline time.Time) error {
	g, gctx := errgroup.WithContext(ctx)
	for r := c.cfg.Rank + 1; r < len(c.cfg.Peers); r++ {
		r := r
		g.Go(func() error {
			conn, err := c.dialPeer(gctx, c.cfg.Peers[r], deadline)
			if err != nil {
				return errors.Annotatef(err, "dial rank %d", r)
			}
			peerRank, err := shake(conn, c.cfg.Rank, len(c.cfg.Peers), c.cfg.HandshakeTimeout, true)
			if err != nil {
				_ = conn.Close()
				return errors.Trace(err)
			}
			if peerRank != r {
				_ = conn.Close()
				return errors.Annotatef(exchange.ErrProtocol,
					"%s answered as rank %d, expected rank %d", c.cfg.Peers[r], peerRank, r)
			}
			session, err := yamux.Client(conn, muxConfig(&c.cfg, c.logger))
			if err != nil {
				_ = conn.Close()
				return errors.Annotatef(exchange.ErrCollective, "mux over rank %d session: %s", r, err)
			}
			c.peers[r] = c.newPeer(r, session)
			return nil
		})
	}
	return errors.Trace(g.Wait())
}

func (c *Conn) dialPeer(ctx context.Context, addr string, deadline time.Time) (net.Conn, error) {
	dialer := net.Dialer{Deadline: deadline}
	for {
		conn, err := dialer.DialContext(ctx, "tcp", addr)
		if err == nil {
			return conn, nil
		}
		if ctx.Err() != nil || time.Now().After(deadline) {
			return nil, errors.Annotatef(exchange.ErrCollective,
				"rendezvous with %s: %s", addr, err)
		}
		// The peer may simply not be listening yet.
		select {
		case <-time.After(dialRetryInterval):
		case <-ctx.Done():
			return nil, errors.Annotatef(exchange.ErrCollective,
				"rendezvous with %s: %s", addr, ctx.Err())
		}
	}
}

func (c *Conn) newPeer(rank int, session *yamux.Session) *peer {
	return &peer{
		rank:    rank,
		session: session,
		inbox:   make(chan frame, inboxDepth),
	}
}

// readLoop drains one peer's session: one stream per frame, pushed into
// the inbox until the session dies or the endpoint closes.
func (c *Conn) readLoop(p *peer) {
	defer close(p.inbox)
	for {
		stream, err := p.session.AcceptStream()
		if err != nil {
			p.readErr.Store(err)
			return
		}
		f, wire, err := readFrame(stream, c.decompress, c.cfg.MaxMessageBytes)
		_ = stream.Close()
		if err != nil {
			p.readErr.Store(err)
			return
		}
		metrics.PayloadBytes.WithLabelValues("received").Add(float64(wire))
		select {
		case p.inbox <- f:
		case <-c.closed:
			return
		}
	}
}

// Rank implements exchange.Conn.
func (c *Conn) Rank() int { return c.cfg.Rank }

// Size implements exchange.Conn.
func (c *Conn) Size() int { return len(c.cfg.Peers) }

// Close implements exchange.Conn. It tears down all sessions; peers
// blocked in a collective with this rank observe ErrCollective.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
		var errs error
		for _, p := range c.peers {
			if p == nil {
				continue
			}
			errs = multierr.Append(errs, p.session.Close())
		}
		c.wg.Wait()
		if c.zenc != nil {
			errs = multierr.Append(errs, c.zenc.Close())
		}
		if c.zdec != nil {
			c.zdec.Close()
		}
		c.closeErr = errs
	})
	return errors.Trace(c.closeErr)
}

func (c *Conn) sendFrame(dest int, op exchange.Op, seq uint64, body []byte) error {
	select {
	case <-c.closed:
		return errors.Annotatef(exchange.ErrCollective, "%s send: local endpoint closed", op)
	default:
	}
	stream, err := c.peers[dest].session.OpenStream()
	if err != nil {
		return errors.Annotatef(exchange.ErrCollective,
			"%s send: open stream to rank %d: %s", op, dest, err)
	}
	wire, err := writeFrame(stream, op, seq, body, c.compress, c.cfg.MaxMessageBytes)
	if cerr := stream.Close(); err == nil && cerr != nil {
		err = errors.Annotatef(exchange.ErrCollective,
			"%s send: close stream to rank %d: %s", op, dest, cerr)
	}
	if err != nil {
		if stderrors.Is(err, exchange.ErrProtocol) || stderrors.Is(err, exchange.ErrCollective) {
			return errors.Trace(err)
		}
		return errors.Annotatef(exchange.ErrCollective,
			"%s send to rank %d: %s", op, dest, err)
	}
	metrics.PayloadBytes.WithLabelValues("sent").Add(float64(wire))
	return nil
}

func (c *Conn) recvFrame(ctx context.Context, src int, op exchange.Op, seq uint64) (frame, error) {
	p := c.peers[src]
	var f frame
	var ok bool
	select {
	case f, ok = <-p.inbox:
	case <-ctx.Done():
		return frame{}, errors.Annotatef(exchange.ErrCollective,
			"%s recv from rank %d: %s", op, src, ctx.Err())
	case <-c.closed:
		return frame{}, errors.Annotatef(exchange.ErrCollective,
			"%s recv: local endpoint closed", op)
	}
	if !ok {
		if err := p.readErr.Load(); err != nil {
			return frame{}, errors.Annotatef(exchange.ErrCollective,
				"%s recv: rank %d connection lost: %s", op, src, err)
		}
		return frame{}, errors.Annotatef(exchange.ErrCollective,
			"%s recv: rank %d left the group", op, src)
	}
	if f.op != op || f.seq != seq {
		return frame{}, errors.Annotatef(exchange.ErrProtocol,
			"rank %d sent %s#%d while rank %d expected %s#%d",
			src, f.op, f.seq, c.cfg.Rank, op, seq)
	}
	return f, nil
}

// roundTrip runs one collective: frame out to every peer, then drain every
// peer in rank order.
func (c *Conn) roundTrip(ctx context.Context, op exchange.Op,
	outbound func(dest int) []byte, inbound func(src int, body []byte) error) error {
	seq := c.seq.Add(1)
	size := len(c.cfg.Peers)
	for dest := 0; dest < size; dest++ {
		if dest == c.cfg.Rank {
			continue
		}
		if err := c.sendFrame(dest, op, seq, outbound(dest)); err != nil {
			return errors.Trace(err)
		}
	}
	for src := 0; src < size; src++ {
		if src == c.cfg.Rank {
			continue
		}
		f, err := c.recvFrame(ctx, src, op, seq)
		if err != nil {
			return errors.Trace(err)
		}
		if err := inbound(src, f.body); err != nil {
			return errors.Trace(err)
		}
	}
	return nil
}

// AllToAllCounts implements exchange.Conn.
func (c *Conn) AllToAllCounts(ctx context.Context, send []int) ([]int, error) {
	size := len(c.cfg.Peers)
	if err := exchange.CheckCounts(size, send); err != nil {
		return nil, errors.Trace(err)
	}
	recv := make([]int, size)
	recv[c.cfg.Rank] = send[c.cfg.Rank]
	err := c.roundTrip(ctx, exchange.OpCounts,
		func(dest int) []byte { return encodeInt64(int64(send[dest])) },
		func(src int, body []byte) error {
			v, err := decodeInt64(body)
			if err != nil {
				return errors.Trace(err)
			}
			if v < 0 {
				return errors.Annotatef(exchange.ErrProtocol,
					"rank %d announced negative count %d", src, v)
			}
			recv[src] = int(v)
			return nil
		})
	if err != nil {
		return nil, errors.Trace(err)
	}
	return recv, nil
}

// AllToAllInt32 implements exchange.Conn.
func (c *Conn) AllToAllInt32(ctx context.Context, send []int32, sendCounts, recvCounts []int) ([]int32, error) {
	size := len(c.cfg.Peers)
	if err := exchange.CheckPayload(size, len(send), sendCounts); err != nil {
		return nil, errors.Trace(err)
	}
	if err := exchange.CheckCounts(size, recvCounts); err != nil {
		return nil, errors.Trace(err)
	}
	if sendCounts[c.cfg.Rank] != recvCounts[c.cfg.Rank] {
		return nil, errors.Annotatef(exchange.ErrProtocol,
			"rank %d self segment: sending %d rows but expecting %d",
			c.cfg.Rank, sendCounts[c.cfg.Rank], recvCounts[c.cfg.Rank])
	}
	sendOff, _ := exchange.SegmentOffsets(sendCounts)
	recvOff, total := exchange.SegmentOffsets(recvCounts)
	recv := make([]int32, total)
	copy(recv[recvOff[c.cfg.Rank]:], send[sendOff[c.cfg.Rank]:sendOff[c.cfg.Rank]+sendCounts[c.cfg.Rank]])
	err := c.roundTrip(ctx, exchange.OpInt32,
		func(dest int) []byte {
			return encodeInt32s(send[sendOff[dest] : sendOff[dest]+sendCounts[dest]])
		},
		func(src int, body []byte) error {
			vals, err := decodeInt32s(body)
			if err != nil {
				return errors.Trace(err)
			}
			if len(vals) != recvCounts[src] {
				return errors.Annotatef(exchange.ErrProtocol,
					"rank %d sent %d int32 rows, rank %d expected %d",
					src, len(vals), c.cfg.Rank, recvCounts[src])
			}
			copy(recv[recvOff[src]:], vals)
			return nil
		})
	if err != nil {
		return nil, errors.Trace(err)
	}
	return recv, nil
}

// AllToAllFloat64 implements exchange.Conn.
func (c *Conn) AllToAllFloat64(ctx context.Context, send []float64, sendCounts, recvCounts []int) ([]float64, error) {
	size := len(c.cfg.Peers)
	if err := exchange.CheckPayload(size, len(send), sendCounts); err != nil {
		return nil, errors.Trace(err)
	}
	if err := exchange.CheckCounts(size, recvCounts); err != nil {
		return nil, errors.Trace(err)
	}
	if sendCounts[c.cfg.Rank] != recvCounts[c.cfg.Rank] {
		return nil, errors.Annotatef(exchange.ErrProtocol,
			"rank %d self segment: sending %d rows but expecting %d",
			c.cfg.Rank, sendCounts[c.cfg.Rank], recvCounts[c.cfg.Rank])
	}
	sendOff, _ := exchange.SegmentOffsets(sendCounts)
	recvOff, total := exchange.SegmentOffsets(recvCounts)
	recv := make([]float64, total)
	copy(recv[recvOff[c.cfg.Rank]:], send[sendOff[c.cfg.Rank]:sendOff[c.cfg.Rank]+sendCounts[c.cfg.Rank]])
	err := c.roundTrip(ctx, exchange.OpFloat64,
		func(dest int) []byte {
			return encodeFloat64s(send[sendOff[dest] : sendOff[dest]+sendCounts[dest]])
		},
		func(src int, body []byte) error {
			vals, err := decodeFloat64s(body)
			if err != nil {
				return errors.Trace(err)
			}
			if len(vals) != recvCounts[src] {
				return errors.Annotatef(exchange.ErrProtocol,
					"rank %d sent %d float64 rows, rank %d expected %d",
					src, len(vals), c.cfg.Rank, recvCounts[src])
			}
			copy(recv[recvOff[src]:], vals)
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
		func(int) []byte { return encodeInt64(v) },
		func(src int, body []byte) error {
			share, err := decodeInt64(body)
			if err != nil {
				return errors.Trace(err)
			}
			sum += share
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
		func(int) []byte { return nil },
		func(int, []byte) error { return nil })
	return errors.Trace(err)
}
