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

package netgroup

import (
	"encoding/binary"
	"io"
	"net"
	"time"

	"github.com/meshjoin/meshjoin/pkg/exchange"
	"github.com/pingcap/errors"
)

// Rendezvous handshake, exchanged over the raw TCP connection before the
// multiplexer takes over: magic, protocol version, sender rank, group
// size. Both directions use the same layout so either side spots a
// misdialed or mismatched peer immediately.
const (
	handshakeMagic   uint32 = 0x4d4a4558 // "MJEX"
	protocolVersion  byte   = 1
	handshakeLen            = 13
)

func writeHandshake(conn net.Conn, rank, size int) error {
	var buf [handshakeLen]byte
	binary.LittleEndian.PutUint32(buf[0:], handshakeMagic)
	buf[4] = protocolVersion
	binary.LittleEndian.PutUint32(buf[5:], uint32(rank))
	binary.LittleEndian.PutUint32(buf[9:], uint32(size))
	_, err := conn.Write(buf[:])
	return errors.Trace(err)
}

func readHandshake(conn net.Conn) (rank, size int, err error) {
	var buf [handshakeLen]byte
	if _, err := io.ReadFull(conn, buf[:]); err != nil {
		return 0, 0, errors.Trace(err)
	}
	if magic := binary.LittleEndian.Uint32(buf[0:]); magic != handshakeMagic {
		return 0, 0, errors.Annotatef(exchange.ErrProtocol,
			"handshake magic %08x from %s", magic, conn.RemoteAddr())
	}
	if buf[4] != protocolVersion {
		return 0, 0, errors.Annotatef(exchange.ErrProtocol,
			"handshake protocol version %d, this side speaks %d", buf[4], protocolVersion)
	}
	rank = int(binary.LittleEndian.Uint32(buf[5:]))
	size = int(binary.LittleEndian.Uint32(buf[9:]))
	return rank, size, nil
}

// shake runs one side of the handshake under a deadline and verifies the
// peer agrees on the group size.
func shake(conn net.Conn, rank, size int, timeout time.Duration, dialer bool) (peerRank int, err error) {
	if err := conn.SetDeadline(time.Now().Add(timeout)); err != nil {
		return 0, errors.Trace(err)
	}
	defer func() {
		if err == nil {
			err = errors.Trace(conn.SetDeadline(time.Time{}))
		}
	}()
	if dialer {
		if err := writeHandshake(conn, rank, size); err != nil {
			return 0, errors.Trace(err)
		}
		peerRank, peerSize, err := readHandshake(conn)
		if err != nil {
			return 0, errors.Trace(err)
		}
		if peerSize != size {
			return 0, errors.Annotatef(exchange.ErrProtocol,
				"rank %d thinks the group has %d ranks, this side %d", peerRank, peerSize, size)
		}
		return peerRank, nil
	}
	peerRank, peerSize, err := readHandshake(conn)
	if err != nil {
		return 0, errors.Trace(err)
	}
	if peerSize != size {
		return 0, errors.Annotatef(exchange.ErrProtocol,
			"rank %d thinks the group has %d ranks, this side %d", peerRank, peerSize, size)
	}
	if err := writeHandshake(conn, rank, size); err != nil {
		return 0, errors.Trace(err)
	}
	return peerRank, nil
}
