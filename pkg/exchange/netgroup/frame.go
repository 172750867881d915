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
	"hash/crc32"
	"io"
	"math"

	"github.com/meshjoin/meshjoin/pkg/exchange"
	"github.com/pingcap/errors"
)

// Wire frame: a fixed little-endian header followed by the body. One frame
// carries one rank-pair share of one collective.
//
//	op      uint8
//	flags   uint8  (bit 0: body is zstd-compressed)
//	seq     uint64
//	rawLen  uint32 (body bytes before compression)
//	bodyLen uint32 (body bytes on the wire)
//	crc     uint32 (castagnoli over the on-wire body)
const (
	frameHeaderSize = 22
	flagCompressed  = 1 << 0
)

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// frame is one decoded rank-pair share of a collective.
type frame struct {
	op   exchange.Op
	seq  uint64
	body []byte
}

func writeFrame(w io.Writer, op exchange.Op, seq uint64, body []byte, compress func([]byte) []byte, maxBody int64) (int, error) {
	raw := len(body)
	if int64(raw) > math.MaxUint32 || int64(raw) > maxBody {
		return 0, errors.Annotatef(exchange.ErrProtocol,
			"%s frame body %d bytes exceeds limit %d", op, raw, maxBody)
	}
	var flags byte
	if compress != nil && raw > 0 {
		compressed := compress(body)
		// Incompressible payloads ride uncompressed.
		if len(compressed) < raw {
			body = compressed
			flags |= flagCompressed
		}
	}
	var header [frameHeaderSize]byte
	header[0] = byte(op)
	header[1] = flags
	binary.LittleEndian.PutUint64(header[2:], seq)
	binary.LittleEndian.PutUint32(header[10:], uint32(raw))
	binary.LittleEndian.PutUint32(header[14:], uint32(len(body)))
	binary.LittleEndian.PutUint32(header[18:], crc32.Checksum(body, castagnoli))
	if _, err := w.Write(header[:]); err != nil {
		return 0, errors.Trace(err)
	}
	if _, err := w.Write(body); err != nil {
		return 0, errors.Trace(err)
	}
	return frameHeaderSize + len(body), nil
}

func readFrame(r io.Reader, decompress func(src []byte, rawLen int) ([]byte, error), maxBody int64) (frame, int, error) {
	var header [frameHeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return frame{}, 0, errors.Trace(err)
	}
	f := frame{
		op:  exchange.Op(header[0]),
		seq: binary.LittleEndian.Uint64(header[2:]),
	}
	flags := header[1]
	rawLen := binary.LittleEndian.Uint32(header[10:])
	bodyLen := binary.LittleEndian.Uint32(header[14:])
	wantCRC := binary.LittleEndian.Uint32(header[18:])
	if int64(rawLen) > maxBody || int64(bodyLen) > maxBody {
		return frame{}, 0, errors.Annotatef(exchange.ErrProtocol,
			"%s frame body %d/%d bytes exceeds limit %d", f.op, rawLen, bodyLen, maxBody)
	}
	body := make([]byte, bodyLen)
	if _, err := io.ReadFull(r, body); err != nil {
		return frame{}, 0, errors.Trace(err)
	}
	wire := frameHeaderSize + len(body)
	if got := crc32.Checksum(body, castagnoli); got != wantCRC {
		return frame{}, wire, errors.Annotatef(exchange.ErrProtocol,
			"%s frame checksum mismatch: got %08x, want %08x", f.op, got, wantCRC)
	}
	if flags&flagCompressed != 0 {
		if decompress == nil {
			return frame{}, wire, errors.Annotatef(exchange.ErrProtocol,
				"%s frame is compressed but compression is disabled here", f.op)
		}
		raw, err := decompress(body, int(rawLen))
		if err != nil {
			return frame{}, wire, errors.Annotatef(exchange.ErrProtocol,
				"%s frame decompression: %s", f.op, err)
		}
		body = raw
	}
	if len(body) != int(rawLen) {
		return frame{}, wire, errors.Annotatef(exchange.ErrProtocol,
			"%s frame body is %d bytes, header says %d", f.op, len(body), rawLen)
	}
	f.body = body
	return f, wire, nil
}

// Column codecs. Payload bodies are packed little-endian values; element
// counts are validated against the announced receive counts by the caller.

func encodeInt32s(vals []int32) []byte {
	body := make([]byte, 4*len(vals))
	for i, v := range vals {
		binary.LittleEndian.PutUint32(body[4*i:], uint32(v))
	}
	return body
}

func decodeInt32s(body []byte) ([]int32, error) {
	if len(body)%4 != 0 {
		return nil, errors.Annotatef(exchange.ErrProtocol,
			"int32 payload of %d bytes is not a whole number of elements", len(body))
	}
	vals := make([]int32, len(body)/4)
	for i := range vals {
		vals[i] = int32(binary.LittleEndian.Uint32(body[4*i:]))
	}
	return vals, nil
}

func encodeFloat64s(vals []float64) []byte {
	body := make([]byte, 8*len(vals))
	for i, v := range vals {
		binary.LittleEndian.PutUint64(body[8*i:], math.Float64bits(v))
	}
	return body
}

func decodeFloat64s(body []byte) ([]float64, error) {
	if len(body)%8 != 0 {
		return nil, errors.Annotatef(exchange.ErrProtocol,
			"float64 payload of %d bytes is not a whole number of elements", len(body))
	}
	vals := make([]float64, len(body)/8)
	for i := range vals {
		vals[i] = math.Float64frombits(binary.LittleEndian.Uint64(body[8*i:]))
	}
	return vals, nil
}

func encodeInt64(v int64) []byte {
	var body [8]byte
	binary.LittleEndian.PutUint64(body[:], uint64(v))
	return body[:]
}

func decodeInt64(body []byte) (int64, error) {
	if len(body) != 8 {
		return 0, errors.Annotatef(exchange.ErrProtocol,
			"int64 payload is %d bytes", len(body))
	}
	return int64(binary.LittleEndian.Uint64(body)), nil
}
