// Package server exposes the vote store over a framed TCP protocol. It is
// a thin adapter: requests map 1:1 onto store operations and every
// business rule lives in the votes package.
package server

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Frame layout: [2B magic][2B version][4B length][payload].
const (
	Magic      = 0x564B // "VK"
	Version    = 0x0001
	MaxPayload = 1 << 20
	headerSize = 8
)

// Request opcodes. The payload after the opcode carries the operation's
// arguments: strings are u32-length-prefixed, integers big-endian.
const (
	opAddVote byte = iota + 1
	opGetVotes
	opGetVote
	opLatestVoteTime
	opDeleteVote
	opCountVotes
	opClearVotes
)

// Response status codes. Non-ok statuses other than statusEmpty carry a
// length-prefixed message.
const (
	statusOK byte = iota
	statusInvalidInput
	statusNotFound
	statusEmpty
	statusStorage
)

// WriteFrame writes one framed message in a single Write call.
func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) > MaxPayload {
		return fmt.Errorf("payload too large: %d > %d", len(payload), MaxPayload)
	}
	buf := make([]byte, headerSize+len(payload))
	binary.BigEndian.PutUint16(buf[0:2], Magic)
	binary.BigEndian.PutUint16(buf[2:4], Version)
	binary.BigEndian.PutUint32(buf[4:8], uint32(len(payload)))
	copy(buf[8:], payload)
	_, err := w.Write(buf)
	return err
}

// ReadFrame reads one framed message, validating magic, version, and
// length.
func ReadFrame(r io.Reader) ([]byte, error) {
	var hdr [headerSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	if magic := binary.BigEndian.Uint16(hdr[0:2]); magic != Magic {
		return nil, fmt.Errorf("invalid magic: 0x%04X", magic)
	}
	if version := binary.BigEndian.Uint16(hdr[2:4]); version != Version {
		return nil, fmt.Errorf("unsupported protocol version: %d", version)
	}
	length := binary.BigEndian.Uint32(hdr[4:8])
	if length > MaxPayload {
		return nil, fmt.Errorf("payload too large: %d > %d", length, MaxPayload)
	}
	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("reading payload: %w", err)
	}
	return payload, nil
}

func appendString(buf []byte, s string) []byte {
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(s)))
	return append(buf, s...)
}

func takeString(b []byte) (string, []byte, error) {
	if len(b) < 4 {
		return "", nil, fmt.Errorf("missing string length")
	}
	n := binary.BigEndian.Uint32(b[0:4])
	b = b[4:]
	if uint32(len(b)) < n {
		return "", nil, fmt.Errorf("string length %d exceeds remaining %d bytes", n, len(b))
	}
	return string(b[:n]), b[n:], nil
}

func takeUint64(b []byte) (uint64, []byte, error) {
	if len(b) < 8 {
		return 0, nil, fmt.Errorf("missing uint64 argument")
	}
	return binary.BigEndian.Uint64(b[0:8]), b[8:], nil
}
