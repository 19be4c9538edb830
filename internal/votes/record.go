package votes

import (
	"encoding/binary"
	"fmt"
)

// Record is one persisted vote. Immutable once written: id and timestamp
// are assigned by the store at insertion and only deletion removes a
// record.
type Record struct {
	ID        uint64
	Voter     string
	Candidate string
	Timestamp uint64 // nanoseconds at insertion, store-assigned
}

// Encoding format, version 1:
//
//	[2B version][8B id][4B voter len][voter][4B candidate len][candidate][8B timestamp]
//
// All integers big-endian. Length prefixes make truncation and garbage
// detectable on decode; records are never re-derived from elsewhere, so
// decode(encode(r)) == r is a hard contract.
const (
	codecVersion = 1

	// maxFieldBytes bounds each identifier. Enforced at insertion, so a
	// longer length prefix on decode means corruption.
	maxFieldBytes = 1024

	recordFixedSize = 2 + 8 + 4 + 4 + 8
)

// Encode serializes the record in the version-1 format.
func (r Record) Encode() []byte {
	buf := make([]byte, 0, recordFixedSize+len(r.Voter)+len(r.Candidate))
	buf = binary.BigEndian.AppendUint16(buf, codecVersion)
	buf = binary.BigEndian.AppendUint64(buf, r.ID)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(r.Voter)))
	buf = append(buf, r.Voter...)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(r.Candidate)))
	buf = append(buf, r.Candidate...)
	buf = binary.BigEndian.AppendUint64(buf, r.Timestamp)
	return buf
}

// DecodeRecord parses a version-1 encoded record, validating the version
// and every length prefix against the available bytes.
func DecodeRecord(b []byte) (Record, error) {
	var r Record
	if len(b) < recordFixedSize {
		return r, fmt.Errorf("record truncated: %d bytes", len(b))
	}
	if v := binary.BigEndian.Uint16(b[0:2]); v != codecVersion {
		return r, fmt.Errorf("unsupported record version %d", v)
	}
	r.ID = binary.BigEndian.Uint64(b[2:10])
	rest := b[10:]

	voter, rest, err := takeString(rest)
	if err != nil {
		return Record{}, fmt.Errorf("voter field: %w", err)
	}
	candidate, rest, err := takeString(rest)
	if err != nil {
		return Record{}, fmt.Errorf("candidate field: %w", err)
	}
	if len(rest) != 8 {
		return Record{}, fmt.Errorf("record has %d trailing bytes, want 8", len(rest))
	}
	r.Voter = voter
	r.Candidate = candidate
	r.Timestamp = binary.BigEndian.Uint64(rest)
	return r, nil
}

func takeString(b []byte) (string, []byte, error) {
	if len(b) < 4 {
		return "", nil, fmt.Errorf("missing length prefix")
	}
	n := binary.BigEndian.Uint32(b[0:4])
	if n > maxFieldBytes {
		return "", nil, fmt.Errorf("length %d exceeds maximum %d", n, maxFieldBytes)
	}
	b = b[4:]
	if uint32(len(b)) < n {
		return "", nil, fmt.Errorf("length %d exceeds remaining %d bytes", n, len(b))
	}
	return string(b[:n]), b[n:], nil
}
