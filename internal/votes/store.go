// Package votes implements the durable vote record store: a keyed,
// insertion-ordered collection of Records plus the persisted next-id
// counter, both living in regions of one persistent image. The store
// survives restarts by rebuilding its in-memory index from the record log
// and recovering the counter, repairing the counter if a crash landed
// between the record write and the counter write.
package votes

import (
	"encoding/binary"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"votekeep/internal/logging"
	"votekeep/internal/region"
)

var logger = logging.For("votes")

// Region assignments within the image. Stable across releases; changing
// them orphans existing data.
const (
	CounterRegion region.ID = 0
	LogRegion     region.ID = 1
)

// Log frame layout: [4B length][1B kind][payload], length covering kind
// plus payload. The body is written and synced before the length prefix,
// so the length write is the commit point: a torn append leaves a zero
// length and is invisible to recovery.
const (
	kindRecord    = 1
	kindTombstone = 2

	frameLenSize = 4
	maxFrameSize = 1 + recordFixedSize + 2*maxFieldBytes
)

type frameLoc struct {
	off int64 // payload offset within the log region
	n   int
}

// Store is the vote record store. Safe for concurrent use: writes are
// serialized by a mutex, reads share a read lock.
type Store struct {
	mu  sync.RWMutex
	mgr *region.Manager
	log *region.Region
	ctr *region.Region

	nextID    uint64
	appendOff int64
	index     map[uint64]frameLoc
	ids       []uint64 // surviving ids, ascending == insertion order

	now func() uint64
}

// Open attaches the store to its two regions and recovers state: the
// index is rebuilt by scanning the record log, and next_id is read from
// the counter cell (0 on first-ever start). If the log holds an id the
// counter does not account for, the counter is re-derived as max id + 1.
func Open(mgr *region.Manager) (*Store, error) {
	ctr, err := mgr.OpenOrCreate(CounterRegion)
	if err != nil {
		return nil, storageErr("opening counter region", err)
	}
	log, err := mgr.OpenOrCreate(LogRegion)
	if err != nil {
		return nil, storageErr("opening log region", err)
	}
	s := &Store{
		mgr:   mgr,
		log:   log,
		ctr:   ctr,
		index: make(map[uint64]frameLoc),
		now:   func() uint64 { return uint64(time.Now().UnixNano()) },
	}
	if err := s.recover(); err != nil {
		return nil, err
	}
	logger.Info("vote store opened", "votes", len(s.ids), "next_id", s.nextID)
	return s, nil
}

// Close closes the underlying image.
func (s *Store) Close() error {
	return s.mgr.Close()
}

func (s *Store) recover() error {
	maxSeen, haveRecords, err := s.scanLog()
	if err != nil {
		return err
	}
	if err := s.wipeTail(); err != nil {
		return err
	}
	s.ids = make([]uint64, 0, len(s.index))
	for id := range s.index {
		s.ids = append(s.ids, id)
	}
	slices.Sort(s.ids)

	if s.ctr.Size() >= 8 {
		b, err := s.ctr.ReadAt(0, 8)
		if err != nil {
			return storageErr("reading counter cell", err)
		}
		s.nextID = binary.BigEndian.Uint64(b)
	}
	// Counter absent on first-ever start: begin at 0 rather than fail.

	if haveRecords && maxSeen >= s.nextID {
		// A crash hit between the record write and the counter write.
		// The log is authoritative; re-derive. The repaired value is
		// persisted by the next insert.
		logger.Warn("counter behind record log, re-deriving",
			"counter", s.nextID, "max_id", maxSeen)
		s.nextID = maxSeen + 1
	}
	return nil
}

// scanLog replays every committed frame, populating the index. Returns
// the greatest record id ever written, including later-tombstoned ones,
// since the counter must never fall back behind any assigned id.
func (s *Store) scanLog() (maxSeen uint64, haveRecords bool, err error) {
	off := int64(0)
	for off+frameLenSize <= s.log.Size() {
		hdr, err := s.log.ReadAt(off, frameLenSize)
		if err != nil {
			return 0, false, storageErr("reading frame length", err)
		}
		n := binary.BigEndian.Uint32(hdr)
		if n == 0 {
			break // end of log (or a torn, uncommitted append)
		}
		if n > maxFrameSize || off+frameLenSize+int64(n) > s.log.Size() {
			return 0, false, storageErr("scanning log",
				fmt.Errorf("frame at offset %d has impossible length %d", off, n))
		}
		body, err := s.log.ReadAt(off+frameLenSize, int(n))
		if err != nil {
			return 0, false, storageErr("reading frame body", err)
		}
		payloadOff := off + frameLenSize + 1
		switch body[0] {
		case kindRecord:
			rec, err := DecodeRecord(body[1:])
			if err != nil {
				return 0, false, storageErr("decoding logged record", err)
			}
			s.index[rec.ID] = frameLoc{off: payloadOff, n: int(n) - 1}
			if !haveRecords || rec.ID > maxSeen {
				maxSeen = rec.ID
			}
			haveRecords = true
		case kindTombstone:
			if n != 1+8 {
				return 0, false, storageErr("scanning log",
					fmt.Errorf("tombstone at offset %d has length %d", off, n))
			}
			delete(s.index, binary.BigEndian.Uint64(body[1:]))
		default:
			return 0, false, storageErr("scanning log",
				fmt.Errorf("unknown frame kind %d at offset %d", body[0], off))
		}
		off += frameLenSize + int64(n)
	}
	s.appendOff = off
	return maxSeen, haveRecords, nil
}

// wipeTail zeroes the log region past the last committed frame. A torn
// append leaves body bytes with no length prefix; harmless on this scan,
// but a later, shorter append would move the tail into them and the
// residue would be misread as a frame header on the next startup.
func (s *Store) wipeTail() error {
	n := s.log.Size() - s.appendOff
	if n <= 0 {
		return nil
	}
	if err := s.log.WriteAt(s.appendOff, make([]byte, n)); err != nil {
		return storageErr("clearing log tail", err)
	}
	if err := s.mgr.Sync(); err != nil {
		return storageErr("syncing cleared log tail", err)
	}
	return nil
}

// Insert validates the identifiers, assigns the next id and the current
// timestamp, appends the record, and only then persists the incremented
// counter — the counter write is the final, authoritative step.
func (s *Store) Insert(voter, candidate string) (Record, error) {
	voter = strings.TrimSpace(voter)
	candidate = strings.TrimSpace(candidate)
	if voter == "" || candidate == "" {
		return Record{}, fmt.Errorf("%w: voter and candidate must be non-empty", ErrInvalidInput)
	}
	if len(voter) > maxFieldBytes || len(candidate) > maxFieldBytes {
		return Record{}, fmt.Errorf("%w: identifier exceeds %d bytes", ErrInvalidInput, maxFieldBytes)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec := Record{
		ID:        s.nextID,
		Voter:     voter,
		Candidate: candidate,
		Timestamp: s.now(),
	}
	payload := rec.Encode()
	loc, err := s.appendFrame(kindRecord, payload)
	if err != nil {
		return Record{}, err
	}
	// The record frame is durable from here on. Advance in-memory state
	// before touching the counter so a failed counter write leaves the
	// process in the same state crash recovery would reconstruct: the
	// record exists and its id is never handed out again.
	s.nextID = rec.ID + 1
	s.index[rec.ID] = loc
	s.ids = append(s.ids, rec.ID)
	if err := s.persistCounter(s.nextID); err != nil {
		return Record{}, err
	}
	logger.Debug("vote inserted", "id", rec.ID)
	return rec, nil
}

// All returns every surviving record in ascending id order, which is also
// insertion order. Full scan by design; expected cardinality is modest.
func (s *Store) All() ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Record, 0, len(s.ids))
	for _, id := range s.ids {
		rec, err := s.readRecord(s.index[id])
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// Get returns the record with the given id, or ErrNotFound.
func (s *Store) Get(id uint64) (Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	loc, ok := s.index[id]
	if !ok {
		return Record{}, ErrNotFound
	}
	return s.readRecord(loc)
}

// LatestTimestamp returns the timestamp of the surviving record with the
// greatest id — the most recent insertion still present. Derived from the
// collection tail on every call, never cached, so it stays correct after
// deletions. ok is false when the store is empty.
func (s *Store) LatestTimestamp() (ts uint64, ok bool, err error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.ids) == 0 {
		return 0, false, nil
	}
	last := s.ids[len(s.ids)-1]
	rec, err := s.readRecord(s.index[last])
	if err != nil {
		return 0, false, err
	}
	return rec.Timestamp, true, nil
}

// Delete removes the record with the given id by appending a tombstone.
// Returns whether a removal occurred; deleting an absent id is not an
// error and mutates nothing. next_id is never affected.
func (s *Store) Delete(id uint64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.index[id]; !ok {
		return false, nil
	}
	if err := s.appendTombstone(id); err != nil {
		return false, err
	}
	delete(s.index, id)
	if i, found := slices.BinarySearch(s.ids, id); found {
		s.ids = slices.Delete(s.ids, i, i+1)
	}
	logger.Debug("vote deleted", "id", id)
	return true, nil
}

// Count returns the number of surviving records.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.ids)
}

// Clear removes every surviving record. next_id is unaffected, so ids of
// cleared records are never reused.
func (s *Store) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range s.ids {
		if err := s.appendTombstone(id); err != nil {
			return err
		}
		delete(s.index, id)
	}
	s.ids = s.ids[:0]
	logger.Debug("vote log cleared")
	return nil
}

func (s *Store) appendTombstone(id uint64) error {
	var payload [8]byte
	binary.BigEndian.PutUint64(payload[:], id)
	_, err := s.appendFrame(kindTombstone, payload[:])
	return err
}

// appendFrame writes one committed frame at the log tail. Order matters:
// grow, write body, sync, write length prefix, sync. Until the length is
// durable the frame does not exist.
func (s *Store) appendFrame(kind byte, payload []byte) (frameLoc, error) {
	end := s.appendOff + frameLenSize + int64(1+len(payload))
	if end > s.log.Size() {
		if err := s.log.Grow(end - s.log.Size()); err != nil {
			return frameLoc{}, storageErr("growing log region", err)
		}
	}
	body := make([]byte, 1+len(payload))
	body[0] = kind
	copy(body[1:], payload)
	if err := s.log.WriteAt(s.appendOff+frameLenSize, body); err != nil {
		return frameLoc{}, storageErr("writing frame body", err)
	}
	if err := s.mgr.Sync(); err != nil {
		return frameLoc{}, storageErr("syncing frame body", err)
	}
	var ln [frameLenSize]byte
	binary.BigEndian.PutUint32(ln[:], uint32(len(body)))
	if err := s.log.WriteAt(s.appendOff, ln[:]); err != nil {
		return frameLoc{}, storageErr("committing frame", err)
	}
	if err := s.mgr.Sync(); err != nil {
		return frameLoc{}, storageErr("syncing frame commit", err)
	}
	loc := frameLoc{off: s.appendOff + frameLenSize + 1, n: len(payload)}
	s.appendOff = end
	return loc, nil
}

func (s *Store) persistCounter(next uint64) error {
	if s.ctr.Size() < 8 {
		if err := s.ctr.Grow(8); err != nil {
			return storageErr("growing counter region", err)
		}
	}
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], next)
	if err := s.ctr.WriteAt(0, b[:]); err != nil {
		return storageErr("writing counter cell", err)
	}
	if err := s.mgr.Sync(); err != nil {
		return storageErr("syncing counter cell", err)
	}
	return nil
}

func (s *Store) readRecord(loc frameLoc) (Record, error) {
	b, err := s.log.ReadAt(loc.off, loc.n)
	if err != nil {
		return Record{}, storageErr("reading record", err)
	}
	rec, err := DecodeRecord(b)
	if err != nil {
		return Record{}, storageErr("decoding record", err)
	}
	return rec, nil
}

func storageErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrStorage, op, err)
}
