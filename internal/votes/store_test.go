package votes

import (
	"encoding/binary"
	"errors"
	"log/slog"
	"testing"

	"votekeep/internal/image"
	"votekeep/internal/logging"
	"votekeep/internal/region"
)

func newTestStore(t *testing.T) (*Store, *image.Memory) {
	t.Helper()
	img := image.NewMemory()
	return openStore(t, img), img
}

// openStore attaches a store to img; calling it again with the same img
// simulates a process restart.
func openStore(t *testing.T, img *image.Memory) *Store {
	t.Helper()
	mgr, err := region.Open(img)
	if err != nil {
		t.Fatal(err)
	}
	s, err := Open(mgr)
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func mustInsert(t *testing.T, s *Store, voter, candidate string) Record {
	t.Helper()
	rec, err := s.Insert(voter, candidate)
	if err != nil {
		t.Fatalf("Insert(%q, %q): %v", voter, candidate, err)
	}
	return rec
}

func TestInsertAssignsIncreasingIDs(t *testing.T) {
	s, _ := newTestStore(t)
	var prev uint64
	for i := 0; i < 50; i++ {
		rec := mustInsert(t, s, "voter", "candidate")
		if i == 0 {
			if rec.ID != 0 {
				t.Fatalf("first id = %d, want 0", rec.ID)
			}
		} else if rec.ID <= prev {
			t.Fatalf("id %d not greater than previous %d", rec.ID, prev)
		}
		prev = rec.ID
	}
}

func TestInsertTrimsAndStamps(t *testing.T) {
	s, _ := newTestStore(t)
	var clock uint64 = 1000
	s.now = func() uint64 { clock++; return clock }

	rec := mustInsert(t, s, "  u1  ", "\tu2\n")
	if rec.Voter != "u1" || rec.Candidate != "u2" {
		t.Fatalf("fields not trimmed: %+v", rec)
	}
	if rec.Timestamp != 1001 {
		t.Fatalf("timestamp = %d, want 1001", rec.Timestamp)
	}

	got, err := s.Get(rec.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got != rec {
		t.Fatalf("Get returned %+v, want %+v", got, rec)
	}
}

func TestInsertRejectsInvalidInput(t *testing.T) {
	s, _ := newTestStore(t)
	tests := []struct {
		name             string
		voter, candidate string
	}{
		{"empty voter", "", "c"},
		{"empty candidate", "v", ""},
		{"whitespace voter", "   ", "c"},
		{"whitespace candidate", "v", " \t "},
		{"both empty", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := s.Insert(tt.voter, tt.candidate); !errors.Is(err, ErrInvalidInput) {
				t.Fatalf("got %v, want ErrInvalidInput", err)
			}
		})
	}
	if s.Count() != 0 {
		t.Fatalf("rejected inserts left %d records", s.Count())
	}
	// No partial write: the counter was never consumed.
	if rec := mustInsert(t, s, "v", "c"); rec.ID != 0 {
		t.Fatalf("id after rejected inserts = %d, want 0", rec.ID)
	}
}

func TestAllReturnsInsertionOrder(t *testing.T) {
	s, _ := newTestStore(t)
	want := []Record{
		mustInsert(t, s, "u1", "u2"),
		mustInsert(t, s, "u3", "u4"),
		mustInsert(t, s, "u5", "u6"),
	}
	got, err := s.All()
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != len(want) {
		t.Fatalf("All returned %d records, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("record %d: got %+v, want %+v", i, got[i], want[i])
		}
	}
}

func TestAllEmpty(t *testing.T) {
	s, _ := newTestStore(t)
	got, err := s.All()
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 0 {
		t.Fatalf("All on empty store returned %d records", len(got))
	}
}

func TestGetNotFound(t *testing.T) {
	s, _ := newTestStore(t)
	if _, err := s.Get(7); !errors.Is(err, ErrNotFound) {
		t.Fatalf("got %v, want ErrNotFound", err)
	}
}

func TestLatestTimestamp(t *testing.T) {
	s, _ := newTestStore(t)
	var clock uint64
	s.now = func() uint64 { clock += 10; return clock }

	if _, ok, err := s.LatestTimestamp(); err != nil || ok {
		t.Fatalf("empty store: ts ok=%v err=%v, want absent", ok, err)
	}

	var last Record
	for i := 0; i < 5; i++ {
		last = mustInsert(t, s, "v", "c")
		ts, ok, err := s.LatestTimestamp()
		if err != nil {
			t.Fatal(err)
		}
		if !ok || ts != last.Timestamp {
			t.Fatalf("after %d inserts: ts=%d ok=%v, want %d", i+1, ts, ok, last.Timestamp)
		}
	}
}

func TestLatestTimestampTracksDeletions(t *testing.T) {
	s, _ := newTestStore(t)
	var clock uint64
	s.now = func() uint64 { clock += 10; return clock }

	first := mustInsert(t, s, "u1", "u2")
	second := mustInsert(t, s, "u3", "u4")

	if removed, err := s.Delete(second.ID); err != nil || !removed {
		t.Fatalf("delete: removed=%v err=%v", removed, err)
	}
	// Derived from the surviving tail, not a stale cache.
	ts, ok, err := s.LatestTimestamp()
	if err != nil {
		t.Fatal(err)
	}
	if !ok || ts != first.Timestamp {
		t.Fatalf("ts=%d ok=%v, want %d", ts, ok, first.Timestamp)
	}

	if _, err := s.Delete(first.ID); err != nil {
		t.Fatal(err)
	}
	if _, ok, _ := s.LatestTimestamp(); ok {
		t.Fatal("timestamp present after deleting every record")
	}
}

func TestDeleteIdempotent(t *testing.T) {
	s, _ := newTestStore(t)
	rec := mustInsert(t, s, "u1", "u2")

	removed, err := s.Delete(rec.ID)
	if err != nil || !removed {
		t.Fatalf("first delete: removed=%v err=%v", removed, err)
	}
	removed, err = s.Delete(rec.ID)
	if err != nil || removed {
		t.Fatalf("second delete: removed=%v err=%v, want false", removed, err)
	}
	if removed, err := s.Delete(999); err != nil || removed {
		t.Fatalf("delete absent id: removed=%v err=%v, want false", removed, err)
	}
	if s.Count() != 0 {
		t.Fatalf("count = %d, want 0", s.Count())
	}
}

func TestDeleteNeverReusesIDs(t *testing.T) {
	s, _ := newTestStore(t)
	rec := mustInsert(t, s, "u1", "u2")
	if _, err := s.Delete(rec.ID); err != nil {
		t.Fatal(err)
	}

	if _, err := s.Get(rec.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("deleted id still readable: %v", err)
	}
	all, err := s.All()
	if err != nil {
		t.Fatal(err)
	}
	for _, r := range all {
		if r.ID == rec.ID {
			t.Fatal("deleted record present in All")
		}
	}
	next := mustInsert(t, s, "u3", "u4")
	if next.ID <= rec.ID {
		t.Fatalf("new id %d not greater than deleted id %d", next.ID, rec.ID)
	}
}

func TestClear(t *testing.T) {
	s, _ := newTestStore(t)
	for i := 0; i < 4; i++ {
		mustInsert(t, s, "v", "c")
	}
	if err := s.Clear(); err != nil {
		t.Fatal(err)
	}
	if s.Count() != 0 {
		t.Fatalf("count after clear = %d", s.Count())
	}
	// The counter is untouched: ids continue past the cleared ones.
	if rec := mustInsert(t, s, "v", "c"); rec.ID != 4 {
		t.Fatalf("id after clear = %d, want 4", rec.ID)
	}
}

func TestRestartPreservesEverything(t *testing.T) {
	img := image.NewMemory()
	s := openStore(t, img)
	var clock uint64
	s.now = func() uint64 { clock += 5; return clock }

	mustInsert(t, s, "u1", "u2")
	second := mustInsert(t, s, "u3", "u4")
	third := mustInsert(t, s, "u5", "u6")
	if _, err := s.Delete(second.ID); err != nil {
		t.Fatal(err)
	}
	wantAll, err := s.All()
	if err != nil {
		t.Fatal(err)
	}
	wantTS, _, err := s.LatestTimestamp()
	if err != nil {
		t.Fatal(err)
	}

	// Same image, new store: a process restart.
	s2 := openStore(t, img)
	gotAll, err := s2.All()
	if err != nil {
		t.Fatal(err)
	}
	if len(gotAll) != len(wantAll) {
		t.Fatalf("restart: %d records, want %d", len(gotAll), len(wantAll))
	}
	for i := range wantAll {
		if gotAll[i] != wantAll[i] {
			t.Fatalf("restart record %d: got %+v, want %+v", i, gotAll[i], wantAll[i])
		}
	}
	gotTS, ok, err := s2.LatestTimestamp()
	if err != nil {
		t.Fatal(err)
	}
	if !ok || gotTS != wantTS {
		t.Fatalf("restart ts=%d ok=%v, want %d", gotTS, ok, wantTS)
	}
	// The id sequence continues without collision.
	next := mustInsert(t, s2, "u7", "u8")
	if next.ID != third.ID+1 {
		t.Fatalf("id after restart = %d, want %d", next.ID, third.ID+1)
	}
}

func TestRecoveryRederivesStaleCounter(t *testing.T) {
	img := image.NewMemory()
	s := openStore(t, img)
	for i := 0; i < 3; i++ {
		mustInsert(t, s, "v", "c")
	}

	// Rewind the persisted counter to simulate a crash after the record
	// write but before the counter write.
	mgr, err := region.Open(img)
	if err != nil {
		t.Fatal(err)
	}
	ctr, err := mgr.OpenOrCreate(CounterRegion)
	if err != nil {
		t.Fatal(err)
	}
	var stale [8]byte
	binary.BigEndian.PutUint64(stale[:], 2)
	if err := ctr.WriteAt(0, stale[:]); err != nil {
		t.Fatal(err)
	}

	logs := logging.CaptureForTest()
	defer logs.Restore()

	s2 := openStore(t, img)
	if !logs.Has(slog.LevelWarn, "re-deriving") {
		t.Error("expected a warning about counter re-derivation")
	}
	rec := mustInsert(t, s2, "v", "c")
	if rec.ID != 3 {
		t.Fatalf("id after recovery = %d, want 3", rec.ID)
	}
}

func TestRecoveryTrustsCounterAheadOfLog(t *testing.T) {
	img := image.NewMemory()
	s := openStore(t, img)
	rec := mustInsert(t, s, "v", "c")
	if _, err := s.Delete(rec.ID); err != nil {
		t.Fatal(err)
	}

	// All records deleted, counter at 1: nothing to repair.
	s2 := openStore(t, img)
	next := mustInsert(t, s2, "v", "c")
	if next.ID != 1 {
		t.Fatalf("id = %d, want 1", next.ID)
	}
}

func TestRecoveryIgnoresTornAppend(t *testing.T) {
	img := image.NewMemory()
	s := openStore(t, img)
	rec := mustInsert(t, s, "u1", "u2")

	// A crash mid-append leaves body bytes written but the length prefix
	// still zero: the frame was never committed. The torn record is
	// longer than the inserts below and carries a realistic timestamp,
	// so every residue byte is nonzero garbage to a future scan.
	torn := Record{
		ID:        99,
		Voter:     "ghost-voter",
		Candidate: "ghost-option",
		Timestamp: 1766000000000000000,
	}.Encode()
	body := append([]byte{kindRecord}, torn...)
	if err := s.log.WriteAt(s.appendOff+frameLenSize, body); err != nil {
		t.Fatal(err)
	}

	s2 := openStore(t, img)
	all, err := s2.All()
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 1 || all[0] != rec {
		t.Fatalf("after torn append: %+v, want just %+v", all, rec)
	}
	// The next insert reuses the log tail. Its frame is shorter than the
	// torn one, so without recovery wiping the tail, torn bytes would
	// survive past the new frame's end.
	next := mustInsert(t, s2, "u3", "u4")
	if next.ID != rec.ID+1 {
		t.Fatalf("id = %d, want %d", next.ID, rec.ID+1)
	}
	if got, err := s2.Get(next.ID); err != nil || got != next {
		t.Fatalf("overwritten slot readback: %+v, %v", got, err)
	}

	// A second restart must scan cleanly past the shorter frame.
	s3 := openStore(t, img)
	all, err = s3.All()
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 || all[0] != rec || all[1] != next {
		t.Fatalf("after second restart: %+v, want [%+v %+v]", all, rec, next)
	}
	third := mustInsert(t, s3, "u5", "u6")
	if third.ID != next.ID+1 {
		t.Fatalf("id after second restart = %d, want %d", third.ID, next.ID+1)
	}
}

func TestCorruptFrameLengthIsStorageFailure(t *testing.T) {
	img := image.NewMemory()
	s := openStore(t, img)
	mustInsert(t, s, "u1", "u2")

	var bogus [frameLenSize]byte
	binary.BigEndian.PutUint32(bogus[:], maxFrameSize+1)
	if err := s.log.WriteAt(s.appendOff, bogus[:]); err != nil {
		t.Fatal(err)
	}

	mgr, err := region.Open(img)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := Open(mgr); !errors.Is(err, ErrStorage) {
		t.Fatalf("got %v, want ErrStorage", err)
	}
}

func TestExampleSequence(t *testing.T) {
	s, _ := newTestStore(t)

	r0 := mustInsert(t, s, "u1", "u2")
	if r0.ID != 0 || r0.Voter != "u1" || r0.Candidate != "u2" {
		t.Fatalf("first record: %+v", r0)
	}
	r1 := mustInsert(t, s, "u3", "u4")
	if r1.ID != 1 {
		t.Fatalf("second id = %d, want 1", r1.ID)
	}
	if r1.Timestamp < r0.Timestamp {
		t.Fatalf("timestamps not monotonic: %d then %d", r0.Timestamp, r1.Timestamp)
	}

	all, err := s.All()
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 || all[0] != r0 || all[1] != r1 {
		t.Fatalf("All = %+v", all)
	}

	removed, err := s.Delete(0)
	if err != nil || !removed {
		t.Fatalf("delete(0): removed=%v err=%v", removed, err)
	}
	all, err = s.All()
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 1 || all[0] != r1 {
		t.Fatalf("All after delete = %+v", all)
	}
	ts, ok, err := s.LatestTimestamp()
	if err != nil {
		t.Fatal(err)
	}
	if !ok || ts != r1.Timestamp {
		t.Fatalf("latest ts = %d ok=%v, want %d", ts, ok, r1.Timestamp)
	}
}
