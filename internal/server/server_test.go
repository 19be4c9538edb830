package server

import (
	"errors"
	"testing"

	"votekeep/internal/image"
	"votekeep/internal/region"
	"votekeep/internal/votes"
)

func startTestServer(t *testing.T) *Client {
	t.Helper()
	mgr, err := region.Open(image.NewMemory())
	if err != nil {
		t.Fatal(err)
	}
	store, err := votes.Open(mgr)
	if err != nil {
		t.Fatal(err)
	}
	srv := New(store)
	if err := srv.Start("127.0.0.1:0"); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(srv.Stop)

	c, err := Dial(srv.Addr())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestAddAndGetVotes(t *testing.T) {
	c := startTestServer(t)

	r0, err := c.AddVote("u1", "u2")
	if err != nil {
		t.Fatal(err)
	}
	if r0.ID != 0 || r0.Voter != "u1" || r0.Candidate != "u2" {
		t.Fatalf("first record: %+v", r0)
	}
	r1, err := c.AddVote("u3", "u4")
	if err != nil {
		t.Fatal(err)
	}
	if r1.ID != 1 {
		t.Fatalf("second id = %d, want 1", r1.ID)
	}

	all, err := c.GetVotes()
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 || all[0] != r0 || all[1] != r1 {
		t.Fatalf("GetVotes = %+v", all)
	}

	got, err := c.GetVote(r1.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got != r1 {
		t.Fatalf("GetVote = %+v, want %+v", got, r1)
	}
}

func TestAddVoteInvalidInput(t *testing.T) {
	c := startTestServer(t)
	if _, err := c.AddVote("", "candidate"); !errors.Is(err, votes.ErrInvalidInput) {
		t.Fatalf("got %v, want ErrInvalidInput", err)
	}
	n, err := c.CountVotes()
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Fatalf("count after rejected insert = %d", n)
	}
}

func TestGetVoteNotFound(t *testing.T) {
	c := startTestServer(t)
	if _, err := c.GetVote(42); !errors.Is(err, votes.ErrNotFound) {
		t.Fatalf("got %v, want ErrNotFound", err)
	}
}

func TestLatestVoteTime(t *testing.T) {
	c := startTestServer(t)

	if _, ok, err := c.LatestVoteTime(); err != nil || ok {
		t.Fatalf("empty store: ok=%v err=%v", ok, err)
	}
	rec, err := c.AddVote("u1", "u2")
	if err != nil {
		t.Fatal(err)
	}
	ts, ok, err := c.LatestVoteTime()
	if err != nil {
		t.Fatal(err)
	}
	if !ok || ts != rec.Timestamp {
		t.Fatalf("ts=%d ok=%v, want %d", ts, ok, rec.Timestamp)
	}
}

func TestDeleteVote(t *testing.T) {
	c := startTestServer(t)
	rec, err := c.AddVote("u1", "u2")
	if err != nil {
		t.Fatal(err)
	}

	removed, err := c.DeleteVote(rec.ID)
	if err != nil || !removed {
		t.Fatalf("delete: removed=%v err=%v", removed, err)
	}
	removed, err = c.DeleteVote(rec.ID)
	if err != nil || removed {
		t.Fatalf("second delete: removed=%v err=%v, want false", removed, err)
	}
	if _, err := c.GetVote(rec.ID); !errors.Is(err, votes.ErrNotFound) {
		t.Fatalf("deleted vote still readable: %v", err)
	}
}

func TestCountVotes(t *testing.T) {
	c := startTestServer(t)
	for i := 0; i < 3; i++ {
		if _, err := c.AddVote("v", "c"); err != nil {
			t.Fatal(err)
		}
	}
	n, err := c.CountVotes()
	if err != nil {
		t.Fatal(err)
	}
	if n != 3 {
		t.Fatalf("count = %d, want 3", n)
	}
}

func TestClearVotes(t *testing.T) {
	c := startTestServer(t)
	var last votes.Record
	for i := 0; i < 3; i++ {
		rec, err := c.AddVote("v", "c")
		if err != nil {
			t.Fatal(err)
		}
		last = rec
	}

	if err := c.ClearVotes(); err != nil {
		t.Fatal(err)
	}
	n, err := c.CountVotes()
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Fatalf("count after clear = %d", n)
	}
	// The id sequence continues past the cleared votes.
	rec, err := c.AddVote("v", "c")
	if err != nil {
		t.Fatal(err)
	}
	if rec.ID != last.ID+1 {
		t.Fatalf("id after clear = %d, want %d", rec.ID, last.ID+1)
	}
}

func TestMultipleClients(t *testing.T) {
	c1 := startTestServer(t)
	// Second client against the same server via the same address.
	c2, err := Dial(c1.conn.RemoteAddr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer c2.Close()

	rec, err := c1.AddVote("u1", "u2")
	if err != nil {
		t.Fatal(err)
	}
	got, err := c2.GetVote(rec.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got != rec {
		t.Fatalf("second client sees %+v, want %+v", got, rec)
	}
}
