package server

import (
	"encoding/binary"
	"fmt"
	"net"

	"votekeep/internal/votes"
)

// Client is a minimal client for the framed protocol. Not safe for
// concurrent use; open one client per goroutine.
type Client struct {
	conn net.Conn
}

// Dial connects to a votekeep server.
func Dial(addr string) (*Client, error) {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dialing server: %w", err)
	}
	return &Client{conn: conn}, nil
}

func (c *Client) Close() error {
	return c.conn.Close()
}

// AddVote inserts a vote and returns the stored record.
func (c *Client) AddVote(voter, candidate string) (votes.Record, error) {
	req := appendString([]byte{opAddVote}, voter)
	req = appendString(req, candidate)
	body, err := c.roundTrip(req)
	if err != nil {
		return votes.Record{}, err
	}
	return votes.DecodeRecord(body)
}

// GetVotes returns every vote in ascending id order.
func (c *Client) GetVotes() ([]votes.Record, error) {
	body, err := c.roundTrip([]byte{opGetVotes})
	if err != nil {
		return nil, err
	}
	if len(body) < 4 {
		return nil, fmt.Errorf("short vote list response")
	}
	count := binary.BigEndian.Uint32(body[0:4])
	body = body[4:]
	out := make([]votes.Record, 0, count)
	for i := uint32(0); i < count; i++ {
		if len(body) < 4 {
			return nil, fmt.Errorf("truncated vote list response")
		}
		n := binary.BigEndian.Uint32(body[0:4])
		body = body[4:]
		if uint32(len(body)) < n {
			return nil, fmt.Errorf("truncated vote list entry")
		}
		rec, err := votes.DecodeRecord(body[:n])
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
		body = body[n:]
	}
	return out, nil
}

// GetVote fetches one vote by id. Absence surfaces as votes.ErrNotFound.
func (c *Client) GetVote(id uint64) (votes.Record, error) {
	req := binary.BigEndian.AppendUint64([]byte{opGetVote}, id)
	body, err := c.roundTrip(req)
	if err != nil {
		return votes.Record{}, err
	}
	return votes.DecodeRecord(body)
}

// LatestVoteTime returns the timestamp of the most recent surviving vote;
// ok is false when the store is empty.
func (c *Client) LatestVoteTime() (ts uint64, ok bool, err error) {
	body, empty, err := c.roundTripMaybeEmpty([]byte{opLatestVoteTime})
	if err != nil {
		return 0, false, err
	}
	if empty {
		return 0, false, nil
	}
	if len(body) != 8 {
		return 0, false, fmt.Errorf("bad timestamp response length %d", len(body))
	}
	return binary.BigEndian.Uint64(body), true, nil
}

// DeleteVote removes a vote, reporting whether a removal occurred.
func (c *Client) DeleteVote(id uint64) (bool, error) {
	req := binary.BigEndian.AppendUint64([]byte{opDeleteVote}, id)
	body, err := c.roundTrip(req)
	if err != nil {
		return false, err
	}
	if len(body) != 1 {
		return false, fmt.Errorf("bad delete response length %d", len(body))
	}
	return body[0] == 1, nil
}

// CountVotes returns the number of stored votes.
func (c *Client) CountVotes() (uint64, error) {
	body, err := c.roundTrip([]byte{opCountVotes})
	if err != nil {
		return 0, err
	}
	if len(body) != 8 {
		return 0, fmt.Errorf("bad count response length %d", len(body))
	}
	return binary.BigEndian.Uint64(body), nil
}

// ClearVotes removes every stored vote. Ids of cleared votes are not
// reused.
func (c *Client) ClearVotes() error {
	_, err := c.roundTrip([]byte{opClearVotes})
	return err
}

func (c *Client) roundTrip(req []byte) ([]byte, error) {
	body, empty, err := c.roundTripMaybeEmpty(req)
	if err != nil {
		return nil, err
	}
	if empty {
		return nil, fmt.Errorf("unexpected empty-store response")
	}
	return body, nil
}

func (c *Client) roundTripMaybeEmpty(req []byte) (body []byte, empty bool, err error) {
	if err := WriteFrame(c.conn, req); err != nil {
		return nil, false, err
	}
	resp, err := ReadFrame(c.conn)
	if err != nil {
		return nil, false, err
	}
	if len(resp) == 0 {
		return nil, false, fmt.Errorf("empty response frame")
	}
	status, rest := resp[0], resp[1:]
	switch status {
	case statusOK:
		return rest, false, nil
	case statusEmpty:
		return nil, true, nil
	case statusInvalidInput:
		return nil, false, fmt.Errorf("%w: %s", votes.ErrInvalidInput, statusMessage(rest))
	case statusNotFound:
		return nil, false, fmt.Errorf("%w: %s", votes.ErrNotFound, statusMessage(rest))
	case statusStorage:
		return nil, false, fmt.Errorf("%w: %s", votes.ErrStorage, statusMessage(rest))
	default:
		return nil, false, fmt.Errorf("unknown response status %d", status)
	}
}

func statusMessage(b []byte) string {
	msg, _, err := takeString(b)
	if err != nil {
		return "(no message)"
	}
	return msg
}
