package server

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/google/uuid"

	"votekeep/internal/logging"
	"votekeep/internal/votes"
)

var logger = logging.For("server")

// Server accepts framed TCP connections and dispatches requests to the
// vote store. One goroutine per connection; the store does its own
// locking.
type Server struct {
	store *votes.Store

	mu        sync.Mutex
	listener  net.Listener
	conns     map[net.Conn]struct{}
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// New creates a server for the given store.
func New(store *votes.Store) *Server {
	return &Server{
		store: store,
		conns: make(map[net.Conn]struct{}),
		done:  make(chan struct{}),
	}
}

// Start begins listening on the given address and serving connections in
// the background. Returns once the listener is bound.
func (s *Server) Start(listen string) error {
	ln, err := net.Listen("tcp", listen)
	if err != nil {
		return fmt.Errorf("server listen: %w", err)
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()
	logger.Info("listening", "addr", ln.Addr().String())
	s.wg.Add(1)
	go s.acceptLoop(ln)
	return nil
}

// Addr returns the listener's address. Empty if not listening.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop closes the listener and every open connection, then waits for the
// connection goroutines to drain.
func (s *Server) Stop() {
	s.closeOnce.Do(func() {
		close(s.done)
		s.mu.Lock()
		if s.listener != nil {
			s.listener.Close()
		}
		for conn := range s.conns {
			conn.Close()
		}
		s.mu.Unlock()
	})
	s.wg.Wait()
}

func (s *Server) acceptLoop(ln net.Listener) {
	defer s.wg.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
				logger.Warn("accept error", "err", err)
				continue
			}
		}
		s.wg.Add(1)
		go s.handleConn(conn)
	}
}

func (s *Server) handleConn(conn net.Conn) {
	defer s.wg.Done()
	defer conn.Close()

	s.mu.Lock()
	s.conns[conn] = struct{}{}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
	}()

	// Short connection tag for correlating log lines.
	connID := uuid.New().String()[:8]
	logger.Debug("client connected", "conn", connID, "remote", conn.RemoteAddr())

	for {
		req, err := ReadFrame(conn)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				logger.Debug("read error", "conn", connID, "err", err)
			}
			return
		}
		resp := s.dispatch(connID, req)
		if err := WriteFrame(conn, resp); err != nil {
			logger.Debug("write error", "conn", connID, "err", err)
			return
		}
	}
}

func (s *Server) dispatch(connID string, req []byte) []byte {
	if len(req) == 0 {
		return errResponse(statusInvalidInput, "empty request")
	}
	op, args := req[0], req[1:]
	switch op {
	case opAddVote:
		return s.handleAddVote(args)
	case opGetVotes:
		return s.handleGetVotes()
	case opGetVote:
		return s.handleGetVote(args)
	case opLatestVoteTime:
		return s.handleLatestVoteTime()
	case opDeleteVote:
		return s.handleDeleteVote(args)
	case opCountVotes:
		return s.handleCountVotes()
	case opClearVotes:
		return s.handleClearVotes()
	default:
		logger.Debug("unknown opcode", "conn", connID, "op", op)
		return errResponse(statusInvalidInput, fmt.Sprintf("unknown opcode %d", op))
	}
}

func (s *Server) handleAddVote(args []byte) []byte {
	voter, args, err := takeString(args)
	if err != nil {
		return errResponse(statusInvalidInput, err.Error())
	}
	candidate, _, err := takeString(args)
	if err != nil {
		return errResponse(statusInvalidInput, err.Error())
	}
	rec, err := s.store.Insert(voter, candidate)
	if err != nil {
		return storeErrResponse(err)
	}
	return append([]byte{statusOK}, rec.Encode()...)
}

func (s *Server) handleGetVotes() []byte {
	all, err := s.store.All()
	if err != nil {
		return storeErrResponse(err)
	}
	resp := []byte{statusOK}
	resp = binary.BigEndian.AppendUint32(resp, uint32(len(all)))
	for _, rec := range all {
		enc := rec.Encode()
		resp = binary.BigEndian.AppendUint32(resp, uint32(len(enc)))
		resp = append(resp, enc...)
	}
	return resp
}

func (s *Server) handleGetVote(args []byte) []byte {
	id, _, err := takeUint64(args)
	if err != nil {
		return errResponse(statusInvalidInput, err.Error())
	}
	rec, err := s.store.Get(id)
	if err != nil {
		return storeErrResponse(err)
	}
	return append([]byte{statusOK}, rec.Encode()...)
}

func (s *Server) handleLatestVoteTime() []byte {
	ts, ok, err := s.store.LatestTimestamp()
	if err != nil {
		return storeErrResponse(err)
	}
	if !ok {
		return []byte{statusEmpty}
	}
	return binary.BigEndian.AppendUint64([]byte{statusOK}, ts)
}

func (s *Server) handleDeleteVote(args []byte) []byte {
	id, _, err := takeUint64(args)
	if err != nil {
		return errResponse(statusInvalidInput, err.Error())
	}
	removed, err := s.store.Delete(id)
	if err != nil {
		return storeErrResponse(err)
	}
	resp := []byte{statusOK, 0}
	if removed {
		resp[1] = 1
	}
	return resp
}

func (s *Server) handleCountVotes() []byte {
	return binary.BigEndian.AppendUint64([]byte{statusOK}, uint64(s.store.Count()))
}

func (s *Server) handleClearVotes() []byte {
	if err := s.store.Clear(); err != nil {
		return storeErrResponse(err)
	}
	return []byte{statusOK}
}

func storeErrResponse(err error) []byte {
	switch {
	case errors.Is(err, votes.ErrInvalidInput):
		return errResponse(statusInvalidInput, err.Error())
	case errors.Is(err, votes.ErrNotFound):
		return errResponse(statusNotFound, err.Error())
	default:
		logger.Error("storage failure", "err", err)
		return errResponse(statusStorage, err.Error())
	}
}

func errResponse(status byte, msg string) []byte {
	return appendString([]byte{status}, msg)
}
