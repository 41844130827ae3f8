package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	apperrors "github.com/canopy-search/canopy/pkg/errors"
)

// Handler executes one search for this shard. ctx already carries the
// deadline the caller propagated in the frame header and is cancelled when
// the connection drops.
type Handler func(ctx context.Context, body json.RawMessage) (any, error)

// Server accepts broker connections for one shard. Requests on a connection
// are handled concurrently; responses are written as their handlers finish,
// matched back to callers by request id.
type Server struct {
	shardID  int
	handler  Handler
	listener net.Listener
	logger   *slog.Logger
	mu       sync.Mutex
	wg       sync.WaitGroup
	done     chan struct{}
}

// NewServer creates a server for the given shard.
func NewServer(shardID int, handler Handler) *Server {
	return &Server{
		shardID: shardID,
		handler: handler,
		logger:  slog.Default().With("component", "rpc-server", "shard_id", shardID),
		done:    make(chan struct{}),
	}
}

// Serve starts accepting TCP connections on the given address. It blocks
// until Stop is called.
func (s *Server) Serve(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()
	s.logger.Info("rpc server listening", "addr", ln.Addr().String())

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-s.done:
				return nil
			default:
				s.logger.Error("accept error", "error", err)
				continue
			}
		}
		s.wg.Add(1)
		go s.handleConn(conn)
	}
}

// Addr returns the bound listen address, or "" before Serve has bound it.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

func (s *Server) handleConn(conn net.Conn) {
	defer s.wg.Done()
	defer conn.Close()

	// Cancelling connCtx aborts every in-flight handler when the broker
	// drops the connection or the server stops.
	connCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-s.done:
			cancel()
			conn.Close()
		case <-connCtx.Done():
		}
	}()

	decoder := json.NewDecoder(conn)
	encoder := json.NewEncoder(conn)
	var writeMu sync.Mutex
	var handlers sync.WaitGroup
	defer handlers.Wait()

	for {
		var req requestFrame
		if err := decoder.Decode(&req); err != nil {
			cancel() // abort in-flight handlers before waiting for them
			return   // connection closed or read error
		}
		handlers.Add(1)
		go func(req requestFrame) {
			defer handlers.Done()
			resp := s.dispatch(connCtx, req)
			writeMu.Lock()
			err := encoder.Encode(resp)
			writeMu.Unlock()
			if err != nil {
				s.logger.Error("write error", "request_id", req.ID, "error", err)
				cancel()
			}
		}(req)
	}
}

func (s *Server) dispatch(connCtx context.Context, req requestFrame) responseFrame {
	resp := responseFrame{ID: req.ID}

	if req.ShardID != s.shardID {
		err := apperrors.InvalidQueryf("shardId",
			"request addressed to shard %d, this is shard %d", req.ShardID, s.shardID)
		resp.ErrorKind = apperrors.Kind(err)
		resp.Error = err.Error()
		return resp
	}

	ctx := connCtx
	if req.DeadlineMillis > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(connCtx, time.Duration(req.DeadlineMillis)*time.Millisecond)
		defer cancel()
	}

	result, err := s.handler(ctx, req.Body)
	if err != nil {
		resp.ErrorKind = apperrors.Kind(err)
		resp.Error = err.Error()
		return resp
	}
	body, err := json.Marshal(result)
	if err != nil {
		resp.ErrorKind = apperrors.Kind(err)
		resp.Error = fmt.Sprintf("encoding response: %v", err)
		return resp
	}
	resp.Body = body
	return resp
}

// Stop gracefully shuts down the server, waiting for open connections to
// drain.
func (s *Server) Stop() {
	close(s.done)
	s.mu.Lock()
	if s.listener != nil {
		s.listener.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()
	s.logger.Info("rpc server stopped")
}
