// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package adminsock

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"github.com/ringboard/ringboard/lib/codec"
	"github.com/ringboard/ringboard/lib/ringreader"
)

// actionFunc processes one decoded request for a specific action.
type actionFunc func(raw []byte) (any, error)

// Response is the wire-format envelope for every adminsock reply.
type Response struct {
	OK    bool             `cbor:"ok"`
	Error string           `cbor:"error,omitempty"`
	Data  codec.RawMessage `cbor:"data,omitempty"`
}

// request is the header every adminsock request carries; handlers that
// need more fields re-decode the raw message into their own type.
type request struct {
	Action string `cbor:"action"`
}

// GCRequest is the "gc" action's request body.
type GCRequest struct {
	MaxWaste uint64 `cbor:"max_waste"`
}

// GCResponse is the "gc" action's success payload.
type GCResponse struct {
	FreedBytes uint64 `cbor:"freed_bytes"`
}

// Server serves the admin CBOR protocol on a Unix socket, forwarding
// gc/reload-settings actions to the core socket as a client of
// internal/reactor's single-threaded handler — this package never
// touches store state itself.
type Server struct {
	socketPath string
	core       *ringreader.Client
	log        *slog.Logger
	handlers   map[string]actionFunc

	activeConnections sync.WaitGroup
}

// New constructs a Server. core dials the running server's core socket
// (for "gc" and "reload-settings").
func New(socketPath string, core *ringreader.Client, log *slog.Logger) *Server {
	s := &Server{
		socketPath: socketPath,
		core:       core,
		log:        log,
		handlers:   make(map[string]actionFunc),
	}
	s.handlers["gc"] = s.handleGC
	s.handlers["reload-settings"] = s.handleReloadSettings
	return s
}

func (s *Server) handleGC(raw []byte) (any, error) {
	var req GCRequest
	if err := codec.Unmarshal(raw, &req); err != nil {
		return nil, fmt.Errorf("decoding gc request: %w", err)
	}
	freed, err := s.core.GarbageCollect(req.MaxWaste)
	if err != nil {
		return nil, err
	}
	return GCResponse{FreedBytes: freed}, nil
}

func (s *Server) handleReloadSettings(raw []byte) (any, error) {
	return nil, s.core.ReloadSettings()
}

const (
	readTimeout    = 10 * time.Second
	writeTimeout   = 10 * time.Second
	maxRequestSize = 64 * 1024
)

// Serve accepts connections until ctx is cancelled, then drains active
// handlers and returns. Each connection handles exactly one
// request-response cycle.
func (s *Server) Serve(ctx context.Context) error {
	if err := os.Remove(s.socketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("adminsock: removing stale socket %s: %w", s.socketPath, err)
	}

	listener, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("adminsock: listening on %s: %w", s.socketPath, err)
	}
	defer func() {
		listener.Close()
		os.Remove(s.socketPath)
	}()

	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	s.log.Info("admin socket listening", "path", s.socketPath)

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				break
			}
			s.log.Error("admin socket accept failed", "error", err)
			continue
		}

		s.activeConnections.Add(1)
		go func() {
			defer s.activeConnections.Done()
			s.handleConnection(conn)
		}()
	}

	s.activeConnections.Wait()
	return nil
}

func (s *Server) handleConnection(conn net.Conn) {
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(readTimeout))

	var raw codec.RawMessage
	if err := codec.NewDecoder(io.LimitReader(conn, maxRequestSize)).Decode(&raw); err != nil {
		if errors.Is(err, io.EOF) {
			return
		}
		s.writeError(conn, fmt.Sprintf("invalid request: %v", err))
		return
	}

	var hdr request
	if err := codec.Unmarshal(raw, &hdr); err != nil {
		s.writeError(conn, fmt.Sprintf("invalid request: %v", err))
		return
	}
	if hdr.Action == "" {
		s.writeError(conn, "missing required field: action")
		return
	}

	handler, ok := s.handlers[hdr.Action]
	if !ok {
		s.writeError(conn, fmt.Sprintf("unknown action %q", hdr.Action))
		return
	}

	result, err := handler([]byte(raw))
	if err != nil {
		s.log.Debug("admin action failed", "action", hdr.Action, "error", err)
		s.writeError(conn, err.Error())
		return
	}
	s.writeSuccess(conn, result)
}

func (s *Server) writeError(conn net.Conn, message string) {
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := codec.NewEncoder(conn).Encode(Response{OK: false, Error: message}); err != nil {
		s.log.Debug("failed to write admin error response", "error", err)
	}
}

func (s *Server) writeSuccess(conn net.Conn, result any) {
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))

	resp := Response{OK: true}
	if result != nil {
		data, err := codec.Marshal(result)
		if err != nil {
			s.writeError(conn, fmt.Sprintf("internal: marshaling response: %v", err))
			return
		}
		resp.Data = data
	}
	if err := codec.NewEncoder(conn).Encode(resp); err != nil {
		s.log.Debug("failed to write admin success response", "error", err)
	}
}
