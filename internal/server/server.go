// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package server wires internal/entry, internal/protocol, and
// internal/gc behind the internal/reactor.Handler interface: decode a
// fixed-size request, run the matching handler from §4.4, encode the
// fixed-size response. It owns the single writer's exclusive view of
// on-disk state — nothing else in this module mutates the store.
package server

import (
	"log/slog"
	"time"

	"github.com/ringboard/ringboard/internal/entry"
	"github.com/ringboard/ringboard/internal/gc"
	"github.com/ringboard/ringboard/internal/protocol"
	"github.com/ringboard/ringboard/internal/settings"
)

// Server implements reactor.Handler over a *entry.Store. It is the
// only type in this module whose Dispatch method runs on the reactor's
// single thread with exclusive mutation rights over the store.
type Server struct {
	log      *slog.Logger
	store    *entry.Store
	settings *settings.Settings
}

// New constructs a Server over an already-open store and settings
// handle.
func New(store *entry.Store, s *settings.Settings, log *slog.Logger) *Server {
	return &Server{log: log, store: store, settings: s}
}

// Dispatch implements reactor.Handler. req is always exactly
// protocol.RequestSize bytes (the reactor only calls Dispatch once a
// full request has been accumulated); payload is the Add request's
// already-read payload bytes (read asynchronously off the client's
// ancillary fd by the reactor, against the deadline [Server.AddTimeout]
// reports), nil if no payload fd ever arrived, and ignored for every
// other opcode. Dispatch itself never touches a file descriptor and
// never blocks on I/O.
func (s *Server) Dispatch(req []byte, payload []byte) (resp []byte, closeConn bool) {
	decoded, err := protocol.Decode(req)
	if err != nil {
		code := protocol.CodeFor(err)
		s.log.Warn("malformed request", "error", err, "code", code)
		return protocol.EncodeResponse(protocol.Response{Status: code}), code.ClosesConnection()
	}

	status, value := s.handle(decoded, payload)
	return protocol.EncodeResponse(protocol.Response{Status: status, Value: value}), status.ClosesConnection()
}

// AddTimeout implements reactor.Handler, bounding how long the reactor
// may spend asynchronously reading an Add request's payload fd before
// closing the connection with Timeout (§5).
func (s *Server) AddTimeout() time.Duration {
	return s.settings.Current().AddTimeout()
}

func (s *Server) handle(req protocol.Request, payload []byte) (protocol.ErrorCode, uint64) {
	switch req.Opcode {
	case protocol.OpAdd:
		return s.handleAdd(req, payload)
	case protocol.OpMoveToFront:
		return s.handleMoveToFront(req)
	case protocol.OpSwap:
		return s.handleSwap(req)
	case protocol.OpRemove:
		return s.handleRemove(req)
	case protocol.OpGarbageCollect:
		return s.handleGarbageCollect(req)
	case protocol.OpReloadSettings:
		return s.handleReloadSettings()
	default:
		return protocol.CodeInvalidArgument, 0
	}
}

func (s *Server) handleAdd(req protocol.Request, payload []byte) (protocol.ErrorCode, uint64) {
	if payload == nil {
		return protocol.CodeInvalidArgument, 0
	}
	id, err := s.store.Add(req.Ring, req.Mime, payload)
	if err != nil {
		return protocol.CodeFor(err), 0
	}
	return protocol.OK, uint64(id)
}

func (s *Server) handleMoveToFront(req protocol.Request) (protocol.ErrorCode, uint64) {
	target := req.ID1.Ring()
	if req.HasTarget {
		target = req.TargetRing
	}
	newID, err := s.store.MoveToFront(req.ID1, target)
	if err != nil {
		return protocol.CodeFor(err), 0
	}
	return protocol.OK, uint64(newID)
}

func (s *Server) handleSwap(req protocol.Request) (protocol.ErrorCode, uint64) {
	if err := s.store.Swap(req.ID1, req.ID2); err != nil {
		return protocol.CodeFor(err), 0
	}
	return protocol.OK, 0
}

func (s *Server) handleRemove(req protocol.Request) (protocol.ErrorCode, uint64) {
	if err := s.store.Remove(req.ID1); err != nil {
		return protocol.CodeFor(err), 0
	}
	return protocol.OK, 0
}

func (s *Server) handleGarbageCollect(req protocol.Request) (protocol.ErrorCode, uint64) {
	freed, err := gc.Run(s.store, s.settings.Current(), req.MaxWaste)
	if err != nil {
		s.log.Error("garbage collection failed", "error", err)
		return protocol.CodeFor(err), 0
	}
	return protocol.OK, uint64(freed)
}

func (s *Server) handleReloadSettings() (protocol.ErrorCode, uint64) {
	if err := s.settings.Reload(); err != nil {
		s.log.Error("reloading settings failed", "error", err)
		return protocol.CodeFor(err), 0
	}
	return protocol.OK, 0
}
