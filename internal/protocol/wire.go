// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package protocol is the fixed-size binary wire format of SPEC_FULL.md
// §6: every request and every response is a constant-size record,
// never length-prefixed. A request that carries payload bytes (Add)
// attaches a file descriptor via SCM_RIGHTS ancillary data instead of
// inlining them (see internal/reactor).
//
// This is deliberately not CBOR (unlike the admin control-plane socket,
// internal/adminsock): the whole design point of this wire format is a
// constant, statically-known size per record, which a self-describing
// codec would defeat for no benefit — there is exactly one shape per
// opcode, known at compile time on both ends.
package protocol

import (
	"encoding/binary"
	"fmt"

	"github.com/ringboard/ringboard/internal/entryid"
	"github.com/ringboard/ringboard/internal/ring"
)

// Version is the protocol version byte every request's first byte must
// match.
const Version byte = 1

// MaxMimeLen is the maximum inline mime string length accepted by Add
// (§6).
const MaxMimeLen = 16

// Opcode identifies which of the six operations a request names.
type Opcode byte

const (
	OpAdd Opcode = iota + 1
	OpMoveToFront
	OpSwap
	OpRemove
	OpGarbageCollect
	OpReloadSettings
)

func (op Opcode) String() string {
	switch op {
	case OpAdd:
		return "Add"
	case OpMoveToFront:
		return "MoveToFront"
	case OpSwap:
		return "Swap"
	case OpRemove:
		return "Remove"
	case OpGarbageCollect:
		return "GarbageCollect"
	case OpReloadSettings:
		return "ReloadSettings"
	default:
		return fmt.Sprintf("Opcode(%d)", byte(op))
	}
}

// RequestSize is the constant size, in bytes, of every request record.
// It is a union large enough for any opcode's fields (§6's table):
// Add's ring+mime, MoveToFront's id+target, Swap's two ids, Remove's
// id, GarbageCollect's max_waste. Fields unused by a given opcode are
// sent as zero.
const RequestSize = 1 + 1 + 1 + 1 + 1 + 1 + MaxMimeLen + 8 + 8 + 8 // 46

// ResponseSize is the constant size, in bytes, of every response
// record: a status byte, reserved padding, and one 64-bit value slot
// (id / new_id / freed_bytes depending on opcode).
const ResponseSize = 1 + 7 + 8 // 16

// Request is the decoded form of one fixed-size request record. Only
// the fields relevant to Opcode are meaningful; see §6's table.
type Request struct {
	Version    byte
	Opcode     Opcode
	Ring       ring.Kind // Add
	TargetRing ring.Kind // MoveToFront, when HasTarget
	HasTarget  bool      // MoveToFront
	Mime       string    // Add
	ID1        entryid.ID
	ID2        entryid.ID // Swap
	MaxWaste   uint64     // GarbageCollect
}

const (
	offVersion  = 0
	offOpcode   = 1
	offRing     = 2
	offTarget   = 3
	offHasTgt   = 4
	offMimeLen  = 5
	offMime     = 6
	offID1      = offMime + MaxMimeLen
	offID2      = offID1 + 8
	offMaxWaste = offID2 + 8
)

// Decode parses a RequestSize-byte buffer into a Request. It validates
// the version byte, the ring kind byte (and the target ring byte when
// HasTarget is set), the mime length and the opcode, returning
// ErrVersionMismatch or ErrInvalidArgument. Checks against store state,
// such as whether an id names a live entry, are left to the handler.
func Decode(buf []byte) (Request, error) {
	if len(buf) != RequestSize {
		return Request{}, fmt.Errorf("%w: request is %d bytes, want %d", ErrInvalidArgument, len(buf), RequestSize)
	}
	req := Request{
		Version: buf[offVersion],
		Opcode:  Opcode(buf[offOpcode]),
	}
	if req.Version != Version {
		return req, ErrVersionMismatch
	}

	ringKind, err := ring.FromByte(buf[offRing])
	if err != nil {
		return req, fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}
	req.Ring = ringKind

	req.HasTarget = buf[offHasTgt] != 0
	if req.HasTarget {
		targetKind, err := ring.FromByte(buf[offTarget])
		if err != nil {
			return req, fmt.Errorf("%w: %v", ErrInvalidArgument, err)
		}
		req.TargetRing = targetKind
	}

	mimeLen := int(buf[offMimeLen])
	if mimeLen > MaxMimeLen {
		return req, fmt.Errorf("%w: mime length %d exceeds %d", ErrInvalidArgument, mimeLen, MaxMimeLen)
	}
	req.Mime = string(buf[offMime : offMime+mimeLen])

	req.ID1 = entryid.ID(binary.LittleEndian.Uint64(buf[offID1:]))
	req.ID2 = entryid.ID(binary.LittleEndian.Uint64(buf[offID2:]))
	req.MaxWaste = binary.LittleEndian.Uint64(buf[offMaxWaste:])

	switch req.Opcode {
	case OpAdd, OpMoveToFront, OpSwap, OpRemove, OpGarbageCollect, OpReloadSettings:
	default:
		return req, fmt.Errorf("%w: unknown opcode %d", ErrInvalidArgument, req.Opcode)
	}

	return req, nil
}

// Encode serializes req into a RequestSize-byte buffer. Used by
// lib/ringreader's client and by tests.
func Encode(req Request) []byte {
	buf := make([]byte, RequestSize)
	buf[offVersion] = req.Version
	buf[offOpcode] = byte(req.Opcode)
	buf[offRing] = req.Ring.Byte()
	if req.HasTarget {
		buf[offTarget] = req.TargetRing.Byte()
		buf[offHasTgt] = 1
	}
	mimeLen := len(req.Mime)
	if mimeLen > MaxMimeLen {
		mimeLen = MaxMimeLen
	}
	buf[offMimeLen] = byte(mimeLen)
	copy(buf[offMime:offMime+MaxMimeLen], req.Mime[:mimeLen])
	binary.LittleEndian.PutUint64(buf[offID1:], uint64(req.ID1))
	binary.LittleEndian.PutUint64(buf[offID2:], uint64(req.ID2))
	binary.LittleEndian.PutUint64(buf[offMaxWaste:], req.MaxWaste)
	return buf
}

// Response is the decoded form of one fixed-size response record.
type Response struct {
	Status ErrorCode
	Value  uint64 // id / new_id / freed_bytes, depending on the request's opcode
}

// EncodeResponse serializes resp into a ResponseSize-byte buffer.
func EncodeResponse(resp Response) []byte {
	buf := make([]byte, ResponseSize)
	buf[0] = byte(resp.Status)
	binary.LittleEndian.PutUint64(buf[8:], resp.Value)
	return buf
}

// DecodeResponse parses a ResponseSize-byte buffer into a Response.
func DecodeResponse(buf []byte) (Response, error) {
	if len(buf) != ResponseSize {
		return Response{}, fmt.Errorf("response is %d bytes, want %d", len(buf), ResponseSize)
	}
	return Response{
		Status: ErrorCode(buf[0]),
		Value:  binary.LittleEndian.Uint64(buf[8:]),
	}, nil
}
