// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package entryid packs and unpacks the 64-bit opaque entry id clients use
// to name a ring slot.
//
// Bit layout (pinned per SPEC_FULL.md, §1–9 Open Questions):
//
//	bit  63      ring kind tag (0 = Main, 1 = Favorites)
//	bits 62..40  reserved, must be zero
//	bits 39..0   slot index within that ring
//
// The reserved field exists so a future ring kind (or a generation counter,
// should ids ever need to detect reuse) can be added without widening the
// id. A non-zero reserved field makes the id invalid; see [ID.Valid].
package entryid

import (
	"fmt"
	"strconv"

	"github.com/ringboard/ringboard/internal/ring"
)

const (
	ringBit      = 63
	reservedMask = 0x7FFFFF << 40
	slotMask     = (1 << 40) - 1
)

// ID is an opaque 64-bit value naming a slot in a specific ring. It
// identifies a position, not an immutable object: the contents of the
// slot it names may change over time (see package ringfile).
type ID uint64

// New packs a ring kind and slot index into an ID. index must fit in 40
// bits; callers within this module only ever construct ids from a ring's
// own capacity, which is bounded well under that limit.
func New(kind ring.Kind, index uint64) ID {
	var tag uint64
	if kind == ring.Favorites {
		tag = 1
	}
	return ID(tag<<ringBit | (index & slotMask))
}

// Ring reports which ring this id names a slot in.
func (id ID) Ring() ring.Kind {
	if id>>ringBit&1 == 1 {
		return ring.Favorites
	}
	return ring.Main
}

// SlotIndex reports the slot index this id names within its ring.
func (id ID) SlotIndex() uint64 {
	return uint64(id) & slotMask
}

// Valid reports whether the reserved bits are zero. An id with nonzero
// reserved bits was never produced by this server and is rejected with
// IdNotFound rather than silently masked.
func (id ID) Valid() bool {
	return uint64(id)&reservedMask == 0
}

// String renders the id in the canonical hex form used by the admin
// protocol and log output.
func (id ID) String() string {
	return "0x" + strconv.FormatUint(uint64(id), 16)
}

// Parse parses the hex form produced by [ID.String].
func Parse(s string) (ID, error) {
	if len(s) < 3 || s[0] != '0' || (s[1] != 'x' && s[1] != 'X') {
		return 0, fmt.Errorf("entryid: %q is not a 0x-prefixed hex id", s)
	}
	v, err := strconv.ParseUint(s[2:], 16, 64)
	if err != nil {
		return 0, fmt.Errorf("entryid: parsing %q: %w", s, err)
	}
	return ID(v), nil
}
