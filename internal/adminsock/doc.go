// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package adminsock is the CBOR control-plane socket: an operator-
// facing interface distinct from the core request/response protocol
// (internal/protocol, internal/reactor). It forwards "gc" and
// "reload-settings" to the core socket as an ordinary client, since
// only the reactor's single thread may mutate store state (§5).
//
// Unlike the core socket, this one is self-describing CBOR
// (lib/codec) — its clients are occasional and human-adjacent, where a
// schema-evolution-friendly envelope matters more than shaving bytes
// off a hot path that doesn't exist here.
package adminsock
