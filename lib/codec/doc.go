// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec provides the server's standard CBOR encoding configuration.
//
// The ring/bucket data plane (§6) never uses CBOR: it is a fixed-size
// binary protocol decoded with encoding/binary directly, since every
// request and response has a known, constant wire size. CBOR is
// reserved for the admin control-plane socket (internal/adminsock) —
// explicit GC triggers and settings-reload requests — where
// messages are variably shaped and infrequent enough that a
// self-describing format is worth the extra bytes.
//
// This package provides the shared CBOR encoding and decoding modes so
// every admin message encodes identically without duplicating
// configuration. The encoder uses Core Deterministic Encoding (RFC 8949
// §4.2): sorted map keys, smallest integer encoding, no
// indefinite-length items. Same logical data always produces identical
// bytes.
//
// For buffer-oriented operations:
//
//	data, err := codec.Marshal(value)
//	err = codec.Unmarshal(data, &value)
//
// For stream-oriented operations (the admin socket connection):
//
//	encoder := codec.NewEncoder(conn)
//	decoder := codec.NewDecoder(conn)
//
// # Struct Tag Rules
//
// Admin protocol types use `cbor` struct tags exclusively — they are
// never marshaled to JSON. Settings file types (internal/settings) use
// `json` tags instead, since they round-trip through encoding/json
// after github.com/tidwall/jsonc strips comments. A type should not
// need both tags; that would mean it serves two unrelated wire formats
// and should be split instead.
package codec
