// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package ringreader is the public reader SDK: direct mmap-based read
// access to a ringboard data directory (no server round trip, matching
// §4's "the server is never a read proxy"), plus a thin client over the
// core request/response socket for the mutating operations a reader
// still needs to ask the single writer to perform (Add, MoveToFront,
// Swap, Remove, GarbageCollect, ReloadSettings).
//
// internal/adminsock and the server's own integration tests are both
// built on this package rather than talking to internal/entry or
// internal/protocol directly.
package ringreader
