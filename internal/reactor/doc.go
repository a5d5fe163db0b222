// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package reactor implements the server's single-threaded completion
// event loop (SPEC_FULL.md §4.3–§4.5). It is deliberately independent
// of internal/entry and internal/protocol's concrete types: it moves
// fixed-size byte slices and one optional file descriptor per request,
// and leaves decoding, dispatch, and encoding to whatever Handler the
// caller supplies (internal/server). This keeps the reactor testable
// against a fake Handler without a real ring/allocator behind it.
package reactor
