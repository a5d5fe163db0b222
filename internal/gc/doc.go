// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package gc implements the GarbageCollect opcode of SPEC_FULL.md §4.6:
// a soft per-class bucket compaction pass that always runs, and a
// maximal cross-ring content dedup pass that runs additionally when
// the request's max_wasted_bytes field is zero. It operates entirely
// through internal/entry.Store's exported GC surface
// (Allocator/RingFile/Slots/RewriteBucketIndex/MergeDuplicate) and
// never reaches into ringfile or allocator directly except to read the
// slot/bitmap shapes those accessors hand back.
package gc
