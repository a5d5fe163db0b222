// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package entry

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"

	"github.com/ringboard/ringboard/internal/allocator"
)

// refcountTable tracks allocator refs that more than one ring slot
// currently references — the result of a maximal GarbageCollect's
// cross-ring dedup pass (§4.6), which redirects a duplicate's ring
// slot onto an existing allocator ref rather than leaving it with its
// own copy. A ref absent from the table has exactly one referencer,
// the overwhelmingly common case, and is freed outright as soon as
// that referencer clears; a ref present here must survive until every
// referencer has cleared.
//
// Persisted the same way as [overflowTable]: a plain JSON file, read
// once at startup and rewritten at Sync/Close, never touched on the
// hot path.
type refcountTable struct {
	path    string
	entries map[string]uint32
}

func refKey(ref allocator.Ref) string {
	if ref.Large {
		return "L" + strconv.FormatUint(uint64(ref.Index), 10)
	}
	return "B" + strconv.Itoa(ref.Class) + "." + strconv.FormatUint(uint64(ref.Index), 10)
}

// loadRefcountTable reads the refcount table from path, treating a
// missing file as an empty table (the common case: no dedup has ever
// run).
func loadRefcountTable(path string) (*refcountTable, error) {
	t := &refcountTable{path: path, entries: map[string]uint32{}}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return t, nil
	}
	if err != nil {
		return nil, fmt.Errorf("entry: reading refcount table: %w", err)
	}
	if len(data) == 0 {
		return t, nil
	}
	if err := json.Unmarshal(data, &t.entries); err != nil {
		return nil, fmt.Errorf("entry: parsing refcount table: %w", err)
	}
	return t, nil
}

// retain records that ref has gained an additional referencer beyond
// the implicit first one.
func (t *refcountTable) retain(ref allocator.Ref) {
	key := refKey(ref)
	if count, ok := t.entries[key]; ok {
		t.entries[key] = count + 1
		return
	}
	t.entries[key] = 2
}

// release records that one referencer of ref has cleared. It reports
// whether the caller must now free the underlying allocator storage:
// true only when ref is absent from the table, i.e. the clearing
// referencer was its last one. For a shared ref the count drops by one
// (the entry leaves the table once a single referencer remains) and
// release returns false.
func (t *refcountTable) release(ref allocator.Ref) bool {
	key := refKey(ref)
	count, ok := t.entries[key]
	if !ok {
		return true
	}
	if count > 2 {
		t.entries[key] = count - 1
		return false
	}
	delete(t.entries, key)
	return false
}

// persist writes the table to disk. Called on shutdown and after
// garbage collection, never on the hot path.
func (t *refcountTable) persist() error {
	data, err := json.Marshal(t.entries)
	if err != nil {
		return fmt.Errorf("entry: encoding refcount table: %w", err)
	}
	if err := os.WriteFile(t.path, data, 0o600); err != nil {
		return fmt.Errorf("entry: writing refcount table: %w", err)
	}
	return nil
}
