// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package entry

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"

	"github.com/ringboard/ringboard/internal/ring"
)

// overflowTable persists the mime strings that don't fit the inline
// 5-bit code, keyed by the ring slot currently holding them. Entries
// move with their slot's contents (MoveToFront, Swap) and are dropped
// on Remove or eviction.
//
// This is a plain JSON file rather than CBOR (unlike internal/adminsock):
// it is never sent over the wire, only read back at startup, so there
// is no reason to reach past encoding/json for it.
type overflowTable struct {
	path    string
	entries map[string]string // "ringByte:slotIndex" -> mime
}

func overflowKey(kind ring.Kind, index uint32) string {
	return strconv.Itoa(int(kind.Byte())) + ":" + strconv.FormatUint(uint64(index), 10)
}

// loadOverflowTable reads the overflow table from path, treating a
// missing file as an empty table.
func loadOverflowTable(path string) (*overflowTable, error) {
	t := &overflowTable{path: path, entries: map[string]string{}}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return t, nil
	}
	if err != nil {
		return nil, fmt.Errorf("entry: reading mime overflow table: %w", err)
	}
	if len(data) == 0 {
		return t, nil
	}
	if err := json.Unmarshal(data, &t.entries); err != nil {
		return nil, fmt.Errorf("entry: parsing mime overflow table: %w", err)
	}
	return t, nil
}

func (t *overflowTable) get(kind ring.Kind, index uint32) (string, bool) {
	mime, ok := t.entries[overflowKey(kind, index)]
	return mime, ok
}

func (t *overflowTable) set(kind ring.Kind, index uint32, mime string) {
	t.entries[overflowKey(kind, index)] = mime
}

func (t *overflowTable) delete(kind ring.Kind, index uint32) {
	delete(t.entries, overflowKey(kind, index))
}

// move relocates the overflow entry, if any, for (fromKind, fromIndex)
// to (toKind, toIndex). It is a no-op if there was no overflow entry at
// the source.
func (t *overflowTable) move(fromKind ring.Kind, fromIndex uint32, toKind ring.Kind, toIndex uint32) {
	mime, ok := t.get(fromKind, fromIndex)
	if !ok {
		return
	}
	t.delete(fromKind, fromIndex)
	t.set(toKind, toIndex, mime)
}

// persist writes the table to disk. Called on shutdown and after
// garbage collection, never on the hot path.
func (t *overflowTable) persist() error {
	data, err := json.Marshal(t.entries)
	if err != nil {
		return fmt.Errorf("entry: encoding mime overflow table: %w", err)
	}
	if err := os.WriteFile(t.path, data, 0o600); err != nil {
		return fmt.Errorf("entry: writing mime overflow table: %w", err)
	}
	return nil
}
