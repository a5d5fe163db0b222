// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package entry

import (
	"path/filepath"
	"testing"

	"github.com/ringboard/ringboard/internal/ring"
)

func TestOverflowTableMissingFileIsEmpty(t *testing.T) {
	tbl, err := loadOverflowTable(filepath.Join(t.TempDir(), "absent.json"))
	if err != nil {
		t.Fatalf("loadOverflowTable: %v", err)
	}
	if _, ok := tbl.get(ring.Main, 0); ok {
		t.Error("fresh table should have no entries")
	}
}

func TestOverflowTablePersistRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "overflow.json")
	tbl, err := loadOverflowTable(path)
	if err != nil {
		t.Fatalf("loadOverflowTable: %v", err)
	}
	tbl.set(ring.Main, 3, "application/x-custom")
	if err := tbl.persist(); err != nil {
		t.Fatalf("persist: %v", err)
	}

	reloaded, err := loadOverflowTable(path)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	mime, ok := reloaded.get(ring.Main, 3)
	if !ok || mime != "application/x-custom" {
		t.Errorf("get after reload = (%q, %v), want (application/x-custom, true)", mime, ok)
	}
}

func TestOverflowTableMove(t *testing.T) {
	tbl, _ := loadOverflowTable(filepath.Join(t.TempDir(), "overflow.json"))
	tbl.set(ring.Main, 1, "application/x-custom")
	tbl.move(ring.Main, 1, ring.Favorites, 2)

	if _, ok := tbl.get(ring.Main, 1); ok {
		t.Error("source entry should be gone after move")
	}
	mime, ok := tbl.get(ring.Favorites, 2)
	if !ok || mime != "application/x-custom" {
		t.Errorf("get(dest) after move = (%q, %v)", mime, ok)
	}
}

func TestOverflowTableMoveNoopWhenAbsent(t *testing.T) {
	tbl, _ := loadOverflowTable(filepath.Join(t.TempDir(), "overflow.json"))
	tbl.move(ring.Main, 1, ring.Favorites, 2)
	if _, ok := tbl.get(ring.Favorites, 2); ok {
		t.Error("move of a nonexistent entry should not create one")
	}
}
