// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package ringreader

import (
	"testing"

	"github.com/ringboard/ringboard/internal/entry"
	"github.com/ringboard/ringboard/internal/layout"
	"github.com/ringboard/ringboard/internal/ring"
)

func testDirs(t *testing.T) layout.Dirs {
	t.Helper()
	dirs := layout.Dirs{Root: t.TempDir()}
	dirs.Buckets = dirs.Root + "/buckets"
	dirs.Direct = dirs.Root + "/direct"
	if err := dirs.Ensure(); err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	return dirs
}

func TestReaderReadMatchesWriter(t *testing.T) {
	dirs := testDirs(t)

	store, err := entry.Open(dirs)
	if err != nil {
		t.Fatalf("entry.Open: %v", err)
	}
	id, err := store.Add(ring.Main, "text/plain", []byte("hello from the writer"))
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	r, err := Open(dirs)
	if err != nil {
		t.Fatalf("ringreader.Open: %v", err)
	}
	defer r.Close()

	mime, payload, err := r.Read(id)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if mime != "text/plain" {
		t.Errorf("mime = %q, want text/plain", mime)
	}
	if string(payload) != "hello from the writer" {
		t.Errorf("payload = %q, want %q", payload, "hello from the writer")
	}
}

func TestReaderRecentOrdersMostRecentFirst(t *testing.T) {
	dirs := testDirs(t)

	store, err := entry.Open(dirs)
	if err != nil {
		t.Fatalf("entry.Open: %v", err)
	}
	var ids []uint64
	for i := 0; i < 5; i++ {
		id, err := store.Add(ring.Favorites, "text/plain", []byte{byte(i)})
		if err != nil {
			t.Fatalf("Add %d: %v", i, err)
		}
		ids = append(ids, uint64(id))
	}
	if err := store.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	r, err := Open(dirs)
	if err != nil {
		t.Fatalf("ringreader.Open: %v", err)
	}
	defer r.Close()

	entries, err := r.Recent(ring.Favorites, 5)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(entries) != 5 {
		t.Fatalf("Recent returned %d entries, want 5", len(entries))
	}
	for i, e := range entries {
		want := ids[len(ids)-1-i]
		if uint64(e.ID) != want {
			t.Errorf("entries[%d].ID = %#x, want %#x (most-recent-first order)", i, uint64(e.ID), want)
		}
	}
}

func TestReaderStatsReportsOccupancy(t *testing.T) {
	dirs := testDirs(t)

	store, err := entry.Open(dirs)
	if err != nil {
		t.Fatalf("entry.Open: %v", err)
	}
	for i := 0; i < 3; i++ {
		if _, err := store.Add(ring.Main, "text/plain", []byte("x")); err != nil {
			t.Fatalf("Add %d: %v", i, err)
		}
	}
	if err := store.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	r, err := Open(dirs)
	if err != nil {
		t.Fatalf("ringreader.Open: %v", err)
	}
	defer r.Close()

	stats := r.Stats()
	if stats.Main.Occupied != 3 {
		t.Errorf("Main.Occupied = %d, want 3", stats.Main.Occupied)
	}
	if stats.Main.Capacity != ring.Main.DefaultCapacity() {
		t.Errorf("Main.Capacity = %d, want %d", stats.Main.Capacity, ring.Main.DefaultCapacity())
	}
	if stats.Favorites.Occupied != 0 {
		t.Errorf("Favorites.Occupied = %d, want 0", stats.Favorites.Occupied)
	}

	var totalLive uint32
	for _, c := range stats.Classes {
		totalLive += c.Live
	}
	if totalLive != 3 {
		t.Errorf("sum of class Live counts = %d, want 3", totalLive)
	}
}

func TestReaderRecentRespectsLimit(t *testing.T) {
	dirs := testDirs(t)

	store, err := entry.Open(dirs)
	if err != nil {
		t.Fatalf("entry.Open: %v", err)
	}
	for i := 0; i < 10; i++ {
		if _, err := store.Add(ring.Favorites, "text/plain", []byte{byte(i)}); err != nil {
			t.Fatalf("Add %d: %v", i, err)
		}
	}
	if err := store.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	r, err := Open(dirs)
	if err != nil {
		t.Fatalf("ringreader.Open: %v", err)
	}
	defer r.Close()

	entries, err := r.Recent(ring.Favorites, 3)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(entries) != 3 {
		t.Errorf("Recent(limit=3) returned %d entries, want 3", len(entries))
	}
}
