// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package entry

import (
	"os"
	"testing"

	"github.com/ringboard/ringboard/internal/allocator"
	"github.com/ringboard/ringboard/internal/entryid"
	"github.com/ringboard/ringboard/internal/layout"
	"github.com/ringboard/ringboard/internal/protocol"
	"github.com/ringboard/ringboard/internal/ring"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dirs := layout.Dirs{Root: t.TempDir()}
	dirs.Buckets = dirs.Root + "/buckets"
	dirs.Direct = dirs.Root + "/direct"
	if err := dirs.Ensure(); err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	s, err := Open(dirs)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestAddReadRoundTrip(t *testing.T) {
	s := openTestStore(t)

	id, err := s.Add(ring.Main, "text/plain", []byte("clipboard contents"))
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	mime, payload, err := s.Read(id)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if mime != "text/plain" {
		t.Errorf("mime = %q, want text/plain", mime)
	}
	if string(payload) != "clipboard contents" {
		t.Errorf("payload = %q, want %q", payload, "clipboard contents")
	}
}

func TestAddRejectsEmptyPayload(t *testing.T) {
	s := openTestStore(t)
	if _, err := s.Add(ring.Main, "text/plain", nil); err != protocol.ErrEmptyInput {
		t.Errorf("Add(nil) = %v, want ErrEmptyInput", err)
	}
}

func TestAddWithOverflowMimeRoundTrips(t *testing.T) {
	s := openTestStore(t)
	const exotic = "application/x-my-custom-clip-format"
	id, err := s.Add(ring.Main, exotic, []byte("data"))
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	mime, _, err := s.Read(id)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if mime != exotic {
		t.Errorf("mime = %q, want %q", mime, exotic)
	}
}

func TestReadUnknownIDFails(t *testing.T) {
	s := openTestStore(t)
	if _, _, err := s.Read(0xDEADBEEF); err != protocol.ErrIdNotFound {
		t.Errorf("Read of unknown id = %v, want ErrIdNotFound", err)
	}
}

func TestRemoveThenReadFails(t *testing.T) {
	s := openTestStore(t)
	id, err := s.Add(ring.Main, "text/plain", []byte("x"))
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := s.Remove(id); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, _, err := s.Read(id); err != protocol.ErrIdNotFound {
		t.Errorf("Read after Remove = %v, want ErrIdNotFound", err)
	}
}

func TestRemoveTwiceFails(t *testing.T) {
	s := openTestStore(t)
	id, _ := s.Add(ring.Main, "text/plain", []byte("x"))
	if err := s.Remove(id); err != nil {
		t.Fatalf("first Remove: %v", err)
	}
	if err := s.Remove(id); err != protocol.ErrIdNotFound {
		t.Errorf("second Remove = %v, want ErrIdNotFound", err)
	}
}

func TestMoveToFrontAlreadyAtFrontIsNoop(t *testing.T) {
	s := openTestStore(t)
	id, err := s.Add(ring.Main, "text/plain", []byte("only entry"))
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	moved, err := s.MoveToFront(id, ring.Main)
	if err != nil {
		t.Fatalf("MoveToFront: %v", err)
	}
	if moved != id {
		t.Errorf("MoveToFront of front entry = %v, want unchanged %v", moved, id)
	}
}

func TestMoveToFrontReordersWithinRing(t *testing.T) {
	s := openTestStore(t)
	first, _ := s.Add(ring.Main, "text/plain", []byte("first"))
	_, err := s.Add(ring.Main, "text/plain", []byte("second"))
	if err != nil {
		t.Fatalf("Add: %v", err)
	}

	moved, err := s.MoveToFront(first, ring.Main)
	if err != nil {
		t.Fatalf("MoveToFront: %v", err)
	}

	mime, payload, err := s.Read(moved)
	if err != nil {
		t.Fatalf("Read moved: %v", err)
	}
	if string(payload) != "first" || mime != "text/plain" {
		t.Errorf("Read(moved) = (%q, %q), want (text/plain, first)", mime, payload)
	}

	again, err := s.MoveToFront(moved, ring.Main)
	if err != nil {
		t.Fatalf("second MoveToFront: %v", err)
	}
	if again != moved {
		t.Errorf("MoveToFront of the now-front entry should be a no-op, got %v want %v", again, moved)
	}
}

func TestMoveToFrontCrossRing(t *testing.T) {
	s := openTestStore(t)
	id, err := s.Add(ring.Main, "text/plain", []byte("promote me"))
	if err != nil {
		t.Fatalf("Add: %v", err)
	}

	moved, err := s.MoveToFront(id, ring.Favorites)
	if err != nil {
		t.Fatalf("MoveToFront cross-ring: %v", err)
	}
	if moved.Ring() != ring.Favorites {
		t.Errorf("moved.Ring() = %v, want Favorites", moved.Ring())
	}
	if _, _, err := s.Read(id); err != protocol.ErrIdNotFound {
		t.Errorf("Read(old id) after cross-ring move = %v, want ErrIdNotFound", err)
	}
	_, payload, err := s.Read(moved)
	if err != nil {
		t.Fatalf("Read(moved): %v", err)
	}
	if string(payload) != "promote me" {
		t.Errorf("payload after cross-ring move = %q", payload)
	}
}

func TestSwapExchangesContentsInPlace(t *testing.T) {
	s := openTestStore(t)
	id1, err := s.Add(ring.Main, "text/plain", []byte("one"))
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	id2, err := s.Add(ring.Main, "application/json", []byte("two"))
	if err != nil {
		t.Fatalf("Add: %v", err)
	}

	if err := s.Swap(id1, id2); err != nil {
		t.Fatalf("Swap: %v", err)
	}

	_, payload1, err := s.Read(id1)
	if err != nil {
		t.Fatalf("Read(id1): %v", err)
	}
	if string(payload1) != "two" {
		t.Errorf("Read(id1) after swap = %q, want two", payload1)
	}
	_, payload2, err := s.Read(id2)
	if err != nil {
		t.Fatalf("Read(id2): %v", err)
	}
	if string(payload2) != "one" {
		t.Errorf("Read(id2) after swap = %q, want one", payload2)
	}
}

func TestSwapWithUninitSlotInsertsIdiom(t *testing.T) {
	s := openTestStore(t)
	id, err := s.Add(ring.Main, "text/plain", []byte("live"))
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	uninit := entryid.New(ring.Main, uint64(s.frontIndex(ring.Main)+1)%uint64(s.ringFile(ring.Main).Capacity()))

	if err := s.Swap(id, uninit); err != nil {
		t.Fatalf("Swap with Uninit slot: %v", err)
	}

	if _, _, err := s.Read(id); err != protocol.ErrIdNotFound {
		t.Errorf("Read(id) after swap-into-uninit = %v, want ErrIdNotFound", err)
	}
	_, payload, err := s.Read(uninit)
	if err != nil {
		t.Fatalf("Read(uninit) after swap: %v", err)
	}
	if string(payload) != "live" {
		t.Errorf("Read(uninit) after swap = %q, want live", payload)
	}
}

func TestSwapBothUninitIsOK(t *testing.T) {
	s := openTestStore(t)
	a := entryid.New(ring.Main, 0)
	b := entryid.New(ring.Main, 1)
	if err := s.Swap(a, b); err != nil {
		t.Fatalf("Swap of two Uninit slots: %v", err)
	}
	if _, _, err := s.Read(a); err != protocol.ErrIdNotFound {
		t.Errorf("Read(a) = %v, want ErrIdNotFound", err)
	}
	if _, _, err := s.Read(b); err != protocol.ErrIdNotFound {
		t.Errorf("Read(b) = %v, want ErrIdNotFound", err)
	}
}

func TestSwapUnknownIDFails(t *testing.T) {
	s := openTestStore(t)
	id, _ := s.Add(ring.Main, "text/plain", []byte("x"))
	if err := s.Swap(id, 0xDEADBEEF); err != protocol.ErrIdNotFound {
		t.Errorf("Swap with unknown id = %v, want ErrIdNotFound", err)
	}
}

func TestAddEvictsAtCapacity(t *testing.T) {
	s := openTestStore(t)
	cap := int(s.ringFile(ring.Favorites).Capacity())

	var first entryid.ID
	for i := 0; i < cap; i++ {
		id, err := s.Add(ring.Favorites, "text/plain", []byte{byte(i)})
		if err != nil {
			t.Fatalf("Add %d: %v", i, err)
		}
		if i == 0 {
			first = id
		}
	}
	// The ring is now full; one more Add must evict the oldest entry.
	if _, _, err := s.Read(first); err != nil {
		t.Fatalf("Read before eviction: %v", err)
	}
	if _, err := s.Add(ring.Favorites, "text/plain", []byte("overflow")); err != nil {
		t.Fatalf("Add overflow: %v", err)
	}
	// An id names a ring position, not an object: after the head wraps,
	// first's slot holds the new entry and the evicted bytes are gone.
	_, payload, err := s.Read(first)
	if err != nil {
		t.Fatalf("Read(first) after eviction: %v", err)
	}
	if string(payload) != "overflow" {
		t.Errorf("Read(first) after eviction = %q, want %q", payload, "overflow")
	}
}

func TestMergeDuplicateSharesStorageUntilBothSlotsClear(t *testing.T) {
	s := openTestStore(t)

	id1, err := s.Add(ring.Main, "text/plain", []byte("shared bytes"))
	if err != nil {
		t.Fatalf("Add 1: %v", err)
	}
	id2, err := s.Add(ring.Favorites, "text/html", []byte("shared bytes"))
	if err != nil {
		t.Fatalf("Add 2: %v", err)
	}

	slot1 := s.ringFile(ring.Main).ReadSlot(uint32(id1.SlotIndex()))
	ref1, err := refOf(slot1)
	if err != nil {
		t.Fatalf("refOf: %v", err)
	}

	freed, err := s.MergeDuplicate(ring.Favorites, uint32(id2.SlotIndex()), ref1)
	if err != nil {
		t.Fatalf("MergeDuplicate: %v", err)
	}
	if freed == 0 {
		t.Error("MergeDuplicate freed 0 bytes, want > 0")
	}

	// Both slots must still read back their own mime with the shared bytes.
	mime1, payload1, err := s.Read(id1)
	if err != nil || mime1 != "text/plain" || string(payload1) != "shared bytes" {
		t.Fatalf("Read(id1) = (%q, %q, %v), want (text/plain, shared bytes, nil)", mime1, payload1, err)
	}
	mime2, payload2, err := s.Read(id2)
	if err != nil || mime2 != "text/html" || string(payload2) != "shared bytes" {
		t.Fatalf("Read(id2) = (%q, %q, %v), want (text/html, shared bytes, nil)", mime2, payload2, err)
	}

	// Removing id1 must not take id2's (shared) storage with it.
	if err := s.Remove(id1); err != nil {
		t.Fatalf("Remove(id1): %v", err)
	}
	if _, _, err := s.Read(id2); err != nil {
		t.Fatalf("Read(id2) after Remove(id1): %v", err)
	}

	// Removing id2 now releases the last referencer.
	if err := s.Remove(id2); err != nil {
		t.Fatalf("Remove(id2): %v", err)
	}
}

func TestSlotsEnumeratesOnlyPopulatedSlots(t *testing.T) {
	s := openTestStore(t)

	id, err := s.Add(ring.Favorites, "text/plain", []byte("x"))
	if err != nil {
		t.Fatalf("Add: %v", err)
	}

	slots := s.Slots()
	if len(slots) != 1 {
		t.Fatalf("Slots() returned %d entries, want 1", len(slots))
	}
	if slots[0].Kind != ring.Favorites || slots[0].Index != uint32(id.SlotIndex()) {
		t.Errorf("Slots()[0] = %+v, want kind=favorites index=%d", slots[0], id.SlotIndex())
	}
}

// TestOpenReconcilesStaleBitmap simulates a crash that leaves a bucket
// class's persisted free bitmap claiming a still-referenced record is
// free. It writes an entry, overwrites that class's .free file with a
// bitmap that marks everything free, then reopens the store and adds a
// second entry of the same class. If reconciliation didn't rebuild the
// bitmap from the live ring slots, the second Add would reuse the
// first entry's record and corrupt it.
func TestOpenReconcilesStaleBitmap(t *testing.T) {
	dirs := layout.Dirs{Root: t.TempDir()}
	dirs.Buckets = dirs.Root + "/buckets"
	dirs.Direct = dirs.Root + "/direct"
	if err := dirs.Ensure(); err != nil {
		t.Fatalf("Ensure: %v", err)
	}

	s, err := Open(dirs)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	id1, err := s.Add(ring.Main, "text/plain", []byte("first"))
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	slots := s.Slots()
	if len(slots) != 1 {
		t.Fatalf("Slots() returned %d entries, want 1", len(slots))
	}
	ref := slots[0].Ref
	if ref.Large {
		t.Fatal("expected a bucketed ref for a 5-byte payload")
	}

	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// Simulate a crash-induced stale bitmap: persist one that claims
	// every record in ref.Class is free, even though index ref.Index is
	// still live on disk.
	freePath := dirs.BucketFreeFile(ref.Class)
	file, err := os.Create(freePath)
	if err != nil {
		t.Fatalf("creating stale bitmap file: %v", err)
	}
	if err := allocator.NewBitmap(ref.Index + 1).Save(file); err != nil {
		t.Fatalf("saving stale bitmap: %v", err)
	}
	if err := file.Close(); err != nil {
		t.Fatalf("closing stale bitmap file: %v", err)
	}

	s2, err := Open(dirs)
	if err != nil {
		t.Fatalf("reopening store: %v", err)
	}
	t.Cleanup(func() { s2.Close() })

	if _, err := s2.Add(ring.Main, "text/plain", []byte("second")); err != nil {
		t.Fatalf("Add after reopen: %v", err)
	}

	mime, payload, err := s2.Read(id1)
	if err != nil {
		t.Fatalf("Read(id1): %v", err)
	}
	if mime != "text/plain" || string(payload) != "first" {
		t.Errorf("Read(id1) = (%q, %q), want (\"text/plain\", \"first\") — stale bitmap let Add reuse a live record", mime, string(payload))
	}
}
