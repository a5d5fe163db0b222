// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package entry ties internal/entryid, internal/ringfile, and
// internal/allocator into the five handler semantics SPEC_FULL.md §4.4
// names: Add, Read, MoveToFront, Swap, and Remove. It owns both ring
// files and the allocator, and is the only place that mutates either —
// matching §5's single-threaded dispatch model, Store has no internal
// locking of its own.
package entry

import (
	"bytes"
	"fmt"

	"github.com/ringboard/ringboard/internal/allocator"
	"github.com/ringboard/ringboard/internal/entryid"
	"github.com/ringboard/ringboard/internal/layout"
	"github.com/ringboard/ringboard/internal/protocol"
	"github.com/ringboard/ringboard/internal/ring"
	"github.com/ringboard/ringboard/internal/ringfile"
)

// Store is the server's logical clipboard-history state: two ring
// files, one allocator, and the mime overflow table tying them
// together.
type Store struct {
	dirs      layout.Dirs
	rings     [2]*ringfile.File // indexed by ring.Kind
	alloc     *allocator.Allocator
	overflow  *overflowTable
	refcounts *refcountTable
}

// Open opens both ring files and the allocator under dirs, creating
// them with their configured capacities if this is a fresh directory.
// The caller is expected to hold layout.AcquireLock first — Open itself
// takes no lock.
func Open(dirs layout.Dirs) (*Store, error) {
	return open(dirs, true)
}

// OpenReadOnly opens both ring files read-only, for external readers
// (lib/ringreader, which reads through [Store.Read], [Store.MimeOf],
// [Store.RingFile] and [Store.Allocator]) — matching "the server is never a read proxy" (§4): a reader maps
// the same on-disk state the server owns directly, without taking the
// server's advisory lock. The allocator is still opened read-write
// internally (internal/allocator has no read-only mode), but nothing
// in this package's read path calls its mutating methods.
func OpenReadOnly(dirs layout.Dirs) (*Store, error) {
	return open(dirs, false)
}

func open(dirs layout.Dirs, ringsWritable bool) (*Store, error) {
	s := &Store{dirs: dirs}

	for _, kind := range ring.All() {
		rf, err := ringfile.Open(dirs.RingFile(kind), kind.DefaultCapacity(), ringsWritable)
		if err != nil {
			s.closePartial()
			return nil, fmt.Errorf("entry: opening %s ring: %w", kind, err)
		}
		s.rings[kind] = rf
	}

	alloc, err := allocator.Open(dirs)
	if err != nil {
		s.closePartial()
		return nil, err
	}
	s.alloc = alloc

	if ringsWritable {
		s.reconcileBitmaps()
	}

	overflow, err := loadOverflowTable(dirs.MimeOverflowFile())
	if err != nil {
		s.closePartial()
		return nil, err
	}
	s.overflow = overflow

	refcounts, err := loadRefcountTable(dirs.RefcountFile())
	if err != nil {
		s.closePartial()
		return nil, err
	}
	s.refcounts = refcounts

	return s, nil
}

// reconcileBitmaps rescans both rings' live slots and reserves each
// bucketed one's index in its class's bitmap, so a bitmap snapshot left
// stale by a crash between a write and the next periodic
// PersistBitmap can never cause Alloc to hand out an index a live ring
// slot still references (§3 invariant 5). Direct (Large) refs need no
// reconciliation: the direct store reseeds itself from a directory
// scan on every open.
func (s *Store) reconcileBitmaps() {
	for _, kind := range ring.All() {
		rf := s.ringFile(kind)
		for index := uint32(0); index < rf.Capacity(); index++ {
			slot := rf.ReadSlot(index)
			if slot.Tag() == ringfile.KindUninit {
				continue
			}
			ref, err := refOf(slot)
			if err != nil {
				continue
			}
			s.alloc.ReserveLive(ref)
		}
	}
}

func (s *Store) closePartial() {
	for _, rf := range s.rings {
		if rf != nil {
			rf.Close()
		}
	}
	if s.alloc != nil {
		s.alloc.Close()
	}
}

func (s *Store) ringFile(kind ring.Kind) *ringfile.File {
	return s.rings[kind]
}

// frontIndex is the slot holding the most recently added entry in
// kind's ring: the slot immediately behind the write-head cursor, which
// names the slot that will be overwritten *next* rather than the one
// written most recently.
func (s *Store) frontIndex(kind ring.Kind) uint32 {
	rf := s.ringFile(kind)
	cap := rf.Capacity()
	return (rf.Head() + cap - 1) % cap
}

// freeSlot releases whatever ref and overflow mime entry a non-Uninit
// slot holds, in preparation for overwriting it. If ref is still
// shared with another ring slot (dedup, §4.6), the underlying
// allocator storage is kept and only the sharing count drops.
func (s *Store) freeSlot(kind ring.Kind, index uint32, slot ringfile.Slot) error {
	if slot.Tag() == ringfile.KindUninit {
		return nil
	}
	ref, err := refOf(slot)
	if err != nil {
		return err
	}
	if s.refcounts.release(ref) {
		if err := s.alloc.Free(ref); err != nil {
			return fmt.Errorf("entry: freeing evicted slot: %w", err)
		}
	}
	s.overflow.delete(kind, index)
	return nil
}

// refOf extracts the allocator ref a Bucketed or Large slot names.
func refOf(slot ringfile.Slot) (allocator.Ref, error) {
	switch slot.Tag() {
	case ringfile.KindBucketed:
		return allocator.Ref{Class: slot.SizeClass(), Index: slot.BucketIndex()}, nil
	case ringfile.KindLarge:
		return allocator.Ref{Large: true, Index: slot.DirectIndex()}, nil
	default:
		return allocator.Ref{}, fmt.Errorf("%w: slot has no payload", protocol.ErrInvalidArgument)
	}
}

// mimeOf resolves a slot's mime string, following the overflow table
// when the inline code is the sentinel.
func (s *Store) mimeOf(kind ring.Kind, index uint32, slot ringfile.Slot) string {
	code := slot.Mime()
	if code != overflowMimeCode {
		return mimeStringOf(code)
	}
	mime, _ := s.overflow.get(kind, index)
	return mime
}

// buildSlot packs ref and mime into a slot value, recording mime in the
// overflow table at (kind, index) if it doesn't fit the inline code.
func (s *Store) buildSlot(kind ring.Kind, index uint32, ref allocator.Ref, mime string) ringfile.Slot {
	code, overflow := mimeCodeOf(mime)
	if overflow {
		s.overflow.set(kind, index, mime)
	}
	if ref.Large {
		return ringfile.Large(code, ref.Index)
	}
	return ringfile.Bucketed(code, ref.Class, ref.Index)
}

// Add allocates storage for payload, writes it into kind's ring at the
// current head, and advances the head. The slot previously at that
// position (if any) is evicted: its allocator ref is freed and its
// overflow mime entry (if any) is dropped.
func (s *Store) Add(kind ring.Kind, mime string, payload []byte) (entryid.ID, error) {
	if len(payload) == 0 {
		return 0, protocol.ErrEmptyInput
	}
	rf := s.ringFile(kind)
	index := rf.Head()

	if err := s.freeSlot(kind, index, rf.ReadSlot(index)); err != nil {
		return 0, err
	}

	ref, err := s.alloc.Alloc(len(payload))
	if err != nil {
		return 0, fmt.Errorf("%w: %v", protocol.ErrOutOfSpace, err)
	}
	if err := s.alloc.WriteFrom(ref, bytes.NewReader(payload), len(payload)); err != nil {
		return 0, fmt.Errorf("entry: writing payload: %w", err)
	}

	slot := s.buildSlot(kind, index, ref, mime)
	rf.WriteSlot(index, slot)
	rf.SetHead((index + 1) % rf.Capacity())

	return entryid.New(kind, uint64(index)), nil
}

// Read returns the mime string and payload bytes named by id.
func (s *Store) Read(id entryid.ID) (mime string, payload []byte, err error) {
	if !id.Valid() {
		return "", nil, protocol.ErrIdNotFound
	}
	kind := id.Ring()
	index := uint32(id.SlotIndex())
	if index >= s.ringFile(kind).Capacity() {
		return "", nil, protocol.ErrIdNotFound
	}
	slot := s.ringFile(kind).ReadSlot(index)
	if slot.Tag() == ringfile.KindUninit {
		return "", nil, protocol.ErrIdNotFound
	}
	ref, err := refOf(slot)
	if err != nil {
		return "", nil, err
	}
	payload, err = s.alloc.Read(ref)
	if err != nil {
		return "", nil, fmt.Errorf("%w: %v", protocol.ErrCorrupt, err)
	}
	return s.mimeOf(kind, index, slot), payload, nil
}

// MimeOf resolves an id's mime string without reading its payload —
// cheaper than [Store.Read] for a caller that only needs an entry's
// type, not its contents.
func (s *Store) MimeOf(id entryid.ID) (string, error) {
	if !id.Valid() {
		return "", protocol.ErrIdNotFound
	}
	kind := id.Ring()
	index := uint32(id.SlotIndex())
	if index >= s.ringFile(kind).Capacity() {
		return "", protocol.ErrIdNotFound
	}
	slot := s.ringFile(kind).ReadSlot(index)
	if slot.Tag() == ringfile.KindUninit {
		return "", protocol.ErrIdNotFound
	}
	return s.mimeOf(kind, index, slot), nil
}

// insertExisting writes an already-allocated ref+mime into targetKind's
// ring at its current head, evicting whatever was there, and returns
// the new id. It does not touch the ref's original location; callers
// that are relocating a slot (MoveToFront) must clear the source
// themselves.
func (s *Store) insertExisting(targetKind ring.Kind, ref allocator.Ref, mime string) (entryid.ID, error) {
	rf := s.ringFile(targetKind)
	index := rf.Head()

	if err := s.freeSlot(targetKind, index, rf.ReadSlot(index)); err != nil {
		return 0, err
	}

	slot := s.buildSlot(targetKind, index, ref, mime)
	rf.WriteSlot(index, slot)
	rf.SetHead((index + 1) % rf.Capacity())

	return entryid.New(targetKind, uint64(index)), nil
}

// MoveToFront relocates the entry named by id to the front (most
// recently added position) of targetKind's ring, which may be the same
// ring id already lives in. If the entry is already at the front of
// that ring, it is a no-op and id is returned unchanged (§4.4).
func (s *Store) MoveToFront(id entryid.ID, targetKind ring.Kind) (entryid.ID, error) {
	if !id.Valid() {
		return 0, protocol.ErrIdNotFound
	}
	sourceKind := id.Ring()
	sourceIndex := uint32(id.SlotIndex())
	if sourceIndex >= s.ringFile(sourceKind).Capacity() {
		return 0, protocol.ErrIdNotFound
	}
	slot := s.ringFile(sourceKind).ReadSlot(sourceIndex)
	if slot.Tag() == ringfile.KindUninit {
		return 0, protocol.ErrIdNotFound
	}

	if sourceKind == targetKind && sourceIndex == s.frontIndex(targetKind) {
		return id, nil
	}

	ref, err := refOf(slot)
	if err != nil {
		return 0, err
	}
	mime := s.mimeOf(sourceKind, sourceIndex, slot)

	// Clear the source slot without freeing the ref: its payload is
	// moving, not being discarded.
	s.ringFile(sourceKind).WriteSlot(sourceIndex, ringfile.UninitSlot)
	s.overflow.delete(sourceKind, sourceIndex)

	return s.insertExisting(targetKind, ref, mime)
}

// Swap exchanges the contents of the two slots named by id1 and id2 in
// place; neither entry's ring position changes, and neither ring's head
// cursor moves. Either slot may be Uninit — this is the documented
// "insert via swap" idiom (§4.4): swapping a live slot with an Uninit
// one moves the live entry there and leaves the original Uninit.
func (s *Store) Swap(id1, id2 entryid.ID) error {
	if !id1.Valid() || !id2.Valid() {
		return protocol.ErrIdNotFound
	}
	k1, i1 := id1.Ring(), uint32(id1.SlotIndex())
	k2, i2 := id2.Ring(), uint32(id2.SlotIndex())
	if i1 >= s.ringFile(k1).Capacity() || i2 >= s.ringFile(k2).Capacity() {
		return protocol.ErrIdNotFound
	}

	slot1 := s.ringFile(k1).ReadSlot(i1)
	slot2 := s.ringFile(k2).ReadSlot(i2)

	var mime1, mime2 string
	if slot1.Tag() != ringfile.KindUninit {
		mime1 = s.mimeOf(k1, i1, slot1)
	}
	if slot2.Tag() != ringfile.KindUninit {
		mime2 = s.mimeOf(k2, i2, slot2)
	}

	s.ringFile(k1).WriteSlot(i1, slot2)
	s.ringFile(k2).WriteSlot(i2, slot1)

	s.overflow.delete(k1, i1)
	s.overflow.delete(k2, i2)
	if slot2.Tag() != ringfile.KindUninit {
		if _, overflow := mimeCodeOf(mime2); overflow {
			s.overflow.set(k1, i1, mime2)
		}
	}
	if slot1.Tag() != ringfile.KindUninit {
		if _, overflow := mimeCodeOf(mime1); overflow {
			s.overflow.set(k2, i2, mime1)
		}
	}

	return nil
}

// Remove frees id's payload and overflow mime entry and resets its
// slot to Uninit, leaving a hole in the ring until the head cursor
// wraps back around to it.
func (s *Store) Remove(id entryid.ID) error {
	if !id.Valid() {
		return protocol.ErrIdNotFound
	}
	kind := id.Ring()
	index := uint32(id.SlotIndex())
	if index >= s.ringFile(kind).Capacity() {
		return protocol.ErrIdNotFound
	}
	slot := s.ringFile(kind).ReadSlot(index)
	if slot.Tag() == ringfile.KindUninit {
		return protocol.ErrIdNotFound
	}
	if err := s.freeSlot(kind, index, slot); err != nil {
		return err
	}
	s.ringFile(kind).WriteSlot(index, ringfile.UninitSlot)
	return nil
}

// Allocator exposes the underlying allocator for internal/gc's
// compaction and dedup passes.
func (s *Store) Allocator() *allocator.Allocator {
	return s.alloc
}

// RingFile exposes kind's ring file for internal/gc's compaction and
// dedup passes.
func (s *Store) RingFile(kind ring.Kind) *ringfile.File {
	return s.ringFile(kind)
}

// SlotRef names one populated ring slot and the allocator region it
// currently points at.
type SlotRef struct {
	Kind  ring.Kind
	Index uint32
	Ref   allocator.Ref
}

// Slots returns every non-Uninit (kind, index, ref) triple across both
// rings, in ring-then-index order. internal/gc's dedup pass scans this
// to find byte-identical payloads; it never mutates the store through
// anything but [Store.MergeDuplicate] and [Store.RewriteBucketIndex].
func (s *Store) Slots() []SlotRef {
	var out []SlotRef
	for _, kind := range ring.All() {
		rf := s.ringFile(kind)
		for index := uint32(0); index < rf.Capacity(); index++ {
			slot := rf.ReadSlot(index)
			if slot.Tag() == ringfile.KindUninit {
				continue
			}
			ref, err := refOf(slot)
			if err != nil {
				continue
			}
			out = append(out, SlotRef{Kind: kind, Index: index, Ref: ref})
		}
	}
	return out
}

// RewriteBucketIndex updates a live Bucketed slot's bucket_index in
// place, leaving its mime and ring position untouched. Called only by
// internal/gc's soft compaction pass, after the record's new location
// within the same size class has been fully written (§4.6: "compaction
// rewrites the allocator ref in each ring slot after the new location
// is fully written and visible"). A no-op if the slot is no longer
// Bucketed.
func (s *Store) RewriteBucketIndex(kind ring.Kind, index uint32, newBucketIndex uint32) {
	rf := s.ringFile(kind)
	slot := rf.ReadSlot(index)
	if slot.Tag() != ringfile.KindBucketed {
		return
	}
	rf.WriteSlot(index, ringfile.Bucketed(slot.Mime(), slot.SizeClass(), newBucketIndex))
}

// MergeDuplicate redirects the ring slot at (kind, index) onto keepRef
// — the allocator ref of a byte-identical payload found elsewhere —
// and releases the slot's own ref. Called only by internal/gc's
// maximal pass, after a full byte comparison has confirmed the two
// payloads match (§4.6, §8 "Dedup safety"). Returns the bytes reclaimed
// by dropping the duplicate, or 0 if the slot was already pointing at
// keepRef or had been cleared since the scan that found it.
func (s *Store) MergeDuplicate(kind ring.Kind, index uint32, keepRef allocator.Ref) (uint64, error) {
	rf := s.ringFile(kind)
	slot := rf.ReadSlot(index)
	if slot.Tag() == ringfile.KindUninit {
		return 0, nil
	}
	victimRef, err := refOf(slot)
	if err != nil {
		return 0, err
	}
	if victimRef == keepRef {
		return 0, nil
	}

	freedBytes, err := s.alloc.SizeOf(victimRef)
	if err != nil {
		return 0, err
	}
	if s.refcounts.release(victimRef) {
		if err := s.alloc.Free(victimRef); err != nil {
			return 0, fmt.Errorf("entry: freeing deduped slot: %w", err)
		}
	}
	s.refcounts.retain(keepRef)

	mime := s.mimeOf(kind, index, slot)
	rf.WriteSlot(index, s.buildSlot(kind, index, keepRef, mime))

	return uint64(freedBytes), nil
}

// Sync flushes both ring files, the allocator, and the overflow table
// to disk. Called at shutdown and after GarbageCollect, never on the
// hot path.
func (s *Store) Sync() error {
	for _, kind := range ring.All() {
		if err := s.ringFile(kind).Sync(); err != nil {
			return err
		}
	}
	if err := s.alloc.Sync(); err != nil {
		return err
	}
	if err := s.alloc.PersistBitmaps(); err != nil {
		return err
	}
	if err := s.overflow.persist(); err != nil {
		return err
	}
	return s.refcounts.persist()
}

// Close syncs and releases every resource the store owns.
func (s *Store) Close() error {
	syncErr := s.Sync()
	for _, rf := range s.rings {
		rf.Close()
	}
	if err := s.alloc.Close(); err != nil && syncErr == nil {
		syncErr = err
	}
	return syncErr
}
