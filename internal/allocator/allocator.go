// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package allocator implements the bucket allocator of SPEC_FULL.md
// §4.2: eleven size-classed append-only bucket files plus one direct
// file store for oversized payloads, with an in-memory free-bitmap per
// class persisted periodically.
package allocator

import (
	"fmt"
	"io"

	"github.com/ringboard/ringboard/internal/layout"
)

// Ref identifies one allocated payload region: either a (class, index)
// pair into a bucket file, or an index into the direct file store.
type Ref struct {
	Large bool
	Class int
	Index uint32
}

// Allocator owns every bucket size class and the direct file store. It
// is not safe for concurrent use — the reactor's single-threaded
// dispatch loop is the only caller, matching §5's concurrency model.
type Allocator struct {
	classes [layout.NumBucketClasses]*BucketFile
	direct  *DirectStore
}

// Open opens (creating as needed) every bucket class's data and free
// files, plus the direct file store, under dirs.
func Open(dirs layout.Dirs) (*Allocator, error) {
	a := &Allocator{}
	for class := 0; class < layout.NumBucketClasses; class++ {
		bf, err := OpenBucketFile(dirs.BucketDataFile(class), dirs.BucketFreeFile(class), layout.BucketClassSize(class))
		if err != nil {
			a.closeOpened(class)
			return nil, fmt.Errorf("allocator: opening class %d: %w", class, err)
		}
		a.classes[class] = bf
	}
	direct, err := OpenDirectStore(dirs.Direct)
	if err != nil {
		a.closeOpened(layout.NumBucketClasses)
		return nil, err
	}
	a.direct = direct
	return a, nil
}

func (a *Allocator) closeOpened(upTo int) {
	for i := 0; i < upTo; i++ {
		if a.classes[i] != nil {
			a.classes[i].Close()
		}
	}
}

// Alloc picks the smallest class whose payload capacity fits size,
// or falls back to a Large (direct-file) ref if size exceeds every
// bucket class (§4.2).
func (a *Allocator) Alloc(size int) (Ref, error) {
	for class := 0; class < layout.NumBucketClasses; class++ {
		if layout.BucketClassSize(class) >= size {
			index, err := a.classes[class].Alloc()
			if err != nil {
				return Ref{}, fmt.Errorf("allocator: alloc class %d: %w", class, err)
			}
			return Ref{Class: class, Index: index}, nil
		}
	}
	return Ref{Large: true, Index: uint32(a.direct.Alloc())}, nil
}

// WriteFrom streams length bytes from r into the region named by ref.
func (a *Allocator) WriteFrom(ref Ref, r io.Reader, length int) error {
	if ref.Large {
		return a.direct.WriteFrom(uint64(ref.Index), r, int64(length))
	}
	return a.classes[ref.Class].WriteFrom(ref.Index, r, length)
}

// Read returns a copy of the payload bytes stored at ref.
func (a *Allocator) Read(ref Ref) ([]byte, error) {
	if ref.Large {
		return a.direct.Read(uint64(ref.Index))
	}
	return a.classes[ref.Class].Read(ref.Index)
}

// ReserveLive force-marks ref allocated in its class's bitmap,
// overriding a stale free bit a bitmap snapshot taken before a crash
// may have left behind. A Large ref is a no-op: the direct file store
// has no bitmap of its own, it reseeds its allocation counter by
// scanning its directory on every [Open] instead (internal/allocator's
// direct.go), so it cannot go stale the same way.
func (a *Allocator) ReserveLive(ref Ref) {
	if ref.Large {
		return
	}
	a.classes[ref.Class].ReserveIndex(ref.Index)
}

// Free releases the region named by ref for reuse.
func (a *Allocator) Free(ref Ref) error {
	if ref.Large {
		return a.direct.Free(uint64(ref.Index))
	}
	a.classes[ref.Class].Free(ref.Index)
	return nil
}

// SizeOf reports the on-disk footprint of the region named by ref: a
// bucketed ref's fixed class record size, or a direct ref's actual
// (lz4-compressed) file size. Used by internal/gc to account bytes
// reclaimed when a duplicate ref is dropped.
func (a *Allocator) SizeOf(ref Ref) (int64, error) {
	if ref.Large {
		return a.direct.FileSize(uint64(ref.Index))
	}
	return int64(a.classes[ref.Class].RecordSize()), nil
}

// ClassFreeFraction returns the fraction of class's records currently
// free, used by soft GC to decide which classes need compaction.
func (a *Allocator) ClassFreeFraction(class int) float64 {
	bf := a.classes[class]
	total := bf.RecordCount()
	if total == 0 {
		return 0
	}
	free := total - bf.LiveCount()
	return float64(free) / float64(total)
}

// Class exposes one bucket class's file for the garbage collector's
// compaction pass.
func (a *Allocator) Class(class int) *BucketFile {
	return a.classes[class]
}

// PersistBitmaps writes every class's free bitmap to disk. Called
// periodically and at shutdown, never on the hot Add path.
func (a *Allocator) PersistBitmaps() error {
	for class, bf := range a.classes {
		if err := bf.PersistBitmap(); err != nil {
			return fmt.Errorf("allocator: persisting class %d bitmap: %w", class, err)
		}
	}
	return nil
}

// Sync flushes every bucket file to disk.
func (a *Allocator) Sync() error {
	for class, bf := range a.classes {
		if err := bf.Sync(); err != nil {
			return fmt.Errorf("allocator: syncing class %d: %w", class, err)
		}
	}
	return nil
}

// Close persists bitmaps and releases every class's mapping.
func (a *Allocator) Close() error {
	if err := a.PersistBitmaps(); err != nil {
		return err
	}
	var firstErr error
	for class, bf := range a.classes {
		if err := bf.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("allocator: closing class %d: %w", class, err)
		}
	}
	return firstErr
}
