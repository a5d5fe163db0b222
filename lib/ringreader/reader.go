// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package ringreader

import (
	"errors"

	"github.com/ringboard/ringboard/internal/entry"
	"github.com/ringboard/ringboard/internal/entryid"
	"github.com/ringboard/ringboard/internal/layout"
	"github.com/ringboard/ringboard/internal/protocol"
	"github.com/ringboard/ringboard/internal/ring"
)

// RingStats reports one ring's occupancy.
type RingStats struct {
	Capacity uint32
	Occupied uint32
}

// ClassStats reports one bucket size class's occupancy.
type ClassStats struct {
	RecordSize int
	Live       uint32
	Total      uint32
}

// Stats summarizes a data directory's on-disk state: both rings'
// occupancy and every bucket class's live/total record counts. Part of
// the reader SDK's on-disk-layout contract (§1 Non-goals scopes this
// package to exactly that, not to any CLI or TUI built on top of it).
type Stats struct {
	Main      RingStats
	Favorites RingStats
	Classes   [layout.NumBucketClasses]ClassStats
}

// Reader is a read-only handle on a ringboard data directory, mapped
// directly rather than proxied through the server (§4).
type Reader struct {
	store *entry.Store
}

// Open maps both ring files read-only under dirs. The data directory
// must already have been initialized by a server run at least once;
// Open does not create anything.
func Open(dirs layout.Dirs) (*Reader, error) {
	store, err := entry.OpenReadOnly(dirs)
	if err != nil {
		return nil, err
	}
	return &Reader{store: store}, nil
}

// Close releases the mapped files. It never writes anything back —
// unlike [entry.Store.Close], a read-only store has nothing to sync.
func (r *Reader) Close() error {
	return r.store.Close()
}

// Read returns the mime type and payload bytes named by id.
func (r *Reader) Read(id entryid.ID) (mime string, payload []byte, err error) {
	return r.store.Read(id)
}

// Entry is one history position: an id and its mime type, without the
// payload bytes (see [Reader.Recent]).
type Entry struct {
	ID   entryid.ID
	Mime string
}

// Stats summarizes both rings' occupancy and every bucket class's
// live/total record counts.
func (r *Reader) Stats() Stats {
	var s Stats
	s.Main = r.ringStats(ring.Main)
	s.Favorites = r.ringStats(ring.Favorites)

	alloc := r.store.Allocator()
	for class := 0; class < layout.NumBucketClasses; class++ {
		bf := alloc.Class(class)
		s.Classes[class] = ClassStats{
			RecordSize: bf.RecordSize(),
			Live:       bf.LiveCount(),
			Total:      bf.RecordCount(),
		}
	}
	return s
}

func (r *Reader) ringStats(kind ring.Kind) RingStats {
	rf := r.store.RingFile(kind)
	capacity := rf.Capacity()
	var occupied uint32
	for i := uint32(0); i < capacity; i++ {
		if rf.ReadSlot(i).Tag() != 0 {
			occupied++
		}
	}
	return RingStats{Capacity: capacity, Occupied: occupied}
}

// Recent lists up to limit entries from kind's ring, most-recently-added
// first. A limit <= 0 lists every populated slot. Uninit slots (never
// written, or cleared by Remove) are skipped rather than counted
// against limit.
func (r *Reader) Recent(kind ring.Kind, limit int) ([]Entry, error) {
	rf := r.store.RingFile(kind)
	capacity := rf.Capacity()
	front := rf.Head() - 1 // wraps to capacity-1 when Head() == 0, same arithmetic as the server's frontIndex

	var out []Entry
	for i := uint32(0); i < capacity; i++ {
		if limit > 0 && len(out) >= limit {
			break
		}
		index := (front - i + capacity) % capacity
		id := entryid.New(kind, uint64(index))
		mime, err := r.store.MimeOf(id)
		if err != nil {
			if errors.Is(err, protocol.ErrIdNotFound) {
				continue
			}
			return nil, err
		}
		out = append(out, Entry{ID: id, Mime: mime})
	}
	return out, nil
}
