// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package allocator

import (
	"fmt"
	"io"
	"os"

	"golang.org/x/sys/unix"
)

// lengthPrefixSize is the per-record byte length header. The ring slot
// never stores payload length (§3 invariant 3); this is the "length
// table" the spec describes, inlined into each fixed record rather than
// kept as a separate file, so a record and its length can never
// disagree after a partial write recovers inconsistently.
const lengthPrefixSize = 2

// BucketFile is one size class's append-only, fixed-record data file
// plus its in-memory free bitmap. Records are read through an mmap
// (zero-copy) and written through pwrite, mirroring
// lib/artifactstore/cache_device.go's split between a read-only
// mapping and pwrite-based writes (avoids read-before-write page
// faults on the mapping).
type BucketFile struct {
	class      int
	payloadCap int // usable payload bytes per record (class size)
	recordSize int // payloadCap + lengthPrefixSize

	fd   int
	data []byte // mmap'd MAP_SHARED, grows as the file grows
	size int64  // current mmap'd size in bytes

	bitmap   *Bitmap
	freePath string
}

// OpenBucketFile opens or creates the data file at dataPath for the
// given payload class size, and loads (or creates) its free bitmap
// from freePath.
func OpenBucketFile(dataPath, freePath string, payloadCap int) (*BucketFile, error) {
	fd, err := unix.Open(dataPath, unix.O_CREAT|unix.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("allocator: opening bucket file %s: %w", dataPath, err)
	}

	var stat unix.Stat_t
	if err := unix.Fstat(fd, &stat); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("allocator: stating %s: %w", dataPath, err)
	}

	b := &BucketFile{
		payloadCap: payloadCap,
		recordSize: payloadCap + lengthPrefixSize,
		fd:         fd,
		freePath:   freePath,
	}

	if stat.Size > 0 {
		if err := b.mapSize(stat.Size); err != nil {
			unix.Close(fd)
			return nil, err
		}
	}

	records := uint32(stat.Size / int64(b.recordSize))
	if bitmap, err := loadBitmapFile(freePath); err == nil {
		bitmap.Grow(records)
		b.bitmap = bitmap
	} else if os.IsNotExist(err) {
		b.bitmap = NewBitmap(records)
	} else {
		unix.Close(fd)
		return nil, fmt.Errorf("allocator: loading free bitmap %s: %w", freePath, err)
	}

	return b, nil
}

func loadBitmapFile(path string) (*Bitmap, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()
	return LoadBitmap(file)
}

func (b *BucketFile) mapSize(size int64) error {
	if b.data != nil {
		if err := unix.Munmap(b.data); err != nil {
			return fmt.Errorf("allocator: unmapping for remap: %w", err)
		}
		b.data = nil
	}
	data, err := unix.Mmap(b.fd, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return fmt.Errorf("allocator: mapping bucket file: %w", err)
	}
	b.data = data
	b.size = size
	return nil
}

// Alloc returns a free record index, growing the file (and remapping)
// if the bitmap has no free index. Does not write any data.
func (b *BucketFile) Alloc() (uint32, error) {
	if index, ok := b.bitmap.Alloc(); ok {
		return index, nil
	}
	oldCount := b.bitmap.Count()
	newCount := oldCount*2 + 1
	newSize := int64(newCount) * int64(b.recordSize)
	if err := unix.Ftruncate(b.fd, newSize); err != nil {
		return 0, fmt.Errorf("allocator: growing bucket file to %d bytes: %w", newSize, err)
	}
	if err := b.mapSize(newSize); err != nil {
		return 0, err
	}
	b.bitmap.Grow(newCount)
	index, ok := b.bitmap.Alloc()
	if !ok {
		return 0, fmt.Errorf("allocator: bitmap still full immediately after growth (internal error)")
	}
	return index, nil
}

// Free marks index as reusable.
func (b *BucketFile) Free(index uint32) {
	b.bitmap.Free(index)
}

// ReserveIndex force-marks index allocated in the bitmap loaded from
// disk, overriding a stale free bit. Called only during startup
// reconciliation against the ring files' live slots.
func (b *BucketFile) ReserveIndex(index uint32) {
	b.bitmap.MarkAllocated(index)
}

// Write stores payload (which must fit within the class's payload
// capacity) at index, prefixed with its length.
func (b *BucketFile) Write(index uint32, payload []byte) error {
	if len(payload) > b.payloadCap {
		return fmt.Errorf("allocator: payload %d bytes exceeds class capacity %d", len(payload), b.payloadCap)
	}
	record := make([]byte, b.recordSize)
	record[0] = byte(len(payload))
	record[1] = byte(len(payload) >> 8)
	copy(record[lengthPrefixSize:], payload)

	offset := int64(index) * int64(b.recordSize)
	if _, err := unix.Pwrite(b.fd, record, offset); err != nil {
		return fmt.Errorf("allocator: writing record %d: %w", index, err)
	}
	return nil
}

// WriteFrom reads exactly length bytes from r into a buffer and stores
// them at record index through [BucketFile.Write]'s pwrite. It does not
// use copy_file_range or splice, whatever r is backed by.
func (b *BucketFile) WriteFrom(index uint32, r io.Reader, length int) error {
	buf := make([]byte, length)
	if _, err := io.ReadFull(r, buf); err != nil {
		return fmt.Errorf("allocator: reading payload: %w", err)
	}
	return b.Write(index, buf)
}

// Read returns a copy of the payload bytes stored at index.
func (b *BucketFile) Read(index uint32) ([]byte, error) {
	offset := int(index) * b.recordSize
	if offset+b.recordSize > len(b.data) {
		return nil, fmt.Errorf("allocator: record %d out of range", index)
	}
	record := b.data[offset : offset+b.recordSize]
	length := int(record[0]) | int(record[1])<<8
	if length > b.payloadCap {
		return nil, fmt.Errorf("allocator: record %d has corrupt length %d (cap %d)", index, length, b.payloadCap)
	}
	out := make([]byte, length)
	copy(out, record[lengthPrefixSize:lengthPrefixSize+length])
	return out, nil
}

// RecordSize returns the fixed on-disk size of one record, including
// its length prefix.
func (b *BucketFile) RecordSize() int {
	return b.recordSize
}

// Compact repacks every live record down to the lowest contiguous
// range of indices, shrinks the file to match, and resets the bitmap
// to exactly that many allocated records. It returns a mapping from
// each live record's index before compaction to its index after (the
// identity for records that didn't move) and the number of bytes the
// file shrank by.
//
// Compact fully writes every relocated record's new location before
// returning; callers that must rewrite external references (ring
// slots) do so only after Compact has returned, so a reader never
// observes a reference to a half-written record (§4.6).
func (b *BucketFile) Compact() (mapping map[uint32]uint32, freedBytes int64, err error) {
	live := b.bitmap.LiveIndices()
	mapping = make(map[uint32]uint32, len(live))

	for newIndex, oldIndex := range live {
		mapping[oldIndex] = uint32(newIndex)
		if uint32(newIndex) == oldIndex {
			continue
		}
		oldOffset := int(oldIndex) * b.recordSize
		newOffset := newIndex * b.recordSize
		record := make([]byte, b.recordSize)
		copy(record, b.data[oldOffset:oldOffset+b.recordSize])
		if _, err := unix.Pwrite(b.fd, record, int64(newOffset)); err != nil {
			return nil, 0, fmt.Errorf("allocator: relocating record %d to %d: %w", oldIndex, newIndex, err)
		}
	}

	oldRecordCount := int64(b.bitmap.Count())
	newRecordCount := int64(len(live))
	freedBytes = (oldRecordCount - newRecordCount) * int64(b.recordSize)

	newBitmap := NewBitmap(uint32(newRecordCount))
	for i := 0; i < len(live); i++ {
		newBitmap.Alloc()
	}
	b.bitmap = newBitmap

	newSize := newRecordCount * int64(b.recordSize)
	if err := unix.Ftruncate(b.fd, newSize); err != nil {
		return nil, 0, fmt.Errorf("allocator: truncating compacted bucket file to %d bytes: %w", newSize, err)
	}
	if newSize == 0 {
		if b.data != nil {
			if err := unix.Munmap(b.data); err != nil {
				return nil, 0, fmt.Errorf("allocator: unmapping emptied bucket file: %w", err)
			}
			b.data = nil
			b.size = 0
		}
	} else if err := b.mapSize(newSize); err != nil {
		return nil, 0, err
	}

	return mapping, freedBytes, nil
}

// LiveCount returns the number of currently-allocated records.
func (b *BucketFile) LiveCount() uint32 {
	return b.bitmap.LiveCount()
}

// RecordCount returns the number of records the file currently has
// room for (allocated or free).
func (b *BucketFile) RecordCount() uint32 {
	return b.bitmap.Count()
}

// PersistBitmap writes the free bitmap to its .free file, zstd-compressed.
func (b *BucketFile) PersistBitmap() error {
	file, err := os.Create(b.freePath)
	if err != nil {
		return fmt.Errorf("allocator: creating %s: %w", b.freePath, err)
	}
	defer file.Close()
	if err := b.bitmap.Save(file); err != nil {
		return fmt.Errorf("allocator: saving bitmap to %s: %w", b.freePath, err)
	}
	return nil
}

// Sync flushes the data file to disk.
func (b *BucketFile) Sync() error {
	if err := unix.Fsync(b.fd); err != nil {
		return fmt.Errorf("allocator: fsync bucket file: %w", err)
	}
	return nil
}

// Close unmaps and closes the data file. It does not persist the
// bitmap; callers must call PersistBitmap first if they want it saved.
func (b *BucketFile) Close() error {
	var firstErr error
	if b.data != nil {
		if err := unix.Munmap(b.data); err != nil {
			firstErr = fmt.Errorf("allocator: munmap bucket file: %w", err)
		}
	}
	if err := unix.Close(b.fd); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("allocator: close bucket file: %w", err)
	}
	b.data = nil
	b.fd = -1
	return firstErr
}
