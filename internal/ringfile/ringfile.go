// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package ringfile implements the memory-mapped, fixed-capacity
// circular index described in SPEC_FULL.md §4.1: a small header
// (magic, version, capacity, head) followed by `capacity` 32-bit
// slots. The server maps it read-write and writes slots with ordinary
// atomic stores; readers (outside this module's process) map it
// read-only and tolerate torn writes.
//
// The mmap lifecycle (open/create/Ftruncate/Mmap/Msync/Munmap)
// mirrors lib/artifactstore/cache_device.go's CacheDevice, generalized
// from a flat byte device to a typed slot array with an atomically
// published head cursor.
package ringfile

import (
	"encoding/binary"
	"fmt"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

const (
	magic = 0x52494e47 // "RING"

	headerSize   = 16 // magic(4) + version(4) + capacity(4) + head(4)
	magicOffset  = 0
	verOffset    = 4
	capOffset    = 8
	headOffset   = 12
	slotsOffset  = headerSize
	headerVer    = 1
	slotByteSize = 4
)

// File is an open, memory-mapped ring file.
type File struct {
	fd       int
	data     []byte // mmap'd MAP_SHARED
	capacity uint32
	readOnly bool
}

// Open opens or creates the ring file at path with the given capacity,
// which must be a power of two. If the file already exists, its
// on-disk capacity must match (a capacity mismatch is a configuration
// error the operator must resolve manually, not something this package
// silently migrates). Pass writable=true for the server's own handle;
// readers should pass false to get a read-only mapping.
func Open(path string, capacity uint32, writable bool) (*File, error) {
	if capacity == 0 || capacity&(capacity-1) != 0 {
		return nil, fmt.Errorf("ringfile: capacity %d is not a power of two", capacity)
	}

	flags := unix.O_RDONLY
	if writable {
		flags = unix.O_CREAT | unix.O_RDWR
	}
	fd, err := unix.Open(path, flags, 0o600)
	if err != nil {
		return nil, fmt.Errorf("ringfile: opening %s: %w", path, err)
	}

	size := int64(headerSize) + int64(capacity)*slotByteSize

	var stat unix.Stat_t
	if err := unix.Fstat(fd, &stat); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("ringfile: stating %s: %w", path, err)
	}

	if stat.Size == 0 {
		if !writable {
			unix.Close(fd)
			return nil, fmt.Errorf("ringfile: %s does not exist", path)
		}
		if err := unix.Ftruncate(fd, size); err != nil {
			unix.Close(fd)
			return nil, fmt.Errorf("ringfile: truncating %s to %d bytes: %w", path, size, err)
		}
	} else if stat.Size != size {
		unix.Close(fd)
		return nil, fmt.Errorf("ringfile: %s is %d bytes, expected %d for capacity %d",
			path, stat.Size, size, capacity)
	}

	prot := unix.PROT_READ
	if writable {
		prot |= unix.PROT_WRITE
	}
	data, err := unix.Mmap(fd, 0, int(size), prot, unix.MAP_SHARED)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("ringfile: mapping %s: %w", path, err)
	}

	f := &File{fd: fd, data: data, capacity: capacity, readOnly: !writable}

	if stat.Size == 0 {
		binary.LittleEndian.PutUint32(f.data[magicOffset:], magic)
		binary.LittleEndian.PutUint32(f.data[verOffset:], headerVer)
		binary.LittleEndian.PutUint32(f.data[capOffset:], capacity)
		binary.LittleEndian.PutUint32(f.data[headOffset:], 0)
	} else if err := f.validateHeader(); err != nil {
		f.Close()
		return nil, err
	}

	return f, nil
}

func (f *File) validateHeader() error {
	gotMagic := binary.LittleEndian.Uint32(f.data[magicOffset:])
	if gotMagic != magic {
		return fmt.Errorf("ringfile: bad magic %#x, want %#x (corrupt ring file)", gotMagic, magic)
	}
	gotVer := binary.LittleEndian.Uint32(f.data[verOffset:])
	if gotVer != headerVer {
		return fmt.Errorf("ringfile: header version %d, want %d", gotVer, headerVer)
	}
	gotCap := binary.LittleEndian.Uint32(f.data[capOffset:])
	if gotCap != f.capacity {
		return fmt.Errorf("ringfile: on-disk capacity %d does not match requested %d", gotCap, f.capacity)
	}
	return nil
}

// Capacity returns the ring's fixed slot count.
func (f *File) Capacity() uint32 {
	return f.capacity
}

func (f *File) slotPtr(index uint32) *uint32 {
	offset := slotsOffset + int(index)*slotByteSize
	return (*uint32)(unsafe.Pointer(&f.data[offset]))
}

// ReadSlot atomically reads the slot at index. index must be < Capacity().
func (f *File) ReadSlot(index uint32) Slot {
	return Slot(atomic.LoadUint32(f.slotPtr(index)))
}

// WriteSlot atomically writes value to the slot at index. Only the
// server's writable handle may call this.
func (f *File) WriteSlot(index uint32, value Slot) {
	atomic.StoreUint32(f.slotPtr(index), uint32(value))
}

func (f *File) headPtr() *uint32 {
	return (*uint32)(unsafe.Pointer(&f.data[headOffset]))
}

// Head atomically reads the write-head cursor: the slot index that
// will be overwritten by the next Add.
func (f *File) Head() uint32 {
	return atomic.LoadUint32(f.headPtr())
}

// SetHead atomically publishes a new head value. Callers must write
// the slot's new contents (via WriteSlot) before calling SetHead, so a
// reader that observes the new head always sees a fully-written slot
// (§4.1 durability: "the header's head is updated only after the new
// slot's bytes are visible").
func (f *File) SetHead(index uint32) {
	atomic.StoreUint32(f.headPtr(), index)
}

// Sync flushes the mapping to disk. Called at shutdown and after
// GarbageCollect, never on the hot Add path (§4.1).
func (f *File) Sync() error {
	if err := unix.Msync(f.data, unix.MS_SYNC); err != nil {
		return fmt.Errorf("ringfile: msync: %w", err)
	}
	return nil
}

// Close unmaps the file and closes its descriptor.
func (f *File) Close() error {
	var firstErr error
	if err := unix.Munmap(f.data); err != nil {
		firstErr = fmt.Errorf("ringfile: munmap: %w", err)
	}
	if err := unix.Close(f.fd); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("ringfile: close: %w", err)
	}
	f.data = nil
	f.fd = -1
	return firstErr
}
