// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package allocator

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"sync/atomic"

	"github.com/pierrec/lz4/v4"
)

// DirectStore holds payloads too large for any bucket class (§3, §4.2:
// "Large" refs). Each entry's bytes live in their own lz4-compressed
// file, named by a monotonically increasing counter — allocation is
// "increment counter and create the file", freeing is unlink, exactly
// as the original spec describes, with lz4 substituted in for
// free since a compressed large payload is still usually smaller than
// the same bytes in a bucket file would be.
type DirectStore struct {
	dir     string
	counter atomic.Uint64
}

// OpenDirectStore opens the direct-file directory, scanning existing
// entries to seed the allocation counter above the highest index found
// on disk (recovery after restart).
func OpenDirectStore(dir string) (*DirectStore, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("allocator: reading direct directory %s: %w", dir, err)
	}
	var highest uint64
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		index, err := strconv.ParseUint(entry.Name(), 10, 64)
		if err != nil {
			continue
		}
		if index+1 > highest {
			highest = index + 1
		}
	}
	d := &DirectStore{dir: dir}
	d.counter.Store(highest)
	return d, nil
}

// Alloc reserves the next direct-file index. The file is not created
// until [DirectStore.WriteFrom] is called.
func (d *DirectStore) Alloc() uint64 {
	return d.counter.Add(1) - 1
}

func (d *DirectStore) path(index uint64) string {
	return filepath.Join(d.dir, strconv.FormatUint(index, 10))
}

// WriteFrom streams length bytes from r into the direct file for
// index, lz4-compressing as it writes.
func (d *DirectStore) WriteFrom(index uint64, r io.Reader, length int64) error {
	file, err := os.OpenFile(d.path(index), os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("allocator: creating direct file %d: %w", index, err)
	}
	defer file.Close()

	writer := lz4.NewWriter(file)
	if _, err := io.CopyN(writer, r, length); err != nil {
		return fmt.Errorf("allocator: writing direct file %d: %w", index, err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("allocator: closing lz4 stream for direct file %d: %w", index, err)
	}
	return nil
}

// Read decompresses and returns the full payload stored at index.
func (d *DirectStore) Read(index uint64) ([]byte, error) {
	file, err := os.Open(d.path(index))
	if err != nil {
		return nil, fmt.Errorf("allocator: opening direct file %d: %w", index, err)
	}
	defer file.Close()

	data, err := io.ReadAll(lz4.NewReader(file))
	if err != nil {
		return nil, fmt.Errorf("allocator: decompressing direct file %d: %w", index, err)
	}
	return data, nil
}

// FileSize returns the compressed on-disk size of the direct file for
// index, used by internal/gc to report bytes reclaimed when a Large
// ref is dropped.
func (d *DirectStore) FileSize(index uint64) (int64, error) {
	info, err := os.Stat(d.path(index))
	if err != nil {
		return 0, fmt.Errorf("allocator: stating direct file %d: %w", index, err)
	}
	return info.Size(), nil
}

// Free removes the direct file for index.
func (d *DirectStore) Free(index uint64) error {
	if err := os.Remove(d.path(index)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("allocator: removing direct file %d: %w", index, err)
	}
	return nil
}
