// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package layout resolves the on-disk paths a ringboard server and its
// readers agree on: the data directory itself, the advisory lock file,
// the version file, the two ring files, and the bucket/direct subtrees.
//
// Resolution is environment-variable-first, mirroring the teacher's
// "explicit path, no silent discovery" convention (lib/config): a
// RINGBOARD_DIR override always wins; otherwise the directory follows
// the XDG base directory spec.
package layout

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/ringboard/ringboard/internal/ring"
)

// CurrentVersion is the single protocol/layout version byte written to
// the version file and checked against every request's version byte.
const CurrentVersion byte = 1

// NumBucketClasses is the number of fixed-size bucket classes (§3): the
// smallest holds 4-byte payloads, the largest 4096, doubling in between.
const NumBucketClasses = 11

// MinBucketBits is the log2 of the smallest bucket class's payload
// capacity (2^2 = 4 bytes).
const MinBucketBits = 2

// Dirs is a resolved set of absolute paths for one ringboard data
// directory.
type Dirs struct {
	Root    string
	Buckets string
	Direct  string
}

// Lock returns the advisory lock file's path.
func (d Dirs) Lock() string { return filepath.Join(d.Root, "lock") }

// VersionFile returns the version file's path.
func (d Dirs) VersionFile() string { return filepath.Join(d.Root, "version") }

// RingFile returns the path of the ring file for kind.
func (d Dirs) RingFile(kind ring.Kind) string {
	return filepath.Join(d.Root, kind.FileName())
}

// BucketDataFile returns the path of class k's fixed-record data file.
func (d Dirs) BucketDataFile(class int) string {
	return filepath.Join(d.Buckets, fmt.Sprintf("%d.bin", class))
}

// BucketFreeFile returns the path of class k's persisted free bitmap.
func (d Dirs) BucketFreeFile(class int) string {
	return filepath.Join(d.Buckets, fmt.Sprintf("%d.free", class))
}

// DirectFile returns the path of the direct file keyed by index.
func (d Dirs) DirectFile(index uint64) string {
	return filepath.Join(d.Direct, fmt.Sprintf("%d", index))
}

// SocketFile returns the path of the core request/response protocol's
// Unix stream socket (internal/reactor, internal/protocol).
func (d Dirs) SocketFile() string {
	return filepath.Join(d.Root, "ringboard.sock")
}

// AdminSocketFile returns the path of the CBOR control-plane socket
// (internal/adminsock) used by operator tooling for explicit
// GC/settings-reload triggers.
func (d Dirs) AdminSocketFile() string {
	return filepath.Join(d.Root, "ringboard-admin.sock")
}

// SettingsFile returns the path of the JSONC settings file consulted by
// internal/settings and re-read by ReloadSettings.
func (d Dirs) SettingsFile() string {
	return filepath.Join(d.Root, "settings.jsonc")
}

// MimeOverflowFile returns the path of the table mapping ring slots
// with an inline mime code of 0 to their full mime string (internal/entry).
func (d Dirs) MimeOverflowFile() string {
	return filepath.Join(d.Root, "mime-overflow.json")
}

// RefcountFile returns the path of the table tracking allocator refs
// shared by more than one ring slot, produced by a maximal
// GarbageCollect's cross-ring dedup pass (internal/entry, internal/gc).
func (d Dirs) RefcountFile() string {
	return filepath.Join(d.Root, "dedup-refs.json")
}

// BucketClassSize returns the payload capacity, in bytes, of class k.
// Each on-disk record in internal/allocator is 2 bytes larger, for its
// length prefix.
func BucketClassSize(class int) int {
	return 1 << (class + MinBucketBits)
}

// Resolve returns the data directory layout, honoring RINGBOARD_DIR if
// set and otherwise following $XDG_DATA_HOME/ringboard or
// $HOME/.local/share/ringboard. Resolve does not create anything on
// disk; call [Dirs.Ensure] once the caller intends to use the directory.
func Resolve() (Dirs, error) {
	root := os.Getenv("RINGBOARD_DIR")
	if root == "" {
		base := os.Getenv("XDG_DATA_HOME")
		if base == "" {
			home, err := os.UserHomeDir()
			if err != nil {
				return Dirs{}, fmt.Errorf("layout: resolving data directory: %w", err)
			}
			base = filepath.Join(home, ".local", "share")
		}
		root = filepath.Join(base, "ringboard")
	}
	return Dirs{
		Root:    root,
		Buckets: filepath.Join(root, "buckets"),
		Direct:  filepath.Join(root, "direct"),
	}, nil
}

// Ensure creates the data directory tree (root, buckets/, direct/) if it
// does not already exist.
func (d Dirs) Ensure() error {
	for _, dir := range []string{d.Root, d.Buckets, d.Direct} {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("layout: creating %s: %w", dir, err)
		}
	}
	return nil
}

// WriteVersion writes the current layout version byte to the version
// file, creating it if absent.
func (d Dirs) WriteVersion() error {
	if err := os.WriteFile(d.VersionFile(), []byte{CurrentVersion}, 0o600); err != nil {
		return fmt.Errorf("layout: writing version file: %w", err)
	}
	return nil
}

// CheckVersion reads the version file and confirms it matches
// CurrentVersion. A missing version file is treated as a fresh
// directory, not a mismatch — the caller is expected to call
// WriteVersion immediately afterward.
func (d Dirs) CheckVersion() error {
	data, err := os.ReadFile(d.VersionFile())
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("layout: reading version file: %w", err)
	}
	if len(data) != 1 {
		return fmt.Errorf("layout: version file has %d bytes, want 1", len(data))
	}
	if data[0] != CurrentVersion {
		return fmt.Errorf("layout: on-disk version %d does not match server version %d", data[0], CurrentVersion)
	}
	return nil
}
