// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package layout

import (
	"errors"
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// ErrAlreadyRunning is returned by AcquireLock when another process
// already holds the advisory lock on the data directory.
var ErrAlreadyRunning = errors.New("layout: another server instance is already running")

// Lock holds an advisory flock on the data directory's lock file for
// the lifetime of the server process. Exactly one ringboard-server may
// hold it at a time; a second instance fails fast at startup with
// ErrAlreadyRunning rather than corrupting shared state.
type Lock struct {
	file *os.File
}

// AcquireLock opens (creating if absent) the lock file and takes a
// non-blocking exclusive flock on it. The lock is released by [Lock.Release]
// or automatically when the process exits.
func AcquireLock(d Dirs) (*Lock, error) {
	file, err := os.OpenFile(d.Lock(), os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("layout: opening lock file: %w", err)
	}
	if err := unix.Flock(int(file.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		file.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return nil, ErrAlreadyRunning
		}
		return nil, fmt.Errorf("layout: locking %s: %w", d.Lock(), err)
	}
	return &Lock{file: file}, nil
}

// Release drops the flock and closes the underlying file.
func (l *Lock) Release() error {
	if err := unix.Flock(int(l.file.Fd()), unix.LOCK_UN); err != nil {
		l.file.Close()
		return fmt.Errorf("layout: unlocking: %w", err)
	}
	return l.file.Close()
}
