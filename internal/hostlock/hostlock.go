//go:build !windows

/*
 *
 * Copyright 2025 pylabhub authors.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 *
 */

// Package hostlock provides a cross-process advisory file lock. The
// admin surface uses it to serialize destructive recovery actions
// against a segment; the segment engine itself never takes it. The
// kernel drops the lock automatically when the holder dies, so no
// recovery pass is needed here.
package hostlock

import (
	"errors"
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// ErrWouldBlock is returned by TryLock when another process holds the
// lock. Retryable.
var ErrWouldBlock = errors.New("file lock held by another process")

// FileLock is an exclusive advisory lock over a lock file.
type FileLock struct {
	path string
	file *os.File
}

// New prepares a lock over path. The file is created if absent; no
// lock is taken until Lock or TryLock.
func New(path string) *FileLock {
	return &FileLock{path: path}
}

// Path returns the lock file path.
func (l *FileLock) Path() string {
	return l.path
}

func (l *FileLock) open() error {
	if l.file != nil {
		return nil
	}
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return fmt.Errorf("failed to open lock file %s: %w", l.path, err)
	}
	l.file = f
	return nil
}

// Lock blocks until the exclusive lock is acquired.
func (l *FileLock) Lock() error {
	if err := l.open(); err != nil {
		return err
	}
	if err := unix.Flock(int(l.file.Fd()), unix.LOCK_EX); err != nil {
		return fmt.Errorf("flock failed on %s: %w", l.path, err)
	}
	return nil
}

// TryLock attempts the exclusive lock without blocking.
func (l *FileLock) TryLock() error {
	if err := l.open(); err != nil {
		return err
	}
	err := unix.Flock(int(l.file.Fd()), unix.LOCK_EX|unix.LOCK_NB)
	if err == unix.EWOULDBLOCK {
		return ErrWouldBlock
	}
	if err != nil {
		return fmt.Errorf("flock failed on %s: %w", l.path, err)
	}
	return nil
}

// Unlock releases the lock. The file stays open for reuse.
func (l *FileLock) Unlock() error {
	if l.file == nil {
		return nil
	}
	if err := unix.Flock(int(l.file.Fd()), unix.LOCK_UN); err != nil {
		return fmt.Errorf("funlock failed on %s: %w", l.path, err)
	}
	return nil
}

// Close releases the lock and the underlying file.
func (l *FileLock) Close() error {
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}
