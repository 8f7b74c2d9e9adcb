// process_lock.go: advisory cross-process lock with bounded wait
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package modloader

import (
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Default lock timing used while loading a module.
const (
	DefaultLockWait = 5000 * time.Millisecond
	DefaultLockPoll = 10 * time.Millisecond
)

// Locker is an advisory lock held for the duration of one load attempt.
type Locker interface {
	// TryLockTimeWait polls for the lock until wait elapses.
	// It returns false when the lock could not be taken in time.
	TryLockTimeWait(wait, poll time.Duration) bool
	Unlock()
}

// LockFactory creates the lock guarding one bundle.
type LockFactory interface {
	NewLock(path string) Locker
}

// LockFactoryFunc adapts a function to LockFactory.
type LockFactoryFunc func(path string) Locker

// NewLock calls f(path).
func (f LockFactoryFunc) NewLock(path string) Locker { return f(path) }

// FileLockFactory creates ProcessLocks backed by lock files.
type FileLockFactory struct {
	Logger Logger
}

// NewLock implements LockFactory.
func (f FileLockFactory) NewLock(path string) Locker {
	return NewProcessLock(path, f.Logger)
}

// ProcessLock is a file-system lock shared by every process of the host.
//
// The lock is advisory. A holder that crashes keeps it until the OS
// releases the descriptor, and waiters give up after their bound and
// proceed anyway, so callers must pair it with the retry path.
type ProcessLock struct {
	path   string
	logger Logger

	mu   sync.Mutex
	file *os.File
}

// NewProcessLock creates an unlocked lock for path.
func NewProcessLock(path string, logger Logger) *ProcessLock {
	return &ProcessLock{path: path, logger: NewLogger(logger)}
}

// Path returns the lock file path.
func (l *ProcessLock) Path() string {
	return l.path
}

// Held reports whether this lock currently holds the file.
func (l *ProcessLock) Held() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.file != nil
}

// TryLock makes one non-blocking attempt.
func (l *ProcessLock) TryLock() (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file != nil {
		return true, nil
	}
	if err := os.MkdirAll(filepath.Dir(l.path), 0o750); err != nil {
		return false, NewLockIOError(l.path, err)
	}
	f, err := tryLockFile(l.path)
	if err != nil {
		return false, NewLockIOError(l.path, err)
	}
	if f == nil {
		return false, nil
	}
	l.file = f
	return true, nil
}

// TryLockTimeWait implements Locker.
func (l *ProcessLock) TryLockTimeWait(wait, poll time.Duration) bool {
	if poll <= 0 {
		poll = DefaultLockPoll
	}
	deadline := time.Now().Add(wait)
	for {
		ok, err := l.TryLock()
		if ok {
			return true
		}
		if err != nil {
			l.logger.Warn("Process lock attempt failed", "lock", l.path, "error", err)
			return false
		}
		if !time.Now().Before(deadline) {
			return false
		}
		time.Sleep(poll)
	}
}

// Unlock releases the lock. Unlocking an unheld lock is a no-op.
func (l *ProcessLock) Unlock() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return
	}
	if err := unlockFile(l.file, l.path); err != nil {
		l.logger.Warn("Process lock release failed", "lock", l.path, "error", err)
	}
	l.file = nil
}
