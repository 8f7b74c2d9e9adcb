// process_lock_test.go: tests for the advisory cross-process lock
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package modloader

import (
	"path/filepath"
	"testing"
	"time"
)

func TestProcessLockExclusive(t *testing.T) {
	path := filepath.Join(t.TempDir(), "locks", "load_webview.bundle.lock")
	first := NewProcessLock(path, nil)
	second := NewProcessLock(path, nil)

	if !first.TryLockTimeWait(100*time.Millisecond, 5*time.Millisecond) {
		t.Fatal("Expected first lock to be acquired")
	}
	if !first.Held() {
		t.Error("Expected first lock to report held")
	}

	start := time.Now()
	if second.TryLockTimeWait(40*time.Millisecond, 5*time.Millisecond) {
		t.Fatal("Expected second lock to time out while the first is held")
	}
	if elapsed := time.Since(start); elapsed < 40*time.Millisecond {
		t.Errorf("Expected the wait to last the full bound, got %v", elapsed)
	}

	first.Unlock()
	if first.Held() {
		t.Error("Expected first lock to be released")
	}
	if !second.TryLockTimeWait(100*time.Millisecond, 5*time.Millisecond) {
		t.Fatal("Expected second lock to be acquired after release")
	}
	second.Unlock()
}

func TestProcessLockWaiterAcquiresOnRelease(t *testing.T) {
	path := filepath.Join(t.TempDir(), "webview.lock")
	holder := NewProcessLock(path, nil)
	if ok, err := holder.TryLock(); !ok || err != nil {
		t.Fatalf("Expected holder to lock, got %v %v", ok, err)
	}

	go func() {
		time.Sleep(30 * time.Millisecond)
		holder.Unlock()
	}()

	waiter := NewProcessLock(path, nil)
	if !waiter.TryLockTimeWait(time.Second, 5*time.Millisecond) {
		t.Fatal("Expected waiter to acquire the lock once released")
	}
	waiter.Unlock()
}

func TestProcessLockReentrantAndIdempotentUnlock(t *testing.T) {
	l := NewProcessLock(filepath.Join(t.TempDir(), "a.lock"), nil)
	l.Unlock()

	if ok, _ := l.TryLock(); !ok {
		t.Fatal("Expected lock to be acquired")
	}
	if ok, _ := l.TryLock(); !ok {
		t.Error("Expected a held lock to report success again")
	}
	l.Unlock()
	l.Unlock()
	if l.Held() {
		t.Error("Expected lock to be released")
	}
}

func TestProcessLockIOError(t *testing.T) {
	dir := t.TempDir()
	// The lock path is a directory, so opening it read-write fails.
	l := NewProcessLock(dir, nil)
	ok, err := l.TryLock()
	if ok {
		t.Fatal("Expected lock on a directory to fail")
	}
	if !HasErrorCode(err, ErrCodeLockIO) {
		t.Errorf("Expected lock I/O error, got %v", err)
	}

	logger := NewTestLogger()
	l = NewProcessLock(dir, logger)
	if l.TryLockTimeWait(time.Second, time.Millisecond) {
		t.Fatal("Expected timed lock to fail")
	}
	if !logger.HasMessage("WARN", "Process lock attempt failed") {
		t.Error("Expected the failure to be logged")
	}
}

func TestFileLockFactory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "b.lock")
	l := FileLockFactory{}.NewLock(path)
	pl, ok := l.(*ProcessLock)
	if !ok {
		t.Fatalf("Expected *ProcessLock, got %T", l)
	}
	if pl.Path() != path {
		t.Errorf("Expected path %s, got %s", path, pl.Path())
	}

	var seen string
	f := LockFactoryFunc(func(p string) Locker {
		seen = p
		return NewProcessLock(p, nil)
	})
	f.NewLock(path)
	if seen != path {
		t.Errorf("Expected func factory to receive %s, got %s", path, seen)
	}
}
