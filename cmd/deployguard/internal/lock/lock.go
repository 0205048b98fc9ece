// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package lock provides the per-target exclusive lock that guarantees at most
// one active deployment run per target.
package lock

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/sys/unix"

	"github.com/AleutianAI/deployguard/cmd/deployguard/internal/model"
)

// LocksDir is the directory under state_dir holding lock files.
const LocksDir = "locks"

// StaleLockDuration is the age after which an unreleased lock file whose
// holder is gone is reported as stale.
const StaleLockDuration = 1 * time.Hour

var (
	// ErrLockHeld is returned when another process holds the target lock.
	ErrLockHeld = errors.New("target lock held by another process")

	// ErrInvalidTarget is returned for a target id that cannot name a file.
	ErrInvalidTarget = errors.New("invalid target id")
)

// FileLock is an advisory flock(2) lock on state_dir/locks/<target>.lock.
//
// # Description
//
// The lock is held for the full duration of a run. The file records the
// holder's pid and acquisition time so a conflicting request can name who
// holds it. The kernel drops the lock when the holder exits, so a crashed
// run never blocks later runs.
//
// # Thread Safety
//
// FileLock is NOT safe for concurrent use. Each run owns its own instance.
type FileLock struct {
	target string
	path   string
	file   *os.File
}

// New creates the lock for target. It does not acquire it.
func New(stateDir, target string) (*FileLock, error) {
	if target == "" || target != filepath.Base(target) || strings.HasPrefix(target, ".") {
		return nil, fmt.Errorf("%w: %q", ErrInvalidTarget, target)
	}
	return &FileLock{
		target: target,
		path:   filepath.Join(stateDir, LocksDir, target+".lock"),
	}, nil
}

// Path returns the lock file path.
func (l *FileLock) Path() string { return l.path }

// Acquire takes the lock without blocking.
//
// # Outputs
//
//   - error: model.ErrConflict wrapping ErrLockHeld if another process holds
//     it, or a plain error if the lock file cannot be opened.
func (l *FileLock) Acquire() error {
	if l.file != nil {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return fmt.Errorf("creating lock directory: %w", err)
	}

	file, err := os.OpenFile(l.path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return fmt.Errorf("opening lock file: %w", err)
	}

	if err := unix.Flock(int(file.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		file.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			held := fmt.Errorf("%w: target %q", ErrLockHeld, l.target)
			if pid := l.HolderPID(); pid > 0 {
				held = fmt.Errorf("%w: target %q (pid %d)", ErrLockHeld, l.target, pid)
			}
			return model.NewError(model.ErrConflict, "acquire lock", held)
		}
		return fmt.Errorf("flock %s: %w", l.path, err)
	}

	// Holder info is diagnostic only; a failed write does not void the lock.
	if err := file.Truncate(0); err == nil {
		content := fmt.Sprintf("pid=%d\ntime=%s\n", os.Getpid(), time.Now().UTC().Format(time.RFC3339))
		_, _ = file.WriteAt([]byte(content), 0)
		_ = file.Sync()
	}

	l.file = file
	return nil
}

// Release drops the lock. Safe to call more than once.
//
// The file is truncated rather than removed: removing it would let a
// waiting process lock an unlinked inode while a third creates a new one.
func (l *FileLock) Release() error {
	if l.file == nil {
		return nil
	}
	_ = l.file.Truncate(0)
	_ = unix.Flock(int(l.file.Fd()), unix.LOCK_UN)
	err := l.file.Close()
	l.file = nil
	return err
}

// IsHeld reports whether any process currently holds the lock.
func (l *FileLock) IsHeld() (bool, error) {
	if l.file != nil {
		return true, nil
	}
	file, err := os.OpenFile(l.path, os.O_RDWR, 0o644)
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	defer file.Close()

	err = unix.Flock(int(file.Fd()), unix.LOCK_EX|unix.LOCK_NB)
	if errors.Is(err, unix.EWOULDBLOCK) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	_ = unix.Flock(int(file.Fd()), unix.LOCK_UN)
	return false, nil
}

// HolderPID returns the pid recorded by the current holder, or 0.
func (l *FileLock) HolderPID() int {
	f, err := os.Open(l.path)
	if err != nil {
		return 0
	}
	defer f.Close()

	content, err := io.ReadAll(io.LimitReader(f, 256))
	if err != nil {
		return 0
	}
	var pid int
	if _, err := fmt.Sscanf(string(content), "pid=%d", &pid); err != nil {
		return 0
	}
	return pid
}

// IsStale reports whether the lock file names a holder that no longer exists
// or is older than StaleLockDuration. Only used for diagnostics: flock is
// released by the kernel on exit, so a stale file never blocks a run.
func (l *FileLock) IsStale() bool {
	info, err := os.Stat(l.path)
	if err != nil || info.Size() == 0 {
		return false
	}
	if time.Since(info.ModTime()) > StaleLockDuration {
		return true
	}
	pid := l.HolderPID()
	if pid <= 0 {
		return false
	}
	return unix.Kill(pid, 0) == unix.ESRCH
}
