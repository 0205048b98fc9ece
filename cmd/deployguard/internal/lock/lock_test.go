// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package lock

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/AleutianAI/deployguard/cmd/deployguard/internal/model"
)

// TestFileLock_AcquireRelease tests basic lock acquire and release.
func TestFileLock_AcquireRelease(t *testing.T) {
	stateDir := t.TempDir()

	lock, err := New(stateDir, "staging")
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	if err := lock.Acquire(); err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}

	lockPath := filepath.Join(stateDir, LocksDir, "staging.lock")
	if _, err := os.Stat(lockPath); err != nil {
		t.Errorf("Lock file not created: %v", err)
	}
	if pid := lock.HolderPID(); pid != os.Getpid() {
		t.Errorf("HolderPID = %d, want %d", pid, os.Getpid())
	}

	if err := lock.Release(); err != nil {
		t.Errorf("Release failed: %v", err)
	}
	if err := lock.Release(); err != nil {
		t.Errorf("second Release failed: %v", err)
	}
}

// TestFileLock_Conflict tests that a second holder gets a ConflictError.
func TestFileLock_Conflict(t *testing.T) {
	stateDir := t.TempDir()

	lock1, _ := New(stateDir, "staging")
	lock2, _ := New(stateDir, "staging")

	if err := lock1.Acquire(); err != nil {
		t.Fatalf("First acquire failed: %v", err)
	}
	defer lock1.Release()

	err := lock2.Acquire()
	if err == nil {
		lock2.Release()
		t.Fatal("Second acquire should fail")
	}
	if model.KindOf(err) != "ConflictError" {
		t.Errorf("kind = %q, want ConflictError", model.KindOf(err))
	}
	if !errors.Is(err, ErrLockHeld) {
		t.Errorf("error %v does not wrap ErrLockHeld", err)
	}
}

// TestFileLock_TargetsAreIndependent tests that different targets do not contend.
func TestFileLock_TargetsAreIndependent(t *testing.T) {
	stateDir := t.TempDir()

	a, _ := New(stateDir, "staging")
	b, _ := New(stateDir, "production")

	if err := a.Acquire(); err != nil {
		t.Fatalf("Acquire staging failed: %v", err)
	}
	defer a.Release()
	if err := b.Acquire(); err != nil {
		t.Fatalf("Acquire production failed: %v", err)
	}
	defer b.Release()
}

// TestFileLock_ReacquireAfterRelease tests the lock is reusable.
func TestFileLock_ReacquireAfterRelease(t *testing.T) {
	stateDir := t.TempDir()

	lock1, _ := New(stateDir, "staging")
	lock2, _ := New(stateDir, "staging")

	if err := lock1.Acquire(); err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	lock1.Release()

	if err := lock2.Acquire(); err != nil {
		t.Fatalf("Acquire after release failed: %v", err)
	}
	lock2.Release()
}

// TestFileLock_IsHeld tests lock held detection.
func TestFileLock_IsHeld(t *testing.T) {
	stateDir := t.TempDir()

	lock, _ := New(stateDir, "staging")
	probe, _ := New(stateDir, "staging")

	held, err := probe.IsHeld()
	if err != nil {
		t.Fatalf("IsHeld failed: %v", err)
	}
	if held {
		t.Error("IsHeld returned true before any acquire")
	}

	if err := lock.Acquire(); err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	held, _ = probe.IsHeld()
	if !held {
		t.Error("IsHeld returned false while held")
	}

	lock.Release()
	held, _ = probe.IsHeld()
	if held {
		t.Error("IsHeld returned true after release")
	}
	if probe.IsStale() {
		t.Error("released lock reported stale")
	}
}

// TestNew_RejectsBadTargets tests target ids that would escape the lock dir.
func TestNew_RejectsBadTargets(t *testing.T) {
	for _, target := range []string{"", "../etc", "a/b", ".hidden"} {
		if _, err := New(t.TempDir(), target); err == nil {
			t.Errorf("New(%q) should fail", target)
		}
	}
}
