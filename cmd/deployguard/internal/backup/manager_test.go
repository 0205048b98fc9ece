// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package backup

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/deployguard/cmd/deployguard/internal/model"
	"github.com/AleutianAI/deployguard/cmd/deployguard/internal/remote"
)

type fixture struct {
	root   string
	target string
	exec   remote.Executor
	mgr    *Manager
	clock  time.Time
}

func newFixture(t *testing.T, exec remote.Executor) *fixture {
	t.Helper()
	f := &fixture{
		root:   t.TempDir(),
		target: t.TempDir(),
		clock:  time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	if exec == nil {
		exec = remote.NewLocal("staging", nil)
	}
	f.exec = exec
	cfg := DefaultConfig(f.root)
	cfg.Now = func() time.Time {
		f.clock = f.clock.Add(time.Second)
		return f.clock
	}
	f.mgr = NewManager(cfg, "staging", exec)
	return f
}

func (f *fixture) dest(name string) string {
	return filepath.Join(f.target, name)
}

func writeFile(t *testing.T, path, content string, mode os.FileMode) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), mode))
	require.NoError(t, os.Chmod(path, mode))
}

func TestCreateBackup_RestoreReproducesContent(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	writeFile(t, f.dest("bin/app"), "v1 binary", 0o755)
	writeFile(t, f.dest("etc/app.yaml"), "port: 80\n", 0o640)
	artifacts := []model.ArtifactSpec{
		{DestinationPath: f.dest("bin/app")},
		{DestinationPath: f.dest("etc/app.yaml")},
		{DestinationPath: f.dest("etc/new.yaml")},
	}

	rec, err := f.mgr.CreateBackup(ctx, "3f2a9c1e-run", artifacts)
	require.NoError(t, err)
	require.Len(t, rec.Entries, 3)
	assert.Equal(t, "20250301T120001.000000000Z-3f2a9c1e", rec.ID)
	assert.True(t, rec.Entries[2].Absent)
	assert.Equal(t, "000-app", rec.Entries[0].StoredCopyPath)
	assert.Equal(t, os.FileMode(0o755), rec.Entries[0].Mode)
	assert.FileExists(t, filepath.Join(rec.Dir, IndexFile))

	before0, _ := remote.HashFile(f.dest("bin/app"))
	before1, _ := remote.HashFile(f.dest("etc/app.yaml"))
	assert.Equal(t, before0, rec.Entries[0].Checksum)

	// Deploy something else over all three destinations.
	writeFile(t, f.dest("bin/app"), "v2 binary, longer", 0o700)
	writeFile(t, f.dest("etc/app.yaml"), "port: 8080\n", 0o644)
	writeFile(t, f.dest("etc/new.yaml"), "new", 0o644)

	require.NoError(t, f.mgr.Restore(ctx, rec))

	after0, _ := remote.HashFile(f.dest("bin/app"))
	after1, _ := remote.HashFile(f.dest("etc/app.yaml"))
	assert.Equal(t, before0, after0)
	assert.Equal(t, before1, after1)
	assert.NoFileExists(t, f.dest("etc/new.yaml"))

	info, err := os.Stat(f.dest("bin/app"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o755), info.Mode().Perm())

	matches, _ := filepath.Glob(filepath.Join(f.target, "*", "*.tmp"))
	assert.Empty(t, matches, "no staging files left behind")
}

func TestCreateBackup_FailureLeavesNoRecordAndNoMutation(t *testing.T) {
	local := remote.NewLocal("staging", nil)
	mock := &remote.MockExecutor{
		Delegate: local,
		ReadFileFunc: func(ctx context.Context, path string, offset int64, w io.Writer) error {
			_, _ = w.Write([]byte("partial"))
			return fmt.Errorf("write backup copy: %w", syscall.ENOSPC)
		},
	}
	f := newFixture(t, mock)
	writeFile(t, f.dest("app"), "v1", 0o644)

	_, err := f.mgr.CreateBackup(context.Background(), "run-1", []model.ArtifactSpec{{DestinationPath: f.dest("app")}})
	require.Error(t, err)
	assert.ErrorIs(t, err, model.ErrBackup)
	assert.ErrorIs(t, err, syscall.ENOSPC)

	dirs, _ := os.ReadDir(filepath.Join(f.root, "staging"))
	assert.Empty(t, dirs, "partial record directory removed")

	content, _ := os.ReadFile(f.dest("app"))
	assert.Equal(t, "v1", string(content))
	assert.Empty(t, mock.CallsTo("CopyFile"))
	assert.Empty(t, mock.CallsTo("Rename"))
}

func TestCreateBackup_DirectoryDestinationFails(t *testing.T) {
	f := newFixture(t, nil)
	require.NoError(t, os.MkdirAll(f.dest("adir"), 0o755))

	_, err := f.mgr.CreateBackup(context.Background(), "run-1", []model.ArtifactSpec{{DestinationPath: f.dest("adir")}})
	assert.ErrorIs(t, err, model.ErrBackup)
}

func TestList_IgnoresRecordsWithoutIndex(t *testing.T) {
	f := newFixture(t, nil)
	writeFile(t, f.dest("app"), "v1", 0o644)

	rec, err := f.mgr.CreateBackup(context.Background(), "run-1", []model.ArtifactSpec{{DestinationPath: f.dest("app")}})
	require.NoError(t, err)
	require.NoError(t, os.MkdirAll(filepath.Join(f.root, "staging", "20250101T000000.000000000Z-orphan"), 0o700))

	recs, err := f.mgr.List()
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, rec.ID, recs[0].ID)

	_, err = f.mgr.Get("20250101T000000.000000000Z-orphan")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = f.mgr.Get("../etc")
	assert.ErrorIs(t, err, ErrNotFound)

	deleted, err := f.mgr.Prune(context.Background(), 5)
	require.NoError(t, err)
	assert.Equal(t, []string{"20250101T000000.000000000Z-orphan"}, deleted)
}

func TestList_EmptyTarget(t *testing.T) {
	f := newFixture(t, nil)
	recs, err := f.mgr.List()
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestRestore_CorruptCopyTouchesNothing(t *testing.T) {
	f := newFixture(t, nil)
	writeFile(t, f.dest("a"), "a1", 0o644)
	writeFile(t, f.dest("b"), "b1", 0o644)

	rec, err := f.mgr.CreateBackup(context.Background(), "run-1", []model.ArtifactSpec{
		{DestinationPath: f.dest("a")},
		{DestinationPath: f.dest("b")},
	})
	require.NoError(t, err)

	writeFile(t, f.dest("a"), "a2", 0o644)
	writeFile(t, f.dest("b"), "b2", 0o644)
	require.NoError(t, os.WriteFile(StoredPath(rec, rec.Entries[1]), []byte("bit rot"), 0o600))

	err = f.mgr.Restore(context.Background(), rec)
	var restoreErr *RestoreError
	require.ErrorAs(t, err, &restoreErr)
	assert.ErrorIs(t, err, ErrCorrupt)
	assert.Empty(t, restoreErr.Restored)

	a, _ := os.ReadFile(f.dest("a"))
	assert.Equal(t, "a2", string(a))
}

func TestRestore_ReportsPartialProgress(t *testing.T) {
	local := remote.NewLocal("staging", nil)
	var failOn string
	mock := &remote.MockExecutor{
		Delegate: local,
		RenameFunc: func(ctx context.Context, from, to string) error {
			if to == failOn {
				return errors.New("read-only file system")
			}
			return local.Rename(ctx, from, to)
		},
	}
	f := newFixture(t, mock)
	writeFile(t, f.dest("a"), "a1", 0o644)
	writeFile(t, f.dest("b"), "b1", 0o644)

	rec, err := f.mgr.CreateBackup(context.Background(), "run-1", []model.ArtifactSpec{
		{DestinationPath: f.dest("a")},
		{DestinationPath: f.dest("b")},
	})
	require.NoError(t, err)

	failOn = f.dest("b")
	err = f.mgr.Restore(context.Background(), rec)
	var restoreErr *RestoreError
	require.ErrorAs(t, err, &restoreErr)
	assert.Equal(t, f.dest("b"), restoreErr.Entry)
	assert.Equal(t, []string{f.dest("a")}, restoreErr.Restored)
	assert.Equal(t, rec.ID, restoreErr.BackupID)

	matches, _ := filepath.Glob(f.dest("*.tmp"))
	assert.Empty(t, matches, "staging file cleaned up")
}

func TestPrune_KeepsNewestAndProtected(t *testing.T) {
	for keep := 0; keep <= 5; keep++ {
		t.Run(fmt.Sprintf("keep=%d", keep), func(t *testing.T) {
			f := newFixture(t, nil)
			writeFile(t, f.dest("app"), "v", 0o644)

			var ids []string
			for i := 0; i < 4; i++ {
				rec, err := f.mgr.CreateBackup(context.Background(), fmt.Sprintf("run-%d", i), []model.ArtifactSpec{{DestinationPath: f.dest("app")}})
				require.NoError(t, err)
				ids = append(ids, rec.ID)
			}
			protected := ids[0] // oldest, as an interrupted run would hold

			deleted, err := f.mgr.Prune(context.Background(), keep, protected)
			require.NoError(t, err)

			recs, err := f.mgr.List()
			require.NoError(t, err)
			remaining := map[string]bool{}
			for _, r := range recs {
				remaining[r.ID] = true
			}

			assert.True(t, remaining[protected], "protected record survives")
			unprotected := ids[1:]
			wantKept := keep
			if wantKept > len(unprotected) {
				wantKept = len(unprotected)
			}
			for i, id := range unprotected {
				newestRank := len(unprotected) - 1 - i
				assert.Equal(t, newestRank < wantKept, remaining[id], "record %d", i)
			}
			assert.Len(t, deleted, len(unprotected)-wantKept)
		})
	}
}

func TestPrune_RejectsNegativeKeep(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.mgr.Prune(context.Background(), -1)
	assert.ErrorIs(t, err, model.ErrConfig)
}
