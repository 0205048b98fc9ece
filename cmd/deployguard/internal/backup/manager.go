// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

/*
Package backup snapshots destination artifacts before a deployment mutates
them, restores snapshots, and enforces retention.

# On-disk Layout

	<root>/<target>/<record-id>/
	    index.json          the BackupRecord, written last
	    000-<basename>      stored copy of entry 0
	    001-<basename>      ...

A record directory without index.json is an interrupted backup and is
never returned by List or Get; Prune removes it.
*/
package backup

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/AleutianAI/deployguard/cmd/deployguard/internal/audit"
	"github.com/AleutianAI/deployguard/cmd/deployguard/internal/model"
	"github.com/AleutianAI/deployguard/cmd/deployguard/internal/remote"
)

// IndexFile is the name of a record's index.
const IndexFile = "index.json"

// Dir is the directory under state_dir holding backup records.
const Dir = "backups"

var (
	// ErrNotFound is returned by Get for an unknown or incomplete record.
	ErrNotFound = errors.New("backup record not found")

	// ErrCorrupt is returned when a stored copy no longer matches its checksum.
	ErrCorrupt = errors.New("backup copy corrupt")
)

// Config configures a Manager.
//
// # Example
//
//	cfg := backup.DefaultConfig(filepath.Join(stateDir, backup.Dir))
//	cfg.Logger = logger
type Config struct {
	// Root is the directory holding one sub-directory per target.
	Root string

	// TimeFormat is the timestamp prefix of record ids. It must sort
	// lexically in time order.
	// Default: "20060102T150405.000000000Z"
	TimeFormat string

	// Logger for backup operations. Default: slog.Default().
	Logger *slog.Logger

	// Now returns the current time. Default: time.Now.
	Now func() time.Time
}

// DefaultConfig returns a Config rooted at root.
func DefaultConfig(root string) Config {
	return Config{
		Root:       root,
		TimeFormat: "20060102T150405.000000000Z",
		Logger:     slog.Default(),
		Now:        time.Now,
	}
}

// RestoreError reports which entries were restored before a restore failed.
type RestoreError struct {
	BackupID string
	Entry    string
	Restored []string
	Err      error
}

func (e *RestoreError) Error() string {
	return fmt.Sprintf("restore %s: %s: %v (restored %d entries)", e.BackupID, e.Entry, e.Err, len(e.Restored))
}

func (e *RestoreError) Unwrap() error { return e.Err }

// Manager owns the backup records of one target.
//
// # Description
//
// Reads destinations through the target's executor and stores copies on the
// controller's local disk, so a target that loses its disk can still be
// restored from the controller.
//
// # Thread Safety
//
// Callers serialize mutating operations with the target lock. List and Get
// may run concurrently with each other.
type Manager struct {
	cfg    Config
	exec   remote.Executor
	target string
	logger *slog.Logger
}

// NewManager creates a manager for exec's target. exec may be nil when only
// List, Get and Prune are used.
func NewManager(cfg Config, target string, exec remote.Executor) *Manager {
	if cfg.TimeFormat == "" {
		cfg.TimeFormat = DefaultConfig("").TimeFormat
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Manager{
		cfg:    cfg,
		exec:   exec,
		target: target,
		logger: cfg.Logger.With("target", target),
	}
}

func (m *Manager) targetDir() string {
	return filepath.Join(m.cfg.Root, m.target)
}

// CreateBackup snapshots every artifact destination.
//
// # Description
//
// For each destination that exists on the target, streams its content into
// a stored copy and records checksum, size and mode. A missing destination
// gets an "absent" entry, so a later restore deletes whatever the run put
// there. Stored copies, the index and the record directory are fsync'ed;
// the index is renamed into place last, which is what makes the record
// valid. On any failure the partial record directory is removed.
//
// # Inputs
//
//   - ctx: Bounds remote reads.
//   - runID: Owning DeploymentRun id.
//   - artifacts: Resolved artifacts; destinations are unique.
//
// # Outputs
//
//   - *model.BackupRecord: The durable record.
//   - error: model.ErrBackup. Nothing on the target has been modified.
func (m *Manager) CreateBackup(ctx context.Context, runID string, artifacts []model.ArtifactSpec) (*model.BackupRecord, error) {
	if m.exec == nil {
		return nil, model.Errorf(model.ErrBackup, "create backup", "no executor for target %q", m.target)
	}

	now := m.cfg.Now().UTC()
	rec := &model.BackupRecord{
		ID:              recordID(now, m.cfg.TimeFormat, runID),
		TargetID:        m.target,
		DeploymentRunID: runID,
		CreatedAt:       now,
	}
	rec.Dir = filepath.Join(m.targetDir(), rec.ID)

	if err := os.MkdirAll(rec.Dir, 0o700); err != nil {
		return nil, model.NewError(model.ErrBackup, "create record directory", err)
	}

	var total int64
	for i, a := range artifacts {
		entry, err := m.captureEntry(ctx, rec.Dir, i, a.DestinationPath)
		if err != nil {
			m.discard(rec.Dir)
			audit.FromContext(ctx).Record(audit.EventBackupFailed, map[string]any{
				"backup_id":   rec.ID,
				"destination": a.DestinationPath,
				"error":       err.Error(),
			})
			return nil, model.NewError(model.ErrBackup, "capture "+a.DestinationPath, err)
		}
		total += entry.Size
		rec.Entries = append(rec.Entries, entry)
	}

	if err := writeIndex(rec); err != nil {
		m.discard(rec.Dir)
		return nil, model.NewError(model.ErrBackup, "write index", err)
	}

	m.logger.Info("backup created", "backup_id", rec.ID, "entries", len(rec.Entries), "bytes", total)
	audit.FromContext(ctx).Record(audit.EventBackupCreated, map[string]any{
		"backup_id": rec.ID,
		"entries":   len(rec.Entries),
		"bytes":     total,
	})
	return rec, nil
}

func recordID(t time.Time, format, runID string) string {
	short := runID
	if len(short) > 8 {
		short = short[:8]
	}
	return t.Format(format) + "-" + short
}

// captureEntry stores one destination as entry i of the record in dir.
func (m *Manager) captureEntry(ctx context.Context, dir string, i int, dst string) (model.BackupEntry, error) {
	info, err := m.exec.Stat(ctx, dst)
	if err != nil {
		return model.BackupEntry{}, fmt.Errorf("stat: %w", err)
	}
	if !info.Exists {
		return model.BackupEntry{DestinationPath: dst, Absent: true}, nil
	}
	if info.IsDir {
		return model.BackupEntry{}, fmt.Errorf("destination is a directory")
	}

	name := fmt.Sprintf("%03d-%s", i, filepath.Base(dst))
	f, err := os.OpenFile(filepath.Join(dir, name), os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return model.BackupEntry{}, err
	}
	defer f.Close()

	h := sha256.New()
	counter := &countingWriter{}
	if err := m.exec.ReadFile(ctx, dst, 0, io.MultiWriter(f, h, counter)); err != nil {
		return model.BackupEntry{}, fmt.Errorf("read: %w", err)
	}
	if err := f.Sync(); err != nil {
		return model.BackupEntry{}, fmt.Errorf("sync copy: %w", err)
	}
	if err := f.Close(); err != nil {
		return model.BackupEntry{}, fmt.Errorf("close copy: %w", err)
	}

	return model.BackupEntry{
		DestinationPath: dst,
		StoredCopyPath:  name,
		Checksum:        hex.EncodeToString(h.Sum(nil)),
		Size:            counter.n,
		Mode:            info.Mode,
	}, nil
}

// writeIndex writes index.json via temp + rename and syncs the directories.
func writeIndex(rec *model.BackupRecord) error {
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return err
	}

	tmp := filepath.Join(rec.Dir, IndexFile+".tmp")
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, filepath.Join(rec.Dir, IndexFile)); err != nil {
		return err
	}
	if err := remote.SyncDir(rec.Dir); err != nil {
		return err
	}
	return remote.SyncDir(filepath.Dir(rec.Dir))
}

func (m *Manager) discard(dir string) {
	if err := os.RemoveAll(dir); err != nil {
		m.logger.Warn("failed to remove partial backup", "dir", dir, "error", err)
	}
}

// StoredPath returns the absolute path of an entry's stored copy.
func StoredPath(rec *model.BackupRecord, e model.BackupEntry) string {
	return filepath.Join(rec.Dir, e.StoredCopyPath)
}

// Restore puts every entry of rec back on the target.
//
// # Description
//
// All stored copies are verified against their checksums before anything is
// touched. Then, entry by entry, content is staged next to the destination,
// its checksum verified on the target, and renamed into place; an "absent"
// entry deletes the destination. Each file is replaced atomically.
//
// # Outputs
//
//   - error: *RestoreError naming the failed entry and those already restored.
func (m *Manager) Restore(ctx context.Context, rec *model.BackupRecord) error {
	if m.exec == nil {
		return &RestoreError{BackupID: rec.ID, Err: fmt.Errorf("no executor for target %q", m.target)}
	}

	for _, e := range rec.Entries {
		if e.Absent {
			continue
		}
		sum, err := remote.HashFile(StoredPath(rec, e))
		if err != nil {
			return &RestoreError{BackupID: rec.ID, Entry: e.DestinationPath, Err: err}
		}
		if sum != e.Checksum {
			return &RestoreError{BackupID: rec.ID, Entry: e.DestinationPath, Err: fmt.Errorf("%w: %s", ErrCorrupt, e.StoredCopyPath)}
		}
	}

	var restored []string
	rc := audit.FromContext(ctx)
	for _, e := range rec.Entries {
		if err := m.restoreEntry(ctx, rec, e); err != nil {
			return &RestoreError{BackupID: rec.ID, Entry: e.DestinationPath, Restored: restored, Err: err}
		}
		restored = append(restored, e.DestinationPath)
		rc.Record(audit.EventRestoreEntry, map[string]any{
			"backup_id":   rec.ID,
			"destination": e.DestinationPath,
			"absent":      e.Absent,
		})
	}

	m.logger.Info("backup restored", "backup_id", rec.ID, "entries", len(restored))
	rc.Record(audit.EventRestoreCompleted, map[string]any{"backup_id": rec.ID, "entries": len(restored)})
	return nil
}

func (m *Manager) restoreEntry(ctx context.Context, rec *model.BackupRecord, e model.BackupEntry) error {
	if e.Absent {
		return m.exec.Remove(ctx, e.DestinationPath)
	}

	if err := m.exec.MkdirAll(ctx, filepath.Dir(e.DestinationPath), 0o755); err != nil {
		return fmt.Errorf("mkdir: %w", err)
	}

	src, err := os.Open(StoredPath(rec, e))
	if err != nil {
		return err
	}
	defer src.Close()

	staging := e.DestinationPath + ".deployguard-restore-" + rec.ID + ".tmp"
	if err := m.exec.CopyFile(ctx, src, staging, e.Mode); err != nil {
		m.cleanup(ctx, staging)
		return fmt.Errorf("stage: %w", err)
	}
	sum, err := m.exec.Checksum(ctx, staging)
	if err != nil {
		m.cleanup(ctx, staging)
		return fmt.Errorf("checksum staged copy: %w", err)
	}
	if sum != e.Checksum {
		m.cleanup(ctx, staging)
		return fmt.Errorf("staged checksum %s, want %s", sum, e.Checksum)
	}
	if err := m.exec.Rename(ctx, staging, e.DestinationPath); err != nil {
		m.cleanup(ctx, staging)
		return fmt.Errorf("rename: %w", err)
	}
	return nil
}

func (m *Manager) cleanup(ctx context.Context, path string) {
	if err := m.exec.Remove(ctx, path); err != nil {
		m.logger.Warn("failed to remove staging file", "path", path, "error", err)
	}
}

// List returns the valid records of the target, newest first.
func (m *Manager) List() ([]*model.BackupRecord, error) {
	entries, err := os.ReadDir(m.targetDir())
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var out []*model.BackupRecord
	for _, de := range entries {
		if !de.IsDir() {
			continue
		}
		rec, err := m.load(de.Name())
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			m.logger.Warn("skipping unreadable backup record", "backup_id", de.Name(), "error", err)
			continue
		}
		out = append(out, rec)
	}
	sortNewestFirst(out)
	return out, nil
}

func sortNewestFirst(recs []*model.BackupRecord) {
	sort.SliceStable(recs, func(i, j int) bool {
		if !recs[i].CreatedAt.Equal(recs[j].CreatedAt) {
			return recs[i].CreatedAt.After(recs[j].CreatedAt)
		}
		return recs[i].ID > recs[j].ID
	})
}

// Get loads one record.
func (m *Manager) Get(id string) (*model.BackupRecord, error) {
	if id == "" || id != filepath.Base(id) || strings.HasPrefix(id, ".") {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, id)
	}
	return m.load(id)
}

func (m *Manager) load(id string) (*model.BackupRecord, error) {
	dir := filepath.Join(m.targetDir(), id)
	data, err := os.ReadFile(filepath.Join(dir, IndexFile))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	var rec model.BackupRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("parse %s: %w", IndexFile, err)
	}
	rec.Dir = dir
	return &rec, nil
}

// Prune deletes records beyond the newest keepLast, oldest first.
//
// # Description
//
// Ids in protected are never deleted and do not count towards keepLast.
// Interrupted record directories (no index) are always removed. Callers
// hold the target lock, so no backup can be in progress.
//
// # Inputs
//
//   - keepLast: Number of unprotected records to keep. Must be >= 0.
//   - protected: Ids of records referenced by active runs.
//
// # Outputs
//
//   - []string: Deleted record ids, oldest first.
//   - error: model.ErrConfig for a negative keepLast, or an I/O error.
func (m *Manager) Prune(ctx context.Context, keepLast int, protected ...string) ([]string, error) {
	if keepLast < 0 {
		return nil, model.Errorf(model.ErrConfig, "prune backups", "keep must be >= 0, got %d", keepLast)
	}
	keep := make(map[string]bool, len(protected))
	for _, id := range protected {
		if id != "" {
			keep[id] = true
		}
	}

	dirs, err := os.ReadDir(m.targetDir())
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var valid []*model.BackupRecord
	var orphans []string
	for _, de := range dirs {
		if !de.IsDir() || keep[de.Name()] {
			continue
		}
		rec, err := m.load(de.Name())
		switch {
		case errors.Is(err, ErrNotFound):
			orphans = append(orphans, de.Name())
		case err != nil:
			m.logger.Warn("not pruning unreadable backup record", "backup_id", de.Name(), "error", err)
		default:
			valid = append(valid, rec)
		}
	}
	sortNewestFirst(valid)

	var victims []string
	sort.Strings(orphans)
	victims = append(victims, orphans...)
	for i := len(valid) - 1; i >= keepLast; i-- {
		victims = append(victims, valid[i].ID)
	}

	var deleted []string
	for _, id := range victims {
		if err := os.RemoveAll(filepath.Join(m.targetDir(), id)); err != nil {
			return deleted, fmt.Errorf("remove %s: %w", id, err)
		}
		deleted = append(deleted, id)
		m.logger.Info("backup pruned", "backup_id", id)
		audit.FromContext(ctx).Record(audit.EventBackupPruned, map[string]any{"backup_id": id})
	}
	if len(deleted) > 0 {
		if err := remote.SyncDir(m.targetDir()); err != nil {
			m.logger.Warn("failed to sync backup directory", "error", err)
		}
	}
	return deleted, nil
}

type countingWriter struct{ n int64 }

func (c *countingWriter) Write(p []byte) (int, error) {
	c.n += int64(len(p))
	return len(p), nil
}
