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
Package audit writes the per-run, append-only audit log.

Every component records what it did through a Recorder taken from the
context, so the log is a cross-cutting sink rather than a dependency each
component is constructed with. Records are JSON lines chained by SHA-256:
each record carries the hash of its predecessor, so truncation or editing
in the middle of a file is detected by VerifyChain.

Audit writes never abort a deployment. A failed write is logged and counted.
*/
package audit

import (
	"bufio"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Dir is the directory under state_dir holding audit logs.
const Dir = "audit"

// EventType identifies an auditable event.
type EventType string

const (
	EventRunStarted       EventType = "run_started"
	EventRunFinished      EventType = "run_finished"
	EventTransition       EventType = "transition"
	EventLockAcquired     EventType = "lock_acquired"
	EventLockReleased     EventType = "lock_released"
	EventBackupCreated    EventType = "backup_created"
	EventBackupFailed     EventType = "backup_failed"
	EventBackupPruned     EventType = "backup_pruned"
	EventRestoreEntry     EventType = "restore_entry"
	EventRestoreCompleted EventType = "restore_completed"
	EventArtifactApplied  EventType = "artifact_applied"
	EventServiceAction    EventType = "service_action"
	EventHealthAttempt    EventType = "health_attempt"
	EventHealthVerdict    EventType = "health_verdict"
	EventRetry            EventType = "retry"
	EventRollbackStarted  EventType = "rollback_started"
	EventRollbackFinished EventType = "rollback_finished"
)

// Record is a single line in the audit log.
type Record struct {
	Seq        int64          `json:"seq"`
	Timestamp  time.Time      `json:"timestamp"`
	RunID      string         `json:"run_id"`
	Target     string         `json:"target"`
	Event      EventType      `json:"event"`
	Details    map[string]any `json:"details,omitempty"`
	PrevHash   string         `json:"prev_hash"`
	RecordHash string         `json:"record_hash"`
}

// ErrChainBroken is returned by VerifyChain when a record does not match.
var ErrChainBroken = errors.New("audit chain broken")

// Recorder accepts audit events.
type Recorder interface {
	Record(event EventType, details map[string]any)
}

type recorderKey struct{}

// WithRecorder returns a context carrying r.
func WithRecorder(ctx context.Context, r Recorder) context.Context {
	return context.WithValue(ctx, recorderKey{}, r)
}

// FromContext returns the recorder in ctx, or Discard.
func FromContext(ctx context.Context) Recorder {
	if r, ok := ctx.Value(recorderKey{}).(Recorder); ok && r != nil {
		return r
	}
	return Discard
}

// Discard drops every event.
var Discard Recorder = nopRecorder{}

type nopRecorder struct{}

func (nopRecorder) Record(EventType, map[string]any) {}

// Log is a hash-chained JSONL audit file for one run.
//
// # Thread Safety
//
// Safe for concurrent use; health probes record attempts in parallel.
type Log struct {
	mu       sync.Mutex
	path     string
	file     *os.File
	runID    string
	target   string
	seq      int64
	prev     string
	failures int
	logger   *slog.Logger
	now      func() time.Time
}

// Open creates the audit file state_dir/audit/<target>/<runID>.jsonl.
//
// # Outputs
//
//   - *Log: The open log.
//   - error: If the directory or file cannot be created. The caller treats
//     this as an internal error: a run never starts without its audit file.
func Open(stateDir, target, runID string, logger *slog.Logger) (*Log, error) {
	if logger == nil {
		logger = slog.Default()
	}
	dir := filepath.Join(stateDir, Dir, target)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating audit directory: %w", err)
	}
	path := filepath.Join(dir, runID+".jsonl")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("creating audit log: %w", err)
	}
	return &Log{
		path:   path,
		file:   f,
		runID:  runID,
		target: target,
		logger: logger.With("audit", path),
		now:    time.Now,
	}, nil
}

// Path returns the file path.
func (l *Log) Path() string { return l.path }

// Failures returns the number of records that could not be written.
func (l *Log) Failures() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.failures
}

// Record appends one event and fsyncs the file.
func (l *Log) Record(event EventType, details map[string]any) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		l.failures++
		l.logger.Warn("audit record after close", "event", event)
		return
	}

	rec := Record{
		Seq:       l.seq + 1,
		Timestamp: l.now().UTC(),
		RunID:     l.runID,
		Target:    l.target,
		Event:     event,
		Details:   details,
		PrevHash:  l.prev,
	}
	line, err := seal(&rec)
	if err == nil {
		_, err = l.file.Write(line)
	}
	if err == nil {
		err = l.file.Sync()
	}
	if err != nil {
		l.failures++
		l.logger.Error("audit write failed", "event", event, "error", err)
		return
	}
	l.seq = rec.Seq
	l.prev = rec.RecordHash
}

// Close closes the file.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}

// seal computes rec.RecordHash and returns the encoded line.
func seal(rec *Record) ([]byte, error) {
	rec.RecordHash = ""
	body, err := json.Marshal(rec)
	if err != nil {
		return nil, err
	}
	sum := sha256.Sum256(body)
	rec.RecordHash = hex.EncodeToString(sum[:])

	line, err := json.Marshal(rec)
	if err != nil {
		return nil, err
	}
	return append(line, '\n'), nil
}

// Read parses an audit file. Numbers in Details decode as json.Number so the
// chain can be re-verified exactly.
func Read(path string) ([]Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return decode(f)
}

func decode(r io.Reader) ([]Record, error) {
	var out []Record
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for line := 1; sc.Scan(); line++ {
		if len(bytes.TrimSpace(sc.Bytes())) == 0 {
			continue
		}
		dec := json.NewDecoder(bytes.NewReader(sc.Bytes()))
		dec.UseNumber()
		var rec Record
		if err := dec.Decode(&rec); err != nil {
			return out, fmt.Errorf("line %d: %w", line, err)
		}
		out = append(out, rec)
	}
	return out, sc.Err()
}

// VerifyChain checks sequence numbers, hashes and back-links.
func VerifyChain(records []Record) error {
	prev := ""
	for i, r := range records {
		if r.Seq != int64(i+1) {
			return fmt.Errorf("%w: record %d has seq %d", ErrChainBroken, i+1, r.Seq)
		}
		if r.PrevHash != prev {
			return fmt.Errorf("%w: record %d prev_hash mismatch", ErrChainBroken, r.Seq)
		}
		want := r.RecordHash
		check := r
		if _, err := seal(&check); err != nil {
			return err
		}
		if check.RecordHash != want {
			return fmt.Errorf("%w: record %d hash mismatch", ErrChainBroken, r.Seq)
		}
		prev = want
	}
	return nil
}

// Find returns the records of one event type.
func Find(records []Record, event EventType) []Record {
	var out []Record
	for _, r := range records {
		if r.Event == event {
			out = append(out, r)
		}
	}
	return out
}
