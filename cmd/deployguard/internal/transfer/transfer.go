// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package transfer applies new artifacts to a target, one atomic file
// replacement at a time.
package transfer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"strings"

	"github.com/AleutianAI/deployguard/cmd/deployguard/internal/audit"
	"github.com/AleutianAI/deployguard/cmd/deployguard/internal/model"
	"github.com/AleutianAI/deployguard/cmd/deployguard/internal/remote"
)

// TransferError reports the artifact that failed and the destinations
// already replaced before it.
type TransferError struct {
	Artifact model.ArtifactSpec
	Applied  []string
	Err      error
}

func (e *TransferError) Error() string {
	return fmt.Sprintf("%v: %s: %v (%d applied)", model.ErrTransfer, e.Artifact.DestinationPath, e.Err, len(e.Applied))
}

// Unwrap exposes the TransferError kind and the cause.
func (e *TransferError) Unwrap() []error {
	return []error{model.ErrTransfer, e.Err}
}

// StagingPath returns the temp path a run stages dst at.
func StagingPath(dst, runID string) string {
	return dst + ".deployguard-" + runID + ".tmp"
}

// Executor applies artifacts through a remote.Executor.
type Executor struct {
	exec   remote.Executor
	logger *slog.Logger
}

// New creates a transfer executor.
func New(exec remote.Executor, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{exec: exec, logger: logger.With("target", exec.Target())}
}

// Apply replaces every artifact destination, in order.
//
// # Description
//
// For each artifact: verify the local source against its declared checksum,
// stream it to a staging file next to the destination while hashing it,
// verify the staged copy's checksum on the target, then rename it over the
// destination. A destination is therefore either fully old or fully new.
// Apply does not retry; the caller decides whether a failure is transient.
//
// # Outputs
//
//   - []string: Destinations replaced, in order.
//   - error: *TransferError on the first failure.
func (t *Executor) Apply(ctx context.Context, runID string, artifacts []model.ArtifactSpec) ([]string, error) {
	var applied []string
	for _, a := range artifacts {
		if err := t.applyOne(ctx, runID, a); err != nil {
			return applied, &TransferError{Artifact: a, Applied: applied, Err: err}
		}
		applied = append(applied, a.DestinationPath)
		audit.FromContext(ctx).Record(audit.EventArtifactApplied, map[string]any{
			"source":      a.SourcePath,
			"destination": a.DestinationPath,
		})
		t.logger.Debug("artifact applied", "destination", a.DestinationPath)
	}
	t.logger.Info("artifacts applied", "count", len(applied))
	return applied, nil
}

func (t *Executor) applyOne(ctx context.Context, runID string, a model.ArtifactSpec) error {
	declared := strings.ToLower(a.Checksum)
	if declared != "" {
		sum, err := remote.HashFile(a.SourcePath)
		if err != nil {
			return fmt.Errorf("hash source: %w", err)
		}
		if sum != declared {
			return fmt.Errorf("source checksum %s does not match declared %s", sum, declared)
		}
	}

	src, err := os.Open(a.SourcePath)
	if err != nil {
		return fmt.Errorf("open source: %w", err)
	}
	defer src.Close()

	mode := a.Mode
	if mode == 0 {
		info, err := src.Stat()
		if err != nil {
			return fmt.Errorf("stat source: %w", err)
		}
		mode = info.Mode().Perm()
	}

	// Destinations are target paths, which are always slash-separated.
	if err := t.exec.MkdirAll(ctx, path.Dir(a.DestinationPath), 0o755); err != nil {
		return fmt.Errorf("create destination directory: %w", err)
	}

	staging := StagingPath(a.DestinationPath, runID)
	h := sha256.New()
	if err := t.exec.CopyFile(ctx, io.TeeReader(src, h), staging, mode); err != nil {
		t.discard(ctx, staging)
		return fmt.Errorf("stage: %w", err)
	}
	streamed := hex.EncodeToString(h.Sum(nil))

	staged, err := t.exec.Checksum(ctx, staging)
	if err != nil {
		t.discard(ctx, staging)
		return fmt.Errorf("checksum staged copy: %w", err)
	}
	if staged != streamed || (declared != "" && staged != declared) {
		t.discard(ctx, staging)
		return fmt.Errorf("staged checksum %s does not match source %s", staged, streamed)
	}

	if err := t.exec.Rename(ctx, staging, a.DestinationPath); err != nil {
		t.discard(ctx, staging)
		return fmt.Errorf("rename into place: %w", err)
	}
	return nil
}

func (t *Executor) discard(ctx context.Context, staging string) {
	// Runs even when ctx is done.
	if err := t.exec.Remove(context.WithoutCancel(ctx), staging); err != nil {
		t.logger.Warn("failed to remove staging file", "path", staging, "error", err)
	}
}
