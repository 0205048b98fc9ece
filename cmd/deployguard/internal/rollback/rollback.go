// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package rollback restores a backup record and confirms the service
// recovered by the same health bar the deployment had to clear.
package rollback

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/AleutianAI/deployguard/cmd/deployguard/internal/audit"
	"github.com/AleutianAI/deployguard/cmd/deployguard/internal/model"
	"github.com/AleutianAI/deployguard/cmd/deployguard/internal/service"
)

// Stage names the rollback step that failed.
type Stage string

const (
	StageRestore Stage = "restore"
	StageRestart Stage = "restart"
	StageVerify  Stage = "verify"
)

// Restorer puts a backup record back on the target.
type Restorer interface {
	Restore(ctx context.Context, rec *model.BackupRecord) error
}

// Verifier judges service health.
type Verifier interface {
	Mark(ctx context.Context, specs []model.HealthCheckSpec) error
	Verify(ctx context.Context, specs []model.HealthCheckSpec, runID string) (bool, []model.HealthCheckResult)
}

// RetryFunc runs fn, retrying transient failures. It may bound fn with its
// own deadline. It is used for the restore and mark steps, which are safe
// to repeat.
type RetryFunc func(ctx context.Context, op string, fn func(ctx context.Context) error) error

// RollbackError is the RollbackFailure outcome. It carries the backup id an
// operator needs for manual recovery.
type RollbackError struct {
	BackupID string
	Stage    Stage
	Err      error
}

func (e *RollbackError) Error() string {
	return fmt.Sprintf("rollback to backup %s failed at %s: %v", e.BackupID, e.Stage, e.Err)
}

func (e *RollbackError) Unwrap() []error {
	return []error{model.ErrRollback, e.Err}
}

// Outcome describes a completed rollback attempt.
type Outcome struct {
	BackupID string
	Passed   bool
	Results  []model.HealthCheckResult
	Duration time.Duration
}

// Config configures a Coordinator.
type Config struct {
	// RestartTimeout bounds the service restart.
	// Default: 60s
	RestartTimeout time.Duration

	// Retry wraps the restore and mark steps. Nil runs them once.
	Retry RetryFunc

	Logger *slog.Logger
}

// Coordinator drives Restore → Restart → Verify.
type Coordinator struct {
	backups  Restorer
	ctrl     service.Controller
	verifier Verifier
	cfg      Config
	logger   *slog.Logger
}

// NewCoordinator creates a Coordinator.
func NewCoordinator(backups Restorer, ctrl service.Controller, verifier Verifier, cfg Config) *Coordinator {
	if cfg.RestartTimeout <= 0 {
		cfg.RestartTimeout = 60 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Coordinator{backups: backups, ctrl: ctrl, verifier: verifier, cfg: cfg, logger: cfg.Logger}
}

// RollbackTo restores rec and re-verifies the service.
//
// # Description
//
// Restores every entry of rec, restarts the service and runs the same health
// specs the deployment ran. Log offsets are marked before the restart so only
// output of the restored service is matched. A failure at any step is
// returned as *RollbackError. Restore and mark go through Config.Retry;
// the restart and the verdict are never retried here.
//
// # Inputs
//
//   - ctx: Should not be cancellable by the caller; a partial restore is
//     worse than a slow one.
//   - rec: The record created by the failed run.
//   - h: Service to restart.
//   - specs: The deployment's health specs.
//   - runID: Owning run, for logging.
//
// # Outputs
//
//   - *Outcome: Always non-nil; Results holds every recorded attempt.
//   - error: *RollbackError wrapping model.ErrRollback.
func (c *Coordinator) RollbackTo(ctx context.Context, rec *model.BackupRecord, h model.ServiceHandle, specs []model.HealthCheckSpec, runID string) (*Outcome, error) {
	start := time.Now()
	out := &Outcome{BackupID: rec.ID}
	rc := audit.FromContext(ctx)
	rc.Record(audit.EventRollbackStarted, map[string]any{"backup_id": rec.ID, "entries": len(rec.Entries)})

	fail := func(stage Stage, err error) (*Outcome, error) {
		out.Duration = time.Since(start)
		rerr := &RollbackError{BackupID: rec.ID, Stage: stage, Err: err}
		c.logger.Error("rollback failed", "run_id", runID, "backup_id", rec.ID, "stage", stage, "error", err)
		rc.Record(audit.EventRollbackFinished, map[string]any{
			"backup_id": rec.ID,
			"passed":    false,
			"stage":     string(stage),
			"error":     err.Error(),
		})
		return out, rerr
	}

	err := c.retry(ctx, "restore", func(ctx context.Context) error {
		return c.backups.Restore(ctx, rec)
	})
	if err != nil {
		return fail(StageRestore, err)
	}

	err = c.retry(ctx, "mark", func(ctx context.Context) error {
		return c.verifier.Mark(ctx, specs)
	})
	if err != nil {
		return fail(StageVerify, err)
	}
	if err := c.ctrl.Restart(ctx, h, c.cfg.RestartTimeout); err != nil {
		return fail(StageRestart, err)
	}

	out.Passed, out.Results = c.verifier.Verify(ctx, specs, runID)
	if !out.Passed {
		return fail(StageVerify, model.Errorf(model.ErrHealthCheck, "verify rollback", "restored service failed %s", strings.Join(model.FailedSpecs(specs, out.Results), ", ")))
	}

	out.Duration = time.Since(start)
	c.logger.Info("rollback complete", "run_id", runID, "backup_id", rec.ID, "duration", out.Duration)
	rc.Record(audit.EventRollbackFinished, map[string]any{"backup_id": rec.ID, "passed": true})
	return out, nil
}

func (c *Coordinator) retry(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	if c.cfg.Retry == nil {
		return fn(ctx)
	}
	return c.cfg.Retry(ctx, op, fn)
}
