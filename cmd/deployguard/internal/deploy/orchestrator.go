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
Package deploy drives a DeploymentRun through its state machine.

	PENDING -> BACKING_UP -> TRANSFERRING -> RESTARTING -> VERIFYING -> SUCCEEDED
	              |              |              |             |
	              v              +--------------+-------------+-> ROLLING_BACK -> ROLLED_BACK
	           FAILED                                                 |
	                                                                  v
	                                                               FAILED

The Orchestrator is the only writer of run state. Components report typed
errors; the orchestrator alone decides between retry, rollback and failure.
*/
package deploy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/deployguard/cmd/deployguard/internal/audit"
	"github.com/AleutianAI/deployguard/cmd/deployguard/internal/lock"
	"github.com/AleutianAI/deployguard/cmd/deployguard/internal/metrics"
	"github.com/AleutianAI/deployguard/cmd/deployguard/internal/model"
	"github.com/AleutianAI/deployguard/cmd/deployguard/internal/remote"
	"github.com/AleutianAI/deployguard/cmd/deployguard/internal/resolve"
	"github.com/AleutianAI/deployguard/cmd/deployguard/internal/rollback"
	"github.com/AleutianAI/deployguard/cmd/deployguard/internal/service"
	"github.com/AleutianAI/deployguard/cmd/deployguard/internal/telemetry"
)

// ErrInternal marks failures outside the run itself: the lock file, audit
// directory or run store could not be used.
var ErrInternal = errors.New("internal error")

// Backups is the part of the backup manager a run uses.
type Backups interface {
	CreateBackup(ctx context.Context, runID string, artifacts []model.ArtifactSpec) (*model.BackupRecord, error)
	Restore(ctx context.Context, rec *model.BackupRecord) error
	Prune(ctx context.Context, keepLast int, protected ...string) ([]string, error)
}

// Applier replaces artifact destinations.
type Applier interface {
	Apply(ctx context.Context, runID string, artifacts []model.ArtifactSpec) ([]string, error)
}

// RunStore persists DeploymentRun records.
type RunStore interface {
	Put(run *model.DeploymentRun) error
	Active() ([]*model.DeploymentRun, error)
}

// Deps are the collaborators of one Orchestrator, all bound to one target.
type Deps struct {
	Exec     remote.Executor
	Backups  Backups
	Applier  Applier
	Service  service.Controller
	Verifier rollback.Verifier
	Runs     RunStore
}

// Config configures an Orchestrator.
type Config struct {
	// StateDir holds locks and audit logs.
	StateDir string

	// KeepBackups is the retention applied after every run. Negative
	// disables pruning.
	// Default: 5 (set by the caller; zero keeps only protected records)
	KeepBackups int

	// RestartTimeout bounds each service restart.
	// Default: 60s
	RestartTimeout time.Duration

	// PhaseTimeout bounds the backup, transfer and restart phases including
	// their connectivity retries.
	// Default: 10m
	PhaseTimeout time.Duration

	// Retry is the connectivity retry policy.
	Retry RetryPolicy

	Logger *slog.Logger

	// Now and NewID are replaceable for tests.
	Now   func() time.Time
	NewID func() string
}

// Orchestrator runs deployments against one target.
//
// # Thread Safety
//
// Run may be called concurrently; the per-target lock rejects all but one.
type Orchestrator struct {
	cfg    Config
	deps   Deps
	logger *slog.Logger
	tracer trace.Tracer
}

// New creates an Orchestrator.
func New(cfg Config, deps Deps) *Orchestrator {
	if cfg.RestartTimeout <= 0 {
		cfg.RestartTimeout = 60 * time.Second
	}
	if cfg.PhaseTimeout <= 0 {
		cfg.PhaseTimeout = 10 * time.Minute
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.NewID == nil {
		cfg.NewID = uuid.NewString
	}
	cfg.Retry = cfg.Retry.withDefaults()

	return &Orchestrator{
		cfg:    cfg,
		deps:   deps,
		logger: cfg.Logger,
		tracer: telemetry.Tracer(),
	}
}

// coordinator returns the rollback coordinator for target. Restores retry
// connectivity failures like any other phase.
func (o *Orchestrator) coordinator(target string) *rollback.Coordinator {
	return rollback.NewCoordinator(o.deps.Backups, o.deps.Service, o.deps.Verifier, rollback.Config{
		RestartTimeout: o.cfg.RestartTimeout,
		Logger:         o.logger,
		Retry: func(ctx context.Context, op string, fn func(ctx context.Context) error) error {
			return o.retrier(target, model.StateRollingBack).do(ctx, op, fn)
		},
	})
}

func (o *Orchestrator) retrier(target string, phase model.State) retrier {
	return retrier{
		policy:  o.cfg.Retry,
		timeout: o.cfg.PhaseTimeout,
		target:  target,
		phase:   phase,
		logger:  o.logger,
	}
}

// runState carries one run through its phases.
type runState struct {
	run    *model.DeploymentRun
	res    *resolve.Resolved
	record *model.BackupRecord
	logger *slog.Logger
}

// Run executes one deployment.
//
// # Description
//
// Acquires the target lock, opens the run's audit log and persists a
// PENDING run. Cancellation of ctx is honoured only while the run is
// PENDING; from BACKING_UP on the phases run detached from ctx and are
// bounded by their own timeouts, since interrupting a copy or a restart
// would leave the target in an unverifiable state.
//
// A failure in BACKING_UP ends FAILED with nothing modified. A failure in
// any later phase drives ROLLING_BACK; the run then ends ROLLED_BACK, or
// FAILED with a RollbackFailure when the restored service is not healthy.
// After every run, backups beyond KeepBackups are pruned. Records of this
// run and of interrupted runs are never pruned.
//
// # Inputs
//
//   - ctx: Cancels the run only while PENDING.
//   - res: Resolved request for the orchestrator's target.
//
// # Outputs
//
//   - *model.DeploymentRun: The terminal run. Nil when no run was started.
//   - error: Non-nil only when no run was started: model.ErrConflict when
//     another run holds the lock, model.ErrConfig for a bad target id, or
//     ErrInternal. Run outcomes are reported on the returned run.
func (o *Orchestrator) Run(ctx context.Context, res *resolve.Resolved) (*model.DeploymentRun, error) {
	lk, err := lock.New(o.cfg.StateDir, res.TargetID)
	if err != nil {
		return nil, model.NewError(model.ErrConfig, "lock target", err)
	}
	if err := lk.Acquire(); err != nil {
		if errors.Is(err, model.ErrConflict) {
			o.logger.Warn("deployment rejected", "target", res.TargetID, "error", err)
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrInternal, err)
	}
	defer func() {
		if err := lk.Release(); err != nil {
			o.logger.Warn("failed to release lock", "target", res.TargetID, "error", err)
		}
	}()

	id := o.cfg.NewID()
	alog, err := audit.Open(o.cfg.StateDir, res.TargetID, id, o.logger)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInternal, err)
	}
	defer alog.Close()

	rs := &runState{
		run:    model.NewDeploymentRun(id, res.TargetID, res.Artifacts, res.Handle, o.cfg.Now()),
		res:    res,
		logger: o.logger.With("run_id", id, "target", res.TargetID),
	}
	rs.run.AuditLogPath = alog.Path()

	ctx = audit.WithRecorder(ctx, alog)
	ctx, span := o.tracer.Start(ctx, "deploy", trace.WithAttributes(
		attribute.String("run_id", id),
		attribute.String("target", res.TargetID),
		attribute.Int("artifacts", len(res.Artifacts)),
	))
	defer span.End()

	alog.Record(audit.EventRunStarted, map[string]any{
		"artifacts":     len(res.Artifacts),
		"health_checks": len(res.Health),
		"service":       res.Handle.Name,
		"pid":           os.Getpid(),
	})
	alog.Record(audit.EventLockAcquired, map[string]any{"path": lk.Path()})
	defer alog.Record(audit.EventLockReleased, map[string]any{"path": lk.Path()})

	protected := o.interrupted(rs)

	if err := o.deps.Runs.Put(rs.run); err != nil {
		alog.Record(audit.EventRunFinished, map[string]any{"error": err.Error()})
		return nil, fmt.Errorf("%w: persist run: %v", ErrInternal, err)
	}
	rs.logger.Info("deployment started", "artifacts", len(res.Artifacts), "health_checks", len(res.Health))

	if err := ctx.Err(); err != nil {
		o.fail(ctx, rs, model.NewError(model.ErrCancelled, "deploy", context.Cause(ctx)))
		return o.finish(ctx, rs, protected), nil
	}

	o.execute(context.WithoutCancel(ctx), rs)
	if rs.run.State != model.StateSucceeded {
		span.SetStatus(codes.Error, rs.run.FailureKind)
	}
	return o.finish(ctx, rs, protected), nil
}

// interrupted returns the backup ids of runs left non-terminal by a process
// that died while holding the lock. Their records stay protected from
// pruning until an operator resolves them.
func (o *Orchestrator) interrupted(rs *runState) []string {
	active, err := o.deps.Runs.Active()
	if err != nil {
		rs.logger.Warn("failed to list active runs", "error", err)
		return nil
	}
	var ids []string
	for _, r := range active {
		rs.logger.Warn("found interrupted run", "interrupted_run", r.ID, "state", r.State, "backup_id", r.BackupRecordID)
		if r.BackupRecordID != "" {
			ids = append(ids, r.BackupRecordID)
		}
	}
	return ids
}

// execute runs the phases after PENDING. ctx is not cancellable.
func (o *Orchestrator) execute(ctx context.Context, rs *runState) {
	run, res := rs.run, rs.res

	o.advance(ctx, rs, model.StateBackingUp, "")
	err := o.phase(ctx, rs, model.StateBackingUp, func(ctx context.Context) error {
		rec, err := o.deps.Backups.CreateBackup(ctx, run.ID, res.Artifacts)
		if err != nil {
			return err
		}
		rs.record = rec
		return nil
	})
	if err != nil {
		o.fail(ctx, rs, err)
		return
	}
	run.BackupRecordID = rs.record.ID

	o.advance(ctx, rs, model.StateTransferring, "backup "+rs.record.ID)
	err = o.phase(ctx, rs, model.StateTransferring, func(ctx context.Context) error {
		_, err := o.deps.Applier.Apply(ctx, run.ID, res.Artifacts)
		return err
	})
	if err != nil {
		o.rollback(ctx, rs, err)
		return
	}

	o.advance(ctx, rs, model.StateRestarting, "")
	err = o.retrier(run.TargetID, model.StateRestarting).do(ctx, "mark", func(ctx context.Context) error {
		return o.deps.Verifier.Mark(ctx, res.Health)
	})
	if err != nil {
		o.rollback(ctx, rs, err)
		return
	}
	err = o.phase(ctx, rs, model.StateRestarting, func(ctx context.Context) error {
		return o.deps.Service.Restart(ctx, res.Handle, o.cfg.RestartTimeout)
	})
	if err != nil {
		o.rollback(ctx, rs, err)
		return
	}

	o.advance(ctx, rs, model.StateVerifying, "")
	start := time.Now()
	passed, results := o.deps.Verifier.Verify(ctx, res.Health, run.ID)
	run.HealthResults = append(run.HealthResults, results...)
	metrics.RecordPhase(run.TargetID, string(model.StateVerifying), passed, time.Since(start).Seconds())
	if !passed {
		o.rollback(ctx, rs, model.Errorf(model.ErrHealthCheck, "verify", "health checks failed: %s", strings.Join(model.FailedSpecs(res.Health, results), ", ")))
		return
	}

	o.advance(ctx, rs, model.StateSucceeded, "all health checks passed")
}

// phase runs one retried phase operation inside a span.
func (o *Orchestrator) phase(ctx context.Context, rs *runState, state model.State, fn func(ctx context.Context) error) error {
	ctx, span := o.tracer.Start(ctx, string(state))
	defer span.End()

	start := time.Now()
	err := o.retrier(rs.run.TargetID, state).do(ctx, string(state), fn)
	metrics.RecordPhase(rs.run.TargetID, string(state), err == nil, time.Since(start).Seconds())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, model.KindOf(err))
		rs.logger.Error("phase failed", "phase", state, "kind", model.KindOf(err), "error", err)
	}
	return err
}

// rollback handles a failure after the backup point.
func (o *Orchestrator) rollback(ctx context.Context, rs *runState, cause error) {
	run := rs.run
	run.Fail(cause)
	o.advance(ctx, rs, model.StateRollingBack, cause.Error())

	ctx, span := o.tracer.Start(ctx, string(model.StateRollingBack), trace.WithAttributes(
		attribute.String("backup_id", rs.record.ID),
	))
	defer span.End()

	start := time.Now()
	out, err := o.coordinator(run.TargetID).RollbackTo(ctx, rs.record, rs.res.Handle, rs.res.Health, run.ID)
	if out != nil {
		run.RollbackResults = append(run.RollbackResults, out.Results...)
	}
	metrics.RecordPhase(run.TargetID, string(model.StateRollingBack), err == nil, time.Since(start).Seconds())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, model.KindOf(err))
		run.Fail(err)
		rs.logger.Error("rollback failed, manual recovery required", "backup_id", rs.record.ID, "error", err)
		o.advance(ctx, rs, model.StateFailed, err.Error())
		return
	}
	o.advance(ctx, rs, model.StateRolledBack, "restored backup "+rs.record.ID)
}

// fail ends a run that has nothing to roll back.
func (o *Orchestrator) fail(ctx context.Context, rs *runState, err error) {
	rs.run.Fail(err)
	o.advance(ctx, rs, model.StateFailed, err.Error())
}

// advance applies one transition, audits it and persists the run. An
// illegal transition is a programming error; it is logged and audited and
// the run keeps its state.
func (o *Orchestrator) advance(ctx context.Context, rs *runState, to model.State, reason string) {
	rc := audit.FromContext(ctx)
	t, err := rs.run.Advance(to, reason, o.cfg.Now())
	if err != nil {
		rs.logger.Error("state machine rejected transition", "to", to, "error", err)
		rc.Record(audit.EventTransition, map[string]any{"to": string(to), "rejected": err.Error()})
		return
	}
	rs.logger.Info("state transition", "from", t.From, "to", t.To)
	details := map[string]any{"from": string(t.From), "to": string(t.To)}
	if reason != "" {
		details["reason"] = reason
	}
	if rs.run.BackupRecordID != "" {
		details["backup_id"] = rs.run.BackupRecordID
	}
	rc.Record(audit.EventTransition, details)

	if err := o.deps.Runs.Put(rs.run); err != nil {
		rs.logger.Error("failed to persist run", "state", rs.run.State, "error", err)
	}
}

// finish prunes, records metrics and the final audit event.
func (o *Orchestrator) finish(ctx context.Context, rs *runState, protected []string) *model.DeploymentRun {
	run := rs.run
	rc := audit.FromContext(ctx)

	if o.cfg.KeepBackups >= 0 && run.State != model.StatePending {
		keep := append(protected, run.BackupRecordID)
		pruned, err := o.deps.Backups.Prune(ctx, o.cfg.KeepBackups, keep...)
		if err != nil {
			rs.logger.Warn("backup pruning failed", "error", err)
		}
		metrics.RecordPruned(run.TargetID, len(pruned))
	}

	duration := run.EndedAt.Sub(run.StartedAt)
	metrics.RecordRun(run.TargetID, string(run.State), duration.Seconds(), float64(run.EndedAt.Unix()))

	details := map[string]any{
		"state":    string(run.State),
		"duration": duration.String(),
	}
	if run.BackupRecordID != "" {
		details["backup_id"] = run.BackupRecordID
	}
	if run.FailureReason != "" {
		details["failure_kind"] = run.FailureKind
		details["failure_reason"] = run.FailureReason
	}
	rc.Record(audit.EventRunFinished, details)

	level := slog.LevelInfo
	if run.State != model.StateSucceeded {
		level = slog.LevelError
	}
	rs.logger.Log(ctx, level, "deployment finished", "state", run.State, "duration", duration, "failure_kind", run.FailureKind)
	return run
}
