// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package deploy

import (
	"context"
	"errors"
	"fmt"

	"github.com/AleutianAI/deployguard/cmd/deployguard/internal/lock"
	"github.com/AleutianAI/deployguard/cmd/deployguard/internal/model"
	"github.com/AleutianAI/deployguard/cmd/deployguard/internal/resolve"
)

// Exit codes of the deploy command.
const (
	ExitSucceeded      = 0
	ExitRolledBack     = 1
	ExitRollbackFailed = 2
	ExitConfig         = 3
	ExitInternal       = 4
)

// PlanStep is one artifact of a dry run.
type PlanStep struct {
	Artifact model.ArtifactSpec
	// Exists is false when the destination is absent; the backup then
	// records an absent marker and a rollback deletes the file.
	Exists bool
	Size   int64
}

// Plan describes what a deployment would do.
type Plan struct {
	TargetID string
	Handle   model.ServiceHandle
	Steps    []PlanStep
	Health   []model.HealthCheckSpec
}

// Preview builds the plan for res without modifying anything.
//
// # Description
//
// Checks that the target lock is free and stats every destination through
// the target executor. No backup is taken and no run is recorded.
//
// # Outputs
//
//   - *Plan: The plan.
//   - error: model.ErrConflict if a run holds the lock, or the executor's
//     error for an unreachable target.
func (o *Orchestrator) Preview(ctx context.Context, res *resolve.Resolved) (*Plan, error) {
	lk, err := lock.New(o.cfg.StateDir, res.TargetID)
	if err != nil {
		return nil, model.NewError(model.ErrConfig, "lock target", err)
	}
	held, err := lk.IsHeld()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInternal, err)
	}
	if held {
		held := fmt.Errorf("%w: target %q", lock.ErrLockHeld, res.TargetID)
		if pid := lk.HolderPID(); pid > 0 {
			held = fmt.Errorf("%w: target %q (pid %d)", lock.ErrLockHeld, res.TargetID, pid)
		}
		return nil, model.NewError(model.ErrConflict, "dry run", held)
	}

	plan := &Plan{TargetID: res.TargetID, Handle: res.Handle, Health: res.Health}
	for _, a := range res.Artifacts {
		fi, err := o.deps.Exec.Stat(ctx, a.DestinationPath)
		if err != nil {
			return nil, err
		}
		plan.Steps = append(plan.Steps, PlanStep{Artifact: a, Exists: fi.Exists, Size: fi.Size})
	}
	return plan, nil
}

// ExitCode maps the outcome of Run to the deploy command's exit code.
//
//	0  SUCCEEDED
//	1  ROLLED_BACK, or FAILED with nothing modified
//	2  FAILED with a RollbackFailure
//	3  configuration error or lock held
//	4  internal error, no run recorded
func ExitCode(run *model.DeploymentRun, err error) int {
	if run == nil {
		switch {
		case err == nil:
			return ExitSucceeded
		case errors.Is(err, model.ErrConfig), errors.Is(err, model.ErrConflict):
			return ExitConfig
		default:
			return ExitInternal
		}
	}
	switch run.State {
	case model.StateSucceeded:
		return ExitSucceeded
	case model.StateFailed:
		if run.FailureKind == model.KindOf(model.ErrRollback) {
			return ExitRollbackFailed
		}
		return ExitRolledBack
	case model.StateRolledBack:
		return ExitRolledBack
	default:
		return ExitInternal
	}
}
