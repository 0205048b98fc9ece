// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package model

import (
	"errors"
	"fmt"
	"time"
)

// State is the lifecycle state of a DeploymentRun.
type State string

const (
	StatePending      State = "PENDING"
	StateBackingUp    State = "BACKING_UP"
	StateTransferring State = "TRANSFERRING"
	StateRestarting   State = "RESTARTING"
	StateVerifying    State = "VERIFYING"
	StateRollingBack  State = "ROLLING_BACK"
	StateSucceeded    State = "SUCCEEDED"
	StateRolledBack   State = "ROLLED_BACK"
	StateFailed       State = "FAILED"
)

// transitions is the complete forward graph. A failure while backing up goes
// straight to FAILED because nothing was mutated; PENDING may only fail by
// cancellation.
var transitions = map[State][]State{
	StatePending:      {StateBackingUp, StateFailed},
	StateBackingUp:    {StateTransferring, StateFailed},
	StateTransferring: {StateRestarting, StateRollingBack},
	StateRestarting:   {StateVerifying, StateRollingBack},
	StateVerifying:    {StateSucceeded, StateRollingBack},
	StateRollingBack:  {StateRolledBack, StateFailed},
}

// ErrIllegalTransition is returned when a transition is not in the graph.
var ErrIllegalTransition = errors.New("illegal state transition")

// IsTerminal reports whether no further transition is possible.
func (s State) IsTerminal() bool {
	return s == StateSucceeded || s == StateRolledBack || s == StateFailed
}

// CanTransition reports whether from -> to is an edge of the state graph.
func CanTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Transition records one edge taken by a run.
type Transition struct {
	From   State     `json:"from"`
	To     State     `json:"to"`
	At     time.Time `json:"at"`
	Reason string    `json:"reason,omitempty"`
}

// DeploymentRun is the aggregate root of one orchestrator execution.
//
// # Description
//
// Created PENDING when a deployment is requested and driven through the
// state graph by the orchestrator, which is its only writer. Health results
// are append-only; the run never overwrites a recorded attempt.
//
// # Thread Safety
//
// Not safe for concurrent mutation. The orchestrator owns it exclusively.
type DeploymentRun struct {
	ID                 string              `json:"id"`
	TargetID           string              `json:"target_id"`
	RequestedArtifacts []ArtifactSpec      `json:"requested_artifacts"`
	Handle             ServiceHandle       `json:"handle"`
	State              State               `json:"state"`
	BackupRecordID     string              `json:"backup_record_id,omitempty"`
	HealthResults      []HealthCheckResult `json:"health_results,omitempty"`
	RollbackResults    []HealthCheckResult `json:"rollback_results,omitempty"`
	Transitions        []Transition        `json:"transitions"`
	StartedAt          time.Time           `json:"started_at"`
	EndedAt            time.Time           `json:"ended_at,omitempty"`
	FailureReason      string              `json:"failure_reason,omitempty"`
	FailureKind        string              `json:"failure_kind,omitempty"`
	AuditLogPath       string              `json:"audit_log_path,omitempty"`
}

// NewDeploymentRun creates a PENDING run.
func NewDeploymentRun(id, targetID string, artifacts []ArtifactSpec, handle ServiceHandle, now time.Time) *DeploymentRun {
	requested := make([]ArtifactSpec, len(artifacts))
	copy(requested, artifacts)
	return &DeploymentRun{
		ID:                 id,
		TargetID:           targetID,
		RequestedArtifacts: requested,
		Handle:             handle,
		State:              StatePending,
		StartedAt:          now,
	}
}

// IsActive reports whether the run is non-terminal.
func (r *DeploymentRun) IsActive() bool {
	return !r.State.IsTerminal()
}

// Advance moves the run along one edge of the state graph.
//
// # Description
//
// Rejects any edge not present in the graph, including every edge out of a
// terminal state. Entering a terminal state stamps EndedAt.
//
// # Inputs
//
//   - to: Next state.
//   - reason: Free-form reason recorded with the transition.
//   - now: Transition time.
//
// # Outputs
//
//   - Transition: The recorded edge.
//   - error: ErrIllegalTransition if the edge does not exist.
func (r *DeploymentRun) Advance(to State, reason string, now time.Time) (Transition, error) {
	if !CanTransition(r.State, to) {
		return Transition{}, fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, r.State, to)
	}
	t := Transition{From: r.State, To: to, At: now, Reason: reason}
	r.Transitions = append(r.Transitions, t)
	r.State = to
	if to.IsTerminal() {
		r.EndedAt = now
	}
	return t, nil
}

// Fail records the failure reason and kind derived from err. The first
// recorded reason is kept; a later failure (for example during rollback) is
// appended so the original cause stays visible.
func (r *DeploymentRun) Fail(err error) {
	if err == nil {
		return
	}
	if r.FailureReason == "" {
		r.FailureReason = err.Error()
	} else {
		r.FailureReason = r.FailureReason + "; " + err.Error()
	}
	r.FailureKind = KindOf(err)
}
