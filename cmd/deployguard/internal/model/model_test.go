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
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var allStates = []State{
	StatePending, StateBackingUp, StateTransferring, StateRestarting,
	StateVerifying, StateRollingBack, StateSucceeded, StateRolledBack, StateFailed,
}

// =============================================================================
// State graph
// =============================================================================

func TestCanTransition_Graph(t *testing.T) {
	legal := map[[2]State]bool{
		{StatePending, StateBackingUp}:        true,
		{StatePending, StateFailed}:           true,
		{StateBackingUp, StateTransferring}:   true,
		{StateBackingUp, StateFailed}:         true,
		{StateTransferring, StateRestarting}:  true,
		{StateTransferring, StateRollingBack}: true,
		{StateRestarting, StateVerifying}:     true,
		{StateRestarting, StateRollingBack}:   true,
		{StateVerifying, StateSucceeded}:      true,
		{StateVerifying, StateRollingBack}:    true,
		{StateRollingBack, StateRolledBack}:   true,
		{StateRollingBack, StateFailed}:       true,
	}

	for _, from := range allStates {
		for _, to := range allStates {
			assert.Equal(t, legal[[2]State{from, to}], CanTransition(from, to), "%s -> %s", from, to)
		}
	}
}

func TestState_IsTerminal(t *testing.T) {
	for _, s := range allStates {
		want := s == StateSucceeded || s == StateRolledBack || s == StateFailed
		assert.Equal(t, want, s.IsTerminal(), string(s))
	}
}

func TestDeploymentRun_HappyPath(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	run := NewDeploymentRun("run-1", "staging", nil, ServiceHandle{Kind: HandleSystemd, Name: "app"}, now)
	require.Equal(t, StatePending, run.State)
	assert.True(t, run.IsActive())

	for i, to := range []State{StateBackingUp, StateTransferring, StateRestarting, StateVerifying, StateSucceeded} {
		_, err := run.Advance(to, "", now.Add(time.Duration(i+1)*time.Second))
		require.NoError(t, err)
	}

	assert.Equal(t, StateSucceeded, run.State)
	assert.False(t, run.IsActive())
	assert.Len(t, run.Transitions, 5)
	assert.Equal(t, now.Add(5*time.Second), run.EndedAt)
}

func TestDeploymentRun_RejectsIllegalTransition(t *testing.T) {
	run := NewDeploymentRun("run-1", "staging", nil, ServiceHandle{}, time.Now())

	_, err := run.Advance(StateRollingBack, "", time.Now())
	require.ErrorIs(t, err, ErrIllegalTransition)
	assert.Equal(t, StatePending, run.State)
	assert.Empty(t, run.Transitions)
}

func TestDeploymentRun_TerminalIsFinal(t *testing.T) {
	run := NewDeploymentRun("run-1", "staging", nil, ServiceHandle{}, time.Now())
	_, err := run.Advance(StateFailed, "cancelled", time.Now())
	require.NoError(t, err)

	for _, to := range allStates {
		_, err := run.Advance(to, "", time.Now())
		assert.ErrorIs(t, err, ErrIllegalTransition, "FAILED -> %s", to)
	}
}

func TestDeploymentRun_FailKeepsFirstReason(t *testing.T) {
	run := NewDeploymentRun("run-1", "staging", nil, ServiceHandle{}, time.Now())

	run.Fail(NewError(ErrHealthCheck, "verify", errors.New("status 500")))
	run.Fail(NewError(ErrRollback, "rollback", errors.New("restart failed")))

	assert.Contains(t, run.FailureReason, "status 500")
	assert.Contains(t, run.FailureReason, "restart failed")
	assert.Equal(t, "RollbackFailure", run.FailureKind)
}

func TestNewDeploymentRun_CopiesArtifacts(t *testing.T) {
	artifacts := []ArtifactSpec{{SourcePath: "/a", DestinationPath: "/b"}}
	run := NewDeploymentRun("r", "t", artifacts, ServiceHandle{}, time.Now())

	artifacts[0].DestinationPath = "/changed"
	assert.Equal(t, "/b", run.RequestedArtifacts[0].DestinationPath)
}

// =============================================================================
// Errors
// =============================================================================

func TestError_IsMatchesKindAndCause(t *testing.T) {
	err := NewError(ErrBackup, "store entry", io.ErrShortWrite)

	assert.ErrorIs(t, err, ErrBackup)
	assert.ErrorIs(t, err, io.ErrShortWrite)
	assert.NotErrorIs(t, err, ErrTransfer)
	assert.Equal(t, "BackupError: store entry: short write", err.Error())
}

func TestKindOf_PhaseWinsOverConnectivity(t *testing.T) {
	conn := NewError(ErrConnectivity, "dial", errors.New("connection reset"))
	err := NewError(ErrServiceRestart, "restart", conn)

	assert.ErrorIs(t, err, ErrConnectivity)
	assert.Equal(t, "ServiceRestartError", KindOf(err))
	assert.Equal(t, "ConnectivityError", KindOf(conn))
	assert.Equal(t, "", KindOf(errors.New("plain")))
	assert.Equal(t, "", KindOf(nil))
}

func TestKindOf_OuterKindWins(t *testing.T) {
	hostKey := NewError(ErrConfig, "ssh host key prod:22", errors.New("key mismatch"))

	restore := NewError(ErrRollback, "restore", NewError(ErrBackup, "restore entry", hostKey))
	assert.Equal(t, "RollbackFailure", KindOf(restore))

	backup := NewError(ErrBackup, "store entry", hostKey)
	assert.Equal(t, "BackupError", KindOf(backup))

	verify := NewError(ErrHealthCheck, "mark", NewError(ErrConnectivity, "stat", errors.New("eof")))
	assert.Equal(t, "HealthCheckFailure", KindOf(verify))

	assert.Equal(t, "ConfigError", KindOf(hostKey))
}

func TestParseHealthCheckKind(t *testing.T) {
	k, err := ParseHealthCheckKind("log_pattern")
	require.NoError(t, err)
	assert.Equal(t, HealthCheckLogPattern, k)

	_, err = ParseHealthCheckKind("tcp")
	assert.ErrorIs(t, err, ErrConfig)
}

// =============================================================================
// Verdict
// =============================================================================

func TestDeriveVerdict(t *testing.T) {
	specs := []HealthCheckSpec{{Name: "http"}, {Name: "log"}}

	tests := []struct {
		name    string
		results []HealthCheckResult
		want    bool
	}{
		{"no results", nil, false},
		{"all pass", []HealthCheckResult{{Spec: "http", Passed: true}, {Spec: "log", Passed: true}}, true},
		{"pass after retry", []HealthCheckResult{
			{Spec: "http", Attempt: 1}, {Spec: "http", Attempt: 2, Passed: true}, {Spec: "log", Passed: true},
		}, true},
		{"one spec never passes", []HealthCheckResult{{Spec: "http", Passed: true}, {Spec: "log"}, {Spec: "log"}}, false},
		{"unknown spec ignored", []HealthCheckResult{{Spec: "other", Passed: true}}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, DeriveVerdict(specs, tt.results))
		})
	}
}

func TestDeriveVerdict_NoSpecsPasses(t *testing.T) {
	assert.True(t, DeriveVerdict(nil, nil))
	assert.True(t, DeriveVerdict(nil, []HealthCheckResult{{Spec: "stray"}}))
}

func TestFailedSpecs(t *testing.T) {
	specs := []HealthCheckSpec{{Name: "http"}, {Name: "log"}, {Name: "proc"}}
	results := []HealthCheckResult{
		{Spec: "log", Attempt: 1},
		{Spec: "http", Attempt: 1},
		{Spec: "http", Attempt: 2, Passed: true},
		{Spec: "log", Attempt: 2},
	}

	assert.Equal(t, []string{"log", "proc"}, FailedSpecs(specs, results), "spec order, unattempted spec fails")
	assert.Equal(t, []string{"log"}, FailedSpecs(nil, results), "specs taken from results")
	assert.Empty(t, FailedSpecs(specs[:1], results))
	assert.Equal(t, len(FailedSpecs(specs, results)) == 0, DeriveVerdict(specs, results))
}
