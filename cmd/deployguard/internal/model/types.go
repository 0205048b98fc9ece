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
Package model holds the data model shared by every deployguard component:
artifacts, backup records, health check specs and results, service handles
and the DeploymentRun aggregate with its state graph.

Nothing in this package performs I/O. Components report outcomes to the
orchestrator, which is the only code that mutates a DeploymentRun.
*/
package model

import (
	"fmt"
	"io/fs"
	"time"
)

// =============================================================================
// Artifacts
// =============================================================================

// ArtifactSpec pairs a local source file with its destination on the target.
//
// # Description
//
// ArtifactSpec is immutable once produced by the resolver. Checksum is the
// expected lowercase hex SHA-256 of the source; empty means "not declared",
// in which case the transfer still verifies the staged copy against the
// checksum computed while streaming the source.
type ArtifactSpec struct {
	// SourcePath is an absolute local path.
	SourcePath string `json:"source_path"`

	// DestinationPath is an absolute path on the target.
	DestinationPath string `json:"destination_path"`

	// Checksum is the declared SHA-256 (hex) of the source, if any.
	Checksum string `json:"checksum,omitempty"`

	// Mode is the permission applied to the destination. Zero keeps the
	// source file's permission bits.
	Mode fs.FileMode `json:"mode,omitempty"`
}

// String returns "source -> destination".
func (a ArtifactSpec) String() string {
	return fmt.Sprintf("%s -> %s", a.SourcePath, a.DestinationPath)
}

// =============================================================================
// Backups
// =============================================================================

// BackupEntry describes one destination captured by a BackupRecord.
//
// When Absent is true the destination did not exist before the run, so a
// restore deletes it instead of writing content back.
type BackupEntry struct {
	DestinationPath string      `json:"destination_path"`
	StoredCopyPath  string      `json:"stored_copy_path,omitempty"`
	Absent          bool        `json:"absent"`
	Checksum        string      `json:"checksum,omitempty"`
	Size            int64       `json:"size,omitempty"`
	Mode            fs.FileMode `json:"mode,omitempty"`
}

// BackupRecord is an immutable snapshot of pre-deployment artifact state.
//
// # Description
//
// Created by the backup manager before any transfer and never mutated
// afterwards. Only the retention policy deletes records.
type BackupRecord struct {
	ID              string        `json:"id"`
	TargetID        string        `json:"target_id"`
	DeploymentRunID string        `json:"deployment_run_id"`
	CreatedAt       time.Time     `json:"created_at"`
	Entries         []BackupEntry `json:"entries"`

	// Dir is the on-disk location of the record. Not persisted in the index.
	Dir string `json:"-"`
}

// =============================================================================
// Service handles
// =============================================================================

// HandleKind selects how the service controller drives a service.
type HandleKind string

const (
	// HandleSystemd drives a systemd unit via systemctl.
	HandleSystemd HandleKind = "systemd"

	// HandleContainer drives a container via docker or podman.
	HandleContainer HandleKind = "container"

	// HandleProcess drives a bare process via pkill/pgrep and a start command.
	HandleProcess HandleKind = "process"

	// HandleCommand uses the caller's own start/stop/status commands.
	HandleCommand HandleKind = "command"
)

// DefaultContainerRuntime is used for container targets and container
// handles that do not name a runtime.
const DefaultContainerRuntime = "docker"

// ServiceHandle is an opaque reference to the managed service.
//
// Name is a unit name, container name, or process match pattern depending
// on Kind. The optional commands are shell snippets run on the target and
// override the defaults for Kind.
type ServiceHandle struct {
	Kind          HandleKind `json:"kind"`
	Name          string     `json:"name"`
	Runtime       string     `json:"runtime,omitempty"`
	StartCommand  string     `json:"start_command,omitempty"`
	StopCommand   string     `json:"stop_command,omitempty"`
	StatusCommand string     `json:"status_command,omitempty"`
}

// =============================================================================
// Health checks
// =============================================================================

// HealthCheckKind specifies the probe used to judge service health.
type HealthCheckKind string

const (
	// HealthCheckHTTP issues a request and matches status and optional body.
	HealthCheckHTTP HealthCheckKind = "http"

	// HealthCheckLogPattern matches a regular expression in a log file.
	HealthCheckLogPattern HealthCheckKind = "log_pattern"

	// HealthCheckProcessAlive verifies a matching process is running.
	HealthCheckProcessAlive HealthCheckKind = "process_alive"
)

// ParseHealthCheckKind converts a configured kind into a HealthCheckKind.
// Unknown kinds are a ConfigError.
func ParseHealthCheckKind(s string) (HealthCheckKind, error) {
	switch k := HealthCheckKind(s); k {
	case HealthCheckHTTP, HealthCheckLogPattern, HealthCheckProcessAlive:
		return k, nil
	default:
		return "", NewError(ErrConfig, "parse probe kind", fmt.Errorf("unknown probe kind %q", s))
	}
}

// HealthCheckSpec configures one probe. Read-only during a run.
//
// # Description
//
// Target is a URL (http), a log file path on the target (log_pattern), or a
// process match pattern (process_alive). ExpectedCondition is a regular
// expression: the body match for http, the line match for log_pattern.
// Each spec is retried up to MaxAttempts with exponential backoff starting
// at Backoff, and the whole spec is bounded by Timeout.
type HealthCheckSpec struct {
	Name              string          `json:"name"`
	Kind              HealthCheckKind `json:"kind"`
	Target            string          `json:"target"`
	ExpectedCondition string          `json:"expected_condition,omitempty"`
	ExpectedStatus    int             `json:"expected_status,omitempty"`
	Method            string          `json:"method,omitempty"`
	Window            time.Duration   `json:"window,omitempty"`
	Timeout           time.Duration   `json:"timeout"`
	MaxAttempts       int             `json:"max_attempts"`
	Backoff           time.Duration   `json:"backoff"`
}

// HealthCheckResult records a single probe attempt. Immutable once appended.
type HealthCheckResult struct {
	Spec       string          `json:"spec"`
	Kind       HealthCheckKind `json:"kind"`
	Attempt    int             `json:"attempt"`
	Passed     bool            `json:"passed"`
	ObservedAt time.Time       `json:"observed_at"`
	Detail     string          `json:"detail,omitempty"`
}

// DeriveVerdict computes the overall health verdict from a result sequence.
//
// # Description
//
// A spec passes if any of its recorded attempts passed. The verdict is the
// logical AND across specs; a spec with no recorded attempt fails. This is
// the only way a verdict is produced, so re-deriving it from a persisted
// result sequence always reproduces the run's decision.
//
// # Inputs
//
//   - specs: The specs that had to pass.
//   - results: Every recorded attempt, in any order.
//
// # Outputs
//
//   - bool: True only if every spec has at least one passing attempt.
func DeriveVerdict(specs []HealthCheckSpec, results []HealthCheckResult) bool {
	return len(specs) == 0 || len(FailedSpecs(specs, results)) == 0
}

// FailedSpecs names the specs without a passing attempt, in spec order.
// When specs is nil the specs are taken from results in order of first
// appearance, which is how a persisted run is reported.
func FailedSpecs(specs []HealthCheckSpec, results []HealthCheckResult) []string {
	passed := make(map[string]bool, len(specs))
	var seen []string
	for _, r := range results {
		if _, ok := passed[r.Spec]; !ok {
			seen = append(seen, r.Spec)
		}
		passed[r.Spec] = passed[r.Spec] || r.Passed
	}

	names := seen
	if specs != nil {
		names = make([]string, len(specs))
		for i, s := range specs {
			names[i] = s.Name
		}
	}
	var failed []string
	for _, name := range names {
		if !passed[name] {
			failed = append(failed, name)
		}
	}
	return failed
}
