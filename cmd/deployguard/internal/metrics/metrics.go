// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package metrics holds the Prometheus metrics of deployguard.
//
// deployguard is a short-lived CLI, so metrics are not scraped. They are
// written to a node-exporter textfile after each command.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Registry holds only deployguard's collectors.
var Registry = prometheus.NewRegistry()

// =============================================================================
// Prometheus Metrics for Deployments
// =============================================================================

var (
	// runsTotal counts finished runs.
	// Labels: target, state (SUCCEEDED, ROLLED_BACK, FAILED)
	runsTotal = promauto.With(Registry).NewCounterVec(prometheus.CounterOpts{
		Namespace: "deployguard",
		Name:      "runs_total",
		Help:      "Deployment runs by terminal state",
	}, []string{"target", "state"})

	// runDuration measures whole-run wall time.
	// Labels: target, state
	runDuration = promauto.With(Registry).NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "deployguard",
		Name:      "run_duration_seconds",
		Help:      "Deployment run duration in seconds",
		Buckets:   []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800},
	}, []string{"target", "state"})

	// phaseDuration measures each state machine phase.
	// Labels: target, phase, outcome (ok, error)
	phaseDuration = promauto.With(Registry).NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "deployguard",
		Subsystem: "phase",
		Name:      "duration_seconds",
		Help:      "Phase duration in seconds",
		Buckets:   []float64{0.1, 0.5, 1, 5, 10, 30, 60, 300},
	}, []string{"target", "phase", "outcome"})

	// retriesTotal counts connectivity retries.
	// Labels: target, phase
	retriesTotal = promauto.With(Registry).NewCounterVec(prometheus.CounterOpts{
		Namespace: "deployguard",
		Name:      "connectivity_retries_total",
		Help:      "Connectivity retries by phase",
	}, []string{"target", "phase"})

	// probeAttempts counts health probe attempts.
	// Labels: kind, result (pass, fail)
	probeAttempts = promauto.With(Registry).NewCounterVec(prometheus.CounterOpts{
		Namespace: "deployguard",
		Subsystem: "health",
		Name:      "probe_attempts_total",
		Help:      "Health probe attempts by kind and result",
	}, []string{"kind", "result"})

	// probeLatency measures a single probe attempt.
	// Labels: kind
	probeLatency = promauto.With(Registry).NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "deployguard",
		Subsystem: "health",
		Name:      "probe_latency_seconds",
		Help:      "Health probe attempt latency in seconds",
		Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 5},
	}, []string{"kind"})

	// backupsPruned counts deleted backup records.
	// Labels: target
	backupsPruned = promauto.With(Registry).NewCounterVec(prometheus.CounterOpts{
		Namespace: "deployguard",
		Subsystem: "backup",
		Name:      "pruned_total",
		Help:      "Backup records deleted by retention",
	}, []string{"target"})

	// lastRunTimestamp is the end time of the last run per target.
	// Labels: target, state
	lastRunTimestamp = promauto.With(Registry).NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "deployguard",
		Name:      "last_run_timestamp_seconds",
		Help:      "Unix time the last run on a target ended",
	}, []string{"target", "state"})
)

// =============================================================================
// Metrics Recording Functions
// =============================================================================

// RecordRun records a finished run.
//
// Inputs:
//
//	target - Target id.
//	state - Terminal state.
//	durationSec - Run duration in seconds.
//	endedUnix - Unix time the run ended.
func RecordRun(target, state string, durationSec float64, endedUnix float64) {
	runsTotal.WithLabelValues(target, state).Inc()
	runDuration.WithLabelValues(target, state).Observe(durationSec)
	lastRunTimestamp.WithLabelValues(target, state).Set(endedUnix)
}

// RecordPhase records one phase of a run.
func RecordPhase(target, phase string, ok bool, durationSec float64) {
	outcome := "ok"
	if !ok {
		outcome = "error"
	}
	phaseDuration.WithLabelValues(target, phase, outcome).Observe(durationSec)
}

// RecordRetry records a connectivity retry.
func RecordRetry(target, phase string) {
	retriesTotal.WithLabelValues(target, phase).Inc()
}

// RecordProbe records a health probe attempt.
func RecordProbe(kind string, passed bool, durationSec float64) {
	result := "pass"
	if !passed {
		result = "fail"
	}
	probeAttempts.WithLabelValues(kind, result).Inc()
	probeLatency.WithLabelValues(kind).Observe(durationSec)
}

// RecordPruned records deleted backup records.
func RecordPruned(target string, n int) {
	backupsPruned.WithLabelValues(target).Add(float64(n))
}

// WriteTextfile writes all metrics to path in the Prometheus text format.
// The file is written to a temporary name and renamed, so a collector never
// reads a partial file.
func WriteTextfile(path string) error {
	return prometheus.WriteToTextfile(path, Registry)
}
