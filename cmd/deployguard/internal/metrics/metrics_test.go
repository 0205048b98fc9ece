// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package metrics

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func textfile(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "deployguard.prom")
	require.NoError(t, WriteTextfile(path))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return string(data)
}

func TestRecordRun(t *testing.T) {
	RecordRun("run-test", "SUCCEEDED", 12.5, 1700000000)

	text := textfile(t)
	assert.Contains(t, text, `deployguard_runs_total{state="SUCCEEDED",target="run-test"} 1`)
	assert.Contains(t, text, `deployguard_last_run_timestamp_seconds{state="SUCCEEDED",target="run-test"} 1.7e+09`)
	assert.Contains(t, text, `deployguard_run_duration_seconds_count{state="SUCCEEDED",target="run-test"} 1`)
}

func TestRecordProbe(t *testing.T) {
	RecordProbe("log_pattern", false, 0.01)
	RecordProbe("log_pattern", false, 0.02)
	RecordProbe("log_pattern", true, 0.02)

	text := textfile(t)
	assert.Contains(t, text, `deployguard_health_probe_attempts_total{kind="log_pattern",result="fail"} 2`)
	assert.Contains(t, text, `deployguard_health_probe_attempts_total{kind="log_pattern",result="pass"} 1`)
}

func TestWriteTextfile(t *testing.T) {
	RecordRetry("textfile-test", "TRANSFERRING")
	RecordPruned("textfile-test", 3)
	RecordPhase("textfile-test", "BACKING_UP", true, 0.2)

	text := textfile(t)
	assert.Contains(t, text, `deployguard_connectivity_retries_total{phase="TRANSFERRING",target="textfile-test"} 1`)
	assert.Contains(t, text, `deployguard_backup_pruned_total{target="textfile-test"} 3`)
	assert.Contains(t, text, `deployguard_phase_duration_seconds_count{outcome="ok",phase="BACKING_UP",target="textfile-test"} 1`)
	assert.NotContains(t, text, "go_goroutines", "only deployguard collectors are exported")
}
