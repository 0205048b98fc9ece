// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package audit

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLog_WritesVerifiableChain(t *testing.T) {
	stateDir := t.TempDir()
	log, err := Open(stateDir, "staging", "run-1", nil)
	require.NoError(t, err)

	log.Record(EventRunStarted, map[string]any{"artifacts": 2})
	log.Record(EventTransition, map[string]any{"from": "PENDING", "to": "BACKING_UP"})
	log.Record(EventBackupCreated, map[string]any{"backup_id": "b1", "bytes": int64(1 << 40), "timeout": 30 * time.Second})
	require.NoError(t, log.Close())

	assert.Equal(t, filepath.Join(stateDir, Dir, "staging", "run-1.jsonl"), log.Path())
	assert.Zero(t, log.Failures())

	records, err := Read(log.Path())
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, "", records[0].PrevHash)
	assert.Equal(t, records[0].RecordHash, records[1].PrevHash)
	assert.Equal(t, "run-1", records[2].RunID)
	assert.Equal(t, "b1", records[2].Details["backup_id"])

	require.NoError(t, VerifyChain(records))
	assert.Len(t, Find(records, EventTransition), 1)
}

func TestVerifyChain_DetectsTampering(t *testing.T) {
	log, err := Open(t.TempDir(), "staging", "run-1", nil)
	require.NoError(t, err)
	log.Record(EventTransition, map[string]any{"to": "VERIFYING"})
	log.Record(EventTransition, map[string]any{"to": "SUCCEEDED"})
	log.Close()

	raw, err := os.ReadFile(log.Path())
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(log.Path(), []byte(strings.Replace(string(raw), "SUCCEEDED", "ROLLED_BACK", 1)), 0o644))

	records, err := Read(log.Path())
	require.NoError(t, err)
	assert.ErrorIs(t, VerifyChain(records), ErrChainBroken)

	assert.ErrorIs(t, VerifyChain(records[1:]), ErrChainBroken, "dropped first record")
}

func TestOpen_RefusesExistingRun(t *testing.T) {
	stateDir := t.TempDir()
	log, err := Open(stateDir, "staging", "run-1", nil)
	require.NoError(t, err)
	log.Close()

	_, err = Open(stateDir, "staging", "run-1", nil)
	assert.Error(t, err)
}

func TestLog_RecordAfterCloseCountsFailure(t *testing.T) {
	log, err := Open(t.TempDir(), "staging", "run-1", nil)
	require.NoError(t, err)
	log.Close()

	log.Record(EventRunFinished, nil)
	assert.Equal(t, 1, log.Failures())
}

func TestLog_ConcurrentRecords(t *testing.T) {
	log, err := Open(t.TempDir(), "staging", "run-1", nil)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			log.Record(EventHealthAttempt, map[string]any{"attempt": i})
		}(i)
	}
	wg.Wait()
	log.Close()

	records, err := Read(log.Path())
	require.NoError(t, err)
	assert.Len(t, records, 20)
	assert.NoError(t, VerifyChain(records))
}

func TestFromContext(t *testing.T) {
	assert.Equal(t, Discard, FromContext(context.Background()))

	log, err := Open(t.TempDir(), "staging", "run-1", nil)
	require.NoError(t, err)
	defer log.Close()

	ctx := WithRecorder(context.Background(), log)
	FromContext(ctx).Record(EventRetry, nil)

	records, err := Read(log.Path())
	require.NoError(t, err)
	assert.Len(t, records, 1)
}
