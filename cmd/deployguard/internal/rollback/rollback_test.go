// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package rollback

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/deployguard/cmd/deployguard/internal/backup"
	"github.com/AleutianAI/deployguard/cmd/deployguard/internal/model"
	"github.com/AleutianAI/deployguard/cmd/deployguard/internal/remote"
	"github.com/AleutianAI/deployguard/cmd/deployguard/internal/service"
)

type stubVerifier struct {
	passed bool
	marks  int
	calls  int

	// markErrs are returned by successive Mark calls.
	markErrs []error
}

func (s *stubVerifier) Mark(context.Context, []model.HealthCheckSpec) error {
	s.marks++
	if len(s.markErrs) > 0 {
		err := s.markErrs[0]
		s.markErrs = s.markErrs[1:]
		return err
	}
	return nil
}

func (s *stubVerifier) Verify(_ context.Context, specs []model.HealthCheckSpec, _ string) (bool, []model.HealthCheckResult) {
	s.calls++
	var out []model.HealthCheckResult
	for _, spec := range specs {
		out = append(out, model.HealthCheckResult{Spec: spec.Name, Attempt: 1, Passed: s.passed, ObservedAt: time.Now()})
	}
	return s.passed, out
}

type restorerFunc func(ctx context.Context, rec *model.BackupRecord) error

func (f restorerFunc) Restore(ctx context.Context, rec *model.BackupRecord) error { return f(ctx, rec) }

var (
	handle = model.ServiceHandle{Kind: model.HandleSystemd, Name: "app"}
	specs  = []model.HealthCheckSpec{{Name: "api", Kind: model.HealthCheckHTTP}}
)

func backedUp(t *testing.T) (*backup.Manager, *model.BackupRecord, string) {
	t.Helper()
	dir := t.TempDir()
	dst := filepath.Join(dir, "app.bin")
	require.NoError(t, os.WriteFile(dst, []byte("v1"), 0o644))

	mgr := backup.NewManager(backup.DefaultConfig(t.TempDir()), "staging", remote.NewLocal("staging", nil))
	rec, err := mgr.CreateBackup(context.Background(), "run-1", []model.ArtifactSpec{{DestinationPath: dst}})
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(dst, []byte("v2-broken"), 0o644))
	return mgr, rec, dst
}

func TestRollbackTo_RestoresAndVerifies(t *testing.T) {
	mgr, rec, dst := backedUp(t)
	ctrl := &service.MockController{}
	ver := &stubVerifier{passed: true}

	out, err := NewCoordinator(mgr, ctrl, ver, Config{}).RollbackTo(context.Background(), rec, handle, specs, "run-1")
	require.NoError(t, err)
	assert.True(t, out.Passed)
	assert.Equal(t, rec.ID, out.BackupID)
	assert.Len(t, out.Results, 1)

	got, _ := os.ReadFile(dst)
	assert.Equal(t, "v1", string(got))
	assert.Equal(t, []string{"Restart"}, ctrl.GetCalls())
	assert.Equal(t, 1, ver.marks)
	assert.Equal(t, 1, ver.calls)
}

func TestRollbackTo_HealthFailureIsRollbackFailure(t *testing.T) {
	mgr, rec, _ := backedUp(t)
	ver := &stubVerifier{passed: false}

	out, err := NewCoordinator(mgr, &service.MockController{}, ver, Config{}).RollbackTo(context.Background(), rec, handle, specs, "run-1")

	var rerr *RollbackError
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, StageVerify, rerr.Stage)
	assert.Equal(t, rec.ID, rerr.BackupID)
	assert.ErrorIs(t, err, model.ErrRollback)
	assert.Equal(t, "RollbackFailure", model.KindOf(err))
	assert.Contains(t, err.Error(), "restored service failed api")
	assert.False(t, out.Passed)
	assert.Len(t, out.Results, 1, "attempts kept for the run record")
	assert.Equal(t, 1, ver.calls, "never retried")
}

func TestRollbackTo_RestartFailure(t *testing.T) {
	mgr, rec, _ := backedUp(t)
	ctrl := &service.MockController{
		RestartFunc: func(context.Context, model.ServiceHandle, time.Duration) error {
			return model.Errorf(model.ErrServiceRestart, "restart app", "not running after 1s")
		},
	}
	ver := &stubVerifier{passed: true}

	_, err := NewCoordinator(mgr, ctrl, ver, Config{}).RollbackTo(context.Background(), rec, handle, specs, "run-1")
	var rerr *RollbackError
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, StageRestart, rerr.Stage)
	assert.Equal(t, "RollbackFailure", model.KindOf(err))
	assert.Zero(t, ver.calls)
}

// retryConnectivity retries fn up to five times while it fails with
// model.ErrConnectivity.
func retryConnectivity(ctx context.Context, _ string, fn func(context.Context) error) error {
	var err error
	for i := 0; i < 5; i++ {
		if err = fn(ctx); err == nil || !errors.Is(err, model.ErrConnectivity) {
			return err
		}
	}
	return err
}

func TestRollbackTo_RestoreRetried(t *testing.T) {
	rec := &model.BackupRecord{ID: "b1"}
	attempts := 0
	restorer := restorerFunc(func(context.Context, *model.BackupRecord) error {
		attempts++
		if attempts < 3 {
			return model.NewError(model.ErrConnectivity, "ssh dial", errors.New("connection refused"))
		}
		return nil
	})

	out, err := NewCoordinator(restorer, &service.MockController{}, &stubVerifier{passed: true}, Config{Retry: retryConnectivity}).
		RollbackTo(context.Background(), rec, handle, specs, "run-1")
	require.NoError(t, err)
	assert.True(t, out.Passed)
	assert.Equal(t, 3, attempts)
}

func TestRollbackTo_RestoreFailure(t *testing.T) {
	rec := &model.BackupRecord{ID: "b1"}
	restorer := restorerFunc(func(context.Context, *model.BackupRecord) error {
		return &backup.RestoreError{BackupID: "b1", Entry: "/srv/app", Err: backup.ErrCorrupt}
	})
	ctrl := &service.MockController{}

	_, err := NewCoordinator(restorer, ctrl, &stubVerifier{passed: true}, Config{}).RollbackTo(context.Background(), rec, handle, specs, "run-1")
	var rerr *RollbackError
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, StageRestore, rerr.Stage)
	assert.ErrorIs(t, err, backup.ErrCorrupt)
	assert.Empty(t, ctrl.GetCalls(), "service untouched")
}

func TestRollbackTo_MarkRetried(t *testing.T) {
	mgr, rec, dst := backedUp(t)
	blip := model.NewError(model.ErrHealthCheck, "mark /var/log/app.log",
		model.NewError(model.ErrConnectivity, "ssh dial", errors.New("connection reset")))
	ver := &stubVerifier{passed: true, markErrs: []error{blip}}
	ctrl := &service.MockController{}

	out, err := NewCoordinator(mgr, ctrl, ver, Config{Retry: retryConnectivity}).
		RollbackTo(context.Background(), rec, handle, specs, "run-1")
	require.NoError(t, err)
	assert.True(t, out.Passed)
	assert.Equal(t, 2, ver.marks)
	assert.Equal(t, []string{"Restart"}, ctrl.GetCalls())

	got, _ := os.ReadFile(dst)
	assert.Equal(t, "v1", string(got))
}

func TestRollbackTo_MarkFailureWithoutRetry(t *testing.T) {
	mgr, rec, _ := backedUp(t)
	blip := model.NewError(model.ErrHealthCheck, "mark", model.NewError(model.ErrConnectivity, "ssh dial", errors.New("eof")))
	ver := &stubVerifier{passed: true, markErrs: []error{blip}}
	ctrl := &service.MockController{}

	_, err := NewCoordinator(mgr, ctrl, ver, Config{}).RollbackTo(context.Background(), rec, handle, specs, "run-1")
	var rerr *RollbackError
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, StageVerify, rerr.Stage)
	assert.Equal(t, "RollbackFailure", model.KindOf(err))
	assert.Empty(t, ctrl.GetCalls(), "no restart after a failed mark")
}
