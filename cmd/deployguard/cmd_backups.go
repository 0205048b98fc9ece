// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/AleutianAI/deployguard/cmd/deployguard/internal/audit"
	"github.com/AleutianAI/deployguard/cmd/deployguard/internal/backup"
	"github.com/AleutianAI/deployguard/cmd/deployguard/internal/deploy"
	"github.com/AleutianAI/deployguard/cmd/deployguard/internal/lock"
	"github.com/AleutianAI/deployguard/cmd/deployguard/internal/metrics"
	"github.com/AleutianAI/deployguard/cmd/deployguard/internal/model"
	"github.com/AleutianAI/deployguard/cmd/deployguard/internal/store"
)

func newBackupsCmd(g *globalOptions) *cobra.Command {
	var target string
	cmd := &cobra.Command{
		Use:   "backups",
		Short: "Inspect, prune and restore backup records",
	}
	cmd.PersistentFlags().StringVar(&target, "target", "", "Target environment id")

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List backup records, newest first",
		Args:  noArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireFlags(cmd, "target"); err != nil {
				return err
			}
			return runBackupsList(g, target)
		},
	}

	var keep int
	pruneCmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete backup records beyond the newest N",
		Long: `Prune deletes backup records beyond the newest N, oldest first.
Records referenced by runs that never finished are always kept.`,
		Args: noArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireFlags(cmd, "target", "keep"); err != nil {
				return err
			}
			return runBackupsPrune(cmd, g, target, keep)
		},
	}
	pruneCmd.Flags().IntVar(&keep, "keep", -1, "Number of records to keep")

	var id string
	restoreCmd := &cobra.Command{
		Use:   "restore",
		Short: "Restore a backup record onto the target",
		Long: `Restore puts every entry of a backup record back on the target, under
the target lock. Use it for manual recovery after a failed rollback. The
service is not restarted.`,
		Args: noArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireFlags(cmd, "target", "id"); err != nil {
				return err
			}
			return runBackupsRestore(cmd, g, target, id)
		},
	}
	restoreCmd.Flags().StringVar(&id, "id", "", "Backup record id")

	cmd.AddCommand(listCmd, pruneCmd, restoreCmd)
	return cmd
}

func runBackupsList(g *globalOptions, target string) error {
	env, err := g.openTarget(target)
	if err != nil {
		return err
	}
	defer env.Close()

	recs, err := env.backups.List()
	if err != nil {
		return err
	}
	if len(recs) == 0 {
		g.printer.Info("No backups for " + target + ".")
		return nil
	}
	rows := make([][]string, 0, len(recs))
	for _, r := range recs {
		absent := 0
		for _, e := range r.Entries {
			if e.Absent {
				absent++
			}
		}
		rows = append(rows, []string{
			r.ID,
			r.DeploymentRunID,
			r.CreatedAt.Local().Format(time.RFC3339),
			strconv.Itoa(len(r.Entries)),
			strconv.Itoa(absent),
		})
	}
	g.printer.Table([]string{"ID", "RUN", "CREATED", "ENTRIES", "ABSENT"}, rows)
	return nil
}

// lockTarget acquires the target lock for a maintenance command.
func lockTarget(g *globalOptions, target string) (*lock.FileLock, error) {
	lk, err := lock.New(g.cfg.StateDir, target)
	if err != nil {
		return nil, model.NewError(model.ErrConfig, "lock target", err)
	}
	if err := lk.Acquire(); err != nil {
		if errors.Is(err, model.ErrConflict) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", deploy.ErrInternal, err)
	}
	return lk, nil
}

func runBackupsPrune(cmd *cobra.Command, g *globalOptions, target string, keep int) error {
	if keep < 0 {
		return model.Errorf(model.ErrConfig, "prune", "--keep must be >= 0, got %d", keep)
	}
	env, err := g.openTarget(target)
	if err != nil {
		return err
	}
	defer env.Close()

	lk, err := lockTarget(g, target)
	if err != nil {
		return err
	}
	defer lk.Release()

	runs := store.NewLazy(g.cfg.StateDir, target, store.Config{SyncWrites: true, Logger: g.logger})
	defer runs.Close()
	active, err := runs.Active()
	if err != nil {
		return fmt.Errorf("%w: list active runs: %v", deploy.ErrInternal, err)
	}
	var protected []string
	for _, r := range active {
		if r.BackupRecordID != "" {
			protected = append(protected, r.BackupRecordID)
			g.printer.Warning(fmt.Sprintf("keeping %s: run %s never finished (%s)", r.BackupRecordID, r.ID, r.State))
		}
	}

	deleted, err := env.backups.Prune(cmd.Context(), keep, protected...)
	metrics.RecordPruned(target, len(deleted))
	for _, id := range deleted {
		g.printer.Info("deleted " + id)
	}
	if err != nil {
		return err
	}
	g.printer.Success(fmt.Sprintf("pruned %d backup(s), kept newest %d", len(deleted), keep))
	return nil
}

func runBackupsRestore(cmd *cobra.Command, g *globalOptions, target, id string) error {
	env, err := g.openTarget(target)
	if err != nil {
		return err
	}
	defer env.Close()

	rec, err := env.backups.Get(id)
	if errors.Is(err, backup.ErrNotFound) {
		return model.NewError(model.ErrConfig, "restore", err)
	}
	if err != nil {
		return err
	}

	lk, err := lockTarget(g, target)
	if err != nil {
		return err
	}
	defer lk.Release()

	opID := "restore-" + uuid.NewString()
	alog, err := audit.Open(g.cfg.StateDir, target, opID, g.logger)
	if err != nil {
		return fmt.Errorf("%w: %v", deploy.ErrInternal, err)
	}
	defer alog.Close()
	ctx := audit.WithRecorder(cmd.Context(), alog)

	alog.Record(audit.EventRunStarted, map[string]any{"operation": "manual_restore", "backup_id": rec.ID})
	alog.Record(audit.EventLockAcquired, map[string]any{"path": lk.Path()})
	defer alog.Record(audit.EventLockReleased, map[string]any{"path": lk.Path()})

	if err := env.backups.Restore(ctx, rec); err != nil {
		alog.Record(audit.EventRunFinished, map[string]any{"backup_id": rec.ID, "error": err.Error()})
		g.printer.Error("restore of " + rec.ID + " failed: " + err.Error())
		var re *backup.RestoreError
		if errors.As(err, &re) && len(re.Restored) > 0 {
			g.printer.Field("restored before failure", re.Restored)
		}
		g.printer.Field("audit log", alog.Path())
		return &exitError{code: deploy.ExitRollbackFailed, err: err, reported: true}
	}

	alog.Record(audit.EventRunFinished, map[string]any{"backup_id": rec.ID, "entries": len(rec.Entries)})
	g.printer.Success(fmt.Sprintf("restored %s (%d entries)", rec.ID, len(rec.Entries)))
	g.printer.Field("audit log", alog.Path())
	g.printer.Info("Restart the service to load the restored artifacts.")
	return nil
}
