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
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/deployguard/cmd/deployguard/internal/model"
	"github.com/AleutianAI/deployguard/cmd/deployguard/internal/store"
	"github.com/AleutianAI/deployguard/cmd/deployguard/internal/ux"
)

func newRunsCmd(g *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "Inspect deployment run history",
	}

	var listTarget string
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List runs of a target, newest first",
		Args:  noArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireFlags(cmd, "target"); err != nil {
				return err
			}
			return runRunsList(g, listTarget)
		},
	}
	listCmd.Flags().StringVar(&listTarget, "target", "", "Target environment id")

	var showTarget string
	var asJSON bool
	showCmd := &cobra.Command{
		Use:   "show <run-id>",
		Short: "Show one run with its transitions and health results",
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRunsShow(g, showTarget, args[0], asJSON)
		},
	}
	showCmd.Flags().StringVar(&showTarget, "target", "", "Target environment id (default: search all)")
	showCmd.Flags().BoolVar(&asJSON, "json", false, "Print the run record as JSON")

	cmd.AddCommand(listCmd, showCmd)
	return cmd
}

// readOnlyStore opens target's run store read-only. It returns nil when the
// target has no runs yet.
func readOnlyStore(g *globalOptions, target string) (*store.RunStore, error) {
	targets, err := store.Targets(g.cfg.StateDir)
	if err != nil {
		return nil, err
	}
	if !slices.Contains(targets, target) {
		return nil, nil
	}
	s, err := store.Open(g.cfg.StateDir, target, store.Config{ReadOnly: true, Logger: g.logger})
	if err != nil {
		return nil, fmt.Errorf("open run store (is a deployment running?): %w", err)
	}
	return s, nil
}

func runRunsList(g *globalOptions, target string) error {
	if err := g.load(); err != nil {
		return err
	}
	if _, err := g.cfg.Target(target); err != nil {
		return err
	}
	s, err := readOnlyStore(g, target)
	if err != nil {
		return err
	}
	if s == nil {
		g.printer.Info("No runs for " + target + ".")
		return nil
	}
	defer s.Close()

	runs, err := s.List()
	if err != nil {
		return err
	}
	rows := make([][]string, 0, len(runs))
	for _, r := range runs {
		duration := "-"
		if !r.EndedAt.IsZero() {
			duration = r.EndedAt.Sub(r.StartedAt).Round(time.Millisecond).String()
		}
		rows = append(rows, []string{
			r.ID,
			stateLabel(g.printer, r.State),
			r.StartedAt.Local().Format(time.RFC3339),
			duration,
			r.BackupRecordID,
			r.FailureKind,
		})
	}
	g.printer.Table([]string{"ID", "STATE", "STARTED", "DURATION", "BACKUP", "FAILURE"}, rows)
	return nil
}

func stateLabel(p *ux.Printer, s model.State) string {
	if !p.Styled() {
		return string(s)
	}
	return string(ux.StateIcon(string(s))) + " " + string(s)
}

func runRunsShow(g *globalOptions, target, id string, asJSON bool) error {
	if err := g.load(); err != nil {
		return err
	}

	var run *model.DeploymentRun
	var err error
	if target != "" {
		s, oerr := readOnlyStore(g, target)
		if oerr != nil {
			return oerr
		}
		if s == nil {
			return model.Errorf(model.ErrConfig, "runs show", "no runs for target %q", target)
		}
		run, err = s.Get(id)
		s.Close()
	} else {
		run, err = store.FindRun(g.cfg.StateDir, id, store.Config{Logger: g.logger})
	}
	if errors.Is(err, store.ErrNotFound) {
		return model.NewError(model.ErrConfig, "runs show", err)
	}
	if err != nil {
		return err
	}

	if asJSON {
		data, err := json.MarshalIndent(run, "", "  ")
		if err != nil {
			return err
		}
		fmt.Fprintln(g.stdout, string(data))
		return nil
	}

	p := g.printer
	p.Title("Run " + run.ID)
	p.Field("target", run.TargetID)
	p.Field("state", run.State)
	p.Field("service", fmt.Sprintf("%s %s", run.Handle.Kind, run.Handle.Name))
	p.Field("started", run.StartedAt.Local().Format(time.RFC3339))
	if !run.EndedAt.IsZero() {
		p.Field("ended", run.EndedAt.Local().Format(time.RFC3339))
	}
	if run.BackupRecordID != "" {
		p.Field("backup", run.BackupRecordID)
	}
	if run.FailureReason != "" {
		p.Field("failure", fmt.Sprintf("%s: %s", run.FailureKind, run.FailureReason))
	}
	p.Field("audit log", run.AuditLogPath)

	rows := make([][]string, 0, len(run.Transitions))
	for _, t := range run.Transitions {
		rows = append(rows, []string{t.At.Local().Format(time.RFC3339), string(t.From), string(t.To), t.Reason})
	}
	p.Table([]string{"AT", "FROM", "TO", "REASON"}, rows)

	printResults(p, "Health checks", run.HealthResults)
	printResults(p, "Rollback health checks", run.RollbackResults)
	return nil
}

func printResults(p *ux.Printer, title string, results []model.HealthCheckResult) {
	if len(results) == 0 {
		return
	}
	p.Title(title)
	rows := make([][]string, 0, len(results))
	for _, r := range results {
		verdict := "fail"
		if r.Passed {
			verdict = "pass"
		}
		rows = append(rows, []string{r.Spec, strconv.Itoa(r.Attempt), verdict, r.Detail})
	}
	p.Table([]string{"CHECK", "ATTEMPT", "RESULT", "DETAIL"}, rows)
}
