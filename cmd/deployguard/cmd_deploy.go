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
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/deployguard/cmd/deployguard/internal/deploy"
	"github.com/AleutianAI/deployguard/cmd/deployguard/internal/health"
	"github.com/AleutianAI/deployguard/cmd/deployguard/internal/metrics"
	"github.com/AleutianAI/deployguard/cmd/deployguard/internal/model"
	"github.com/AleutianAI/deployguard/cmd/deployguard/internal/resolve"
	"github.com/AleutianAI/deployguard/cmd/deployguard/internal/service"
	"github.com/AleutianAI/deployguard/cmd/deployguard/internal/store"
	"github.com/AleutianAI/deployguard/cmd/deployguard/internal/telemetry"
	"github.com/AleutianAI/deployguard/cmd/deployguard/internal/transfer"
	"github.com/AleutianAI/deployguard/cmd/deployguard/internal/ux"
)

type deployOptions struct {
	target      string
	artifacts   string
	health      string
	keepBackups int
	dryRun      bool
	metricsFile string
	trace       bool
}

func newDeployCmd(g *globalOptions) *cobra.Command {
	o := &deployOptions{}
	cmd := &cobra.Command{
		Use:   "deploy",
		Short: "Deploy an artifact bundle to a target",
		Long: `Deploy backs up every destination, applies the bundle's artifacts,
restarts the service and runs the health checks. When a step after the
backup fails, the backup is restored and the service re-verified.`,
		Example: `  deployguard deploy --target prod-1 --artifacts bundle.yaml --health health.yaml
  deployguard deploy --target prod-1 --artifacts bundle.yaml --health health.yaml --dry-run`,
		Args: noArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireFlags(cmd, "target", "artifacts", "health"); err != nil {
				return err
			}
			return runDeploy(cmd, g, o)
		},
	}
	f := cmd.Flags()
	f.StringVar(&o.target, "target", "", "Target environment id")
	f.StringVar(&o.artifacts, "artifacts", "", "Artifact bundle file")
	f.StringVar(&o.health, "health", "", "Health check file")
	f.IntVar(&o.keepBackups, "keep-backups", 0, "Backups to keep after the run (default from config)")
	f.BoolVar(&o.dryRun, "dry-run", false, "Resolve and print the plan without changing anything")
	f.StringVar(&o.metricsFile, "metrics-file", "", "Write Prometheus metrics to this textfile after the run")
	f.BoolVar(&o.trace, "trace", false, "Export trace spans to stderr")
	return cmd
}

func runDeploy(cmd *cobra.Command, g *globalOptions, o *deployOptions) error {
	env, err := g.openTarget(o.target)
	if err != nil {
		return err
	}
	defer env.Close()
	cfg, logger, p := g.cfg, g.logger, g.printer

	keep := cfg.Defaults.KeepBackups
	if cmd.Flags().Changed("keep-backups") {
		if o.keepBackups < 0 {
			return model.Errorf(model.ErrConfig, "deploy", "--keep-backups must be >= 0, got %d", o.keepBackups)
		}
		keep = o.keepBackups
	}

	res, err := resolve.Resolve(resolve.Request{
		TargetID:   env.target.ID,
		BasePath:   env.target.BasePath,
		BundlePath: o.artifacts,
		HealthPath: o.health,
	})
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	tcfg := telemetry.DefaultConfig()
	tcfg.ServiceVersion = version
	if o.trace || cfg.Observability.Trace {
		tcfg.TraceExporter = "stdout"
		tcfg.Writer = g.stderr
	}
	shutdown, err := telemetry.Init(ctx, tcfg)
	if err != nil {
		return model.NewError(model.ErrConfig, "init tracing", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := shutdown(sctx); err != nil {
			logger.Warn("trace shutdown failed", "error", err)
		}
	}()

	ctrl := service.NewCommandController(env.exec, service.Config{Logger: logger})
	verifier := health.NewVerifier(env.exec, health.Config{
		AttemptsPerSecond: cfg.Defaults.ProbesPerSecond,
		Service:           ctrl,
		Handle:            res.Handle,
		Logger:            logger,
		OnAttempt: func(r model.HealthCheckResult, took time.Duration) {
			metrics.RecordProbe(string(r.Kind), r.Passed, took.Seconds())
		},
	})
	runs := store.NewLazy(cfg.StateDir, env.target.ID, store.Config{SyncWrites: true, Logger: logger})
	defer runs.Close()

	orch := deploy.New(deploy.Config{
		StateDir:       cfg.StateDir,
		KeepBackups:    keep,
		RestartTimeout: cfg.Defaults.RestartTimeout,
		PhaseTimeout:   cfg.Defaults.PhaseTimeout,
		Retry: deploy.RetryPolicy{
			InitialInterval: cfg.Defaults.Retry.InitialInterval,
			MaxInterval:     cfg.Defaults.Retry.MaxInterval,
			MaxTries:        cfg.Defaults.Retry.MaxTries,
		},
		Logger: logger,
	}, deploy.Deps{
		Exec:     env.exec,
		Backups:  env.backups,
		Applier:  transfer.New(env.exec, logger),
		Service:  ctrl,
		Verifier: verifier,
		Runs:     runs,
	})

	if o.dryRun {
		plan, err := orch.Preview(ctx, res)
		if err != nil {
			return err
		}
		printPlan(p, plan)
		return nil
	}

	run, err := orch.Run(ctx, res)

	metricsFile := o.metricsFile
	if metricsFile == "" {
		metricsFile = cfg.Observability.MetricsFile
	}
	if metricsFile != "" {
		if werr := metrics.WriteTextfile(metricsFile); werr != nil {
			logger.Warn("failed to write metrics textfile", "path", metricsFile, "error", werr)
		}
	}

	if err != nil {
		return err
	}
	printRun(p, run)
	if code := deploy.ExitCode(run, nil); code != deploy.ExitSucceeded {
		return &exitError{code: code, reported: true}
	}
	return nil
}

func printPlan(p *ux.Printer, plan *deploy.Plan) {
	p.Title("Dry run: " + plan.TargetID)
	p.Field("service", fmt.Sprintf("%s %s", plan.Handle.Kind, plan.Handle.Name))

	rows := make([][]string, 0, len(plan.Steps))
	for _, s := range plan.Steps {
		action := "replace"
		if !s.Exists {
			action = "create"
		}
		rows = append(rows, []string{action, s.Artifact.SourcePath, s.Artifact.DestinationPath})
	}
	p.Table([]string{"ACTION", "SOURCE", "DESTINATION"}, rows)

	rows = rows[:0]
	for _, h := range plan.Health {
		rows = append(rows, []string{h.Name, string(h.Kind), h.Target, fmt.Sprintf("%d x %s", h.MaxAttempts, h.Timeout)})
	}
	p.Table([]string{"CHECK", "KIND", "TARGET", "ATTEMPTS"}, rows)
	p.Info("No changes made.")
}

func printRun(p *ux.Printer, run *model.DeploymentRun) {
	state := string(run.State)
	switch run.State {
	case model.StateSucceeded:
		p.Success("deployment " + run.ID + " " + state)
	case model.StateRolledBack:
		p.Warning("deployment " + run.ID + " " + state)
	default:
		p.Error("deployment " + run.ID + " " + state)
	}
	p.Field("state", state)
	p.Field("target", run.TargetID)
	if run.BackupRecordID != "" {
		p.Field("backup", run.BackupRecordID)
	}
	p.Field("duration", run.EndedAt.Sub(run.StartedAt).Round(time.Millisecond))
	if run.FailureReason != "" {
		p.Field("failure", fmt.Sprintf("%s: %s", run.FailureKind, run.FailureReason))
	}
	p.Field("audit log", run.AuditLogPath)

	if run.FailureKind == model.KindOf(model.ErrRollback) {
		p.Box([]string{
			"ROLLBACK FAILED: manual recovery required.",
			"Backup id: " + run.BackupRecordID,
			"Restore it with:",
			fmt.Sprintf("  deployguard backups restore --target %s --id %s", run.TargetID, run.BackupRecordID),
			"then restart the service and check it by hand.",
		}, true)
	}
	if names := model.FailedSpecs(nil, run.HealthResults); len(names) > 0 && run.State != model.StateSucceeded {
		p.Field("failed checks", strings.Join(names, ", "))
	}
}
