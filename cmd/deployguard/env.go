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
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/AleutianAI/deployguard/cmd/deployguard/config"
	"github.com/AleutianAI/deployguard/cmd/deployguard/internal/backup"
	"github.com/AleutianAI/deployguard/cmd/deployguard/internal/logging"
	"github.com/AleutianAI/deployguard/cmd/deployguard/internal/remote"
	"github.com/AleutianAI/deployguard/cmd/deployguard/internal/ux"
)

// globalOptions holds persistent flags and what is loaded from them.
type globalOptions struct {
	configPath string
	logLevel   string
	logJSON    bool

	stdout io.Writer
	stderr io.Writer

	cfg     *config.DeployguardConfig
	log     *logging.Logger
	logger  *slog.Logger
	printer *ux.Printer
}

// load reads the config file and sets up logging and output.
func (g *globalOptions) load() error {
	if g.cfg != nil {
		return nil
	}
	cfg, err := config.Load(g.configPath)
	if err != nil {
		return err
	}
	level := cfg.Logging.Level
	if g.logLevel != "" {
		level = g.logLevel
	}
	log, err := logging.New(logging.Config{
		Level:  level,
		JSON:   g.logJSON || cfg.Logging.JSON,
		Dir:    cfg.Logging.Dir,
		Writer: g.stderr,
	})
	if err != nil {
		return err
	}
	g.cfg = cfg
	g.log = log
	g.logger = log.Logger
	g.printer = ux.NewPrinter(g.stdout)
	return nil
}

// close releases the log file, if any.
func (g *globalOptions) close() {
	if g.log != nil {
		g.log.Close()
	}
}

// targetEnv is everything bound to one configured target.
type targetEnv struct {
	target  config.TargetConfig
	exec    remote.Executor
	backups *backup.Manager
}

// openTarget looks up id and opens its executor and backup store.
func (g *globalOptions) openTarget(id string) (*targetEnv, error) {
	if err := g.load(); err != nil {
		return nil, err
	}
	tc, err := g.cfg.Target(id)
	if err != nil {
		return nil, fmt.Errorf("%w (configured: %s)", err, g.knownTargets())
	}
	exec, err := remote.Open(tc.Params(), g.logger)
	if err != nil {
		return nil, err
	}
	bcfg := backup.DefaultConfig(filepath.Join(g.cfg.StateDir, backup.Dir))
	bcfg.Logger = g.logger
	return &targetEnv{
		target:  tc,
		exec:    exec,
		backups: backup.NewManager(bcfg, tc.ID, exec),
	}, nil
}

func (e *targetEnv) Close() {
	if err := e.exec.Close(); err != nil {
		slog.Default().Debug("closing executor", "target", e.target.ID, "error", err)
	}
}

// knownTargets lists configured target ids for error messages.
func (g *globalOptions) knownTargets() string {
	ids := make([]string, 0, len(g.cfg.Targets))
	for _, t := range g.cfg.Targets {
		ids = append(ids, t.ID)
	}
	return fmt.Sprintf("[%s]", strings.Join(ids, ", "))
}
