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

	"github.com/spf13/cobra"
)

// newRootCmd builds the command tree around g. Each call returns a fresh
// tree so tests can execute commands independently.
func newRootCmd(g *globalOptions) *cobra.Command {

	rootCmd := &cobra.Command{
		Use:   "deployguard",
		Short: "Back up, deploy, verify and roll back service artifacts",
		Long: `deployguard replaces artifacts of a running service safely: every
deployment takes a backup first, restarts the service, verifies it with
health checks and restores the backup when anything fails.

Exit codes:
  0  deployment succeeded
  1  deployment failed, the target was restored or never modified
  2  rollback failed, manual recovery required
  3  invalid configuration, unknown probe kind, or target locked
  4  internal error`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.SetOut(g.stdout)
	rootCmd.SetErr(g.stderr)
	rootCmd.SetFlagErrorFunc(func(cmd *cobra.Command, err error) error {
		return usageError{err}
	})

	pf := rootCmd.PersistentFlags()
	pf.StringVar(&g.configPath, "config", "", "Config file (default ~/.deployguard/deployguard.yaml)")
	pf.StringVar(&g.logLevel, "log-level", "", "Log level: debug, info, warn, error (default from config)")
	pf.BoolVar(&g.logJSON, "log-json", false, "Write logs as JSON")

	rootCmd.AddCommand(
		newDeployCmd(g),
		newBackupsCmd(g),
		newRunsCmd(g),
		newVersionCmd(g),
	)
	return rootCmd
}

func newVersionCmd(g *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the deployguard version",
		Args:  noArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(g.stdout, "deployguard %s\n", version)
		},
	}
}

// noArgs rejects positional arguments as a usage error.
func noArgs(cmd *cobra.Command, args []string) error {
	if err := cobra.NoArgs(cmd, args); err != nil {
		return usageError{err}
	}
	return nil
}

// exactArgs requires n positional arguments.
func exactArgs(n int) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if err := cobra.ExactArgs(n)(cmd, args); err != nil {
			return usageError{err}
		}
		return nil
	}
}

// requireFlags reports missing required flags as a usage error.
func requireFlags(cmd *cobra.Command, names ...string) error {
	for _, n := range names {
		if f := cmd.Flags().Lookup(n); f == nil || !f.Changed || f.Value.String() == "" {
			return usageError{fmt.Errorf("required flag --%s not set", n)}
		}
	}
	return nil
}
