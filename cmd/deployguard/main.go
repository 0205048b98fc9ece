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
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/AleutianAI/deployguard/cmd/deployguard/internal/deploy"
	"github.com/AleutianAI/deployguard/cmd/deployguard/internal/model"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(execute(os.Args[1:], os.Stdout, os.Stderr))
}

// execute runs the command line and returns the process exit code.
func execute(args []string, stdout, stderr io.Writer) int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g := &globalOptions{stdout: stdout, stderr: stderr}
	defer g.close()
	root := newRootCmd(g)
	root.SetArgs(args)
	err := root.ExecuteContext(ctx)
	if err == nil {
		return deploy.ExitSucceeded
	}

	var ee *exitError
	if errors.As(err, &ee) {
		if ee.err != nil && !ee.reported {
			fmt.Fprintf(stderr, "Error: %v\n", ee.err)
		}
		return ee.code
	}
	fmt.Fprintf(stderr, "Error: %v\n", err)
	return exitCodeOf(err)
}

// exitError carries a specific exit code out of a command.
type exitError struct {
	code int
	err  error
	// reported is set when the command already printed the failure.
	reported bool
}

func (e *exitError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("exit status %d", e.code)
	}
	return e.err.Error()
}

func (e *exitError) Unwrap() error { return e.err }

// exitCodeOf maps an error that ended a command before any run was
// recorded.
func exitCodeOf(err error) int {
	switch {
	case err == nil:
		return deploy.ExitSucceeded
	case errors.Is(err, model.ErrConfig), errors.Is(err, model.ErrConflict), isUsageError(err):
		return deploy.ExitConfig
	default:
		return deploy.ExitInternal
	}
}

// usageError marks invalid flags or arguments.
type usageError struct{ err error }

func (e usageError) Error() string { return e.err.Error() }
func (e usageError) Unwrap() error { return e.err }

func isUsageError(err error) bool {
	var ue usageError
	if errors.As(err, &ue) {
		return true
	}
	// cobra reports unknown subcommands with a plain error.
	return strings.HasPrefix(err.Error(), "unknown command")
}
