// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package remote

import (
	"errors"
	"fmt"
	"strings"

	"github.com/AleutianAI/deployguard/cmd/deployguard/internal/model"
)

// CommandError wraps a command that ran on the target but failed.
//
// # Example
//
//	var cmdErr *remote.CommandError
//	if errors.As(err, &cmdErr) {
//	    fmt.Println(cmdErr.ExitCode, cmdErr.Stderr)
//	}
type CommandError struct {
	// Command is the command that was executed.
	Command string

	// ExitCode is the process exit code (-1 if unknown).
	ExitCode int

	// Stderr contains the trimmed standard error output.
	Stderr string

	// Wrapped is the underlying error, if any.
	Wrapped error
}

// NewCommandError creates a CommandError. Stderr is trimmed.
func NewCommandError(cmd string, exitCode int, stderr string, wrapped error) *CommandError {
	return &CommandError{
		Command:  cmd,
		ExitCode: exitCode,
		Stderr:   strings.TrimSpace(stderr),
		Wrapped:  wrapped,
	}
}

// Error returns "<command> (exit N): <stderr>".
func (e *CommandError) Error() string {
	if e.Stderr != "" {
		return fmt.Sprintf("%s (exit %d): %s", e.Command, e.ExitCode, e.Stderr)
	}
	if e.Wrapped != nil {
		return fmt.Sprintf("%s (exit %d): %v", e.Command, e.ExitCode, e.Wrapped)
	}
	return fmt.Sprintf("%s (exit %d)", e.Command, e.ExitCode)
}

// Unwrap returns the underlying error.
func (e *CommandError) Unwrap() error {
	return e.Wrapped
}

// ExitCodeOf returns the exit code carried by a CommandError in err's chain,
// or -1 if there is none.
func ExitCodeOf(err error) int {
	var cmdErr *CommandError
	if errors.As(err, &cmdErr) {
		return cmdErr.ExitCode
	}
	return -1
}

// connectivity marks err as a transient transport failure.
func connectivity(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, model.ErrConnectivity) {
		return err
	}
	return model.NewError(model.ErrConnectivity, op, err)
}

// IsConnectivity reports whether err is a retryable transport failure.
func IsConnectivity(err error) bool {
	return errors.Is(err, model.ErrConnectivity)
}
