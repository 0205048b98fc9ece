// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package model

import (
	"errors"
	"fmt"
)

// Sentinel error kinds. Every error a component reports to the orchestrator
// matches exactly one of these with errors.Is (connectivity may additionally
// appear underneath a phase kind).
var (
	// ErrConfig is a bad request detected before any side effect.
	ErrConfig = errors.New("ConfigError")

	// ErrConnectivity is a transient failure reaching the target.
	ErrConnectivity = errors.New("ConnectivityError")

	// ErrBackup is a failure creating a backup record. No mutation happened.
	ErrBackup = errors.New("BackupError")

	// ErrTransfer is a failure applying artifacts.
	ErrTransfer = errors.New("TransferError")

	// ErrServiceRestart is a failure stopping, starting or readying the service.
	ErrServiceRestart = errors.New("ServiceRestartError")

	// ErrHealthCheck is a failed post-deployment health verdict.
	ErrHealthCheck = errors.New("HealthCheckFailure")

	// ErrRollback is a failed rollback. Fatal and never retried.
	ErrRollback = errors.New("RollbackFailure")

	// ErrConflict means another run holds the target lock.
	ErrConflict = errors.New("ConflictError")

	// ErrCancelled means the run was cancelled while still pending.
	ErrCancelled = errors.New("Cancelled")
)

// kinds is ordered from outermost to innermost. A rollback failure wraps the
// step that broke, and a phase error may wrap a config or connectivity cause
// from the transport, so the phase kind must be found first.
var kinds = []error{
	ErrRollback,
	ErrBackup,
	ErrTransfer,
	ErrServiceRestart,
	ErrHealthCheck,
	ErrCancelled,
	ErrConfig,
	ErrConflict,
	ErrConnectivity,
}

// Error is a typed failure reported by a component.
//
// # Description
//
// Kind is one of the sentinel errors above; Op names the operation that
// failed. Both Kind and Err participate in errors.Is / errors.As, so a
// ServiceRestartError caused by a dropped SSH session still matches
// ErrConnectivity.
//
// # Example
//
//	err := model.NewError(model.ErrBackup, "store entry", io.ErrShortWrite)
//	errors.Is(err, model.ErrBackup)       // true
//	errors.Is(err, io.ErrShortWrite)      // true
type Error struct {
	Kind error
	Op   string
	Err  error
}

// NewError wraps err with a kind and operation name.
func NewError(kind error, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Errorf builds an Error whose cause is a formatted message.
func Errorf(kind error, op string, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%v: %s", e.Kind, e.Op)
	}
	return fmt.Sprintf("%v: %s: %v", e.Kind, e.Op, e.Err)
}

// Unwrap exposes both the kind and the cause.
func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// KindOf returns the name of the most specific kind err matches, or "" if
// err is nil or untyped. RollbackFailure wins over every other kind, and
// phase kinds win over ConfigError and ConnectivityError.
func KindOf(err error) string {
	if err == nil {
		return ""
	}
	for _, k := range kinds {
		if errors.Is(err, k) {
			return k.Error()
		}
	}
	return ""
}
