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
	"context"
	"fmt"
	"io"
	"io/fs"
	"sync"
)

// -----------------------------------------------------------------------------
// Mock Implementation for Testing
// -----------------------------------------------------------------------------

// MockExecutor is a test double for Executor.
//
// Set function fields to inject behaviour. When a field is nil the call is
// forwarded to Delegate; when Delegate is also nil the call panics. Wrapping
// a Local executor lets a test fail one operation while everything else
// touches a real temp directory.
//
// # Examples
//
//	mock := &remote.MockExecutor{
//	    Delegate: remote.NewLocal("staging", nil),
//	    RunCommandFunc: func(ctx context.Context, cmd string) (remote.CommandResult, error) {
//	        return remote.CommandResult{}, nil
//	    },
//	}
type MockExecutor struct {
	TargetID string
	Delegate Executor

	CopyFileFunc   func(ctx context.Context, src io.Reader, dst string, mode fs.FileMode) error
	ReadFileFunc   func(ctx context.Context, path string, offset int64, w io.Writer) error
	RunCommandFunc func(ctx context.Context, command string) (CommandResult, error)
	StatFunc       func(ctx context.Context, path string) (FileInfo, error)
	RenameFunc     func(ctx context.Context, from, to string) error
	RemoveFunc     func(ctx context.Context, path string) error
	MkdirAllFunc   func(ctx context.Context, path string, mode fs.FileMode) error
	ChecksumFunc   func(ctx context.Context, path string) (string, error)

	// Calls records all method invocations for verification.
	Calls []ExecutorCall

	mu sync.Mutex
}

// ExecutorCall records a single method invocation.
type ExecutorCall struct {
	Method string
	Args   []string
}

func (m *MockExecutor) record(method string, args ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls = append(m.Calls, ExecutorCall{Method: method, Args: args})
}

func (m *MockExecutor) delegate(method string) Executor {
	if m.Delegate == nil {
		panic("MockExecutor." + method + "Func not set and no Delegate")
	}
	return m.Delegate
}

// Target returns TargetID, or the delegate's target.
func (m *MockExecutor) Target() string {
	if m.TargetID != "" || m.Delegate == nil {
		return m.TargetID
	}
	return m.Delegate.Target()
}

func (m *MockExecutor) CopyFile(ctx context.Context, src io.Reader, dst string, mode fs.FileMode) error {
	m.record("CopyFile", dst, fmt.Sprintf("%04o", mode.Perm()))
	if m.CopyFileFunc != nil {
		return m.CopyFileFunc(ctx, src, dst, mode)
	}
	return m.delegate("CopyFile").CopyFile(ctx, src, dst, mode)
}

func (m *MockExecutor) ReadFile(ctx context.Context, path string, offset int64, w io.Writer) error {
	m.record("ReadFile", path, fmt.Sprint(offset))
	if m.ReadFileFunc != nil {
		return m.ReadFileFunc(ctx, path, offset, w)
	}
	return m.delegate("ReadFile").ReadFile(ctx, path, offset, w)
}

func (m *MockExecutor) RunCommand(ctx context.Context, command string) (CommandResult, error) {
	m.record("RunCommand", command)
	if m.RunCommandFunc != nil {
		return m.RunCommandFunc(ctx, command)
	}
	return m.delegate("RunCommand").RunCommand(ctx, command)
}

func (m *MockExecutor) Stat(ctx context.Context, path string) (FileInfo, error) {
	m.record("Stat", path)
	if m.StatFunc != nil {
		return m.StatFunc(ctx, path)
	}
	return m.delegate("Stat").Stat(ctx, path)
}

func (m *MockExecutor) Rename(ctx context.Context, from, to string) error {
	m.record("Rename", from, to)
	if m.RenameFunc != nil {
		return m.RenameFunc(ctx, from, to)
	}
	return m.delegate("Rename").Rename(ctx, from, to)
}

func (m *MockExecutor) Remove(ctx context.Context, path string) error {
	m.record("Remove", path)
	if m.RemoveFunc != nil {
		return m.RemoveFunc(ctx, path)
	}
	return m.delegate("Remove").Remove(ctx, path)
}

func (m *MockExecutor) MkdirAll(ctx context.Context, path string, mode fs.FileMode) error {
	m.record("MkdirAll", path)
	if m.MkdirAllFunc != nil {
		return m.MkdirAllFunc(ctx, path, mode)
	}
	return m.delegate("MkdirAll").MkdirAll(ctx, path, mode)
}

func (m *MockExecutor) Checksum(ctx context.Context, path string) (string, error) {
	m.record("Checksum", path)
	if m.ChecksumFunc != nil {
		return m.ChecksumFunc(ctx, path)
	}
	return m.delegate("Checksum").Checksum(ctx, path)
}

// Close closes the delegate, if any.
func (m *MockExecutor) Close() error {
	if m.Delegate != nil {
		return m.Delegate.Close()
	}
	return nil
}

// GetCalls returns a copy of the recorded calls.
func (m *MockExecutor) GetCalls() []ExecutorCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]ExecutorCall, len(m.Calls))
	copy(out, m.Calls)
	return out
}

// CallsTo returns the recorded calls of one method.
func (m *MockExecutor) CallsTo(method string) []ExecutorCall {
	var out []ExecutorCall
	for _, c := range m.GetCalls() {
		if c.Method == method {
			out = append(out, c)
		}
	}
	return out
}

var _ Executor = (*MockExecutor)(nil)
