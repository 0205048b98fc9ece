// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package service

import (
	"context"
	"sync"
	"time"

	"github.com/AleutianAI/deployguard/cmd/deployguard/internal/model"
)

// MockController is a test double for Controller.
//
// Nil function fields succeed: Start, Stop and Restart return nil and
// IsRunning reports true.
type MockController struct {
	StartFunc     func(ctx context.Context, h model.ServiceHandle) error
	StopFunc      func(ctx context.Context, h model.ServiceHandle) error
	RestartFunc   func(ctx context.Context, h model.ServiceHandle, timeout time.Duration) error
	IsRunningFunc func(ctx context.Context, h model.ServiceHandle) (bool, error)

	// Calls records method names in invocation order.
	Calls []string

	mu sync.Mutex
}

func (m *MockController) record(method string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls = append(m.Calls, method)
}

func (m *MockController) Start(ctx context.Context, h model.ServiceHandle) error {
	m.record("Start")
	if m.StartFunc != nil {
		return m.StartFunc(ctx, h)
	}
	return nil
}

func (m *MockController) Stop(ctx context.Context, h model.ServiceHandle) error {
	m.record("Stop")
	if m.StopFunc != nil {
		return m.StopFunc(ctx, h)
	}
	return nil
}

func (m *MockController) Restart(ctx context.Context, h model.ServiceHandle, timeout time.Duration) error {
	m.record("Restart")
	if m.RestartFunc != nil {
		return m.RestartFunc(ctx, h, timeout)
	}
	return nil
}

func (m *MockController) IsRunning(ctx context.Context, h model.ServiceHandle) (bool, error) {
	m.record("IsRunning")
	if m.IsRunningFunc != nil {
		return m.IsRunningFunc(ctx, h)
	}
	return true, nil
}

// GetCalls returns a copy of the recorded calls.
func (m *MockController) GetCalls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.Calls))
	copy(out, m.Calls)
	return out
}

var _ Controller = (*MockController)(nil)
