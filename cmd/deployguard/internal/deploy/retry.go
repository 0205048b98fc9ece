// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package deploy

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/AleutianAI/deployguard/cmd/deployguard/internal/audit"
	"github.com/AleutianAI/deployguard/cmd/deployguard/internal/metrics"
	"github.com/AleutianAI/deployguard/cmd/deployguard/internal/model"
)

// RetryPolicy configures retries of transient connectivity failures.
type RetryPolicy struct {
	// InitialInterval is the delay before the first retry.
	// Default: 1s
	InitialInterval time.Duration

	// MaxInterval caps the delay between retries.
	// Default: 15s
	MaxInterval time.Duration

	// MaxTries is the total number of attempts, including the first.
	// Default: 4
	MaxTries uint
}

// DefaultRetryPolicy returns the default connectivity retry policy.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		InitialInterval: time.Second,
		MaxInterval:     15 * time.Second,
		MaxTries:        4,
	}
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	d := DefaultRetryPolicy()
	if p.InitialInterval <= 0 {
		p.InitialInterval = d.InitialInterval
	}
	if p.MaxInterval < p.InitialInterval {
		p.MaxInterval = p.InitialInterval
	}
	if p.MaxTries == 0 {
		p.MaxTries = d.MaxTries
	}
	return p
}

// isRetryable reports whether err is a transient connectivity failure.
// Every other kind is a verdict and goes straight to the state machine.
func isRetryable(err error) bool {
	return errors.Is(err, model.ErrConnectivity)
}

// retrier runs one phase operation with connectivity retries.
type retrier struct {
	policy  RetryPolicy
	timeout time.Duration
	target  string
	phase   model.State
	logger  interface {
		Warn(msg string, args ...any)
	}
}

// do runs fn until it succeeds, fails permanently, exhausts the policy or
// the phase deadline passes.
//
// # Description
//
// Each attempt receives a context bounded by the phase timeout, shared by
// all attempts of the phase. Only errors wrapping model.ErrConnectivity are
// retried. When the deadline expires between attempts the last operation
// error is returned, not the context error, so the failure keeps its kind.
//
// # Outputs
//
//   - error: nil, or the last error returned by fn.
func (r retrier) do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}
	policy := r.policy.withDefaults()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = policy.InitialInterval
	b.MaxInterval = policy.MaxInterval

	rc := audit.FromContext(ctx)
	var last error
	attempt := 0
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempt++
		last = fn(ctx)
		if last == nil {
			return struct{}{}, nil
		}
		if !isRetryable(last) {
			return struct{}{}, backoff.Permanent(last)
		}
		return struct{}{}, last
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(policy.MaxTries),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, next time.Duration) {
			r.logger.Warn("connectivity failure, retrying",
				"phase", r.phase, "op", op, "attempt", attempt, "next", next, "error", err)
			rc.Record(audit.EventRetry, map[string]any{
				"phase":   string(r.phase),
				"op":      op,
				"attempt": attempt,
				"delay":   next.String(),
				"error":   err.Error(),
			})
			metrics.RecordRetry(r.target, string(r.phase))
		}),
	)
	if err == nil {
		return nil
	}
	if last != nil {
		return last
	}
	return model.NewError(model.ErrConnectivity, op, err)
}
