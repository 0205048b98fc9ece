// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

/*
Package health runs post-deployment probes and derives the health verdict.

Probes:

  - http: request Target, compare the status code, optionally match the body
    against ExpectedCondition.
  - log_pattern: match ExpectedCondition against lines appended to Target
    since Mark, optionally only lines stamped within Window.
  - process_alive: pgrep -f Target on the target, or the service
    controller's status check when Target is empty.

Every spec runs in its own goroutine with exponential backoff. Every attempt
is recorded; the verdict is derived from the recorded attempts only. A
log_pattern spec on a watchable target is also checked whenever the file
changes; only a passing change-triggered check is recorded.
*/
package health

import (
	"context"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/AleutianAI/deployguard/cmd/deployguard/internal/audit"
	"github.com/AleutianAI/deployguard/cmd/deployguard/internal/model"
	"github.com/AleutianAI/deployguard/cmd/deployguard/internal/remote"
	"github.com/AleutianAI/deployguard/cmd/deployguard/internal/service"
)

// Config configures a Verifier.
type Config struct {
	// HTTPClient issues http probes. Its Timeout is ignored in favour of the
	// spec's timeout.
	// Default: a client that does not follow more than 5 redirects.
	HTTPClient *http.Client

	// Multiplier grows the backoff between attempts.
	// Default: 2.0
	Multiplier float64

	// MaxBackoff caps the delay between attempts.
	// Default: 30s
	MaxBackoff time.Duration

	// Jitter randomizes each delay by ±Jitter, clamped to [0, 1]. 0
	// disables it.
	// Default: 0
	Jitter float64

	// AttemptsPerSecond limits probe attempts across all specs.
	// Default: 20
	AttemptsPerSecond float64

	// Service and Handle back process_alive probes without a Target.
	Service service.Controller
	Handle  model.ServiceHandle

	// OnAttempt is called after every recorded attempt.
	OnAttempt func(model.HealthCheckResult, time.Duration)

	Logger *slog.Logger
	Now    func() time.Time
}

// DefaultConfig returns the default verifier configuration.
func DefaultConfig() Config {
	return Config{
		HTTPClient: &http.Client{
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= 5 {
					return http.ErrUseLastResponse
				}
				return nil
			},
		},
		Multiplier:        2.0,
		MaxBackoff:        30 * time.Second,
		AttemptsPerSecond: 20,
		Logger:            slog.Default(),
		Now:               time.Now,
	}
}

// logMark is the position of a log file when Mark was called.
type logMark struct {
	offset int64
	at     time.Time
}

// Verifier runs health checks against one target.
//
// # Thread Safety
//
// Mark and Verify must not run concurrently with each other; a run calls
// Mark before a restart and Verify after it.
type Verifier struct {
	exec    remote.Executor
	cfg     Config
	limiter *rate.Limiter
	logger  *slog.Logger

	mu    sync.Mutex
	marks map[string]logMark
}

// NewVerifier creates a Verifier. exec is used for log and process probes.
func NewVerifier(exec remote.Executor, cfg Config) *Verifier {
	def := DefaultConfig()
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = def.HTTPClient
	}
	if cfg.Multiplier < 1 {
		cfg.Multiplier = def.Multiplier
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = def.MaxBackoff
	}
	if cfg.AttemptsPerSecond <= 0 {
		cfg.AttemptsPerSecond = def.AttemptsPerSecond
	}
	cfg.Jitter = min(max(cfg.Jitter, 0), 1)
	if cfg.Logger == nil {
		cfg.Logger = def.Logger
	}
	if cfg.Now == nil {
		cfg.Now = def.Now
	}
	burst := int(cfg.AttemptsPerSecond)
	if burst < 1 {
		burst = 1
	}
	return &Verifier{
		exec:    exec,
		cfg:     cfg,
		limiter: rate.NewLimiter(rate.Limit(cfg.AttemptsPerSecond), burst),
		logger:  cfg.Logger.With("target", exec.Target()),
		marks:   make(map[string]logMark),
	}
}

// Mark records the current size of every log_pattern target so Verify only
// matches content written afterwards.
//
// # Outputs
//
//   - error: model.ErrHealthCheck if a log file cannot be inspected.
func (v *Verifier) Mark(ctx context.Context, specs []model.HealthCheckSpec) error {
	marks := make(map[string]logMark)
	for _, s := range specs {
		if s.Kind != model.HealthCheckLogPattern {
			continue
		}
		if _, ok := marks[s.Target]; ok {
			continue
		}
		info, err := v.exec.Stat(ctx, s.Target)
		if err != nil {
			return model.NewError(model.ErrHealthCheck, "mark "+s.Target, err)
		}
		marks[s.Target] = logMark{offset: info.Size, at: v.cfg.Now()}
	}

	v.mu.Lock()
	v.marks = marks
	v.mu.Unlock()
	return nil
}

func (v *Verifier) markFor(path string) (logMark, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	m, ok := v.marks[path]
	return m, ok
}

// Verify runs every spec concurrently and returns the verdict and all
// recorded attempts.
//
// # Description
//
// Each spec is attempted up to MaxAttempts times, waiting Backoff after the
// first failure and growing the wait by Multiplier up to MaxBackoff. A spec
// stops at its first passing attempt or when its Timeout elapses. Verify
// waits for every spec. Results are ordered by spec, then attempt.
//
// # Inputs
//
//   - ctx: Parent context; each spec is additionally bounded by its Timeout.
//   - specs: Validated specs.
//   - runID: Owning run, for logging.
//
// # Outputs
//
//   - bool: model.DeriveVerdict over the returned results.
//   - []model.HealthCheckResult: Every attempt, never rewritten.
func (v *Verifier) Verify(ctx context.Context, specs []model.HealthCheckSpec, runID string) (bool, []model.HealthCheckResult) {
	rec := &recorder{}
	var g errgroup.Group
	for i, s := range specs {
		g.Go(func() error {
			v.runSpec(ctx, i, s, rec)
			return nil
		})
	}
	_ = g.Wait()

	results := rec.sorted()
	passed := model.DeriveVerdict(specs, results)

	v.logger.Info("health verdict", "run_id", runID, "passed", passed, "attempts", len(results))
	audit.FromContext(ctx).Record(audit.EventHealthVerdict, map[string]any{
		"passed":   passed,
		"attempts": len(results),
		"specs":    len(specs),
	})
	return passed, results
}

// Defaults for specs built without the resolver.
const (
	defaultTimeout     = 30 * time.Second
	defaultMaxAttempts = 3
	defaultBackoff     = time.Second
)

func (v *Verifier) runSpec(ctx context.Context, idx int, s model.HealthCheckSpec, rec *recorder) {
	if s.Timeout <= 0 {
		s.Timeout = defaultTimeout
	}
	if s.MaxAttempts < 1 {
		s.MaxAttempts = defaultMaxAttempts
	}
	if s.Backoff <= 0 {
		s.Backoff = defaultBackoff
	}

	ctx, cancel := context.WithTimeout(ctx, s.Timeout)
	defer cancel()

	var wake <-chan struct{}
	if w, ok := v.exec.(remote.Watcher); ok && s.Kind == model.HealthCheckLogPattern {
		if ch, err := w.WatchFile(ctx, s.Target); err == nil {
			wake = ch
		}
	}

	b := v.newBackOff(s)
	for attempt := 1; attempt <= s.MaxAttempts; attempt++ {
		if err := v.limiter.Wait(ctx); err != nil {
			v.logger.Warn("health check out of time", "spec", s.Name, "attempt", attempt)
			return
		}

		c := v.check(ctx, s)
		v.record(ctx, rec, idx, s, attempt, c)
		if c.passed || attempt == s.MaxAttempts {
			return
		}

		early, ok := v.wait(ctx, s, b.NextBackOff(), wake)
		if !ok {
			return
		}
		if early != nil {
			v.record(ctx, rec, idx, s, attempt+1, *early)
			return
		}
	}
}

// newBackOff builds the delay schedule between scheduled attempts of s.
func (v *Verifier) newBackOff(s model.HealthCheckSpec) *backoff.ExponentialBackOff {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     s.Backoff,
		RandomizationFactor: v.cfg.Jitter,
		Multiplier:          v.cfg.Multiplier,
		MaxInterval:         v.cfg.MaxBackoff,
	}
	b.Reset()
	return b
}

// check is the outcome of one probe call.
type check struct {
	passed bool
	detail string
	took   time.Duration
}

func (v *Verifier) check(ctx context.Context, s model.HealthCheckSpec) check {
	start := time.Now()
	passed, detail := v.probe(ctx, s)
	return check{passed: passed, detail: detail, took: time.Since(start)}
}

func (v *Verifier) record(ctx context.Context, rec *recorder, idx int, s model.HealthCheckSpec, attempt int, c check) {
	r := model.HealthCheckResult{
		Spec:       s.Name,
		Kind:       s.Kind,
		Attempt:    attempt,
		Passed:     c.passed,
		ObservedAt: v.cfg.Now().UTC(),
		Detail:     c.detail,
	}
	rec.add(idx, r)
	v.observe(ctx, r, c.took)
}

func (v *Verifier) observe(ctx context.Context, r model.HealthCheckResult, took time.Duration) {
	v.logger.Debug("health attempt", "spec", r.Spec, "attempt", r.Attempt, "passed", r.Passed, "detail", r.Detail)
	audit.FromContext(ctx).Record(audit.EventHealthAttempt, map[string]any{
		"spec":    r.Spec,
		"kind":    string(r.Kind),
		"attempt": r.Attempt,
		"passed":  r.Passed,
		"detail":  r.Detail,
	})
	if v.cfg.OnAttempt != nil {
		v.cfg.OnAttempt(r, took)
	}
}

// wait sleeps for d until the next scheduled attempt.
//
// Every change to the watched file triggers an extra check. A passing one
// ends the wait and is returned to be recorded as the next attempt. A
// failing one is dropped: it neither uses up an attempt nor moves the
// schedule. wait reports false if ctx ended first.
func (v *Verifier) wait(ctx context.Context, s model.HealthCheckSpec, d time.Duration, wake <-chan struct{}) (*check, bool) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil, false
		case <-timer.C:
			return nil, true
		case _, ok := <-wake:
			if !ok {
				wake = nil
				continue
			}
			if err := v.limiter.Wait(ctx); err != nil {
				return nil, false
			}
			if c := v.check(ctx, s); c.passed {
				return &c, true
			}
			v.logger.Debug("log changed without a match", "spec", s.Name)
		}
	}
}

// recorder collects attempts from concurrent specs. Append-only.
type recorder struct {
	mu      sync.Mutex
	results []indexed
}

type indexed struct {
	spec int
	r    model.HealthCheckResult
}

func (r *recorder) add(spec int, res model.HealthCheckResult) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.results = append(r.results, indexed{spec: spec, r: res})
}

func (r *recorder) sorted() []model.HealthCheckResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := make([]indexed, len(r.results))
	copy(cp, r.results)
	sort.SliceStable(cp, func(i, j int) bool {
		if cp[i].spec != cp[j].spec {
			return cp[i].spec < cp[j].spec
		}
		return cp[i].r.Attempt < cp[j].r.Attempt
	})
	out := make([]model.HealthCheckResult, len(cp))
	for i, x := range cp {
		out[i] = x.r
	}
	return out
}
