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
Package service stops, starts and restarts the managed service on a target
and waits for it to report running.

All commands are issued through the target's remote.Executor, so the same
controller drives a systemd unit over SSH, a container on the local host, or
a bare process inside a container.
*/
package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/AleutianAI/deployguard/cmd/deployguard/internal/audit"
	"github.com/AleutianAI/deployguard/cmd/deployguard/internal/model"
	"github.com/AleutianAI/deployguard/cmd/deployguard/internal/remote"
)

// Controller drives the lifecycle of a service.
type Controller interface {
	// Start starts the service.
	Start(ctx context.Context, h model.ServiceHandle) error

	// Stop stops the service. Stopping a stopped service is not an error.
	Stop(ctx context.Context, h model.ServiceHandle) error

	// Restart restarts the service and waits up to timeout for it to run.
	Restart(ctx context.Context, h model.ServiceHandle, timeout time.Duration) error

	// IsRunning reports whether the service is running.
	IsRunning(ctx context.Context, h model.ServiceHandle) (bool, error)
}

// Config configures a CommandController.
type Config struct {
	// PollInterval is the initial delay between readiness checks. It doubles
	// up to MaxPollInterval.
	// Default: 250ms
	PollInterval time.Duration

	// MaxPollInterval caps the readiness poll delay.
	// Default: 2s
	MaxPollInterval time.Duration

	// StopTimeout bounds waiting for a process to exit before it is started
	// again. Only used for process and command handles.
	// Default: 10s
	StopTimeout time.Duration

	Logger *slog.Logger
}

// DefaultConfig returns the default controller configuration.
func DefaultConfig() Config {
	return Config{
		PollInterval:    250 * time.Millisecond,
		MaxPollInterval: 2 * time.Second,
		StopTimeout:     10 * time.Second,
		Logger:          slog.Default(),
	}
}

// CommandController implements Controller with shell commands.
//
// # Description
//
// Default commands per handle kind:
//
//   - systemd:   systemctl start|stop|restart <name>, is-active --quiet
//   - container: <runtime> start|stop|restart <name>, inspect State.Running
//   - process:   pkill -f / pgrep -f <name>, StartCommand run detached
//   - command:   the handle's StartCommand, StopCommand, StatusCommand
//
// Any command set on the handle overrides the default for its kind.
//
// # Thread Safety
//
// Safe for concurrent use.
type CommandController struct {
	exec   remote.Executor
	cfg    Config
	logger *slog.Logger
}

// NewCommandController creates a controller that runs commands through exec.
func NewCommandController(exec remote.Executor, cfg Config) *CommandController {
	def := DefaultConfig()
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.MaxPollInterval < cfg.PollInterval {
		cfg.MaxPollInterval = max(def.MaxPollInterval, cfg.PollInterval)
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = def.StopTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = def.Logger
	}
	return &CommandController{
		exec:   exec,
		cfg:    cfg,
		logger: cfg.Logger.With("target", exec.Target()),
	}
}

// ValidateHandle checks that h names enough commands to be driven.
func ValidateHandle(h model.ServiceHandle) error {
	switch h.Kind {
	case model.HandleSystemd, model.HandleContainer:
		if h.Name == "" {
			return model.Errorf(model.ErrConfig, "validate service", "%s handle requires a name", h.Kind)
		}
	case model.HandleProcess:
		if h.Name == "" || h.StartCommand == "" {
			return model.Errorf(model.ErrConfig, "validate service", "process handle requires name and start_command")
		}
	case model.HandleCommand:
		if h.StartCommand == "" || h.StopCommand == "" || h.StatusCommand == "" {
			return model.Errorf(model.ErrConfig, "validate service", "command handle requires start, stop and status commands")
		}
	default:
		return model.Errorf(model.ErrConfig, "validate service", "unknown service kind %q", h.Kind)
	}
	return nil
}

func runtimeOf(h model.ServiceHandle) string {
	if h.Runtime != "" {
		return h.Runtime
	}
	return model.DefaultContainerRuntime
}

func (c *CommandController) startCommand(h model.ServiceHandle) string {
	if h.StartCommand != "" && h.Kind == model.HandleProcess {
		return fmt.Sprintf("nohup sh -c %s >/dev/null 2>&1 &", remote.Quote(h.StartCommand))
	}
	if h.StartCommand != "" {
		return h.StartCommand
	}
	switch h.Kind {
	case model.HandleSystemd:
		return "systemctl start " + remote.Quote(h.Name)
	case model.HandleContainer:
		return runtimeOf(h) + " start " + remote.Quote(h.Name)
	}
	return ""
}

func (c *CommandController) stopCommand(h model.ServiceHandle) string {
	if h.StopCommand != "" {
		return h.StopCommand
	}
	switch h.Kind {
	case model.HandleSystemd:
		return "systemctl stop " + remote.Quote(h.Name)
	case model.HandleContainer:
		return runtimeOf(h) + " stop " + remote.Quote(h.Name)
	case model.HandleProcess:
		// pkill exits 1 when nothing matched.
		return "pkill -f " + remote.Quote(MatchPattern(h.Name)) + "; [ $? -le 1 ]"
	}
	return ""
}

func (c *CommandController) statusCommand(h model.ServiceHandle) string {
	if h.StatusCommand != "" {
		return h.StatusCommand
	}
	switch h.Kind {
	case model.HandleSystemd:
		return "systemctl is-active --quiet " + remote.Quote(h.Name)
	case model.HandleContainer:
		return fmt.Sprintf("[ \"$(%s inspect -f '{{.State.Running}}' %s)\" = true ]", runtimeOf(h), remote.Quote(h.Name))
	case model.HandleProcess:
		return "pgrep -f " + remote.Quote(MatchPattern(h.Name)) + " >/dev/null"
	}
	return ""
}

// MatchPattern rewrites a pgrep/pkill -f pattern so it does not match the
// command line of the shell running it: "myapp" becomes "[m]yapp".
func MatchPattern(p string) string {
	for i, r := range p {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			if i > 0 && p[i-1] == '\\' {
				continue
			}
			return p[:i] + "[" + string(r) + "]" + p[i+1:]
		}
	}
	return p
}

func (c *CommandController) run(ctx context.Context, action string, h model.ServiceHandle, command string) error {
	start := time.Now()
	_, err := c.exec.RunCommand(ctx, command)
	details := map[string]any{
		"action":   action,
		"service":  h.Name,
		"kind":     string(h.Kind),
		"duration": time.Since(start).String(),
	}
	if err != nil {
		details["error"] = err.Error()
	}
	audit.FromContext(ctx).Record(audit.EventServiceAction, details)
	if err != nil {
		return model.NewError(model.ErrServiceRestart, action+" "+h.Name, err)
	}
	c.logger.Info("service "+action, "service", h.Name, "kind", h.Kind)
	return nil
}

// Start starts the service.
func (c *CommandController) Start(ctx context.Context, h model.ServiceHandle) error {
	return c.run(ctx, "start", h, c.startCommand(h))
}

// Stop stops the service.
func (c *CommandController) Stop(ctx context.Context, h model.ServiceHandle) error {
	return c.run(ctx, "stop", h, c.stopCommand(h))
}

// IsRunning runs the status command. A non-zero exit means "not running";
// only a transport failure is an error.
func (c *CommandController) IsRunning(ctx context.Context, h model.ServiceHandle) (bool, error) {
	_, err := c.exec.RunCommand(ctx, c.statusCommand(h))
	if err == nil {
		return true, nil
	}
	if remote.ExitCodeOf(err) > 0 {
		return false, nil
	}
	return false, err
}

// Restart restarts the service and waits for it to report running.
//
// # Description
//
// systemd and container handles use their native restart unless a custom
// start or stop command is set. Other handles stop, wait for the service to
// go down (bounded by StopTimeout), then start. Afterwards the status command
// is polled with doubling intervals until it succeeds or timeout elapses.
//
// # Outputs
//
//   - error: model.ErrServiceRestart, wrapping model.ErrConnectivity when the
//     target could not be reached.
func (c *CommandController) Restart(ctx context.Context, h model.ServiceHandle, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	native := h.StartCommand == "" && h.StopCommand == ""
	switch {
	case native && h.Kind == model.HandleSystemd:
		if err := c.run(ctx, "restart", h, "systemctl restart "+remote.Quote(h.Name)); err != nil {
			return err
		}
	case native && h.Kind == model.HandleContainer:
		if err := c.run(ctx, "restart", h, runtimeOf(h)+" restart "+remote.Quote(h.Name)); err != nil {
			return err
		}
	default:
		if err := c.Stop(ctx, h); err != nil {
			return err
		}
		if err := c.waitFor(ctx, h, false, c.cfg.StopTimeout); err != nil {
			return err
		}
		if err := c.Start(ctx, h); err != nil {
			return err
		}
	}

	return c.waitFor(ctx, h, true, timeout)
}

// waitFor polls IsRunning until it equals want, limit elapses or ctx ends.
func (c *CommandController) waitFor(ctx context.Context, h model.ServiceHandle, want bool, limit time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, limit)
	defer cancel()

	interval := c.cfg.PollInterval
	var lastErr error
	for {
		running, err := c.IsRunning(ctx, h)
		if err == nil && running == want {
			return nil
		}
		if err != nil {
			lastErr = err
		}

		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			state := "running"
			if !want {
				state = "stopped"
			}
			if lastErr != nil {
				return model.NewError(model.ErrServiceRestart, "wait for "+h.Name, fmt.Errorf("not %s after %s: %w", state, limit, lastErr))
			}
			return model.Errorf(model.ErrServiceRestart, "wait for "+h.Name, "not %s after %s", state, limit)
		case <-timer.C:
		}

		interval *= 2
		if interval > c.cfg.MaxPollInterval {
			interval = c.cfg.MaxPollInterval
		}
	}
}

var _ Controller = (*CommandController)(nil)
