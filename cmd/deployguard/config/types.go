// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/AleutianAI/deployguard/cmd/deployguard/internal/remote"
)

type DeployguardConfig struct {
	// StateDir holds locks, backups, audit logs and the run store.
	StateDir string `yaml:"state_dir" validate:"required"`

	// Defaults apply to every deployment unless a flag overrides them.
	Defaults DefaultsConfig `yaml:"defaults"`

	// Targets: the environments deployguard may deploy to
	Targets []TargetConfig `yaml:"targets" validate:"unique=ID,dive"`

	Logging LoggingConfig `yaml:"logging"`

	Observability ObservabilityConfig `yaml:"observability"`
}

type DefaultsConfig struct {
	KeepBackups    int           `yaml:"keep_backups" validate:"gte=0"`
	RestartTimeout time.Duration `yaml:"restart_timeout" validate:"gt=0"`
	// PhaseTimeout bounds backup, transfer and restore.
	PhaseTimeout time.Duration `yaml:"phase_timeout" validate:"gt=0"`
	Retry        RetryConfig   `yaml:"retry"`
	// ProbesPerSecond limits health probe attempts across all specs.
	ProbesPerSecond float64 `yaml:"probes_per_second" validate:"gt=0"`
}

// RetryConfig is the connectivity retry policy applied per phase.
type RetryConfig struct {
	InitialInterval time.Duration `yaml:"initial_interval" validate:"gt=0"`
	MaxInterval     time.Duration `yaml:"max_interval" validate:"gtefield=InitialInterval"`
	MaxTries        uint          `yaml:"max_tries" validate:"gte=1"`
}

type TargetConfig struct {
	ID        string `yaml:"id" validate:"required,targetid"`
	Transport string `yaml:"transport" validate:"omitempty,oneof=local ssh container"`

	// ssh
	Host         string `yaml:"host,omitempty" validate:"required_if=Transport ssh"`
	Port         int    `yaml:"port,omitempty" validate:"omitempty,min=1,max=65535"`
	User         string `yaml:"user,omitempty"`
	IdentityFile string `yaml:"identity_file,omitempty"`
	KnownHosts   string `yaml:"known_hosts,omitempty"`
	UseAgent     bool   `yaml:"use_agent,omitempty"`

	// container
	Container string `yaml:"container,omitempty" validate:"required_if=Transport container"`
	Runtime   string `yaml:"runtime,omitempty" validate:"omitempty,oneof=docker podman"`

	// BasePath is joined onto relative artifact destinations.
	BasePath string `yaml:"base_path,omitempty" validate:"omitempty,startswith=/"`

	DialTimeout time.Duration `yaml:"dial_timeout,omitempty"`
}

type LoggingConfig struct {
	Level string `yaml:"level" validate:"omitempty,oneof=debug info warn error"`
	JSON  bool   `yaml:"json"`
	// Dir additionally appends JSON logs to a daily file in this directory.
	Dir string `yaml:"dir,omitempty"`
}

type ObservabilityConfig struct {
	// MetricsFile is a node-exporter textfile written after every command.
	MetricsFile string `yaml:"metrics_file,omitempty"`
	// Trace exports phase spans to stderr.
	Trace bool `yaml:"trace"`
}

// Params returns the remote execution parameters of t.
func (t TargetConfig) Params() remote.Params {
	return remote.Params{
		Target:       t.ID,
		Transport:    t.Transport,
		Host:         t.Host,
		Port:         t.Port,
		User:         t.User,
		IdentityFile: t.IdentityFile,
		KnownHosts:   t.KnownHosts,
		UseAgent:     t.UseAgent,
		Runtime:      t.Runtime,
		Container:    t.Container,
		DialTimeout:  t.DialTimeout,
	}
}

func DefaultConfig() DeployguardConfig {
	stateDir := "/var/lib/deployguard"
	if home, err := os.UserHomeDir(); err == nil {
		stateDir = filepath.Join(home, ".deployguard", "state")
	}
	return DeployguardConfig{
		StateDir: stateDir,
		Defaults: DefaultsConfig{
			KeepBackups:    5,
			RestartTimeout: 60 * time.Second,
			PhaseTimeout:   10 * time.Minute,
			Retry: RetryConfig{
				InitialInterval: time.Second,
				MaxInterval:     15 * time.Second,
				MaxTries:        4,
			},
			ProbesPerSecond: 20,
		},
		Targets: []TargetConfig{
			{ID: "local", Transport: remote.TransportLocal},
		},
		Logging: LoggingConfig{Level: "info"},
	}
}
