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
	"testing"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/deployguard/cmd/deployguard/internal/model"
)

// TestCreateDefault verifies default config creation round-trips.
func TestCreateDefault(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "deep", ".deployguard", "deployguard.yaml")

	if err := createDefault(configPath); err != nil {
		t.Fatalf("createDefault() failed: %v", err)
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		t.Fatalf("failed to read config file: %v", err)
	}

	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		t.Fatalf("failed to parse config: %v", err)
	}

	cfg, err := Parse(data)
	if err != nil {
		t.Fatalf("Parse(default) failed: %v", err)
	}
	if cfg.Defaults.RestartTimeout != 60*time.Second {
		t.Errorf("RestartTimeout = %v, want 60s", cfg.Defaults.RestartTimeout)
	}
	if _, err := cfg.Target("local"); err != nil {
		t.Errorf("default config should carry the local target: %v", err)
	}
}

// TestLoad_ExplicitPathMustExist verifies a missing explicit path is not
// silently replaced by defaults.
func TestLoad_ExplicitPathMustExist(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if !isConfigError(err) {
		t.Fatalf("Load(missing) = %v, want ConfigError", err)
	}
}

// TestParse_Targets verifies target parsing and lookup.
func TestParse_Targets(t *testing.T) {
	data := []byte(`
state_dir: /tmp/dg
defaults:
  keep_backups: 2
  retry:
    max_tries: 6
targets:
  - id: prod-1
    transport: ssh
    host: 10.0.0.5
    user: deploy
    identity_file: ~/.ssh/id_ed25519
    base_path: /srv/app
  - id: web
    transport: container
    container: web-1
    runtime: podman
`)
	cfg, err := Parse(data)
	if err != nil {
		t.Fatalf("Parse() failed: %v", err)
	}
	if cfg.Defaults.KeepBackups != 2 {
		t.Errorf("KeepBackups = %d, want 2", cfg.Defaults.KeepBackups)
	}
	if cfg.Defaults.Retry.MaxTries != 6 {
		t.Errorf("MaxTries = %d, want 6", cfg.Defaults.Retry.MaxTries)
	}
	if cfg.Defaults.Retry.InitialInterval != time.Second {
		t.Errorf("unspecified fields keep defaults, got InitialInterval=%v", cfg.Defaults.Retry.InitialInterval)
	}

	prod, err := cfg.Target("prod-1")
	if err != nil {
		t.Fatalf("Target(prod-1) failed: %v", err)
	}
	p := prod.Params()
	if p.Host != "10.0.0.5" || p.Transport != "ssh" || p.Target != "prod-1" {
		t.Errorf("Params() = %+v", p)
	}

	if _, err := cfg.Target("nope"); !isConfigError(err) {
		t.Errorf("Target(nope) = %v, want ConfigError", err)
	}
}

// TestParse_Invalid verifies validation failures are ConfigErrors.
func TestParse_Invalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"unknown field", "state_dir: /x\nbogus: 1\n"},
		{"ssh without host", "state_dir: /x\ntargets:\n  - id: a\n    transport: ssh\n"},
		{"container without name", "state_dir: /x\ntargets:\n  - id: a\n    transport: container\n"},
		{"bad transport", "state_dir: /x\ntargets:\n  - id: a\n    transport: ftp\n"},
		{"bad target id", "state_dir: /x\ntargets:\n  - id: ../etc\n"},
		{"duplicate target", "state_dir: /x\ntargets:\n  - id: a\n  - id: a\n"},
		{"relative base path", "state_dir: /x\ntargets:\n  - id: a\n    base_path: srv\n"},
		{"negative keep", "state_dir: /x\ndefaults:\n  keep_backups: -1\n"},
		{"empty state dir", "state_dir: \"\"\n"},
		{"bad duration", "state_dir: /x\ndefaults:\n  restart_timeout: soon\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Parse([]byte(tt.yaml)); !isConfigError(err) {
				t.Errorf("Parse() = %v, want ConfigError", err)
			}
		})
	}
}

// TestParse_Empty verifies an empty file yields the defaults.
func TestParse_Empty(t *testing.T) {
	cfg, err := Parse(nil)
	if err != nil {
		t.Fatalf("Parse(nil) failed: %v", err)
	}
	if cfg.Defaults.KeepBackups != DefaultConfig().Defaults.KeepBackups {
		t.Errorf("KeepBackups = %d", cfg.Defaults.KeepBackups)
	}
}

func isConfigError(err error) bool {
	return model.KindOf(err) == "ConfigError"
}
