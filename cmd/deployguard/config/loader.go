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
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/deployguard/cmd/deployguard/internal/model"
)

var targetIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,63}$`)

// Validator is shared by the config loader and the bundle resolver.
var Validator = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	_ = v.RegisterValidation("targetid", func(fl validator.FieldLevel) bool {
		return targetIDPattern.MatchString(fl.Field().String())
	})
	return v
}

// DefaultPath returns ~/.deployguard/deployguard.yaml.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("could not find the user's home directory: %w", err)
	}
	return filepath.Join(home, ".deployguard", "deployguard.yaml"), nil
}

// Load reads and validates the config at path. An empty path means
// DefaultPath, which is created with defaults on first run; an explicit
// path must exist.
//
// # Outputs
//
//   - *DeployguardConfig: Validated config with defaults filled in.
//   - error: model.ErrConfig for a missing, unparsable or invalid file.
func Load(path string) (*DeployguardConfig, error) {
	if path == "" {
		p, err := DefaultPath()
		if err != nil {
			return nil, model.NewError(model.ErrConfig, "load config", err)
		}
		path = p
		if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
			fmt.Fprintf(os.Stderr, " First run detected, creating the config at %s\n", path)
			if err := createDefault(path); err != nil {
				return nil, model.NewError(model.ErrConfig, "create default config", err)
			}
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, model.NewError(model.ErrConfig, "read config", err)
	}
	return Parse(data)
}

// Parse decodes YAML config data on top of the defaults and validates it.
func Parse(data []byte) (*DeployguardConfig, error) {
	cfg := DefaultConfig()
	cfg.Targets = nil
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	// An empty document decodes to the defaults.
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, model.NewError(model.ErrConfig, "parse config", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks struct constraints.
func (c *DeployguardConfig) Validate() error {
	if err := Validator.Struct(c); err != nil {
		return model.NewError(model.ErrConfig, "validate config", err)
	}
	return nil
}

// Target returns the configuration of target id.
func (c *DeployguardConfig) Target(id string) (TargetConfig, error) {
	for _, t := range c.Targets {
		if t.ID == id {
			return t, nil
		}
	}
	return TargetConfig{}, model.Errorf(model.ErrConfig, "resolve target", "unknown target %q", id)
}

func createDefault(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create the config directory %w", err)
	}
	data, err := yaml.Marshal(DefaultConfig())
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
