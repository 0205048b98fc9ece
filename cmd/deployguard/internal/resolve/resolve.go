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
Package resolve turns a deployment request into validated artifacts, a
service handle and health check specs.

Bundle file:

	base_path: /srv/app            # optional, overrides the target's base_path
	service:
	  kind: systemd                # systemd | container | process | command
	  name: app.service
	artifacts:
	  - source: build/app          # relative to the bundle file
	    destination: bin/app       # relative to base_path
	    checksum: <sha256 hex>     # optional
	    mode: "0755"               # optional

Health file:

	checks:
	  - name: api
	    kind: http                 # http | log_pattern | process_alive
	    target: http://10.0.0.5:8080/healthz
	    expect: '"status":"ok"'
	    timeout: 30s
	    max_attempts: 5
	    backoff: 1s

Resolution has no side effects. Every failure is a model.ErrConfig.
*/
package resolve

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/deployguard/cmd/deployguard/internal/model"
	"github.com/AleutianAI/deployguard/cmd/deployguard/internal/service"
)

// Defaults applied to health checks that leave a field unset.
const (
	DefaultTimeout     = 30 * time.Second
	DefaultMaxAttempts = 3
	DefaultBackoff     = time.Second
)

// Request identifies the files and target of a deployment.
type Request struct {
	TargetID   string
	BasePath   string
	BundlePath string
	HealthPath string
}

// Resolved is the validated form of a Request.
type Resolved struct {
	TargetID  string
	Artifacts []model.ArtifactSpec
	Handle    model.ServiceHandle
	Health    []model.HealthCheckSpec
}

type bundleFile struct {
	BasePath  string          `yaml:"base_path" validate:"omitempty,startswith=/"`
	Service   serviceSection  `yaml:"service"`
	Artifacts []artifactEntry `yaml:"artifacts" validate:"min=1,dive"`
}

type serviceSection struct {
	Kind          string `yaml:"kind" validate:"required"`
	Name          string `yaml:"name"`
	Runtime       string `yaml:"runtime" validate:"omitempty,oneof=docker podman"`
	StartCommand  string `yaml:"start_command"`
	StopCommand   string `yaml:"stop_command"`
	StatusCommand string `yaml:"status_command"`
}

type artifactEntry struct {
	Source      string `yaml:"source" validate:"required"`
	Destination string `yaml:"destination" validate:"required"`
	Checksum    string `yaml:"checksum" validate:"omitempty,len=64,hexadecimal,lowercase"`
	Mode        string `yaml:"mode" validate:"omitempty,numeric"`
}

type healthFile struct {
	Checks []checkEntry `yaml:"checks" validate:"min=1,dive"`
}

type checkEntry struct {
	Name           string        `yaml:"name"`
	Kind           string        `yaml:"kind" validate:"required"`
	Target         string        `yaml:"target"`
	Expect         string        `yaml:"expect"`
	ExpectedStatus int           `yaml:"expected_status" validate:"omitempty,min=100,max=599"`
	Method         string        `yaml:"method" validate:"omitempty,oneof=GET HEAD POST"`
	Window         time.Duration `yaml:"window" validate:"gte=0"`
	Timeout        time.Duration `yaml:"timeout" validate:"gte=0"`
	MaxAttempts    int           `yaml:"max_attempts" validate:"gte=0"`
	Backoff        time.Duration `yaml:"backoff" validate:"gte=0"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Resolve reads and validates the bundle and health files of req.
//
// # Description
//
// Relative sources are resolved against the bundle file's directory and
// must exist. Directory sources expand into one artifact per regular file,
// in lexical order. Relative destinations are joined onto base_path.
// Two artifacts naming one destination are merged when they share a source
// and rejected otherwise.
//
// # Outputs
//
//   - *Resolved: Ready for the orchestrator.
//   - error: model.ErrConfig.
func Resolve(req Request) (*Resolved, error) {
	if req.TargetID == "" {
		return nil, model.Errorf(model.ErrConfig, "resolve", "target id is required")
	}

	var bundle bundleFile
	if err := decodeFile(req.BundlePath, &bundle); err != nil {
		return nil, err
	}
	handle := model.ServiceHandle{
		Kind:          model.HandleKind(bundle.Service.Kind),
		Name:          bundle.Service.Name,
		Runtime:       bundle.Service.Runtime,
		StartCommand:  bundle.Service.StartCommand,
		StopCommand:   bundle.Service.StopCommand,
		StatusCommand: bundle.Service.StatusCommand,
	}
	if err := service.ValidateHandle(handle); err != nil {
		return nil, err
	}

	basePath := req.BasePath
	if bundle.BasePath != "" {
		basePath = bundle.BasePath
	}
	artifacts, err := resolveArtifacts(filepath.Dir(req.BundlePath), basePath, bundle.Artifacts)
	if err != nil {
		return nil, err
	}

	var hf healthFile
	if err := decodeFile(req.HealthPath, &hf); err != nil {
		return nil, err
	}
	specs, err := resolveChecks(hf.Checks, handle)
	if err != nil {
		return nil, err
	}

	return &Resolved{TargetID: req.TargetID, Artifacts: artifacts, Handle: handle, Health: specs}, nil
}

func decodeFile(path string, out any) error {
	if path == "" {
		return model.Errorf(model.ErrConfig, "resolve", "missing file path")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return model.NewError(model.ErrConfig, "read "+path, err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(out); err != nil {
		return model.NewError(model.ErrConfig, "parse "+path, err)
	}
	if err := validate.Struct(out); err != nil {
		return model.NewError(model.ErrConfig, "validate "+path, err)
	}
	return nil
}

func resolveArtifacts(bundleDir, basePath string, entries []artifactEntry) ([]model.ArtifactSpec, error) {
	var out []model.ArtifactSpec
	byDest := make(map[string]string)

	add := func(a model.ArtifactSpec) error {
		if prev, ok := byDest[a.DestinationPath]; ok {
			if prev == a.SourcePath {
				return nil
			}
			return model.Errorf(model.ErrConfig, "resolve artifacts",
				"destination %s claimed by %s and %s", a.DestinationPath, prev, a.SourcePath)
		}
		byDest[a.DestinationPath] = a.SourcePath
		out = append(out, a)
		return nil
	}

	for _, e := range entries {
		src := e.Source
		if !filepath.IsAbs(src) {
			src = filepath.Join(bundleDir, src)
		}
		dst, err := destination(basePath, e.Destination)
		if err != nil {
			return nil, err
		}
		mode, err := parseMode(e.Mode)
		if err != nil {
			return nil, err
		}

		info, err := os.Stat(src)
		if err != nil {
			return nil, model.NewError(model.ErrConfig, "resolve artifacts", fmt.Errorf("source %s: %w", e.Source, err))
		}
		if !info.IsDir() {
			if err := add(model.ArtifactSpec{SourcePath: src, DestinationPath: dst, Checksum: e.Checksum, Mode: mode}); err != nil {
				return nil, err
			}
			continue
		}

		if e.Checksum != "" {
			return nil, model.Errorf(model.ErrConfig, "resolve artifacts", "checksum set on directory source %s", e.Source)
		}
		files, err := expandDir(src)
		if err != nil {
			return nil, err
		}
		for _, rel := range files {
			a := model.ArtifactSpec{
				SourcePath:      filepath.Join(src, rel),
				DestinationPath: filepath.Join(dst, rel),
				Mode:            mode,
			}
			if err := add(a); err != nil {
				return nil, err
			}
		}
	}
	return out, nil
}

func destination(basePath, dst string) (string, error) {
	if filepath.IsAbs(dst) {
		return filepath.Clean(dst), nil
	}
	if basePath == "" {
		return "", model.Errorf(model.ErrConfig, "resolve artifacts", "destination %q is relative and no base_path is set", dst)
	}
	joined := filepath.Join(basePath, dst)
	rel, err := filepath.Rel(basePath, joined)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", model.Errorf(model.ErrConfig, "resolve artifacts", "destination %q escapes base_path %s", dst, basePath)
	}
	return joined, nil
}

func parseMode(s string) (fs.FileMode, error) {
	if s == "" {
		return 0, nil
	}
	v, err := strconv.ParseUint(s, 8, 32)
	if err != nil || v > 0o7777 {
		return 0, model.Errorf(model.ErrConfig, "resolve artifacts", "invalid mode %q", s)
	}
	return fs.FileMode(v), nil
}

// expandDir returns the regular files under dir, relative and in lexical order.
func expandDir(dir string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		info, err := os.Stat(path)
		if err != nil {
			return err
		}
		if !info.Mode().IsRegular() {
			return fmt.Errorf("%s is not a regular file", path)
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		files = append(files, rel)
		return nil
	})
	if err != nil {
		return nil, model.NewError(model.ErrConfig, "expand "+dir, err)
	}
	if len(files) == 0 {
		return nil, model.Errorf(model.ErrConfig, "expand "+dir, "directory contains no files")
	}
	return files, nil
}

func resolveChecks(entries []checkEntry, handle model.ServiceHandle) ([]model.HealthCheckSpec, error) {
	specs := make([]model.HealthCheckSpec, 0, len(entries))
	names := make(map[string]bool)
	for i, e := range entries {
		kind, err := model.ParseHealthCheckKind(e.Kind)
		if err != nil {
			return nil, err
		}
		name := e.Name
		if name == "" {
			name = fmt.Sprintf("%s-%d", kind, i+1)
		}
		if names[name] {
			return nil, model.Errorf(model.ErrConfig, "resolve health", "duplicate check name %q", name)
		}
		names[name] = true

		s := model.HealthCheckSpec{
			Name:              name,
			Kind:              kind,
			Target:            e.Target,
			ExpectedCondition: e.Expect,
			ExpectedStatus:    e.ExpectedStatus,
			Method:            e.Method,
			Window:            e.Window,
			Timeout:           orDefault(e.Timeout, DefaultTimeout),
			MaxAttempts:       e.MaxAttempts,
			Backoff:           orDefault(e.Backoff, DefaultBackoff),
		}
		if s.MaxAttempts == 0 {
			s.MaxAttempts = DefaultMaxAttempts
		}
		if err := checkKind(s, handle); err != nil {
			return nil, model.NewError(model.ErrConfig, "resolve health "+name, err)
		}
		specs = append(specs, s)
	}
	return specs, nil
}

func checkKind(s model.HealthCheckSpec, handle model.ServiceHandle) error {
	if s.ExpectedCondition != "" {
		if _, err := regexp.Compile(s.ExpectedCondition); err != nil {
			return fmt.Errorf("invalid expect pattern: %w", err)
		}
	}
	switch s.Kind {
	case model.HealthCheckHTTP:
		if err := validate.Var(s.Target, "required,http_url"); err != nil {
			return fmt.Errorf("target must be an http(s) URL: %q", s.Target)
		}
	case model.HealthCheckLogPattern:
		if !filepath.IsAbs(s.Target) {
			return fmt.Errorf("target must be an absolute log path: %q", s.Target)
		}
		if s.ExpectedCondition == "" {
			return errors.New("log_pattern requires expect")
		}
	case model.HealthCheckProcessAlive:
		if s.Target == "" && handle.Name == "" && handle.StatusCommand == "" {
			return errors.New("process_alive requires a target or a named service")
		}
	}
	return nil
}

func orDefault(d, def time.Duration) time.Duration {
	if d == 0 {
		return def
	}
	return d
}
