// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package resolve

import (
	"io/fs"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/deployguard/cmd/deployguard/internal/model"
)

const healthYAML = `
checks:
  - name: api
    kind: http
    target: http://127.0.0.1:8080/healthz
    expect: ok
  - kind: log_pattern
    target: /var/log/app.log
    expect: "server started"
    window: 5m
    timeout: 10s
    max_attempts: 6
    backoff: 500ms
  - kind: process_alive
`

type files struct {
	dir string
}

func newFiles(t *testing.T) *files {
	return &files{dir: t.TempDir()}
}

func (f *files) write(t *testing.T, rel, content string) string {
	t.Helper()
	p := filepath.Join(f.dir, rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	return p
}

func (f *files) request(t *testing.T, bundle, health string) Request {
	return Request{
		TargetID:   "prod-1",
		BasePath:   "/srv/app",
		BundlePath: f.write(t, "bundle.yaml", bundle),
		HealthPath: f.write(t, "health.yaml", health),
	}
}

func TestResolve_Full(t *testing.T) {
	f := newFiles(t)
	f.write(t, "build/app", "binary")
	f.write(t, "build/static/b.css", "b")
	f.write(t, "build/static/a.js", "a")
	f.write(t, "build/static/img/logo.png", "png")

	bundle := `
service:
  kind: systemd
  name: app.service
artifacts:
  - source: build/app
    destination: bin/app
    mode: "0755"
  - source: build/static
    destination: /var/www/static
  - source: build/app
    destination: bin/app
`
	res, err := Resolve(f.request(t, bundle, healthYAML))
	require.NoError(t, err)

	var dests []string
	for _, a := range res.Artifacts {
		dests = append(dests, a.DestinationPath)
	}
	assert.Equal(t, []string{
		"/srv/app/bin/app",
		"/var/www/static/a.js",
		"/var/www/static/b.css",
		"/var/www/static/img/logo.png",
	}, dests, "duplicates merged, directories expanded in lexical order")
	assert.Equal(t, fs.FileMode(0o755), res.Artifacts[0].Mode)
	assert.Equal(t, filepath.Join(f.dir, "build/app"), res.Artifacts[0].SourcePath)

	assert.Equal(t, model.ServiceHandle{Kind: model.HandleSystemd, Name: "app.service"}, res.Handle)

	require.Len(t, res.Health, 3)
	api := res.Health[0]
	assert.Equal(t, "api", api.Name)
	assert.Equal(t, DefaultTimeout, api.Timeout)
	assert.Equal(t, DefaultMaxAttempts, api.MaxAttempts)
	assert.Equal(t, DefaultBackoff, api.Backoff)

	logCheck := res.Health[1]
	assert.Equal(t, "log_pattern-2", logCheck.Name)
	assert.Equal(t, 5*time.Minute, logCheck.Window)
	assert.Equal(t, 6, logCheck.MaxAttempts)
	assert.Equal(t, 500*time.Millisecond, logCheck.Backoff)

	assert.Equal(t, model.HealthCheckProcessAlive, res.Health[2].Kind)
}

func TestResolve_ConfigErrors(t *testing.T) {
	validBundle := "service:\n  kind: systemd\n  name: app\nartifacts:\n  - source: app\n    destination: /srv/app\n"

	tests := []struct {
		name   string
		bundle string
		health string
	}{
		{"unknown probe kind", validBundle, "checks:\n  - kind: tcp\n    target: x\n"},
		{"missing source", "service:\n  kind: systemd\n  name: app\nartifacts:\n  - source: nope\n    destination: /x\n", healthYAML},
		{"conflicting destination", "service:\n  kind: systemd\n  name: app\nartifacts:\n  - source: app\n    destination: /x\n  - source: other\n    destination: /x\n", healthYAML},
		{"escaping destination", "service:\n  kind: systemd\n  name: app\nartifacts:\n  - source: app\n    destination: ../../etc/passwd\n", healthYAML},
		{"bad checksum", "service:\n  kind: systemd\n  name: app\nartifacts:\n  - source: app\n    destination: /x\n    checksum: abc\n", healthYAML},
		{"bad mode", "service:\n  kind: systemd\n  name: app\nartifacts:\n  - source: app\n    destination: /x\n    mode: \"999\"\n", healthYAML},
		{"no artifacts", "service:\n  kind: systemd\n  name: app\nartifacts: []\n", healthYAML},
		{"unknown service kind", "service:\n  kind: launchd\n  name: app\nartifacts:\n  - source: app\n    destination: /x\n", healthYAML},
		{"unknown field", validBundle + "extra: 1\n", healthYAML},
		{"no checks", validBundle, "checks: []\n"},
		{"bad url", validBundle, "checks:\n  - kind: http\n    target: not a url\n"},
		{"relative log path", validBundle, "checks:\n  - kind: log_pattern\n    target: app.log\n    expect: x\n"},
		{"bad regex", validBundle, "checks:\n  - kind: log_pattern\n    target: /app.log\n    expect: \"(\"\n"},
		{"duplicate check", validBundle, "checks:\n  - name: a\n    kind: process_alive\n  - name: a\n    kind: process_alive\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFiles(t)
			f.write(t, "app", "x")
			f.write(t, "other", "y")
			_, err := Resolve(f.request(t, tt.bundle, tt.health))
			assert.ErrorIs(t, err, model.ErrConfig)
		})
	}
}

func TestResolve_RelativeDestinationWithoutBasePath(t *testing.T) {
	f := newFiles(t)
	f.write(t, "app", "x")
	req := f.request(t, "service:\n  kind: systemd\n  name: app\nartifacts:\n  - source: app\n    destination: bin/app\n", healthYAML)
	req.BasePath = ""

	_, err := Resolve(req)
	require.ErrorIs(t, err, model.ErrConfig)
	assert.Contains(t, err.Error(), "relative")
}

func TestResolve_BundleBasePathWins(t *testing.T) {
	f := newFiles(t)
	f.write(t, "app", "x")
	res, err := Resolve(f.request(t, "base_path: /opt/svc\nservice:\n  kind: systemd\n  name: app\nartifacts:\n  - source: app\n    destination: app\n", healthYAML))
	require.NoError(t, err)
	assert.Equal(t, "/opt/svc/app", res.Artifacts[0].DestinationPath)
}
