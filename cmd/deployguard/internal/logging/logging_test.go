// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/deployguard/cmd/deployguard/internal/model"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"", slog.LevelInfo},
		{"info", slog.LevelInfo},
		{"DEBUG", slog.LevelDebug},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
	}
	for _, tt := range tests {
		got, err := ParseLevel(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}

	_, err := ParseLevel("loud")
	assert.ErrorIs(t, err, model.ErrConfig)
}

func TestNew_StreamOnly(t *testing.T) {
	var buf bytes.Buffer
	l, err := New(Config{Level: "warn", Writer: &buf})
	require.NoError(t, err)
	defer l.Close()

	l.Info("hidden")
	l.Warn("shown", "target", "prod-1")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "msg=shown")
	assert.Contains(t, out, "target=prod-1")
	assert.Contains(t, out, "service=deployguard")
	assert.Empty(t, l.FilePath())
}

func TestNew_JSONStream(t *testing.T) {
	var buf bytes.Buffer
	l, err := New(Config{JSON: true, Writer: &buf, Service: "test"})
	require.NoError(t, err)

	l.Info("hello")

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "hello", rec["msg"])
	assert.Equal(t, "test", rec["service"])
}

func TestNew_FileLogging(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "logs")
	var buf bytes.Buffer
	day := time.Date(2025, 3, 4, 10, 0, 0, 0, time.UTC)
	l, err := New(Config{Writer: &buf, Dir: dir, Now: func() time.Time { return day }})
	require.NoError(t, err)

	l.With("run", "abc").Info("phase done")
	require.NoError(t, l.Close())
	require.NoError(t, l.Close())

	path := filepath.Join(dir, "deployguard_2025-03-04.log")
	assert.Equal(t, "", l.FilePath())
	data, err := os.ReadFile(path)
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 1)
	var rec map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &rec))
	assert.Equal(t, "phase done", rec["msg"])
	assert.Equal(t, "abc", rec["run"])

	assert.Contains(t, buf.String(), "msg=\"phase done\"", "stream still receives records")
}

func TestNew_UnusableDir(t *testing.T) {
	file := filepath.Join(t.TempDir(), "plain")
	require.NoError(t, os.WriteFile(file, nil, 0o644))

	_, err := New(Config{Dir: filepath.Join(file, "logs"), Writer: &bytes.Buffer{}})
	assert.ErrorIs(t, err, model.ErrConfig)
}
