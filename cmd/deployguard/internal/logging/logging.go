// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package logging builds the structured logger used by every deployguard
// command.
//
// Logs always go to the command's error stream so that stdout stays
// parseable. Optionally they are also appended, as JSON, to a daily file:
//
//	┌──────────────────────────────────────────┐
//	│                 Logger                   │
//	│  ┌──────────────┐   ┌──────────────────┐ │
//	│  │ stderr       │   │ <dir>/<service>_ │ │
//	│  │ text or JSON │   │ YYYY-MM-DD.log   │ │
//	│  └──────────────┘   └──────────────────┘ │
//	└──────────────────────────────────────────┘
//
// The audit log is separate: it is the record of a deployment, this is
// the operator's diagnostic output.
//
// # Thread Safety
//
// Logger is safe for concurrent use.
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/AleutianAI/deployguard/cmd/deployguard/internal/model"
)

// Config configures a Logger. A zero Config logs Info and above as text to
// os.Stderr.
type Config struct {
	// Level is one of debug, info, warn, error. Empty means info.
	Level string

	// JSON switches the stream output to JSON. File output is always JSON.
	JSON bool

	// Dir enables file logging. The file is named
	// "{Service}_{YYYY-MM-DD}.log" and is created with 0640 permissions.
	// Supports ~ for the home directory.
	Dir string

	// Service is attached to every record as the "service" attribute.
	// Default: "deployguard"
	Service string

	// Writer receives stream output.
	// Default: os.Stderr
	Writer io.Writer

	// Now names the log file. Default: time.Now
	Now func() time.Time
}

// Logger is a slog.Logger that may own an open log file.
type Logger struct {
	*slog.Logger

	mu   sync.Mutex
	file *os.File
}

// ParseLevel maps a level name to a slog.Level.
//
// # Outputs
//
//   - error: model.ErrConfig for an unknown name.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return 0, model.Errorf(model.ErrConfig, "log level", "unknown level %q", s)
}

// New creates a Logger.
//
// # Description
//
// Builds a stream handler on cfg.Writer and, when cfg.Dir is set, a JSON
// file handler, fanning records out to both. The caller must Close the
// Logger to release the file.
//
// # Outputs
//
//   - *Logger: Ready to use.
//   - error: model.ErrConfig for an unknown level or an unusable Dir.
func New(cfg Config) (*Logger, error) {
	level, err := ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	if cfg.Writer == nil {
		cfg.Writer = os.Stderr
	}
	if cfg.Service == "" {
		cfg.Service = "deployguard"
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	opts := &slog.HandlerOptions{Level: level}
	var stream slog.Handler
	if cfg.JSON {
		stream = slog.NewJSONHandler(cfg.Writer, opts)
	} else {
		stream = slog.NewTextHandler(cfg.Writer, opts)
	}

	l := &Logger{}
	handler := stream
	if cfg.Dir != "" {
		dir := expandPath(cfg.Dir)
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, model.NewError(model.ErrConfig, "create log directory", err)
		}
		name := fmt.Sprintf("%s_%s.log", cfg.Service, cfg.Now().Format("2006-01-02"))
		f, err := os.OpenFile(filepath.Join(dir, name), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
		if err != nil {
			return nil, model.NewError(model.ErrConfig, "open log file", err)
		}
		l.file = f
		handler = &multiHandler{handlers: []slog.Handler{stream, slog.NewJSONHandler(f, opts)}}
	}

	handler = handler.WithAttrs([]slog.Attr{slog.String("service", cfg.Service)})
	l.Logger = slog.New(handler)
	return l, nil
}

// FilePath returns the path of the log file, or "" when file logging is off.
func (l *Logger) FilePath() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return ""
	}
	return l.file.Name()
}

// Close syncs and closes the log file. Safe to call more than once.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	f := l.file
	l.file = nil
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("sync log file: %w", err)
	}
	return f.Close()
}

// multiHandler fans out records to several handlers.
type multiHandler struct {
	handlers []slog.Handler
}

func (h *multiHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, handler := range h.handlers {
		if handler.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (h *multiHandler) Handle(ctx context.Context, r slog.Record) error {
	var first error
	for _, handler := range h.handlers {
		if !handler.Enabled(ctx, r.Level) {
			continue
		}
		if err := handler.Handle(ctx, r.Clone()); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (h *multiHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	handlers := make([]slog.Handler, len(h.handlers))
	for i, handler := range h.handlers {
		handlers[i] = handler.WithAttrs(attrs)
	}
	return &multiHandler{handlers: handlers}
}

func (h *multiHandler) WithGroup(name string) slog.Handler {
	handlers := make([]slog.Handler, len(h.handlers))
	for i, handler := range h.handlers {
		handlers[i] = handler.WithGroup(name)
	}
	return &multiHandler{handlers: handlers}
}

// expandPath expands a leading ~ to the user's home directory.
func expandPath(path string) string {
	if rest, ok := strings.CutPrefix(path, "~"); ok {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, rest)
		}
	}
	return path
}
