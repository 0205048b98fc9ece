// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package health

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/AleutianAI/deployguard/cmd/deployguard/internal/model"
	"github.com/AleutianAI/deployguard/cmd/deployguard/internal/remote"
	"github.com/AleutianAI/deployguard/cmd/deployguard/internal/service"
)

// maxBodyBytes bounds how much of an HTTP response is matched.
const maxBodyBytes = 1 << 20

// probe runs one attempt of s and returns whether it passed and a short
// description of what was observed.
func (v *Verifier) probe(ctx context.Context, s model.HealthCheckSpec) (bool, string) {
	switch s.Kind {
	case model.HealthCheckHTTP:
		return v.probeHTTP(ctx, s)
	case model.HealthCheckLogPattern:
		return v.probeLog(ctx, s)
	case model.HealthCheckProcessAlive:
		return v.probeProcess(ctx, s)
	}
	return false, fmt.Sprintf("unknown check kind %q", s.Kind)
}

// probeHTTP performs an HTTP request against s.Target.
//
// # Description
//
// Passes when the status equals ExpectedStatus (200 when unset) and, if
// ExpectedCondition is set, the first 1 MiB of the body matches it as a
// regular expression.
func (v *Verifier) probeHTTP(ctx context.Context, s model.HealthCheckSpec) (bool, string) {
	method := s.Method
	if method == "" {
		method = http.MethodGet
	}
	req, err := http.NewRequestWithContext(ctx, method, s.Target, nil)
	if err != nil {
		return false, "invalid request: " + err.Error()
	}
	req.Header.Set("User-Agent", "deployguard-health")

	resp, err := v.cfg.HTTPClient.Do(req)
	if err != nil {
		return false, "request failed: " + err.Error()
	}
	defer resp.Body.Close()

	want := s.ExpectedStatus
	if want == 0 {
		want = http.StatusOK
	}
	if resp.StatusCode != want {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxBodyBytes))
		return false, fmt.Sprintf("HTTP %d (expected %d)", resp.StatusCode, want)
	}
	if s.ExpectedCondition == "" {
		return true, fmt.Sprintf("HTTP %d", resp.StatusCode)
	}

	re, err := regexp.Compile(s.ExpectedCondition)
	if err != nil {
		return false, "invalid pattern: " + err.Error()
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return false, "read body: " + err.Error()
	}
	if !re.Match(body) {
		return false, fmt.Sprintf("HTTP %d, body does not match %q", resp.StatusCode, s.ExpectedCondition)
	}
	return true, fmt.Sprintf("HTTP %d, body matches", resp.StatusCode)
}

// probeLog matches ExpectedCondition against the part of s.Target written
// since Mark.
//
// # Description
//
// A file that shrank below the mark is treated as rotated and read from the
// start. When Window is set, lines beginning with an RFC 3339 timestamp are
// only considered if the timestamp is within Window of now; lines without a
// timestamp are always considered.
func (v *Verifier) probeLog(ctx context.Context, s model.HealthCheckSpec) (bool, string) {
	re, err := regexp.Compile(s.ExpectedCondition)
	if err != nil {
		return false, "invalid pattern: " + err.Error()
	}

	info, err := v.exec.Stat(ctx, s.Target)
	if err != nil {
		return false, "stat: " + err.Error()
	}
	if !info.Exists {
		return false, "log file does not exist"
	}

	var offset int64
	if m, ok := v.markFor(s.Target); ok && m.offset <= info.Size {
		offset = m.offset
	}

	var buf bytes.Buffer
	if err := v.exec.ReadFile(ctx, s.Target, offset, &buf); err != nil {
		return false, "read: " + err.Error()
	}

	size := buf.Len()
	now := v.cfg.Now()
	sc := bufio.NewScanner(&buf)
	sc.Buffer(make([]byte, 64*1024), maxBodyBytes)
	for sc.Scan() {
		line := sc.Text()
		if s.Window > 0 {
			if ts, ok := lineTime(line); ok && now.Sub(ts) > s.Window {
				continue
			}
		}
		if re.MatchString(line) {
			return true, "matched: " + truncate(line, 200)
		}
	}
	if err := sc.Err(); err != nil {
		return false, fmt.Sprintf("scan %d bytes since mark: %v", size, err)
	}
	return false, fmt.Sprintf("no match for %q in %d bytes since mark", s.ExpectedCondition, size)
}

// lineTime parses a leading RFC 3339 timestamp, optionally in brackets.
func lineTime(line string) (time.Time, bool) {
	field, _, _ := strings.Cut(strings.TrimSpace(line), " ")
	field = strings.Trim(field, "[]")
	if field == "" {
		return time.Time{}, false
	}
	ts, err := time.Parse(time.RFC3339, field)
	if err != nil {
		return time.Time{}, false
	}
	return ts, true
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// probeProcess checks that a process matching s.Target is running, or asks
// the service controller when Target is empty.
func (v *Verifier) probeProcess(ctx context.Context, s model.HealthCheckSpec) (bool, string) {
	if s.Target == "" {
		if v.cfg.Service == nil {
			return false, "no process pattern and no service configured"
		}
		running, err := v.cfg.Service.IsRunning(ctx, v.cfg.Handle)
		if err != nil {
			return false, "status: " + err.Error()
		}
		if !running {
			return false, "service " + v.cfg.Handle.Name + " is not running"
		}
		return true, "service " + v.cfg.Handle.Name + " is running"
	}

	_, err := v.exec.RunCommand(ctx, "pgrep -f "+remote.Quote(service.MatchPattern(s.Target))+" >/dev/null")
	switch {
	case err == nil:
		return true, "process running"
	case remote.ExitCodeOf(err) == 1:
		return false, "no process matching " + s.Target
	default:
		return false, "pgrep: " + err.Error()
	}
}
