// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package remote

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"io/fs"
	"path"
	"strconv"
	"strings"
)

// exitNotExist is returned by the generated scripts when the path is missing.
const exitNotExist = 44

// streamer runs one POSIX shell command on a target.
//
// A non-nil error means the command could not be run or its session broke
// (a connectivity failure). A command that ran reports its exit code.
type streamer interface {
	stream(ctx context.Context, command string, stdin io.Reader, stdout io.Writer) (exitCode int, stderr string, err error)
}

// shellOps implements the file half of Executor with coreutils commands, for
// transports that can only run commands (SSH, container exec).
type shellOps struct {
	s streamer
}

// Quote single-quotes s for a POSIX shell.
func Quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func (o shellOps) exec(ctx context.Context, command string, stdin io.Reader, stdout io.Writer) error {
	code, stderr, err := o.s.stream(ctx, command, stdin, stdout)
	if err != nil {
		return err
	}
	if code != 0 {
		return NewCommandError(command, code, stderr, nil)
	}
	return nil
}

func notExist(p string, err error) error {
	if ExitCodeOf(err) == exitNotExist {
		return fmt.Errorf("%s: %w", p, fs.ErrNotExist)
	}
	return err
}

func (o shellOps) RunCommand(ctx context.Context, command string) (CommandResult, error) {
	var stdout bytes.Buffer
	code, stderr, err := o.s.stream(ctx, command, nil, &stdout)
	res := CommandResult{Stdout: stdout.String(), Stderr: stderr, ExitCode: code}
	if err != nil {
		res.ExitCode = -1
		return res, err
	}
	if code != 0 {
		return res, NewCommandError(command, code, stderr, nil)
	}
	return res, nil
}

func (o shellOps) CopyFile(ctx context.Context, src io.Reader, dst string, mode fs.FileMode) error {
	q := Quote(dst)
	script := fmt.Sprintf("cat > %s && chmod %04o %s && (sync %s 2>/dev/null || sync)", q, mode.Perm(), q, q)
	return o.exec(ctx, script, src, io.Discard)
}

func (o shellOps) ReadFile(ctx context.Context, p string, offset int64, w io.Writer) error {
	q := Quote(p)
	script := fmt.Sprintf("[ -e %s ] || exit %d; cat %s", q, exitNotExist, q)
	if offset > 0 {
		script = fmt.Sprintf("[ -e %s ] || exit %d; tail -c +%d %s", q, exitNotExist, offset+1, q)
	}
	return notExist(p, o.exec(ctx, script, nil, w))
}

func (o shellOps) Stat(ctx context.Context, p string) (FileInfo, error) {
	q := Quote(p)
	var out bytes.Buffer
	err := o.exec(ctx, fmt.Sprintf("[ -e %s ] || exit %d; stat -L -c '%%s %%a %%F' %s", q, exitNotExist, q), nil, &out)
	if ExitCodeOf(err) == exitNotExist {
		return FileInfo{}, nil
	}
	if err != nil {
		return FileInfo{}, err
	}
	return parseStat(out.String())
}

// parseStat parses "size octal-mode type" as printed by GNU stat -c '%s %a %F'.
func parseStat(line string) (FileInfo, error) {
	fields := strings.Fields(strings.TrimSpace(line))
	if len(fields) < 3 {
		return FileInfo{}, fmt.Errorf("unexpected stat output %q", line)
	}
	size, err := strconv.ParseInt(fields[0], 10, 64)
	if err != nil {
		return FileInfo{}, fmt.Errorf("parse size %q: %w", fields[0], err)
	}
	mode, err := strconv.ParseUint(fields[1], 8, 32)
	if err != nil {
		return FileInfo{}, fmt.Errorf("parse mode %q: %w", fields[1], err)
	}
	return FileInfo{
		Exists: true,
		IsDir:  strings.Join(fields[2:], " ") == "directory",
		Size:   size,
		Mode:   fs.FileMode(mode).Perm(),
	}, nil
}

func (o shellOps) Rename(ctx context.Context, from, to string) error {
	dir := Quote(path.Dir(to))
	script := fmt.Sprintf("mv -f %s %s && (sync %s 2>/dev/null || sync)", Quote(from), Quote(to), dir)
	return o.exec(ctx, script, nil, io.Discard)
}

func (o shellOps) Remove(ctx context.Context, p string) error {
	return o.exec(ctx, "rm -f "+Quote(p), nil, io.Discard)
}

func (o shellOps) MkdirAll(ctx context.Context, p string, mode fs.FileMode) error {
	return o.exec(ctx, fmt.Sprintf("mkdir -p -m %04o %s", mode.Perm(), Quote(p)), nil, io.Discard)
}

func (o shellOps) Checksum(ctx context.Context, p string) (string, error) {
	q := Quote(p)
	var out bytes.Buffer
	err := o.exec(ctx, fmt.Sprintf("[ -e %s ] || exit %d; sha256sum %s", q, exitNotExist, q), nil, &out)
	if err != nil {
		return "", notExist(p, err)
	}
	fields := strings.Fields(out.String())
	if len(fields) == 0 || len(fields[0]) != 64 {
		return "", fmt.Errorf("unexpected sha256sum output %q", out.String())
	}
	return strings.ToLower(fields[0]), nil
}
