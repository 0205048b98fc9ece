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
Package remote abstracts file and command operations on a deployment target.

Every component that touches the target (backup, transfer, service control,
log probes) goes through Executor, so the same orchestration code drives a
local directory, an SSH host, or a running container. Tests inject
MockExecutor or a Local executor rooted in a temp directory.

# Error Model

  - Transport failures (dial, dropped session, runtime unavailable) are
    model.ErrConnectivity and may be retried by the caller.
  - A command that ran but exited non-zero returns its CommandResult plus a
    *CommandError.
  - Operations on a missing path wrap fs.ErrNotExist.
*/
package remote

import (
	"context"
	"io"
	"io/fs"
)

// FileInfo is the subset of file metadata the orchestrator needs.
type FileInfo struct {
	Exists bool
	IsDir  bool
	Size   int64
	Mode   fs.FileMode
}

// CommandResult holds the output of a command run on the target.
type CommandResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Executor runs file and command operations against one target.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use; health probes call
// RunCommand and ReadFile from several goroutines.
type Executor interface {
	// Target returns the target id this executor is bound to.
	Target() string

	// CopyFile streams src into dst, creating or truncating it, and applies
	// mode. The write is flushed to stable storage before returning. It is
	// not atomic; callers stage to a temp path and Rename.
	CopyFile(ctx context.Context, src io.Reader, dst string, mode fs.FileMode) error

	// ReadFile streams the content of path starting at byte offset into w.
	ReadFile(ctx context.Context, path string, offset int64, w io.Writer) error

	// RunCommand runs a shell command on the target.
	RunCommand(ctx context.Context, command string) (CommandResult, error)

	// Stat describes path. A missing path is FileInfo{Exists: false}, not an error.
	Stat(ctx context.Context, path string) (FileInfo, error)

	// Rename atomically replaces to with from (same filesystem).
	Rename(ctx context.Context, from, to string) error

	// Remove deletes path. Removing a missing path is not an error.
	Remove(ctx context.Context, path string) error

	// MkdirAll creates path and any missing parents.
	MkdirAll(ctx context.Context, path string, mode fs.FileMode) error

	// Checksum returns the lowercase hex SHA-256 of path.
	Checksum(ctx context.Context, path string) (string, error)

	// Close releases connections held by the executor.
	Close() error
}

// Watcher is implemented by executors that can signal file changes, letting
// log probes wake up on a write instead of waiting out their backoff.
type Watcher interface {
	// WatchFile returns a channel that receives after every change to path.
	// The channel is closed when ctx is done.
	WatchFile(ctx context.Context, path string) (<-chan struct{}, error)
}
