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
	"errors"
	"fmt"
	"io"
	"os/exec"

	"github.com/AleutianAI/deployguard/cmd/deployguard/internal/model"
)

// exitRuntimeError is returned by `docker exec` / `podman exec` when the
// runtime itself fails (daemon unreachable, container not running). 126 and
// 127 are ambiguous with the wrapped shell and are left to the caller.
const exitRuntimeError = 125

// Container executes operations inside a running container with
// `<runtime> exec -i <container> sh -c`.
type Container struct {
	shellOps

	target    string
	runtime   string
	container string
}

// NewContainer creates an executor for a container target. Runtime defaults
// to model.DefaultContainerRuntime.
func NewContainer(target, runtime, container string) (*Container, error) {
	if container == "" {
		return nil, model.Errorf(model.ErrConfig, "container config", "target %q: container name is required", target)
	}
	runtime = containerRuntime(runtime)
	if _, err := exec.LookPath(runtime); err != nil {
		return nil, model.Errorf(model.ErrConfig, "container config", "target %q: runtime %q not found: %v", target, runtime, err)
	}
	c := &Container{target: target, runtime: runtime, container: container}
	c.shellOps = shellOps{s: c}
	return c, nil
}

func containerRuntime(runtime string) string {
	if runtime == "" {
		return model.DefaultContainerRuntime
	}
	return runtime
}

// Target returns the target id.
func (c *Container) Target() string { return c.target }

func (c *Container) stream(ctx context.Context, command string, stdin io.Reader, stdout io.Writer) (int, string, error) {
	cmd := exec.CommandContext(ctx, c.runtime, "exec", "-i", c.container, "sh", "-c", command)
	var stderr bytes.Buffer
	cmd.Stdin = stdin
	cmd.Stdout = stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if ctx.Err() != nil {
		return -1, stderr.String(), ctx.Err()
	}
	if err == nil {
		return 0, stderr.String(), nil
	}

	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		return -1, stderr.String(), connectivity(c.runtime+" exec", err)
	}
	if code := exitErr.ExitCode(); code != exitRuntimeError {
		return code, stderr.String(), nil
	}
	return -1, stderr.String(), connectivity(
		fmt.Sprintf("%s exec %s", c.runtime, c.container),
		NewCommandError(c.runtime+" exec", exitRuntimeError, stderr.String(), nil),
	)
}

// Close is a no-op; every operation is its own process.
func (c *Container) Close() error { return nil }

var _ Executor = (*Container)(nil)
