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
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/AleutianAI/deployguard/cmd/deployguard/internal/model"
)

// SSHConfig holds connection parameters for an SSH target.
//
// Credentials are referenced, never stored: IdentityFile is a path to a
// private key and the agent is reached through SSH_AUTH_SOCK.
type SSHConfig struct {
	Target       string
	Host         string
	Port         int
	User         string
	IdentityFile string
	KnownHosts   string
	UseAgent     bool
	DialTimeout  time.Duration
	Logger       *slog.Logger
}

// SSH executes operations on a host over SSH.
//
// # Description
//
// Each operation runs in its own session on a shared client connection. The
// connection is dialed lazily and dropped when a session cannot be opened,
// so a retried operation after a network blip redials.
//
// # Thread Safety
//
// Safe for concurrent use.
type SSH struct {
	shellOps

	cfg          SSHConfig
	addr         string
	clientConfig *ssh.ClientConfig
	logger       *slog.Logger

	mu        sync.Mutex
	client    *ssh.Client
	agentConn net.Conn
}

// NewSSH validates cfg and prepares authentication. It does not dial.
//
// # Outputs
//
//   - *SSH: The executor.
//   - error: model.ErrConfig if no usable credential or known_hosts file exists.
func NewSSH(cfg SSHConfig) (*SSH, error) {
	if cfg.Host == "" || cfg.User == "" {
		return nil, model.Errorf(model.ErrConfig, "ssh config", "target %q: host and user are required", cfg.Target)
	}
	if cfg.Port == 0 {
		cfg.Port = 22
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.KnownHosts == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, model.NewError(model.ErrConfig, "ssh known_hosts", err)
		}
		cfg.KnownHosts = filepath.Join(home, ".ssh", "known_hosts")
	}

	hostKeys, err := knownhosts.New(cfg.KnownHosts)
	if err != nil {
		return nil, model.NewError(model.ErrConfig, "ssh known_hosts", err)
	}

	e := &SSH{
		cfg:    cfg,
		addr:   net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		logger: cfg.Logger.With("target", cfg.Target, "transport", "ssh"),
	}

	auth, err := e.authMethods()
	if err != nil {
		return nil, err
	}

	e.clientConfig = &ssh.ClientConfig{
		User:            cfg.User,
		Auth:            auth,
		HostKeyCallback: hostKeys,
		Timeout:         cfg.DialTimeout,
	}
	e.shellOps = shellOps{s: e}
	return e, nil
}

func (e *SSH) authMethods() ([]ssh.AuthMethod, error) {
	var methods []ssh.AuthMethod

	if e.cfg.IdentityFile != "" {
		key, err := os.ReadFile(e.cfg.IdentityFile)
		if err != nil {
			return nil, model.NewError(model.ErrConfig, "read identity file", err)
		}
		signer, err := ssh.ParsePrivateKey(key)
		if err != nil {
			return nil, model.NewError(model.ErrConfig, "parse identity file", err)
		}
		methods = append(methods, ssh.PublicKeys(signer))
	}

	if sock := os.Getenv("SSH_AUTH_SOCK"); sock != "" && (e.cfg.UseAgent || len(methods) == 0) {
		conn, err := net.Dial("unix", sock)
		if err != nil {
			e.logger.Warn("ssh agent unavailable", "socket", sock, "error", err)
		} else {
			e.agentConn = conn
			methods = append(methods, ssh.PublicKeysCallback(agent.NewClient(conn).Signers))
		}
	}

	if len(methods) == 0 {
		return nil, model.Errorf(model.ErrConfig, "ssh auth", "target %q: no identity_file and no ssh agent", e.cfg.Target)
	}
	return methods, nil
}

// Target returns the target id.
func (e *SSH) Target() string { return e.cfg.Target }

func (e *SSH) connect(ctx context.Context) (*ssh.Client, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.client != nil {
		return e.client, nil
	}

	dialer := net.Dialer{Timeout: e.cfg.DialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", e.addr)
	if err != nil {
		return nil, connectivity("ssh dial "+e.addr, err)
	}
	c, chans, reqs, err := ssh.NewClientConn(conn, e.addr, e.clientConfig)
	if err != nil {
		conn.Close()
		var keyErr *knownhosts.KeyError
		if errors.As(err, &keyErr) {
			return nil, model.NewError(model.ErrConfig, "ssh host key "+e.addr, err)
		}
		return nil, connectivity("ssh handshake "+e.addr, err)
	}
	e.client = ssh.NewClient(c, chans, reqs)
	e.logger.Debug("ssh connected", "addr", e.addr)
	return e.client, nil
}

// drop closes a client that failed so the next operation redials.
func (e *SSH) drop(c *ssh.Client) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.client == c {
		e.client.Close()
		e.client = nil
	}
}

func (e *SSH) stream(ctx context.Context, command string, stdin io.Reader, stdout io.Writer) (int, string, error) {
	client, err := e.connect(ctx)
	if err != nil {
		return -1, "", err
	}

	sess, err := client.NewSession()
	if err != nil {
		e.drop(client)
		return -1, "", connectivity("ssh session", err)
	}
	defer sess.Close()

	var stderr bytes.Buffer
	sess.Stdin = stdin
	sess.Stdout = stdout
	sess.Stderr = &stderr

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = sess.Signal(ssh.SIGKILL)
			sess.Close()
		case <-done:
		}
	}()

	err = sess.Run(command)
	if ctx.Err() != nil {
		return -1, stderr.String(), ctx.Err()
	}
	if err == nil {
		return 0, stderr.String(), nil
	}

	var exitErr *ssh.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitStatus(), stderr.String(), nil
	}
	e.drop(client)
	return -1, stderr.String(), connectivity(fmt.Sprintf("ssh run on %s", e.addr), err)
}

// Close closes the connection and the agent socket.
func (e *SSH) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	var errs []error
	if e.client != nil {
		errs = append(errs, e.client.Close())
		e.client = nil
	}
	if e.agentConn != nil {
		errs = append(errs, e.agentConn.Close())
		e.agentConn = nil
	}
	return errors.Join(errs...)
}

var _ Executor = (*SSH)(nil)
