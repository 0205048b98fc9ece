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
	"log/slog"
	"time"

	"github.com/AleutianAI/deployguard/cmd/deployguard/internal/model"
)

// Transport names accepted in target configuration.
const (
	TransportLocal     = "local"
	TransportSSH       = "ssh"
	TransportContainer = "container"
)

// Params are the connection parameters of one target.
type Params struct {
	Target       string
	Transport    string
	Host         string
	Port         int
	User         string
	IdentityFile string
	KnownHosts   string
	UseAgent     bool
	Runtime      string
	Container    string
	DialTimeout  time.Duration
}

// Open builds the executor for p.Transport.
//
// # Outputs
//
//   - Executor: Ready to use. SSH connects lazily on first operation.
//   - error: model.ErrConfig for an unknown transport or bad parameters.
func Open(p Params, logger *slog.Logger) (Executor, error) {
	switch p.Transport {
	case "", TransportLocal:
		return NewLocal(p.Target, logger), nil
	case TransportSSH:
		e, err := NewSSH(SSHConfig{
			Target:       p.Target,
			Host:         p.Host,
			Port:         p.Port,
			User:         p.User,
			IdentityFile: p.IdentityFile,
			KnownHosts:   p.KnownHosts,
			UseAgent:     p.UseAgent,
			DialTimeout:  p.DialTimeout,
			Logger:       logger,
		})
		if err != nil {
			return nil, err
		}
		return e, nil
	case TransportContainer:
		c, err := NewContainer(p.Target, p.Runtime, p.Container)
		if err != nil {
			return nil, err
		}
		return c, nil
	default:
		return nil, model.Errorf(model.ErrConfig, "open executor", "target %q: unknown transport %q", p.Target, p.Transport)
	}
}
