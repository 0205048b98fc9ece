// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package ux

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPrinter_PlainWhenNotTerminal(t *testing.T) {
	var buf bytes.Buffer
	p := NewPrinter(&buf)
	assert.False(t, p.Styled())

	p.Success("deployed")
	p.Warning("interrupted run found")
	p.Error("rollback failed")
	p.Field("state", "SUCCEEDED")

	assert.Equal(t, "OK: deployed\nWARN: interrupted run found\nERROR: rollback failed\nstate: SUCCEEDED\n", buf.String())
}

func TestPrinter_TablePlain(t *testing.T) {
	var buf bytes.Buffer
	NewPrinter(&buf).Table([]string{"ID", "STATE"}, [][]string{
		{"run-1", "SUCCEEDED"},
		{"run-22", "FAILED"},
	})

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	assert.Len(t, lines, 3)
	assert.Equal(t, "ID      STATE", lines[0])
	assert.Equal(t, "run-1   SUCCEEDED", lines[1])
	assert.Equal(t, "run-22  FAILED", lines[2])
}

func TestStateIcon(t *testing.T) {
	assert.Equal(t, IconSuccess, StateIcon("SUCCEEDED"))
	assert.Equal(t, IconWarning, StateIcon("ROLLED_BACK"))
	assert.Equal(t, IconError, StateIcon("FAILED"))
	assert.Equal(t, IconPending, StateIcon("VERIFYING"))
}
