// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package ux renders command output: styled on a terminal, plain and
// line-oriented otherwise so scripts can parse it.
package ux

import (
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/mattn/go-isatty"
)

// Brand palette.
var (
	ColorTealBright  = lipgloss.Color("#2CD7C7")
	ColorTealPrimary = lipgloss.Color("#20B9B4")
	ColorTealDeep    = lipgloss.Color("#16858E")
	ColorSlate       = lipgloss.Color("#2C4A54")

	ColorSuccess = lipgloss.Color("#2CD7C7")
	ColorWarning = lipgloss.Color("#F4D03F")
	ColorError   = lipgloss.Color("#E74C3C")
)

// Icon is a status marker.
type Icon string

const (
	IconSuccess Icon = "✓"
	IconWarning Icon = "⚠"
	IconError   Icon = "✗"
	IconPending Icon = "○"
	IconArrow   Icon = "→"
)

type styles struct {
	title   lipgloss.Style
	bold    lipgloss.Style
	muted   lipgloss.Style
	success lipgloss.Style
	warning lipgloss.Style
	err     lipgloss.Style
	key     lipgloss.Style

	infoBox  lipgloss.Style
	errorBox lipgloss.Style
	header   lipgloss.Style
	border   lipgloss.Style
}

func newStyles(r *lipgloss.Renderer) styles {
	return styles{
		title:   r.NewStyle().Bold(true).Foreground(ColorTealBright),
		bold:    r.NewStyle().Bold(true),
		muted:   r.NewStyle().Foreground(ColorSlate),
		success: r.NewStyle().Foreground(ColorSuccess),
		warning: r.NewStyle().Foreground(ColorWarning),
		err:     r.NewStyle().Foreground(ColorError),
		key:     r.NewStyle().Foreground(ColorTealPrimary),

		infoBox: r.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(ColorTealPrimary).
			Padding(0, 1),
		errorBox: r.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(ColorError).
			Padding(0, 1),
		header: r.NewStyle().Bold(true).Foreground(ColorTealBright).Padding(0, 1),
		border: r.NewStyle().Foreground(ColorTealDeep),
	}
}

// Printer writes command output to one writer.
type Printer struct {
	w      io.Writer
	styled bool
	st     styles
}

// NewPrinter returns a Printer for w. Styling is enabled only when w is a
// terminal and NO_COLOR is unset.
func NewPrinter(w io.Writer) *Printer {
	styled := false
	if f, ok := w.(*os.File); ok {
		styled = isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
	}
	if os.Getenv("NO_COLOR") != "" {
		styled = false
	}
	return &Printer{w: w, styled: styled, st: newStyles(lipgloss.NewRenderer(w))}
}

// Styled reports whether output is styled.
func (p *Printer) Styled() bool { return p.styled }

// Title prints a heading.
func (p *Printer) Title(text string) {
	if !p.styled {
		fmt.Fprintf(p.w, "== %s ==\n", text)
		return
	}
	fmt.Fprintln(p.w, p.st.title.Render(text))
}

// Success prints a success line.
func (p *Printer) Success(text string) {
	if !p.styled {
		fmt.Fprintf(p.w, "OK: %s\n", text)
		return
	}
	fmt.Fprintf(p.w, "%s %s\n", p.st.success.Render(string(IconSuccess)), p.st.success.Render(text))
}

// Warning prints a warning line.
func (p *Printer) Warning(text string) {
	if !p.styled {
		fmt.Fprintf(p.w, "WARN: %s\n", text)
		return
	}
	fmt.Fprintf(p.w, "%s %s\n", p.st.warning.Render(string(IconWarning)), p.st.warning.Render(text))
}

// Error prints an error line.
func (p *Printer) Error(text string) {
	if !p.styled {
		fmt.Fprintf(p.w, "ERROR: %s\n", text)
		return
	}
	fmt.Fprintf(p.w, "%s %s\n", p.st.err.Render(string(IconError)), p.st.err.Render(text))
}

// Info prints an informational line.
func (p *Printer) Info(text string) {
	if !p.styled {
		fmt.Fprintln(p.w, text)
		return
	}
	fmt.Fprintf(p.w, "%s %s\n", p.st.muted.Render("│"), text)
}

// Field prints "key: value".
func (p *Printer) Field(key string, value any) {
	if !p.styled {
		fmt.Fprintf(p.w, "%s: %v\n", key, value)
		return
	}
	fmt.Fprintf(p.w, "  %s %v\n", p.st.key.Render(key+":"), value)
}

// Box prints lines framed on a terminal, or as-is otherwise.
func (p *Printer) Box(lines []string, isError bool) {
	text := strings.Join(lines, "\n")
	if !p.styled {
		fmt.Fprintln(p.w, text)
		return
	}
	style := p.st.infoBox
	if isError {
		style = p.st.errorBox
	}
	fmt.Fprintln(p.w, style.Render(text))
}

// Table prints rows under headers: a bordered table on a terminal,
// tab-aligned columns otherwise.
func (p *Printer) Table(headers []string, rows [][]string) {
	if !p.styled {
		tw := tabwriter.NewWriter(p.w, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, strings.Join(headers, "\t"))
		for _, r := range rows {
			fmt.Fprintln(tw, strings.Join(r, "\t"))
		}
		tw.Flush()
		return
	}
	t := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(p.st.border).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return p.st.header
			}
			return lipgloss.NewStyle().Padding(0, 1)
		}).
		Headers(headers...).
		Rows(rows...)
	fmt.Fprintln(p.w, t.String())
}

// StateIcon returns the marker for a run state name.
func StateIcon(state string) Icon {
	switch state {
	case "SUCCEEDED":
		return IconSuccess
	case "ROLLED_BACK":
		return IconWarning
	case "FAILED":
		return IconError
	default:
		return IconPending
	}
}
