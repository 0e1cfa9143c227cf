// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package ux renders ahpctl results for terminals and scripts.
package ux

import (
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
)

// Aleutian color palette - deep ocean teals and arctic waters
var (
	ColorTealBright  = lipgloss.Color("#2CD7C7") // highlights, success
	ColorTealPrimary = lipgloss.Color("#20B9B4") // main brand color
	ColorTealDeep    = lipgloss.Color("#16858E") // borders, accents
	ColorSlate       = lipgloss.Color("#2C4A54") // muted text, borders

	ColorSuccess = lipgloss.Color("#2CD7C7")
	ColorWarning = lipgloss.Color("#F4D03F")
	ColorError   = lipgloss.Color("#E74C3C")
)

// Styles provides pre-configured lipgloss styles
var Styles = struct {
	Title     lipgloss.Style
	Label     lipgloss.Style
	Bold      lipgloss.Style
	Muted     lipgloss.Style
	Success   lipgloss.Style
	Warning   lipgloss.Style
	Error     lipgloss.Style
	Highlight lipgloss.Style
	Box       lipgloss.Style
	Header    lipgloss.Style
	Cell      lipgloss.Style
}{
	Title:     lipgloss.NewStyle().Bold(true).Foreground(ColorTealBright),
	Label:     lipgloss.NewStyle().Foreground(ColorTealPrimary).Width(20),
	Bold:      lipgloss.NewStyle().Bold(true),
	Muted:     lipgloss.NewStyle().Foreground(ColorSlate),
	Success:   lipgloss.NewStyle().Foreground(ColorSuccess),
	Warning:   lipgloss.NewStyle().Foreground(ColorWarning),
	Error:     lipgloss.NewStyle().Foreground(ColorError),
	Highlight: lipgloss.NewStyle().Foreground(ColorTealBright).Bold(true),
	Box: lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(ColorTealDeep).
		Padding(0, 1),
	Header: lipgloss.NewStyle().Bold(true).Foreground(ColorTealPrimary).Padding(0, 1),
	Cell:   lipgloss.NewStyle().Padding(0, 1),
}

// Icon provides themed status icons
type Icon string

const (
	IconSuccess Icon = "✓"
	IconWarning Icon = "⚠"
	IconError   Icon = "✗"
	IconBullet  Icon = "•"
)

// Render returns the icon with appropriate styling
func (i Icon) Render() string {
	switch i {
	case IconSuccess:
		return Styles.Success.Render(string(i))
	case IconWarning:
		return Styles.Warning.Render(string(i))
	case IconError:
		return Styles.Error.Render(string(i))
	default:
		return string(i)
	}
}

// =============================================================================
// Printer
// =============================================================================

// Printer writes styled output to one writer at a fixed personality level.
//
// # Description
//
// Machine output is one record per line, tab-separated, with lowercase
// snake_case keys so that it can be piped into cut or awk. The other
// levels add colors, icons, tables and bars.
//
// # Thread Safety
//
// Not safe for concurrent use; callers serialize writes.
type Printer struct {
	w     io.Writer
	level PersonalityLevel
}

// NewPrinter returns a Printer for w.
func NewPrinter(w io.Writer, level PersonalityLevel) *Printer {
	return &Printer{w: w, level: level}
}

// Level returns the personality level.
func (p *Printer) Level() PersonalityLevel {
	return p.level
}

func (p *Printer) machine() bool {
	return p.level == PersonalityMachine
}

// Title prints a styled title. Machine output omits it.
func (p *Printer) Title(text string) {
	if p.machine() {
		return
	}
	fmt.Fprintln(p.w, Styles.Title.Render(text))
}

// Field prints one labelled value.
func (p *Printer) Field(label, value string) {
	if p.machine() {
		fmt.Fprintf(p.w, "%s\t%s\n", machineKey(label), value)
		return
	}
	fmt.Fprintf(p.w, "%s %s\n", Styles.Label.Render(label+":"), value)
}

// Vector prints a labelled vector with four decimals.
func (p *Printer) Vector(label string, v []float64) {
	parts := make([]string, len(v))
	for i, x := range v {
		parts[i] = fmt.Sprintf("%.4f", x)
	}
	if p.machine() {
		p.Field(label, strings.Join(parts, " "))
		return
	}
	p.Field(label, "["+strings.Join(parts, " ")+"]")
}

// Score prints a labelled value in [0, 1] followed by a bar.
func (p *Printer) Score(label string, value float64) {
	if p.machine() {
		p.Field(label, fmt.Sprintf("%.4f", value))
		return
	}
	p.Field(label, fmt.Sprintf("%.4f %s", value, p.Bar(value, 20)))
}

// Check prints a labelled pass/fail value.
func (p *Printer) Check(label string, ok bool, value string) {
	switch {
	case p.machine():
		status := "ok"
		if !ok {
			status = "fail"
		}
		fmt.Fprintf(p.w, "%s\t%s\t%s\n", machineKey(label), value, status)
	case ok:
		p.Field(label, value+" "+IconSuccess.Render())
	default:
		p.Field(label, Styles.Warning.Render(value)+" "+IconWarning.Render())
	}
}

// Success prints a success message with checkmark
func (p *Printer) Success(text string) {
	switch p.level {
	case PersonalityMachine:
		fmt.Fprintf(p.w, "OK: %s\n", text)
	case PersonalityMinimal:
		fmt.Fprintf(p.w, "%s %s\n", IconSuccess.Render(), text)
	default:
		fmt.Fprintf(p.w, "%s %s\n", IconSuccess.Render(), Styles.Success.Render(text))
	}
}

// Warning prints a warning message
func (p *Printer) Warning(text string) {
	switch p.level {
	case PersonalityMachine:
		fmt.Fprintf(p.w, "WARN: %s\n", text)
	case PersonalityMinimal:
		fmt.Fprintf(p.w, "%s %s\n", IconWarning.Render(), text)
	default:
		fmt.Fprintf(p.w, "%s %s\n", IconWarning.Render(), Styles.Warning.Render(text))
	}
}

// Table prints rows under headers. Machine output is one tab-separated
// line per row prefixed with key, and no header line.
func (p *Printer) Table(key string, headers []string, rows [][]string) {
	if p.machine() {
		for _, row := range rows {
			fmt.Fprintf(p.w, "%s\t%s\n", key, strings.Join(row, "\t"))
		}
		return
	}
	t := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(ColorTealDeep)).
		Headers(headers...).
		Rows(rows...).
		StyleFunc(func(row, _ int) lipgloss.Style {
			if row == table.HeaderRow {
				return Styles.Header
			}
			return Styles.Cell
		})
	fmt.Fprintln(p.w, t.String())
}

// Matrix prints a square matrix with 1-based row and column labels.
func (p *Printer) Matrix(key string, m [][]float64) {
	headers := make([]string, len(m)+1)
	headers[0] = ""
	rows := make([][]string, len(m))
	for i, row := range m {
		headers[i+1] = fmt.Sprintf("%d", i+1)
		cells := make([]string, len(row)+1)
		cells[0] = fmt.Sprintf("%d", i+1)
		for j, v := range row {
			cells[j+1] = fmt.Sprintf("%.4g", v)
		}
		rows[i] = cells
	}
	p.Table(key, headers, rows)
}

// Bar renders value in [0, 1] as a bar of the given width. Values outside
// the range are clamped.
func (p *Printer) Bar(value float64, width int) string {
	if value < 0 {
		value = 0
	}
	if value > 1 {
		value = 1
	}
	if p.machine() {
		return fmt.Sprintf("%.0f%%", value*100)
	}
	filled := int(value * float64(width))
	return Styles.Success.Render(strings.Repeat("█", filled)) +
		Styles.Muted.Render(strings.Repeat("░", width-filled))
}

// machineKey turns a label such as "Consistency ratio" into
// consistency_ratio.
func machineKey(label string) string {
	key := strings.ToLower(strings.TrimSpace(label))
	key = strings.NewReplacer(" ", "_", "'", "", "-", "_").Replace(key)
	return key
}
