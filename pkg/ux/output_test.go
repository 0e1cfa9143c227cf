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
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

// =============================================================================
// Personality Tests
// =============================================================================

func TestParsePersonalityLevel(t *testing.T) {
	tests := []struct {
		input string
		want  PersonalityLevel
	}{
		{"standard", PersonalityStandard},
		{"MINIMAL", PersonalityMinimal},
		{"m", PersonalityMinimal},
		{"machine", PersonalityMachine},
		{" plain ", PersonalityMachine},
		{"q", PersonalityMachine},
		{"fancy", PersonalityStandard},
		{"", PersonalityStandard},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			assert.Equal(t, tt.want, ParsePersonalityLevel(tt.input))
		})
	}
}

func TestDetectPersonality(t *testing.T) {
	t.Setenv(EnvPersonality, "")
	assert.Equal(t, PersonalityMachine, DetectPersonality(nil))

	f, err := os.CreateTemp(t.TempDir(), "out")
	assert.NoError(t, err)
	defer f.Close()
	assert.Equal(t, PersonalityMachine, DetectPersonality(f))

	t.Setenv(EnvPersonality, "minimal")
	assert.Equal(t, PersonalityMinimal, DetectPersonality(f))
}

// =============================================================================
// Printer Tests
// =============================================================================

func TestPrinter_MachineMode(t *testing.T) {
	var buf bytes.Buffer
	p := NewPrinter(&buf, PersonalityMachine)

	p.Title("Solve")
	p.Field("Evaluator", "alice")
	p.Vector("Priorities", []float64{0.5, 0.3, 0.2})
	p.Score("Kendall's W", 0.75)
	p.Check("Consistency ratio", false, "0.1500")
	p.Success("done")
	p.Warning("careful")
	p.Table("critical", []string{"a", "b"}, [][]string{{"amy", "bob"}})

	want := strings.Join([]string{
		"evaluator\talice",
		"priorities\t0.5000 0.3000 0.2000",
		"kendalls_w\t0.7500",
		"consistency_ratio\t0.1500\tfail",
		"OK: done",
		"WARN: careful",
		"critical\tamy\tbob",
		"",
	}, "\n")
	assert.Equal(t, want, buf.String())
	assert.Equal(t, "40%", p.Bar(0.4, 10))
}

func TestPrinter_StandardMode(t *testing.T) {
	var buf bytes.Buffer
	p := NewPrinter(&buf, PersonalityStandard)

	p.Title("Aggregate")
	p.Vector("Priorities", []float64{0.5, 0.5})
	p.Check("Consistency ratio", true, "0.0000")
	p.Matrix("matrix", [][]float64{{1, 2}, {0.5, 1}})

	out := buf.String()
	assert.Contains(t, out, "Aggregate")
	assert.Contains(t, out, "[0.5000 0.5000]")
	assert.Contains(t, out, string(IconSuccess))
	assert.Contains(t, out, "0.5")
	assert.Contains(t, out, "╭")
	assert.NotContains(t, out, "matrix\t")
}

func TestPrinter_MinimalMode(t *testing.T) {
	var buf bytes.Buffer
	p := NewPrinter(&buf, PersonalityMinimal)
	p.Success("submitted")
	assert.Equal(t, string(IconSuccess)+" submitted\n", stripANSI(buf.String()))
	assert.Equal(t, PersonalityMinimal, p.Level())
}

func TestPrinter_Bar(t *testing.T) {
	p := NewPrinter(&bytes.Buffer{}, PersonalityStandard)
	bar := stripANSI(p.Bar(0.5, 10))
	assert.Equal(t, "█████░░░░░", bar)
	assert.Equal(t, strings.Repeat("░", 4), stripANSI(p.Bar(-1, 4)))
	assert.Equal(t, strings.Repeat("█", 4), stripANSI(p.Bar(3, 4)))
}

func TestMachineKey(t *testing.T) {
	assert.Equal(t, "consistency_ratio", machineKey("Consistency ratio"))
	assert.Equal(t, "kendalls_w", machineKey("Kendall's W"))
	assert.Equal(t, "lambda_max", machineKey(" Lambda-max "))
}

func TestIcon_Render(t *testing.T) {
	for _, icon := range []Icon{IconSuccess, IconWarning, IconError, IconBullet} {
		assert.Contains(t, icon.Render(), string(icon))
	}
}

// stripANSI drops escape sequences so assertions hold with or without a
// color profile.
func stripANSI(s string) string {
	var b strings.Builder
	inEscape := false
	for _, r := range s {
		switch {
		case r == '\x1b':
			inEscape = true
		case inEscape && (r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z'):
			inEscape = false
		case !inEscape:
			b.WriteRune(r)
		}
	}
	return b.String()
}
