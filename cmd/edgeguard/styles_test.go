package main

import (
	"bytes"
	"strings"
	"testing"

	"github.com/hyperengineering/edgeguard"
)

// setMockTTY sets the TTY override for tests and returns a cleanup function.
// The cleanup function restores the TTY override to nil, allowing real TTY detection.
func setMockTTY(value bool) func() {
	testIsTTYMutex.Lock()
	testIsTTYOverride = &value
	testIsTTYMutex.Unlock()
	return func() {
		testIsTTYMutex.Lock()
		testIsTTYOverride = nil
		testIsTTYMutex.Unlock()
	}
}

// ============================================================================
// Table rendering
// ============================================================================

func TestRenderTable_TTY_WithHeaders(t *testing.T) {
	cleanup := setMockTTY(true)
	defer cleanup()

	headers := []string{"RULE", "CATEGORY", "PRIORITY"}
	rows := [][]string{
		{"allergy-pcn", "medication", "10"},
		{"renal-dose", "medication", "20"},
	}

	result := renderTable(headers, rows)

	for _, want := range []string{"RULE", "CATEGORY", "PRIORITY", "allergy-pcn", "renal-dose"} {
		if !strings.Contains(result, want) {
			t.Errorf("result should contain %q", want)
		}
	}

	// TTY mode should have styled output (contains box-drawing characters)
	if !strings.ContainsAny(result, "─│╭╮╰╯├┼┤┬┴") {
		t.Error("TTY output should contain border characters")
	}
}

func TestRenderTable_NonTTY_PlainText(t *testing.T) {
	cleanup := setMockTTY(false)
	defer cleanup()

	headers := []string{"ID", "TYPE", "ATTEMPTS"}
	rows := [][]string{
		{"01J0", "evaluation", "3/5"},
		{"01J1", "assurance_event", "5/5"},
	}

	result := renderTable(headers, rows)

	if strings.ContainsAny(result, "─│╭╮╰╯├┼┤┬┴") {
		t.Error("non-TTY output should not contain border characters")
	}
	if strings.Contains(result, "\x1b[") {
		t.Error("non-TTY output should not contain ANSI escape codes")
	}

	lines := strings.Split(result, "\n")
	if len(lines) != 3 {
		t.Fatalf("expected 3 lines, got %d: %q", len(lines), result)
	}
	// Columns are padded to the widest cell so they line up.
	typeCol := strings.Index(lines[0], "TYPE")
	if strings.Index(lines[2], "assurance_event") != typeCol {
		t.Errorf("columns not aligned:\n%s", result)
	}
}

func TestRenderTable_EmptyRows(t *testing.T) {
	cleanup := setMockTTY(false)
	defer cleanup()

	result := renderTable([]string{"VERSION", "APPLIED"}, nil)
	if !strings.Contains(result, "VERSION") {
		t.Error("empty table should still render headers")
	}
}

func TestRenderTable_RowsLongerThanHeaders(t *testing.T) {
	cleanup := setMockTTY(false)
	defer cleanup()

	result := renderTable([]string{"A"}, [][]string{{"one", "extra"}})
	if strings.Contains(result, "extra") {
		t.Error("cells beyond the header count should be dropped")
	}
}

// ============================================================================
// Verdicts and fields
// ============================================================================

func TestRenderVerdict_NonTTY(t *testing.T) {
	cleanup := setMockTTY(false)
	defer cleanup()

	tests := []struct {
		color edgeguard.Color
		want  string
	}{
		{edgeguard.ColorGreen, "GREEN"},
		{edgeguard.ColorYellow, "YELLOW"},
		{edgeguard.ColorRed, "RED"},
	}
	for _, tt := range tests {
		if got := renderVerdict(tt.color); got != tt.want {
			t.Errorf("renderVerdict(%s) = %q, want %q", tt.color, got, tt.want)
		}
	}
}

func TestRenderVerdict_TTY(t *testing.T) {
	cleanup := setMockTTY(true)
	defer cleanup()

	if got := renderVerdict(edgeguard.ColorRed); !strings.Contains(got, "RED") {
		t.Errorf("renderVerdict(red) = %q, should contain RED", got)
	}
}

func TestPrintField_NonTTY_Aligned(t *testing.T) {
	cleanup := setMockTTY(false)
	defer cleanup()

	var buf bytes.Buffer
	printField(&buf, "Clinic", "north")
	printField(&buf, "Rule version", "v3")

	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %q", buf.String())
	}
	if strings.Index(lines[0], "north") != strings.Index(lines[1], "v3") {
		t.Errorf("values not aligned:\n%s", buf.String())
	}
}

func TestPrintSuccess_NonTTY(t *testing.T) {
	cleanup := setMockTTY(false)
	defer cleanup()

	var buf bytes.Buffer
	printSuccess(&buf, "Activated rule version %s", "v2")
	if got := buf.String(); got != iconSuccess+" Activated rule version v2\n" {
		t.Errorf("printSuccess = %q", got)
	}
}

// ============================================================================
// Markdown
// ============================================================================

func TestRenderMarkdown_NonTTY_Unchanged(t *testing.T) {
	cleanup := setMockTTY(false)
	defer cleanup()

	content := "## v2\n\n- Tightened renal dosing"
	if got := renderMarkdown(content); got != content {
		t.Errorf("renderMarkdown = %q, want unchanged", got)
	}
}

func TestHasMarkdown(t *testing.T) {
	tests := []struct {
		content string
		want    bool
	}{
		{"## Changes", true},
		{"- added rule", true},
		{"**bold**", true},
		{"plain changelog entry", false},
	}
	for _, tt := range tests {
		if got := hasMarkdown(tt.content); got != tt.want {
			t.Errorf("hasMarkdown(%q) = %v, want %v", tt.content, got, tt.want)
		}
	}
}
