package plan

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"foreman/pkg/state"
	"foreman/pkg/tools"
)

const examplePlan = "# Plan: Add export command\n\n" +
	"**Goal:** Let users export reports as CSV\nfrom the command line.\n\n" +
	"## Key Files\n\n" +
	"- `internal/export/csv.go` (new)\n" +
	"- `cmd/report/main.go`\n" +
	"- `cmd/report/main.go` again\n" +
	"- `--flag` is not a file\n\n" +
	"## Phase 1: Core\n\n" +
	"### Task 1: Add CSV writer\nUse `encoding/csv`.\n\n" +
	"### Task 2: Wire command\nDone.\n"

func TestSummarize(t *testing.T) {
	s := NewParser().Summarize(examplePlan)

	assert.Equal(t, "Add export command", s.Title)
	assert.Equal(t, "Let users export reports as CSV from the command line.", s.Goal)
	assert.Equal(t, []string{"internal/export/csv.go", "cmd/report/main.go"}, s.KeyFiles)
	assert.Equal(t, 2, s.Tasks)
}

func TestSummarizeGoalHeading(t *testing.T) {
	md := "# Fix login\n\n## Goal\n\nSessions must survive restarts.\n\n## Files\n\n* `auth/session.go`\n"
	s := NewParser().Summarize(md)
	assert.Equal(t, "Fix login", s.Title)
	assert.Equal(t, "Sessions must survive restarts.", s.Goal)
	assert.Equal(t, []string{"auth/session.go"}, s.KeyFiles)
	assert.Zero(t, s.Tasks)
}

func TestValidate(t *testing.T) {
	p := NewParser()
	assert.Empty(t, p.Validate(examplePlan))
	assert.Equal(t, []string{"plan is empty"}, p.Validate("  \n"))
	assert.NotEmpty(t, p.Validate("just some words"))
}

func TestPath(t *testing.T) {
	now := time.Date(2025, 6, 2, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, "docs/plans/2025-06-02-issue-12.md", Path("ISSUE-12", now))
}

func TestRecoverFromToolCalls(t *testing.T) {
	calls := []state.ToolCall{
		{ToolName: tools.ToolWriteFile, Input: map[string]any{"path": "docs/plans/old.md", "content": "old"}},
		{ToolName: tools.ToolReadFile, Input: map[string]any{"path": "docs/plans/p.md"}},
		{ToolName: "Write", Input: map[string]any{"file_path": "/work/docs/plans/p.md", "content": "# Plan"}},
		{ToolName: tools.ToolWriteFile, Input: map[string]any{"path": "main.go", "content": "package main"}},
	}

	content, path, ok := RecoverFromToolCalls(calls, "docs/plans/p.md")
	require.True(t, ok)
	assert.Equal(t, "# Plan", content)
	assert.Equal(t, "/work/docs/plans/p.md", path)

	content, _, ok = RecoverFromToolCalls(calls, "")
	require.True(t, ok)
	assert.Equal(t, "# Plan", content, "latest markdown file under the plans dir wins")

	_, _, ok = RecoverFromToolCalls(calls, "docs/plans/missing.md")
	assert.False(t, ok)

	_, _, ok = RecoverFromToolCalls(nil, "")
	assert.False(t, ok)
}
