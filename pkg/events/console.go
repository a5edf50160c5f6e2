package events

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"

	"github.com/fatih/color"
)

const consolePreview = 160

// ConsoleSink prints a one-line summary of each event.
type ConsoleSink struct {
	out     io.Writer
	verbose bool
	mu      sync.Mutex

	agent   *color.Color
	tool    *color.Color
	failure *color.Color
	stage   *color.Color
	dim     *color.Color
}

// NewConsoleSink writes to out. Thinking events are only shown when verbose.
// Colour follows fatih/color's terminal detection.
func NewConsoleSink(out io.Writer, verbose bool) *ConsoleSink {
	return &ConsoleSink{
		out:     out,
		verbose: verbose,
		agent:   color.New(color.FgCyan, color.Bold),
		tool:    color.New(color.FgYellow),
		failure: color.New(color.FgRed, color.Bold),
		stage:   color.New(color.FgGreen),
		dim:     color.New(color.Faint),
	}
}

// Emit implements Sink.
func (c *ConsoleSink) Emit(_ context.Context, e Event) error {
	line, ok := c.format(e)
	if !ok {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	_, err := fmt.Fprintln(c.out, line)
	return err //nolint:wrapcheck // console writes are best effort
}

func (c *ConsoleSink) format(e Event) (string, bool) {
	who := c.agent.Sprintf("[%s]", orDash(e.Agent))
	switch e.Kind {
	case KindThinking:
		if !c.verbose {
			return "", false
		}
		return who + " " + c.dim.Sprint(preview(e.Content)), true
	case KindToolCall:
		return who + " " + c.tool.Sprintf("→ %s", e.ToolName) + " " + c.dim.Sprint(preview(formatInput(e.ToolInput))), true
	case KindToolResult:
		if e.IsError {
			return who + " " + c.failure.Sprintf("✗ %s", e.ToolName) + " " + preview(e.Content), true
		}
		return who + " " + c.tool.Sprintf("✓ %s", e.ToolName), true
	case KindAgentOutput:
		return who + " " + preview(e.Content), true
	case KindStageStarted:
		return c.stage.Sprintf("▶ %s", e.Content), true
	case KindStageCompleted:
		return c.stage.Sprintf("■ %s", e.Content), true
	case KindAwaitingApproval:
		return c.stage.Sprint("⏸ awaiting approval: ") + e.Content, true
	case KindWorkflowCompleted:
		return c.stage.Sprintf("✔ workflow %s completed", e.WorkflowID) + optional(e.Content), true
	case KindWorkflowFailed:
		return c.failure.Sprintf("✘ workflow %s failed: %s", e.WorkflowID, e.Content), true
	}
	return "", false
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func optional(s string) string {
	if s == "" {
		return ""
	}
	return ": " + preview(s)
}

func preview(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	if len(s) > consolePreview {
		return s[:consolePreview] + "…"
	}
	return s
}

func formatInput(in map[string]any) string {
	keys := make([]string, 0, len(in))
	for k := range in {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, in[k]))
	}
	return strings.Join(parts, " ")
}
