// Package tools implements the tool-execution boundary used by agentic drivers:
// shell commands and file access confined to a workspace directory.
package tools

import (
	"context"
	"fmt"
	"sort"
	"time"

	"foreman/pkg/driver"
	execpkg "foreman/pkg/exec"
	"foreman/pkg/logx"
)

// Tool names exposed to models.
const (
	ToolRunShellCommand = "run_shell_command"
	ToolWriteFile       = "write_file"
	ToolReadFile        = "read_file"
)

// Definition describes a tool to a model provider.
type Definition struct {
	Name        string
	Description string
	InputSchema driver.Property
}

// ExecResult is the textual outcome of a tool call.
type ExecResult struct {
	Content string
}

// Tool is one callable capability.
type Tool interface {
	Name() string
	Definition() Definition
	Exec(ctx context.Context, args map[string]any) (*ExecResult, error)
}

// Outcome is the result of Invoke, always safe to report back to the model.
type Outcome struct {
	Output   string
	Err      error
	Duration time.Duration
}

// Success reports whether the call succeeded.
func (o Outcome) Success() bool { return o.Err == nil }

// Text is what the model sees: the output, or the error message on failure.
func (o Outcome) Text() string {
	if o.Err != nil {
		if o.Output != "" {
			return o.Output + "\n" + o.Err.Error()
		}
		return o.Err.Error()
	}
	return o.Output
}

// Config bounds tool behaviour.
type Config struct {
	// Root is the workspace directory every path is confined to.
	Root string
	// CommandTimeout is the default and maximum shell command timeout.
	CommandTimeout time.Duration
	// MaxOutputBytes caps command output and file reads.
	MaxOutputBytes int
	// MaxWriteBytes caps file writes.
	MaxWriteBytes int
	Policy        Policy
}

const (
	defaultCommandTimeout = 2 * time.Minute
	defaultMaxOutputBytes = 64 * 1024
	defaultMaxWriteBytes  = 1024 * 1024
)

func (c Config) withDefaults() Config {
	if c.CommandTimeout <= 0 {
		c.CommandTimeout = defaultCommandTimeout
	}
	if c.MaxOutputBytes <= 0 {
		c.MaxOutputBytes = defaultMaxOutputBytes
	}
	if c.MaxWriteBytes <= 0 {
		c.MaxWriteBytes = defaultMaxWriteBytes
	}
	return c
}

// Set is the collection of tools bound to one workspace.
type Set struct {
	workspace *Workspace
	tools     map[string]Tool
	logger    *logx.Logger
}

// NewSet creates the standard tool set for a workspace.
func NewSet(cfg Config, executor execpkg.Executor) *Set {
	ws := NewWorkspace(cfg, executor)
	s := &Set{
		workspace: ws,
		tools:     make(map[string]Tool),
		logger:    logx.NewLogger("tools"),
	}
	for _, t := range []Tool{&ShellTool{ws: ws}, &WriteFileTool{ws: ws}, &ReadFileTool{ws: ws}} {
		s.tools[t.Name()] = t
	}
	return s
}

// Workspace returns the underlying boundary.
func (s *Set) Workspace() *Workspace { return s.workspace }

// Definitions returns tool definitions sorted by name.
func (s *Set) Definitions() []Definition {
	defs := make([]Definition, 0, len(s.tools))
	for _, t := range s.tools {
		defs = append(defs, t.Definition())
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}

// Invoke runs the named tool. Every failure, including security violations and
// unknown tools, is returned inside the Outcome; Invoke itself never fails.
func (s *Set) Invoke(ctx context.Context, name string, args map[string]any) Outcome {
	start := time.Now()
	tool, ok := s.tools[name]
	if !ok {
		return Outcome{Err: &SecurityError{Kind: SecurityNotAllowed, Detail: fmt.Sprintf("unknown tool %q", name)}}
	}

	res, err := tool.Exec(ctx, args)
	out := Outcome{Err: err, Duration: time.Since(start)}
	if res != nil {
		out.Output = res.Content
	}
	if err != nil {
		if IsSecurityError(err) {
			s.logger.Warn("%s rejected: %v", name, err)
		} else {
			s.logger.Debug("%s failed: %v", name, err)
		}
	}
	return out
}

func stringArg(args map[string]any, key string) (string, bool) {
	v, ok := args[key].(string)
	return v, ok
}

func intArgOrDefault(args map[string]any, key string, def int) int {
	switch v := args[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	case int64:
		return int(v)
	default:
		return def
	}
}
