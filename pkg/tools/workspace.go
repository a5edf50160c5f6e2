package tools

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/kballard/go-shellquote"

	"foreman/pkg/driver"
	execpkg "foreman/pkg/exec"
)

// Workspace enforces size, timeout and containment bounds for one directory.
type Workspace struct {
	cfg      Config
	executor execpkg.Executor
}

// NewWorkspace creates a workspace boundary. A nil executor runs commands locally.
func NewWorkspace(cfg Config, executor execpkg.Executor) *Workspace {
	if executor == nil {
		executor = execpkg.NewLocalExec()
	}
	return &Workspace{cfg: cfg.withDefaults(), executor: executor}
}

// Root returns the workspace directory.
func (w *Workspace) Root() string { return w.cfg.Root }

// RunShellCommand runs command inside the workspace and returns its stdout.
// The command is tokenized with POSIX quoting rules and executed without a shell.
// A non-zero exit is an error whose message carries the combined output.
func (w *Workspace) RunShellCommand(ctx context.Context, command string, timeout time.Duration) (string, error) {
	argv, err := shellquote.Split(command)
	if err != nil {
		return "", &SecurityError{Kind: SecurityInjection, Detail: fmt.Sprintf("unparseable command: %v", err)}
	}
	if err := w.cfg.Policy.CheckCommand(command, argv); err != nil {
		return "", err
	}

	if timeout <= 0 || timeout > w.cfg.CommandTimeout {
		timeout = w.cfg.CommandTimeout
	}
	result, err := w.executor.Run(ctx, argv, &execpkg.Opts{
		WorkDir:        w.cfg.Root,
		Timeout:        timeout,
		MaxOutputBytes: w.cfg.MaxOutputBytes,
	})
	if err != nil {
		if errors.Is(err, execpkg.ErrTimeout) {
			return result.Combined(), fmt.Errorf("command timed out after %s", timeout)
		}
		return result.Combined(), fmt.Errorf("command failed: %w", err)
	}
	if !result.Success() {
		return result.Combined(), fmt.Errorf("command exited with status %d", result.ExitCode)
	}
	return result.Stdout, nil
}

// WriteFile writes content to path inside the workspace, creating parent
// directories, and returns a confirmation line.
func (w *Workspace) WriteFile(path, content string) (string, error) {
	if len(content) > w.cfg.MaxWriteBytes {
		return "", fmt.Errorf("content is %d bytes, limit is %d", len(content), w.cfg.MaxWriteBytes)
	}
	full, err := ResolvePath(w.cfg.Root, path)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return "", fmt.Errorf("create parent directory: %w", err)
	}
	if err := os.WriteFile(full, []byte(content), 0o644); err != nil { //nolint:gosec // workspace files are shared with the user
		return "", fmt.Errorf("write %s: %w", path, err)
	}
	return fmt.Sprintf("Wrote %d bytes to %s", len(content), path), nil
}

// ReadFile reads a file inside the workspace, truncated to the output limit.
func (w *Workspace) ReadFile(path string) (string, error) {
	full, err := ResolvePath(w.cfg.Root, path)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(full) //nolint:gosec // path is confined by ResolvePath
	if err != nil {
		return "", fmt.Errorf("read %s: %w", path, err)
	}
	if len(data) > w.cfg.MaxOutputBytes {
		return string(data[:w.cfg.MaxOutputBytes]) + fmt.Sprintf("\n... [truncated, %d bytes total]", len(data)), nil
	}
	return string(data), nil
}

// ShellTool exposes RunShellCommand.
type ShellTool struct{ ws *Workspace }

func (t *ShellTool) Name() string { return ToolRunShellCommand }

func (t *ShellTool) Definition() Definition {
	return Definition{
		Name:        ToolRunShellCommand,
		Description: "Run a command in the repository working directory. Pipes, redirection and command chaining are not supported; run one program per call.",
		InputSchema: driver.Property{
			Type: "object",
			Properties: map[string]*driver.Property{
				"command":         {Type: "string", Description: "Command line to execute, e.g. `go test ./...`"},
				"timeout_seconds": {Type: "integer", Description: "Optional timeout in seconds"},
			},
			Required: []string{"command"},
		},
	}
}

func (t *ShellTool) Exec(ctx context.Context, args map[string]any) (*ExecResult, error) {
	command, ok := stringArg(args, "command")
	if !ok || strings.TrimSpace(command) == "" {
		return nil, fmt.Errorf("command is required and must be a string")
	}
	timeout := time.Duration(intArgOrDefault(args, "timeout_seconds", 0)) * time.Second
	out, err := t.ws.RunShellCommand(ctx, command, timeout)
	return &ExecResult{Content: out}, err
}

// WriteFileTool exposes WriteFile.
type WriteFileTool struct{ ws *Workspace }

func (t *WriteFileTool) Name() string { return ToolWriteFile }

func (t *WriteFileTool) Definition() Definition {
	return Definition{
		Name:        ToolWriteFile,
		Description: "Create or overwrite a file in the repository. Paths are relative to the repository root.",
		InputSchema: driver.Property{
			Type: "object",
			Properties: map[string]*driver.Property{
				"path":    {Type: "string", Description: "Relative file path"},
				"content": {Type: "string", Description: "Full file content"},
			},
			Required: []string{"path", "content"},
		},
	}
}

func (t *WriteFileTool) Exec(_ context.Context, args map[string]any) (*ExecResult, error) {
	path, ok := stringArg(args, "path")
	if !ok {
		return nil, fmt.Errorf("path is required and must be a string")
	}
	content, ok := stringArg(args, "content")
	if !ok {
		return nil, fmt.Errorf("content is required and must be a string")
	}
	out, err := t.ws.WriteFile(path, content)
	if err != nil {
		return nil, err
	}
	return &ExecResult{Content: out}, nil
}

// ReadFileTool exposes ReadFile.
type ReadFileTool struct{ ws *Workspace }

func (t *ReadFileTool) Name() string { return ToolReadFile }

func (t *ReadFileTool) Definition() Definition {
	return Definition{
		Name:        ToolReadFile,
		Description: "Read a file from the repository. Paths are relative to the repository root.",
		InputSchema: driver.Property{
			Type: "object",
			Properties: map[string]*driver.Property{
				"path": {Type: "string", Description: "Relative file path"},
			},
			Required: []string{"path"},
		},
	}
}

func (t *ReadFileTool) Exec(_ context.Context, args map[string]any) (*ExecResult, error) {
	path, ok := stringArg(args, "path")
	if !ok {
		return nil, fmt.Errorf("path is required and must be a string")
	}
	out, err := t.ws.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return &ExecResult{Content: out}, nil
}
