// Package git runs git commands against a repository working directory.
package git

import (
	"context"
	"errors"
	"fmt"
	"strings"

	execpkg "foreman/pkg/exec"
	"foreman/pkg/logx"
)

// Runner provides an interface for running git commands with dependency injection support.
type Runner interface {
	// Run executes a git command in dir and returns its stdout. A non-zero
	// exit is returned as a *CommandError together with whatever stdout
	// was produced; stderr only ever appears in the error.
	Run(ctx context.Context, dir string, args ...string) ([]byte, error)
}

// CommandError is a git command that exited non-zero.
type CommandError struct {
	Args     []string
	Dir      string
	ExitCode int
	Stderr   string
}

func (e *CommandError) Error() string {
	msg := fmt.Sprintf("git %s failed in %s (exit %d)", strings.Join(e.Args, " "), e.Dir, e.ExitCode)
	if s := strings.TrimSpace(e.Stderr); s != "" {
		msg += ": " + s
	}
	return msg
}

// exitCode reports the exit status carried by err, or -1 when err is not a
// CommandError.
func exitCode(err error) int {
	var ce *CommandError
	if errors.As(err, &ce) {
		return ce.ExitCode
	}
	return -1
}

// DefaultRunner implements Runner using the system git binary.
type DefaultRunner struct {
	executor execpkg.Executor
	logger   *logx.Logger
}

// NewDefaultRunner creates a runner backed by local process execution.
func NewDefaultRunner() *DefaultRunner {
	return NewRunner(execpkg.NewLocalExec())
}

// NewRunner creates a runner that executes git through executor.
func NewRunner(executor execpkg.Executor) *DefaultRunner {
	return &DefaultRunner{executor: executor, logger: logx.NewLogger("git")}
}

// Run executes a git command.
func (g *DefaultRunner) Run(ctx context.Context, dir string, args ...string) ([]byte, error) {
	logDir := dir
	if logDir == "" {
		logDir = "."
	}
	g.logger.Debug("Executing: cd %s && git %s", logDir, strings.Join(args, " "))

	result, err := g.executor.Run(ctx, append([]string{"git"}, args...), &execpkg.Opts{WorkDir: dir})
	output := []byte(result.Stdout)
	if err != nil {
		return output, fmt.Errorf("git %s in %s: %w", strings.Join(args, " "), logDir, err)
	}
	if stderr := strings.TrimSpace(result.Stderr); stderr != "" {
		g.logger.Debug("git %s stderr: %s", args[0], stderr)
	}
	if !result.Success() {
		return output, &CommandError{Args: args, Dir: logDir, ExitCode: result.ExitCode, Stderr: result.Stderr}
	}
	return output, nil
}

// HeadCommit returns the current HEAD sha, or "" for a repository with no commits.
func HeadCommit(ctx context.Context, r Runner, dir string) (string, error) {
	out, err := r.Run(ctx, dir, "rev-parse", "--verify", "--quiet", "HEAD")
	if err != nil {
		// --verify --quiet exits 1 silently when HEAD is unborn.
		var ce *CommandError
		if errors.As(err, &ce) && ce.ExitCode == 1 && strings.TrimSpace(ce.Stderr) == "" {
			return "", nil
		}
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}

// Diff returns the working-tree diff against base (or HEAD when base is empty).
// Untracked files are appended as new-file diffs; the index is left untouched.
func Diff(ctx context.Context, r Runner, dir, base string) (string, error) {
	if base == "" {
		base = "HEAD"
	}
	out, err := r.Run(ctx, dir, "diff", "--no-color", base)
	if err != nil {
		return "", err
	}

	untracked, err := r.Run(ctx, dir, "ls-files", "--others", "--exclude-standard", "-z")
	if err != nil {
		return "", err
	}

	var b strings.Builder
	b.Write(out)
	for _, file := range strings.Split(string(untracked), "\x00") {
		if file == "" {
			continue
		}
		fileDiff, err := r.Run(ctx, dir, "diff", "--no-color", "--no-index", "--", "/dev/null", file)
		// --no-index exits 1 when the files differ, which they always do here.
		if err != nil && exitCode(err) != 1 {
			return "", err
		}
		b.Write(fileDiff)
	}
	return b.String(), nil
}

// ChangedFiles parses `git diff --name-only`-style output into file names.
func ChangedFiles(output []byte) []string {
	var files []string
	for _, line := range strings.Split(string(output), "\n") {
		if line = strings.TrimSpace(line); line != "" {
			files = append(files, line)
		}
	}
	return files
}
