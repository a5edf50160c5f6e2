// Package exec runs external commands with timeouts, process-group cleanup and
// stderr capture. It backs the tool boundary, the git runner, the CLI driver and
// the docker sandbox.
package exec

import (
	"context"
	"errors"
	"time"
)

// ErrTimeout is returned when a command exceeds its timeout. The child process
// group has been killed by the time it is returned.
var ErrTimeout = errors.New("command timed out")

// Executor defines the interface for executing commands.
type Executor interface {
	// Run executes a command with the given options and returns the result.
	// A non-zero exit is reported in Result.ExitCode, not as an error.
	Run(ctx context.Context, cmd []string, opts *Opts) (Result, error)

	// Name returns the executor type name for logging.
	Name() string
}

// Opts contains options for command execution.
type Opts struct {
	// Env contains extra environment variables (KEY=VALUE), appended to the
	// parent environment.
	Env []string

	// Timeout is the maximum duration for command execution. Zero means none.
	Timeout time.Duration

	// WorkDir is the working directory for the command.
	WorkDir string

	// Stdin is written to the command's standard input when non-empty.
	Stdin string

	// MaxOutputBytes truncates stdout and stderr. Zero means unlimited.
	MaxOutputBytes int
}

// Result contains the result of command execution.
type Result struct {
	Stdout    string
	Stderr    string
	Duration  time.Duration
	ExitCode  int
	Truncated bool
}

// Success reports whether the command exited with status 0.
func (r Result) Success() bool {
	return r.ExitCode == 0
}

// Combined returns stdout followed by stderr.
func (r Result) Combined() string {
	switch {
	case r.Stderr == "":
		return r.Stdout
	case r.Stdout == "":
		return r.Stderr
	default:
		return r.Stdout + "\n" + r.Stderr
	}
}
