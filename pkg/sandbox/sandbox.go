// Package sandbox runs commands inside a long-lived container that has the
// repository mounted at /workspace.
package sandbox

import (
	"context"
	"time"

	execpkg "foreman/pkg/exec"
)

// WorkspaceDir is where the repository is mounted inside the container.
const WorkspaceDir = "/workspace"

// ExecRequest is one command to run inside the sandbox.
type ExecRequest struct {
	Cmd []string
	// Stdin is written to the command's standard input.
	Stdin   string
	Env     []string
	WorkDir string
	Timeout time.Duration
}

// Sandbox is an isolated execution environment.
type Sandbox interface {
	// EnsureRunning starts the sandbox if it is not already running.
	EnsureRunning(ctx context.Context) error
	// ExecStream starts a command and streams its stdout.
	ExecStream(ctx context.Context, req ExecRequest) (execpkg.Stream, error)
	// Teardown stops and removes the sandbox.
	Teardown(ctx context.Context) error
	// HealthCheck reports whether the sandbox can run commands.
	HealthCheck(ctx context.Context) bool
}
