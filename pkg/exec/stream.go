package exec

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
)

// Stream is a started command whose stdout is consumed incrementally.
type Stream interface {
	// Stdout returns the command's standard output.
	Stdout() io.Reader
	// Wait blocks until the command exits. A timeout yields ErrTimeout; a
	// non-zero exit yields an error carrying the captured stderr.
	Wait() error
	// Stderr returns everything written to standard error so far.
	Stderr() string
}

// Starter launches streaming commands. LocalStarter is the host implementation;
// tests substitute scripted streams.
type Starter interface {
	Start(ctx context.Context, cmd []string, opts *Opts) (Stream, error)
}

// LocalStarter starts commands on the host in their own process group.
type LocalStarter struct{}

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p) //nolint:wrapcheck // in-memory buffer
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

type localStream struct {
	cmd     interface{ Wait() error }
	stdout  io.Reader
	stderr  *lockedBuffer
	name    string
	runCtx  context.Context
	parent  context.Context
	cancel  context.CancelFunc
	timeout string
}

// Start launches cmd. The caller must call Wait to release resources.
func (LocalStarter) Start(ctx context.Context, cmd []string, opts *Opts) (Stream, error) {
	if len(cmd) == 0 {
		return nil, fmt.Errorf("command cannot be empty")
	}
	if opts == nil {
		opts = &Opts{}
	}

	var runCtx context.Context
	var cancel context.CancelFunc
	if opts.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, opts.Timeout)
	} else {
		runCtx, cancel = context.WithCancel(ctx)
	}

	execCmd := Command(runCtx, cmd[0], cmd[1:]...)
	execCmd.Dir = opts.WorkDir
	if len(opts.Env) > 0 {
		execCmd.Env = append(os.Environ(), opts.Env...)
	}
	if opts.Stdin != "" {
		execCmd.Stdin = strings.NewReader(opts.Stdin)
	}
	stderr := &lockedBuffer{}
	execCmd.Stderr = stderr

	stdout, err := execCmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("stdout pipe for %s: %w", cmd[0], err)
	}
	if err := execCmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("start %s: %w", cmd[0], err)
	}

	return &localStream{
		cmd:     execCmd,
		stdout:  stdout,
		stderr:  stderr,
		name:    cmd[0],
		runCtx:  runCtx,
		parent:  ctx,
		cancel:  cancel,
		timeout: opts.Timeout.String(),
	}, nil
}

func (s *localStream) Stdout() io.Reader { return s.stdout }

func (s *localStream) Stderr() string { return s.stderr.String() }

func (s *localStream) Wait() error {
	defer s.cancel()
	err := s.cmd.Wait()
	if err == nil {
		return nil
	}
	if errors.Is(s.runCtx.Err(), context.DeadlineExceeded) && s.parent.Err() == nil {
		return &ProcessError{Name: s.name, Stderr: s.Stderr(), Err: fmt.Errorf("after %s: %w", s.timeout, ErrTimeout)}
	}
	if s.parent.Err() != nil {
		return &ProcessError{Name: s.name, Stderr: s.Stderr(), Err: s.parent.Err()}
	}
	return &ProcessError{Name: s.name, Stderr: s.Stderr(), Err: err}
}

// ProcessError describes a failed streaming command with its captured stderr.
type ProcessError struct {
	Name   string
	Stderr string
	Err    error
}

func (e *ProcessError) Error() string {
	stderr := strings.TrimSpace(e.Stderr)
	if len(stderr) > 2000 {
		stderr = stderr[len(stderr)-2000:]
	}
	if stderr == "" {
		return fmt.Sprintf("%s: %v", e.Name, e.Err)
	}
	return fmt.Sprintf("%s: %v: %s", e.Name, e.Err, stderr)
}

func (e *ProcessError) Unwrap() error { return e.Err }
