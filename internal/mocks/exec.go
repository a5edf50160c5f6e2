package mocks

import (
	"context"
	"io"
	"strings"
	"sync"

	execpkg "foreman/pkg/exec"
)

// MockExecutor implements exec.Executor, recording every command.
type MockExecutor struct {
	// RunFunc answers Run. The default succeeds with empty output.
	RunFunc func(ctx context.Context, cmd []string, opts *execpkg.Opts) (execpkg.Result, error)

	Calls [][]string

	mu sync.Mutex
}

// NewMockExecutor creates an executor whose commands all succeed.
func NewMockExecutor() *MockExecutor {
	return &MockExecutor{
		RunFunc: func(context.Context, []string, *execpkg.Opts) (execpkg.Result, error) {
			return execpkg.Result{}, nil
		},
	}
}

// Name implements exec.Executor.
func (m *MockExecutor) Name() string { return "mock" }

// Run implements exec.Executor.
func (m *MockExecutor) Run(ctx context.Context, cmd []string, opts *execpkg.Opts) (execpkg.Result, error) {
	m.mu.Lock()
	m.Calls = append(m.Calls, append([]string(nil), cmd...))
	fn := m.RunFunc
	m.mu.Unlock()
	return fn(ctx, cmd, opts)
}

// Commands returns the recorded calls joined with spaces.
func (m *MockExecutor) Commands() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.Calls))
	for _, c := range m.Calls {
		out = append(out, strings.Join(c, " "))
	}
	return out
}

// Stream is a canned exec.Stream.
type Stream struct {
	Out     io.Reader
	Err     error
	StdErr  string
	waited  bool
	waitMux sync.Mutex
}

// NewStream returns a stream producing the given lines followed by err from Wait.
func NewStream(lines []string, err error) *Stream {
	text := ""
	if len(lines) > 0 {
		text = strings.Join(lines, "\n") + "\n"
	}
	return &Stream{Out: strings.NewReader(text), Err: err}
}

func (s *Stream) Stdout() io.Reader { return s.Out }
func (s *Stream) Stderr() string    { return s.StdErr }

func (s *Stream) Wait() error {
	s.waitMux.Lock()
	defer s.waitMux.Unlock()
	s.waited = true
	return s.Err
}

// Waited reports whether Wait was called.
func (s *Stream) Waited() bool {
	s.waitMux.Lock()
	defer s.waitMux.Unlock()
	return s.waited
}

// MockStarter implements exec.Starter by handing out queued streams.
type MockStarter struct {
	Streams []*Stream
	Calls   [][]string
	Opts    []*execpkg.Opts

	mu sync.Mutex
}

// Start implements exec.Starter.
func (m *MockStarter) Start(_ context.Context, cmd []string, opts *execpkg.Opts) (execpkg.Stream, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls = append(m.Calls, append([]string(nil), cmd...))
	m.Opts = append(m.Opts, opts)
	if len(m.Streams) == 0 {
		return NewStream(nil, nil), nil
	}
	s := m.Streams[0]
	m.Streams = m.Streams[1:]
	return s, nil
}
