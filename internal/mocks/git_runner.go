package mocks

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// GitRunCall records the parameters of a git command call.
type GitRunCall struct {
	Dir  string
	Args []string
}

// Command returns the call as a single string, e.g. "add -A".
func (c GitRunCall) Command() string {
	return strings.Join(c.Args, " ")
}

// MockGitRunner implements git.Runner for testing.
type MockGitRunner struct {
	// RunFunc is called when Run is invoked. Override to customize behavior.
	RunFunc func(ctx context.Context, dir string, args ...string) ([]byte, error)

	// RunCalls tracks all calls to Run for verification.
	RunCalls []GitRunCall

	mu sync.Mutex
}

// NewMockGitRunner creates a mock whose commands all succeed with empty output.
func NewMockGitRunner() *MockGitRunner {
	m := &MockGitRunner{}
	m.RunFunc = func(_ context.Context, _ string, _ ...string) ([]byte, error) {
		return []byte{}, nil
	}
	return m
}

// Run implements git.Runner.
func (m *MockGitRunner) Run(ctx context.Context, dir string, args ...string) ([]byte, error) {
	m.mu.Lock()
	m.RunCalls = append(m.RunCalls, GitRunCall{Dir: dir, Args: append([]string(nil), args...)})
	fn := m.RunFunc
	m.mu.Unlock()
	return fn(ctx, dir, args...)
}

// OnRun sets a custom handler for Run calls.
func (m *MockGitRunner) OnRun(fn func(ctx context.Context, dir string, args ...string) ([]byte, error)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.RunFunc = fn
}

// FailCommandWith configures Run to fail when a specific subcommand is executed.
// Other commands succeed with empty output.
func (m *MockGitRunner) FailCommandWith(command string, err error) {
	m.OnRun(func(_ context.Context, _ string, args ...string) ([]byte, error) {
		if len(args) > 0 && args[0] == command {
			return nil, err
		}
		return []byte{}, nil
	})
}

// RespondWithMap configures Run to return different outputs for different
// subcommands. Keys may be a subcommand ("diff") or a full command line
// ("diff --cached --name-only"); the full line wins.
func (m *MockGitRunner) RespondWithMap(responses map[string]string) {
	m.OnRun(func(_ context.Context, _ string, args ...string) ([]byte, error) {
		if output, ok := responses[strings.Join(args, " ")]; ok {
			return []byte(output), nil
		}
		if len(args) > 0 {
			if output, ok := responses[args[0]]; ok {
				return []byte(output), nil
			}
		}
		return []byte{}, nil
	})
}

// GitStep is one scripted response for Script.
type GitStep struct {
	// Command is the expected full command line, e.g. "commit -m msg".
	// A prefix match is accepted so callers can omit long arguments.
	Command string
	Output  string
	Err     error
}

// Script configures Run to answer calls in order. A call that does not match
// the next step, or any call past the end of the script, fails.
func (m *MockGitRunner) Script(steps ...GitStep) {
	var idx int
	var mu sync.Mutex
	m.OnRun(func(_ context.Context, _ string, args ...string) ([]byte, error) {
		mu.Lock()
		defer mu.Unlock()
		got := strings.Join(args, " ")
		if idx >= len(steps) {
			return nil, fmt.Errorf("unexpected git call %q: script exhausted", got)
		}
		step := steps[idx]
		idx++
		if !strings.HasPrefix(got, step.Command) {
			return nil, fmt.Errorf("unexpected git call %q, want %q", got, step.Command)
		}
		return []byte(step.Output), step.Err
	})
}

// Reset clears all recorded calls.
func (m *MockGitRunner) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.RunCalls = nil
}

// Commands returns every recorded call as a command line.
func (m *MockGitRunner) Commands() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.RunCalls))
	for _, call := range m.RunCalls {
		out = append(out, call.Command())
	}
	return out
}

// WasCommandCalled returns true if Run was called with the specified subcommand.
func (m *MockGitRunner) WasCommandCalled(command string) bool {
	return len(m.GetCallsForCommand(command)) > 0
}

// GetCallsForCommand returns all Run calls for a specific subcommand.
func (m *MockGitRunner) GetCallsForCommand(command string) []GitRunCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	var calls []GitRunCall
	for _, call := range m.RunCalls {
		if len(call.Args) > 0 && call.Args[0] == command {
			calls = append(calls, call)
		}
	}
	return calls
}
