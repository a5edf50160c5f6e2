package mocks

import (
	"context"
	"errors"
	"sync"

	execpkg "foreman/pkg/exec"
	"foreman/pkg/sandbox"
)

// MockSandbox implements sandbox.Sandbox. ExecStream hands out the streams
// queued with Queue, in order.
type MockSandbox struct {
	EnsureErr error
	Healthy   bool

	EnsureCalls   int
	TeardownCalls int
	Requests      []sandbox.ExecRequest

	streams []*Stream
	mu      sync.Mutex
}

// NewMockSandbox creates a healthy sandbox with no queued output.
func NewMockSandbox() *MockSandbox {
	return &MockSandbox{Healthy: true}
}

// Queue adds a stream that emits lines and then returns err from Wait.
func (m *MockSandbox) Queue(lines []string, err error) *Stream {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := NewStream(lines, err)
	m.streams = append(m.streams, s)
	return s
}

func (m *MockSandbox) EnsureRunning(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.EnsureCalls++
	return m.EnsureErr
}

func (m *MockSandbox) ExecStream(_ context.Context, req sandbox.ExecRequest) (execpkg.Stream, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Requests = append(m.Requests, req)
	if len(m.streams) == 0 {
		return nil, errors.New("mock sandbox: no stream queued")
	}
	s := m.streams[0]
	m.streams = m.streams[1:]
	return s, nil
}

func (m *MockSandbox) Teardown(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.TeardownCalls++
	return nil
}

func (m *MockSandbox) HealthCheck(context.Context) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Healthy
}

var _ sandbox.Sandbox = (*MockSandbox)(nil)
