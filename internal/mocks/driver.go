package mocks

import (
	"context"
	"sync"

	"foreman/pkg/driver"
)

// MockDriver implements driver.Driver for testing.
type MockDriver struct {
	// GenerateFunc is called when Generate is invoked. Override to customize behavior.
	GenerateFunc func(ctx context.Context, req driver.GenerateRequest) (driver.GenerateResult, error)

	// ExecuteFunc is called when ExecuteAgentic is invoked. It returns the
	// messages to stream; the mock closes the channel afterwards.
	ExecuteFunc func(ctx context.Context, req driver.AgenticRequest) ([]driver.AgenticMessage, error)

	// GenerateCalls tracks all calls to Generate for verification.
	GenerateCalls []driver.GenerateRequest

	// AgenticCalls tracks all calls to ExecuteAgentic for verification.
	AgenticCalls []driver.AgenticRequest

	// ClosedSessions records CloseSession ids.
	ClosedSessions []string

	name  string
	usage driver.UsageTracker
	mu    sync.Mutex
}

// NewMockDriver creates a mock that returns "ok" from Generate and a single
// RESULT from ExecuteAgentic.
func NewMockDriver(name string) *MockDriver {
	m := &MockDriver{name: name}
	m.GenerateFunc = func(_ context.Context, _ driver.GenerateRequest) (driver.GenerateResult, error) {
		return driver.GenerateResult{Output: "ok"}, nil
	}
	m.ExecuteFunc = func(_ context.Context, req driver.AgenticRequest) ([]driver.AgenticMessage, error) {
		session := req.SessionID
		if session == "" {
			session = "mock-session"
		}
		return []driver.AgenticMessage{driver.ResultMessage("done", session)}, nil
	}
	return m
}

// Name implements driver.Driver.
func (m *MockDriver) Name() string { return m.name }

// Generate implements driver.Driver.
func (m *MockDriver) Generate(ctx context.Context, req driver.GenerateRequest) (driver.GenerateResult, error) {
	if err := req.Validate(); err != nil {
		return driver.GenerateResult{}, err
	}
	m.mu.Lock()
	m.GenerateCalls = append(m.GenerateCalls, req)
	fn := m.GenerateFunc
	m.mu.Unlock()

	m.usage.Begin()
	res, err := fn(ctx, req)
	if err == nil {
		m.usage.Add(driver.Usage{InputTokens: 10, OutputTokens: 5, NumTurns: 1})
		m.usage.Complete()
	}
	return res, err
}

// ExecuteAgentic implements driver.Driver.
func (m *MockDriver) ExecuteAgentic(ctx context.Context, req driver.AgenticRequest) (<-chan driver.AgenticMessage, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.AgenticCalls = append(m.AgenticCalls, req)
	fn := m.ExecuteFunc
	m.mu.Unlock()

	m.usage.Begin()
	msgs, err := fn(ctx, req)
	if err != nil {
		return nil, err
	}

	out := make(chan driver.AgenticMessage, len(msgs))
	go func() {
		defer close(out)
		for _, msg := range msgs {
			if msg.Type == driver.MessageUsage && msg.Usage != nil {
				m.usage.Add(*msg.Usage)
			}
			if msg.Terminal() {
				m.usage.Complete()
			}
			if !driver.Send(ctx, out, msg) {
				return
			}
			if msg.Terminal() {
				return
			}
		}
	}()
	return out, nil
}

// Usage implements driver.Driver.
func (m *MockDriver) Usage() (driver.Usage, bool) { return m.usage.Last() }

// CloseSession implements driver.Driver.
func (m *MockDriver) CloseSession(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ClosedSessions = append(m.ClosedSessions, id)
}

// OnGenerate sets a custom handler for Generate calls.
func (m *MockDriver) OnGenerate(fn func(ctx context.Context, req driver.GenerateRequest) (driver.GenerateResult, error)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.GenerateFunc = fn
}

// OnExecute sets a custom handler for ExecuteAgentic calls.
func (m *MockDriver) OnExecute(fn func(ctx context.Context, req driver.AgenticRequest) ([]driver.AgenticMessage, error)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ExecuteFunc = fn
}

// StreamMessages configures ExecuteAgentic to emit msgs for every call.
func (m *MockDriver) StreamMessages(msgs ...driver.AgenticMessage) {
	m.OnExecute(func(context.Context, driver.AgenticRequest) ([]driver.AgenticMessage, error) {
		return msgs, nil
	})
}

// Calls returns copies of the recorded calls.
func (m *MockDriver) Calls() ([]driver.GenerateRequest, []driver.AgenticRequest) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]driver.GenerateRequest(nil), m.GenerateCalls...), append([]driver.AgenticRequest(nil), m.AgenticCalls...)
}

var _ driver.Driver = (*MockDriver)(nil)
