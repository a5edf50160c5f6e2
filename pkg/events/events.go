// Package events carries outward workflow events to observers: the console,
// in-process subscribers, JSONL files and NATS. Sinks are best effort; a sink
// failure is logged and never aborts a workflow.
package events

import (
	"context"
	"errors"
	"sync"
	"time"

	"foreman/pkg/driver"
	"foreman/pkg/logx"
)

// Kind classifies an event.
type Kind string

const (
	KindThinking          Kind = "thinking"
	KindToolCall          Kind = "tool_call"
	KindToolResult        Kind = "tool_result"
	KindAgentOutput       Kind = "agent_output"
	KindStageStarted      Kind = "stage_started"
	KindStageCompleted    Kind = "stage_completed"
	KindAwaitingApproval  Kind = "awaiting_approval"
	KindWorkflowCompleted Kind = "workflow_completed"
	KindWorkflowFailed    Kind = "workflow_failed"
)

// Event is one observable step of a workflow.
type Event struct {
	Kind       Kind           `json:"kind"`
	WorkflowID string         `json:"workflow_id"`
	Agent      string         `json:"agent,omitempty"`
	Content    string         `json:"content,omitempty"`
	ToolName   string         `json:"tool_name,omitempty"`
	ToolInput  map[string]any `json:"tool_input,omitempty"`
	IsError    bool           `json:"is_error,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
}

// Sink receives events.
type Sink interface {
	Emit(ctx context.Context, e Event) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, e Event) error

// Emit implements Sink.
func (f SinkFunc) Emit(ctx context.Context, e Event) error { return f(ctx, e) }

// FromMessage converts a driver message into an event. USAGE and ERROR
// messages have no outward form and report false.
func FromMessage(workflowID, agent string, m driver.AgenticMessage) (Event, bool) {
	e := Event{WorkflowID: workflowID, Agent: agent, Timestamp: time.Now().UTC()}
	switch m.Type {
	case driver.MessageThinking:
		e.Kind, e.Content = KindThinking, m.Content
	case driver.MessageToolCall:
		e.Kind, e.ToolName, e.ToolInput = KindToolCall, m.ToolName, m.ToolInput
	case driver.MessageToolResult:
		e.Kind, e.ToolName, e.Content, e.IsError = KindToolResult, m.ToolName, m.ToolOutput, m.IsError
	case driver.MessageResult:
		e.Kind, e.Content = KindAgentOutput, m.Content
	default:
		return Event{}, false
	}
	return e, true
}

type multi []Sink

func (m multi) Emit(ctx context.Context, e Event) error {
	var errs []error
	for _, s := range m {
		if err := s.Emit(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Multi fans out to every non-nil sink.
func Multi(sinks ...Sink) Sink {
	out := make(multi, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			out = append(out, s)
		}
	}
	return out
}

// Emitter stamps events and swallows sink failures.
type Emitter struct {
	sink   Sink
	logger *logx.Logger
}

// NewEmitter wraps sink; a nil sink makes every Emit a no-op.
func NewEmitter(sink Sink) *Emitter {
	return &Emitter{sink: sink, logger: logx.NewLogger("events")}
}

// Emit sends e, filling the timestamp when unset.
func (em *Emitter) Emit(ctx context.Context, e Event) {
	if em == nil || em.sink == nil {
		return
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	if err := em.sink.Emit(ctx, e); err != nil {
		em.logger.Warn("dropping %s event for %s: %v", e.Kind, e.WorkflowID, err)
	}
}

// Bus delivers events to in-process subscribers over channels. Slow
// subscribers lose events rather than stall the workflow.
type Bus struct {
	mu     sync.RWMutex
	subs   map[int]chan Event
	nextID int
	closed bool
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[int]chan Event)}
}

// Subscribe returns a channel of future events and a function that cancels
// the subscription and closes the channel.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := make(chan Event, buffer)
	if b.closed {
		close(ch)
		return ch, func() {}
	}
	id := b.nextID
	b.nextID++
	b.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if sub, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(sub)
			}
		})
	}
}

// Emit implements Sink.
func (b *Bus) Emit(_ context.Context, e Event) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
	return nil
}

// Close closes every subscriber channel.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		close(ch)
		delete(b.subs, id)
	}
}
