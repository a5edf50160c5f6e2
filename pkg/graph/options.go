package graph

import (
	"time"

	"foreman/pkg/logx"
)

// EventKind classifies observer notifications.
type EventKind string

const (
	NodeStarted   EventKind = "node_started"
	NodeCompleted EventKind = "node_completed"
	NodeFailed    EventKind = "node_failed"
	Interrupted   EventKind = "interrupted"
	Finished      EventKind = "finished"
)

// Event is sent to the observer as the run progresses.
type Event struct {
	Kind     EventKind
	Graph    string
	ThreadID string
	Node     string
	Step     int
	Duration time.Duration
	Err      error
}

// Observer receives run events synchronously. It must not block.
type Observer func(Event)

type options struct {
	checkpointer    Checkpointer
	interruptBefore []string
	maxSteps        int
	logger          *logx.Logger
	observer        Observer
}

func defaultOptions() options {
	return options{maxSteps: DefaultMaxSteps}
}

func defaultLogger(name string) *logx.Logger {
	return logx.NewLogger("graph." + name)
}

// Option configures Compile.
type Option func(*options)

// WithCheckpointer persists state after every node. Without one, Resume and
// Snapshot are unavailable.
func WithCheckpointer(cp Checkpointer) Option {
	return func(o *options) { o.checkpointer = cp }
}

// WithInterruptBefore pauses the run before executing any of nodes.
func WithInterruptBefore(nodes ...string) Option {
	return func(o *options) { o.interruptBefore = append(o.interruptBefore, nodes...) }
}

// WithMaxSteps overrides DefaultMaxSteps.
func WithMaxSteps(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.maxSteps = n
		}
	}
}

// WithLogger replaces the default graph logger.
func WithLogger(l *logx.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithObserver registers a progress callback.
func WithObserver(fn Observer) Option {
	return func(o *options) { o.observer = fn }
}
