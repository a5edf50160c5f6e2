package driver

import (
	"sync"
)

// Usage holds token and cost totals for one execution.
type Usage struct {
	InputTokens         int64   `json:"input_tokens"`
	OutputTokens        int64   `json:"output_tokens"`
	CacheReadTokens     int64   `json:"cache_read_tokens,omitempty"`
	CacheCreationTokens int64   `json:"cache_creation_tokens,omitempty"`
	CostUSD             float64 `json:"cost_usd,omitempty"`
	DurationMs          int64   `json:"duration_ms,omitempty"`
	NumTurns            int     `json:"num_turns,omitempty"`
	Model               string  `json:"model,omitempty"`
}

// Add returns u with delta summed in. Model is taken from delta when set.
func (u Usage) Add(delta Usage) Usage {
	u.InputTokens += delta.InputTokens
	u.OutputTokens += delta.OutputTokens
	u.CacheReadTokens += delta.CacheReadTokens
	u.CacheCreationTokens += delta.CacheCreationTokens
	u.CostUSD += delta.CostUSD
	u.DurationMs += delta.DurationMs
	u.NumTurns += delta.NumTurns
	if delta.Model != "" {
		u.Model = delta.Model
	}
	return u
}

// TotalTokens returns input + output tokens.
func (u Usage) TotalTokens() int64 {
	return u.InputTokens + u.OutputTokens
}

// Accumulator sums USAGE deltas observed on a stream.
type Accumulator struct {
	total Usage
	seen  bool
}

// Observe adds m's usage delta if m is a usage message.
func (a *Accumulator) Observe(m AgenticMessage) {
	if m.Type != MessageUsage || m.Usage == nil {
		return
	}
	a.total = a.total.Add(*m.Usage)
	a.seen = true
}

// Total returns the accumulated usage and whether any delta was observed.
func (a *Accumulator) Total() (Usage, bool) {
	return a.total, a.seen
}

// UsageTracker implements the per-call reset semantics of Driver.Usage.
type UsageTracker struct {
	mu        sync.Mutex
	current   Usage
	last      Usage
	completed bool
}

// Begin resets the running totals. Until Complete is called, Last reports nothing.
func (t *UsageTracker) Begin() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.current = Usage{}
	t.last = Usage{}
	t.completed = false
}

// Add accumulates a delta into the running totals.
func (t *UsageTracker) Add(delta Usage) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.current = t.current.Add(delta)
}

// Set replaces the running totals; used when a backend reports authoritative totals.
func (t *UsageTracker) Set(total Usage) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.current = total
}

// Current returns the running totals.
func (t *UsageTracker) Current() Usage {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.current
}

// Complete publishes the running totals as the last completed execution.
func (t *UsageTracker) Complete() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.last = t.current
	t.completed = true
}

// Last returns the most recently completed execution's totals.
func (t *UsageTracker) Last() (Usage, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.last, t.completed
}
