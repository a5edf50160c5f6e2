package graph

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

// Checkpoint is the persisted position of a run.
type Checkpoint struct {
	ThreadID string `json:"thread_id"`
	Graph    string `json:"graph"`
	// NextNode is the node to run on resume, or END when the run finished.
	NextNode    string          `json:"next_node"`
	Step        int             `json:"step"`
	Interrupted bool            `json:"interrupted"`
	State       json.RawMessage `json:"state"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// Done reports whether the run reached END.
func (c Checkpoint) Done() bool { return c.NextNode == END }

// Checkpointer stores the latest checkpoint per thread.
type Checkpointer interface {
	Save(ctx context.Context, cp Checkpoint) error
	Load(ctx context.Context, threadID string) (Checkpoint, bool, error)
}

// MemoryCheckpointer keeps checkpoints in process memory.
type MemoryCheckpointer struct {
	mu      sync.RWMutex
	threads map[string]Checkpoint
}

// NewMemoryCheckpointer creates an empty in-memory checkpointer.
func NewMemoryCheckpointer() *MemoryCheckpointer {
	return &MemoryCheckpointer{threads: make(map[string]Checkpoint)}
}

// Save implements Checkpointer.
func (m *MemoryCheckpointer) Save(_ context.Context, cp Checkpoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp.State = append(json.RawMessage(nil), cp.State...)
	m.threads[cp.ThreadID] = cp
	return nil
}

// Load implements Checkpointer.
func (m *MemoryCheckpointer) Load(_ context.Context, threadID string) (Checkpoint, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cp, ok := m.threads[threadID]
	return cp, ok, nil
}
