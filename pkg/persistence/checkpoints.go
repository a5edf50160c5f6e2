package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"foreman/pkg/graph"
)

var _ graph.Checkpointer = (*Store)(nil)

// Save implements graph.Checkpointer. Only the latest checkpoint per thread is
// kept.
func (s *Store) Save(ctx context.Context, cp graph.Checkpoint) error {
	updated := cp.UpdatedAt
	if updated.IsZero() {
		updated = s.now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO checkpoints (thread_id, graph, next_node, step, interrupted, state, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(thread_id) DO UPDATE SET
			graph = excluded.graph,
			next_node = excluded.next_node,
			step = excluded.step,
			interrupted = excluded.interrupted,
			state = excluded.state,
			updated_at = excluded.updated_at`,
		cp.ThreadID, cp.Graph, cp.NextNode, cp.Step, boolToInt(cp.Interrupted), []byte(cp.State), formatTime(updated))
	if err != nil {
		return fmt.Errorf("failed to save checkpoint for %s: %w", cp.ThreadID, err)
	}
	return nil
}

// Load implements graph.Checkpointer.
func (s *Store) Load(ctx context.Context, threadID string) (graph.Checkpoint, bool, error) {
	var (
		cp          graph.Checkpoint
		interrupted int
		state       []byte
		updated     string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT thread_id, graph, next_node, step, interrupted, state, updated_at
		FROM checkpoints WHERE thread_id = ?`, threadID).
		Scan(&cp.ThreadID, &cp.Graph, &cp.NextNode, &cp.Step, &interrupted, &state, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return graph.Checkpoint{}, false, nil
	}
	if err != nil {
		return graph.Checkpoint{}, false, fmt.Errorf("failed to load checkpoint for %s: %w", threadID, err)
	}
	cp.Interrupted = interrupted != 0
	cp.State = state
	cp.UpdatedAt = parseTime(updated)
	return cp, true, nil
}

// DeleteCheckpoint removes a thread's checkpoint.
func (s *Store) DeleteCheckpoint(ctx context.Context, threadID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM checkpoints WHERE thread_id = ?`, threadID); err != nil {
		return fmt.Errorf("failed to delete checkpoint for %s: %w", threadID, err)
	}
	return nil
}
