package persistence

import (
	"context"
	"encoding/json"
	"fmt"

	"foreman/pkg/events"
)

var _ events.Sink = (*Store)(nil)

// Emit implements events.Sink by appending e to the event log.
func (s *Store) Emit(ctx context.Context, e events.Event) error {
	input := ""
	if len(e.ToolInput) > 0 {
		raw, err := json.Marshal(e.ToolInput)
		if err != nil {
			return fmt.Errorf("failed to encode tool input: %w", err)
		}
		input = string(raw)
	}
	ts := e.Timestamp
	if ts.IsZero() {
		ts = s.now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO events (workflow_id, kind, agent, content, tool_name, tool_input, is_error, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.WorkflowID, string(e.Kind), e.Agent, e.Content, e.ToolName, input, boolToInt(e.IsError), formatTime(ts))
	if err != nil {
		return fmt.Errorf("failed to store %s event: %w", e.Kind, err)
	}
	return nil
}

// ListEvents returns a workflow's events in emission order. limit <= 0
// returns all of them; otherwise the most recent limit events.
func (s *Store) ListEvents(ctx context.Context, workflowID string, limit int) ([]events.Event, error) {
	query := `SELECT kind, agent, content, tool_name, tool_input, is_error, created_at
		FROM (SELECT * FROM events WHERE workflow_id = ? ORDER BY id DESC LIMIT ?) ORDER BY id`
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, query, workflowID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []events.Event
	for rows.Next() {
		var (
			e       events.Event
			kind    string
			input   string
			isError int
			created string
		)
		if err := rows.Scan(&kind, &e.Agent, &e.Content, &e.ToolName, &input, &isError, &created); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		e.Kind = events.Kind(kind)
		e.WorkflowID = workflowID
		e.IsError = isError != 0
		e.Timestamp = parseTime(created)
		if input != "" {
			if err := json.Unmarshal([]byte(input), &e.ToolInput); err != nil {
				s.logger.Warn("event tool input for %s is not JSON: %v", workflowID, err)
			}
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read events: %w", err)
	}
	return out, nil
}
