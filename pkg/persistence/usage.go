package persistence

import (
	"context"
	"fmt"
	"time"

	"foreman/pkg/driver"
)

// UsageRecord is the token usage of one driver call.
type UsageRecord struct {
	WorkflowID string
	Agent      string
	Driver     string
	Usage      driver.Usage
	CreatedAt  time.Time
}

// RecordUsage appends a usage record.
func (s *Store) RecordUsage(ctx context.Context, rec UsageRecord) error {
	created := rec.CreatedAt
	if created.IsZero() {
		created = s.now()
	}
	u := rec.Usage
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO token_usage (workflow_id, agent, driver, model, input_tokens, output_tokens,
			cache_read_tokens, cache_creation_tokens, cost_usd, duration_ms, num_turns, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.WorkflowID, rec.Agent, rec.Driver, u.Model, u.InputTokens, u.OutputTokens,
		u.CacheReadTokens, u.CacheCreationTokens, u.CostUSD, u.DurationMs, u.NumTurns, formatTime(created))
	if err != nil {
		return fmt.Errorf("failed to record usage for %s: %w", rec.WorkflowID, err)
	}
	return nil
}

// AgentUsage is the summed usage of one agent in a workflow.
type AgentUsage struct {
	Agent string
	Calls int
	Usage driver.Usage
}

// UsageByAgent sums a workflow's usage per agent, ordered by agent name.
func (s *Store) UsageByAgent(ctx context.Context, workflowID string) ([]AgentUsage, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT agent, COUNT(*), SUM(input_tokens), SUM(output_tokens), SUM(cache_read_tokens),
			SUM(cache_creation_tokens), SUM(cost_usd), SUM(duration_ms), SUM(num_turns)
		FROM token_usage WHERE workflow_id = ?
		GROUP BY agent ORDER BY agent`, workflowID)
	if err != nil {
		return nil, fmt.Errorf("failed to query usage: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []AgentUsage
	for rows.Next() {
		var a AgentUsage
		u := &a.Usage
		if err := rows.Scan(&a.Agent, &a.Calls, &u.InputTokens, &u.OutputTokens, &u.CacheReadTokens,
			&u.CacheCreationTokens, &u.CostUSD, &u.DurationMs, &u.NumTurns); err != nil {
			return nil, fmt.Errorf("failed to scan usage: %w", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read usage: %w", err)
	}
	return out, nil
}

// UsageTotal sums a workflow's usage across agents.
func (s *Store) UsageTotal(ctx context.Context, workflowID string) (driver.Usage, error) {
	agents, err := s.UsageByAgent(ctx, workflowID)
	if err != nil {
		return driver.Usage{}, err
	}
	var total driver.Usage
	for _, a := range agents {
		total = total.Add(a.Usage)
	}
	return total, nil
}
