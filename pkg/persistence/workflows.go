package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"foreman/pkg/state"
)

// WorkflowRecord is the summary row of one workflow instance.
type WorkflowRecord struct {
	ID        string
	Pipeline  string
	ProfileID string
	Status    state.Status
	IssueID   string
	WorkDir   string
	Error     string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// RecordFromState builds the summary row for s.
func RecordFromState(s state.WorkflowState, workDir string) WorkflowRecord {
	rec := WorkflowRecord{
		ID:        s.WorkflowID,
		Pipeline:  s.PipelineType,
		ProfileID: s.ProfileID,
		Status:    s.Status,
		WorkDir:   workDir,
		Error:     s.Error,
		CreatedAt: s.CreatedAt,
	}
	if s.Issue != nil {
		rec.IssueID = s.Issue.ID
	}
	return rec
}

// UpsertWorkflow inserts or updates a workflow row. CreatedAt is kept from
// the first insert.
func (s *Store) UpsertWorkflow(ctx context.Context, rec WorkflowRecord) error {
	now := s.now()
	created := rec.CreatedAt
	if created.IsZero() {
		created = now
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO workflows (id, pipeline, profile_id, status, issue_id, work_dir, error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			issue_id = excluded.issue_id,
			work_dir = CASE WHEN excluded.work_dir = '' THEN workflows.work_dir ELSE excluded.work_dir END,
			error = excluded.error,
			updated_at = excluded.updated_at`,
		rec.ID, rec.Pipeline, rec.ProfileID, string(rec.Status), rec.IssueID, rec.WorkDir, rec.Error,
		formatTime(created), formatTime(now))
	if err != nil {
		return fmt.Errorf("failed to upsert workflow %s: %w", rec.ID, err)
	}
	return nil
}

const workflowColumns = `id, pipeline, profile_id, status, issue_id, work_dir, error, created_at, updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanWorkflow(row scanner) (WorkflowRecord, error) {
	var (
		rec              WorkflowRecord
		status           string
		created, updated string
	)
	if err := row.Scan(&rec.ID, &rec.Pipeline, &rec.ProfileID, &status, &rec.IssueID, &rec.WorkDir,
		&rec.Error, &created, &updated); err != nil {
		return WorkflowRecord{}, err //nolint:wrapcheck // callers wrap
	}
	rec.Status = state.Status(status)
	rec.CreatedAt = parseTime(created)
	rec.UpdatedAt = parseTime(updated)
	return rec, nil
}

// GetWorkflow returns one workflow row or ErrNotFound.
func (s *Store) GetWorkflow(ctx context.Context, id string) (WorkflowRecord, error) {
	rec, err := scanWorkflow(s.db.QueryRowContext(ctx,
		`SELECT `+workflowColumns+` FROM workflows WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return WorkflowRecord{}, fmt.Errorf("workflow %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return WorkflowRecord{}, fmt.Errorf("failed to load workflow %s: %w", id, err)
	}
	return rec, nil
}

// ListWorkflows returns the most recently updated workflows first.
func (s *Store) ListWorkflows(ctx context.Context, limit int) ([]WorkflowRecord, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+workflowColumns+` FROM workflows ORDER BY updated_at DESC, id LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list workflows: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []WorkflowRecord
	for rows.Next() {
		rec, err := scanWorkflow(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan workflow: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read workflows: %w", err)
	}
	return out, nil
}
