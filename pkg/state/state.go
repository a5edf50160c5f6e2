// Package state defines the immutable workflow state and the per-field merge
// rules applied on every graph transition.
package state

import (
	"fmt"
	"time"
)

// Status is the lifecycle status of a workflow instance.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// IsTerminal reports whether no further transitions are expected.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Pipeline types.
const (
	PipelineImplementation = "implementation"
	PipelineReview         = "review"
)

// Issue is the unit of work a workflow was started for.
type Issue struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description"`
}

// HistoryEntry is one line of the append-only audit trail.
type HistoryEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Agent     string    `json:"agent"`
	Event     string    `json:"event"`
	Detail    string    `json:"detail,omitempty"`
}

// ToolCall records one tool invocation made by an agent.
type ToolCall struct {
	ID        string         `json:"id"`
	ToolName  string         `json:"tool_name"`
	Input     map[string]any `json:"input,omitempty"`
	Agent     string         `json:"agent"`
	Timestamp time.Time      `json:"timestamp"`
}

// ToolResult records the outcome of a ToolCall.
type ToolResult struct {
	ToolCallID string    `json:"tool_call_id"`
	ToolName   string    `json:"tool_name"`
	Output     string    `json:"output,omitempty"`
	Success    bool      `json:"success"`
	Error      string    `json:"error,omitempty"`
	DurationMs int64     `json:"duration_ms,omitempty"`
	Agent      string    `json:"agent"`
	Timestamp  time.Time `json:"timestamp"`
}

// ReviewResult is the reviewer's verdict on the current changes.
type ReviewResult struct {
	Reviewer string   `json:"reviewer"`
	Approved bool     `json:"approved"`
	Summary  string   `json:"summary"`
	Comments []string `json:"comments,omitempty"`
	Severity string   `json:"severity,omitempty"`
}

// Disposition is the evaluator's classification of one feedback item.
type Disposition string

const (
	DispositionImplement Disposition = "implement"
	DispositionReject    Disposition = "reject"
	DispositionDefer     Disposition = "defer"
	DispositionClarify   Disposition = "clarify"
)

// Dispositions lists every valid disposition.
var Dispositions = []Disposition{DispositionImplement, DispositionReject, DispositionDefer, DispositionClarify}

// Valid reports whether d is one of the known dispositions.
func (d Disposition) Valid() bool {
	for _, known := range Dispositions {
		if d == known {
			return true
		}
	}
	return false
}

// FeedbackItem is one actionable review comment.
type FeedbackItem struct {
	ID          int    `json:"id"`
	Description string `json:"description"`
	File        string `json:"file,omitempty"`
	Line        int    `json:"line,omitempty"`
	Severity    string `json:"severity,omitempty"`
}

// EvaluatedItem is a FeedbackItem with its disposition.
type EvaluatedItem struct {
	FeedbackItem
	Disposition Disposition `json:"disposition"`
	Reason      string      `json:"reason,omitempty"`
}

// EvaluationResult partitions feedback items by disposition.
type EvaluationResult struct {
	ImplementItems []EvaluatedItem `json:"implement_items"`
	RejectedItems  []EvaluatedItem `json:"rejected_items"`
	DeferredItems  []EvaluatedItem `json:"deferred_items"`
	ClarifyItems   []EvaluatedItem `json:"clarify_items"`
	Summary        string          `json:"summary,omitempty"`
}

// Total returns the number of items across all buckets.
func (r *EvaluationResult) Total() int {
	if r == nil {
		return 0
	}
	return len(r.ImplementItems) + len(r.RejectedItems) + len(r.DeferredItems) + len(r.ClarifyItems)
}

// WorkflowState is the full state of one workflow instance. Values are never
// mutated after construction; use Apply to derive the next state.
type WorkflowState struct {
	WorkflowID   string    `json:"workflow_id"`
	PipelineType string    `json:"pipeline_type"`
	ProfileID    string    `json:"profile_id"`
	CreatedAt    time.Time `json:"created_at"`

	Status           Status         `json:"status"`
	History          []HistoryEntry `json:"history,omitempty"`
	PendingUserInput bool           `json:"pending_user_input"`
	DriverSessionID  string         `json:"driver_session_id,omitempty"`
	FinalResponse    string         `json:"final_response,omitempty"`
	Error            string         `json:"error,omitempty"`

	Issue         *Issue   `json:"issue,omitempty"`
	Goal          string   `json:"goal,omitempty"`
	PlanMarkdown  string   `json:"plan_markdown,omitempty"`
	PlanPath      string   `json:"plan_path,omitempty"`
	KeyFiles      []string `json:"key_files,omitempty"`
	HumanApproved *bool    `json:"human_approved,omitempty"`
	BaseCommit    string   `json:"base_commit,omitempty"`

	TotalTasks          *int `json:"total_tasks,omitempty"`
	CurrentTaskIndex    int  `json:"current_task_index"`
	TaskReviewIteration int  `json:"task_review_iteration"`
	ReviewIteration     int  `json:"review_iteration"`

	LastReview       *ReviewResult     `json:"last_review,omitempty"`
	EvaluationResult *EvaluationResult `json:"evaluation_result,omitempty"`
	ReviewPass       int               `json:"review_pass"`
	MaxReviewPasses  int               `json:"max_review_passes"`

	ToolCalls   []ToolCall   `json:"tool_calls,omitempty"`
	ToolResults []ToolResult `json:"tool_results,omitempty"`
}

// New returns a pending state for a fresh workflow instance.
func New(workflowID, pipelineType, profileID string, now time.Time) WorkflowState {
	return WorkflowState{
		WorkflowID:   workflowID,
		PipelineType: pipelineType,
		ProfileID:    profileID,
		CreatedAt:    now,
		Status:       StatusPending,
	}
}

// TaskMode reports whether the plan was decomposed into discrete tasks.
func (s WorkflowState) TaskMode() bool {
	return s.TotalTasks != nil
}

// IsLastTask reports whether the current task is the final one. Always true in
// legacy mode, which has exactly one implicit task.
func (s WorkflowState) IsLastTask() bool {
	if s.TotalTasks == nil {
		return true
	}
	return s.CurrentTaskIndex >= *s.TotalTasks-1
}

// IssueID returns the issue id or "unknown" when no issue is attached.
func (s WorkflowState) IssueID() string {
	if s.Issue == nil || s.Issue.ID == "" {
		return "unknown"
	}
	return s.Issue.ID
}

// Approved reports whether the last review approved the changes.
func (s WorkflowState) Approved() bool {
	return s.LastReview != nil && s.LastReview.Approved
}

// validate checks invariants that must hold after every transition.
func (s WorkflowState) validate() error {
	if s.TotalTasks != nil {
		if *s.TotalTasks <= 0 {
			return fmt.Errorf("total_tasks must be positive, got %d", *s.TotalTasks)
		}
		if s.Status == StatusRunning && s.CurrentTaskIndex >= *s.TotalTasks {
			return fmt.Errorf("current_task_index %d out of range for %d tasks", s.CurrentTaskIndex, *s.TotalTasks)
		}
	}
	if s.CurrentTaskIndex < 0 {
		return fmt.Errorf("current_task_index must not be negative, got %d", s.CurrentTaskIndex)
	}
	return nil
}

// clone returns a deep copy so derived states never alias slices or pointers.
func (s WorkflowState) clone() WorkflowState {
	out := s
	out.History = append([]HistoryEntry(nil), s.History...)
	out.KeyFiles = append([]string(nil), s.KeyFiles...)
	out.ToolCalls = append([]ToolCall(nil), s.ToolCalls...)
	out.ToolResults = append([]ToolResult(nil), s.ToolResults...)
	if s.Issue != nil {
		issue := *s.Issue
		out.Issue = &issue
	}
	if s.HumanApproved != nil {
		v := *s.HumanApproved
		out.HumanApproved = &v
	}
	if s.TotalTasks != nil {
		v := *s.TotalTasks
		out.TotalTasks = &v
	}
	if s.LastReview != nil {
		review := *s.LastReview
		review.Comments = append([]string(nil), s.LastReview.Comments...)
		out.LastReview = &review
	}
	if s.EvaluationResult != nil {
		eval := *s.EvaluationResult
		eval.ImplementItems = append([]EvaluatedItem(nil), eval.ImplementItems...)
		eval.RejectedItems = append([]EvaluatedItem(nil), eval.RejectedItems...)
		eval.DeferredItems = append([]EvaluatedItem(nil), eval.DeferredItems...)
		eval.ClarifyItems = append([]EvaluatedItem(nil), eval.ClarifyItems...)
		out.EvaluationResult = &eval
	}
	return out
}
