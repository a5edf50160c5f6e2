package state

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Field names a WorkflowState field that can be set by an Update.
type Field string

const (
	FieldStatus              Field = "status"
	FieldHistory             Field = "history"
	FieldPendingUserInput    Field = "pending_user_input"
	FieldDriverSessionID     Field = "driver_session_id"
	FieldFinalResponse       Field = "final_response"
	FieldError               Field = "error"
	FieldIssue               Field = "issue"
	FieldGoal                Field = "goal"
	FieldPlanMarkdown        Field = "plan_markdown"
	FieldPlanPath            Field = "plan_path"
	FieldKeyFiles            Field = "key_files"
	FieldHumanApproved       Field = "human_approved"
	FieldBaseCommit          Field = "base_commit"
	FieldTotalTasks          Field = "total_tasks"
	FieldCurrentTaskIndex    Field = "current_task_index"
	FieldTaskReviewIteration Field = "task_review_iteration"
	FieldReviewIteration     Field = "review_iteration"
	FieldLastReview          Field = "last_review"
	FieldEvaluationResult    Field = "evaluation_result"
	FieldReviewPass          Field = "review_pass"
	FieldMaxReviewPasses     Field = "max_review_passes"
	FieldToolCalls           Field = "tool_calls"
	FieldToolResults         Field = "tool_results"
)

// MergeRule selects how an updated field combines with the current value.
type MergeRule int

const (
	// Replace overwrites the current value.
	Replace MergeRule = iota
	// Append concatenates the update after the current value, preserving order.
	Append
)

func (r MergeRule) String() string {
	if r == Append {
		return "append"
	}
	return "replace"
}

// mergeRules lists fields with a non-default rule. Everything else replaces.
//
//nolint:gochecknoglobals // static merge table
var mergeRules = map[Field]MergeRule{
	FieldHistory:     Append,
	FieldToolCalls:   Append,
	FieldToolResults: Append,
}

// RuleFor returns the merge rule applied to f.
func RuleFor(f Field) MergeRule {
	if rule, ok := mergeRules[f]; ok {
		return rule
	}
	return Replace
}

// Update is a partial state change produced by a node. Build one with NewUpdate
// and the chained setters; unset fields are left untouched by Apply.
type Update struct {
	values map[Field]any
}

// NewUpdate returns an empty update.
func NewUpdate() *Update {
	return &Update{values: make(map[Field]any)}
}

func (u *Update) set(f Field, v any) *Update {
	if u.values == nil {
		u.values = make(map[Field]any)
	}
	if RuleFor(f) == Append {
		if existing, ok := u.values[f]; ok {
			v = appendAny(existing, v)
		}
	}
	u.values[f] = v
	return u
}

func appendAny(existing, more any) any {
	switch e := existing.(type) {
	case []HistoryEntry:
		return append(e, more.([]HistoryEntry)...)
	case []ToolCall:
		return append(e, more.([]ToolCall)...)
	case []ToolResult:
		return append(e, more.([]ToolResult)...)
	}
	return more
}

// Empty reports whether the update sets no fields.
func (u *Update) Empty() bool {
	return u == nil || len(u.values) == 0
}

// Has reports whether the update sets f.
func (u *Update) Has(f Field) bool {
	if u == nil {
		return false
	}
	_, ok := u.values[f]
	return ok
}

// Fields returns the set fields in sorted order.
func (u *Update) Fields() []Field {
	if u == nil {
		return nil
	}
	fields := make([]Field, 0, len(u.values))
	for f := range u.values {
		fields = append(fields, f)
	}
	sort.Slice(fields, func(i, j int) bool { return fields[i] < fields[j] })
	return fields
}

// Merge folds other into u using the same per-field rules as Apply.
func (u *Update) Merge(other *Update) *Update {
	if other == nil {
		return u
	}
	for _, f := range other.Fields() {
		u.set(f, other.values[f])
	}
	return u
}

func (u *Update) String() string {
	names := make([]string, 0, len(u.Fields()))
	for _, f := range u.Fields() {
		names = append(names, string(f))
	}
	return "update{" + strings.Join(names, ",") + "}"
}

func (u *Update) Status(s Status) *Update { return u.set(FieldStatus, s) }
func (u *Update) PendingUserInput(v bool) *Update { return u.set(FieldPendingUserInput, v) }
func (u *Update) DriverSessionID(id string) *Update { return u.set(FieldDriverSessionID, id) }
func (u *Update) ClearDriverSessionID() *Update { return u.set(FieldDriverSessionID, "") }
func (u *Update) FinalResponse(v string) *Update { return u.set(FieldFinalResponse, v) }
func (u *Update) Error(msg string) *Update { return u.set(FieldError, msg) }
func (u *Update) Goal(v string) *Update { return u.set(FieldGoal, v) }
func (u *Update) PlanMarkdown(v string) *Update { return u.set(FieldPlanMarkdown, v) }
func (u *Update) PlanPath(v string) *Update { return u.set(FieldPlanPath, v) }
func (u *Update) BaseCommit(v string) *Update { return u.set(FieldBaseCommit, v) }
func (u *Update) CurrentTaskIndex(i int) *Update { return u.set(FieldCurrentTaskIndex, i) }
func (u *Update) TaskReviewIteration(i int) *Update { return u.set(FieldTaskReviewIteration, i) }
func (u *Update) ReviewIteration(i int) *Update { return u.set(FieldReviewIteration, i) }
func (u *Update) ReviewPass(i int) *Update { return u.set(FieldReviewPass, i) }
func (u *Update) MaxReviewPasses(i int) *Update { return u.set(FieldMaxReviewPasses, i) }
func (u *Update) KeyFiles(files []string) *Update { return u.set(FieldKeyFiles, append([]string(nil), files...)) }
func (u *Update) HumanApproved(approved bool) *Update { return u.set(FieldHumanApproved, approved) }

// Issue sets the issue. A copy is stored.
func (u *Update) Issue(issue Issue) *Update {
	return u.set(FieldIssue, issue)
}

// TotalTasks enters task mode with n tasks. Use ClearTotalTasks for legacy mode.
func (u *Update) TotalTasks(n int) *Update {
	return u.set(FieldTotalTasks, &n)
}

// ClearTotalTasks switches the state back to legacy single-pass mode.
func (u *Update) ClearTotalTasks() *Update {
	return u.set(FieldTotalTasks, (*int)(nil))
}

// LastReview sets the most recent review. A copy is stored.
func (u *Update) LastReview(r ReviewResult) *Update {
	r.Comments = append([]string(nil), r.Comments...)
	return u.set(FieldLastReview, &r)
}

// EvaluationResult sets the most recent evaluation.
func (u *Update) EvaluationResult(r *EvaluationResult) *Update {
	return u.set(FieldEvaluationResult, r)
}

// AddHistory appends an audit entry.
func (u *Update) AddHistory(agent, event, detail string) *Update {
	return u.set(FieldHistory, []HistoryEntry{{
		Timestamp: time.Now().UTC(),
		Agent:     agent,
		Event:     event,
		Detail:    detail,
	}})
}

// AddToolCalls appends tool call records.
func (u *Update) AddToolCalls(calls ...ToolCall) *Update {
	if len(calls) == 0 {
		return u
	}
	return u.set(FieldToolCalls, append([]ToolCall(nil), calls...))
}

// AddToolResults appends tool result records.
func (u *Update) AddToolResults(results ...ToolResult) *Update {
	if len(results) == 0 {
		return u
	}
	return u.set(FieldToolResults, append([]ToolResult(nil), results...))
}

// Apply returns a new state with u merged in. The receiver is not modified.
// The result is validated; an update that would break an invariant is rejected.
func (s WorkflowState) Apply(u *Update) (WorkflowState, error) {
	next := s.clone()
	if u.Empty() {
		return next, nil
	}

	for _, f := range u.Fields() {
		if err := next.assign(f, u.values[f]); err != nil {
			return s, err
		}
	}

	if err := next.validate(); err != nil {
		return s, fmt.Errorf("invalid state after %s: %w", u, err)
	}
	return next, nil
}

// assign applies one field according to its merge rule.
//
//nolint:cyclop,funlen // flat switch over fields
func (s *WorkflowState) assign(f Field, v any) error {
	var ok bool
	switch f {
	case FieldStatus:
		s.Status, ok = v.(Status)
	case FieldHistory:
		var entries []HistoryEntry
		if entries, ok = v.([]HistoryEntry); ok {
			s.History = append(s.History, entries...)
		}
	case FieldPendingUserInput:
		s.PendingUserInput, ok = v.(bool)
	case FieldDriverSessionID:
		s.DriverSessionID, ok = v.(string)
	case FieldFinalResponse:
		s.FinalResponse, ok = v.(string)
	case FieldError:
		s.Error, ok = v.(string)
	case FieldIssue:
		var issue Issue
		if issue, ok = v.(Issue); ok {
			s.Issue = &issue
		}
	case FieldGoal:
		s.Goal, ok = v.(string)
	case FieldPlanMarkdown:
		s.PlanMarkdown, ok = v.(string)
	case FieldPlanPath:
		s.PlanPath, ok = v.(string)
	case FieldKeyFiles:
		var files []string
		if files, ok = v.([]string); ok {
			s.KeyFiles = append([]string(nil), files...)
		}
	case FieldHumanApproved:
		var approved bool
		if approved, ok = v.(bool); ok {
			s.HumanApproved = &approved
		}
	case FieldBaseCommit:
		s.BaseCommit, ok = v.(string)
	case FieldTotalTasks:
		var n *int
		if n, ok = v.(*int); ok {
			if n != nil {
				copied := *n
				n = &copied
			}
			s.TotalTasks = n
		}
	case FieldCurrentTaskIndex:
		s.CurrentTaskIndex, ok = v.(int)
	case FieldTaskReviewIteration:
		s.TaskReviewIteration, ok = v.(int)
	case FieldReviewIteration:
		s.ReviewIteration, ok = v.(int)
	case FieldLastReview:
		s.LastReview, ok = v.(*ReviewResult)
	case FieldEvaluationResult:
		s.EvaluationResult, ok = v.(*EvaluationResult)
	case FieldReviewPass:
		s.ReviewPass, ok = v.(int)
	case FieldMaxReviewPasses:
		s.MaxReviewPasses, ok = v.(int)
	case FieldToolCalls:
		var calls []ToolCall
		if calls, ok = v.([]ToolCall); ok {
			s.ToolCalls = append(s.ToolCalls, calls...)
		}
	case FieldToolResults:
		var results []ToolResult
		if results, ok = v.([]ToolResult); ok {
			s.ToolResults = append(s.ToolResults, results...)
		}
	default:
		return fmt.Errorf("unknown state field %q", f)
	}
	if !ok {
		return fmt.Errorf("field %q: unexpected value type %T", f, v)
	}
	return nil
}

// Merge is the reducer used by the pipeline graphs.
func Merge(s WorkflowState, u *Update) (WorkflowState, error) {
	return s.Apply(u)
}
