// Package routing holds the pure functions that pick the next pipeline node
// from the current workflow state.
package routing

import (
	"foreman/pkg/state"
)

// End is the terminal label shared with the graph package.
const End = "__end__"

// Route labels.
const (
	LabelApprove   = "approve"
	LabelReject    = "reject"
	LabelDeveloper = "developer"
	LabelNextTask  = "next_task"
)

// Declared label sets. Graph compilation checks conditional edge mappings
// against these.
var (
	ApprovalLabels   = []string{LabelApprove, LabelReject}
	ReviewLabels     = []string{LabelDeveloper, LabelNextTask, End}
	EvaluationLabels = []string{LabelDeveloper, End}
)

// Limits bounds the review loops.
type Limits struct {
	// MaxReviewIterations caps developer/reviewer rounds per task (task mode)
	// or for the whole change (legacy mode).
	MaxReviewIterations int
}

// DefaultLimits returns the limits used when the profile sets none.
func DefaultLimits() Limits {
	return Limits{MaxReviewIterations: 3}
}

func (l Limits) maxIterations() int {
	if l.MaxReviewIterations <= 0 {
		return DefaultLimits().MaxReviewIterations
	}
	return l.MaxReviewIterations
}

// RouteApproval routes after human approval of the plan.
func RouteApproval(s state.WorkflowState) string {
	if s.HumanApproved != nil && *s.HumanApproved {
		return LabelApprove
	}
	return LabelReject
}

// RouteAfterReview decides what follows a review.
//
// Legacy mode: approved ends the run; a rejection loops back to the developer
// until the iteration limit, then ends.
//
// Task mode: an approved task advances (or ends on the last task). A rejected
// task loops back until its limit is reached, after which it is force-advanced
// unless it is the last task.
func RouteAfterReview(s state.WorkflowState, limits Limits) string {
	approved := s.Approved()
	limit := limits.maxIterations()

	if !s.TaskMode() {
		if approved {
			return End
		}
		if s.ReviewIteration < limit {
			return LabelDeveloper
		}
		return End
	}

	last := s.IsLastTask()
	switch {
	case approved && last:
		return End
	case approved:
		return LabelNextTask
	case s.TaskReviewIteration < limit:
		return LabelDeveloper
	case last:
		return End
	default:
		return LabelNextTask
	}
}

// RouteAfterEvaluation ends the review-fix loop when nothing is left to
// implement or the pass budget is spent.
func RouteAfterEvaluation(s state.WorkflowState) string {
	if s.EvaluationResult == nil || len(s.EvaluationResult.ImplementItems) == 0 {
		return End
	}
	if s.ReviewPass >= s.MaxReviewPasses {
		return End
	}
	return LabelDeveloper
}

// ForcedAdvance reports whether a review outcome moves on without approval.
func ForcedAdvance(s state.WorkflowState, limits Limits) bool {
	return s.TaskMode() && !s.Approved() && RouteAfterReview(s, limits) == LabelNextTask
}
