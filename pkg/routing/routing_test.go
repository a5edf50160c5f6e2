package routing

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"foreman/pkg/state"
)

func build(t *testing.T, u *state.Update) state.WorkflowState {
	t.Helper()
	s := state.New("wf", state.PipelineImplementation, "default", time.Unix(0, 0))
	s, err := s.Apply(u.Status(state.StatusRunning))
	require.NoError(t, err)
	return s
}

func review(approved bool) state.ReviewResult {
	return state.ReviewResult{Reviewer: "reviewer", Approved: approved}
}

func TestRouteApproval(t *testing.T) {
	assert.Equal(t, LabelReject, RouteApproval(build(t, state.NewUpdate())))
	assert.Equal(t, LabelApprove, RouteApproval(build(t, state.NewUpdate().HumanApproved(true))))
	assert.Equal(t, LabelReject, RouteApproval(build(t, state.NewUpdate().HumanApproved(false))))
}

func TestRouteAfterReviewLegacy(t *testing.T) {
	limits := Limits{MaxReviewIterations: 2}
	tests := []struct {
		name      string
		approved  bool
		iteration int
		want      string
	}{
		{"approved", true, 0, End},
		{"approved at limit", true, 2, End},
		{"rejected with iterations left", false, 1, LabelDeveloper},
		{"rejected at limit", false, 2, End},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := build(t, state.NewUpdate().LastReview(review(tt.approved)).ReviewIteration(tt.iteration))
			assert.Equal(t, tt.want, RouteAfterReview(s, limits))
		})
	}
}

func TestRouteAfterReviewTaskMode(t *testing.T) {
	limits := Limits{MaxReviewIterations: 2}
	tests := []struct {
		name      string
		approved  bool
		index     int
		iteration int
		want      string
		forced    bool
	}{
		{"approved not last", true, 0, 0, LabelNextTask, false},
		{"approved last", true, 2, 0, End, false},
		{"rejected with iterations left", false, 0, 1, LabelDeveloper, false},
		{"rejected with iterations left on last", false, 2, 1, LabelDeveloper, false},
		{"rejected at limit not last", false, 1, 2, LabelNextTask, true},
		{"rejected at limit last", false, 2, 2, End, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := build(t, state.NewUpdate().
				TotalTasks(3).
				CurrentTaskIndex(tt.index).
				TaskReviewIteration(tt.iteration).
				LastReview(review(tt.approved)))
			assert.Equal(t, tt.want, RouteAfterReview(s, limits))
			assert.Equal(t, tt.forced, ForcedAdvance(s, limits))
			assert.Contains(t, ReviewLabels, RouteAfterReview(s, limits))
		})
	}
}

func TestRouteAfterReviewDefaultLimits(t *testing.T) {
	s := build(t, state.NewUpdate().LastReview(review(false)).ReviewIteration(2))
	assert.Equal(t, LabelDeveloper, RouteAfterReview(s, Limits{}))
}

func TestRouteAfterEvaluation(t *testing.T) {
	withItems := &state.EvaluationResult{ImplementItems: []state.EvaluatedItem{{FeedbackItem: state.FeedbackItem{ID: 1}}}}
	onlyRejected := &state.EvaluationResult{RejectedItems: []state.EvaluatedItem{{FeedbackItem: state.FeedbackItem{ID: 1}}}}

	tests := []struct {
		name string
		u    *state.Update
		want string
	}{
		{"no evaluation", state.NewUpdate().MaxReviewPasses(3), End},
		{"nothing to implement", state.NewUpdate().EvaluationResult(onlyRejected).MaxReviewPasses(3), End},
		{"items and passes left", state.NewUpdate().EvaluationResult(withItems).MaxReviewPasses(3).ReviewPass(1), LabelDeveloper},
		{"pass budget spent", state.NewUpdate().EvaluationResult(withItems).MaxReviewPasses(3).ReviewPass(3), End},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := RouteAfterEvaluation(build(t, tt.u))
			assert.Equal(t, tt.want, got)
			assert.Contains(t, EvaluationLabels, got)
		})
	}
}
