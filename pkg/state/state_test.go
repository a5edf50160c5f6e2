package state

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestState() WorkflowState {
	return New("wf-1", PipelineImplementation, "default", time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC))
}

func TestApplyReplacesByDefault(t *testing.T) {
	s := newTestState()

	next, err := s.Apply(NewUpdate().Status(StatusRunning).Goal("first"))
	require.NoError(t, err)
	next, err = next.Apply(NewUpdate().Goal("second"))
	require.NoError(t, err)

	assert.Equal(t, StatusRunning, next.Status)
	assert.Equal(t, "second", next.Goal)
	assert.Equal(t, StatusPending, s.Status, "original state must not change")
	assert.Empty(t, s.Goal)
}

func TestApplyAppendsHistoryAndToolRecords(t *testing.T) {
	s := newTestState()

	next, err := s.Apply(NewUpdate().
		AddHistory("architect", "started", "").
		AddToolCalls(ToolCall{ID: "c1", ToolName: "write_file"}))
	require.NoError(t, err)

	next, err = next.Apply(NewUpdate().
		AddHistory("architect", "completed", "plan written").
		AddToolCalls(ToolCall{ID: "c2", ToolName: "run_shell_command"}).
		AddToolResults(ToolResult{ToolCallID: "c1", Success: true}))
	require.NoError(t, err)

	require.Len(t, next.History, 2)
	assert.Equal(t, "started", next.History[0].Event)
	assert.Equal(t, "completed", next.History[1].Event)
	require.Len(t, next.ToolCalls, 2)
	assert.Equal(t, "c1", next.ToolCalls[0].ID)
	assert.Equal(t, "c2", next.ToolCalls[1].ID)
	assert.Len(t, next.ToolResults, 1)
	assert.Empty(t, s.History)
}

func TestUpdateAccumulatesAppendFields(t *testing.T) {
	u := NewUpdate().
		AddHistory("developer", "a", "").
		AddHistory("developer", "b", "")

	next, err := newTestState().Apply(u)
	require.NoError(t, err)
	require.Len(t, next.History, 2)
	assert.Equal(t, "a", next.History[0].Event)
	assert.Equal(t, "b", next.History[1].Event)
}

func TestDerivedStatesDoNotAlias(t *testing.T) {
	s, err := newTestState().Apply(NewUpdate().AddHistory("x", "one", "").KeyFiles([]string{"a.go"}))
	require.NoError(t, err)

	left, err := s.Apply(NewUpdate().AddHistory("x", "left", ""))
	require.NoError(t, err)
	right, err := s.Apply(NewUpdate().AddHistory("x", "right", ""))
	require.NoError(t, err)

	assert.Equal(t, "left", left.History[1].Event)
	assert.Equal(t, "right", right.History[1].Event)
	assert.Len(t, s.History, 1)

	left.KeyFiles[0] = "mutated.go"
	assert.Equal(t, "a.go", s.KeyFiles[0])
}

func TestMergeRules(t *testing.T) {
	assert.Equal(t, Append, RuleFor(FieldHistory))
	assert.Equal(t, Append, RuleFor(FieldToolCalls))
	assert.Equal(t, Append, RuleFor(FieldToolResults))
	assert.Equal(t, Replace, RuleFor(FieldDriverSessionID))
	assert.Equal(t, Replace, RuleFor(FieldKeyFiles))
}

func TestTaskModeInvariant(t *testing.T) {
	s, err := newTestState().Apply(NewUpdate().Status(StatusRunning).TotalTasks(2))
	require.NoError(t, err)
	assert.True(t, s.TaskMode())
	assert.False(t, s.IsLastTask())

	s, err = s.Apply(NewUpdate().CurrentTaskIndex(1))
	require.NoError(t, err)
	assert.True(t, s.IsLastTask())

	_, err = s.Apply(NewUpdate().CurrentTaskIndex(2))
	assert.Error(t, err, "index beyond total_tasks must be rejected while running")

	legacy, err := s.Apply(NewUpdate().ClearTotalTasks().CurrentTaskIndex(0))
	require.NoError(t, err)
	assert.False(t, legacy.TaskMode())
	assert.True(t, legacy.IsLastTask())
}

func TestClearDriverSessionID(t *testing.T) {
	s, err := newTestState().Apply(NewUpdate().DriverSessionID("sess-1"))
	require.NoError(t, err)
	assert.Equal(t, "sess-1", s.DriverSessionID)

	s, err = s.Apply(NewUpdate().ClearDriverSessionID())
	require.NoError(t, err)
	assert.Empty(t, s.DriverSessionID)
}

func TestUpdateMerge(t *testing.T) {
	a := NewUpdate().Goal("a").AddHistory("n", "first", "")
	b := NewUpdate().Goal("b").AddHistory("n", "second", "")

	merged := a.Merge(b)
	assert.True(t, merged.Has(FieldGoal))
	assert.False(t, merged.Has(FieldError))

	next, err := newTestState().Apply(merged)
	require.NoError(t, err)
	assert.Equal(t, "b", next.Goal)
	require.Len(t, next.History, 2)
	assert.Equal(t, "second", next.History[1].Event)
}

func TestEvaluationResultTotal(t *testing.T) {
	var nilResult *EvaluationResult
	assert.Equal(t, 0, nilResult.Total())

	r := &EvaluationResult{
		ImplementItems: []EvaluatedItem{{}, {}},
		ClarifyItems:   []EvaluatedItem{{}},
	}
	assert.Equal(t, 3, r.Total())
}

func TestDispositionValid(t *testing.T) {
	for _, d := range Dispositions {
		assert.True(t, d.Valid(), d)
	}
	assert.False(t, Disposition("ignore").Valid())
}
