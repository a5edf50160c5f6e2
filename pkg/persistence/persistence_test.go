package persistence

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"foreman/pkg/driver"
	"foreman/pkg/events"
	"foreman/pkg/graph"
	"foreman/pkg/state"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), ".foreman", "foreman.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestOpenCreatesSchema(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "foreman.db")
	s, err := Open(path)
	require.NoError(t, err)

	version, err := GetSchemaVersion(s.db)
	require.NoError(t, err)
	assert.Equal(t, CurrentSchemaVersion, version)
	require.NoError(t, s.Close())

	again, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, again.Close())
}

func TestMigrateFromVersionOne(t *testing.T) {
	path := filepath.Join(t.TempDir(), "foreman.db")
	db, err := sql.Open("sqlite", "file:"+path)
	require.NoError(t, err)
	_, err = GetSchemaVersion(db)
	require.NoError(t, err)
	require.NoError(t, execAll(db, schemaV1))
	require.NoError(t, setSchemaVersion(db, 1))
	require.NoError(t, db.Close())

	s, err := Open(path)
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	version, err := GetSchemaVersion(s.db)
	require.NoError(t, err)
	assert.Equal(t, 2, version)
	require.NoError(t, s.Emit(context.Background(), events.Event{Kind: events.KindThinking, WorkflowID: "wf"}))
}

func TestCheckpointRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, ok, err := s.Load(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)

	cp := graph.Checkpoint{
		ThreadID:    "wf-1",
		Graph:       "implementation",
		NextNode:    "human_approval",
		Step:        2,
		Interrupted: true,
		State:       []byte(`{"workflow_id":"wf-1"}`),
		UpdatedAt:   time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	require.NoError(t, s.Save(ctx, cp))

	got, ok, err := s.Load(ctx, "wf-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, cp.NextNode, got.NextNode)
	assert.Equal(t, cp.Step, got.Step)
	assert.True(t, got.Interrupted)
	assert.JSONEq(t, string(cp.State), string(got.State))
	assert.True(t, cp.UpdatedAt.Equal(got.UpdatedAt))

	cp.NextNode = graph.END
	cp.Step = 5
	cp.Interrupted = false
	require.NoError(t, s.Save(ctx, cp))
	got, _, err = s.Load(ctx, "wf-1")
	require.NoError(t, err)
	assert.True(t, got.Done())
	assert.False(t, got.Interrupted)

	require.NoError(t, s.DeleteCheckpoint(ctx, "wf-1"))
	_, ok, err = s.Load(ctx, "wf-1")
	require.NoError(t, err)
	assert.False(t, ok)
}

type counter struct {
	Visits []string `json:"visits"`
}

func TestGraphResumesFromSQLite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "foreman.db")
	ctx := context.Background()

	build := func(cp graph.Checkpointer) *graph.Compiled[counter, string, struct{}] {
		node := func(name string) graph.NodeFunc[counter, string, struct{}] {
			return func(context.Context, counter, graph.RunConfig[struct{}]) (string, error) { return name, nil }
		}
		g, err := graph.New[counter, string, struct{}]("demo", func(s counter, u string) (counter, error) {
			return counter{Visits: append(append([]string(nil), s.Visits...), u)}, nil
		}).
			AddNode("plan", node("plan")).
			AddNode("approve", node("approve")).
			AddEdge("plan", "approve").
			AddEdge("approve", graph.END).
			SetEntryPoint("plan").
			Compile(graph.WithCheckpointer(cp), graph.WithInterruptBefore("approve"))
		require.NoError(t, err)
		return g
	}

	first, err := Open(path)
	require.NoError(t, err)
	res, err := build(first).Invoke(ctx, counter{}, graph.RunConfig[struct{}]{ThreadID: "wf-1"})
	require.NoError(t, err)
	assert.True(t, res.Interrupted)
	require.NoError(t, first.Close())

	second, err := Open(path)
	require.NoError(t, err)
	defer func() { _ = second.Close() }()
	resumed := "resumed"
	res, err = build(second).Resume(ctx, graph.RunConfig[struct{}]{ThreadID: "wf-1"}, &resumed)
	require.NoError(t, err)
	assert.Equal(t, graph.END, res.NextNode)
	assert.Equal(t, []string{"plan", "resumed", "approve"}, res.State.Visits)
}

func TestUsage(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.RecordUsage(ctx, UsageRecord{WorkflowID: "wf-1", Agent: "developer", Driver: "claude-cli",
		Usage: driver.Usage{InputTokens: 100, OutputTokens: 40, CostUSD: 0.5, NumTurns: 3, Model: "claude-sonnet-4-5"}}))
	require.NoError(t, s.RecordUsage(ctx, UsageRecord{WorkflowID: "wf-1", Agent: "developer",
		Usage: driver.Usage{InputTokens: 10, OutputTokens: 5, CacheReadTokens: 7, NumTurns: 1}}))
	require.NoError(t, s.RecordUsage(ctx, UsageRecord{WorkflowID: "wf-1", Agent: "architect",
		Usage: driver.Usage{InputTokens: 1, OutputTokens: 1, CostUSD: 0.25}}))
	require.NoError(t, s.RecordUsage(ctx, UsageRecord{WorkflowID: "wf-2", Agent: "architect",
		Usage: driver.Usage{InputTokens: 999}}))

	byAgent, err := s.UsageByAgent(ctx, "wf-1")
	require.NoError(t, err)
	require.Len(t, byAgent, 2)
	assert.Equal(t, "architect", byAgent[0].Agent)
	assert.Equal(t, "developer", byAgent[1].Agent)
	assert.Equal(t, 2, byAgent[1].Calls)
	assert.Equal(t, int64(110), byAgent[1].Usage.InputTokens)
	assert.Equal(t, int64(7), byAgent[1].Usage.CacheReadTokens)
	assert.Equal(t, 4, byAgent[1].Usage.NumTurns)

	total, err := s.UsageTotal(ctx, "wf-1")
	require.NoError(t, err)
	assert.Equal(t, int64(111), total.InputTokens)
	assert.InDelta(t, 0.75, total.CostUSD, 1e-9)

	none, err := s.UsageByAgent(ctx, "nope")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestEvents(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Emit(ctx, events.Event{Kind: events.KindStageStarted, WorkflowID: "wf-1", Content: "architect"}))
	require.NoError(t, s.Emit(ctx, events.Event{Kind: events.KindToolCall, WorkflowID: "wf-1", Agent: "architect",
		ToolName: "write_file", ToolInput: map[string]any{"path": "plan.md"}}))
	require.NoError(t, s.Emit(ctx, events.Event{Kind: events.KindToolResult, WorkflowID: "wf-1", ToolName: "write_file", IsError: true}))
	require.NoError(t, s.Emit(ctx, events.Event{Kind: events.KindThinking, WorkflowID: "wf-2"}))

	all, err := s.ListEvents(ctx, "wf-1", 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, events.KindStageStarted, all[0].Kind)
	assert.Equal(t, map[string]any{"path": "plan.md"}, all[1].ToolInput)
	assert.True(t, all[2].IsError)
	assert.False(t, all[0].Timestamp.IsZero())

	tail, err := s.ListEvents(ctx, "wf-1", 2)
	require.NoError(t, err)
	require.Len(t, tail, 2)
	assert.Equal(t, events.KindToolCall, tail[0].Kind)
}

func TestWorkflows(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	clock := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return clock }

	ws := state.New("wf-1", state.PipelineImplementation, "default", clock)
	ws.Issue = &state.Issue{ID: "ISSUE-7"}
	require.NoError(t, s.UpsertWorkflow(ctx, RecordFromState(ws, "/repo")))

	clock = clock.Add(time.Minute)
	ws.Status = state.StatusFailed
	ws.Error = "commit failed"
	require.NoError(t, s.UpsertWorkflow(ctx, RecordFromState(ws, "")))

	clock = clock.Add(time.Minute)
	other := state.New("wf-2", state.PipelineReview, "default", clock)
	require.NoError(t, s.UpsertWorkflow(ctx, RecordFromState(other, "/other")))

	got, err := s.GetWorkflow(ctx, "wf-1")
	require.NoError(t, err)
	assert.Equal(t, state.StatusFailed, got.Status)
	assert.Equal(t, "commit failed", got.Error)
	assert.Equal(t, "/repo", got.WorkDir, "empty work dir keeps the stored one")
	assert.Equal(t, "ISSUE-7", got.IssueID)
	assert.True(t, got.CreatedAt.Equal(ws.CreatedAt))

	_, err = s.GetWorkflow(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	list, err := s.ListWorkflows(ctx, 0)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "wf-2", list[0].ID)

	limited, err := s.ListWorkflows(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}
