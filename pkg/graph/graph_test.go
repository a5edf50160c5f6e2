package graph

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testState struct {
	Count int      `json:"count"`
	Path  []string `json:"path"`
	Gate  bool     `json:"gate"`
}

type testUpdate struct {
	Add   int
	Visit string
	Gate  *bool
}

type testConfig struct {
	Limit int
}

func reduce(s testState, u testUpdate) (testState, error) {
	if u.Add < 0 {
		return s, errors.New("negative add")
	}
	out := testState{Count: s.Count + u.Add, Gate: s.Gate}
	out.Path = append(append([]string(nil), s.Path...), u.Visit)
	if u.Gate != nil {
		out.Gate = *u.Gate
	}
	return out, nil
}

func visit(name string) NodeFunc[testState, testUpdate, testConfig] {
	return func(context.Context, testState, RunConfig[testConfig]) (testUpdate, error) {
		return testUpdate{Add: 1, Visit: name}, nil
	}
}

var loopRouter = Router[testState, testConfig]{
	Labels: []string{"again", "done"},
	Route: func(s testState, cfg testConfig) string {
		if s.Count < cfg.Limit {
			return "again"
		}
		return "done"
	},
}

func loopGraph() *Graph[testState, testUpdate, testConfig] {
	return New[testState, testUpdate, testConfig]("loop", reduce).
		AddNode("start", visit("start")).
		AddNode("work", visit("work")).
		AddEdge("start", "work").
		AddConditionalEdges("work", loopRouter, map[string]string{"again": "work", "done": END}).
		SetEntryPoint("start")
}

func TestInvokeLoopsUntilRouterEnds(t *testing.T) {
	g, err := loopGraph().Compile()
	require.NoError(t, err)

	res, err := g.Invoke(context.Background(), testState{}, RunConfig[testConfig]{Config: testConfig{Limit: 4}})
	require.NoError(t, err)
	assert.Equal(t, 4, res.State.Count)
	assert.Equal(t, []string{"start", "work", "work", "work"}, res.State.Path)
	assert.Equal(t, END, res.NextNode)
	assert.False(t, res.Interrupted)
	assert.Equal(t, 4, res.Steps)
}

func TestCompileValidation(t *testing.T) {
	tests := []struct {
		name  string
		build func() *Graph[testState, testUpdate, testConfig]
		want  string
	}{
		{
			name: "unmapped label",
			build: func() *Graph[testState, testUpdate, testConfig] {
				return New[testState, testUpdate, testConfig]("g", reduce).
					AddNode("a", visit("a")).
					AddConditionalEdges("a", loopRouter, map[string]string{"again": "a"}).
					SetEntryPoint("a")
			},
			want: `label "done" is not mapped`,
		},
		{
			name: "undeclared label",
			build: func() *Graph[testState, testUpdate, testConfig] {
				return New[testState, testUpdate, testConfig]("g", reduce).
					AddNode("a", visit("a")).
					AddConditionalEdges("a", loopRouter, map[string]string{"again": "a", "done": END, "extra": END}).
					SetEntryPoint("a")
			},
			want: `mapped label "extra" is not declared`,
		},
		{
			name: "missing entry",
			build: func() *Graph[testState, testUpdate, testConfig] {
				return New[testState, testUpdate, testConfig]("g", reduce).AddNode("a", visit("a")).AddEdge("a", END)
			},
			want: "entry point not set",
		},
		{
			name: "unknown target",
			build: func() *Graph[testState, testUpdate, testConfig] {
				return New[testState, testUpdate, testConfig]("g", reduce).
					AddNode("a", visit("a")).AddEdge("a", "b").SetEntryPoint("a")
			},
			want: "targets unknown node",
		},
		{
			name: "dangling node",
			build: func() *Graph[testState, testUpdate, testConfig] {
				return New[testState, testUpdate, testConfig]("g", reduce).
					AddNode("a", visit("a")).AddNode("b", visit("b")).AddEdge("a", END).SetEntryPoint("a")
			},
			want: "node b has no outgoing edge",
		},
		{
			name: "duplicate node",
			build: func() *Graph[testState, testUpdate, testConfig] {
				return New[testState, testUpdate, testConfig]("g", reduce).
					AddNode("a", visit("a")).AddNode("a", visit("a")).AddEdge("a", END).SetEntryPoint("a")
			},
			want: "duplicate node a",
		},
		{
			name: "both edge kinds",
			build: func() *Graph[testState, testUpdate, testConfig] {
				return New[testState, testUpdate, testConfig]("g", reduce).
					AddNode("a", visit("a")).
					AddEdge("a", END).
					AddConditionalEdges("a", loopRouter, map[string]string{"again": "a", "done": END}).
					SetEntryPoint("a")
			},
			want: "both an edge and conditional edges",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.build().Compile()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}

	_, err := loopGraph().Compile(WithInterruptBefore("nope"))
	assert.ErrorContains(t, err, "interrupt before unknown node nope")
}

func TestRouterReturningUnknownLabel(t *testing.T) {
	bad := Router[testState, testConfig]{
		Labels: []string{"x"},
		Route:  func(testState, testConfig) string { return "y" },
	}
	g, err := New[testState, testUpdate, testConfig]("g", reduce).
		AddNode("a", visit("a")).
		AddConditionalEdges("a", bad, map[string]string{"x": END}).
		SetEntryPoint("a").
		Compile()
	require.NoError(t, err)

	_, err = g.Invoke(context.Background(), testState{}, RunConfig[testConfig]{})
	assert.ErrorIs(t, err, ErrUnknownRoute)
}

func TestNodeErrorKeepsLastGoodState(t *testing.T) {
	boom := errors.New("boom")
	g, err := New[testState, testUpdate, testConfig]("g", reduce).
		AddNode("a", visit("a")).
		AddNode("b", func(context.Context, testState, RunConfig[testConfig]) (testUpdate, error) {
			return testUpdate{}, boom
		}).
		AddEdge("a", "b").
		AddEdge("b", END).
		SetEntryPoint("a").
		Compile()
	require.NoError(t, err)

	res, err := g.Invoke(context.Background(), testState{}, RunConfig[testConfig]{})
	var nodeErr *NodeError
	require.ErrorAs(t, err, &nodeErr)
	assert.Equal(t, "b", nodeErr.Node)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, []string{"a"}, res.State.Path)
}

func TestReducerErrorIsNodeError(t *testing.T) {
	g, err := New[testState, testUpdate, testConfig]("g", reduce).
		AddNode("a", func(context.Context, testState, RunConfig[testConfig]) (testUpdate, error) {
			return testUpdate{Add: -1}, nil
		}).
		AddEdge("a", END).
		SetEntryPoint("a").
		Compile()
	require.NoError(t, err)

	_, err = g.Invoke(context.Background(), testState{}, RunConfig[testConfig]{})
	var nodeErr *NodeError
	assert.ErrorAs(t, err, &nodeErr)
}

func TestMaxSteps(t *testing.T) {
	g, err := loopGraph().Compile(WithMaxSteps(3))
	require.NoError(t, err)

	res, err := g.Invoke(context.Background(), testState{}, RunConfig[testConfig]{Config: testConfig{Limit: 100}})
	assert.ErrorIs(t, err, ErrMaxSteps)
	assert.Equal(t, 3, res.State.Count)
}

func TestCancelledContext(t *testing.T) {
	g, err := loopGraph().Compile()
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = g.Invoke(ctx, testState{}, RunConfig[testConfig]{})
	assert.ErrorIs(t, err, context.Canceled)
}

func gatedGraph(t *testing.T, cp Checkpointer) *Compiled[testState, testUpdate, testConfig] {
	t.Helper()
	gate := Router[testState, testConfig]{
		Labels: []string{"open", "closed"},
		Route: func(s testState, _ testConfig) string {
			if s.Gate {
				return "open"
			}
			return "closed"
		},
	}
	g, err := New[testState, testUpdate, testConfig]("gated", reduce).
		AddNode("plan", visit("plan")).
		AddNode("approval", visit("approval")).
		AddNode("build", visit("build")).
		AddEdge("plan", "approval").
		AddConditionalEdges("approval", gate, map[string]string{"open": "build", "closed": END}).
		AddEdge("build", END).
		SetEntryPoint("plan").
		Compile(WithCheckpointer(cp), WithInterruptBefore("approval"))
	require.NoError(t, err)
	return g
}

func TestInterruptAndResume(t *testing.T) {
	ctx := context.Background()
	cp := NewMemoryCheckpointer()
	g := gatedGraph(t, cp)
	cfg := RunConfig[testConfig]{ThreadID: "t1"}

	res, err := g.Invoke(ctx, testState{}, cfg)
	require.NoError(t, err)
	assert.True(t, res.Interrupted)
	assert.Equal(t, "approval", res.NextNode)
	assert.Equal(t, []string{"plan"}, res.State.Path)

	snap, ok, err := g.Snapshot(ctx, "t1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, snap.Checkpoint.Interrupted)
	assert.Equal(t, "approval", snap.Checkpoint.NextNode)
	assert.Equal(t, 1, snap.Checkpoint.Step)

	open := true
	res, err = g.Resume(ctx, cfg, &testUpdate{Gate: &open, Visit: "human"})
	require.NoError(t, err)
	assert.False(t, res.Interrupted)
	assert.Equal(t, END, res.NextNode)
	assert.Equal(t, []string{"plan", "human", "approval", "build"}, res.State.Path)

	snap, _, err = g.Snapshot(ctx, "t1")
	require.NoError(t, err)
	assert.True(t, snap.Checkpoint.Done())

	// Resuming a finished run is a no-op.
	res, err = g.Resume(ctx, cfg, nil)
	require.NoError(t, err)
	assert.Equal(t, END, res.NextNode)
	assert.Len(t, res.State.Path, 4)
}

func TestResumeRejected(t *testing.T) {
	ctx := context.Background()
	g := gatedGraph(t, NewMemoryCheckpointer())
	cfg := RunConfig[testConfig]{ThreadID: "t2"}

	_, err := g.Invoke(ctx, testState{}, cfg)
	require.NoError(t, err)

	res, err := g.Resume(ctx, cfg, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"plan", "approval"}, res.State.Path)
}

func TestResumeWithoutCheckpoint(t *testing.T) {
	g := gatedGraph(t, NewMemoryCheckpointer())
	_, err := g.Resume(context.Background(), RunConfig[testConfig]{ThreadID: "missing"}, nil)
	assert.ErrorIs(t, err, ErrNoCheckpoint)
}

func TestObserver(t *testing.T) {
	var events []Event
	g, err := loopGraph().Compile(WithObserver(func(e Event) { events = append(events, e) }))
	require.NoError(t, err)

	_, err = g.Invoke(context.Background(), testState{}, RunConfig[testConfig]{ThreadID: "obs", Config: testConfig{Limit: 2}})
	require.NoError(t, err)

	var kinds []EventKind
	for _, e := range events {
		kinds = append(kinds, e.Kind)
		assert.Equal(t, "loop", e.Graph)
		assert.Equal(t, "obs", e.ThreadID)
	}
	assert.Equal(t, []EventKind{NodeStarted, NodeCompleted, NodeStarted, NodeCompleted, Finished}, kinds)
}
