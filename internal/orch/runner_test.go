package orch

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"foreman/internal/mocks"
	"foreman/pkg/config"
	"foreman/pkg/driver"
	"foreman/pkg/events"
	"foreman/pkg/persistence"
	"foreman/pkg/pipeline"
	"foreman/pkg/state"
	"foreman/pkg/tasks"
)

const planReply = `# Plan: Fix typo

**Goal:** fix the README typo.

Change "recieve" to "receive".
`

const approve = `{"approved":true,"summary":"looks good"}`

type fakeDrivers struct {
	byRole map[string]*mocks.MockDriver
	closed bool
	mu     sync.Mutex
}

func newFakeDrivers() *fakeDrivers {
	f := &fakeDrivers{byRole: map[string]*mocks.MockDriver{}}
	for _, role := range config.AgentRoles {
		f.byRole[role] = mocks.NewMockDriver("mock-" + role)
	}
	f.byRole[config.AgentArchitect].StreamMessages(driver.ResultMessage(planReply, "arch-session"))
	f.byRole[config.AgentReviewer].OnGenerate(func(_ context.Context, req driver.GenerateRequest) (driver.GenerateResult, error) {
		raw, err := req.Schema.Validate([]byte(approve))
		return driver.GenerateResult{Output: approve, Structured: raw}, err
	})
	return f
}

func (f *fakeDrivers) Driver(_ context.Context, role string) (driver.Driver, error) {
	return f.byRole[role], nil
}

func (f *fakeDrivers) Close(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeDrivers) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

type eventLog struct {
	mu     sync.Mutex
	events []events.Event
}

func (l *eventLog) Emit(_ context.Context, e events.Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
	return nil
}

func (l *eventLog) has(kind events.Kind) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, e := range l.events {
		if e.Kind == kind {
			return true
		}
	}
	return false
}

type fixture struct {
	drivers *fakeDrivers
	git     *mocks.MockGitRunner
	events  *eventLog
	profile *config.Profile
}

func newFixture(t *testing.T, autoApprove bool) *fixture {
	t.Helper()
	profile := config.Default()
	profile.WorkDir = t.TempDir()
	profile.AutoApprove = autoApprove

	git := mocks.NewMockGitRunner()
	git.RespondWithMap(map[string]string{
		"rev-parse": "abc123\n",
		"diff":      "diff --git a/README.md b/README.md\n+receive\n",
	})
	return &fixture{drivers: newFakeDrivers(), git: git, events: &eventLog{}, profile: profile}
}

func (f *fixture) runner(opts ...Option) *Runner {
	base := []Option{
		WithGitRunner(f.git),
		WithEventSink(f.events),
		WithDriverSource(func(*config.Profile, string) (pipeline.DriverSource, error) {
			return f.drivers, nil
		}),
	}
	return New(append(base, opts...)...)
}

func implementation(f *fixture) Request {
	return Request{
		Pipeline:   state.PipelineImplementation,
		Profile:    f.profile,
		WorkflowID: "wf-1",
		Issue:      &state.Issue{ID: "ISSUE-1", Title: "Fix typo"},
	}
}

func waitCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func assertUnlocked(t *testing.T, dir string) {
	t.Helper()
	lock, err := tasks.LockWorkDir(dir)
	require.NoError(t, err)
	require.NoError(t, lock.Unlock())
}

func TestStartRunsToCompletion(t *testing.T) {
	f := newFixture(t, true)
	r := f.runner()

	id, err := r.Start(context.Background(), implementation(f))
	require.NoError(t, err)
	assert.Equal(t, "wf-1", id)

	snap, err := r.Wait(waitCtx(t), id)
	require.NoError(t, err)
	assert.Equal(t, state.StatusCompleted, snap.Status)
	assert.Equal(t, state.PipelineImplementation, snap.Pipeline)
	assert.Equal(t, planReply, snap.State.PlanMarkdown)
	assert.True(t, f.events.has(events.KindWorkflowCompleted))
	assert.True(t, f.drivers.isClosed())
	assertUnlocked(t, f.profile.WorkDir)

	status, err := r.Status(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, state.StatusCompleted, status.Status)
}

func TestStartGeneratesID(t *testing.T) {
	f := newFixture(t, true)
	r := f.runner()
	req := implementation(f)
	req.WorkflowID = ""

	id, err := r.Start(context.Background(), req)
	require.NoError(t, err)
	assert.Len(t, id, 36)
	_, err = r.Wait(waitCtx(t), id)
	require.NoError(t, err)
	assert.Equal(t, []string{id}, r.List())
}

func TestApprovalPauseAndApprove(t *testing.T) {
	f := newFixture(t, false)
	r := f.runner()
	ctx := waitCtx(t)

	id, err := r.Start(ctx, implementation(f))
	require.NoError(t, err)

	snap, err := r.Wait(ctx, id)
	require.NoError(t, err)
	require.Equal(t, state.StatusPaused, snap.Status)
	assert.Equal(t, pipeline.NodeHumanApproval, snap.NextNode)
	assert.True(t, snap.State.PendingUserInput)
	assert.True(t, f.events.has(events.KindAwaitingApproval))

	_, err = tasks.LockWorkDir(f.profile.WorkDir)
	require.ErrorIs(t, err, tasks.ErrWorkDirBusy)

	require.NoError(t, r.Approve(ctx, id, true))
	snap, err = r.Wait(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, state.StatusCompleted, snap.Status)
	assert.False(t, snap.State.PendingUserInput)
	assertUnlocked(t, f.profile.WorkDir)

	assert.ErrorIs(t, r.Approve(ctx, id, true), ErrNotPaused)
}

func TestConcurrentApprovalsResumeOnce(t *testing.T) {
	f := newFixture(t, false)
	r := f.runner()
	ctx := waitCtx(t)

	id, err := r.Start(ctx, implementation(f))
	require.NoError(t, err)
	snap, err := r.Wait(ctx, id)
	require.NoError(t, err)
	require.Equal(t, state.StatusPaused, snap.Status)

	const callers = 8
	results := make(chan error, callers)
	start := make(chan struct{})
	var wg sync.WaitGroup
	for range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			results <- r.Approve(ctx, id, true)
		}()
	}
	close(start)
	wg.Wait()
	close(results)

	var accepted int
	for err := range results {
		if err == nil {
			accepted++
			continue
		}
		assert.ErrorIs(t, err, ErrNotPaused)
	}
	assert.Equal(t, 1, accepted)

	snap, err = r.Wait(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, state.StatusCompleted, snap.Status)
}

func TestRejectionCompletesWithoutDeveloper(t *testing.T) {
	f := newFixture(t, false)
	r := f.runner()
	ctx := waitCtx(t)

	id, err := r.Start(ctx, implementation(f))
	require.NoError(t, err)
	_, err = r.Wait(ctx, id)
	require.NoError(t, err)

	require.NoError(t, r.Approve(ctx, id, false))
	snap, err := r.Wait(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, state.StatusCompleted, snap.Status)
	assert.Equal(t, "plan rejected", snap.State.FinalResponse)

	_, agentic := f.drivers.byRole[config.AgentDeveloper].Calls()
	assert.Empty(t, agentic)
}

func TestSecondWorkflowOnSameDirIsRejected(t *testing.T) {
	f := newFixture(t, false)
	r := f.runner()
	ctx := waitCtx(t)

	_, err := r.Start(ctx, implementation(f))
	require.NoError(t, err)
	_, err = r.Wait(ctx, "wf-1")
	require.NoError(t, err)

	second := implementation(f)
	second.WorkflowID = "wf-2"
	_, err = r.Start(ctx, second)
	require.ErrorIs(t, err, tasks.ErrWorkDirBusy)

	_, err = r.Start(ctx, implementation(f))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already running")
}

func TestCancelPaused(t *testing.T) {
	f := newFixture(t, false)
	r := f.runner()
	ctx := waitCtx(t)

	id, err := r.Start(ctx, implementation(f))
	require.NoError(t, err)
	_, err = r.Wait(ctx, id)
	require.NoError(t, err)

	require.NoError(t, r.Cancel(ctx, id))

	snap, err := r.Status(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, state.StatusFailed, snap.Status)
	assert.Equal(t, ErrCancelled.Error(), snap.Error)
	assert.True(t, f.events.has(events.KindWorkflowFailed))
	assertUnlocked(t, f.profile.WorkDir)
	assert.ErrorIs(t, r.Approve(ctx, id, true), ErrNotPaused)
}

func TestCancelRunning(t *testing.T) {
	f := newFixture(t, true)
	started := make(chan struct{})
	f.drivers.byRole[config.AgentDeveloper].OnExecute(func(ctx context.Context, _ driver.AgenticRequest) ([]driver.AgenticMessage, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	})
	r := f.runner()
	ctx := waitCtx(t)

	id, err := r.Start(ctx, implementation(f))
	require.NoError(t, err)
	select {
	case <-started:
	case <-ctx.Done():
		t.Fatal("developer never started")
	}

	require.NoError(t, r.Cancel(ctx, id))
	snap, err := r.Wait(ctx, id)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCancelled)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, state.StatusFailed, snap.Status)
	assertUnlocked(t, f.profile.WorkDir)
}

func TestStartDoesNotDependOnCallerContext(t *testing.T) {
	f := newFixture(t, true)
	r := f.runner()

	ctx, cancel := context.WithCancel(context.Background())
	id, err := r.Start(ctx, implementation(f))
	require.NoError(t, err)
	cancel()

	snap, err := r.Wait(waitCtx(t), id)
	require.NoError(t, err)
	assert.Equal(t, state.StatusCompleted, snap.Status)
}

func TestUnknownWorkflow(t *testing.T) {
	r := newFixture(t, true).runner()
	ctx := context.Background()

	_, err := r.Status(ctx, "nope")
	assert.ErrorIs(t, err, ErrUnknownWorkflow)
	_, err = r.Wait(ctx, "nope")
	assert.ErrorIs(t, err, ErrUnknownWorkflow)
	assert.ErrorIs(t, r.Approve(ctx, "nope", true), ErrUnknownWorkflow)
	assert.ErrorIs(t, r.Cancel(ctx, "nope"), ErrUnknownWorkflow)
}

func TestStartValidation(t *testing.T) {
	f := newFixture(t, true)
	r := f.runner()
	ctx := context.Background()

	_, err := r.Start(ctx, Request{Pipeline: state.PipelineImplementation})
	assert.Error(t, err)

	_, err = r.Start(ctx, Request{Pipeline: "deploy", Profile: f.profile})
	assert.ErrorIs(t, err, pipeline.ErrUnknownPipeline)

	_, err = r.Start(ctx, Request{Pipeline: state.PipelineImplementation, Profile: f.profile})
	assert.Error(t, err)
	assert.Empty(t, r.List())
	assertUnlocked(t, f.profile.WorkDir)
}

func TestPreflightFailureBlocksStart(t *testing.T) {
	f := newFixture(t, true)
	var checked *config.Profile
	r := f.runner(WithPreflight(func(_ context.Context, p *config.Profile) error {
		checked = p
		return errors.New("claude-cli: not found")
	}))

	req := implementation(f)
	req.Preflight = true
	_, err := r.Start(context.Background(), req)

	require.EqualError(t, err, "claude-cli: not found")
	assert.Same(t, f.profile, checked)
	assert.Empty(t, r.List())
}

func TestReviewPipelineDefaultsBaseToHead(t *testing.T) {
	f := newFixture(t, true)
	r := f.runner()
	ctx := waitCtx(t)

	id, err := r.Start(ctx, Request{Pipeline: state.PipelineReview, Profile: f.profile, Goal: "harden export"})
	require.NoError(t, err)

	snap, err := r.Wait(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, state.StatusCompleted, snap.Status)
	assert.Equal(t, "abc123", snap.State.BaseCommit)
	assert.True(t, snap.State.Approved())
}

func TestAttachResumesPersistedWorkflow(t *testing.T) {
	f := newFixture(t, false)
	store, err := persistence.Open(filepath.Join(t.TempDir(), "foreman.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	ctx := waitCtx(t)

	first := f.runner(WithStore(store))
	id, err := first.Start(ctx, implementation(f))
	require.NoError(t, err)
	snap, err := first.Wait(ctx, id)
	require.NoError(t, err)
	require.Equal(t, state.StatusPaused, snap.Status)
	require.NoError(t, first.Shutdown(ctx))

	rec, err := store.GetWorkflow(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, state.StatusPaused, rec.Status)
	assert.Equal(t, "ISSUE-1", rec.IssueID)

	second := f.runner(WithStore(store))
	attached, err := second.Attach(ctx, id, f.profile)
	require.NoError(t, err)
	assert.Equal(t, state.StatusPaused, attached.Status)
	assert.Equal(t, pipeline.NodeHumanApproval, attached.NextNode)
	assert.Equal(t, planReply, attached.State.PlanMarkdown)

	require.NoError(t, second.Approve(ctx, id, true))
	snap, err = second.Wait(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, state.StatusCompleted, snap.Status)

	rec, err = store.GetWorkflow(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, state.StatusCompleted, rec.Status)

	stored, err := store.ListEvents(ctx, id, 0)
	require.NoError(t, err)
	assert.NotEmpty(t, stored)

	_, err = second.Attach(ctx, "missing", f.profile)
	assert.ErrorIs(t, err, persistence.ErrNotFound)
}

func TestAttachRequiresStore(t *testing.T) {
	_, err := newFixture(t, false).runner().Attach(context.Background(), "wf-1", config.Default())
	assert.Error(t, err)
}
