// Package orch runs workflow instances concurrently. Each instance owns a
// goroutine per run segment, its own driver factory (and so its own sessions
// and CLI semaphore), and an exclusive lock on its working directory for as
// long as it is not terminal.
package orch

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"foreman/pkg/config"
	"foreman/pkg/driver"
	"foreman/pkg/driver/factory"
	"foreman/pkg/events"
	"foreman/pkg/git"
	"foreman/pkg/graph"
	"foreman/pkg/logx"
	"foreman/pkg/metrics"
	"foreman/pkg/persistence"
	"foreman/pkg/pipeline"
	"foreman/pkg/preflight"
	"foreman/pkg/prompts"
	"foreman/pkg/state"
	"foreman/pkg/tasks"
)

var (
	// ErrUnknownWorkflow is returned for ids the runner does not track.
	ErrUnknownWorkflow = errors.New("unknown workflow")
	// ErrNotPaused is returned by Approve when the workflow is not waiting.
	ErrNotPaused = errors.New("workflow is not awaiting approval")
	// ErrCancelled is recorded on workflows stopped by Cancel.
	ErrCancelled = errors.New("workflow cancelled")
)

// Request starts one workflow instance.
type Request struct {
	// Pipeline is "implementation" or "review".
	Pipeline string
	Profile  *config.Profile
	// WorkflowID is generated when empty.
	WorkflowID string
	Issue      *state.Issue
	Goal       string
	// BaseCommit defaults to HEAD for the review pipeline.
	BaseCommit string
	// Preflight validates tools and credentials before anything runs.
	Preflight bool
}

// DriverSourceFunc builds the drivers for one workflow. The returned source
// is closed when the workflow ends if it has a Close(context.Context) error
// method.
type DriverSourceFunc func(profile *config.Profile, workflowID string) (pipeline.DriverSource, error)

// Snapshot describes a workflow as seen by Status.
type Snapshot struct {
	ID       string
	Pipeline string
	Status   state.Status
	NextNode string
	Error    string
	State    state.WorkflowState
}

// Runner starts, resumes and tracks workflow instances.
type Runner struct {
	keys     *config.Keyring
	store    *persistence.Store
	memory   *graph.MemoryCheckpointer
	sink     events.Sink
	recorder *metrics.Recorder
	git      git.Runner
	drivers  DriverSourceFunc
	checks   func(ctx context.Context, p *config.Profile) error
	logger   *logx.Logger

	mu        sync.Mutex
	workflows map[string]*workflow
}

// Option configures a Runner.
type Option func(*Runner)

// WithKeyring supplies API keys. Without one keys come from the environment.
func WithKeyring(k *config.Keyring) Option {
	return func(r *Runner) { r.keys = k }
}

// WithStore persists checkpoints, usage, events and workflow rows.
func WithStore(s *persistence.Store) Option {
	return func(r *Runner) { r.store = s }
}

// WithEventSink forwards workflow events to sink.
func WithEventSink(sink events.Sink) Option {
	return func(r *Runner) { r.sink = sink }
}

// WithRecorder instruments every driver with rec.
func WithRecorder(rec *metrics.Recorder) Option {
	return func(r *Runner) { r.recorder = rec }
}

// WithGitRunner replaces the default git runner.
func WithGitRunner(g git.Runner) Option {
	return func(r *Runner) { r.git = g }
}

// WithDriverSource replaces the per-workflow driver factory.
func WithDriverSource(fn DriverSourceFunc) Option {
	return func(r *Runner) { r.drivers = fn }
}

// WithPreflight replaces the preflight validation run for Request.Preflight.
func WithPreflight(fn func(ctx context.Context, p *config.Profile) error) Option {
	return func(r *Runner) { r.checks = fn }
}

// New creates a runner.
func New(opts ...Option) *Runner {
	r := &Runner{
		memory:    graph.NewMemoryCheckpointer(),
		git:       git.NewDefaultRunner(),
		logger:    logx.NewLogger("orch"),
		workflows: make(map[string]*workflow),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.keys == nil {
		r.keys = config.NewKeyring(nil)
	}
	if r.drivers == nil {
		r.drivers = r.factory
	}
	if r.checks == nil {
		r.checks = func(ctx context.Context, p *config.Profile) error {
			return preflight.New(p, r.keys, preflight.WithGitRunner(r.git)).Validate(ctx)
		}
	}
	return r
}

func (r *Runner) factory(profile *config.Profile, workflowID string) (pipeline.DriverSource, error) {
	var opts []factory.Option
	if r.recorder != nil {
		opts = append(opts, factory.WithWrapper(func(role string, d driver.Driver) driver.Driver {
			model := profile.Agent(role).Model
			return metrics.WrapDriver(d, r.recorder, workflowID, role, func(u driver.Usage) driver.Usage {
				return config.WithCost(model, u)
			})
		}))
	}
	return factory.New(profile, r.keys, workflowID, opts...), nil
}

func (r *Runner) checkpointer() graph.Checkpointer {
	if r.store != nil {
		return r.store
	}
	return r.memory
}

// Start validates req, takes the working-directory lock and runs the
// workflow until it pauses or ends. It returns once the run has begun.
func (r *Runner) Start(ctx context.Context, req Request) (string, error) {
	if req.Profile == nil {
		return "", fmt.Errorf("start: profile is required")
	}
	p, err := pipeline.Lookup(req.Pipeline)
	if err != nil {
		return "", err
	}
	if req.Preflight {
		if err := r.checks(ctx, req.Profile); err != nil {
			return "", err
		}
	}

	id := req.WorkflowID
	if id == "" {
		id = uuid.NewString()
	}
	base := req.BaseCommit
	if base == "" && req.Pipeline == state.PipelineReview {
		if base, err = git.HeadCommit(ctx, r.git, req.Profile.WorkDir); err != nil {
			return "", fmt.Errorf("resolve base commit: %w", err)
		}
	}
	s, err := p.InitialState(pipeline.Params{
		WorkflowID:      id,
		ProfileID:       req.Profile.ID,
		Issue:           req.Issue,
		Goal:            req.Goal,
		BaseCommit:      base,
		MaxReviewPasses: req.Profile.Limits.MaxReviewPasses,
	})
	if err != nil {
		return "", err
	}

	w, err := r.open(p, id, req.Profile)
	if err != nil {
		return "", err
	}
	w.state = s
	r.persist(ctx, w)
	r.logger.Info("workflow %s started (%s pipeline, %s)", id, p.Metadata.Name, req.Profile.WorkDir)

	r.launch(ctx, w, func(ctx context.Context) (pipeline.Outcome, error) {
		return pipeline.Run(ctx, w.graph, s, w.rc)
	})
	return id, nil
}

// Attach registers a workflow persisted by an earlier process so it can be
// approved and resumed. The workflow must have a checkpoint.
func (r *Runner) Attach(ctx context.Context, id string, profile *config.Profile) (Snapshot, error) {
	if r.store == nil {
		return Snapshot{}, fmt.Errorf("attach %s: persistence is disabled", id)
	}
	if w := r.lookup(id); w != nil {
		return w.snapshot(), nil
	}
	rec, err := r.store.GetWorkflow(ctx, id)
	if err != nil {
		return Snapshot{}, err
	}
	if rec.Status.IsTerminal() {
		return Snapshot{}, fmt.Errorf("workflow %s already %s", id, rec.Status)
	}
	p, err := pipeline.Lookup(rec.Pipeline)
	if err != nil {
		return Snapshot{}, err
	}

	w, err := r.open(p, id, profile)
	if err != nil {
		return Snapshot{}, err
	}
	snap, ok, err := w.graph.Snapshot(ctx, id)
	switch {
	case err != nil:
	case !ok:
		err = graph.ErrNoCheckpoint
	case snap.Checkpoint.Done():
		err = fmt.Errorf("run already finished")
	}
	if err != nil {
		r.release(ctx, w)
		r.forget(id)
		return Snapshot{}, fmt.Errorf("attach %s: %w", id, err)
	}

	w.mu.Lock()
	w.state = snap.State
	w.state.Status = state.StatusPaused
	w.nextNode = snap.Checkpoint.NextNode
	w.mu.Unlock()
	r.logger.Info("workflow %s attached (next node %s)", id, snap.Checkpoint.NextNode)
	return w.snapshot(), nil
}

// Approve records the approval decision and resumes a paused workflow.
func (r *Runner) Approve(ctx context.Context, id string, approved bool) error {
	w := r.lookup(id)
	if w == nil {
		return fmt.Errorf("%s: %w", id, ErrUnknownWorkflow)
	}
	w.mu.Lock()
	if w.state.Status != state.StatusPaused || w.running() {
		w.mu.Unlock()
		return fmt.Errorf("%s: %w", id, ErrNotPaused)
	}
	seg := w.beginSegment(ctx)
	w.mu.Unlock()

	r.logger.Info("workflow %s approval: %t", id, approved)
	update := state.NewUpdate().HumanApproved(approved)
	r.runSegment(w, seg, func(ctx context.Context) (pipeline.Outcome, error) {
		return pipeline.Resume(ctx, w.graph, w.rc, update)
	})
	return nil
}

// Wait blocks until the workflow's current run segment settles, i.e. it is
// paused or terminal, and returns the settled snapshot with the run error.
func (r *Runner) Wait(ctx context.Context, id string) (Snapshot, error) {
	w := r.lookup(id)
	if w == nil {
		return Snapshot{}, fmt.Errorf("%s: %w", id, ErrUnknownWorkflow)
	}
	w.mu.Lock()
	done := w.done
	w.mu.Unlock()

	select {
	case <-done:
	case <-ctx.Done():
		return w.snapshot(), ctx.Err()
	}
	w.mu.Lock()
	err := w.err
	w.mu.Unlock()
	return w.snapshot(), err
}

// Status reports a tracked workflow, falling back to the persisted row.
func (r *Runner) Status(ctx context.Context, id string) (Snapshot, error) {
	if w := r.lookup(id); w != nil {
		return w.snapshot(), nil
	}
	if r.store != nil {
		rec, err := r.store.GetWorkflow(ctx, id)
		if err == nil {
			return Snapshot{ID: rec.ID, Pipeline: rec.Pipeline, Status: rec.Status, Error: rec.Error}, nil
		}
		if !errors.Is(err, persistence.ErrNotFound) {
			return Snapshot{}, err
		}
	}
	return Snapshot{}, fmt.Errorf("%s: %w", id, ErrUnknownWorkflow)
}

// Cancel stops a running segment, or fails a paused workflow outright.
func (r *Runner) Cancel(ctx context.Context, id string) error {
	w := r.lookup(id)
	if w == nil {
		return fmt.Errorf("%s: %w", id, ErrUnknownWorkflow)
	}
	w.mu.Lock()
	if w.running() {
		w.cancelled = true
		cancel := w.cancel
		w.mu.Unlock()
		r.logger.Info("workflow %s: cancelling", id)
		cancel()
		return nil
	}
	if w.state.Status.IsTerminal() {
		w.mu.Unlock()
		return nil
	}
	next, err := w.state.Apply(state.NewUpdate().
		Status(state.StatusFailed).
		Error(ErrCancelled.Error()).
		AddHistory("orch", "cancelled", ""))
	if err == nil {
		w.state = next
	}
	w.mu.Unlock()

	r.persist(ctx, w)
	events.NewEmitter(w.rc.Events).Emit(ctx, events.Event{
		Kind: events.KindWorkflowFailed, WorkflowID: id, Content: ErrCancelled.Error(), IsError: true,
	})
	r.release(ctx, w)
	return err
}

// List returns the ids of tracked workflows.
func (r *Runner) List() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.workflows))
	for id := range r.workflows {
		ids = append(ids, id)
	}
	return ids
}

// Shutdown cancels running segments, waits for them to settle and releases
// every lock. Paused workflows stay paused so a later process can attach.
func (r *Runner) Shutdown(ctx context.Context) error {
	for _, id := range r.List() {
		w := r.lookup(id)
		w.mu.Lock()
		running := w.running()
		w.mu.Unlock()
		if running {
			_ = r.Cancel(ctx, id)
		}
	}
	for _, id := range r.List() {
		if _, err := r.Wait(ctx, id); err != nil && ctx.Err() != nil {
			return ctx.Err()
		}
		r.release(ctx, r.lookup(id))
	}
	return nil
}

func (r *Runner) forget(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.workflows, id)
}

func (r *Runner) lookup(id string) *workflow {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.workflows[id]
}

// open builds the graph, drivers and lock for a workflow and registers it.
func (r *Runner) open(p pipeline.Pipeline, id string, profile *config.Profile) (*workflow, error) {
	if r.lookup(id) != nil {
		return nil, fmt.Errorf("workflow %s is already running", id)
	}
	set, err := prompts.New(profile.Prompts)
	if err != nil {
		return nil, err
	}
	lock, err := tasks.LockWorkDir(profile.WorkDir)
	if err != nil {
		return nil, err
	}

	g, err := p.CreateGraph(r.checkpointer(),
		pipeline.AutoApprove(profile.AutoApprove),
		pipeline.WithObserver(r.observe))
	if err != nil {
		_ = lock.Unlock()
		return nil, err
	}
	drivers, err := r.drivers(profile, id)
	if err != nil {
		_ = lock.Unlock()
		return nil, fmt.Errorf("create drivers: %w", err)
	}

	rc := pipeline.RunContext{
		ThreadID: id,
		Profile:  profile,
		Drivers:  drivers,
		Git:      r.git,
		Events:   r.eventSink(),
		Prompts:  set,
	}
	if r.store != nil {
		rc.Repository = r.store
	}

	done := make(chan struct{})
	close(done)
	w := &workflow{
		id:       id,
		pipeline: p.Metadata.Name,
		profile:  profile,
		graph:    g,
		rc:       rc,
		lock:     lock,
		drivers:  drivers,
		done:     done,
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.workflows[id]; exists {
		_ = lock.Unlock()
		return nil, fmt.Errorf("workflow %s is already running", id)
	}
	r.workflows[id] = w
	return w, nil
}

func (r *Runner) eventSink() events.Sink {
	var sinks []events.Sink
	if r.sink != nil {
		sinks = append(sinks, r.sink)
	}
	if r.store != nil {
		sinks = append(sinks, r.store)
	}
	return events.Multi(sinks...)
}

// segment is one run of a workflow between pauses.
type segment struct {
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// beginSegment marks w running. The caller holds w.mu, so the check that w
// was idle and the switch to running happen atomically. The segment context
// survives the caller's cancellation; Cancel is the way to stop it.
func (w *workflow) beginSegment(ctx context.Context) segment {
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	w.cancel = cancel
	w.err = nil
	w.state.Status = state.StatusRunning
	w.done = make(chan struct{})
	return segment{ctx: runCtx, cancel: cancel, done: w.done}
}

// launch runs fn on its own goroutine.
func (r *Runner) launch(ctx context.Context, w *workflow, fn func(ctx context.Context) (pipeline.Outcome, error)) {
	w.mu.Lock()
	seg := w.beginSegment(ctx)
	w.mu.Unlock()
	r.runSegment(w, seg, fn)
}

func (r *Runner) runSegment(w *workflow, seg segment, fn func(ctx context.Context) (pipeline.Outcome, error)) {
	runCtx, cancel, done := seg.ctx, seg.cancel, seg.done

	go func() {
		defer close(done)
		defer cancel()

		out, err := fn(runCtx)

		w.mu.Lock()
		if w.cancelled && err != nil {
			err = fmt.Errorf("%w: %w", ErrCancelled, err)
		}
		if out.State.WorkflowID != "" {
			w.state = out.State
		}
		if err != nil && !w.state.Status.IsTerminal() {
			// Failed before the pipeline could settle a status.
			w.state.Status = state.StatusFailed
			w.state.Error = err.Error()
		}
		w.nextNode = out.NextNode
		w.err = err
		w.cancel = nil
		status := w.state.Status
		w.mu.Unlock()

		r.persist(runCtx, w)
		switch {
		case err != nil:
			r.logger.Error("workflow %s failed: %v", w.id, err)
		case status == state.StatusPaused:
			r.logger.Info("workflow %s paused before %s", w.id, out.NextNode)
		default:
			r.logger.Info("workflow %s %s", w.id, status)
		}
		if status.IsTerminal() {
			r.release(runCtx, w)
		}
	}()
}

// persist writes the workflow row. Failures are logged only.
func (r *Runner) persist(ctx context.Context, w *workflow) {
	if r.store == nil {
		return
	}
	w.mu.Lock()
	rec := persistence.RecordFromState(w.state, w.profile.WorkDir)
	w.mu.Unlock()
	if err := r.store.UpsertWorkflow(context.WithoutCancel(ctx), rec); err != nil {
		r.logger.Warn("persist workflow %s: %v", w.id, err)
	}
}

// release drops the lock and drivers of a workflow that will not run again.
// The workflow stays tracked so Status and Wait keep answering.
func (r *Runner) release(ctx context.Context, w *workflow) {
	w.mu.Lock()
	lock, drivers := w.lock, w.drivers
	w.lock, w.drivers = nil, nil
	w.mu.Unlock()

	if c, ok := drivers.(interface{ Close(context.Context) error }); ok {
		if err := c.Close(context.WithoutCancel(ctx)); err != nil {
			r.logger.Warn("workflow %s: close drivers: %v", w.id, err)
		}
	}
	if err := lock.Unlock(); err != nil {
		r.logger.Warn("workflow %s: %v", w.id, err)
	}
}

func (r *Runner) observe(e graph.Event) {
	switch e.Kind {
	case graph.NodeFailed:
		r.logger.Warn("%s %s: node %s failed at step %d: %v", e.Graph, e.ThreadID, e.Node, e.Step, e.Err)
	case graph.NodeCompleted:
		r.logger.Debug("%s %s: node %s done in %s", e.Graph, e.ThreadID, e.Node, e.Duration)
	default:
		r.logger.Debug("%s %s: %s %s", e.Graph, e.ThreadID, e.Kind, e.Node)
	}
}

type workflow struct {
	id       string
	pipeline string
	profile  *config.Profile
	graph    *pipeline.Graph
	rc       pipeline.RunContext

	mu        sync.Mutex
	lock      *tasks.WorkDirLock
	drivers   pipeline.DriverSource
	state     state.WorkflowState
	nextNode  string
	err       error
	cancel    context.CancelFunc
	cancelled bool
	done      chan struct{}
}

// running must be called with mu held.
func (w *workflow) running() bool { return w.cancel != nil }

func (w *workflow) snapshot() Snapshot {
	w.mu.Lock()
	defer w.mu.Unlock()
	return Snapshot{
		ID:       w.id,
		Pipeline: w.pipeline,
		Status:   w.state.Status,
		NextNode: w.nextNode,
		Error:    w.state.Error,
		State:    w.state,
	}
}
