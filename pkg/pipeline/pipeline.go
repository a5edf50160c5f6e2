// Package pipeline defines the node functions and the two fixed workflow
// graphs: implementation (plan, approve, implement task by task, review) and
// review-fix (review, evaluate feedback, fix).
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"foreman/pkg/config"
	"foreman/pkg/driver"
	"foreman/pkg/events"
	"foreman/pkg/git"
	"foreman/pkg/graph"
	"foreman/pkg/logx"
	"foreman/pkg/persistence"
	"foreman/pkg/prompts"
	"foreman/pkg/routing"
	"foreman/pkg/state"
)

// Node names shared by both pipelines.
const (
	NodeArchitect     = "architect"
	NodePlanValidator = "plan_validator"
	NodeHumanApproval = "human_approval"
	NodeDeveloper     = "developer"
	NodeReviewer      = "reviewer"
	NodeNextTask      = "next_task"
	NodeEvaluate      = "evaluate"
)

// Graph is a compiled workflow graph.
type Graph = graph.Compiled[state.WorkflowState, *state.Update, RunContext]

// Config is the per-run configuration handed to nodes and routers.
type Config = graph.RunConfig[RunContext]

// DriverSource hands out the driver configured for an agent role.
type DriverSource interface {
	Driver(ctx context.Context, role string) (driver.Driver, error)
}

// UsageRepository stores per-call token usage. Failures are logged, never
// propagated.
type UsageRepository interface {
	RecordUsage(ctx context.Context, rec persistence.UsageRecord) error
}

// RunContext is everything a node needs besides the workflow state.
type RunContext struct {
	ThreadID string
	Profile  *config.Profile
	Drivers  DriverSource
	Git      git.Runner

	// Optional collaborators.
	Events     events.Sink
	Repository UsageRepository
	Prompts    *prompts.Set
	Now        func() time.Time
}

func (rc RunContext) now() time.Time {
	if rc.Now != nil {
		return rc.Now().UTC()
	}
	return time.Now().UTC()
}

func (rc RunContext) prompts() *prompts.Set {
	if rc.Prompts != nil {
		return rc.Prompts
	}
	return prompts.MustDefault()
}

func (rc RunContext) profile() *config.Profile {
	if rc.Profile != nil {
		return rc.Profile
	}
	return config.Default()
}

func (rc RunContext) limits() routing.Limits {
	return routing.Limits{MaxReviewIterations: rc.profile().Limits.MaxReviewIterations}
}

func (rc RunContext) validate() error {
	if rc.Drivers == nil {
		return driver.NewValidationError("drivers", "run context has no driver source")
	}
	if rc.Git == nil {
		return driver.NewValidationError("git", "run context has no git runner")
	}
	return nil
}

// Metadata describes a pipeline.
type Metadata struct {
	Name        string
	Description string
	Nodes       []string
}

// Params seeds a new workflow instance.
type Params struct {
	WorkflowID string
	ProfileID  string
	Issue      *state.Issue
	// Goal is required by the review pipeline when there is no issue.
	Goal string
	// BaseCommit is what the review pipeline diffs against; empty means HEAD.
	BaseCommit      string
	MaxReviewPasses int
	Now             time.Time
}

// Pipeline is one of the fixed workflow definitions.
type Pipeline struct {
	Metadata     Metadata
	CreateGraph  func(cp graph.Checkpointer, opts ...Option) (*Graph, error)
	InitialState func(p Params) (state.WorkflowState, error)
}

var registry = map[string]Pipeline{
	state.PipelineImplementation: Implementation(),
	state.PipelineReview:         ReviewFix(),
}

// ErrUnknownPipeline is returned by Lookup.
var ErrUnknownPipeline = errors.New("unknown pipeline")

// Lookup returns the pipeline registered under name.
func Lookup(name string) (Pipeline, error) {
	p, ok := registry[name]
	if !ok {
		return Pipeline{}, fmt.Errorf("%w %q (have %v)", ErrUnknownPipeline, name, Names())
	}
	return p, nil
}

// Names lists the registered pipelines.
func Names() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Outcome is a graph result with the workflow status settled.
type Outcome struct {
	State       state.WorkflowState
	Interrupted bool
	NextNode    string
}

// Run invokes g from its entry point and settles the final status.
func Run(ctx context.Context, g *Graph, s state.WorkflowState, rc RunContext) (Outcome, error) {
	if err := rc.validate(); err != nil {
		return Outcome{State: s}, err
	}
	started, err := s.Apply(state.NewUpdate().
		Status(state.StatusRunning).
		AddHistory("pipeline", "started", g.Name()))
	if err != nil {
		return Outcome{State: s}, err
	}
	res, err := g.Invoke(ctx, started, Config{ThreadID: rc.ThreadID, Config: rc})
	return settle(ctx, rc, res, err)
}

// Resume continues an interrupted run, merging update first.
func Resume(ctx context.Context, g *Graph, rc RunContext, update *state.Update) (Outcome, error) {
	if err := rc.validate(); err != nil {
		return Outcome{}, err
	}
	if update == nil {
		update = state.NewUpdate()
	}
	update.Status(state.StatusRunning).PendingUserInput(false)
	res, err := g.Resume(ctx, Config{ThreadID: rc.ThreadID, Config: rc}, &update)
	return settle(ctx, rc, res, err)
}

// settle maps the graph result to a workflow status: paused on interrupt,
// failed on error, completed at END.
func settle(ctx context.Context, rc RunContext, res graph.Result[state.WorkflowState], runErr error) (Outcome, error) {
	emitter := events.NewEmitter(rc.Events)
	s := res.State
	out := Outcome{Interrupted: res.Interrupted, NextNode: res.NextNode}

	var u *state.Update
	switch {
	case runErr != nil:
		u = state.NewUpdate().
			Status(state.StatusFailed).
			Error(runErr.Error()).
			AddHistory("pipeline", "failed", runErr.Error())
	case res.Interrupted:
		u = state.NewUpdate().
			Status(state.StatusPaused).
			PendingUserInput(true).
			AddHistory("pipeline", "paused", "before "+res.NextNode)
	default:
		u = state.NewUpdate().Status(state.StatusCompleted).AddHistory("pipeline", "completed", "")
	}

	next, err := s.Apply(u)
	if err != nil {
		// Status changes cannot break task invariants; keep the raw state if they do.
		logx.NewLogger("pipeline").Error("settle %s: %v", s.WorkflowID, err)
		next = s
	}
	out.State = next

	switch next.Status {
	case state.StatusFailed:
		emitter.Emit(ctx, events.Event{Kind: events.KindWorkflowFailed, WorkflowID: next.WorkflowID, Content: next.Error, IsError: true})
	case state.StatusPaused:
		emitter.Emit(ctx, events.Event{Kind: events.KindAwaitingApproval, WorkflowID: next.WorkflowID, Content: next.PlanPath})
	case state.StatusCompleted:
		emitter.Emit(ctx, events.Event{Kind: events.KindWorkflowCompleted, WorkflowID: next.WorkflowID, Content: next.FinalResponse})
	}
	return out, runErr
}
