package pipeline

import (
	"fmt"
	"time"

	"foreman/pkg/config"
	"foreman/pkg/graph"
	"foreman/pkg/logx"
	"foreman/pkg/routing"
	"foreman/pkg/state"
)

// DefaultMaxSteps bounds one run. Task mode executes up to
// (2*iterations + 1) nodes per task, so the graph default is too small.
const DefaultMaxSteps = 512

type buildOptions struct {
	autoApprove bool
	maxSteps    int
	observer    graph.Observer
}

// Option configures CreateGraph.
type Option func(*buildOptions)

// AutoApprove compiles the implementation graph without the approval pause.
func AutoApprove(enabled bool) Option {
	return func(o *buildOptions) { o.autoApprove = enabled }
}

// WithMaxSteps overrides DefaultMaxSteps.
func WithMaxSteps(n int) Option {
	return func(o *buildOptions) { o.maxSteps = n }
}

// WithObserver registers a graph observer.
func WithObserver(fn graph.Observer) Option {
	return func(o *buildOptions) { o.observer = fn }
}

func compileOptions(name string, cp graph.Checkpointer, opts []Option) (buildOptions, []graph.Option) {
	bo := buildOptions{maxSteps: DefaultMaxSteps}
	for _, opt := range opts {
		opt(&bo)
	}
	gopts := []graph.Option{
		graph.WithMaxSteps(bo.maxSteps),
		graph.WithLogger(logx.NewLogger("graph." + name)),
	}
	if cp != nil {
		gopts = append(gopts, graph.WithCheckpointer(cp))
	}
	if bo.observer != nil {
		gopts = append(gopts, graph.WithObserver(bo.observer))
	}
	return bo, gopts
}

var (
	approvalRouter = graph.Router[state.WorkflowState, RunContext]{
		Labels: routing.ApprovalLabels,
		Route:  func(s state.WorkflowState, _ RunContext) string { return routing.RouteApproval(s) },
	}
	reviewRouter = graph.Router[state.WorkflowState, RunContext]{
		Labels: routing.ReviewLabels,
		Route:  func(s state.WorkflowState, rc RunContext) string { return routing.RouteAfterReview(s, rc.limits()) },
	}
	evaluationRouter = graph.Router[state.WorkflowState, RunContext]{
		Labels: routing.EvaluationLabels,
		Route:  func(s state.WorkflowState, _ RunContext) string { return routing.RouteAfterEvaluation(s) },
	}
)

// Implementation plans an issue, waits for approval, then implements and
// reviews it one task at a time.
func Implementation() Pipeline {
	nodes := []string{NodeArchitect, NodePlanValidator, NodeHumanApproval, NodeDeveloper, NodeReviewer, NodeNextTask}
	return Pipeline{
		Metadata: Metadata{
			Name:        state.PipelineImplementation,
			Description: "plan, approve, implement and review an issue task by task",
			Nodes:       nodes,
		},
		CreateGraph: func(cp graph.Checkpointer, opts ...Option) (*Graph, error) {
			bo, gopts := compileOptions(state.PipelineImplementation, cp, opts)
			if !bo.autoApprove {
				gopts = append(gopts, graph.WithInterruptBefore(NodeHumanApproval))
			}
			g := graph.New[state.WorkflowState, *state.Update, RunContext](state.PipelineImplementation, state.Merge).
				AddNode(NodeArchitect, stage(NodeArchitect, architect)).
				AddNode(NodePlanValidator, stage(NodePlanValidator, planValidator)).
				AddNode(NodeHumanApproval, stage(NodeHumanApproval, humanApproval)).
				AddNode(NodeDeveloper, stage(NodeDeveloper, developer)).
				AddNode(NodeReviewer, stage(NodeReviewer, reviewer)).
				AddNode(NodeNextTask, stage(NodeNextTask, nextTask)).
				SetEntryPoint(NodeArchitect).
				AddEdge(NodeArchitect, NodePlanValidator).
				AddEdge(NodePlanValidator, NodeHumanApproval).
				AddConditionalEdges(NodeHumanApproval, approvalRouter, map[string]string{
					routing.LabelApprove: NodeDeveloper,
					routing.LabelReject:  graph.END,
				}).
				AddEdge(NodeDeveloper, NodeReviewer).
				AddConditionalEdges(NodeReviewer, reviewRouter, map[string]string{
					routing.LabelDeveloper: NodeDeveloper,
					routing.LabelNextTask:  NodeNextTask,
					routing.End:            graph.END,
				}).
				AddEdge(NodeNextTask, NodeDeveloper)
			return g.Compile(gopts...)
		},
		InitialState: func(p Params) (state.WorkflowState, error) {
			if p.Issue == nil || p.Issue.ID == "" {
				return state.WorkflowState{}, fmt.Errorf("implementation pipeline requires an issue id")
			}
			s := newState(p, state.PipelineImplementation)
			return s.Apply(state.NewUpdate().
				Issue(*p.Issue).
				MaxReviewPasses(maxPasses(p)).
				AddHistory("pipeline", "created", p.Issue.ID))
		},
	}
}

// ReviewFix reviews existing changes, evaluates the feedback, and fixes what
// should be fixed until nothing is left or the pass budget is spent.
func ReviewFix() Pipeline {
	nodes := []string{NodeReviewer, NodeEvaluate, NodeDeveloper}
	return Pipeline{
		Metadata: Metadata{
			Name:        state.PipelineReview,
			Description: "review changes, evaluate feedback and apply accepted fixes",
			Nodes:       nodes,
		},
		CreateGraph: func(cp graph.Checkpointer, opts ...Option) (*Graph, error) {
			_, gopts := compileOptions(state.PipelineReview, cp, opts)
			g := graph.New[state.WorkflowState, *state.Update, RunContext](state.PipelineReview, state.Merge).
				AddNode(NodeReviewer, stage(NodeReviewer, reviewer)).
				AddNode(NodeEvaluate, stage(NodeEvaluate, evaluateFeedback)).
				AddNode(NodeDeveloper, stage(NodeDeveloper, developer)).
				SetEntryPoint(NodeReviewer).
				AddEdge(NodeReviewer, NodeEvaluate).
				AddConditionalEdges(NodeEvaluate, evaluationRouter, map[string]string{
					routing.LabelDeveloper: NodeDeveloper,
					routing.End:            graph.END,
				}).
				AddEdge(NodeDeveloper, NodeReviewer)
			return g.Compile(gopts...)
		},
		InitialState: func(p Params) (state.WorkflowState, error) {
			goal := p.Goal
			if goal == "" && p.Issue != nil {
				goal = p.Issue.Title
			}
			if goal == "" {
				return state.WorkflowState{}, fmt.Errorf("review pipeline requires a goal or an issue")
			}
			u := state.NewUpdate().
				Goal(goal).
				BaseCommit(p.BaseCommit).
				MaxReviewPasses(maxPasses(p)).
				AddHistory("pipeline", "created", goal)
			if p.Issue != nil {
				u.Issue(*p.Issue)
			}
			return newState(p, state.PipelineReview).Apply(u)
		},
	}
}

func newState(p Params, pipelineType string) state.WorkflowState {
	now := p.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}
	profileID := p.ProfileID
	if profileID == "" {
		profileID = config.DefaultProfileID
	}
	return state.New(p.WorkflowID, pipelineType, profileID, now)
}

func maxPasses(p Params) int {
	if p.MaxReviewPasses > 0 {
		return p.MaxReviewPasses
	}
	return config.DefaultMaxReviewPasses
}
