// Package evaluate classifies review feedback into implement, reject, defer
// and clarify buckets with a single structured model call.
package evaluate

import (
	"context"
	"fmt"
	"sort"

	"foreman/pkg/driver"
	"foreman/pkg/logx"
	"foreman/pkg/prompts"
	"foreman/pkg/state"
	"foreman/pkg/utils"
)

// DefaultDiffTokenBudget bounds the diff included in the evaluation prompt.
const DefaultDiffTokenBudget = 24000

const missingReason = "no disposition returned"

// Schema is the structured output the evaluator requests.
var Schema = &driver.Schema{
	Name:        "feedback_evaluation",
	Description: "Disposition for each review feedback item",
	Root: driver.Property{
		Type:     "object",
		Required: []string{"evaluations"},
		Properties: map[string]*driver.Property{
			"evaluations": {
				Type: "array",
				Items: &driver.Property{
					Type:     "object",
					Required: []string{"id", "disposition"},
					Properties: map[string]*driver.Property{
						"id":          {Type: "integer", Description: "Feedback item id"},
						"disposition": {Type: "string", Enum: []string{"implement", "reject", "defer", "clarify"}},
						"reason":      {Type: "string", Description: "One sentence justification"},
					},
				},
			},
			"summary": {Type: "string"},
		},
	},
}

// Input is what the evaluator judges.
type Input struct {
	Goal  string
	Diff  string
	Items []state.FeedbackItem
}

type response struct {
	Evaluations []struct {
		ID          int    `json:"id"`
		Disposition string `json:"disposition"`
		Reason      string `json:"reason"`
	} `json:"evaluations"`
	Summary string `json:"summary"`
}

// Evaluator runs the decision matrix against a driver.
type Evaluator struct {
	driver     driver.Driver
	prompts    *prompts.Set
	counter    *utils.TokenCounter
	diffBudget int
	logger     *logx.Logger
}

// Option configures an Evaluator.
type Option func(*Evaluator)

// WithDiffTokenBudget overrides DefaultDiffTokenBudget.
func WithDiffTokenBudget(tokens int) Option {
	return func(e *Evaluator) { e.diffBudget = tokens }
}

// WithPrompts replaces the built-in prompt set.
func WithPrompts(set *prompts.Set) Option {
	return func(e *Evaluator) { e.prompts = set }
}

// New creates an evaluator backed by d.
func New(d driver.Driver, opts ...Option) *Evaluator {
	e := &Evaluator{
		driver:     d,
		diffBudget: DefaultDiffTokenBudget,
		logger:     logx.NewLogger("evaluate"),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.prompts == nil {
		e.prompts = prompts.MustDefault()
	}
	if counter, err := utils.NewTokenCounter(""); err == nil {
		e.counter = counter
	} else {
		e.logger.Warn("token counter unavailable, diff truncation falls back to estimates: %v", err)
	}
	return e
}

// Evaluate classifies every item. The result always accounts for each input
// item exactly once; items the model skipped are marked clarify.
func (e *Evaluator) Evaluate(ctx context.Context, in Input) (*state.EvaluationResult, error) {
	if len(in.Items) == 0 {
		return &state.EvaluationResult{Summary: "no feedback items"}, nil
	}

	prompt, err := e.prompts.Render(prompts.Evaluator, &prompts.Data{
		Goal:   in.Goal,
		Items:  in.Items,
		Diff:   e.counter.TruncateToTokenLimit(in.Diff, e.diffBudget),
		Schema: Schema.Describe(),
	})
	if err != nil {
		return nil, err
	}

	res, err := e.driver.Generate(ctx, driver.GenerateRequest{Prompt: prompt, Schema: Schema})
	if err != nil {
		return nil, fmt.Errorf("evaluate feedback: %w", err)
	}

	var resp response
	if err := res.Decode(&resp); err != nil {
		return nil, fmt.Errorf("evaluate feedback: %w", err)
	}

	result := partition(in.Items, resp)
	e.logger.Info("evaluated %d items: implement=%d reject=%d defer=%d clarify=%d",
		len(in.Items), len(result.ImplementItems), len(result.RejectedItems),
		len(result.DeferredItems), len(result.ClarifyItems))
	return result, nil
}

type verdict struct {
	disposition state.Disposition
	reason      string
}

// partition assigns every item to exactly one bucket. The first disposition
// returned for an id wins, ids not among the items are ignored, and items
// without a valid disposition land in clarify.
func partition(items []state.FeedbackItem, resp response) *state.EvaluationResult {
	known := make(map[int]bool, len(items))
	for _, item := range items {
		known[item.ID] = true
	}

	verdicts := make(map[int]verdict, len(items))
	for _, ev := range resp.Evaluations {
		if !known[ev.ID] {
			continue
		}
		if _, dup := verdicts[ev.ID]; dup {
			continue
		}
		d := state.Disposition(ev.Disposition)
		if !d.Valid() {
			continue
		}
		verdicts[ev.ID] = verdict{disposition: d, reason: ev.Reason}
	}

	result := &state.EvaluationResult{Summary: resp.Summary}
	ordered := append([]state.FeedbackItem(nil), items...)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].ID < ordered[j].ID })

	for _, item := range ordered {
		v, ok := verdicts[item.ID]
		if !ok {
			v = verdict{disposition: state.DispositionClarify, reason: missingReason}
		}
		evaluated := state.EvaluatedItem{FeedbackItem: item, Disposition: v.disposition, Reason: v.reason}
		switch v.disposition {
		case state.DispositionImplement:
			result.ImplementItems = append(result.ImplementItems, evaluated)
		case state.DispositionReject:
			result.RejectedItems = append(result.RejectedItems, evaluated)
		case state.DispositionDefer:
			result.DeferredItems = append(result.DeferredItems, evaluated)
		default:
			result.ClarifyItems = append(result.ClarifyItems, evaluated)
		}
	}
	return result
}
