package pipeline

import (
	"context"
	"fmt"

	"foreman/pkg/config"
	"foreman/pkg/driver"
	"foreman/pkg/events"
	"foreman/pkg/logx"
	"foreman/pkg/persistence"
	"foreman/pkg/state"
)

// agentRun is what one agentic execution produced.
type agentRun struct {
	Content     string
	SessionID   string
	ToolCalls   []state.ToolCall
	ToolResults []state.ToolResult
}

// executeAgent streams one agentic execution, relaying every message as an
// outward event and recording tool calls and results for the state.
func executeAgent(ctx context.Context, rc RunContext, workflowID, agent string, d driver.Driver, req driver.AgenticRequest) (agentRun, error) {
	stream, err := d.ExecuteAgentic(ctx, req)
	if err != nil {
		return agentRun{}, fmt.Errorf("%s: start execution: %w", agent, err)
	}

	emitter := events.NewEmitter(rc.Events)
	var run agentRun
	pending := make(map[string]state.ToolCall)

	final, err := driver.Drain(ctx, stream, func(m driver.AgenticMessage) {
		if e, ok := events.FromMessage(workflowID, agent, m); ok {
			emitter.Emit(ctx, e)
		}
		now := rc.now()
		switch m.Type {
		case driver.MessageToolCall:
			call := state.ToolCall{ID: m.ToolCallID, ToolName: m.ToolName, Input: m.ToolInput, Agent: agent, Timestamp: now}
			pending[m.ToolCallID] = call
			run.ToolCalls = append(run.ToolCalls, call)
		case driver.MessageToolResult:
			result := state.ToolResult{
				ToolCallID: m.ToolCallID,
				ToolName:   m.ToolName,
				Output:     m.ToolOutput,
				Success:    !m.IsError,
				Agent:      agent,
				Timestamp:  now,
			}
			if call, ok := pending[m.ToolCallID]; ok {
				if result.ToolName == "" {
					result.ToolName = call.ToolName
				}
				result.DurationMs = now.Sub(call.Timestamp).Milliseconds()
				delete(pending, m.ToolCallID)
			}
			if m.IsError {
				result.Error = m.ToolOutput
			}
			run.ToolResults = append(run.ToolResults, result)
		}
	})
	recordUsage(ctx, rc, workflowID, agent, d)
	if err != nil {
		return run, fmt.Errorf("%s: %w", agent, err)
	}

	run.Content = final.Content
	run.SessionID = final.SessionID
	return run, nil
}

// generate performs one structured call and decodes the result into v.
func generate(ctx context.Context, rc RunContext, workflowID, agent string, d driver.Driver, req driver.GenerateRequest, v any) error {
	res, err := d.Generate(ctx, req)
	recordUsage(ctx, rc, workflowID, agent, d)
	if err != nil {
		return fmt.Errorf("%s: %w", agent, err)
	}
	if err := driver.DecodeStructured(res, v); err != nil {
		return fmt.Errorf("%s: %w", agent, err)
	}
	return nil
}

// recordUsage stores the usage of the call that just completed. It never fails
// the node.
func recordUsage(ctx context.Context, rc RunContext, workflowID, agent string, d driver.Driver) {
	if rc.Repository == nil {
		return
	}
	usage, ok := d.Usage()
	if !ok {
		return
	}
	model := rc.profile().Agent(agent).Model
	rec := persistence.UsageRecord{
		WorkflowID: workflowID,
		Agent:      agent,
		Driver:     d.Name(),
		Usage:      config.WithCost(model, usage),
		CreatedAt:  rc.now(),
	}
	if err := rc.Repository.RecordUsage(context.WithoutCancel(ctx), rec); err != nil {
		logx.NewLogger("pipeline").Warn("record usage for %s/%s: %v", workflowID, agent, err)
	}
}

// stage wraps a node so it announces itself on the event stream.
func stage(name string, fn func(ctx context.Context, s state.WorkflowState, cfg Config) (*state.Update, error)) func(ctx context.Context, s state.WorkflowState, cfg Config) (*state.Update, error) {
	return func(ctx context.Context, s state.WorkflowState, cfg Config) (*state.Update, error) {
		emitter := events.NewEmitter(cfg.Config.Events)
		emitter.Emit(ctx, events.Event{Kind: events.KindStageStarted, WorkflowID: s.WorkflowID, Agent: name, Content: name})
		u, err := fn(ctx, s, cfg)
		if err != nil {
			return nil, err
		}
		emitter.Emit(ctx, events.Event{Kind: events.KindStageCompleted, WorkflowID: s.WorkflowID, Agent: name, Content: name})
		return u, nil
	}
}
