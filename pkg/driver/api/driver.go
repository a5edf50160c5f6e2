package api

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"foreman/pkg/driver"
	execpkg "foreman/pkg/exec"
	"foreman/pkg/logx"
	"foreman/pkg/tools"
)

// SubmitToolName is the tool a model is forced to call when Generate is given
// a schema.
const SubmitToolName = "submit_result"

// DefaultMaxTurns bounds one agentic execution.
const DefaultMaxTurns = 50

// ToolRunner executes tool calls for one working directory. *tools.Set
// satisfies it.
type ToolRunner interface {
	Definitions() []tools.Definition
	Invoke(ctx context.Context, name string, args map[string]any) tools.Outcome
}

// ToolRunnerFactory creates the tool runner for an execution's cwd.
type ToolRunnerFactory func(cwd string) ToolRunner

// Config controls the agent loop.
type Config struct {
	MaxTurns  int
	MaxTokens int
	// Tools builds the tool runner; nil uses the standard tool set executed
	// on the host.
	Tools      ToolRunnerFactory
	SessionTTL time.Duration
}

type conversation struct {
	system   string
	messages []Message
}

// Driver implements driver.Driver over a Provider.
type Driver struct {
	provider  Provider
	maxTurns  int
	maxTokens int
	tools     ToolRunnerFactory
	sessions  *driver.SessionStore[*conversation]
	usage     driver.UsageTracker
	logger    *logx.Logger
}

// New creates an API driver.
func New(provider Provider, cfg Config) *Driver {
	if cfg.MaxTurns <= 0 {
		cfg.MaxTurns = DefaultMaxTurns
	}
	if cfg.Tools == nil {
		local := execpkg.NewLocalExec()
		cfg.Tools = func(cwd string) ToolRunner {
			return tools.NewSet(tools.Config{Root: cwd}, local)
		}
	}
	ttl := cfg.SessionTTL
	if ttl == 0 {
		ttl = driver.DefaultSessionTTL
	}
	return &Driver{
		provider:  provider,
		maxTurns:  cfg.MaxTurns,
		maxTokens: cfg.MaxTokens,
		tools:     cfg.Tools,
		sessions:  driver.NewSessionStore[*conversation](ttl),
		logger:    logx.NewLogger("driver.api." + provider.Name()),
	}
}

// Name implements driver.Driver.
func (d *Driver) Name() string { return "api:" + d.provider.Name() }

// Usage implements driver.Driver.
func (d *Driver) Usage() (driver.Usage, bool) { return d.usage.Last() }

// CloseSession drops the conversation history.
func (d *Driver) CloseSession(id string) { d.sessions.Close(id) }

// Generate performs one model turn. With a schema the model is forced to call
// submit_result and the tool input is validated; a model that answers in text
// instead has its text parsed for JSON.
func (d *Driver) Generate(ctx context.Context, req driver.GenerateRequest) (driver.GenerateResult, error) {
	if err := req.Validate(); err != nil {
		return driver.GenerateResult{}, err
	}
	d.usage.Begin()
	defer d.usage.Complete()

	sess, created, release, err := d.sessions.Acquire(ctx, req.SessionID, newConversation)
	if err != nil {
		return driver.GenerateResult{}, err
	}
	defer release()
	conv := sess.Data
	if created {
		conv.system = req.SystemPrompt
	}

	chat := ChatRequest{
		System:    conv.system,
		Messages:  append(append([]Message(nil), conv.messages...), Message{Role: RoleUser, Text: req.Prompt}),
		MaxTokens: d.maxTokens,
	}
	if req.Schema != nil {
		chat.Tools = []tools.Definition{{
			Name:        SubmitToolName,
			Description: "Submit the final answer. " + req.Schema.Description,
			InputSchema: req.Schema.Root,
		}}
		chat.ForceTool = SubmitToolName
	}

	resp, err := d.provider.Chat(ctx, chat)
	if err != nil {
		return driver.GenerateResult{}, err
	}
	d.usage.Add(withTurn(resp.Usage))

	res := driver.GenerateResult{Output: resp.Text, SessionID: sess.ID}
	if req.Schema != nil {
		res.Structured, err = validateSubmission(req.Schema, resp)
		if err != nil {
			return res, err
		}
		if res.Output == "" {
			res.Output = string(res.Structured)
		}
	}

	// The forced tool call is recorded as text so history never holds an
	// unanswered tool_use.
	conv.messages = append(chat.Messages, Message{Role: RoleAssistant, Text: res.Output})
	return res, nil
}

func validateSubmission(schema *driver.Schema, resp ChatResponse) (json.RawMessage, error) {
	for _, tc := range resp.ToolCalls {
		if tc.Name == SubmitToolName {
			return schema.ValidateValue(tc.Input)
		}
	}
	return schema.ValidateText(resp.Text)
}

// ExecuteAgentic runs the tool-use loop: each turn's text is streamed as
// THINKING, tool calls are executed locally and fed back, and the first turn
// without tool calls produces the RESULT.
func (d *Driver) ExecuteAgentic(ctx context.Context, req driver.AgenticRequest) (<-chan driver.AgenticMessage, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	d.usage.Begin()

	sess, created, release, err := d.sessions.Acquire(ctx, req.SessionID, newConversation)
	if err != nil {
		return nil, err
	}
	conv := sess.Data
	if created {
		conv.system = req.Instructions
	} else if req.Instructions != "" {
		d.logger.Debug("session %s resumed, instructions not resent", sess.ID)
	}

	out := make(chan driver.AgenticMessage, 16)
	go func() {
		defer close(out)
		defer release()
		defer d.usage.Complete()

		terminal := d.loop(ctx, conv, sess.ID, req, out)
		driver.Send(ctx, out, terminal)
	}()
	return out, nil
}

func (d *Driver) loop(ctx context.Context, conv *conversation, sessionID string, req driver.AgenticRequest, out chan<- driver.AgenticMessage) driver.AgenticMessage {
	runner := d.tools(req.Cwd)
	defs := runner.Definitions()
	conv.messages = append(conv.messages, Message{Role: RoleUser, Text: req.Prompt})

	for turn := 1; turn <= d.maxTurns; turn++ {
		if err := ctx.Err(); err != nil {
			return driver.ErrorMessage(driver.Classify(d.provider.Name(), err, 0))
		}

		resp, err := d.provider.Chat(ctx, ChatRequest{
			System:    conv.system,
			Messages:  conv.messages,
			Tools:     defs,
			MaxTokens: d.maxTokens,
		})
		if err != nil {
			return driver.ErrorMessage(err)
		}

		usage := withTurn(resp.Usage)
		d.usage.Add(usage)
		if !driver.Send(ctx, out, driver.UsageMessage(usage)) {
			return driver.ErrorMessage(driver.Classify(d.provider.Name(), ctx.Err(), 0))
		}
		conv.messages = append(conv.messages, resp.assistantMessage())

		if len(resp.ToolCalls) == 0 {
			return driver.ResultMessage(resp.Text, sessionID)
		}
		if resp.Text != "" && !driver.Send(ctx, out, driver.ThinkingMessage(resp.Text)) {
			return driver.ErrorMessage(driver.Classify(d.provider.Name(), ctx.Err(), 0))
		}

		results := make([]ToolResult, 0, len(resp.ToolCalls))
		for _, tc := range resp.ToolCalls {
			driver.Send(ctx, out, driver.ToolCallMessage(tc.ID, tc.Name, tc.Input))
			outcome := runner.Invoke(ctx, tc.Name, tc.Input)
			text := outcome.Text()
			driver.Send(ctx, out, driver.ToolResultMessage(tc.ID, tc.Name, text, !outcome.Success()))
			results = append(results, ToolResult{CallID: tc.ID, Name: tc.Name, Content: text, IsError: !outcome.Success()})
		}
		conv.messages = append(conv.messages, Message{Role: RoleUser, ToolResults: results})
	}

	d.logger.Warn("session %s hit the %d turn limit", sessionID, d.maxTurns)
	return driver.ErrorMessage(&driver.ModelProviderError{
		Provider: d.provider.Name(),
		Kind:     driver.KindBadPrompt,
		Message:  fmt.Sprintf("agent did not finish within %d turns", d.maxTurns),
	})
}

func newConversation() *conversation { return &conversation{} }

// Transcript is a session's history in a form that survives a process
// restart. Provider-native replay data is not kept.
type Transcript struct {
	System   string    `json:"system,omitempty"`
	Messages []Message `json:"messages"`
}

// Snapshot returns a copy of the session's history.
func (d *Driver) Snapshot(id string) (Transcript, bool) {
	sess, ok := d.sessions.Get(id)
	if !ok {
		return Transcript{}, false
	}
	conv := sess.Data
	return Transcript{System: conv.system, Messages: append([]Message(nil), conv.messages...)}, true
}

// Restore installs history for id, replacing any session already held.
func (d *Driver) Restore(ctx context.Context, id string, t Transcript) error {
	d.sessions.Close(id)
	sess, _, release, err := d.sessions.Acquire(ctx, id, newConversation)
	if err != nil {
		return err
	}
	defer release()
	sess.Data.system = t.System
	sess.Data.messages = append([]Message(nil), t.Messages...)
	return nil
}

func withTurn(u driver.Usage) driver.Usage {
	u.NumTurns = 1
	return u
}

var _ driver.Driver = (*Driver)(nil)
