package claudecli

import (
	"encoding/json"
	"strings"

	"foreman/pkg/driver"
)

// Event types emitted by `claude --output-format stream-json`.
const (
	eventSystem    = "system"
	eventAssistant = "assistant"
	eventUser      = "user"
	eventResult    = "result"
)

// StreamEvent is one line of stream-json output. The same shape, without the
// intermediate events, is produced by --output-format json.
type StreamEvent struct {
	Type      string   `json:"type"`
	Subtype   string   `json:"subtype,omitempty"`
	SessionID string   `json:"session_id,omitempty"`
	Model     string   `json:"model,omitempty"`
	Message   *Message `json:"message,omitempty"`

	// Populated on type=result.
	Result       string     `json:"result,omitempty"`
	IsError      bool       `json:"is_error,omitempty"`
	TotalCostUSD float64    `json:"total_cost_usd,omitempty"`
	DurationMs   int64      `json:"duration_ms,omitempty"`
	NumTurns     int        `json:"num_turns,omitempty"`
	Usage        *UsageInfo `json:"usage,omitempty"`
}

// Message is an assistant or user message.
type Message struct {
	ID      string         `json:"id,omitempty"`
	Role    string         `json:"role,omitempty"`
	Model   string         `json:"model,omitempty"`
	Content []ContentBlock `json:"content,omitempty"`
	Usage   *UsageInfo     `json:"usage,omitempty"`
}

// ContentBlock is one block of message content.
type ContentBlock struct {
	Type     string         `json:"type"`
	Text     string         `json:"text,omitempty"`
	Thinking string         `json:"thinking,omitempty"`
	ID       string         `json:"id,omitempty"`
	Name     string         `json:"name,omitempty"`
	Input    map[string]any `json:"input,omitempty"`

	// tool_result blocks.
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
}

// UsageInfo is the token accounting block.
type UsageInfo struct {
	InputTokens              int64 `json:"input_tokens"`
	OutputTokens             int64 `json:"output_tokens"`
	CacheReadInputTokens     int64 `json:"cache_read_input_tokens"`
	CacheCreationInputTokens int64 `json:"cache_creation_input_tokens"`
}

func (u *UsageInfo) toUsage(model string) driver.Usage {
	if u == nil {
		return driver.Usage{Model: model}
	}
	return driver.Usage{
		InputTokens:         u.InputTokens,
		OutputTokens:        u.OutputTokens,
		CacheReadTokens:     u.CacheReadInputTokens,
		CacheCreationTokens: u.CacheCreationInputTokens,
		Model:               model,
	}
}

// ParseLine decodes one stream-json line. Blank lines yield ok=false.
func ParseLine(line []byte) (StreamEvent, bool, error) {
	trimmed := strings.TrimSpace(string(line))
	if trimmed == "" {
		return StreamEvent{}, false, nil
	}
	var ev StreamEvent
	if err := json.Unmarshal([]byte(trimmed), &ev); err != nil {
		return StreamEvent{}, false, err //nolint:wrapcheck // caller adds context
	}
	return ev, true, nil
}

// toolResultText flattens tool_result content, which is either a string or a
// list of text blocks.
func toolResultText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return s
	}
	var blocks []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if json.Unmarshal(raw, &blocks) == nil {
		parts := make([]string, 0, len(blocks))
		for _, b := range blocks {
			if b.Text != "" {
				parts = append(parts, b.Text)
			}
		}
		return strings.Join(parts, "\n")
	}
	return string(raw)
}

// translator turns stream events into driver messages. The CLI repeats an
// assistant message's usage on every content block it emits, so usage is
// counted once per message id.
type translator struct {
	model      string
	sessionID  string
	counted    map[string]bool
	sum        driver.Usage
	toolNames  map[string]string
	resultSeen bool
}

func newTranslator(model, sessionID string) *translator {
	return &translator{
		model:     model,
		sessionID: sessionID,
		counted:   make(map[string]bool),
		toolNames: make(map[string]string),
	}
}

func (t *translator) translate(ev StreamEvent) []driver.AgenticMessage {
	if ev.SessionID != "" {
		t.sessionID = ev.SessionID
	}
	switch ev.Type {
	case eventSystem:
		if ev.Model != "" {
			t.model = ev.Model
		}
		return nil
	case eventAssistant:
		return t.assistant(ev.Message)
	case eventUser:
		return t.user(ev.Message)
	case eventResult:
		return t.result(ev)
	}
	return nil
}

func (t *translator) assistant(msg *Message) []driver.AgenticMessage {
	if msg == nil {
		return nil
	}
	var out []driver.AgenticMessage
	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			if strings.TrimSpace(block.Text) != "" {
				out = append(out, driver.ThinkingMessage(block.Text))
			}
		case "thinking":
			if strings.TrimSpace(block.Thinking) != "" {
				out = append(out, driver.ThinkingMessage(block.Thinking))
			}
		case "tool_use":
			t.toolNames[block.ID] = block.Name
			out = append(out, driver.ToolCallMessage(block.ID, block.Name, block.Input))
		}
	}
	if msg.Usage != nil && (msg.ID == "" || !t.counted[msg.ID]) {
		if msg.ID != "" {
			t.counted[msg.ID] = true
		}
		model := msg.Model
		if model == "" {
			model = t.model
		}
		delta := msg.Usage.toUsage(model)
		delta.NumTurns = 1
		t.sum = t.sum.Add(delta)
		out = append(out, driver.UsageMessage(delta))
	}
	return out
}

func (t *translator) user(msg *Message) []driver.AgenticMessage {
	if msg == nil {
		return nil
	}
	var out []driver.AgenticMessage
	for _, block := range msg.Content {
		if block.Type != "tool_result" {
			continue
		}
		out = append(out, driver.ToolResultMessage(block.ToolUseID, t.toolNames[block.ToolUseID], toolResultText(block.Content), block.IsError))
	}
	return out
}

// result emits a final usage delta that reconciles the per-message sums with
// the CLI's authoritative totals, then the terminal message.
func (t *translator) result(ev StreamEvent) []driver.AgenticMessage {
	t.resultSeen = true
	var out []driver.AgenticMessage

	total := t.sum
	if ev.Usage != nil {
		total = ev.Usage.toUsage(t.model)
	}
	total.CostUSD = ev.TotalCostUSD
	total.DurationMs = ev.DurationMs
	total.NumTurns = max(ev.NumTurns, t.sum.NumTurns)
	delta := driver.Usage{
		InputTokens:         max(total.InputTokens-t.sum.InputTokens, 0),
		OutputTokens:        max(total.OutputTokens-t.sum.OutputTokens, 0),
		CacheReadTokens:     max(total.CacheReadTokens-t.sum.CacheReadTokens, 0),
		CacheCreationTokens: max(total.CacheCreationTokens-t.sum.CacheCreationTokens, 0),
		CostUSD:             total.CostUSD - t.sum.CostUSD,
		DurationMs:          total.DurationMs - t.sum.DurationMs,
		NumTurns:            total.NumTurns - t.sum.NumTurns,
		Model:               t.model,
	}
	t.sum = t.sum.Add(delta)
	out = append(out, driver.UsageMessage(delta))

	if ev.IsError {
		err := driver.Classify(providerName, &resultError{subtype: ev.Subtype, message: ev.Result}, 0)
		return append(out, driver.ErrorMessage(err))
	}
	return append(out, driver.ResultMessage(ev.Result, t.sessionID))
}

type resultError struct {
	subtype string
	message string
}

func (e *resultError) Error() string {
	if e.message == "" {
		return "claude returned " + e.subtype
	}
	return e.subtype + ": " + e.message
}
