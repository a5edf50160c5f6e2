// Package api implements a driver that talks to hosted model APIs directly and
// runs the tool-use loop locally. Conversation history is held in memory per
// session.
package api

import (
	"context"
	"fmt"
	"strings"

	"foreman/pkg/driver"
	"foreman/pkg/tools"
)

// Role is the author of a conversation message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// ToolCall is a tool invocation requested by the model.
type ToolCall struct {
	ID    string         `json:"id"`
	Name  string         `json:"name"`
	Input map[string]any `json:"input,omitempty"`
}

// ToolResult answers a ToolCall.
type ToolResult struct {
	CallID  string `json:"call_id"`
	Name    string `json:"name"`
	Content string `json:"content"`
	IsError bool   `json:"is_error,omitempty"`
}

// Message is one provider-neutral conversation entry. A user message carries
// either text or tool results; an assistant message carries text and/or tool
// calls.
type Message struct {
	Role        Role         `json:"role"`
	Text        string       `json:"text,omitempty"`
	ToolCalls   []ToolCall   `json:"tool_calls,omitempty"`
	ToolResults []ToolResult `json:"tool_results,omitempty"`

	// native is the provider's own representation of an assistant turn, kept
	// when replaying it verbatim matters (Gemini thought signatures).
	native any
}

// ChatRequest is one model turn.
type ChatRequest struct {
	System    string
	Messages  []Message
	Tools     []tools.Definition
	ForceTool string
	MaxTokens int
}

// ChatResponse is the model's reply to a ChatRequest.
type ChatResponse struct {
	Text       string
	ToolCalls  []ToolCall
	Usage      driver.Usage
	StopReason string

	native any
}

// assistantMessage converts the reply into history.
func (r ChatResponse) assistantMessage() Message {
	return Message{Role: RoleAssistant, Text: r.Text, ToolCalls: r.ToolCalls, native: r.native}
}

// Provider is one hosted model API.
type Provider interface {
	// Name identifies the backend, e.g. "anthropic".
	Name() string
	Model() string
	Chat(ctx context.Context, req ChatRequest) (ChatResponse, error)
}

// Provider kinds accepted by NewProvider.
const (
	KindAnthropic = "anthropic"
	KindBedrock   = "bedrock"
	KindOpenAI    = "openai"
	KindGemini    = "gemini"
	KindOllama    = "ollama"
)

// ProviderConfig selects and configures a Provider.
type ProviderConfig struct {
	Kind    string
	Model   string
	APIKey  string
	BaseURL string

	// Bedrock only.
	AWSRegion  string
	AWSProfile string
}

// NewProvider builds the provider named by cfg.Kind.
func NewProvider(ctx context.Context, cfg ProviderConfig) (Provider, error) {
	if cfg.Model == "" {
		return nil, driver.NewValidationError("model", "must be set")
	}
	switch strings.ToLower(cfg.Kind) {
	case KindAnthropic:
		if cfg.APIKey == "" {
			return nil, &driver.ModelProviderError{Provider: KindAnthropic, Kind: driver.KindAuth, Message: "API key is not set"}
		}
		return newAnthropicProvider(cfg), nil
	case KindBedrock:
		return newBedrockProvider(ctx, cfg), nil
	case KindOpenAI:
		if cfg.APIKey == "" && cfg.BaseURL == "" {
			return nil, &driver.ModelProviderError{Provider: KindOpenAI, Kind: driver.KindAuth, Message: "API key is not set"}
		}
		return newOpenAIProvider(cfg), nil
	case KindGemini:
		if cfg.APIKey == "" {
			return nil, &driver.ModelProviderError{Provider: KindGemini, Kind: driver.KindAuth, Message: "API key is not set"}
		}
		return newGeminiProvider(cfg), nil
	case KindOllama:
		return newOllamaProvider(cfg)
	default:
		return nil, driver.NewValidationError("provider", fmt.Sprintf("unknown provider %q", cfg.Kind))
	}
}

// mergeUserTurns collapses consecutive messages of the same role. A failed run
// can leave history ending on a user turn, and the next prompt must still
// alternate.
func mergeUserTurns(msgs []Message) []Message {
	out := make([]Message, 0, len(msgs))
	for _, m := range msgs {
		if n := len(out); n > 0 && out[n-1].Role == m.Role && m.Role == RoleUser {
			prev := &out[n-1]
			prev.ToolResults = append(prev.ToolResults, m.ToolResults...)
			switch {
			case prev.Text == "":
				prev.Text = m.Text
			case m.Text != "":
				prev.Text += "\n\n" + m.Text
			}
			continue
		}
		out = append(out, m)
	}
	return out
}
