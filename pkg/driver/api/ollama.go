package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"net/http"
	"net/url"
	"slices"

	"github.com/ollama/ollama/api"

	"foreman/pkg/driver"
)

const defaultOllamaHost = "http://localhost:11434"

type ollamaProvider struct {
	client *api.Client
	model  string
}

func newOllamaProvider(cfg ProviderConfig) (*ollamaProvider, error) {
	host := cfg.BaseURL
	if host == "" {
		host = defaultOllamaHost
	}
	u, err := url.Parse(host)
	if err != nil {
		return nil, driver.NewValidationError("base_url", fmt.Sprintf("invalid ollama host %q: %v", host, err))
	}
	return &ollamaProvider{client: api.NewClient(u, http.DefaultClient), model: cfg.Model}, nil
}

func (p *ollamaProvider) Name() string  { return KindOllama }
func (p *ollamaProvider) Model() string { return p.model }

// Chat sends one non-streaming request. Ollama cannot force a particular tool,
// so a forced tool is requested as JSON output constrained by its schema
// instead and the caller falls back to parsing the text.
func (p *ollamaProvider) Chat(ctx context.Context, req ChatRequest) (ChatResponse, error) {
	stream := false
	chatReq := &api.ChatRequest{
		Model:    p.model,
		Messages: toOllamaMessages(req.System, req.Messages),
		Stream:   &stream,
	}
	if req.MaxTokens > 0 {
		chatReq.Options = map[string]any{"num_predict": req.MaxTokens}
	}
	for i := range req.Tools {
		def := &req.Tools[i]
		if req.ForceTool != "" {
			if def.Name == req.ForceTool {
				format, err := json.Marshal(def.InputSchema.JSONSchema())
				if err == nil {
					chatReq.Format = format
				}
			}
			continue
		}
		chatReq.Tools = append(chatReq.Tools, toOllamaTool(def.Name, def.Description, &def.InputSchema))
	}

	var resp api.ChatResponse
	err := p.client.Chat(ctx, chatReq, func(r api.ChatResponse) error {
		resp = r
		return nil
	})
	if err != nil {
		var statusErr api.StatusError
		if errors.As(err, &statusErr) {
			return ChatResponse{}, driver.Classify(KindOllama, err, statusErr.StatusCode)
		}
		return ChatResponse{}, driver.Classify(KindOllama, fmt.Errorf("chat: %w", err), 0)
	}

	out := ChatResponse{
		Text:       resp.Message.Content,
		StopReason: resp.DoneReason,
		Usage: driver.Usage{
			InputTokens:  int64(resp.PromptEvalCount),
			OutputTokens: int64(resp.EvalCount),
			Model:        p.model,
		},
	}
	out.ToolCalls = fromOllamaToolCalls(resp.Message.ToolCalls)
	if out.Text == "" && len(out.ToolCalls) == 0 {
		return ChatResponse{}, &driver.ModelProviderError{Provider: KindOllama, Kind: driver.KindEmptyResponse, Message: "empty response"}
	}
	return out, nil
}

func fromOllamaToolCalls(calls []api.ToolCall) []ToolCall {
	var out []ToolCall
	for i := range calls {
		tc := &calls[i]
		id := tc.ID
		if id == "" {
			id = fmt.Sprintf("call_%d", i)
		}
		input := tc.Function.Arguments.ToMap()
		if input == nil {
			input = map[string]any{}
		}
		out = append(out, ToolCall{ID: id, Name: tc.Function.Name, Input: input})
	}
	return out
}

func toOllamaArguments(input map[string]any) api.ToolCallFunctionArguments {
	args := api.NewToolCallFunctionArguments()
	for _, key := range slices.Sorted(maps.Keys(input)) {
		args.Set(key, input[key])
	}
	return args
}

func toOllamaMessages(system string, msgs []Message) []api.Message {
	var out []api.Message
	if system != "" {
		out = append(out, api.Message{Role: "system", Content: system})
	}
	for _, m := range msgs {
		if m.Role == RoleAssistant {
			am := api.Message{Role: "assistant", Content: m.Text}
			for _, tc := range m.ToolCalls {
				am.ToolCalls = append(am.ToolCalls, api.ToolCall{
					ID: tc.ID,
					Function: api.ToolCallFunction{
						Name:      tc.Name,
						Arguments: toOllamaArguments(tc.Input),
					},
				})
			}
			out = append(out, am)
			continue
		}
		for _, tr := range m.ToolResults {
			out = append(out, api.Message{Role: "tool", Content: tr.Content, ToolCallID: tr.CallID})
		}
		if m.Text != "" {
			out = append(out, api.Message{Role: "user", Content: m.Text})
		}
	}
	return out
}

func toOllamaTool(name, description string, schema *driver.Property) api.Tool {
	return api.Tool{
		Type: "function",
		Function: api.ToolFunction{
			Name:        name,
			Description: description,
			Parameters: api.ToolFunctionParameters{
				Type:       "object",
				Properties: toOllamaProperties(schema.Properties),
				Required:   schema.Required,
			},
		},
	}
}

// toOllamaProperties keeps property order stable by sorting names.
func toOllamaProperties(props map[string]*driver.Property) *api.ToolPropertiesMap {
	out := api.NewToolPropertiesMap()
	for _, key := range slices.Sorted(maps.Keys(props)) {
		out.Set(key, toOllamaProperty(props[key]))
	}
	return out
}

func toOllamaProperty(p *driver.Property) api.ToolProperty {
	out := api.ToolProperty{
		Type:        api.PropertyType{p.Type},
		Description: p.Description,
	}
	if len(p.Enum) > 0 {
		vals := make([]any, len(p.Enum))
		for i, v := range p.Enum {
			vals[i] = v
		}
		out.Enum = vals
	}
	if p.Items != nil {
		out.Items = p.Items.JSONSchema()
	}
	if len(p.Properties) > 0 {
		out.Properties = toOllamaProperties(p.Properties)
	}
	return out
}
