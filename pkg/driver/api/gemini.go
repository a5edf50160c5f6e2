package api

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"google.golang.org/genai"

	"foreman/pkg/driver"
)

// geminiProvider creates its client on first use because the SDK constructor
// needs a context.
type geminiProvider struct {
	apiKey string
	model  string

	once    sync.Once
	client  *genai.Client
	initErr error
}

func newGeminiProvider(cfg ProviderConfig) *geminiProvider {
	return &geminiProvider{apiKey: cfg.APIKey, model: cfg.Model}
}

func (p *geminiProvider) Name() string  { return KindGemini }
func (p *geminiProvider) Model() string { return p.model }

func (p *geminiProvider) init(ctx context.Context) error {
	p.once.Do(func() {
		p.client, p.initErr = genai.NewClient(ctx, &genai.ClientConfig{
			APIKey:  p.apiKey,
			Backend: genai.BackendGeminiAPI,
		})
	})
	if p.initErr != nil {
		return driver.Classify(KindGemini, fmt.Errorf("create client: %w", p.initErr), 0)
	}
	return nil
}

func (p *geminiProvider) Chat(ctx context.Context, req ChatRequest) (ChatResponse, error) {
	if err := p.init(ctx); err != nil {
		return ChatResponse{}, err
	}

	config := &genai.GenerateContentConfig{}
	if req.MaxTokens > 0 {
		config.MaxOutputTokens = int32(req.MaxTokens) //nolint:gosec // bounded by config
	}
	if req.System != "" {
		config.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: req.System}}}
	}
	if len(req.Tools) > 0 {
		decls := make([]*genai.FunctionDeclaration, 0, len(req.Tools))
		for i := range req.Tools {
			def := &req.Tools[i]
			decls = append(decls, &genai.FunctionDeclaration{
				Name:        def.Name,
				Description: def.Description,
				Parameters:  toGeminiSchema(&def.InputSchema),
			})
		}
		config.Tools = []*genai.Tool{{FunctionDeclarations: decls}}
	}
	if req.ForceTool != "" {
		config.ToolConfig = &genai.ToolConfig{
			FunctionCallingConfig: &genai.FunctionCallingConfig{
				Mode:                 genai.FunctionCallingConfigModeAny,
				AllowedFunctionNames: []string{req.ForceTool},
			},
		}
	}

	result, err := p.client.Models.GenerateContent(ctx, p.model, toGeminiContents(req.Messages), config)
	if err != nil {
		var apiErr genai.APIError
		if errors.As(err, &apiErr) {
			return ChatResponse{}, driver.Classify(KindGemini, err, apiErr.Code)
		}
		return ChatResponse{}, driver.Classify(KindGemini, fmt.Errorf("generate content: %w", err), 0)
	}
	if result == nil || len(result.Candidates) == 0 {
		return ChatResponse{}, &driver.ModelProviderError{Provider: KindGemini, Kind: driver.KindEmptyResponse, Message: "no candidates in response"}
	}

	out := ChatResponse{Text: result.Text(), Usage: driver.Usage{Model: p.model}}
	if c := result.Candidates[0]; c != nil {
		out.StopReason = string(c.FinishReason)
		out.native = c.Content
	}
	if md := result.UsageMetadata; md != nil {
		out.Usage.InputTokens = int64(md.PromptTokenCount)
		out.Usage.OutputTokens = int64(md.CandidatesTokenCount)
		out.Usage.CacheReadTokens = int64(md.CachedContentTokenCount)
	}
	for i, fc := range result.FunctionCalls() {
		id := fc.ID
		if id == "" {
			id = fmt.Sprintf("%s-%d", fc.Name, i)
		}
		out.ToolCalls = append(out.ToolCalls, ToolCall{ID: id, Name: fc.Name, Input: fc.Args})
	}
	return out, nil
}

// toGeminiContents converts history. Assistant turns that came from Gemini are
// replayed from their native content so thought signatures survive.
func toGeminiContents(msgs []Message) []*genai.Content {
	msgs = mergeUserTurns(msgs)
	out := make([]*genai.Content, 0, len(msgs))
	for _, m := range msgs {
		if m.Role == RoleAssistant {
			if native, ok := m.native.(*genai.Content); ok && native != nil {
				out = append(out, native)
				continue
			}
		}

		var parts []*genai.Part
		if m.Text != "" {
			parts = append(parts, &genai.Part{Text: m.Text})
		}
		for _, tc := range m.ToolCalls {
			parts = append(parts, &genai.Part{FunctionCall: &genai.FunctionCall{ID: tc.ID, Name: tc.Name, Args: tc.Input}})
		}
		for _, tr := range m.ToolResults {
			parts = append(parts, &genai.Part{FunctionResponse: &genai.FunctionResponse{
				ID:       tr.CallID,
				Name:     tr.Name,
				Response: map[string]any{"content": tr.Content, "is_error": tr.IsError},
			}})
		}
		if len(parts) == 0 {
			continue
		}
		role := "user"
		if m.Role == RoleAssistant {
			role = "model"
		}
		out = append(out, &genai.Content{Role: role, Parts: parts})
	}
	return out
}

func toGeminiSchema(p *driver.Property) *genai.Schema {
	s := &genai.Schema{Description: p.Description, Required: p.Required}
	switch p.Type {
	case "string":
		s.Type = genai.TypeString
	case "number":
		s.Type = genai.TypeNumber
	case "integer":
		s.Type = genai.TypeInteger
	case "boolean":
		s.Type = genai.TypeBoolean
	case "array":
		s.Type = genai.TypeArray
		if p.Items != nil {
			s.Items = toGeminiSchema(p.Items)
		}
	case "object":
		s.Type = genai.TypeObject
		if len(p.Properties) > 0 {
			s.Properties = make(map[string]*genai.Schema, len(p.Properties))
			for name, child := range p.Properties {
				if child != nil {
					s.Properties[name] = toGeminiSchema(child)
				}
			}
		}
	default:
		s.Type = genai.TypeString
	}
	if len(p.Enum) > 0 {
		s.Enum = p.Enum
	}
	return s
}
