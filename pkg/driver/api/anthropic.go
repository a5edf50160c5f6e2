package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/bedrock"
	"github.com/anthropics/anthropic-sdk-go/option"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"

	"foreman/pkg/driver"
)

const defaultMaxTokens = 8192

type anthropicProvider struct {
	client anthropic.Client
	model  anthropic.Model
	name   string
}

func newAnthropicProvider(cfg ProviderConfig) *anthropicProvider {
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	return &anthropicProvider{
		client: anthropic.NewClient(opts...),
		model:  anthropic.Model(cfg.Model),
		name:   KindAnthropic,
	}
}

// newBedrockProvider routes the same Messages API through AWS Bedrock, with
// credentials resolved by the AWS default chain.
func newBedrockProvider(ctx context.Context, cfg ProviderConfig) *anthropicProvider {
	var loadOpts []func(*awsconfig.LoadOptions) error
	if cfg.AWSRegion != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(cfg.AWSRegion))
	}
	if cfg.AWSProfile != "" {
		loadOpts = append(loadOpts, awsconfig.WithSharedConfigProfile(cfg.AWSProfile))
	}
	return &anthropicProvider{
		client: anthropic.NewClient(bedrock.WithLoadDefaultConfig(ctx, loadOpts...)),
		model:  anthropic.Model(bedrockModelID(cfg.Model)),
		name:   KindBedrock,
	}
}

// bedrockModelID maps a plain model name to its cross-region inference
// profile. Ids already in Bedrock form pass through.
func bedrockModelID(model string) string {
	if strings.HasPrefix(model, "us.") || strings.HasPrefix(model, "eu.") || strings.HasPrefix(model, "arn:") {
		return model
	}
	if strings.HasPrefix(model, "anthropic.") {
		return "us." + model
	}
	return "us.anthropic." + model + "-v1:0"
}

func (p *anthropicProvider) Name() string  { return p.name }
func (p *anthropicProvider) Model() string { return string(p.model) }

func (p *anthropicProvider) Chat(ctx context.Context, req ChatRequest) (ChatResponse, error) {
	maxTokens := int64(req.MaxTokens)
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	params := anthropic.MessageNewParams{
		Model:     p.model,
		MaxTokens: maxTokens,
		Messages:  toAnthropicMessages(req.Messages),
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}
	for _, def := range req.Tools {
		schema := def.InputSchema.JSONSchema()
		params.Tools = append(params.Tools, anthropic.ToolUnionParam{OfTool: &anthropic.ToolParam{
			Name:        def.Name,
			Description: anthropic.String(def.Description),
			InputSchema: anthropic.ToolInputSchemaParam{
				Properties: schema["properties"],
				Required:   def.InputSchema.Required,
			},
		}})
	}
	if req.ForceTool != "" {
		params.ToolChoice = anthropic.ToolChoiceUnionParam{OfTool: &anthropic.ToolChoiceToolParam{Name: req.ForceTool}}
	}

	resp, err := p.client.Messages.New(ctx, params)
	if err != nil {
		return ChatResponse{}, p.classify(err)
	}
	if resp == nil || len(resp.Content) == 0 {
		return ChatResponse{}, &driver.ModelProviderError{Provider: p.name, Kind: driver.KindEmptyResponse, Message: "empty response"}
	}

	out := ChatResponse{
		StopReason: string(resp.StopReason),
		Usage: driver.Usage{
			InputTokens:         resp.Usage.InputTokens,
			OutputTokens:        resp.Usage.OutputTokens,
			CacheReadTokens:     resp.Usage.CacheReadInputTokens,
			CacheCreationTokens: resp.Usage.CacheCreationInputTokens,
			Model:               string(p.model),
		},
	}
	for _, block := range resp.Content {
		switch variant := block.AsAny().(type) {
		case anthropic.TextBlock:
			out.Text += variant.Text
		case anthropic.ToolUseBlock:
			var input map[string]any
			if len(variant.Input) > 0 {
				if err := json.Unmarshal(variant.Input, &input); err != nil {
					return ChatResponse{}, &driver.ModelProviderError{Provider: p.name, Kind: driver.KindEmptyResponse, Message: "malformed tool input", Err: err}
				}
			}
			out.ToolCalls = append(out.ToolCalls, ToolCall{ID: variant.ID, Name: variant.Name, Input: input})
		}
	}
	return out, nil
}

func toAnthropicMessages(msgs []Message) []anthropic.MessageParam {
	msgs = mergeUserTurns(msgs)
	out := make([]anthropic.MessageParam, 0, len(msgs))
	for _, m := range msgs {
		var blocks []anthropic.ContentBlockParamUnion
		switch m.Role {
		case RoleAssistant:
			if m.Text != "" {
				blocks = append(blocks, anthropic.NewTextBlock(m.Text))
			}
			for _, tc := range m.ToolCalls {
				blocks = append(blocks, anthropic.NewToolUseBlock(tc.ID, tc.Input, tc.Name))
			}
			if len(blocks) > 0 {
				out = append(out, anthropic.NewAssistantMessage(blocks...))
			}
		default:
			// Tool results must lead the user turn that answers a tool_use.
			for _, tr := range m.ToolResults {
				blocks = append(blocks, anthropic.NewToolResultBlock(tr.CallID, tr.Content, tr.IsError))
			}
			if m.Text != "" {
				blocks = append(blocks, anthropic.NewTextBlock(m.Text))
			}
			if len(blocks) > 0 {
				out = append(out, anthropic.NewUserMessage(blocks...))
			}
		}
	}
	return out
}

func (p *anthropicProvider) classify(err error) error {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return driver.Classify(p.name, err, apiErr.StatusCode)
	}
	return driver.Classify(p.name, fmt.Errorf("messages request: %w", err), 0)
}
