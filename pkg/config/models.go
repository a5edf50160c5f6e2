package config

import (
	"fmt"
	"strings"

	"foreman/pkg/driver"
)

// Providers known to the model registry. Bedrock is selected explicitly via
// AgentConfig.Provider; it serves the anthropic models.
const (
	ProviderAnthropic = "anthropic"
	ProviderBedrock   = "bedrock"
	ProviderOpenAI    = "openai"
	ProviderGemini    = "gemini"
	ProviderOllama    = "ollama"
)

// ModelInfo contains static information about a known model.
type ModelInfo struct {
	Provider string
	// Cost per million tokens (USD).
	InputCPM     float64
	OutputCPM    float64
	CacheReadCPM float64
	// MaxOutputTokens is used as the default response budget.
	MaxOutputTokens int
}

// KnownModels carries pricing for common models. Unknown models are accepted
// when ProviderPatterns can infer the provider; they are simply not costed.
//
//nolint:gochecknoglobals // static model registry
var KnownModels = map[string]ModelInfo{
	"claude-sonnet-4-5":          {Provider: ProviderAnthropic, InputCPM: 3.0, OutputCPM: 15.0, CacheReadCPM: 0.30, MaxOutputTokens: 16384},
	"claude-sonnet-4-20250514":   {Provider: ProviderAnthropic, InputCPM: 3.0, OutputCPM: 15.0, CacheReadCPM: 0.30, MaxOutputTokens: 8192},
	"claude-opus-4-1":            {Provider: ProviderAnthropic, InputCPM: 15.0, OutputCPM: 75.0, CacheReadCPM: 1.50, MaxOutputTokens: 16384},
	"claude-opus-4-5":            {Provider: ProviderAnthropic, InputCPM: 5.0, OutputCPM: 25.0, CacheReadCPM: 0.50, MaxOutputTokens: 16384},
	"claude-haiku-4-5":           {Provider: ProviderAnthropic, InputCPM: 1.0, OutputCPM: 5.0, CacheReadCPM: 0.10, MaxOutputTokens: 8192},
	"claude-3-7-sonnet-20250219": {Provider: ProviderAnthropic, InputCPM: 3.0, OutputCPM: 15.0, CacheReadCPM: 0.30, MaxOutputTokens: 8192},
	"gpt-4o":                     {Provider: ProviderOpenAI, InputCPM: 2.5, OutputCPM: 10.0, CacheReadCPM: 1.25, MaxOutputTokens: 4096},
	"gpt-5":                      {Provider: ProviderOpenAI, InputCPM: 1.25, OutputCPM: 10.0, CacheReadCPM: 0.125, MaxOutputTokens: 16384},
	"o3":                         {Provider: ProviderOpenAI, InputCPM: 2.0, OutputCPM: 8.0, CacheReadCPM: 0.50, MaxOutputTokens: 16384},
	"o4-mini":                    {Provider: ProviderOpenAI, InputCPM: 1.1, OutputCPM: 4.4, CacheReadCPM: 0.275, MaxOutputTokens: 16384},
	"gemini-2.5-flash":           {Provider: ProviderGemini, InputCPM: 0.30, OutputCPM: 2.50, MaxOutputTokens: 65536},
	"gemini-2.5-pro":             {Provider: ProviderGemini, InputCPM: 1.25, OutputCPM: 10.0, MaxOutputTokens: 65536},
	"gemini-3-pro-preview":       {Provider: ProviderGemini, InputCPM: 2.0, OutputCPM: 12.0, MaxOutputTokens: 65536},
}

// ProviderPattern infers a provider from a model name prefix.
type ProviderPattern struct {
	Prefix   string
	Provider string
}

// ProviderPatterns are tried in order for models missing from KnownModels.
//
//nolint:gochecknoglobals // static inference rules
var ProviderPatterns = []ProviderPattern{
	{"claude", ProviderAnthropic},
	{"anthropic.", ProviderBedrock},
	{"us.anthropic.", ProviderBedrock},
	{"gpt", ProviderOpenAI},
	{"o1", ProviderOpenAI},
	{"o3", ProviderOpenAI},
	{"o4", ProviderOpenAI},
	{"gemini", ProviderGemini},
	{"llama", ProviderOllama},
	{"qwen", ProviderOllama},
	{"mistral", ProviderOllama},
	{"deepseek", ProviderOllama},
	{"phi", ProviderOllama},
	{"ollama:", ProviderOllama},
}

// ProviderFor returns the provider serving model.
func ProviderFor(model string) (string, error) {
	if info, ok := KnownModels[model]; ok {
		return info.Provider, nil
	}
	for _, p := range ProviderPatterns {
		if strings.HasPrefix(model, p.Prefix) {
			return p.Provider, nil
		}
	}
	return "", fmt.Errorf("unknown model %q: cannot infer provider", model)
}

// LookupModel returns the registry entry for model. For unknown models the
// provider is inferred and prices are zero.
func LookupModel(model string) (ModelInfo, bool) {
	if info, ok := KnownModels[model]; ok {
		return info, true
	}
	provider, _ := ProviderFor(model)
	return ModelInfo{Provider: provider, MaxOutputTokens: 4096}, false
}

// CalculateCost prices u at model's rates. Unknown models cost nothing.
func CalculateCost(model string, u driver.Usage) float64 {
	info, ok := KnownModels[model]
	if !ok {
		return 0
	}
	const perMillion = 1_000_000.0
	return float64(u.InputTokens)/perMillion*info.InputCPM +
		float64(u.OutputTokens)/perMillion*info.OutputCPM +
		float64(u.CacheReadTokens)/perMillion*info.CacheReadCPM
}

// WithCost fills u.CostUSD when the backend did not report it.
func WithCost(model string, u driver.Usage) driver.Usage {
	if u.CostUSD == 0 {
		if model == "" {
			model = u.Model
		}
		u.CostUSD = CalculateCost(model, u)
	}
	return u
}
