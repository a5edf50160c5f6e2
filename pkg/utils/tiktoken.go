// Package utils provides token counting and identifier helpers shared by the
// drivers and the review evaluator.
package utils

import (
	"fmt"

	"github.com/tiktoken-go/tokenizer"
)

// TruncationMarker is appended to text cut down by TruncateToTokenLimit.
const TruncationMarker = "\n... [truncated]"

// TokenCounter counts tokens using a tiktoken encoding. Claude and Gemini do
// not publish tokenizers, so every model is approximated with cl100k.
type TokenCounter struct {
	codec tokenizer.Codec
}

// NewTokenCounter creates a counter for model.
func NewTokenCounter(model string) (*TokenCounter, error) {
	codec, err := tokenizer.ForModel(tokenizer.GPT4)
	if err != nil {
		return nil, fmt.Errorf("failed to create tokenizer codec for model %s: %w", model, err)
	}
	return &TokenCounter{codec: codec}, nil
}

// CountTokens returns the number of tokens in text.
func (tc *TokenCounter) CountTokens(text string) int {
	if tc == nil || tc.codec == nil {
		// 4 chars ≈ 1 token
		return len(text) / 4
	}
	count, err := tc.codec.Count(text)
	if err != nil {
		return len(text) / 4
	}
	return count
}

// TruncateToTokenLimit cuts text to at most limit tokens on a token boundary
// and appends TruncationMarker. Text already within the limit is returned as is.
func (tc *TokenCounter) TruncateToTokenLimit(text string, limit int) string {
	if limit <= 0 {
		return ""
	}
	if tc == nil || tc.codec == nil {
		if len(text) <= limit*4 {
			return text
		}
		return text[:limit*4] + TruncationMarker
	}

	ids, _, err := tc.codec.Encode(text)
	if err != nil || len(ids) <= limit {
		return text
	}
	head, err := tc.codec.Decode(ids[:limit])
	if err != nil {
		return text[:min(len(text), limit*4)] + TruncationMarker
	}
	return head + TruncationMarker
}
