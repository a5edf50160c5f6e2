// Package driver defines the contract every model backend implements: single-shot
// generation, streamed agentic execution with tool use, session continuity and
// per-call usage accounting.
package driver

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// Driver is a backend-specific implementation of the generate / execute-agentic contract.
//
// Implementations must be safe for concurrent use. A driver instance owns its
// sessions; a session id is only meaningful to the instance that issued it.
type Driver interface {
	// Name identifies the backend, e.g. "claude-cli" or "api:anthropic".
	Name() string

	// Generate performs one model call. When req.Schema is set the output is
	// validated and returned in GenerateResult.Structured; a mismatch yields a
	// *SchemaValidationError.
	Generate(ctx context.Context, req GenerateRequest) (GenerateResult, error)

	// ExecuteAgentic runs an autonomous tool-using execution. Messages are
	// delivered in emission order; the channel is closed after exactly one
	// terminal message (MessageResult or MessageError).
	ExecuteAgentic(ctx context.Context, req AgenticRequest) (<-chan AgenticMessage, error)

	// Usage returns the totals of the most recently completed call, or false if
	// no call has completed since the last one started.
	Usage() (Usage, bool)

	// CloseSession releases any state held for the session id.
	CloseSession(id string)
}

// GenerateRequest is the input to Driver.Generate.
type GenerateRequest struct {
	Prompt       string
	SystemPrompt string
	Schema       *Schema
	SessionID    string
	Cwd          string
}

// Validate checks caller input.
func (r GenerateRequest) Validate() error {
	if strings.TrimSpace(r.Prompt) == "" {
		return NewValidationError("prompt", "must not be empty")
	}
	return nil
}

// GenerateResult is the output of Driver.Generate.
type GenerateResult struct {
	Output     string
	Structured json.RawMessage
	SessionID  string
}

// Decode unmarshals the structured output into v.
func (r GenerateResult) Decode(v any) error {
	raw := r.Structured
	if len(raw) == 0 {
		raw = json.RawMessage(r.Output)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("decode structured output: %w", err)
	}
	return nil
}

// DecodeStructured decodes the structured output of res into v. Output from a
// driver that returned only text is searched for an embedded JSON object.
// Anything that cannot be decoded is a *SchemaValidationError.
func DecodeStructured(res GenerateResult, v any) error {
	raw := res.Structured
	if len(raw) == 0 {
		candidate, ok := ExtractJSON(res.Output)
		if !ok {
			return &SchemaValidationError{Problems: []string{"no JSON object found in output"}, Raw: res.Output}
		}
		raw = json.RawMessage(candidate)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return &SchemaValidationError{Problems: []string{err.Error()}, Raw: string(raw)}
	}
	return nil
}

// AgenticRequest is the input to Driver.ExecuteAgentic.
type AgenticRequest struct {
	Prompt string
	Cwd    string
	// SessionID resumes an existing conversation when set. Instructions are
	// ignored on resume; they were established on the first turn.
	SessionID    string
	Instructions string
}

// Validate checks caller input.
func (r AgenticRequest) Validate() error {
	if strings.TrimSpace(r.Prompt) == "" {
		return NewValidationError("prompt", "must not be empty")
	}
	if r.Cwd == "" {
		return NewValidationError("cwd", "must be set for agentic execution")
	}
	return nil
}

// Resume reports whether the request continues an existing session.
func (r AgenticRequest) Resume() bool {
	return r.SessionID != ""
}
