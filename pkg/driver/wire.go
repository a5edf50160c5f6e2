package driver

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Error categories carried on the wire so a relayed error keeps its type.
const (
	wireErrValidation = "validation"
	wireErrSchema     = "schema"
	wireErrProvider   = "provider"
	wireErrOther      = "other"
)

// wireMessage is the NDJSON form of an AgenticMessage, used between the
// sandbox worker and the container driver.
type wireMessage struct {
	Type       MessageType    `json:"type"`
	Content    string         `json:"content,omitempty"`
	ToolName   string         `json:"tool_name,omitempty"`
	ToolInput  map[string]any `json:"tool_input,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
	ToolOutput string         `json:"tool_output,omitempty"`
	IsError    bool           `json:"is_error,omitempty"`
	SessionID  string         `json:"session_id,omitempty"`
	Usage      *Usage         `json:"usage,omitempty"`
	Structured json.RawMessage `json:"structured,omitempty"`

	ErrorCategory string   `json:"error_category,omitempty"`
	ErrorMessage  string   `json:"error_message,omitempty"`
	ErrorKind     string   `json:"error_kind,omitempty"`
	Provider      string   `json:"provider,omitempty"`
	StatusCode    int      `json:"status_code,omitempty"`
	Problems      []string `json:"problems,omitempty"`
}

// EncodeMessage renders m as a single JSON line (without trailing newline).
func EncodeMessage(m AgenticMessage) ([]byte, error) {
	w := wireMessage{
		Type:       m.Type,
		Content:    m.Content,
		ToolName:   m.ToolName,
		ToolInput:  m.ToolInput,
		ToolCallID: m.ToolCallID,
		ToolOutput: m.ToolOutput,
		IsError:    m.IsError,
		SessionID:  m.SessionID,
		Usage:      m.Usage,
	}
	if m.Err != nil {
		encodeError(&w, m.Err)
	}
	b, err := json.Marshal(w)
	if err != nil {
		return nil, fmt.Errorf("encode agentic message: %w", err)
	}
	return b, nil
}

// EncodeGenerateResult renders a Generate outcome as a result line.
func EncodeGenerateResult(res GenerateResult, usage Usage) ([]byte, error) {
	w := wireMessage{
		Type:       MessageResult,
		Content:    res.Output,
		SessionID:  res.SessionID,
		Structured: res.Structured,
		Usage:      &usage,
	}
	b, err := json.Marshal(w)
	if err != nil {
		return nil, fmt.Errorf("encode generate result: %w", err)
	}
	return b, nil
}

func encodeError(w *wireMessage, err error) {
	w.ErrorMessage = err.Error()
	var validation *ValidationError
	var schema *SchemaValidationError
	var provider *ModelProviderError
	switch {
	case errors.As(err, &validation):
		w.ErrorCategory = wireErrValidation
		w.ErrorMessage = validation.Message
		w.ToolName = validation.Field
	case errors.As(err, &schema):
		w.ErrorCategory = wireErrSchema
		w.Problems = schema.Problems
		w.ToolName = schema.Name()
	case errors.As(err, &provider):
		w.ErrorCategory = wireErrProvider
		w.ErrorKind = provider.Kind.String()
		w.Provider = provider.Provider
		w.StatusCode = provider.StatusCode
		w.ErrorMessage = provider.Message
	default:
		w.ErrorCategory = wireErrOther
	}
}

// Name returns the schema name.
func (e *SchemaValidationError) Name() string { return e.Schema }

// DecodeMessage parses one NDJSON line into an AgenticMessage, rebuilding typed errors.
func DecodeMessage(line []byte) (AgenticMessage, json.RawMessage, error) {
	var w wireMessage
	if err := json.Unmarshal(line, &w); err != nil {
		return AgenticMessage{}, nil, fmt.Errorf("decode agentic message: %w", err)
	}
	m := AgenticMessage{
		Type:       w.Type,
		Content:    w.Content,
		ToolName:   w.ToolName,
		ToolInput:  w.ToolInput,
		ToolCallID: w.ToolCallID,
		ToolOutput: w.ToolOutput,
		IsError:    w.IsError,
		SessionID:  w.SessionID,
		Usage:      w.Usage,
	}
	if w.Type == MessageError {
		m.Err = decodeError(w)
		m.ToolName = ""
	}
	return m, w.Structured, nil
}

func decodeError(w wireMessage) error {
	switch w.ErrorCategory {
	case wireErrValidation:
		return &ValidationError{Field: w.ToolName, Message: w.ErrorMessage}
	case wireErrSchema:
		return &SchemaValidationError{Schema: w.ToolName, Problems: w.Problems}
	case wireErrProvider:
		return &ModelProviderError{
			Provider:   w.Provider,
			Kind:       ParseErrorKind(w.ErrorKind),
			StatusCode: w.StatusCode,
			Message:    w.ErrorMessage,
		}
	default:
		msg := w.ErrorMessage
		if msg == "" {
			msg = w.Content
		}
		return errors.New(msg)
	}
}
