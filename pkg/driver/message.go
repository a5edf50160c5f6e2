package driver

import (
	"context"
	"errors"
	"fmt"
)

// MessageType tags an AgenticMessage.
type MessageType string

const (
	MessageThinking   MessageType = "thinking"
	MessageToolCall   MessageType = "tool_call"
	MessageToolResult MessageType = "tool_result"
	MessageResult     MessageType = "result"
	MessageUsage      MessageType = "usage"
	MessageError      MessageType = "error"
)

// ErrStreamIncomplete is returned when a stream closes without a terminal message.
var ErrStreamIncomplete = errors.New("agentic stream closed without result")

// AgenticMessage is one streamed event from an agentic execution. Which fields
// are meaningful depends on Type.
type AgenticMessage struct {
	Type MessageType

	// Content carries thinking text or the final result text.
	Content string

	ToolName   string
	ToolInput  map[string]any
	ToolCallID string
	ToolOutput string
	IsError    bool

	// SessionID is set on MessageResult.
	SessionID string

	// Usage is a per-turn delta on MessageUsage.
	Usage *Usage

	// Err is set on MessageError.
	Err error
}

// Terminal reports whether the message ends a stream.
func (m AgenticMessage) Terminal() bool {
	return m.Type == MessageResult || m.Type == MessageError
}

func (m AgenticMessage) String() string {
	switch m.Type {
	case MessageToolCall:
		return fmt.Sprintf("tool_call(%s %s)", m.ToolName, m.ToolCallID)
	case MessageToolResult:
		return fmt.Sprintf("tool_result(%s error=%t)", m.ToolCallID, m.IsError)
	case MessageError:
		return fmt.Sprintf("error(%v)", m.Err)
	case MessageUsage:
		if m.Usage != nil {
			return fmt.Sprintf("usage(in=%d out=%d)", m.Usage.InputTokens, m.Usage.OutputTokens)
		}
	}
	return string(m.Type)
}

func ThinkingMessage(content string) AgenticMessage {
	return AgenticMessage{Type: MessageThinking, Content: content}
}

func ToolCallMessage(id, name string, input map[string]any) AgenticMessage {
	return AgenticMessage{Type: MessageToolCall, ToolCallID: id, ToolName: name, ToolInput: input}
}

func ToolResultMessage(id, name, output string, isError bool) AgenticMessage {
	return AgenticMessage{Type: MessageToolResult, ToolCallID: id, ToolName: name, ToolOutput: output, IsError: isError}
}

func ResultMessage(content, sessionID string) AgenticMessage {
	return AgenticMessage{Type: MessageResult, Content: content, SessionID: sessionID}
}

func UsageMessage(delta Usage) AgenticMessage {
	return AgenticMessage{Type: MessageUsage, Usage: &delta}
}

func ErrorMessage(err error) AgenticMessage {
	return AgenticMessage{Type: MessageError, Err: err, Content: err.Error()}
}

// Send delivers m unless ctx is done. It reports whether the message was sent.
func Send(ctx context.Context, out chan<- AgenticMessage, m AgenticMessage) bool {
	select {
	case out <- m:
		return true
	case <-ctx.Done():
		return false
	}
}

// Drain consumes a stream until it closes, calling fn for every message, and
// returns the terminal result message. An error message is returned as its
// error; a stream that closes early yields ErrStreamIncomplete.
func Drain(ctx context.Context, stream <-chan AgenticMessage, fn func(AgenticMessage)) (AgenticMessage, error) {
	var final *AgenticMessage
	for {
		select {
		case <-ctx.Done():
			return AgenticMessage{}, ctx.Err() //nolint:wrapcheck // cancellation passthrough
		case m, ok := <-stream:
			if !ok {
				if final == nil {
					return AgenticMessage{}, ErrStreamIncomplete
				}
				if final.Type == MessageError {
					return *final, final.Err
				}
				return *final, nil
			}
			if fn != nil {
				fn(m)
			}
			if m.Terminal() && final == nil {
				msg := m
				final = &msg
			}
		}
	}
}
