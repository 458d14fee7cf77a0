package model

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/parley-ai/parley/internal/config"
	"github.com/parley-ai/parley/pkg/turn"
)

// EventType identifies the kind of a model stream event.
type EventType string

const (
	// EventTypeDelta carries incremental assistant text.
	EventTypeDelta EventType = "delta"
	// EventTypeToolUse carries one complete tool call request.
	EventTypeToolUse EventType = "tool_use"
	// EventTypeUsage carries token accounting, emitted at most once.
	EventTypeUsage EventType = "usage"
	// EventTypeStop closes the stream with the provider's stop reason.
	EventTypeStop EventType = "stop"
)

// Stop reasons normalized across providers.
const (
	StopEndTurn = "end_turn"
	StopToolUse = "tool_use"
)

// ToolUse is a complete tool call requested by the model.
type ToolUse struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// Event is one normalized unit of model output.
type Event struct {
	Type       EventType
	Text       string
	ToolUse    *ToolUse
	Usage      *turn.Usage
	StopReason string
}

// Message is one entry of the conversation sent to the model.
type Message struct {
	// Role is user, assistant, or tool.
	Role    string
	Content string
	// ToolCallID links a role=tool message to the call it answers.
	ToolCallID string
	// ToolCalls are the calls an assistant message requested.
	ToolCalls []ToolUse
	// IsError marks a tool message as a failed invocation.
	IsError bool
}

// ToolSpec advertises one callable tool to the model.
type ToolSpec struct {
	Name        string
	Description string
	InputSchema json.RawMessage
}

// Request is one generation request.
type Request struct {
	Model       string
	System      string
	Messages    []Message
	Tools       []ToolSpec
	MaxTokens   int64
	Temperature float64
}

// Stream delivers normalized events from one generation. The channel closes
// after the stop event or on failure; Err reports why a stream ended early.
type Stream struct {
	events chan Event

	mu  sync.Mutex
	err error
}

func newStream() *Stream {
	return &Stream{events: make(chan Event, 16)}
}

// Events returns the event channel.
func (s *Stream) Events() <-chan Event {
	return s.events
}

// Err returns the terminal error of the stream, nil on clean stop. Valid
// after the event channel has closed.
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *Stream) fail(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

// Client streams model generations.
type Client interface {
	// Provider returns the provider name used in logs and metrics.
	Provider() string

	// Stream starts one generation. Events arrive on the returned stream
	// until stop or failure; cancelling ctx tears the stream down.
	Stream(ctx context.Context, req Request) (*Stream, error)
}

// NewClient builds a client for the given profile.
func NewClient(profile config.ModelProfile) (Client, error) {
	switch profile.Provider {
	case "anthropic":
		return NewAnthropicClient(profile.APIKey), nil
	case "openai":
		return NewOpenAIClient(profile.APIKey), nil
	default:
		return nil, fmt.Errorf("unknown model provider %q", profile.Provider)
	}
}
