package turn

import (
	"encoding/json"
	"time"
)

// SessionStatus is the lifecycle status of a session
type SessionStatus string

const (
	SessionActive   SessionStatus = "active"
	SessionArchived SessionStatus = "archived"
	SessionDeleted  SessionStatus = "deleted"
)

// Session represents a conversation owned by a single user
type Session struct {
	ID             string        `json:"id"`
	UserID         string        `json:"user_id"`
	Status         SessionStatus `json:"status"`
	CreatedAt      time.Time     `json:"created_at"`
	LastActivityAt time.Time     `json:"last_activity_at"`
}

// SegmentKind identifies the type of an output segment
type SegmentKind string

const (
	SegmentText       SegmentKind = "text"
	SegmentToolCall   SegmentKind = "tool_call"
	SegmentToolResult SegmentKind = "tool_result"
	SegmentError      SegmentKind = "error"
)

// Segment is one ordered unit of a turn's output
type Segment struct {
	TurnID  string          `json:"turn_id"`
	Index   int             `json:"index"`
	Kind    SegmentKind     `json:"kind"`
	Payload json.RawMessage `json:"payload"`
}

// Turn represents one request/response cycle within a session
type Turn struct {
	ID           string     `json:"id"`
	SessionID    string     `json:"session_id"`
	InputMessage string     `json:"input_message"`
	State        State      `json:"state"`
	StartedAt    time.Time  `json:"started_at"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	CancelReason string     `json:"cancel_reason,omitempty"`
}

// Transition moves the turn to the given state, enforcing the lifecycle.
func (t *Turn) Transition(to State) error {
	if err := t.State.CanTransition(to); err != nil {
		return err
	}
	t.State = to
	if to.Terminal() {
		now := time.Now()
		t.CompletedAt = &now
	}
	return nil
}

// InvocationStatus is the lifecycle status of a tool invocation
type InvocationStatus string

const (
	InvocationPending   InvocationStatus = "pending"
	InvocationRunning   InvocationStatus = "running"
	InvocationSucceeded InvocationStatus = "succeeded"
	InvocationFailed    InvocationStatus = "failed"
	InvocationTimedOut  InvocationStatus = "timed_out"
)

// ToolInvocation is one tool call requested by the model within a turn
type ToolInvocation struct {
	ID      string           `json:"id"`
	TurnID  string           `json:"turn_id"`
	ToolID  string           `json:"tool_id"`
	Payload json.RawMessage  `json:"payload"`
	Status  InvocationStatus `json:"status"`
	Result  json.RawMessage  `json:"result,omitempty"`
	Error   string           `json:"error,omitempty"`
	Attempt int              `json:"attempt"`
}

// ReservationState is the lifecycle status of a quota reservation
type ReservationState string

const (
	ReservationReserved  ReservationState = "reserved"
	ReservationCommitted ReservationState = "committed"
	ReservationReleased  ReservationState = "released"
)

// QuotaReservation tracks usage budget reserved before a turn starts
type QuotaReservation struct {
	ID            string           `json:"id"`
	UserID        string           `json:"user_id"`
	EstimatedCost int64            `json:"estimated_cost"`
	ActualCost    *int64           `json:"actual_cost,omitempty"`
	State         ReservationState `json:"state"`
	CreatedAt     time.Time        `json:"created_at"`
}

// EventKind identifies the type of a stream event
type EventKind string

const (
	EventDelta      EventKind = "delta"
	EventToolCall   EventKind = "tool_call"
	EventToolResult EventKind = "tool_result"
	EventError      EventKind = "error"
	EventDone       EventKind = "done"
)

// StreamEvent is the immutable, append-only unit emitted to the client
type StreamEvent struct {
	Sequence uint64          `json:"seq"`
	TurnID   string          `json:"turn_id"`
	Kind     EventKind       `json:"kind"`
	Payload  json.RawMessage `json:"payload,omitempty"`
}

// DeltaPayload carries incremental model text
type DeltaPayload struct {
	Text string `json:"text"`
}

// ToolCallPayload announces a tool invocation requested by the model
type ToolCallPayload struct {
	InvocationID string          `json:"invocation_id"`
	ToolID       string          `json:"tool_id"`
	Arguments    json.RawMessage `json:"arguments,omitempty"`
}

// ToolResultPayload carries a resolved tool invocation
type ToolResultPayload struct {
	InvocationID string          `json:"invocation_id"`
	ToolID       string          `json:"tool_id"`
	Status       string          `json:"status"`
	Result       json.RawMessage `json:"result,omitempty"`
	Error        string          `json:"error,omitempty"`
}

// ErrorPayload carries a mid-turn error surfaced to the client
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// DonePayload closes the turn's transcript
type DonePayload struct {
	State        State  `json:"state"`
	CancelReason string `json:"cancel_reason,omitempty"`
}

// Usage tracks token consumption for a turn
type Usage struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
}

// Cost returns the billable cost of the usage in token units.
func (u Usage) Cost() int64 {
	return u.InputTokens + u.OutputTokens
}
