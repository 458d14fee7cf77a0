package turn

import (
	"errors"
	"fmt"
	"time"
)

// ErrSessionNotFound is returned when a session id resolves to nothing
var ErrSessionNotFound = errors.New("session not found")

// ErrTurnNotFound is returned when a turn id resolves to nothing
var ErrTurnNotFound = errors.New("turn not found")

// ErrReservationNotFound is returned when a reservation id resolves to nothing
var ErrReservationNotFound = errors.New("reservation not found")

// ConflictError indicates a concurrent turn is already active for the session
type ConflictError struct {
	SessionID    string
	ActiveTurnID string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("session %s already has an active turn %s", e.SessionID, e.ActiveTurnID)
}

// QuotaExceededError indicates admission was denied before any work began
type QuotaExceededError struct {
	UserID    string
	Requested int64
	Limit     int64
}

func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("quota exceeded for user %s: requested %d, limit %d", e.UserID, e.Requested, e.Limit)
}

// ForbiddenToolError indicates the tool is not in the caller's allowed set
type ForbiddenToolError struct {
	ToolID string
}

func (e *ForbiddenToolError) Error() string {
	return fmt.Sprintf("tool %s is not permitted for this caller", e.ToolID)
}

// ToolTimeoutError indicates a tool invocation exceeded its timeout
type ToolTimeoutError struct {
	ToolID  string
	Timeout time.Duration
}

func (e *ToolTimeoutError) Error() string {
	return fmt.Sprintf("tool %s timed out after %v", e.ToolID, e.Timeout)
}

// ToolExecutionError indicates a tool failed and was not retried
type ToolExecutionError struct {
	ToolID string
	Err    error
}

func (e *ToolExecutionError) Error() string {
	return fmt.Sprintf("tool %s execution failed: %v", e.ToolID, e.Err)
}

func (e *ToolExecutionError) Unwrap() error { return e.Err }

// ModelStreamError indicates an upstream generation failure mid-turn
type ModelStreamError struct {
	Provider string
	Err      error
}

func (e *ModelStreamError) Error() string {
	return fmt.Sprintf("model stream failed (%s): %v", e.Provider, e.Err)
}

func (e *ModelStreamError) Unwrap() error { return e.Err }

// InvalidStateError indicates an illegal turn state transition
type InvalidStateError struct {
	From State
	To   State
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("invalid turn state transition %s -> %s", e.From, e.To)
}

// PersistenceError indicates the session store was unavailable
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence failure during %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// StreamOverflowError indicates the backpressure buffer bound was exceeded
type StreamOverflowError struct {
	TurnID string
	Bound  int
}

func (e *StreamOverflowError) Error() string {
	return fmt.Sprintf("stream buffer overflow for turn %s (bound %d)", e.TurnID, e.Bound)
}

// ErrorCode maps an error to the taxonomy code carried on kind=error events.
func ErrorCode(err error) string {
	var (
		conflict  *ConflictError
		quota     *QuotaExceededError
		forbidden *ForbiddenToolError
		timeout   *ToolTimeoutError
		toolExec  *ToolExecutionError
		model     *ModelStreamError
		state     *InvalidStateError
		persist   *PersistenceError
		overflow  *StreamOverflowError
	)
	switch {
	case errors.As(err, &conflict):
		return "conflict"
	case errors.As(err, &quota):
		return "quota_exceeded"
	case errors.As(err, &forbidden):
		return "forbidden_tool"
	case errors.As(err, &timeout):
		return "tool_timeout"
	case errors.As(err, &toolExec):
		return "tool_execution"
	case errors.As(err, &model):
		return "model_stream"
	case errors.As(err, &state):
		return "invalid_state"
	case errors.As(err, &persist):
		return "persistence"
	case errors.As(err, &overflow):
		return "stream_overflow"
	default:
		return "internal"
	}
}
