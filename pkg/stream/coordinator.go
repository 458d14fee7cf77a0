package stream

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/parley-ai/parley/internal/observability"
	"github.com/parley-ai/parley/pkg/turn"
)

// ErrStreamClosed is returned when an event is offered after the done event.
var ErrStreamClosed = errors.New("stream: already closed")

// DefaultBufferSize bounds the number of undelivered events per turn.
const DefaultBufferSize = 256

// Config configures a Coordinator.
type Config struct {
	TurnID     string
	BufferSize int
	Logger     *zerolog.Logger
}

// Coordinator owns the ordered event stream of a single turn. All producers
// funnel through it; sequence numbers are assigned under one lock so the
// consumer observes a gap-free total order.
type Coordinator struct {
	turnID     string
	bufferSize int
	logger     zerolog.Logger

	// events holds one extra slot beyond bufferSize so the terminal done
	// event can always be delivered, even after an overflow.
	events chan turn.StreamEvent

	mu         sync.Mutex
	seq        uint64
	closed     bool
	cancelled  bool
	overflowed bool

	callOrder  []string
	pending    map[string]turn.ToolResultPayload
	nextResult int
}

// NewCoordinator creates a Coordinator for one turn.
func NewCoordinator(cfg Config) *Coordinator {
	observability.EnsureRegistered()
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultBufferSize
	}
	logger := log.Logger
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}
	return &Coordinator{
		turnID:     cfg.TurnID,
		bufferSize: cfg.BufferSize,
		logger:     logger.With().Str("component", "stream").Str("turn_id", cfg.TurnID).Logger(),
		events:     make(chan turn.StreamEvent, cfg.BufferSize+1),
		pending:    make(map[string]turn.ToolResultPayload),
	}
}

// Events returns the channel the consumer reads. The channel is closed
// after the done event has been delivered.
func (c *Coordinator) Events() <-chan turn.StreamEvent {
	return c.events
}

// Delta emits an incremental text event. Deltas arriving after cancellation
// are dropped silently; the model stream drains in the background.
func (c *Coordinator) Delta(text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancelled {
		return nil
	}
	return c.emitLocked(turn.EventDelta, turn.DeltaPayload{Text: text})
}

// ToolCall emits a tool_call event and records the invocation in call order
// so the matching result is released in the same position.
func (c *Coordinator) ToolCall(p turn.ToolCallPayload) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.emitLocked(turn.EventToolCall, p); err != nil {
		return err
	}
	c.callOrder = append(c.callOrder, p.InvocationID)
	return nil
}

// ToolResult accepts a resolved invocation. Results completing out of order
// are held until every earlier invocation of the step has resolved.
func (c *Coordinator) ToolResult(p turn.ToolResultPayload) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrStreamClosed
	}
	c.pending[p.InvocationID] = p
	for c.nextResult < len(c.callOrder) {
		next, ok := c.pending[c.callOrder[c.nextResult]]
		if !ok {
			break
		}
		delete(c.pending, next.InvocationID)
		if err := c.emitLocked(turn.EventToolResult, next); err != nil {
			return err
		}
		c.nextResult++
	}
	return nil
}

// Error emits an error event carrying the taxonomy code of err. It does not
// close the stream; the caller follows up with Done.
func (c *Coordinator) Error(err error) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.emitLocked(turn.EventError, turn.ErrorPayload{
		Code:    turn.ErrorCode(err),
		Message: err.Error(),
	})
}

// Cancel marks the stream cancelled. Subsequent deltas are dropped so late
// model output from a draining stream never reaches the client. Buffered
// results and the done event still go through.
func (c *Coordinator) Cancel() {
	c.mu.Lock()
	c.cancelled = true
	c.mu.Unlock()
}

// Done emits the terminal event and closes the stream. Repeated calls are
// no-ops, which keeps close paths safe to run from both the turn loop and
// its failure handling.
func (c *Coordinator) Done(state turn.State, cancelReason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	payload := turn.DonePayload{State: state, CancelReason: cancelReason}
	raw, err := json.Marshal(payload)
	if err != nil {
		c.logger.Error().Err(err).Msg("failed to marshal done payload")
		raw = nil
	}
	c.seq++
	// The reserved slot guarantees this send never blocks.
	c.events <- turn.StreamEvent{
		Sequence: c.seq,
		TurnID:   c.turnID,
		Kind:     turn.EventDone,
		Payload:  raw,
	}
	observability.RecordStreamEvent(string(turn.EventDone))
	c.closed = true
	close(c.events)
}

// Overflowed reports whether the stream was terminated by buffer overflow.
func (c *Coordinator) Overflowed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.overflowed
}

// emitLocked assigns the next sequence number and delivers the event without
// blocking. The caller holds c.mu.
func (c *Coordinator) emitLocked(kind turn.EventKind, payload any) error {
	if c.closed {
		return ErrStreamClosed
	}
	if c.overflowed {
		return &turn.StreamOverflowError{TurnID: c.turnID, Bound: c.bufferSize}
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", kind, err)
	}
	if len(c.events) >= c.bufferSize {
		c.overflowed = true
		observability.RecordStreamOverflow()
		c.logger.Warn().
			Int("bound", c.bufferSize).
			Str("kind", string(kind)).
			Msg("stream buffer overflow, failing turn")
		return &turn.StreamOverflowError{TurnID: c.turnID, Bound: c.bufferSize}
	}
	c.seq++
	c.events <- turn.StreamEvent{
		Sequence: c.seq,
		TurnID:   c.turnID,
		Kind:     kind,
		Payload:  raw,
	}
	observability.RecordStreamEvent(string(kind))
	observability.SetStreamBufferDepth(len(c.events))
	return nil
}
