package stream

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parley-ai/parley/pkg/turn"
)

func drain(c *Coordinator) []turn.StreamEvent {
	var events []turn.StreamEvent
	for ev := range c.Events() {
		events = append(events, ev)
	}
	return events
}

func TestCoordinator_SequencesAreGapFree(t *testing.T) {
	c := NewCoordinator(Config{TurnID: "t1", BufferSize: 64})

	for i := 0; i < 10; i++ {
		require.NoError(t, c.Delta(fmt.Sprintf("chunk-%d", i)))
	}
	c.Done(turn.StateCompleted, "")

	events := drain(c)
	require.Len(t, events, 11)
	for i, ev := range events {
		assert.Equal(t, uint64(i+1), ev.Sequence)
		assert.Equal(t, "t1", ev.TurnID)
	}
	assert.Equal(t, turn.EventDone, events[len(events)-1].Kind)
}

func TestCoordinator_ToolResultsReleasedInCallOrder(t *testing.T) {
	c := NewCoordinator(Config{TurnID: "t1", BufferSize: 64})

	for _, id := range []string{"inv-a", "inv-b", "inv-c"} {
		require.NoError(t, c.ToolCall(turn.ToolCallPayload{InvocationID: id, ToolID: "search"}))
	}

	// Results complete in reverse order.
	require.NoError(t, c.ToolResult(turn.ToolResultPayload{InvocationID: "inv-c", Status: "succeeded"}))
	require.NoError(t, c.ToolResult(turn.ToolResultPayload{InvocationID: "inv-b", Status: "succeeded"}))
	require.NoError(t, c.ToolResult(turn.ToolResultPayload{InvocationID: "inv-a", Status: "succeeded"}))
	c.Done(turn.StateCompleted, "")

	var resultOrder []string
	for _, ev := range drain(c) {
		if ev.Kind != turn.EventToolResult {
			continue
		}
		var p turn.ToolResultPayload
		require.NoError(t, json.Unmarshal(ev.Payload, &p))
		resultOrder = append(resultOrder, p.InvocationID)
	}
	assert.Equal(t, []string{"inv-a", "inv-b", "inv-c"}, resultOrder)
}

func TestCoordinator_ResultsHeldUntilEarlierResolve(t *testing.T) {
	c := NewCoordinator(Config{TurnID: "t1", BufferSize: 64})

	require.NoError(t, c.ToolCall(turn.ToolCallPayload{InvocationID: "inv-a", ToolID: "fetch"}))
	require.NoError(t, c.ToolCall(turn.ToolCallPayload{InvocationID: "inv-b", ToolID: "fetch"}))
	require.NoError(t, c.ToolResult(turn.ToolResultPayload{InvocationID: "inv-b", Status: "succeeded"}))

	// inv-b is buffered: only the two tool_call events are visible so far.
	assert.Equal(t, 2, len(c.Events()))

	require.NoError(t, c.ToolResult(turn.ToolResultPayload{InvocationID: "inv-a", Status: "failed"}))
	assert.Equal(t, 4, len(c.Events()))
}

func TestCoordinator_OverflowFailsStream(t *testing.T) {
	c := NewCoordinator(Config{TurnID: "t1", BufferSize: 4})

	var overflowErr error
	for i := 0; i < 10; i++ {
		if err := c.Delta("x"); err != nil {
			overflowErr = err
			break
		}
	}
	require.Error(t, overflowErr)
	var oe *turn.StreamOverflowError
	require.ErrorAs(t, overflowErr, &oe)
	assert.Equal(t, 4, oe.Bound)
	assert.True(t, c.Overflowed())

	// The reserved slot still delivers the terminal event.
	c.Done(turn.StateFailed, "")
	events := drain(c)
	require.NotEmpty(t, events)
	last := events[len(events)-1]
	assert.Equal(t, turn.EventDone, last.Kind)

	// No gaps despite the rejected emits.
	for i, ev := range events {
		assert.Equal(t, uint64(i+1), ev.Sequence)
	}
}

func TestCoordinator_DoneIsIdempotent(t *testing.T) {
	c := NewCoordinator(Config{TurnID: "t1", BufferSize: 8})
	require.NoError(t, c.Delta("hello"))

	c.Done(turn.StateCompleted, "")
	c.Done(turn.StateFailed, "")
	c.Done(turn.StateCancelled, "client_cancel")

	events := drain(c)
	var doneCount int
	for _, ev := range events {
		if ev.Kind == turn.EventDone {
			doneCount++
		}
	}
	assert.Equal(t, 1, doneCount)

	var p turn.DonePayload
	require.NoError(t, json.Unmarshal(events[len(events)-1].Payload, &p))
	assert.Equal(t, turn.StateCompleted, p.State)
}

func TestCoordinator_EmitAfterCloseReturnsErr(t *testing.T) {
	c := NewCoordinator(Config{TurnID: "t1", BufferSize: 8})
	c.Done(turn.StateCompleted, "")

	assert.ErrorIs(t, c.Delta("late"), ErrStreamClosed)
	assert.ErrorIs(t, c.ToolCall(turn.ToolCallPayload{InvocationID: "inv-z"}), ErrStreamClosed)
	assert.ErrorIs(t, c.ToolResult(turn.ToolResultPayload{InvocationID: "inv-z"}), ErrStreamClosed)
}

func TestCoordinator_CancelDropsLateDeltas(t *testing.T) {
	c := NewCoordinator(Config{TurnID: "t1", BufferSize: 8})
	require.NoError(t, c.Delta("before"))
	c.Cancel()
	require.NoError(t, c.Delta("after"))
	c.Done(turn.StateCancelled, "client_cancel")

	events := drain(c)
	require.Len(t, events, 2)
	assert.Equal(t, turn.EventDelta, events[0].Kind)
	assert.Equal(t, turn.EventDone, events[1].Kind)

	var p turn.DonePayload
	require.NoError(t, json.Unmarshal(events[1].Payload, &p))
	assert.Equal(t, "client_cancel", p.CancelReason)
}

func TestCoordinator_ErrorEventCarriesTaxonomyCode(t *testing.T) {
	c := NewCoordinator(Config{TurnID: "t1", BufferSize: 8})
	require.NoError(t, c.Error(&turn.ToolTimeoutError{ToolID: "search", Timeout: time.Second}))
	c.Done(turn.StateFailed, "")

	events := drain(c)
	require.Len(t, events, 2)
	var p turn.ErrorPayload
	require.NoError(t, json.Unmarshal(events[0].Payload, &p))
	assert.Equal(t, "tool_timeout", p.Code)
}
