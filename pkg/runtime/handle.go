package runtime

import (
	"context"
	"sync"

	"github.com/parley-ai/parley/pkg/stream"
	"github.com/parley-ai/parley/pkg/turn"
)

// TurnHandle is the caller's view of a running turn.
type TurnHandle struct {
	TurnID    string
	SessionID string

	coordinator *stream.Coordinator
	done        chan struct{}

	mu         sync.Mutex
	finalState turn.State
	finalErr   error
}

func newTurnHandle(turnID, sessionID string, coordinator *stream.Coordinator) *TurnHandle {
	return &TurnHandle{
		TurnID:      turnID,
		SessionID:   sessionID,
		coordinator: coordinator,
		done:        make(chan struct{}),
	}
}

// Events returns the turn's ordered event stream. The channel closes after
// the done event.
func (h *TurnHandle) Events() <-chan turn.StreamEvent {
	return h.coordinator.Events()
}

// Wait blocks until the turn reached a terminal state. The returned error
// is the failure that terminated the turn, nil for Completed and Cancelled.
func (h *TurnHandle) Wait(ctx context.Context) (turn.State, error) {
	select {
	case <-h.done:
		h.mu.Lock()
		defer h.mu.Unlock()
		return h.finalState, h.finalErr
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (h *TurnHandle) finish(state turn.State, err error) {
	h.mu.Lock()
	h.finalState = state
	h.finalErr = err
	h.mu.Unlock()
	close(h.done)
}
