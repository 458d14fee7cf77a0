// Package turn defines the core data model for conversational turns.
//
// Invariants:
// - A session has at most one turn in a non-terminal state.
// - Stream event sequence numbers are strictly increasing per turn, gap-free.
// - Turn state transitions follow the turn lifecycle; terminal states are final.
//
// Usage:
//
//	t := turn.Turn{State: turn.StateStreaming}
//	if err := t.Transition(turn.StateToolPending); err != nil {
//		// illegal transition
//	}
package turn
