package turn

// State is the lifecycle state of a turn
type State string

const (
	StateCreated       State = "created"
	StateStreaming     State = "streaming"
	StateToolPending   State = "tool_pending"
	StateToolExecuting State = "tool_executing"
	StateCompleted     State = "completed"
	StateFailed        State = "failed"
	StateCancelled     State = "cancelled"
)

// transitions maps each state to the set of states reachable from it.
// ToolPending/ToolExecuting can recur multiple times per turn.
var transitions = map[State][]State{
	StateCreated:       {StateStreaming, StateFailed, StateCancelled},
	StateStreaming:     {StateToolPending, StateCompleted, StateFailed, StateCancelled},
	StateToolPending:   {StateToolExecuting, StateFailed, StateCancelled},
	StateToolExecuting: {StateStreaming, StateFailed, StateCancelled},
	StateCompleted:     {},
	StateFailed:        {},
	StateCancelled:     {},
}

// Terminal reports whether the state accepts no further transitions
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateCancelled:
		return true
	}
	return false
}

// Valid reports whether the state is a known lifecycle state
func (s State) Valid() bool {
	_, ok := transitions[s]
	return ok
}

// CanTransition returns an InvalidStateError if moving to the given state
// is not allowed from the current one.
func (s State) CanTransition(to State) error {
	if !s.Valid() || !to.Valid() {
		return &InvalidStateError{From: s, To: to}
	}
	for _, next := range transitions[s] {
		if next == to {
			return nil
		}
	}
	return &InvalidStateError{From: s, To: to}
}

// Cancellable reports whether a turn in this state may be cancelled
func (s State) Cancellable() bool {
	switch s {
	case StateStreaming, StateToolPending, StateToolExecuting:
		return true
	}
	return false
}
