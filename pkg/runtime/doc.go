// Package runtime orchestrates turns: admission, the model stream loop,
// tool execution steps, cancellation, and finalization.
//
// Invariants:
// - A turn row exists only after quota reservation succeeded; a denied
//   reservation produces no turn and no events.
// - One active turn per session; a losing concurrent start releases its
//   reservation and returns ConflictError.
// - Every turn ends in exactly one terminal state, with the reservation
//   resolved exactly once: committed with actual usage on Completed,
//   released otherwise.
// - Cancellation is honored at every suspension point and is a no-op once
//   the turn is terminal.
//
// Usage:
//
//	m := runtime.NewManager(cfg)
//	handle, err := m.StartTurn(ctx, runtime.StartRequest{...})
//	for ev := range handle.Events() { ... }
//	state, err := handle.Wait(ctx)
package runtime
