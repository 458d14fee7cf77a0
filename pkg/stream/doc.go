// Package stream merges model output and tool results into one ordered
// event stream per turn.
//
// Invariants:
// - Sequence numbers are strictly increasing from 1 with no gaps.
// - tool_result events are released in the order their tool_call events were
//   emitted, regardless of completion order.
// - Exactly one done event closes every stream, including on failure,
//   cancellation, and overflow.
// - The buffer is bounded; exceeding the bound fails the stream instead of
//   buffering without limit.
//
// Usage:
//
//	c := stream.NewCoordinator(stream.Config{TurnID: "t1", BufferSize: 256})
//	go consume(c.Events())
//	_ = c.Delta("hello")
//	c.Done(turn.StateCompleted, "")
package stream
