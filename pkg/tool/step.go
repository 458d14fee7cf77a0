package tool

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"go.opentelemetry.io/otel/attribute"

	"github.com/parley-ai/parley/internal/tracing"
	"github.com/parley-ai/parley/pkg/turn"
)

// StepResult is the outcome of one invocation within a tool step. Either
// Result or Err is set; Err carries a taxonomy error the caller can relay
// to the model.
type StepResult struct {
	InvocationID string
	ToolID       string
	Status       turn.InvocationStatus
	Result       json.RawMessage
	Err          error
}

// ExecuteStep runs every invocation of one tool step concurrently, bounded
// by MaxConcurrent, and returns once all of them have resolved. Results are
// in the same order as the input regardless of completion order. A single
// failed invocation does not abort its siblings.
func (r *Registry) ExecuteStep(ctx context.Context, invs []turn.ToolInvocation, allowed map[string]bool) []StepResult {
	ctx, span := tracing.StartSpan(
		ctx,
		"parley.tool",
		"tool.execute_step",
		attribute.Int("invocations", len(invs)),
	)
	defer span.End()

	results := make([]StepResult, len(invs))
	sem := make(chan struct{}, r.cfg.MaxConcurrent)
	var wg sync.WaitGroup

	for i, inv := range invs {
		wg.Add(1)
		go func(i int, inv turn.ToolInvocation) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			result, err := r.Invoke(ctx, inv, allowed)
			results[i] = StepResult{
				InvocationID: inv.ID,
				ToolID:       inv.ToolID,
				Status:       statusFor(err),
				Result:       result,
				Err:          err,
			}
		}(i, inv)
	}
	wg.Wait()
	return results
}

func statusFor(err error) turn.InvocationStatus {
	if err == nil {
		return turn.InvocationSucceeded
	}
	var timeoutErr *turn.ToolTimeoutError
	if errors.As(err, &timeoutErr) {
		return turn.InvocationTimedOut
	}
	return turn.InvocationFailed
}
