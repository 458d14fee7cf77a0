package model

import (
	"context"
	"sync"

	"github.com/parley-ai/parley/pkg/turn"
)

// ScriptClient replays pre-scripted event sequences, one per Stream call.
// It exists so orchestration tests run deterministically without a
// provider. Calls beyond the script return an empty end_turn stream.
type ScriptClient struct {
	mu      sync.Mutex
	scripts [][]Event
	errs    []error
	calls   int

	// Requests records every request for assertions.
	Requests []Request
}

// NewScriptClient creates a client that replays the given sequences in
// order.
func NewScriptClient(scripts ...[]Event) *ScriptClient {
	return &ScriptClient{scripts: scripts}
}

// FailCall makes the nth Stream call (0-based) end with err after its
// scripted events.
func (c *ScriptClient) FailCall(n int, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for len(c.errs) <= n {
		c.errs = append(c.errs, nil)
	}
	c.errs[n] = err
}

// Provider returns "script".
func (c *ScriptClient) Provider() string {
	return "script"
}

// Stream replays the next scripted sequence.
func (c *ScriptClient) Stream(ctx context.Context, req Request) (*Stream, error) {
	c.mu.Lock()
	call := c.calls
	c.calls++
	c.Requests = append(c.Requests, req)
	var events []Event
	if call < len(c.scripts) {
		events = c.scripts[call]
	}
	var failure error
	if call < len(c.errs) {
		failure = c.errs[call]
	}
	c.mu.Unlock()

	s := newStream()
	go func() {
		defer close(s.events)
		for _, ev := range events {
			select {
			case s.events <- ev:
			case <-ctx.Done():
				s.fail(&turn.ModelStreamError{Provider: c.Provider(), Err: ctx.Err()})
				return
			}
		}
		if failure != nil {
			s.fail(failure)
			return
		}
		if len(events) == 0 || events[len(events)-1].Type != EventTypeStop {
			s.events <- Event{Type: EventTypeStop, StopReason: StopEndTurn}
		}
	}()
	return s, nil
}

// Calls returns how many streams have been started.
func (c *ScriptClient) Calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}
