package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parley-ai/parley/pkg/model"
	"github.com/parley-ai/parley/pkg/quota"
	"github.com/parley-ai/parley/pkg/store"
	"github.com/parley-ai/parley/pkg/tool"
	"github.com/parley-ai/parley/pkg/turn"
)

type fixture struct {
	store   *store.Store
	guard   *quota.Guard
	tools   *tool.Registry
	client  *model.ScriptClient
	manager *Manager
}

func newFixture(t *testing.T, client *model.ScriptClient, limit int64) *fixture {
	t.Helper()
	logger := zerolog.Nop()

	st, err := store.Open(store.Config{
		Path:   filepath.Join(t.TempDir(), "parley.db"),
		Logger: logger,
	})
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	guard, err := quota.New(quota.Config{DB: st.DB(), DailyLimit: limit, Logger: logger})
	require.NoError(t, err)

	registry := tool.NewRegistry(tool.Config{
		MaxConcurrent:  4,
		DefaultTimeout: time.Second,
		RetryBackoff:   time.Millisecond,
		Logger:         &logger,
	})

	mgr, err := NewManager(Config{
		Store:            st,
		Quota:            guard,
		Tools:            registry,
		Model:            client,
		DefaultModel:     "test-model",
		QuotaEstimate:    100,
		MaxToolSteps:     5,
		PersistRetries:   1,
		PersistBackoff:   time.Millisecond,
		StreamBufferSize: 64,
		Logger:           &logger,
	})
	require.NoError(t, err)

	return &fixture{store: st, guard: guard, tools: registry, client: client, manager: mgr}
}

func registerEcho(t *testing.T, f *fixture, id string) {
	t.Helper()
	p, err := tool.NewLocalProvider(tool.LocalDefinition{
		ID: id,
		Handler: func(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
			return json.RawMessage(`{"echo":true}`), nil
		},
	})
	require.NoError(t, err)
	require.NoError(t, f.tools.Register(p))
}

func simpleScript(text string) []model.Event {
	return []model.Event{
		{Type: model.EventTypeDelta, Text: text},
		{Type: model.EventTypeUsage, Usage: &turn.Usage{InputTokens: 5, OutputTokens: 3}},
		{Type: model.EventTypeStop, StopReason: model.StopEndTurn},
	}
}

func collectEvents(t *testing.T, h *TurnHandle) []turn.StreamEvent {
	t.Helper()
	var events []turn.StreamEvent
	for ev := range h.Events() {
		events = append(events, ev)
	}
	return events
}

func TestStartTurn_CompletesSimpleTurn(t *testing.T) {
	f := newFixture(t, model.NewScriptClient(simpleScript("hello there")), 1000)

	handle, err := f.manager.StartTurn(context.Background(), StartRequest{UserID: "alice", Input: "hi"})
	require.NoError(t, err)

	events := collectEvents(t, handle)
	state, err := handle.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, turn.StateCompleted, state)

	// delta, done; gap-free sequences; done last.
	require.GreaterOrEqual(t, len(events), 2)
	assert.Equal(t, turn.EventDelta, events[0].Kind)
	assert.Equal(t, turn.EventDone, events[len(events)-1].Kind)
	for i, ev := range events {
		assert.Equal(t, uint64(i+1), ev.Sequence)
	}

	stored, err := f.store.GetTurn(context.Background(), handle.TurnID)
	require.NoError(t, err)
	assert.Equal(t, turn.StateCompleted, stored.State)

	segments, err := f.store.Segments(context.Background(), handle.TurnID)
	require.NoError(t, err)
	require.NotEmpty(t, segments)
	assert.Equal(t, turn.SegmentText, segments[0].Kind)
}

func TestStartTurn_CommitsActualUsage(t *testing.T) {
	f := newFixture(t, model.NewScriptClient(simpleScript("ok")), 1000)

	handle, err := f.manager.StartTurn(context.Background(), StartRequest{UserID: "alice", Input: "hi"})
	require.NoError(t, err)
	collectEvents(t, handle)
	_, err = handle.Wait(context.Background())
	require.NoError(t, err)

	used, limit, err := f.guard.Usage(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(1000), limit)
	// Committed at actual cost (8 tokens), not the 100-token estimate.
	assert.Equal(t, int64(8), used)
}

func TestStartTurn_QuotaDeniedLeavesNoTurn(t *testing.T) {
	f := newFixture(t, model.NewScriptClient(), 50) // below the 100 estimate

	_, err := f.manager.StartTurn(context.Background(), StartRequest{
		SessionID: "sess-1", UserID: "alice", Input: "hi",
	})
	var quotaErr *turn.QuotaExceededError
	require.ErrorAs(t, err, &quotaErr)

	active, err := f.store.ActiveTurn(context.Background(), "sess-1")
	require.NoError(t, err)
	assert.Nil(t, active)
	assert.Equal(t, 0, f.client.Calls())
}

func TestStartTurn_ConflictReleasesReservation(t *testing.T) {
	// A script that never stops until we let it: use a slow tool to hold
	// the first turn open.
	script := []model.Event{
		{Type: model.EventTypeToolUse, ToolUse: &model.ToolUse{ID: "inv-1", Name: "slow", Arguments: json.RawMessage(`{}`)}},
		{Type: model.EventTypeStop, StopReason: model.StopToolUse},
	}
	f := newFixture(t, model.NewScriptClient(script, simpleScript("after tools")), 1000)

	release := make(chan struct{})
	p, err := tool.NewLocalProvider(tool.LocalDefinition{
		ID: "slow",
		Handler: func(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
			select {
			case <-release:
				return json.RawMessage(`{}`), nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		},
	})
	require.NoError(t, err)
	require.NoError(t, f.tools.Register(p))

	first, err := f.manager.StartTurn(context.Background(), StartRequest{
		SessionID: "sess-1", UserID: "alice", Input: "turn one",
	})
	require.NoError(t, err)

	// Second turn on the same session must lose while the first is active.
	require.Eventually(t, func() bool {
		_, startErr := f.manager.StartTurn(context.Background(), StartRequest{
			SessionID: "sess-1", UserID: "alice", Input: "turn two",
		})
		var conflict *turn.ConflictError
		return errors.As(startErr, &conflict)
	}, time.Second, 5*time.Millisecond)

	close(release)
	collectEvents(t, first)
	state, err := first.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, turn.StateCompleted, state)

	// The loser's reservation was released: only the winner's commit remains.
	used, _, err := f.guard.Usage(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(8), used)
}

func TestStartTurn_ConcurrentStartersOneWins(t *testing.T) {
	// Hold the winning turn open with a gated tool so every other starter
	// races against a genuinely active turn.
	script := []model.Event{
		{Type: model.EventTypeToolUse, ToolUse: &model.ToolUse{ID: "inv-1", Name: "hold", Arguments: json.RawMessage(`{}`)}},
		{Type: model.EventTypeStop, StopReason: model.StopToolUse},
	}
	f := newFixture(t, model.NewScriptClient(script, simpleScript("won")), 5000)

	release := make(chan struct{})
	p, err := tool.NewLocalProvider(tool.LocalDefinition{
		ID: "hold",
		Handler: func(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
			select {
			case <-release:
				return json.RawMessage(`{}`), nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		},
	})
	require.NoError(t, err)
	require.NoError(t, f.tools.Register(p))

	const starters = 8
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		handles []*TurnHandle
		losers  int
	)
	for i := 0; i < starters; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			h, startErr := f.manager.StartTurn(context.Background(), StartRequest{
				SessionID: "sess-1", UserID: "alice", Input: fmt.Sprintf("attempt %d", n),
			})
			mu.Lock()
			defer mu.Unlock()
			if startErr != nil {
				var conflict *turn.ConflictError
				assert.ErrorAs(t, startErr, &conflict)
				losers++
				return
			}
			handles = append(handles, h)
		}(i)
	}
	wg.Wait()

	require.Len(t, handles, 1)
	assert.Equal(t, starters-1, losers)

	close(release)
	collectEvents(t, handles[0])
	state, err := handles[0].Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, turn.StateCompleted, state)

	// Each loser released its reservation exactly once: only the winner's
	// committed 8 tokens remain against the daily budget.
	used, _, err := f.guard.Usage(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(8), used)

	turns, err := f.store.ListTurns(context.Background(), "sess-1")
	require.NoError(t, err)
	require.Len(t, turns, 1)
}

func TestStartTurn_ToolLoopRoundTrip(t *testing.T) {
	script := []model.Event{
		{Type: model.EventTypeDelta, Text: "let me check"},
		{Type: model.EventTypeToolUse, ToolUse: &model.ToolUse{ID: "inv-1", Name: "echo", Arguments: json.RawMessage(`{"q":1}`)}},
		{Type: model.EventTypeStop, StopReason: model.StopToolUse},
	}
	client := model.NewScriptClient(script, simpleScript("the answer"))
	f := newFixture(t, client, 1000)
	registerEcho(t, f, "echo")

	handle, err := f.manager.StartTurn(context.Background(), StartRequest{UserID: "alice", Input: "question"})
	require.NoError(t, err)

	events := collectEvents(t, handle)
	state, err := handle.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, turn.StateCompleted, state)

	var kinds []turn.EventKind
	for _, ev := range events {
		kinds = append(kinds, ev.Kind)
	}
	assert.Equal(t, []turn.EventKind{
		turn.EventDelta,
		turn.EventToolCall,
		turn.EventToolResult,
		turn.EventDelta,
		turn.EventDone,
	}, kinds)

	// The continuation carried the tool result back to the model.
	require.Equal(t, 2, client.Calls())
	second := client.Requests[1]
	require.GreaterOrEqual(t, len(second.Messages), 3)
	last := second.Messages[len(second.Messages)-1]
	assert.Equal(t, "tool", last.Role)
	assert.Equal(t, "inv-1", last.ToolCallID)
}

func TestStartTurn_ModelErrorFailsTurnAndReleases(t *testing.T) {
	client := model.NewScriptClient([]model.Event{{Type: model.EventTypeDelta, Text: "par"}})
	client.FailCall(0, &turn.ModelStreamError{Provider: "script", Err: errors.New("upstream hiccup")})
	f := newFixture(t, client, 1000)

	handle, err := f.manager.StartTurn(context.Background(), StartRequest{UserID: "alice", Input: "hi"})
	require.NoError(t, err)

	events := collectEvents(t, handle)
	state, waitErr := handle.Wait(context.Background())
	assert.Equal(t, turn.StateFailed, state)
	var modelErr *turn.ModelStreamError
	require.ErrorAs(t, waitErr, &modelErr)

	// error event before the single done event
	require.GreaterOrEqual(t, len(events), 2)
	assert.Equal(t, turn.EventError, events[len(events)-2].Kind)
	assert.Equal(t, turn.EventDone, events[len(events)-1].Kind)

	var p turn.ErrorPayload
	require.NoError(t, json.Unmarshal(events[len(events)-2].Payload, &p))
	assert.Equal(t, "model_stream", p.Code)

	// Reservation released, nothing spent.
	used, _, err := f.guard.Usage(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(0), used)
}

func TestCancelTurn_ReleasesAndEmitsDone(t *testing.T) {
	script := []model.Event{
		{Type: model.EventTypeToolUse, ToolUse: &model.ToolUse{ID: "inv-1", Name: "hang", Arguments: json.RawMessage(`{}`)}},
		{Type: model.EventTypeStop, StopReason: model.StopToolUse},
	}
	f := newFixture(t, model.NewScriptClient(script), 1000)

	started := make(chan struct{})
	p, err := tool.NewLocalProvider(tool.LocalDefinition{
		ID: "hang",
		Handler: func(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
			close(started)
			<-ctx.Done()
			return nil, ctx.Err()
		},
	})
	require.NoError(t, err)
	require.NoError(t, f.tools.Register(p))

	handle, err := f.manager.StartTurn(context.Background(), StartRequest{UserID: "alice", Input: "hi"})
	require.NoError(t, err)

	<-started
	require.NoError(t, f.manager.CancelTurn(context.Background(), handle.TurnID, "client_cancel"))

	events := collectEvents(t, handle)
	state, waitErr := handle.Wait(context.Background())
	require.NoError(t, waitErr)
	assert.Equal(t, turn.StateCancelled, state)

	done := events[len(events)-1]
	require.Equal(t, turn.EventDone, done.Kind)
	var dp turn.DonePayload
	require.NoError(t, json.Unmarshal(done.Payload, &dp))
	assert.Equal(t, "client_cancel", dp.CancelReason)

	// Cancel released the reservation.
	used, _, err := f.guard.Usage(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(0), used)

	// Cancelling again after terminal is a no-op.
	assert.NoError(t, f.manager.CancelTurn(context.Background(), handle.TurnID, "again"))
}

func TestCancelTurn_UnknownTurn(t *testing.T) {
	f := newFixture(t, model.NewScriptClient(), 1000)
	err := f.manager.CancelTurn(context.Background(), "no-such-turn", "because")
	assert.ErrorIs(t, err, turn.ErrTurnNotFound)
}

func TestStartTurn_ForbiddenToolSurfacesAsFailedInvocation(t *testing.T) {
	script := []model.Event{
		{Type: model.EventTypeToolUse, ToolUse: &model.ToolUse{ID: "inv-1", Name: "echo", Arguments: json.RawMessage(`{}`)}},
		{Type: model.EventTypeStop, StopReason: model.StopToolUse},
	}
	client := model.NewScriptClient(script, simpleScript("cannot do that"))
	f := newFixture(t, client, 1000)
	registerEcho(t, f, "echo")
	f.manager.cfg.AllowedTools = map[string]bool{"other": true}

	handle, err := f.manager.StartTurn(context.Background(), StartRequest{UserID: "alice", Input: "hi"})
	require.NoError(t, err)

	events := collectEvents(t, handle)
	state, err := handle.Wait(context.Background())
	require.NoError(t, err)
	// The model gets the structured error and may still complete the turn.
	assert.Equal(t, turn.StateCompleted, state)

	var sawForbiddenResult bool
	for _, ev := range events {
		if ev.Kind != turn.EventToolResult {
			continue
		}
		var p turn.ToolResultPayload
		require.NoError(t, json.Unmarshal(ev.Payload, &p))
		if p.Status == string(turn.InvocationFailed) && p.Error != "" {
			sawForbiddenResult = true
		}
	}
	assert.True(t, sawForbiddenResult)
}

func TestStartTurn_ToolStepLimit(t *testing.T) {
	// Every round requests another tool call, forever.
	scripts := make([][]model.Event, 10)
	for i := range scripts {
		scripts[i] = []model.Event{
			{Type: model.EventTypeToolUse, ToolUse: &model.ToolUse{ID: fmt.Sprintf("inv-%d", i), Name: "echo", Arguments: json.RawMessage(`{}`)}},
			{Type: model.EventTypeStop, StopReason: model.StopToolUse},
		}
	}
	f := newFixture(t, model.NewScriptClient(scripts...), 1000)
	registerEcho(t, f, "echo")
	f.manager.cfg.MaxToolSteps = 2

	handle, err := f.manager.StartTurn(context.Background(), StartRequest{UserID: "alice", Input: "hi"})
	require.NoError(t, err)

	collectEvents(t, handle)
	state, waitErr := handle.Wait(context.Background())
	assert.Equal(t, turn.StateFailed, state)
	var execErr *turn.ToolExecutionError
	assert.ErrorAs(t, waitErr, &execErr)
}

func TestStartTurn_NewSessionWhenIDEmpty(t *testing.T) {
	f := newFixture(t, model.NewScriptClient(simpleScript("hi")), 1000)

	handle, err := f.manager.StartTurn(context.Background(), StartRequest{UserID: "alice", Input: "hello"})
	require.NoError(t, err)
	require.NotEmpty(t, handle.SessionID)

	collectEvents(t, handle)
	_, err = handle.Wait(context.Background())
	require.NoError(t, err)

	sess, err := f.store.GetSession(context.Background(), handle.SessionID)
	require.NoError(t, err)
	assert.Equal(t, "alice", sess.UserID)
	assert.Equal(t, turn.SessionActive, sess.Status)
}

func TestStartTurn_SessionOwnershipEnforced(t *testing.T) {
	f := newFixture(t, model.NewScriptClient(simpleScript("hi")), 1000)

	handle, err := f.manager.StartTurn(context.Background(), StartRequest{UserID: "alice", Input: "hello"})
	require.NoError(t, err)
	collectEvents(t, handle)
	_, err = handle.Wait(context.Background())
	require.NoError(t, err)

	_, err = f.manager.StartTurn(context.Background(), StartRequest{
		SessionID: handle.SessionID, UserID: "mallory", Input: "mine now",
	})
	assert.ErrorIs(t, err, turn.ErrSessionNotFound)
}
