package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/parley-ai/parley/internal/observability"
	"github.com/parley-ai/parley/internal/tracing"
	"github.com/parley-ai/parley/pkg/memorysink"
	"github.com/parley-ai/parley/pkg/model"
	"github.com/parley-ai/parley/pkg/stream"
	"github.com/parley-ai/parley/pkg/turn"
)

// turnLoop carries the mutable state of one running turn.
type turnLoop struct {
	m             *Manager
	t             turn.Turn
	userID        string
	reservationID string
	handle        *TurnHandle
	at            *activeTurn
	coord         *stream.Coordinator
	logger        zerolog.Logger

	start    time.Time
	segIdx   int
	usage    turn.Usage
	output   strings.Builder
	messages []model.Message
}

func (m *Manager) runTurn(ctx context.Context, t turn.Turn, userID, reservationID string, handle *TurnHandle, at *activeTurn) {
	defer observability.TurnFinished()
	defer m.removeActive(t.ID)

	l := &turnLoop{
		m:             m,
		t:             t,
		userID:        userID,
		reservationID: reservationID,
		handle:        handle,
		at:            at,
		coord:         handle.coordinator,
		logger:        tracing.LoggerFromContext(ctx, m.logger).With().Str("turn_id", t.ID).Logger(),
		start:         time.Now(),
	}
	l.run(ctx)
}

func (l *turnLoop) run(ctx context.Context) {
	if err := l.transition(ctx, turn.StateStreaming); err != nil {
		l.finalize(ctx, turn.StateFailed, "", err)
		return
	}
	l.messages = append(l.messages, model.Message{Role: "user", Content: l.t.InputMessage})

	for step := 0; ; step++ {
		if l.cancelled(ctx) {
			l.finalize(ctx, turn.StateCancelled, l.at.cancelReason(), nil)
			return
		}

		text, toolUses, stopReason, err := l.streamRound(ctx)
		if err != nil {
			if l.cancelled(ctx) {
				l.finalize(ctx, turn.StateCancelled, l.at.cancelReason(), nil)
				return
			}
			l.finalize(ctx, turn.StateFailed, "", err)
			return
		}

		if stopReason != model.StopToolUse || len(toolUses) == 0 {
			l.finalize(ctx, turn.StateCompleted, "", nil)
			return
		}

		if step+1 >= l.m.cfg.MaxToolSteps {
			l.finalize(ctx, turn.StateFailed, "", &turn.ToolExecutionError{
				ToolID: toolUses[0].Name,
				Err:    fmt.Errorf("tool step limit %d reached", l.m.cfg.MaxToolSteps),
			})
			return
		}

		if err := l.executeTools(ctx, text, toolUses); err != nil {
			if l.cancelled(ctx) {
				l.finalize(ctx, turn.StateCancelled, l.at.cancelReason(), nil)
				return
			}
			l.finalize(ctx, turn.StateFailed, "", err)
			return
		}
	}
}

func (l *turnLoop) cancelled(ctx context.Context) bool {
	return ctx.Err() != nil
}

// streamRound consumes one model stream: deltas go to the coordinator and
// the transcript, tool calls and usage are collected for the caller.
func (l *turnLoop) streamRound(ctx context.Context) (string, []model.ToolUse, string, error) {
	req := model.Request{
		Model:       l.m.cfg.DefaultModel,
		System:      l.m.cfg.SystemPrompt,
		Messages:    l.messages,
		Tools:       l.toolSpecs(),
		MaxTokens:   l.m.cfg.MaxTokens,
		Temperature: l.m.cfg.Temperature,
	}
	roundStart := time.Now()
	ms, err := l.m.cfg.Model.Stream(ctx, req)
	if err != nil {
		return "", nil, "", err
	}

	var text strings.Builder
	var toolUses []model.ToolUse
	stopReason := model.StopEndTurn
	for ev := range ms.Events() {
		switch ev.Type {
		case model.EventTypeDelta:
			if err := l.coord.Delta(ev.Text); err != nil {
				drainStream(ms)
				return "", nil, "", err
			}
			text.WriteString(ev.Text)
		case model.EventTypeToolUse:
			toolUses = append(toolUses, *ev.ToolUse)
		case model.EventTypeUsage:
			l.usage.InputTokens += ev.Usage.InputTokens
			l.usage.OutputTokens += ev.Usage.OutputTokens
		case model.EventTypeStop:
			stopReason = ev.StopReason
		}
	}
	if err := ms.Err(); err != nil {
		observability.RecordModelStream(l.m.cfg.Model.Provider(), time.Since(roundStart), false)
		return "", nil, "", err
	}

	if text.Len() > 0 {
		if err := l.appendSegment(ctx, turn.SegmentText, turn.DeltaPayload{Text: text.String()}); err != nil {
			return "", nil, "", err
		}
		l.output.WriteString(text.String())
	}

	observability.RecordModelStream(l.m.cfg.Model.Provider(), time.Since(roundStart), true)
	return text.String(), toolUses, stopReason, nil
}

// executeTools runs one tool step: announce the calls, fan out, relay the
// results in call order, and extend the conversation for the continuation.
func (l *turnLoop) executeTools(ctx context.Context, assistantText string, toolUses []model.ToolUse) error {
	if err := l.transition(ctx, turn.StateToolPending); err != nil {
		return err
	}

	invs := make([]turn.ToolInvocation, len(toolUses))
	for i, tu := range toolUses {
		invs[i] = turn.ToolInvocation{
			ID:      tu.ID,
			TurnID:  l.t.ID,
			ToolID:  tu.Name,
			Payload: tu.Arguments,
			Status:  turn.InvocationPending,
		}
		callPayload := turn.ToolCallPayload{
			InvocationID: tu.ID,
			ToolID:       tu.Name,
			Arguments:    tu.Arguments,
		}
		if err := l.coord.ToolCall(callPayload); err != nil {
			return err
		}
		if err := l.appendSegment(ctx, turn.SegmentToolCall, callPayload); err != nil {
			return err
		}
	}

	if err := l.transition(ctx, turn.StateToolExecuting); err != nil {
		return err
	}

	results := l.m.cfg.Tools.ExecuteStep(ctx, invs, l.m.cfg.AllowedTools)
	if l.cancelled(ctx) {
		return ctx.Err()
	}

	assistant := model.Message{Role: "assistant", Content: assistantText, ToolCalls: toolUses}
	continuation := []model.Message{assistant}
	for _, res := range results {
		resultPayload := turn.ToolResultPayload{
			InvocationID: res.InvocationID,
			ToolID:       res.ToolID,
			Status:       string(res.Status),
			Result:       res.Result,
		}
		if res.Err != nil {
			resultPayload.Error = res.Err.Error()
		}
		if err := l.coord.ToolResult(resultPayload); err != nil {
			return err
		}
		if err := l.appendSegment(ctx, turn.SegmentToolResult, resultPayload); err != nil {
			return err
		}

		content := string(res.Result)
		if res.Err != nil {
			content = res.Err.Error()
		}
		continuation = append(continuation, model.Message{
			Role:       "tool",
			ToolCallID: res.InvocationID,
			Content:    content,
			IsError:    res.Err != nil,
		})
	}
	l.messages = append(l.messages, continuation...)

	return l.transition(ctx, turn.StateStreaming)
}

// appendSegment persists one ordered segment with bounded retries. The
// (turn, index) uniqueness makes a replayed append after a retried write
// harmless.
func (l *turnLoop) appendSegment(ctx context.Context, kind turn.SegmentKind, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s segment: %w", kind, err)
	}
	seg := turn.Segment{TurnID: l.t.ID, Index: l.segIdx, Kind: kind, Payload: raw}

	var lastErr error
	for attempt := 0; attempt <= l.m.cfg.PersistRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(l.m.cfg.PersistBackoff):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if lastErr = l.m.cfg.Store.AppendSegment(ctx, seg); lastErr == nil {
			l.segIdx++
			return nil
		}
		l.logger.Warn().Err(lastErr).Int("attempt", attempt+1).Msg("segment append failed")
	}
	return lastErr
}

// transition moves the in-memory turn and the stored row together.
func (l *turnLoop) transition(ctx context.Context, to turn.State) error {
	from := l.t.State
	if err := l.t.Transition(to); err != nil {
		return err
	}
	return l.m.cfg.Store.UpdateTurnState(ctx, l.t.ID, from, to)
}

// finalize drives the turn to its terminal state exactly once: persist the
// terminal row, resolve the reservation, hand off to memory, and close the
// stream with the single done event.
func (l *turnLoop) finalize(ctx context.Context, state turn.State, reason string, failErr error) {
	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	if failErr != nil {
		if emitErr := l.coord.Error(failErr); emitErr != nil && !errors.Is(emitErr, stream.ErrStreamClosed) {
			l.logger.Warn().Err(emitErr).Msg("failed to emit error event")
		}
		errPayload := turn.ErrorPayload{Code: turn.ErrorCode(failErr), Message: failErr.Error()}
		if err := l.appendSegment(fctx, turn.SegmentError, errPayload); err != nil {
			l.logger.Warn().Err(err).Msg("failed to persist error segment")
		}
	}

	if err := l.m.cfg.Store.FinalizeTurn(fctx, l.t.ID, state, reason); err != nil {
		l.logger.Error().Err(err).Str("state", string(state)).Msg("turn finalization failed")
		if state == turn.StateCompleted {
			// A completion that cannot be recorded is a failure.
			state = turn.StateFailed
			failErr = err
			if emitErr := l.coord.Error(err); emitErr != nil && !errors.Is(emitErr, stream.ErrStreamClosed) {
				l.logger.Warn().Err(emitErr).Msg("failed to emit error event")
			}
			if retryErr := l.m.cfg.Store.FinalizeTurn(fctx, l.t.ID, turn.StateFailed, ""); retryErr != nil {
				l.logger.Error().Err(retryErr).Msg("failed to record failed state")
			}
		}
	}

	if state == turn.StateCompleted {
		l.m.cfg.Quota.Commit(fctx, l.reservationID, l.usage.Cost())
		l.m.cfg.Memory.Record(memorysink.TurnSummary{
			SessionID: l.t.SessionID,
			TurnID:    l.t.ID,
			UserID:    l.userID,
			Input:     l.t.InputMessage,
			Output:    l.output.String(),
			State:     state,
			Usage:     l.usage,
			EndedAt:   time.Now(),
		})
	} else {
		if err := l.m.cfg.Quota.Release(fctx, l.reservationID); err != nil {
			l.logger.Error().Err(err).Str("reservation_id", l.reservationID).Msg("reservation release failed")
		}
	}

	l.coord.Done(state, reason)
	observability.RecordTurn(string(state), time.Since(l.start))
	l.logger.Info().
		Str("state", string(state)).
		Dur("duration", time.Since(l.start)).
		Int64("cost", l.usage.Cost()).
		Msg("turn finished")
	l.handle.finish(state, failErr)
}

// toolSpecs advertises the allowed tools to the model.
func (l *turnLoop) toolSpecs() []model.ToolSpec {
	descriptors := l.m.cfg.Tools.Descriptors()
	sort.Slice(descriptors, func(i, j int) bool { return descriptors[i].ID < descriptors[j].ID })

	specs := make([]model.ToolSpec, 0, len(descriptors))
	for _, desc := range descriptors {
		if l.m.cfg.AllowedTools != nil && !l.m.cfg.AllowedTools[desc.ID] {
			continue
		}
		specs = append(specs, model.ToolSpec{Name: desc.ID, Description: desc.Description})
	}
	return specs
}

// drainStream empties an abandoned model stream so its producer goroutine
// can exit.
func drainStream(ms *model.Stream) {
	go func() {
		for range ms.Events() {
		}
	}()
}
