package gateway

import (
	"context"
	"errors"
	"time"

	"github.com/parley-ai/parley/internal/tracing"
	"github.com/parley-ai/parley/pkg/runtime"
	"github.com/parley-ai/parley/pkg/turn"
)

// Application error codes layered on top of the JSON-RPC reserved range.
const (
	NotFound       = -32009
	TurnConflict   = -32010
	QuotaExceeded  = -32011
	ForbiddenTool  = -32012
	ToolTimeout    = -32013
	ToolFailed     = -32014
	ModelFailed    = -32015
	InvalidState   = -32016
	StorageFailed  = -32017
	StreamOverflow = -32018
)

// rpcCodeFor maps runtime errors onto RPC error codes.
func rpcCodeFor(err error) int {
	if errors.Is(err, turn.ErrSessionNotFound) || errors.Is(err, turn.ErrTurnNotFound) {
		return NotFound
	}
	switch turn.ErrorCode(err) {
	case "conflict":
		return TurnConflict
	case "quota_exceeded":
		return QuotaExceeded
	case "forbidden_tool":
		return ForbiddenTool
	case "tool_timeout":
		return ToolTimeout
	case "tool_execution":
		return ToolFailed
	case "model_stream":
		return ModelFailed
	case "invalid_state":
		return InvalidState
	case "persistence":
		return StorageFailed
	case "stream_overflow":
		return StreamOverflow
	default:
		return InternalError
	}
}

func (s *Server) registerMethods() {
	_ = s.router.RegisterMethod("turn.start", s.handleTurnStart)
	_ = s.router.RegisterMethod("turn.cancel", s.handleTurnCancel)
	_ = s.router.RegisterMethod("session.list", s.handleSessionList)
	_ = s.router.RegisterMethod("session.history", s.handleSessionHistory)
}

func stringParam(params map[string]interface{}, key string) string {
	if params == nil {
		return ""
	}
	v, _ := params[key].(string)
	return v
}

// callerUserID resolves the acting user. Websocket clients are bound to a
// user at auth time; HTTP callers pass user_id explicitly.
func callerUserID(client *Client, params map[string]interface{}) string {
	if client != nil {
		return client.UserID
	}
	return stringParam(params, "user_id")
}

// handleTurnStart admits a turn. For websocket clients the call returns as
// soon as the turn is admitted and events are pushed on the connection; for
// HTTP callers it blocks until the turn is terminal and returns the full
// transcript.
func (s *Server) handleTurnStart(client *Client, params map[string]interface{}) (interface{}, error) {
	input := stringParam(params, "input")
	if input == "" {
		return nil, &RPCError{Code: InvalidParams, Message: "input is required"}
	}
	userID := callerUserID(client, params)
	if userID == "" {
		return nil, &RPCError{Code: InvalidParams, Message: "user_id is required"}
	}

	ctx := tracing.WithUserID(tracing.NewRequestContext(context.Background()), userID)
	handle, err := s.cfg.Manager.StartTurn(ctx, runtime.StartRequest{
		SessionID: stringParam(params, "session_id"),
		UserID:    userID,
		Input:     input,
	})
	if err != nil {
		return nil, err
	}

	if client == nil {
		return s.collectTranscript(ctx, handle)
	}

	go s.pushTurnEvents(client, handle)
	return map[string]interface{}{
		"turn_id":    handle.TurnID,
		"session_id": handle.SessionID,
	}, nil
}

// collectTranscript drains a turn's event stream and returns it whole.
func (s *Server) collectTranscript(ctx context.Context, handle *runtime.TurnHandle) (interface{}, error) {
	events := make([]turn.StreamEvent, 0, 16)
	for ev := range handle.Events() {
		events = append(events, ev)
	}
	state, turnErr := handle.Wait(ctx)

	result := map[string]interface{}{
		"turn_id":    handle.TurnID,
		"session_id": handle.SessionID,
		"state":      state,
		"events":     events,
	}
	if turnErr != nil {
		result["error"] = map[string]interface{}{
			"code":    turn.ErrorCode(turnErr),
			"message": turnErr.Error(),
		}
	}
	return result, nil
}

// pushTurnEvents forwards a turn's stream onto a websocket connection. The
// turn stays bound to the client and holds one of its streaming slots until
// it is terminal. A failed write means the client fell behind or went away;
// the connection is closed and the turn cancelled so it stops producing.
func (s *Server) pushTurnEvents(client *Client, handle *runtime.TurnHandle) {
	if !s.clients.BindTurn(client.ID, handle.TurnID) {
		// Client disconnected between admission and the first event.
		s.cancelOrphanedTurn(handle.TurnID)
		s.drainTurn(handle)
		return
	}
	client.Admission.BeginTurn()
	defer func() {
		client.Admission.EndTurn()
		s.clients.ReleaseTurn(client.ID, handle.TurnID)
	}()

	for ev := range handle.Events() {
		msg := EventMessage{
			Type:      "event",
			Event:     "turn.event",
			Seq:       int64(ev.Sequence),
			Data:      ev,
			Timestamp: time.Now().UnixMilli(),
			TurnID:    handle.TurnID,
			SessionID: handle.SessionID,
		}
		if err := client.WriteJSON(msg); err != nil {
			s.logger.Warn().Err(err).
				Str("client_id", client.ID).
				Str("turn_id", handle.TurnID).
				Msg("dropping client, event write failed")
			client.Conn.Close()
			s.cancelOrphanedTurn(handle.TurnID)
			s.drainTurn(handle)
			return
		}
	}
}

// cancelOrphanedTurn stops a turn whose client is gone. Already-terminal
// turns make this a no-op.
func (s *Server) cancelOrphanedTurn(turnID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.cfg.Manager.CancelTurn(ctx, turnID, "client_disconnected"); err != nil && !errors.Is(err, turn.ErrTurnNotFound) {
		s.logger.Debug().Err(err).Str("turn_id", turnID).Msg("cancel after disconnect failed")
	}
}

// drainTurn consumes remaining events so the turn loop never blocks on a
// full channel.
func (s *Server) drainTurn(handle *runtime.TurnHandle) {
	for range handle.Events() {
	}
}

func (s *Server) handleTurnCancel(client *Client, params map[string]interface{}) (interface{}, error) {
	turnID := stringParam(params, "turn_id")
	if turnID == "" {
		return nil, &RPCError{Code: InvalidParams, Message: "turn_id is required"}
	}
	reason := stringParam(params, "reason")
	if reason == "" {
		reason = "user_requested"
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.cfg.Manager.CancelTurn(ctx, turnID, reason); err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"turn_id":   turnID,
		"cancelled": true,
	}, nil
}

func (s *Server) handleSessionList(client *Client, params map[string]interface{}) (interface{}, error) {
	userID := callerUserID(client, params)
	if userID == "" {
		return nil, &RPCError{Code: InvalidParams, Message: "user_id is required"}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	sessions, err := s.cfg.Store.ListSessions(ctx, userID)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"sessions": sessions}, nil
}

// handleSessionHistory returns a session's turns with their persisted
// segments. Callers only see sessions they own.
func (s *Server) handleSessionHistory(client *Client, params map[string]interface{}) (interface{}, error) {
	sessionID := stringParam(params, "session_id")
	if sessionID == "" {
		return nil, &RPCError{Code: InvalidParams, Message: "session_id is required"}
	}
	userID := callerUserID(client, params)
	if userID == "" {
		return nil, &RPCError{Code: InvalidParams, Message: "user_id is required"}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	sess, err := s.cfg.Store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.UserID != userID || sess.Status == turn.SessionDeleted {
		return nil, turn.ErrSessionNotFound
	}

	turns, err := s.cfg.Store.ListTurns(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	history := make([]map[string]interface{}, 0, len(turns))
	for _, t := range turns {
		segments, err := s.cfg.Store.Segments(ctx, t.ID)
		if err != nil {
			return nil, err
		}
		history = append(history, map[string]interface{}{
			"turn":     t,
			"segments": segments,
		})
	}
	return map[string]interface{}{
		"session": sess,
		"turns":   history,
	}, nil
}
