package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parley-ai/parley/pkg/model"
	"github.com/parley-ai/parley/pkg/tool"
	"github.com/parley-ai/parley/pkg/turn"
)

// dialFixture connects a websocket client straight to the fixture's upgrade
// handler and completes the auth handshake as userID.
func dialFixture(t *testing.T, f *serverFixture, userID string) *websocket.Conn {
	t.Helper()

	srv := httptest.NewServer(http.HandlerFunc(f.server.handleWebSocket))
	t.Cleanup(srv.Close)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))

	var challenge AuthChallenge
	require.NoError(t, conn.ReadJSON(&challenge))
	require.Equal(t, "auth.challenge", challenge.Event)

	require.NoError(t, conn.WriteJSON(AuthResponse{
		Method:    "auth.response",
		Signature: f.server.authHandler.Sign(challenge.Challenge, userID),
		UserID:    userID,
	}))

	var result AuthResult
	require.NoError(t, conn.ReadJSON(&result))
	require.True(t, result.Success, result.Message)
	return conn
}

func TestWebSocket_AuthRejectsBadSignature(t *testing.T) {
	f := newServerFixture(t, model.NewScriptClient())

	srv := httptest.NewServer(http.HandlerFunc(f.server.handleWebSocket))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))

	var challenge AuthChallenge
	require.NoError(t, conn.ReadJSON(&challenge))

	require.NoError(t, conn.WriteJSON(AuthResponse{
		Method:    "auth.response",
		Signature: "garbage",
		UserID:    "alice",
	}))

	var result AuthResult
	require.NoError(t, conn.ReadJSON(&result))
	assert.False(t, result.Success)
	assert.Equal(t, "Invalid signature", result.Message)
}

func TestServer_ConnectedClients(t *testing.T) {
	f := newServerFixture(t, model.NewScriptClient())
	dialFixture(t, f, "alice")

	infos := f.server.ConnectedClients()
	require.Len(t, infos, 1)
	assert.True(t, infos[0].Authenticated)
	assert.Equal(t, "alice", infos[0].UserID)
	assert.Zero(t, infos[0].ActiveTurns)
}

func TestWebSocket_DisconnectCancelsStreamingTurn(t *testing.T) {
	// A script that answers with a tool call and a handler that never
	// returns until its context is cancelled: the turn stays open until
	// something stops it.
	script := []model.Event{
		{Type: model.EventTypeToolUse, ToolUse: &model.ToolUse{ID: "inv-1", Name: "hold", Arguments: json.RawMessage(`{}`)}},
		{Type: model.EventTypeStop, StopReason: model.StopToolUse},
	}
	f := newServerFixture(t, model.NewScriptClient(script, scriptedReply("done")))

	p, err := tool.NewLocalProvider(tool.LocalDefinition{
		ID: "hold",
		Handler: func(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	})
	require.NoError(t, err)
	require.NoError(t, f.tools.Register(p))

	conn := dialFixture(t, f, "alice")

	require.NoError(t, conn.WriteJSON(RPCRequest{
		ID:     "1",
		Method: "turn.start",
		Params: map[string]interface{}{"input": "hang around"},
	}))

	// Read frames until the turn.start response arrives.
	var turnID string
	for turnID == "" {
		var frame map[string]interface{}
		require.NoError(t, conn.ReadJSON(&frame))
		result, ok := frame["result"].(map[string]interface{})
		if !ok {
			continue
		}
		turnID, _ = result["turn_id"].(string)
	}

	// Dropping the connection orphans the turn; the server must cancel it.
	conn.Close()

	require.Eventually(t, func() bool {
		stored, err := f.store.GetTurn(context.Background(), turnID)
		if err != nil {
			return false
		}
		return stored.State == turn.StateCancelled
	}, 5*time.Second, 20*time.Millisecond)
}
