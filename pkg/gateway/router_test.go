package gateway

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parley-ai/parley/pkg/turn"
)

func TestParseRequest_Valid(t *testing.T) {
	router := NewRPCRouter()

	req, err := router.ParseRequest([]byte(`{"id":"1","method":"turn.start","params":{"input":"hi"}}`))
	require.NoError(t, err)
	assert.Equal(t, "1", req.ID)
	assert.Equal(t, "turn.start", req.Method)
	assert.Equal(t, "2.0", req.JSONRPC)
	assert.Equal(t, "hi", req.Params["input"])
}

func TestParseRequest_Invalid(t *testing.T) {
	router := NewRPCRouter()

	cases := []struct {
		name string
		body string
		code int
	}{
		{"malformed json", `{not json`, ParseError},
		{"missing id", `{"method":"turn.start"}`, InvalidRequest},
		{"missing method", `{"id":"1"}`, InvalidRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := router.ParseRequest([]byte(tc.body))
			require.Error(t, err)
			var rpcErr *RPCError
			require.ErrorAs(t, err, &rpcErr)
			assert.Equal(t, tc.code, rpcErr.Code)
		})
	}
}

func TestRouteRequest_MethodNotFound(t *testing.T) {
	router := NewRPCRouter()

	resp := router.RouteRequest(nil, &RPCRequest{ID: "1", Method: "no.such.method"})
	require.NotNil(t, resp.Error)
	assert.Equal(t, MethodNotFound, resp.Error.Code)
}

func TestRouteRequest_HandlerResult(t *testing.T) {
	router := NewRPCRouter()
	require.NoError(t, router.RegisterMethod("echo", func(client *Client, params map[string]interface{}) (interface{}, error) {
		return params["value"], nil
	}))

	resp := router.RouteRequest(nil, &RPCRequest{
		ID:     "1",
		Method: "echo",
		Params: map[string]interface{}{"value": "pong"},
	})
	require.Nil(t, resp.Error)
	assert.Equal(t, "pong", resp.Result)
	assert.Equal(t, "1", resp.ID)
}

func TestRouteRequest_MapsDomainErrors(t *testing.T) {
	router := NewRPCRouter()
	require.NoError(t, router.RegisterMethod("fail.quota", func(client *Client, params map[string]interface{}) (interface{}, error) {
		return nil, &turn.QuotaExceededError{UserID: "alice", Requested: 100, Limit: 10}
	}))
	require.NoError(t, router.RegisterMethod("fail.conflict", func(client *Client, params map[string]interface{}) (interface{}, error) {
		return nil, &turn.ConflictError{SessionID: "s1", ActiveTurnID: "t1"}
	}))
	require.NoError(t, router.RegisterMethod("fail.notfound", func(client *Client, params map[string]interface{}) (interface{}, error) {
		return nil, fmt.Errorf("lookup: %w", turn.ErrSessionNotFound)
	}))

	resp := router.RouteRequest(nil, &RPCRequest{ID: "1", Method: "fail.quota"})
	require.NotNil(t, resp.Error)
	assert.Equal(t, QuotaExceeded, resp.Error.Code)

	resp = router.RouteRequest(nil, &RPCRequest{ID: "2", Method: "fail.conflict"})
	require.NotNil(t, resp.Error)
	assert.Equal(t, TurnConflict, resp.Error.Code)

	resp = router.RouteRequest(nil, &RPCRequest{ID: "3", Method: "fail.notfound"})
	require.NotNil(t, resp.Error)
	assert.Equal(t, NotFound, resp.Error.Code)
}

func TestRouteRequest_PassesThroughRPCErrors(t *testing.T) {
	router := NewRPCRouter()
	require.NoError(t, router.RegisterMethod("fail.params", func(client *Client, params map[string]interface{}) (interface{}, error) {
		return nil, &RPCError{Code: InvalidParams, Message: "input is required"}
	}))

	resp := router.RouteRequest(nil, &RPCRequest{ID: "1", Method: "fail.params"})
	require.NotNil(t, resp.Error)
	assert.Equal(t, InvalidParams, resp.Error.Code)
	assert.Equal(t, "input is required", resp.Error.Message)
}

func TestRouteRequest_IdempotencyCache(t *testing.T) {
	router := NewRPCRouter()
	calls := 0
	require.NoError(t, router.RegisterMethod("count", func(client *Client, params map[string]interface{}) (interface{}, error) {
		calls++
		return calls, nil
	}))

	first := router.RouteRequest(nil, &RPCRequest{ID: "1", Method: "count", IdempotencyKey: "k1"})
	second := router.RouteRequest(nil, &RPCRequest{ID: "2", Method: "count", IdempotencyKey: "k1"})

	assert.Equal(t, 1, calls)
	assert.Equal(t, first.Result, second.Result)
	assert.Equal(t, "2", second.ID)

	third := router.RouteRequest(nil, &RPCRequest{ID: "3", Method: "count", IdempotencyKey: "k2"})
	assert.Equal(t, 2, third.Result)
}

func TestRPCCodeFor_Taxonomy(t *testing.T) {
	cases := []struct {
		err  error
		code int
	}{
		{&turn.ConflictError{SessionID: "s"}, TurnConflict},
		{&turn.QuotaExceededError{UserID: "u"}, QuotaExceeded},
		{&turn.ForbiddenToolError{ToolID: "rm"}, ForbiddenTool},
		{&turn.ToolTimeoutError{ToolID: "slow"}, ToolTimeout},
		{&turn.ToolExecutionError{ToolID: "boom"}, ToolFailed},
		{&turn.ModelStreamError{Provider: "anthropic"}, ModelFailed},
		{&turn.InvalidStateError{From: turn.StateCompleted, To: turn.StateStreaming}, InvalidState},
		{&turn.PersistenceError{Op: "write"}, StorageFailed},
		{&turn.StreamOverflowError{TurnID: "t", Bound: 8}, StreamOverflow},
		{turn.ErrSessionNotFound, NotFound},
		{turn.ErrTurnNotFound, NotFound},
		{errors.New("anything else"), InternalError},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.code, rpcCodeFor(tc.err), "error %v", tc.err)
	}
}
