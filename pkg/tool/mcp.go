package tool

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
)

// JSON-RPC messages for the tool host protocol.
type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
	ID      int64           `json:"id"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
	ID      int64           `json:"id"`
}

type rpcError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

type rpcCallParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// MCPDefinition describes a tool exposed by a remote JSON-RPC tool host.
type MCPDefinition struct {
	ID          string
	Name        string
	Description string
	Endpoint    string
	// BearerToken authenticates against the host. Empty sends no auth.
	BearerToken string
	// RemoteName is the tool name on the host side. Defaults to Name.
	RemoteName string
	Idempotent bool
	Timeout    TimeoutPolicy
}

// MCPProvider calls a remote tool host over JSON-RPC 2.0 (tools/call) with
// bearer authentication.
type MCPProvider struct {
	def    MCPDefinition
	client *http.Client
	nextID atomic.Int64
}

// NewMCPProvider returns a provider for the given tool host.
func NewMCPProvider(def MCPDefinition, client *http.Client) (*MCPProvider, error) {
	if def.ID == "" {
		return nil, fmt.Errorf("mcp tool requires an id")
	}
	if def.Endpoint == "" {
		return nil, fmt.Errorf("mcp tool %s requires an endpoint", def.ID)
	}
	if def.RemoteName == "" {
		def.RemoteName = def.Name
	}
	if client == nil {
		client = http.DefaultClient
	}
	return &MCPProvider{def: def, client: client}, nil
}

// Invoke sends a tools/call request and returns the JSON-RPC result.
func (p *MCPProvider) Invoke(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
	params, err := json.Marshal(rpcCallParams{Name: p.def.RemoteName, Arguments: payload})
	if err != nil {
		return nil, fmt.Errorf("marshal params for tool %s: %w", p.def.ID, err)
	}
	reqBody, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		Method:  "tools/call",
		Params:  params,
		ID:      p.nextID.Add(1),
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request for tool %s: %w", p.def.ID, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.def.Endpoint, bytes.NewReader(reqBody))
	if err != nil {
		return nil, fmt.Errorf("build request for tool %s: %w", p.def.ID, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if p.def.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+p.def.BearerToken)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("call tool host for %s: %w", p.def.ID, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxHTTPResultSize))
	if err != nil {
		return nil, fmt.Errorf("read response for tool %s: %w", p.def.ID, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("tool host returned status %d for %s: %s", resp.StatusCode, p.def.ID, string(data))
	}

	var rpcResp rpcResponse
	if err := json.Unmarshal(data, &rpcResp); err != nil {
		return nil, fmt.Errorf("decode response for tool %s: %w", p.def.ID, err)
	}
	if rpcResp.Error != nil {
		return nil, fmt.Errorf("tool host error for %s (code %d): %s", p.def.ID, rpcResp.Error.Code, rpcResp.Error.Message)
	}
	return rpcResp.Result, nil
}

// Describe returns the tool's metadata.
func (p *MCPProvider) Describe() Descriptor {
	return Descriptor{
		ID:          p.def.ID,
		Name:        p.def.Name,
		Description: p.def.Description,
		Protocol:    ProtocolMCP,
		Idempotent:  p.def.Idempotent,
	}
}

// TimeoutPolicy returns the per-invocation deadline policy.
func (p *MCPProvider) TimeoutPolicy() TimeoutPolicy {
	return p.def.Timeout
}
