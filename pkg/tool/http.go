package tool

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// maxHTTPResultSize caps the response body read from a remote tool.
const maxHTTPResultSize = 1 << 20

// HTTPDefinition describes a tool served by a remote HTTP endpoint.
type HTTPDefinition struct {
	ID          string
	Name        string
	Description string
	Endpoint    string
	// Headers are sent verbatim on every request, typically auth.
	Headers    map[string]string
	Idempotent bool
	Timeout    TimeoutPolicy
}

// HTTPProvider executes a tool by POSTing the argument payload to a remote
// endpoint. The response body is the result payload.
type HTTPProvider struct {
	def    HTTPDefinition
	client *http.Client
}

// NewHTTPProvider returns a provider for the given endpoint. A nil client
// falls back to http.DefaultClient; deadlines come from the invocation
// context, not the client.
func NewHTTPProvider(def HTTPDefinition, client *http.Client) (*HTTPProvider, error) {
	if def.ID == "" {
		return nil, fmt.Errorf("http tool requires an id")
	}
	if def.Endpoint == "" {
		return nil, fmt.Errorf("http tool %s requires an endpoint", def.ID)
	}
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPProvider{def: def, client: client}, nil
}

// Invoke POSTs the payload and returns the response body.
func (p *HTTPProvider) Invoke(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
	body := payload
	if len(body) == 0 {
		body = json.RawMessage(`{}`)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.def.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request for tool %s: %w", p.def.ID, err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range p.def.Headers {
		req.Header.Set(k, v)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("call tool %s: %w", p.def.ID, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxHTTPResultSize))
	if err != nil {
		return nil, fmt.Errorf("read response for tool %s: %w", p.def.ID, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("tool %s returned status %d: %s", p.def.ID, resp.StatusCode, string(data))
	}
	if len(data) == 0 {
		return json.RawMessage(`{}`), nil
	}
	return json.RawMessage(data), nil
}

// Describe returns the tool's metadata.
func (p *HTTPProvider) Describe() Descriptor {
	return Descriptor{
		ID:          p.def.ID,
		Name:        p.def.Name,
		Description: p.def.Description,
		Protocol:    ProtocolHTTP,
		Idempotent:  p.def.Idempotent,
	}
}

// TimeoutPolicy returns the per-invocation deadline policy.
func (p *HTTPProvider) TimeoutPolicy() TimeoutPolicy {
	return p.def.Timeout
}
