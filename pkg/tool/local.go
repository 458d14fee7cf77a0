package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// Handler is the function signature for local tool execution.
type Handler func(ctx context.Context, payload json.RawMessage) (json.RawMessage, error)

// LocalDefinition describes an in-process tool.
type LocalDefinition struct {
	ID          string
	Name        string
	Description string
	// Schema is a JSON Schema document validating the argument payload.
	// Empty means no validation.
	Schema     json.RawMessage
	Idempotent bool
	Timeout    TimeoutPolicy
	Handler    Handler
}

// LocalProvider runs a tool as an in-process Go handler. Arguments are
// validated against the tool's JSON Schema before the handler runs.
type LocalProvider struct {
	def    LocalDefinition
	schema *gojsonschema.Schema
}

// NewLocalProvider compiles the definition's schema and returns the provider.
func NewLocalProvider(def LocalDefinition) (*LocalProvider, error) {
	if def.ID == "" {
		return nil, fmt.Errorf("local tool requires an id")
	}
	if def.Handler == nil {
		return nil, fmt.Errorf("local tool %s requires a handler", def.ID)
	}
	p := &LocalProvider{def: def}
	if len(def.Schema) > 0 {
		schema, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(def.Schema))
		if err != nil {
			return nil, fmt.Errorf("compile schema for tool %s: %w", def.ID, err)
		}
		p.schema = schema
	}
	return p, nil
}

// Invoke validates the payload and runs the handler.
func (p *LocalProvider) Invoke(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
	if p.schema != nil {
		doc := payload
		if len(doc) == 0 {
			doc = json.RawMessage(`{}`)
		}
		result, err := p.schema.Validate(gojsonschema.NewBytesLoader(doc))
		if err != nil {
			return nil, fmt.Errorf("validate arguments for tool %s: %w", p.def.ID, err)
		}
		if !result.Valid() {
			msgs := make([]string, 0, len(result.Errors()))
			for _, e := range result.Errors() {
				msgs = append(msgs, e.String())
			}
			return nil, fmt.Errorf("invalid arguments for tool %s: %s", p.def.ID, strings.Join(msgs, "; "))
		}
	}
	return p.def.Handler(ctx, payload)
}

// Describe returns the tool's metadata.
func (p *LocalProvider) Describe() Descriptor {
	return Descriptor{
		ID:          p.def.ID,
		Name:        p.def.Name,
		Description: p.def.Description,
		Protocol:    ProtocolLocal,
		Idempotent:  p.def.Idempotent,
	}
}

// TimeoutPolicy returns the per-invocation deadline policy.
func (p *LocalProvider) TimeoutPolicy() TimeoutPolicy {
	return p.def.Timeout
}
