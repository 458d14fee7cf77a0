package tool

import (
	"context"
	"encoding/json"
	"fmt"
)

// Delegate runs a sub-turn on behalf of a delegating turn and returns its
// final output. The runtime wires this to its own turn loop.
type Delegate func(ctx context.Context, payload json.RawMessage) (json.RawMessage, error)

// AgentDefinition describes a tool that delegates work to another agent.
type AgentDefinition struct {
	ID          string
	Name        string
	Description string
	Timeout     TimeoutPolicy
	Delegate    Delegate
}

// AgentProvider executes a tool by delegating to a sub-turn. Delegation is
// never idempotent: a sub-turn consumes quota and appends to a session.
type AgentProvider struct {
	def AgentDefinition
}

// NewAgentProvider returns a provider backed by the given delegate.
func NewAgentProvider(def AgentDefinition) (*AgentProvider, error) {
	if def.ID == "" {
		return nil, fmt.Errorf("agent tool requires an id")
	}
	if def.Delegate == nil {
		return nil, fmt.Errorf("agent tool %s requires a delegate", def.ID)
	}
	return &AgentProvider{def: def}, nil
}

// Invoke runs the delegate.
func (p *AgentProvider) Invoke(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
	return p.def.Delegate(ctx, payload)
}

// Describe returns the tool's metadata.
func (p *AgentProvider) Describe() Descriptor {
	return Descriptor{
		ID:          p.def.ID,
		Name:        p.def.Name,
		Description: p.def.Description,
		Protocol:    ProtocolAgent,
		Idempotent:  false,
	}
}

// TimeoutPolicy returns the per-invocation deadline policy.
func (p *AgentProvider) TimeoutPolicy() TimeoutPolicy {
	return p.def.Timeout
}
