package tool

import (
	"context"
	"encoding/json"
	"time"
)

// Protocol identifies how a provider executes its tool.
type Protocol string

const (
	ProtocolLocal Protocol = "local"
	ProtocolHTTP  Protocol = "http"
	ProtocolMCP   Protocol = "mcp"
	ProtocolAgent Protocol = "agent"
)

// Descriptor is the static metadata of a registered tool.
type Descriptor struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Protocol    Protocol `json:"protocol"`
	// Idempotent marks the tool safe to retry after a transient failure.
	// Non-idempotent tools fail on the first error.
	Idempotent bool `json:"idempotent"`
}

// TimeoutPolicy declares how long a single invocation may run. A zero
// Timeout defers to the registry default.
type TimeoutPolicy struct {
	Timeout time.Duration `json:"timeout"`
}

// Provider executes invocations of one tool. Implementations must honor
// context cancellation and return without side effects visible to the
// registry after ctx is done.
type Provider interface {
	// Invoke runs the tool with the given argument payload.
	Invoke(ctx context.Context, payload json.RawMessage) (json.RawMessage, error)

	// Describe returns the tool's static metadata.
	Describe() Descriptor

	// TimeoutPolicy returns the per-invocation deadline policy.
	TimeoutPolicy() TimeoutPolicy
}
