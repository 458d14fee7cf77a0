package tool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/parley-ai/parley/internal/observability"
	"github.com/parley-ai/parley/internal/tracing"
	"github.com/parley-ai/parley/pkg/turn"
)

// Defaults applied when Config leaves a field zero.
const (
	DefaultTimeout       = 30 * time.Second
	DefaultMaxConcurrent = 4
	DefaultMaxRetries    = 2
	DefaultRetryBackoff  = 250 * time.Millisecond
)

// Config configures a Registry.
type Config struct {
	// DefaultTimeout applies when a provider's TimeoutPolicy is zero.
	DefaultTimeout time.Duration
	// MaxConcurrent bounds fan-out within one ExecuteStep.
	MaxConcurrent int
	// MaxRetries bounds extra attempts for idempotent tools.
	MaxRetries int
	// RetryBackoff is the initial backoff, doubled per attempt.
	RetryBackoff time.Duration
	Logger       *zerolog.Logger
}

// Registry holds the registered providers and dispatches invocations.
type Registry struct {
	cfg    Config
	logger zerolog.Logger

	mu        sync.RWMutex
	providers map[string]Provider
}

// NewRegistry creates a Registry with the given configuration.
func NewRegistry(cfg Config) *Registry {
	observability.EnsureRegistered()
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = DefaultTimeout
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = DefaultMaxConcurrent
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = DefaultRetryBackoff
	}
	logger := log.Logger
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}
	return &Registry{
		cfg:       cfg,
		logger:    logger.With().Str("component", "tool_registry").Logger(),
		providers: make(map[string]Provider),
	}
}

// Register adds a provider under its descriptor id. Duplicate ids are
// rejected so a misconfigured deployment fails loudly at startup.
func (r *Registry) Register(p Provider) error {
	desc := p.Describe()
	if desc.ID == "" {
		return fmt.Errorf("provider has no tool id")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.providers[desc.ID]; exists {
		return fmt.Errorf("tool %s already registered", desc.ID)
	}
	r.providers[desc.ID] = p
	r.logger.Info().
		Str("tool", desc.ID).
		Str("protocol", string(desc.Protocol)).
		Bool("idempotent", desc.Idempotent).
		Msg("tool registered")
	return nil
}

// Lookup returns the provider registered under id.
func (r *Registry) Lookup(id string) (Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[id]
	return p, ok
}

// Descriptors returns the metadata of every registered tool.
func (r *Registry) Descriptors() []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Descriptor, 0, len(r.providers))
	for _, p := range r.providers {
		out = append(out, p.Describe())
	}
	return out
}

// Invoke runs one invocation against its provider. The allowed set is
// enforced before anything else touches the network or a handler; a nil set
// allows every registered tool. Idempotent tools get bounded retries with
// exponential backoff; everything else fails on the first error.
func (r *Registry) Invoke(ctx context.Context, inv turn.ToolInvocation, allowed map[string]bool) (json.RawMessage, error) {
	if allowed != nil && !allowed[inv.ToolID] {
		return nil, &turn.ForbiddenToolError{ToolID: inv.ToolID}
	}

	provider, ok := r.Lookup(inv.ToolID)
	if !ok {
		return nil, &turn.ToolExecutionError{
			ToolID: inv.ToolID,
			Err:    fmt.Errorf("tool not registered"),
		}
	}
	desc := provider.Describe()

	timeout := provider.TimeoutPolicy().Timeout
	if timeout <= 0 {
		timeout = r.cfg.DefaultTimeout
	}

	ctx, span := tracing.StartSpan(
		ctx,
		"parley.tool",
		"tool.invoke",
		attribute.String("tool_id", inv.ToolID),
		attribute.String("invocation_id", inv.ID),
		attribute.String("protocol", string(desc.Protocol)),
	)
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, r.logger)

	attempts := 1
	if desc.Idempotent {
		attempts += r.cfg.MaxRetries
	}

	start := time.Now()
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			observability.RecordToolRetry(inv.ToolID)
			backoff := r.cfg.RetryBackoff << (attempt - 2)
			logger.Warn().
				Str("tool", inv.ToolID).
				Int("attempt", attempt).
				Dur("backoff", backoff).
				Err(lastErr).
				Msg("retrying idempotent tool")
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		result, err := r.invokeOnce(ctx, provider, inv, timeout)
		if err == nil {
			observability.RecordToolInvocation(string(desc.Protocol), "succeeded", time.Since(start))
			return result, nil
		}
		lastErr = err

		// The caller cancelling the turn is not a tool failure.
		if errors.Is(err, context.Canceled) && ctx.Err() != nil {
			return nil, err
		}
	}

	span.RecordError(lastErr)
	span.SetStatus(codes.Error, "tool invocation failed")

	var timeoutErr *turn.ToolTimeoutError
	if errors.As(lastErr, &timeoutErr) {
		observability.RecordToolInvocation(string(desc.Protocol), "timed_out", time.Since(start))
		return nil, lastErr
	}
	observability.RecordToolInvocation(string(desc.Protocol), "failed", time.Since(start))
	var execErr *turn.ToolExecutionError
	if errors.As(lastErr, &execErr) {
		return nil, lastErr
	}
	return nil, &turn.ToolExecutionError{ToolID: inv.ToolID, Err: lastErr}
}

// invokeOnce runs a single attempt under the per-invocation timeout. The
// provider goroutine is left to drain if the deadline fires first; its
// result channel is buffered so it never leaks.
func (r *Registry) invokeOnce(ctx context.Context, provider Provider, inv turn.ToolInvocation, timeout time.Duration) (json.RawMessage, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		result json.RawMessage
		err    error
	}
	ch := make(chan outcome, 1)
	go func() {
		result, err := provider.Invoke(attemptCtx, inv.Payload)
		ch <- outcome{result: result, err: err}
	}()

	select {
	case out := <-ch:
		if out.err != nil && attemptCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
			return nil, &turn.ToolTimeoutError{ToolID: inv.ToolID, Timeout: timeout}
		}
		return out.result, out.err
	case <-attemptCtx.Done():
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &turn.ToolTimeoutError{ToolID: inv.ToolID, Timeout: timeout}
	}
}
