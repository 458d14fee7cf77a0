package memorysink

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/parley-ai/parley/pkg/turn"
)

// TurnSummary is what gets appended to external memory after a turn.
type TurnSummary struct {
	SessionID string     `json:"session_id"`
	TurnID    string     `json:"turn_id"`
	UserID    string     `json:"user_id"`
	Input     string     `json:"input"`
	Output    string     `json:"output"`
	State     turn.State `json:"state"`
	Usage     turn.Usage `json:"usage"`
	EndedAt   time.Time  `json:"ended_at"`
}

// Sink appends turn summaries to a memory backend.
type Sink interface {
	Append(ctx context.Context, summary TurnSummary) error
}

// DefaultAppendTimeout bounds one append attempt.
const DefaultAppendTimeout = 10 * time.Second

// AsyncRecorder runs appends in the background. Failures are logged, never
// retried synchronously, and never surfaced to the caller.
type AsyncRecorder struct {
	sink    Sink
	timeout time.Duration
	logger  zerolog.Logger
	wg      sync.WaitGroup
}

// NewAsyncRecorder wraps sink. A nil sink disables recording.
func NewAsyncRecorder(sink Sink, timeout time.Duration, logger *zerolog.Logger) *AsyncRecorder {
	if timeout <= 0 {
		timeout = DefaultAppendTimeout
	}
	l := log.Logger
	if logger != nil {
		l = *logger
	}
	return &AsyncRecorder{
		sink:    sink,
		timeout: timeout,
		logger:  l.With().Str("component", "memorysink").Logger(),
	}
}

// Record spawns the append and returns immediately. The append runs on a
// fresh context so a finished turn's cancellation does not abort it.
func (r *AsyncRecorder) Record(summary TurnSummary) {
	if r == nil || r.sink == nil {
		return
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
		defer cancel()
		if err := r.sink.Append(ctx, summary); err != nil {
			r.logger.Warn().
				Err(err).
				Str("turn_id", summary.TurnID).
				Str("session_id", summary.SessionID).
				Msg("memory append failed, dropping summary")
		}
	}()
}

// Flush waits for in-flight appends, used on shutdown and in tests.
func (r *AsyncRecorder) Flush() {
	if r == nil {
		return
	}
	r.wg.Wait()
}
