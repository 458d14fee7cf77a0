package runtime

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/parley-ai/parley/internal/observability"
	"github.com/parley-ai/parley/internal/tracing"
	"github.com/parley-ai/parley/pkg/memorysink"
	"github.com/parley-ai/parley/pkg/model"
	"github.com/parley-ai/parley/pkg/quota"
	"github.com/parley-ai/parley/pkg/store"
	"github.com/parley-ai/parley/pkg/stream"
	"github.com/parley-ai/parley/pkg/tool"
	"github.com/parley-ai/parley/pkg/turn"
)

// Config wires the manager's collaborators and orchestration bounds.
type Config struct {
	Store  *store.Store
	Quota  *quota.Guard
	Tools  *tool.Registry
	Model  model.Client
	Memory *memorysink.AsyncRecorder

	// DefaultModel names the model sent on generation requests.
	DefaultModel string
	SystemPrompt string
	MaxTokens    int64
	Temperature  float64

	// QuotaEstimate is the conservative per-turn reservation.
	QuotaEstimate int64
	// MaxToolSteps bounds tool rounds per turn.
	MaxToolSteps int
	// PersistRetries and PersistBackoff bound mid-turn segment retries.
	PersistRetries int
	PersistBackoff time.Duration
	// StreamBufferSize is the per-turn event buffer bound.
	StreamBufferSize int
	// AllowedTools is the caller's allowed set; nil allows every
	// registered tool.
	AllowedTools map[string]bool

	Logger *zerolog.Logger
}

// Manager owns turn orchestration for all sessions.
type Manager struct {
	cfg    Config
	logger zerolog.Logger

	mu     sync.Mutex
	active map[string]*activeTurn
}

// activeTurn tracks a running turn loop so CancelTurn can reach it.
type activeTurn struct {
	coordinator *stream.Coordinator
	cancel      context.CancelFunc

	mu     sync.Mutex
	reason string
}

func (a *activeTurn) setReason(reason string) {
	a.mu.Lock()
	if a.reason == "" {
		a.reason = reason
	}
	a.mu.Unlock()
}

func (a *activeTurn) cancelReason() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.reason
}

// NewManager creates a Manager. Store, Quota, Tools, and Model are required.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.Store == nil || cfg.Quota == nil || cfg.Tools == nil || cfg.Model == nil {
		return nil, fmt.Errorf("manager requires store, quota, tools, and model")
	}
	observability.EnsureRegistered()
	if cfg.QuotaEstimate <= 0 {
		cfg.QuotaEstimate = 8192
	}
	if cfg.MaxToolSteps <= 0 {
		cfg.MaxToolSteps = 10
	}
	if cfg.PersistRetries < 0 {
		cfg.PersistRetries = 0
	}
	if cfg.PersistBackoff <= 0 {
		cfg.PersistBackoff = 250 * time.Millisecond
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 4096
	}
	logger := log.Logger
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}
	return &Manager{
		cfg:    cfg,
		logger: logger.With().Str("component", "runtime").Logger(),
		active: make(map[string]*activeTurn),
	}, nil
}

// StartRequest describes one turn to start.
type StartRequest struct {
	// SessionID may be empty to start a fresh session.
	SessionID string
	UserID    string
	Input     string
}

// StartTurn admits and starts one turn. Order matters: quota reservation
// happens before the turn row exists, so a denied user leaves no trace; a
// session conflict after reservation releases the reservation.
func (m *Manager) StartTurn(ctx context.Context, req StartRequest) (*TurnHandle, error) {
	ctx, span := tracing.StartSpan(
		ctx,
		"parley.runtime",
		"runtime.start_turn",
		attribute.String("session_id", req.SessionID),
		attribute.String("user_id", req.UserID),
	)
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, m.logger)

	if req.UserID == "" {
		return nil, fmt.Errorf("start turn requires a user id")
	}

	sessionID, err := m.ensureSession(ctx, req.SessionID, req.UserID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "session lookup failed")
		return nil, err
	}

	reservation, err := m.cfg.Quota.Reserve(ctx, req.UserID, m.cfg.QuotaEstimate)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "quota denied")
		return nil, err
	}

	t := turn.Turn{
		ID:           uuid.New().String(),
		SessionID:    sessionID,
		InputMessage: req.Input,
		State:        turn.StateCreated,
		StartedAt:    time.Now(),
	}
	if err := m.cfg.Store.CreateTurn(ctx, t); err != nil {
		if releaseErr := m.cfg.Quota.Release(ctx, reservation.ID); releaseErr != nil {
			logger.Error().Err(releaseErr).
				Str("reservation_id", reservation.ID).
				Msg("failed to release reservation after turn conflict")
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "turn creation failed")
		return nil, err
	}

	if err := m.cfg.Store.TouchSession(ctx, sessionID); err != nil {
		logger.Warn().Err(err).Str("session_id", sessionID).Msg("failed to touch session")
	}

	coordinator := stream.NewCoordinator(stream.Config{
		TurnID:     t.ID,
		BufferSize: m.cfg.StreamBufferSize,
		Logger:     &m.logger,
	})
	handle := newTurnHandle(t.ID, sessionID, coordinator)

	// The loop outlives the caller's request context; only CancelTurn or
	// completion stops it.
	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	loopCtx = tracing.PropagateToSubTurn(loopCtx, t.ID)

	at := &activeTurn{coordinator: coordinator, cancel: cancel}
	m.mu.Lock()
	m.active[t.ID] = at
	m.mu.Unlock()

	observability.TurnStarted()
	go m.runTurn(loopCtx, t, req.UserID, reservation.ID, handle, at)

	logger.Info().
		Str("turn_id", t.ID).
		Str("session_id", sessionID).
		Msg("turn started")
	return handle, nil
}

// CancelTurn requests cancellation of a running turn. Cancelling a turn that
// already reached a terminal state is a no-op.
func (m *Manager) CancelTurn(ctx context.Context, turnID, reason string) error {
	m.mu.Lock()
	at, running := m.active[turnID]
	m.mu.Unlock()

	if running {
		at.setReason(reason)
		at.coordinator.Cancel()
		at.cancel()
		m.logger.Info().Str("turn_id", turnID).Str("reason", reason).Msg("turn cancellation requested")
		return nil
	}

	t, err := m.cfg.Store.GetTurn(ctx, turnID)
	if err != nil {
		return err
	}
	if t.State.Terminal() {
		return nil
	}

	// Not in the active map but not terminal: a turn orphaned by a crash.
	// Finalize it directly; a concurrent finalization racing us is fine.
	err = m.cfg.Store.FinalizeTurn(ctx, turnID, turn.StateCancelled, reason)
	var stateErr *turn.InvalidStateError
	if errors.As(err, &stateErr) {
		return nil
	}
	return err
}

// ensureSession resolves or creates the target session.
func (m *Manager) ensureSession(ctx context.Context, sessionID, userID string) (string, error) {
	if sessionID == "" {
		sess := turn.Session{
			ID:     uuid.New().String(),
			UserID: userID,
			Status: turn.SessionActive,
		}
		if err := m.cfg.Store.CreateSession(ctx, sess); err != nil {
			return "", err
		}
		return sess.ID, nil
	}

	sess, err := m.cfg.Store.GetSession(ctx, sessionID)
	if errors.Is(err, turn.ErrSessionNotFound) {
		sess := turn.Session{ID: sessionID, UserID: userID, Status: turn.SessionActive}
		if createErr := m.cfg.Store.CreateSession(ctx, sess); createErr != nil {
			return "", createErr
		}
		return sessionID, nil
	}
	if err != nil {
		return "", err
	}
	if sess.UserID != userID {
		return "", turn.ErrSessionNotFound
	}
	if sess.Status == turn.SessionDeleted {
		return "", turn.ErrSessionNotFound
	}
	return sess.ID, nil
}

func (m *Manager) removeActive(turnID string) {
	m.mu.Lock()
	delete(m.active, turnID)
	m.mu.Unlock()
}
