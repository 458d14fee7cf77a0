package quota

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/parley-ai/parley/internal/observability"
	"github.com/parley-ai/parley/internal/tracing"
	"github.com/parley-ai/parley/pkg/turn"
)

// Config holds guard configuration
type Config struct {
	DB         *sql.DB
	DailyLimit int64
	Logger     zerolog.Logger
}

// pendingResolution is a commit that failed to persist and is retried by the
// reconciler.
type pendingResolution struct {
	reservationID string
	actualCost    int64
}

// Guard enforces per-user usage budgets over a SQLite ledger
type Guard struct {
	db         *sql.DB
	dailyLimit int64
	logger     zerolog.Logger

	pendingMu sync.Mutex
	pending   []pendingResolution
}

// New creates a quota guard and initializes the ledger schema
func New(cfg Config) (*Guard, error) {
	observability.EnsureRegistered()

	if cfg.DB == nil {
		return nil, errors.New("database handle is required")
	}
	if cfg.DailyLimit <= 0 {
		return nil, errors.New("daily limit must be positive")
	}

	g := &Guard{
		db:         cfg.DB,
		dailyLimit: cfg.DailyLimit,
		logger:     cfg.Logger,
	}
	if err := g.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize quota schema: %w", err)
	}

	return g, nil
}

func (g *Guard) initSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS quota_usage (
			user_id TEXT NOT NULL,
			period TEXT NOT NULL,
			used INTEGER NOT NULL DEFAULT 0,
			usage_limit INTEGER NOT NULL,
			PRIMARY KEY (user_id, period)
		);

		CREATE TABLE IF NOT EXISTS reservations (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			period TEXT NOT NULL,
			estimated_cost INTEGER NOT NULL,
			actual_cost INTEGER,
			state TEXT NOT NULL DEFAULT 'reserved',
			created_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_reservations_state ON reservations(state, created_at);
	`
	_, err := g.db.Exec(schema)
	return err
}

// currentPeriod returns the rolling daily window key
func currentPeriod(now time.Time) string {
	return now.UTC().Format("2006-01-02")
}

// Reserve atomically checks the user's budget and records a reservation.
// The admission check is one conditional UPDATE against the running counter;
// zero affected rows means the limit would be exceeded.
func (g *Guard) Reserve(ctx context.Context, userID string, estimate int64) (*turn.QuotaReservation, error) {
	ctx, span := tracing.StartSpan(
		ctx,
		"parley.quota",
		"quota.reserve",
		attribute.String("user_id", userID),
		attribute.Int64("estimate", estimate),
	)
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, g.logger).With().Str("user_id", userID).Logger()

	if estimate <= 0 {
		return nil, fmt.Errorf("estimate must be positive")
	}

	now := time.Now()
	period := currentPeriod(now)

	tx, err := g.db.BeginTx(ctx, nil)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, &turn.PersistenceError{Op: "quota_reserve", Err: err}
	}
	defer tx.Rollback()

	// Ensure the period row exists before the conditional spend.
	if _, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO quota_usage (user_id, period, used, usage_limit) VALUES (?, ?, 0, ?)`,
		userID, period, g.dailyLimit,
	); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, &turn.PersistenceError{Op: "quota_reserve", Err: err}
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE quota_usage SET used = used + ?
		 WHERE user_id = ? AND period = ? AND used + ? <= usage_limit`,
		estimate, userID, period, estimate,
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, &turn.PersistenceError{Op: "quota_reserve", Err: err}
	}
	if n, _ := res.RowsAffected(); n == 0 {
		observability.RecordQuotaDenied()
		logger.Info().Int64("estimate", estimate).Msg("Quota reservation denied")
		return nil, &turn.QuotaExceededError{UserID: userID, Requested: estimate, Limit: g.dailyLimit}
	}

	reservation := &turn.QuotaReservation{
		ID:            uuid.New().String(),
		UserID:        userID,
		EstimatedCost: estimate,
		State:         turn.ReservationReserved,
		CreatedAt:     now,
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO reservations (id, user_id, period, estimated_cost, state, created_at) VALUES (?, ?, ?, ?, 'reserved', ?)`,
		reservation.ID, userID, period, estimate, now.UnixMilli(),
	); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, &turn.PersistenceError{Op: "quota_reserve", Err: err}
	}

	if err := tx.Commit(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, &turn.PersistenceError{Op: "quota_reserve", Err: err}
	}

	logger.Debug().
		Str("reservation_id", reservation.ID).
		Int64("estimate", estimate).
		Msg("Quota reserved")

	return reservation, nil
}

// Commit moves a reservation to committed, truing up the counter with the
// actual cost. It never fails the caller's turn: the user-visible work is
// already done, so a persistence failure is logged and queued instead.
func (g *Guard) Commit(ctx context.Context, reservationID string, actualCost int64) {
	ctx, span := tracing.StartSpan(
		ctx,
		"parley.quota",
		"quota.commit",
		attribute.String("reservation_id", reservationID),
	)
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, g.logger).With().Str("reservation_id", reservationID).Logger()

	if actualCost < 0 {
		actualCost = 0
	}

	adjusted, err := g.resolve(ctx, reservationID, turn.ReservationCommitted, &actualCost)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logger.Error().Err(err).Msg("Quota commit failed, scheduling reconciliation")
		g.queuePendingCommit(reservationID, actualCost)
		return
	}
	if !adjusted {
		logger.Warn().Msg("Reservation already resolved, commit is a no-op")
		return
	}

	observability.RecordQuotaOutcome("committed")
	logger.Debug().Int64("actual_cost", actualCost).Msg("Quota committed")
}

// Release moves a reservation to released, returning its estimate to the
// user's budget. Repeated release of a resolved reservation is a no-op.
func (g *Guard) Release(ctx context.Context, reservationID string) error {
	ctx, span := tracing.StartSpan(
		ctx,
		"parley.quota",
		"quota.release",
		attribute.String("reservation_id", reservationID),
	)
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, g.logger).With().Str("reservation_id", reservationID).Logger()

	adjusted, err := g.resolve(ctx, reservationID, turn.ReservationReleased, nil)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	if !adjusted {
		logger.Warn().Msg("Reservation already resolved, release is a no-op")
		return nil
	}

	observability.RecordQuotaOutcome("released")
	logger.Debug().Msg("Quota released")
	return nil
}

// resolve conditionally moves a reservation out of the reserved state and
// applies the matching counter adjustment in one transaction. It returns
// false when the reservation was already resolved.
func (g *Guard) resolve(ctx context.Context, reservationID string, to turn.ReservationState, actualCost *int64) (bool, error) {
	tx, err := g.db.BeginTx(ctx, nil)
	if err != nil {
		return false, &turn.PersistenceError{Op: "quota_resolve", Err: err}
	}
	defer tx.Rollback()

	var userID, period string
	var estimate int64
	err = tx.QueryRowContext(ctx,
		`SELECT user_id, period, estimated_cost FROM reservations WHERE id = ?`,
		reservationID,
	).Scan(&userID, &period, &estimate)
	if errors.Is(err, sql.ErrNoRows) {
		return false, turn.ErrReservationNotFound
	}
	if err != nil {
		return false, &turn.PersistenceError{Op: "quota_resolve", Err: err}
	}

	var res sql.Result
	if actualCost != nil {
		res, err = tx.ExecContext(ctx,
			`UPDATE reservations SET state = ?, actual_cost = ? WHERE id = ? AND state = 'reserved'`,
			string(to), *actualCost, reservationID,
		)
	} else {
		res, err = tx.ExecContext(ctx,
			`UPDATE reservations SET state = ? WHERE id = ? AND state = 'reserved'`,
			string(to), reservationID,
		)
	}
	if err != nil {
		return false, &turn.PersistenceError{Op: "quota_resolve", Err: err}
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Exactly-once: a second resolve finds no reserved row.
		return false, nil
	}

	// Counter true-up: release returns the estimate; commit replaces the
	// estimate with the actual cost.
	delta := -estimate
	if actualCost != nil {
		delta = *actualCost - estimate
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE quota_usage SET used = MAX(0, used + ?) WHERE user_id = ? AND period = ?`,
		delta, userID, period,
	); err != nil {
		return false, &turn.PersistenceError{Op: "quota_resolve", Err: err}
	}

	if err := tx.Commit(); err != nil {
		return false, &turn.PersistenceError{Op: "quota_resolve", Err: err}
	}
	return true, nil
}

// queuePendingCommit remembers a failed commit for the reconciler
func (g *Guard) queuePendingCommit(reservationID string, actualCost int64) {
	g.pendingMu.Lock()
	defer g.pendingMu.Unlock()
	g.pending = append(g.pending, pendingResolution{reservationID: reservationID, actualCost: actualCost})
}

// RetryPendingCommits replays commits whose persistence failed earlier.
// Called by the reconciler; failures stay queued for the next run.
func (g *Guard) RetryPendingCommits(ctx context.Context) int {
	g.pendingMu.Lock()
	queued := g.pending
	g.pending = nil
	g.pendingMu.Unlock()

	applied := 0
	for _, p := range queued {
		adjusted, err := g.resolve(ctx, p.reservationID, turn.ReservationCommitted, &p.actualCost)
		if err != nil {
			g.logger.Error().Err(err).Str("reservation_id", p.reservationID).Msg("Pending quota commit still failing")
			g.queuePendingCommit(p.reservationID, p.actualCost)
			continue
		}
		if adjusted {
			observability.RecordQuotaOutcome("committed")
		}
		applied++
	}
	return applied
}

// Usage returns the user's spent budget for the current period
func (g *Guard) Usage(ctx context.Context, userID string) (used, limit int64, err error) {
	period := currentPeriod(time.Now())
	err = g.db.QueryRowContext(ctx,
		`SELECT used, usage_limit FROM quota_usage WHERE user_id = ? AND period = ?`,
		userID, period,
	).Scan(&used, &limit)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, g.dailyLimit, nil
	}
	if err != nil {
		return 0, 0, &turn.PersistenceError{Op: "quota_usage", Err: err}
	}
	return used, limit, nil
}

// Reservation returns a reservation by id
func (g *Guard) Reservation(ctx context.Context, reservationID string) (*turn.QuotaReservation, error) {
	row := g.db.QueryRowContext(ctx,
		`SELECT id, user_id, estimated_cost, actual_cost, state, created_at FROM reservations WHERE id = ?`,
		reservationID,
	)

	var r turn.QuotaReservation
	var actual sql.NullInt64
	var state string
	var createdAt int64
	if err := row.Scan(&r.ID, &r.UserID, &r.EstimatedCost, &actual, &state, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, turn.ErrReservationNotFound
		}
		return nil, &turn.PersistenceError{Op: "quota_reservation", Err: err}
	}
	if actual.Valid {
		r.ActualCost = &actual.Int64
	}
	r.State = turn.ReservationState(state)
	r.CreatedAt = time.UnixMilli(createdAt)
	return &r, nil
}

// SweepAbandoned releases reservations stuck in reserved past the cutoff,
// typically after a process crash. Returns the number released.
func (g *Guard) SweepAbandoned(ctx context.Context, olderThan time.Time) (int, error) {
	rows, err := g.db.QueryContext(ctx,
		`SELECT id FROM reservations WHERE state = 'reserved' AND created_at < ?`,
		olderThan.UnixMilli(),
	)
	if err != nil {
		return 0, &turn.PersistenceError{Op: "quota_sweep", Err: err}
	}

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, &turn.PersistenceError{Op: "quota_sweep", Err: err}
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, &turn.PersistenceError{Op: "quota_sweep", Err: err}
	}

	swept := 0
	for _, id := range ids {
		adjusted, err := g.resolve(ctx, id, turn.ReservationReleased, nil)
		if err != nil {
			g.logger.Error().Err(err).Str("reservation_id", id).Msg("Failed to sweep abandoned reservation")
			continue
		}
		if adjusted {
			swept++
			observability.RecordQuotaSwept()
			observability.RecordQuotaOutcome("released")
		}
	}

	if swept > 0 {
		g.logger.Info().Int("count", swept).Msg("Abandoned reservations released")
	}
	return swept, nil
}
