package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/parley-ai/parley/internal/observability"
	"github.com/parley-ai/parley/internal/tracing"
	"github.com/parley-ai/parley/pkg/turn"
)

// Config holds store configuration
type Config struct {
	Path   string
	Logger zerolog.Logger
}

// Store persists sessions, turns, and segments in a single SQLite database.
// The same database backs the quota ledger.
type Store struct {
	db     *sql.DB
	logger zerolog.Logger
}

// Open opens the database, enables WAL mode, and initializes the schema
func Open(cfg Config) (*Store, error) {
	observability.EnsureRegistered()

	if cfg.Path == "" {
		return nil, errors.New("store path is required")
	}

	db, err := sql.Open("sqlite3", cfg.Path+"?_busy_timeout=5000&_foreign_keys=1")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Enable WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	s := &Store{db: db, logger: cfg.Logger}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	s.logger.Info().Str("path", cfg.Path).Msg("Store opened")
	return s, nil
}

// DB exposes the underlying handle so the quota ledger can share it
func (s *Store) DB() *sql.DB {
	return s.db
}

// Close closes the database
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) initSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'active',
			created_at INTEGER NOT NULL,
			last_activity_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_sessions_user ON sessions(user_id, status);

		CREATE TABLE IF NOT EXISTS turns (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			input_message TEXT NOT NULL,
			state TEXT NOT NULL,
			started_at INTEGER NOT NULL,
			completed_at INTEGER,
			cancel_reason TEXT NOT NULL DEFAULT '',
			FOREIGN KEY (session_id) REFERENCES sessions(id)
		);
		CREATE INDEX IF NOT EXISTS idx_turns_session ON turns(session_id);
		CREATE UNIQUE INDEX IF NOT EXISTS idx_turns_single_active
			ON turns(session_id)
			WHERE state NOT IN ('completed', 'failed', 'cancelled');

		CREATE TABLE IF NOT EXISTS segments (
			turn_id TEXT NOT NULL,
			idx INTEGER NOT NULL,
			kind TEXT NOT NULL,
			payload BLOB,
			PRIMARY KEY (turn_id, idx),
			FOREIGN KEY (turn_id) REFERENCES turns(id)
		);
	`
	_, err := s.db.Exec(schema)
	return err
}

// CreateSession inserts a new session
func (s *Store) CreateSession(ctx context.Context, sess turn.Session) error {
	ctx, span := tracing.StartSpan(
		ctx,
		"parley.store",
		"store.create_session",
		attribute.String("session_id", sess.ID),
	)
	defer span.End()

	if sess.Status == "" {
		sess.Status = turn.SessionActive
	}
	now := time.Now()
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = now
	}
	if sess.LastActivityAt.IsZero() {
		sess.LastActivityAt = now
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, user_id, status, created_at, last_activity_at) VALUES (?, ?, ?, ?, ?)`,
		sess.ID, sess.UserID, string(sess.Status), sess.CreatedAt.UnixMilli(), sess.LastActivityAt.UnixMilli(),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return &turn.PersistenceError{Op: "create_session", Err: err}
	}

	s.updateActiveSessionsMetric(ctx)
	return nil
}

// GetSession returns a session by id
func (s *Store) GetSession(ctx context.Context, sessionID string) (*turn.Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, status, created_at, last_activity_at FROM sessions WHERE id = ?`,
		sessionID,
	)

	var sess turn.Session
	var status string
	var createdAt, lastActivity int64
	if err := row.Scan(&sess.ID, &sess.UserID, &status, &createdAt, &lastActivity); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, turn.ErrSessionNotFound
		}
		return nil, &turn.PersistenceError{Op: "get_session", Err: err}
	}

	sess.Status = turn.SessionStatus(status)
	sess.CreatedAt = time.UnixMilli(createdAt)
	sess.LastActivityAt = time.UnixMilli(lastActivity)
	return &sess, nil
}

// ListSessions returns all non-deleted sessions for a user, most recent first
func (s *Store) ListSessions(ctx context.Context, userID string) ([]turn.Session, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, status, created_at, last_activity_at
		 FROM sessions WHERE user_id = ? AND status != 'deleted'
		 ORDER BY last_activity_at DESC`,
		userID,
	)
	if err != nil {
		return nil, &turn.PersistenceError{Op: "list_sessions", Err: err}
	}
	defer rows.Close()

	var sessions []turn.Session
	for rows.Next() {
		var sess turn.Session
		var status string
		var createdAt, lastActivity int64
		if err := rows.Scan(&sess.ID, &sess.UserID, &status, &createdAt, &lastActivity); err != nil {
			return nil, &turn.PersistenceError{Op: "list_sessions", Err: err}
		}
		sess.Status = turn.SessionStatus(status)
		sess.CreatedAt = time.UnixMilli(createdAt)
		sess.LastActivityAt = time.UnixMilli(lastActivity)
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

// TouchSession bumps the session's last activity timestamp
func (s *Store) TouchSession(ctx context.Context, sessionID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET last_activity_at = ? WHERE id = ?`,
		time.Now().UnixMilli(), sessionID,
	)
	if err != nil {
		return &turn.PersistenceError{Op: "touch_session", Err: err}
	}
	return nil
}

// ArchiveSession marks an active session archived
func (s *Store) ArchiveSession(ctx context.Context, sessionID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET status = 'archived' WHERE id = ? AND status = 'active'`,
		sessionID,
	)
	if err != nil {
		return &turn.PersistenceError{Op: "archive_session", Err: err}
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return turn.ErrSessionNotFound
	}
	s.updateActiveSessionsMetric(ctx)
	return nil
}

// ArchiveIdleSessions archives active sessions idle past the cutoff and
// returns how many were archived.
func (s *Store) ArchiveIdleSessions(ctx context.Context, idleBefore time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET status = 'archived'
		 WHERE status = 'active' AND last_activity_at < ?
		   AND id NOT IN (SELECT session_id FROM turns WHERE state NOT IN ('completed', 'failed', 'cancelled'))`,
		idleBefore.UnixMilli(),
	)
	if err != nil {
		return 0, &turn.PersistenceError{Op: "archive_idle_sessions", Err: err}
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		s.updateActiveSessionsMetric(ctx)
	}
	return int(n), nil
}

// SoftDeleteSession flags the session deleted. Rows are never removed while
// billing records may reference them.
func (s *Store) SoftDeleteSession(ctx context.Context, sessionID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET status = 'deleted' WHERE id = ? AND status != 'deleted'`,
		sessionID,
	)
	if err != nil {
		return &turn.PersistenceError{Op: "delete_session", Err: err}
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return turn.ErrSessionNotFound
	}
	s.updateActiveSessionsMetric(ctx)
	return nil
}

// CreateTurn inserts a new turn. A second non-terminal turn for the same
// session violates the single-active-turn index and surfaces as ConflictError.
func (s *Store) CreateTurn(ctx context.Context, t turn.Turn) error {
	ctx, span := tracing.StartSpan(
		ctx,
		"parley.store",
		"store.create_turn",
		attribute.String("turn_id", t.ID),
		attribute.String("session_id", t.SessionID),
	)
	defer span.End()

	if t.StartedAt.IsZero() {
		t.StartedAt = time.Now()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO turns (id, session_id, input_message, state, started_at, cancel_reason) VALUES (?, ?, ?, ?, ?, '')`,
		t.ID, t.SessionID, t.InputMessage, string(t.State), t.StartedAt.UnixMilli(),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if isUniqueViolation(err) {
			active, lookupErr := s.ActiveTurn(ctx, t.SessionID)
			conflict := &turn.ConflictError{SessionID: t.SessionID}
			if lookupErr == nil && active != nil {
				conflict.ActiveTurnID = active.ID
			}
			return conflict
		}
		return &turn.PersistenceError{Op: "create_turn", Err: err}
	}
	return nil
}

// GetTurn returns a turn by id
func (s *Store) GetTurn(ctx context.Context, turnID string) (*turn.Turn, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, session_id, input_message, state, started_at, completed_at, cancel_reason FROM turns WHERE id = ?`,
		turnID,
	)
	return scanTurn(row)
}

// ActiveTurn returns the session's non-terminal turn, or nil if none exists
func (s *Store) ActiveTurn(ctx context.Context, sessionID string) (*turn.Turn, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, session_id, input_message, state, started_at, completed_at, cancel_reason
		 FROM turns WHERE session_id = ? AND state NOT IN ('completed', 'failed', 'cancelled')`,
		sessionID,
	)
	t, err := scanTurn(row)
	if errors.Is(err, turn.ErrTurnNotFound) {
		return nil, nil
	}
	return t, err
}

// ListTurns returns all turns for a session in start order.
func (s *Store) ListTurns(ctx context.Context, sessionID string) ([]turn.Turn, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, input_message, state, started_at, completed_at, cancel_reason
		 FROM turns WHERE session_id = ? ORDER BY started_at, id`,
		sessionID,
	)
	if err != nil {
		return nil, &turn.PersistenceError{Op: "list_turns", Err: err}
	}
	defer rows.Close()

	var turns []turn.Turn
	for rows.Next() {
		var t turn.Turn
		var state string
		var startedAt int64
		var completedAt sql.NullInt64
		if err := rows.Scan(&t.ID, &t.SessionID, &t.InputMessage, &state, &startedAt, &completedAt, &t.CancelReason); err != nil {
			return nil, &turn.PersistenceError{Op: "list_turns", Err: err}
		}
		t.State = turn.State(state)
		t.StartedAt = time.UnixMilli(startedAt)
		if completedAt.Valid {
			done := time.UnixMilli(completedAt.Int64)
			t.CompletedAt = &done
		}
		turns = append(turns, t)
	}
	return turns, rows.Err()
}

// UpdateTurnState conditionally moves a turn from one non-terminal state to
// another. The WHERE clause rejects transitions out of terminal states.
func (s *Store) UpdateTurnState(ctx context.Context, turnID string, from, to turn.State) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE turns SET state = ? WHERE id = ? AND state = ?`,
		string(to), turnID, string(from),
	)
	if err != nil {
		return &turn.PersistenceError{Op: "update_turn_state", Err: err}
	}
	if n, _ := res.RowsAffected(); n == 0 {
		current, lookupErr := s.GetTurn(ctx, turnID)
		if lookupErr != nil {
			return lookupErr
		}
		return &turn.InvalidStateError{From: current.State, To: to}
	}
	return nil
}

// AppendSegment appends an ordered output segment. Replaying the same
// (turn, index) pair after a retry is a no-op rather than a duplicate.
func (s *Store) AppendSegment(ctx context.Context, seg turn.Segment) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO segments (turn_id, idx, kind, payload) VALUES (?, ?, ?, ?)`,
		seg.TurnID, seg.Index, string(seg.Kind), []byte(seg.Payload),
	)
	if err != nil {
		return &turn.PersistenceError{Op: "append_segment", Err: err}
	}
	return nil
}

// Segments returns a turn's output segments in order
func (s *Store) Segments(ctx context.Context, turnID string) ([]turn.Segment, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT turn_id, idx, kind, payload FROM segments WHERE turn_id = ? ORDER BY idx`,
		turnID,
	)
	if err != nil {
		return nil, &turn.PersistenceError{Op: "segments", Err: err}
	}
	defer rows.Close()

	var segments []turn.Segment
	for rows.Next() {
		var seg turn.Segment
		var kind string
		var payload []byte
		if err := rows.Scan(&seg.TurnID, &seg.Index, &kind, &payload); err != nil {
			return nil, &turn.PersistenceError{Op: "segments", Err: err}
		}
		seg.Kind = turn.SegmentKind(kind)
		seg.Payload = payload
		segments = append(segments, seg)
	}
	return segments, rows.Err()
}

// FinalizeTurn moves a turn to a terminal state. The conditional update only
// matches non-terminal rows, so a crash-recovery replay with the same terminal
// state succeeds without effect and a conflicting replay is rejected.
func (s *Store) FinalizeTurn(ctx context.Context, turnID string, state turn.State, cancelReason string) error {
	ctx, span := tracing.StartSpan(
		ctx,
		"parley.store",
		"store.finalize_turn",
		attribute.String("turn_id", turnID),
		attribute.String("state", string(state)),
	)
	defer span.End()

	if !state.Terminal() {
		return &turn.InvalidStateError{From: state, To: state}
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE turns SET state = ?, completed_at = ?, cancel_reason = ?
		 WHERE id = ? AND state NOT IN ('completed', 'failed', 'cancelled')`,
		string(state), time.Now().UnixMilli(), cancelReason, turnID,
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return &turn.PersistenceError{Op: "finalize_turn", Err: err}
	}

	if n, _ := res.RowsAffected(); n == 0 {
		current, lookupErr := s.GetTurn(ctx, turnID)
		if lookupErr != nil {
			return lookupErr
		}
		if current.State == state {
			// Replay with the same terminal state: idempotent.
			return nil
		}
		return &turn.InvalidStateError{From: current.State, To: state}
	}
	return nil
}

func (s *Store) updateActiveSessionsMetric(ctx context.Context) {
	var count int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sessions WHERE status = 'active'`,
	).Scan(&count); err != nil {
		return
	}
	observability.SetActiveSessions(count)
}

func scanTurn(row *sql.Row) (*turn.Turn, error) {
	var t turn.Turn
	var state string
	var startedAt int64
	var completedAt sql.NullInt64
	if err := row.Scan(&t.ID, &t.SessionID, &t.InputMessage, &state, &startedAt, &completedAt, &t.CancelReason); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, turn.ErrTurnNotFound
		}
		return nil, &turn.PersistenceError{Op: "get_turn", Err: err}
	}
	t.State = turn.State(state)
	t.StartedAt = time.UnixMilli(startedAt)
	if completedAt.Valid {
		done := time.UnixMilli(completedAt.Int64)
		t.CompletedAt = &done
	}
	return &t, nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
