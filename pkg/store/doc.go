// Package store persists sessions, turns, and output segments in SQLite.
//
// Invariants:
// - A session has at most one turn in a non-terminal state, enforced by a
//   partial unique index.
// - Segments are ordered by a per-turn index; replays cannot duplicate them.
// - FinalizeTurn only moves a turn out of a non-terminal state; replaying the
//   same terminal state is a no-op, a different one is rejected.
// - Sessions are soft-deleted, never removed.
//
// Usage:
//
//	st, _ := store.Open(store.Config{Path: "/tmp/parley.db"})
//	defer st.Close()
//	_ = st.CreateSession(ctx, sess)
package store
