// Package quota provides admission control for turns.
//
// Invariants:
// - Reservations are admitted through a single conditional counter update,
//   never a read-then-write, so concurrent reservations cannot double-spend.
// - Every reservation resolves to committed or released exactly once;
//   repeated resolution is a logged no-op.
// - Commit never fails the caller's turn; a failed true-up is queued for the
//   reconciler instead.
//
// Usage:
//
//	guard, _ := quota.New(quota.Config{DB: db, DailyLimit: 500_000})
//	res, err := guard.Reserve(ctx, "user-1", 8192)
//	if err != nil {
//		// quota exceeded
//	}
//	defer guard.Release(ctx, res.ID)
package quota
