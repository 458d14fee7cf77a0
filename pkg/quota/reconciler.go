package quota

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// ReconcilerConfig holds reconciler configuration
type ReconcilerConfig struct {
	Guard          *Guard
	Schedule       string        // cron spec, e.g. "*/5 * * * *"
	AbandonedAfter time.Duration // reserved older than this is released
	Logger         zerolog.Logger
}

// Reconciler periodically releases abandoned reservations and replays
// commits whose persistence failed.
type Reconciler struct {
	guard          *Guard
	abandonedAfter time.Duration
	logger         zerolog.Logger
	cron           *cron.Cron
	entryID        cron.EntryID
}

// NewReconciler creates a reconciler on its own cron scheduler
func NewReconciler(cfg ReconcilerConfig) (*Reconciler, error) {
	if cfg.Guard == nil {
		return nil, fmt.Errorf("guard is required")
	}
	if cfg.Schedule == "" {
		cfg.Schedule = "*/5 * * * *"
	}
	if cfg.AbandonedAfter <= 0 {
		cfg.AbandonedAfter = 15 * time.Minute
	}

	r := &Reconciler{
		guard:          cfg.Guard,
		abandonedAfter: cfg.AbandonedAfter,
		logger:         cfg.Logger,
		cron:           cron.New(),
	}

	entryID, err := r.cron.AddFunc(cfg.Schedule, r.Run)
	if err != nil {
		return nil, fmt.Errorf("invalid reconciler schedule: %w", err)
	}
	r.entryID = entryID

	return r, nil
}

// Start begins scheduled reconciliation
func (r *Reconciler) Start() {
	r.cron.Start()
	r.logger.Info().Dur("abandoned_after", r.abandonedAfter).Msg("Quota reconciler started")
}

// Stop halts the scheduler, waiting for a running sweep to finish
func (r *Reconciler) Stop() {
	ctx := r.cron.Stop()
	<-ctx.Done()
	r.logger.Info().Msg("Quota reconciler stopped")
}

// Run performs one reconciliation pass
func (r *Reconciler) Run() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	cutoff := time.Now().Add(-r.abandonedAfter)
	swept, err := r.guard.SweepAbandoned(ctx, cutoff)
	if err != nil {
		r.logger.Error().Err(err).Msg("Reconciliation sweep failed")
	}

	replayed := r.guard.RetryPendingCommits(ctx)

	if swept > 0 || replayed > 0 {
		r.logger.Info().
			Int("swept", swept).
			Int("replayed_commits", replayed).
			Msg("Quota reconciliation pass complete")
	}
}
