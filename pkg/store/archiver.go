package store

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// ArchiverConfig holds archiver configuration
type ArchiverConfig struct {
	Store       *Store
	Schedule    string        // cron spec, e.g. "*/5 * * * *"
	IdleTimeout time.Duration // sessions idle longer than this are archived
	Logger      zerolog.Logger
}

// Archiver periodically archives sessions with no recent activity.
type Archiver struct {
	store       *Store
	idleTimeout time.Duration
	logger      zerolog.Logger
	cron        *cron.Cron
	entryID     cron.EntryID
}

// NewArchiver creates an archiver on its own cron scheduler
func NewArchiver(cfg ArchiverConfig) (*Archiver, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if cfg.Schedule == "" {
		cfg.Schedule = "*/5 * * * *"
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 30 * time.Minute
	}

	a := &Archiver{
		store:       cfg.Store,
		idleTimeout: cfg.IdleTimeout,
		logger:      cfg.Logger,
		cron:        cron.New(),
	}

	entryID, err := a.cron.AddFunc(cfg.Schedule, a.Run)
	if err != nil {
		return nil, fmt.Errorf("invalid archiver schedule: %w", err)
	}
	a.entryID = entryID

	return a, nil
}

// Start begins scheduled archiving
func (a *Archiver) Start() {
	a.cron.Start()
	a.logger.Info().Dur("idle_timeout", a.idleTimeout).Msg("Session archiver started")
}

// Stop halts the scheduler, waiting for a running sweep to finish
func (a *Archiver) Stop() {
	ctx := a.cron.Stop()
	<-ctx.Done()
	a.logger.Info().Msg("Session archiver stopped")
}

// Run performs one archiving pass
func (a *Archiver) Run() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	idleBefore := time.Now().Add(-a.idleTimeout)
	archived, err := a.store.ArchiveIdleSessions(ctx, idleBefore)
	if err != nil {
		a.logger.Error().Err(err).Msg("Session archiving pass failed")
		return
	}
	if archived > 0 {
		a.logger.Info().Int("archived", archived).Msg("Archived idle sessions")
	}
}
