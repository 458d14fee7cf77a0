package daemon

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/parley-ai/parley/internal/config"
	"github.com/parley-ai/parley/internal/logger"
	"github.com/parley-ai/parley/internal/observability"
	"github.com/parley-ai/parley/internal/tracing"
	"github.com/parley-ai/parley/pkg/gateway"
	"github.com/parley-ai/parley/pkg/memorysink"
	"github.com/parley-ai/parley/pkg/model"
	"github.com/parley-ai/parley/pkg/quota"
	"github.com/parley-ai/parley/pkg/runtime"
	"github.com/parley-ai/parley/pkg/store"
	"github.com/parley-ai/parley/pkg/tool"
)

// Daemon wires the runtime together: store, quota guard, tool registry,
// model client, turn manager, and the gateway front.
type Daemon struct {
	config *config.Config
	logger zerolog.Logger

	store      *store.Store
	guard      *quota.Guard
	reconciler *quota.Reconciler
	archiver   *store.Archiver
	tools      *tool.Registry
	manager    *runtime.Manager
	gateway    *gateway.Server
	lifecycle  *LifecycleManager

	startTime time.Time
	running   bool
	mu        sync.RWMutex

	tracingEnabled bool
}

// New creates a daemon from validated configuration.
func New(cfg *config.Config, log *logger.Logger) (*Daemon, error) {
	zl := log.GetZerolog()

	observability.EnsureRegistered()
	tracingEnabled := true
	if err := tracing.InitOpenTelemetry("parleyd"); err != nil {
		zl.Warn().Err(err).Msg("Failed to initialize tracing, continuing without distributed tracing")
		tracingEnabled = false
	}

	d := &Daemon{
		config:         cfg,
		logger:         zl,
		tracingEnabled: tracingEnabled,
	}
	d.lifecycle = NewLifecycleManager(d)

	if err := d.initialize(); err != nil {
		return nil, err
	}
	return d, nil
}

func (d *Daemon) initialize() error {
	cfg := d.config

	storePath := cfg.Store.Path
	if storePath == "" {
		storePath = filepath.Join(cfg.DataDir, "parley.db")
	}
	if err := os.MkdirAll(filepath.Dir(storePath), 0755); err != nil {
		return fmt.Errorf("failed to create store directory: %w", err)
	}

	st, err := store.Open(store.Config{Path: storePath, Logger: d.logger})
	if err != nil {
		return fmt.Errorf("failed to open session store: %w", err)
	}
	d.store = st

	guard, err := quota.New(quota.Config{
		DB:         st.DB(),
		DailyLimit: cfg.Quota.DailyLimit,
		Logger:     d.logger,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize quota guard: %w", err)
	}
	d.guard = guard

	d.reconciler, err = quota.NewReconciler(quota.ReconcilerConfig{
		Guard:          guard,
		Schedule:       cfg.Quota.SweepSchedule,
		AbandonedAfter: cfg.Quota.AbandonedAfter,
		Logger:         d.logger,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize quota reconciler: %w", err)
	}

	d.archiver, err = store.NewArchiver(store.ArchiverConfig{
		Store:       st,
		Schedule:    cfg.Sessions.ArchiveSchedule,
		IdleTimeout: cfg.Sessions.IdleTimeout,
		Logger:      d.logger,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize session archiver: %w", err)
	}

	d.tools = tool.NewRegistry(tool.Config{
		DefaultTimeout: cfg.Tools.InvocationTimeout,
		MaxConcurrent:  cfg.Tools.MaxConcurrent,
		MaxRetries:     cfg.Tools.MaxRetries,
		RetryBackoff:   cfg.Tools.RetryBackoff,
		Logger:         &d.logger,
	})

	client, modelName, err := d.buildModelClient()
	if err != nil {
		return err
	}

	var recorder *memorysink.AsyncRecorder
	if cfg.Memory.Enabled {
		sink, err := memorysink.NewHTTPSink(cfg.Memory.Endpoint, &http.Client{Timeout: cfg.Memory.Timeout})
		if err != nil {
			return fmt.Errorf("failed to initialize memory sink: %w", err)
		}
		recorder = memorysink.NewAsyncRecorder(sink, cfg.Memory.Timeout, &d.logger)
	}

	d.manager, err = runtime.NewManager(runtime.Config{
		Store:            st,
		Quota:            guard,
		Tools:            d.tools,
		Model:            client,
		Memory:           recorder,
		DefaultModel:     modelName,
		MaxTokens:        int64(cfg.Models.MaxTokens),
		Temperature:      cfg.Models.Temperature,
		QuotaEstimate:    cfg.Quota.DefaultEstimate,
		MaxToolSteps:     cfg.Turn.MaxToolSteps,
		PersistRetries:   cfg.Turn.PersistRetries,
		PersistBackoff:   cfg.Turn.PersistBackoff,
		StreamBufferSize: cfg.Stream.BufferSize,
		Logger:           &d.logger,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize turn manager: %w", err)
	}

	d.gateway, err = gateway.NewServer(gateway.Config{
		Host:               cfg.Gateway.Host,
		Port:               cfg.Gateway.Port,
		SharedSecret:       cfg.Gateway.SharedSecret,
		RateLimitPerMinute: cfg.Gateway.RateLimitPerMinute,
		MaxConcurrentTurns: cfg.Gateway.MaxConcurrentTurns,
		Manager:            d.manager,
		Store:              st,
		Logger:             &d.logger,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize gateway server: %w", err)
	}

	return nil
}

// buildModelClient resolves the default model profile into a client.
func (d *Daemon) buildModelClient() (model.Client, string, error) {
	cfg := d.config.Models
	for _, p := range cfg.Profiles {
		if p.ID == cfg.Default {
			client, err := model.NewClient(p)
			if err != nil {
				return nil, "", fmt.Errorf("failed to initialize model client %q: %w", p.ID, err)
			}
			return client, p.Model, nil
		}
	}
	return nil, "", fmt.Errorf("default model profile %q not found", cfg.Default)
}

// Start starts the daemon services.
func (d *Daemon) Start() error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return fmt.Errorf("daemon is already running")
	}
	d.running = true
	d.startTime = time.Now()
	d.mu.Unlock()

	traceID := tracing.NewTraceID()
	logger := d.logger.With().Str("trace_id", traceID).Logger()
	logger.Info().Msg("Starting parley daemon")

	if err := d.lifecycle.Start(); err != nil {
		return fmt.Errorf("failed to start lifecycle manager: %w", err)
	}

	d.reconciler.Start()
	d.archiver.Start()

	if err := d.gateway.Start(); err != nil {
		return fmt.Errorf("failed to start gateway server: %w", err)
	}
	logger.Info().
		Str("host", d.config.Gateway.Host).
		Int("port", d.config.Gateway.Port).
		Msg("Gateway server started")

	logger.Info().Msg("Daemon started")
	return nil
}

// Stop stops the daemon gracefully.
func (d *Daemon) Stop() error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return fmt.Errorf("daemon is not running")
	}
	d.running = false
	d.mu.Unlock()

	d.logger.Info().Msg("Stopping parley daemon")

	if err := d.gateway.Stop(); err != nil {
		d.logger.Error().Err(err).Msg("Failed to stop gateway server")
	}

	d.archiver.Stop()
	d.reconciler.Stop()

	if err := d.store.Close(); err != nil {
		d.logger.Error().Err(err).Msg("Failed to close session store")
	}

	if d.tracingEnabled {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := tracing.ShutdownOpenTelemetry(ctx); err != nil {
			d.logger.Warn().Err(err).Msg("Failed to shut down tracing")
		}
		cancel()
	}

	if err := d.lifecycle.Stop(); err != nil {
		d.logger.Error().Err(err).Msg("Failed to stop lifecycle manager")
	}

	d.logger.Info().Msg("Daemon stopped")
	return nil
}

// Wait blocks until SIGINT or SIGTERM, then stops the daemon.
func (d *Daemon) Wait() {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	d.logger.Info().Str("signal", sig.String()).Msg("Received signal")

	if err := d.Stop(); err != nil {
		d.logger.Error().Err(err).Msg("Failed to stop daemon")
	}
}

// Status represents daemon status
type Status struct {
	Running   bool
	Uptime    time.Duration
	StartTime time.Time
}

// Status returns the daemon status
func (d *Daemon) Status() Status {
	d.mu.RLock()
	defer d.mu.RUnlock()

	status := Status{Running: d.running}
	if d.running {
		status.Uptime = time.Since(d.startTime)
		status.StartTime = d.startTime
	}
	return status
}

// Manager returns the turn manager
func (d *Daemon) Manager() *runtime.Manager {
	return d.manager
}

// Tools returns the tool registry so embedders can register providers
func (d *Daemon) Tools() *tool.Registry {
	return d.tools
}

// Store returns the session store
func (d *Daemon) Store() *store.Store {
	return d.store
}
