// ABOUTME: Top-level wiring of store, queue, broadcaster, workers, and HTTP server
// ABOUTME: Owns component lifecycle: construction order, run, and shutdown order

package app

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/2389/taproot/internal/bus"
	"github.com/2389/taproot/internal/config"
	"github.com/2389/taproot/internal/dedupe"
	"github.com/2389/taproot/internal/dialogue"
	"github.com/2389/taproot/internal/provider"
	"github.com/2389/taproot/internal/queue"
	"github.com/2389/taproot/internal/server"
	"github.com/2389/taproot/internal/store"
	"github.com/2389/taproot/internal/worker"
)

// Duplicate submissions of the same text to the same node inside this window
// are rejected at the API boundary.
const (
	dedupeTTL     = 10 * time.Second
	dedupeMaxSize = 10_000
)

// App assembles the full turn pipeline around one SQLite store.
type App struct {
	cfg    *config.Config
	logger *slog.Logger

	store *store.SQLiteStore
	queue *queue.Queue
	bus   *bus.Broadcaster
	guard *dedupe.Guard
	pool  *worker.Pool
	srv   *server.Server
}

// New builds the pipeline from configuration. The model provider is the
// canned Socratic backend wrapped in the configured per-call timeout; it also
// serves as the degraded-mode fallback.
func New(cfg *config.Config, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}

	st, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}

	q := queue.New(st, queue.Options{
		MaxAttempts:        cfg.Queue.MaxAttempts,
		RetryBackoff:       cfg.Queue.RetryBackoff,
		LeaseDuration:      cfg.Queue.LeaseDuration,
		PollInterval:       cfg.Queue.PollInterval,
		CompletedRetention: cfg.Queue.CompletedRetention,
		FailedRetention:    cfg.Queue.FailedRetention,
	}, logger)

	b := bus.NewBroadcaster(logger)
	guard := dedupe.NewGuard(dedupeTTL, dedupeMaxSize)

	backend := provider.WithTimeout(provider.NewCanned(), cfg.Model.Timeout)
	fallback := provider.NewCanned()

	w := worker.New(st, q, b, backend, fallback, worker.Config{
		HistoryLimit:    cfg.Workers.HistoryLimit,
		FallbackEnabled: cfg.Model.FallbackEnabled,
	}, logger)
	pool := worker.NewPool(w, cfg.Workers.Count, logger)

	svc := dialogue.New(st, q, b, guard, cfg.Model.DefaultModel, logger)
	srv := server.New(cfg.Server.HTTPAddr, svc, logger)

	return &App{
		cfg:    cfg,
		logger: logger.With("component", "app"),
		store:  st,
		queue:  q,
		bus:    b,
		guard:  guard,
		pool:   pool,
		srv:    srv,
	}, nil
}

// Run serves until ctx is cancelled: the worker pool drains the queue while
// the HTTP server accepts submissions and stream subscriptions. Shutdown
// order is server, workers, queue, broadcaster, store.
func (a *App) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		a.pool.Run(runCtx)
	}()

	err := a.srv.Run(runCtx)

	// Server is down; stop the workers and release everything else.
	cancel()
	wg.Wait()

	a.queue.Close()
	a.guard.Close()
	a.bus.Close()

	if closeErr := a.store.Close(); closeErr != nil {
		a.logger.Error("store close failed", "error", closeErr)
	}

	a.logger.Info("shutdown complete")
	return err
}
