// ABOUTME: HTTP server wiring for the taproot API and stream endpoints
// ABOUTME: Owns the mux, lifecycle, and graceful shutdown

package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/2389/taproot/internal/dialogue"
)

// Server exposes the dialogue service over HTTP: JSON endpoints for
// submission and queries, SSE for the live event stream.
type Server struct {
	addr        string
	svc         *dialogue.Service
	connections *ConnectionRegistry
	logger      *slog.Logger
}

// New creates a server for the given listen address.
func New(addr string, svc *dialogue.Service, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		addr:        addr,
		svc:         svc,
		connections: NewConnectionRegistry(logger),
		logger:      logger.With("component", "server"),
	}
}

// Handler builds the route mux.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("POST /api/dialogues/send", s.handleSend)
	mux.HandleFunc("GET /api/dialogues/history", s.handleHistory)
	mux.HandleFunc("GET /api/dialogues/stream", s.handleStream)
	mux.HandleFunc("GET /api/jobs/{id}", s.handleJobStatus)
	mux.HandleFunc("GET /api/queue/metrics", s.handleQueueMetrics)
	mux.HandleFunc("GET /api/stats/usage", s.handleUsageStats)

	return mux
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("HTTP server listening", "addr", s.addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	s.logger.Info("shutting down HTTP server")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	return nil
}
