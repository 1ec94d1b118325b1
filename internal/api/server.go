package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/pardalotus/metabeak/internal/api/middleware"
	"github.com/pardalotus/metabeak/internal/storage"
)

// Checker reports whether the engine's dependencies are reachable. In
// production this is *storage.Connection; tests supply a stub.
type Checker interface {
	HealthCheck(ctx context.Context) error
}

// Server is the minimal HTTP surface the `--api` flag boots: liveness and
// readiness only. Upload, browsing, and results pagination are the external
// API's job; this stub exists purely so `--api` is not a dead no-op.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
	config     *ServerConfig
	db         Checker
	startTime  time.Time
	ready      atomic.Bool
}

// NewServer builds a Server wired to db for readiness checks. db must not be
// nil: a health server with nothing to report readiness for is a
// configuration error, caught fail-fast at construction.
func NewServer(cfg *ServerConfig, db Checker, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel}))
	}

	if db == nil {
		logger.Error("database checker is required - cannot start health server without it")
		panic("metabeak: api.NewServer requires a non-nil Checker")
	}

	s := &Server{config: cfg, db: db, logger: logger}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleLiveness)
	mux.HandleFunc("GET /readyz", s.handleReadiness)

	handler := middleware.Apply(mux,
		middleware.WithCorrelationID(),
		middleware.WithRecovery(logger),
		middleware.WithRequestLogger(logger),
	)

	s.httpServer = &http.Server{
		Addr:         cfg.Address(),
		Handler:      handler,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	return s
}

// handleLiveness always reports 200 once the process has started: it
// answers "is this process alive," not "is it doing useful work."
func (s *Server) handleLiveness(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

// handleReadiness answers "can this process reach its database," the
// precondition for the orchestrator to make progress.
func (s *Server) handleReadiness(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), readinessCheckTimeout)
	defer cancel()

	if err := s.db.HealthCheck(ctx); err != nil {
		WriteErrorResponse(w, r, s.logger, InternalServerError("database unreachable: "+err.Error()))

		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ready"}`))
}

const readinessCheckTimeout = 3 * time.Second

// Start starts the HTTP server and blocks until shutdown.
// It handles graceful shutdown on SIGINT and SIGTERM signals.
func (s *Server) Start() error {
	if err := s.config.Validate(); err != nil {
		return fmt.Errorf("invalid server configuration: %w", err)
	}

	s.startTime = time.Now()
	s.ready.Store(true)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	serverErrors := make(chan error, 1)

	go func() {
		s.logger.Info("starting health/readiness server",
			slog.String("address", s.config.Address()),
		)

		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErrors <- fmt.Errorf("server failed to start: %w", err)
		}
	}()

	select {
	case err := <-serverErrors:
		return err
	case sig := <-stop:
		s.logger.Info("received shutdown signal", slog.String("signal", sig.String()))

		return s.shutdown()
	}
}

func (s *Server) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
	defer cancel()

	s.ready.Store(false)

	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	s.logger.Info("health/readiness server shutdown complete")

	return nil
}

var _ Checker = (*storage.Connection)(nil)
