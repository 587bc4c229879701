package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"

	"github.com/purpleteam/checking-engine/internal/api/middleware"
	"github.com/purpleteam/checking-engine/internal/store"
)

// Server is the read-only HTTP layer over detection_execution and
// detection_result rows (spec §6). It holds no mutating state: every
// handler reads through a store.Gateway's query helpers.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
	config     ServerConfig
	store      store.Gateway
}

// NewServer builds a Server reading through gateway. gateway must not be
// nil: the read-only layer has no function without a store to read.
func NewServer(cfg ServerConfig, gateway store.Gateway) *Server {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel}))

	if gateway == nil {
		panic("api: store.Gateway cannot be nil")
	}

	mux := http.NewServeMux()

	server := &Server{logger: logger, config: cfg, store: gateway}
	server.setupRoutes(mux)

	// Middleware executes in the order listed (outermost first):
	//   1. CorrelationID - stamp every response with a correlation id
	//   2. Recovery       - catch panics from any handler
	//   3. RequestLogger  - structured access log
	//   4. CORS           - header manipulation for browser callers
	// No auth/rate-limit stage: spec.md's Non-goals exclude authenticating
	// HTTP callers.
	handler := middleware.Apply(mux,
		middleware.WithCorrelationID(),
		middleware.WithRecovery(logger),
		middleware.WithRequestLogger(logger),
		middleware.WithCORS(cfg.ToCORSConfig()),
	)

	server.httpServer = &http.Server{
		Addr:         cfg.Address(),
		Handler:      handler,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	return server
}

func (s *Server) setupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /detection-executions", s.handleListDetectionExecutions)
	mux.HandleFunc("GET /detection-executions/{id}", s.handleGetDetectionExecution)
	mux.HandleFunc("GET /detection-executions/{id}/results", s.handleListDetectionResults)
}

// Start runs the HTTP server until ctx is cancelled, then shuts it down
// within the configured shutdown timeout. It returns nil on a clean
// shutdown and any listen error otherwise.
func (s *Server) Start(ctx context.Context) error {
	if err := s.config.Validate(); err != nil {
		return fmt.Errorf("invalid server configuration: %w", err)
	}

	serverErrors := make(chan error, 1)

	go func() {
		s.logger.Info("starting read-only detection API",
			slog.String("address", s.config.Address()),
		)

		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErrors <- fmt.Errorf("api server failed: %w", err)
		}
	}()

	select {
	case err := <-serverErrors:
		return err
	case <-ctx.Done():
		return s.shutdown()
	}
}

func (s *Server) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
	defer cancel()

	s.logger.Info("shutting down read-only detection API", slog.Duration("timeout", s.config.ShutdownTimeout))

	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("api server shutdown failed: %w", err)
	}

	return nil
}
