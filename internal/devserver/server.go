// Package devserver is an in-process stand-in for the flow server: it
// implements the REST and stream surface the client consumes, with scripted
// agent turns and a per-session replay buffer. Integration tests and the
// `flowdeck stub` command run against it; the production server is a
// separate system.
package devserver

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// Config holds devserver configuration.
type Config struct {
	Listen  string
	Token   string
	PoolCap int
	// TurnDelay spaces scripted frames out to exercise streaming paths.
	TurnDelay time.Duration
}

// Server is the stub HTTP server.
type Server struct {
	config Config
	flows  *flowStore
	agents *agentPool
	logger *slog.Logger
	server *http.Server
}

// New creates a devserver. script provides the frames each chat turn emits;
// a nil script selects a small default conversation.
func New(config Config, script TurnScript, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if config.PoolCap <= 0 {
		config.PoolCap = 5
	}
	if script == nil {
		script = DefaultScript
	}
	return &Server{
		config: config,
		flows:  newFlowStore(),
		agents: newAgentPool(config.PoolCap, script, config.TurnDelay, logger),
		logger: logger,
	}
}

// Handler returns the routed handler, for mounting under httptest.
func (s *Server) Handler() http.Handler {
	return s.setupRoutes()
}

// Start starts the HTTP server (blocking).
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:         s.config.Listen,
		Handler:      s.setupRoutes(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 0, // stream endpoints are long-lived
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("devserver starting", "listen", s.config.Listen)

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("devserver shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return ctx.Err()
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}
}

func (s *Server) setupRoutes() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealthz)

	r.Group(func(r chi.Router) {
		if s.config.Token != "" {
			r.Use(s.bearerAuth)
		}

		r.Route("/v1/agents/{agent}", func(r chi.Router) {
			r.Post("/chat", s.handleChat)
			r.Get("/sessions", s.handleListSessions)
			r.Post("/sessions", s.handleCreateSession)
			r.Get("/sessions/{session_id}", s.handleSessionStatus)
			r.Delete("/sessions/{session_id}", s.handleDeleteSession)
			r.Post("/sessions/{session_id}/stop", s.handleStopSession)
			r.Post("/sessions/{session_id}/kill", s.handleKillSession)
			r.Get("/sessions/{session_id}/chat/stream", s.handleReconnectStream)
		})

		r.Route("/v1/flows", func(r chi.Router) {
			r.Post("/", s.handleCreateFlow)
			r.Get("/{flow_id}", s.handleGetFlow)
			r.Put("/{flow_id}", s.handleSaveFlow)
			r.Delete("/{flow_id}", s.handleDeleteFlow)
		})
	})

	return r
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
