// Package server is the HTTP surface: the streaming chat endpoint, the
// non-streaming chat endpoint, session management, health and metrics.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/HannahHyy/llm-qa-modual-local/pkg/chat"
	"github.com/HannahHyy/llm-qa-modual-local/pkg/config"
	"github.com/HannahHyy/llm-qa-modual-local/pkg/protocol"
	"github.com/HannahHyy/llm-qa-modual-local/pkg/store"
)

// ChatRunner produces the frame stream for one request.
type ChatRunner interface {
	Run(ctx context.Context, req chat.Request) <-chan protocol.Frame
}

// SessionStore is the session and message surface the handlers need.
type SessionStore interface {
	CreateSession(ctx context.Context, userID, name string) (string, error)
	ListSessions(ctx context.Context, userID string) ([]store.Session, error)
	GetSession(ctx context.Context, userID, sessionID string) (*store.Session, error)
	DeleteSession(ctx context.Context, userID, sessionID string) error
	RenameSession(ctx context.Context, userID, sessionID, name string) error
	GetMessages(ctx context.Context, userID, sessionID string) ([]store.Message, error)
	ClearMessages(ctx context.Context, userID, sessionID string) error
}

// Pinger is a health-checkable backend.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server owns the chi router and the http.Server lifecycle.
type Server struct {
	cfg      config.ServerSettings
	runner   ChatRunner
	sessions SessionStore
	backends map[string]Pinger
	logger   *slog.Logger

	httpServer *http.Server
}

func New(cfg config.ServerSettings, runner ChatRunner, sessions SessionStore,
	backends map[string]Pinger, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:      cfg,
		runner:   runner,
		sessions: sessions,
		backends: backends,
		logger:   logger,
	}
}

// Start blocks serving HTTP until Stop is called or the listener fails.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: s.routes(),
	}

	s.logger.Info("http server starting", "addr", addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("http server failed: %w", err)
	}
	return nil
}

// Stop drains in-flight requests and shuts the listener down.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	s.logger.Info("http server shutting down")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("http server shutdown: %w", err)
	}
	return nil
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()

	r.Use(s.loggingMiddleware)
	r.Use(metricsMiddleware)
	r.Use(corsMiddleware)

	r.Post("/api/chat/stream", s.handleChatStream)
	r.Post("/api/chat/", s.handleChat)

	r.Route("/api/sessions", func(r chi.Router) {
		r.Post("/", s.handleCreateSession)
		r.Get("/", s.handleListSessions)
		r.Get("/{sessionID}", s.handleGetSession)
		r.Delete("/{sessionID}", s.handleDeleteSession)
		r.Patch("/{sessionID}/rename", s.handleRenameSession)
		r.Delete("/{sessionID}/messages", s.handleClearMessages)
	})

	r.Get("/api/health/", s.handleHealth)
	r.Get("/api/health/detailed", s.handleHealthDetailed)
	r.Get("/metrics", promhttp.Handler().ServeHTTP)

	return r
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration_ms", time.Since(start).Milliseconds())
	})
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}
