package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/mattjoyce/sdseal/internal/queue"
)

// DefaultMaxBodyBytes bounds POST /run bodies. Inputs carry a base64 image
// inside the envelope, so this is generous.
const DefaultMaxBodyBytes = 64 << 20

// JobQueue is the subset of the sqlite queue the server needs.
type JobQueue interface {
	Enqueue(ctx context.Context, input json.RawMessage) (string, error)
	Get(ctx context.Context, id string) (*queue.Job, error)
	Cancel(ctx context.Context, id string) error
	Depth(ctx context.Context) (queued, inProgress int, err error)
}

// Config holds API server configuration.
type Config struct {
	Listen       string
	APIKey       string
	MaxBodyBytes int64
}

// Server is a RunPod-compatible platform endpoint backed by the local queue.
// It only ever stores and returns the opaque input and output objects.
type Server struct {
	config    Config
	queue     JobQueue
	wake      func()
	logger    *slog.Logger
	server    *http.Server
	startedAt time.Time
}

// New creates a server. wake, if non-nil, is called after every successful
// enqueue so the dispatch loop does not wait a full poll interval.
func New(config Config, q JobQueue, wake func(), logger *slog.Logger) *Server {
	if config.MaxBodyBytes <= 0 {
		config.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if wake == nil {
		wake = func() {}
	}
	return &Server{
		config:    config,
		queue:     q,
		wake:      wake,
		logger:    logger,
		startedAt: time.Now(),
	}
}

// Handler returns the routed handler, for embedding and tests.
func (s *Server) Handler() http.Handler {
	return s.setupRoutes()
}

// Start starts the HTTP server and blocks until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              s.config.Listen,
		Handler:           s.setupRoutes(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       time.Minute,
		WriteTimeout:      time.Minute,
		IdleTimeout:       60 * time.Second,
	}

	s.logger.Info("API server starting", "listen", s.config.Listen)

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("API server shutting down")
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

	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)
		r.Post("/run", s.handleRun)
		r.Get("/status/{jobID}", s.handleStatus)
		r.Post("/cancel/{jobID}", s.handleCancel)
		r.Get("/health", s.handleHealth)
	})

	return r
}

// loggingMiddleware logs request metadata. Bodies are never logged.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes_in", r.ContentLength,
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
