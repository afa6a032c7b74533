package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/montecast-ai/montecast/internal/engine"
	"github.com/montecast-ai/montecast/internal/job"
	"github.com/montecast-ai/montecast/internal/ratelimit"
	"github.com/montecast-ai/montecast/internal/storage"
)

// Config holds everything needed to construct the HTTP server.
//
// DB, Manager, Runner and Logger are required. Broker and Limiter are
// optional: a nil Broker disables the events stream (GET /v1/events
// returns 503), a nil Limiter disables rate limiting.
type Config struct {
	DB      *storage.DB
	Manager *job.Manager
	Runner  *engine.Runner
	Broker  *Broker
	Limiter ratelimit.Limiter
	Logger  *slog.Logger

	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	Version             string
	MaxRequestBodyBytes int64

	// OpenAPISpec is the embedded OpenAPI YAML, served at /openapi.yaml.
	// Empty means the route answers 404.
	OpenAPISpec []byte

	// MaxQueuedJobs rejects new simulations with 503 once this many jobs
	// are waiting. Zero disables the backpressure check.
	MaxQueuedJobs int

	// ExtraRoutes and ExtraMiddleware let an embedding application mount
	// additional endpoints and wrap the handler chain. Extra middleware
	// runs after request ID assignment and logging, before rate limiting.
	ExtraRoutes     map[string]http.Handler
	ExtraMiddleware []func(http.Handler) http.Handler
}

// Server is the Montecast HTTP server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	logger     *slog.Logger
}

// New creates a Server with all routes and middleware wired.
func New(cfg Config) *Server {
	handlers := NewHandlers(HandlersDeps{
		DB:                  cfg.DB,
		Manager:             cfg.Manager,
		Runner:              cfg.Runner,
		Broker:              cfg.Broker,
		Logger:              cfg.Logger,
		Version:             cfg.Version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
		MaxQueuedJobs:       cfg.MaxQueuedJobs,
		OpenAPISpec:         cfg.OpenAPISpec,
	})

	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", handlers.HandleHealth)
	mux.HandleFunc("GET /version", handlers.HandleVersion)
	mux.HandleFunc("GET /openapi.yaml", handlers.HandleOpenAPISpec)

	mux.HandleFunc("POST /v1/simulations", handlers.HandleCreateSimulation)
	mux.HandleFunc("GET /v1/simulations", handlers.HandleListSimulations)
	mux.HandleFunc("GET /v1/simulations/{id}", handlers.HandleGetSimulation)
	mux.HandleFunc("GET /v1/simulations/{id}/result", handlers.HandleGetResult)
	mux.HandleFunc("DELETE /v1/simulations/{id}", handlers.HandleCancelSimulation)
	mux.HandleFunc("POST /v1/simulations/validate", handlers.HandleValidateConfig)
	mux.HandleFunc("GET /v1/events", handlers.HandleEvents)
	mux.HandleFunc("GET /v1/engine/stats", handlers.HandleEngineStats)

	for pattern, extra := range cfg.ExtraRoutes {
		mux.Handle(pattern, extra)
	}

	// Middleware is applied innermost-first; requests traverse the chain
	// bottom-up: request ID, security headers, tracing, logging, extra
	// middleware, rate limit, recovery, mux.
	var handler http.Handler = mux
	handler = recoveryMiddleware(cfg.Logger, handler)
	if cfg.Limiter != nil {
		handler = ratelimit.Middleware(cfg.Limiter, v1KeyFunc, requestIDFunc)(handler)
	}
	// Reverse wrap keeps the first-registered extra middleware outermost.
	for i := len(cfg.ExtraMiddleware) - 1; i >= 0; i-- {
		handler = cfg.ExtraMiddleware[i](handler)
	}
	handler = loggingMiddleware(cfg.Logger, handler)
	handler = tracingMiddleware(handler)
	handler = securityHeadersMiddleware(handler)
	handler = requestIDMiddleware(handler)

	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      handler,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		},
		handler: handler,
		logger:  cfg.Logger,
	}
}

// v1KeyFunc rate-limits API routes by client IP. Health, version and any
// extra routes outside /v1 are exempt.
func v1KeyFunc(r *http.Request) string {
	if !strings.HasPrefix(r.URL.Path, "/v1/") {
		return ""
	}
	return ratelimit.IPKeyFunc(r)
}

func requestIDFunc(r *http.Request) string {
	return RequestIDFromContext(r.Context())
}

// Start begins serving. It blocks until the server stops and returns nil
// after a clean Shutdown.
func (s *Server) Start() error {
	s.logger.Info("http server listening", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server: listen: %w", err)
	}
	return nil
}

// Shutdown gracefully drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// Handler returns the root handler with the full middleware chain, for
// tests that drive the server through httptest.
func (s *Server) Handler() http.Handler {
	return s.handler
}
