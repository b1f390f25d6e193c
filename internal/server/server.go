// Package server implements the HTTP API for session orchestration.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/johns10/codemyspec/internal/auth"
	"github.com/johns10/codemyspec/internal/broker"
	"github.com/johns10/codemyspec/internal/model"
	"github.com/johns10/codemyspec/internal/ratelimit"
	"github.com/johns10/codemyspec/internal/service/events"
	"github.com/johns10/codemyspec/internal/service/execution"
	"github.com/johns10/codemyspec/internal/service/sessions"
	"github.com/johns10/codemyspec/internal/storage"
)

// Server is the codemyspec HTTP server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	logger     *slog.Logger
}

// Handler returns the root HTTP handler for use in tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// ServerConfig holds all dependencies and configuration for creating a Server.
// Optional fields (nil-safe): Broker, Limiter, MCPServer.
type ServerConfig struct {
	// Required dependencies.
	Store    storage.Store
	JWTMgr   *auth.JWTManager
	Sessions *sessions.Service
	Events   *events.Service
	Guard    *execution.Guard
	Logger   *slog.Logger

	// Optional dependencies (nil = disabled).
	Broker    *broker.Broker
	Limiter   ratelimit.Limiter
	MCPServer *mcpserver.MCPServer

	// HTTP server settings.
	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	Version             string
	MaxRequestBodyBytes int64
}

// New creates a new HTTP server with all routes configured.
func New(cfg ServerConfig) *Server {
	h := NewHandlers(HandlersDeps{
		Store:    cfg.Store,
		Sessions: cfg.Sessions,
		Events:   cfg.Events,
		Guard:    cfg.Guard,
		Broker:   cfg.Broker,
		Logger:   cfg.Logger,
		Version:  cfg.Version,
	})

	limited := ratelimit.Middleware(cfg.Limiter, accountKeyFunc, func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusTooManyRequests, model.ErrCodeRateLimited, "rate limit exceeded")
	}, cfg.Logger)
	route := func(fn http.HandlerFunc) http.Handler { return limited(fn) }

	mux := http.NewServeMux()

	// Sessions.
	mux.Handle("POST /v1/sessions", route(h.HandleCreateSession))
	mux.Handle("GET /v1/sessions/{session_id}", route(h.HandleGetSession))
	mux.Handle("GET /v1/sessions/{session_id}/children", route(h.HandleListChildren))
	mux.Handle("POST /v1/sessions/{session_id}/next", route(h.HandleNextCommand))
	mux.Handle("POST /v1/sessions/{session_id}/interactions/{interaction_id}/result", route(h.HandleSubmitResult))
	mux.Handle("POST /v1/sessions/{session_id}/run", route(h.HandleRun))
	mux.Handle("POST /v1/sessions/{session_id}/cancel", route(h.HandleCancel))
	mux.Handle("POST /v1/interactions/{interaction_id}/deliver", route(h.HandleDeliver))

	// Events.
	mux.Handle("POST /v1/sessions/{session_id}/events", route(h.HandleAppendEvents))
	mux.Handle("GET /v1/sessions/{session_id}/events", route(h.HandleListEvents))

	// Subscription endpoint (no rate limit, long-lived connection).
	mux.HandleFunc("GET /v1/subscribe", h.HandleSubscribe)

	// MCP StreamableHTTP transport.
	if cfg.MCPServer != nil {
		mux.Handle("/mcp", mcpserver.NewStreamableHTTPServer(cfg.MCPServer))
	}

	// Health (no auth, no rate limit).
	mux.HandleFunc("GET /health", h.HandleHealth)

	// Middleware chain (outermost executes first):
	// request ID → security headers → tracing → logging → auth → body limit → recovery → handler.
	var handler http.Handler = mux
	handler = recoveryMiddleware(cfg.Logger, handler)
	handler = bodyLimitMiddleware(cfg.MaxRequestBodyBytes, handler)
	handler = authMiddleware(cfg.JWTMgr, handler)
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

// accountKeyFunc rate limits per account. Unauthenticated requests never
// reach a limited route.
func accountKeyFunc(r *http.Request) string {
	scope, ok := scopeFromRequest(r)
	if !ok {
		return ""
	}
	return "account:" + scope.AccountID.String()
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("http server shutting down")
	return s.httpServer.Shutdown(ctx)
}
