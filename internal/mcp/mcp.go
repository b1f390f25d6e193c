// Package mcp implements the Model Context Protocol surface used by coding
// agents to drive sessions.
//
// The agent asks for its next command, reports the outcome and streams hook
// events. Every call is scoped by the bearer token the HTTP transport
// validated, read back through ctxutil.
package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	mcplib "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/johns10/codemyspec/internal/ctxutil"
	"github.com/johns10/codemyspec/internal/model"
	"github.com/johns10/codemyspec/internal/service/events"
	"github.com/johns10/codemyspec/internal/service/sessions"
)

// Executions is the part of the execution guard the tools report through,
// so a result or event sent here settles the session's in-flight execution.
type Executions interface {
	HandleResult(ctx context.Context, scope model.Scope, sessionID, interactionID uuid.UUID, result model.Result) (model.Session, error)
	Reconcile(ctx context.Context, sessionID uuid.UUID) bool
}

// Server wraps the MCP server with the session and event services.
type Server struct {
	mcpServer  *mcpserver.MCPServer
	sessions   *sessions.Service
	events     *events.Service
	executions Executions
	logger     *slog.Logger
}

// Option configures a Server.
type Option func(*Server)

// WithExecutions routes results and events through the execution guard.
func WithExecutions(e Executions) Option {
	return func(s *Server) { s.executions = e }
}

// New creates and configures a new MCP server with all resources, prompts
// and tools.
func New(sessionSvc *sessions.Service, eventSvc *events.Service, logger *slog.Logger, version string, opts ...Option) *Server {
	s := &Server{
		sessions: sessionSvc,
		events:   eventSvc,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(s)
	}

	s.mcpServer = mcpserver.NewMCPServer(
		"codemyspec",
		version,
		mcpserver.WithResourceCapabilities(true, true),
		mcpserver.WithPromptCapabilities(true),
		mcpserver.WithToolCapabilities(true),
	)

	s.registerResources()
	s.registerPrompts()
	s.registerTools()

	return s
}

// MCPServer returns the underlying mcp-go server for transport setup.
func (s *Server) MCPServer() *mcpserver.MCPServer {
	return s.mcpServer
}

var errNoScope = errors.New("mcp: request is not authenticated")

func scopeFrom(ctx context.Context) (model.Scope, error) {
	scope, ok := ctxutil.ScopeFromContext(ctx)
	if !ok {
		return model.Scope{}, errNoScope
	}
	return scope, nil
}

func parseID(raw, name string) (uuid.UUID, error) {
	if raw == "" {
		return uuid.Nil, fmt.Errorf("%s is required", name)
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid %s: %s", name, raw)
	}
	return id, nil
}

func jsonResult(v any) (*mcplib.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal result: %w", err)
	}
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: string(data)},
		},
	}, nil
}

func errorResult(msg string) *mcplib.CallToolResult {
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
