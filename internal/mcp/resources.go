package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	mcplib "github.com/mark3labs/mcp-go/mcp"
)

const (
	sessionURIPrefix = "codemyspec://session/"
	eventsURISuffix  = "/events"
)

func (s *Server) registerResources() {
	// codemyspec://session/{id}: full session including its interactions.
	s.mcpServer.AddResourceTemplate(
		mcplib.NewResourceTemplate(
			sessionURIPrefix+"{id}",
			"Session",
			mcplib.WithTemplateDescription("A session with its state and interaction history"),
			mcplib.WithTemplateMIMEType("application/json"),
		),
		s.handleSessionResource,
	)

	// codemyspec://session/{id}/events: the session's event audit log.
	s.mcpServer.AddResourceTemplate(
		mcplib.NewResourceTemplate(
			sessionURIPrefix+"{id}"+eventsURISuffix,
			"Session Events",
			mcplib.WithTemplateDescription("Hook events recorded for a session, oldest first"),
			mcplib.WithTemplateMIMEType("application/json"),
		),
		s.handleEventsResource,
	)
}

func (s *Server) handleSessionResource(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	scope, err := scopeFrom(ctx)
	if err != nil {
		return nil, err
	}
	id, err := parseID(strings.TrimPrefix(request.Params.URI, sessionURIPrefix), "session id")
	if err != nil {
		return nil, fmt.Errorf("mcp: session resource: %w", err)
	}

	session, err := s.sessions.Get(ctx, scope, id)
	if err != nil {
		return nil, fmt.Errorf("mcp: session resource: %w", err)
	}
	return jsonContents(request.Params.URI, session)
}

func (s *Server) handleEventsResource(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	scope, err := scopeFrom(ctx)
	if err != nil {
		return nil, err
	}
	raw := strings.TrimSuffix(strings.TrimPrefix(request.Params.URI, sessionURIPrefix), eventsURISuffix)
	id, err := parseID(raw, "session id")
	if err != nil {
		return nil, fmt.Errorf("mcp: events resource: %w", err)
	}

	list, err := s.events.List(ctx, scope, id, 200)
	if err != nil {
		return nil, fmt.Errorf("mcp: events resource: %w", err)
	}
	return jsonContents(request.Params.URI, list)
}

func jsonContents(uri string, v any) ([]mcplib.ResourceContents, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal resource: %w", err)
	}
	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{
			URI:      uri,
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}
