package mcp

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	mcplib "github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/johns10/codemyspec/internal/auth"
	"github.com/johns10/codemyspec/internal/broker"
	"github.com/johns10/codemyspec/internal/ctxutil"
	"github.com/johns10/codemyspec/internal/model"
	"github.com/johns10/codemyspec/internal/service/events"
	"github.com/johns10/codemyspec/internal/service/execution"
	"github.com/johns10/codemyspec/internal/service/sessions"
	"github.com/johns10/codemyspec/internal/steps"
	"github.com/johns10/codemyspec/internal/testutil"
	"github.com/johns10/codemyspec/internal/workflow"
)

type fixture struct {
	server *Server
	svc    *sessions.Service
	scope  model.Scope
	ctx    context.Context
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	logger := testutil.TestLogger()
	store := testutil.NewSQLiteStore(t)
	pub := broker.New(nil, logger)
	svc := sessions.New(store, workflow.DefaultRegistry(), steps.Env{}, logger, sessions.WithPublisher(pub))
	evs := events.New(store, pub, logger)

	scope := testutil.NewScope()
	ctx := ctxutil.WithClaims(context.Background(), &auth.Claims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: scope.UserID.String()},
		AccountID:        scope.AccountID,
		ProjectID:        scope.ProjectID,
	})
	return fixture{server: New(svc, evs, logger, "test"), svc: svc, scope: scope, ctx: ctx}
}

func (f fixture) create(t *testing.T, typ model.SessionType) model.Session {
	t.Helper()
	s, err := f.svc.Create(context.Background(), model.CreateSessionRequest{
		Type:  typ,
		State: map[string]any{steps.StateComponentName: "Ledger"},
		Scope: f.scope,
	})
	require.NoError(t, err)
	return s
}

func call(name string, args map[string]any) mcplib.CallToolRequest {
	return mcplib.CallToolRequest{
		Params: mcplib.CallToolParams{
			Name:      name,
			Arguments: args,
		},
	}
}

// parseToolText extracts the first TextContent text from a CallToolResult.
func parseToolText(t *testing.T, result *mcplib.CallToolResult) string {
	t.Helper()
	for _, c := range result.Content {
		if tc, ok := c.(mcplib.TextContent); ok {
			return tc.Text
		}
	}
	t.Fatal("no text content in result")
	return ""
}

func decode[T any](t *testing.T, result *mcplib.CallToolResult) T {
	t.Helper()
	require.False(t, result.IsError, "tool failed: %s", parseToolText(t, result))
	var out T
	require.NoError(t, json.Unmarshal([]byte(parseToolText(t, result)), &out))
	return out
}

func TestHandleNextCommand(t *testing.T) {
	f := newFixture(t)
	s := f.create(t, model.SessionTypeDesignReview)

	result, err := f.server.handleNextCommand(f.ctx, call("session_next_command", map[string]any{
		"session_id": s.ID.String(),
	}))
	require.NoError(t, err)
	first := decode[nextCommandResponse](t, result)
	require.NotNil(t, first.Command)
	assert.Equal(t, "initialize", first.Command.Step)
	assert.False(t, first.Done)

	result, err = f.server.handleNextCommand(f.ctx, call("session_next_command", map[string]any{
		"session_id": s.ID.String(),
	}))
	require.NoError(t, err)
	again := decode[nextCommandResponse](t, result)
	assert.Equal(t, first.InteractionID, again.InteractionID, "repeated calls return the open command")
}

func TestHandleNextCommand_Terminal(t *testing.T) {
	f := newFixture(t)
	s := f.create(t, model.SessionTypeDesignReview)
	_, err := f.svc.Cancel(context.Background(), f.scope, s.ID)
	require.NoError(t, err)

	result, err := f.server.handleNextCommand(f.ctx, call("session_next_command", map[string]any{
		"session_id": s.ID.String(),
	}))
	require.NoError(t, err)
	resp := decode[nextCommandResponse](t, result)
	assert.True(t, resp.Done)
	assert.Equal(t, string(model.SessionStatusCancelled), resp.Status)
	assert.Nil(t, resp.Command)
}

func TestHandleNextCommand_Validation(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		name string
		ctx  context.Context
		args map[string]any
		want string
	}{
		{name: "missing id", ctx: f.ctx, args: map[string]any{}, want: "session_id is required"},
		{name: "malformed id", ctx: f.ctx, args: map[string]any{"session_id": "nope"}, want: "invalid session_id"},
		{name: "unknown session", ctx: f.ctx, args: map[string]any{"session_id": uuid.NewString()}, want: "session not found"},
		{name: "no claims", ctx: context.Background(), args: map[string]any{"session_id": uuid.NewString()}, want: "not authenticated"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := f.server.handleNextCommand(tt.ctx, call("session_next_command", tt.args))
			require.NoError(t, err)
			assert.True(t, result.IsError)
			assert.Contains(t, parseToolText(t, result), tt.want)
		})
	}
}

func TestHandleSubmitResult(t *testing.T) {
	f := newFixture(t)
	s := f.create(t, model.SessionTypeDesignReview)
	in, err := f.svc.NextCommand(context.Background(), f.scope, s.ID)
	require.NoError(t, err)

	result, err := f.server.handleSubmitResult(f.ctx, call("session_submit_result", map[string]any{
		"session_id":     s.ID.String(),
		"interaction_id": in.ID.String(),
		"status":         "ok",
		"exit_code":      float64(0),
		"data":           map[string]any{"note": "ready"},
	}))
	require.NoError(t, err)
	summary := decode[sessionSummary](t, result)
	assert.Equal(t, "initialize", summary.CurrentStep)
	assert.Equal(t, "ok", summary.LastResult)
	assert.False(t, summary.OpenCommand)
	assert.Equal(t, 1, summary.Interactions)

	got, err := f.svc.Get(context.Background(), f.scope, s.ID)
	require.NoError(t, err)
	last, ok := got.LastCompletedInteraction()
	require.True(t, ok)
	require.NotNil(t, last.Result.ExitCode)
	assert.Equal(t, 0, *last.Result.ExitCode)
	assert.Equal(t, "ready", last.Result.Data["note"])

	// The interaction is closed now.
	result, err = f.server.handleSubmitResult(f.ctx, call("session_submit_result", map[string]any{
		"session_id":     s.ID.String(),
		"interaction_id": in.ID.String(),
		"status":         "ok",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestHandleSubmitResult_InvalidStatus(t *testing.T) {
	f := newFixture(t)
	s := f.create(t, model.SessionTypeDesignReview)
	in, err := f.svc.NextCommand(context.Background(), f.scope, s.ID)
	require.NoError(t, err)

	result, err := f.server.handleSubmitResult(f.ctx, call("session_submit_result", map[string]any{
		"session_id":     s.ID.String(),
		"interaction_id": in.ID.String(),
		"status":         "maybe",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, parseToolText(t, result), "unknown result status")
}

func TestToolsSettleRunningExecution(t *testing.T) {
	f := newFixture(t)
	guard := execution.New(f.svc, testutil.TestLogger())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		guard.Drain(ctx)
	})
	f.server.executions = guard

	s := f.create(t, model.SessionTypeDesignReview)
	ex, err := guard.Run(context.Background(), f.scope, s.ID)
	require.NoError(t, err)

	result, err := f.server.handleSubmitResult(f.ctx, call("session_submit_result", map[string]any{
		"session_id":     s.ID.String(),
		"interaction_id": ex.InteractionID.String(),
		"status":         "ok",
	}))
	require.NoError(t, err)
	require.False(t, result.IsError, parseToolText(t, result))
	assert.False(t, guard.Running(s.ID), "the result went through the execution")

	ex, err = guard.Run(context.Background(), f.scope, s.ID)
	require.NoError(t, err)
	result, err = f.server.handleReportEvents(f.ctx, call("session_report_events", map[string]any{
		"session_id": s.ID.String(),
		"events": []any{
			map[string]any{"kind": "status_changed", "payload": map[string]any{"status": "cancelled"}},
		},
	}))
	require.NoError(t, err)
	require.False(t, result.IsError, parseToolText(t, result))
	<-ex.Done()
	assert.False(t, guard.Running(s.ID), "a terminal status event ends the execution")
}

func TestHandleReportEvents(t *testing.T) {
	f := newFixture(t)
	s := f.create(t, model.SessionTypeDesignReview)

	result, err := f.server.handleReportEvents(f.ctx, call("session_report_events", map[string]any{
		"session_id": s.ID.String(),
		"events": []any{
			map[string]any{"kind": "conversation_started", "payload": map[string]any{"conversation_id": "conv-1"}},
			map[string]any{"kind": "tool_started", "payload": map[string]any{"tool": "Edit"}},
		},
	}))
	require.NoError(t, err)
	resp := decode[map[string]any](t, result)
	assert.Equal(t, float64(2), resp["recorded"])

	result, err = f.server.handleStatus(f.ctx, call("session_status", map[string]any{"session_id": s.ID.String()}))
	require.NoError(t, err)
	assert.Equal(t, "conv-1", decode[sessionSummary](t, result).ConversationID)
}

func TestHandleReportEvents_RejectsBatch(t *testing.T) {
	f := newFixture(t)
	s := f.create(t, model.SessionTypeDesignReview)

	result, err := f.server.handleReportEvents(f.ctx, call("session_report_events", map[string]any{
		"session_id": s.ID.String(),
		"events": []any{
			map[string]any{"kind": "tool_started", "payload": map[string]any{}},
			map[string]any{"kind": "made_up"},
		},
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)

	list, err := f.server.events.List(context.Background(), f.scope, s.ID, 10)
	require.NoError(t, err)
	assert.Empty(t, list, "no event from a rejected batch is recorded")
}

func TestHandleStatus_OtherTenant(t *testing.T) {
	f := newFixture(t)
	other := newFixture(t)
	s := f.create(t, model.SessionTypeDesignReview)

	result, err := other.server.handleStatus(other.ctx, call("session_status", map[string]any{"session_id": s.ID.String()}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestSessionResource(t *testing.T) {
	f := newFixture(t)
	s := f.create(t, model.SessionTypeComponentDesign)

	contents, err := f.server.handleSessionResource(f.ctx, mcplib.ReadResourceRequest{
		Params: mcplib.ReadResourceParams{URI: sessionURIPrefix + s.ID.String()},
	})
	require.NoError(t, err)
	require.Len(t, contents, 1)
	text, ok := contents[0].(mcplib.TextResourceContents)
	require.True(t, ok)

	var got model.Session
	require.NoError(t, json.Unmarshal([]byte(text.Text), &got))
	assert.Equal(t, s.ID, got.ID)
	assert.Equal(t, model.SessionTypeComponentDesign, got.Type)

	contents, err = f.server.handleEventsResource(f.ctx, mcplib.ReadResourceRequest{
		Params: mcplib.ReadResourceParams{URI: sessionURIPrefix + s.ID.String() + eventsURISuffix},
	})
	require.NoError(t, err)
	require.Len(t, contents, 1)
}

func TestDriveSessionPrompt(t *testing.T) {
	f := newFixture(t)

	result, err := f.server.handleDriveSessionPrompt(context.Background(), mcplib.GetPromptRequest{
		Params: mcplib.GetPromptParams{
			Name:      "drive-session",
			Arguments: map[string]string{"session_id": "abc"},
		},
	})
	require.NoError(t, err)
	require.NotEmpty(t, result.Messages)
	tc, ok := result.Messages[0].Content.(mcplib.TextContent)
	require.True(t, ok)
	assert.Contains(t, tc.Text, `session_id="abc"`)

	_, err = f.server.handleDriveSessionPrompt(context.Background(), mcplib.GetPromptRequest{
		Params: mcplib.GetPromptParams{Name: "drive-session"},
	})
	assert.Error(t, err)
}
