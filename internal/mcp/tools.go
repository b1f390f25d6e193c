package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/johns10/codemyspec/internal/model"
	"github.com/johns10/codemyspec/internal/service/sessions"
	"github.com/johns10/codemyspec/internal/storage"
)

func (s *Server) registerTools() {
	// session_next_command: fetch the command to run next.
	s.mcpServer.AddTool(
		mcplib.NewTool("session_next_command",
			mcplib.WithDescription(`Get the next command to run for a session.

Calling this again before reporting a result returns the same command, so it
is safe to retry. Run the command's invoke string (feeding payload on stdin
when present), then report the outcome with session_submit_result using the
returned interaction id.

If the session is finished the result says so; stop working on it.`),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("session_id",
				mcplib.Description("The session to advance"),
				mcplib.Required(),
			),
		),
		s.handleNextCommand,
	)

	// session_submit_result: report the outcome of the open command.
	s.mcpServer.AddTool(
		mcplib.NewTool("session_submit_result",
			mcplib.WithDescription(`Report the outcome of the session's open command.

status is ok, warning or error. Use error when the command failed; the
workflow decides whether to retry, revise or fix. Include stdout for commands
that generate documents so they can be validated.`),
			mcplib.WithDestructiveHintAnnotation(false),
			mcplib.WithIdempotentHintAnnotation(false),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("session_id", mcplib.Description("The session the command belongs to"), mcplib.Required()),
			mcplib.WithString("interaction_id", mcplib.Description("The interaction id returned by session_next_command"), mcplib.Required()),
			mcplib.WithString("status",
				mcplib.Description("Outcome of the command"),
				mcplib.Enum(string(model.ResultStatusOK), string(model.ResultStatusWarning), string(model.ResultStatusError)),
				mcplib.Required(),
			),
			mcplib.WithString("stdout", mcplib.Description("Captured standard output")),
			mcplib.WithString("stderr", mcplib.Description("Captured standard error")),
			mcplib.WithString("error_message", mcplib.Description("Why the command failed")),
			mcplib.WithNumber("exit_code", mcplib.Description("Process exit code, if any")),
			mcplib.WithNumber("duration_ms", mcplib.Description("How long the command ran"), mcplib.Min(0)),
			mcplib.WithObject("data", mcplib.Description("Structured output merged into session state")),
		),
		s.handleSubmitResult,
	)

	// session_report_events: stream hook events for a session.
	s.mcpServer.AddTool(
		mcplib.NewTool("session_report_events",
			mcplib.WithDescription(`Report a batch of hook events for a session.

Each event has a kind (conversation_started, status_changed, tool_started,
tool_completed, prompt_submitted, notification, agent_stopped,
subagent_stopped) and a payload object. The batch is recorded atomically:
one invalid event rejects the whole batch.`),
			mcplib.WithDestructiveHintAnnotation(false),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("session_id", mcplib.Description("The session the events belong to"), mcplib.Required()),
			mcplib.WithArray("events",
				mcplib.Description("Events in the order they occurred"),
				mcplib.Required(),
				mcplib.Items(map[string]any{
					"type": "object",
					"properties": map[string]any{
						"kind":           map[string]any{"type": "string"},
						"interaction_id": map[string]any{"type": "string"},
						"occurred_at":    map[string]any{"type": "string", "format": "date-time"},
						"payload":        map[string]any{"type": "object"},
					},
					"required": []string{"kind"},
				}),
			),
		),
		s.handleReportEvents,
	)

	// session_status: read-only view of a session.
	s.mcpServer.AddTool(
		mcplib.NewTool("session_status",
			mcplib.WithDescription("Get a session's status, current step and interaction count."),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("session_id", mcplib.Description("The session to inspect"), mcplib.Required()),
		),
		s.handleStatus,
	)
}

// nextCommandResponse is returned by session_next_command.
type nextCommandResponse struct {
	SessionID     string         `json:"session_id"`
	InteractionID string         `json:"interaction_id,omitempty"`
	Command       *model.Command `json:"command,omitempty"`
	Done          bool           `json:"done"`
	Status        string         `json:"status,omitempty"`
	RetryAfter    string         `json:"retry_after,omitempty"`
}

func (s *Server) handleNextCommand(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	scope, err := scopeFrom(ctx)
	if err != nil {
		return errorResult(err.Error()), nil
	}
	id, err := parseID(request.GetString("session_id", ""), "session_id")
	if err != nil {
		return errorResult(err.Error()), nil
	}

	interaction, err := s.sessions.NextCommand(ctx, scope, id)
	var terminal *sessions.TerminalError
	var notDue *sessions.RetryNotDueError
	switch {
	case err == nil:
		cmd := interaction.Command
		return jsonResult(nextCommandResponse{
			SessionID:     id.String(),
			InteractionID: interaction.ID.String(),
			Command:       &cmd,
		})
	case errors.As(err, &terminal):
		return jsonResult(nextCommandResponse{SessionID: id.String(), Done: true, Status: string(terminal.Status)})
	case errors.Is(err, sessions.ErrRetriesExhausted):
		return jsonResult(nextCommandResponse{SessionID: id.String(), Done: true, Status: string(model.SessionStatusFailed)})
	case errors.As(err, &notDue):
		return jsonResult(nextCommandResponse{SessionID: id.String(), RetryAfter: notDue.NotBefore.UTC().Format(time.RFC3339)})
	default:
		return errorResult(toolError("next command", err)), nil
	}
}

func (s *Server) handleSubmitResult(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	scope, err := scopeFrom(ctx)
	if err != nil {
		return errorResult(err.Error()), nil
	}
	sessionID, err := parseID(request.GetString("session_id", ""), "session_id")
	if err != nil {
		return errorResult(err.Error()), nil
	}
	interactionID, err := parseID(request.GetString("interaction_id", ""), "interaction_id")
	if err != nil {
		return errorResult(err.Error()), nil
	}

	req := model.SubmitResultRequest{
		Status:       model.ResultStatus(request.GetString("status", "")),
		Stdout:       request.GetString("stdout", ""),
		Stderr:       request.GetString("stderr", ""),
		ErrorMessage: request.GetString("error_message", ""),
		DurationMs:   int64(request.GetFloat("duration_ms", 0)),
	}
	args := request.GetArguments()
	if _, ok := args["exit_code"]; ok {
		code := request.GetInt("exit_code", 0)
		req.ExitCode = &code
	}
	if data, ok := args["data"].(map[string]any); ok {
		req.Data = data
	}

	var session model.Session
	if s.executions != nil {
		session, err = s.executions.HandleResult(ctx, scope, sessionID, interactionID, req.ToResult())
	} else {
		session, err = s.sessions.HandleResult(ctx, scope, sessionID, interactionID, req.ToResult())
	}
	if err != nil {
		return errorResult(toolError("submit result", err)), nil
	}
	return jsonResult(summarize(session))
}

func (s *Server) handleReportEvents(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	scope, err := scopeFrom(ctx)
	if err != nil {
		return errorResult(err.Error()), nil
	}
	sessionID, err := parseID(request.GetString("session_id", ""), "session_id")
	if err != nil {
		return errorResult(err.Error()), nil
	}

	raw, ok := request.GetArguments()["events"]
	if !ok {
		return errorResult("events is required"), nil
	}
	// Round-trip through JSON so payload and time fields decode exactly as
	// they do over HTTP.
	encoded, err := json.Marshal(raw)
	if err != nil {
		return errorResult(fmt.Sprintf("invalid events: %v", err)), nil
	}
	var inputs []model.EventInput
	if err := json.Unmarshal(encoded, &inputs); err != nil {
		return errorResult(fmt.Sprintf("invalid events: %v", err)), nil
	}

	recorded, err := s.events.Ingest(ctx, scope, sessionID, inputs)
	if err != nil {
		return errorResult(toolError("report events", err)), nil
	}
	if s.executions != nil {
		s.executions.Reconcile(ctx, sessionID)
	}
	return jsonResult(map[string]any{
		"session_id": sessionID.String(),
		"recorded":   len(recorded),
	})
}

func (s *Server) handleStatus(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	scope, err := scopeFrom(ctx)
	if err != nil {
		return errorResult(err.Error()), nil
	}
	id, err := parseID(request.GetString("session_id", ""), "session_id")
	if err != nil {
		return errorResult(err.Error()), nil
	}

	session, err := s.sessions.Get(ctx, scope, id)
	if err != nil {
		return errorResult(toolError("status", err)), nil
	}
	return jsonResult(summarize(session))
}

// sessionSummary is the compact session view returned to agents.
type sessionSummary struct {
	SessionID      string `json:"session_id"`
	Type           string `json:"type"`
	Status         string `json:"status"`
	CurrentStep    string `json:"current_step,omitempty"`
	OpenCommand    bool   `json:"open_command"`
	Interactions   int    `json:"interactions"`
	LastResult     string `json:"last_result,omitempty"`
	LastError      string `json:"last_error,omitempty"`
	ConversationID string `json:"conversation_id,omitempty"`
}

func summarize(s model.Session) sessionSummary {
	out := sessionSummary{
		SessionID:    s.ID.String(),
		Type:         string(s.Type),
		Status:       string(s.Status),
		Interactions: len(s.Interactions),
	}
	if open, ok := s.OpenInteraction(); ok {
		out.CurrentStep = open.Command.Step
		out.OpenCommand = true
	} else if last, ok := s.LastCompletedInteraction(); ok {
		out.CurrentStep = last.Command.Step
		out.LastResult = string(last.Result.Status)
		out.LastError = last.Result.ErrorMessage
	}
	if s.ConversationID != nil {
		out.ConversationID = *s.ConversationID
	}
	return out
}

// toolError renders an error for the agent without leaking internals.
func toolError(op string, err error) string {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return "session not found"
	case errors.Is(err, errNoScope):
		return err.Error()
	default:
		return fmt.Sprintf("%s failed: %v", op, err)
	}
}
