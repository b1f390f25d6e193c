package mcp

import (
	"context"
	"fmt"

	mcplib "github.com/mark3labs/mcp-go/mcp"
)

func (s *Server) registerPrompts() {
	// drive-session: walks the agent through the command loop for one session.
	s.mcpServer.AddPrompt(
		mcplib.NewPrompt("drive-session",
			mcplib.WithPromptDescription("Run a session's commands until it finishes"),
			mcplib.WithArgument("session_id",
				mcplib.ArgumentDescription("The session to drive"),
				mcplib.RequiredArgument(),
			),
		),
		s.handleDriveSessionPrompt,
	)
}

func (s *Server) handleDriveSessionPrompt(_ context.Context, request mcplib.GetPromptRequest) (*mcplib.GetPromptResult, error) {
	sessionID := request.Params.Arguments["session_id"]
	if sessionID == "" {
		return nil, fmt.Errorf("session_id argument is required")
	}

	return &mcplib.GetPromptResult{
		Description: fmt.Sprintf("Drive session %s to completion", sessionID),
		Messages: []mcplib.PromptMessage{
			{
				Role: mcplib.RoleUser,
				Content: mcplib.TextContent{
					Type: "text",
					Text: fmt.Sprintf(`Work through session %[1]s one command at a time:

1. CALL session_next_command with session_id="%[1]s".
   - If done is true, the session is finished. Report its status and stop.
   - If retry_after is set, wait until then and call it again.

2. RUN the command. Its invoke field is the shell command; when payload is
   present, it is the prompt or input for that command.

3. CALL session_submit_result with the interaction_id you were given and
   status ok, warning or error. Include stdout when you produced a document
   and error_message when something failed.

4. Go back to step 1.

While you work, report hook events with session_report_events. Send
conversation_started with your conversation_id first.`, sessionID),
				},
			},
		},
	}, nil
}
