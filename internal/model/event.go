package model

import (
	"time"

	"github.com/google/uuid"
)

// EventKind is the closed vocabulary of progress events an agent may report
// while an interaction is running.
type EventKind string

const (
	EventConversationStarted EventKind = "conversation_started"
	EventStatusChanged       EventKind = "status_changed"
	EventToolStarted         EventKind = "tool_started"
	EventToolCompleted       EventKind = "tool_completed"
	EventPromptSubmitted     EventKind = "prompt_submitted"
	EventNotification        EventKind = "notification"
	EventAgentStopped        EventKind = "agent_stopped"
	EventSubagentStopped     EventKind = "subagent_stopped"
)

var eventKinds = map[EventKind]struct{}{
	EventConversationStarted: {},
	EventStatusChanged:       {},
	EventToolStarted:         {},
	EventToolCompleted:       {},
	EventPromptSubmitted:     {},
	EventNotification:        {},
	EventAgentStopped:        {},
	EventSubagentStopped:     {},
}

// Valid reports whether k belongs to the event vocabulary.
func (k EventKind) Valid() bool {
	_, ok := eventKinds[k]
	return ok
}

// Payload keys read by event side effects.
const (
	PayloadConversationID = "conversation_id"
	PayloadStatus         = "status"
)

// SessionEvent is an append-only audit record of one ingested event.
// Never mutated or deleted.
type SessionEvent struct {
	ID            uuid.UUID      `json:"id"`
	SessionID     uuid.UUID      `json:"session_id"`
	AccountID     uuid.UUID      `json:"account_id"`
	ProjectID     uuid.UUID      `json:"project_id"`
	InteractionID *uuid.UUID     `json:"interaction_id,omitempty"`
	Kind          EventKind      `json:"kind"`
	Payload       map[string]any `json:"payload"`
	OccurredAt    time.Time      `json:"occurred_at"`
	CreatedAt     time.Time      `json:"created_at"`
}

// EventInput is a single event in an ingestion request.
type EventInput struct {
	Kind          EventKind      `json:"kind"`
	InteractionID *uuid.UUID     `json:"interaction_id,omitempty"`
	OccurredAt    *time.Time     `json:"occurred_at,omitempty"`
	Payload       map[string]any `json:"payload"`
}
