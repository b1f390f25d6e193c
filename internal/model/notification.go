package model

import (
	"time"

	"github.com/google/uuid"
)

// NotificationType names a real-time message delivered to subscribers.
type NotificationType string

const (
	NotifyConversationIDSet    NotificationType = "conversation_id_set"
	NotifySessionStatusChanged NotificationType = "session_status_changed"
	NotifySessionActivity      NotificationType = "session_activity"
	NotifyHookEvent            NotificationType = "hook_event"
	NotifyInteractionCompleted NotificationType = "interaction_completed"
	NotifyChildSessionsSpawned NotificationType = "child_sessions_spawned"
)

// Notification is the envelope broadcast on account, user and session topics.
type Notification struct {
	Type      NotificationType `json:"type"`
	SessionID uuid.UUID        `json:"session_id"`
	Data      map[string]any   `json:"data,omitempty"`
	SentAt    time.Time        `json:"sent_at"`
}

// AccountTopic is the topic for every notification in an account.
func AccountTopic(id uuid.UUID) string { return "account:" + id.String() }

// UserTopic is the topic for notifications about a user's sessions.
func UserTopic(id uuid.UUID) string { return "user:" + id.String() }

// SessionTopic is the topic for watchers of one session.
func SessionTopic(id uuid.UUID) string { return "session:" + id.String() }

// Topics returns the three audiences a notification about s goes to.
func Topics(s Session) []string {
	return []string{AccountTopic(s.AccountID), UserTopic(s.UserID), SessionTopic(s.ID)}
}
