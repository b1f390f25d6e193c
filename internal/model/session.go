// Package model defines the core domain types for codemyspec.
//
// A Session is one long-running, multi-step task instance. It embeds its
// ordered Interaction history; each Interaction pairs the Command a step
// produced with the Result of executing it. Types use strong typing (UUIDs,
// time.Time, string enums) and carry JSON tags matching the persisted layout.
package model

import (
	"time"

	"github.com/google/uuid"
)

// SessionStatus represents the lifecycle state of a session.
// Transitions are monotonic: active moves to exactly one terminal status.
type SessionStatus string

const (
	SessionStatusActive    SessionStatus = "active"
	SessionStatusComplete  SessionStatus = "complete"
	SessionStatusFailed    SessionStatus = "failed"
	SessionStatusCancelled SessionStatus = "cancelled"
)

// Terminal reports whether no further automatic action may happen.
func (s SessionStatus) Terminal() bool {
	switch s {
	case SessionStatusComplete, SessionStatusFailed, SessionStatusCancelled:
		return true
	default:
		return false
	}
}

// Valid reports whether s is a known status.
func (s SessionStatus) Valid() bool {
	return s == SessionStatusActive || s.Terminal()
}

// CanTransitionTo reports whether moving from s to next is allowed.
func (s SessionStatus) CanTransitionTo(next SessionStatus) bool {
	return s == SessionStatusActive && next.Terminal()
}

// ExecutionMode selects who runs a session's commands.
type ExecutionMode string

const (
	// ExecutionModeManual: a human or external agent runs each command and
	// reports the result back.
	ExecutionModeManual ExecutionMode = "manual"
	// ExecutionModeAutonomous: the server runs each command itself.
	ExecutionModeAutonomous ExecutionMode = "autonomous"
)

// Valid reports whether m is a known execution mode.
func (m ExecutionMode) Valid() bool {
	return m == ExecutionModeManual || m == ExecutionModeAutonomous
}

// SessionType is the tag selecting a session's workflow definition.
type SessionType string

const (
	SessionTypeComponentDesign SessionType = "component_design"
	SessionTypeComponentCoding SessionType = "component_coding"
	SessionTypeContextDesign   SessionType = "context_design"
	SessionTypeDesignReview    SessionType = "design_review"
)

// Scope is the tenancy boundary every engine operation runs under.
// Storage enforces AccountID and ProjectID; UserID identifies the caller
// for fan-out and ownership.
type Scope struct {
	AccountID uuid.UUID `json:"account_id"`
	ProjectID uuid.UUID `json:"project_id"`
	UserID    uuid.UUID `json:"user_id"`
}

// Session is one task instance.
type Session struct {
	ID             uuid.UUID      `json:"id"`
	Type           SessionType    `json:"type"`
	Status         SessionStatus  `json:"status"`
	ExecutionMode  ExecutionMode  `json:"execution_mode"`
	AccountID      uuid.UUID      `json:"account_id"`
	ProjectID      uuid.UUID      `json:"project_id"`
	UserID         uuid.UUID      `json:"user_id"`
	ComponentID    *uuid.UUID     `json:"component_id,omitempty"`
	ParentID       *uuid.UUID     `json:"parent_session_id,omitempty"`
	ConversationID *string        `json:"conversation_id,omitempty"`
	State          map[string]any `json:"state"`
	Interactions   []Interaction  `json:"interactions"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// Scope returns the tenancy scope the session belongs to.
func (s Session) Scope() Scope {
	return Scope{AccountID: s.AccountID, ProjectID: s.ProjectID, UserID: s.UserID}
}

// OpenInteraction returns the interaction without a Result, if any.
func (s Session) OpenInteraction() (Interaction, bool) {
	for i := len(s.Interactions) - 1; i >= 0; i-- {
		if s.Interactions[i].Open() {
			return s.Interactions[i], true
		}
	}
	return Interaction{}, false
}

// LastCompletedInteraction returns the most recent interaction carrying a Result.
func (s Session) LastCompletedInteraction() (Interaction, bool) {
	for i := len(s.Interactions) - 1; i >= 0; i-- {
		if !s.Interactions[i].Open() {
			return s.Interactions[i], true
		}
	}
	return Interaction{}, false
}

// LastErrorInteraction returns the most recent completed interaction whose
// Result has status error.
func (s Session) LastErrorInteraction() (Interaction, bool) {
	for i := len(s.Interactions) - 1; i >= 0; i-- {
		in := s.Interactions[i]
		if in.Result != nil && in.Result.Status == ResultStatusError {
			return in, true
		}
	}
	return Interaction{}, false
}

// Interaction returns the interaction with the given ID.
func (s Session) Interaction(id uuid.UUID) (Interaction, bool) {
	for _, in := range s.Interactions {
		if in.ID == id {
			return in, true
		}
	}
	return Interaction{}, false
}

// StateString reads a string from the session state, returning "" if the key
// is missing or not a string.
func (s Session) StateString(key string) string {
	if v, ok := s.State[key].(string); ok {
		return v
	}
	return ""
}

// MergeState returns a new state map with patch applied over current.
// Neither argument is modified.
func MergeState(current, patch map[string]any) map[string]any {
	out := make(map[string]any, len(current)+len(patch))
	for k, v := range current {
		out[k] = v
	}
	for k, v := range patch {
		out[k] = v
	}
	return out
}

// Interaction is one step execution.
type Interaction struct {
	ID          uuid.UUID  `json:"id"`
	Command     Command    `json:"command"`
	Result      *Result    `json:"result,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Open reports whether the interaction is still waiting for its Result.
func (i Interaction) Open() bool {
	return i.Result == nil
}

// Command is an immutable description of a unit of external work.
type Command struct {
	Step      string         `json:"step"`
	Invoke    string         `json:"invoke"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Payload   *string        `json:"payload,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// Metadata keys of the child-spawn contract.
const (
	MetaChildSessionIDs   = "child_session_ids"
	MetaSessionType       = "session_type"
	MetaExecutionStrategy = "execution_strategy"
)

// ResultDataWaiting marks an error Result that only means "not done yet",
// such as a barrier whose children are still running.
const ResultDataWaiting = "waiting"

// Waiting reports whether r is a not-yet-done poll outcome.
func (r Result) Waiting() bool {
	w, _ := r.Data[ResultDataWaiting].(bool)
	return r.Status == ResultStatusError && w
}

// ResultStatus is the outcome class of executing a Command.
type ResultStatus string

const (
	ResultStatusOK      ResultStatus = "ok"
	ResultStatusWarning ResultStatus = "warning"
	ResultStatusError   ResultStatus = "error"
)

// Valid reports whether s is a known result status.
func (s ResultStatus) Valid() bool {
	return s == ResultStatusOK || s == ResultStatusWarning || s == ResultStatusError
}

// Result is the outcome of executing a Command.
type Result struct {
	Status       ResultStatus   `json:"status"`
	Data         map[string]any `json:"data,omitempty"`
	ExitCode     *int           `json:"exit_code,omitempty"`
	Stdout       string         `json:"stdout,omitempty"`
	Stderr       string         `json:"stderr,omitempty"`
	ErrorMessage string         `json:"error_message,omitempty"`
	DurationMs   int64          `json:"duration_ms"`
	CompletedAt  time.Time      `json:"completed_at"`
}

// CreateSessionRequest is the input for creating a session.
type CreateSessionRequest struct {
	Type          SessionType    `json:"type"`
	ExecutionMode ExecutionMode  `json:"execution_mode,omitempty"`
	ComponentID   *uuid.UUID     `json:"component_id,omitempty"`
	ParentID      *uuid.UUID     `json:"parent_session_id,omitempty"`
	State         map[string]any `json:"state,omitempty"`
	Scope         Scope          `json:"-"` // Set from JWT claims, not from request body.
}

// ChildSessionIDs decodes the child_session_ids metadata entry. Values that
// survived a JSON round trip arrive as []any; unparseable entries are skipped.
func (c Command) ChildSessionIDs() []uuid.UUID {
	var raw []string
	switch v := c.Metadata[MetaChildSessionIDs].(type) {
	case []string:
		raw = v
	case []any:
		for _, item := range v {
			if s, ok := item.(string); ok {
				raw = append(raw, s)
			}
		}
	}
	ids := make([]uuid.UUID, 0, len(raw))
	for _, s := range raw {
		if id, err := uuid.Parse(s); err == nil {
			ids = append(ids, id)
		}
	}
	return ids
}
