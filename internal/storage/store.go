package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/johns10/codemyspec/internal/model"
)

// Store is the persistence contract shared by the PostgreSQL and SQLite
// backends. Every method is scoped by account and project; a session outside
// the scope is reported as ErrNotFound.
type Store interface {
	// CreateSession inserts a new active session and returns it.
	CreateSession(ctx context.Context, req model.CreateSessionRequest) (model.Session, error)

	// GetSession reads a session fresh from storage.
	GetSession(ctx context.Context, scope model.Scope, id uuid.UUID) (model.Session, error)

	// ListChildSessions returns the children of parentID, oldest first.
	// An empty sessionType matches every type.
	ListChildSessions(ctx context.Context, scope model.Scope, parentID uuid.UUID, sessionType model.SessionType) ([]model.Session, error)

	// UpdateSession loads the session under a row lock, passes a private copy
	// to fn and persists the copy if fn returns nil. fn may run more than once
	// when the transaction is retried, so it must not have side effects outside
	// the session it is given.
	UpdateSession(ctx context.Context, scope model.Scope, id uuid.UUID, fn func(*model.Session) error) (model.Session, error)

	// AppendEvents applies fn to the session and inserts events in the same
	// transaction. Either everything is persisted or nothing is. fn may be nil.
	AppendEvents(ctx context.Context, scope model.Scope, sessionID uuid.UUID, events []model.SessionEvent, fn func(*model.Session) error) (model.Session, error)

	// ListEvents returns a session's audit log in ingestion order.
	ListEvents(ctx context.Context, scope model.Scope, sessionID uuid.UUID, limit int) ([]model.SessionEvent, error)

	Ping(ctx context.Context) error
}

// NewSession builds the initial row for req. Shared by both backends.
func NewSession(req model.CreateSessionRequest, now time.Time) model.Session {
	mode := req.ExecutionMode
	if mode == "" {
		mode = model.ExecutionModeManual
	}
	state := req.State
	if state == nil {
		state = map[string]any{}
	}
	return model.Session{
		ID:            uuid.New(),
		Type:          req.Type,
		Status:        model.SessionStatusActive,
		ExecutionMode: mode,
		AccountID:     req.Scope.AccountID,
		ProjectID:     req.Scope.ProjectID,
		UserID:        req.Scope.UserID,
		ComponentID:   req.ComponentID,
		ParentID:      req.ParentID,
		State:         state,
		Interactions:  []model.Interaction{},
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// CloneSession returns a copy of s whose state map and interaction slice can
// be modified without affecting s.
func CloneSession(s model.Session) model.Session {
	out := s
	out.State = model.MergeState(s.State, nil)
	out.Interactions = make([]model.Interaction, len(s.Interactions))
	copy(out.Interactions, s.Interactions)
	return out
}

// CheckUpdate enforces the session invariants across a read-modify-write:
// identity, type, tenancy and parent are immutable, status only moves from
// active to one terminal status, a conversation id is never replaced, and at
// most one interaction is open.
func CheckUpdate(before, after model.Session) error {
	if after.ID != before.ID || after.Type != before.Type ||
		after.AccountID != before.AccountID || after.ProjectID != before.ProjectID {
		return fmt.Errorf("%w: immutable session fields changed", ErrConflict)
	}
	if !sameUUIDPtr(before.ParentID, after.ParentID) {
		return fmt.Errorf("%w: parent session is immutable", ErrConflict)
	}
	if after.Status != before.Status && !before.Status.CanTransitionTo(after.Status) {
		return fmt.Errorf("%w: status %s cannot move to %s", ErrConflict, before.Status, after.Status)
	}
	if before.ConversationID != nil && (after.ConversationID == nil || *after.ConversationID != *before.ConversationID) {
		return fmt.Errorf("%w: conversation id already set", ErrConflict)
	}
	open := 0
	for _, in := range after.Interactions {
		if in.Open() {
			open++
		}
	}
	if open > 1 {
		return fmt.Errorf("%w: more than one open interaction", ErrConflict)
	}
	return nil
}

func sameUUIDPtr(a, b *uuid.UUID) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}
