package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/johns10/codemyspec/internal/model"
)

const sessionColumns = `id, type, status, execution_mode, account_id, project_id, user_id,
	component_id, parent_id, conversation_id, state, interactions, created_at, updated_at`

// CreateSession inserts a new active session.
func (db *DB) CreateSession(ctx context.Context, req model.CreateSessionRequest) (model.Session, error) {
	s := NewSession(req, time.Now().UTC())
	_, err := db.pool.Exec(ctx,
		`INSERT INTO sessions (`+sessionColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		s.ID, string(s.Type), string(s.Status), string(s.ExecutionMode),
		s.AccountID, s.ProjectID, s.UserID, s.ComponentID, s.ParentID, s.ConversationID,
		s.State, s.Interactions, s.CreatedAt, s.UpdatedAt,
	)
	if err != nil {
		return model.Session{}, fmt.Errorf("storage: create session: %w", err)
	}
	return s, nil
}

// GetSession reads a session scoped by account and project.
func (db *DB) GetSession(ctx context.Context, scope model.Scope, id uuid.UUID) (model.Session, error) {
	row := db.pool.QueryRow(ctx,
		`SELECT `+sessionColumns+` FROM sessions
		 WHERE id = $1 AND account_id = $2 AND project_id = $3`,
		id, scope.AccountID, scope.ProjectID,
	)
	s, err := scanSession(row)
	if err != nil {
		return model.Session{}, fmt.Errorf("storage: get session %s: %w", id, err)
	}
	return s, nil
}

// ListChildSessions returns the children of parentID, oldest first.
func (db *DB) ListChildSessions(ctx context.Context, scope model.Scope, parentID uuid.UUID, sessionType model.SessionType) ([]model.Session, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+sessionColumns+` FROM sessions
		 WHERE parent_id = $1 AND account_id = $2 AND project_id = $3
		   AND ($4::text = '' OR type = $4::text)
		 ORDER BY created_at ASC, id ASC`,
		parentID, scope.AccountID, scope.ProjectID, string(sessionType),
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list child sessions: %w", err)
	}
	defer rows.Close()

	var out []model.Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan child session: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// UpdateSession runs fn against the row-locked session and persists the result.
func (db *DB) UpdateSession(ctx context.Context, scope model.Scope, id uuid.UUID, fn func(*model.Session) error) (model.Session, error) {
	return db.AppendEvents(ctx, scope, id, nil, fn)
}

// AppendEvents locks the session, applies fn, writes the session back and
// copies events into session_events, all in one transaction.
func (db *DB) AppendEvents(ctx context.Context, scope model.Scope, sessionID uuid.UUID, events []model.SessionEvent, fn func(*model.Session) error) (model.Session, error) {
	var out model.Session
	err := db.withSessionTx(ctx, sessionID, func() error {
		s, err := db.appendEventsTx(ctx, scope, sessionID, events, fn)
		if err != nil {
			return err
		}
		out = s
		return nil
	})
	return out, err
}

func (db *DB) appendEventsTx(ctx context.Context, scope model.Scope, sessionID uuid.UUID, events []model.SessionEvent, fn func(*model.Session) error) (model.Session, error) {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return model.Session{}, fmt.Errorf("storage: begin session tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	before, err := scanSession(tx.QueryRow(ctx,
		`SELECT `+sessionColumns+` FROM sessions
		 WHERE id = $1 AND account_id = $2 AND project_id = $3
		 FOR UPDATE`,
		sessionID, scope.AccountID, scope.ProjectID,
	))
	if err != nil {
		return model.Session{}, fmt.Errorf("storage: lock session %s: %w", sessionID, err)
	}

	after := CloneSession(before)
	if fn != nil {
		if err := fn(&after); err != nil {
			return model.Session{}, err
		}
		if err := CheckUpdate(before, after); err != nil {
			return model.Session{}, err
		}
		after.UpdatedAt = time.Now().UTC()
		if _, err := tx.Exec(ctx,
			`UPDATE sessions SET status = $2, execution_mode = $3, user_id = $4, component_id = $5,
			 conversation_id = $6, state = $7, interactions = $8, updated_at = $9
			 WHERE id = $1`,
			after.ID, string(after.Status), string(after.ExecutionMode), after.UserID, after.ComponentID,
			after.ConversationID, after.State, after.Interactions, after.UpdatedAt,
		); err != nil {
			return model.Session{}, fmt.Errorf("storage: update session %s: %w", sessionID, err)
		}
	}

	if len(events) > 0 {
		if err := copyEvents(ctx, tx, events); err != nil {
			return model.Session{}, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return model.Session{}, fmt.Errorf("storage: commit session tx: %w", err)
	}
	return after, nil
}

func scanSession(row pgx.Row) (model.Session, error) {
	var s model.Session
	var typ, status, mode string
	err := row.Scan(
		&s.ID, &typ, &status, &mode, &s.AccountID, &s.ProjectID, &s.UserID,
		&s.ComponentID, &s.ParentID, &s.ConversationID, &s.State, &s.Interactions,
		&s.CreatedAt, &s.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Session{}, ErrNotFound
	}
	if err != nil {
		return model.Session{}, err
	}
	s.Type = model.SessionType(typ)
	s.Status = model.SessionStatus(status)
	s.ExecutionMode = model.ExecutionMode(mode)
	if s.State == nil {
		s.State = map[string]any{}
	}
	if s.Interactions == nil {
		s.Interactions = []model.Interaction{}
	}
	return s, nil
}
