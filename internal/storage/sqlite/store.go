// Package sqlite is a single-node storage.Store backed by an embedded SQLite
// database. It suits local development and tests where PostgreSQL is not
// available. All access goes through one connection, so read-modify-write
// transactions are serialized by the driver.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // registers the "sqlite" driver

	"github.com/johns10/codemyspec/internal/model"
	"github.com/johns10/codemyspec/internal/storage"
)

// Store implements storage.Store on SQLite.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ storage.Store = (*Store)(nil)

// Open opens (creating if needed) the database at path and initializes the
// schema. Use ":memory:" only in tests that never reopen the handle.
func Open(ctx context.Context, path string, logger *slog.Logger) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)

	s := &Store{db: db, logger: logger}
	if err := s.initSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	stmts := []string{
		`PRAGMA journal_mode = WAL`,
		`PRAGMA busy_timeout = 5000`,
		`PRAGMA foreign_keys = ON`,
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			type TEXT NOT NULL,
			status TEXT NOT NULL,
			execution_mode TEXT NOT NULL,
			account_id TEXT NOT NULL,
			project_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			component_id TEXT,
			parent_id TEXT REFERENCES sessions(id),
			conversation_id TEXT,
			state TEXT NOT NULL,
			interactions TEXT NOT NULL,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_parent ON sessions (parent_id, type)`,
		`CREATE TABLE IF NOT EXISTS session_events (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT NOT NULL UNIQUE,
			session_id TEXT NOT NULL REFERENCES sessions(id),
			account_id TEXT NOT NULL,
			project_id TEXT NOT NULL,
			interaction_id TEXT,
			kind TEXT NOT NULL,
			payload TEXT NOT NULL,
			occurred_at TEXT NOT NULL,
			created_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_session_events_session ON session_events (session_id, seq)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("sqlite: init schema: %w", err)
		}
	}
	return nil
}

// Ping checks the database handle.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

const sessionColumns = `id, type, status, execution_mode, account_id, project_id, user_id,
	component_id, parent_id, conversation_id, state, interactions, created_at, updated_at`

// CreateSession inserts a new active session.
func (s *Store) CreateSession(ctx context.Context, req model.CreateSessionRequest) (model.Session, error) {
	sess := storage.NewSession(req, time.Now().UTC())
	state, interactions, err := encodeBody(sess)
	if err != nil {
		return model.Session{}, err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sessions (`+sessionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.ID.String(), string(sess.Type), string(sess.Status), string(sess.ExecutionMode),
		sess.AccountID.String(), sess.ProjectID.String(), sess.UserID.String(),
		nullUUID(sess.ComponentID), nullUUID(sess.ParentID), nullString(sess.ConversationID),
		state, interactions, formatTime(sess.CreatedAt), formatTime(sess.UpdatedAt),
	)
	if err != nil {
		return model.Session{}, fmt.Errorf("sqlite: create session: %w", err)
	}
	return sess, nil
}

// GetSession reads a session scoped by account and project.
func (s *Store) GetSession(ctx context.Context, scope model.Scope, id uuid.UUID) (model.Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+sessionColumns+` FROM sessions
		WHERE id = ? AND account_id = ? AND project_id = ?`,
		id.String(), scope.AccountID.String(), scope.ProjectID.String(),
	)
	sess, err := scanSession(row)
	if err != nil {
		return model.Session{}, fmt.Errorf("sqlite: get session %s: %w", id, err)
	}
	return sess, nil
}

// ListChildSessions returns the children of parentID, oldest first.
func (s *Store) ListChildSessions(ctx context.Context, scope model.Scope, parentID uuid.UUID, sessionType model.SessionType) ([]model.Session, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+sessionColumns+` FROM sessions
		WHERE parent_id = ? AND account_id = ? AND project_id = ?
		  AND (? = '' OR type = ?)
		ORDER BY created_at ASC, rowid ASC`,
		parentID.String(), scope.AccountID.String(), scope.ProjectID.String(),
		string(sessionType), string(sessionType),
	)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list child sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []model.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: scan child session: %w", err)
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

// UpdateSession applies fn to the session inside a transaction.
func (s *Store) UpdateSession(ctx context.Context, scope model.Scope, id uuid.UUID, fn func(*model.Session) error) (model.Session, error) {
	return s.AppendEvents(ctx, scope, id, nil, fn)
}

// AppendEvents applies fn and inserts events in one transaction.
func (s *Store) AppendEvents(ctx context.Context, scope model.Scope, sessionID uuid.UUID, events []model.SessionEvent, fn func(*model.Session) error) (model.Session, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return model.Session{}, fmt.Errorf("sqlite: begin session tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	before, err := scanSession(tx.QueryRowContext(ctx, `
		SELECT `+sessionColumns+` FROM sessions
		WHERE id = ? AND account_id = ? AND project_id = ?`,
		sessionID.String(), scope.AccountID.String(), scope.ProjectID.String(),
	))
	if err != nil {
		return model.Session{}, fmt.Errorf("sqlite: load session %s: %w", sessionID, err)
	}

	after := storage.CloneSession(before)
	if fn != nil {
		if err := fn(&after); err != nil {
			return model.Session{}, err
		}
		if err := storage.CheckUpdate(before, after); err != nil {
			return model.Session{}, err
		}
		after.UpdatedAt = time.Now().UTC()
		state, interactions, err := encodeBody(after)
		if err != nil {
			return model.Session{}, err
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE sessions
			SET status = ?, execution_mode = ?, user_id = ?, component_id = ?,
			    conversation_id = ?, state = ?, interactions = ?, updated_at = ?
			WHERE id = ?`,
			string(after.Status), string(after.ExecutionMode), after.UserID.String(),
			nullUUID(after.ComponentID), nullString(after.ConversationID),
			state, interactions, formatTime(after.UpdatedAt), after.ID.String(),
		); err != nil {
			return model.Session{}, fmt.Errorf("sqlite: update session %s: %w", sessionID, err)
		}
	}

	for _, e := range events {
		payload, err := json.Marshal(e.Payload)
		if err != nil {
			return model.Session{}, fmt.Errorf("sqlite: encode event payload: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO session_events (id, session_id, account_id, project_id, interaction_id, kind, payload, occurred_at, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			e.ID.String(), e.SessionID.String(), e.AccountID.String(), e.ProjectID.String(),
			nullUUID(e.InteractionID), string(e.Kind), string(payload),
			formatTime(e.OccurredAt), formatTime(e.CreatedAt),
		); err != nil {
			return model.Session{}, fmt.Errorf("sqlite: insert session event: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return model.Session{}, fmt.Errorf("sqlite: commit session tx: %w", err)
	}
	return after, nil
}

// ListEvents returns a session's events in ingestion order.
func (s *Store) ListEvents(ctx context.Context, scope model.Scope, sessionID uuid.UUID, limit int) ([]model.SessionEvent, error) {
	if limit <= 0 {
		limit = 10000
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, account_id, project_id, interaction_id, kind, payload, occurred_at, created_at
		FROM session_events
		WHERE session_id = ? AND account_id = ? AND project_id = ?
		ORDER BY seq ASC
		LIMIT ?`,
		sessionID.String(), scope.AccountID.String(), scope.ProjectID.String(), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list session events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	events := []model.SessionEvent{}
	for rows.Next() {
		var e model.SessionEvent
		var id, sid, aid, pid, kind, payload, occurredAt, createdAt string
		var interactionID sql.NullString
		if err := rows.Scan(&id, &sid, &aid, &pid, &interactionID, &kind, &payload, &occurredAt, &createdAt); err != nil {
			return nil, fmt.Errorf("sqlite: scan session event: %w", err)
		}
		if e.ID, err = uuid.Parse(id); err != nil {
			return nil, fmt.Errorf("sqlite: parse event id: %w", err)
		}
		e.SessionID, _ = uuid.Parse(sid)
		e.AccountID, _ = uuid.Parse(aid)
		e.ProjectID, _ = uuid.Parse(pid)
		if e.InteractionID, err = parseNullUUID(interactionID); err != nil {
			return nil, err
		}
		e.Kind = model.EventKind(kind)
		if err := json.Unmarshal([]byte(payload), &e.Payload); err != nil {
			return nil, fmt.Errorf("sqlite: decode event payload: %w", err)
		}
		if e.OccurredAt, err = parseTime(occurredAt); err != nil {
			return nil, err
		}
		if e.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (model.Session, error) {
	var sess model.Session
	var id, typ, status, mode, aid, pid, uid string
	var componentID, parentID, conversationID sql.NullString
	var state, interactions, createdAt, updatedAt string
	err := row.Scan(&id, &typ, &status, &mode, &aid, &pid, &uid,
		&componentID, &parentID, &conversationID, &state, &interactions, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Session{}, storage.ErrNotFound
	}
	if err != nil {
		return model.Session{}, err
	}

	if sess.ID, err = uuid.Parse(id); err != nil {
		return model.Session{}, fmt.Errorf("sqlite: parse session id: %w", err)
	}
	sess.AccountID, _ = uuid.Parse(aid)
	sess.ProjectID, _ = uuid.Parse(pid)
	sess.UserID, _ = uuid.Parse(uid)
	sess.Type = model.SessionType(typ)
	sess.Status = model.SessionStatus(status)
	sess.ExecutionMode = model.ExecutionMode(mode)
	if sess.ComponentID, err = parseNullUUID(componentID); err != nil {
		return model.Session{}, err
	}
	if sess.ParentID, err = parseNullUUID(parentID); err != nil {
		return model.Session{}, err
	}
	if conversationID.Valid {
		v := conversationID.String
		sess.ConversationID = &v
	}
	if err := json.Unmarshal([]byte(state), &sess.State); err != nil {
		return model.Session{}, fmt.Errorf("sqlite: decode state: %w", err)
	}
	if err := json.Unmarshal([]byte(interactions), &sess.Interactions); err != nil {
		return model.Session{}, fmt.Errorf("sqlite: decode interactions: %w", err)
	}
	if sess.State == nil {
		sess.State = map[string]any{}
	}
	if sess.Interactions == nil {
		sess.Interactions = []model.Interaction{}
	}
	if sess.CreatedAt, err = parseTime(createdAt); err != nil {
		return model.Session{}, err
	}
	if sess.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return model.Session{}, err
	}
	return sess, nil
}

func encodeBody(sess model.Session) (state, interactions string, err error) {
	sb, err := json.Marshal(sess.State)
	if err != nil {
		return "", "", fmt.Errorf("sqlite: encode state: %w", err)
	}
	ib, err := json.Marshal(sess.Interactions)
	if err != nil {
		return "", "", fmt.Errorf("sqlite: encode interactions: %w", err)
	}
	return string(sb), string(ib), nil
}

func nullUUID(id *uuid.UUID) sql.NullString {
	if id == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: id.String(), Valid: true}
}

func parseNullUUID(v sql.NullString) (*uuid.UUID, error) {
	if !v.Valid {
		return nil, nil
	}
	id, err := uuid.Parse(v.String)
	if err != nil {
		return nil, fmt.Errorf("sqlite: parse uuid %q: %w", v.String, err)
	}
	return &id, nil
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

// Fixed-width so lexical order matches time order.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(v string) (time.Time, error) {
	t, err := time.Parse(timeLayout, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("sqlite: parse time %q: %w", v, err)
	}
	return t, nil
}
