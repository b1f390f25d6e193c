package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/johns10/codemyspec/internal/model"
)

var eventColumns = []string{"id", "session_id", "account_id", "project_id", "interaction_id", "kind", "payload", "occurred_at", "created_at"}

// copyEvents inserts events using the COPY protocol inside tx.
func copyEvents(ctx context.Context, tx pgx.Tx, events []model.SessionEvent) error {
	rows := make([][]any, len(events))
	for i, e := range events {
		rows[i] = []any{
			e.ID,
			e.SessionID,
			e.AccountID,
			e.ProjectID,
			e.InteractionID,
			string(e.Kind),
			e.Payload,
			e.OccurredAt,
			e.CreatedAt,
		}
	}

	// Bounded so a hung COPY cannot pin the session row lock.
	copyCtx, copyCancel := context.WithTimeout(ctx, 30*time.Second)
	defer copyCancel()
	if _, err := tx.CopyFrom(copyCtx, pgx.Identifier{"session_events"}, eventColumns, pgx.CopyFromRows(rows)); err != nil {
		return fmt.Errorf("storage: copy session events: %w", err)
	}
	return nil
}

// ListEvents retrieves a session's events in ingestion order, scoped by
// account and project. If limit <= 0, it defaults to 10000.
func (db *DB) ListEvents(ctx context.Context, scope model.Scope, sessionID uuid.UUID, limit int) ([]model.SessionEvent, error) {
	if limit <= 0 {
		limit = 10000
	}
	rows, err := db.pool.Query(ctx,
		`SELECT id, session_id, account_id, project_id, interaction_id, kind, payload, occurred_at, created_at
		 FROM session_events
		 WHERE session_id = $1 AND account_id = $2 AND project_id = $3
		 ORDER BY seq ASC
		 LIMIT $4`, sessionID, scope.AccountID, scope.ProjectID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list session events: %w", err)
	}
	defer rows.Close()

	events := []model.SessionEvent{}
	for rows.Next() {
		var e model.SessionEvent
		var kind string
		if err := rows.Scan(
			&e.ID, &e.SessionID, &e.AccountID, &e.ProjectID, &e.InteractionID,
			&kind, &e.Payload, &e.OccurredAt, &e.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("storage: scan session event: %w", err)
		}
		e.Kind = model.EventKind(kind)
		events = append(events, e)
	}
	return events, rows.Err()
}
