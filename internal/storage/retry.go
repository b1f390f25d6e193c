package storage

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// conflictCode returns the SQLSTATE of a transient conflict worth re-running
// the session transaction for, or "" for any other error.
func conflictCode(err error) string {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return ""
	}
	switch pgErr.Code {
	case "40001", // serialization_failure
		"40P01", // deadlock_detected
		"55P03": // lock_not_available
		return pgErr.Code
	default:
		return ""
	}
}

// txRetry bounds how often a session transaction is re-run after a conflict.
type txRetry struct {
	retries   int
	baseDelay time.Duration
	maxDelay  time.Duration
}

var sessionTxRetry = txRetry{retries: 3, baseDelay: 10 * time.Millisecond, maxDelay: 200 * time.Millisecond}

// wait returns the jittered delay before retry number attempt (0-based).
func (p txRetry) wait(attempt int) time.Duration {
	d := p.baseDelay << attempt
	if p.maxDelay > 0 && d > p.maxDelay {
		d = p.maxDelay
	}
	if d <= 0 {
		return 0
	}
	return d + time.Duration(rand.Int64N(int64(d)/2+1)) //nolint:gosec // jitter doesn't need crypto-strength randomness
}

// run calls fn until it succeeds, fails with a non-conflict error or the
// retries are spent. onRetry sees each conflict before the wait.
func (p txRetry) run(ctx context.Context, fn func() error, onRetry func(attempt int, code string, wait time.Duration)) error {
	var err error
	for attempt := range p.retries + 1 {
		err = fn()
		code := conflictCode(err)
		if err == nil || code == "" || attempt == p.retries {
			return err
		}
		wait := p.wait(attempt)
		if onRetry != nil {
			onRetry(attempt+1, code, wait)
		}
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
	return err
}

// withSessionTx runs fn under sessionTxRetry, logging and counting each
// conflict against sessionID.
func (db *DB) withSessionTx(ctx context.Context, sessionID uuid.UUID, fn func() error) error {
	return sessionTxRetry.run(ctx, fn, func(attempt int, code string, wait time.Duration) {
		db.logger.Debug("storage: session transaction conflict, retrying",
			"session_id", sessionID, "attempt", attempt, "sqlstate", code, "wait", wait)
		if db.txRetries != nil {
			db.txRetries.Add(ctx, 1, metric.WithAttributes(attribute.String("sqlstate", code)))
		}
	})
}
