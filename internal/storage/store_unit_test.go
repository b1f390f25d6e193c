package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/johns10/codemyspec/internal/model"
)

func baseSession() model.Session {
	return NewSession(model.CreateSessionRequest{
		Type:  model.SessionTypeComponentDesign,
		Scope: model.Scope{AccountID: uuid.New(), ProjectID: uuid.New(), UserID: uuid.New()},
	}, time.Now().UTC())
}

func TestNewSessionDefaults(t *testing.T) {
	s := baseSession()
	assert.NotEqual(t, uuid.Nil, s.ID)
	assert.Equal(t, model.SessionStatusActive, s.Status)
	assert.Equal(t, model.ExecutionModeManual, s.ExecutionMode)
	assert.NotNil(t, s.State)
	assert.NotNil(t, s.Interactions)
}

func TestCloneSessionIsIndependent(t *testing.T) {
	s := baseSession()
	s.State["a"] = 1
	s.Interactions = append(s.Interactions, model.Interaction{ID: uuid.New()})

	c := CloneSession(s)
	c.State["a"] = 2
	c.Interactions[0].ID = uuid.New()

	assert.Equal(t, 1, s.State["a"])
	assert.NotEqual(t, s.Interactions[0].ID, c.Interactions[0].ID)
}

func TestCheckUpdate(t *testing.T) {
	conv := "conv-1"
	other := "conv-2"
	parent := uuid.New()

	tests := []struct {
		name    string
		mutate  func(*model.Session)
		wantErr bool
	}{
		{"no change", func(*model.Session) {}, false},
		{"state change", func(s *model.Session) { s.State["k"] = "v" }, false},
		{"complete", func(s *model.Session) { s.Status = model.SessionStatusComplete }, false},
		{"type change", func(s *model.Session) { s.Type = model.SessionTypeDesignReview }, true},
		{"account change", func(s *model.Session) { s.AccountID = uuid.New() }, true},
		{"parent change", func(s *model.Session) { s.ParentID = &parent }, true},
		{"set conversation", func(s *model.Session) { s.ConversationID = &conv }, false},
		{"two open interactions", func(s *model.Session) {
			s.Interactions = append(s.Interactions, model.Interaction{ID: uuid.New()}, model.Interaction{ID: uuid.New()})
		}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			before := baseSession()
			after := CloneSession(before)
			tt.mutate(&after)
			err := CheckUpdate(before, after)
			if tt.wantErr {
				require.ErrorIs(t, err, ErrConflict)
			} else {
				require.NoError(t, err)
			}
		})
	}

	t.Run("terminal status is final", func(t *testing.T) {
		before := baseSession()
		before.Status = model.SessionStatusFailed
		after := CloneSession(before)
		after.Status = model.SessionStatusComplete
		require.ErrorIs(t, CheckUpdate(before, after), ErrConflict)
	})

	t.Run("conversation id is never replaced", func(t *testing.T) {
		before := baseSession()
		before.ConversationID = &conv
		after := CloneSession(before)
		after.ConversationID = &other
		require.ErrorIs(t, CheckUpdate(before, after), ErrConflict)
	})
}

func TestTxRetry(t *testing.T) {
	p := txRetry{retries: 2, baseDelay: time.Millisecond, maxDelay: 2 * time.Millisecond}
	deadlock := &pgconn.PgError{Code: "40P01"}

	var codes []string
	calls := 0
	err := p.run(context.Background(), func() error {
		calls++
		if calls < 3 {
			return deadlock
		}
		return nil
	}, func(_ int, code string, _ time.Duration) { codes = append(codes, code) })
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []string{"40P01", "40P01"}, codes)

	calls = 0
	err = p.run(context.Background(), func() error { calls++; return deadlock }, nil)
	assert.ErrorIs(t, err, deadlock)
	assert.Equal(t, 3, calls, "retries are bounded")

	calls = 0
	permanent := errors.New("unique violation")
	err = p.run(context.Background(), func() error { calls++; return permanent }, nil)
	assert.ErrorIs(t, err, permanent)
	assert.Equal(t, 1, calls, "other errors are not retried")

	assert.LessOrEqual(t, p.wait(5), 3*time.Millisecond, "waits are capped")
}
