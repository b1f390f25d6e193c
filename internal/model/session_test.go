package model_test

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/johns10/codemyspec/internal/model"
)

func TestSessionStatusTransitions(t *testing.T) {
	tests := []struct {
		from, to model.SessionStatus
		want     bool
	}{
		{model.SessionStatusActive, model.SessionStatusComplete, true},
		{model.SessionStatusActive, model.SessionStatusFailed, true},
		{model.SessionStatusActive, model.SessionStatusCancelled, true},
		{model.SessionStatusActive, model.SessionStatusActive, false},
		{model.SessionStatusComplete, model.SessionStatusActive, false},
		{model.SessionStatusFailed, model.SessionStatusCancelled, false},
		{model.SessionStatusCancelled, model.SessionStatusComplete, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.want, tt.from.CanTransitionTo(tt.to))
		})
	}

	assert.False(t, model.SessionStatus("paused").Valid())
	assert.True(t, model.SessionStatusActive.Valid())
	assert.False(t, model.SessionStatusActive.Terminal())
}

func TestInteractionLookups(t *testing.T) {
	done := model.Interaction{
		ID:      uuid.New(),
		Command: model.Command{Step: "initialize"},
		Result:  &model.Result{Status: model.ResultStatusOK},
	}
	failed := model.Interaction{
		ID:      uuid.New(),
		Command: model.Command{Step: "validate"},
		Result:  &model.Result{Status: model.ResultStatusError},
	}
	open := model.Interaction{ID: uuid.New(), Command: model.Command{Step: "revise"}}
	s := model.Session{Interactions: []model.Interaction{done, failed, open}}

	got, ok := s.OpenInteraction()
	require.True(t, ok)
	assert.Equal(t, open.ID, got.ID)

	got, ok = s.LastCompletedInteraction()
	require.True(t, ok)
	assert.Equal(t, failed.ID, got.ID)

	got, ok = s.LastErrorInteraction()
	require.True(t, ok)
	assert.Equal(t, failed.ID, got.ID)

	got, ok = s.Interaction(done.ID)
	require.True(t, ok)
	assert.Equal(t, "initialize", got.Command.Step)

	_, ok = s.Interaction(uuid.New())
	assert.False(t, ok)

	_, ok = model.Session{}.OpenInteraction()
	assert.False(t, ok)
}

func TestMergeStateDoesNotModifyInputs(t *testing.T) {
	current := map[string]any{"a": 1, "b": 2}
	patch := map[string]any{"b": 3, "c": 4}

	out := model.MergeState(current, patch)
	assert.Equal(t, map[string]any{"a": 1, "b": 3, "c": 4}, out)
	assert.Equal(t, map[string]any{"a": 1, "b": 2}, current)

	out["a"] = 99
	assert.Equal(t, 1, current["a"])
}

func TestStateString(t *testing.T) {
	s := model.Session{State: map[string]any{"name": "Accounts", "count": 3}}
	assert.Equal(t, "Accounts", s.StateString("name"))
	assert.Empty(t, s.StateString("count"))
	assert.Empty(t, s.StateString("missing"))
}

func TestResultWaiting(t *testing.T) {
	poll := model.Result{Status: model.ResultStatusError, Data: map[string]any{model.ResultDataWaiting: true}}
	assert.True(t, poll.Waiting())

	assert.False(t, model.Result{Status: model.ResultStatusError}.Waiting())
	assert.False(t, model.Result{
		Status: model.ResultStatusOK,
		Data:   map[string]any{model.ResultDataWaiting: true},
	}.Waiting(), "only error results can be polls")
}

func TestChildSessionIDsSurvivesJSON(t *testing.T) {
	a, b := uuid.New(), uuid.New()
	cmd := model.Command{
		Step:      "spawn_component_design_sessions",
		Metadata:  map[string]any{model.MetaChildSessionIDs: []string{a.String(), "not-a-uuid", b.String()}},
		CreatedAt: time.Now().UTC(),
	}
	assert.Equal(t, []uuid.UUID{a, b}, cmd.ChildSessionIDs())

	raw, err := json.Marshal(cmd)
	require.NoError(t, err)
	var decoded model.Command
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Equal(t, []uuid.UUID{a, b}, decoded.ChildSessionIDs())

	assert.Empty(t, model.Command{}.ChildSessionIDs())
}

func TestTopics(t *testing.T) {
	s := model.Session{ID: uuid.New(), AccountID: uuid.New(), UserID: uuid.New()}
	assert.Equal(t, []string{
		"account:" + s.AccountID.String(),
		"user:" + s.UserID.String(),
		"session:" + s.ID.String(),
	}, model.Topics(s))
}
