package sessions

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/johns10/codemyspec/internal/model"
)

func withResults(steps ...any) model.Session {
	var s model.Session
	at := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < len(steps); i += 2 {
		at = at.Add(time.Second)
		r := model.Result{CompletedAt: at}
		switch v := steps[i+1].(type) {
		case model.ResultStatus:
			r.Status = v
		case string: // "waiting"
			r.Status = model.ResultStatusError
			r.Data = map[string]any{model.ResultDataWaiting: true}
		}
		s.Interactions = append(s.Interactions, model.Interaction{
			Command: model.Command{Step: steps[i].(string)},
			Result:  &r,
		})
	}
	return s
}

func TestStreak(t *testing.T) {
	const (
		okS  = model.ResultStatusOK
		errS = model.ResultStatusError
	)

	tests := []struct {
		name     string
		session  model.Session
		failing  bool
		step     string
		attempts int
		waiting  bool
	}{
		{name: "empty", session: model.Session{}},
		{name: "last ok", session: withResults("a", errS, "a", okS)},
		{name: "single error", session: withResults("a", okS, "b", errS), failing: true, step: "b", attempts: 1},
		{name: "errors since success", session: withResults("b", errS, "b", okS, "b", errS, "b", errS), failing: true, step: "b", attempts: 2},
		{
			name:     "other steps in between",
			session:  withResults("validate", errS, "revise", okS, "validate", errS),
			failing:  true,
			step:     "validate",
			attempts: 2,
		},
		{
			name:    "waiting polls skipped",
			session: withResults("spawn", okS, "spawn", "waiting", "spawn", "waiting"),
			failing: true,
			step:    "spawn",
			waiting: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fs, failing := streak(tt.session)
			assert.Equal(t, tt.failing, failing)
			if !failing {
				return
			}
			assert.Equal(t, tt.step, fs.step)
			assert.Equal(t, tt.attempts, fs.attempts)
			assert.Equal(t, tt.waiting, fs.waiting)
		})
	}
}

func TestRetryPolicyDelay(t *testing.T) {
	p := RetryPolicy{BaseDelay: time.Second, MaxDelay: 5 * time.Second, PollInterval: 2 * time.Second}

	assert.Equal(t, time.Second, p.delay(failureStreak{attempts: 1}))
	assert.Equal(t, 2*time.Second, p.delay(failureStreak{attempts: 2}))
	assert.Equal(t, 4*time.Second, p.delay(failureStreak{attempts: 3}))
	assert.Equal(t, 5*time.Second, p.delay(failureStreak{attempts: 4}))
	assert.Equal(t, 5*time.Second, p.delay(failureStreak{attempts: 40}))
	assert.Equal(t, 2*time.Second, p.delay(failureStreak{attempts: 3, waiting: true}))
	assert.Zero(t, RetryPolicy{}.delay(failureStreak{attempts: 3}))
}

func TestRetryPolicyExhausted(t *testing.T) {
	assert.False(t, DefaultRetryPolicy.exhausted(failureStreak{attempts: 24}))
	assert.True(t, DefaultRetryPolicy.exhausted(failureStreak{attempts: 25}))
	assert.False(t, RetryPolicy{}.exhausted(failureStreak{attempts: 1000}))
}
