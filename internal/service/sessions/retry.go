package sessions

import (
	"time"

	"github.com/johns10/codemyspec/internal/model"
)

// RetryPolicy bounds the error loops of a workflow: a validate step that
// keeps failing, a check/fix loop, or a generation the agent keeps crashing.
type RetryPolicy struct {
	// MaxAttempts is how many consecutive error outcomes of one step are
	// allowed before the session fails. Zero disables the cap.
	MaxAttempts int
	// BaseDelay is the wait after the first failure, doubling per attempt.
	// Zero retries immediately.
	BaseDelay time.Duration
	// MaxDelay caps the backoff. Zero means no cap.
	MaxDelay time.Duration
	// PollInterval is the wait between barrier polls whose children are still
	// running. Such polls never count as attempts.
	PollInterval time.Duration
}

// DefaultRetryPolicy allows 25 attempts with no delay.
var DefaultRetryPolicy = RetryPolicy{MaxAttempts: 25}

// failureStreak summarizes the trailing failures of the last completed step.
type failureStreak struct {
	step     string
	attempts int
	waiting  bool
	last     time.Time
}

// streak counts the error outcomes of the last completed step since that
// step last succeeded. Other steps completing in between (a revise between
// two validations) do not reset the count. Waiting barrier polls are skipped.
func streak(s model.Session) (failureStreak, bool) {
	last, ok := s.LastCompletedInteraction()
	if !ok || last.Result.Status != model.ResultStatusError {
		return failureStreak{}, false
	}
	fs := failureStreak{
		step:    last.Command.Step,
		waiting: last.Result.Waiting(),
		last:    last.Result.CompletedAt,
	}
	for i := len(s.Interactions) - 1; i >= 0; i-- {
		in := s.Interactions[i]
		if in.Result == nil || in.Command.Step != fs.step {
			continue
		}
		if in.Result.Status != model.ResultStatusError {
			break
		}
		if !in.Result.Waiting() {
			fs.attempts++
		}
	}
	return fs, true
}

// exhausted reports whether the streak has used every allowed attempt.
func (p RetryPolicy) exhausted(fs failureStreak) bool {
	return p.MaxAttempts > 0 && fs.attempts >= p.MaxAttempts
}

// delay returns how long to wait after the streak's last failure.
func (p RetryPolicy) delay(fs failureStreak) time.Duration {
	if fs.waiting {
		return p.PollInterval
	}
	if p.BaseDelay <= 0 || fs.attempts == 0 {
		return 0
	}
	d := p.BaseDelay
	for i := 1; i < fs.attempts; i++ {
		d *= 2
		if p.MaxDelay > 0 && d >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}
