package sessions

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/johns10/codemyspec/internal/model"
	"github.com/johns10/codemyspec/internal/steps"
	"github.com/johns10/codemyspec/internal/workflow"
)

var (
	// ErrSessionComplete is returned when the terminal step already completed ok.
	ErrSessionComplete = workflow.ErrSessionComplete
	// ErrInvalidState is returned when persisted history has no transition.
	ErrInvalidState = workflow.ErrInvalidState
	// ErrSessionTerminal matches every *TerminalError.
	ErrSessionTerminal = errors.New("sessions: session is terminal")
	// ErrInteractionNotOpen is returned when a result targets an interaction
	// that is not the session's open interaction.
	ErrInteractionNotOpen = errors.New("sessions: interaction is not open")
	// ErrRetriesExhausted is returned when a step failed MaxAttempts times in a
	// row. The session is failed as a side effect.
	ErrRetriesExhausted = errors.New("sessions: retries exhausted")
	// ErrRetryNotDue matches every *RetryNotDueError.
	ErrRetryNotDue = errors.New("sessions: retry not due")
	// ErrSpawnPending is returned when another caller kept a spawning step's
	// claim for longer than NextCommand waits.
	ErrSpawnPending = steps.ErrSpawnPending
	// ErrInvalidInput is returned for malformed requests.
	ErrInvalidInput = errors.New("sessions: invalid input")
)

// TerminalError reports that a session is complete, failed or cancelled.
type TerminalError struct {
	SessionID uuid.UUID
	Status    model.SessionStatus
}

func (e *TerminalError) Error() string {
	return fmt.Sprintf("sessions: session %s is %s", e.SessionID, e.Status)
}

// Is matches ErrSessionTerminal, and ErrSessionComplete for complete sessions.
func (e *TerminalError) Is(target error) bool {
	return target == ErrSessionTerminal ||
		(target == ErrSessionComplete && e.Status == model.SessionStatusComplete)
}

// RetryNotDueError reports when the failed step may be retried.
type RetryNotDueError struct {
	Step      string
	Attempts  int
	NotBefore time.Time
}

func (e *RetryNotDueError) Error() string {
	return fmt.Sprintf("sessions: retry of %s (attempt %d) not due until %s",
		e.Step, e.Attempts+1, e.NotBefore.Format(time.RFC3339))
}

func (e *RetryNotDueError) Is(target error) bool {
	return target == ErrRetryNotDue
}
