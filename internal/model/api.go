package model

import (
	"time"

	"github.com/google/uuid"
)

// APIResponse is the standard response envelope for all HTTP API responses.
type APIResponse struct {
	Data any          `json:"data,omitempty"`
	Meta ResponseMeta `json:"meta"`
}

// APIError is the standard error response envelope.
type APIError struct {
	Error ErrorDetail  `json:"error"`
	Meta  ResponseMeta `json:"meta"`
}

// ResponseMeta contains request metadata included in every response.
type ResponseMeta struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorDetail describes an API error.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// ErrorCode constants for standard API error codes.
const (
	ErrCodeInvalidInput        = "INVALID_INPUT"
	ErrCodeUnauthorized        = "UNAUTHORIZED"
	ErrCodeForbidden           = "FORBIDDEN"
	ErrCodeNotFound            = "NOT_FOUND"
	ErrCodeConflict            = "CONFLICT"
	ErrCodeInternalError       = "INTERNAL_ERROR"
	ErrCodeSessionTerminal     = "SESSION_TERMINAL"
	ErrCodeSessionComplete     = "SESSION_COMPLETE"
	ErrCodeInvalidState        = "INVALID_STATE"
	ErrCodeExecutionInProgress = "EXECUTION_IN_PROGRESS"
	ErrCodeRetryNotDue         = "RETRY_NOT_DUE"
	ErrCodeRateLimited         = "RATE_LIMITED"
)

// AppendEventsRequest is the request body for POST /v1/sessions/{session_id}/events.
type AppendEventsRequest struct {
	Events []EventInput `json:"events"`
}

// SubmitResultRequest is the request body for submitting or delivering a Result.
type SubmitResultRequest struct {
	Status       ResultStatus   `json:"status"`
	Data         map[string]any `json:"data,omitempty"`
	ExitCode     *int           `json:"exit_code,omitempty"`
	Stdout       string         `json:"stdout,omitempty"`
	Stderr       string         `json:"stderr,omitempty"`
	ErrorMessage string         `json:"error_message,omitempty"`
	DurationMs   int64          `json:"duration_ms,omitempty"`
}

// ToResult converts the request into a Result stamped with the current time.
func (r SubmitResultRequest) ToResult() Result {
	return Result{
		Status:       r.Status,
		Data:         r.Data,
		ExitCode:     r.ExitCode,
		Stdout:       r.Stdout,
		Stderr:       r.Stderr,
		ErrorMessage: r.ErrorMessage,
		DurationMs:   r.DurationMs,
		CompletedAt:  time.Now().UTC(),
	}
}

// RunResponse is returned when a background execution has been started.
type RunResponse struct {
	SessionID     uuid.UUID `json:"session_id"`
	InteractionID uuid.UUID `json:"interaction_id"`
	Command       Command   `json:"command"`
}

// HealthResponse is the response for GET /health.
type HealthResponse struct {
	Status     string `json:"status"`
	Version    string `json:"version"`
	Store      string `json:"store"`
	InFlight   int    `json:"in_flight_executions"`
	Broker     string `json:"broker,omitempty"`
	UptimeSecs int64  `json:"uptime_seconds"`
}
