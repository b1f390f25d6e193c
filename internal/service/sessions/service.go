// Package sessions is the orchestration engine. It computes the next
// command of a session from its persisted history, records results through
// the owning step, and enforces terminal finality and the retry policy.
//
// Both the HTTP API, the MCP server and the execution guard delegate to this
// service. Every operation re-reads the session from storage; nothing is
// cached between calls.
package sessions

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/johns10/codemyspec/internal/broker"
	"github.com/johns10/codemyspec/internal/model"
	"github.com/johns10/codemyspec/internal/steps"
	"github.com/johns10/codemyspec/internal/storage"
	"github.com/johns10/codemyspec/internal/telemetry"
	"github.com/johns10/codemyspec/internal/workflow"
)

// errStaleSnapshot means the session changed between computing a command
// and appending it.
var errStaleSnapshot = errors.New("sessions: session changed concurrently")

const maxStaleRetries = 3

const (
	spawnPollMin   = 10 * time.Millisecond
	spawnPollMax   = 250 * time.Millisecond
	spawnWaitLimit = 30 * time.Second
)

// spawnWait paces retries while another caller holds a spawn claim.
type spawnWait struct {
	next   time.Duration
	waited time.Duration
}

func (w *spawnWait) wait(ctx context.Context) error {
	if w.waited >= spawnWaitLimit {
		return ErrSpawnPending
	}
	t := time.NewTimer(w.next)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
	}
	w.waited += w.next
	w.next = min(w.next*2, spawnPollMax)
	return nil
}

// Service encapsulates session orchestration shared by HTTP, MCP and the guard.
type Service struct {
	store     storage.Store
	registry  *workflow.Registry
	env       steps.Env
	retry     RetryPolicy
	publisher broker.Publisher
	logger    *slog.Logger
	now       func() time.Time

	tracer                trace.Tracer
	interactionsCreated   metric.Int64Counter
	interactionsCompleted metric.Int64Counter
}

// Option configures a Service.
type Option func(*Service)

// WithRetryPolicy overrides DefaultRetryPolicy.
func WithRetryPolicy(p RetryPolicy) Option {
	return func(s *Service) { s.retry = p }
}

// WithPublisher sets where notifications go. Without one nothing is published.
func WithPublisher(p broker.Publisher) Option {
	return func(s *Service) { s.publisher = p }
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// New creates a session Service. env.Store defaults to store.
func New(store storage.Store, registry *workflow.Registry, env steps.Env, logger *slog.Logger, opts ...Option) *Service {
	meter := telemetry.Meter("codemyspec/sessions")
	created, _ := meter.Int64Counter("codemyspec.interactions.created",
		metric.WithDescription("Commands issued to sessions"),
	)
	completed, _ := meter.Int64Counter("codemyspec.interactions.completed",
		metric.WithDescription("Results recorded, by step and status"),
	)

	s := &Service{
		store:                 store,
		registry:              registry,
		env:                   env,
		retry:                 DefaultRetryPolicy,
		logger:                logger,
		now:                   time.Now,
		tracer:                telemetry.Tracer("codemyspec/sessions"),
		interactionsCreated:   created,
		interactionsCompleted: completed,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.env.Store == nil {
		s.env.Store = store
	}
	if s.env.Logger == nil {
		s.env.Logger = logger
	}
	if s.env.Now == nil {
		s.env.Now = s.now
	}
	return s
}

// Registry returns the workflow registry the service dispatches on.
func (s *Service) Registry() *workflow.Registry { return s.registry }

// Create starts a new active session. A parent, if given, must exist in scope.
func (s *Service) Create(ctx context.Context, req model.CreateSessionRequest) (model.Session, error) {
	if _, err := s.registry.Lookup(req.Type); err != nil {
		return model.Session{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if req.ExecutionMode != "" && !req.ExecutionMode.Valid() {
		return model.Session{}, fmt.Errorf("%w: unknown execution mode %q", ErrInvalidInput, req.ExecutionMode)
	}
	if req.ParentID != nil {
		if _, err := s.store.GetSession(ctx, req.Scope, *req.ParentID); err != nil {
			return model.Session{}, fmt.Errorf("sessions: create: parent: %w", err)
		}
	}

	session, err := s.store.CreateSession(ctx, req)
	if err != nil {
		return model.Session{}, fmt.Errorf("sessions: create: %w", err)
	}
	s.logger.Info("sessions: created", "session_id", session.ID, "type", session.Type,
		"execution_mode", session.ExecutionMode)
	s.publish(ctx, session, model.NotifySessionStatusChanged, map[string]any{
		"status": session.Status,
	})
	return session, nil
}

// Get reads a session fresh from storage.
func (s *Service) Get(ctx context.Context, scope model.Scope, id uuid.UUID) (model.Session, error) {
	session, err := s.store.GetSession(ctx, scope, id)
	if err != nil {
		return model.Session{}, fmt.Errorf("sessions: get: %w", err)
	}
	return session, nil
}

// ListChildren returns the children of parentID. An empty type matches all.
func (s *Service) ListChildren(ctx context.Context, scope model.Scope, parentID uuid.UUID, sessionType model.SessionType) ([]model.Session, error) {
	if _, err := s.store.GetSession(ctx, scope, parentID); err != nil {
		return nil, fmt.Errorf("sessions: list children: %w", err)
	}
	children, err := s.store.ListChildSessions(ctx, scope, parentID, sessionType)
	if err != nil {
		return nil, fmt.Errorf("sessions: list children: %w", err)
	}
	return children, nil
}

// NextCommand returns the session's open interaction, creating it from the
// workflow's next step if there is none. Repeated calls without a result in
// between return the same interaction.
func (s *Service) NextCommand(ctx context.Context, scope model.Scope, id uuid.UUID) (model.Interaction, error) {
	ctx, span := s.tracer.Start(ctx, "sessions.NextCommand",
		trace.WithAttributes(attribute.String("codemyspec.session_id", id.String())))
	defer span.End()

	pending := spawnWait{next: spawnPollMin}
	for attempt := 0; ; attempt++ {
		in, err := s.nextCommandOnce(ctx, scope, id)
		if errors.Is(err, errStaleSnapshot) && attempt < maxStaleRetries {
			continue
		}
		if errors.Is(err, ErrSpawnPending) {
			// Another caller is creating this step's children; its command
			// becomes the open interaction once they exist.
			if werr := pending.wait(ctx); werr == nil {
				attempt = 0
				continue
			}
		}
		if err != nil {
			recordError(span, err)
			return model.Interaction{}, err
		}
		span.SetAttributes(
			attribute.String("codemyspec.interaction_id", in.ID.String()),
			attribute.String("codemyspec.step", in.Command.Step),
		)
		return in, nil
	}
}

func (s *Service) nextCommandOnce(ctx context.Context, scope model.Scope, id uuid.UUID) (model.Interaction, error) {
	session, err := s.store.GetSession(ctx, scope, id)
	if err != nil {
		return model.Interaction{}, fmt.Errorf("sessions: next command: %w", err)
	}
	if session.Status.Terminal() {
		return model.Interaction{}, &TerminalError{SessionID: id, Status: session.Status}
	}
	if open, ok := session.OpenInteraction(); ok {
		return open, nil
	}

	def, err := s.registry.Lookup(session.Type)
	if err != nil {
		return model.Interaction{}, fmt.Errorf("sessions: next command: %w", err)
	}

	if fs, failing := streak(session); failing {
		if s.retry.exhausted(fs) {
			return model.Interaction{}, s.exhaust(ctx, scope, session, fs)
		}
		if wait := s.retry.delay(fs); wait > 0 {
			notBefore := fs.last.Add(wait)
			if s.now().Before(notBefore) {
				return model.Interaction{}, &RetryNotDueError{Step: fs.step, Attempts: fs.attempts, NotBefore: notBefore}
			}
		}
	}

	step, err := def.NextStep(session)
	if errors.Is(err, ErrSessionComplete) {
		// Result recorded but status not yet applied; finish the job.
		if _, cerr := s.complete(ctx, scope, id); cerr != nil {
			s.logger.Warn("sessions: repair complete status", "session_id", id, "error", cerr)
		}
		return model.Interaction{}, err
	}
	if err != nil {
		return model.Interaction{}, fmt.Errorf("sessions: next command: session %s: %w", id, err)
	}

	cmd, err := step.ProduceCommand(ctx, scope, session, s.env)
	if err != nil {
		return model.Interaction{}, fmt.Errorf("sessions: next command: %s: %w", step.Name(), err)
	}

	in := model.Interaction{ID: uuid.New(), Command: cmd}
	seen := len(session.Interactions)
	_, err = s.store.UpdateSession(ctx, scope, id, func(fresh *model.Session) error {
		if fresh.Status.Terminal() {
			return &TerminalError{SessionID: id, Status: fresh.Status}
		}
		if len(fresh.Interactions) != seen {
			return errStaleSnapshot
		}
		fresh.Interactions = append(fresh.Interactions, in)
		return nil
	})
	if err != nil {
		if errors.Is(err, errStaleSnapshot) || errors.Is(err, ErrSessionTerminal) {
			return model.Interaction{}, err
		}
		return model.Interaction{}, fmt.Errorf("sessions: next command: append interaction: %w", err)
	}

	s.interactionsCreated.Add(ctx, 1, metric.WithAttributes(
		attribute.String("session_type", string(session.Type)),
		attribute.String("step", cmd.Step),
	))
	s.logger.Info("sessions: command issued", "session_id", id, "interaction_id", in.ID, "step", cmd.Step)
	s.publish(ctx, session, model.NotifySessionActivity, map[string]any{
		"action":         "command_issued",
		"interaction_id": in.ID,
		"step":           cmd.Step,
	})
	return in, nil
}

// exhaust fails the session after too many failed attempts.
func (s *Service) exhaust(ctx context.Context, scope model.Scope, session model.Session, fs failureStreak) error {
	failed, err := s.setStatus(ctx, scope, session.ID, model.SessionStatusFailed)
	if err != nil {
		return fmt.Errorf("sessions: fail exhausted session: %w", err)
	}
	s.logger.Warn("sessions: retries exhausted, session failed",
		"session_id", session.ID, "step", fs.step, "attempts", fs.attempts)
	s.publish(ctx, failed, model.NotifySessionStatusChanged, map[string]any{
		"status": failed.Status,
		"reason": "retries_exhausted",
		"step":   fs.step,
	})
	return fmt.Errorf("%w: step %s failed %d times", ErrRetriesExhausted, fs.step, fs.attempts)
}

// HandleResult records result on the open interaction through the step that
// produced it, merges the step's state patch and completes the session when
// the workflow's terminal step succeeded.
func (s *Service) HandleResult(ctx context.Context, scope model.Scope, sessionID, interactionID uuid.UUID, result model.Result) (model.Session, error) {
	ctx, span := s.tracer.Start(ctx, "sessions.HandleResult", trace.WithAttributes(
		attribute.String("codemyspec.session_id", sessionID.String()),
		attribute.String("codemyspec.interaction_id", interactionID.String()),
		attribute.String("codemyspec.result_status", string(result.Status)),
	))
	defer span.End()

	session, err := s.handleResult(ctx, scope, sessionID, interactionID, result)
	if err != nil {
		recordError(span, err)
	}
	return session, err
}

func (s *Service) handleResult(ctx context.Context, scope model.Scope, sessionID, interactionID uuid.UUID, result model.Result) (model.Session, error) {
	if !result.Status.Valid() {
		return model.Session{}, fmt.Errorf("%w: unknown result status %q", ErrInvalidInput, result.Status)
	}

	session, err := s.store.GetSession(ctx, scope, sessionID)
	if err != nil {
		return model.Session{}, fmt.Errorf("sessions: handle result: %w", err)
	}
	if session.Status.Terminal() {
		return model.Session{}, &TerminalError{SessionID: sessionID, Status: session.Status}
	}
	open, ok := session.OpenInteraction()
	if !ok || open.ID != interactionID {
		return model.Session{}, fmt.Errorf("%w: %s", ErrInteractionNotOpen, interactionID)
	}

	def, err := s.registry.Lookup(session.Type)
	if err != nil {
		return model.Session{}, fmt.Errorf("sessions: handle result: %w", err)
	}
	step, ok := def.Step(open.Command.Step)
	if !ok {
		return model.Session{}, fmt.Errorf("%w: %s has no step %q", ErrInvalidState, session.Type, open.Command.Step)
	}

	patch, revised, err := step.HandleResult(ctx, scope, session, result, s.env)
	if err != nil {
		return model.Session{}, fmt.Errorf("sessions: handle result: %s: %w", step.Name(), err)
	}
	if revised.CompletedAt.IsZero() {
		revised.CompletedAt = s.now().UTC()
	}
	completedAt := revised.CompletedAt

	var becameComplete bool
	updated, err := s.store.UpdateSession(ctx, scope, sessionID, func(fresh *model.Session) error {
		becameComplete = false
		if fresh.Status.Terminal() {
			return &TerminalError{SessionID: sessionID, Status: fresh.Status}
		}
		idx := -1
		for i := range fresh.Interactions {
			if fresh.Interactions[i].ID == interactionID {
				idx = i
				break
			}
		}
		if idx < 0 || !fresh.Interactions[idx].Open() {
			return fmt.Errorf("%w: %s", ErrInteractionNotOpen, interactionID)
		}
		r := revised
		fresh.Interactions[idx].Result = &r
		fresh.Interactions[idx].CompletedAt = &completedAt
		fresh.State = model.MergeState(fresh.State, patch)
		if def.IsComplete(*fresh) {
			fresh.Status = model.SessionStatusComplete
			becameComplete = true
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrSessionTerminal) || errors.Is(err, ErrInteractionNotOpen) {
			return model.Session{}, err
		}
		return model.Session{}, fmt.Errorf("sessions: handle result: record: %w", err)
	}

	s.interactionsCompleted.Add(ctx, 1, metric.WithAttributes(
		attribute.String("session_type", string(session.Type)),
		attribute.String("step", step.Name()),
		attribute.String("status", string(revised.Status)),
	))
	s.logger.Info("sessions: result recorded", "session_id", sessionID, "interaction_id", interactionID,
		"step", step.Name(), "status", revised.Status)

	s.publish(ctx, updated, model.NotifyInteractionCompleted, map[string]any{
		"interaction_id": interactionID,
		"step":           step.Name(),
		"status":         revised.Status,
		"error_message":  revised.ErrorMessage,
	})
	if ids := open.Command.ChildSessionIDs(); len(ids) > 0 && revised.Status == model.ResultStatusOK {
		s.publish(ctx, updated, model.NotifyChildSessionsSpawned, map[string]any{
			"child_session_ids": ids,
			"complete":          true,
		})
	}
	if becameComplete {
		s.logger.Info("sessions: session complete", "session_id", sessionID)
		s.publish(ctx, updated, model.NotifySessionStatusChanged, map[string]any{"status": updated.Status})
	}
	return updated, nil
}

// Cancel moves an active session to cancelled.
func (s *Service) Cancel(ctx context.Context, scope model.Scope, id uuid.UUID) (model.Session, error) {
	cancelled, err := s.setStatus(ctx, scope, id, model.SessionStatusCancelled)
	if err != nil {
		return model.Session{}, err
	}
	s.logger.Info("sessions: cancelled", "session_id", id)
	s.publish(ctx, cancelled, model.NotifySessionStatusChanged, map[string]any{"status": cancelled.Status})
	return cancelled, nil
}

// complete applies the complete status when the workflow says so.
func (s *Service) complete(ctx context.Context, scope model.Scope, id uuid.UUID) (model.Session, error) {
	session, err := s.store.GetSession(ctx, scope, id)
	if err != nil {
		return model.Session{}, err
	}
	if session.Status.Terminal() {
		return session, nil
	}
	completed, err := s.setStatus(ctx, scope, id, model.SessionStatusComplete)
	if err != nil {
		return model.Session{}, err
	}
	s.publish(ctx, completed, model.NotifySessionStatusChanged, map[string]any{"status": completed.Status})
	return completed, nil
}

// setStatus moves an active session to a terminal status.
func (s *Service) setStatus(ctx context.Context, scope model.Scope, id uuid.UUID, status model.SessionStatus) (model.Session, error) {
	updated, err := s.store.UpdateSession(ctx, scope, id, func(fresh *model.Session) error {
		if fresh.Status.Terminal() {
			return &TerminalError{SessionID: id, Status: fresh.Status}
		}
		fresh.Status = status
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrSessionTerminal) {
			return model.Session{}, err
		}
		return model.Session{}, fmt.Errorf("sessions: set status %s: %w", status, err)
	}
	return updated, nil
}

func (s *Service) publish(ctx context.Context, session model.Session, typ model.NotificationType, data map[string]any) {
	if s.publisher == nil {
		return
	}
	s.publisher.Publish(ctx, model.Notification{
		Type:      typ,
		SessionID: session.ID,
		Data:      data,
		SentAt:    s.now().UTC(),
	}, model.Topics(session)...)
}

func recordError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
