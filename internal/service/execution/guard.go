// Package execution serializes command execution per session.
//
// Guard.Run computes a session's next command through the orchestrator,
// starts executing it in the background and returns at once. At most one
// execution per session is outstanding; a second Run fails fast with
// ErrExecutionInProgress. The background execution waits for its Result,
// which arrives through DeliverResult from the executor itself or from an
// external reporter, and hands it to the orchestrator. An execution whose
// interaction was closed, or whose session went terminal, through another
// path ends without recording. The in-flight marker is cleared
// unconditionally when the execution ends, even if it panicked.
package execution

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/johns10/codemyspec/internal/lock"
	"github.com/johns10/codemyspec/internal/model"
	"github.com/johns10/codemyspec/internal/service/sessions"
	"github.com/johns10/codemyspec/internal/telemetry"
)

var (
	// ErrExecutionInProgress is returned by Run when the session already has an
	// outstanding execution, here or on another replica.
	ErrExecutionInProgress = errors.New("execution: execution in progress")
	// ErrClosed is returned by Run after Drain.
	ErrClosed = errors.New("execution: guard closed")

	// errSettled cancels an execution whose interaction no longer needs it.
	errSettled = errors.New("execution: interaction settled elsewhere")
)

// Sessions is the orchestrator surface the guard drives.
type Sessions interface {
	Get(ctx context.Context, scope model.Scope, id uuid.UUID) (model.Session, error)
	NextCommand(ctx context.Context, scope model.Scope, id uuid.UUID) (model.Interaction, error)
	HandleResult(ctx context.Context, scope model.Scope, sessionID, interactionID uuid.UUID, result model.Result) (model.Session, error)
}

var _ Sessions = (*sessions.Service)(nil)

const (
	defaultLockTTL       = 30 * time.Minute
	defaultWatchInterval = 5 * time.Second
)

// Execution is the handle to one background execution.
type Execution struct {
	SessionID     uuid.UUID
	InteractionID uuid.UUID
	Command       model.Command

	scope   model.Scope
	mode    model.ExecutionMode
	results chan model.Result
	once    sync.Once
	stop    context.CancelCauseFunc
	done    chan struct{}
	session model.Session
	err     error
}

// Done is closed when the execution has ended and its marker is cleared.
func (e *Execution) Done() <-chan struct{} { return e.done }

// Wait blocks until the execution ends and returns the session as recorded
// by result handling.
func (e *Execution) Wait(ctx context.Context) (model.Session, error) {
	select {
	case <-e.done:
		return e.session, e.err
	case <-ctx.Done():
		return model.Session{}, ctx.Err()
	}
}

// offer hands r to the execution. Only the first offer is accepted.
func (e *Execution) offer(r model.Result) bool {
	accepted := false
	e.once.Do(func() {
		e.results <- r
		accepted = true
	})
	return accepted
}

// Option configures a Guard.
type Option func(*Guard)

// WithExecutor sets the executor for sessions in mode.
func WithExecutor(mode model.ExecutionMode, ex Executor) Option {
	return func(g *Guard) { g.executors[mode] = ex }
}

// WithLocker adds a cross-replica lock taken for the life of each execution.
func WithLocker(l lock.Locker, ttl time.Duration) Option {
	return func(g *Guard) {
		g.locker = l
		g.lockTTL = ttl
	}
}

// WithTimeout bounds how long an execution waits for its Result. Zero waits
// until Drain.
func WithTimeout(d time.Duration) Option {
	return func(g *Guard) { g.timeout = d }
}

// WithWatchInterval sets how often a waiting execution re-reads its session
// to notice a result recorded through another path.
func WithWatchInterval(d time.Duration) Option {
	return func(g *Guard) { g.watchInterval = d }
}

// WithAutoAdvance makes autonomous sessions run their next step as soon as
// the previous one is recorded, until they reach a terminal status.
func WithAutoAdvance(on bool) Option {
	return func(g *Guard) { g.autoAdvance = on }
}

// Guard is the single-flight registry of in-flight executions.
type Guard struct {
	sessions    Sessions
	executors   map[model.ExecutionMode]Executor
	locker      lock.Locker
	lockTTL     time.Duration
	timeout       time.Duration
	watchInterval time.Duration
	autoAdvance   bool
	logger        *slog.Logger

	mu            sync.Mutex
	closed        bool
	bySession     map[uuid.UUID]*Execution
	byInteraction map[uuid.UUID]*Execution
	timers        map[*time.Timer]struct{}
	wg            sync.WaitGroup

	baseCtx context.Context
	cancel  context.CancelFunc

	tracer   trace.Tracer
	outcomes metric.Int64Counter
}

// New creates a Guard. Manual sessions default to ExternalExecutor and
// autonomous sessions to ProcessExecutor.
func New(svc Sessions, logger *slog.Logger, opts ...Option) *Guard {
	baseCtx, cancel := context.WithCancel(context.Background())
	g := &Guard{
		sessions: svc,
		executors: map[model.ExecutionMode]Executor{
			model.ExecutionModeManual:     ExternalExecutor{},
			model.ExecutionModeAutonomous: ProcessExecutor{Logger: logger},
		},
		lockTTL:       defaultLockTTL,
		watchInterval: defaultWatchInterval,
		logger:        logger,
		bySession:     make(map[uuid.UUID]*Execution),
		byInteraction: make(map[uuid.UUID]*Execution),
		timers:        make(map[*time.Timer]struct{}),
		baseCtx:       baseCtx,
		cancel:        cancel,
		tracer:        telemetry.Tracer("codemyspec/execution"),
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.lockTTL <= 0 {
		g.lockTTL = defaultLockTTL
	}

	meter := telemetry.Meter("codemyspec/execution")
	g.outcomes, _ = meter.Int64Counter("codemyspec.executions",
		metric.WithDescription("Finished executions by outcome"),
	)
	_, _ = meter.Int64ObservableGauge("codemyspec.executions.in_flight",
		metric.WithDescription("Executions currently outstanding"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(g.InFlight()))
			return nil
		}),
	)
	return g
}

// InFlight returns the number of outstanding executions.
func (g *Guard) InFlight() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.bySession)
}

// Running reports whether the session has an outstanding execution here.
func (g *Guard) Running(sessionID uuid.UUID) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.bySession[sessionID]
	return ok
}

// Run starts executing the session's next command in the background. It
// blocks only while the command is computed.
func (g *Guard) Run(ctx context.Context, scope model.Scope, sessionID uuid.UUID) (*Execution, error) {
	ctx, span := g.tracer.Start(ctx, "execution.Run",
		trace.WithAttributes(attribute.String("codemyspec.session_id", sessionID.String())))
	defer span.End()

	ex, err := g.run(ctx, scope, sessionID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(
		attribute.String("codemyspec.interaction_id", ex.InteractionID.String()),
		attribute.String("codemyspec.step", ex.Command.Step),
	)
	return ex, nil
}

func (g *Guard) run(ctx context.Context, scope model.Scope, sessionID uuid.UUID) (*Execution, error) {
	ex := &Execution{
		SessionID: sessionID,
		scope:     scope,
		results:   make(chan model.Result, 1),
		done:      make(chan struct{}),
	}

	for settled := false; ; settled = true {
		g.mu.Lock()
		if g.closed {
			g.mu.Unlock()
			return nil, ErrClosed
		}
		cur, busy := g.bySession[sessionID]
		if !busy {
			g.bySession[sessionID] = ex
			g.wg.Add(1)
			g.mu.Unlock()
			break
		}
		g.mu.Unlock()

		// The outstanding execution may be waiting on an interaction that was
		// already answered through another path.
		if settled || !g.settle(ctx, cur) {
			return nil, fmt.Errorf("%w: session %s", ErrExecutionInProgress, sessionID)
		}
		select {
		case <-cur.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	release := func(context.Context) error { return nil }
	if g.locker != nil {
		r, err := g.locker.TryLock(ctx, "session:"+sessionID.String(), g.lockTTL)
		if err != nil {
			g.clear(ex)
			if errors.Is(err, lock.ErrHeld) {
				return nil, fmt.Errorf("%w: session %s (another instance)", ErrExecutionInProgress, sessionID)
			}
			return nil, fmt.Errorf("execution: lock session %s: %w", sessionID, err)
		}
		release = r
	}

	abort := func(err error) (*Execution, error) {
		g.clear(ex)
		if rerr := release(context.WithoutCancel(ctx)); rerr != nil {
			g.logger.Warn("execution: release lock", "session_id", sessionID, "error", rerr)
		}
		return nil, err
	}

	session, err := g.sessions.Get(ctx, scope, sessionID)
	if err != nil {
		return abort(err)
	}
	in, err := g.sessions.NextCommand(ctx, scope, sessionID)
	if err != nil {
		return abort(err)
	}

	execCtx, stop := context.WithCancelCause(
		trace.ContextWithSpanContext(g.baseCtx, trace.SpanContextFromContext(ctx)))

	g.mu.Lock()
	ex.InteractionID = in.ID
	ex.Command = in.Command
	ex.mode = session.ExecutionMode
	ex.stop = stop
	g.byInteraction[in.ID] = ex
	g.mu.Unlock()

	go g.execute(execCtx, ex, release)

	g.logger.Info("execution: started", "session_id", sessionID, "interaction_id", in.ID,
		"step", in.Command.Step, "execution_mode", ex.mode)

	if ex.mode == model.ExecutionModeAutonomous {
		g.dispatchChildren(scope, session, in.Command)
	}
	return ex, nil
}

// DeliverResult hands result to the in-flight execution waiting on
// interactionID. It reports whether the result was accepted; a missing
// execution or a duplicate delivery is logged and ignored. Deliveries from a
// different tenant are treated as missing.
func (g *Guard) DeliverResult(scope model.Scope, interactionID uuid.UUID, result model.Result) bool {
	g.mu.Lock()
	ex, ok := g.byInteraction[interactionID]
	g.mu.Unlock()

	if !ok || !sameScope(ex.scope, scope) {
		g.logger.Warn("execution: result for no in-flight execution ignored",
			"interaction_id", interactionID, "status", result.Status)
		return false
	}
	if !ex.offer(result) {
		g.logger.Warn("execution: duplicate result ignored",
			"session_id", ex.SessionID, "interaction_id", interactionID)
		return false
	}
	return true
}

// HandleResult records result on interactionID. When an execution here is
// waiting on that interaction the result goes through it, so the session's
// marker is clear by the time HandleResult returns; otherwise the result is
// recorded directly.
func (g *Guard) HandleResult(ctx context.Context, scope model.Scope, sessionID, interactionID uuid.UUID, result model.Result) (model.Session, error) {
	g.mu.Lock()
	ex, ok := g.byInteraction[interactionID]
	g.mu.Unlock()
	if !ok || ex.SessionID != sessionID || !sameScope(ex.scope, scope) {
		return g.sessions.HandleResult(ctx, scope, sessionID, interactionID, result)
	}
	if !result.Status.Valid() {
		return model.Session{}, fmt.Errorf("%w: unknown result status %q", sessions.ErrInvalidInput, result.Status)
	}
	if !ex.offer(result) {
		return model.Session{}, fmt.Errorf("%w: %s", sessions.ErrInteractionNotOpen, interactionID)
	}
	return ex.Wait(ctx)
}

// Abort ends the session's outstanding execution without recording a
// result, for sessions settled by another path such as a cancel. It reports
// whether there was an execution to end.
func (g *Guard) Abort(sessionID uuid.UUID) bool {
	g.mu.Lock()
	ex, ok := g.bySession[sessionID]
	var stop context.CancelCauseFunc
	if ok {
		stop = ex.stop
	}
	g.mu.Unlock()
	if stop == nil {
		return false
	}
	stop(errSettled)
	return true
}

// Reconcile ends the session's outstanding execution if its interaction was
// closed, or the session finished, through another path. Callers that change
// a session outside the guard use it to release the marker at once.
func (g *Guard) Reconcile(ctx context.Context, sessionID uuid.UUID) bool {
	g.mu.Lock()
	ex, ok := g.bySession[sessionID]
	g.mu.Unlock()
	if !ok {
		return false
	}
	return g.settle(ctx, ex)
}

// settle ends ex when its interaction is closed or its session terminal in
// storage. It reports whether ex was told to stop.
func (g *Guard) settle(ctx context.Context, ex *Execution) bool {
	g.mu.Lock()
	interactionID, stop := ex.InteractionID, ex.stop
	g.mu.Unlock()
	if stop == nil {
		return false
	}
	if _, settled := g.settled(ctx, ex.scope, ex.SessionID, interactionID); !settled {
		return false
	}
	stop(errSettled)
	return true
}

// settled reports whether interactionID no longer waits for a result.
func (g *Guard) settled(ctx context.Context, scope model.Scope, sessionID, interactionID uuid.UUID) (model.Session, bool) {
	session, err := g.sessions.Get(ctx, scope, sessionID)
	if err != nil {
		return model.Session{}, false
	}
	if session.Status.Terminal() {
		return session, true
	}
	in, ok := session.Interaction(interactionID)
	return session, !ok || !in.Open()
}

func sameScope(a, b model.Scope) bool {
	return a.AccountID == b.AccountID && a.ProjectID == b.ProjectID
}

func (g *Guard) execute(ctx context.Context, ex *Execution, release func(context.Context) error) {
	outcome := "crashed"
	defer func() {
		if r := recover(); r != nil {
			ex.err = fmt.Errorf("execution: panic: %v", r)
			g.logger.Error("execution: crashed", "session_id", ex.SessionID,
				"interaction_id", ex.InteractionID, "panic", r)
		}
		if err := release(context.Background()); err != nil {
			g.logger.Warn("execution: release lock", "session_id", ex.SessionID, "error", err)
		}
		g.clear(ex)
		g.outcomes.Add(context.Background(), 1, metric.WithAttributes(attribute.String("outcome", outcome)))
		if g.autoAdvance && ex.mode == model.ExecutionModeAutonomous && ex.err == nil &&
			ex.session.Status == model.SessionStatusActive {
			g.advance(ex.scope, ex.SessionID, 0)
		}
	}()

	if g.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}

	executor, ok := g.executors[ex.mode]
	if !ok {
		executor = ExternalExecutor{}
	}
	go func() {
		defer func() {
			if r := recover(); r != nil {
				g.logger.Error("execution: executor panicked", "session_id", ex.SessionID,
					"interaction_id", ex.InteractionID, "panic", r)
				ex.offer(model.Result{
					Status:       model.ResultStatusError,
					ErrorMessage: fmt.Sprintf("executor crashed: %v", r),
					CompletedAt:  time.Now().UTC(),
				})
			}
		}()
		executor.Execute(ctx, ex.Command, func(r model.Result) {
			g.DeliverResult(ex.scope, ex.InteractionID, r)
		})
	}()

	var watch <-chan time.Time
	if g.watchInterval > 0 {
		t := time.NewTicker(g.watchInterval)
		defer t.Stop()
		watch = t.C
	}

	var result model.Result
wait:
	for {
		select {
		case result = <-ex.results:
			break wait
		case <-watch:
			if session, ok := g.settled(ctx, ex.scope, ex.SessionID, ex.InteractionID); ok {
				ex.session = session
				ex.stop(errSettled)
			}
		case <-ctx.Done():
			stopped := g.baseCtx.Err() != nil || errors.Is(context.Cause(ctx), errSettled)
			if stopped {
				select {
				case result = <-ex.results:
					// Accepted before the stop; record it and let storage decide.
					break wait
				default:
				}
			}
			if g.baseCtx.Err() != nil {
				// Shutting down: leave the interaction open for a later run.
				outcome = "abandoned"
				ex.err = g.baseCtx.Err()
				return
			}
			if stopped {
				outcome = "settled"
				g.logger.Info("execution: interaction settled elsewhere", "session_id", ex.SessionID,
					"interaction_id", ex.InteractionID)
				return
			}
			if !ex.offer(model.Result{}) {
				// A result won the race with the deadline.
				result = <-ex.results
				break wait
			}
			<-ex.results
			outcome = "timeout"
			result = model.Result{
				Status:       model.ResultStatusError,
				ErrorMessage: fmt.Sprintf("execution timed out after %s", g.timeout),
				CompletedAt:  time.Now().UTC(),
			}
			break wait
		}
	}

	recordCtx := context.WithoutCancel(ctx)
	session, err := g.sessions.HandleResult(recordCtx, ex.scope, ex.SessionID, ex.InteractionID, result)
	ex.session, ex.err = session, err
	if err != nil {
		outcome = "record_failed"
		g.logger.Error("execution: record result", "session_id", ex.SessionID,
			"interaction_id", ex.InteractionID, "error", err)
		return
	}
	if outcome != "timeout" {
		outcome = string(result.Status)
	}
	g.logger.Info("execution: finished", "session_id", ex.SessionID, "interaction_id", ex.InteractionID,
		"step", ex.Command.Step, "status", result.Status, "session_status", session.Status)
}

// clear removes the execution's markers and wakes waiters.
func (g *Guard) clear(ex *Execution) {
	g.mu.Lock()
	if g.bySession[ex.SessionID] == ex {
		delete(g.bySession, ex.SessionID)
	}
	if ex.InteractionID != uuid.Nil && g.byInteraction[ex.InteractionID] == ex {
		delete(g.byInteraction, ex.InteractionID)
	}
	stop := ex.stop
	g.mu.Unlock()
	if stop != nil {
		stop(nil)
	}
	close(ex.done)
	g.wg.Done()
}

// dispatchChildren starts the autonomous children named by a spawning
// command. Children already running or finished are skipped.
func (g *Guard) dispatchChildren(scope model.Scope, parent model.Session, cmd model.Command) {
	for _, childID := range cmd.ChildSessionIDs() {
		if g.Running(childID) {
			continue
		}
		child, err := g.sessions.Get(g.baseCtx, scope, childID)
		if err != nil {
			g.logger.Warn("execution: dispatch child", "session_id", parent.ID, "child_id", childID, "error", err)
			continue
		}
		if child.Status.Terminal() || child.ExecutionMode != model.ExecutionModeAutonomous {
			continue
		}
		g.advance(scope, childID, 0)
	}
}

// advance runs the session's next step after delay, rescheduling itself
// while the retry policy says the step is not yet due.
func (g *Guard) advance(scope model.Scope, sessionID uuid.UUID, delay time.Duration) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return
	}
	var t *time.Timer
	t = time.AfterFunc(delay, func() {
		g.mu.Lock()
		delete(g.timers, t)
		g.mu.Unlock()

		_, err := g.Run(g.baseCtx, scope, sessionID)
		var notDue *sessions.RetryNotDueError
		switch {
		case err == nil:
		case errors.As(err, &notDue):
			g.advance(scope, sessionID, time.Until(notDue.NotBefore))
		case errors.Is(err, ErrExecutionInProgress), errors.Is(err, ErrClosed),
			errors.Is(err, sessions.ErrSessionTerminal), errors.Is(err, sessions.ErrSessionComplete):
			g.logger.Debug("execution: advance skipped", "session_id", sessionID, "reason", err)
		default:
			g.logger.Warn("execution: advance failed", "session_id", sessionID, "error", err)
		}
	})
	g.timers[t] = struct{}{}
}

// Drain stops scheduling, cancels outstanding executions and waits for them
// to finish or for ctx to expire. An execution already holding its Result
// still records it; the others leave their interaction open for the next Run.
func (g *Guard) Drain(ctx context.Context) {
	g.mu.Lock()
	g.closed = true
	for t := range g.timers {
		t.Stop()
	}
	clear(g.timers)
	g.mu.Unlock()
	g.cancel()

	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		g.logger.Warn("execution: drain timed out", "in_flight", g.InFlight())
	}
}
