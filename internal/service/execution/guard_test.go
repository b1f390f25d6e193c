package execution_test

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/johns10/codemyspec/internal/lock"
	"github.com/johns10/codemyspec/internal/model"
	"github.com/johns10/codemyspec/internal/service/execution"
	"github.com/johns10/codemyspec/internal/service/sessions"
	"github.com/johns10/codemyspec/internal/steps"
	"github.com/johns10/codemyspec/internal/testutil"
	"github.com/johns10/codemyspec/internal/workflow"
)

// executorFunc adapts a function to execution.Executor.
type executorFunc func(ctx context.Context, cmd model.Command, deliver func(model.Result))

func (f executorFunc) Execute(ctx context.Context, cmd model.Command, deliver func(model.Result)) {
	f(ctx, cmd, deliver)
}

type env struct {
	svc   *sessions.Service
	scope model.Scope
}

func newEnv(t *testing.T) env {
	t.Helper()
	store := testutil.NewSQLiteStore(t)
	svc := sessions.New(store, workflow.DefaultRegistry(), steps.Env{}, testutil.TestLogger())
	return env{svc: svc, scope: testutil.NewScope()}
}

func (e env) create(t *testing.T, typ model.SessionType, mode model.ExecutionMode) model.Session {
	t.Helper()
	s, err := e.svc.Create(context.Background(), model.CreateSessionRequest{
		Type:          typ,
		ExecutionMode: mode,
		State:         map[string]any{steps.StateComponentName: "Ledger"},
		Scope:         e.scope,
	})
	require.NoError(t, err)
	return s
}

func newGuard(t *testing.T, e env, opts ...execution.Option) *execution.Guard {
	t.Helper()
	g := execution.New(e.svc, testutil.TestLogger(), opts...)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		g.Drain(ctx)
	})
	return g
}

func wait(t *testing.T, ex *execution.Execution) model.Session {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s, err := ex.Wait(ctx)
	require.NoError(t, err)
	return s
}

func lastResult(t *testing.T, s model.Session) model.Result {
	t.Helper()
	in, ok := s.LastCompletedInteraction()
	require.True(t, ok)
	return *in.Result
}

func TestSingleFlight(t *testing.T) {
	e := newEnv(t)
	g := newGuard(t, e)
	ctx := context.Background()
	s := e.create(t, model.SessionTypeDesignReview, model.ExecutionModeManual)

	ex, err := g.Run(ctx, e.scope, s.ID)
	require.NoError(t, err)
	assert.Equal(t, "initialize", ex.Command.Step)
	assert.Equal(t, 1, g.InFlight())

	_, err = g.Run(ctx, e.scope, s.ID)
	assert.ErrorIs(t, err, execution.ErrExecutionInProgress)

	require.True(t, g.DeliverResult(e.scope, ex.InteractionID, model.Result{Status: model.ResultStatusOK}))
	got := wait(t, ex)
	assert.Equal(t, model.ResultStatusOK, lastResult(t, got).Status)
	assert.Zero(t, g.InFlight())

	next, err := g.Run(ctx, e.scope, s.ID)
	require.NoError(t, err)
	assert.Equal(t, "generate_design_review", next.Command.Step)
}

func TestIndependentSessionsRunConcurrently(t *testing.T) {
	e := newEnv(t)
	g := newGuard(t, e)
	ctx := context.Background()

	a := e.create(t, model.SessionTypeDesignReview, model.ExecutionModeManual)
	b := e.create(t, model.SessionTypeComponentDesign, model.ExecutionModeManual)
	_, err := g.Run(ctx, e.scope, a.ID)
	require.NoError(t, err)
	_, err = g.Run(ctx, e.scope, b.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, g.InFlight())
}

func TestDeliverResultIsTolerant(t *testing.T) {
	e := newEnv(t)
	g := newGuard(t, e)
	s := e.create(t, model.SessionTypeDesignReview, model.ExecutionModeManual)

	assert.False(t, g.DeliverResult(e.scope, uuid.New(), model.Result{Status: model.ResultStatusOK}))

	ex, err := g.Run(context.Background(), e.scope, s.ID)
	require.NoError(t, err)
	assert.False(t, g.DeliverResult(testutil.NewScope(), ex.InteractionID, model.Result{Status: model.ResultStatusOK}),
		"another tenant cannot deliver")

	require.True(t, g.DeliverResult(e.scope, ex.InteractionID, model.Result{Status: model.ResultStatusOK}))
	assert.False(t, g.DeliverResult(e.scope, ex.InteractionID, model.Result{Status: model.ResultStatusError}))

	got := wait(t, ex)
	assert.Equal(t, model.ResultStatusOK, lastResult(t, got).Status)
	assert.False(t, g.DeliverResult(e.scope, ex.InteractionID, model.Result{Status: model.ResultStatusOK}), "late delivery")
}

func TestCrashedExecutorClearsMarker(t *testing.T) {
	e := newEnv(t)
	crash := executorFunc(func(context.Context, model.Command, func(model.Result)) {
		panic("agent exploded")
	})
	g := newGuard(t, e, execution.WithExecutor(model.ExecutionModeAutonomous, crash))
	ctx := context.Background()
	s := e.create(t, model.SessionTypeDesignReview, model.ExecutionModeAutonomous)

	ex, err := g.Run(ctx, e.scope, s.ID)
	require.NoError(t, err)
	got := wait(t, ex)
	r := lastResult(t, got)
	assert.Equal(t, model.ResultStatusError, r.Status)
	assert.Contains(t, r.ErrorMessage, "agent exploded")
	assert.False(t, g.Running(s.ID))

	again, err := g.Run(ctx, e.scope, s.ID)
	require.NoError(t, err)
	assert.Equal(t, "initialize", again.Command.Step, "failed step is retried")
}

func TestExecutionTimeout(t *testing.T) {
	e := newEnv(t)
	g := newGuard(t, e, execution.WithTimeout(30*time.Millisecond))
	s := e.create(t, model.SessionTypeDesignReview, model.ExecutionModeManual)

	ex, err := g.Run(context.Background(), e.scope, s.ID)
	require.NoError(t, err)
	got := wait(t, ex)
	r := lastResult(t, got)
	assert.Equal(t, model.ResultStatusError, r.Status)
	assert.Contains(t, r.ErrorMessage, "timed out")
	assert.False(t, g.Running(s.ID))
}

func TestTerminalSessionIsNotRun(t *testing.T) {
	e := newEnv(t)
	g := newGuard(t, e)
	ctx := context.Background()
	s := e.create(t, model.SessionTypeDesignReview, model.ExecutionModeManual)
	_, err := e.svc.Cancel(ctx, e.scope, s.ID)
	require.NoError(t, err)

	_, err = g.Run(ctx, e.scope, s.ID)
	assert.ErrorIs(t, err, sessions.ErrSessionTerminal)
	assert.False(t, g.Running(s.ID), "failed run leaves no marker")
}

func TestResultRecordedOutsideGuardReleasesRun(t *testing.T) {
	e := newEnv(t)
	g := newGuard(t, e)
	ctx := context.Background()
	s := e.create(t, model.SessionTypeDesignReview, model.ExecutionModeManual)

	ex, err := g.Run(ctx, e.scope, s.ID)
	require.NoError(t, err)
	_, err = e.svc.HandleResult(ctx, e.scope, s.ID, ex.InteractionID, model.Result{Status: model.ResultStatusOK})
	require.NoError(t, err)

	next, err := g.Run(ctx, e.scope, s.ID)
	require.NoError(t, err)
	assert.Equal(t, "generate_design_review", next.Command.Step)
	<-ex.Done()

	got, err := e.svc.Get(ctx, e.scope, s.ID)
	require.NoError(t, err)
	assert.Len(t, got.Interactions, 2, "the settled execution recorded nothing")
}

func TestHandleResultSettlesExecution(t *testing.T) {
	e := newEnv(t)
	g := newGuard(t, e)
	ctx := context.Background()
	s := e.create(t, model.SessionTypeDesignReview, model.ExecutionModeManual)

	ex, err := g.Run(ctx, e.scope, s.ID)
	require.NoError(t, err)

	_, err = g.HandleResult(ctx, e.scope, s.ID, ex.InteractionID, model.Result{Status: "maybe"})
	assert.ErrorIs(t, err, sessions.ErrInvalidInput)
	assert.True(t, g.Running(s.ID), "a rejected result leaves the execution waiting")

	got, err := g.HandleResult(ctx, e.scope, s.ID, ex.InteractionID, model.Result{Status: model.ResultStatusOK})
	require.NoError(t, err)
	assert.Equal(t, model.ResultStatusOK, lastResult(t, got).Status)
	assert.False(t, g.Running(s.ID))

	_, err = g.HandleResult(ctx, e.scope, s.ID, ex.InteractionID, model.Result{Status: model.ResultStatusOK})
	assert.ErrorIs(t, err, sessions.ErrInteractionNotOpen)

	// Without an execution the result is recorded directly.
	in, err := e.svc.NextCommand(ctx, e.scope, s.ID)
	require.NoError(t, err)
	got, err = g.HandleResult(ctx, e.scope, s.ID, in.ID, model.Result{Status: model.ResultStatusOK})
	require.NoError(t, err)
	assert.Len(t, got.Interactions, 2)
}

func TestAbortAfterCancel(t *testing.T) {
	e := newEnv(t)
	g := newGuard(t, e)
	ctx := context.Background()
	s := e.create(t, model.SessionTypeDesignReview, model.ExecutionModeManual)

	assert.False(t, g.Abort(s.ID))
	ex, err := g.Run(ctx, e.scope, s.ID)
	require.NoError(t, err)
	_, err = e.svc.Cancel(ctx, e.scope, s.ID)
	require.NoError(t, err)

	assert.True(t, g.Abort(s.ID))
	<-ex.Done()
	assert.False(t, g.Running(s.ID))

	_, err = g.Run(ctx, e.scope, s.ID)
	assert.ErrorIs(t, err, sessions.ErrSessionTerminal)
}

func TestWatchNoticesSettledInteraction(t *testing.T) {
	e := newEnv(t)
	g := newGuard(t, e, execution.WithWatchInterval(10*time.Millisecond))
	ctx := context.Background()
	s := e.create(t, model.SessionTypeDesignReview, model.ExecutionModeManual)

	ex, err := g.Run(ctx, e.scope, s.ID)
	require.NoError(t, err)
	_, err = e.svc.HandleResult(ctx, e.scope, s.ID, ex.InteractionID, model.Result{Status: model.ResultStatusOK})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return !g.Running(s.ID) }, 5*time.Second, 10*time.Millisecond)
	assert.False(t, g.Reconcile(ctx, s.ID))
}

func TestReconcileReleasesFinishedSession(t *testing.T) {
	e := newEnv(t)
	g := newGuard(t, e)
	ctx := context.Background()
	s := e.create(t, model.SessionTypeDesignReview, model.ExecutionModeManual)

	ex, err := g.Run(ctx, e.scope, s.ID)
	require.NoError(t, err)
	assert.False(t, g.Reconcile(ctx, s.ID), "open interaction keeps the execution")

	_, err = e.svc.Cancel(ctx, e.scope, s.ID)
	require.NoError(t, err)
	assert.True(t, g.Reconcile(ctx, s.ID))
	<-ex.Done()
	assert.False(t, g.Running(s.ID))
}

func TestDrainLeavesInteractionOpen(t *testing.T) {
	e := newEnv(t)
	g := execution.New(e.svc, testutil.TestLogger())
	ctx := context.Background()
	s := e.create(t, model.SessionTypeDesignReview, model.ExecutionModeManual)

	ex, err := g.Run(ctx, e.scope, s.ID)
	require.NoError(t, err)

	drainCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	g.Drain(drainCtx)
	<-ex.Done()
	_, err = g.Run(ctx, e.scope, s.ID)
	assert.ErrorIs(t, err, execution.ErrClosed)

	// A fresh guard resumes the same interaction.
	next, err := newGuard(t, e).Run(ctx, e.scope, s.ID)
	require.NoError(t, err)
	assert.Equal(t, ex.InteractionID, next.InteractionID)
}

func TestDistributedLockAcrossGuards(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	locker := lock.NewRedisLocker(client, "test:")

	e := newEnv(t)
	a := newGuard(t, e, execution.WithLocker(locker, time.Minute))
	b := newGuard(t, e, execution.WithLocker(locker, time.Minute))
	ctx := context.Background()
	s := e.create(t, model.SessionTypeDesignReview, model.ExecutionModeManual)

	ex, err := a.Run(ctx, e.scope, s.ID)
	require.NoError(t, err)
	_, err = b.Run(ctx, e.scope, s.ID)
	assert.ErrorIs(t, err, execution.ErrExecutionInProgress)
	assert.False(t, b.Running(s.ID))

	require.True(t, a.DeliverResult(e.scope, ex.InteractionID, model.Result{Status: model.ResultStatusOK}))
	wait(t, ex)

	next, err := b.Run(ctx, e.scope, s.ID)
	require.NoError(t, err)
	assert.Equal(t, "generate_design_review", next.Command.Step)
}

func TestAutonomousSessionRunsToCompletion(t *testing.T) {
	e := newEnv(t)
	agent := executorFunc(func(_ context.Context, cmd model.Command, deliver func(model.Result)) {
		r := model.Result{Status: model.ResultStatusOK, CompletedAt: time.Now().UTC()}
		if strings.HasPrefix(cmd.Step, "validate") {
			r.Stdout = "## Summary\n## Findings\n## Recommendations\n"
		}
		deliver(r)
	})
	g := newGuard(t, e,
		execution.WithExecutor(model.ExecutionModeAutonomous, agent),
		execution.WithAutoAdvance(true),
	)
	s := e.create(t, model.SessionTypeDesignReview, model.ExecutionModeAutonomous)

	_, err := g.Run(context.Background(), e.scope, s.ID)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		got, err := e.svc.Get(context.Background(), e.scope, s.ID)
		return err == nil && got.Status == model.SessionStatusComplete
	}, 5*time.Second, 10*time.Millisecond)

	got, err := e.svc.Get(context.Background(), e.scope, s.ID)
	require.NoError(t, err)
	assert.Len(t, got.Interactions, 4)
}

func TestProcessExecutorInitializesWorkspace(t *testing.T) {
	e := newEnv(t)
	dir := t.TempDir()
	g := newGuard(t, e, execution.WithExecutor(model.ExecutionModeAutonomous, execution.ProcessExecutor{Dir: dir}))
	s := e.create(t, model.SessionTypeComponentDesign, model.ExecutionModeAutonomous)

	ex, err := g.Run(context.Background(), e.scope, s.ID)
	require.NoError(t, err)
	got := wait(t, ex)
	assert.Equal(t, model.ResultStatusOK, lastResult(t, got).Status)

	info, err := os.Stat(filepath.Join(dir, "docs", "design", "components"))
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}
