// Package steps implements the units of workflow logic. A step produces a
// Command from the current session and interprets the Result of executing
// it into a state patch. Steps never persist anything themselves except the
// spawning steps, which create child sessions through the Store.
package steps

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"time"
	"unicode/utf8"

	"github.com/johns10/codemyspec/internal/model"
	"github.com/johns10/codemyspec/internal/storage"
)

// Kind is the closed set of step variants.
type Kind string

const (
	KindInitialize         Kind = "initialize"
	KindGenerate           Kind = "generate"
	KindValidate           Kind = "validate"
	KindRevise             Kind = "revise"
	KindRunChecks          Kind = "run_checks"
	KindSpawnChildSessions Kind = "spawn_child_sessions"
	KindSpawnReviewSession Kind = "spawn_review_session"
	KindFinalize           Kind = "finalize"
)

// Step is one named unit of workflow logic.
type Step interface {
	// Name is the step identity recorded in Command.Step. Unique within a workflow.
	Name() string
	Kind() Kind
	ProduceCommand(ctx context.Context, scope model.Scope, session model.Session, env Env) (model.Command, error)
	// HandleResult returns the state patch to merge and the Result to record,
	// which may be re-classified from the raw one.
	HandleResult(ctx context.Context, scope model.Scope, session model.Session, result model.Result, env Env) (map[string]any, model.Result, error)
}

// Toolchain holds the external commands steps invoke.
type Toolchain struct {
	// AgentCommand runs the coding agent; the prompt is sent as the payload.
	AgentCommand string
	// CheckCommand runs the project's compile/test/lint checks.
	CheckCommand string
	// CommitCommand records finished work; the message is sent as the payload.
	CommitCommand string
}

// DefaultToolchain is used when configuration leaves a command empty.
var DefaultToolchain = Toolchain{
	AgentCommand:  "claude -p",
	CheckCommand:  "go test ./...",
	CommitCommand: "git commit --allow-empty -F -",
}

// Env carries the collaborators a step may call into.
type Env struct {
	Store     storage.Store
	Planner   ChildPlanner
	Toolchain Toolchain
	Logger    *slog.Logger
	// SpawnConcurrency bounds concurrent child creation. Zero means 4.
	SpawnConcurrency int
	Now              func() time.Time
}

func (e Env) now() time.Time {
	if e.Now != nil {
		return e.Now().UTC()
	}
	return time.Now().UTC()
}

func (e Env) logger() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return slog.Default()
}

func (e Env) toolchain() Toolchain {
	tc := e.Toolchain
	if tc.AgentCommand == "" {
		tc.AgentCommand = DefaultToolchain.AgentCommand
	}
	if tc.CheckCommand == "" {
		tc.CheckCommand = DefaultToolchain.CheckCommand
	}
	if tc.CommitCommand == "" {
		tc.CommitCommand = DefaultToolchain.CommitCommand
	}
	return tc
}

// ErrNoStore is returned by steps that need storage when Env.Store is nil.
var ErrNoStore = errors.New("steps: store not configured")

// Session state keys shared by steps.
const (
	StateComponentName = "component_name"
	StateContextName   = "context_name"
	StateDocumentPath  = "document_path"
	StateComponents    = "components"
	StateRevisionCount = "revision_count"
	StateLastError     = "last_error"
)

func (e Env) command(name, invoke string, payload *string, metadata map[string]any) model.Command {
	return model.Command{
		Step:      name,
		Invoke:    invoke,
		Metadata:  metadata,
		Payload:   payload,
		CreatedAt: e.now(),
	}
}

// quote renders s as a single shell word.
func quote(s string) string {
	return strconv.Quote(s)
}

func strPtr(s string) *string { return &s }

// errorMessage picks the most useful human-readable failure text from r.
func errorMessage(r model.Result) string {
	switch {
	case r.ErrorMessage != "":
		return r.ErrorMessage
	case r.Stderr != "":
		return tail(r.Stderr, maxErrorBytes)
	case r.Stdout != "":
		return tail(r.Stdout, maxErrorBytes)
	case r.ExitCode != nil:
		return "command exited with status " + strconv.Itoa(*r.ExitCode)
	default:
		return "command failed"
	}
}

const maxErrorBytes = 4096

// tail returns at most n trailing bytes of s, starting on a rune boundary.
func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	i := len(s) - n
	for i < len(s) && !utf8.RuneStart(s[i]) {
		i++
	}
	return s[i:]
}

// passThrough records the raw result, normalizing an error without a message.
func passThrough(r model.Result) model.Result {
	if r.Status == model.ResultStatusError && r.ErrorMessage == "" {
		r.ErrorMessage = errorMessage(r)
	}
	return r
}
