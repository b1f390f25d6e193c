package execution

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"

	"github.com/google/shlex"

	"github.com/johns10/codemyspec/internal/model"
)

// Executor carries out a Command. It reports the outcome by calling deliver
// exactly once, either before Execute returns or later from elsewhere.
type Executor interface {
	Execute(ctx context.Context, cmd model.Command, deliver func(model.Result))
}

// maxOutputBytes caps the stdout and stderr kept from one process.
const maxOutputBytes = 1 << 20

// ProcessExecutor runs the invocation as a local process with the payload on
// stdin. Used for autonomous sessions.
type ProcessExecutor struct {
	// Dir is the working directory. Empty means the server's.
	Dir    string
	Env    []string
	Logger *slog.Logger
}

var _ Executor = ProcessExecutor{}

// Execute implements Executor. An empty invocation succeeds immediately.
func (p ProcessExecutor) Execute(ctx context.Context, cmd model.Command, deliver func(model.Result)) {
	deliver(p.run(ctx, cmd))
}

func (p ProcessExecutor) run(ctx context.Context, cmd model.Command) model.Result {
	start := time.Now()
	done := func(r model.Result) model.Result {
		r.DurationMs = time.Since(start).Milliseconds()
		r.CompletedAt = time.Now().UTC()
		return r
	}

	if strings.TrimSpace(cmd.Invoke) == "" {
		return done(model.Result{Status: model.ResultStatusOK})
	}
	argv, err := shlex.Split(cmd.Invoke)
	if err != nil || len(argv) == 0 {
		return done(model.Result{
			Status:       model.ResultStatusError,
			ErrorMessage: fmt.Sprintf("parse invocation %q: %v", cmd.Invoke, err),
		})
	}

	c := exec.CommandContext(ctx, argv[0], argv[1:]...)
	c.Dir = p.Dir
	if len(p.Env) > 0 {
		c.Env = p.Env
	}
	if cmd.Payload != nil {
		c.Stdin = strings.NewReader(*cmd.Payload)
	}
	stdout := &cappedBuffer{limit: maxOutputBytes}
	stderr := &cappedBuffer{limit: maxOutputBytes}
	c.Stdout = stdout
	c.Stderr = stderr

	runErr := c.Run()
	r := model.Result{Stdout: stdout.String(), Stderr: stderr.String()}

	var exitErr *exec.ExitError
	switch {
	case runErr == nil:
		code := 0
		r.ExitCode = &code
		r.Status = model.ResultStatusOK
	case ctx.Err() != nil:
		r.Status = model.ResultStatusError
		r.ErrorMessage = fmt.Sprintf("%s: %v", argv[0], ctx.Err())
	case errors.As(runErr, &exitErr):
		code := exitErr.ExitCode()
		r.ExitCode = &code
		r.Status = model.ResultStatusError
	default:
		r.Status = model.ResultStatusError
		r.ErrorMessage = runErr.Error()
	}
	if p.Logger != nil {
		p.Logger.Debug("execution: process finished", "step", cmd.Step, "argv0", argv[0],
			"status", r.Status, "error", runErr)
	}
	return done(r)
}

// ExternalExecutor does nothing: a human or remote agent runs the command
// and reports through Guard.DeliverResult. Used for manual sessions.
type ExternalExecutor struct{}

var _ Executor = ExternalExecutor{}

// Execute implements Executor.
func (ExternalExecutor) Execute(context.Context, model.Command, func(model.Result)) {}

// cappedBuffer keeps the first limit bytes written and discards the rest.
type cappedBuffer struct {
	buf       bytes.Buffer
	limit     int
	truncated bool
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	room := b.limit - b.buf.Len()
	if room <= 0 {
		b.truncated = true
		return len(p), nil
	}
	if len(p) > room {
		b.buf.Write(p[:room])
		b.truncated = true
		return len(p), nil
	}
	return b.buf.Write(p)
}

func (b *cappedBuffer) String() string {
	if b.truncated {
		return b.buf.String() + "\n[output truncated]"
	}
	return b.buf.String()
}
