package steps

import (
	"context"
	"fmt"
	"strings"

	"github.com/johns10/codemyspec/internal/model"
)

// RunChecks runs the project's check command and classifies its outcome
// by exit code.
type RunChecks struct{}

func (RunChecks) Name() string { return "run_checks" }
func (RunChecks) Kind() Kind   { return KindRunChecks }

func (s RunChecks) ProduceCommand(_ context.Context, _ model.Scope, session model.Session, env Env) (model.Command, error) {
	return env.command(s.Name(), env.toolchain().CheckCommand, nil, map[string]any{
		"subject": subject(session),
	}), nil
}

// HandleResult maps exit code 0 to ok, or warning when stderr is non-empty,
// and any other exit code to error carrying the tail of the output. Results
// without an exit code keep their reported status.
func (RunChecks) HandleResult(_ context.Context, _ model.Scope, _ model.Session, result model.Result, _ Env) (map[string]any, model.Result, error) {
	if result.ExitCode != nil {
		switch {
		case *result.ExitCode != 0:
			result.Status = model.ResultStatusError
			result.ErrorMessage = checkFailure(result)
		case strings.TrimSpace(result.Stderr) != "":
			result.Status = model.ResultStatusWarning
			result.ErrorMessage = ""
		default:
			result.Status = model.ResultStatusOK
			result.ErrorMessage = ""
		}
	}

	if result.Status == model.ResultStatusError {
		result = passThrough(result)
		return map[string]any{
			"checks_passed": false,
			StateLastError:  result.ErrorMessage,
		}, result, nil
	}
	return map[string]any{
		"checks_passed": true,
		StateLastError:  "",
	}, result, nil
}

func checkFailure(r model.Result) string {
	out := strings.TrimSpace(r.Stdout)
	if errOut := strings.TrimSpace(r.Stderr); errOut != "" {
		if out != "" {
			out += "\n"
		}
		out += errOut
	}
	msg := fmt.Sprintf("checks failed with exit code %d", *r.ExitCode)
	if out == "" {
		return msg
	}
	return msg + ":\n" + tail(out, maxErrorBytes)
}

// FixCheckFailures is the revise step of the coding workflow.
func FixCheckFailures() Revise {
	return Revise{
		StepName:     "fix_check_failures",
		Artifact:     ComponentCode,
		Instructions: "The project checks failed after the last change.",
	}
}

// Finalize records the finished work with the commit command.
type Finalize struct{}

func (Finalize) Name() string { return "finalize" }
func (Finalize) Kind() Kind   { return KindFinalize }

func (s Finalize) ProduceCommand(_ context.Context, _ model.Scope, session model.Session, env Env) (model.Command, error) {
	msg := fmt.Sprintf("Complete %s for %s\n\nSession: %s\n",
		strings.ReplaceAll(string(session.Type), "_", " "), subject(session), session.ID)
	return env.command(s.Name(), env.toolchain().CommitCommand, strPtr(msg), nil), nil
}

func (Finalize) HandleResult(_ context.Context, _ model.Scope, _ model.Session, result model.Result, env Env) (map[string]any, model.Result, error) {
	if result.Status == model.ResultStatusError {
		return map[string]any{StateLastError: errorMessage(result)}, passThrough(result), nil
	}
	return map[string]any{"finalized_at": env.now()}, result, nil
}
