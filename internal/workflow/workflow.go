// Package workflow defines the ordered steps of each session type and the
// transition table that picks the next step. The next step is a pure
// function of the last completed interaction's (step, result status), so a
// session can be resumed from its persisted snapshot at any time.
package workflow

import (
	"errors"
	"fmt"

	"github.com/johns10/codemyspec/internal/model"
	"github.com/johns10/codemyspec/internal/steps"
)

var (
	// ErrSessionComplete is returned when the terminal step already completed ok.
	ErrSessionComplete = errors.New("workflow: session already complete")
	// ErrInvalidState is returned when the last completed interaction has no
	// transition in the table.
	ErrInvalidState = errors.New("workflow: invalid state")
	// ErrUnknownType is returned for a session type with no definition.
	ErrUnknownType = errors.New("workflow: unknown session type")
)

type transitionKey struct {
	step   string
	status model.ResultStatus
}

// Definition is the workflow for one session type.
type Definition struct {
	sessionType model.SessionType
	steps       []steps.Step
	byName      map[string]steps.Step
	terminal    string
	transitions map[transitionKey]string
}

// newDefinition registers the ordered steps. The last step is terminal.
func newDefinition(t model.SessionType, ordered ...steps.Step) *Definition {
	d := &Definition{
		sessionType: t,
		steps:       ordered,
		byName:      make(map[string]steps.Step, len(ordered)),
		terminal:    ordered[len(ordered)-1].Name(),
		transitions: make(map[transitionKey]string),
	}
	for _, s := range ordered {
		if _, dup := d.byName[s.Name()]; dup {
			panic(fmt.Sprintf("workflow: %s: duplicate step %q", t, s.Name()))
		}
		d.byName[s.Name()] = s
	}
	return d
}

// advance moves from one step to another on ok and warning.
func (d *Definition) advance(from, to string) *Definition {
	d.on(from, model.ResultStatusOK, to)
	d.on(from, model.ResultStatusWarning, to)
	return d
}

// retry re-runs step on error.
func (d *Definition) retry(step string) *Definition {
	return d.on(step, model.ResultStatusError, step)
}

func (d *Definition) on(from string, status model.ResultStatus, to string) *Definition {
	d.mustHave(from)
	d.mustHave(to)
	d.transitions[transitionKey{step: from, status: status}] = to
	return d
}

func (d *Definition) mustHave(name string) {
	if _, ok := d.byName[name]; !ok {
		panic(fmt.Sprintf("workflow: %s: unknown step %q", d.sessionType, name))
	}
}

// SessionType returns the type tag this definition serves.
func (d *Definition) SessionType() model.SessionType { return d.sessionType }

// OrderedSteps returns the workflow's steps in declaration order.
func (d *Definition) OrderedSteps() []steps.Step {
	out := make([]steps.Step, len(d.steps))
	copy(out, d.steps)
	return out
}

// Step returns the step with the given name.
func (d *Definition) Step(name string) (steps.Step, bool) {
	s, ok := d.byName[name]
	return s, ok
}

// IsComplete reports whether the terminal step's latest completion was
// successful.
func (d *Definition) IsComplete(session model.Session) bool {
	last, ok := session.LastCompletedInteraction()
	if !ok {
		return false
	}
	return last.Command.Step == d.terminal && advances(last.Result.Status)
}

// NextStep applies the transition table to the last completed interaction.
func (d *Definition) NextStep(session model.Session) (steps.Step, error) {
	last, ok := session.LastCompletedInteraction()
	if !ok {
		return d.steps[0], nil
	}
	from, status := last.Command.Step, last.Result.Status

	if from == d.terminal && advances(status) {
		return nil, ErrSessionComplete
	}
	to, ok := d.transitions[transitionKey{step: from, status: status}]
	if !ok {
		return nil, fmt.Errorf("%w: %s has no transition for step %q with status %q",
			ErrInvalidState, d.sessionType, from, status)
	}
	return d.byName[to], nil
}

func advances(s model.ResultStatus) bool {
	return s == model.ResultStatusOK || s == model.ResultStatusWarning
}

// Registry maps session types to their definitions.
type Registry struct {
	defs map[model.SessionType]*Definition
}

// NewRegistry builds a registry from definitions.
func NewRegistry(defs ...*Definition) *Registry {
	r := &Registry{defs: make(map[model.SessionType]*Definition, len(defs))}
	for _, d := range defs {
		r.defs[d.sessionType] = d
	}
	return r
}

// Lookup returns the definition for t.
func (r *Registry) Lookup(t model.SessionType) (*Definition, error) {
	d, ok := r.defs[t]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, t)
	}
	return d, nil
}

// Types returns the registered session types.
func (r *Registry) Types() []model.SessionType {
	out := make([]model.SessionType, 0, len(r.defs))
	for t := range r.defs {
		out = append(out, t)
	}
	return out
}
