package workflow

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/johns10/codemyspec/internal/model"
)

// complete appends a completed interaction for step with status.
func complete(s *model.Session, step string, status model.ResultStatus) {
	now := time.Now().UTC()
	s.Interactions = append(s.Interactions, model.Interaction{
		ID:          uuid.New(),
		Command:     model.Command{Step: step, CreatedAt: now},
		Result:      &model.Result{Status: status, CompletedAt: now},
		CompletedAt: &now,
	})
}

func nextName(t *testing.T, d *Definition, s model.Session) string {
	t.Helper()
	step, err := d.NextStep(s)
	require.NoError(t, err)
	return step.Name()
}

func TestDesignReviewWalkthrough(t *testing.T) {
	d := DesignReview()
	var s model.Session

	assert.Equal(t, "initialize", nextName(t, d, s))
	complete(&s, "initialize", model.ResultStatusOK)
	assert.Equal(t, "generate_design_review", nextName(t, d, s))
	complete(&s, "generate_design_review", model.ResultStatusOK)
	assert.Equal(t, "validate_design_review", nextName(t, d, s))
	complete(&s, "validate_design_review", model.ResultStatusError)
	assert.Equal(t, "validate_design_review", nextName(t, d, s))
	complete(&s, "validate_design_review", model.ResultStatusOK)
	assert.Equal(t, "finalize", nextName(t, d, s))
	assert.False(t, d.IsComplete(s))
	complete(&s, "finalize", model.ResultStatusOK)

	_, err := d.NextStep(s)
	assert.ErrorIs(t, err, ErrSessionComplete)
	assert.True(t, d.IsComplete(s))
}

func TestComponentDesignReviseLoop(t *testing.T) {
	d := ComponentDesign()
	var s model.Session
	complete(&s, "initialize", model.ResultStatusOK)
	complete(&s, "generate_component_design", model.ResultStatusOK)
	complete(&s, "validate_component_design", model.ResultStatusError)
	assert.Equal(t, "revise_component_design", nextName(t, d, s))

	complete(&s, "revise_component_design", model.ResultStatusOK)
	assert.Equal(t, "validate_component_design", nextName(t, d, s))

	complete(&s, "validate_component_design", model.ResultStatusWarning)
	assert.Equal(t, "finalize", nextName(t, d, s))
}

func TestComponentCodingFixLoop(t *testing.T) {
	d := ComponentCoding()
	var s model.Session
	complete(&s, "initialize", model.ResultStatusOK)
	complete(&s, "generate_component_code", model.ResultStatusOK)
	complete(&s, "run_checks", model.ResultStatusError)
	assert.Equal(t, "fix_check_failures", nextName(t, d, s))
	complete(&s, "fix_check_failures", model.ResultStatusOK)
	assert.Equal(t, "run_checks", nextName(t, d, s))
}

func TestContextDesignBarrierPolls(t *testing.T) {
	d := ContextDesign()
	var s model.Session
	complete(&s, "initialize", model.ResultStatusOK)
	complete(&s, "generate_context_design", model.ResultStatusOK)
	complete(&s, "validate_context_design", model.ResultStatusOK)
	assert.Equal(t, "spawn_component_design_sessions", nextName(t, d, s))

	complete(&s, "spawn_component_design_sessions", model.ResultStatusError)
	assert.Equal(t, "spawn_component_design_sessions", nextName(t, d, s))

	complete(&s, "spawn_component_design_sessions", model.ResultStatusOK)
	assert.Equal(t, "spawn_review_session", nextName(t, d, s))
	complete(&s, "spawn_review_session", model.ResultStatusOK)
	assert.Equal(t, "finalize", nextName(t, d, s))
}

func TestNextStepIgnoresOpenInteraction(t *testing.T) {
	d := DesignReview()
	var s model.Session
	complete(&s, "initialize", model.ResultStatusOK)
	s.Interactions = append(s.Interactions, model.Interaction{
		ID:      uuid.New(),
		Command: model.Command{Step: "generate_design_review"},
	})
	assert.Equal(t, "generate_design_review", nextName(t, d, s))
}

func TestNextStepInvalidState(t *testing.T) {
	d := DesignReview()

	t.Run("unknown step", func(t *testing.T) {
		var s model.Session
		complete(&s, "spawn_component_design_sessions", model.ResultStatusOK)
		_, err := d.NextStep(s)
		assert.ErrorIs(t, err, ErrInvalidState)
	})

	t.Run("unknown status", func(t *testing.T) {
		var s model.Session
		complete(&s, "initialize", model.ResultStatus("exploded"))
		_, err := d.NextStep(s)
		assert.ErrorIs(t, err, ErrInvalidState)
	})
}

func TestNextStepIsPure(t *testing.T) {
	d := ContextDesign()
	var a, b model.Session
	complete(&a, "initialize", model.ResultStatusOK)
	complete(&a, "generate_context_design", model.ResultStatusError)
	complete(&a, "generate_context_design", model.ResultStatusOK)

	// Different history, same last completed pair.
	complete(&b, "generate_context_design", model.ResultStatusOK)

	for range 3 {
		assert.Equal(t, nextName(t, d, a), nextName(t, d, b))
	}
}

func TestEveryStepIsReachable(t *testing.T) {
	reg := DefaultRegistry()
	for _, typ := range reg.Types() {
		d, err := reg.Lookup(typ)
		require.NoError(t, err)

		reached := map[string]bool{d.steps[0].Name(): true}
		for _, to := range d.transitions {
			reached[to] = true
		}
		for _, s := range d.OrderedSteps() {
			assert.True(t, reached[s.Name()], "%s: step %s unreachable", typ, s.Name())
		}
	}
}

func TestRegistryLookupUnknown(t *testing.T) {
	_, err := DefaultRegistry().Lookup("nope")
	assert.ErrorIs(t, err, ErrUnknownType)
}

func TestDuplicateStepPanics(t *testing.T) {
	assert.Panics(t, func() {
		newDefinition("dup", ComponentDesign().steps[0], ComponentDesign().steps[0])
	})
}
