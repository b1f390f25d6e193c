package workflow

import (
	"github.com/johns10/codemyspec/internal/model"
	"github.com/johns10/codemyspec/internal/steps"
)

// Failed initialize, generate, revise and finalize steps are retried in
// place; the session retry policy bounds how often.

// ComponentDesign writes one component's design document and loops
// validate -> revise -> validate until the document is well formed.
func ComponentDesign() *Definition {
	a := steps.ComponentDesign
	return newDefinition(model.SessionTypeComponentDesign,
		steps.Initialize{Artifact: a},
		steps.Generate{StepName: "generate_component_design", Artifact: a},
		steps.Validate{StepName: "validate_component_design", Artifact: a},
		steps.Revise{StepName: "revise_component_design", Artifact: a},
		steps.Finalize{},
	).
		advance("initialize", "generate_component_design").
		retry("initialize").
		advance("generate_component_design", "validate_component_design").
		retry("generate_component_design").
		advance("validate_component_design", "finalize").
		on("validate_component_design", model.ResultStatusError, "revise_component_design").
		advance("revise_component_design", "validate_component_design").
		retry("revise_component_design").
		retry("finalize")
}

// ComponentCoding implements a component and loops run_checks ->
// fix_check_failures -> run_checks until the checks pass.
func ComponentCoding() *Definition {
	fix := steps.FixCheckFailures()
	return newDefinition(model.SessionTypeComponentCoding,
		steps.Initialize{Artifact: steps.ComponentCode},
		steps.Generate{StepName: "generate_component_code", Artifact: steps.ComponentCode},
		steps.RunChecks{},
		fix,
		steps.Finalize{},
	).
		advance("initialize", "generate_component_code").
		retry("initialize").
		advance("generate_component_code", "run_checks").
		retry("generate_component_code").
		advance("run_checks", "finalize").
		on("run_checks", model.ResultStatusError, fix.Name()).
		advance(fix.Name(), "run_checks").
		retry(fix.Name()).
		retry("finalize")
}

// ContextDesign designs a bounded context, fans out one component_design
// child per component, then one design_review child, waiting on each batch.
func ContextDesign() *Definition {
	a := steps.ContextDesign
	return newDefinition(model.SessionTypeContextDesign,
		steps.Initialize{Artifact: a},
		steps.Generate{StepName: "generate_context_design", Artifact: a},
		steps.Validate{StepName: "validate_context_design", Artifact: a},
		steps.Revise{StepName: "revise_context_design", Artifact: a},
		steps.SpawnChildSessions{
			StepName:  "spawn_component_design_sessions",
			ChildType: model.SessionTypeComponentDesign,
		},
		steps.SpawnReviewSession{StepName: "spawn_review_session"},
		steps.Finalize{},
	).
		advance("initialize", "generate_context_design").
		retry("initialize").
		advance("generate_context_design", "validate_context_design").
		retry("generate_context_design").
		advance("validate_context_design", "spawn_component_design_sessions").
		on("validate_context_design", model.ResultStatusError, "revise_context_design").
		advance("revise_context_design", "validate_context_design").
		retry("revise_context_design").
		advance("spawn_component_design_sessions", "spawn_review_session").
		retry("spawn_component_design_sessions").
		advance("spawn_review_session", "finalize").
		retry("spawn_review_session").
		retry("finalize")
}

// DesignReview writes a review and re-validates it in place on failure.
func DesignReview() *Definition {
	a := steps.DesignReview
	return newDefinition(model.SessionTypeDesignReview,
		steps.Initialize{Artifact: a},
		steps.Generate{StepName: "generate_design_review", Artifact: a},
		steps.Validate{StepName: "validate_design_review", Artifact: a},
		steps.Finalize{},
	).
		advance("initialize", "generate_design_review").
		retry("initialize").
		advance("generate_design_review", "validate_design_review").
		retry("generate_design_review").
		advance("validate_design_review", "finalize").
		retry("validate_design_review").
		retry("finalize")
}

// DefaultRegistry holds every built-in session type.
func DefaultRegistry() *Registry {
	return NewRegistry(ComponentDesign(), ComponentCoding(), ContextDesign(), DesignReview())
}
