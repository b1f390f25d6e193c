package steps

import (
	"context"
	"fmt"
	"path"
	"strings"
	"unicode"

	"github.com/johns10/codemyspec/internal/model"
)

// Artifact describes a document a workflow asks the agent to write.
type Artifact struct {
	Name  string
	Title string
	Dir   string
	// Sections are the "## " headings a valid document must contain.
	Sections []string
}

var (
	ComponentDesign = Artifact{
		Name:     "component_design",
		Title:    "component design",
		Dir:      "docs/design/components",
		Sections: []string{"Purpose", "Public API", "Execution Flow", "Dependencies"},
	}
	ContextDesign = Artifact{
		Name:     "context_design",
		Title:    "context design",
		Dir:      "docs/design/contexts",
		Sections: []string{"Purpose", "Entities", "Components", "Dependencies"},
	}
	DesignReview = Artifact{
		Name:     "design_review",
		Title:    "design review",
		Dir:      "docs/design/reviews",
		Sections: []string{"Summary", "Findings", "Recommendations"},
	}
	ComponentCode = Artifact{
		Name:  "component_code",
		Title: "component implementation",
		Dir:   "docs/design/components",
	}
)

// DocumentPath returns where the artifact for session lives. An explicit
// document_path in state wins; otherwise it is derived from the subject name.
func DocumentPath(session model.Session, a Artifact) string {
	if p := session.StateString(StateDocumentPath); p != "" {
		return p
	}
	name := session.StateString(StateComponentName)
	if name == "" {
		name = session.StateString(StateContextName)
	}
	if name == "" {
		name = session.ID.String()
	}
	return path.Join(a.Dir, slug(name)+".md")
}

// slug turns "UserProfile" or "user profile" into "user_profile".
func slug(s string) string {
	var b strings.Builder
	var prev rune
	for _, r := range s {
		switch {
		case unicode.IsUpper(r):
			if unicode.IsLower(prev) || unicode.IsDigit(prev) {
				b.WriteByte('_')
			}
			b.WriteRune(unicode.ToLower(r))
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
		default:
			if b.Len() > 0 && prev != '_' {
				b.WriteByte('_')
			}
			r = '_'
		}
		prev = r
	}
	return strings.Trim(b.String(), "_")
}

// subject names what a session is about, for prompts.
func subject(session model.Session) string {
	if n := session.StateString(StateComponentName); n != "" {
		return n
	}
	if n := session.StateString(StateContextName); n != "" {
		return n
	}
	return session.ID.String()
}

// MissingSections returns the required headings absent from doc, in order.
func MissingSections(doc string, required []string) []string {
	present := make(map[string]bool)
	for _, line := range strings.Split(doc, "\n") {
		line = strings.TrimSpace(line)
		if h, ok := strings.CutPrefix(line, "## "); ok {
			present[strings.ToLower(strings.TrimSpace(h))] = true
		}
	}
	var missing []string
	for _, s := range required {
		if !present[strings.ToLower(s)] {
			missing = append(missing, s)
		}
	}
	return missing
}

// Initialize prepares the workspace directory for the artifact.
type Initialize struct {
	Artifact Artifact
}

func (Initialize) Name() string { return "initialize" }
func (Initialize) Kind() Kind   { return KindInitialize }

func (s Initialize) ProduceCommand(_ context.Context, _ model.Scope, session model.Session, env Env) (model.Command, error) {
	dir := path.Dir(DocumentPath(session, s.Artifact))
	return env.command(s.Name(), "mkdir -p "+quote(dir), nil, map[string]any{
		"artifact": s.Artifact.Name,
	}), nil
}

func (s Initialize) HandleResult(_ context.Context, _ model.Scope, session model.Session, result model.Result, env Env) (map[string]any, model.Result, error) {
	if result.Status == model.ResultStatusError {
		return nil, passThrough(result), nil
	}
	return map[string]any{
		StateDocumentPath: DocumentPath(session, s.Artifact),
		"initialized_at":  env.now(),
	}, result, nil
}

// Generate asks the agent to write the artifact.
type Generate struct {
	StepName string
	Artifact Artifact
}

func (s Generate) Name() string { return s.StepName }
func (Generate) Kind() Kind     { return KindGenerate }

func (s Generate) ProduceCommand(_ context.Context, _ model.Scope, session model.Session, env Env) (model.Command, error) {
	docPath := DocumentPath(session, s.Artifact)
	prompt := generatePrompt(session, s.Artifact, docPath)
	return env.command(s.Name(), env.toolchain().AgentCommand, &prompt, map[string]any{
		"artifact":        s.Artifact.Name,
		StateDocumentPath: docPath,
	}), nil
}

func (s Generate) HandleResult(_ context.Context, _ model.Scope, _ model.Session, result model.Result, env Env) (map[string]any, model.Result, error) {
	if result.Status == model.ResultStatusError {
		return map[string]any{StateLastError: errorMessage(result)}, passThrough(result), nil
	}
	patch := map[string]any{"generated_at": env.now()}
	if p, ok := result.Data[StateDocumentPath].(string); ok && p != "" {
		patch[StateDocumentPath] = p
	}
	return patch, result, nil
}

func generatePrompt(session model.Session, a Artifact, docPath string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Write the %s for %s.\n", a.Title, subject(session))
	fmt.Fprintf(&b, "Save it to %s.\n", docPath)
	if len(a.Sections) > 0 {
		b.WriteString("The document must contain these sections:\n")
		for _, sec := range a.Sections {
			fmt.Fprintf(&b, "## %s\n", sec)
		}
	}
	return b.String()
}

// Validate reads the artifact back and checks its structure.
type Validate struct {
	StepName string
	Artifact Artifact
}

func (s Validate) Name() string { return s.StepName }
func (Validate) Kind() Kind     { return KindValidate }

func (s Validate) ProduceCommand(_ context.Context, _ model.Scope, session model.Session, env Env) (model.Command, error) {
	docPath := DocumentPath(session, s.Artifact)
	return env.command(s.Name(), "cat "+quote(docPath), nil, map[string]any{
		"artifact":        s.Artifact.Name,
		StateDocumentPath: docPath,
	}), nil
}

// HandleResult re-classifies the result by the document's structure. The
// document is read from stdout, or from data.content for structured results.
func (s Validate) HandleResult(_ context.Context, _ model.Scope, _ model.Session, result model.Result, env Env) (map[string]any, model.Result, error) {
	if result.Status == model.ResultStatusError {
		result = passThrough(result)
		return map[string]any{StateLastError: result.ErrorMessage}, result, nil
	}

	doc := result.Stdout
	if c, ok := result.Data["content"].(string); ok {
		doc = c
	}

	var problem string
	missing := MissingSections(doc, s.Artifact.Sections)
	switch {
	case strings.TrimSpace(doc) == "":
		problem = "document is empty"
	case len(missing) > 0:
		headings := make([]string, len(missing))
		for i, m := range missing {
			headings[i] = "## " + m
		}
		problem = "document is missing required sections: " + strings.Join(headings, ", ")
	}

	if problem != "" {
		result.Status = model.ResultStatusError
		result.ErrorMessage = problem
		return map[string]any{
			StateLastError:     problem,
			"missing_sections": missing,
		}, result, nil
	}
	return map[string]any{
		StateLastError: "",
		"validated_at": env.now(),
	}, result, nil
}

// Revise asks the agent to fix the artifact using the most recent failure.
type Revise struct {
	StepName string
	Artifact Artifact
	// Instructions introduces the failure in the prompt.
	Instructions string
}

func (s Revise) Name() string { return s.StepName }
func (Revise) Kind() Kind     { return KindRevise }

func (s Revise) ProduceCommand(_ context.Context, _ model.Scope, session model.Session, env Env) (model.Command, error) {
	failed, ok := session.LastErrorInteraction()
	if !ok {
		return model.Command{}, fmt.Errorf("steps: %s: no failed interaction to revise", s.Name())
	}
	docPath := DocumentPath(session, s.Artifact)
	prompt := revisePrompt(session, s, docPath, errorMessage(*failed.Result))
	return env.command(s.Name(), env.toolchain().AgentCommand, &prompt, map[string]any{
		"artifact":            s.Artifact.Name,
		StateDocumentPath:     docPath,
		"revises_interaction": failed.ID.String(),
		"revises_step":        failed.Command.Step,
	}), nil
}

func (s Revise) HandleResult(_ context.Context, _ model.Scope, session model.Session, result model.Result, env Env) (map[string]any, model.Result, error) {
	if result.Status == model.ResultStatusError {
		return map[string]any{StateLastError: errorMessage(result)}, passThrough(result), nil
	}
	patch := map[string]any{
		StateRevisionCount: intState(session, StateRevisionCount) + 1,
		"revised_at":       env.now(),
	}
	if failed, ok := session.LastErrorInteraction(); ok {
		patch["last_revision"] = map[string]any{
			"interaction_id": failed.ID.String(),
			"step":           failed.Command.Step,
			"addressed":      errorMessage(*failed.Result),
		}
	}
	return patch, result, nil
}

func revisePrompt(session model.Session, s Revise, docPath, failure string) string {
	var b strings.Builder
	intro := s.Instructions
	if intro == "" {
		intro = fmt.Sprintf("The %s for %s at %s failed validation.", s.Artifact.Title, subject(session), docPath)
	}
	b.WriteString(intro)
	b.WriteString("\n\nFailure:\n")
	b.WriteString(failure)
	b.WriteString("\n\nFix the problem in place")
	if len(s.Artifact.Sections) > 0 {
		b.WriteString(" and keep these sections:")
		for _, sec := range s.Artifact.Sections {
			fmt.Fprintf(&b, "\n## %s", sec)
		}
	}
	b.WriteString("\n")
	return b.String()
}

// intState reads a counter from state; JSON round trips turn ints into float64.
func intState(session model.Session, key string) int {
	switch v := session.State[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return 0
	}
}
