package steps

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/johns10/codemyspec/internal/model"
)

var (
	// ErrNoChildren is returned when a spawning step could not create any child.
	ErrNoChildren = errors.New("steps: no child sessions created")
	// ErrSpawnPending is returned while another caller holds the parent's
	// spawn claim and is still creating its children.
	ErrSpawnPending = errors.New("steps: child sessions are being created")
)

// StateSpawnClaim is the parent state entry naming the caller that creates
// the children of a spawning step.
const StateSpawnClaim = "spawn_claim"

// SpawnClaimTTL is how long a claim blocks other callers. A claim older than
// this belongs to a caller that died mid-spawn and may be taken over.
const SpawnClaimTTL = 2 * time.Minute

// ChildSpec describes one child session to create.
type ChildSpec struct {
	ComponentID *uuid.UUID
	State       map[string]any
}

// ChildPlanner resolves the sub-units of work a parent session fans out into.
type ChildPlanner interface {
	PlanChildren(ctx context.Context, scope model.Scope, parent model.Session) ([]ChildSpec, error)
}

// StatePlanner plans one child per entry of the parent's "components" state.
// An entry is either a component name or an object with "name" and optional
// "component_id" and "document_path".
type StatePlanner struct{}

func (StatePlanner) PlanChildren(_ context.Context, _ model.Scope, parent model.Session) ([]ChildSpec, error) {
	raw, ok := parent.State[StateComponents].([]any)
	if !ok {
		if names, ok := parent.State[StateComponents].([]string); ok {
			for _, n := range names {
				raw = append(raw, n)
			}
		}
	}
	contextName := parent.StateString(StateContextName)

	specs := make([]ChildSpec, 0, len(raw))
	for i, item := range raw {
		state := map[string]any{}
		if contextName != "" {
			state[StateContextName] = contextName
		}
		var spec ChildSpec
		switch v := item.(type) {
		case string:
			state[StateComponentName] = v
		case map[string]any:
			name, _ := v["name"].(string)
			if name == "" {
				return nil, fmt.Errorf("steps: components[%d]: missing name", i)
			}
			state[StateComponentName] = name
			if p, ok := v[StateDocumentPath].(string); ok && p != "" {
				state[StateDocumentPath] = p
			}
			if s, ok := v["component_id"].(string); ok && s != "" {
				id, err := uuid.Parse(s)
				if err != nil {
					return nil, fmt.Errorf("steps: components[%d]: component_id: %w", i, err)
				}
				spec.ComponentID = &id
			}
		default:
			return nil, fmt.Errorf("steps: components[%d]: unsupported entry %T", i, item)
		}
		spec.State = state
		specs = append(specs, spec)
	}
	return specs, nil
}

// spawner is the shared create-then-barrier logic of the spawning steps.
type spawner struct {
	name      string
	childType model.SessionType
	strategy  string
}

func (sp spawner) produce(ctx context.Context, scope model.Scope, parent model.Session, env Env, plan func() ([]ChildSpec, error)) (model.Command, error) {
	if env.Store == nil {
		return model.Command{}, ErrNoStore
	}
	existing, err := env.Store.ListChildSessions(ctx, scope, parent.ID, sp.childType)
	if err != nil {
		return model.Command{}, fmt.Errorf("steps: %s: list children: %w", sp.name, err)
	}

	ids := make([]string, 0, len(existing))
	for _, c := range existing {
		ids = append(ids, c.ID.String())
	}

	if len(existing) == 0 {
		specs, err := plan()
		if err != nil {
			return model.Command{}, fmt.Errorf("steps: %s: plan children: %w", sp.name, err)
		}
		token, err := sp.claim(ctx, scope, parent, env)
		if err != nil {
			return model.Command{}, err
		}
		ids = sp.spawn(ctx, scope, parent, env, specs)
		if len(ids) == 0 {
			sp.unclaim(ctx, scope, parent, env, token)
			return model.Command{}, fmt.Errorf("%w: %s planned %d", ErrNoChildren, sp.name, len(specs))
		}
	} else {
		env.logger().Debug("steps: reusing child sessions",
			"session_id", parent.ID, "step", sp.name, "children", len(existing))
	}

	return env.command(sp.name, "", nil, map[string]any{
		model.MetaChildSessionIDs:   ids,
		model.MetaSessionType:       string(sp.childType),
		model.MetaExecutionStrategy: sp.strategy,
	}), nil
}

// claim records in the parent, under its row lock, that this caller creates
// the children. It fails with ErrSpawnPending while a live claim for the same
// step is held by someone else.
func (sp spawner) claim(ctx context.Context, scope model.Scope, parent model.Session, env Env) (string, error) {
	token := uuid.NewString()
	now := env.now()
	_, err := env.Store.UpdateSession(ctx, scope, parent.ID, func(fresh *model.Session) error {
		if held, ok := liveClaim(*fresh, sp.name, now); ok {
			return fmt.Errorf("%w: %s claimed at %s", ErrSpawnPending, sp.name, held)
		}
		fresh.State = model.MergeState(fresh.State, map[string]any{
			StateSpawnClaim: map[string]any{
				"step":       sp.name,
				"token":      token,
				"claimed_at": now.Format(time.RFC3339Nano),
			},
		})
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrSpawnPending) {
			return "", err
		}
		return "", fmt.Errorf("steps: %s: claim spawn: %w", sp.name, err)
	}
	return token, nil
}

// unclaim drops the claim so the next caller can spawn at once.
func (sp spawner) unclaim(ctx context.Context, scope model.Scope, parent model.Session, env Env, token string) {
	_, err := env.Store.UpdateSession(ctx, scope, parent.ID, func(fresh *model.Session) error {
		if c, ok := fresh.State[StateSpawnClaim].(map[string]any); ok && c["token"] == token {
			delete(fresh.State, StateSpawnClaim)
		}
		return nil
	})
	if err != nil {
		env.logger().Warn("steps: release spawn claim", "session_id", parent.ID, "step", sp.name, "error", err)
	}
}

// liveClaim returns the claim time of an unexpired claim for step.
func liveClaim(s model.Session, step string, now time.Time) (string, bool) {
	c, ok := s.State[StateSpawnClaim].(map[string]any)
	if !ok || c["step"] != step {
		return "", false
	}
	at, _ := c["claimed_at"].(string)
	t, err := time.Parse(time.RFC3339Nano, at)
	if err != nil || now.Sub(t) >= SpawnClaimTTL {
		return "", false
	}
	return at, true
}

// spawn creates the children concurrently. Failures are logged and skipped;
// the returned ids keep the order of specs.
func (sp spawner) spawn(ctx context.Context, scope model.Scope, parent model.Session, env Env, specs []ChildSpec) []string {
	limit := env.SpawnConcurrency
	if limit <= 0 {
		limit = 4
	}
	created := make([]string, len(specs))

	var g errgroup.Group
	g.SetLimit(limit)
	for i, spec := range specs {
		g.Go(func() error {
			child, err := env.Store.CreateSession(ctx, model.CreateSessionRequest{
				Type:          sp.childType,
				ExecutionMode: parent.ExecutionMode,
				ComponentID:   spec.ComponentID,
				ParentID:      &parent.ID,
				State:         spec.State,
				Scope:         scope,
			})
			if err != nil {
				env.logger().Warn("steps: create child session failed",
					"session_id", parent.ID, "step", sp.name, "index", i, "error", err)
				return nil
			}
			created[i] = child.ID.String()
			return nil
		})
	}
	_ = g.Wait()

	ids := make([]string, 0, len(created))
	for _, id := range created {
		if id != "" {
			ids = append(ids, id)
		}
	}
	if len(ids) < len(specs) {
		env.logger().Warn("steps: partial child creation",
			"session_id", parent.ID, "step", sp.name, "created", len(ids), "planned", len(specs))
	}
	return ids
}

// barrier re-reads the children from storage and reports ok only when every
// one of them has completed. Any failed or cancelled child is reported before
// still-running ones.
func (sp spawner) barrier(ctx context.Context, scope model.Scope, parent model.Session, result model.Result, env Env) (map[string]any, model.Result, error) {
	if env.Store == nil {
		return nil, result, ErrNoStore
	}
	children, err := env.Store.ListChildSessions(ctx, scope, parent.ID, sp.childType)
	if err != nil {
		return nil, result, fmt.Errorf("steps: %s: list children: %w", sp.name, err)
	}

	var active, failed, cancelled []string
	complete := 0
	for _, c := range children {
		switch c.Status {
		case model.SessionStatusComplete:
			complete++
		case model.SessionStatusFailed:
			failed = append(failed, childLabel(c))
		case model.SessionStatusCancelled:
			cancelled = append(cancelled, childLabel(c))
		default:
			active = append(active, childLabel(c))
		}
	}

	summary := map[string]any{
		"total":     len(children),
		"complete":  complete,
		"active":    len(active),
		"failed":    len(failed),
		"cancelled": len(cancelled),
	}
	result.Data = model.MergeState(result.Data, map[string]any{
		"children":              summary,
		model.ResultDataWaiting: false,
	})

	switch {
	case len(children) == 0:
		result.Status = model.ResultStatusError
		result.ErrorMessage = "no child sessions found"
	case len(failed) > 0 || len(cancelled) > 0:
		var parts []string
		if len(failed) > 0 {
			parts = append(parts, "failed: "+strings.Join(failed, ", "))
		}
		if len(cancelled) > 0 {
			parts = append(parts, "cancelled: "+strings.Join(cancelled, ", "))
		}
		result.Status = model.ResultStatusError
		result.ErrorMessage = "child sessions did not complete; " + strings.Join(parts, "; ")
	case len(active) > 0:
		result.Status = model.ResultStatusError
		result.ErrorMessage = "child sessions still running: " + strings.Join(active, ", ")
		result.Data[model.ResultDataWaiting] = true
	default:
		result.Status = model.ResultStatusOK
		result.ErrorMessage = ""
	}

	patch := map[string]any{"children_" + string(sp.childType): summary}
	if result.Status == model.ResultStatusError {
		patch[StateLastError] = result.ErrorMessage
	} else {
		patch[StateLastError] = ""
	}
	return patch, result, nil
}

func childLabel(c model.Session) string {
	if n := c.StateString(StateComponentName); n != "" {
		return fmt.Sprintf("%s (%s)", c.ID, n)
	}
	return c.ID.String()
}

// SpawnChildSessions creates one child per planned sub-unit and then waits
// for all of them.
type SpawnChildSessions struct {
	StepName  string
	ChildType model.SessionType
	// Strategy is the execution_strategy hint for the dispatch layer.
	Strategy string
}

func (s SpawnChildSessions) Name() string { return s.StepName }
func (SpawnChildSessions) Kind() Kind     { return KindSpawnChildSessions }

func (s SpawnChildSessions) spawner() spawner {
	strategy := s.Strategy
	if strategy == "" {
		strategy = "parallel"
	}
	return spawner{name: s.StepName, childType: s.ChildType, strategy: strategy}
}

func (s SpawnChildSessions) ProduceCommand(ctx context.Context, scope model.Scope, session model.Session, env Env) (model.Command, error) {
	planner := env.Planner
	if planner == nil {
		planner = StatePlanner{}
	}
	return s.spawner().produce(ctx, scope, session, env, func() ([]ChildSpec, error) {
		return planner.PlanChildren(ctx, scope, session)
	})
}

func (s SpawnChildSessions) HandleResult(ctx context.Context, scope model.Scope, session model.Session, result model.Result, env Env) (map[string]any, model.Result, error) {
	return s.spawner().barrier(ctx, scope, session, result, env)
}

// SpawnReviewSession creates a single review child for the parent's
// artifacts and waits for it.
type SpawnReviewSession struct {
	StepName string
}

func (s SpawnReviewSession) Name() string { return s.StepName }
func (SpawnReviewSession) Kind() Kind     { return KindSpawnReviewSession }

func (s SpawnReviewSession) spawner() spawner {
	return spawner{name: s.StepName, childType: model.SessionTypeDesignReview, strategy: "sequential"}
}

func (s SpawnReviewSession) ProduceCommand(ctx context.Context, scope model.Scope, session model.Session, env Env) (model.Command, error) {
	return s.spawner().produce(ctx, scope, session, env, func() ([]ChildSpec, error) {
		state := map[string]any{
			"reviewed_session_id": session.ID.String(),
			"reviewed_document":   DocumentPath(session, ContextDesign),
		}
		if n := session.StateString(StateContextName); n != "" {
			state[StateContextName] = n
		}
		if c, ok := session.State[StateComponents]; ok {
			state[StateComponents] = c
		}
		return []ChildSpec{{ComponentID: session.ComponentID, State: state}}, nil
	})
}

func (s SpawnReviewSession) HandleResult(ctx context.Context, scope model.Scope, session model.Session, result model.Result, env Env) (map[string]any, model.Result, error) {
	return s.spawner().barrier(ctx, scope, session, result, env)
}
