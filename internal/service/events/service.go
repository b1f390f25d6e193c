// Package events ingests the progress events an agent reports while an
// interaction runs. A batch is validated up front, persisted atomically with
// its side effects on the session, and then broadcast to subscribers.
package events

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/johns10/codemyspec/internal/broker"
	"github.com/johns10/codemyspec/internal/model"
	"github.com/johns10/codemyspec/internal/storage"
	"github.com/johns10/codemyspec/internal/telemetry"
)

// MaxBatchSize bounds the events accepted in one call.
const MaxBatchSize = 1000

// ErrInvalidEvent matches every *InvalidEventError.
var ErrInvalidEvent = errors.New("events: invalid event")

// InvalidEventError identifies the first event that failed validation.
// Index is -1 for problems with the batch as a whole.
type InvalidEventError struct {
	Index  int
	Kind   model.EventKind
	Reason string
}

func (e *InvalidEventError) Error() string {
	if e.Index < 0 {
		return "events: invalid batch: " + e.Reason
	}
	return fmt.Sprintf("events: event %d (%s): %s", e.Index, e.Kind, e.Reason)
}

func (e *InvalidEventError) Is(target error) bool {
	return target == ErrInvalidEvent
}

// Service ingests and lists session events.
type Service struct {
	store     storage.Store
	publisher broker.Publisher
	logger    *slog.Logger
	now       func() time.Time

	tracer   trace.Tracer
	ingested metric.Int64Counter
	conflict metric.Int64Counter
}

// New creates an events Service. publisher may be nil.
func New(store storage.Store, publisher broker.Publisher, logger *slog.Logger) *Service {
	meter := telemetry.Meter("codemyspec/events")
	ingested, _ := meter.Int64Counter("codemyspec.events.ingested",
		metric.WithDescription("Session events persisted, by kind"),
	)
	conflict, _ := meter.Int64Counter("codemyspec.events.conversation_conflicts",
		metric.WithDescription("conversation_started events that did not replace an existing id"),
	)
	return &Service{
		store:     store,
		publisher: publisher,
		logger:    logger,
		now:       time.Now,
		tracer:    telemetry.Tracer("codemyspec/events"),
		ingested:  ingested,
		conflict:  conflict,
	}
}

// Validate checks a batch against the event vocabulary without touching
// storage. It returns the first problem found.
func Validate(inputs []model.EventInput) error {
	if len(inputs) == 0 {
		return &InvalidEventError{Index: -1, Reason: "no events"}
	}
	if len(inputs) > MaxBatchSize {
		return &InvalidEventError{Index: -1, Reason: fmt.Sprintf("%d events exceeds the limit of %d", len(inputs), MaxBatchSize)}
	}
	for i, in := range inputs {
		if err := validateOne(i, in); err != nil {
			return err
		}
	}
	return nil
}

func validateOne(i int, in model.EventInput) error {
	invalid := func(reason string) error {
		return &InvalidEventError{Index: i, Kind: in.Kind, Reason: reason}
	}
	if !in.Kind.Valid() {
		return invalid("unknown kind")
	}
	switch in.Kind {
	case model.EventConversationStarted:
		id, _ := in.Payload[model.PayloadConversationID].(string)
		if id == "" {
			return invalid("payload.conversation_id is required")
		}
	case model.EventStatusChanged:
		st, _ := in.Payload[model.PayloadStatus].(string)
		if !model.SessionStatus(st).Valid() {
			return invalid(fmt.Sprintf("payload.status %q is not a session status", st))
		}
	}
	return nil
}

// effect is a notification owed after commit.
type effect struct {
	typ  model.NotificationType
	data map[string]any
}

// Ingest validates inputs, persists them with their side effects in one
// transaction and broadcasts the resulting notifications. If any event is
// invalid nothing is persisted.
func (s *Service) Ingest(ctx context.Context, scope model.Scope, sessionID uuid.UUID, inputs []model.EventInput) ([]model.SessionEvent, error) {
	ctx, span := s.tracer.Start(ctx, "events.Ingest", trace.WithAttributes(
		attribute.String("codemyspec.session_id", sessionID.String()),
		attribute.Int("codemyspec.event_count", len(inputs)),
	))
	defer span.End()

	if err := Validate(inputs); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	now := s.now().UTC()
	batch := make([]model.SessionEvent, len(inputs))
	for i, in := range inputs {
		occurredAt := now
		if in.OccurredAt != nil {
			occurredAt = in.OccurredAt.UTC()
		}
		payload := in.Payload
		if payload == nil {
			payload = map[string]any{}
		}
		batch[i] = model.SessionEvent{
			ID:            uuid.New(),
			SessionID:     sessionID,
			AccountID:     scope.AccountID,
			ProjectID:     scope.ProjectID,
			InteractionID: in.InteractionID,
			Kind:          in.Kind,
			Payload:       payload,
			OccurredAt:    occurredAt,
			CreatedAt:     now,
		}
	}

	var effects []effect
	session, err := s.store.AppendEvents(ctx, scope, sessionID, batch, func(sess *model.Session) error {
		effects = effects[:0]
		for i, e := range batch {
			if e.InteractionID != nil {
				if _, ok := sess.Interaction(*e.InteractionID); !ok {
					return &InvalidEventError{Index: i, Kind: e.Kind, Reason: "interaction does not belong to session"}
				}
			}
			if fx, ok := s.apply(sess, e); ok {
				effects = append(effects, fx)
			}
		}
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if errors.Is(err, ErrInvalidEvent) {
			return nil, err
		}
		return nil, fmt.Errorf("events: ingest: %w", err)
	}

	for _, e := range batch {
		s.ingested.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", string(e.Kind))))
	}
	s.logger.Debug("events: batch ingested", "session_id", sessionID, "count", len(batch))

	topics := model.Topics(session)
	for _, e := range batch {
		data := map[string]any{"event_id": e.ID, "kind": e.Kind}
		if e.InteractionID != nil {
			data["interaction_id"] = *e.InteractionID
		}
		s.publish(ctx, sessionID, model.NotifySessionActivity, data, topics)
	}
	for _, fx := range effects {
		s.publish(ctx, sessionID, fx.typ, fx.data, topics)
	}
	return batch, nil
}

// apply performs the event's side effect on sess and returns the
// notification it owes, if any.
func (s *Service) apply(sess *model.Session, e model.SessionEvent) (effect, bool) {
	switch e.Kind {
	case model.EventConversationStarted:
		id, _ := e.Payload[model.PayloadConversationID].(string)
		switch {
		case sess.ConversationID == nil:
			sess.ConversationID = &id
			return effect{model.NotifyConversationIDSet, map[string]any{"conversation_id": id}}, true
		case *sess.ConversationID != id:
			s.conflict.Add(context.Background(), 1)
			s.logger.Warn("events: conversation id conflict, keeping first",
				"session_id", sess.ID, "current", *sess.ConversationID, "reported", id)
		}
		return effect{}, false

	case model.EventStatusChanged:
		st := model.SessionStatus(e.Payload[model.PayloadStatus].(string))
		if st == sess.Status {
			return effect{}, false
		}
		if !sess.Status.CanTransitionTo(st) {
			s.logger.Warn("events: status change not applied",
				"session_id", sess.ID, "current", sess.Status, "reported", st)
			return effect{}, false
		}
		sess.Status = st
		return effect{model.NotifySessionStatusChanged, map[string]any{"status": st, "source": "event"}}, true

	default:
		return effect{model.NotifyHookEvent, map[string]any{
			"event_id": e.ID,
			"kind":     e.Kind,
			"payload":  e.Payload,
		}}, true
	}
}

// List returns a session's events in ingestion order.
func (s *Service) List(ctx context.Context, scope model.Scope, sessionID uuid.UUID, limit int) ([]model.SessionEvent, error) {
	if _, err := s.store.GetSession(ctx, scope, sessionID); err != nil {
		return nil, fmt.Errorf("events: list: %w", err)
	}
	events, err := s.store.ListEvents(ctx, scope, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("events: list: %w", err)
	}
	return events, nil
}

func (s *Service) publish(ctx context.Context, sessionID uuid.UUID, typ model.NotificationType, data map[string]any, topics []string) {
	if s.publisher == nil {
		return
	}
	s.publisher.Publish(ctx, model.Notification{
		Type:      typ,
		SessionID: sessionID,
		Data:      data,
		SentAt:    s.now().UTC(),
	}, topics...)
}
