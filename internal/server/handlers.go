package server

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/johns10/codemyspec/internal/broker"
	"github.com/johns10/codemyspec/internal/ctxutil"
	"github.com/johns10/codemyspec/internal/model"
	"github.com/johns10/codemyspec/internal/service/events"
	"github.com/johns10/codemyspec/internal/service/execution"
	"github.com/johns10/codemyspec/internal/service/sessions"
	"github.com/johns10/codemyspec/internal/storage"
)

// Handlers holds HTTP handler dependencies.
type Handlers struct {
	store     storage.Store
	sessions  *sessions.Service
	events    *events.Service
	guard     *execution.Guard
	broker    *broker.Broker
	logger    *slog.Logger
	startedAt time.Time
	version   string
}

// HandlersDeps holds all dependencies for constructing Handlers.
// Optional (nil-safe): Broker.
type HandlersDeps struct {
	Store    storage.Store
	Sessions *sessions.Service
	Events   *events.Service
	Guard    *execution.Guard
	Broker   *broker.Broker
	Logger   *slog.Logger
	Version  string
}

// NewHandlers creates a new Handlers with all dependencies.
func NewHandlers(d HandlersDeps) *Handlers {
	return &Handlers{
		store:     d.Store,
		sessions:  d.Sessions,
		events:    d.Events,
		guard:     d.Guard,
		broker:    d.Broker,
		logger:    d.Logger,
		startedAt: time.Now(),
		version:   d.Version,
	}
}

// HandleCreateSession handles POST /v1/sessions.
func (h *Handlers) HandleCreateSession(w http.ResponseWriter, r *http.Request) {
	scope, _ := scopeFromRequest(r)

	var req model.CreateSessionRequest
	if err := decodeJSON(r, &req); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	req.Scope = scope

	session, err := h.sessions.Create(r.Context(), req)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusCreated, session)
}

// HandleGetSession handles GET /v1/sessions/{session_id}.
func (h *Handlers) HandleGetSession(w http.ResponseWriter, r *http.Request) {
	scope, _ := scopeFromRequest(r)
	id, err := pathUUID(r, "session_id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	session, err := h.sessions.Get(r.Context(), scope, id)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, session)
}

// HandleListChildren handles GET /v1/sessions/{session_id}/children.
// The optional type query parameter filters by session type.
func (h *Handlers) HandleListChildren(w http.ResponseWriter, r *http.Request) {
	scope, _ := scopeFromRequest(r)
	id, err := pathUUID(r, "session_id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	children, err := h.sessions.ListChildren(r.Context(), scope, id, model.SessionType(r.URL.Query().Get("type")))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, children)
}

// HandleNextCommand handles POST /v1/sessions/{session_id}/next.
// Returns the open interaction, creating it if needed.
func (h *Handlers) HandleNextCommand(w http.ResponseWriter, r *http.Request) {
	scope, _ := scopeFromRequest(r)
	id, err := pathUUID(r, "session_id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	interaction, err := h.sessions.NextCommand(r.Context(), scope, id)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, interaction)
}

// HandleSubmitResult handles
// POST /v1/sessions/{session_id}/interactions/{interaction_id}/result.
func (h *Handlers) HandleSubmitResult(w http.ResponseWriter, r *http.Request) {
	scope, _ := scopeFromRequest(r)
	sessionID, err := pathUUID(r, "session_id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	interactionID, err := pathUUID(r, "interaction_id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	var req model.SubmitResultRequest
	if err := decodeJSON(r, &req); err != nil {
		handleDecodeError(w, r, err)
		return
	}

	session, err := h.guard.HandleResult(r.Context(), scope, sessionID, interactionID, req.ToResult())
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, session)
}

// HandleRun handles POST /v1/sessions/{session_id}/run. The command executes
// in the background; the response carries the interaction to watch.
func (h *Handlers) HandleRun(w http.ResponseWriter, r *http.Request) {
	scope, _ := scopeFromRequest(r)
	id, err := pathUUID(r, "session_id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	ex, err := h.guard.Run(r.Context(), scope, id)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusAccepted, model.RunResponse{
		SessionID:     ex.SessionID,
		InteractionID: ex.InteractionID,
		Command:       ex.Command,
	})
}

// HandleDeliver handles POST /v1/interactions/{interaction_id}/deliver.
// Deliveries for unknown or finished executions are accepted and ignored.
func (h *Handlers) HandleDeliver(w http.ResponseWriter, r *http.Request) {
	scope, _ := scopeFromRequest(r)
	id, err := pathUUID(r, "interaction_id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	var req model.SubmitResultRequest
	if err := decodeJSON(r, &req); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if !req.Status.Valid() {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput,
			fmt.Sprintf("invalid result status %q", req.Status))
		return
	}

	accepted := h.guard.DeliverResult(scope, id, req.ToResult())
	writeJSON(w, r, http.StatusAccepted, map[string]bool{"accepted": accepted})
}

// HandleCancel handles POST /v1/sessions/{session_id}/cancel.
func (h *Handlers) HandleCancel(w http.ResponseWriter, r *http.Request) {
	scope, _ := scopeFromRequest(r)
	id, err := pathUUID(r, "session_id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	session, err := h.sessions.Cancel(r.Context(), scope, id)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	h.guard.Abort(id)
	writeJSON(w, r, http.StatusOK, session)
}

// HandleAppendEvents handles POST /v1/sessions/{session_id}/events.
// The batch is validated and persisted atomically.
func (h *Handlers) HandleAppendEvents(w http.ResponseWriter, r *http.Request) {
	scope, _ := scopeFromRequest(r)
	id, err := pathUUID(r, "session_id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	var req model.AppendEventsRequest
	if err := decodeJSON(r, &req); err != nil {
		handleDecodeError(w, r, err)
		return
	}

	recorded, err := h.events.Ingest(r.Context(), scope, id, req.Events)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	// A status_changed event may have finished the session.
	h.guard.Reconcile(r.Context(), id)
	writeJSON(w, r, http.StatusCreated, recorded)
}

// HandleListEvents handles GET /v1/sessions/{session_id}/events.
func (h *Handlers) HandleListEvents(w http.ResponseWriter, r *http.Request) {
	scope, _ := scopeFromRequest(r)
	id, err := pathUUID(r, "session_id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	list, err := h.events.List(r.Context(), scope, id, queryLimit(r, 100))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, list)
}

// HandleSubscribe handles GET /v1/subscribe (SSE).
// topic is "account" (default), "user" or "session:<id>".
func (h *Handlers) HandleSubscribe(w http.ResponseWriter, r *http.Request) {
	if h.broker == nil {
		writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeInternalError, "subscriptions not available")
		return
	}
	scope, _ := scopeFromRequest(r)

	topic, err := h.resolveTopic(r, scope)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	// Disable the server's WriteTimeout for this long-lived connection.
	rc := http.NewResponseController(w)
	_ = rc.SetWriteDeadline(time.Time{})

	ch := h.broker.Subscribe(topic)
	defer h.broker.Unsubscribe(ch)

	keepalive := time.NewTicker(15 * time.Second)
	defer keepalive.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-keepalive.C:
			if _, err := w.Write([]byte(":keepalive\n\n")); err != nil {
				return
			}
			flusher.Flush()
		case event, ok := <-ch:
			if !ok {
				return
			}
			if _, err := w.Write(event); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func (h *Handlers) resolveTopic(r *http.Request, scope model.Scope) (string, error) {
	raw := r.URL.Query().Get("topic")
	switch {
	case raw == "" || raw == "account":
		return model.AccountTopic(scope.AccountID), nil
	case raw == "user":
		return model.UserTopic(scope.UserID), nil
	case strings.HasPrefix(raw, "session:"):
		id, err := uuid.Parse(strings.TrimPrefix(raw, "session:"))
		if err != nil {
			return "", fmt.Errorf("%w: invalid session topic %q", sessions.ErrInvalidInput, raw)
		}
		// Watching a session requires it to be visible in the caller's scope.
		if _, err := h.sessions.Get(r.Context(), scope, id); err != nil {
			return "", err
		}
		return model.SessionTopic(id), nil
	default:
		return "", fmt.Errorf("%w: unknown topic %q", sessions.ErrInvalidInput, raw)
	}
}

// HandleHealth handles GET /health.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	storeStatus := "connected"
	status := "healthy"
	httpStatus := http.StatusOK

	if err := h.store.Ping(r.Context()); err != nil {
		storeStatus = "disconnected"
		status = "unhealthy"
		httpStatus = http.StatusServiceUnavailable
	}

	resp := model.HealthResponse{
		Status:     status,
		Version:    h.version,
		Store:      storeStatus,
		InFlight:   h.guard.InFlight(),
		UptimeSecs: int64(time.Since(h.startedAt).Seconds()),
	}
	if h.broker != nil {
		resp.Broker = h.broker.Mode()
	}

	writeJSON(w, r, httpStatus, resp)
}

// writeServiceError maps service and storage errors onto the API envelope.
func (h *Handlers) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var notDue *sessions.RetryNotDueError
	switch {
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "session not found")
	case errors.Is(err, sessions.ErrInvalidInput), errors.Is(err, events.ErrInvalidEvent):
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
	case errors.As(err, &notDue):
		wait := time.Until(notDue.NotBefore)
		w.Header().Set("Retry-After", strconv.Itoa(int(math.Max(1, math.Ceil(wait.Seconds())))))
		writeError(w, r, http.StatusTooManyRequests, model.ErrCodeRetryNotDue, err.Error())
	case errors.Is(err, sessions.ErrSessionTerminal), errors.Is(err, sessions.ErrRetriesExhausted):
		writeError(w, r, http.StatusConflict, model.ErrCodeSessionTerminal, err.Error())
	case errors.Is(err, sessions.ErrSessionComplete):
		writeError(w, r, http.StatusConflict, model.ErrCodeSessionComplete, err.Error())
	case errors.Is(err, sessions.ErrInvalidState):
		writeError(w, r, http.StatusConflict, model.ErrCodeInvalidState, err.Error())
	case errors.Is(err, execution.ErrExecutionInProgress), errors.Is(err, sessions.ErrSpawnPending):
		writeError(w, r, http.StatusConflict, model.ErrCodeExecutionInProgress, err.Error())
	case errors.Is(err, sessions.ErrInteractionNotOpen), errors.Is(err, storage.ErrConflict):
		writeError(w, r, http.StatusConflict, model.ErrCodeConflict, err.Error())
	case errors.Is(err, execution.ErrClosed):
		writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeInternalError, "server is shutting down")
	default:
		h.logger.Error("http: request failed",
			"error", err,
			"path", r.URL.Path,
			"request_id", ctxutil.RequestIDFromContext(r.Context()),
		)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "internal error")
	}
}

// handleDecodeError reports a malformed or oversized request body.
func handleDecodeError(w http.ResponseWriter, r *http.Request, err error) {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		writeError(w, r, http.StatusRequestEntityTooLarge, model.ErrCodeInvalidInput,
			fmt.Sprintf("request body exceeds %d bytes", tooLarge.Limit))
		return
	}
	writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid request body: "+err.Error())
}

// --- Shared helpers ---

func pathUUID(r *http.Request, key string) (uuid.UUID, error) {
	raw := r.PathValue(key)
	if raw == "" {
		return uuid.Nil, fmt.Errorf("%s is required", key)
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid %s: %s", key, raw)
	}
	return id, nil
}

// maxQueryLimit is the maximum allowed value for limit query parameters.
const maxQueryLimit = 1000

func queryInt(r *http.Request, key string, defaultVal int) int {
	if v := r.URL.Query().Get(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultVal
}

// queryLimit returns a bounded limit value from query params.
// Values are clamped to [1, maxQueryLimit].
func queryLimit(r *http.Request, defaultVal int) int {
	limit := queryInt(r, "limit", defaultVal)
	if limit < 1 {
		return 1
	}
	if limit > maxQueryLimit {
		return maxQueryLimit
	}
	return limit
}
