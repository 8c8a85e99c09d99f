package monitor

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"

	"github.com/jnst/ecommerce-outbox/internal/model"
)

const (
	contentTypeJSON = "Content-Type"
	applicationJSON = "application/json"
	statusUp        = "UP"
)

// ContainerLister lists listener container ids.
type ContainerLister interface {
	ContainerIDs() []string
}

// OutboxLister lists outbox records by status.
type OutboxLister interface {
	ListByStatus(ctx context.Context, status model.OutboxStatus, limit int) ([]*model.OutboxRecord, error)
}

// Handler serves the monitoring read API.
type Handler struct {
	store        *Store
	containers   ContainerLister
	outbox       OutboxLister
	defaultLimit int
	logger       *slog.Logger
}

// NewHandler creates a Handler. outbox may be nil, which disables the outbox endpoint.
func NewHandler(store *Store, containers ContainerLister, outbox OutboxLister, defaultLimit int, logger *slog.Logger) *Handler {
	if defaultLimit <= 0 {
		defaultLimit = 100
	}

	return &Handler{
		store:        store,
		containers:   containers,
		outbox:       outbox,
		defaultLimit: defaultLimit,
		logger:       logger.With(slog.String("component", "monitoring-api")),
	}
}

// Routes returns the router to mount under /api/monitor.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/topics", h.Topics)
	r.Get("/messages", h.Messages)
	r.Get("/dlt", h.DeadLetters)
	r.Get("/consumers", h.Consumers)
	r.Get("/health", h.Health)
	r.Get("/outbox", h.Outbox)

	return r
}

// Topics handles GET /topics.
func (h *Handler) Topics(w http.ResponseWriter, _ *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string][]string{
		"topics":    h.store.Topics(),
		"dltTopics": h.store.DLTTopics(),
	})
}

// Messages handles GET /messages?topic=&limit=.
func (h *Handler) Messages(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("topic")
	if name == "" {
		h.writeError(w, http.StatusBadRequest, "topic parameter is required")
		return
	}
	limit, ok := h.limit(w, r)
	if !ok {
		return
	}

	h.writeJSON(w, http.StatusOK, h.store.Recent(name, limit))
}

// DeadLetters handles GET /dlt?topic=&limit=. topic may name the source or the dead-letter topic.
func (h *Handler) DeadLetters(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("topic")
	if name == "" {
		h.writeError(w, http.StatusBadRequest, "topic parameter is required")
		return
	}
	limit, ok := h.limit(w, r)
	if !ok {
		return
	}

	h.writeJSON(w, http.StatusOK, h.store.RecentDLT(name, limit))
}

// Consumers handles GET /consumers.
func (h *Handler) Consumers(w http.ResponseWriter, _ *http.Request) {
	ids := []string{}
	if h.containers != nil {
		ids = h.containers.ContainerIDs()
	}

	h.writeJSON(w, http.StatusOK, map[string][]string{"listenerContainerIds": ids})
}

// Health handles GET /health.
func (h *Handler) Health(w http.ResponseWriter, _ *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]string{"status": statusUp})
}

// Outbox handles GET /outbox?status=&limit=. status defaults to FAILED.
func (h *Handler) Outbox(w http.ResponseWriter, r *http.Request) {
	if h.outbox == nil {
		h.writeError(w, http.StatusNotFound, "outbox listing is not available")
		return
	}

	status := model.OutboxStatus(r.URL.Query().Get("status"))
	if status == "" {
		status = model.OutboxStatusFailed
	}
	if !status.Valid() {
		h.writeError(w, http.StatusBadRequest, "unknown outbox status "+strconv.Quote(string(status)))
		return
	}
	limit, ok := h.limit(w, r)
	if !ok {
		return
	}
	if limit <= 0 {
		h.writeJSON(w, http.StatusOK, []*model.OutboxRecord{})
		return
	}

	records, err := h.outbox.ListByStatus(r.Context(), status, limit)
	if err != nil {
		h.logger.Error("failed to list outbox records", slog.String("error", err.Error()))
		h.writeError(w, http.StatusInternalServerError, "failed to list outbox records")
		return
	}
	if records == nil {
		records = []*model.OutboxRecord{}
	}

	h.writeJSON(w, http.StatusOK, records)
}

func (h *Handler) limit(w http.ResponseWriter, r *http.Request) (int, bool) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return h.defaultLimit, true
	}

	limit, err := strconv.Atoi(raw)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid limit parameter")
		return 0, false
	}

	return limit, true
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set(contentTypeJSON, applicationJSON)
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Warn("failed to encode response", slog.String("error", err.Error()))
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, msg string) {
	h.writeJSON(w, status, map[string]string{"error": msg})
}
