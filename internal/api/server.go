// Package api provides the order HTTP API.
package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/goccy/go-json"

	"github.com/jnst/ecommerce-outbox/internal/model"
	"github.com/jnst/ecommerce-outbox/internal/service"
	"github.com/jnst/ecommerce-outbox/internal/topic"
)

const (
	contentTypeJSON        = "Content-Type"
	applicationJSON        = "application/json"
	failedToEncodeResponse = "failed to encode response"
)

// Server handles HTTP requests for orders and free-form events.
type Server struct {
	orderService service.OrderService
	eventService service.EventService
	logger       *slog.Logger
}

// NewServer creates a new API server instance.
func NewServer(orderService service.OrderService, eventService service.EventService, logger *slog.Logger) *Server {
	return &Server{
		orderService: orderService,
		eventService: eventService,
		logger:       logger.With(slog.String("component", "api")),
	}
}

// Routes builds the router.
func (s *Server) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.HealthCheck)
	r.Route("/api", func(r chi.Router) {
		r.Post("/orders", s.CreateOrder)
		r.Get("/orders/{id}", s.GetOrder)
		r.Post("/orders/{id}/cancel", s.CancelOrder)
		r.Post("/events/{domain}", s.PublishEvent)
	})

	return r
}

// CreateOrder handles POST /api/orders.
func (s *Server) CreateOrder(w http.ResponseWriter, r *http.Request) {
	var params model.CreateOrderParams
	if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}

	order, err := s.orderService.CreateOrder(r.Context(), &params)
	if err != nil {
		s.fail(w, r, err)
		return
	}

	s.writeJSON(w, http.StatusCreated, order)
}

// GetOrder handles GET /api/orders/{id}.
func (s *Server) GetOrder(w http.ResponseWriter, r *http.Request) {
	order, err := s.orderService.GetOrder(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}

	s.writeJSON(w, http.StatusOK, order)
}

type cancelOrderRequest struct {
	Reason string `json:"reason"`
}

// CancelOrder handles POST /api/orders/{id}/cancel. The body is optional.
func (s *Server) CancelOrder(w http.ResponseWriter, r *http.Request) {
	var req cancelOrderRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid JSON")
			return
		}
	}
	if req.Reason == "" {
		req.Reason = "cancelled-by-customer"
	}

	order, err := s.orderService.Cancel(r.Context(), chi.URLParam(r, "id"), req.Reason, r.Header.Get("X-Correlation-Id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}

	s.writeJSON(w, http.StatusOK, order)
}

// PublishEvent handles POST /api/events/{domain}. The event is accepted into
// the outbox, not yet delivered.
func (s *Server) PublishEvent(w http.ResponseWriter, r *http.Request) {
	var params model.PublishEventParams
	if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}

	published, err := s.eventService.Publish(r.Context(), chi.URLParam(r, "domain"), &params)
	if err != nil {
		s.fail(w, r, err)
		return
	}

	s.writeJSON(w, http.StatusAccepted, published)
}

// HealthCheck handles GET /health.
func (s *Server) HealthCheck(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// statusOf maps service errors to HTTP statuses.
func statusOf(err error) int {
	switch {
	case errors.Is(err, model.ErrInvalidCustomer),
		errors.Is(err, model.ErrEmptyOrder),
		errors.Is(err, model.ErrInvalidLineItem),
		errors.Is(err, model.ErrInvalidEvent),
		errors.Is(err, model.ErrSerialization),
		errors.Is(err, topic.ErrUnknownDomain):
		return http.StatusBadRequest
	case errors.Is(err, model.ErrOrderNotFound):
		return http.StatusNotFound
	case errors.Is(err, model.ErrInvalidOrderTransition):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusOf(err)
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.String("request_id", middleware.GetReqID(r.Context())),
			slog.String("error", err.Error()))
		s.writeError(w, status, http.StatusText(status))
		return
	}

	s.writeError(w, status, err.Error())
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set(contentTypeJSON, applicationJSON)
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn(failedToEncodeResponse, slog.String("error", err.Error()))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}
