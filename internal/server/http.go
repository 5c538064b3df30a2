package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/alfredjeanlab/turnqueue/internal/model"
	"github.com/alfredjeanlab/turnqueue/internal/orders"
	"github.com/alfredjeanlab/turnqueue/internal/statestore"
	"github.com/alfredjeanlab/turnqueue/internal/store"
	"github.com/alfredjeanlab/turnqueue/internal/turn"
)

// maxBodyBytes caps request bodies.
const maxBodyBytes = 1 << 20

// NewHTTPHandler returns an http.Handler with all routes registered.
// When authToken is non-empty, requests (except GET /v1/health) must include
// a valid Authorization: Bearer <token> header.
func (s *Server) NewHTTPHandler(authToken string) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/v1/health", s.handleHealth)
	r.Group(func(r chi.Router) {
		r.Use(RequireToken(authToken))

		r.Get("/metrics", s.metrics.Handler().ServeHTTP)
		r.Route("/v1", func(r chi.Router) {
			r.Get("/agents", s.handleListAgents)
			r.Post("/agents", s.handleAddAgent)
			r.Get("/agents/{id}", s.handleGetAgent)
			r.Post("/agents/{id}/activate", s.handleSetActive(true))
			r.Post("/agents/{id}/deactivate", s.handleSetActive(false))
			r.Post("/agents/{id}/notify", s.handleNotify)

			r.Get("/state", s.handleGetState)
			r.Post("/turn/advance", s.handleAdvance)
			r.Post("/turn/force", s.handleForce)
			r.Get("/turn/events", s.handleTurnEvents)

			r.Get("/orders", s.handleListOrders)
			r.Post("/orders", s.handleSubmitOrder)
			r.Get("/stats", s.handleStats)

			r.Get("/events/stream", s.handleEventStream)
		})
	})
	return r
}

// handleHealth handles GET /v1/health.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// inputError indicates invalid user input and maps to 400.
type inputError string

func (e inputError) Error() string { return string(e) }

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return inputError(fmt.Sprintf("invalid request body: %v", err))
	}
	return nil
}

func pathID(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, inputError("invalid agent id")
	}
	return id, nil
}

// statusFor maps a domain error to an HTTP status.
func statusFor(err error) int {
	var verr *model.ValidationError
	var ierr inputError
	switch {
	case errors.As(err, &ierr), errors.As(err, &verr),
		errors.Is(err, orders.ErrNoIdentitySelected), errors.Is(err, orders.ErrInvalidOrderID):
		return http.StatusBadRequest
	case errors.Is(err, orders.ErrNotYourTurn):
		return http.StatusForbidden
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, turn.ErrNoEligibleAgents), errors.Is(err, turn.ErrAgentNotEligible),
		errors.Is(err, store.ErrConflict):
		return http.StatusConflict
	case statestore.IsTimeout(err):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// writeDomainError writes err with the status statusFor picks and logs
// server-side failures.
func (s *Server) writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	code := statusFor(err)
	if code >= http.StatusInternalServerError {
		s.logger.Error("request failed", "method", r.Method, "path", r.URL.Path,
			"request_id", middleware.GetReqID(r.Context()), "error", err)
	}
	writeError(w, code, err.Error())
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
