package server

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/alfredjeanlab/turnqueue/internal/model"
	"github.com/alfredjeanlab/turnqueue/internal/orders"
)

// parseQuery reads agent, range and limit query parameters.
func parseQuery(r *http.Request) (orders.Query, error) {
	q := r.URL.Query()
	var out orders.Query
	rng, err := model.ParseOrderRange(q.Get("range"))
	if err != nil {
		return out, inputError(err.Error())
	}
	out.Range = rng
	if v := q.Get("agent"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil || id <= 0 {
			return out, inputError("invalid agent")
		}
		out.AgentID = &id
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return out, inputError("invalid limit")
		}
		out.Limit = n
	}
	return out, nil
}

// handleListOrders handles GET /v1/orders.
func (s *Server) handleListOrders(w http.ResponseWriter, r *http.Request) {
	q, err := parseQuery(r)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	list, err := s.pipeline.History(r.Context(), q)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	if list == nil {
		list = []*model.Order{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"orders": list})
}

type submitRequest struct {
	AgentID   int64  `json:"agent_id"`
	Reference string `json:"reference"`
}

// handleSubmitOrder handles POST /v1/orders. A failure after the order
// was stored still returns the partial receipt next to the error.
func (s *Server) handleSubmitOrder(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	var identity *model.Agent
	if req.AgentID > 0 {
		a, err := s.store.Agent(r.Context(), req.AgentID)
		if err != nil {
			s.writeDomainError(w, r, err)
			return
		}
		identity = a
	}
	receipt, err := s.pipeline.Submit(r.Context(), identity, req.Reference)
	var serr *orders.SubmitError
	if errors.As(err, &serr) {
		s.logger.Error("order stored but submission incomplete", "stage", serr.Stage, "error", serr.Err)
		writeJSON(w, statusFor(serr.Err), map[string]any{
			"error":   err.Error(),
			"stage":   serr.Stage,
			"receipt": serr.Receipt,
		})
		return
	}
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, receipt)
}

// handleStats handles GET /v1/stats.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	q, err := parseQuery(r)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	st, err := s.pipeline.Stats(r.Context(), q)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}
