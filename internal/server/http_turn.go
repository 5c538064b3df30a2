package server

import (
	"net/http"
	"strconv"

	"github.com/alfredjeanlab/turnqueue/internal/model"
)

// handleGetState handles GET /v1/state. A queue that never had a turn
// returns an empty state rather than 404.
func (s *Server) handleGetState(w http.ResponseWriter, r *http.Request) {
	g, err := s.store.GlobalState(r.Context())
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	if g == nil {
		g = &model.GlobalState{ID: model.GlobalStateID}
	}
	writeJSON(w, http.StatusOK, g)
}

type advanceRequest struct {
	Cause model.AdvanceCause `json:"cause,omitempty"`
}

// handleAdvance handles POST /v1/turn/advance. The body is optional; the
// cause defaults to manual.
func (s *Server) handleAdvance(w http.ResponseWriter, r *http.Request) {
	req := advanceRequest{Cause: model.CauseManual}
	if r.ContentLength > 0 {
		if err := decodeBody(r, &req); err != nil {
			s.writeDomainError(w, r, err)
			return
		}
		if req.Cause == "" {
			req.Cause = model.CauseManual
		}
		if !req.Cause.IsValid() {
			s.writeDomainError(w, r, inputError("unknown cause "+strconv.Quote(string(req.Cause))))
			return
		}
	}
	g, err := s.engine.AdvanceTurn(r.Context(), req.Cause)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, g)
}

type forceRequest struct {
	AgentID int64 `json:"agent_id"`
}

// handleForce handles POST /v1/turn/force.
func (s *Server) handleForce(w http.ResponseWriter, r *http.Request) {
	var req forceRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	if req.AgentID <= 0 {
		s.writeDomainError(w, r, inputError("agent_id is required"))
		return
	}
	g, err := s.engine.ForceTurn(r.Context(), req.AgentID)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, g)
}

// handleTurnEvents handles GET /v1/turn/events?limit=N.
func (s *Server) handleTurnEvents(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			s.writeDomainError(w, r, inputError("invalid limit"))
			return
		}
		limit = n
	}
	evts, err := s.store.TurnEvents(r.Context(), limit)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	if evts == nil {
		evts = []*model.TurnEvent{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": evts})
}
