package server

import (
	"net/http"

	"github.com/alfredjeanlab/turnqueue/internal/events"
	"github.com/alfredjeanlab/turnqueue/internal/model"
)

// agentView is an agent as listed to clients, with the derived flags a
// display needs.
type agentView struct {
	*model.Agent
	Current         bool `json:"current"`
	RecentlySkipped bool `json:"recently_skipped"`
}

func viewAgents(agents []*model.Agent, g *model.GlobalState) []agentView {
	out := make([]agentView, 0, len(agents))
	for _, a := range agents {
		out = append(out, agentView{
			Agent:           a,
			Current:         g.IsCurrent(a.ID),
			RecentlySkipped: model.RecentlySkipped(a.ID, g),
		})
	}
	return out
}

// handleListAgents handles GET /v1/agents.
func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	agents, err := s.store.Agents(r.Context())
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	g, err := s.store.GlobalState(r.Context())
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"agents":           viewAgents(agents, g),
		"current_agent_id": model.CurrentOf(g),
	})
}

// handleGetAgent handles GET /v1/agents/{id}.
func (s *Server) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	a, err := s.store.Agent(r.Context(), id)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	g, err := s.store.GlobalState(r.Context())
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, viewAgents([]*model.Agent{a}, g)[0])
}

type addAgentRequest struct {
	Name string `json:"name"`
}

// handleAddAgent handles POST /v1/agents.
func (s *Server) handleAddAgent(w http.ResponseWriter, r *http.Request) {
	var req addAgentRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	a, err := s.engine.AddAgent(r.Context(), req.Name)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, a)
}

// handleSetActive handles POST /v1/agents/{id}/activate and /deactivate.
func (s *Server) handleSetActive(active bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := pathID(r)
		if err != nil {
			s.writeDomainError(w, r, err)
			return
		}
		a, err := s.engine.SetAgentActive(r.Context(), id, active)
		if err != nil {
			s.writeDomainError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, a)
	}
}

type notifyRequest struct {
	Text string `json:"text"`
	From string `json:"from,omitempty"`
}

// handleNotify handles POST /v1/agents/{id}/notify.
func (s *Server) handleNotify(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	var req notifyRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	if req.Text == "" {
		s.writeDomainError(w, r, inputError("text is required"))
		return
	}
	if _, err := s.store.Agent(r.Context(), id); err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	msg := &events.Message{AgentID: id, Text: req.Text, From: req.From}
	if err := s.store.SendMessage(r.Context(), msg); err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, msg)
}
