package model

import "time"

// Status is the persisted state of an agent in the rotation.
type Status string

const (
	StatusActive Status = "active"
	StatusFrozen Status = "frozen"
)

// String returns the string representation of the status.
func (s Status) String() string {
	return string(s)
}

// IsValid checks whether the status is a known value.
func (s Status) IsValid() bool {
	switch s {
	case StatusActive, StatusFrozen:
		return true
	}
	return false
}

// StatusFor derives the persisted status from the active flag.
func StatusFor(active bool) Status {
	if active {
		return StatusActive
	}
	return StatusFrozen
}

// Agent is a queue participant eligible to hold the turn and submit orders.
type Agent struct {
	ID                    int64     `json:"id"`
	Name                  string    `json:"name"`
	JoinedAt              time.Time `json:"joined_at"`
	Active                bool      `json:"active"`
	Status                Status    `json:"status"`
	OrderCount            int       `json:"order_count"`
	AverageCompletionTime float64   `json:"average_completion_time"`
	TurnSkips             int       `json:"turn_skips"`
	ResponseDelay         float64   `json:"response_delay"`

	// Version increases by one on every persisted update.
	Version int64 `json:"version"`
}

// Eligible reports whether the agent may hold the turn.
func (a *Agent) Eligible() bool {
	return a != nil && a.Active && a.Status != StatusFrozen
}

// Clone returns a copy of the agent.
func (a *Agent) Clone() *Agent {
	if a == nil {
		return nil
	}
	c := *a
	return &c
}

// AgentPatch is a partial agent update. Nil fields are left unchanged.
type AgentPatch struct {
	Active                *bool    `json:"active,omitempty"`
	Status                *Status  `json:"status,omitempty"`
	OrderCount            *int     `json:"order_count,omitempty"`
	AverageCompletionTime *float64 `json:"average_completion_time,omitempty"`
	TurnSkips             *int     `json:"turn_skips,omitempty"`
	ResponseDelay         *float64 `json:"response_delay,omitempty"`
}

// ActivePatch sets active and the status derived from it.
func ActivePatch(active bool) AgentPatch {
	status := StatusFor(active)
	return AgentPatch{Active: &active, Status: &status}
}

// IsEmpty reports whether the patch changes nothing.
func (p AgentPatch) IsEmpty() bool {
	return p.Active == nil && p.Status == nil && p.OrderCount == nil &&
		p.AverageCompletionTime == nil && p.TurnSkips == nil && p.ResponseDelay == nil
}

// Apply writes the non-nil patch fields onto a.
func (p AgentPatch) Apply(a *Agent) {
	if p.Active != nil {
		a.Active = *p.Active
	}
	if p.Status != nil {
		a.Status = *p.Status
	}
	if p.OrderCount != nil {
		a.OrderCount = *p.OrderCount
	}
	if p.AverageCompletionTime != nil {
		a.AverageCompletionTime = *p.AverageCompletionTime
	}
	if p.TurnSkips != nil {
		a.TurnSkips = *p.TurnSkips
	}
	if p.ResponseDelay != nil {
		a.ResponseDelay = *p.ResponseDelay
	}
}

// Eligible returns the agents that may hold the turn, in the order given.
// Callers pass agents in join order; the result must not be re-sorted.
func Eligible(agents []*Agent) []*Agent {
	out := make([]*Agent, 0, len(agents))
	for _, a := range agents {
		if a.Eligible() {
			out = append(out, a)
		}
	}
	return out
}

// IndexOf returns the position of the agent with the given id, or -1.
func IndexOf(agents []*Agent, id *int64) int {
	if id == nil {
		return -1
	}
	for i, a := range agents {
		if a.ID == *id {
			return i
		}
	}
	return -1
}

// FindAgent returns the agent with the given id, or nil.
func FindAgent(agents []*Agent, id int64) *Agent {
	for _, a := range agents {
		if a.ID == id {
			return a
		}
	}
	return nil
}

// IncrementalAverage folds value into a running mean over count samples.
func IncrementalAverage(avg float64, count int, value float64) float64 {
	if count <= 0 {
		return value
	}
	return (avg*float64(count) + value) / float64(count+1)
}
