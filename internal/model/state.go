package model

import "time"

// GlobalStateID is the primary key of the singleton turn pointer row.
const GlobalStateID = 1

// AdvanceCause records why the turn pointer last moved.
type AdvanceCause string

const (
	CauseManual      AdvanceCause = "manual"
	CauseSubmitted   AdvanceCause = "submitted"
	CauseTimeout     AdvanceCause = "timeout"
	CauseDeactivated AdvanceCause = "deactivated"
	CauseTabClosed   AdvanceCause = "tab_closed"
	CauseBootstrap   AdvanceCause = "bootstrap"
	CauseForced      AdvanceCause = "forced"
	CauseEmptied     AdvanceCause = "emptied"
)

// String returns the string representation of the cause.
func (c AdvanceCause) String() string {
	return string(c)
}

// IsValid checks whether the cause is a known value.
func (c AdvanceCause) IsValid() bool {
	switch c {
	case CauseManual, CauseSubmitted, CauseTimeout, CauseDeactivated,
		CauseTabClosed, CauseBootstrap, CauseForced, CauseEmptied:
		return true
	}
	return false
}

// IsSkip reports whether the cause moved the turn without an order.
func (c AdvanceCause) IsSkip() bool {
	switch c {
	case CauseManual, CauseTimeout, CauseDeactivated, CauseTabClosed:
		return true
	}
	return false
}

// GlobalState is the singleton turn pointer shared by every client.
type GlobalState struct {
	ID              int64        `json:"id"`
	CurrentAgentID  *int64       `json:"current_agent_id"`
	TurnStartTime   *time.Time   `json:"turn_start_time,omitempty"`
	PreviousAgentID *int64       `json:"previous_agent_id,omitempty"`
	LastCause       AdvanceCause `json:"last_cause,omitempty"`
	UpdatedAt       time.Time    `json:"updated_at"`

	// Version is the optimistic concurrency token. Conditional writes
	// succeed only when the stored version matches the one read.
	Version int64 `json:"version"`
}

// Clone returns a deep copy of the state.
func (g *GlobalState) Clone() *GlobalState {
	if g == nil {
		return nil
	}
	c := *g
	if g.CurrentAgentID != nil {
		v := *g.CurrentAgentID
		c.CurrentAgentID = &v
	}
	if g.PreviousAgentID != nil {
		v := *g.PreviousAgentID
		c.PreviousAgentID = &v
	}
	if g.TurnStartTime != nil {
		v := *g.TurnStartTime
		c.TurnStartTime = &v
	}
	return &c
}

// IsCurrent reports whether agentID holds the turn.
func (g *GlobalState) IsCurrent(agentID int64) bool {
	return g != nil && g.CurrentAgentID != nil && *g.CurrentAgentID == agentID
}

// VersionOf returns the state's version, treating a missing row as 0.
func VersionOf(g *GlobalState) int64 {
	if g == nil {
		return 0
	}
	return g.Version
}

// CurrentOf returns the current holder of a possibly-missing state.
func CurrentOf(g *GlobalState) *int64 {
	if g == nil {
		return nil
	}
	return g.CurrentAgentID
}

// RecentlySkipped reports whether the most recent advance took the turn
// away from agentID because it ran out of time. It is derived, never stored.
func RecentlySkipped(agentID int64, g *GlobalState) bool {
	return g != nil && g.LastCause == CauseTimeout &&
		g.PreviousAgentID != nil && *g.PreviousAgentID == agentID &&
		!g.IsCurrent(agentID)
}

// TurnEvent is one entry in the persisted log of turn advances.
type TurnEvent struct {
	ID          int64        `json:"id"`
	Cause       AdvanceCause `json:"cause"`
	FromAgentID *int64       `json:"from_agent_id,omitempty"`
	ToAgentID   *int64       `json:"to_agent_id,omitempty"`
	At          time.Time    `json:"at"`
}

// Int64Ptr returns a pointer to v.
func Int64Ptr(v int64) *int64 {
	return &v
}
