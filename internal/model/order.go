package model

import (
	"fmt"
	"time"
)

// Order is a single submission recorded against the agent holding the turn.
// Orders are immutable once created.
type Order struct {
	ID        int64     `json:"id"`
	AgentID   int64     `json:"agent_id"`
	Reference string    `json:"reference"`
	Timestamp time.Time `json:"timestamp"`

	// CompletionTime is the number of seconds between turn start and
	// submission. Nil when no turn start was recorded for the cycle.
	CompletionTime *int `json:"completion_time,omitempty"`
}

// OrderFilter narrows order listings.
type OrderFilter struct {
	AgentID *int64
	Since   *time.Time
	Until   *time.Time
	Limit   int
}

// OrderRange is a named time window for order history.
type OrderRange string

const (
	RangeHour      OrderRange = "hour"
	RangeToday     OrderRange = "today"
	RangeYesterday OrderRange = "yesterday"
	RangeAll       OrderRange = "all"
)

// ParseOrderRange validates a range name. The empty string means all.
func ParseOrderRange(s string) (OrderRange, error) {
	switch r := OrderRange(s); r {
	case RangeHour, RangeToday, RangeYesterday, RangeAll:
		return r, nil
	case "":
		return RangeAll, nil
	}
	return "", fmt.Errorf("invalid order range %q (want hour, today, yesterday or all)", s)
}

// Bounds returns the inclusive window for the range relative to now, in
// now's location. A nil bound is open.
func (r OrderRange) Bounds(now time.Time) (since, until *time.Time) {
	startOfDay := func(t time.Time) time.Time {
		y, m, d := t.Date()
		return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
	}
	switch r {
	case RangeHour:
		s := now.Add(-time.Hour)
		return &s, nil
	case RangeToday:
		s := startOfDay(now)
		u := s.AddDate(0, 0, 1).Add(-time.Nanosecond)
		return &s, &u
	case RangeYesterday:
		u := startOfDay(now).Add(-time.Nanosecond)
		s := startOfDay(u)
		return &s, &u
	}
	return nil, nil
}

// Filter returns a filter for the range relative to now.
func (r OrderRange) Filter(now time.Time) OrderFilter {
	since, until := r.Bounds(now)
	return OrderFilter{Since: since, Until: until}
}

// Matches reports whether o passes the filter.
func (f OrderFilter) Matches(o *Order) bool {
	if f.AgentID != nil && o.AgentID != *f.AgentID {
		return false
	}
	if f.Since != nil && o.Timestamp.Before(*f.Since) {
		return false
	}
	if f.Until != nil && o.Timestamp.After(*f.Until) {
		return false
	}
	return true
}

// FilterOrders returns the orders that pass f, preserving order and
// applying f.Limit.
func FilterOrders(orders []*Order, f OrderFilter) []*Order {
	var out []*Order
	for _, o := range orders {
		if !f.Matches(o) {
			continue
		}
		out = append(out, o)
		if f.Limit > 0 && len(out) >= f.Limit {
			break
		}
	}
	return out
}
