package model

import (
	"encoding/json"
	"math"
	"testing"
	"time"
)

func TestEligible(t *testing.T) {
	agents := []*Agent{
		{ID: 1, Active: true, Status: StatusActive},
		{ID: 2, Active: false, Status: StatusFrozen},
		{ID: 3, Active: true, Status: StatusFrozen},
		{ID: 4, Active: true, Status: StatusActive},
	}
	got := Eligible(agents)
	if len(got) != 2 || got[0].ID != 1 || got[1].ID != 4 {
		t.Fatalf("Eligible = %v, want ids [1 4]", ids(got))
	}
}

func ids(agents []*Agent) []int64 {
	out := make([]int64, len(agents))
	for i, a := range agents {
		out[i] = a.ID
	}
	return out
}

func TestIndexOf(t *testing.T) {
	agents := []*Agent{{ID: 10}, {ID: 20}}
	tests := []struct {
		name string
		id   *int64
		want int
	}{
		{"nil", nil, -1},
		{"first", Int64Ptr(10), 0},
		{"second", Int64Ptr(20), 1},
		{"missing", Int64Ptr(30), -1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IndexOf(agents, tt.id); got != tt.want {
				t.Errorf("IndexOf = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestIncrementalAverage(t *testing.T) {
	tests := []struct {
		avg   float64
		count int
		value float64
		want  float64
	}{
		{0, 0, 30, 30},
		{30, 1, 50, 40},
		{40, 2, 10, 30},
	}
	for _, tt := range tests {
		got := IncrementalAverage(tt.avg, tt.count, tt.value)
		if math.Abs(got-tt.want) > 1e-9 {
			t.Errorf("IncrementalAverage(%v, %d, %v) = %v, want %v", tt.avg, tt.count, tt.value, got, tt.want)
		}
	}
}

func TestAgentPatchApply(t *testing.T) {
	a := &Agent{ID: 1, Active: true, Status: StatusActive, OrderCount: 2}
	ActivePatch(false).Apply(a)
	if a.Active || a.Status != StatusFrozen {
		t.Errorf("after deactivate: active=%v status=%s", a.Active, a.Status)
	}
	if a.OrderCount != 2 {
		t.Errorf("OrderCount changed to %d", a.OrderCount)
	}
	if a.Eligible() {
		t.Error("frozen agent should not be eligible")
	}
}

func TestRecentlySkipped(t *testing.T) {
	tests := []struct {
		name  string
		state *GlobalState
		want  bool
	}{
		{"nil state", nil, false},
		{"timeout away from agent", &GlobalState{CurrentAgentID: Int64Ptr(2), PreviousAgentID: Int64Ptr(1), LastCause: CauseTimeout}, true},
		{"submitted", &GlobalState{CurrentAgentID: Int64Ptr(2), PreviousAgentID: Int64Ptr(1), LastCause: CauseSubmitted}, false},
		{"other agent skipped", &GlobalState{CurrentAgentID: Int64Ptr(1), PreviousAgentID: Int64Ptr(3), LastCause: CauseTimeout}, false},
		{"single agent wraps to self", &GlobalState{CurrentAgentID: Int64Ptr(1), PreviousAgentID: Int64Ptr(1), LastCause: CauseTimeout}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := RecentlySkipped(1, tt.state); got != tt.want {
				t.Errorf("RecentlySkipped = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestGlobalStateClone(t *testing.T) {
	start := time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)
	g := &GlobalState{CurrentAgentID: Int64Ptr(1), TurnStartTime: &start, Version: 3}
	c := g.Clone()
	*c.CurrentAgentID = 9
	if *g.CurrentAgentID != 1 {
		t.Error("Clone shares CurrentAgentID with original")
	}
	if VersionOf(nil) != 0 || VersionOf(g) != 3 {
		t.Error("VersionOf mismatch")
	}
}

func TestGlobalStateJSONNullPointer(t *testing.T) {
	data, err := json.Marshal(&GlobalState{ID: GlobalStateID})
	if err != nil {
		t.Fatal(err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatal(err)
	}
	v, ok := m["current_agent_id"]
	if !ok || v != nil {
		t.Errorf("current_agent_id = %v (present=%v), want explicit null", v, ok)
	}
}

func TestOrderRangeBounds(t *testing.T) {
	now := time.Date(2026, 3, 10, 14, 30, 0, 0, time.UTC)
	orders := []*Order{
		{ID: 1, Timestamp: now.Add(-10 * time.Minute)},
		{ID: 2, Timestamp: now.Add(-2 * time.Hour)},
		{ID: 3, Timestamp: time.Date(2026, 3, 9, 23, 59, 0, 0, time.UTC)},
		{ID: 4, Timestamp: time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)},
	}
	tests := []struct {
		r    OrderRange
		want []int64
	}{
		{RangeHour, []int64{1}},
		{RangeToday, []int64{1, 2}},
		{RangeYesterday, []int64{3}},
		{RangeAll, []int64{1, 2, 3, 4}},
	}
	for _, tt := range tests {
		t.Run(string(tt.r), func(t *testing.T) {
			got := FilterOrders(orders, tt.r.Filter(now))
			if len(got) != len(tt.want) {
				t.Fatalf("got %d orders, want %d", len(got), len(tt.want))
			}
			for i, o := range got {
				if o.ID != tt.want[i] {
					t.Errorf("order[%d] = %d, want %d", i, o.ID, tt.want[i])
				}
			}
		})
	}
}

func TestFilterOrdersLimitAndAgent(t *testing.T) {
	orders := []*Order{{ID: 1, AgentID: 1}, {ID: 2, AgentID: 2}, {ID: 3, AgentID: 1}, {ID: 4, AgentID: 1}}
	got := FilterOrders(orders, OrderFilter{AgentID: Int64Ptr(1), Limit: 2})
	if len(got) != 2 || got[0].ID != 1 || got[1].ID != 3 {
		t.Errorf("unexpected result: %+v", got)
	}
}

func TestParseOrderRange(t *testing.T) {
	if r, err := ParseOrderRange(""); err != nil || r != RangeAll {
		t.Errorf("empty range = %q, %v", r, err)
	}
	if _, err := ParseOrderRange("week"); err == nil {
		t.Error("expected error for unknown range")
	}
}
