package sync

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/alfredjeanlab/turnqueue/internal/model"
	"github.com/alfredjeanlab/turnqueue/internal/statestore"
	"github.com/alfredjeanlab/turnqueue/internal/store/memory"
	"github.com/alfredjeanlab/turnqueue/internal/turn"
)

var t0 = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

// seededStore returns a store with two agents, one order by Ana and a
// manual advance to Ben.
func seededStore(t *testing.T) *statestore.Store {
	t.Helper()
	mock := clock.NewMock()
	mock.Set(t0)
	s := statestore.New(memory.New(), nil, nil, statestore.WithClock(mock))
	e := turn.New(s)
	ctx := context.Background()
	ana, err := e.AddAgent(ctx, "Ana")
	if err != nil {
		t.Fatal(err)
	}
	mock.Add(time.Minute)
	if _, err := e.AddAgent(ctx, "Ben"); err != nil {
		t.Fatal(err)
	}
	o := &model.Order{AgentID: ana.ID, Reference: "ORD-1", Timestamp: mock.Now()}
	if _, err := s.RecordOrder(ctx, o, func(a *model.Agent) model.AgentPatch {
		count := a.OrderCount + 1
		return model.AgentPatch{OrderCount: &count}
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := e.AdvanceTurn(ctx, model.CauseManual); err != nil {
		t.Fatal(err)
	}
	return s
}

func nonEmptyLines(s string) []string {
	var out []string
	for _, l := range strings.Split(s, "\n") {
		if l != "" {
			out = append(out, l)
		}
	}
	return out
}

func TestExportJSONL(t *testing.T) {
	s := seededStore(t)
	var buf bytes.Buffer
	if err := ExportJSONL(context.Background(), s, &buf, t0.Add(time.Hour)); err != nil {
		t.Fatal(err)
	}
	lines := nonEmptyLines(buf.String())

	wantTypes := []string{"header", "global_state", "agent", "agent", "order", "turn_event", "turn_event"}
	if len(lines) != len(wantTypes) {
		t.Fatalf("got %d lines, want %d:\n%s", len(lines), len(wantTypes), buf.String())
	}
	for i, l := range lines {
		var rec struct {
			Type string          `json:"type"`
			Data json.RawMessage `json:"data"`
		}
		if err := json.Unmarshal([]byte(l), &rec); err != nil {
			t.Fatalf("line %d: %v", i, err)
		}
		if rec.Type != wantTypes[i] {
			t.Errorf("line %d type = %q, want %q", i, rec.Type, wantTypes[i])
		}
	}

	var h header
	if err := json.Unmarshal([]byte(lines[0]), &h); err != nil {
		t.Fatal(err)
	}
	if h.Version != FormatVersion || h.AgentCount != 2 || h.OrderCount != 1 || h.TurnEventCount != 2 {
		t.Errorf("header = %+v", h)
	}
	if !h.Timestamp.Equal(t0.Add(time.Hour)) {
		t.Errorf("header timestamp = %v", h.Timestamp)
	}
	// Turn events are written oldest first.
	if !strings.Contains(lines[5], `"cause":"bootstrap"`) || !strings.Contains(lines[6], `"cause":"manual"`) {
		t.Errorf("turn events out of order:\n%s\n%s", lines[5], lines[6])
	}
}

func TestExportJSONLEmpty(t *testing.T) {
	s := statestore.New(memory.New(), nil, nil)
	var buf bytes.Buffer
	if err := ExportJSONL(context.Background(), s, &buf, t0); err != nil {
		t.Fatal(err)
	}
	lines := nonEmptyLines(buf.String())
	if len(lines) != 1 || !strings.Contains(lines[0], `"type":"header"`) {
		t.Fatalf("empty export = %q", buf.String())
	}
}

type failingSource struct{ Source }

func (failingSource) Agents(context.Context) ([]*model.Agent, error) {
	return nil, errors.New("connection refused")
}

func TestExportJSONLError(t *testing.T) {
	var buf bytes.Buffer
	err := ExportJSONL(context.Background(), failingSource{}, &buf, t0)
	if err == nil || !strings.Contains(err.Error(), "list agents") {
		t.Fatalf("err = %v", err)
	}
	if buf.Len() != 0 {
		t.Errorf("partial output written: %q", buf.String())
	}
}
