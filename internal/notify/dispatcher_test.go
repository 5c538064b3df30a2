package notify

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/alfredjeanlab/turnqueue/internal/events"
	"github.com/alfredjeanlab/turnqueue/internal/model"
	"github.com/alfredjeanlab/turnqueue/internal/statestore"
	"github.com/alfredjeanlab/turnqueue/internal/store/memory"
)

func stateFor(id int64) *model.GlobalState {
	return &model.GlobalState{CurrentAgentID: model.Int64Ptr(id)}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func newDispatcher(sinks ...Sink) (*Dispatcher, *clock.Mock) {
	mock := clock.NewMock()
	d := New(Config{
		AgentID:   1,
		AgentName: "ana",
		Sinks:     sinks,
		Clock:     mock,
	})
	return d, mock
}

func TestTurnTransitions(t *testing.T) {
	sink := &MemorySink{}
	d, _ := newDispatcher(sink)
	defer d.Close()
	ctx := context.Background()

	steps := []struct {
		name    string
		state   *model.GlobalState
		started int
		ended   int
	}{
		{"someone else", stateFor(2), 0, 0},
		{"turn arrives", stateFor(1), 1, 0},
		{"still mine", stateFor(1), 1, 0},
		{"turn leaves", stateFor(2), 1, 1},
		{"queue emptied", &model.GlobalState{}, 1, 1},
		{"turn returns", stateFor(1), 2, 1},
		{"state missing", nil, 2, 2},
	}
	for _, s := range steps {
		d.HandleTurn(ctx, s.state)
		if got := sink.Count(TurnStarted); got != s.started {
			t.Errorf("%s: started = %d, want %d", s.name, got, s.started)
		}
		if got := sink.Count(TurnEnded); got != s.ended {
			t.Errorf("%s: ended = %d, want %d", s.name, got, s.ended)
		}
	}
}

func TestRemindersRepeatUntilTurnLeaves(t *testing.T) {
	sink := &MemorySink{}
	d, mock := newDispatcher(sink)
	defer d.Close()
	ctx := context.Background()

	d.HandleTurn(ctx, stateFor(1))
	for i := 1; i <= 3; i++ {
		mock.Add(DefaultReminderInterval)
		want := i
		waitFor(t, "reminder", func() bool { return sink.Count(TurnReminder) == want })
	}
	alerts := sink.Alerts()
	last := alerts[len(alerts)-1]
	if last.Body != "ana, you can submit an order now" {
		t.Errorf("reminder body = %q", last.Body)
	}

	d.HandleTurn(ctx, stateFor(2))
	mock.Add(5 * DefaultReminderInterval)
	time.Sleep(10 * time.Millisecond)
	if got := sink.Count(TurnReminder); got != 3 {
		t.Errorf("reminders after turn left = %d, want 3", got)
	}
}

func TestCloseStopsReminders(t *testing.T) {
	sink := &MemorySink{}
	d, mock := newDispatcher(sink)
	d.HandleTurn(context.Background(), stateFor(1))
	d.Close()
	mock.Add(3 * DefaultReminderInterval)
	time.Sleep(10 * time.Millisecond)
	if got := sink.Count(TurnReminder); got != 0 {
		t.Errorf("reminders after Close = %d", got)
	}
	d.HandleTurn(context.Background(), stateFor(2))
	d.HandleTurn(context.Background(), stateFor(1))
	if got := sink.Count(TurnStarted); got != 1 {
		t.Errorf("alerts after Close: started = %d", got)
	}
}

func TestOperatorMessages(t *testing.T) {
	sink := &MemorySink{}
	d, _ := newDispatcher(sink)
	defer d.Close()
	ctx := context.Background()

	d.HandleMessage(ctx, &events.Message{ID: "msg-1", AgentID: 2, Text: "not for you"})
	d.HandleMessage(ctx, &events.Message{ID: "msg-2", AgentID: 1, Text: "take a break", From: "lead"})
	alerts := sink.Alerts()
	if len(alerts) != 1 {
		t.Fatalf("got %d alerts, want 1", len(alerts))
	}
	a := alerts[0]
	if a.Kind != OperatorMessage || a.Title != "Message from lead" || a.Body != "take a break" {
		t.Errorf("alert = %+v", a)
	}
}

func TestUnavailableSinkIsDisabled(t *testing.T) {
	broken := &MemorySink{SinkName: "desktop", Err: ErrPermissionDenied}
	flaky := &MemorySink{SinkName: "flaky", Err: errors.New("write failed")}
	good := &MemorySink{SinkName: "bell"}
	d, _ := newDispatcher(broken, flaky, good)
	defer d.Close()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		d.HandleTurn(ctx, stateFor(1))
		d.HandleTurn(ctx, stateFor(2))
	}
	if got := good.Count(TurnStarted); got != 3 {
		t.Errorf("good sink got %d turn alerts, want 3", got)
	}
	d.mu.Lock()
	disabled := d.disabled
	d.mu.Unlock()
	if !disabled["desktop"] {
		t.Error("permission-denied sink should be disabled")
	}
	if disabled["flaky"] {
		t.Error("a plain delivery error must not disable the sink")
	}
}

func TestRun(t *testing.T) {
	bus := events.NewLocalBus()
	defer bus.Close()
	s := statestore.New(memory.New(), bus, bus)
	sink := &MemorySink{}
	d, _ := newDispatcher(sink)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx, s) }()

	// Give Run time to subscribe before writing.
	time.Sleep(20 * time.Millisecond)
	if err := s.UpsertGlobalState(context.Background(), stateFor(1)); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "turn alert", func() bool { return sink.Count(TurnStarted) == 1 })

	if err := s.SendMessage(context.Background(), &events.Message{AgentID: 1, Text: "hi"}); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "operator alert", func() bool { return sink.Count(OperatorMessage) == 1 })

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
