package presence

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
)

var t0 = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

// waitFor polls cond until it holds or a second passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

type tab struct {
	guard      *Guard
	duplicates atomic.Int32
	closedWith chan bool
}

func newTab(t *testing.T, mock *clock.Mock, flags FlagStore, b Broadcaster) *tab {
	t.Helper()
	tb := &tab{closedWith: make(chan bool, 1)}
	g, err := New(Config{
		AgentID:     7,
		Flags:       flags,
		Broadcaster: b,
		Clock:       mock,
		OnDuplicate: func() { tb.duplicates.Add(1) },
		OnClose:     func(active bool) { tb.closedWith <- active },
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	tb.guard = g
	t.Cleanup(func() { g.Close(context.Background()) })
	return tb
}

func newMock() *clock.Mock {
	m := clock.NewMock()
	m.Set(t0)
	return m
}

func flagHolder(t *testing.T, flags FlagStore) string {
	t.Helper()
	c, err := flags.Get(7)
	if err != nil {
		t.Fatal(err)
	}
	if c == nil {
		return ""
	}
	return c.TabID
}

func TestClaimNewerThan(t *testing.T) {
	tests := []struct {
		name string
		a, b Claim
		want bool
	}{
		{"later timestamp wins", Claim{"tab_2_a", t0.Add(time.Second)}, Claim{"tab_1_z", t0}, true},
		{"earlier timestamp loses", Claim{"tab_1_z", t0}, Claim{"tab_2_a", t0.Add(time.Second)}, false},
		{"tie broken by id", Claim{"tab_1_b", t0}, Claim{"tab_1_a", t0}, true},
		{"tie broken by id reversed", Claim{"tab_1_a", t0}, Claim{"tab_1_b", t0}, false},
		{"same claim is not newer", Claim{"tab_1_a", t0}, Claim{"tab_1_a", t0}, false},
		{"missing timestamp read from newer id", Claim{"tab_1772442001000_a", time.Time{}}, Claim{"tab_1772442000000_z", t0}, true},
		{"missing timestamp read from older id", Claim{"tab_1772441999000_z", time.Time{}}, Claim{"tab_1772442000000_a", t0}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.a.NewerThan(tt.b); got != tt.want {
				t.Errorf("NewerThan = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestNewestTabWins(t *testing.T) {
	mock := newMock()
	flags := NewMemoryFlags()
	hub := NewHub()
	ctx := context.Background()

	older := newTab(t, mock, flags, hub)
	if err := older.guard.Start(ctx); err != nil {
		t.Fatal(err)
	}
	if older.guard.IsDuplicate() || flagHolder(t, flags) != older.guard.TabID() {
		t.Fatal("first tab should hold the flag")
	}

	mock.Add(time.Second)
	newer := newTab(t, mock, flags, hub)
	if err := newer.guard.Start(ctx); err != nil {
		t.Fatal(err)
	}

	waitFor(t, "older tab to become duplicate", older.guard.IsDuplicate)
	if newer.guard.IsDuplicate() {
		t.Error("newest tab must not be a duplicate")
	}
	if got := flagHolder(t, flags); got != newer.guard.TabID() {
		t.Errorf("flag held by %q, want newer tab", got)
	}

	// Further traffic never demotes the newer tab or re-fires the callback.
	mock.Add(DefaultHeartbeat)
	mock.Add(DefaultHeartbeat)
	time.Sleep(20 * time.Millisecond)
	if newer.guard.IsDuplicate() {
		t.Error("older tab's messages demoted the newer tab")
	}
	if n := older.duplicates.Load(); n != 1 {
		t.Errorf("OnDuplicate fired %d times, want 1", n)
	}
}

func TestOlderTabStartingLateIsDuplicate(t *testing.T) {
	mock := newMock()
	flags := NewMemoryFlags()
	ctx := context.Background()

	older := newTab(t, mock, flags, nil)
	mock.Add(time.Second)
	newer := newTab(t, mock, flags, nil)

	if err := newer.guard.Start(ctx); err != nil {
		t.Fatal(err)
	}
	if err := older.guard.Start(ctx); err != nil {
		t.Fatal(err)
	}
	if !older.guard.IsDuplicate() {
		t.Error("older tab should see the newer flag and yield")
	}
	if got := flagHolder(t, flags); got != newer.guard.TabID() {
		t.Errorf("flag held by %q, want newer tab", got)
	}
}

func TestStaleFlagIsTakenOver(t *testing.T) {
	mock := newMock()
	flags := NewMemoryFlags()
	if err := flags.Set(7, Claim{TabID: "tab_1_crashed", Timestamp: t0.Add(-time.Hour)}); err != nil {
		t.Fatal(err)
	}
	tb := newTab(t, mock, flags, NewHub())
	if err := tb.guard.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if tb.guard.IsDuplicate() || flagHolder(t, flags) != tb.guard.TabID() {
		t.Error("a tab newer than the flag holder should take over")
	}
}

func TestHeartbeatReclaimsClearedFlag(t *testing.T) {
	mock := newMock()
	flags := NewMemoryFlags()
	tb := newTab(t, mock, flags, NewHub())
	if err := tb.guard.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := flags.Remove(7); err != nil {
		t.Fatal(err)
	}
	mock.Add(DefaultHeartbeat)
	waitFor(t, "flag to be reclaimed", func() bool { return flagHolder(t, flags) == tb.guard.TabID() })
}

func TestCloseReleasesFlag(t *testing.T) {
	mock := newMock()
	flags := NewMemoryFlags()
	hub := NewHub()
	ctx := context.Background()

	active := newTab(t, mock, flags, hub)
	if err := active.guard.Start(ctx); err != nil {
		t.Fatal(err)
	}
	peer, _ := hub.Open(ChannelName(7))
	defer peer.Close()

	if err := active.guard.Close(ctx); err != nil {
		t.Fatal(err)
	}
	if got := <-active.closedWith; !got {
		t.Error("OnClose(false), want true for the flag holder")
	}
	if flagHolder(t, flags) != "" {
		t.Error("flag should be removed")
	}
	select {
	case m := <-peer.Messages():
		if m.Type != TabClosed || m.TabID != active.guard.TabID() {
			t.Errorf("peer got %+v, want tab_closed", m)
		}
	case <-time.After(time.Second):
		t.Fatal("peer did not hear tab_closed")
	}

	// Second close is a no-op.
	if err := active.guard.Close(ctx); err != nil {
		t.Fatal(err)
	}
	select {
	case <-active.closedWith:
		t.Error("OnClose fired twice")
	default:
	}
}

func TestCloseDuplicateLeavesFlag(t *testing.T) {
	mock := newMock()
	flags := NewMemoryFlags()
	ctx := context.Background()

	older := newTab(t, mock, flags, nil)
	mock.Add(time.Second)
	newer := newTab(t, mock, flags, nil)
	newer.guard.Start(ctx)
	older.guard.Start(ctx)

	if err := older.guard.Close(ctx); err != nil {
		t.Fatal(err)
	}
	if got := <-older.closedWith; got {
		t.Error("duplicate tab reported it held the flag")
	}
	if flagHolder(t, flags) != newer.guard.TabID() {
		t.Error("closing a duplicate must not clear the active tab's flag")
	}
}

func TestRepliesToTabCheck(t *testing.T) {
	mock := newMock()
	hub := NewHub()
	tb := newTab(t, mock, NewMemoryFlags(), hub)
	if err := tb.guard.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	peer, _ := hub.Open(ChannelName(7))
	defer peer.Close()

	if err := peer.Post(Message{Type: TabCheck, TabID: "tab_0_peer", Timestamp: t0.Add(-time.Minute)}); err != nil {
		t.Fatal(err)
	}
	select {
	case m := <-peer.Messages():
		if m.Type != TabActive || m.TabID != tb.guard.TabID() || !m.Timestamp.Equal(tb.guard.self.Timestamp) {
			t.Errorf("reply = %+v", m)
		}
	case <-time.After(time.Second):
		t.Fatal("no reply to tab_check")
	}
}

type brokenBroadcaster struct{}

func (brokenBroadcaster) Open(string) (Channel, error) { return nil, errors.New("unsupported") }

func TestStartWithoutBroadcast(t *testing.T) {
	for _, b := range []Broadcaster{nil, brokenBroadcaster{}} {
		tb := newTab(t, newMock(), NewMemoryFlags(), b)
		if err := tb.guard.Start(context.Background()); err != nil {
			t.Errorf("Start with %T: %v", b, err)
		}
		if tb.guard.IsDuplicate() {
			t.Errorf("Start with %T: unexpected duplicate", b)
		}
	}
}

func TestStartTwice(t *testing.T) {
	tb := newTab(t, newMock(), NewMemoryFlags(), nil)
	if err := tb.guard.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := tb.guard.Start(context.Background()); err == nil {
		t.Error("second Start should fail")
	}
}

func TestTabIDEmbedsCreationTime(t *testing.T) {
	tb := newTab(t, newMock(), NewMemoryFlags(), nil)
	if !tb.guard.self.Timestamp.Equal(t0) {
		t.Errorf("creation time = %v, want %v", tb.guard.self.Timestamp, t0)
	}
	want := "tab_" + "1772442000000" + "_"
	if got := tb.guard.TabID(); len(got) <= len(want) || got[:len(want)] != want {
		t.Errorf("TabID = %q, want prefix %q", got, want)
	}
}

func TestHubExcludesSender(t *testing.T) {
	hub := NewHub()
	a, _ := hub.Open("c")
	b, _ := hub.Open("c")
	other, _ := hub.Open("d")
	defer a.Close()
	defer b.Close()
	defer other.Close()

	if err := a.Post(Message{Type: TabCheck, TabID: "x"}); err != nil {
		t.Fatal(err)
	}
	if m := <-b.Messages(); m.TabID != "x" {
		t.Errorf("b got %+v", m)
	}
	select {
	case m := <-a.Messages():
		t.Errorf("sender received its own message %+v", m)
	case m := <-other.Messages():
		t.Errorf("other channel received %+v", m)
	default:
	}

	a.Close()
	if err := a.Post(Message{}); !errors.Is(err, ErrChannelClosed) {
		t.Errorf("Post after Close = %v", err)
	}
}
