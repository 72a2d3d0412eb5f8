package presence

import (
	"testing"
	"time"

	"github.com/matheus3301/convo/internal/bus"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newTracker(t *testing.T) (*Tracker, *fakeClock) {
	t.Helper()
	clk := &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	return New(nil, WithClock(clk.Now)), clk
}

func TestUnknownUserIsOffline(t *testing.T) {
	tr, _ := newTracker(t)
	if tr.IsOnline("ghost") {
		t.Error("unknown user should be offline")
	}
	if rec := tr.Status("ghost"); rec.Online || rec.Live {
		t.Errorf("Status(ghost) = %+v", rec)
	}
}

func TestMarkOnlineOffline(t *testing.T) {
	tr, clk := newTracker(t)

	tr.MarkOnline("u1")
	if !tr.IsOnline("u1") {
		t.Fatal("u1 should be online")
	}
	seen := clk.Now().Add(-time.Second)
	tr.MarkOffline("u1", seen)
	if tr.IsOnline("u1") {
		t.Fatal("u1 should be offline")
	}
	if rec := tr.Status("u1"); !rec.LastSeen.Equal(seen) || !rec.Live {
		t.Errorf("Status(u1) = %+v, want live with lastSeen %v", rec, seen)
	}
}

func TestRecentActivityHeuristic(t *testing.T) {
	tr, clk := newTracker(t)

	tr.ObserveActivity("u2", clk.Now().Add(-4*time.Minute))
	if !tr.IsOnline("u2") {
		t.Fatal("activity 4m ago should count as recently online")
	}
	clk.Advance(90 * time.Second)
	if tr.IsOnline("u2") {
		t.Fatal("activity 5m30s ago should no longer count")
	}
}

func TestLiveEventOverridesHeuristic(t *testing.T) {
	tr, clk := newTracker(t)

	tr.ObserveActivity("u3", clk.Now())
	tr.MarkOffline("u3", clk.Now())
	if tr.IsOnline("u3") {
		t.Fatal("live offline must win over recent activity")
	}
	// Later REST activity does not undo the live classification.
	tr.ObserveActivity("u3", clk.Now().Add(time.Second))
	if tr.IsOnline("u3") {
		t.Fatal("heuristic must not apply after a live event")
	}
	tr.MarkOnline("u3")
	clk.Advance(time.Hour)
	if !tr.IsOnline("u3") {
		t.Fatal("live online does not expire")
	}
}

func TestOnlineSorted(t *testing.T) {
	tr, clk := newTracker(t)
	tr.MarkOnline("b")
	tr.MarkOnline("a")
	tr.MarkOffline("c", time.Time{})
	tr.ObserveActivity("d", clk.Now())

	got := tr.Online()
	want := []string{"a", "b", "d"}
	if len(got) != len(want) {
		t.Fatalf("Online() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Online() = %v, want %v", got, want)
		}
	}
}

func TestPublishesOnlyOnChange(t *testing.T) {
	b := bus.New()
	ch, unsub := b.Subscribe("presence.", 8)
	defer unsub()
	tr := New(b)

	tr.MarkOnline("u1")
	tr.MarkOnline("u1")
	tr.MarkOffline("u1", time.Now())

	var got []Record
	for len(ch) > 0 {
		got = append(got, (<-ch).Payload.(Record))
	}
	if len(got) != 2 {
		t.Fatalf("got %d events, want 2: %+v", len(got), got)
	}
	if !got[0].Online || got[1].Online {
		t.Errorf("events = %+v, want online then offline", got)
	}
}

func TestResetForgetsUsers(t *testing.T) {
	tr, clk := newTracker(t)

	tr.MarkOnline("u1")
	tr.ObserveActivity("u2", clk.Now())
	tr.Reset()
	if tr.IsOnline("u1") || tr.IsOnline("u2") {
		t.Error("Reset should forget live and REST-reported presence")
	}
	if rec := tr.Status("u1"); rec.Live {
		t.Errorf("Status(u1) after Reset = %+v", rec)
	}
}
