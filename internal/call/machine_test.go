package call

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matheus3301/convo/internal/bus"
	"github.com/matheus3301/convo/internal/rest"
	"github.com/matheus3301/convo/internal/wire"
)

type sent struct {
	Target  string
	Session string
	Kind    wire.Kind
}

type fakeSignaler struct {
	mu   sync.Mutex
	sent []sent
	err  error
	// before runs ahead of recording each signal, outside the lock.
	before func(kind wire.Kind)
}

func (f *fakeSignaler) SendCallSignal(_ context.Context, target, session string, kind wire.Kind) error {
	f.mu.Lock()
	before := f.before
	f.mu.Unlock()
	if before != nil {
		before(kind)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, sent{target, session, kind})
	return nil
}

func (f *fakeSignaler) kinds() []wire.Kind {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []wire.Kind
	for _, s := range f.sent {
		out = append(out, s.Kind)
	}
	return out
}

type fakeProvisioner struct {
	mu      sync.Mutex
	created int
	ended   []string
	err     error
}

func (f *fakeProvisioner) CreateVideoSession(context.Context, string, string) (*rest.VideoSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.created++
	return &rest.VideoSession{SessionID: "vs-1"}, nil
}

func (f *fakeProvisioner) EndVideoSession(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ended = append(f.ended, id)
	return nil
}

func (f *fakeProvisioner) endedIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.ended...)
}

type onlineSet map[string]bool

func (o onlineSet) IsOnline(id string) bool { return o[id] }

type harness struct {
	m     *Machine
	sig   *fakeSignaler
	prov  *fakeProvisioner
	clock clockwork.FakeClock
	bus   *bus.Bus
}

func newHarness(t *testing.T, self string) *harness {
	t.Helper()
	h := &harness{
		sig:   &fakeSignaler{},
		prov:  &fakeProvisioner{},
		clock: clockwork.NewFakeClock(),
		bus:   bus.New(),
	}
	h.m = New(Options{
		Signaler:    h.sig,
		Provisioner: h.prov,
		Presence:    onlineSet{"u2": true, "u0": true},
		Bus:         h.bus,
		Clock:       h.clock,
	})
	h.m.SetSelfID(self)
	return h
}

// waitState polls for want, since fake clock callbacks run on their own
// goroutines.
func (h *harness) waitState(t *testing.T, want State) {
	t.Helper()
	require.Eventually(t, func() bool { return h.m.State().State == want },
		time.Second, time.Millisecond)
}

func drainStates(ch <-chan bus.Event) []State {
	var out []State
	for {
		select {
		case ev := <-ch:
			out = append(out, ev.Payload.(Session).State)
		default:
			return out
		}
	}
}

func TestStartRingsPeer(t *testing.T) {
	h := newHarness(t, "u1")
	events, unsub := h.bus.Subscribe("call.", 16)
	defer unsub()

	s, err := h.m.Start(context.Background(), "C1", "u2")
	require.NoError(t, err)
	assert.Equal(t, RingingLocal, s.State)
	assert.Equal(t, "vs-1", s.ID)
	assert.Equal(t, Outbound, s.Direction)
	assert.Equal(t, []sent{{"u2", "vs-1", wire.KindVideoInvite}}, h.sig.sent)
	assert.Equal(t, []State{Inviting, RingingLocal}, drainStates(events))
}

func TestStartRejectsOfflinePeer(t *testing.T) {
	h := newHarness(t, "u1")

	_, err := h.m.Start(context.Background(), "C1", "u9")
	var offline *PeerOfflineError
	require.ErrorAs(t, err, &offline)
	assert.Equal(t, "u9", offline.PeerID)
	assert.Zero(t, h.prov.created, "no session should be provisioned")
	assert.Empty(t, h.sig.sent, "no signal should be sent")
	assert.Equal(t, Idle, h.m.State().State)
}

func TestStartWhileBusy(t *testing.T) {
	h := newHarness(t, "u1")
	_, err := h.m.Start(context.Background(), "C1", "u2")
	require.NoError(t, err)

	_, err = h.m.Start(context.Background(), "C1", "u2")
	assert.ErrorIs(t, err, ErrCallInProgress)
}

func TestStartProvisionFailureReturnsToIdle(t *testing.T) {
	h := newHarness(t, "u1")
	h.prov.err = errors.New("503")

	_, err := h.m.Start(context.Background(), "C1", "u2")
	require.Error(t, err)
	assert.Equal(t, Idle, h.m.State().State)
	assert.Empty(t, h.sig.sent)
}

func TestStartSignalFailureEndsSession(t *testing.T) {
	h := newHarness(t, "u1")
	h.sig.err = errors.New("outbox full")

	_, err := h.m.Start(context.Background(), "C1", "u2")
	require.Error(t, err)
	assert.Equal(t, Idle, h.m.State().State)
	assert.Equal(t, []string{"vs-1"}, h.prov.endedIDs())
}

func TestCancelReturnsToIdle(t *testing.T) {
	h := newHarness(t, "u1")
	_, err := h.m.Start(context.Background(), "C1", "u2")
	require.NoError(t, err)
	events, unsub := h.bus.Subscribe("call.", 16)
	defer unsub()

	require.NoError(t, h.m.Cancel(context.Background()))
	assert.Equal(t, Idle, h.m.State().State)
	assert.Equal(t, []State{Cancelled, Idle}, drainStates(events))
	assert.Equal(t, []wire.Kind{wire.KindVideoInvite, wire.KindVideoEnd}, h.sig.kinds())
	assert.Equal(t, []string{"vs-1"}, h.prov.endedIDs())

	assert.ErrorIs(t, h.m.Cancel(context.Background()), ErrNoCall)
}

func TestMismatchedAcceptIgnored(t *testing.T) {
	h := newHarness(t, "u1")
	_, err := h.m.Start(context.Background(), "C1", "u2")
	require.NoError(t, err)

	h.m.HandleSignal(wire.CallSignal{Type: wire.KindVideoAccept, SenderID: "u2", SessionID: "other"})
	assert.Equal(t, RingingLocal, h.m.State().State)
	h.m.HandleSignal(wire.CallSignal{Type: wire.KindVideoAccept, SenderID: "u3", SessionID: "vs-1"})
	assert.Equal(t, RingingLocal, h.m.State().State)

	h.m.HandleSignal(wire.CallSignal{Type: wire.KindVideoAccept, SenderID: "u2", SessionID: "vs-1"})
	assert.Equal(t, Accepted, h.m.State().State)
}

func TestDeclineReturnsToIdleAfterHold(t *testing.T) {
	h := newHarness(t, "u1")
	_, err := h.m.Start(context.Background(), "C1", "u2")
	require.NoError(t, err)

	h.m.HandleSignal(wire.CallSignal{Type: wire.KindVideoDecline, SenderID: "u2", SessionID: "vs-1"})
	assert.Equal(t, Declined, h.m.State().State)

	h.clock.Advance(1999 * time.Millisecond)
	assert.Equal(t, Declined, h.m.State().State)
	h.clock.Advance(time.Millisecond)
	h.waitState(t, Idle)
}

func TestDeclinedHoldDoesNotClobberNewCall(t *testing.T) {
	h := newHarness(t, "u1")
	_, err := h.m.Start(context.Background(), "C1", "u2")
	require.NoError(t, err)
	h.m.HandleSignal(wire.CallSignal{Type: wire.KindVideoDecline, SenderID: "u2", SessionID: "vs-1"})

	// Declined is not IDLE, so a new call cannot start until the hold ends.
	_, err = h.m.Start(context.Background(), "C1", "u2")
	require.ErrorIs(t, err, ErrCallInProgress)

	h.clock.Advance(DeclinedHold)
	h.waitState(t, Idle)
	_, err = h.m.Start(context.Background(), "C1", "u2")
	require.NoError(t, err)
	h.clock.Advance(DeclinedHold)
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, RingingLocal, h.m.State().State)
}

func TestInboundCallAcceptAndHangup(t *testing.T) {
	h := newHarness(t, "u1")

	h.m.HandleSignal(wire.CallSignal{Type: wire.KindVideoInvite, SenderID: "u2", SessionID: "vs-9"})
	s := h.m.State()
	assert.Equal(t, RingingRemote, s.State)
	assert.Equal(t, Inbound, s.Direction)

	s, err := h.m.Accept(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Accepted, s.State)

	require.NoError(t, h.m.Hangup(context.Background()))
	assert.Equal(t, Idle, h.m.State().State)
	assert.Equal(t, []sent{
		{"u2", "vs-9", wire.KindVideoAccept},
		{"u2", "vs-9", wire.KindVideoEnd},
	}, h.sig.sent)
}

func TestInboundDecline(t *testing.T) {
	h := newHarness(t, "u1")
	h.m.HandleSignal(wire.CallSignal{Type: wire.KindVideoInvite, SenderID: "u2", SessionID: "vs-9"})

	require.NoError(t, h.m.Decline(context.Background()))
	assert.Equal(t, Idle, h.m.State().State)
	assert.Equal(t, []wire.Kind{wire.KindVideoDecline}, h.sig.kinds())
	assert.ErrorIs(t, h.m.Decline(context.Background()), ErrNoCall)
}

func TestRemoteEndReturnsToIdle(t *testing.T) {
	h := newHarness(t, "u1")
	h.m.HandleSignal(wire.CallSignal{Type: wire.KindVideoInvite, SenderID: "u2", SessionID: "vs-9"})
	events, unsub := h.bus.Subscribe("call.", 16)
	defer unsub()

	h.m.HandleSignal(wire.CallSignal{Type: wire.KindVideoEnd, SenderID: "u2", SessionID: "vs-9"})
	assert.Equal(t, []State{Ended, Idle}, drainStates(events))
}

func TestStaleSignalsInIdleIgnored(t *testing.T) {
	h := newHarness(t, "u1")
	for _, k := range []wire.Kind{wire.KindVideoAccept, wire.KindVideoDecline, wire.KindVideoEnd} {
		h.m.HandleSignal(wire.CallSignal{Type: k, SenderID: "u2", SessionID: "vs-1"})
		assert.Equal(t, Idle, h.m.State().State, "after %s", k)
	}
	_, err := h.m.Accept(context.Background())
	assert.ErrorIs(t, err, ErrNoCall)
	assert.ErrorIs(t, h.m.Hangup(context.Background()), ErrNoCall)
}

func TestGlareLowerIDWins(t *testing.T) {
	t.Run("self lower keeps own invite", func(t *testing.T) {
		h := newHarness(t, "u1")
		_, err := h.m.Start(context.Background(), "C1", "u2")
		require.NoError(t, err)

		h.m.HandleSignal(wire.CallSignal{Type: wire.KindVideoInvite, SenderID: "u2", SessionID: "vs-peer"})
		s := h.m.State()
		assert.Equal(t, RingingLocal, s.State)
		assert.Equal(t, "vs-1", s.ID)
	})

	t.Run("peer lower takes over", func(t *testing.T) {
		h := newHarness(t, "u1")
		_, err := h.m.Start(context.Background(), "C1", "u0")
		require.NoError(t, err)

		h.m.HandleSignal(wire.CallSignal{Type: wire.KindVideoInvite, SenderID: "u0", SessionID: "vs-peer"})
		s := h.m.State()
		assert.Equal(t, RingingRemote, s.State)
		assert.Equal(t, "vs-peer", s.ID)
		assert.Equal(t, Inbound, s.Direction)
		assert.Eventually(t, func() bool {
			ids := h.prov.endedIDs()
			return len(ids) == 1 && ids[0] == "vs-1"
		}, time.Second, 5*time.Millisecond)
	})
}

func TestCancelDuringInviteEndsPeerRinging(t *testing.T) {
	h := newHarness(t, "u1")
	var once sync.Once
	h.sig.before = func(kind wire.Kind) {
		if kind != wire.KindVideoInvite {
			return
		}
		once.Do(func() { require.NoError(t, h.m.Cancel(context.Background())) })
	}

	_, err := h.m.Start(context.Background(), "c1", "u2")
	assert.ErrorIs(t, err, ErrAbandoned)
	assert.Equal(t, Idle, h.m.State().State)

	kinds := h.sig.kinds()
	require.NotEmpty(t, kinds)
	assert.Contains(t, kinds, wire.KindVideoInvite)
	assert.Equal(t, wire.KindVideoEnd, kinds[len(kinds)-1], "the peer must not be left ringing")
	assert.Equal(t, []string{"vs-1"}, h.prov.endedIDs())
}

func TestResetEndsCallInProgress(t *testing.T) {
	t.Run("outbound ringing", func(t *testing.T) {
		h := newHarness(t, "u1")
		_, err := h.m.Start(context.Background(), "C1", "u2")
		require.NoError(t, err)
		events, unsub := h.bus.Subscribe("call.", 16)
		defer unsub()

		h.m.Reset(context.Background())
		assert.Equal(t, []State{Ended, Idle}, drainStates(events))
		assert.Equal(t, []wire.Kind{wire.KindVideoInvite, wire.KindVideoEnd}, h.sig.kinds())
		assert.Equal(t, []string{"vs-1"}, h.prov.endedIDs())

		// A late accept for the old call is stale.
		h.m.HandleSignal(wire.CallSignal{Type: wire.KindVideoAccept, SenderID: "u2", SessionID: "vs-1"})
		assert.Equal(t, Idle, h.m.State().State)
	})

	t.Run("inbound ringing", func(t *testing.T) {
		h := newHarness(t, "u1")
		h.m.HandleSignal(wire.CallSignal{Type: wire.KindVideoInvite, SenderID: "u2", SessionID: "vs-9"})

		h.m.Reset(context.Background())
		assert.Equal(t, Idle, h.m.State().State)
		assert.Equal(t, []wire.Kind{wire.KindVideoDecline}, h.sig.kinds())
		assert.Empty(t, h.prov.endedIDs())
	})

	t.Run("idle", func(t *testing.T) {
		h := newHarness(t, "u1")
		events, unsub := h.bus.Subscribe("call.", 16)
		defer unsub()

		h.m.Reset(context.Background())
		assert.Empty(t, drainStates(events))
		assert.Empty(t, h.sig.kinds())
	})
}
