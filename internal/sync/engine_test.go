package sync

import (
	"context"
	"errors"
	"slices"
	gosync "sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matheus3301/convo/internal/bus"
	"github.com/matheus3301/convo/internal/model"
	"github.com/matheus3301/convo/internal/status"
	"github.com/matheus3301/convo/internal/store"
	"github.com/matheus3301/convo/internal/wire"
)

type fakeSource struct {
	mu        gosync.Mutex
	message   []func(wire.Message)
	typing    []func(wire.Typing)
	presence  []func(wire.Presence)
	call      []func(wire.CallSignal)
	reconnect []func(time.Duration)
	status    []func(status.State)
}

func (f *fakeSource) OnMessage(fn func(wire.Message)) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.message = append(f.message, fn)
	return func() {
		f.mu.Lock()
		f.message = nil
		f.mu.Unlock()
	}
}

func (f *fakeSource) OnTyping(fn func(wire.Typing)) func() {
	f.typing = append(f.typing, fn)
	return func() {}
}

func (f *fakeSource) OnPresence(fn func(wire.Presence)) func() {
	f.presence = append(f.presence, fn)
	return func() {}
}

func (f *fakeSource) OnCallSignal(fn func(wire.CallSignal)) func() {
	f.call = append(f.call, fn)
	return func() {}
}

func (f *fakeSource) OnReconnect(fn func(time.Duration)) func() {
	f.reconnect = append(f.reconnect, fn)
	return func() {}
}

func (f *fakeSource) OnStatus(fn func(status.State)) func() {
	f.status = append(f.status, fn)
	return func() {}
}

func (f *fakeSource) deliver(m wire.Message) {
	f.mu.Lock()
	hs := slices.Clone(f.message)
	f.mu.Unlock()
	for _, h := range hs {
		h(m)
	}
}

type fakeConversations struct {
	mu         gosync.Mutex
	known      map[string]bool
	applied    []model.Message
	loads      int
	reconciles int
	loadErr    error
	reconErr   error
	loadGate   chan struct{}
}

func (f *fakeConversations) ApplyIncomingMessage(m model.Message) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.known[m.ConversationID] {
		return false
	}
	f.applied = append(f.applied, m)
	return true
}

func (f *fakeConversations) LoadConversations(context.Context) ([]model.Conversation, error) {
	if f.loadGate != nil {
		<-f.loadGate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.loads++
	return nil, f.loadErr
}

func (f *fakeConversations) Reconcile(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reconciles++
	return f.reconErr
}

func (f *fakeConversations) counts() (loads, reconciles int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.loads, f.reconciles
}

type fakePresence struct {
	online   []string
	offline  map[string]time.Time
	activity map[string]time.Time
}

func newFakePresence() *fakePresence {
	return &fakePresence{offline: map[string]time.Time{}, activity: map[string]time.Time{}}
}

func (f *fakePresence) MarkOnline(id string) { f.online = append(f.online, id) }

func (f *fakePresence) MarkOffline(id string, at time.Time) { f.offline[id] = at }

func (f *fakePresence) ObserveActivity(id string, at time.Time) { f.activity[id] = at }

type fakeTyping struct {
	typing  []string
	cleared []string
}

func (f *fakeTyping) OnTypingEvent(id string) { f.typing = append(f.typing, id) }
func (f *fakeTyping) Clear(id string)         { f.cleared = append(f.cleared, id) }

type fakeCalls struct{ got []wire.CallSignal }

func (f *fakeCalls) HandleSignal(s wire.CallSignal) { f.got = append(f.got, s) }

type engineHarness struct {
	src      *fakeSource
	convs    *fakeConversations
	presence *fakePresence
	typing   *fakeTyping
	calls    *fakeCalls
	engine   *Engine
}

func newEngineHarness(t *testing.T) *engineHarness {
	t.Helper()
	h := &engineHarness{
		src:      &fakeSource{},
		convs:    &fakeConversations{known: map[string]bool{"C1": true}},
		presence: newFakePresence(),
		typing:   &fakeTyping{},
		calls:    &fakeCalls{},
	}
	h.engine = NewEngine(EngineOptions{
		Source:        h.src,
		Conversations: h.convs,
		Presence:      h.presence,
		Typing:        h.typing,
		Calls:         h.calls,
	})
	h.engine.SetSelfID("me")
	h.engine.Start(context.Background())
	t.Cleanup(h.engine.Stop)
	return h
}

func TestEngineRoutesMessage(t *testing.T) {
	h := newEngineHarness(t)
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	h.src.deliver(wire.Message{ID: "m1", ConversationID: "C1", SenderID: "u2", Text: "hi", CreatedAt: at})

	require.Len(t, h.convs.applied, 1)
	assert.Equal(t, "hi", h.convs.applied[0].Text)
	assert.Equal(t, []string{"u2"}, h.typing.cleared, "a message clears its sender's typing flag")
	assert.Equal(t, at, h.presence.activity["u2"])
}

func TestEngineOwnEchoIsNotPeerActivity(t *testing.T) {
	h := newEngineHarness(t)

	h.src.deliver(wire.Message{ID: "m1", ConversationID: "C1", SenderID: "me", Text: "hi", CreatedAt: time.Now()})

	assert.Len(t, h.convs.applied, 1)
	assert.Empty(t, h.typing.cleared)
	assert.Empty(t, h.presence.activity)
}

func TestEngineUnknownConversationRefetches(t *testing.T) {
	h := newEngineHarness(t)

	h.src.deliver(wire.Message{ID: "m1", ConversationID: "C9", SenderID: "u2", CreatedAt: time.Now()})
	h.engine.wg.Wait()

	loads, _ := h.convs.counts()
	assert.Equal(t, 1, loads)
}

func TestEngineFoldsConcurrentRefetches(t *testing.T) {
	h := newEngineHarness(t)
	h.convs.loadGate = make(chan struct{})

	for i := 0; i < 5; i++ {
		h.src.deliver(wire.Message{ID: "m", ConversationID: "C9", SenderID: "u2", CreatedAt: time.Now()})
	}
	close(h.convs.loadGate)
	h.engine.wg.Wait()

	loads, _ := h.convs.counts()
	assert.Equal(t, 1, loads)
}

func TestEngineRefetchFailureIsLogged(t *testing.T) {
	h := newEngineHarness(t)
	h.convs.loadErr = errors.New("503")

	h.src.deliver(wire.Message{ID: "m1", ConversationID: "C9", SenderID: "u2", CreatedAt: time.Now()})
	h.engine.wg.Wait()

	// A later unknown message retries.
	h.src.deliver(wire.Message{ID: "m2", ConversationID: "C9", SenderID: "u2", CreatedAt: time.Now()})
	h.engine.wg.Wait()
	loads, _ := h.convs.counts()
	assert.Equal(t, 2, loads)
}

func TestEngineRoutesTypingPresenceAndCalls(t *testing.T) {
	h := newEngineHarness(t)
	seen := time.Date(2026, 3, 1, 11, 0, 0, 0, time.UTC)

	h.src.typing[0](wire.Typing{SenderID: "u2"})
	h.src.typing[0](wire.Typing{SenderID: "me"})
	h.src.presence[0](wire.Presence{UserID: "u2", Online: true})
	h.src.presence[0](wire.Presence{UserID: "u3", Online: false, LastSeen: &seen})
	h.src.call[0](wire.CallSignal{Type: wire.KindVideoInvite, SenderID: "u2", SessionID: "s1"})

	assert.Equal(t, []string{"u2"}, h.typing.typing)
	assert.Equal(t, []string{"u2"}, h.presence.online)
	assert.Equal(t, seen, h.presence.offline["u3"])
	assert.Equal(t, []string{"u3"}, h.typing.cleared, "going offline clears typing")
	require.Len(t, h.calls.got, 1)
	assert.Equal(t, "s1", h.calls.got[0].SessionID)
}

func TestEngineStopUnsubscribes(t *testing.T) {
	h := newEngineHarness(t)
	h.engine.Stop()

	h.src.deliver(wire.Message{ID: "m1", ConversationID: "C1", SenderID: "u2", CreatedAt: time.Now()})
	assert.Empty(t, h.convs.applied)
}

func testDB(t *testing.T) *store.DB {
	t.Helper()
	db, err := store.Open(t.TempDir() + "/test.db")
	require.NoError(t, err)
	_, err = db.Migrate()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestReconcilerSkipsShortGaps(t *testing.T) {
	src := &fakeSource{}
	convs := &fakeConversations{}
	b := bus.New()
	events, unsub := b.Subscribe("channel.reconnected", 4)
	defer unsub()
	r := NewReconciler(ReconcilerOptions{Source: src, Conversations: convs, Bus: b})
	r.Start(context.Background())
	defer r.Stop()

	src.reconnect[0](3 * time.Second)
	r.wg.Wait()

	_, reconciles := convs.counts()
	assert.Zero(t, reconciles)
	select {
	case ev := <-events:
		assert.Equal(t, 3*time.Second, ev.Payload)
	default:
		t.Fatal("expected channel.reconnected")
	}
}

func TestReconcilerRefetchesAfterLongGap(t *testing.T) {
	db := testDB(t)
	src := &fakeSource{}
	convs := &fakeConversations{}
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	r := NewReconciler(ReconcilerOptions{
		Source:        src,
		Conversations: convs,
		Checkpoints:   db,
		Now:           func() time.Time { return now },
	})
	r.Start(context.Background())
	defer r.Stop()

	src.reconnect[0](45 * time.Second)
	r.wg.Wait()

	_, reconciles := convs.counts()
	assert.Equal(t, 1, reconciles)
	got, err := db.Checkpoint(store.KeyLastReconciledAt)
	require.NoError(t, err)
	assert.True(t, got.Equal(now), "last_reconciled_at = %v", got)
}

func TestReconcilerStampsLastConnected(t *testing.T) {
	db := testDB(t)
	src := &fakeSource{}
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	r := NewReconciler(ReconcilerOptions{
		Source:        src,
		Conversations: &fakeConversations{},
		Checkpoints:   db,
		Now:           func() time.Time { return now },
	})
	r.Start(context.Background())
	defer r.Stop()

	got, err := r.LastConnected()
	require.NoError(t, err)
	assert.True(t, got.IsZero())

	src.status[0](status.Connecting)
	got, _ = r.LastConnected()
	assert.True(t, got.IsZero(), "connecting alone does not stamp")

	src.status[0](status.Connected)
	got, _ = r.LastConnected()
	assert.True(t, got.Equal(now))

	now = now.Add(time.Minute)
	src.status[0](status.Reconnecting)
	got, _ = r.LastConnected()
	assert.True(t, got.Equal(now), "leaving CONNECTED stamps the last live moment")

	later := now
	now = now.Add(time.Minute)
	src.status[0](status.Connecting)
	got, _ = r.LastConnected()
	assert.True(t, got.Equal(later))
}
