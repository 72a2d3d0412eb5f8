package api

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"

	"github.com/matheus3301/convo/internal/bus"
	"github.com/matheus3301/convo/internal/call"
	"github.com/matheus3301/convo/internal/channel"
	"github.com/matheus3301/convo/internal/conversation"
	"github.com/matheus3301/convo/internal/fakebackend"
	"github.com/matheus3301/convo/internal/presence"
	"github.com/matheus3301/convo/internal/rest"
	"github.com/matheus3301/convo/internal/status"
	"github.com/matheus3301/convo/internal/store"
	"github.com/matheus3301/convo/internal/typing"
	"github.com/matheus3301/convo/internal/wire"
)

type fakeChannel struct {
	mu      sync.Mutex
	typing  []string
	signals []wire.Kind
	err     error
}

func (f *fakeChannel) State() status.State { return status.Connected }
func (f *fakeChannel) SelfID() string      { return "u1" }
func (f *fakeChannel) Queued() int         { return 0 }

func (f *fakeChannel) SendTyping(_ context.Context, _, receiverID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.typing = append(f.typing, receiverID)
	return nil
}

func (f *fakeChannel) SendCallSignal(_ context.Context, _, _ string, kind wire.Kind) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.signals = append(f.signals, kind)
	return nil
}

type fakeRuntime struct {
	token string
}

func (f *fakeRuntime) Login(_ context.Context, token string) error {
	if token == "bad" {
		return &channel.ConnectionError{Auth: true, Err: errors.New("rejected")}
	}
	f.token = token
	return nil
}

func (f *fakeRuntime) Logout(context.Context) error {
	f.token = ""
	return nil
}

type env struct {
	client   *Client
	backend  *fakebackend.Backend
	convs    *conversation.Store
	presence *presence.Tracker
	typing   *typing.Coordinator
	channel  *fakeChannel
	runtime  *fakeRuntime
	db       *store.DB
	bus      *bus.Bus
}

func newEnv(t *testing.T) *env {
	t.Helper()
	e := &env{
		backend: fakebackend.New("secret"),
		channel: &fakeChannel{},
		runtime: &fakeRuntime{},
		bus:     bus.New(),
	}
	e.backend.AddUser("u1", "Ana")
	e.backend.AddUser("u2", "Bruno")
	require.NoError(t, e.backend.CreateConversation("C123", "u1", "u2"))
	httpSrv := httptest.NewServer(e.backend)
	t.Cleanup(httpSrv.Close)

	tok, err := e.backend.IssueToken("u1", time.Hour)
	require.NoError(t, err)

	db, err := store.Open(filepath.Join(t.TempDir(), "convo.db"))
	require.NoError(t, err)
	_, err = db.Migrate()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	e.db = db

	e.presence = presence.New(e.bus)
	e.typing = typing.NewCoordinator(e.bus, clockwork.NewFakeClock(), 0)
	e.convs = conversation.New(conversation.Options{
		API:      rest.New(httpSrv.URL, rest.WithToken(tok)),
		Cache:    db,
		Activity: e.presence,
		Bus:      e.bus,
	})
	e.convs.SetSelfID("u1")
	api := rest.New(httpSrv.URL, rest.WithToken(tok))
	machine := call.New(call.Options{
		Signaler:    e.channel,
		Provisioner: api,
		Presence:    e.presence,
		Bus:         e.bus,
		Clock:       clockwork.NewFakeClock(),
	})

	sm := status.NewMachine(e.bus)
	srv := grpc.NewServer()
	srv.RegisterService(&SessionServiceDesc, NewSessionService("test", sm, e.channel, e.runtime, e.presence, e.typing, e.convs))
	srv.RegisterService(&ChatServiceDesc, NewChatService(e.convs, db, e.channel, e.bus, zap.NewNop(), "test"))
	srv.RegisterService(&CallServiceDesc, NewCallService(machine, e.convs, e.channel))

	// Short path: Unix socket paths are capped near 104 bytes on macOS.
	dir, err := os.MkdirTemp("/tmp", "convo-test-*")
	require.NoError(t, err)
	t.Cleanup(func() { _ = os.RemoveAll(dir) })
	sock := filepath.Join(dir, "d.sock")
	lis, err := net.Listen("unix", sock)
	require.NoError(t, err)
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	e.client, err = Dial(sock)
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.client.Close() })
	return e
}

func ctxT(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestStatusAndLogin(t *testing.T) {
	e := newEnv(t)
	ctx := ctxT(t)

	st, err := e.client.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, "test", st.Session)
	assert.Equal(t, status.Disconnected, st.State)
	assert.Equal(t, "u1", st.UserID)

	_, err = e.client.Login(ctx, "tok-123")
	require.NoError(t, err)
	assert.Equal(t, "tok-123", e.runtime.token)

	_, err = e.client.Login(ctx, "bad")
	assert.Equal(t, codes.Unauthenticated, grpcstatus.Code(err))

	_, err = e.client.Login(ctx, "  ")
	assert.Equal(t, codes.InvalidArgument, grpcstatus.Code(err))

	_, err = e.client.Logout(ctx)
	require.NoError(t, err)
	assert.Empty(t, e.runtime.token)
}

func TestConversationsOpenAndSend(t *testing.T) {
	e := newEnv(t)
	ctx := ctxT(t)

	list, err := e.client.Conversations(ctx, true)
	require.NoError(t, err)
	require.Len(t, list.Conversations, 1)
	assert.Equal(t, "C123", list.Conversations[0].ID)

	opened, err := e.client.Open(ctx, "C123")
	require.NoError(t, err)
	assert.Equal(t, "C123", opened.ConversationID)

	m, err := e.client.Send(ctx, &SendRequest{ConversationID: "C123", Text: "hello"})
	require.NoError(t, err)
	assert.NotEmpty(t, m.ID)
	assert.False(t, m.Pending)

	msgs, err := e.client.Messages(ctx)
	require.NoError(t, err)
	require.Len(t, msgs.Messages, 1)
	assert.Equal(t, "hello", msgs.Messages[0].Text)

	_, err = e.client.Send(ctx, &SendRequest{ConversationID: "C123", Text: "   "})
	assert.Equal(t, codes.InvalidArgument, grpcstatus.Code(err))

	_, err = e.client.Open(ctx, "nope")
	assert.Equal(t, codes.NotFound, grpcstatus.Code(err))

	require.NoError(t, e.client.CloseConversation(ctx))
}

func TestSendFailureIsUnavailable(t *testing.T) {
	e := newEnv(t)
	ctx := ctxT(t)
	_, err := e.client.Conversations(ctx, true)
	require.NoError(t, err)
	e.backend.SetFailSend(true)

	_, err = e.client.Send(ctx, &SendRequest{ConversationID: "C123", Text: "hello"})
	assert.Equal(t, codes.Unavailable, grpcstatus.Code(err))
}

func TestPinAndUndo(t *testing.T) {
	e := newEnv(t)
	ctx := ctxT(t)
	_, err := e.client.Conversations(ctx, true)
	require.NoError(t, err)

	undo, err := e.client.Pin(ctx, "C123")
	require.NoError(t, err)
	require.NotEmpty(t, undo.Token)
	list, err := e.client.Conversations(ctx, false)
	require.NoError(t, err)
	assert.True(t, list.Conversations[0].Pinned)

	restored, err := e.client.Undo(ctx, undo.Token)
	require.NoError(t, err)
	assert.False(t, restored.Pinned)

	_, err = e.client.Undo(ctx, "missing")
	assert.Equal(t, codes.NotFound, grpcstatus.Code(err))
	e.convs.Wait()
}

func TestSearchUsesCache(t *testing.T) {
	e := newEnv(t)
	ctx := ctxT(t)
	_, err := e.client.Conversations(ctx, true)
	require.NoError(t, err)
	_, err = e.client.Open(ctx, "C123")
	require.NoError(t, err)
	_, err = e.client.Send(ctx, &SendRequest{ConversationID: "C123", Text: "booking for tuesday"})
	require.NoError(t, err)

	res, err := e.client.Search(ctx, &SearchRequest{Query: "tuesday"})
	require.NoError(t, err)
	require.Len(t, res.Results, 1)
	assert.Contains(t, res.Results[0].Snippet, "tuesday")

	_, err = e.client.Search(ctx, &SearchRequest{Query: ""})
	assert.Equal(t, codes.InvalidArgument, grpcstatus.Code(err))
	e.convs.Wait()
}

func TestSendTypingAddressesPeer(t *testing.T) {
	e := newEnv(t)
	ctx := ctxT(t)
	_, err := e.client.Conversations(ctx, true)
	require.NoError(t, err)

	require.NoError(t, e.client.SendTyping(ctx, "C123"))
	assert.Equal(t, []string{"u2"}, e.channel.typing)

	e.channel.err = channel.ErrNotConnected
	err = e.client.SendTyping(ctx, "C123")
	assert.Equal(t, codes.Unavailable, grpcstatus.Code(err))
}

func TestPresenceAndTyping(t *testing.T) {
	e := newEnv(t)
	ctx := ctxT(t)
	_, err := e.client.Conversations(ctx, true)
	require.NoError(t, err)
	e.presence.MarkOnline("u2")
	e.typing.OnTypingEvent("u2")

	online, err := e.client.Online(ctx)
	require.NoError(t, err)
	require.Len(t, online.Records, 1)
	assert.Equal(t, "u2", online.Records[0].UserID)

	p, err := e.client.Presence(ctx, "u2")
	require.NoError(t, err)
	assert.True(t, p.Records[0].Online)

	ty, err := e.client.Typing(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"u2"}, ty.UserIDs)
	assert.Equal(t, "Bruno is typing", ty.Summary)
}

func TestCallFlow(t *testing.T) {
	e := newEnv(t)
	ctx := ctxT(t)
	_, err := e.client.Conversations(ctx, true)
	require.NoError(t, err)

	_, err = e.client.StartCall(ctx, "C123", "")
	assert.Equal(t, codes.FailedPrecondition, grpcstatus.Code(err), "offline peer")
	assert.Empty(t, e.channel.signals)

	e.presence.MarkOnline("u2")
	resp, err := e.client.StartCall(ctx, "C123", "")
	require.NoError(t, err)
	assert.Equal(t, call.RingingLocal, resp.Session.State)
	assert.Equal(t, "u2", resp.Session.PeerID)

	_, err = e.client.StartCall(ctx, "C123", "")
	assert.Equal(t, codes.FailedPrecondition, grpcstatus.Code(err), "call in progress")

	resp, err = e.client.CallAction(ctx, "Cancel")
	require.NoError(t, err)
	assert.Equal(t, call.Idle, resp.Session.State)
	assert.Equal(t, []wire.Kind{wire.KindVideoInvite, wire.KindVideoEnd}, e.channel.signals)
	assert.Empty(t, e.backend.VideoSessions())

	_, err = e.client.CallAction(ctx, "Hangup")
	assert.Equal(t, codes.FailedPrecondition, grpcstatus.Code(err))
}

func TestWatchEvents(t *testing.T) {
	e := newEnv(t)
	ctx := ctxT(t)
	_, err := e.client.Conversations(ctx, true)
	require.NoError(t, err)

	stream, err := e.client.Watch(ctx, "presence.")
	require.NoError(t, err)
	// The stream is registered once the server handler subscribes; keep
	// publishing until the first event comes through.
	got := make(chan *WatchEvent, 1)
	go func() {
		ev, err := stream.Recv()
		if err == nil {
			got <- ev
		}
	}()
	deadline := time.After(5 * time.Second)
	tick := time.NewTicker(20 * time.Millisecond)
	defer tick.Stop()
	online := false
	for {
		select {
		case ev := <-got:
			assert.Equal(t, "presence.changed", ev.Kind)
			assert.Contains(t, string(ev.Payload), `"userId":"u2"`)
			return
		case <-tick.C:
			e.bus.Emit("conversation.updated", "ignored")
			if online {
				e.presence.MarkOffline("u2", time.Now())
			} else {
				e.presence.MarkOnline("u2")
			}
			online = !online
		case <-deadline:
			t.Fatal("no watch event")
		}
	}
}

func TestToStatus(t *testing.T) {
	tests := []struct {
		err  error
		want codes.Code
	}{
		{&call.PeerOfflineError{PeerID: "u2"}, codes.FailedPrecondition},
		{&conversation.UploadError{Reason: "too large"}, codes.InvalidArgument},
		{&conversation.SendFailure{ConversationID: "C1", Err: &rest.APIError{Status: 500}}, codes.Unavailable},
		{conversation.ErrNotFound, codes.NotFound},
		{call.ErrCallInProgress, codes.FailedPrecondition},
		{channel.ErrOutboxFull, codes.Unavailable},
		{&rest.APIError{Status: http.StatusNotFound}, codes.NotFound},
		{&rest.APIError{Status: http.StatusUnauthorized}, codes.Unauthenticated},
		{context.DeadlineExceeded, codes.DeadlineExceeded},
		{errors.New("boom"), codes.Internal},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, grpcstatus.Code(toStatus(tt.err)), "%v", tt.err)
	}
	assert.NoError(t, toStatus(nil))
}
