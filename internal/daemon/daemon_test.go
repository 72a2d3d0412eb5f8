package daemon

import (
	"context"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/matheus3301/convo/internal/api"
	"github.com/matheus3301/convo/internal/config"
	"github.com/matheus3301/convo/internal/fakebackend"
	"github.com/matheus3301/convo/internal/lock"
	"github.com/matheus3301/convo/internal/session"
	"github.com/matheus3301/convo/internal/status"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/fx"
	"go.uber.org/zap/zapcore"
)

const testSecret = "daemon-secret"

// setup points CONVO_HOME at a short directory (Unix socket paths are capped
// near 104 bytes on macOS) and starts a fake backend.
func setup(t *testing.T) (*fakebackend.Backend, Params) {
	t.Helper()
	home, err := os.MkdirTemp("/tmp", "convo-test-*")
	require.NoError(t, err)
	t.Cleanup(func() { _ = os.RemoveAll(home) })
	t.Setenv("CONVO_HOME", home)

	b := fakebackend.New(testSecret)
	b.AddUser("u1", "Ana")
	b.AddUser("u2", "Bruno")
	require.NoError(t, b.CreateConversation("C123", "u1", "u2"))
	srv := httptest.NewServer(b)
	t.Cleanup(srv.Close)

	cfg := config.Default()
	cfg.Backend.BaseURL = srv.URL
	cfg.Backend.WSURL = "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	cfg.Channel.PingInterval = -1

	return b, Params{
		SessionName: "test",
		SocketPath:  filepath.Join(home, "d.sock"),
		Config:      cfg,
		LogLevel:    zapcore.WarnLevel,
	}
}

func startApp(t *testing.T, p Params) *api.Client {
	t.Helper()
	app := fx.New(Module(p), fx.NopLogger)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, app.Start(ctx))
	t.Cleanup(func() {
		stopCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
		defer stop()
		_ = app.Stop(stopCtx)
	})

	c, err := api.Dial(p.SocketPath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func waitState(t *testing.T, c *api.Client, want status.State) *api.StatusResponse {
	t.Helper()
	var last *api.StatusResponse
	require.Eventually(t, func() bool {
		st, err := c.Status(context.Background())
		if err != nil {
			return false
		}
		last = st
		return st.State == want
	}, 5*time.Second, 20*time.Millisecond, "want state %s", want)
	return last
}

func TestModuleGraph(t *testing.T) {
	_, p := setup(t)
	require.NoError(t, fx.ValidateApp(Module(p)))
}

func TestDaemonLifecycle(t *testing.T) {
	b, p := setup(t)
	token, err := b.IssueToken("u1", time.Hour)
	require.NoError(t, err)
	require.NoError(t, session.SaveToken(p.SessionName, token))

	c := startApp(t, p)
	st := waitState(t, c, status.Connected)
	assert.Equal(t, "test", st.Session)
	assert.Equal(t, "u1", st.UserID)

	owner, held, err := lock.Inspect(session.Dir(p.SessionName))
	require.NoError(t, err)
	assert.True(t, held)
	assert.Equal(t, "u1", owner.User)

	ctx := context.Background()
	require.Eventually(t, func() bool {
		resp, err := c.Conversations(ctx, false)
		return err == nil && len(resp.Conversations) == 1
	}, 5*time.Second, 20*time.Millisecond)

	_, err = c.Open(ctx, "C123")
	require.NoError(t, err)
	msg, err := c.Send(ctx, &api.SendRequest{ConversationID: "C123", Text: "hello"})
	require.NoError(t, err)
	assert.Equal(t, "hello", msg.Text)
	require.Eventually(t, func() bool { return len(b.Messages("C123")) == 1 }, 5*time.Second, 20*time.Millisecond)

	_, err = os.Stat(session.CachePath(p.SessionName))
	assert.NoError(t, err)
}

func TestDaemonWaitsForLogin(t *testing.T) {
	b, p := setup(t)
	c := startApp(t, p)
	waitState(t, c, status.AuthRejected)

	ctx := context.Background()
	_, err := c.Login(ctx, "not-a-token")
	require.Error(t, err)

	token, err := b.IssueToken("u1", time.Hour)
	require.NoError(t, err)
	_, err = c.Login(ctx, token)
	require.NoError(t, err)
	waitState(t, c, status.Connected)

	stored, err := session.LoadToken(p.SessionName)
	require.NoError(t, err)
	assert.Equal(t, token, stored)

	_, err = c.Logout(ctx)
	require.NoError(t, err)
	waitState(t, c, status.Closed)
	_, err = session.LoadToken(p.SessionName)
	assert.ErrorIs(t, err, session.ErrNoToken)
}

func TestLoginAsAnotherUserStartsClean(t *testing.T) {
	b, p := setup(t)
	b.AddUser("u3", "Carla")
	require.NoError(t, b.CreateConversation("C900", "u3", "u2"))
	c := startApp(t, p)
	waitState(t, c, status.AuthRejected)
	ctx := context.Background()

	ana, err := b.IssueToken("u1", time.Hour)
	require.NoError(t, err)
	_, err = c.Login(ctx, ana)
	require.NoError(t, err)
	waitState(t, c, status.Connected)
	require.Eventually(t, func() bool {
		resp, err := c.Conversations(ctx, false)
		return err == nil && len(resp.Conversations) == 1
	}, 5*time.Second, 20*time.Millisecond)
	_, err = c.Open(ctx, "C123")
	require.NoError(t, err)
	_, err = c.Send(ctx, &api.SendRequest{ConversationID: "C123", Text: "private note"})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		resp, err := c.Search(ctx, &api.SearchRequest{Query: "private"})
		return err == nil && len(resp.Results) == 1
	}, 5*time.Second, 20*time.Millisecond)

	_, err = c.Logout(ctx)
	require.NoError(t, err)
	resp, err := c.Conversations(ctx, false)
	require.NoError(t, err)
	assert.Empty(t, resp.Conversations, "logout must drop the list")
	found, err := c.Search(ctx, &api.SearchRequest{Query: "private"})
	require.NoError(t, err)
	assert.Empty(t, found.Results, "logout must drop the cache")

	carla, err := b.IssueToken("u3", time.Hour)
	require.NoError(t, err)
	_, err = c.Login(ctx, carla)
	require.NoError(t, err)
	waitState(t, c, status.Connected)
	require.Eventually(t, func() bool {
		resp, err := c.Conversations(ctx, false)
		return err == nil && len(resp.Conversations) == 1 && resp.Conversations[0].ID == "C900"
	}, 5*time.Second, 20*time.Millisecond)
	found, err = c.Search(ctx, &api.SearchRequest{Query: "private"})
	require.NoError(t, err)
	assert.Empty(t, found.Results, "u3 must not find u1's messages")

	// Switching users without a logout purges too.
	_, err = c.Login(ctx, ana)
	require.NoError(t, err)
	waitState(t, c, status.Connected)
	require.Eventually(t, func() bool {
		resp, err := c.Conversations(ctx, false)
		return err == nil && len(resp.Conversations) == 1 && resp.Conversations[0].ID == "C123"
	}, 5*time.Second, 20*time.Millisecond)
}

func TestSecondDaemonCannotTakeSession(t *testing.T) {
	_, p := setup(t)
	startApp(t, p)

	app := fx.New(Module(p), fx.NopLogger)
	err := app.Err()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "session lock held")

	_, err = os.Stat(p.SocketPath)
	assert.NoError(t, err, "first daemon's socket must survive")
}
