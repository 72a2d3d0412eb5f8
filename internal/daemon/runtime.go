package daemon

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/matheus3301/convo/internal/call"
	"github.com/matheus3301/convo/internal/channel"
	"github.com/matheus3301/convo/internal/conversation"
	"github.com/matheus3301/convo/internal/lock"
	"github.com/matheus3301/convo/internal/presence"
	"github.com/matheus3301/convo/internal/rest"
	"github.com/matheus3301/convo/internal/session"
	"github.com/matheus3301/convo/internal/status"
	"github.com/matheus3301/convo/internal/store"
	intsync "github.com/matheus3301/convo/internal/sync"
	"github.com/matheus3301/convo/internal/typing"
	"go.uber.org/zap"
)

const loadTimeout = 30 * time.Second

// Runtime owns the session credentials and the components that follow them:
// logging in points the REST client, channel and stores at a new identity.
type Runtime struct {
	name       string
	logger     *zap.Logger
	machine    *status.Machine
	lock       *lock.Lock
	db         *store.DB
	rest       *rest.Client
	channel    *channel.Client
	convs      *conversation.Store
	calls      *call.Machine
	engine     *intsync.Engine
	reconciler *intsync.Reconciler
	typing     *typing.Coordinator
	presence   *presence.Tracker

	mu sync.Mutex
	bg sync.WaitGroup
}

// NewRuntime creates the session runtime. Nothing connects until Start.
func NewRuntime(
	p Params,
	logger *zap.Logger,
	machine *status.Machine,
	lk *lock.Lock,
	db *store.DB,
	rc *rest.Client,
	ch *channel.Client,
	convs *conversation.Store,
	calls *call.Machine,
	engine *intsync.Engine,
	reconciler *intsync.Reconciler,
	tc *typing.Coordinator,
	pt *presence.Tracker,
) *Runtime {
	return &Runtime{
		name:       p.SessionName,
		logger:     logger.Named("runtime"),
		machine:    machine,
		lock:       lk,
		db:         db,
		rest:       rc,
		channel:    ch,
		convs:      convs,
		calls:      calls,
		engine:     engine,
		reconciler: reconciler,
		typing:     tc,
		presence:   pt,
	}
}

// Start warms the cache, starts event routing and connects with the stored
// token. A missing or rejected token leaves the session in AUTH_REJECTED.
func (r *Runtime) Start(ctx context.Context) error {
	token, err := session.LoadToken(r.name)
	if err != nil && !errors.Is(err, session.ErrNoToken) {
		return err
	}
	if id, err := session.ParseIdentity(token); err == nil {
		r.adopt(id.UserID)
	}

	n, err := r.convs.Warm()
	if err != nil {
		r.logger.Warn("cache warm failed", zap.Error(err))
	} else {
		r.logger.Info("cache warmed", zap.Int("conversations", n))
	}

	r.engine.Start(context.Background())
	r.reconciler.Start(context.Background())

	if token == "" {
		r.logger.Info("no session token, waiting for login")
		_ = r.machine.Transition(status.AuthRejected)
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.connectLocked(ctx, token); err != nil {
		r.logger.Warn("stored token rejected", zap.Error(err))
	}
	return nil
}

// Login connects with token and stores it once the backend accepts it.
// Logging in as a different user than the cache holds discards the cache
// and every in-memory trace of the previous user first.
func (r *Runtime) Login(ctx context.Context, token string) error {
	id, err := session.ParseIdentity(token)
	if err != nil {
		return &channel.ConnectionError{Auth: true, Err: err}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls.Reset(ctx)
	_ = r.channel.Close()
	if r.adopt(id.UserID) {
		r.resetLocked()
	}
	if err := r.connectLocked(ctx, token); err != nil {
		return err
	}
	if err := session.SaveToken(r.name, token); err != nil {
		return fmt.Errorf("save token: %w", err)
	}
	r.logger.Info("logged in", zap.String("user_id", id.UserID))
	return nil
}

// Logout ends any call, closes the channel, forgets the stored token and
// empties the cache.
func (r *Runtime) Logout(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls.Reset(ctx)
	_ = r.channel.Close()
	r.rest.SetToken("")
	r.resetLocked()
	if err := r.db.Purge(); err != nil {
		r.logger.Warn("cache purge failed", zap.Error(err))
	}
	if err := session.RemoveToken(r.name); err != nil {
		return fmt.Errorf("remove token: %w", err)
	}
	r.logger.Info("logged out")
	return nil
}

// adopt hands the cache to userID and reports whether it held someone
// else's data.
func (r *Runtime) adopt(userID string) bool {
	purged, err := r.db.AdoptUser(userID)
	if err != nil {
		r.logger.Warn("cache owner check failed", zap.String("user_id", userID), zap.Error(err))
	}
	if purged {
		r.logger.Info("cache purged for new user", zap.String("user_id", userID))
	}
	return purged
}

// resetLocked clears the previous user's state once the channel is closed.
func (r *Runtime) resetLocked() {
	r.bg.Wait()
	r.convs.Reset()
	r.typing.Stop()
	r.presence.Reset()
	r.engine.SetSelfID("")
}

func (r *Runtime) connectLocked(ctx context.Context, token string) error {
	if id, err := session.ParseIdentity(token); err == nil {
		r.convs.SetSelfID(id.UserID)
		r.calls.SetSelfID(id.UserID)
		r.engine.SetSelfID(id.UserID)
	}
	r.rest.SetToken(token)
	if err := r.channel.Connect(ctx, token); err != nil {
		return err
	}

	r.bg.Add(1)
	go func() {
		defer r.bg.Done()
		loadCtx, cancel := context.WithTimeout(context.Background(), loadTimeout)
		defer cancel()
		convs, err := r.convs.LoadConversations(loadCtx)
		if err != nil {
			r.logger.Warn("conversation load failed", zap.Error(err))
			return
		}
		r.logger.Info("conversations loaded", zap.Int("count", len(convs)))
	}()
	return nil
}

// Stop disconnects, waits for background work and releases the session.
func (r *Runtime) Stop() {
	r.reconciler.Stop()
	r.engine.Stop()
	_ = r.channel.Close()
	r.bg.Wait()
	r.convs.Wait()
	r.typing.Stop()
	if err := r.db.Close(); err != nil {
		r.logger.Warn("error closing store", zap.Error(err))
	}
	if err := r.lock.Release(); err != nil {
		r.logger.Warn("error releasing lock", zap.Error(err))
	}
}
