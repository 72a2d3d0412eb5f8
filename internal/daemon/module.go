package daemon

import (
	"context"

	"github.com/jonboulle/clockwork"

	"github.com/matheus3301/convo/internal/api"
	"github.com/matheus3301/convo/internal/bus"
	"github.com/matheus3301/convo/internal/call"
	"github.com/matheus3301/convo/internal/channel"
	"github.com/matheus3301/convo/internal/config"
	"github.com/matheus3301/convo/internal/conversation"
	"github.com/matheus3301/convo/internal/lock"
	"github.com/matheus3301/convo/internal/logging"
	"github.com/matheus3301/convo/internal/presence"
	"github.com/matheus3301/convo/internal/rest"
	"github.com/matheus3301/convo/internal/session"
	"github.com/matheus3301/convo/internal/status"
	"github.com/matheus3301/convo/internal/store"
	intsync "github.com/matheus3301/convo/internal/sync"
	"github.com/matheus3301/convo/internal/typing"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Params holds the resolved session configuration passed to the fx module.
type Params struct {
	SessionName string
	SocketPath  string         // optional override for testing; empty = use default
	Config      *config.Config // nil = defaults
	LogLevel    zapcore.Level
	Dialer      channel.Dialer // nil = WebSocketDialer
}

// Module returns the fx module for the daemon, composing all providers and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideConfig,
			provideLogger,
			provideBus,
			provideStateMachine,
			provideLock,
			provideStore,
			provideREST,
			provideChannel,
			providePresence,
			provideTyping,
			provideConversations,
			provideCalls,
			provideSyncEngine,
			provideReconciler,
			NewRuntime,
			provideSessionService,
			provideChatService,
			provideCallService,
			NewServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideConfig(p Params) *config.Config {
	if p.Config != nil {
		return p.Config
	}
	return config.Default()
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(session.LogPath(p.SessionName), p.SessionName, p.LogLevel)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideStateMachine(b *bus.Bus) *status.Machine {
	return status.NewMachine(b)
}

// provideLock claims the session before anything touches its socket or cache.
func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := session.EnsureDir(p.SessionName); err != nil {
		return nil, err
	}
	var userID string
	if token, err := session.LoadToken(p.SessionName); err == nil {
		if id, err := session.ParseIdentity(token); err == nil {
			userID = id.UserID
		}
	}
	logger.Info("acquiring session lock", zap.String("session", p.SessionName))
	l, err := lock.Acquire(session.Dir(p.SessionName), userID)
	if err != nil {
		return nil, err
	}
	logger.Info("session lock acquired", zap.String("user_id", userID))
	return l, nil
}

func provideStore(p Params, _ *lock.Lock, logger *zap.Logger) (*store.DB, error) {
	dbPath := session.CachePath(p.SessionName)
	db, err := store.Open(dbPath)
	if err != nil {
		return nil, err
	}
	result, err := db.Migrate()
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if result.Changed {
		logger.Info("migrations applied", zap.Uint("version", result.Version))
	} else {
		logger.Info("migrations up to date", zap.Uint("version", result.Version))
	}
	logger.Info("store initialized", zap.String("path", dbPath))
	return db, nil
}

func provideREST(cfg *config.Config) *rest.Client {
	return rest.New(cfg.Backend.BaseURL)
}

func provideChannel(p Params, cfg *config.Config, m *status.Machine, logger *zap.Logger) *channel.Client {
	return channel.New(channel.Options{
		URL:            cfg.Backend.WSURL,
		BackoffInitial: cfg.Channel.BackoffInitial,
		BackoffMax:     cfg.Channel.BackoffMax,
		PingInterval:   cfg.Channel.PingInterval,
		TypingThrottle: cfg.Typing.Throttle,
		Dialer:         p.Dialer,
	}, m, logger)
}

func providePresence(cfg *config.Config, b *bus.Bus) *presence.Tracker {
	return presence.New(b, presence.WithRecentWindow(cfg.Presence.RecentWindow))
}

func provideTyping(cfg *config.Config, b *bus.Bus) *typing.Coordinator {
	return typing.NewCoordinator(b, clockwork.NewRealClock(), cfg.Typing.Expiry)
}

func provideConversations(cfg *config.Config, rc *rest.Client, db *store.DB, pt *presence.Tracker, b *bus.Bus, logger *zap.Logger) *conversation.Store {
	return conversation.New(conversation.Options{
		API:          rc,
		Cache:        db,
		Activity:     pt,
		Bus:          b,
		Logger:       logger,
		HistoryLimit: cfg.HistoryLimit,
	})
}

func provideCalls(ch *channel.Client, rc *rest.Client, pt *presence.Tracker, b *bus.Bus, logger *zap.Logger) *call.Machine {
	return call.New(call.Options{
		Signaler:    ch,
		Provisioner: rc,
		Presence:    pt,
		Bus:         b,
		Logger:      logger,
	})
}

func provideSyncEngine(ch *channel.Client, convs *conversation.Store, pt *presence.Tracker, tc *typing.Coordinator, calls *call.Machine, logger *zap.Logger) *intsync.Engine {
	return intsync.NewEngine(intsync.EngineOptions{
		Source:        ch,
		Conversations: convs,
		Presence:      pt,
		Typing:        tc,
		Calls:         calls,
		Logger:        logger,
	})
}

func provideReconciler(cfg *config.Config, ch *channel.Client, convs *conversation.Store, db *store.DB, b *bus.Bus, logger *zap.Logger) *intsync.Reconciler {
	return intsync.NewReconciler(intsync.ReconcilerOptions{
		Source:         ch,
		Conversations:  convs,
		Checkpoints:    db,
		Bus:            b,
		Logger:         logger,
		ReconcileAfter: cfg.Channel.ReconcileAfter,
	})
}

func provideSessionService(p Params, m *status.Machine, ch *channel.Client, rt *Runtime, pt *presence.Tracker, tc *typing.Coordinator, convs *conversation.Store) *api.SessionService {
	return api.NewSessionService(p.SessionName, m, ch, rt, pt, tc, convs)
}

func provideChatService(p Params, convs *conversation.Store, db *store.DB, ch *channel.Client, b *bus.Bus, logger *zap.Logger) *api.ChatService {
	return api.NewChatService(convs, db, ch, b, logger, p.SessionName)
}

func provideCallService(calls *call.Machine, convs *conversation.Store, ch *channel.Client) *api.CallService {
	return api.NewCallService(calls, convs, ch)
}

func registerLifecycle(lc fx.Lifecycle, srv *Server, rt *Runtime, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if err := rt.Start(ctx); err != nil {
				return err
			}

			// Start gRPC server in background.
			go func() {
				if err := srv.Start(); err != nil {
					logger.Error("gRPC server error", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			srv.Stop(ctx)
			rt.Stop()
			logger.Info("daemon stopped")
			return nil
		},
	})
}
