// Package sync routes Message Channel events into the in-memory stores and
// keeps them reconciled across reconnects.
package sync

import (
	"context"
	gosync "sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/matheus3301/convo/internal/model"
	"github.com/matheus3301/convo/internal/status"
	"github.com/matheus3301/convo/internal/wire"
)

// Source is the subscription surface of the Message Channel.
type Source interface {
	OnMessage(fn func(wire.Message)) func()
	OnTyping(fn func(wire.Typing)) func()
	OnPresence(fn func(wire.Presence)) func()
	OnCallSignal(fn func(wire.CallSignal)) func()
	OnReconnect(fn func(gap time.Duration)) func()
	OnStatus(fn func(status.State)) func()
}

// Conversations receives inbound messages.
type Conversations interface {
	ApplyIncomingMessage(msg model.Message) bool
	LoadConversations(ctx context.Context) ([]model.Conversation, error)
	Reconcile(ctx context.Context) error
}

// Presence receives presence and activity observations.
type Presence interface {
	MarkOnline(userID string)
	MarkOffline(userID string, lastSeen time.Time)
	ObserveActivity(userID string, at time.Time)
}

// Typing receives typing notifications.
type Typing interface {
	OnTypingEvent(userID string)
	Clear(userID string)
}

// Calls receives call signals.
type Calls interface {
	HandleSignal(sig wire.CallSignal)
}

// Engine fans channel events out to the stores. Handlers run on the
// channel's delivery goroutine, so anything that hits the network is pushed
// to a background goroutine.
type Engine struct {
	src      Source
	convs    Conversations
	presence Presence
	typing   Typing
	calls    Calls
	logger   *zap.Logger
	now      func() time.Time

	selfID  atomic.Value
	refetch atomic.Bool
	unsubs  []func()
	wg      gosync.WaitGroup
	ctx     context.Context
	cancel  context.CancelFunc
	timeout time.Duration
}

// EngineOptions lists the Engine's collaborators. Presence, Typing and Calls
// may be nil.
type EngineOptions struct {
	Source        Source
	Conversations Conversations
	Presence      Presence
	Typing        Typing
	Calls         Calls
	Logger        *zap.Logger
	Now           func() time.Time
	// LoadTimeout bounds the background refetch triggered by an unknown
	// conversation.
	LoadTimeout time.Duration
}

// NewEngine creates a new sync engine.
func NewEngine(opts EngineOptions) *Engine {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.LoadTimeout <= 0 {
		opts.LoadTimeout = 15 * time.Second
	}
	e := &Engine{
		src:      opts.Source,
		convs:    opts.Conversations,
		presence: opts.Presence,
		typing:   opts.Typing,
		calls:    opts.Calls,
		logger:   opts.Logger,
		now:      opts.Now,
		timeout:  opts.LoadTimeout,
	}
	e.selfID.Store("")
	return e
}

// SetSelfID records the session user so its own echoes do not count as
// peer activity.
func (e *Engine) SetSelfID(id string) { e.selfID.Store(id) }

func (e *Engine) self() string { return e.selfID.Load().(string) }

// Start registers the channel handlers.
func (e *Engine) Start(ctx context.Context) {
	e.ctx, e.cancel = context.WithCancel(ctx)
	e.unsubs = append(e.unsubs,
		e.src.OnMessage(e.handleMessage),
		e.src.OnTyping(e.handleTyping),
		e.src.OnPresence(e.handlePresence),
		e.src.OnCallSignal(e.handleCallSignal),
	)
}

// Stop unregisters the handlers and waits for background work.
func (e *Engine) Stop() {
	for _, unsub := range e.unsubs {
		unsub()
	}
	e.unsubs = nil
	if e.cancel != nil {
		e.cancel()
	}
	e.wg.Wait()
}

func (e *Engine) handleMessage(w wire.Message) {
	msg := model.FromWire(w)
	if msg.SenderID != e.self() {
		if e.typing != nil {
			e.typing.Clear(msg.SenderID)
		}
		if e.presence != nil {
			e.presence.ObserveActivity(msg.SenderID, msg.CreatedAt)
		}
	}
	if e.convs.ApplyIncomingMessage(msg) {
		return
	}
	e.requestLoad(msg.ConversationID)
}

// requestLoad refetches the conversation list in the background. Requests
// that arrive while a load is running are folded into it.
func (e *Engine) requestLoad(conversationID string) {
	if !e.refetch.CompareAndSwap(false, true) {
		return
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer e.refetch.Store(false)
		ctx, cancel := context.WithTimeout(e.ctx, e.timeout)
		defer cancel()
		if _, err := e.convs.LoadConversations(ctx); err != nil {
			e.logger.Warn("refetch conversations failed",
				zap.String("conversation_id", conversationID),
				zap.Error(err),
			)
		}
	}()
}

func (e *Engine) handleTyping(t wire.Typing) {
	if e.typing == nil || t.SenderID == e.self() {
		return
	}
	e.typing.OnTypingEvent(t.SenderID)
}

func (e *Engine) handlePresence(p wire.Presence) {
	if e.presence == nil || p.UserID == e.self() {
		return
	}
	if p.Online {
		e.presence.MarkOnline(p.UserID)
		return
	}
	lastSeen := e.now()
	if p.LastSeen != nil {
		lastSeen = *p.LastSeen
	}
	e.presence.MarkOffline(p.UserID, lastSeen)
	if e.typing != nil {
		e.typing.Clear(p.UserID)
	}
}

func (e *Engine) handleCallSignal(s wire.CallSignal) {
	if e.calls == nil {
		return
	}
	e.calls.HandleSignal(s)
}
