// Package channel owns the single real-time connection to the backend: it
// dials, authenticates, reconnects with backoff, keeps the link alive and
// delivers decoded events to registered handlers in arrival order.
package channel

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/matheus3301/convo/internal/session"
	"github.com/matheus3301/convo/internal/status"
	"github.com/matheus3301/convo/internal/typing"
	"github.com/matheus3301/convo/internal/wire"
)

// DefaultOutboxSize bounds call signals queued while disconnected.
const DefaultOutboxSize = 64

var errTokenExpired = errors.New("session token expired")

// Options configures a Client. Zero durations take the defaults below.
type Options struct {
	URL            string
	BackoffInitial time.Duration // 1s
	BackoffMax     time.Duration // 30s
	PingInterval   time.Duration // 25s; negative disables pings
	TypingThrottle time.Duration // 2s
	WriteTimeout   time.Duration // 10s
	OutboxSize     int           // 64
	Dialer         Dialer        // WebSocketDialer
	Now            func() time.Time
	Jitter         func() float64
}

func (o *Options) applyDefaults() {
	if o.BackoffInitial <= 0 {
		o.BackoffInitial = time.Second
	}
	if o.BackoffMax <= 0 {
		o.BackoffMax = 30 * time.Second
	}
	if o.PingInterval == 0 {
		o.PingInterval = 25 * time.Second
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 10 * time.Second
	}
	if o.OutboxSize <= 0 {
		o.OutboxSize = DefaultOutboxSize
	}
	if o.Dialer == nil {
		o.Dialer = WebSocketDialer{}
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.Jitter == nil {
		o.Jitter = randJitter
	}
}

// Client is the Message Channel. One Client holds at most one connection.
type Client struct {
	opts     Options
	state    *status.Machine
	log      *zap.Logger
	throttle *typing.Throttle

	onMessage   handlerSet[wire.Message]
	onTyping    handlerSet[wire.Typing]
	onPresence  handlerSet[wire.Presence]
	onCall      handlerSet[wire.CallSignal]
	onReconnect handlerSet[time.Duration]
	onStatus    handlerSet[status.State]

	mu            sync.Mutex
	conn          Conn
	outbox        [][]byte
	identity      session.Identity
	running       bool
	closing       bool
	everConnected bool
	cancel        context.CancelFunc
	done          chan struct{}
}

// New creates a disconnected client reporting state on sm.
func New(opts Options, sm *status.Machine, log *zap.Logger) *Client {
	opts.applyDefaults()
	c := &Client{
		opts:     opts,
		state:    sm,
		log:      log.Named("channel"),
		throttle: typing.NewThrottle(opts.TypingThrottle),
	}
	sm.OnChange(c.onStatus.each)
	return c
}

// OnMessage registers a handler for inbound messages.
func (c *Client) OnMessage(fn func(wire.Message)) (unsubscribe func()) { return c.onMessage.add(fn) }

// OnTyping registers a handler for inbound typing notifications.
func (c *Client) OnTyping(fn func(wire.Typing)) (unsubscribe func()) { return c.onTyping.add(fn) }

// OnPresence registers a handler for presence changes.
func (c *Client) OnPresence(fn func(wire.Presence)) (unsubscribe func()) {
	return c.onPresence.add(fn)
}

// OnCallSignal registers a handler for video signaling frames.
func (c *Client) OnCallSignal(fn func(wire.CallSignal)) (unsubscribe func()) {
	return c.onCall.add(fn)
}

// OnReconnect registers fn to run after every successful re-dial with the
// length of the disconnected period.
func (c *Client) OnReconnect(fn func(gap time.Duration)) (unsubscribe func()) {
	return c.onReconnect.add(fn)
}

// OnStatus registers fn to run on every connection state change.
func (c *Client) OnStatus(fn func(status.State)) (unsubscribe func()) {
	return c.onStatus.add(fn)
}

// State returns the current connection state.
func (c *Client) State() status.State { return c.state.Current() }

// Connected reports whether frames can be written right now.
func (c *Client) Connected() bool { return c.state.Connected() }

// SelfID returns the user the channel authenticated as.
func (c *Client) SelfID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.identity.UserID
}

// Connect authenticates with token and starts the connection loop. It is a
// no-op while a loop is already running. Only an auth rejection is returned
// as an error; other dial failures are retried in the background.
func (c *Client) Connect(ctx context.Context, token string) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return nil
	}
	id, err := session.ParseIdentity(token)
	if err == nil && id.Expired(c.opts.Now()) {
		err = errTokenExpired
	}
	if err != nil {
		c.mu.Unlock()
		c.setState(status.AuthRejected)
		return &ConnectionError{Auth: true, Err: err}
	}
	target, err := dialURL(c.opts.URL, token)
	if err != nil {
		c.mu.Unlock()
		return fmt.Errorf("channel url: %w", err)
	}
	loopCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	c.identity = id
	c.running = true
	c.closing = false
	c.cancel = cancel
	c.done = done
	c.mu.Unlock()

	c.setState(status.Connecting)
	conn, err := c.opts.Dialer.Dial(ctx, target)
	if err != nil {
		if IsAuth(err) {
			c.log.Warn("auth rejected", zap.Error(err))
			c.setState(status.AuthRejected)
			cancel()
			c.finish(done)
			return err
		}
		c.log.Warn("initial dial failed, retrying", zap.Error(err))
		c.setState(status.Reconnecting)
		go c.loop(loopCtx, done, target, nil, c.opts.Now())
		return nil
	}
	go c.loop(loopCtx, done, target, conn, time.Time{})
	return nil
}

// Close stops the connection loop and writes a normal closure. The client
// may be connected again later.
func (c *Client) Close() error {
	c.mu.Lock()
	cancel, done, conn := c.cancel, c.done, c.conn
	c.conn = nil
	c.cancel = nil
	c.closing = true
	c.mu.Unlock()

	if conn != nil {
		_ = conn.Close("client closing")
	}
	if cancel != nil {
		cancel()
		<-done
	}
	c.setState(status.Closed)
	return nil
}

func (c *Client) finish(done chan struct{}) {
	c.mu.Lock()
	c.running = false
	c.conn = nil
	c.mu.Unlock()
	close(done)
}

func (c *Client) loop(ctx context.Context, done chan struct{}, target string, conn Conn, downSince time.Time) {
	defer c.finish(done)

	attempt := 0
	for {
		if conn != nil {
			err := c.attach(ctx, conn, downSince)
			if err == nil {
				attempt = 0
				err = c.serve(ctx, conn)
				downSince = c.opts.Now()
			}
			c.detach(conn)
			conn = nil
			if ctx.Err() != nil || c.isClosing() {
				return
			}
			if downSince.IsZero() {
				downSince = c.opts.Now()
			}
			c.log.Warn("connection lost", zap.Error(err))
			c.setState(status.Reconnecting)
		}

		if c.tokenExpired() {
			c.log.Warn("token expired, not reconnecting")
			c.setState(status.AuthRejected)
			return
		}

		delay := backoff(c.opts.BackoffInitial, c.opts.BackoffMax, attempt, c.opts.Jitter)
		attempt++
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		c.setState(status.Connecting)
		next, err := c.opts.Dialer.Dial(ctx, target)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if IsAuth(err) {
				c.log.Warn("auth rejected on reconnect", zap.Error(err))
				c.setState(status.AuthRejected)
				return
			}
			c.log.Info("reconnect failed", zap.Int("attempt", attempt), zap.Duration("delay", delay), zap.Error(err))
			c.setState(status.Reconnecting)
			continue
		}
		conn = next
	}
}

// attach announces presence, flushes queued frames and publishes the
// connection. The outbox lock is held throughout so no frame overtakes the
// flush.
func (c *Client) attach(ctx context.Context, conn Conn, downSince time.Time) error {
	c.mu.Lock()
	hello, err := wire.Encode(wire.Presence{UserID: c.identity.UserID, Online: true})
	if err != nil {
		c.mu.Unlock()
		return err
	}
	if err := c.writeLocked(ctx, conn, hello); err != nil {
		c.mu.Unlock()
		return fmt.Errorf("announce presence: %w", err)
	}
	for len(c.outbox) > 0 {
		if err := c.writeLocked(ctx, conn, c.outbox[0]); err != nil {
			c.mu.Unlock()
			return fmt.Errorf("flush outbox: %w", err)
		}
		c.outbox = c.outbox[1:]
	}
	c.conn = conn
	reconnected := c.everConnected
	c.everConnected = true
	c.mu.Unlock()

	c.throttle.Reset()
	c.setState(status.Connected)
	if reconnected {
		gap := c.opts.Now().Sub(downSince)
		c.log.Info("reconnected", zap.Duration("gap", gap))
		c.onReconnect.each(gap)
	}
	return nil
}

func (c *Client) detach(conn Conn) {
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	c.mu.Unlock()
	_ = conn.Close("reconnecting")
}

// serve runs the reader and the keepalive until either fails.
func (c *Client) serve(ctx context.Context, conn Conn) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return c.readLoop(gctx, conn) })
	if c.opts.PingInterval > 0 {
		g.Go(func() error { return c.pingLoop(gctx, conn) })
	}
	return g.Wait()
}

func (c *Client) readLoop(ctx context.Context, conn Conn) error {
	for {
		data, err := conn.Read(ctx)
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		c.dispatch(data)
	}
}

func (c *Client) pingLoop(ctx context.Context, conn Conn) error {
	ticker := time.NewTicker(c.opts.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			pctx, cancel := context.WithTimeout(ctx, c.opts.WriteTimeout)
			err := conn.Ping(pctx)
			cancel()
			if err != nil {
				return fmt.Errorf("ping: %w", err)
			}
		}
	}
}

func (c *Client) dispatch(data []byte) {
	evt, err := wire.Decode(data)
	if err != nil {
		if errors.Is(err, wire.ErrUnknownEvent) {
			c.log.Debug("skip unknown frame", zap.Error(err))
		} else {
			c.log.Warn("drop malformed frame", zap.Error(err))
		}
		return
	}
	switch e := evt.(type) {
	case wire.Message:
		c.onMessage.each(e)
	case wire.Typing:
		c.onTyping.each(e)
	case wire.Presence:
		c.onPresence.each(e)
	case wire.CallSignal:
		c.onCall.each(e)
	}
}

// SendTyping notifies receiverID that the session user is typing in
// conversationID. Calls inside the throttle window are dropped and return nil.
func (c *Client) SendTyping(ctx context.Context, conversationID, receiverID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return ErrNotConnected
	}
	if !c.throttle.Allow(conversationID, c.opts.Now()) {
		return nil
	}
	data, err := wire.Encode(wire.Typing{ReceiverID: receiverID, ConversationID: conversationID})
	if err != nil {
		return err
	}
	if err := c.writeLocked(ctx, c.conn, data); err != nil {
		c.log.Warn("typing write failed", zap.Error(err))
		c.dropLocked()
		return ErrNotConnected
	}
	return nil
}

// SendCallSignal writes a video signaling frame to targetUserID. While
// disconnected the frame is queued and flushed in order on reconnect.
func (c *Client) SendCallSignal(ctx context.Context, targetUserID, sessionID string, kind wire.Kind) error {
	if !kind.IsCallSignal() {
		return fmt.Errorf("send call signal: %q is not a call signal", kind)
	}
	if targetUserID == "" || sessionID == "" {
		return errors.New("send call signal: target and session are required")
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	data, err := wire.Encode(wire.CallSignal{
		Type:         kind,
		SenderID:     c.identity.UserID,
		TargetUserID: targetUserID,
		SessionID:    sessionID,
	})
	if err != nil {
		return err
	}
	if c.conn == nil {
		return c.enqueueLocked(data)
	}
	if err := c.writeLocked(ctx, c.conn, data); err != nil {
		c.log.Warn("call signal write failed, queueing", zap.String("kind", string(kind)), zap.Error(err))
		c.dropLocked()
		return c.enqueueLocked(data)
	}
	return nil
}

// Queued returns how many frames wait in the outbox.
func (c *Client) Queued() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.outbox)
}

func (c *Client) enqueueLocked(data []byte) error {
	if len(c.outbox) >= c.opts.OutboxSize {
		return ErrOutboxFull
	}
	c.outbox = append(c.outbox, data)
	return nil
}

func (c *Client) writeLocked(ctx context.Context, conn Conn, data []byte) error {
	wctx, cancel := context.WithTimeout(ctx, c.opts.WriteTimeout)
	defer cancel()
	return conn.Write(wctx, data)
}

// dropLocked abandons the current transport; the reader notices and the
// loop reconnects.
func (c *Client) dropLocked() {
	if c.conn == nil {
		return
	}
	_ = c.conn.Close("write failed")
	c.conn = nil
}

func (c *Client) isClosing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closing
}

func (c *Client) tokenExpired() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.identity.Expired(c.opts.Now())
}

// setState moves the machine to `to`, passing through DISCONNECTED when
// leaving CLOSED. Redundant or out-of-order moves are ignored.
func (c *Client) setState(to status.State) {
	cur := c.state.Current()
	if cur == to {
		return
	}
	if cur == status.Closed && to != status.Disconnected {
		_ = c.state.Transition(status.Disconnected)
	}
	if err := c.state.Transition(to); err != nil {
		c.log.Debug("ignore state change", zap.Error(err))
	}
}

func dialURL(base, token string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}
