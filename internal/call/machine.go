package call

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/matheus3301/convo/internal/bus"
	"github.com/matheus3301/convo/internal/rest"
	"github.com/matheus3301/convo/internal/wire"
)

// DeclinedHold is how long a declined outbound call stays visible.
const DeclinedHold = 2 * time.Second

// Signaler delivers call signals over the Message Channel.
type Signaler interface {
	SendCallSignal(ctx context.Context, targetUserID, sessionID string, kind wire.Kind) error
}

// Provisioner creates and tears down video sessions on the backend.
type Provisioner interface {
	CreateVideoSession(ctx context.Context, conversationID, peerID string) (*rest.VideoSession, error)
	EndVideoSession(ctx context.Context, sessionID string) error
}

// PresenceChecker answers whether a peer can be called.
type PresenceChecker interface {
	IsOnline(userID string) bool
}

// Options configures a Machine.
type Options struct {
	Signaler    Signaler
	Provisioner Provisioner
	Presence    PresenceChecker
	Bus         *bus.Bus
	Logger      *zap.Logger
	Clock       clockwork.Clock
	// DeclinedHold overrides the DECLINED to IDLE delay.
	DeclinedHold time.Duration
}

// Machine is the call signaling state machine.
type Machine struct {
	mu      sync.Mutex
	session Session
	selfID  string
	// attempt changes whenever the current call is abandoned, letting an
	// in-flight Start or hold timer notice it no longer owns the state.
	attempt uint64

	sig      Signaler
	prov     Provisioner
	presence PresenceChecker
	bus      *bus.Bus
	log      *zap.Logger
	clock    clockwork.Clock
	hold     time.Duration
}

// New creates a Machine in IDLE.
func New(opts Options) *Machine {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.DeclinedHold <= 0 {
		opts.DeclinedHold = DeclinedHold
	}
	return &Machine{
		session:  Session{State: Idle},
		sig:      opts.Signaler,
		prov:     opts.Provisioner,
		presence: opts.Presence,
		bus:      opts.Bus,
		log:      opts.Logger,
		clock:    opts.Clock,
		hold:     opts.DeclinedHold,
	}
}

// SetSelfID records the session user, used to break invite glare.
func (m *Machine) SetSelfID(id string) {
	m.mu.Lock()
	m.selfID = id
	m.mu.Unlock()
}

// State returns a snapshot of the current call.
func (m *Machine) State() Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.session
}

// Start places an outbound call to peerID.
func (m *Machine) Start(ctx context.Context, conversationID, peerID string) (Session, error) {
	if conversationID == "" || peerID == "" {
		return Session{}, fmt.Errorf("start call: conversation and peer are required")
	}
	var changes []Session
	m.mu.Lock()
	if m.session.State != Idle {
		m.mu.Unlock()
		return Session{}, ErrCallInProgress
	}
	if m.presence != nil && !m.presence.IsOnline(peerID) {
		m.mu.Unlock()
		return Session{}, &PeerOfflineError{PeerID: peerID}
	}
	m.attempt++
	attempt := m.attempt
	changes = m.setLocked(changes, Session{
		ConversationID: conversationID,
		PeerID:         peerID,
		Direction:      Outbound,
		State:          Inviting,
	})
	m.mu.Unlock()
	m.publish(changes)

	vs, err := m.prov.CreateVideoSession(ctx, conversationID, peerID)
	if err != nil {
		m.abandon(attempt)
		return Session{}, fmt.Errorf("provision call: %w", err)
	}

	m.mu.Lock()
	if m.attempt != attempt {
		m.mu.Unlock()
		m.endRemote(ctx, vs.SessionID)
		return Session{}, ErrAbandoned
	}
	m.session.ID = vs.SessionID
	m.mu.Unlock()

	if err := m.sig.SendCallSignal(ctx, peerID, vs.SessionID, wire.KindVideoInvite); err != nil {
		m.abandon(attempt)
		m.endRemote(ctx, vs.SessionID)
		return Session{}, fmt.Errorf("send invite: %w", err)
	}

	m.mu.Lock()
	if m.attempt != attempt {
		m.mu.Unlock()
		// A Cancel or hangup raced the invite; its video_end may have
		// reached the peer before the invite did.
		m.signal(ctx, peerID, vs.SessionID, wire.KindVideoEnd)
		return Session{}, ErrAbandoned
	}
	next := m.session
	next.State = RingingLocal
	changes = m.setLocked(nil, next)
	m.mu.Unlock()
	m.publish(changes)
	return next, nil
}

// abandon returns a failed attempt to IDLE if it still owns the state.
func (m *Machine) abandon(attempt uint64) {
	m.mu.Lock()
	if m.attempt != attempt {
		m.mu.Unlock()
		return
	}
	m.attempt++
	changes := m.setLocked(nil, Session{State: Idle})
	m.mu.Unlock()
	m.publish(changes)
}

// Cancel withdraws an outbound call that has not been answered.
func (m *Machine) Cancel(ctx context.Context) error {
	m.mu.Lock()
	cur := m.session
	if cur.Direction != Outbound || (cur.State != Inviting && cur.State != RingingLocal) {
		m.mu.Unlock()
		return ErrNoCall
	}
	m.attempt++
	changes := m.finishLocked(nil, Cancelled)
	m.mu.Unlock()
	m.publish(changes)

	if cur.ID != "" {
		m.signal(ctx, cur.PeerID, cur.ID, wire.KindVideoEnd)
		m.endRemote(ctx, cur.ID)
	}
	return nil
}

// Accept answers a ringing inbound call.
func (m *Machine) Accept(ctx context.Context) (Session, error) {
	m.mu.Lock()
	cur := m.session
	m.mu.Unlock()
	if cur.State != RingingRemote {
		return Session{}, ErrNoCall
	}
	if err := m.sig.SendCallSignal(ctx, cur.PeerID, cur.ID, wire.KindVideoAccept); err != nil {
		return Session{}, fmt.Errorf("accept call: %w", err)
	}

	m.mu.Lock()
	if m.session.State != RingingRemote || m.session.ID != cur.ID {
		m.mu.Unlock()
		return Session{}, ErrNoCall
	}
	next := m.session
	next.State = Accepted
	changes := m.setLocked(nil, next)
	m.mu.Unlock()
	m.publish(changes)
	return next, nil
}

// Decline rejects a ringing inbound call.
func (m *Machine) Decline(ctx context.Context) error {
	m.mu.Lock()
	cur := m.session
	if cur.State != RingingRemote {
		m.mu.Unlock()
		return ErrNoCall
	}
	m.attempt++
	changes := m.finishLocked(nil, Declined)
	m.mu.Unlock()
	m.publish(changes)

	m.signal(ctx, cur.PeerID, cur.ID, wire.KindVideoDecline)
	return nil
}

// Hangup ends an accepted call.
func (m *Machine) Hangup(ctx context.Context) error {
	m.mu.Lock()
	cur := m.session
	if cur.State != Accepted {
		m.mu.Unlock()
		return ErrNoCall
	}
	m.attempt++
	changes := m.finishLocked(nil, Ended)
	m.mu.Unlock()
	m.publish(changes)

	m.signal(ctx, cur.PeerID, cur.ID, wire.KindVideoEnd)
	m.endRemote(ctx, cur.ID)
	return nil
}

// Reset abandons any call in progress and forgets the session user; used on
// logout. The peer is told the call is over while the channel is still up.
func (m *Machine) Reset(ctx context.Context) {
	m.mu.Lock()
	cur := m.session
	m.attempt++
	m.selfID = ""
	var changes []Session
	if cur.State != Idle {
		changes = m.finishLocked(nil, Ended)
	}
	m.mu.Unlock()
	m.publish(changes)

	if cur.ID == "" {
		return
	}
	switch cur.State {
	case RingingRemote:
		m.signal(ctx, cur.PeerID, cur.ID, wire.KindVideoDecline)
	case Inviting, RingingLocal, Accepted:
		m.signal(ctx, cur.PeerID, cur.ID, wire.KindVideoEnd)
		m.endRemote(ctx, cur.ID)
	}
}

// HandleSignal applies an inbound call signal. Signals that do not match
// the current call are dropped.
func (m *Machine) HandleSignal(s wire.CallSignal) {
	m.mu.Lock()
	cur := m.session
	fromPeer := s.SenderID == cur.PeerID
	current := fromPeer && s.SessionID == cur.ID && cur.ID != ""

	var changes []Session
	switch {
	case cur.State == Idle && s.Type == wire.KindVideoInvite:
		m.attempt++
		changes = m.setLocked(changes, Session{
			ID:        s.SessionID,
			PeerID:    s.SenderID,
			Direction: Inbound,
			State:     RingingRemote,
		})

	case (cur.State == Inviting || cur.State == RingingLocal) && s.Type == wire.KindVideoInvite && fromPeer:
		// Both sides invited each other. The invite from the lower user ID
		// wins; the other side drops its own attempt.
		if m.selfID != "" && m.selfID < s.SenderID {
			break
		}
		m.attempt++
		conv := cur.ConversationID
		changes = m.setLocked(changes, Session{
			ID:             s.SessionID,
			ConversationID: conv,
			PeerID:         s.SenderID,
			Direction:      Inbound,
			State:          RingingRemote,
		})
		if cur.ID != "" {
			go m.endRemote(context.Background(), cur.ID)
		}
		m.log.Info("call glare resolved in favour of peer",
			zap.String("peer_id", s.SenderID),
			zap.String("session_id", s.SessionID),
		)

	case cur.State == RingingLocal && current && s.Type == wire.KindVideoAccept:
		next := cur
		next.State = Accepted
		changes = m.setLocked(changes, next)

	case cur.State == RingingLocal && current && s.Type == wire.KindVideoDecline:
		m.attempt++
		attempt := m.attempt
		next := cur
		next.State = Declined
		changes = m.setLocked(changes, next)
		m.clock.AfterFunc(m.hold, func() { m.releaseDeclined(attempt) })

	case current && s.Type == wire.KindVideoEnd &&
		(cur.State == RingingLocal || cur.State == RingingRemote || cur.State == Accepted):
		m.attempt++
		changes = m.finishLocked(changes, Ended)

	default:
		m.log.Debug("ignoring call signal",
			zap.String("type", string(s.Type)),
			zap.String("sender_id", s.SenderID),
			zap.String("session_id", s.SessionID),
			zap.String("state", string(cur.State)),
		)
	}
	m.mu.Unlock()
	m.publish(changes)
}

func (m *Machine) releaseDeclined(attempt uint64) {
	m.mu.Lock()
	if m.attempt != attempt || m.session.State != Declined {
		m.mu.Unlock()
		return
	}
	changes := m.setLocked(nil, Session{State: Idle})
	m.mu.Unlock()
	m.publish(changes)
}

// finishLocked passes through a terminal state straight back to IDLE.
func (m *Machine) finishLocked(changes []Session, terminal State) []Session {
	next := m.session
	next.State = terminal
	changes = m.setLocked(changes, next)
	return m.setLocked(changes, Session{State: Idle})
}

func (m *Machine) setLocked(changes []Session, next Session) []Session {
	m.session = next
	return append(changes, next)
}

func (m *Machine) publish(changes []Session) {
	for _, s := range changes {
		m.bus.Emit(bus.CallStateChanged, s)
	}
}

func (m *Machine) signal(ctx context.Context, peerID, sessionID string, kind wire.Kind) {
	if err := m.sig.SendCallSignal(ctx, peerID, sessionID, kind); err != nil {
		m.log.Warn("call signal failed",
			zap.String("type", string(kind)),
			zap.String("session_id", sessionID),
			zap.Error(err),
		)
	}
}

func (m *Machine) endRemote(ctx context.Context, sessionID string) {
	if m.prov == nil || sessionID == "" {
		return
	}
	if err := m.prov.EndVideoSession(ctx, sessionID); err != nil {
		m.log.Warn("end video session failed", zap.String("session_id", sessionID), zap.Error(err))
	}
}
