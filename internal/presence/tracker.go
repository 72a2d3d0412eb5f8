// Package presence classifies users as online or offline from live channel
// presence events, falling back to recent REST-reported activity.
package presence

import (
	"sort"
	"sync"
	"time"

	"github.com/matheus3301/convo/internal/bus"
)

// DefaultRecentWindow is how long REST-reported activity counts as online.
const DefaultRecentWindow = 5 * time.Minute

// Record is the presence classification of one user.
type Record struct {
	UserID   string    `json:"userId"`
	Online   bool      `json:"online"`
	LastSeen time.Time `json:"lastSeen,omitempty"`
	// Live is true once a channel presence event has been seen for the user.
	Live bool `json:"live"`
}

type entry struct {
	live       bool
	online     bool
	lastSeen   time.Time
	lastActive time.Time
}

// Tracker holds presence per user. Safe for concurrent use.
type Tracker struct {
	mu     sync.Mutex
	users  map[string]*entry
	window time.Duration
	now    func() time.Time
	bus    *bus.Bus
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithClock overrides time.Now for the recent-activity heuristic.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

// WithRecentWindow overrides DefaultRecentWindow.
func WithRecentWindow(d time.Duration) Option {
	return func(t *Tracker) {
		if d > 0 {
			t.window = d
		}
	}
}

// New creates a tracker publishing presence.changed on b (may be nil).
func New(b *bus.Bus, opts ...Option) *Tracker {
	t := &Tracker{
		users:  make(map[string]*entry),
		window: DefaultRecentWindow,
		now:    time.Now,
		bus:    b,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Reset forgets every user, for example when the session user changes.
func (t *Tracker) Reset() {
	t.mu.Lock()
	t.users = make(map[string]*entry)
	t.mu.Unlock()
}

func (t *Tracker) entryLocked(userID string) *entry {
	e, ok := t.users[userID]
	if !ok {
		e = &entry{}
		t.users[userID] = e
	}
	return e
}

// MarkOnline records a live online event.
func (t *Tracker) MarkOnline(userID string) {
	if userID == "" {
		return
	}
	t.mu.Lock()
	e := t.entryLocked(userID)
	changed := !e.live || !e.online
	e.live = true
	e.online = true
	rec := t.recordLocked(userID, e)
	t.mu.Unlock()

	if changed {
		t.bus.Emit(bus.PresenceChanged, rec)
	}
}

// MarkOffline records a live offline event. A zero lastSeen means "now".
func (t *Tracker) MarkOffline(userID string, lastSeen time.Time) {
	if userID == "" {
		return
	}
	if lastSeen.IsZero() {
		lastSeen = t.now()
	}
	t.mu.Lock()
	e := t.entryLocked(userID)
	changed := !e.live || e.online
	e.live = true
	e.online = false
	e.lastSeen = lastSeen
	rec := t.recordLocked(userID, e)
	t.mu.Unlock()

	if changed {
		t.bus.Emit(bus.PresenceChanged, rec)
	}
}

// ObserveActivity feeds a last-activity timestamp from REST data. It only
// affects users without a live event and never moves activity backwards.
func (t *Tracker) ObserveActivity(userID string, at time.Time) {
	if userID == "" || at.IsZero() {
		return
	}
	t.mu.Lock()
	e := t.entryLocked(userID)
	if at.After(e.lastActive) {
		e.lastActive = at
	}
	t.mu.Unlock()
}

// IsOnline reports the current classification. Unknown users are offline.
func (t *Tracker) IsOnline(userID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.users[userID]
	if !ok {
		return false
	}
	return t.onlineLocked(e)
}

// Status returns the record for userID.
func (t *Tracker) Status(userID string) Record {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.users[userID]
	if !ok {
		return Record{UserID: userID}
	}
	return t.recordLocked(userID, e)
}

// Online returns the IDs currently classified online, sorted.
func (t *Tracker) Online() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	var ids []string
	for id, e := range t.users {
		if t.onlineLocked(e) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

func (t *Tracker) onlineLocked(e *entry) bool {
	if e.live {
		return e.online
	}
	return !e.lastActive.IsZero() && t.now().Sub(e.lastActive) < t.window
}

func (t *Tracker) recordLocked(userID string, e *entry) Record {
	r := Record{UserID: userID, Online: t.onlineLocked(e), Live: e.live, LastSeen: e.lastSeen}
	if !e.live {
		r.LastSeen = e.lastActive
	}
	return r
}
