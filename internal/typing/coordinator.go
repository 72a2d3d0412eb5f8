// Package typing tracks which peers are currently typing and throttles the
// session user's own typing notifications.
package typing

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/matheus3301/convo/internal/bus"
)

// DefaultExpiry is how long a typing flag lives without a refresh.
const DefaultExpiry = 3 * time.Second

// Change is published on typing.changed.
type Change struct {
	UserID string `json:"userId"`
	Typing bool   `json:"typing"`
}

type typist struct {
	timer clockwork.Timer
	gen   uint64
}

// Coordinator keeps one expiry timer per typing user.
type Coordinator struct {
	mu      sync.Mutex
	typists map[string]*typist
	gen     uint64
	expiry  time.Duration
	clock   clockwork.Clock
	bus     *bus.Bus
}

// NewCoordinator creates a coordinator. A nil clk uses the real clock and a
// non-positive expiry uses DefaultExpiry.
func NewCoordinator(b *bus.Bus, clk clockwork.Clock, expiry time.Duration) *Coordinator {
	if clk == nil {
		clk = clockwork.NewRealClock()
	}
	if expiry <= 0 {
		expiry = DefaultExpiry
	}
	return &Coordinator{
		typists: make(map[string]*typist),
		expiry:  expiry,
		clock:   clk,
		bus:     b,
	}
}

// OnTypingEvent marks userID as typing and restarts its expiry timer.
func (c *Coordinator) OnTypingEvent(userID string) {
	if userID == "" {
		return
	}
	c.mu.Lock()
	tp, existed := c.typists[userID]
	if existed {
		tp.timer.Stop()
	} else {
		tp = &typist{}
		c.typists[userID] = tp
	}
	c.gen++
	gen := c.gen
	tp.gen = gen
	tp.timer = c.clock.AfterFunc(c.expiry, func() { c.expire(userID, gen) })
	c.mu.Unlock()

	if !existed {
		c.bus.Emit(bus.TypingChanged, Change{UserID: userID, Typing: true})
	}
}

// expire clears the flag unless a newer event re-armed the timer after this
// callback was scheduled.
func (c *Coordinator) expire(userID string, gen uint64) {
	c.mu.Lock()
	tp, ok := c.typists[userID]
	if !ok || tp.gen != gen {
		c.mu.Unlock()
		return
	}
	delete(c.typists, userID)
	c.mu.Unlock()

	c.bus.Emit(bus.TypingChanged, Change{UserID: userID, Typing: false})
}

// Clear drops userID's flag immediately, for example when their message lands.
func (c *Coordinator) Clear(userID string) {
	c.mu.Lock()
	tp, ok := c.typists[userID]
	if ok {
		tp.timer.Stop()
		delete(c.typists, userID)
	}
	c.mu.Unlock()

	if ok {
		c.bus.Emit(bus.TypingChanged, Change{UserID: userID, Typing: false})
	}
}

// IsTyping reports whether userID has an unexpired flag.
func (c *Coordinator) IsTyping(userID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.typists[userID]
	return ok
}

// Typists returns the IDs currently typing, sorted.
func (c *Coordinator) Typists() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]string, 0, len(c.typists))
	for id := range c.typists {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Stop cancels every pending timer without publishing.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, tp := range c.typists {
		tp.timer.Stop()
		delete(c.typists, id)
	}
}

// Summary renders the typing line for the given typists. names maps user
// IDs to display names; missing entries fall back to the ID.
func Summary(typists []string, names map[string]string) string {
	switch len(typists) {
	case 0:
		return ""
	case 1:
		name := names[typists[0]]
		if name == "" {
			name = typists[0]
		}
		return name + " is typing"
	default:
		return fmt.Sprintf("%d people typing", len(typists))
	}
}
