package status

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/matheus3301/convo/internal/bus"
)

// State represents the Message Channel connection state.
type State string

const (
	Disconnected State = "DISCONNECTED"
	Connecting   State = "CONNECTING"
	Connected    State = "CONNECTED"
	Reconnecting State = "RECONNECTING"
	AuthRejected State = "AUTH_REJECTED"
	Closed       State = "CLOSED"
)

// validTransitions defines allowed state transitions.
var validTransitions = map[State][]State{
	Disconnected: {Connecting, AuthRejected, Closed},
	Connecting:   {Connected, Reconnecting, AuthRejected, Closed},
	Connected:    {Reconnecting, AuthRejected, Closed},
	Reconnecting: {Connecting, AuthRejected, Closed},
	AuthRejected: {Connecting, Closed},
	Closed:       {Disconnected},
}

// Machine tracks and enforces channel state transitions.
type Machine struct {
	mu      sync.RWMutex
	current State
	since   time.Time
	bus     *bus.Bus
	watch   []func(State)
}

// NewMachine creates a new state machine starting in Disconnected state.
func NewMachine(b *bus.Bus) *Machine {
	return &Machine{
		current: Disconnected,
		since:   time.Now(),
		bus:     b,
	}
}

// Current returns the current state.
func (m *Machine) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Since returns when the current state was entered.
func (m *Machine) Since() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.since
}

// Connected reports whether the channel is live. This is the boolean the
// reconnecting indicator is driven from.
func (m *Machine) Connected() bool {
	return m.Current() == Connected
}

// OnChange registers fn to be called after every successful transition.
// Callbacks run synchronously on the transitioning goroutine.
func (m *Machine) OnChange(fn func(State)) {
	m.mu.Lock()
	m.watch = append(m.watch, fn)
	m.mu.Unlock()
}

// Transition attempts to move to a new state. Returns error if transition is invalid.
func (m *Machine) Transition(to State) error {
	m.mu.Lock()
	allowed := validTransitions[m.current]
	if !slices.Contains(allowed, to) {
		from := m.current
		m.mu.Unlock()
		return fmt.Errorf("invalid transition from %s to %s", from, to)
	}
	from := m.current
	m.current = to
	m.since = time.Now()
	watchers := slices.Clone(m.watch)
	m.mu.Unlock()

	m.bus.Publish(bus.Event{
		Kind:      bus.ChannelStatusChanged,
		Timestamp: time.Now(),
		Payload:   StatusChange{From: from, To: to},
	})
	for _, fn := range watchers {
		fn(to)
	}
	return nil
}

// StatusChange is the payload for status change events.
type StatusChange struct {
	From State `json:"from"`
	To   State `json:"to"`
}
