package typing

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// DefaultThrottle is the minimum spacing of outbound typing frames.
const DefaultThrottle = 2 * time.Second

// Throttle limits outbound typing notifications to one per interval per key.
type Throttle struct {
	mu       sync.Mutex
	every    time.Duration
	limiters map[string]*rate.Limiter
}

// NewThrottle creates a throttle; a non-positive every uses DefaultThrottle.
func NewThrottle(every time.Duration) *Throttle {
	if every <= 0 {
		every = DefaultThrottle
	}
	return &Throttle{every: every, limiters: make(map[string]*rate.Limiter)}
}

// Allow reports whether a frame for key may be sent at now.
func (t *Throttle) Allow(key string, now time.Time) bool {
	t.mu.Lock()
	lim, ok := t.limiters[key]
	if !ok {
		lim = rate.NewLimiter(rate.Every(t.every), 1)
		t.limiters[key] = lim
	}
	t.mu.Unlock()
	return lim.AllowN(now, 1)
}

// Reset forgets every key, used after a reconnect.
func (t *Throttle) Reset() {
	t.mu.Lock()
	t.limiters = make(map[string]*rate.Limiter)
	t.mu.Unlock()
}
