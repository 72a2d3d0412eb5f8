package channel

import (
	"math"
	"math/rand/v2"
	"time"
)

// backoff returns the delay before reconnect attempt n (0-based): initial
// doubled per attempt, capped at ceiling, with +/-10% jitter.
func backoff(initial, ceiling time.Duration, attempt int, jitter func() float64) time.Duration {
	delay := float64(initial) * math.Pow(2, float64(attempt))
	if delay > float64(ceiling) || math.IsInf(delay, 1) {
		delay = float64(ceiling)
	}
	if jitter != nil {
		delay += (jitter() - 0.5) * 2 * delay * 0.1
	}
	if delay < 0 {
		delay = float64(initial)
	}
	return time.Duration(delay)
}

func randJitter() float64 { return rand.Float64() }
