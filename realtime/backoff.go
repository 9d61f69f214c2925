package realtime

import (
	"math"
	"math/rand"
	"time"
)

// backoffDelay returns base doubled for every attempt after the first, capped
// at max and spread by up to jitter of its value without exceeding max.
func backoffDelay(attempt int, base, max time.Duration, jitter float64) time.Duration {
	if base <= 0 {
		base = time.Second
	}
	if max <= 0 {
		max = 30 * time.Second
	}
	if attempt < 1 {
		attempt = 1
	}
	backoff := float64(base) * math.Pow(2, float64(attempt-1))
	if backoff > float64(max) {
		backoff = float64(max)
	}
	if jitter > 0 {
		backoff += (rand.Float64() - 0.5) * 2 * jitter * backoff
		if backoff > float64(max) {
			backoff = float64(max)
		}
	}
	return time.Duration(backoff)
}
