package apiclient

import (
	"math"
	"time"
)

// Backoff is min(base * 2^(attempt-1) * (1 + jitter), max) for attempt >= 1.
func Backoff(attempt int, base, max time.Duration, jitter float64) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(base) * math.Pow(2, float64(attempt-1)) * (1 + jitter)
	if max > 0 && d > float64(max) {
		return max
	}
	return time.Duration(d)
}
