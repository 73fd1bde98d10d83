package apiclient

import (
	"context"
	"sync"
	"time"
)

// windowLimiter admits at most max calls in any sliding window. Callers over
// budget wait for the oldest admission to age out instead of failing.
type windowLimiter struct {
	mu     sync.Mutex
	max    int
	window time.Duration
	stamps []time.Time
	now    func() time.Time
}

func newWindowLimiter(max int, window time.Duration) *windowLimiter {
	return &windowLimiter{max: max, window: window, now: time.Now}
}

func (l *windowLimiter) pruneLocked(now time.Time) {
	cut := 0
	for cut < len(l.stamps) && now.Sub(l.stamps[cut]) >= l.window {
		cut++
	}
	if cut > 0 {
		l.stamps = append(l.stamps[:0], l.stamps[cut:]...)
	}
}

// Wait blocks until a slot is free and records the admission.
func (l *windowLimiter) Wait(ctx context.Context) error {
	if l == nil || l.max <= 0 || l.window <= 0 {
		return nil
	}
	for {
		l.mu.Lock()
		now := l.now()
		l.pruneLocked(now)
		if len(l.stamps) < l.max {
			l.stamps = append(l.stamps, now)
			l.mu.Unlock()
			return nil
		}
		wait := l.stamps[0].Add(l.window).Sub(now)
		l.mu.Unlock()

		if wait <= 0 {
			continue
		}
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}

// Occupancy is the number of admissions still inside the window.
func (l *windowLimiter) Occupancy() int {
	if l == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.pruneLocked(l.now())
	return len(l.stamps)
}
