package llm

import (
	"context"
	"sync"
	"time"
)

// rpsLimiter is a token bucket refilled lazily on each Acquire. Waiters
// reserve a slot up front, so concurrent callers are spaced evenly instead
// of racing for the next token.
type rpsLimiter struct {
	mu     sync.Mutex
	period time.Duration
	burst  float64
	tokens float64
	last   time.Time
	now    func() time.Time
}

// newRPSLimiter returns nil when rps <= 0; a nil limiter never blocks.
func newRPSLimiter(rps float64, burst int) *rpsLimiter {
	if rps <= 0 {
		return nil
	}
	if burst <= 0 {
		burst = 1
	}
	period := time.Duration(float64(time.Second) / rps)
	if period <= 0 {
		period = time.Millisecond
	}
	return &rpsLimiter{
		period: period,
		burst:  float64(burst),
		tokens: float64(burst),
		last:   time.Now(),
		now:    time.Now,
	}
}

// reserve takes a token, possibly driving the balance negative, and returns
// how long the caller must wait before using it.
func (l *rpsLimiter) reserve() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	if elapsed := now.Sub(l.last); elapsed > 0 {
		l.tokens += float64(elapsed) / float64(l.period)
		if l.tokens > l.burst {
			l.tokens = l.burst
		}
		l.last = now
	}
	l.tokens--
	if l.tokens >= 0 {
		return 0
	}
	return time.Duration(-l.tokens * float64(l.period))
}

// cancelReservation returns a token taken by an Acquire that gave up.
func (l *rpsLimiter) cancelReservation() {
	l.mu.Lock()
	l.tokens++
	if l.tokens > l.burst {
		l.tokens = l.burst
	}
	l.mu.Unlock()
}

// Acquire blocks until the caller may send a request or ctx ends.
func (l *rpsLimiter) Acquire(ctx context.Context) error {
	if l == nil {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	wait := l.reserve()
	if wait <= 0 {
		return nil
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		l.cancelReservation()
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
