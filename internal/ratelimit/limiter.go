// Package ratelimit implements the shared fetch-pool rate limiter.
//
// The algorithm is a classic token bucket, but refilled lazily: instead of
// a background goroutine topping up tokens on a ticker, each Acquire call
// computes how many tokens should have accrued since the last refill using
// O(1) arithmetic while holding the mutex, then releases the lock before
// it ever sleeps. This keeps the critical section non-blocking (no I/O, no
// context switches, no cancellation waits while the mutex is held) and
// keeps cooperative cancellation responsive, since a blocked Acquire call
// is only ever parked in a time.Sleep/ctx.Done select, never inside the
// lock.
package ratelimit

import (
	"context"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/n0vella/novelcask/internal/metrics"
)

// Limiter is a token bucket: Rate tokens accrue per second, up to Burst
// tokens may be banked, and Acquire blocks (respecting ctx) until a token
// is available.
type Limiter struct {
	mu sync.Mutex

	rate  float64 // tokens per second
	burst float64

	tokens float64
	last   time.Time

	// jitter is the fractional amplitude of the symmetric random term
	// applied to a computed wait, so a large fleet of workers waiting on
	// the same limiter don't all wake up and race for the lock at once.
	jitter float64

	now func() time.Time

	name    string
	metrics *metrics.RateLimiter
}

// Instrument attaches Prometheus metrics to the limiter: every successful
// Acquire reports its post-consumption token count under name via m.
// Calling Instrument is optional; an uninstrumented Limiter behaves
// exactly as before.
func (l *Limiter) Instrument(name string, m *metrics.RateLimiter) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.name = name
	l.metrics = m
}

// New creates a Limiter allowing ratePerSec tokens/second with a bucket
// that can bank up to burst tokens. jitter is a fraction in [0,1); a wait
// of d is perturbed by a uniform random amount in (-d*jitter, +d*jitter),
// clamped so the result never goes negative.
func New(ratePerSec float64, burst int, jitter float64) *Limiter {
	if burst < 1 {
		burst = 1
	}
	l := &Limiter{
		rate:   ratePerSec,
		burst:  float64(burst),
		tokens: float64(burst),
		jitter: jitter,
		now:    time.Now,
	}
	l.last = l.now()
	return l
}

// refill tops up tokens based on elapsed time since the last refill. Must
// be called with mu held. O(1): no loop, just elapsed*rate arithmetic.
func (l *Limiter) refill() {
	now := l.now()
	elapsed := now.Sub(l.last).Seconds()
	if elapsed <= 0 {
		return
	}
	l.tokens += elapsed * l.rate
	if l.tokens > l.burst {
		l.tokens = l.burst
	}
	l.last = now
}

// tryAcquire attempts to consume one token immediately. It reports whether
// it succeeded and, if not, how long until a token will be available.
func (l *Limiter) tryAcquire() (ok bool, wait time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.refill()

	if l.tokens >= 1 {
		l.tokens--
		if l.metrics != nil {
			l.metrics.Observe(l.name, l.tokens)
		}
		return true, 0
	}

	deficit := 1 - l.tokens
	secs := deficit / l.rate
	return false, time.Duration(secs * float64(time.Second))
}

// Acquire blocks until a token is available or ctx is done.
func (l *Limiter) Acquire(ctx context.Context) error {
	for {
		ok, wait := l.tryAcquire()
		if ok {
			return nil
		}

		if l.jitter > 0 {
			wait += time.Duration((rand.Float64()*2 - 1) * l.jitter * float64(wait))
			if wait < 0 {
				wait = 0
			}
		}

		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
			// Loop and try again; another goroutine may have drained the
			// bucket in the meantime.
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}
}

// Tokens reports the current token count, for tests and metrics. It does
// not mutate state beyond the lazy refill.
func (l *Limiter) Tokens() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.refill()
	return l.tokens
}
