package resilience

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// Backoff spaces out consecutive attempts for the same key. The zero value
// waits for nothing.
type Backoff struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
	// Jitter adds up to ±Jitter of the computed delay.
	Jitter float64
}

// DefaultBackoff returns the delay schedule used between numbered runs.
func DefaultBackoff() Backoff {
	return Backoff{
		Initial:    500 * time.Millisecond,
		Max:        30 * time.Second,
		Multiplier: 2.0,
		Jitter:     0.25,
	}
}

// Delay returns how long to wait before attempt number attempt (1-based).
// The first attempt never waits.
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt <= 1 || b.Initial <= 0 {
		return 0
	}
	mult := b.Multiplier
	if mult <= 0 {
		mult = 2.0
	}
	delay := float64(b.Initial) * math.Pow(mult, float64(attempt-2))
	if b.Max > 0 && delay > float64(b.Max) {
		delay = float64(b.Max)
	}
	if b.Jitter > 0 {
		spread := delay * b.Jitter
		delay += (rand.Float64()*2 - 1) * spread
	}
	if delay < 0 {
		delay = 0
	}
	return time.Duration(delay)
}

// Wait sleeps for Delay(attempt) or until ctx is done.
func (b Backoff) Wait(ctx context.Context, attempt int) error {
	d := b.Delay(attempt)
	if d == 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
