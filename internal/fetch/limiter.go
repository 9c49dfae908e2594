package fetch

import (
	"context"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	recoverFactor  = 1.2
	throttleFactor = 0.5
)

// AdaptiveLimiter paces calls to a rate-limited registry. The rate recovers
// by 20% per successful fetch up to twice the configured rate and halves on
// every ErrRateLimited, never dropping below a quarter of it.
type AdaptiveLimiter struct {
	limiter *rate.Limiter
	floor   rate.Limit
	ceiling rate.Limit

	mu        sync.Mutex
	current   rate.Limit
	throttled int
}

// NewAdaptiveLimiter creates a limiter at perSec events per second. A
// non-positive rate disables limiting.
func NewAdaptiveLimiter(perSec rate.Limit, burst int) *AdaptiveLimiter {
	if perSec <= 0 {
		perSec = rate.Inf
	}
	return &AdaptiveLimiter{
		limiter: rate.NewLimiter(perSec, max(burst, 1)),
		floor:   perSec / 4,
		ceiling: perSec * 2,
		current: perSec,
	}
}

// Wait blocks until the next fetch may start or ctx ends.
func (a *AdaptiveLimiter) Wait(ctx context.Context) error {
	return a.limiter.Wait(ctx)
}

// OnSuccess lets the rate recover toward the ceiling.
func (a *AdaptiveLimiter) OnSuccess() {
	a.adjust(recoverFactor)
}

// OnRateLimit slows the limiter down after the upstream pushed back.
func (a *AdaptiveLimiter) OnRateLimit() {
	if next, ok := a.adjust(throttleFactor); ok {
		zap.L().Warn("fetch: registry rate limited, slowing down",
			zap.Float64("rate_per_sec", float64(next)),
		)
	}
}

func (a *AdaptiveLimiter) adjust(factor float64) (rate.Limit, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.current == rate.Inf {
		return a.current, false
	}
	if factor < 1 {
		a.throttled++
	}
	next := min(max(a.current*rate.Limit(factor), a.floor), a.ceiling)
	if next == a.current {
		return next, false
	}
	a.current = next
	a.limiter.SetLimit(next)
	return next, true
}

// Limit returns the current rate.
func (a *AdaptiveLimiter) Limit() rate.Limit {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.current
}

// Throttled returns how many rate-limit responses have been seen.
func (a *AdaptiveLimiter) Throttled() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.throttled
}
