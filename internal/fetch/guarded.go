package fetch

import (
	"context"
	"errors"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sells-group/rare-priority/internal/config"
	"github.com/sells-group/rare-priority/internal/model"
	"github.com/sells-group/rare-priority/internal/resilience"
)

// ErrRateLimited is returned by adapters whose upstream asked them to slow down.
var ErrRateLimited = eris.New("rate limited")

// Guarded decorates an Adapter with a shared rate limiter and one circuit
// breaker per criterion. A call rejected by either counts as a fetch failure.
type Guarded struct {
	next     Adapter
	name     string
	limiter  *AdaptiveLimiter
	breakers *resilience.SourceBreakers
}

// NewGuarded wraps next. name identifies the upstream in breaker keys and logs.
func NewGuarded(next Adapter, name string, cfg config.FetchConfig) *Guarded {
	cbCfg := resilience.FromFetchConfig(cfg)
	cbCfg.ShouldTrip = resilience.IsTransient
	cbCfg.OnStateChange = func(from, to resilience.CircuitState) {
		zap.L().Warn("fetch: circuit state change",
			zap.String("adapter", name),
			zap.String("from", from.String()),
			zap.String("to", to.String()),
		)
	}
	return &Guarded{
		next:     next,
		name:     name,
		limiter:  NewAdaptiveLimiter(rate.Limit(cfg.RatePerSec), cfg.Burst),
		breakers: resilience.NewSourceBreakers(cbCfg),
	}
}

// Fetch waits for the limiter, then calls the wrapped adapter through the
// criterion's circuit breaker.
func (g *Guarded) Fetch(ctx context.Context, entityID string, c model.Criterion) ([]model.EvidenceRecord, error) {
	if err := g.limiter.Wait(ctx); err != nil {
		return nil, resilience.NewTransientError(eris.Wrapf(err, "fetch: %s rate limiter", g.name))
	}

	cb := g.breakers.Get(g.name + "/" + string(c))
	records, err := resilience.Call(ctx, cb, func(ctx context.Context) ([]model.EvidenceRecord, error) {
		return g.next.Fetch(ctx, entityID, c)
	})
	if err != nil {
		if errors.Is(err, ErrRateLimited) {
			g.limiter.OnRateLimit()
		}
		return nil, err
	}
	g.limiter.OnSuccess()
	return records, nil
}

// Breakers returns the state of every breaker created so far.
func (g *Guarded) Breakers() map[string]resilience.CircuitState {
	return g.breakers.States()
}
