// Package resolve reduces the evidence of one (entity, criterion) key to a
// single curated value.
//
// Only the active run is read: the latest non-empty success, or the latest
// record when nothing succeeded. Keys without any success yield the
// no-usable-data sentinel, never a zero.
package resolve

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/rare-priority/internal/config"
	"github.com/sells-group/rare-priority/internal/model"
	"github.com/sells-group/rare-priority/internal/monitoring"
	"github.com/sells-group/rare-priority/internal/store"
)

// ErrNoUsableData is returned by Lookup for a key whose curated value is the
// no-usable-data sentinel.
var ErrNoUsableData = eris.New("no usable data")

const defaultCacheTTL = 30 * time.Second

// Resolver applies the per-criterion resolution policies.
type Resolver struct {
	store   store.Store
	cfg     config.ScoringConfig
	rules   Rules
	cache   *expirable.LRU[model.EntityKey, model.CuratedValue]
	ttl     time.Duration
	metrics *monitoring.Metrics
	now     func() time.Time
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithMetrics counts resolved values by selection method.
func WithMetrics(m *monitoring.Metrics) Option {
	return func(r *Resolver) { r.metrics = m }
}

// WithCacheTTL overrides how long a looked-up value may be served from the
// cache before the store is read again.
func WithCacheTTL(d time.Duration) Option {
	return func(r *Resolver) { r.ttl = d }
}

// WithClock overrides the resolved_at timestamp source.
func WithClock(now func() time.Time) Option {
	return func(r *Resolver) { r.now = now }
}

// New creates a Resolver. It compiles the include_when rules of cfg and fails
// if any of them is invalid.
func New(st store.Store, cfg config.ScoringConfig, opts ...Option) (*Resolver, error) {
	rules, err := CompileRules(cfg)
	if err != nil {
		return nil, err
	}
	r := &Resolver{
		store: st,
		cfg:   cfg,
		rules: rules,
		ttl:   time.Duration(cfg.CacheTTLSecs) * time.Second,
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.ttl <= 0 {
		r.ttl = defaultCacheTTL
	}
	r.cache = expirable.NewLRU[model.EntityKey, model.CuratedValue](max(cfg.CacheSize, 1), nil, r.ttl)
	return r, nil
}

// Resolve reads the active run of the key, derives its curated value and
// persists it, superseding any earlier value.
func (r *Resolver) Resolve(ctx context.Context, entityID string, c model.Criterion) (model.CuratedValue, error) {
	history, err := r.store.ListRuns(ctx, entityID, c)
	if err != nil {
		return model.CuratedValue{}, eris.Wrapf(err, "resolve: load runs %s/%s", entityID, c)
	}

	cv := r.Curate(entityID, c, model.ActiveRun(history))
	if err := r.store.PutCurated(ctx, cv); err != nil {
		return model.CuratedValue{}, eris.Wrapf(err, "resolve: save %s/%s", entityID, c)
	}
	r.cache.Add(cv.Key(), cv)
	r.metrics.IncCurated(string(c), string(cv.Method))

	zap.L().Debug("resolve: curated value",
		zap.String("entity_id", entityID),
		zap.String("criterion", string(c)),
		zap.String("method", string(cv.Method)),
		zap.Bool("no_usable_data", cv.NoUsableData),
	)
	return cv, nil
}

// Curate derives the curated value of a key from its active run without
// touching the store. A nil or failed run yields the no-usable-data sentinel.
func (r *Resolver) Curate(entityID string, c model.Criterion, active *model.RunRecord) model.CuratedValue {
	cv := model.CuratedValue{
		EntityID:   entityID,
		Criterion:  c,
		ResolvedAt: r.now().UTC(),
	}
	if active == nil || active.Status == model.RunFailed {
		if active != nil {
			cv.RunNumber = active.RunNumber
		}
		return noData(cv)
	}
	cv.RunNumber = active.RunNumber

	switch c {
	case model.CriterionPrevalence:
		return resolveClass(r.cfg, cv, active.Payload)
	case model.CriterionSocioeconomic:
		return resolveAmount(cv, active.Payload)
	case model.CriterionGene:
		return r.resolveBinary(cv, active.Payload)
	default:
		return r.resolveCount(cv, active.Payload)
	}
}

// Lookup returns the most recent curated value of a key. Cached entries expire
// after the cache TTL so values re-curated by another process are picked up.
// A sentinel value is returned together with ErrNoUsableData.
func (r *Resolver) Lookup(ctx context.Context, entityID string, c model.Criterion) (model.CuratedValue, error) {
	key := model.EntityKey{EntityID: entityID, Criterion: c}
	cv, ok := r.cache.Get(key)
	if !ok {
		stored, err := r.store.GetCurated(ctx, entityID, c)
		if err != nil {
			return model.CuratedValue{}, eris.Wrapf(err, "resolve: lookup %s", key)
		}
		cv = *stored
		r.cache.Add(key, cv)
	}
	if cv.NoUsableData {
		return cv, eris.Wrapf(ErrNoUsableData, "resolve: %s", key)
	}
	return cv, nil
}

// ResolveAll resolves every (entity, criterion) pair. Values are returned
// entity-major in input order.
func (r *Resolver) ResolveAll(ctx context.Context, entityIDs []string, criteria []model.Criterion) ([]model.CuratedValue, error) {
	out := make([]model.CuratedValue, 0, len(entityIDs)*len(criteria))
	var missing int
	for _, id := range entityIDs {
		for _, c := range criteria {
			if err := ctx.Err(); err != nil {
				return out, eris.Wrap(err, "resolve: interrupted")
			}
			cv, err := r.Resolve(ctx, id, c)
			if err != nil {
				return out, err
			}
			if cv.NoUsableData {
				missing++
			}
			out = append(out, cv)
		}
	}
	zap.L().Info("resolve: corpus resolved",
		zap.Int("entities", len(entityIDs)),
		zap.Int("values", len(out)),
		zap.Int("no_usable_data", missing),
	)
	return out, nil
}
