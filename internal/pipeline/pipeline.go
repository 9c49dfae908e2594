// Package pipeline wires curation and scoring into the two batch operations
// exposed by the CLI and the API.
package pipeline

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/rare-priority/internal/config"
	"github.com/sells-group/rare-priority/internal/fetch"
	"github.com/sells-group/rare-priority/internal/model"
	"github.com/sells-group/rare-priority/internal/monitoring"
	"github.com/sells-group/rare-priority/internal/normalize"
	"github.com/sells-group/rare-priority/internal/priority"
	"github.com/sells-group/rare-priority/internal/resilience"
	"github.com/sells-group/rare-priority/internal/resolve"
	"github.com/sells-group/rare-priority/internal/runs"
	"github.com/sells-group/rare-priority/internal/store"
)

// Pipeline runs curation and scoring against one store.
type Pipeline struct {
	cfg      *config.Config
	store    store.Store
	adapter  fetch.Adapter
	manager  *runs.Manager
	resolver *resolve.Resolver
}

// Option configures a Pipeline.
type Option func(*options)

type options struct {
	metrics *monitoring.Metrics
	runOpts []runs.Option
}

// WithMetrics records run and curation counters.
func WithMetrics(m *monitoring.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithRunOptions appends Run Manager options after the configured defaults.
func WithRunOptions(opts ...runs.Option) Option {
	return func(o *options) { o.runOpts = append(o.runOpts, opts...) }
}

// New creates a Pipeline. The scoring configuration must already be
// validated; include_when rules are compiled here.
func New(cfg *config.Config, st store.Store, adapter fetch.Adapter, opts ...Option) (*Pipeline, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	runOpts := []runs.Option{
		runs.WithTimeout(time.Duration(cfg.Fetch.TimeoutSecs) * time.Second),
		runs.WithBackoff(resilience.BackoffFromFetchConfig(cfg.Fetch)),
		runs.WithMetrics(o.metrics),
	}
	runOpts = append(runOpts, o.runOpts...)

	resolver, err := resolve.New(st, cfg.Scoring, resolve.WithMetrics(o.metrics))
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: create resolver")
	}

	return &Pipeline{
		cfg:      cfg,
		store:    st,
		adapter:  adapter,
		manager:  runs.NewManager(st, runOpts...),
		resolver: resolver,
	}, nil
}

// Resolver exposes the resolver for single-key lookups.
func (p *Pipeline) Resolver() *resolve.Resolver {
	return p.resolver
}

// entityIDs returns ids, or every stored entity when ids is empty.
func (p *Pipeline) entityIDs(ctx context.Context, ids []string) ([]string, error) {
	if len(ids) > 0 {
		return ids, nil
	}
	entities, err := p.store.ListEntities(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: list entities")
	}
	out := make([]string, len(entities))
	for i, e := range entities {
		out[i] = e.ID
	}
	return out, nil
}

// Curate drives every (entity, criterion) key through the Run Manager. Keys
// already populated or exhausted are not fetched again.
func (p *Pipeline) Curate(ctx context.Context, entityIDs []string, criteria []model.Criterion) (*runs.BatchReport, error) {
	ids, err := p.entityIDs(ctx, entityIDs)
	if err != nil {
		return nil, err
	}
	if len(criteria) == 0 {
		criteria = model.AllCriteria()
	}
	return p.manager.Batch(ctx, ids, criteria, p.adapter, runs.BatchOptions{
		MaxAttempts: p.cfg.Scoring.MaxAttempts,
		Concurrency: p.cfg.Batch.MaxConcurrentEntities,
	})
}

// ScoreOptions configures Score.
type ScoreOptions struct {
	// Weights overrides the configured weight vector when set.
	Weights map[model.Criterion]float64
	// Save persists the ranked batch.
	Save bool
}

// Result is the output of Score.
type Result struct {
	BatchID        string                   `json:"batch_id,omitempty"`
	ConfigHash     string                   `json:"config_hash"`
	Corpus         *normalize.Corpus        `json:"corpus"`
	Curated        []model.CuratedValue     `json:"-"`
	Results        []model.PriorityResult   `json:"results"`
	Justifications []priority.Justification `json:"justifications"`
	Report         priority.Report          `json:"report"`
	Duration       time.Duration            `json:"duration"`
}

// Score resolves every stored entity, freezes the corpus, normalizes against
// it, then aggregates and ranks. Curation is never triggered from here.
func (p *Pipeline) Score(ctx context.Context, opts ScoreOptions) (*Result, error) {
	start := time.Now()

	weights := opts.Weights
	if weights == nil {
		weights = p.cfg.Scoring.WeightVector()
	}
	if err := config.ValidateWeights(weightNames(weights)); err != nil {
		return nil, eris.Wrap(err, "pipeline: weights")
	}

	entities, err := p.store.ListEntities(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: list entities")
	}
	ids := make([]string, len(entities))
	for i, e := range entities {
		ids[i] = e.ID
	}

	criteria := model.AllCriteria()
	curated, err := p.resolver.ResolveAll(ctx, ids, criteria)
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: resolve")
	}

	corpus := normalize.Prepare(p.cfg.Scoring, curated)
	norm := normalize.New(p.cfg.Scoring)
	norm.Freeze(corpus)
	scores, err := norm.NormalizeAll(ctx, curated)
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: normalize")
	}

	results := priority.Build(entities, scores, weights)
	statuses, err := p.statuses(ctx, results)
	if err != nil {
		return nil, err
	}

	res := &Result{
		ConfigHash:     p.cfg.Scoring.Hash(),
		Corpus:         corpus,
		Curated:        curated,
		Results:        results,
		Justifications: priority.Justify(results, curated),
		Report:         priority.BuildReport(results, statuses),
	}

	if opts.Save {
		batch := model.PriorityBatch{
			ID:         uuid.New().String(),
			ConfigHash: res.ConfigHash,
			CreatedAt:  time.Now().UTC(),
			Results:    results,
		}
		if err := p.store.SavePriorities(ctx, batch); err != nil {
			return nil, eris.Wrap(err, "pipeline: save priorities")
		}
		res.BatchID = batch.ID
	}
	res.Duration = time.Since(start)

	zap.L().Info("pipeline: scoring complete",
		zap.Int("entities", len(results)),
		zap.Int("fully_scored", res.Report.FullyScored),
		zap.Int("gaps", len(res.Report.Gaps)),
		zap.String("corpus", corpus.Fingerprint),
		zap.String("batch_id", res.BatchID),
		zap.Duration("duration", res.Duration),
	)
	return res, nil
}

// statuses reads the run history of every missing key so the report can say
// why it is missing.
func (p *Pipeline) statuses(ctx context.Context, results []model.PriorityResult) (map[model.EntityKey]priority.KeyStatus, error) {
	out := make(map[model.EntityKey]priority.KeyStatus)
	for _, r := range results {
		for _, c := range r.Missing {
			history, err := p.store.ListRuns(ctx, r.EntityID, c)
			if err != nil {
				return nil, eris.Wrapf(err, "pipeline: load runs %s/%s", r.EntityID, c)
			}
			out[model.EntityKey{EntityID: r.EntityID, Criterion: c}] = KeyStatusOf(history, p.cfg.Scoring.MaxAttempts)
		}
	}
	return out, nil
}

// KeyStatusOf summarises a run history for reporting.
func KeyStatusOf(history []model.RunRecord, maxAttempts int) priority.KeyStatus {
	st := priority.KeyStatus{
		Outcome:  model.OutcomeOf(history, maxAttempts),
		Attempts: len(history),
	}
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Status == model.RunFailed {
			st.LastError = history[i].Error
			break
		}
	}
	return st
}

func weightNames(w map[model.Criterion]float64) map[string]float64 {
	out := make(map[string]float64, len(w))
	for c, v := range w {
		out[string(c)] = v
	}
	return out
}
