package runs

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/rare-priority/internal/fetch"
	"github.com/sells-group/rare-priority/internal/model"
)

// Failure is one key that did not end populated.
type Failure struct {
	EntityID  string          `json:"entity_id"`
	Criterion model.Criterion `json:"criterion"`
	Outcome   model.Outcome   `json:"outcome"`
	Error     string          `json:"error,omitempty"`
}

// BatchReport summarises a batch run.
type BatchReport struct {
	Keys     int                   `json:"keys"`
	Outcomes map[model.Outcome]int `json:"outcomes"`
	Fetches  int                   `json:"fetches"`
	Failures []Failure             `json:"failures"`
	Duration time.Duration         `json:"duration"`
}

// BatchOptions configures Batch.
type BatchOptions struct {
	MaxAttempts int
	Concurrency int
}

// Batch processes every (entity, criterion) pair with a bounded worker pool.
// Entities are isolated: a failure on one key never stops the others. The
// returned error is set only when ctx ends before the batch completes.
func (m *Manager) Batch(ctx context.Context, entityIDs []string, criteria []model.Criterion, adapter fetch.Adapter, opts BatchOptions) (*BatchReport, error) {
	if opts.Concurrency < 1 {
		opts.Concurrency = 1
	}
	start := m.now()

	zap.L().Info("runs: processing batch",
		zap.Int("entities", len(entityIDs)),
		zap.Int("criteria", len(criteria)),
		zap.Int("concurrency", opts.Concurrency),
	)

	report := &BatchReport{Outcomes: make(map[model.Outcome]int)}
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(opts.Concurrency)

	for _, entityID := range entityIDs {

		entityID := entityID
		g.Go(func() error {
			for _, c := range criteria {
				if gctx.Err() != nil {
					return nil
				}
				res, err := m.Process(gctx, entityID, c, adapter, opts.MaxAttempts)
				if res.Outcome == "" {
					res.Outcome = model.OutcomePending
				}

				mu.Lock()
				report.Keys++
				report.Fetches += res.Attempts
				report.Outcomes[res.Outcome]++
				if err != nil || res.Outcome != model.OutcomePopulated {
					f := Failure{EntityID: entityID, Criterion: c, Outcome: res.Outcome, Error: res.Run.Error}
					if res.Deferred != "" {
						f.Error = res.Deferred
					}
					if err != nil {
						f.Error = err.Error()
					}
					report.Failures = append(report.Failures, f)
				}
				mu.Unlock()

				if err != nil {
					zap.L().Error("runs: key processing failed",
						zap.String("entity_id", entityID),
						zap.String("criterion", string(c)),
						zap.Error(err),
					)
				}
			}
			return nil // don't abort batch on individual failure
		})
	}

	_ = g.Wait()

	sort.Slice(report.Failures, func(i, j int) bool {
		a, b := report.Failures[i], report.Failures[j]
		if a.EntityID != b.EntityID {
			return a.EntityID < b.EntityID
		}
		return a.Criterion < b.Criterion
	})
	report.Duration = m.now().Sub(start)

	zap.L().Info("runs: batch complete",
		zap.Int("keys", report.Keys),
		zap.Int("fetches", report.Fetches),
		zap.Int("populated", report.Outcomes[model.OutcomePopulated]),
		zap.Int("exhausted_empty", report.Outcomes[model.OutcomeExhaustedEmpty]),
		zap.Int("exhausted_failed", report.Outcomes[model.OutcomeExhaustedFailed]),
		zap.Duration("duration", report.Duration),
	)

	if err := ctx.Err(); err != nil {
		return report, eris.Wrap(err, "runs: batch interrupted")
	}
	return report, nil
}
