package monitoring

import (
	"context"
	"sort"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/rare-priority/internal/model"
	"github.com/sells-group/rare-priority/internal/resilience"
	"github.com/sells-group/rare-priority/internal/store"
)

// collectLimit bounds the number of run records read per snapshot.
const collectLimit = 10000

// MetricsSnapshot holds a point-in-time view of curation health.
type MetricsSnapshot struct {
	// Run records within the lookback window.
	RunsTotal         int                     `json:"runs_total"`
	RunsNonEmpty      int                     `json:"runs_nonempty"`
	RunsEmpty         int                     `json:"runs_empty"`
	RunsFailed        int                     `json:"runs_failed"`
	TransientFailures int                     `json:"transient_failures"`
	PermanentFailures int                     `json:"permanent_failures"`
	FailRate          float64                 `json:"fail_rate"`
	FailedByCriterion map[model.Criterion]int `json:"failed_by_criterion,omitempty"`
	DroppedRecords    int                     `json:"dropped_records"`

	// Escalated keys awaiting attention.
	DLQDepth int `json:"dlq_depth"`

	// Breaker keys (adapter/criterion) currently open.
	OpenCircuits []string `json:"open_circuits,omitempty"`

	// Metadata.
	LookbackHours int       `json:"lookback_hours"`
	CollectedAt   time.Time `json:"collected_at"`
}

// RunSource is the part of the store the collector reads.
type RunSource interface {
	QueryRuns(ctx context.Context, filter store.RunFilter) ([]model.RunRecord, error)
	CountDLQ(ctx context.Context) (int, error)
}

// BreakerSource reports circuit breaker states keyed by breaker name.
type BreakerSource interface {
	Breakers() map[string]resilience.CircuitState
}

// Collector gathers metrics from the run audit trail.
type Collector struct {
	store    RunSource
	breakers BreakerSource
}

// NewCollector creates a new metrics collector. breakers may be nil.
func NewCollector(st RunSource, breakers BreakerSource) *Collector {
	return &Collector{store: st, breakers: breakers}
}

// Collect gathers a snapshot of run metrics over the given lookback window.
func (c *Collector) Collect(ctx context.Context, lookbackHours int) (*MetricsSnapshot, error) {
	now := time.Now().UTC()
	snap := &MetricsSnapshot{
		LookbackHours: lookbackHours,
		CollectedAt:   now,
	}

	runs, err := c.store.QueryRuns(ctx, store.RunFilter{
		Since: now.Add(-time.Duration(lookbackHours) * time.Hour),
		Limit: collectLimit,
	})
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list runs")
	}

	snap.RunsTotal = len(runs)
	for _, r := range runs {
		snap.DroppedRecords += r.Dropped
		switch r.Status {
		case model.RunSuccessNonEmpty:
			snap.RunsNonEmpty++
		case model.RunSuccessEmpty:
			snap.RunsEmpty++
		case model.RunFailed:
			snap.RunsFailed++
			if snap.FailedByCriterion == nil {
				snap.FailedByCriterion = make(map[model.Criterion]int)
			}
			snap.FailedByCriterion[r.Criterion]++
			if r.ErrorClass == model.ErrorClassTransient {
				snap.TransientFailures++
			} else {
				snap.PermanentFailures++
			}
		}
	}
	if snap.RunsTotal > 0 {
		snap.FailRate = float64(snap.RunsFailed) / float64(snap.RunsTotal)
	}

	dlqCount, err := c.store.CountDLQ(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: count dlq")
	}
	snap.DLQDepth = dlqCount

	if c.breakers != nil {
		for name, state := range c.breakers.Breakers() {
			if state == resilience.CircuitOpen {
				snap.OpenCircuits = append(snap.OpenCircuits, name)
			}
		}
		sort.Strings(snap.OpenCircuits)
	}

	return snap, nil
}
