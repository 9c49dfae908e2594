// Package runs governs numbered, auditable fetch attempts per
// (entity, criterion) key.
//
// Each key moves through a small state machine: pending, then one of
// success-nonempty, success-empty or failed per attempt. Empty and failed
// attempts loop back to pending until max attempts are spent, after which the
// key is exhausted-empty or exhausted-failed.
package runs

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/rare-priority/internal/fetch"
	"github.com/sells-group/rare-priority/internal/model"
	"github.com/sells-group/rare-priority/internal/monitoring"
	"github.com/sells-group/rare-priority/internal/reliability"
	"github.com/sells-group/rare-priority/internal/resilience"
	"github.com/sells-group/rare-priority/internal/store"
)

// Result is the state of a key after Process.
type Result struct {
	// Run is the active record: the latest non-empty success, or the latest
	// record if none succeeded.
	Run     model.RunRecord `json:"run"`
	Outcome model.Outcome   `json:"outcome"`
	// Attempts is the number of records written by this call. Zero means the
	// call was a no-op.
	Attempts int `json:"attempts"`
	// Deferred is set when the fetch was refused before reaching the source.
	// No record is written for it and the key stays pending.
	Deferred string `json:"deferred,omitempty"`
}

// Manager wraps a fetch adapter with idempotent, numbered attempts.
type Manager struct {
	store   store.Store
	locks   *keyLocks
	timeout time.Duration
	backoff resilience.Backoff
	metrics *monitoring.Metrics
	now     func() time.Time
}

// Option configures a Manager.
type Option func(*Manager)

// WithTimeout bounds every single fetch. Zero means no bound.
func WithTimeout(d time.Duration) Option {
	return func(m *Manager) { m.timeout = d }
}

// WithBackoff spaces out consecutive attempts for the same key.
func WithBackoff(b resilience.Backoff) Option {
	return func(m *Manager) { m.backoff = b }
}

// WithMetrics records run and outcome counters.
func WithMetrics(metrics *monitoring.Metrics) Option {
	return func(m *Manager) { m.metrics = metrics }
}

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager creates a Manager persisting runs to st.
func NewManager(st store.Store, opts ...Option) *Manager {
	m := &Manager{
		store: st,
		locks: newKeyLocks(),
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Process drives one key toward a terminal state. A key whose latest
// non-empty success exists, or whose attempt budget is already spent, is
// read and returned without fetching or writing anything. Fetch failures are
// recorded, not returned; the error is reserved for store and cancellation
// problems. A fetch refused by an open circuit breaker is not an attempt: it
// costs no run number and leaves the key pending for a later pass.
func (m *Manager) Process(ctx context.Context, entityID string, c model.Criterion, adapter fetch.Adapter, maxAttempts int) (Result, error) {
	if maxAttempts < 1 {
		return Result{}, eris.Errorf("runs: max attempts must be >= 1, got %d", maxAttempts)
	}
	key := model.EntityKey{EntityID: entityID, Criterion: c}
	release := m.locks.lock(key.String())
	defer release()

	log := zap.L().With(
		zap.String("entity_id", entityID),
		zap.String("criterion", string(c)),
	)

	history, err := m.store.ListRuns(ctx, entityID, c)
	if err != nil {
		return Result{}, eris.Wrapf(err, "runs: load history %s", key)
	}
	if active := model.ActiveRun(history); active != nil {
		if active.Status == model.RunSuccessNonEmpty || len(history) >= maxAttempts {
			return Result{Run: *active, Outcome: model.OutcomeOf(history, maxAttempts)}, nil
		}
	}

	var written int
	for {
		runNumber := len(history) + 1
		if err := m.backoff.Wait(ctx, runNumber); err != nil {
			return m.partial(history, maxAttempts, written), eris.Wrapf(err, "runs: %s interrupted before run %d", key, runNumber)
		}

		run, err := m.attempt(ctx, entityID, c, adapter, runNumber)
		if err != nil {
			log.Warn("runs: fetch refused, key left pending",
				zap.Int("run_number", runNumber),
				zap.Error(err),
			)
			res := m.partial(history, maxAttempts, written)
			res.Deferred = err.Error()
			return res, nil
		}
		// The attempt is recorded even when ctx was cancelled mid-fetch.
		if err := m.store.AppendRun(context.WithoutCancel(ctx), run); err != nil {
			if errors.Is(err, store.ErrRunExists) {
				return m.partial(history, maxAttempts, written), eris.Wrapf(err, "runs: %s run %d written concurrently", key, runNumber)
			}
			return m.partial(history, maxAttempts, written), eris.Wrapf(err, "runs: append %s run %d", key, runNumber)
		}
		history = append(history, run)
		written++
		m.metrics.IncRun(string(c), string(run.Status))

		log.Debug("runs: attempt recorded",
			zap.Int("run_number", runNumber),
			zap.String("status", string(run.Status)),
			zap.Int("records", len(run.Payload)),
			zap.Int("dropped", run.Dropped),
		)

		if run.Status == model.RunSuccessNonEmpty || runNumber >= maxAttempts {
			break
		}
		if ctx.Err() != nil {
			return m.partial(history, maxAttempts, written), eris.Wrapf(ctx.Err(), "runs: %s interrupted after run %d", key, runNumber)
		}
	}

	res := m.partial(history, maxAttempts, written)
	m.metrics.IncOutcome(string(c), string(res.Outcome))

	switch res.Outcome {
	case model.OutcomeExhaustedFailed:
		entry := resilience.NewDLQEntry(history[len(history)-1])
		if err := m.store.EnqueueDLQ(context.WithoutCancel(ctx), entry); err != nil {
			log.Error("runs: escalate exhausted key", zap.Error(err))
		}
		log.Warn("runs: exhausted on failures",
			zap.Int("attempts", len(history)),
			zap.String("last_error", entry.Error),
		)
	case model.OutcomeExhaustedEmpty:
		log.Info("runs: exhausted without evidence", zap.Int("attempts", len(history)))
	}
	return res, nil
}

func (m *Manager) partial(history []model.RunRecord, maxAttempts, written int) Result {
	res := Result{Outcome: model.OutcomeOf(history, maxAttempts), Attempts: written}
	if active := model.ActiveRun(history); active != nil {
		res.Run = *active
	}
	return res
}

// attempt performs one fetch and turns its outcome into a RunRecord. The
// error is set only when an open circuit refused the call; nothing reached
// the source and no record must be written.
func (m *Manager) attempt(ctx context.Context, entityID string, c model.Criterion, adapter fetch.Adapter, runNumber int) (model.RunRecord, error) {
	fctx := ctx
	if m.timeout > 0 {
		var cancel context.CancelFunc
		fctx, cancel = context.WithTimeout(ctx, m.timeout)
		defer cancel()
	}

	start := m.now()
	records, err := adapter.Fetch(fctx, entityID, c)
	if errors.Is(err, resilience.ErrCircuitOpen) {
		return model.RunRecord{}, err
	}
	m.metrics.ObserveFetch(string(c), m.now().Sub(start).Seconds())
	if err == nil && fctx.Err() != nil {
		// Nothing from a cancelled fetch is kept.
		err = fctx.Err()
	}

	run := model.RunRecord{
		ID:        uuid.New().String(),
		EntityID:  entityID,
		Criterion: c,
		RunNumber: runNumber,
		Timestamp: m.now().UTC(),
	}
	if err != nil {
		run.Status = model.RunFailed
		run.Error = err.Error()
		run.ErrorClass = resilience.ClassifyError(err)
		zap.L().Warn("runs: fetch failed",
			zap.String("entity_id", entityID),
			zap.String("criterion", string(c)),
			zap.Int("run_number", runNumber),
			zap.String("error_class", run.ErrorClass),
			zap.Error(err),
		)
		return run, nil
	}

	kept, dropped := Validate(entityID, c, records)
	run.Dropped = dropped
	m.metrics.AddDropped(string(c), dropped)

	switch {
	case len(kept) > 0:
		run.Status = model.RunSuccessNonEmpty
		run.Payload = reliability.Apply(kept)
	case dropped > 0:
		run.Status = model.RunFailed
		run.Error = eris.Wrapf(model.ErrMalformedEvidence, "all %d records malformed", dropped).Error()
		run.ErrorClass = model.ErrorClassPermanent
	default:
		run.Status = model.RunSuccessEmpty
	}
	return run, nil
}

// Validate drops records that fail schema validation for c and returns the
// rest with the number dropped. Each dropped record is logged.
func Validate(entityID string, c model.Criterion, records []model.EvidenceRecord) ([]model.EvidenceRecord, int) {
	kept := make([]model.EvidenceRecord, 0, len(records))
	var dropped int
	for i, r := range records {
		if err := r.Validate(c); err != nil {
			dropped++
			zap.L().Warn("runs: dropping malformed evidence",
				zap.String("entity_id", entityID),
				zap.String("criterion", string(c)),
				zap.Int("index", i),
				zap.String("source", r.Source),
				zap.Error(err),
			)
			continue
		}
		kept = append(kept, r)
	}
	return kept, dropped
}
