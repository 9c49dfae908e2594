package monitoring

import (
	"context"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/rare-priority/internal/config"
)

const (
	defaultCheckInterval = 5 * time.Minute
	defaultLookbackHours = 24
)

// Checker evaluates curation health on a fixed interval. An alert is sent
// when its type first fires and again only after it has cleared.
type Checker struct {
	collector *Collector
	alerter   *Alerter
	metrics   *Metrics
	interval  time.Duration
	lookback  int

	mu     sync.Mutex
	active map[AlertType]bool
}

// CheckerOption configures a Checker.
type CheckerOption func(*Checker)

// WithCheckerMetrics publishes every snapshot to the Prometheus gauges.
func WithCheckerMetrics(m *Metrics) CheckerOption {
	return func(c *Checker) { c.metrics = m }
}

// NewChecker creates a background checker.
func NewChecker(collector *Collector, alerter *Alerter, cfg config.MonitoringConfig, opts ...CheckerOption) *Checker {
	c := &Checker{
		collector: collector,
		alerter:   alerter,
		interval:  time.Duration(cfg.CheckIntervalSecs) * time.Second,
		lookback:  cfg.LookbackWindowHours,
		active:    make(map[AlertType]bool),
	}
	if c.interval <= 0 {
		c.interval = defaultCheckInterval
	}
	if c.lookback <= 0 {
		c.lookback = defaultLookbackHours
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Run checks once immediately and then on every tick until ctx is cancelled.
func (c *Checker) Run(ctx context.Context) {
	log := zap.L().With(zap.String("component", "monitoring.checker"))
	log.Info("monitoring: checker started",
		zap.Duration("interval", c.interval),
		zap.Int("lookback_hours", c.lookback),
	)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		if ctx.Err() != nil {
			log.Info("monitoring: checker stopped")
			return
		}
		if _, err := c.Check(ctx); err != nil && ctx.Err() == nil {
			log.Error("monitoring: check failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			log.Info("monitoring: checker stopped")
			return
		case <-ticker.C:
		}
	}
}

// Check collects one snapshot and sends the alerts that were not already
// active at the previous check. It returns those new alerts.
func (c *Checker) Check(ctx context.Context) ([]Alert, error) {
	snap, err := c.collector.Collect(ctx, c.lookback)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: check")
	}
	c.metrics.SetSnapshot(snap)

	fresh := c.newAlerts(c.alerter.Evaluate(snap))
	if len(fresh) == 0 {
		zap.L().Debug("monitoring: no new alerts",
			zap.Int("runs", snap.RunsTotal),
			zap.Int("dlq_depth", snap.DLQDepth),
		)
		return nil, nil
	}

	sent := c.alerter.SendAlerts(ctx, fresh)
	zap.L().Warn("monitoring: alerts raised",
		zap.Int("alerts", len(fresh)),
		zap.Int("sent", sent),
		zap.Float64("fail_rate", snap.FailRate),
		zap.Int("dlq_depth", snap.DLQDepth),
	)
	return fresh, nil
}

// newAlerts replaces the active set with the types in alerts and returns the
// alerts whose type was not active before.
func (c *Checker) newAlerts(alerts []Alert) []Alert {
	c.mu.Lock()
	defer c.mu.Unlock()

	current := make(map[AlertType]bool, len(alerts))
	var fresh []Alert
	for _, a := range alerts {
		current[a.Type] = true
		if !c.active[a.Type] {
			fresh = append(fresh, a)
		}
	}
	c.active = current
	return fresh
}
