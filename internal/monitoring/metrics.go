package monitoring

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metric names.
const (
	MetricRunsTotal           = "priority_runs_total"
	MetricOutcomesTotal       = "priority_outcomes_total"
	MetricFetchDuration       = "priority_fetch_duration_seconds"
	MetricDroppedRecordsTotal = "priority_dropped_records_total"
	MetricCuratedTotal        = "priority_curated_values_total"
	MetricDLQDepth            = "priority_dlq_depth"
	MetricOpenCircuits        = "priority_open_circuits"
	MetricRunFailRate         = "priority_run_fail_rate"
)

// Metrics holds the Prometheus collectors of the scoring engine. All methods
// are safe for concurrent use and tolerate a nil receiver.
type Metrics struct {
	runsTotal      *prometheus.CounterVec
	outcomesTotal  *prometheus.CounterVec
	fetchDuration  *prometheus.HistogramVec
	droppedRecords *prometheus.CounterVec
	curatedTotal   *prometheus.CounterVec
	dlqDepth       prometheus.Gauge
	openCircuits   prometheus.Gauge
	failRate       prometheus.Gauge
}

// NewMetrics creates unregistered collectors. Call Register to expose them.
func NewMetrics() *Metrics {
	return &Metrics{
		runsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricRunsTotal,
				Help: "Run records written by criterion and status",
			},
			[]string{"criterion", "status"},
		),
		outcomesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricOutcomesTotal,
				Help: "Processed keys by criterion and final outcome",
			},
			[]string{"criterion", "outcome"},
		),
		fetchDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    MetricFetchDuration,
				Help:    "Evidence fetch latency in seconds by criterion",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1.0, 2.0, 5.0, 10.0, 30.0},
			},
			[]string{"criterion"},
		),
		droppedRecords: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricDroppedRecordsTotal,
				Help: "Evidence records dropped as malformed by criterion",
			},
			[]string{"criterion"},
		),
		curatedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricCuratedTotal,
				Help: "Curated values resolved by criterion and selection method",
			},
			[]string{"criterion", "method"},
		),
		dlqDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: MetricDLQDepth,
			Help: "Keys waiting in the dead letter queue at the last check",
		}),
		openCircuits: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: MetricOpenCircuits,
			Help: "Circuit breakers open at the last check",
		}),
		failRate: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: MetricRunFailRate,
			Help: "Share of failed runs in the lookback window at the last check",
		}),
	}
}

// Register registers all collectors with reg.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	for _, c := range m.Collectors() {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// Collectors returns every collector.
func (m *Metrics) Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.runsTotal,
		m.outcomesTotal,
		m.fetchDuration,
		m.droppedRecords,
		m.curatedTotal,
		m.dlqDepth,
		m.openCircuits,
		m.failRate,
	}
}

// IncRun counts one written run record.
func (m *Metrics) IncRun(criterion, status string) {
	if m == nil {
		return
	}
	m.runsTotal.WithLabelValues(criterion, status).Inc()
}

// IncOutcome counts one processed key.
func (m *Metrics) IncOutcome(criterion, outcome string) {
	if m == nil {
		return
	}
	m.outcomesTotal.WithLabelValues(criterion, outcome).Inc()
}

// ObserveFetch records one fetch latency sample.
func (m *Metrics) ObserveFetch(criterion string, seconds float64) {
	if m == nil {
		return
	}
	m.fetchDuration.WithLabelValues(criterion).Observe(seconds)
}

// AddDropped counts malformed records dropped from a batch.
func (m *Metrics) AddDropped(criterion string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.droppedRecords.WithLabelValues(criterion).Add(float64(n))
}

// IncCurated counts one resolved curated value.
func (m *Metrics) IncCurated(criterion, method string) {
	if m == nil {
		return
	}
	m.curatedTotal.WithLabelValues(criterion, method).Inc()
}

// SetSnapshot publishes the gauges of a monitoring snapshot.
func (m *Metrics) SetSnapshot(snap *MetricsSnapshot) {
	if m == nil || snap == nil {
		return
	}
	m.dlqDepth.Set(float64(snap.DLQDepth))
	m.openCircuits.Set(float64(len(snap.OpenCircuits)))
	m.failRate.Set(snap.FailRate)
}
