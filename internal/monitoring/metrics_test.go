package monitoring

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_Register(t *testing.T) {
	m := NewMetrics()
	reg := prometheus.NewRegistry()
	require.NoError(t, m.Register(reg))

	m.IncRun("trials", "failed")
	m.IncOutcome("trials", "exhausted-failed")
	m.ObserveFetch("trials", 0.2)
	m.AddDropped("trials", 2)
	m.IncCurated("trials", "qualifying_count")

	families, err := reg.Gather()
	require.NoError(t, err)
	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}
	for _, want := range []string{MetricRunsTotal, MetricOutcomesTotal, MetricFetchDuration, MetricDroppedRecordsTotal, MetricCuratedTotal} {
		assert.True(t, names[want], want)
	}
}

func TestMetrics_DuplicateRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	require.NoError(t, NewMetrics().Register(reg))
	assert.Error(t, NewMetrics().Register(reg))
}

func TestMetrics_Counters(t *testing.T) {
	m := NewMetrics()
	m.IncRun("gene", "success-empty")
	m.IncRun("gene", "success-empty")
	m.AddDropped("gene", 3)
	m.AddDropped("gene", 0)

	assert.InDelta(t, 2.0, testutil.ToFloat64(m.runsTotal.WithLabelValues("gene", "success-empty")), 0.0001)
	assert.InDelta(t, 3.0, testutil.ToFloat64(m.droppedRecords.WithLabelValues("gene")), 0.0001)
}

func TestMetrics_NilReceiver(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.IncRun("gene", "failed")
		m.IncOutcome("gene", "populated")
		m.ObserveFetch("gene", 1)
		m.AddDropped("gene", 1)
		m.IncCurated("gene", "qualifying_presence")
		m.SetSnapshot(&MetricsSnapshot{DLQDepth: 1})
	})
}

func TestMetrics_SetSnapshot(t *testing.T) {
	m := NewMetrics()
	m.SetSnapshot(&MetricsSnapshot{
		DLQDepth:     4,
		OpenCircuits: []string{"fixture/trials", "fixture/gene"},
		FailRate:     0.25,
	})

	assert.InDelta(t, 4.0, testutil.ToFloat64(m.dlqDepth), 0.0001)
	assert.InDelta(t, 2.0, testutil.ToFloat64(m.openCircuits), 0.0001)
	assert.InDelta(t, 0.25, testutil.ToFloat64(m.failRate), 0.0001)

	m.SetSnapshot(nil)
	assert.InDelta(t, 4.0, testutil.ToFloat64(m.dlqDepth), 0.0001)
}
