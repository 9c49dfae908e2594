package monitoring

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/rare-priority/internal/config"
	"github.com/sells-group/rare-priority/internal/resilience"
)

func TestChecker_Defaults(t *testing.T) {
	c := NewChecker(NewCollector(&mockStore{}, nil), NewAlerter(config.MonitoringConfig{}), config.MonitoringConfig{})
	assert.Equal(t, defaultCheckInterval, c.interval)
	assert.Equal(t, defaultLookbackHours, c.lookback)
}

func TestChecker_RunStopsOnCancel(t *testing.T) {
	cfg := config.MonitoringConfig{CheckIntervalSecs: 1, LookbackWindowHours: 24, FailureRateThreshold: 0.10}
	checker := NewChecker(NewCollector(&mockStore{}, nil), NewAlerter(cfg), cfg)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		checker.Run(ctx)
		close(done)
	}()

	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Checker.Run did not stop after context cancellation")
	}
}

func TestChecker_RunCancelledBeforeStart(t *testing.T) {
	checker := NewChecker(NewCollector(&mockStore{}, nil), NewAlerter(config.MonitoringConfig{}), config.MonitoringConfig{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	checker.Run(ctx)
}

func TestChecker_CheckSendsOnlyNewAlerts(t *testing.T) {
	var received atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		received.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	cfg := testMonitoringConfig()
	cfg.WebhookURL = ts.URL
	breakers := mockBreakers{"fixture/trials": resilience.CircuitOpen}
	st := &mockStore{dlqCount: 25}
	checker := NewChecker(NewCollector(st, breakers), NewAlerter(cfg), cfg)
	ctx := context.Background()

	first, err := checker.Check(ctx)
	require.NoError(t, err)
	assert.Len(t, first, 2)
	assert.Equal(t, int32(2), received.Load())

	again, err := checker.Check(ctx)
	require.NoError(t, err)
	assert.Empty(t, again)
	assert.Equal(t, int32(2), received.Load())

	// The DLQ clears, then fills again: only that alert is re-sent.
	st.dlqCount = 0
	_, err = checker.Check(ctx)
	require.NoError(t, err)
	st.dlqCount = 30
	third, err := checker.Check(ctx)
	require.NoError(t, err)
	require.Len(t, third, 1)
	assert.Equal(t, AlertDLQDepth, third[0].Type)
	assert.Equal(t, int32(3), received.Load())
}

func TestChecker_CheckPublishesGauges(t *testing.T) {
	m := NewMetrics()
	cfg := testMonitoringConfig()
	checker := NewChecker(NewCollector(&mockStore{dlqCount: 3}, nil), NewAlerter(cfg), cfg, WithCheckerMetrics(m))

	_, err := checker.Check(context.Background())
	require.NoError(t, err)
	assert.InDelta(t, 3.0, testutil.ToFloat64(m.dlqDepth), 0.0001)
}

func TestChecker_CheckCollectError(t *testing.T) {
	cfg := testMonitoringConfig()
	checker := NewChecker(NewCollector(&mockStore{runsErr: errors.New("db down")}, nil), NewAlerter(cfg), cfg)

	_, err := checker.Check(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "monitoring: check")
}
