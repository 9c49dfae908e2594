package fetch

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/sells-group/rare-priority/internal/config"
	"github.com/sells-group/rare-priority/internal/model"
	"github.com/sells-group/rare-priority/internal/resilience"
)

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}

func TestFixtureAdapter_JSON(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeFile(t, dir, "ORPHA_558.json", `{
		"prevalence": [
			{"source": "orphanet", "value": {"class": "1-9 / 100 000"},
			 "qualifiers": {"validated": true, "measurement": "point", "geography": "global"}}
		],
		"trials": []
	}`)

	a := NewFixtureAdapter(dir)
	ctx := context.Background()

	recs, err := a.Fetch(ctx, "ORPHA:558", model.CriterionPrevalence)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "1-9 / 100 000", recs[0].Value.Class)
	assert.Equal(t, model.MeasurementPoint, recs[0].Qualifiers.Measurement)

	recs, err = a.Fetch(ctx, "ORPHA:558", model.CriterionTrials)
	require.NoError(t, err)
	assert.NotNil(t, recs)
	assert.Empty(t, recs)

	recs, err = a.Fetch(ctx, "ORPHA:558", model.CriterionGene)
	require.NoError(t, err)
	assert.NotNil(t, recs, "criterion missing from file is an empty success")
	assert.Empty(t, recs)
}

func TestFixtureAdapter_YAML(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeFile(t, dir, "ORPHA:1.yaml", `
gene:
  - source: "omim:100100"
    qualifiers:
      status: disease-causing germline mutation
      validated: true
therapies:
  - source: "ema/eu-1-00-001"
    value:
      count: 2
    qualifiers:
      status: approved
      category: tradename
`)

	a := NewFixtureAdapter(dir)
	recs, err := a.Fetch(context.Background(), "ORPHA:1", model.CriterionTherapies)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	require.NotNil(t, recs[0].Value.Count)
	assert.Equal(t, 2, *recs[0].Value.Count)
	assert.Equal(t, "tradename", recs[0].Qualifiers.Category)
}

func TestFixtureAdapter_UnknownEntityIsEmpty(t *testing.T) {
	t.Parallel()

	recs, err := NewFixtureAdapter(t.TempDir()).Fetch(context.Background(), "ORPHA:404", model.CriterionGene)
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestFixtureAdapter_Failures(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeFile(t, dir, "broken.json", `{"gene": [`)
	writeFile(t, dir, "odd.json", `{"mortality": []}`)
	a := NewFixtureAdapter(dir)

	_, err := a.Fetch(context.Background(), "broken", model.CriterionGene)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse fixture")
	assert.False(t, resilience.IsTransient(err))

	_, err = a.Fetch(context.Background(), "odd", model.CriterionGene)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown criterion")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = a.Fetch(ctx, "broken", model.CriterionGene)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestHTTPAdapter(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "test-agent", r.Header.Get("User-Agent"))
		switch r.URL.Path {
		case "/evidence/ORPHA:1/trials":
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(`[{"source":"NCT0001","qualifiers":{"status":"recruiting"}}]`)) //nolint:errcheck
		case "/evidence/ORPHA:2/trials":
			w.WriteHeader(http.StatusTooManyRequests)
		case "/evidence/ORPHA:3/trials":
			w.WriteHeader(http.StatusBadGateway)
		case "/evidence/ORPHA:4/trials":
			w.WriteHeader(http.StatusBadRequest)
		case "/evidence/ORPHA:5/trials":
			w.Write([]byte(`not json`)) //nolint:errcheck
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	a := NewHTTPAdapter(HTTPOptions{BaseURL: srv.URL + "/", UserAgent: "test-agent"})
	ctx := context.Background()

	recs, err := a.Fetch(ctx, "ORPHA:1", model.CriterionTrials)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "recruiting", recs[0].Qualifiers.Status)

	_, err = a.Fetch(ctx, "ORPHA:2", model.CriterionTrials)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRateLimited)
	assert.True(t, resilience.IsTransient(err))

	_, err = a.Fetch(ctx, "ORPHA:3", model.CriterionTrials)
	require.Error(t, err)
	assert.True(t, resilience.IsTransient(err))

	_, err = a.Fetch(ctx, "ORPHA:4", model.CriterionTrials)
	require.Error(t, err)
	assert.False(t, resilience.IsTransient(err))

	_, err = a.Fetch(ctx, "ORPHA:5", model.CriterionTrials)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "decode evidence")

	recs, err = a.Fetch(ctx, "ORPHA:404", model.CriterionTrials)
	require.NoError(t, err)
	assert.NotNil(t, recs)
	assert.Empty(t, recs)
}

func TestGuarded_OpensCircuitOnTransientFailures(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	next := AdapterFunc(func(context.Context, string, model.Criterion) ([]model.EvidenceRecord, error) {
		calls.Add(1)
		return nil, resilience.NewTransientError(errors.New("upstream down"))
	})
	g := NewGuarded(next, "test", config.FetchConfig{CircuitFailureThreshold: 2, CircuitResetSecs: 60})
	ctx := context.Background()

	for j := 0; j < 2; j++ {
		_, err := g.Fetch(ctx, "ORPHA:1", model.CriterionTrials)
		require.Error(t, err)
	}
	_, err := g.Fetch(ctx, "ORPHA:1", model.CriterionTrials)
	assert.ErrorIs(t, err, resilience.ErrCircuitOpen)
	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, resilience.CircuitOpen, g.Breakers()["test/trials"])

	// Breakers are scoped per criterion.
	_, err = g.Fetch(ctx, "ORPHA:1", model.CriterionGene)
	assert.NotErrorIs(t, err, resilience.ErrCircuitOpen)
}

func TestGuarded_PermanentErrorsDoNotTrip(t *testing.T) {
	t.Parallel()

	next := AdapterFunc(func(context.Context, string, model.Criterion) ([]model.EvidenceRecord, error) {
		return nil, errors.New("bad fixture")
	})
	g := NewGuarded(next, "test", config.FetchConfig{CircuitFailureThreshold: 1})
	for j := 0; j < 3; j++ {
		_, err := g.Fetch(context.Background(), "ORPHA:1", model.CriterionGene)
		assert.NotErrorIs(t, err, resilience.ErrCircuitOpen)
	}
}

func TestGuarded_PassesThroughEmptySuccess(t *testing.T) {
	t.Parallel()

	next := AdapterFunc(func(context.Context, string, model.Criterion) ([]model.EvidenceRecord, error) {
		return []model.EvidenceRecord{}, nil
	})
	g := NewGuarded(next, "test", config.FetchConfig{})
	recs, err := g.Fetch(context.Background(), "ORPHA:1", model.CriterionGene)
	require.NoError(t, err)
	assert.NotNil(t, recs)
	assert.Empty(t, recs)
}

func TestGuarded_CancelledWaitIsTransient(t *testing.T) {
	t.Parallel()

	next := AdapterFunc(func(context.Context, string, model.Criterion) ([]model.EvidenceRecord, error) {
		return []model.EvidenceRecord{}, nil
	})
	g := NewGuarded(next, "test", config.FetchConfig{RatePerSec: 0.001, Burst: 1})
	ctx := context.Background()
	_, err := g.Fetch(ctx, "ORPHA:1", model.CriterionGene)
	require.NoError(t, err)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	_, err = g.Fetch(cancelled, "ORPHA:1", model.CriterionGene)
	require.Error(t, err)
	assert.True(t, resilience.IsTransient(err))
}

func TestAdaptiveLimiter(t *testing.T) {
	t.Parallel()

	l := NewAdaptiveLimiter(10, 1)
	l.OnRateLimit()
	assert.InDelta(t, 5.0, float64(l.Limit()), 0.001)
	l.OnRateLimit()
	l.OnRateLimit()
	assert.InDelta(t, 2.5, float64(l.Limit()), 0.001, "floor at initial/4")
	assert.Equal(t, 3, l.Throttled())
	for j := 0; j < 20; j++ {
		l.OnSuccess()
	}
	assert.InDelta(t, 20.0, float64(l.Limit()), 0.001, "ceiling at 2x initial")

	unlimited := NewAdaptiveLimiter(0, 0)
	unlimited.OnRateLimit()
	assert.Equal(t, rate.Inf, unlimited.Limit())
	assert.Zero(t, unlimited.Throttled())
}

func TestFromConfig(t *testing.T) {
	t.Parallel()

	g := FromConfig(config.FetchConfig{FixtureDir: t.TempDir()})
	_, ok := g.next.(*FixtureAdapter)
	assert.True(t, ok)

	g = FromConfig(config.FetchConfig{BaseURL: "http://localhost:1"})
	_, ok = g.next.(*HTTPAdapter)
	assert.True(t, ok)
}
