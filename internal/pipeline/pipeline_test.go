package pipeline

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/rare-priority/internal/config"
	"github.com/sells-group/rare-priority/internal/fetch"
	"github.com/sells-group/rare-priority/internal/model"
	"github.com/sells-group/rare-priority/internal/monitoring"
	"github.com/sells-group/rare-priority/internal/resilience"
	"github.com/sells-group/rare-priority/internal/runs"
	"github.com/sells-group/rare-priority/internal/store"
)

func testConfig() *config.Config {
	return &config.Config{
		Store:   config.StoreConfig{Driver: "memory"},
		Batch:   config.BatchConfig{MaxConcurrentEntities: 2},
		Fetch:   config.FetchConfig{TimeoutSecs: 5},
		Scoring: config.DefaultScoringConfig(),
	}
}

func intp(v int) *int { return &v }

// evidence is keyed by entity then criterion. Missing keys return an empty
// success; the "ORPHA:broken" entity always fails.
func evidenceAdapter(evidence map[string]map[model.Criterion][]model.EvidenceRecord) fetch.Adapter {
	return fetch.AdapterFunc(func(_ context.Context, entityID string, c model.Criterion) ([]model.EvidenceRecord, error) {
		if entityID == "ORPHA:broken" {
			return nil, resilience.NewTransientError(errors.New("registry unavailable"))
		}
		return evidence[entityID][c], nil
	})
}

func scenarioEvidence() map[string]map[model.Criterion][]model.EvidenceRecord {
	peer := model.Qualifiers{Validated: true, SourceType: model.SourcePeerReviewed, Geography: model.GeoGlobal}
	point := peer
	point.Measurement = model.MeasurementPoint

	return map[string]map[model.Criterion][]model.EvidenceRecord{
		"ORPHA:1": {
			model.CriterionPrevalence: {{Source: "orphanet", Value: model.Value{Class: "1-9 / 1 000 000"}, Qualifiers: point}},
			model.CriterionGene: {{Source: "omim", Qualifiers: model.Qualifiers{
				Validated: true, SourceType: model.SourcePeerReviewed, Status: "disease-causing germline mutation",
			}}},
		},
		"ORPHA:2": {
			model.CriterionPrevalence: {{Source: "orphanet", Value: model.Value{Class: "1-5 / 10 000"}, Qualifiers: point}},
			model.CriterionTherapies: {
				{Source: "ema-1", Value: model.Value{Count: intp(2)}, Qualifiers: model.Qualifiers{Status: "approved", Category: "tradename"}},
				{Source: "ema-2", Value: model.Value{Count: intp(4)}, Qualifiers: model.Qualifiers{Status: "approved", Category: "medical_product"}},
			},
			model.CriterionTrials: {
				{Source: "NCT01", Qualifiers: model.Qualifiers{Status: "recruiting"}},
				{Source: "NCT02", Qualifiers: model.Qualifiers{Status: "recruiting"}},
			},
		},
		"ORPHA:3": {
			model.CriterionTherapies: {
				{Source: "fda-1", Value: model.Value{Count: intp(4)}, Qualifiers: model.Qualifiers{Status: "approved", Category: "tradename"}},
			},
			model.CriterionTrials: {
				{Source: "NCT03", Value: model.Value{Count: intp(5)}, Qualifiers: model.Qualifiers{Status: "recruiting"}},
			},
		},
	}
}

func newTestPipeline(t *testing.T, adapter fetch.Adapter) (*Pipeline, store.Store) {
	t.Helper()
	st := store.NewMemory()
	_, err := st.UpsertEntities(context.Background(), []model.Entity{
		{ID: "ORPHA:1", Name: "Alpha syndrome"},
		{ID: "ORPHA:2", Name: "Beta disease"},
		{ID: "ORPHA:3", Name: "Gamma disorder"},
		{ID: "ORPHA:broken", Name: "Broken registry"},
	})
	require.NoError(t, err)

	p, err := New(testConfig(), st, adapter,
		WithMetrics(monitoring.NewMetrics()),
		WithRunOptions(runs.WithBackoff(resilience.Backoff{})),
	)
	require.NoError(t, err)
	return p, st
}

func TestPipeline_CurateThenScore(t *testing.T) {
	t.Parallel()
	p, st := newTestPipeline(t, evidenceAdapter(scenarioEvidence()))
	ctx := context.Background()

	report, err := p.Curate(ctx, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, 4*6, report.Keys)
	assert.Equal(t, 6, report.Outcomes[model.OutcomeExhaustedFailed])

	res, err := p.Score(ctx, ScoreOptions{Save: true})
	require.NoError(t, err)
	require.Len(t, res.Results, 4)

	byID := make(map[string]model.PriorityResult)
	for _, r := range res.Results {
		byID[r.EntityID] = r
	}

	// prevalence 5, no approved drugs 10, monogenic 10, zero trials 0, zero
	// research capacity 0, socioeconomic missing.
	alpha := byID["ORPHA:1"]
	assert.Equal(t, 0.2*5+0.25*10+0.15*10+0.10*0+0.10*0, alpha.FinalScore)
	assert.Equal(t, []model.Criterion{model.CriterionSocioeconomic}, alpha.Missing)

	broken := byID["ORPHA:broken"]
	assert.Zero(t, broken.FinalScore)
	assert.Len(t, broken.Missing, 6)
	assert.Equal(t, 4, broken.Rank)

	assert.NotEmpty(t, res.BatchID)
	assert.Equal(t, p.cfg.Scoring.Hash(), res.ConfigHash)
	latest, err := st.LatestPriorities(ctx)
	require.NoError(t, err)
	assert.Equal(t, res.BatchID, latest.ID)
	require.Len(t, latest.Results, 4)

	var brokenGaps int
	for _, g := range res.Report.Gaps {
		if g.EntityID == "ORPHA:broken" {
			brokenGaps++
			assert.Equal(t, model.OutcomeExhaustedFailed, g.Outcome)
			assert.Contains(t, g.Reason, "registry unavailable")
		}
	}
	assert.Equal(t, 6, brokenGaps)
	assert.Equal(t, 4, res.Corpus.Size())
	require.Len(t, res.Justifications, 4)
}

func TestPipeline_ScoreIsReproducible(t *testing.T) {
	t.Parallel()
	p, _ := newTestPipeline(t, evidenceAdapter(scenarioEvidence()))
	ctx := context.Background()

	_, err := p.Curate(ctx, nil, nil)
	require.NoError(t, err)

	first, err := p.Score(ctx, ScoreOptions{})
	require.NoError(t, err)
	second, err := p.Score(ctx, ScoreOptions{})
	require.NoError(t, err)

	assert.Equal(t, first.Corpus.Fingerprint, second.Corpus.Fingerprint)
	assert.Equal(t, first.Corpus.Caps, second.Corpus.Caps)
	for i := range first.Results {
		assert.Equal(t, first.Results[i].EntityID, second.Results[i].EntityID)
		assert.Equal(t, first.Results[i].FinalScore, second.Results[i].FinalScore)
	}
	assert.Empty(t, first.BatchID)
}

func TestPipeline_CurateIsIdempotent(t *testing.T) {
	t.Parallel()
	p, _ := newTestPipeline(t, evidenceAdapter(scenarioEvidence()))
	ctx := context.Background()

	_, err := p.Curate(ctx, nil, nil)
	require.NoError(t, err)
	again, err := p.Curate(ctx, nil, nil)
	require.NoError(t, err)
	assert.Zero(t, again.Fetches)
}

func TestPipeline_WeightOverride(t *testing.T) {
	t.Parallel()
	p, _ := newTestPipeline(t, evidenceAdapter(scenarioEvidence()))
	ctx := context.Background()
	_, err := p.Curate(ctx, nil, nil)
	require.NoError(t, err)

	res, err := p.Score(ctx, ScoreOptions{Weights: map[model.Criterion]float64{model.CriterionTrials: 1}})
	require.NoError(t, err)
	assert.Equal(t, "ORPHA:3", res.Results[0].EntityID)

	_, err = p.Score(ctx, ScoreOptions{Weights: map[model.Criterion]float64{"popularity": 1}})
	assert.Error(t, err)
}

func TestNew_InvalidRule(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	pol := cfg.Scoring.Criteria[string(model.CriterionTrials)]
	pol.IncludeWhen = "record.("
	cfg.Scoring.Criteria[string(model.CriterionTrials)] = pol

	_, err := New(cfg, store.NewMemory(), evidenceAdapter(nil))
	assert.Error(t, err)
}

func TestKeyStatusOf(t *testing.T) {
	t.Parallel()
	history := []model.RunRecord{
		{RunNumber: 1, Status: model.RunFailed, Error: "timeout"},
		{RunNumber: 2, Status: model.RunSuccessEmpty},
		{RunNumber: 3, Status: model.RunFailed, Error: "503"},
	}
	st := KeyStatusOf(history, 3)
	assert.Equal(t, model.OutcomeExhaustedEmpty, st.Outcome)
	assert.Equal(t, 3, st.Attempts)
	assert.Equal(t, "503", st.LastError)

	assert.Equal(t, model.OutcomePending, KeyStatusOf(nil, 3).Outcome)
}
