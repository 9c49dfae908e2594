package runs

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/rare-priority/internal/fetch"
	"github.com/sells-group/rare-priority/internal/model"
)

func TestBatch_IsolatesEntities(t *testing.T) {
	t.Parallel()
	m, st := newTestManager(t)

	a := fetch.AdapterFunc(func(_ context.Context, entityID string, c model.Criterion) ([]model.EvidenceRecord, error) {
		switch entityID {
		case "ORPHA:bad":
			return nil, errors.New("parse error in upstream payload")
		case "ORPHA:none":
			return []model.EvidenceRecord{}, nil
		}
		if c == model.CriterionGene {
			return []model.EvidenceRecord{{Source: "omim", Qualifiers: model.Qualifiers{Status: "disease-causing germline mutation"}}}, nil
		}
		return []model.EvidenceRecord{trial("NCT01")}, nil
	})

	report, err := m.Batch(context.Background(),
		[]string{"ORPHA:ok", "ORPHA:bad", "ORPHA:none"},
		[]model.Criterion{model.CriterionTrials, model.CriterionGene},
		a, BatchOptions{MaxAttempts: 2, Concurrency: 2})
	require.NoError(t, err)

	assert.Equal(t, 6, report.Keys)
	assert.Equal(t, 2, report.Outcomes[model.OutcomePopulated])
	assert.Equal(t, 2, report.Outcomes[model.OutcomeExhaustedFailed])
	assert.Equal(t, 2, report.Outcomes[model.OutcomeExhaustedEmpty])
	assert.Equal(t, 2+4+4, report.Fetches)

	require.Len(t, report.Failures, 4)
	assert.Equal(t, "ORPHA:bad", report.Failures[0].EntityID)
	assert.Equal(t, model.CriterionGene, report.Failures[0].Criterion)
	assert.Equal(t, model.OutcomeExhaustedFailed, report.Failures[0].Outcome)
	assert.Contains(t, report.Failures[0].Error, "parse error")
	assert.Equal(t, "ORPHA:none", report.Failures[2].EntityID)
	assert.Equal(t, model.OutcomeExhaustedEmpty, report.Failures[2].Outcome)

	n, err := st.CountDLQ(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestBatch_SecondPassIsNoOp(t *testing.T) {
	t.Parallel()
	m, _ := newTestManager(t)
	a := &scripted{responses: []func() ([]model.EvidenceRecord, error){found(trial("NCT01"))}}

	ids := []string{"ORPHA:1", "ORPHA:2", "ORPHA:3"}
	_, err := m.Batch(context.Background(), ids, []model.Criterion{model.CriterionTrials}, a, BatchOptions{MaxAttempts: 3, Concurrency: 3})
	require.NoError(t, err)
	assert.Equal(t, int32(3), a.calls.Load())

	report, err := m.Batch(context.Background(), ids, []model.Criterion{model.CriterionTrials}, a, BatchOptions{MaxAttempts: 3, Concurrency: 3})
	require.NoError(t, err)
	assert.Equal(t, 0, report.Fetches)
	assert.Equal(t, 3, report.Outcomes[model.OutcomePopulated])
	assert.Empty(t, report.Failures)
	assert.Equal(t, int32(3), a.calls.Load())
}

func TestBatch_Cancelled(t *testing.T) {
	t.Parallel()
	m, _ := newTestManager(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	report, err := m.Batch(ctx, []string{"ORPHA:1"}, []model.Criterion{model.CriterionTrials}, &scripted{}, BatchOptions{MaxAttempts: 1})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, report.Keys)
}
