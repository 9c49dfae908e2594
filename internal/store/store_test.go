package store

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/rare-priority/internal/model"
	"github.com/sells-group/rare-priority/internal/resilience"
)

func newTestSQLite(t *testing.T) Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	s, err := NewSQLite(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() }) //nolint:errcheck
	require.NoError(t, s.Migrate(context.Background()))
	return s
}

func newTestMemory(t *testing.T) Store {
	t.Helper()
	return NewMemory()
}

func intPtr(v int) *int { return &v }

func testRun(entity string, c model.Criterion, n int, status model.RunStatus, at time.Time) model.RunRecord {
	r := model.RunRecord{
		ID:        fmt.Sprintf("%s-%s-%d", entity, c, n),
		EntityID:  entity,
		Criterion: c,
		RunNumber: n,
		Status:    status,
		Timestamp: at,
	}
	if status == model.RunSuccessNonEmpty {
		r.Payload = []model.EvidenceRecord{{
			Source:      "clinicaltrials.gov/NCT0001",
			Value:       model.Value{Count: intPtr(2)},
			Qualifiers:  model.Qualifiers{Status: "recruiting", Validated: true},
			Reliability: 5,
			ObservedAt:  at,
		}}
	}
	if status == model.RunFailed {
		r.Error = "registry unavailable"
		r.ErrorClass = model.ErrorClassTransient
	}
	return r
}

func storeTestSuite(t *testing.T, newStore func(t *testing.T) Store) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	t.Run("EntitiesAreImmutable", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		n, err := s.UpsertEntities(ctx, []model.Entity{
			{ID: "ORPHA:2", Name: "Beta disease"},
			{ID: "ORPHA:1", Name: "Alpha syndrome", ClassificationPath: "Rare genetic/Neuro"},
		})
		require.NoError(t, err)
		assert.Equal(t, 2, n)

		n, err = s.UpsertEntities(ctx, []model.Entity{{ID: "ORPHA:1", Name: "Renamed"}})
		require.NoError(t, err)
		assert.Equal(t, 0, n)

		got, err := s.GetEntity(ctx, "ORPHA:1")
		require.NoError(t, err)
		assert.Equal(t, "Alpha syndrome", got.Name)
		assert.Equal(t, "Rare genetic/Neuro", got.ClassificationPath)

		all, err := s.ListEntities(ctx)
		require.NoError(t, err)
		require.Len(t, all, 2)
		assert.Equal(t, "ORPHA:1", all[0].ID)
	})

	t.Run("GetEntityNotFound", func(t *testing.T) {
		s := newStore(t)
		_, err := s.GetEntity(context.Background(), "missing")
		assert.ErrorIs(t, err, ErrNotFound)
		assert.True(t, IsNotFound(err))
	})

	t.Run("AppendAndListRuns", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		require.NoError(t, s.AppendRun(ctx, testRun("ORPHA:1", model.CriterionTrials, 2, model.RunSuccessNonEmpty, base.Add(time.Minute))))
		require.NoError(t, s.AppendRun(ctx, testRun("ORPHA:1", model.CriterionTrials, 1, model.RunFailed, base)))
		require.NoError(t, s.AppendRun(ctx, testRun("ORPHA:1", model.CriterionGene, 1, model.RunSuccessEmpty, base)))

		runs, err := s.ListRuns(ctx, "ORPHA:1", model.CriterionTrials)
		require.NoError(t, err)
		require.Len(t, runs, 2)
		assert.Equal(t, 1, runs[0].RunNumber)
		assert.Equal(t, model.RunFailed, runs[0].Status)
		assert.Equal(t, "registry unavailable", runs[0].Error)
		assert.Equal(t, model.ErrorClassTransient, runs[0].ErrorClass)
		assert.Empty(t, runs[0].Payload)

		assert.Equal(t, 2, runs[1].RunNumber)
		require.Len(t, runs[1].Payload, 1)
		assert.Equal(t, "recruiting", runs[1].Payload[0].Qualifiers.Status)
		assert.Equal(t, 2, *runs[1].Payload[0].Value.Count)
		assert.InDelta(t, 5.0, runs[1].Payload[0].Reliability, 0.0001)
		assert.True(t, runs[1].Timestamp.Equal(base.Add(time.Minute)))
	})

	t.Run("AppendRunDuplicate", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		run := testRun("ORPHA:1", model.CriterionTrials, 1, model.RunSuccessEmpty, base)
		require.NoError(t, s.AppendRun(ctx, run))

		dup := run
		dup.ID = "other-id"
		err := s.AppendRun(ctx, dup)
		assert.ErrorIs(t, err, ErrRunExists)
	})

	t.Run("QueryRuns", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		require.NoError(t, s.AppendRun(ctx, testRun("ORPHA:1", model.CriterionTrials, 1, model.RunFailed, base)))
		require.NoError(t, s.AppendRun(ctx, testRun("ORPHA:1", model.CriterionTrials, 2, model.RunSuccessNonEmpty, base.Add(time.Minute))))
		require.NoError(t, s.AppendRun(ctx, testRun("ORPHA:2", model.CriterionGene, 1, model.RunFailed, base.Add(2*time.Minute))))

		all, err := s.QueryRuns(ctx, RunFilter{})
		require.NoError(t, err)
		require.Len(t, all, 3)
		assert.Equal(t, "ORPHA:2", all[0].EntityID, "newest first")

		failed, err := s.QueryRuns(ctx, RunFilter{Status: model.RunFailed})
		require.NoError(t, err)
		assert.Len(t, failed, 2)

		byEntity, err := s.QueryRuns(ctx, RunFilter{EntityID: "ORPHA:1", Criterion: model.CriterionTrials})
		require.NoError(t, err)
		assert.Len(t, byEntity, 2)

		page, err := s.QueryRuns(ctx, RunFilter{Limit: 1, Offset: 1})
		require.NoError(t, err)
		require.Len(t, page, 1)
		assert.Equal(t, 2, page[0].RunNumber)

		recent, err := s.QueryRuns(ctx, RunFilter{Since: base.Add(time.Minute)})
		require.NoError(t, err)
		assert.Len(t, recent, 2)
	})

	t.Run("CuratedSupersedes", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		first := model.CuratedValue{
			EntityID:   "ORPHA:1",
			Criterion:  model.CriterionPrevalence,
			Class:      "1-9 / 100 000",
			Method:     model.SelectGlobal,
			Tier:       2,
			Confidence: 7,
			ResolvedAt: base,
		}
		require.NoError(t, s.PutCurated(ctx, first))

		second := first
		second.Class = "1-9 / 1 000 000"
		second.Method = model.SelectPointInTime
		second.Tier = 1
		second.ResolvedAt = base.Add(time.Hour)
		require.NoError(t, s.PutCurated(ctx, second))

		got, err := s.GetCurated(ctx, "ORPHA:1", model.CriterionPrevalence)
		require.NoError(t, err)
		assert.Equal(t, "1-9 / 1 000 000", got.Class)
		assert.Equal(t, model.SelectPointInTime, got.Method)

		require.NoError(t, s.PutCurated(ctx, model.NoData("ORPHA:2", model.CriterionPrevalence)))
		require.NoError(t, s.PutCurated(ctx, model.CuratedValue{EntityID: "ORPHA:1", Criterion: model.CriterionTrials, Count: intPtr(3), Method: model.SelectCount}))

		prev, err := s.ListCurated(ctx, model.CriterionPrevalence)
		require.NoError(t, err)
		require.Len(t, prev, 2)
		assert.True(t, prev[1].NoUsableData)

		all, err := s.ListCurated(ctx, "")
		require.NoError(t, err)
		assert.Len(t, all, 3)
	})

	t.Run("CuratedNotFound", func(t *testing.T) {
		s := newStore(t)
		_, err := s.GetCurated(context.Background(), "ORPHA:1", model.CriterionGene)
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("Priorities", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		_, err := s.LatestPriorities(ctx)
		assert.ErrorIs(t, err, ErrNotFound)

		older := model.PriorityBatch{ID: "b1", ConfigHash: "aaa", CreatedAt: base}
		newer := model.PriorityBatch{
			ID:         "b2",
			ConfigHash: "bbb",
			CreatedAt:  base.Add(time.Hour),
			Results: []model.PriorityResult{{
				EntityID:   "ORPHA:1",
				FinalScore: 7.5,
				Rank:       1,
				Scores: map[model.Criterion]model.NormalizedScore{
					model.CriterionGene: {EntityID: "ORPHA:1", Criterion: model.CriterionGene, Score: 10, Strategy: model.StrategyBinary},
				},
				Weights: map[model.Criterion]float64{model.CriterionGene: 0.75},
			}},
		}
		require.NoError(t, s.SavePriorities(ctx, older))
		require.NoError(t, s.SavePriorities(ctx, newer))

		got, err := s.LatestPriorities(ctx)
		require.NoError(t, err)
		assert.Equal(t, "b2", got.ID)
		assert.Equal(t, "bbb", got.ConfigHash)
		require.Len(t, got.Results, 1)
		assert.InDelta(t, 10.0, got.Results[0].Scores[model.CriterionGene].Score, 0.0001)
	})

	t.Run("DeadLetterQueue", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		a := resilience.DLQEntry{ID: "d1", EntityID: "ORPHA:1", Criterion: model.CriterionTrials, Error: "timeout", ErrorType: "transient", Attempts: 3, CreatedAt: base}
		b := resilience.DLQEntry{ID: "d2", EntityID: "ORPHA:2", Criterion: model.CriterionGene, Error: "bad file", ErrorType: "permanent", Attempts: 3, CreatedAt: base.Add(time.Minute)}
		require.NoError(t, s.EnqueueDLQ(ctx, a))
		require.NoError(t, s.EnqueueDLQ(ctx, b))

		n, err := s.CountDLQ(ctx)
		require.NoError(t, err)
		assert.Equal(t, 2, n)

		transient, err := s.ListDLQ(ctx, resilience.DLQFilter{ErrorType: "transient"})
		require.NoError(t, err)
		require.Len(t, transient, 1)
		assert.Equal(t, "ORPHA:1", transient[0].EntityID)
		assert.Equal(t, model.CriterionTrials, transient[0].Criterion)

		require.NoError(t, s.RemoveDLQ(ctx, "d1"))
		assert.ErrorIs(t, s.RemoveDLQ(ctx, "d1"), ErrNotFound)

		rest, err := s.ListDLQ(ctx, resilience.DLQFilter{})
		require.NoError(t, err)
		require.Len(t, rest, 1)
		assert.Equal(t, "d2", rest[0].ID)
	})
}

func TestSQLiteStore(t *testing.T) {
	storeTestSuite(t, newTestSQLite)
}

func TestMemoryStore(t *testing.T) {
	storeTestSuite(t, newTestMemory)
}

func TestSQLiteStore_MigrateIdempotent(t *testing.T) {
	s := newTestSQLite(t)
	assert.NoError(t, s.Migrate(context.Background()))
}
