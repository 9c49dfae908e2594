package main

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/sells-group/rare-priority/internal/model"
	"github.com/sells-group/rare-priority/internal/monitoring"
	"github.com/sells-group/rare-priority/internal/resilience"
	"github.com/sells-group/rare-priority/internal/runs"
)

func TestTruncateID(t *testing.T) {
	assert.Equal(t, "12345678", truncateID("12345678-aaaa-bbbb"))
	assert.Equal(t, "short", truncateID("short"))
}

func TestFormatRunsList(t *testing.T) {
	at := time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)
	var buf bytes.Buffer
	formatRunsList(&buf, []model.RunRecord{
		{ID: "0f5c2d1e-aaaa", EntityID: "ORPHA:1", Criterion: model.CriterionTrials, RunNumber: 2,
			Status: model.RunFailed, ErrorClass: model.ErrorClassTransient, Timestamp: at},
		{ID: "9a8b7c6d-bbbb", EntityID: "ORPHA:1", Criterion: model.CriterionTrials, RunNumber: 1,
			Status: model.RunSuccessNonEmpty, Payload: []model.EvidenceRecord{{Source: "NCT01"}}, Timestamp: at},
	})

	out := buf.String()
	assert.Contains(t, out, "CRITERION")
	assert.Contains(t, out, "0f5c2d1e")
	assert.NotContains(t, out, "0f5c2d1e-aaaa")
	assert.Contains(t, out, "transient")
	assert.Contains(t, out, "2026-03-01 09:30")
}

func TestFormatRunStats(t *testing.T) {
	var buf bytes.Buffer
	formatRunStats(&buf, &monitoring.MetricsSnapshot{
		LookbackHours:     24,
		RunsTotal:         10,
		RunsNonEmpty:      6,
		RunsEmpty:         2,
		RunsFailed:        2,
		TransientFailures: 1,
		PermanentFailures: 1,
		FailRate:          0.2,
		FailedByCriterion: map[model.Criterion]int{model.CriterionGene: 2},
		DLQDepth:          1,
	})

	out := buf.String()
	assert.Contains(t, out, "Window:")
	assert.Contains(t, out, "24h")
	assert.Contains(t, out, "20.0%")
	assert.Contains(t, out, "failed gene:")
	assert.NotContains(t, out, "Dropped records")
}

func TestFormatBatchReport(t *testing.T) {
	var buf bytes.Buffer
	formatBatchReport(&buf, &runs.BatchReport{
		Keys:    3,
		Fetches: 5,
		Outcomes: map[model.Outcome]int{
			model.OutcomePopulated:       2,
			model.OutcomeExhaustedFailed: 1,
		},
		Failures: []runs.Failure{
			{EntityID: "ORPHA:9", Criterion: model.CriterionPrevalence, Outcome: model.OutcomeExhaustedFailed, Error: "registry unavailable"},
		},
	})

	out := buf.String()
	assert.Contains(t, out, "exhausted-failed:")
	assert.Contains(t, out, "ORPHA:9")
	assert.Contains(t, out, "registry unavailable")
}

func TestFormatBatchReport_NoFailures(t *testing.T) {
	var buf bytes.Buffer
	formatBatchReport(&buf, &runs.BatchReport{Keys: 1, Outcomes: map[model.Outcome]int{model.OutcomePopulated: 1}})
	assert.NotContains(t, buf.String(), "ENTITY")
}

func TestFormatDLQ(t *testing.T) {
	var buf bytes.Buffer
	formatDLQ(&buf, []resilience.DLQEntry{{
		ID: "d1e2f3a4-full-id", EntityID: "ORPHA:4", Criterion: model.CriterionTherapies,
		Error: "403 forbidden", ErrorType: "permanent", Attempts: 3,
		CreatedAt: time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC),
	}})

	out := buf.String()
	assert.Contains(t, out, "d1e2f3a4-full-id")
	assert.Contains(t, out, "403 forbidden")
	assert.Contains(t, out, "therapies")
}
