package priority

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tealeg/xlsx/v2"

	"github.com/sells-group/rare-priority/internal/config"
	"github.com/sells-group/rare-priority/internal/model"
)

func score(id string, c model.Criterion, v float64) model.NormalizedScore {
	return model.NormalizedScore{EntityID: id, Criterion: c, Score: v, Strategy: model.StrategyWinsorized}
}

func missing(id string, c model.Criterion) model.NormalizedScore {
	return model.NormalizedScore{EntityID: id, Criterion: c, Missing: true, LowConfidence: true}
}

func defaultWeights() map[model.Criterion]float64 {
	return config.DefaultScoringConfig().WeightVector()
}

func scenarioScores() map[model.Criterion]model.NormalizedScore {
	return map[model.Criterion]model.NormalizedScore{
		model.CriterionPrevalence:       score("ORPHA:1", model.CriterionPrevalence, 5),
		model.CriterionTherapies:        score("ORPHA:1", model.CriterionTherapies, 10),
		model.CriterionGene:             score("ORPHA:1", model.CriterionGene, 10),
		model.CriterionTrials:           score("ORPHA:1", model.CriterionTrials, 0),
		model.CriterionSocioeconomic:    missing("ORPHA:1", model.CriterionSocioeconomic),
		model.CriterionResearchCapacity: missing("ORPHA:1", model.CriterionResearchCapacity),
	}
}

func TestAggregate_Scenario(t *testing.T) {
	t.Parallel()

	first := Aggregate("ORPHA:1", scenarioScores(), defaultWeights())
	second := Aggregate("ORPHA:1", scenarioScores(), defaultWeights())

	assert.Equal(t, 0.2*5+0.25*10+0.15*10+0.10*0, first.FinalScore)
	assert.Equal(t, first.FinalScore, second.FinalScore)
	assert.Equal(t, []model.Criterion{model.CriterionSocioeconomic, model.CriterionResearchCapacity}, first.Missing)
}

func TestAggregate_MissingContributesZero(t *testing.T) {
	t.Parallel()
	weights := map[model.Criterion]float64{model.CriterionTrials: 0.5, model.CriterionGene: 0.5}

	partial := Aggregate("ORPHA:1", map[model.Criterion]model.NormalizedScore{
		model.CriterionTrials: score("ORPHA:1", model.CriterionTrials, 8),
	}, weights)
	assert.Equal(t, 4.0, partial.FinalScore)
	assert.Equal(t, []model.Criterion{model.CriterionGene}, partial.Missing)
	assert.Equal(t, 0.5, partial.Weights[model.CriterionGene])
}

func TestAggregate_Linearity(t *testing.T) {
	t.Parallel()

	w := defaultWeights()
	doubled := make(map[model.Criterion]float64, len(w))
	for c, v := range w {
		doubled[c] = 2 * v
	}
	scores := map[model.Criterion]model.NormalizedScore{
		model.CriterionPrevalence:       score("ORPHA:1", model.CriterionPrevalence, 8.5),
		model.CriterionSocioeconomic:    score("ORPHA:1", model.CriterionSocioeconomic, 3.14159),
		model.CriterionTherapies:        score("ORPHA:1", model.CriterionTherapies, 7.3),
		model.CriterionTrials:           score("ORPHA:1", model.CriterionTrials, 1.1),
		model.CriterionGene:             score("ORPHA:1", model.CriterionGene, 10),
		model.CriterionResearchCapacity: score("ORPHA:1", model.CriterionResearchCapacity, 6.02),
	}

	base := Aggregate("ORPHA:1", scores, w)
	twice := Aggregate("ORPHA:1", scores, doubled)
	assert.Equal(t, 2*base.FinalScore, twice.FinalScore)
}

func TestRank_TieBreakByEntityID(t *testing.T) {
	t.Parallel()
	results := []model.PriorityResult{
		{EntityID: "ORPHA:3", FinalScore: 4},
		{EntityID: "ORPHA:2", FinalScore: 7},
		{EntityID: "ORPHA:1", FinalScore: 4},
	}
	Rank(results)

	ids := []string{results[0].EntityID, results[1].EntityID, results[2].EntityID}
	assert.Equal(t, []string{"ORPHA:2", "ORPHA:1", "ORPHA:3"}, ids)
	assert.Equal(t, []int{1, 2, 3}, []int{results[0].Rank, results[1].Rank, results[2].Rank})
}

func TestBuild(t *testing.T) {
	t.Parallel()
	entities := []model.Entity{{ID: "ORPHA:1", Name: "Alpha"}, {ID: "ORPHA:2", Name: "Beta"}, {ID: "ORPHA:3", Name: "Gamma"}}
	weights := map[model.Criterion]float64{model.CriterionTrials: 1}

	results := Build(entities, []model.NormalizedScore{
		score("ORPHA:1", model.CriterionTrials, 2),
		score("ORPHA:2", model.CriterionTrials, 9),
		score("ORPHA:unknown", model.CriterionTrials, 10),
	}, weights)

	require.Len(t, results, 3)
	assert.Equal(t, "ORPHA:2", results[0].EntityID)
	assert.Equal(t, "Beta", results[0].Name)
	assert.Equal(t, "ORPHA:3", results[2].EntityID)
	assert.Equal(t, []model.Criterion{model.CriterionTrials}, results[2].Missing)
}

func TestRecompute_IsPure(t *testing.T) {
	t.Parallel()
	entities := []model.Entity{{ID: "ORPHA:1"}, {ID: "ORPHA:2"}}
	scores := []model.NormalizedScore{
		score("ORPHA:1", model.CriterionTrials, 10),
		score("ORPHA:1", model.CriterionGene, 0),
		score("ORPHA:2", model.CriterionTrials, 0),
		score("ORPHA:2", model.CriterionGene, 10),
	}
	original := Build(entities, scores, map[model.Criterion]float64{model.CriterionTrials: 0.9, model.CriterionGene: 0.1})
	require.Equal(t, "ORPHA:1", original[0].EntityID)

	flipped := Recompute(original, map[model.Criterion]float64{model.CriterionTrials: 0.1, model.CriterionGene: 0.9})
	assert.Equal(t, "ORPHA:2", flipped[0].EntityID)
	assert.InDelta(t, 9.0, flipped[0].FinalScore, 1e-12)

	assert.Equal(t, "ORPHA:1", original[0].EntityID)
	assert.InDelta(t, 9.0, original[0].FinalScore, 1e-12)
}

func sampleResults() []model.PriorityResult {
	results := []model.PriorityResult{
		Aggregate("ORPHA:1", scenarioScores(), defaultWeights()),
		Aggregate("ORPHA:2", map[model.Criterion]model.NormalizedScore{
			model.CriterionTrials: score("ORPHA:2", model.CriterionTrials, 10),
		}, defaultWeights()),
	}
	results[0].Name = "Alpha syndrome"
	results[1].Name = "Beta, type 2"
	Rank(results)
	return results
}

func TestWriteCSV(t *testing.T) {
	t.Parallel()
	criteria := model.AllCriteria()

	var buf bytes.Buffer
	require.NoError(t, WriteCSV(&buf, sampleResults(), criteria))

	rows, err := csv.NewReader(&buf).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, Columns(criteria), rows[0])
	assert.Equal(t, []string{
		"1", "ORPHA:1", "Alpha syndrome", "5.0000", "", "10.0000", "0.0000", "10.0000", "", "5.0000",
		"socioeconomic;research_capacity",
	}, rows[1])
	assert.Equal(t, "Beta, type 2", rows[2][2])
}

func TestWriteXLSX(t *testing.T) {
	t.Parallel()
	criteria := model.AllCriteria()

	var buf bytes.Buffer
	require.NoError(t, WriteXLSX(&buf, sampleResults(), criteria))

	f, err := xlsx.OpenBinary(buf.Bytes())
	require.NoError(t, err)
	require.Len(t, f.Sheets, 1)
	sheet := f.Sheets[0]
	require.Len(t, sheet.Rows, 3)
	assert.Equal(t, "entity_id", sheet.Rows[0].Cells[1].String())
	assert.Equal(t, "ORPHA:1", sheet.Rows[1].Cells[1].String())
	final, err := sheet.Rows[1].Cells[len(criteria)+3].Float()
	require.NoError(t, err)
	assert.InDelta(t, 5.0, final, 1e-9)
}

func TestWriteTable(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	require.NoError(t, WriteTable(&buf, sampleResults(), model.AllCriteria()))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 4)
	assert.Contains(t, lines[0], "prevalenc")
	assert.Contains(t, lines[2], "ORPHA:1")
	assert.Contains(t, lines[2], "5.000")
}

func TestJustify(t *testing.T) {
	t.Parallel()
	count := 0
	curated := []model.CuratedValue{
		{EntityID: "ORPHA:1", Criterion: model.CriterionTrials, Count: &count, Method: model.SelectCount, RunNumber: 2},
		model.NoData("ORPHA:1", model.CriterionSocioeconomic),
	}

	js := Justify(sampleResults(), curated)
	require.Len(t, js, 2)
	j := js[0]
	assert.Equal(t, "ORPHA:1", j.EntityID)
	require.Len(t, j.Criteria, 6)

	byCrit := make(map[model.Criterion]CriterionJustification)
	for _, cj := range j.Criteria {
		byCrit[cj.Criterion] = cj
	}
	assert.InDelta(t, 2.5, byCrit[model.CriterionTherapies].Contribution, 1e-12)
	require.NotNil(t, byCrit[model.CriterionTrials].Curated)
	assert.Equal(t, 2, byCrit[model.CriterionTrials].Curated.RunNumber)
	assert.True(t, byCrit[model.CriterionSocioeconomic].Missing)
	assert.Zero(t, byCrit[model.CriterionSocioeconomic].Contribution)

	var buf bytes.Buffer
	require.NoError(t, WriteJSON(&buf, js))
	var decoded []Justification
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
	assert.Equal(t, j.FinalScore, decoded[0].FinalScore)
}

func TestBuildReport(t *testing.T) {
	t.Parallel()
	statuses := map[model.EntityKey]KeyStatus{
		{EntityID: "ORPHA:1", Criterion: model.CriterionSocioeconomic}:    {Outcome: model.OutcomeExhaustedFailed, Attempts: 3, LastError: "503 from registry"},
		{EntityID: "ORPHA:1", Criterion: model.CriterionResearchCapacity}: {Outcome: model.OutcomeExhaustedEmpty, Attempts: 3},
	}

	rep := BuildReport(sampleResults(), statuses)
	assert.Equal(t, 2, rep.Entities)
	assert.Equal(t, 0, rep.FullyScored)
	require.Len(t, rep.Gaps, 2+5)

	first := rep.Gaps[0]
	assert.Equal(t, "ORPHA:1", first.EntityID)
	assert.Equal(t, model.CriterionResearchCapacity, first.Criterion)
	assert.Equal(t, "no evidence found after 3 attempts", first.Reason)
	assert.Equal(t, "all 3 fetch attempts failed: 503 from registry", rep.Gaps[1].Reason)
	assert.Equal(t, model.OutcomePending, rep.Gaps[2].Outcome)

	var buf bytes.Buffer
	require.NoError(t, WriteReport(&buf, rep))
	assert.Contains(t, buf.String(), "with gaps: 2")
	assert.Contains(t, buf.String(), "503 from registry")
}
