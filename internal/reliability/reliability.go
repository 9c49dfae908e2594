// Package reliability assigns a 0-10 confidence score to individual evidence
// records based only on their qualifiers.
package reliability

import (
	"github.com/sells-group/rare-priority/internal/model"
)

// MaxScore is the upper bound of a reliability score.
const MaxScore = 10.0

// Component ceilings.
const (
	validationPoints = 3.0
	sourcePoints     = 2.0
	dataKindPoints   = 2.0
	geographyPoints  = 1.0
)

var measurementPoints = map[model.MeasurementType]float64{
	model.MeasurementPoint:      2.0,
	model.MeasurementBirth:      1.8,
	model.MeasurementRate:       1.5,
	model.MeasurementCaseReport: 1.0,
}

// Breakdown holds the per-component contributions of a score.
type Breakdown struct {
	Validation  float64 `json:"validation"`
	Source      float64 `json:"source"`
	DataKind    float64 `json:"data_kind"`
	Measurement float64 `json:"measurement"`
	Geography   float64 `json:"geography"`
	Total       float64 `json:"total"`
}

// Explain returns the component breakdown for q.
func Explain(q model.Qualifiers) Breakdown {
	var b Breakdown
	if q.Validated {
		b.Validation = validationPoints
	}

	switch q.SourceType {
	case model.SourcePeerReviewed:
		b.Source = sourcePoints
	case model.SourceExpertOpinion:
		b.Source = sourcePoints / 2
	}

	switch q.DataKind {
	case model.DataQuantitativeCategorical:
		b.DataKind = dataKindPoints
	case model.DataCategorical:
		b.DataKind = dataKindPoints / 2
	}

	b.Measurement = measurementPoints[q.Measurement]

	if regionSpecific(q) {
		b.Geography = geographyPoints
	}

	b.Total = b.Validation + b.Source + b.DataKind + b.Measurement + b.Geography
	if b.Total > MaxScore {
		b.Total = MaxScore
	}
	return b
}

// Score returns the reliability of a record with qualifiers q.
func Score(q model.Qualifiers) float64 {
	return Explain(q).Total
}

// Apply scores every record and stores the result on it. The input slice is
// not modified.
func Apply(records []model.EvidenceRecord) []model.EvidenceRecord {
	out := make([]model.EvidenceRecord, len(records))
	for i, r := range records {
		r.Reliability = Score(r.Qualifiers)
		out[i] = r
	}
	return out
}

func regionSpecific(q model.Qualifiers) bool {
	if q.Geography == model.GeoGlobal {
		return false
	}
	return q.Geography == model.GeoRegional || q.Region != ""
}
