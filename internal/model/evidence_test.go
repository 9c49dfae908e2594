package model

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func intPtr(v int) *int           { return &v }
func floatPtr(v float64) *float64 { return &v }

func TestEvidenceRecord_Validate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		criterion Criterion
		rec       EvidenceRecord
		wantErr   bool
	}{
		{"prevalence ok", CriterionPrevalence, EvidenceRecord{Source: "orpha", Value: Value{Class: "1-9 / 1 000 000"}}, false},
		{"missing source", CriterionPrevalence, EvidenceRecord{Value: Value{Class: "x"}}, true},
		{"prevalence without class", CriterionPrevalence, EvidenceRecord{Source: "s"}, true},
		{"amount ok", CriterionSocioeconomic, EvidenceRecord{Source: "s", Value: Value{Amount: floatPtr(1200)}}, false},
		{"amount missing", CriterionSocioeconomic, EvidenceRecord{Source: "s"}, true},
		{"amount negative", CriterionSocioeconomic, EvidenceRecord{Source: "s", Value: Value{Amount: floatPtr(-1)}}, true},
		{"trial ok", CriterionTrials, EvidenceRecord{Source: "NCT01", Qualifiers: Qualifiers{Status: "recruiting"}}, false},
		{"trial without status", CriterionTrials, EvidenceRecord{Source: "NCT01"}, true},
		{"negative count", CriterionResearchCapacity, EvidenceRecord{Source: "s", Value: Value{Count: intPtr(-2)}, Qualifiers: Qualifiers{Status: "active"}}, true},
		{"bad measurement", CriterionPrevalence, EvidenceRecord{Source: "s", Value: Value{Class: "x"}, Qualifiers: Qualifiers{Measurement: "lifetime"}}, true},
		{"unknown criterion", Criterion("bogus"), EvidenceRecord{Source: "s"}, true},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := tt.rec.Validate(tt.criterion)
			if tt.wantErr {
				assert.Error(t, err)
				assert.True(t, errors.Is(err, ErrMalformedEvidence))
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestEvidenceRecord_Weight(t *testing.T) {
	t.Parallel()

	assert.Equal(t, 1, EvidenceRecord{}.Weight())
	assert.Equal(t, 4, EvidenceRecord{Value: Value{Count: intPtr(4)}}.Weight())
}
