package model

import (
	"time"

	"github.com/rotisserie/eris"
)

// ErrMalformedEvidence marks a record that failed schema validation.
var ErrMalformedEvidence = eris.New("malformed evidence")

// SourceType describes the kind of publication backing a record.
type SourceType string

const (
	SourceNone          SourceType = ""
	SourcePeerReviewed  SourceType = "peer_reviewed"
	SourceExpertOpinion SourceType = "expert_opinion"
)

// DataKind describes how a record qualifies its value.
type DataKind string

const (
	DataCategorical             DataKind = "categorical"
	DataQuantitativeCategorical DataKind = "quantitative_categorical"
)

// MeasurementType describes how a prevalence-like figure was measured.
type MeasurementType string

const (
	MeasurementUnspecified MeasurementType = ""
	MeasurementPoint       MeasurementType = "point"
	MeasurementBirth       MeasurementType = "birth"
	MeasurementRate        MeasurementType = "rate"
	MeasurementCaseReport  MeasurementType = "case_report"
)

// GeoScope is the geographic coverage of a record.
type GeoScope string

const (
	GeoGlobal   GeoScope = "global"
	GeoRegional GeoScope = "regional"
)

// Qualifiers carry everything the reliability scorer and the resolver need to
// know about a record besides its value.
type Qualifiers struct {
	Validated   bool            `json:"validated" yaml:"validated"`
	SourceType  SourceType      `json:"source_type,omitempty" yaml:"source_type,omitempty"`
	DataKind    DataKind        `json:"data_kind,omitempty" yaml:"data_kind,omitempty"`
	Measurement MeasurementType `json:"measurement,omitempty" yaml:"measurement,omitempty"`
	Geography   GeoScope        `json:"geography,omitempty" yaml:"geography,omitempty"`
	Region      string          `json:"region,omitempty" yaml:"region,omitempty"`

	// Status is the association or status subtype checked against a
	// criterion's allow-list (e.g. "recruiting", "approved").
	Status string `json:"status,omitempty" yaml:"status,omitempty"`
	// Category buckets a record into a sub-count (e.g. "tradename").
	Category string `json:"category,omitempty" yaml:"category,omitempty"`
}

// Value is the typed payload of a record. Which field is set depends on the
// criterion.
type Value struct {
	Class    string   `json:"class,omitempty" yaml:"class,omitempty"`
	Count    *int     `json:"count,omitempty" yaml:"count,omitempty"`
	Flag     *bool    `json:"flag,omitempty" yaml:"flag,omitempty"`
	Amount   *float64 `json:"amount,omitempty" yaml:"amount,omitempty"`
	Currency string   `json:"currency,omitempty" yaml:"currency,omitempty"`
	Label    string   `json:"label,omitempty" yaml:"label,omitempty"`
}

// EvidenceRecord is one raw observation for one (entity, criterion). Records
// are never mutated once persisted in a RunRecord.
type EvidenceRecord struct {
	Source      string     `json:"source" yaml:"source"`
	Value       Value      `json:"value" yaml:"value"`
	Qualifiers  Qualifiers `json:"qualifiers" yaml:"qualifiers"`
	Reliability float64    `json:"reliability" yaml:"-"`
	ObservedAt  time.Time  `json:"observed_at,omitempty" yaml:"observed_at,omitempty"`
}

// Validate checks the record against the shape required by criterion c.
func (r EvidenceRecord) Validate(c Criterion) error {
	if r.Source == "" {
		return eris.Wrap(ErrMalformedEvidence, "missing source")
	}
	switch c {
	case CriterionPrevalence:
		if r.Value.Class == "" {
			return eris.Wrap(ErrMalformedEvidence, "prevalence record without class")
		}
	case CriterionSocioeconomic:
		if r.Value.Amount == nil {
			return eris.Wrap(ErrMalformedEvidence, "socioeconomic record without amount")
		}
		if *r.Value.Amount < 0 {
			return eris.Wrap(ErrMalformedEvidence, "negative amount")
		}
	case CriterionTherapies, CriterionTrials, CriterionGene, CriterionResearchCapacity:
		if r.Qualifiers.Status == "" {
			return eris.Wrapf(ErrMalformedEvidence, "%s record without status", c)
		}
		if r.Value.Count != nil && *r.Value.Count < 0 {
			return eris.Wrap(ErrMalformedEvidence, "negative count")
		}
	default:
		return eris.Wrapf(ErrMalformedEvidence, "unknown criterion %q", c)
	}
	switch r.Qualifiers.Measurement {
	case MeasurementUnspecified, MeasurementPoint, MeasurementBirth, MeasurementRate, MeasurementCaseReport:
	default:
		return eris.Wrapf(ErrMalformedEvidence, "unknown measurement type %q", r.Qualifiers.Measurement)
	}
	return nil
}

// Weight returns the number of units a record contributes to a count. Records
// without an explicit count stand for a single item.
func (r EvidenceRecord) Weight() int {
	if r.Value.Count != nil {
		return *r.Value.Count
	}
	return 1
}
