package model

import "time"

// SelectionMethod records which resolution policy or fallback tier produced a
// curated value.
type SelectionMethod string

const (
	SelectPointInTime  SelectionMethod = "tier1_point_in_time"
	SelectGlobal       SelectionMethod = "tier2_global"
	SelectRegional     SelectionMethod = "tier3_regional"
	SelectBirthShifted SelectionMethod = "tier4_birth_shifted"
	SelectCaseReport   SelectionMethod = "tier5_case_report_default"
	SelectCount        SelectionMethod = "qualifying_count"
	SelectPresence     SelectionMethod = "qualifying_presence"
	SelectBestRecord   SelectionMethod = "best_record"
	SelectNoUsableData SelectionMethod = "no_usable_data"
)

// CuratedValue is the single resolved value per (entity, criterion). A value
// with NoUsableData set is a sentinel, never a zero.
type CuratedValue struct {
	EntityID     string          `json:"entity_id"`
	Criterion    Criterion       `json:"criterion"`
	NoUsableData bool            `json:"no_usable_data"`
	Class        string          `json:"class,omitempty"`
	Count        *int            `json:"count,omitempty"`
	SubCounts    map[string]int  `json:"sub_counts,omitempty"`
	Flag         *bool           `json:"flag,omitempty"`
	Amount       *float64        `json:"amount,omitempty"`
	Method       SelectionMethod `json:"selection_method"`
	Tier         int             `json:"tier,omitempty"`
	Confidence   float64         `json:"confidence"`
	Source       string          `json:"source,omitempty"`
	Qualifying   []string        `json:"qualifying,omitempty"`
	Excluded     []string        `json:"excluded,omitempty"`
	RunNumber    int             `json:"run_number,omitempty"`
	ResolvedAt   time.Time       `json:"resolved_at"`
}

// Key returns the (entity, criterion) key of the value.
func (v CuratedValue) Key() EntityKey {
	return EntityKey{EntityID: v.EntityID, Criterion: v.Criterion}
}

// NoData builds the no-usable-data sentinel for a key.
func NoData(entityID string, c Criterion) CuratedValue {
	return CuratedValue{
		EntityID:     entityID,
		Criterion:    c,
		NoUsableData: true,
		Method:       SelectNoUsableData,
	}
}
