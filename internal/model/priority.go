package model

import "time"

// Normalization strategy names.
const (
	StrategyClassMidpoint = "class_midpoint"
	StrategyWinsorized    = "winsorized_minmax"
	StrategyBinary        = "binary"
)

// NormalizedScore places one curated value on the common 0-10 scale.
type NormalizedScore struct {
	EntityID      string    `json:"entity_id"`
	Criterion     Criterion `json:"criterion"`
	Score         float64   `json:"score"`
	Strategy      string    `json:"strategy"`
	LowConfidence bool      `json:"low_confidence,omitempty"`
	// Missing marks a criterion without usable data. Its score is 0 and it
	// still counts toward the weighted sum.
	Missing bool `json:"missing,omitempty"`
}

// PriorityResult is the derived, weighted score of one entity. It holds no
// state of its own and is recomputed whenever weights change.
type PriorityResult struct {
	EntityID   string                        `json:"entity_id"`
	Name       string                        `json:"name,omitempty"`
	Scores     map[Criterion]NormalizedScore `json:"scores"`
	Weights    map[Criterion]float64         `json:"weights"`
	FinalScore float64                       `json:"final_score"`
	Rank       int                           `json:"rank"`
	Missing    []Criterion                   `json:"missing,omitempty"`
}

// PriorityBatch is a persisted ranked list together with the configuration
// fingerprint it was computed under.
type PriorityBatch struct {
	ID         string           `json:"id"`
	ConfigHash string           `json:"config_hash"`
	CreatedAt  time.Time        `json:"created_at"`
	Results    []PriorityResult `json:"results"`
}
