package model

import "time"

// RunStatus is the terminal status of one fetch attempt.
type RunStatus string

const (
	RunSuccessNonEmpty RunStatus = "success-nonempty"
	RunSuccessEmpty    RunStatus = "success-empty"
	RunFailed          RunStatus = "failed"
)

// Outcome summarises a run history for one (entity, criterion) key.
type Outcome string

const (
	OutcomePending         Outcome = "pending"
	OutcomePopulated       Outcome = "populated"
	OutcomeExhaustedEmpty  Outcome = "exhausted-empty"
	OutcomeExhaustedFailed Outcome = "exhausted-failed"
)

// Error classes recorded on failed runs.
const (
	ErrorClassTransient = "transient"
	ErrorClassPermanent = "permanent"
)

// RunRecord is one attempt to fetch evidence for (entity, criterion). Run
// numbers are contiguous from 1 per key and records are never rewritten.
type RunRecord struct {
	ID         string           `json:"id"`
	EntityID   string           `json:"entity_id"`
	Criterion  Criterion        `json:"criterion"`
	RunNumber  int              `json:"run_number"`
	Status     RunStatus        `json:"status"`
	Payload    []EvidenceRecord `json:"payload,omitempty"`
	Dropped    int              `json:"dropped,omitempty"`
	Error      string           `json:"error,omitempty"`
	ErrorClass string           `json:"error_class,omitempty"`
	Timestamp  time.Time        `json:"timestamp"`
}

// Key returns the (entity, criterion) key of the record.
func (r RunRecord) Key() EntityKey {
	return EntityKey{EntityID: r.EntityID, Criterion: r.Criterion}
}

// ActiveRun returns the latest non-empty success in history, or the latest
// record if none succeeded. history must be ordered by run number. Returns
// nil for an empty history.
func ActiveRun(history []RunRecord) *RunRecord {
	if len(history) == 0 {
		return nil
	}
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Status == RunSuccessNonEmpty {
			return &history[i]
		}
	}
	return &history[len(history)-1]
}

// OutcomeOf classifies a run history given the attempt budget. A history that
// ever returned an empty success is exhausted-empty; one that only failed is
// exhausted-failed.
func OutcomeOf(history []RunRecord, maxAttempts int) Outcome {
	if len(history) == 0 {
		return OutcomePending
	}
	var empties int
	for _, r := range history {
		switch r.Status {
		case RunSuccessNonEmpty:
			return OutcomePopulated
		case RunSuccessEmpty:
			empties++
		}
	}
	if len(history) < maxAttempts {
		return OutcomePending
	}
	if empties > 0 {
		return OutcomeExhaustedEmpty
	}
	return OutcomeExhaustedFailed
}
