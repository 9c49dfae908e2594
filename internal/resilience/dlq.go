package resilience

import (
	"time"

	"github.com/google/uuid"

	"github.com/sells-group/rare-priority/internal/model"
)

// DLQEntry is an (entity, criterion) key that exhausted every attempt on
// fetch failures. Entries wait for manual inspection; they are never retried
// automatically because the attempt budget is already spent.
type DLQEntry struct {
	ID        string          `json:"id"`
	EntityID  string          `json:"entity_id"`
	Criterion model.Criterion `json:"criterion"`
	Error     string          `json:"error"`
	ErrorType string          `json:"error_type"`
	Attempts  int             `json:"attempts"`
	CreatedAt time.Time       `json:"created_at"`
}

// DLQFilter specifies criteria for querying the dead letter queue.
type DLQFilter struct {
	ErrorType string          `json:"error_type,omitempty"`
	Criterion model.Criterion `json:"criterion,omitempty"`
	Limit     int             `json:"limit,omitempty"`
}

// NewDLQEntry builds an entry from the final failed run of a key.
func NewDLQEntry(last model.RunRecord) DLQEntry {
	errType := last.ErrorClass
	if errType == "" {
		errType = model.ErrorClassPermanent
	}
	return DLQEntry{
		ID:        uuid.New().String(),
		EntityID:  last.EntityID,
		Criterion: last.Criterion,
		Error:     last.Error,
		ErrorType: errType,
		Attempts:  last.RunNumber,
		CreatedAt: time.Now().UTC(),
	}
}

// Matches reports whether e passes the filter.
func (f DLQFilter) Matches(e DLQEntry) bool {
	if f.ErrorType != "" && e.ErrorType != f.ErrorType {
		return false
	}
	if f.Criterion != "" && e.Criterion != f.Criterion {
		return false
	}
	return true
}
