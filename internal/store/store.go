// Package store persists entities, the append-only run audit trail, curated
// values and ranked priority batches.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/rare-priority/internal/model"
	"github.com/sells-group/rare-priority/internal/resilience"
)

var (
	// ErrNotFound is returned when a requested document does not exist.
	ErrNotFound = eris.New("not found")
	// ErrRunExists is returned when a run number is already taken for a key.
	ErrRunExists = eris.New("run already exists")
)

// IsNotFound reports whether err wraps ErrNotFound.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// RunFilter specifies criteria for listing runs.
type RunFilter struct {
	EntityID  string          `json:"entity_id,omitempty"`
	Criterion model.Criterion `json:"criterion,omitempty"`
	Status    model.RunStatus `json:"status,omitempty"`
	// Since keeps runs recorded at or after this instant when set.
	Since  time.Time `json:"since,omitempty"`
	Limit  int       `json:"limit,omitempty"`
	Offset int       `json:"offset,omitempty"`
}

const defaultRunLimit = 100

func (f RunFilter) limit() int {
	if f.Limit <= 0 {
		return defaultRunLimit
	}
	return f.Limit
}

// Store is the persistence boundary of the scoring engine.
type Store interface {
	// Entities. Entities are immutable; upserting an existing id is a no-op.
	UpsertEntities(ctx context.Context, entities []model.Entity) (int, error)
	GetEntity(ctx context.Context, id string) (*model.Entity, error)
	ListEntities(ctx context.Context) ([]model.Entity, error)

	// Runs (append-only)
	AppendRun(ctx context.Context, run model.RunRecord) error
	ListRuns(ctx context.Context, entityID string, c model.Criterion) ([]model.RunRecord, error)
	QueryRuns(ctx context.Context, filter RunFilter) ([]model.RunRecord, error)

	// Curated values
	PutCurated(ctx context.Context, cv model.CuratedValue) error
	GetCurated(ctx context.Context, entityID string, c model.Criterion) (*model.CuratedValue, error)
	ListCurated(ctx context.Context, c model.Criterion) ([]model.CuratedValue, error)

	// Priority batches
	SavePriorities(ctx context.Context, batch model.PriorityBatch) error
	LatestPriorities(ctx context.Context) (*model.PriorityBatch, error)

	// Dead letter queue
	EnqueueDLQ(ctx context.Context, entry resilience.DLQEntry) error
	ListDLQ(ctx context.Context, filter resilience.DLQFilter) ([]resilience.DLQEntry, error)
	RemoveDLQ(ctx context.Context, id string) error
	CountDLQ(ctx context.Context) (int, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}
