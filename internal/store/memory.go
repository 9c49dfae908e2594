package store

import (
	"context"
	"sort"
	"sync"

	"github.com/rotisserie/eris"

	"github.com/sells-group/rare-priority/internal/model"
	"github.com/sells-group/rare-priority/internal/resilience"
)

// MemoryStore implements Store in process memory.
type MemoryStore struct {
	mu       sync.RWMutex
	entities map[string]model.Entity
	runs     map[model.EntityKey][]model.RunRecord
	curated  map[model.EntityKey]model.CuratedValue
	batches  []model.PriorityBatch
	dlq      []resilience.DLQEntry
}

// NewMemory returns an empty MemoryStore.
func NewMemory() *MemoryStore {
	return &MemoryStore{
		entities: make(map[string]model.Entity),
		runs:     make(map[model.EntityKey][]model.RunRecord),
		curated:  make(map[model.EntityKey]model.CuratedValue),
	}
}

func (s *MemoryStore) Migrate(_ context.Context) error { return nil }

func (s *MemoryStore) Close() error { return nil }

func (s *MemoryStore) UpsertEntities(_ context.Context, entities []model.Entity) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int
	for _, e := range entities {
		if e.ID == "" {
			return n, eris.New("memory: entity without id")
		}
		if _, ok := s.entities[e.ID]; ok {
			continue
		}
		s.entities[e.ID] = e
		n++
	}
	return n, nil
}

func (s *MemoryStore) GetEntity(_ context.Context, id string) (*model.Entity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.entities[id]
	if !ok {
		return nil, eris.Wrapf(ErrNotFound, "memory: entity %s", id)
	}
	return &e, nil
}

func (s *MemoryStore) ListEntities(_ context.Context) ([]model.Entity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.Entity, 0, len(s.entities))
	for _, e := range s.entities {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) AppendRun(_ context.Context, run model.RunRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := run.Key()
	for _, r := range s.runs[key] {
		if r.RunNumber == run.RunNumber {
			return eris.Wrapf(ErrRunExists, "memory: %s run %d", key, run.RunNumber)
		}
	}
	hist := append(s.runs[key], run)
	sort.Slice(hist, func(i, j int) bool { return hist[i].RunNumber < hist[j].RunNumber })
	s.runs[key] = hist
	return nil
}

func (s *MemoryStore) ListRuns(_ context.Context, entityID string, c model.Criterion) ([]model.RunRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	hist := s.runs[model.EntityKey{EntityID: entityID, Criterion: c}]
	out := make([]model.RunRecord, len(hist))
	copy(out, hist)
	return out, nil
}

func (s *MemoryStore) QueryRuns(_ context.Context, filter RunFilter) ([]model.RunRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.RunRecord
	for key, hist := range s.runs {
		if filter.EntityID != "" && key.EntityID != filter.EntityID {
			continue
		}
		if filter.Criterion != "" && key.Criterion != filter.Criterion {
			continue
		}
		for _, r := range hist {
			if filter.Status != "" && r.Status != filter.Status {
				continue
			}
			if !filter.Since.IsZero() && r.Timestamp.Before(filter.Since) {
				continue
			}
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].Timestamp.After(out[j].Timestamp)
		}
		if out[i].EntityID != out[j].EntityID {
			return out[i].EntityID < out[j].EntityID
		}
		if out[i].Criterion != out[j].Criterion {
			return out[i].Criterion < out[j].Criterion
		}
		return out[i].RunNumber > out[j].RunNumber
	})

	if filter.Offset > 0 {
		if filter.Offset >= len(out) {
			return nil, nil
		}
		out = out[filter.Offset:]
	}
	if limit := filter.limit(); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) PutCurated(_ context.Context, cv model.CuratedValue) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.curated[cv.Key()] = cv
	return nil
}

func (s *MemoryStore) GetCurated(_ context.Context, entityID string, c model.Criterion) (*model.CuratedValue, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cv, ok := s.curated[model.EntityKey{EntityID: entityID, Criterion: c}]
	if !ok {
		return nil, eris.Wrapf(ErrNotFound, "memory: curated %s|%s", entityID, c)
	}
	return &cv, nil
}

func (s *MemoryStore) ListCurated(_ context.Context, c model.Criterion) ([]model.CuratedValue, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.CuratedValue
	for key, cv := range s.curated {
		if c != "" && key.Criterion != c {
			continue
		}
		out = append(out, cv)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].EntityID != out[j].EntityID {
			return out[i].EntityID < out[j].EntityID
		}
		return out[i].Criterion < out[j].Criterion
	})
	return out, nil
}

func (s *MemoryStore) SavePriorities(_ context.Context, batch model.PriorityBatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches = append(s.batches, batch)
	return nil
}

func (s *MemoryStore) LatestPriorities(_ context.Context) (*model.PriorityBatch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if len(s.batches) == 0 {
		return nil, eris.Wrap(ErrNotFound, "memory: priorities")
	}
	b := s.batches[len(s.batches)-1]
	return &b, nil
}

func (s *MemoryStore) EnqueueDLQ(_ context.Context, entry resilience.DLQEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dlq = append(s.dlq, entry)
	return nil
}

func (s *MemoryStore) ListDLQ(_ context.Context, filter resilience.DLQFilter) ([]resilience.DLQEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []resilience.DLQEntry
	for _, e := range s.dlq {
		if filter.Matches(e) {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *MemoryStore) RemoveDLQ(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, e := range s.dlq {
		if e.ID == id {
			s.dlq = append(s.dlq[:i], s.dlq[i+1:]...)
			return nil
		}
	}
	return eris.Wrapf(ErrNotFound, "memory: dlq entry %s", id)
}

func (s *MemoryStore) CountDLQ(_ context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.dlq), nil
}
