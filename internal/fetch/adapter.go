// Package fetch defines the evidence fetch boundary and its adapters.
package fetch

import (
	"context"
	"time"

	"github.com/sells-group/rare-priority/internal/config"
	"github.com/sells-group/rare-priority/internal/model"
)

// Adapter fetches already-typed evidence for one (entity, criterion). An
// empty slice with a nil error is a valid success, distinct from an error.
type Adapter interface {
	Fetch(ctx context.Context, entityID string, c model.Criterion) ([]model.EvidenceRecord, error)
}

// AdapterFunc lets a plain function satisfy Adapter.
type AdapterFunc func(ctx context.Context, entityID string, c model.Criterion) ([]model.EvidenceRecord, error)

// Fetch calls f.
func (f AdapterFunc) Fetch(ctx context.Context, entityID string, c model.Criterion) ([]model.EvidenceRecord, error) {
	return f(ctx, entityID, c)
}

// FromConfig builds the guarded adapter selected by cfg: the HTTP evidence
// service when a base URL is set, the fixture directory otherwise.
func FromConfig(cfg config.FetchConfig) *Guarded {
	if cfg.BaseURL != "" {
		return NewGuarded(NewHTTPAdapter(HTTPOptions{
			BaseURL:   cfg.BaseURL,
			UserAgent: cfg.UserAgent,
			Timeout:   time.Duration(cfg.TimeoutSecs) * time.Second,
		}), "http", cfg)
	}
	return NewGuarded(NewFixtureAdapter(cfg.FixtureDir), "fixture", cfg)
}
