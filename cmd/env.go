package main

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/sells-group/rare-priority/internal/fetch"
	"github.com/sells-group/rare-priority/internal/monitoring"
	"github.com/sells-group/rare-priority/internal/pipeline"
	"github.com/sells-group/rare-priority/internal/store"
)

// pipelineEnv holds the components shared by the curate, score and serve
// commands.
type pipelineEnv struct {
	Store    store.Store
	Adapter  *fetch.Guarded
	Metrics  *monitoring.Metrics
	Pipeline *pipeline.Pipeline
}

// Close releases the store.
func (e *pipelineEnv) Close() {
	if e.Store != nil {
		_ = e.Store.Close()
	}
}

func initStore(ctx context.Context) (store.Store, error) {
	st, err := store.Open(ctx, cfg.Store)
	if err != nil {
		return nil, eris.Wrap(err, "init store")
	}
	return st, nil
}

// initPipeline opens the store and builds the pipeline around the adapter
// selected by the fetch configuration.
func initPipeline(ctx context.Context) (*pipelineEnv, error) {
	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}

	env := &pipelineEnv{
		Store:   st,
		Adapter: fetch.FromConfig(cfg.Fetch),
		Metrics: monitoring.NewMetrics(),
	}
	env.Pipeline, err = pipeline.New(cfg, st, env.Adapter, pipeline.WithMetrics(env.Metrics))
	if err != nil {
		env.Close()
		return nil, eris.Wrap(err, "init pipeline")
	}
	return env, nil
}
