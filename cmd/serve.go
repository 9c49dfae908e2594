package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/rare-priority/internal/config"
	"github.com/sells-group/rare-priority/internal/model"
	"github.com/sells-group/rare-priority/internal/monitoring"
	"github.com/sells-group/rare-priority/internal/priority"
	"github.com/sells-group/rare-priority/internal/resolve"
	"github.com/sells-group/rare-priority/internal/store"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the read-only priority API",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initPipeline(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		if err := env.Metrics.Register(reg); err != nil {
			return eris.Wrap(err, "register metrics")
		}

		if cfg.Monitoring.Enabled {
			checker := monitoring.NewChecker(
				monitoring.NewCollector(env.Store, env.Adapter),
				monitoring.NewAlerter(cfg.Monitoring),
				cfg.Monitoring,
				monitoring.WithCheckerMetrics(env.Metrics),
			)
			go checker.Run(ctx)
		}

		api := &apiServer{
			store:       env.Store,
			resolver:    env.Pipeline.Resolver(),
			maxAttempts: cfg.Scoring.MaxAttempts,
			registry:    reg,
		}
		return startServer(ctx, buildRouter(api, cfg.Server.AllowedOrigins), resolvePort(servePort, cfg.Server.Port))
	},
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}

// resolvePort returns the flag value when set, the configured port otherwise.
func resolvePort(flag, configured int) int {
	if flag != 0 {
		return flag
	}
	return configured
}

// startServer serves h until ctx is cancelled, then shuts down gracefully.
func startServer(ctx context.Context, h http.Handler, port int) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		zap.L().Info("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	zap.L().Info("starting server", zap.Int("port", port))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return eris.Wrap(err, "server listen")
	}
	return nil
}

// apiServer serves saved priorities and the audit trail. It never fetches
// evidence or curates.
type apiServer struct {
	store       store.Store
	resolver    *resolve.Resolver
	maxAttempts int
	registry    *prometheus.Registry
}

func buildRouter(s *apiServer, allowedOrigins []string) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: allowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", s.health)
	r.Get("/priorities", s.latestPriorities)
	r.Post("/priorities/recompute", s.recompute)
	r.Get("/entities/{id}/runs", s.entityRuns)
	r.Get("/entities/{id}/curated/{criterion}", s.curated)
	if s.registry != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	}
	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zap.L().Warn("api: encode response", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (s *apiServer) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *apiServer) latestPriorities(w http.ResponseWriter, r *http.Request) {
	batch, err := s.store.LatestPriorities(r.Context())
	if store.IsNotFound(err) {
		writeError(w, http.StatusNotFound, "no saved priorities")
		return
	}
	if err != nil {
		zap.L().Error("api: latest priorities", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, batch)
}

// recomputeRequest carries replacement weights keyed by criterion name.
type recomputeRequest struct {
	Weights map[string]float64 `json:"weights"`
}

// recomputeResponse is the re-ranked latest batch. Nothing is persisted.
type recomputeResponse struct {
	BatchID    string                 `json:"batch_id"`
	ConfigHash string                 `json:"config_hash"`
	Weights    map[string]float64     `json:"weights"`
	Results    []model.PriorityResult `json:"results"`
}

func (s *apiServer) recompute(w http.ResponseWriter, r *http.Request) {
	var req recomputeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := config.ValidateWeights(req.Weights); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	batch, err := s.store.LatestPriorities(r.Context())
	if store.IsNotFound(err) {
		writeError(w, http.StatusNotFound, "no saved priorities")
		return
	}
	if err != nil {
		zap.L().Error("api: latest priorities", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	weights := make(map[model.Criterion]float64, len(req.Weights))
	for name, v := range req.Weights {
		weights[model.Criterion(name)] = v
	}
	writeJSON(w, http.StatusOK, recomputeResponse{
		BatchID:    batch.ID,
		ConfigHash: batch.ConfigHash,
		Weights:    req.Weights,
		Results:    priority.Recompute(batch.Results, weights),
	})
}

func (s *apiServer) entityRuns(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")

	if _, err := s.store.GetEntity(ctx, id); err != nil {
		if store.IsNotFound(err) {
			writeError(w, http.StatusNotFound, "entity not found")
			return
		}
		zap.L().Error("api: get entity", zap.String("entity_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	criteria := model.AllCriteria()
	if q := r.URL.Query().Get("criterion"); q != "" {
		c, err := model.ParseCriterion(q)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		criteria = []model.Criterion{c}
	}

	out := make([]keyHistory, 0, len(criteria))
	for _, c := range criteria {
		history, err := s.store.ListRuns(ctx, id, c)
		if err != nil {
			zap.L().Error("api: list runs", zap.String("entity_id", id), zap.Error(err))
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
		if history == nil {
			history = []model.RunRecord{}
		}
		out = append(out, keyHistory{
			EntityID:  id,
			Criterion: c,
			Outcome:   model.OutcomeOf(history, s.maxAttempts),
			Runs:      history,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *apiServer) curated(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	c, err := model.ParseCriterion(chi.URLParam(r, "criterion"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	cv, err := s.resolver.Lookup(r.Context(), id, c)
	switch {
	case err == nil, errors.Is(err, resolve.ErrNoUsableData):
		writeJSON(w, http.StatusOK, cv)
	case store.IsNotFound(err):
		writeError(w, http.StatusNotFound, "not curated")
	default:
		zap.L().Error("api: lookup curated", zap.String("entity_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}
