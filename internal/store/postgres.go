package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/rare-priority/internal/db"
	"github.com/sells-group/rare-priority/internal/model"
	"github.com/sells-group/rare-priority/internal/resilience"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// preparedStatements lists queries prepared on each new connection.
var preparedStatements = map[string]string{
	"insert_run":   `INSERT INTO run_records (id, entity_id, criterion, run_number, status, payload, dropped, error, error_class, created_at) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
	"list_runs":    `SELECT ` + runColumns + ` FROM run_records WHERE entity_id = $1 AND criterion = $2 ORDER BY run_number`,
	"put_curated":  `INSERT INTO curated_values (entity_id, criterion, doc, resolved_at) VALUES ($1, $2, $3, $4) ON CONFLICT (entity_id, criterion) DO UPDATE SET doc = EXCLUDED.doc, resolved_at = EXCLUDED.resolved_at`,
	"get_curated":  `SELECT doc FROM curated_values WHERE entity_id = $1 AND criterion = $2`,
	"get_entity":   `SELECT entity_id, name, classification_path FROM entities WHERE entity_id = $1`,
	"enqueue_dlq":  `INSERT INTO dead_letter_queue (id, entity_id, criterion, error, error_type, attempts, created_at) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
	"count_dlq":    `SELECT COUNT(*) FROM dead_letter_queue`,
	"latest_batch": `SELECT id, config_hash, results, created_at FROM priority_batches ORDER BY created_at DESC LIMIT 1`,
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute
	pgxCfg.AfterConnect = prepare

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

// prepare registers the hot-path statements on each new connection.
func prepare(ctx context.Context, conn *pgx.Conn) error {
	for name, sql := range preparedStatements {
		if _, err := conn.Prepare(ctx, name, sql); err != nil {
			return eris.Wrapf(err, "postgres: prepare %s", name)
		}
	}
	return nil
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS entities (
	entity_id           TEXT PRIMARY KEY,
	name                TEXT NOT NULL,
	classification_path TEXT NOT NULL DEFAULT '',
	created_at          TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS run_records (
	id          TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	entity_id   TEXT NOT NULL,
	criterion   TEXT NOT NULL,
	run_number  INTEGER NOT NULL CHECK (run_number >= 1),
	status      TEXT NOT NULL,
	payload     JSONB,
	dropped     INTEGER NOT NULL DEFAULT 0,
	error       TEXT NOT NULL DEFAULT '',
	error_class TEXT NOT NULL DEFAULT '',
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (entity_id, criterion, run_number)
);

CREATE TABLE IF NOT EXISTS curated_values (
	entity_id   TEXT NOT NULL,
	criterion   TEXT NOT NULL,
	doc         JSONB NOT NULL,
	resolved_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (entity_id, criterion)
);

CREATE TABLE IF NOT EXISTS priority_batches (
	id          TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	config_hash TEXT NOT NULL,
	results     JSONB NOT NULL,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS dead_letter_queue (
	id          TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	entity_id   TEXT NOT NULL,
	criterion   TEXT NOT NULL,
	error       TEXT NOT NULL,
	error_type  TEXT NOT NULL DEFAULT 'transient',
	attempts    INTEGER NOT NULL DEFAULT 0,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_run_records_status ON run_records(status);
CREATE INDEX IF NOT EXISTS idx_run_records_created_at ON run_records(created_at DESC);
CREATE INDEX IF NOT EXISTS idx_curated_values_criterion ON curated_values(criterion);
CREATE INDEX IF NOT EXISTS idx_priority_batches_created_at ON priority_batches(created_at DESC);
CREATE INDEX IF NOT EXISTS idx_dlq_error_type ON dead_letter_queue(error_type);
`

func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

func (s *PostgresStore) UpsertEntities(ctx context.Context, entities []model.Entity) (int, error) {
	now := time.Now().UTC()
	rows := make([][]any, 0, len(entities))
	for _, e := range entities {
		if e.ID == "" {
			return 0, eris.New("postgres: entity without id")
		}
		rows = append(rows, []any{e.ID, e.Name, e.ClassificationPath, now})
	}
	n, err := db.BulkUpsert(ctx, s.pool, db.UpsertConfig{
		Table:           "entities",
		Columns:         []string{"entity_id", "name", "classification_path", "created_at"},
		ConflictKeys:    []string{"entity_id"},
		IgnoreConflicts: true,
	}, rows)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: upsert entities")
	}
	return int(n), nil
}

func (s *PostgresStore) GetEntity(ctx context.Context, id string) (*model.Entity, error) {
	var e model.Entity
	err := s.pool.QueryRow(ctx,
		`SELECT entity_id, name, classification_path FROM entities WHERE entity_id = $1`, id,
	).Scan(&e.ID, &e.Name, &e.ClassificationPath)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, eris.Wrapf(ErrNotFound, "postgres: entity %s", id)
		}
		return nil, eris.Wrapf(err, "postgres: get entity %s", id)
	}
	return &e, nil
}

func (s *PostgresStore) ListEntities(ctx context.Context) ([]model.Entity, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT entity_id, name, classification_path FROM entities ORDER BY entity_id`)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list entities")
	}
	defer rows.Close()

	var out []model.Entity
	for rows.Next() {
		var e model.Entity
		if err := rows.Scan(&e.ID, &e.Name, &e.ClassificationPath); err != nil {
			return nil, eris.Wrap(err, "postgres: scan entity")
		}
		out = append(out, e)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list entities iterate")
}

func (s *PostgresStore) AppendRun(ctx context.Context, run model.RunRecord) error {
	if run.ID == "" {
		run.ID = uuid.New().String()
	}
	var payload []byte
	if len(run.Payload) > 0 {
		var err error
		if payload, err = json.Marshal(run.Payload); err != nil {
			return eris.Wrap(err, "postgres: marshal payload")
		}
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO run_records (id, entity_id, criterion, run_number, status, payload, dropped, error, error_class, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		run.ID, run.EntityID, string(run.Criterion), run.RunNumber, string(run.Status),
		payload, run.Dropped, run.Error, run.ErrorClass, run.Timestamp.UTC(),
	)
	if err != nil {
		if db.IsUniqueViolation(err) {
			return eris.Wrapf(ErrRunExists, "postgres: %s run %d", run.Key(), run.RunNumber)
		}
		return eris.Wrapf(err, "postgres: insert run %s", run.Key())
	}
	return nil
}

func (s *PostgresStore) ListRuns(ctx context.Context, entityID string, c model.Criterion) ([]model.RunRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+runColumns+` FROM run_records WHERE entity_id = $1 AND criterion = $2 ORDER BY run_number`,
		entityID, string(c),
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list runs")
	}
	return collectPgRuns(rows)
}

func (s *PostgresStore) QueryRuns(ctx context.Context, filter RunFilter) ([]model.RunRecord, error) {
	query := `SELECT ` + runColumns + ` FROM run_records WHERE true`
	args := []any{}
	argIdx := 1

	if filter.EntityID != "" {
		query += fmt.Sprintf(` AND entity_id = $%d`, argIdx)
		args = append(args, filter.EntityID)
		argIdx++
	}
	if filter.Criterion != "" {
		query += fmt.Sprintf(` AND criterion = $%d`, argIdx)
		args = append(args, string(filter.Criterion))
		argIdx++
	}
	if filter.Status != "" {
		query += fmt.Sprintf(` AND status = $%d`, argIdx)
		args = append(args, string(filter.Status))
		argIdx++
	}
	if !filter.Since.IsZero() {
		query += fmt.Sprintf(` AND created_at >= $%d`, argIdx)
		args = append(args, filter.Since.UTC())
		argIdx++
	}
	query += ` ORDER BY created_at DESC, entity_id, criterion, run_number DESC`
	query += fmt.Sprintf(` LIMIT $%d`, argIdx)
	args = append(args, filter.limit())
	argIdx++

	if filter.Offset > 0 {
		query += fmt.Sprintf(` OFFSET $%d`, argIdx)
		args = append(args, filter.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: query runs")
	}
	return collectPgRuns(rows)
}

func (s *PostgresStore) PutCurated(ctx context.Context, cv model.CuratedValue) error {
	doc, err := json.Marshal(cv)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal curated value")
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO curated_values (entity_id, criterion, doc, resolved_at) VALUES ($1, $2, $3, $4)
		 ON CONFLICT (entity_id, criterion) DO UPDATE SET doc = EXCLUDED.doc, resolved_at = EXCLUDED.resolved_at`,
		cv.EntityID, string(cv.Criterion), doc, cv.ResolvedAt.UTC(),
	)
	return eris.Wrapf(err, "postgres: put curated %s", cv.Key())
}

func (s *PostgresStore) GetCurated(ctx context.Context, entityID string, c model.Criterion) (*model.CuratedValue, error) {
	var doc []byte
	err := s.pool.QueryRow(ctx,
		`SELECT doc FROM curated_values WHERE entity_id = $1 AND criterion = $2`,
		entityID, string(c),
	).Scan(&doc)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, eris.Wrapf(ErrNotFound, "postgres: curated %s|%s", entityID, c)
		}
		return nil, eris.Wrap(err, "postgres: get curated")
	}
	var cv model.CuratedValue
	if err := json.Unmarshal(doc, &cv); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal curated value")
	}
	return &cv, nil
}

func (s *PostgresStore) ListCurated(ctx context.Context, c model.Criterion) ([]model.CuratedValue, error) {
	query := `SELECT doc FROM curated_values`
	args := []any{}
	if c != "" {
		query += ` WHERE criterion = $1`
		args = append(args, string(c))
	}
	query += ` ORDER BY entity_id, criterion`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list curated")
	}
	defer rows.Close()

	var out []model.CuratedValue
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, eris.Wrap(err, "postgres: scan curated")
		}
		var cv model.CuratedValue
		if err := json.Unmarshal(doc, &cv); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal curated value")
		}
		out = append(out, cv)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list curated iterate")
}

func (s *PostgresStore) SavePriorities(ctx context.Context, batch model.PriorityBatch) error {
	if batch.ID == "" {
		batch.ID = uuid.New().String()
	}
	results, err := json.Marshal(batch.Results)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal priorities")
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO priority_batches (id, config_hash, results, created_at) VALUES ($1, $2, $3, $4)`,
		batch.ID, batch.ConfigHash, results, batch.CreatedAt.UTC(),
	)
	return eris.Wrap(err, "postgres: save priorities")
}

func (s *PostgresStore) LatestPriorities(ctx context.Context) (*model.PriorityBatch, error) {
	var b model.PriorityBatch
	var results []byte
	err := s.pool.QueryRow(ctx,
		`SELECT id, config_hash, results, created_at FROM priority_batches ORDER BY created_at DESC LIMIT 1`,
	).Scan(&b.ID, &b.ConfigHash, &results, &b.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, eris.Wrap(ErrNotFound, "postgres: priorities")
		}
		return nil, eris.Wrap(err, "postgres: latest priorities")
	}
	if err := json.Unmarshal(results, &b.Results); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal priorities")
	}
	return &b, nil
}

// Dead letter queue methods

func (s *PostgresStore) EnqueueDLQ(ctx context.Context, e resilience.DLQEntry) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO dead_letter_queue (id, entity_id, criterion, error, error_type, attempts, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		e.ID, e.EntityID, string(e.Criterion), e.Error, e.ErrorType, e.Attempts, e.CreatedAt.UTC(),
	)
	return eris.Wrap(err, "postgres: enqueue dlq")
}

func (s *PostgresStore) ListDLQ(ctx context.Context, filter resilience.DLQFilter) ([]resilience.DLQEntry, error) {
	query := `SELECT id, entity_id, criterion, error, error_type, attempts, created_at FROM dead_letter_queue WHERE true`
	args := []any{}
	argIdx := 1

	if filter.ErrorType != "" {
		query += fmt.Sprintf(` AND error_type = $%d`, argIdx)
		args = append(args, filter.ErrorType)
		argIdx++
	}
	if filter.Criterion != "" {
		query += fmt.Sprintf(` AND criterion = $%d`, argIdx)
		args = append(args, string(filter.Criterion))
		argIdx++
	}
	query += ` ORDER BY created_at ASC`
	if filter.Limit > 0 {
		query += fmt.Sprintf(` LIMIT $%d`, argIdx)
		args = append(args, filter.Limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list dlq")
	}
	defer rows.Close()

	var entries []resilience.DLQEntry
	for rows.Next() {
		var e resilience.DLQEntry
		var criterion string
		if err := rows.Scan(&e.ID, &e.EntityID, &criterion, &e.Error, &e.ErrorType, &e.Attempts, &e.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan dlq entry")
		}
		e.Criterion = model.Criterion(criterion)
		entries = append(entries, e)
	}
	return entries, eris.Wrap(rows.Err(), "postgres: list dlq iterate")
}

func (s *PostgresStore) RemoveDLQ(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM dead_letter_queue WHERE id = $1`, id)
	if err != nil {
		return eris.Wrap(err, "postgres: remove dlq")
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "postgres: dlq entry %s", id)
	}
	return nil
}

func (s *PostgresStore) CountDLQ(ctx context.Context) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM dead_letter_queue`).Scan(&count)
	return count, eris.Wrap(err, "postgres: count dlq")
}

func collectPgRuns(rows pgx.Rows) ([]model.RunRecord, error) {
	defer rows.Close()

	var out []model.RunRecord
	for rows.Next() {
		var r model.RunRecord
		var criterion, status string
		var payload []byte
		if err := rows.Scan(&r.ID, &r.EntityID, &criterion, &r.RunNumber, &status,
			&payload, &r.Dropped, &r.Error, &r.ErrorClass, &r.Timestamp); err != nil {
			return nil, eris.Wrap(err, "postgres: scan run")
		}
		r.Criterion = model.Criterion(criterion)
		r.Status = model.RunStatus(status)
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &r.Payload); err != nil {
				return nil, eris.Wrap(err, "postgres: unmarshal payload")
			}
		}
		out = append(out, r)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list runs iterate")
}
