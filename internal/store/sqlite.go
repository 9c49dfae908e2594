package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/rare-priority/internal/model"
	"github.com/sells-group/rare-priority/internal/resilience"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS entities (
	entity_id           TEXT PRIMARY KEY,
	name                TEXT NOT NULL,
	classification_path TEXT NOT NULL DEFAULT '',
	created_at          DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS run_records (
	id          TEXT PRIMARY KEY,
	entity_id   TEXT NOT NULL,
	criterion   TEXT NOT NULL,
	run_number  INTEGER NOT NULL,
	status      TEXT NOT NULL,
	payload     TEXT,
	dropped     INTEGER NOT NULL DEFAULT 0,
	error       TEXT NOT NULL DEFAULT '',
	error_class TEXT NOT NULL DEFAULT '',
	created_at  DATETIME NOT NULL,
	UNIQUE (entity_id, criterion, run_number)
);

CREATE TABLE IF NOT EXISTS curated_values (
	entity_id   TEXT NOT NULL,
	criterion   TEXT NOT NULL,
	doc         TEXT NOT NULL,
	resolved_at DATETIME NOT NULL,
	PRIMARY KEY (entity_id, criterion)
);

CREATE TABLE IF NOT EXISTS priority_batches (
	id          TEXT PRIMARY KEY,
	config_hash TEXT NOT NULL,
	results     TEXT NOT NULL,
	created_at  DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS dead_letter_queue (
	id          TEXT PRIMARY KEY,
	entity_id   TEXT NOT NULL,
	criterion   TEXT NOT NULL,
	error       TEXT NOT NULL,
	error_type  TEXT NOT NULL DEFAULT 'transient',
	attempts    INTEGER NOT NULL DEFAULT 0,
	created_at  DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_run_records_status ON run_records(status);
CREATE INDEX IF NOT EXISTS idx_run_records_created_at ON run_records(created_at);
CREATE INDEX IF NOT EXISTS idx_curated_values_criterion ON curated_values(criterion);
CREATE INDEX IF NOT EXISTS idx_priority_batches_created_at ON priority_batches(created_at);
CREATE INDEX IF NOT EXISTS idx_dlq_error_type ON dead_letter_queue(error_type);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) UpsertEntities(ctx context.Context, entities []model.Entity) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: begin")
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO entities (entity_id, name, classification_path, created_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT (entity_id) DO NOTHING`)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: prepare entity insert")
	}
	defer stmt.Close()

	now := time.Now().UTC()
	var n int
	for _, e := range entities {
		if e.ID == "" {
			return 0, eris.New("sqlite: entity without id")
		}
		res, err := stmt.ExecContext(ctx, e.ID, e.Name, e.ClassificationPath, now)
		if err != nil {
			return 0, eris.Wrapf(err, "sqlite: insert entity %s", e.ID)
		}
		affected, _ := res.RowsAffected()
		n += int(affected)
	}
	return n, eris.Wrap(tx.Commit(), "sqlite: commit entities")
}

func (s *SQLiteStore) GetEntity(ctx context.Context, id string) (*model.Entity, error) {
	var e model.Entity
	err := s.db.QueryRowContext(ctx,
		`SELECT entity_id, name, classification_path FROM entities WHERE entity_id = ?`, id,
	).Scan(&e.ID, &e.Name, &e.ClassificationPath)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "sqlite: entity %s", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get entity %s", id)
	}
	return &e, nil
}

func (s *SQLiteStore) ListEntities(ctx context.Context) ([]model.Entity, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT entity_id, name, classification_path FROM entities ORDER BY entity_id`)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list entities")
	}
	defer rows.Close()

	var out []model.Entity
	for rows.Next() {
		var e model.Entity
		if err := rows.Scan(&e.ID, &e.Name, &e.ClassificationPath); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan entity")
		}
		out = append(out, e)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list entities iterate")
}

func (s *SQLiteStore) AppendRun(ctx context.Context, run model.RunRecord) error {
	if run.ID == "" {
		run.ID = uuid.New().String()
	}
	payload, err := marshalPayload(run.Payload)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal payload")
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO run_records (id, entity_id, criterion, run_number, status, payload, dropped, error, error_class, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.EntityID, string(run.Criterion), run.RunNumber, string(run.Status),
		payload, run.Dropped, run.Error, run.ErrorClass, run.Timestamp.UTC(),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return eris.Wrapf(ErrRunExists, "sqlite: %s run %d", run.Key(), run.RunNumber)
		}
		return eris.Wrapf(err, "sqlite: insert run %s", run.Key())
	}
	return nil
}

const runColumns = `id, entity_id, criterion, run_number, status, payload, dropped, error, error_class, created_at`

func (s *SQLiteStore) ListRuns(ctx context.Context, entityID string, c model.Criterion) ([]model.RunRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+runColumns+` FROM run_records WHERE entity_id = ? AND criterion = ? ORDER BY run_number`,
		entityID, string(c),
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list runs")
	}
	return collectRuns(rows)
}

func (s *SQLiteStore) QueryRuns(ctx context.Context, filter RunFilter) ([]model.RunRecord, error) {
	query := `SELECT ` + runColumns + ` FROM run_records WHERE 1=1`
	var args []any

	if filter.EntityID != "" {
		query += ` AND entity_id = ?`
		args = append(args, filter.EntityID)
	}
	if filter.Criterion != "" {
		query += ` AND criterion = ?`
		args = append(args, string(filter.Criterion))
	}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	if !filter.Since.IsZero() {
		query += ` AND created_at >= ?`
		args = append(args, filter.Since.UTC())
	}
	query += ` ORDER BY created_at DESC, entity_id, criterion, run_number DESC LIMIT ?`
	args = append(args, filter.limit())

	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: query runs")
	}
	return collectRuns(rows)
}

func (s *SQLiteStore) PutCurated(ctx context.Context, cv model.CuratedValue) error {
	doc, err := json.Marshal(cv)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal curated value")
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO curated_values (entity_id, criterion, doc, resolved_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT (entity_id, criterion) DO UPDATE SET doc = excluded.doc, resolved_at = excluded.resolved_at`,
		cv.EntityID, string(cv.Criterion), string(doc), cv.ResolvedAt.UTC(),
	)
	return eris.Wrapf(err, "sqlite: put curated %s", cv.Key())
}

func (s *SQLiteStore) GetCurated(ctx context.Context, entityID string, c model.Criterion) (*model.CuratedValue, error) {
	var doc string
	err := s.db.QueryRowContext(ctx,
		`SELECT doc FROM curated_values WHERE entity_id = ? AND criterion = ?`, entityID, string(c),
	).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "sqlite: curated %s|%s", entityID, c)
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: get curated")
	}
	var cv model.CuratedValue
	if err := json.Unmarshal([]byte(doc), &cv); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal curated value")
	}
	return &cv, nil
}

func (s *SQLiteStore) ListCurated(ctx context.Context, c model.Criterion) ([]model.CuratedValue, error) {
	query := `SELECT doc FROM curated_values`
	var args []any
	if c != "" {
		query += ` WHERE criterion = ?`
		args = append(args, string(c))
	}
	query += ` ORDER BY entity_id, criterion`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list curated")
	}
	defer rows.Close()

	var out []model.CuratedValue
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan curated")
		}
		var cv model.CuratedValue
		if err := json.Unmarshal([]byte(doc), &cv); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal curated value")
		}
		out = append(out, cv)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list curated iterate")
}

func (s *SQLiteStore) SavePriorities(ctx context.Context, batch model.PriorityBatch) error {
	if batch.ID == "" {
		batch.ID = uuid.New().String()
	}
	results, err := json.Marshal(batch.Results)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal priorities")
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO priority_batches (id, config_hash, results, created_at) VALUES (?, ?, ?, ?)`,
		batch.ID, batch.ConfigHash, string(results), batch.CreatedAt.UTC(),
	)
	return eris.Wrap(err, "sqlite: save priorities")
}

func (s *SQLiteStore) LatestPriorities(ctx context.Context) (*model.PriorityBatch, error) {
	var b model.PriorityBatch
	var results string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, config_hash, results, created_at FROM priority_batches ORDER BY created_at DESC, rowid DESC LIMIT 1`,
	).Scan(&b.ID, &b.ConfigHash, &results, &b.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrap(ErrNotFound, "sqlite: priorities")
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: latest priorities")
	}
	if err := json.Unmarshal([]byte(results), &b.Results); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal priorities")
	}
	return &b, nil
}

func (s *SQLiteStore) EnqueueDLQ(ctx context.Context, e resilience.DLQEntry) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO dead_letter_queue (id, entity_id, criterion, error, error_type, attempts, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.EntityID, string(e.Criterion), e.Error, e.ErrorType, e.Attempts, e.CreatedAt.UTC(),
	)
	return eris.Wrap(err, "sqlite: enqueue dlq")
}

func (s *SQLiteStore) ListDLQ(ctx context.Context, filter resilience.DLQFilter) ([]resilience.DLQEntry, error) {
	query := `SELECT id, entity_id, criterion, error, error_type, attempts, created_at FROM dead_letter_queue WHERE 1=1`
	var args []any
	if filter.ErrorType != "" {
		query += ` AND error_type = ?`
		args = append(args, filter.ErrorType)
	}
	if filter.Criterion != "" {
		query += ` AND criterion = ?`
		args = append(args, string(filter.Criterion))
	}
	query += ` ORDER BY created_at`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list dlq")
	}
	defer rows.Close()

	var out []resilience.DLQEntry
	for rows.Next() {
		var e resilience.DLQEntry
		if err := rows.Scan(&e.ID, &e.EntityID, &e.Criterion, &e.Error, &e.ErrorType, &e.Attempts, &e.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan dlq")
		}
		out = append(out, e)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list dlq iterate")
}

func (s *SQLiteStore) RemoveDLQ(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM dead_letter_queue WHERE id = ?`, id)
	if err != nil {
		return eris.Wrapf(err, "sqlite: remove dlq %s", id)
	}
	return checkRowsAffected(res, "dlq entry", id)
}

func (s *SQLiteStore) CountDLQ(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM dead_letter_queue`).Scan(&n)
	return n, eris.Wrap(err, "sqlite: count dlq")
}

// helpers

func checkRowsAffected(res sql.Result, kind, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Wrapf(ErrNotFound, "%s %s", kind, id)
	}
	return nil
}

func marshalPayload(payload []model.EvidenceRecord) (any, error) {
	if len(payload) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

type scannable interface {
	Scan(dest ...any) error
}

func scanRun(row scannable) (model.RunRecord, error) {
	var r model.RunRecord
	var payload sql.NullString
	err := row.Scan(&r.ID, &r.EntityID, &r.Criterion, &r.RunNumber, &r.Status,
		&payload, &r.Dropped, &r.Error, &r.ErrorClass, &r.Timestamp)
	if err != nil {
		return r, eris.Wrap(err, "sqlite: scan run")
	}
	if payload.Valid && payload.String != "" {
		if err := json.Unmarshal([]byte(payload.String), &r.Payload); err != nil {
			return r, eris.Wrap(err, "sqlite: unmarshal payload")
		}
	}
	return r, nil
}

func collectRuns(rows *sql.Rows) ([]model.RunRecord, error) {
	defer rows.Close()
	var out []model.RunRecord
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate runs")
}
