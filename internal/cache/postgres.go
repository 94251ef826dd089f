package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Schema creates the table used by PostgresStore
const Schema = `
CREATE TABLE IF NOT EXISTS liteflow_cache (
	fingerprint TEXT PRIMARY KEY,
	project_id  TEXT NOT NULL DEFAULT '',
	flow_id     TEXT NOT NULL DEFAULT '',
	node_id     TEXT NOT NULL,
	run_id      TEXT NOT NULL,
	status      TEXT NOT NULL,
	outputs     JSONB NOT NULL DEFAULT '{}'::jsonb,
	life_span   BIGINT NOT NULL DEFAULT 0,
	created_at  TIMESTAMPTZ NOT NULL,
	started_at  TIMESTAMPTZ,
	finished_at TIMESTAMPTZ
);
ALTER TABLE liteflow_cache ADD COLUMN IF NOT EXISTS project_id TEXT NOT NULL DEFAULT '';
ALTER TABLE liteflow_cache ADD COLUMN IF NOT EXISTS flow_id TEXT NOT NULL DEFAULT '';
CREATE INDEX IF NOT EXISTS liteflow_cache_node_idx ON liteflow_cache (project_id, flow_id, node_id);

CREATE TABLE IF NOT EXISTS liteflow_bakes (
	id          TEXT PRIMARY KEY,
	project_id  TEXT NOT NULL,
	flow_id     TEXT NOT NULL,
	status      TEXT NOT NULL,
	started_at  TIMESTAMPTZ NOT NULL,
	doc         JSONB NOT NULL
);
CREATE INDEX IF NOT EXISTS liteflow_bakes_flow_idx ON liteflow_bakes (project_id, flow_id, started_at DESC);
`

// querier is the subset of pgxpool.Pool used by PostgresStore
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresStore keeps records in a PostgreSQL table
type PostgresStore struct {
	db querier
}

// NewPool connects to dsn and checks the connection
func NewPool(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	cfg.MaxConns = 10
	cfg.HealthCheckPeriod = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("new pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	return pool, nil
}

// NewPostgresStore creates a store over pool
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{db: pool}
}

// Migrate creates the cache and bake tables when missing
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("create cache tables: %w", err)
	}
	return nil
}

// Get implements Store
func (s *PostgresStore) Get(ctx context.Context, fingerprint string) (*Record, error) {
	query := `
		SELECT fingerprint, project_id, flow_id, node_id, run_id, status, outputs, life_span,
		       created_at, started_at, finished_at
		FROM liteflow_cache
		WHERE fingerprint = $1
	`
	var (
		rec      Record
		status   string
		outputs  []byte
		lifeSpan int64
		started  *time.Time
		finished *time.Time
	)
	err := s.db.QueryRow(ctx, query, fingerprint).Scan(
		&rec.Fingerprint,
		&rec.ProjectID,
		&rec.FlowID,
		&rec.NodeID,
		&rec.RunID,
		&status,
		&outputs,
		&lifeSpan,
		&rec.CreatedAt,
		&started,
		&finished,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select cache record: %w", err)
	}
	rec.Status = Status(status)
	rec.LifeSpan = time.Duration(lifeSpan)
	if started != nil {
		rec.StartedAt = *started
	}
	if finished != nil {
		rec.FinishedAt = *finished
	}
	if len(outputs) > 0 {
		if err := json.Unmarshal(outputs, &rec.Outputs); err != nil {
			return nil, fmt.Errorf("unmarshal outputs: %w", err)
		}
	}
	return &rec, nil
}

// Put implements Store. Concurrent writers of one fingerprint resolve by upsert.
func (s *PostgresStore) Put(ctx context.Context, rec *Record) error {
	outputs := rec.Outputs
	if outputs == nil {
		outputs = map[string]string{}
	}
	outputsJSON, err := json.Marshal(outputs)
	if err != nil {
		return fmt.Errorf("marshal outputs: %w", err)
	}

	query := `
		INSERT INTO liteflow_cache (fingerprint, project_id, flow_id, node_id, run_id, status,
		                            outputs, life_span, created_at, started_at, finished_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (fingerprint) DO UPDATE
		SET project_id = EXCLUDED.project_id,
		    flow_id = EXCLUDED.flow_id,
		    node_id = EXCLUDED.node_id,
		    run_id = EXCLUDED.run_id,
		    status = EXCLUDED.status,
		    outputs = EXCLUDED.outputs,
		    life_span = EXCLUDED.life_span,
		    created_at = EXCLUDED.created_at,
		    started_at = EXCLUDED.started_at,
		    finished_at = EXCLUDED.finished_at
	`
	_, err = s.db.Exec(ctx, query,
		rec.Fingerprint,
		rec.ProjectID,
		rec.FlowID,
		rec.NodeID,
		rec.RunID,
		string(rec.Status),
		outputsJSON,
		int64(rec.LifeSpan),
		rec.CreatedAt,
		nullTime(rec.StartedAt),
		nullTime(rec.FinishedAt),
	)
	if err != nil {
		return fmt.Errorf("upsert cache record: %w", err)
	}
	return nil
}

// Delete implements Store
func (s *PostgresStore) Delete(ctx context.Context, f Filter) (int, error) {
	return s.delete(ctx, `
		DELETE FROM liteflow_cache
		WHERE ($1 = '' OR project_id = $1)
		  AND ($2 = '' OR flow_id = $2)
		  AND ($3 = '' OR node_id = $3)
		  AND ($4::timestamptz IS NULL OR created_at < $4)
	`, f.ProjectID, f.FlowID, f.NodeID, nullTime(f.Before))
}

func (s *PostgresStore) delete(ctx context.Context, query string, args ...any) (int, error) {
	tag, err := s.db.Exec(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("delete cache records: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
