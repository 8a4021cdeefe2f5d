// Package postgres provides Postgres-backed persistence implementations.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/realtime-chat-scraper/internal/store"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Config controls the Postgres connection pool used for run rows.
type Config struct {
	DSN             string
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type pgPool interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Close()
}

// RunStore implements store.RunRepository.
type RunStore struct {
	pool  pgPool
	table string
}

// NewRunStore connects to Postgres using cfg.
func NewRunStore(ctx context.Context, cfg Config) (*RunStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("db.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	s, err := NewRunStoreWithPool(pool, cfg.Table)
	if err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// NewRunStoreWithPool wraps an existing pool, mainly for tests.
func NewRunStoreWithPool(pool pgPool, table string) (*RunStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("postgres pool is required")
	}
	if table == "" {
		table = "scraper_runs"
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &RunStore{pool: pool, table: table}, nil
}

// Close closes the underlying connection pool.
func (s *RunStore) Close() {
	s.pool.Close()
}

// Migrate creates the runs table when it is missing.
func (s *RunStore) Migrate(ctx context.Context) error {
	query := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %[1]s (
			run_id         UUID PRIMARY KEY,
			task_id        TEXT NOT NULL,
			worker         TEXT NOT NULL DEFAULT '',
			started_at     TIMESTAMPTZ NOT NULL,
			finished_at    TIMESTAMPTZ,
			status         TEXT NOT NULL,
			total_messages BIGINT NOT NULL DEFAULT 0,
			max_throughput BIGINT NOT NULL DEFAULT 0,
			last_update    TIMESTAMPTZ,
			reason         TEXT
		);
		CREATE INDEX IF NOT EXISTS %[1]s_task_started_idx ON %[1]s (task_id, started_at DESC);
	`, s.table)
	if _, err := s.pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("migrate %s: %w", s.table, err)
	}
	return nil
}

// UpsertRunStart inserts the run or marks an existing row running again.
func (s *RunStore) UpsertRunStart(ctx context.Context, runID uuid.UUID, taskID, worker string, startedAt time.Time) error {
	query := fmt.Sprintf(`
		INSERT INTO %s (run_id, task_id, worker, started_at, status)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (run_id) DO UPDATE
		SET worker = EXCLUDED.worker
		WHERE %[1]s.finished_at IS NULL;
	`, s.table)
	if _, err := s.pool.Exec(ctx, query, runID, taskID, worker, startedAt, store.RunRunning); err != nil {
		return fmt.Errorf("failed to upsert run start: %w", err)
	}
	return nil
}

// AddThroughput adds messages to the run total and raises the maximum.
func (s *RunStore) AddThroughput(ctx context.Context, runID uuid.UUID, messages int64, at time.Time) error {
	query := fmt.Sprintf(`
		UPDATE %s
		SET total_messages = total_messages + $1,
			max_throughput = GREATEST(max_throughput, $1),
			last_update = $2
		WHERE run_id = $3;
	`, s.table)
	res, err := s.pool.Exec(ctx, query, messages, at, runID)
	if err != nil {
		return fmt.Errorf("failed to add throughput: %w", err)
	}
	if res.RowsAffected() == 0 {
		return fmt.Errorf("add throughput for run %s: %w", runID, store.ErrNotFound)
	}
	return nil
}

// CompleteRun marks the run finished. Rows already finished are left alone.
func (s *RunStore) CompleteRun(
	ctx context.Context,
	runID uuid.UUID,
	finishedAt time.Time,
	status store.RunStatus,
	reason *string,
) error {
	query := fmt.Sprintf(`
		UPDATE %s
		SET finished_at = $1, status = $2, reason = $3
		WHERE run_id = $4 AND finished_at IS NULL;
	`, s.table)
	if _, err := s.pool.Exec(ctx, query, finishedAt, status, reason, runID); err != nil {
		return fmt.Errorf("failed to complete run: %w", err)
	}
	return nil
}

func (s *RunStore) selectColumns() string {
	return fmt.Sprintf(`SELECT run_id, task_id, worker, started_at, finished_at, status,
		total_messages, max_throughput, reason FROM %s`, s.table)
}

func scanRun(row pgx.Row) (store.Run, error) {
	var run store.Run
	err := row.Scan(
		&run.RunID,
		&run.TaskID,
		&run.Worker,
		&run.StartedAt,
		&run.FinishedAt,
		&run.Status,
		&run.TotalMessages,
		&run.MaxThroughput,
		&run.Reason,
	)
	return run, err
}

// GetRun loads a single run by id.
func (s *RunStore) GetRun(ctx context.Context, runID uuid.UUID) (store.Run, error) {
	run, err := scanRun(s.pool.QueryRow(ctx, s.selectColumns()+" WHERE run_id = $1;", runID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.Run{}, store.ErrNotFound
		}
		return store.Run{}, fmt.Errorf("failed to get run: %w", err)
	}
	return run, nil
}

// ListRuns returns runs newest first, filtered by taskID when set.
func (s *RunStore) ListRuns(ctx context.Context, taskID string, limit, offset int) ([]store.Run, error) {
	if limit <= 0 {
		limit = 50
	}
	query := s.selectColumns() + `
		WHERE ($1 = '' OR task_id = $1)
		ORDER BY started_at DESC
		LIMIT $2 OFFSET $3;`
	rows, err := s.pool.Query(ctx, query, taskID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var runs []store.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run row: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate run rows: %w", err)
	}
	return runs, nil
}
