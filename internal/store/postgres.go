package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/seantiz/chainlink/internal/model"
)

const pgSchema = `
CREATE TABLE IF NOT EXISTS runs (
    id          TEXT PRIMARY KEY,
    status      TEXT NOT NULL,
    pipeline    JSONB NOT NULL,
    stage_count INTEGER NOT NULL,
    stages_run  INTEGER NOT NULL DEFAULT 0,
    error       TEXT NOT NULL DEFAULT '',
    duration_ms INTEGER,
    created_at  TIMESTAMPTZ NOT NULL,
    started_at  TIMESTAMPTZ,
    finished_at TIMESTAMPTZ
);
CREATE TABLE IF NOT EXISTS stage_results (
    run_id       TEXT NOT NULL REFERENCES runs(id),
    stage_index  INTEGER NOT NULL,
    name         TEXT NOT NULL,
    image        TEXT NOT NULL,
    container_id TEXT NOT NULL,
    exit_code    INTEGER NOT NULL,
    killed       BOOLEAN NOT NULL,
    oom_killed   BOOLEAN NOT NULL,
    success      BOOLEAN NOT NULL,
    stdout       TEXT NOT NULL DEFAULT '',
    stderr       TEXT NOT NULL DEFAULT '',
    combined     TEXT NOT NULL DEFAULT '',
    duration_ms  INTEGER NOT NULL,
    created_at   TIMESTAMPTZ NOT NULL,
    PRIMARY KEY (run_id, stage_index)
);
CREATE INDEX IF NOT EXISTS runs_created_at_idx ON runs (created_at DESC);`

// Compile-time interface satisfaction check.
var _ Store = (*PostgresStore)(nil)

// PostgresStore implements Store using PostgreSQL through a pgx pool.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects to the database at dsn, verifies the connection
// and runs migrations.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
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

	if _, err := pool.Exec(ctx, pgSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

// Close closes the pool.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// CreateRun inserts a new run record.
func (s *PostgresStore) CreateRun(ctx context.Context, r *model.Run) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO runs (`+runColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		r.ID, r.Status, []byte(r.Pipeline), r.StageCount, r.StagesRun, r.Error,
		r.DurationMS, r.CreatedAt, r.StartedAt, r.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

// GetRun retrieves a run by ID.
func (s *PostgresStore) GetRun(ctx context.Context, id string) (*model.Run, error) {
	r, err := scanRun(s.pool.QueryRow(ctx, `SELECT `+runColumns+` FROM runs WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}
	return r, nil
}

// ListRuns returns a paginated list of runs ordered by created_at DESC,
// along with the total count of all runs.
func (s *PostgresStore) ListRuns(ctx context.Context, limit, offset int) ([]*model.Run, int, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{AccessMode: pgx.ReadOnly, IsoLevel: pgx.RepeatableRead})
	if err != nil {
		return nil, 0, fmt.Errorf("begin read tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var total int
	if err := tx.QueryRow(ctx, "SELECT COUNT(*) FROM runs").Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count runs: %w", err)
	}

	rows, err := tx.Query(ctx,
		`SELECT `+runColumns+` FROM runs ORDER BY created_at DESC, id DESC LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []*model.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate runs: %w", err)
	}
	return runs, total, nil
}

func pgLockStatus(ctx context.Context, tx pgx.Tx, id, status string) (*time.Time, error) {
	var (
		current   string
		startedAt *time.Time
	)
	err := tx.QueryRow(ctx, "SELECT status, started_at FROM runs WHERE id = $1 FOR UPDATE", id).Scan(&current, &startedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read run status: %w", err)
	}
	if !model.ValidTransition(current, status) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current, status)
	}
	return startedAt, nil
}

// UpdateRunStatus updates the status of a non-terminal run.
func (s *PostgresStore) UpdateRunStatus(ctx context.Context, id, status string) error {
	if model.IsTerminal(status) {
		return fmt.Errorf("%w: use FinishRun for %s", ErrInvalidTransition, status)
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := pgLockStatus(ctx, tx, id, status); err != nil {
		return err
	}
	if status == model.StatusPrefetching {
		_, err = tx.Exec(ctx, "UPDATE runs SET status = $1, started_at = $2 WHERE id = $3", status, time.Now().UTC(), id)
	} else {
		_, err = tx.Exec(ctx, "UPDATE runs SET status = $1 WHERE id = $2", status, id)
	}
	if err != nil {
		return fmt.Errorf("update run status: %w", err)
	}
	return tx.Commit(ctx)
}

// FinishRun moves a run to a terminal status.
func (s *PostgresStore) FinishRun(ctx context.Context, id, status, errMsg string) error {
	if !model.IsTerminal(status) {
		return fmt.Errorf("%w: %s is not terminal", ErrInvalidTransition, status)
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	startedAt, err := pgLockStatus(ctx, tx, id, status)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	var durationMS *int
	if startedAt != nil {
		d := int(now.Sub(*startedAt).Milliseconds())
		durationMS = &d
	}
	if _, err := tx.Exec(ctx,
		"UPDATE runs SET status = $1, error = $2, finished_at = $3, duration_ms = $4 WHERE id = $5",
		status, errMsg, now, durationMS, id,
	); err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	return tx.Commit(ctx)
}

// InsertStageResult persists one stage result.
func (s *PostgresStore) InsertStageResult(ctx context.Context, rec *model.StageRecord) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, "UPDATE runs SET stages_run = stages_run + 1 WHERE id = $1", rec.RunID)
	if err != nil {
		return fmt.Errorf("bump stages_run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO stage_results (
			run_id, stage_index, name, image, container_id, exit_code, killed,
			oom_killed, success, stdout, stderr, combined, duration_ms, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		rec.RunID, rec.Index, rec.Name, rec.Image, rec.ContainerID, rec.ExitCode, rec.Killed,
		rec.OOMKilled, rec.Success, rec.Stdout, rec.Stderr, rec.Combined, rec.DurationMS, rec.CreatedAt,
	); err != nil {
		return fmt.Errorf("insert stage result: %w", err)
	}
	return tx.Commit(ctx)
}

// ListStageResults returns the stage results of a run in stage order.
func (s *PostgresStore) ListStageResults(ctx context.Context, runID string) ([]model.StageRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT run_id, stage_index, name, image, container_id, exit_code, killed,
			oom_killed, success, stdout, stderr, combined, duration_ms, created_at
		FROM stage_results WHERE run_id = $1 ORDER BY stage_index ASC`, runID)
	if err != nil {
		return nil, fmt.Errorf("list stage results: %w", err)
	}
	defer rows.Close()

	var recs []model.StageRecord
	for rows.Next() {
		var rec model.StageRecord
		if err := rows.Scan(
			&rec.RunID, &rec.Index, &rec.Name, &rec.Image, &rec.ContainerID, &rec.ExitCode, &rec.Killed,
			&rec.OOMKilled, &rec.Success, &rec.Stdout, &rec.Stderr, &rec.Combined, &rec.DurationMS, &rec.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan stage result: %w", err)
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// GetRunStats returns aggregate statistics over all runs.
func (s *PostgresStore) GetRunStats(ctx context.Context) (*RunStats, error) {
	stats := &RunStats{CountByStatus: make(map[string]int)}

	rows, err := s.pool.Query(ctx, "SELECT status, COUNT(*) FROM runs GROUP BY status")
	if err != nil {
		return nil, fmt.Errorf("count by status: %w", err)
	}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan status count: %w", err)
		}
		stats.CountByStatus[status] = n
		stats.Total += n
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate status counts: %w", err)
	}

	if err := s.pool.QueryRow(ctx,
		"SELECT COALESCE(AVG(duration_ms), 0)::float8 FROM runs WHERE duration_ms IS NOT NULL",
	).Scan(&stats.AvgDurationMS); err != nil {
		return nil, fmt.Errorf("average duration: %w", err)
	}

	if err := s.pool.QueryRow(ctx,
		"SELECT COUNT(*), COUNT(*) FILTER (WHERE killed) FROM stage_results",
	).Scan(&stats.StagesRun, &stats.StagesKilled); err != nil {
		return nil, fmt.Errorf("stage counts: %w", err)
	}
	return stats, nil
}
