package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/seantiz/chainlink/internal/model"

	_ "modernc.org/sqlite"
)

const createRunsTable = `
CREATE TABLE IF NOT EXISTS runs (
    id          TEXT PRIMARY KEY,
    status      TEXT NOT NULL,
    pipeline    BLOB NOT NULL,
    stage_count INTEGER NOT NULL,
    stages_run  INTEGER NOT NULL DEFAULT 0,
    error       TEXT NOT NULL DEFAULT '',
    duration_ms INTEGER,
    created_at  DATETIME NOT NULL,
    started_at  DATETIME,
    finished_at DATETIME
)`

const createStageResultsTable = `
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
    created_at   DATETIME NOT NULL,
    PRIMARY KEY (run_id, stage_index)
)`

const runColumns = `id, status, pipeline, stage_count, stages_run, error,
	duration_ms, created_at, started_at, finished_at`

// Compile-time interface satisfaction check.
var _ Store = (*SQLiteStore)(nil)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens the SQLite database at dbPath and runs migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Every connection to ":memory:" is a separate database.
	if dbPath == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	for name, ddl := range map[string]string{"runs": createRunsTable, "stage_results": createStageResultsTable} {
		if _, err := db.Exec(ddl); err != nil {
			db.Close()
			return nil, fmt.Errorf("create %s table: %w", name, err)
		}
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// CreateRun inserts a new run record.
func (s *SQLiteStore) CreateRun(ctx context.Context, r *model.Run) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (`+runColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.Status, []byte(r.Pipeline), r.StageCount, r.StagesRun, r.Error,
		r.DurationMS, r.CreatedAt, r.StartedAt, r.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*model.Run, error) {
	r := &model.Run{}
	var pipeline []byte
	if err := row.Scan(
		&r.ID, &r.Status, &pipeline, &r.StageCount, &r.StagesRun, &r.Error,
		&r.DurationMS, &r.CreatedAt, &r.StartedAt, &r.FinishedAt,
	); err != nil {
		return nil, err
	}
	r.Pipeline = pipeline
	return r, nil
}

// GetRun retrieves a run by ID.
func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*model.Run, error) {
	r, err := scanRun(s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}
	return r, nil
}

// ListRuns returns a paginated list of runs ordered by created_at DESC,
// along with the total count of all runs.
func (s *SQLiteStore) ListRuns(ctx context.Context, limit, offset int) ([]*model.Run, int, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, 0, fmt.Errorf("begin read tx: %w", err)
	}
	defer tx.Rollback()

	var total int
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM runs").Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count runs: %w", err)
	}

	rows, err := tx.QueryContext(ctx,
		`SELECT `+runColumns+` FROM runs ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`, limit, offset,
	)
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

// lockStatus reads the current status and started_at of a run inside tx and
// checks that moving to status is allowed.
func lockStatus(ctx context.Context, tx *sql.Tx, id, status string) (*time.Time, error) {
	var (
		current   string
		startedAt *time.Time
	)
	err := tx.QueryRowContext(ctx, "SELECT status, started_at FROM runs WHERE id = ?", id).Scan(&current, &startedAt)
	if errors.Is(err, sql.ErrNoRows) {
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
func (s *SQLiteStore) UpdateRunStatus(ctx context.Context, id, status string) error {
	if model.IsTerminal(status) {
		return fmt.Errorf("%w: use FinishRun for %s", ErrInvalidTransition, status)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := lockStatus(ctx, tx, id, status); err != nil {
		return err
	}

	if status == model.StatusPrefetching {
		_, err = tx.ExecContext(ctx, "UPDATE runs SET status = ?, started_at = ? WHERE id = ?", status, time.Now().UTC(), id)
	} else {
		_, err = tx.ExecContext(ctx, "UPDATE runs SET status = ? WHERE id = ?", status, id)
	}
	if err != nil {
		return fmt.Errorf("update run status: %w", err)
	}
	return tx.Commit()
}

// FinishRun moves a run to a terminal status.
func (s *SQLiteStore) FinishRun(ctx context.Context, id, status, errMsg string) error {
	if !model.IsTerminal(status) {
		return fmt.Errorf("%w: %s is not terminal", ErrInvalidTransition, status)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	startedAt, err := lockStatus(ctx, tx, id, status)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	var durationMS *int
	if startedAt != nil {
		d := int(now.Sub(*startedAt).Milliseconds())
		durationMS = &d
	}
	if _, err := tx.ExecContext(ctx,
		"UPDATE runs SET status = ?, error = ?, finished_at = ?, duration_ms = ? WHERE id = ?",
		status, errMsg, now, durationMS, id,
	); err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	return tx.Commit()
}

// InsertStageResult persists one stage result.
func (s *SQLiteStore) InsertStageResult(ctx context.Context, rec *model.StageRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, "UPDATE runs SET stages_run = stages_run + 1 WHERE id = ?", rec.RunID)
	if err != nil {
		return fmt.Errorf("bump stages_run: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	} else if n == 0 {
		return ErrNotFound
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO stage_results (
			run_id, stage_index, name, image, container_id, exit_code, killed,
			oom_killed, success, stdout, stderr, combined, duration_ms, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.RunID, rec.Index, rec.Name, rec.Image, rec.ContainerID, rec.ExitCode, rec.Killed,
		rec.OOMKilled, rec.Success, rec.Stdout, rec.Stderr, rec.Combined, rec.DurationMS, rec.CreatedAt,
	); err != nil {
		return fmt.Errorf("insert stage result: %w", err)
	}
	return tx.Commit()
}

// ListStageResults returns the stage results of a run in stage order.
func (s *SQLiteStore) ListStageResults(ctx context.Context, runID string) ([]model.StageRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id, stage_index, name, image, container_id, exit_code, killed,
			oom_killed, success, stdout, stderr, combined, duration_ms, created_at
		FROM stage_results WHERE run_id = ? ORDER BY stage_index ASC`, runID,
	)
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
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate stage results: %w", err)
	}
	return recs, nil
}

// GetRunStats returns aggregate statistics over all runs.
func (s *SQLiteStore) GetRunStats(ctx context.Context) (*RunStats, error) {
	stats := &RunStats{CountByStatus: make(map[string]int)}

	rows, err := s.db.QueryContext(ctx, "SELECT status, COUNT(*) FROM runs GROUP BY status")
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

	if err := s.db.QueryRowContext(ctx,
		"SELECT COALESCE(AVG(duration_ms), 0) FROM runs WHERE duration_ms IS NOT NULL",
	).Scan(&stats.AvgDurationMS); err != nil {
		return nil, fmt.Errorf("average duration: %w", err)
	}

	if err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*), COALESCE(SUM(CASE WHEN killed THEN 1 ELSE 0 END), 0) FROM stage_results",
	).Scan(&stats.StagesRun, &stats.StagesKilled); err != nil {
		return nil, fmt.Errorf("stage counts: %w", err)
	}

	return stats, nil
}
