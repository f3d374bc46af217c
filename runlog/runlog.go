// Package runlog records pipeline runs in a local SQLite database.
package runlog

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/helix-tools/dhis2-pipelines/types"
)

// Run statuses.
const (
	StatusRunning   = "running"
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
)

// ErrNotFound is returned when no run matches.
var ErrNotFound = errors.New("run not found")

// Run is one execution of a pipeline.
type Run struct {
	ID        string
	Pipeline  string
	Status    string
	StartedAt time.Time
	EndedAt   *time.Time
	Params    map[string]string
	Count     types.ImportCount
	Error     string
}

// Duration returns how long the run took, or zero while it is running.
func (r Run) Duration() time.Duration {
	if r.EndedAt == nil {
		return 0
	}

	return r.EndedAt.Sub(r.StartedAt)
}

// Store is the run ledger.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Open opens (and creates if needed) the ledger at path.
func Open(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	s := &Store{db: db, now: time.Now}
	if err := s.initialize(); err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

func (s *Store) initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		pipeline TEXT NOT NULL,
		status TEXT NOT NULL,
		started_at TEXT NOT NULL,
		ended_at TEXT,
		params TEXT,
		imported INTEGER DEFAULT 0,
		updated INTEGER DEFAULT 0,
		ignored INTEGER DEFAULT 0,
		deleted INTEGER DEFAULT 0,
		error TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_runs_pipeline ON runs(pipeline, started_at);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create table: %w", err)
	}

	return nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Start records a new running run.
func (s *Store) Start(ctx context.Context, id, pipeline string, params map[string]string) (Run, error) {
	run := Run{
		ID:        id,
		Pipeline:  pipeline,
		Status:    StatusRunning,
		StartedAt: s.now().UTC(),
		Params:    params,
	}

	encoded, err := json.Marshal(params)
	if err != nil {
		return Run{}, fmt.Errorf("failed to encode params: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO runs (id, pipeline, status, started_at, params) VALUES (?, ?, ?, ?, ?)`,
		run.ID, run.Pipeline, run.Status, formatTime(run.StartedAt), string(encoded),
	)
	if err != nil {
		return Run{}, fmt.Errorf("failed to record run start: %w", err)
	}

	return run, nil
}

// Succeed marks a run as succeeded with its import counts.
func (s *Store) Succeed(ctx context.Context, id string, count types.ImportCount) error {
	return s.finish(ctx, id, StatusSucceeded, count, "")
}

// Fail marks a run as failed.
func (s *Store) Fail(ctx context.Context, id string, count types.ImportCount, runErr error) error {
	msg := ""
	if runErr != nil {
		msg = runErr.Error()
	}

	return s.finish(ctx, id, StatusFailed, count, msg)
}

func (s *Store) finish(ctx context.Context, id, status string, count types.ImportCount, msg string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, ended_at = ?, imported = ?, updated = ?, ignored = ?, deleted = ?, error = ?
		 WHERE id = ?`,
		status, formatTime(s.now().UTC()), count.Imported, count.Updated, count.Ignored, count.Deleted, msg, id,
	)
	if err != nil {
		return fmt.Errorf("failed to record run end: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	return nil
}

// Get returns the run with the given id.
func (s *Store) Get(ctx context.Context, id string) (Run, error) {
	row := s.db.QueryRowContext(ctx, selectRuns+` WHERE id = ?`, id)

	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Run{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	return run, err
}

// LastSuccessful returns the most recent succeeded run of pipeline.
func (s *Store) LastSuccessful(ctx context.Context, pipeline string) (Run, error) {
	row := s.db.QueryRowContext(ctx,
		selectRuns+` WHERE pipeline = ? AND status = ? ORDER BY started_at DESC LIMIT 1`,
		pipeline, StatusSucceeded,
	)

	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Run{}, fmt.Errorf("%w: no successful run of %s", ErrNotFound, pipeline)
	}

	return run, err
}

// List returns the latest runs, most recent first. An empty pipeline lists
// every pipeline.
func (s *Store) List(ctx context.Context, pipeline string, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 20
	}

	query := selectRuns
	args := []any{}
	if pipeline != "" {
		query += ` WHERE pipeline = ?`
		args = append(args, pipeline)
	}
	query += ` ORDER BY started_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}

	return runs, rows.Err()
}

const selectRuns = `SELECT id, pipeline, status, started_at, ended_at, params, imported, updated, ignored, deleted, error FROM runs`

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (Run, error) {
	var (
		run       Run
		startedAt string
		endedAt   sql.NullString
		params    sql.NullString
		errText   sql.NullString
	)

	err := row.Scan(&run.ID, &run.Pipeline, &run.Status, &startedAt, &endedAt, &params,
		&run.Count.Imported, &run.Count.Updated, &run.Count.Ignored, &run.Count.Deleted, &errText)
	if err != nil {
		return Run{}, err
	}

	if run.StartedAt, err = parseTime(startedAt); err != nil {
		return Run{}, err
	}

	if endedAt.Valid {
		t, err := parseTime(endedAt.String)
		if err != nil {
			return Run{}, err
		}
		run.EndedAt = &t
	}

	if params.Valid && params.String != "" && params.String != "null" {
		if err := json.Unmarshal([]byte(params.String), &run.Params); err != nil {
			return Run{}, fmt.Errorf("failed to decode params of run %s: %w", run.ID, err)
		}
	}

	run.Error = errText.String

	return run, nil
}

// timeLayout has a fixed width so that stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid timestamp %q: %w", s, err)
	}

	return t, nil
}
