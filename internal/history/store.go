// Package history keeps every run and its step outcomes in SQLite.
package history

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

	"cigate/internal/core"
	"cigate/internal/trigger"
)

// ErrNotFound is returned when a run ID is unknown.
var ErrNotFound = errors.New("run not found")

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id TEXT NOT NULL UNIQUE,
	pipeline TEXT NOT NULL,
	event_json TEXT NOT NULL,
	status TEXT NOT NULL,
	failed_step INTEGER NOT NULL DEFAULT 0,
	error TEXT NOT NULL DEFAULT '',
	started_at TEXT NOT NULL DEFAULT '',
	finished_at TEXT NOT NULL DEFAULT '',
	updated_at TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS steps (
	run_id TEXT NOT NULL REFERENCES runs(run_id) ON DELETE CASCADE,
	idx INTEGER NOT NULL,
	name TEXT NOT NULL,
	status TEXT NOT NULL,
	exit_code INTEGER NOT NULL DEFAULT 0,
	duration_ms INTEGER NOT NULL DEFAULT 0,
	log_path TEXT NOT NULL DEFAULT '',
	log_hash TEXT NOT NULL DEFAULT '',
	error TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (run_id, idx)
);`

// Store is a SQLite-backed run history. It implements core.Recorder.
type Store struct {
	db *sql.DB
}

// Open opens or creates the database at path.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create history directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open history db: %w", err)
	}
	for _, pragma := range []string{
		`PRAGMA journal_mode = WAL`,
		`PRAGMA busy_timeout = 5000`,
		`PRAGMA foreign_keys = ON`,
	} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("configure history db (%s): %w", pragma, err)
		}
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize history schema: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// RecordRun upserts the run and all of its steps in one transaction.
func (s *Store) RecordRun(ctx context.Context, report *core.Report) error {
	eventJSON, err := json.Marshal(report.Event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin history transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO runs (run_id, pipeline, event_json, status, failed_step, error, started_at, finished_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(run_id) DO UPDATE SET
		 status = excluded.status,
		 failed_step = excluded.failed_step,
		 error = excluded.error,
		 started_at = excluded.started_at,
		 finished_at = excluded.finished_at,
		 updated_at = excluded.updated_at`,
		report.RunID,
		report.Pipeline,
		string(eventJSON),
		string(report.Status),
		report.FailedStep,
		report.Error,
		formatTime(report.StartedAt),
		formatTime(report.FinishedAt),
		time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("save run %s: %w", report.RunID, err)
	}

	for _, step := range report.Steps {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO steps (run_id, idx, name, status, exit_code, duration_ms, log_path, log_hash, error)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT(run_id, idx) DO UPDATE SET
			 name = excluded.name,
			 status = excluded.status,
			 exit_code = excluded.exit_code,
			 duration_ms = excluded.duration_ms,
			 log_path = excluded.log_path,
			 log_hash = excluded.log_hash,
			 error = excluded.error`,
			report.RunID,
			step.Index,
			step.Name,
			string(step.Status),
			step.ExitCode,
			step.Duration.Milliseconds(),
			step.LogPath,
			step.LogHash,
			step.Error,
		)
		if err != nil {
			return fmt.Errorf("save step %d of run %s: %w", step.Index, report.RunID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit run %s: %w", report.RunID, err)
	}
	return nil
}

// Get loads one run with its steps.
func (s *Store) Get(ctx context.Context, runID string) (*core.Report, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT run_id, pipeline, event_json, status, failed_step, error, started_at, finished_at
		 FROM runs WHERE run_id = ?`, runID)
	report, err := scanRun(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query run %s: %w", runID, err)
	}
	if err := s.loadSteps(ctx, report); err != nil {
		return nil, err
	}
	return report, nil
}

// List returns the most recent runs first. limit <= 0 means no limit.
func (s *Store) List(ctx context.Context, limit int) ([]*core.Report, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id, pipeline, event_json, status, failed_step, error, started_at, finished_at
		 FROM runs ORDER BY seq DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	out := make([]*core.Report, 0)
	for rows.Next() {
		report, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run row: %w", err)
		}
		out = append(out, report)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate run rows: %w", err)
	}
	rows.Close()

	for _, report := range out {
		if err := s.loadSteps(ctx, report); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (s *Store) loadSteps(ctx context.Context, report *core.Report) error {
	rows, err := s.db.QueryContext(ctx,
		`SELECT idx, name, status, exit_code, duration_ms, log_path, log_hash, error
		 FROM steps WHERE run_id = ? ORDER BY idx`, report.RunID)
	if err != nil {
		return fmt.Errorf("query steps of run %s: %w", report.RunID, err)
	}
	defer rows.Close()

	report.Steps = make([]core.StepReport, 0)
	for rows.Next() {
		var step core.StepReport
		var status string
		var durationMS int64
		if err := rows.Scan(&step.Index, &step.Name, &status, &step.ExitCode, &durationMS, &step.LogPath, &step.LogHash, &step.Error); err != nil {
			return fmt.Errorf("scan step row: %w", err)
		}
		step.Status = core.Status(status)
		step.Duration = time.Duration(durationMS) * time.Millisecond
		report.Steps = append(report.Steps, step)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate step rows: %w", err)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (*core.Report, error) {
	var (
		report              core.Report
		eventJSON, status   string
		startedAt, finished string
	)
	if err := row.Scan(&report.RunID, &report.Pipeline, &eventJSON, &status, &report.FailedStep, &report.Error, &startedAt, &finished); err != nil {
		return nil, err
	}
	var event trigger.Event
	if err := json.Unmarshal([]byte(eventJSON), &event); err != nil {
		return nil, fmt.Errorf("unmarshal event of run %s: %w", report.RunID, err)
	}
	report.Event = event
	report.Status = core.Status(status)
	report.StartedAt = parseTime(startedAt)
	report.FinishedAt = parseTime(finished)
	return &report, nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
