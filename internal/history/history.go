// Package history persists the outcome of correction jobs in sqlite.
package history

import (
	"context"
	"database/sql"
	"errors"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/andreiashu/sepcorr"
)

// Job statuses.
const (
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
)

// ErrNotFound is returned by Get for an unknown job id.
var ErrNotFound = errors.New("history: job not found")

// Entry is one finished job.
type Entry struct {
	JobID        string    `json:"job_id"`
	Input        string    `json:"input"`
	Reference    string    `json:"reference"`
	Output       string    `json:"output"`
	Status       string    `json:"status"`
	Error        string    `json:"error,omitempty"`
	TotalLines   int64     `json:"total_lines"`
	Filtered     int64     `json:"filtered"`
	Processed    int64     `json:"processed"`
	Exact        int64     `json:"exact"`
	Interpolated int64     `json:"interpolated"`
	Unresolved   int64     `json:"unresolved"`
	Warnings     int64     `json:"warnings"`
	StartedAt    time.Time `json:"started_at"`
	FinishedAt   time.Time `json:"finished_at"`
}

// FromSummary builds the entry for a job that returned sum and err.
func FromSummary(jobID string, sum sepcorr.Summary, err error, started time.Time) Entry {
	e := Entry{
		JobID:        jobID,
		Input:        sum.Input,
		Reference:    sum.Reference,
		Output:       sum.Output,
		Status:       StatusCompleted,
		TotalLines:   sum.TotalLines,
		Filtered:     sum.Filtered,
		Processed:    sum.Processed,
		Exact:        sum.Exact,
		Interpolated: sum.Interpolated,
		Unresolved:   sum.Unresolved,
		Warnings:     sum.Warnings,
		StartedAt:    started.UTC(),
		FinishedAt:   started.Add(sum.Elapsed).UTC(),
	}
	switch {
	case sepcorr.IsCancelled(err):
		e.Status = StatusCancelled
	case err != nil:
		e.Status = StatusFailed
		e.Error = err.Error()
	}
	return e
}

// Store is a job history database.
type Store struct {
	db *sql.DB
}

// Open opens or creates the history database at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}

	schema := `
	CREATE TABLE IF NOT EXISTS jobs (
		seq          INTEGER PRIMARY KEY AUTOINCREMENT,
		job_id       TEXT NOT NULL UNIQUE,
		input        TEXT NOT NULL,
		reference    TEXT NOT NULL,
		output       TEXT NOT NULL DEFAULT '',
		status       TEXT NOT NULL,
		error        TEXT DEFAULT '',
		total_lines  INTEGER NOT NULL DEFAULT 0,
		filtered     INTEGER NOT NULL DEFAULT 0,
		processed    INTEGER NOT NULL DEFAULT 0,
		exact        INTEGER NOT NULL DEFAULT 0,
		interpolated INTEGER NOT NULL DEFAULT 0,
		unresolved   INTEGER NOT NULL DEFAULT 0,
		warnings     INTEGER NOT NULL DEFAULT 0,
		started_at   DATETIME NOT NULL,
		finished_at  DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_jobs_finished_at ON jobs(finished_at);
	`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

// Record stores e, replacing an earlier entry with the same job id.
func (s *Store) Record(ctx context.Context, e Entry) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO jobs (job_id, input, reference, output, status, error,
			total_lines, filtered, processed, exact, interpolated, unresolved, warnings,
			started_at, finished_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.JobID, e.Input, e.Reference, e.Output, e.Status, e.Error,
		e.TotalLines, e.Filtered, e.Processed, e.Exact, e.Interpolated, e.Unresolved, e.Warnings,
		e.StartedAt.UTC(), e.FinishedAt.UTC(),
	)
	return err
}

const selectColumns = `job_id, input, reference, output, status, error,
	total_lines, filtered, processed, exact, interpolated, unresolved, warnings,
	started_at, finished_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(row scanner) (Entry, error) {
	var e Entry
	var errText sql.NullString
	err := row.Scan(&e.JobID, &e.Input, &e.Reference, &e.Output, &e.Status, &errText,
		&e.TotalLines, &e.Filtered, &e.Processed, &e.Exact, &e.Interpolated, &e.Unresolved, &e.Warnings,
		&e.StartedAt, &e.FinishedAt)
	e.Error = errText.String
	return e, err
}

// Recent returns up to limit entries, most recently finished first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+selectColumns+` FROM jobs ORDER BY finished_at DESC, seq DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Get returns the entry for jobID, or ErrNotFound.
func (s *Store) Get(ctx context.Context, jobID string) (Entry, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+selectColumns+` FROM jobs WHERE job_id = ?`, jobID)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, ErrNotFound
	}
	return e, err
}
