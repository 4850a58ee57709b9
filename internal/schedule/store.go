package schedule

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

var (
	// ErrJobExists rejects a second job with the same name.
	ErrJobExists = errors.New("schedule: job already exists")
	// ErrJobNotFound means no job with the given name is registered.
	ErrJobNotFound = errors.New("schedule: job not found")
)

// DefaultRecentLimit bounds execution-history queries when the caller
// does not give a limit.
const DefaultRecentLimit = 20

const createSchedulerSchema = `
CREATE TABLE IF NOT EXISTS jobs (
	name TEXT PRIMARY KEY,
	kind TEXT NOT NULL,
	schedule TEXT NOT NULL,
	agent_prompt TEXT NOT NULL,
	notify INTEGER NOT NULL DEFAULT 0,
	paused INTEGER NOT NULL DEFAULT 0,
	created_at TIMESTAMP NOT NULL,
	next_run TIMESTAMP NOT NULL
);
CREATE TABLE IF NOT EXISTS executions (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	job_name TEXT NOT NULL REFERENCES jobs(name),
	executed_at TIMESTAMP NOT NULL,
	status TEXT NOT NULL,
	duration_ms INTEGER NOT NULL,
	result_summary TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_executions_job ON executions (job_name, executed_at);
`

// ExecStatus is the terminal state of one job run.
type ExecStatus string

const (
	ExecCompleted ExecStatus = "completed"
	ExecError     ExecStatus = "error"
)

// Execution records one firing of a job. History outlives the job: a
// fired one-shot keeps its record after the job row is removed.
type Execution struct {
	ID            int64
	JobName       string
	ExecutedAt    time.Time
	Status        ExecStatus
	DurationMS    int64
	ResultSummary string
}

// JobStore persists jobs and execution history in SQLite. A single
// process owns the database; the scheduler serializes writes.
type JobStore struct {
	db *sql.DB
}

// NewJobStore wraps an existing connection without touching the schema.
func NewJobStore(db *sql.DB) *JobStore {
	return &JobStore{db: db}
}

// OpenJobStore opens (creating if needed) the scheduler database at path
// and ensures the schema exists.
func OpenJobStore(ctx context.Context, path string) (*JobStore, error) {
	db, err := sql.Open("sqlite", "file:"+path)
	if err != nil {
		return nil, fmt.Errorf("open scheduler db: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping scheduler db: %w", err)
	}

	s := NewJobStore(db)
	if err := s.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Migrate creates the jobs and executions tables when absent.
func (s *JobStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, createSchedulerSchema); err != nil {
		return fmt.Errorf("migrate scheduler db: %w", err)
	}
	return nil
}

// InsertJob persists a new job.
func (s *JobStore) InsertJob(ctx context.Context, job *Job) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO jobs (name, kind, schedule, agent_prompt, notify, paused, created_at, next_run) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		job.Name, string(job.Kind), job.Schedule, job.AgentPrompt, job.Notify, job.Paused, job.CreatedAt.UTC(), job.NextRun.UTC(),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return ErrJobExists
		}
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

// DeleteJob removes a job row, keeping its execution history.
func (s *JobStore) DeleteJob(ctx context.Context, name string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM jobs WHERE name = ?`, name)
	if err != nil {
		return fmt.Errorf("delete job: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete job: %w", err)
	}
	if affected == 0 {
		return ErrJobNotFound
	}
	return nil
}

// ListJobs returns all persisted jobs ordered by name.
func (s *JobStore) ListJobs(ctx context.Context) ([]*Job, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT name, kind, schedule, agent_prompt, notify, paused, created_at, next_run FROM jobs ORDER BY name`,
	)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		var job Job
		var kind string
		if err := rows.Scan(&job.Name, &kind, &job.Schedule, &job.AgentPrompt, &job.Notify, &job.Paused, &job.CreatedAt, &job.NextRun); err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		job.Kind = Kind(kind)
		jobs = append(jobs, &job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	return jobs, nil
}

// UpdateNextRun persists a job's next firing time.
func (s *JobStore) UpdateNextRun(ctx context.Context, name string, next time.Time) error {
	res, err := s.db.ExecContext(ctx, `UPDATE jobs SET next_run = ? WHERE name = ?`, next.UTC(), name)
	if err != nil {
		return fmt.Errorf("update next run: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update next run: %w", err)
	}
	if affected == 0 {
		return ErrJobNotFound
	}
	return nil
}

// SetPaused flips a job's paused flag.
func (s *JobStore) SetPaused(ctx context.Context, name string, paused bool) error {
	res, err := s.db.ExecContext(ctx, `UPDATE jobs SET paused = ? WHERE name = ?`, paused, name)
	if err != nil {
		return fmt.Errorf("set paused: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("set paused: %w", err)
	}
	if affected == 0 {
		return ErrJobNotFound
	}
	return nil
}

// RecordExecution appends one execution record and fills in its ID.
func (s *JobStore) RecordExecution(ctx context.Context, exec *Execution) error {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO executions (job_name, executed_at, status, duration_ms, result_summary) VALUES (?, ?, ?, ?, ?)`,
		exec.JobName, exec.ExecutedAt.UTC(), string(exec.Status), exec.DurationMS, exec.ResultSummary,
	)
	if err != nil {
		return fmt.Errorf("record execution: %w", err)
	}
	if id, err := res.LastInsertId(); err == nil {
		exec.ID = id
	}
	return nil
}

// RecentExecutions returns up to limit executions for a job, newest
// first.
func (s *JobStore) RecentExecutions(ctx context.Context, name string, limit int) ([]*Execution, error) {
	if limit <= 0 {
		limit = DefaultRecentLimit
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, job_name, executed_at, status, duration_ms, result_summary FROM executions WHERE job_name = ? ORDER BY executed_at DESC, id DESC LIMIT ?`,
		name, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("recent executions: %w", err)
	}
	defer rows.Close()

	var execs []*Execution
	for rows.Next() {
		var exec Execution
		var status string
		if err := rows.Scan(&exec.ID, &exec.JobName, &exec.ExecutedAt, &status, &exec.DurationMS, &exec.ResultSummary); err != nil {
			return nil, fmt.Errorf("scan execution: %w", err)
		}
		exec.Status = ExecStatus(status)
		execs = append(execs, &exec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("recent executions: %w", err)
	}
	return execs, nil
}

// LastExecution returns the most recent execution for a job, or nil when
// the job has never fired.
func (s *JobStore) LastExecution(ctx context.Context, name string) (*Execution, error) {
	execs, err := s.RecentExecutions(ctx, name, 1)
	if err != nil {
		return nil, err
	}
	if len(execs) == 0 {
		return nil, nil
	}
	return execs[0], nil
}

// Close closes the underlying connection.
func (s *JobStore) Close() error {
	return s.db.Close()
}
