// Package postgres implements the persistence interfaces on PostgreSQL.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ZackBotkin/SimQLe/internal/domain"
	"github.com/ZackBotkin/SimQLe/internal/repository"
)

// Repository implements the persistence interfaces on PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// New constructs a Repository.
func New(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Connect opens a pgx pool and verifies the connection.
func Connect(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return pool, nil
}

// ensure Repository satisfies interfaces.
var (
	_ repository.RunRepository      = (*Repository)(nil)
	_ repository.JobRepository      = (*Repository)(nil)
	_ repository.StepRepository     = (*Repository)(nil)
	_ repository.LogRepository      = (*Repository)(nil)
	_ repository.CoverageRepository = (*Repository)(nil)
)

// CreateRun inserts a run.
func (r *Repository) CreateRun(ctx context.Context, run *domain.Run) error {
	const query = `INSERT INTO runs (id, repo_url, commit_sha, source, status, error, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $7)`
	_, err := r.pool.Exec(ctx, query,
		run.ID,
		run.RepoURL,
		run.Commit,
		run.Source,
		run.Status,
		emptyToNil(run.Error),
		run.CreatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			switch pgErr.Code {
			case "23505", "23514", "22P02":
				return repository.ErrInvalidArgument
			}
		}
		return err
	}
	return nil
}

// GetRunByID fetches a run by identifier.
func (r *Repository) GetRunByID(ctx context.Context, runID string) (*domain.Run, error) {
	const query = `SELECT id, repo_url, commit_sha, source, status, error, created_at, started_at, finished_at, updated_at
		FROM runs WHERE id = $1`
	row := r.pool.QueryRow(ctx, query, runID)
	run, err := scanRun(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return run, nil
}

// ListRuns returns recent runs, optionally filtered by status.
func (r *Repository) ListRuns(ctx context.Context, status string, limit, offset int) ([]domain.Run, error) {
	if limit <= 0 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}
	const query = `SELECT id, repo_url, commit_sha, source, status, error, created_at, started_at, finished_at, updated_at
		FROM runs
		WHERE ($1 = '' OR status = $1)
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3`
	rows, err := r.pool.Query(ctx, query, strings.TrimSpace(status), limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	runs := make([]domain.Run, 0)
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *run)
	}
	return runs, rows.Err()
}

// UpdateRunStatus moves a run to a new status. Terminal states also stamp
// finished_at.
func (r *Repository) UpdateRunStatus(ctx context.Context, runID, status, errMsg string) error {
	const query = `UPDATE runs
		SET status = $2,
			error = COALESCE($3, error),
			finished_at = CASE WHEN $4 THEN NOW() ELSE finished_at END,
			updated_at = NOW()
		WHERE id = $1`
	cmdTag, err := r.pool.Exec(ctx, query, runID, status, emptyToNil(errMsg), domain.Terminal(status))
	if err != nil {
		return err
	}
	if cmdTag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// MarkRunStarted stamps the moment a worker picked the run up.
func (r *Repository) MarkRunStarted(ctx context.Context, runID string, startedAt time.Time) error {
	const query = `UPDATE runs SET status = $2, started_at = $3, updated_at = NOW() WHERE id = $1`
	cmdTag, err := r.pool.Exec(ctx, query, runID, domain.StatusRunning, startedAt)
	if err != nil {
		return err
	}
	if cmdTag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// ListRunsWithStatusUpdatedBefore finds runs in a status whose last update
// predates the cutoff. Used to reap runs orphaned by a dead worker.
func (r *Repository) ListRunsWithStatusUpdatedBefore(ctx context.Context, status string, updatedBefore time.Time) ([]domain.Run, error) {
	const query = `SELECT id, repo_url, commit_sha, source, status, error, created_at, started_at, finished_at, updated_at
		FROM runs WHERE status = $1 AND updated_at < $2`
	rows, err := r.pool.Query(ctx, query, status, updatedBefore)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	runs := make([]domain.Run, 0)
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *run)
	}
	return runs, rows.Err()
}

// CreateJob inserts a matrix job.
func (r *Repository) CreateJob(ctx context.Context, job *domain.Job) error {
	const query = `INSERT INTO jobs (id, run_id, language, version, status, error)
		VALUES ($1, $2, $3, $4, $5, $6)`
	_, err := r.pool.Exec(ctx, query, job.ID, job.RunID, job.Language, job.Version, job.Status, emptyToNil(job.Error))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			switch pgErr.Code {
			case "23503":
				return repository.ErrNotFound
			case "23505", "23514", "22P02":
				return repository.ErrInvalidArgument
			}
		}
		return err
	}
	return nil
}

// ListJobsByRun returns the jobs of a run in creation order.
func (r *Repository) ListJobsByRun(ctx context.Context, runID string) ([]domain.Job, error) {
	const query = `SELECT id, run_id, language, version, status, error, started_at, finished_at
		FROM jobs WHERE run_id = $1 ORDER BY version ASC, id ASC`
	rows, err := r.pool.Query(ctx, query, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	jobs := make([]domain.Job, 0)
	for rows.Next() {
		var (
			job        domain.Job
			errMsg     sql.NullString
			startedAt  sql.NullTime
			finishedAt sql.NullTime
		)
		if err := rows.Scan(&job.ID, &job.RunID, &job.Language, &job.Version, &job.Status, &errMsg, &startedAt, &finishedAt); err != nil {
			return nil, err
		}
		if errMsg.Valid {
			job.Error = errMsg.String
		}
		if startedAt.Valid {
			value := startedAt.Time.UTC()
			job.StartedAt = &value
		}
		if finishedAt.Valid {
			value := finishedAt.Time.UTC()
			job.FinishedAt = &value
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// UpdateJobStatus moves a job to a new status, stamping started_at on the
// running transition and finished_at on terminal ones.
func (r *Repository) UpdateJobStatus(ctx context.Context, jobID, status, errMsg string) error {
	const query = `UPDATE jobs
		SET status = $2,
			error = COALESCE($3, error),
			started_at = CASE WHEN $2 = 'running' AND started_at IS NULL THEN NOW() ELSE started_at END,
			finished_at = CASE WHEN $4 THEN NOW() ELSE finished_at END
		WHERE id = $1`
	cmdTag, err := r.pool.Exec(ctx, query, jobID, status, emptyToNil(errMsg), domain.Terminal(status))
	if err != nil {
		return err
	}
	if cmdTag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// InsertStepResult records one command outcome.
func (r *Repository) InsertStepResult(ctx context.Context, step *domain.StepResult) error {
	const query = `INSERT INTO step_results (job_id, phase, index_in_phase, command, status, exit_code, duration_ms, started_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8) RETURNING id`
	if err := r.pool.QueryRow(ctx, query,
		step.JobID,
		step.Phase,
		step.Index,
		step.Command,
		step.Status,
		step.ExitCode,
		step.DurationMS,
		step.StartedAt,
	).Scan(&step.ID); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			switch pgErr.Code {
			case "23503":
				return repository.ErrNotFound
			case "23514", "22P02":
				return repository.ErrInvalidArgument
			}
		}
		return err
	}
	return nil
}

// ListStepsByJob returns the step results of a job in execution order.
func (r *Repository) ListStepsByJob(ctx context.Context, jobID string) ([]domain.StepResult, error) {
	const query = `SELECT id, job_id, phase, index_in_phase, command, status, exit_code, duration_ms, started_at
		FROM step_results WHERE job_id = $1 ORDER BY id ASC`
	rows, err := r.pool.Query(ctx, query, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	steps := make([]domain.StepResult, 0)
	for rows.Next() {
		var s domain.StepResult
		if err := rows.Scan(&s.ID, &s.JobID, &s.Phase, &s.Index, &s.Command, &s.Status, &s.ExitCode, &s.DurationMS, &s.StartedAt); err != nil {
			return nil, err
		}
		steps = append(steps, s)
	}
	return steps, rows.Err()
}

// AppendLog persists a log line.
func (r *Repository) AppendLog(ctx context.Context, log domain.RunLog) error {
	const query = `INSERT INTO run_logs (run_id, job_id, phase, line, created_at)
		VALUES ($1, $2, $3, $4, $5)`
	_, err := r.pool.Exec(ctx, query, log.RunID, emptyToNil(log.JobID), emptyToNil(log.Phase), log.Line, log.CreatedAt)
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "22P02":
			return repository.ErrInvalidArgument
		case "23503":
			return repository.ErrNotFound
		}
	}
	return err
}

// ListLogsByRun fetches log lines for a run in append order.
func (r *Repository) ListLogsByRun(ctx context.Context, runID string, limit, offset int) ([]domain.RunLog, error) {
	if limit <= 0 {
		limit = 500
	}
	if offset < 0 {
		offset = 0
	}
	const query = `SELECT id, run_id, job_id, phase, line, created_at
		FROM run_logs WHERE run_id = $1 ORDER BY id ASC LIMIT $2 OFFSET $3`
	rows, err := r.pool.Query(ctx, query, runID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	logs := make([]domain.RunLog, 0)
	for rows.Next() {
		var (
			l     domain.RunLog
			jobID sql.NullString
			phase sql.NullString
		)
		if err := rows.Scan(&l.ID, &l.RunID, &jobID, &phase, &l.Line, &l.CreatedAt); err != nil {
			return nil, err
		}
		if jobID.Valid {
			l.JobID = jobID.String
		}
		if phase.Valid {
			l.Phase = phase.String
		}
		logs = append(logs, l)
	}
	return logs, rows.Err()
}

// UpsertCoverage stores the merged coverage numbers for a run.
func (r *Repository) UpsertCoverage(ctx context.Context, result *domain.CoverageResult) error {
	const query = `INSERT INTO coverage_results (run_id, mode, total_statements, covered_statements, percent, profile, uploaded, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())
		ON CONFLICT (run_id) DO UPDATE SET
			mode = EXCLUDED.mode,
			total_statements = EXCLUDED.total_statements,
			covered_statements = EXCLUDED.covered_statements,
			percent = EXCLUDED.percent,
			profile = EXCLUDED.profile,
			uploaded = EXCLUDED.uploaded`
	_, err := r.pool.Exec(ctx, query,
		result.RunID,
		result.Mode,
		result.TotalStatements,
		result.CoveredStatements,
		result.Percent,
		bytesToNil(result.Profile),
		result.Uploaded,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23503" {
			return repository.ErrNotFound
		}
		return err
	}
	return nil
}

// GetCoverageByRun fetches the coverage result of a run.
func (r *Repository) GetCoverageByRun(ctx context.Context, runID string) (*domain.CoverageResult, error) {
	const query = `SELECT run_id, mode, total_statements, covered_statements, percent, profile, uploaded, created_at
		FROM coverage_results WHERE run_id = $1`
	row := r.pool.QueryRow(ctx, query, runID)
	var (
		result  domain.CoverageResult
		profile []byte
	)
	if err := row.Scan(
		&result.RunID,
		&result.Mode,
		&result.TotalStatements,
		&result.CoveredStatements,
		&result.Percent,
		&profile,
		&result.Uploaded,
		&result.CreatedAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	if len(profile) > 0 {
		result.Profile = append([]byte(nil), profile...)
	}
	return &result, nil
}

func scanRun(row pgx.Row) (*domain.Run, error) {
	var (
		run        domain.Run
		errMsg     sql.NullString
		startedAt  sql.NullTime
		finishedAt sql.NullTime
	)
	if err := row.Scan(
		&run.ID,
		&run.RepoURL,
		&run.Commit,
		&run.Source,
		&run.Status,
		&errMsg,
		&run.CreatedAt,
		&startedAt,
		&finishedAt,
		&run.UpdatedAt,
	); err != nil {
		return nil, err
	}
	if errMsg.Valid {
		run.Error = errMsg.String
	}
	if startedAt.Valid {
		value := startedAt.Time.UTC()
		run.StartedAt = &value
	}
	if finishedAt.Valid {
		value := finishedAt.Time.UTC()
		run.FinishedAt = &value
	}
	return &run, nil
}

func emptyToNil(value string) any {
	if strings.TrimSpace(value) == "" {
		return nil
	}
	return value
}

func bytesToNil(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return b
}
