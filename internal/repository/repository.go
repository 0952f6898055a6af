package repository

import (
	"context"
	"time"

	"github.com/ZackBotkin/SimQLe/internal/domain"
)

// RunRepository persists runs.
type RunRepository interface {
	CreateRun(ctx context.Context, run *domain.Run) error
	GetRunByID(ctx context.Context, runID string) (*domain.Run, error)
	ListRuns(ctx context.Context, status string, limit, offset int) ([]domain.Run, error)
	UpdateRunStatus(ctx context.Context, runID, status, errMsg string) error
	MarkRunStarted(ctx context.Context, runID string, startedAt time.Time) error
	ListRunsWithStatusUpdatedBefore(ctx context.Context, status string, updatedBefore time.Time) ([]domain.Run, error)
}

// JobRepository persists the matrix jobs of a run.
type JobRepository interface {
	CreateJob(ctx context.Context, job *domain.Job) error
	ListJobsByRun(ctx context.Context, runID string) ([]domain.Job, error)
	UpdateJobStatus(ctx context.Context, jobID, status, errMsg string) error
}

// StepRepository records individual command outcomes.
type StepRepository interface {
	InsertStepResult(ctx context.Context, step *domain.StepResult) error
	ListStepsByJob(ctx context.Context, jobID string) ([]domain.StepResult, error)
}

// LogRepository handles log persistence and retrieval.
type LogRepository interface {
	AppendLog(ctx context.Context, log domain.RunLog) error
	ListLogsByRun(ctx context.Context, runID string, limit, offset int) ([]domain.RunLog, error)
}

// CoverageRepository stores the merged coverage result of a run.
type CoverageRepository interface {
	UpsertCoverage(ctx context.Context, result *domain.CoverageResult) error
	GetCoverageByRun(ctx context.Context, runID string) (*domain.CoverageResult, error)
}
