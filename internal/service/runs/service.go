// Package runs coordinates run intake: validation, persistence and queueing.
package runs

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"log/slog"

	"github.com/google/uuid"

	"github.com/ZackBotkin/SimQLe/internal/domain"
	"github.com/ZackBotkin/SimQLe/internal/pipeline"
	"github.com/ZackBotkin/SimQLe/internal/queue"
	"github.com/ZackBotkin/SimQLe/internal/repository"
	"github.com/ZackBotkin/SimQLe/internal/ws"
)

// ErrNotCancelable is returned when a run is already past the point of
// cancellation.
var ErrNotCancelable = errors.New("run is not pending")

// Service handles run intake and retrieval.
type Service struct {
	runs     repository.RunRepository
	jobs     repository.JobRepository
	steps    repository.StepRepository
	logs     repository.LogRepository
	coverage repository.CoverageRepository
	queue    queue.Queue
	hub      *ws.Hub
	logger   *slog.Logger
}

// New constructs a runs service.
func New(runs repository.RunRepository, jobs repository.JobRepository, steps repository.StepRepository, logs repository.LogRepository, coverage repository.CoverageRepository, q queue.Queue, hub *ws.Hub, logger *slog.Logger) Service {
	if logger == nil {
		logger = slog.Default()
	}
	return Service{
		runs:     runs,
		jobs:     jobs,
		steps:    steps,
		logs:     logs,
		coverage: coverage,
		queue:    q,
		hub:      hub,
		logger:   logger,
	}
}

// Trigger validates the request, persists a pending run and enqueues it.
// A non-empty descriptor is parsed up front so a malformed one is rejected
// at the API instead of burning a worker.
func (s Service) Trigger(ctx context.Context, repoURL, commit, source string, descriptor []byte) (*domain.Run, error) {
	repoURL = strings.TrimSpace(repoURL)
	if repoURL == "" {
		return nil, errors.New("repo_url is required")
	}
	if source == "" {
		source = "api"
	}
	if len(descriptor) > 0 {
		d, err := pipeline.Parse(descriptor)
		if err != nil {
			return nil, fmt.Errorf("descriptor: %w", err)
		}
		if err := d.Validate(); err != nil {
			return nil, fmt.Errorf("descriptor: %w", err)
		}
	}

	run := &domain.Run{
		ID:        uuid.NewString(),
		RepoURL:   repoURL,
		Commit:    strings.TrimSpace(commit),
		Source:    source,
		Status:    domain.StatusPending,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.runs.CreateRun(ctx, run); err != nil {
		return nil, fmt.Errorf("create run: %w", err)
	}

	req := domain.RunRequest{
		RunID:      run.ID,
		RepoURL:    run.RepoURL,
		Commit:     run.Commit,
		Source:     run.Source,
		Descriptor: descriptor,
	}
	if err := s.queue.Push(ctx, req); err != nil {
		if updateErr := s.runs.UpdateRunStatus(ctx, run.ID, domain.StatusErrored, "failed to enqueue"); updateErr != nil {
			s.logger.Error("failed to mark unqueued run errored", "run_id", run.ID, "error", updateErr)
		}
		return nil, fmt.Errorf("enqueue run: %w", err)
	}
	s.logger.Info("run queued", "run_id", run.ID, "repo_url", run.RepoURL, "source", source)
	return run, nil
}

// Get returns a run by ID.
func (s Service) Get(ctx context.Context, runID string) (*domain.Run, error) {
	return s.runs.GetRunByID(ctx, runID)
}

// List returns recent runs, optionally filtered by status.
func (s Service) List(ctx context.Context, status string, limit, offset int) ([]domain.Run, error) {
	return s.runs.ListRuns(ctx, status, limit, offset)
}

// JobDetail couples a job with its recorded step results.
type JobDetail struct {
	domain.Job
	Steps []domain.StepResult `json:"steps"`
}

// Jobs returns the matrix jobs of a run with their steps.
func (s Service) Jobs(ctx context.Context, runID string) ([]JobDetail, error) {
	if _, err := s.runs.GetRunByID(ctx, runID); err != nil {
		return nil, err
	}
	jobs, err := s.jobs.ListJobsByRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	details := make([]JobDetail, 0, len(jobs))
	for _, job := range jobs {
		steps, err := s.steps.ListStepsByJob(ctx, job.ID)
		if err != nil {
			return nil, err
		}
		details = append(details, JobDetail{Job: job, Steps: steps})
	}
	return details, nil
}

// Logs returns persisted log lines of a run.
func (s Service) Logs(ctx context.Context, runID string, limit, offset int) ([]domain.RunLog, error) {
	if _, err := s.runs.GetRunByID(ctx, runID); err != nil {
		return nil, err
	}
	return s.logs.ListLogsByRun(ctx, runID, limit, offset)
}

// Coverage returns the merged coverage result of a run.
func (s Service) Coverage(ctx context.Context, runID string) (*domain.CoverageResult, error) {
	return s.coverage.GetCoverageByRun(ctx, runID)
}

// Cancel marks a pending run canceled. Running jobs are not interrupted;
// a worker that pops a canceled run skips it.
func (s Service) Cancel(ctx context.Context, runID string) error {
	run, err := s.runs.GetRunByID(ctx, runID)
	if err != nil {
		return err
	}
	if run.Status != domain.StatusPending {
		return ErrNotCancelable
	}
	return s.runs.UpdateRunStatus(ctx, runID, domain.StatusCanceled, "")
}

// Hub exposes the live log stream hub.
func (s Service) Hub() *ws.Hub {
	return s.hub
}

// Health reports whether the backing store answers.
func (s Service) Health(ctx context.Context) error {
	_, err := s.runs.ListRuns(ctx, "", 1, 0)
	return err
}
