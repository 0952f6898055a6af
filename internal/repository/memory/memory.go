// Package memory implements the persistence interfaces in process memory.
// It backs local one-shot runs and tests, where a database would be overkill.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ZackBotkin/SimQLe/internal/domain"
	"github.com/ZackBotkin/SimQLe/internal/repository"
)

// Repository stores everything in maps guarded by one mutex.
type Repository struct {
	mu       sync.Mutex
	runs     map[string]*domain.Run
	jobs     map[string]*domain.Job
	jobOrder []string
	steps    []domain.StepResult
	logs     []domain.RunLog
	coverage map[string]*domain.CoverageResult
	nextID   int64
}

// New constructs an empty Repository.
func New() *Repository {
	return &Repository{
		runs:     make(map[string]*domain.Run),
		jobs:     make(map[string]*domain.Job),
		coverage: make(map[string]*domain.CoverageResult),
	}
}

var (
	_ repository.RunRepository      = (*Repository)(nil)
	_ repository.JobRepository      = (*Repository)(nil)
	_ repository.StepRepository     = (*Repository)(nil)
	_ repository.LogRepository      = (*Repository)(nil)
	_ repository.CoverageRepository = (*Repository)(nil)
)

func (r *Repository) CreateRun(ctx context.Context, run *domain.Run) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	copied := *run
	r.runs[run.ID] = &copied
	return nil
}

func (r *Repository) GetRunByID(ctx context.Context, runID string) (*domain.Run, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	run, ok := r.runs[runID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	copied := *run
	return &copied, nil
}

func (r *Repository) ListRuns(ctx context.Context, status string, limit, offset int) ([]domain.Run, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if limit <= 0 {
		limit = 20
	}
	out := make([]domain.Run, 0)
	for _, run := range r.runs {
		if status == "" || run.Status == status {
			out = append(out, *run)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if offset >= len(out) {
		return []domain.Run{}, nil
	}
	out = out[offset:]
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *Repository) UpdateRunStatus(ctx context.Context, runID, status, errMsg string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	run, ok := r.runs[runID]
	if !ok {
		return repository.ErrNotFound
	}
	run.Status = status
	if errMsg != "" {
		run.Error = errMsg
	}
	now := time.Now().UTC()
	run.UpdatedAt = now
	if domain.Terminal(status) && run.FinishedAt == nil {
		run.FinishedAt = &now
	}
	return nil
}

func (r *Repository) MarkRunStarted(ctx context.Context, runID string, startedAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	run, ok := r.runs[runID]
	if !ok {
		return repository.ErrNotFound
	}
	run.Status = domain.StatusRunning
	run.StartedAt = &startedAt
	run.UpdatedAt = time.Now().UTC()
	return nil
}

func (r *Repository) ListRunsWithStatusUpdatedBefore(ctx context.Context, status string, updatedBefore time.Time) ([]domain.Run, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.Run, 0)
	for _, run := range r.runs {
		if run.Status == status && run.UpdatedAt.Before(updatedBefore) {
			out = append(out, *run)
		}
	}
	return out, nil
}

func (r *Repository) CreateJob(ctx context.Context, job *domain.Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	copied := *job
	r.jobs[job.ID] = &copied
	r.jobOrder = append(r.jobOrder, job.ID)
	return nil
}

func (r *Repository) ListJobsByRun(ctx context.Context, runID string) ([]domain.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.Job, 0)
	for _, id := range r.jobOrder {
		if job := r.jobs[id]; job != nil && job.RunID == runID {
			out = append(out, *job)
		}
	}
	return out, nil
}

func (r *Repository) UpdateJobStatus(ctx context.Context, jobID, status, errMsg string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[jobID]
	if !ok {
		return repository.ErrNotFound
	}
	now := time.Now().UTC()
	if status == domain.StatusRunning && job.StartedAt == nil {
		job.StartedAt = &now
	}
	if domain.Terminal(status) && job.FinishedAt == nil {
		job.FinishedAt = &now
	}
	job.Status = status
	if errMsg != "" {
		job.Error = errMsg
	}
	return nil
}

func (r *Repository) InsertStepResult(ctx context.Context, step *domain.StepResult) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	step.ID = r.nextID
	r.steps = append(r.steps, *step)
	return nil
}

func (r *Repository) ListStepsByJob(ctx context.Context, jobID string) ([]domain.StepResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.StepResult, 0)
	for _, step := range r.steps {
		if step.JobID == jobID {
			out = append(out, step)
		}
	}
	return out, nil
}

func (r *Repository) AppendLog(ctx context.Context, log domain.RunLog) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	log.ID = r.nextID
	r.logs = append(r.logs, log)
	return nil
}

func (r *Repository) ListLogsByRun(ctx context.Context, runID string, limit, offset int) ([]domain.RunLog, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if limit <= 0 {
		limit = 500
	}
	out := make([]domain.RunLog, 0)
	for _, l := range r.logs {
		if l.RunID == runID {
			out = append(out, l)
		}
	}
	if offset >= len(out) {
		return []domain.RunLog{}, nil
	}
	out = out[offset:]
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *Repository) UpsertCoverage(ctx context.Context, result *domain.CoverageResult) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	copied := *result
	r.coverage[result.RunID] = &copied
	return nil
}

func (r *Repository) GetCoverageByRun(ctx context.Context, runID string) (*domain.CoverageResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	result, ok := r.coverage[runID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	copied := *result
	return &copied, nil
}
