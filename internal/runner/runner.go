// Package runner executes pipeline runs end to end: checkout, service
// provisioning, phase execution across the version matrix, coverage merging
// and result persistence.
package runner

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/ZackBotkin/SimQLe/internal/coverage"
	"github.com/ZackBotkin/SimQLe/internal/domain"
	"github.com/ZackBotkin/SimQLe/internal/pipeline"
	"github.com/ZackBotkin/SimQLe/internal/provision"
	"github.com/ZackBotkin/SimQLe/internal/repository"
	"github.com/ZackBotkin/SimQLe/internal/shell"
	"github.com/ZackBotkin/SimQLe/internal/upload"
	"github.com/ZackBotkin/SimQLe/internal/workspace"
	"github.com/ZackBotkin/SimQLe/pkg/config"
)

// Executor runs one shell step and streams its output lines.
type Executor interface {
	Run(ctx context.Context, step shell.Step, sink shell.LineSink) (shell.Result, error)
}

// CloneFunc checks a repository out into dest.
type CloneFunc func(ctx context.Context, repoURL, commit, dest string) error

// Broadcaster fans a log line out to live subscribers.
type Broadcaster interface {
	Broadcast(runID string, payload []byte)
}

// ReportSender ships a merged coverage report to an external collector.
type ReportSender interface {
	Send(ctx context.Context, url, tokenEnv string, payload upload.Payload) error
}

// Store bundles the persistence interfaces the runner writes through.
type Store struct {
	Runs     repository.RunRepository
	Jobs     repository.JobRepository
	Steps    repository.StepRepository
	Logs     repository.LogRepository
	Coverage repository.CoverageRepository
}

// Runner executes queued runs.
type Runner struct {
	store       Store
	exec        Executor
	provisioner provision.Provisioner
	workspace   *workspace.Manager
	clone       CloneFunc
	uploader    ReportSender
	hub         Broadcaster
	cfg         config.RunnerConfig
	logger      *slog.Logger
}

// New constructs a Runner.
func New(store Store, exec Executor, provisioner provision.Provisioner, ws *workspace.Manager, clone CloneFunc, uploader ReportSender, hub Broadcaster, cfg config.RunnerConfig, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		store:       store,
		exec:        exec,
		provisioner: provisioner,
		workspace:   ws,
		clone:       clone,
		uploader:    uploader,
		hub:         hub,
		cfg:         cfg,
		logger:      logger,
	}
}

// Execute carries one queued run to a terminal state. The returned status is
// the run's final state; the error reports infrastructure trouble, not a
// failing build.
func (r *Runner) Execute(ctx context.Context, req domain.RunRequest) (string, error) {
	log := r.logger.With("run_id", req.RunID)
	start := time.Now()

	if run, err := r.store.Runs.GetRunByID(ctx, req.RunID); err == nil && run.Status == domain.StatusCanceled {
		log.Info("skipping canceled run")
		return domain.StatusCanceled, nil
	}

	if err := r.store.Runs.MarkRunStarted(ctx, req.RunID, start.UTC()); err != nil {
		return "", fmt.Errorf("mark run started: %w", err)
	}

	status, runErr := r.execute(ctx, req, log)
	if updateErr := r.store.Runs.UpdateRunStatus(ctx, req.RunID, status, errorMessage(runErr)); updateErr != nil {
		log.Error("failed to persist run status", "status", status, "error", updateErr)
	}
	recordRun(status, time.Since(start))
	log.Info("run finished", "status", status, "duration", time.Since(start).Round(time.Millisecond))
	return status, runErr
}

func (r *Runner) execute(ctx context.Context, req domain.RunRequest, log *slog.Logger) (string, error) {
	dir, err := r.workspace.Prepare(req.RunID)
	if err != nil {
		return domain.StatusErrored, fmt.Errorf("prepare workspace: %w", err)
	}
	defer func() {
		if err := r.workspace.Cleanup(dir); err != nil {
			log.Warn("workspace cleanup failed", "dir", dir, "error", err)
		}
	}()

	r.logLine(ctx, req.RunID, "", domain.PhaseProvision, "cloning "+req.RepoURL)
	cloneCtx, cancel := context.WithTimeout(ctx, r.cfg.GitTimeout)
	err = r.clone(cloneCtx, req.RepoURL, req.Commit, dir)
	cancel()
	if err != nil {
		r.logLine(ctx, req.RunID, "", domain.PhaseProvision, "clone failed: "+err.Error())
		return domain.StatusErrored, fmt.Errorf("clone: %w", err)
	}

	descriptor, err := r.loadDescriptor(req, dir)
	if err != nil {
		r.logLine(ctx, req.RunID, "", domain.PhaseProvision, err.Error())
		return domain.StatusErrored, err
	}

	runCtx := ctx
	if timeout := r.runTimeout(descriptor); timeout > 0 {
		var cancelRun context.CancelFunc
		runCtx, cancelRun = context.WithTimeout(ctx, timeout)
		defer cancelRun()
	}

	env := &provision.Environment{}
	if len(descriptor.Services) > 0 {
		r.logLine(runCtx, req.RunID, "", domain.PhaseProvision, fmt.Sprintf("provisioning services %v", descriptor.Services))
		env, err = r.provisioner.Provision(runCtx, req.RunID, descriptor.Services, descriptor.Databases)
		if err != nil {
			r.logLine(ctx, req.RunID, "", domain.PhaseProvision, "provisioning failed: "+err.Error())
			return domain.StatusErrored, fmt.Errorf("provision: %w", err)
		}
		defer r.provisioner.Teardown(context.WithoutCancel(runCtx), env)
	}

	acc := coverage.NewAccumulator()
	statuses := make([]string, 0, len(descriptor.Versions))
	for _, entry := range descriptor.Matrix() {
		job := &domain.Job{
			ID:       uuid.NewString(),
			RunID:    req.RunID,
			Language: entry.Language,
			Version:  entry.Version,
			Status:   domain.StatusPending,
		}
		if err := r.store.Jobs.CreateJob(runCtx, job); err != nil {
			return domain.StatusErrored, fmt.Errorf("create job: %w", err)
		}
		status := r.runJob(runCtx, job, descriptor, env, dir, acc)
		statuses = append(statuses, status)
	}

	status := domain.WorstStatus(statuses...)
	if ctxErr := runCtx.Err(); ctxErr != nil && status != domain.StatusPassed {
		r.logLine(ctx, req.RunID, "", domain.PhaseScript, "run timed out")
	}

	if err := r.finishCoverage(ctx, req, descriptor, acc, status); err != nil {
		log.Warn("coverage handling failed", "error", err)
	}
	return status, nil
}

func (r *Runner) loadDescriptor(req domain.RunRequest, dir string) (*pipeline.Descriptor, error) {
	var (
		d   *pipeline.Descriptor
		err error
	)
	if len(req.Descriptor) > 0 {
		d, err = pipeline.Parse(req.Descriptor)
	} else {
		d, err = pipeline.Load(dir)
	}
	if err != nil {
		return nil, fmt.Errorf("load descriptor: %w", err)
	}
	if err := d.Validate(); err != nil {
		return nil, fmt.Errorf("invalid descriptor: %w", err)
	}
	return d, nil
}

func (r *Runner) runTimeout(d *pipeline.Descriptor) time.Duration {
	if d.TimeoutMinutes > 0 {
		return time.Duration(d.TimeoutMinutes) * time.Minute
	}
	return r.cfg.RunTimeout
}

func (r *Runner) stepTimeout(d *pipeline.Descriptor) time.Duration {
	if d.StepTimeoutMinutes > 0 {
		return time.Duration(d.StepTimeoutMinutes) * time.Minute
	}
	return r.cfg.StepTimeout
}

// finishCoverage merges the profiles the jobs appended and, when the run
// passed and an upload target is configured, ships the report. Upload
// failures never change the run outcome.
func (r *Runner) finishCoverage(ctx context.Context, req domain.RunRequest, d *pipeline.Descriptor, acc *coverage.Accumulator, status string) error {
	if len(d.Coverage.Profiles) == 0 || acc.Empty() {
		return nil
	}
	report := acc.Report()
	var profile bytes.Buffer
	if err := acc.WriteProfile(&profile); err != nil {
		return fmt.Errorf("render merged profile: %w", err)
	}

	result := &domain.CoverageResult{
		RunID:             req.RunID,
		Mode:              report.Mode,
		TotalStatements:   int64(report.Statements),
		CoveredStatements: int64(report.Covered),
		Percent:           report.Percent,
		Profile:           profile.Bytes(),
	}

	if status == domain.StatusPassed && d.Coverage.Upload.URL != "" && r.uploader != nil {
		uploadCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.cfg.UploadTimeout)
		defer cancel()
		err := r.uploader.Send(uploadCtx, d.Coverage.Upload.URL, d.Coverage.Upload.TokenEnv, upload.Payload{
			RunID:   req.RunID,
			RepoURL: req.RepoURL,
			Commit:  req.Commit,
			Report:  report,
		})
		if err != nil {
			r.logger.Warn("coverage upload failed", "run_id", req.RunID, "error", err)
		} else {
			result.Uploaded = true
			r.logLine(ctx, req.RunID, "", domain.PhaseAfterSuccess,
				fmt.Sprintf("coverage uploaded: %.2f%% of statements", report.Percent))
		}
	}

	if r.store.Coverage != nil {
		if err := r.store.Coverage.UpsertCoverage(context.WithoutCancel(ctx), result); err != nil {
			return fmt.Errorf("persist coverage: %w", err)
		}
	}
	return nil
}

// logLine persists one line and fans it out to live subscribers. Log
// plumbing failures must not fail the run.
func (r *Runner) logLine(ctx context.Context, runID, jobID, phase, line string) {
	entry := domain.RunLog{
		RunID:     runID,
		JobID:     jobID,
		Phase:     phase,
		Line:      line,
		CreatedAt: time.Now().UTC(),
	}
	if r.store.Logs != nil {
		if err := r.store.Logs.AppendLog(context.WithoutCancel(ctx), entry); err != nil {
			r.logger.Warn("failed to persist log line", "run_id", runID, "error", err)
		}
	}
	if r.hub != nil {
		if payload, err := json.Marshal(entry); err == nil {
			r.hub.Broadcast(runID, payload)
		}
	}
}

func errorMessage(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
