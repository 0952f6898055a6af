package runner

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ZackBotkin/SimQLe/internal/coverage"
	"github.com/ZackBotkin/SimQLe/internal/domain"
	"github.com/ZackBotkin/SimQLe/internal/pipeline"
	"github.com/ZackBotkin/SimQLe/internal/provision"
	"github.com/ZackBotkin/SimQLe/internal/shell"
)

// runJob executes every phase of one matrix job and returns its terminal
// status. before_script and install failures error the job; script failures
// fail it. after_success runs only on a passing job and never gates.
func (r *Runner) runJob(ctx context.Context, job *domain.Job, d *pipeline.Descriptor, env *provision.Environment, dir string, acc *coverage.Accumulator) string {
	log := r.logger.With("run_id", job.RunID, "job_id", job.ID, "version", job.Version)
	if err := r.store.Jobs.UpdateJobStatus(ctx, job.ID, domain.StatusRunning, ""); err != nil {
		log.Error("failed to mark job running", "error", err)
	}

	status, jobErr := r.runPhases(ctx, job, d, env, dir, acc, log)
	if err := r.store.Jobs.UpdateJobStatus(context.WithoutCancel(ctx), job.ID, status, errorMessage(jobErr)); err != nil {
		log.Error("failed to persist job status", "status", status, "error", err)
	}
	log.Info("job finished", "status", status)
	return status
}

func (r *Runner) runPhases(ctx context.Context, job *domain.Job, d *pipeline.Descriptor, env *provision.Environment, dir string, acc *coverage.Accumulator, log *slog.Logger) (string, error) {
	jobEnv := r.jobEnv(job, env)
	stepTimeout := r.stepTimeout(d)

	// Setup phases: any failure errors the job and skips the rest.
	for _, phase := range []struct {
		name     string
		commands []string
	}{
		{domain.PhaseBeforeScript, d.BeforeScript},
		{domain.PhaseInstall, d.Install},
	} {
		for i, command := range phase.commands {
			result := r.runStep(ctx, job, phase.name, i, command, dir, jobEnv, stepTimeout)
			if result.ExitCode != 0 || result.Err != nil {
				return domain.StatusErrored, phaseError(phase.name, command, result)
			}
		}
	}

	// Script phase: failures fail the job. Under the continue policy every
	// command still runs; under abort the first failure stops the phase.
	scriptStatus := domain.StatusPassed
	var scriptErr error
	for i, command := range d.Script {
		result := r.runStep(ctx, job, domain.PhaseScript, i, command, dir, jobEnv, stepTimeout)
		if result.ExitCode != 0 || result.Err != nil {
			scriptStatus = domain.StatusFailed
			if result.Err != nil && ctx.Err() != nil {
				scriptStatus = domain.StatusErrored
			}
			if scriptErr == nil {
				scriptErr = phaseError(domain.PhaseScript, command, result)
			}
			if d.ScriptPolicy == pipeline.PolicyAbort {
				break
			}
		}
	}

	// Coverage profiles accumulate in append mode across every job of the
	// run, whatever the script outcome, so partial data survives a red
	// matrix entry.
	if len(d.Coverage.Profiles) > 0 {
		if n, err := acc.AddGlobs(dir, d.Coverage.Profiles); err != nil {
			log.Warn("coverage accumulation failed", "error", err)
		} else if n > 0 {
			r.logLine(ctx, job.RunID, job.ID, domain.PhaseScript, fmt.Sprintf("accumulated %d coverage profile(s)", n))
		}
	}

	if scriptStatus != domain.StatusPassed {
		return scriptStatus, scriptErr
	}

	for i, command := range d.AfterSuccess {
		result := r.runStep(ctx, job, domain.PhaseAfterSuccess, i, command, dir, jobEnv, stepTimeout)
		if result.ExitCode != 0 || result.Err != nil {
			log.Warn("after_success command failed", "command", command, "exit_code", result.ExitCode)
		}
	}
	return domain.StatusPassed, nil
}

// stepOutcome couples the shell result with the executor error.
type stepOutcome struct {
	shell.Result
	Err error
}

func (r *Runner) runStep(ctx context.Context, job *domain.Job, phase string, index int, command, dir string, env []string, timeout time.Duration) stepOutcome {
	r.logLine(ctx, job.RunID, job.ID, phase, "$ "+command)
	started := time.Now().UTC()

	sink := func(line string) {
		r.logLine(ctx, job.RunID, job.ID, phase, line)
	}
	result, err := r.exec.Run(ctx, shell.Step{
		Command: command,
		Dir:     dir,
		Env:     env,
		Timeout: timeout,
	}, sink)

	status := domain.StatusPassed
	switch {
	case err != nil:
		status = domain.StatusErrored
		r.logLine(ctx, job.RunID, job.ID, phase, "command error: "+err.Error())
	case result.TimedOut:
		status = domain.StatusErrored
		r.logLine(ctx, job.RunID, job.ID, phase, fmt.Sprintf("command timed out after %s", timeout))
	case result.ExitCode != 0:
		status = domain.StatusFailed
		r.logLine(ctx, job.RunID, job.ID, phase, fmt.Sprintf("command exited with code %d", result.ExitCode))
	}

	step := &domain.StepResult{
		JobID:      job.ID,
		Phase:      phase,
		Index:      index,
		Command:    command,
		Status:     status,
		ExitCode:   result.ExitCode,
		DurationMS: result.Duration.Milliseconds(),
		StartedAt:  started,
	}
	if r.store.Steps != nil {
		if insertErr := r.store.Steps.InsertStepResult(context.WithoutCancel(ctx), step); insertErr != nil {
			r.logger.Warn("failed to persist step result", "job_id", job.ID, "error", insertErr)
		}
	}
	recordStep(phase, status, result.Duration)

	outcome := stepOutcome{Result: result, Err: err}
	if err == nil && result.TimedOut {
		outcome.Err = context.DeadlineExceeded
	}
	if outcome.Err == nil && result.ExitCode != 0 {
		outcome.ExitCode = result.ExitCode
	}
	return outcome
}

func (r *Runner) jobEnv(job *domain.Job, env *provision.Environment) []string {
	vars := []string{
		"CI=true",
		"SIMQLE_CI=true",
		"SIMQLE_RUN_ID=" + job.RunID,
		"SIMQLE_JOB_ID=" + job.ID,
		"SIMQLE_LANGUAGE=" + job.Language,
		"SIMQLE_LANGUAGE_VERSION=" + job.Version,
	}
	if env != nil {
		vars = append(vars, env.StepEnv...)
	}
	return vars
}

func phaseError(phase, command string, outcome stepOutcome) error {
	if outcome.Err != nil {
		return fmt.Errorf("%s: %q: %w", phase, command, outcome.Err)
	}
	return fmt.Errorf("%s: %q exited with code %d", phase, command, outcome.ExitCode)
}
