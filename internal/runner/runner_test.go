package runner

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ZackBotkin/SimQLe/internal/domain"
	"github.com/ZackBotkin/SimQLe/internal/provision"
	"github.com/ZackBotkin/SimQLe/internal/shell"
	"github.com/ZackBotkin/SimQLe/internal/upload"
	"github.com/ZackBotkin/SimQLe/internal/workspace"
	"github.com/ZackBotkin/SimQLe/pkg/config"
)

// fakeStore keeps everything in memory.
type fakeStore struct {
	mu       sync.Mutex
	runs     map[string]*domain.Run
	jobs     []*domain.Job
	steps    []*domain.StepResult
	logs     []domain.RunLog
	coverage *domain.CoverageResult
}

func newFakeStore(runIDs ...string) *fakeStore {
	s := &fakeStore{runs: make(map[string]*domain.Run)}
	for _, id := range runIDs {
		s.runs[id] = &domain.Run{ID: id, Status: domain.StatusPending}
	}
	return s
}

func (s *fakeStore) CreateRun(ctx context.Context, run *domain.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs[run.ID] = run
	return nil
}

func (s *fakeStore) GetRunByID(ctx context.Context, runID string) (*domain.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[runID]
	if !ok {
		return nil, errors.New("not found")
	}
	return run, nil
}

func (s *fakeStore) ListRuns(ctx context.Context, status string, limit, offset int) ([]domain.Run, error) {
	return nil, nil
}

func (s *fakeStore) UpdateRunStatus(ctx context.Context, runID, status, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[runID]
	if !ok {
		return errors.New("not found")
	}
	run.Status = status
	run.Error = errMsg
	return nil
}

func (s *fakeStore) MarkRunStarted(ctx context.Context, runID string, startedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[runID]
	if !ok {
		return errors.New("not found")
	}
	run.Status = domain.StatusRunning
	run.StartedAt = &startedAt
	return nil
}

func (s *fakeStore) ListRunsWithStatusUpdatedBefore(ctx context.Context, status string, updatedBefore time.Time) ([]domain.Run, error) {
	return nil, nil
}

func (s *fakeStore) CreateJob(ctx context.Context, job *domain.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs = append(s.jobs, job)
	return nil
}

func (s *fakeStore) ListJobsByRun(ctx context.Context, runID string) ([]domain.Job, error) {
	return nil, nil
}

func (s *fakeStore) UpdateJobStatus(ctx context.Context, jobID, status, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, job := range s.jobs {
		if job.ID == jobID {
			job.Status = status
			job.Error = errMsg
			return nil
		}
	}
	return errors.New("not found")
}

func (s *fakeStore) InsertStepResult(ctx context.Context, step *domain.StepResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.steps = append(s.steps, step)
	return nil
}

func (s *fakeStore) ListStepsByJob(ctx context.Context, jobID string) ([]domain.StepResult, error) {
	return nil, nil
}

func (s *fakeStore) AppendLog(ctx context.Context, log domain.RunLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logs = append(s.logs, log)
	return nil
}

func (s *fakeStore) ListLogsByRun(ctx context.Context, runID string, limit, offset int) ([]domain.RunLog, error) {
	return nil, nil
}

func (s *fakeStore) UpsertCoverage(ctx context.Context, result *domain.CoverageResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.coverage = result
	return nil
}

func (s *fakeStore) GetCoverageByRun(ctx context.Context, runID string) (*domain.CoverageResult, error) {
	return nil, errors.New("not found")
}

func (s *fakeStore) commands() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.steps))
	for _, step := range s.steps {
		out = append(out, step.Command)
	}
	return out
}

// fakeExecutor returns scripted exit codes and can run a hook per step.
type fakeExecutor struct {
	mu        sync.Mutex
	exitCodes map[string]int
	errs      map[string]error
	hook      func(step shell.Step)
	ran       []shell.Step
}

func (f *fakeExecutor) Run(ctx context.Context, step shell.Step, sink shell.LineSink) (shell.Result, error) {
	f.mu.Lock()
	f.ran = append(f.ran, step)
	f.mu.Unlock()
	if f.hook != nil {
		f.hook(step)
	}
	if err, ok := f.errs[step.Command]; ok {
		return shell.Result{}, err
	}
	if sink != nil {
		sink("out: " + step.Command)
	}
	return shell.Result{ExitCode: f.exitCodes[step.Command]}, nil
}

func (f *fakeExecutor) ranCommands() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.ran))
	for _, step := range f.ran {
		out = append(out, step.Command)
	}
	return out
}

// fakeProvisioner hands back a canned environment.
type fakeProvisioner struct {
	mu        sync.Mutex
	services  []string
	databases []string
	torn      bool
	err       error
}

func (f *fakeProvisioner) Provision(ctx context.Context, runID string, services, databases []string) (*provision.Environment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.services = services
	f.databases = databases
	if f.err != nil {
		return nil, f.err
	}
	return &provision.Environment{StepEnv: []string{"MYSQL_HOST=127.0.0.1"}}, nil
}

func (f *fakeProvisioner) Teardown(ctx context.Context, env *provision.Environment) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.torn = true
}

type fakeUploader struct {
	mu       sync.Mutex
	payloads []upload.Payload
	err      error
}

func (f *fakeUploader) Send(ctx context.Context, url, tokenEnv string, payload upload.Payload) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.payloads = append(f.payloads, payload)
	return nil
}

func noopClone(ctx context.Context, repoURL, commit, dest string) error { return nil }

func testRunner(t *testing.T, store *fakeStore, exec Executor, prov provision.Provisioner, up ReportSender) *Runner {
	t.Helper()
	ws, err := workspace.New(t.TempDir())
	if err != nil {
		t.Fatalf("workspace: %v", err)
	}
	cfg := config.RunnerConfig{
		GitTimeout:    time.Minute,
		StepTimeout:   time.Minute,
		RunTimeout:    5 * time.Minute,
		UploadTimeout: 5 * time.Second,
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(Store{Runs: store, Jobs: store, Steps: store, Logs: store, Coverage: store}, exec, prov, ws, noopClone, up, nil, cfg, logger)
}

const passingDescriptor = `
language: python
python:
  - "3.5"
  - "3.6"
services:
  - mysql
  - postgresql
databases:
  - testdatabase
before_script:
  - mysql -e 'create database testdatabase;'
install:
  - pip install -r requirements.txt
script:
  - pytest --cov
after_success:
  - codecov
`

func TestExecutePassingRun(t *testing.T) {
	store := newFakeStore("run-1")
	exec := &fakeExecutor{}
	prov := &fakeProvisioner{}
	r := testRunner(t, store, exec, prov, &fakeUploader{})

	status, err := r.Execute(context.Background(), domain.RunRequest{
		RunID:      "run-1",
		RepoURL:    "https://example.com/repo.git",
		Descriptor: []byte(passingDescriptor),
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if status != domain.StatusPassed {
		t.Errorf("status = %q, want passed", status)
	}

	run, _ := store.GetRunByID(context.Background(), "run-1")
	if run.Status != domain.StatusPassed {
		t.Errorf("persisted run status = %q", run.Status)
	}
	if len(store.jobs) != 2 {
		t.Fatalf("jobs = %d, want 2", len(store.jobs))
	}
	for _, job := range store.jobs {
		if job.Status != domain.StatusPassed {
			t.Errorf("job %s/%s status = %q", job.Language, job.Version, job.Status)
		}
	}
	// 4 phases x 1 command x 2 jobs.
	if got := len(exec.ranCommands()); got != 8 {
		t.Errorf("executed %d commands, want 8", got)
	}
	if len(prov.services) != 2 || prov.databases[0] != "testdatabase" {
		t.Errorf("provisioned services=%v databases=%v", prov.services, prov.databases)
	}
	prov.mu.Lock()
	torn := prov.torn
	prov.mu.Unlock()
	if !torn {
		t.Error("environment was not torn down")
	}
}

func TestScriptFailureFailsRunAndSkipsAfterSuccess(t *testing.T) {
	store := newFakeStore("run-1")
	exec := &fakeExecutor{exitCodes: map[string]int{"pytest --cov": 1}}
	r := testRunner(t, store, exec, &fakeProvisioner{}, &fakeUploader{})

	status, err := r.Execute(context.Background(), domain.RunRequest{
		RunID:      "run-1",
		RepoURL:    "https://example.com/repo.git",
		Descriptor: []byte(passingDescriptor),
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if status != domain.StatusFailed {
		t.Errorf("status = %q, want failed", status)
	}
	for _, command := range exec.ranCommands() {
		if command == "codecov" {
			t.Error("after_success ran on a failing job")
		}
	}
}

func TestInstallFailureErrorsRun(t *testing.T) {
	store := newFakeStore("run-1")
	exec := &fakeExecutor{exitCodes: map[string]int{"pip install -r requirements.txt": 2}}
	r := testRunner(t, store, exec, &fakeProvisioner{}, &fakeUploader{})

	status, err := r.Execute(context.Background(), domain.RunRequest{
		RunID:      "run-1",
		RepoURL:    "https://example.com/repo.git",
		Descriptor: []byte(passingDescriptor),
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if status != domain.StatusErrored {
		t.Errorf("status = %q, want errored", status)
	}
	for _, command := range exec.ranCommands() {
		if command == "pytest --cov" {
			t.Error("script ran after install failed")
		}
	}
}

func TestScriptPolicyContinueRunsEveryCommand(t *testing.T) {
	const descriptor = `
language: python
versions: ["3.6"]
script_policy: continue
script:
  - step-one
  - step-two
`
	store := newFakeStore("run-1")
	exec := &fakeExecutor{exitCodes: map[string]int{"step-one": 1}}
	r := testRunner(t, store, exec, &fakeProvisioner{}, &fakeUploader{})

	status, err := r.Execute(context.Background(), domain.RunRequest{
		RunID:      "run-1",
		RepoURL:    "https://example.com/repo.git",
		Descriptor: []byte(descriptor),
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if status != domain.StatusFailed {
		t.Errorf("status = %q, want failed", status)
	}
	ran := exec.ranCommands()
	if len(ran) != 2 || ran[1] != "step-two" {
		t.Errorf("ran = %v, want both script commands", ran)
	}
}

func TestProvisionFailureErrorsRun(t *testing.T) {
	store := newFakeStore("run-1")
	exec := &fakeExecutor{}
	prov := &fakeProvisioner{err: errors.New("docker unavailable")}
	r := testRunner(t, store, exec, prov, &fakeUploader{})

	status, err := r.Execute(context.Background(), domain.RunRequest{
		RunID:      "run-1",
		RepoURL:    "https://example.com/repo.git",
		Descriptor: []byte(passingDescriptor),
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if status != domain.StatusErrored {
		t.Errorf("status = %q, want errored", status)
	}
	if len(exec.ranCommands()) != 0 {
		t.Errorf("commands ran despite provisioning failure: %v", exec.ranCommands())
	}
}

const coverageDescriptor = `
language: go
versions: ["1.24"]
script:
  - make cover
coverage:
  profiles:
    - "cover-*.out"
  upload:
    url: https://coverage.example.com/upload
    token_env: COVERAGE_TOKEN
`

const coverProfile = `mode: count
example.com/pkg/a.go:5.10,7.2 2 3
example.com/pkg/a.go:9.10,11.2 1 0
`

func TestCoverageMergedAndUploaded(t *testing.T) {
	store := newFakeStore("run-1")
	exec := &fakeExecutor{}
	exec.hook = func(step shell.Step) {
		if step.Command == "make cover" {
			if err := os.WriteFile(filepath.Join(step.Dir, "cover-1.out"), []byte(coverProfile), 0o644); err != nil {
				t.Errorf("write profile: %v", err)
			}
		}
	}
	up := &fakeUploader{}
	r := testRunner(t, store, exec, &fakeProvisioner{}, up)

	status, err := r.Execute(context.Background(), domain.RunRequest{
		RunID:      "run-1",
		RepoURL:    "https://example.com/repo.git",
		Descriptor: []byte(coverageDescriptor),
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if status != domain.StatusPassed {
		t.Fatalf("status = %q, want passed", status)
	}

	if len(up.payloads) != 1 {
		t.Fatalf("uploads = %d, want 1", len(up.payloads))
	}
	report := up.payloads[0].Report
	if report.Statements != 3 || report.Covered != 2 {
		t.Errorf("report = %d/%d statements covered, want 2/3", report.Covered, report.Statements)
	}

	if store.coverage == nil {
		t.Fatal("coverage result not persisted")
	}
	if !store.coverage.Uploaded {
		t.Error("coverage result not marked uploaded")
	}
	if store.coverage.Mode != "count" {
		t.Errorf("mode = %q", store.coverage.Mode)
	}
}

func TestCoverageUploadFailureDoesNotGate(t *testing.T) {
	store := newFakeStore("run-1")
	exec := &fakeExecutor{}
	exec.hook = func(step shell.Step) {
		if step.Command == "make cover" {
			os.WriteFile(filepath.Join(step.Dir, "cover-1.out"), []byte(coverProfile), 0o644)
		}
	}
	up := &fakeUploader{err: errors.New("collector down")}
	r := testRunner(t, store, exec, &fakeProvisioner{}, up)

	status, err := r.Execute(context.Background(), domain.RunRequest{
		RunID:      "run-1",
		RepoURL:    "https://example.com/repo.git",
		Descriptor: []byte(coverageDescriptor),
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if status != domain.StatusPassed {
		t.Errorf("status = %q, want passed", status)
	}
	if store.coverage == nil || store.coverage.Uploaded {
		t.Error("coverage should be persisted but not marked uploaded")
	}
}

func TestInvalidDescriptorErrorsRun(t *testing.T) {
	store := newFakeStore("run-1")
	r := testRunner(t, store, &fakeExecutor{}, &fakeProvisioner{}, &fakeUploader{})

	status, err := r.Execute(context.Background(), domain.RunRequest{
		RunID:      "run-1",
		RepoURL:    "https://example.com/repo.git",
		Descriptor: []byte("language: python\nversions: ['3.6']\n"),
	})
	if err == nil {
		t.Fatal("expected error for descriptor without script")
	}
	if status != domain.StatusErrored {
		t.Errorf("status = %q, want errored", status)
	}
}
