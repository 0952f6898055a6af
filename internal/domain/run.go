package domain

import "time"

// Status constants shared by runs, jobs and steps.
const (
	StatusPending  = "pending"
	StatusRunning  = "running"
	StatusPassed   = "passed"
	StatusFailed   = "failed"
	StatusErrored  = "errored"
	StatusCanceled = "canceled"
	StatusSkipped  = "skipped"
)

// Phase names in execution order.
const (
	PhaseProvision    = "provision"
	PhaseBeforeScript = "before_script"
	PhaseInstall      = "install"
	PhaseScript       = "script"
	PhaseAfterSuccess = "after_success"
)

// Run is one execution of a pipeline descriptor against a repository.
type Run struct {
	ID         string     `json:"id"`
	RepoURL    string     `json:"repo_url"`
	Commit     string     `json:"commit"`
	Source     string     `json:"source"`
	Status     string     `json:"status"`
	Error      string     `json:"error,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// Job is one matrix entry of a run: the full phase list executed under a
// single language version.
type Job struct {
	ID         string     `json:"id"`
	RunID      string     `json:"run_id"`
	Language   string     `json:"language"`
	Version    string     `json:"version"`
	Status     string     `json:"status"`
	Error      string     `json:"error,omitempty"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// StepResult records the outcome of a single shell command inside a phase.
type StepResult struct {
	ID         int64     `json:"id"`
	JobID      string    `json:"job_id"`
	Phase      string    `json:"phase"`
	Index      int       `json:"index"`
	Command    string    `json:"command"`
	Status     string    `json:"status"`
	ExitCode   int       `json:"exit_code"`
	DurationMS int64     `json:"duration_ms"`
	StartedAt  time.Time `json:"started_at"`
}

// RunRequest is the queue payload that triggers a run.
type RunRequest struct {
	RunID      string `json:"run_id"`
	RepoURL    string `json:"repo_url"`
	Commit     string `json:"commit"`
	Source     string `json:"source"`
	Descriptor []byte `json:"descriptor,omitempty"`
}

// statusRank orders terminal states from best to worst.
var statusRank = map[string]int{
	StatusPassed:   0,
	StatusSkipped:  0,
	StatusCanceled: 1,
	StatusFailed:   2,
	StatusErrored:  3,
}

// WorstStatus returns the most severe of the given terminal states.
// An empty input counts as passed.
func WorstStatus(statuses ...string) string {
	worst := StatusPassed
	for _, s := range statuses {
		if statusRank[s] > statusRank[worst] {
			worst = s
		}
	}
	return worst
}

// Terminal reports whether a status is a final state.
func Terminal(status string) bool {
	switch status {
	case StatusPassed, StatusFailed, StatusErrored, StatusCanceled:
		return true
	}
	return false
}
