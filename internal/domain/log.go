package domain

import "time"

// RunLog is one captured output line from a pipeline step.
type RunLog struct {
	ID        int64     `json:"id"`
	RunID     string    `json:"run_id"`
	JobID     string    `json:"job_id,omitempty"`
	Phase     string    `json:"phase,omitempty"`
	Line      string    `json:"line"`
	CreatedAt time.Time `json:"created_at"`
}
