package domain

import "time"

// CoverageResult is the merged coverage outcome of a run.
type CoverageResult struct {
	RunID             string    `json:"run_id"`
	Mode              string    `json:"mode"`
	TotalStatements   int64     `json:"total_statements"`
	CoveredStatements int64     `json:"covered_statements"`
	Percent           float64   `json:"percent"`
	Profile           []byte    `json:"-"`
	Uploaded          bool      `json:"uploaded"`
	CreatedAt         time.Time `json:"created_at"`
}
