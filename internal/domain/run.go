package domain

import "time"

type RunStatus string

const (
	RunRunning RunStatus = "RUNNING"
	RunSuccess RunStatus = "SUCCESS"
	RunPartial RunStatus = "PARTIAL"
	RunFailed  RunStatus = "FAILED"
)

// RunCounts aggregates per-item outcomes of an import run.
type RunCounts struct {
	Fetched          int `json:"fetched"`
	Imported         int `json:"imported"`
	SkippedDuplicate int `json:"skipped_duplicate"`
	Matched          int `json:"matched"`
	Grouped          int `json:"grouped"`
	Failed           int `json:"failed"`
}

// RunError is one per-item failure reason in a run's error log.
type RunError struct {
	ExternalID string    `json:"external_id,omitempty"`
	Reason     string    `json:"reason"`
	LoggedAt   time.Time `json:"logged_at"`
}

// ImportRun is the audit record of one execution of the import pipeline.
// It is created in RUNNING status before the first fetch, appended to during
// the run, and immutable after finalization.
type ImportRun struct {
	RunID      string     `json:"run_id"`
	Source     string     `json:"source"`
	AccountID  string     `json:"account_id"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	Status     RunStatus  `json:"status"`
	Counts     RunCounts  `json:"counts"`
	Errors     []RunError `json:"errors,omitempty"`
}

// ImportRunSummary is the only view of a run that crosses the orchestrator
// boundary.
type ImportRunSummary struct {
	RunID            string     `json:"run_id"`
	Status           RunStatus  `json:"status"`
	Fetched          int        `json:"fetched"`
	Imported         int        `json:"imported"`
	Matched          int        `json:"matched"`
	Grouped          int        `json:"grouped"`
	SkippedDuplicate int        `json:"skipped_duplicate"`
	Failed           int        `json:"failed"`
	Errors           []RunError `json:"errors,omitempty"`
}

// Summary projects the run into its caller-facing form.
func (r *ImportRun) Summary() ImportRunSummary {
	return ImportRunSummary{
		RunID:            r.RunID,
		Status:           r.Status,
		Fetched:          r.Counts.Fetched,
		Imported:         r.Counts.Imported,
		Matched:          r.Counts.Matched,
		Grouped:          r.Counts.Grouped,
		SkippedDuplicate: r.Counts.SkippedDuplicate,
		Failed:           r.Counts.Failed,
		Errors:           r.Errors,
	}
}
