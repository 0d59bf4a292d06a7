package app

import (
	"time"

	"objmover/internal/checkpoint"
	"objmover/internal/progress"
)

// RunState is the controller's lifecycle state
type RunState string

const (
	RunCreated      RunState = "created"
	RunListing      RunState = "listing"
	RunPartitioning RunState = "partitioning"
	RunRunning      RunState = "running"
	RunPaused       RunState = "paused"
	RunCompleted    RunState = "completed"
	RunFailed       RunState = "failed"
)

// Failure carries enough identity and error detail for manual remediation
// or a targeted re-run of the failed set.
type Failure struct {
	Key      string
	State    checkpoint.State
	Attempts int
	Error    string
}

// Report is the final accounting of a run
type Report struct {
	RunID           string
	Strategy        string
	TotalArtifacts  int64
	TotalBytes      int64
	Committed       int64
	Skipped         int64
	FailedRetryable int64
	FailedFatal     int64
	Pending         int64 // left behind by a pause or halt
	CommittedBytes  int64
	Failures        []Failure
	Elapsed         time.Duration
	BytesPerSecond  float64 // committed bytes over elapsed, not the full listing
}

// RunStatus is a point-in-time snapshot exposed by Status
type RunStatus struct {
	RunID    string
	State    RunState
	Strategy string
	Progress progress.Status
	Report   *Report // set once the run reaches a terminal state
}

// buildReport assembles the report from the checkpoint store, the single
// source of truth for durable state.
func buildReport(store checkpoint.Store, runID, strategy string, totalArtifacts, totalBytes int64, elapsed time.Duration) (*Report, error) {
	counts, err := store.CountByState(runID)
	if err != nil {
		return nil, err
	}

	report := &Report{
		RunID:           runID,
		Strategy:        strategy,
		TotalArtifacts:  totalArtifacts,
		TotalBytes:      totalBytes,
		Committed:       counts[checkpoint.StateCommitted],
		FailedRetryable: counts[checkpoint.StateFailedRetryable],
		FailedFatal:     counts[checkpoint.StateFailedFatal],
		Pending:         counts[checkpoint.StatePending] + counts[checkpoint.StateInProgress],
		Elapsed:         elapsed,
	}

	failed, err := store.ListByState(runID, checkpoint.StateFailedRetryable, checkpoint.StateFailedFatal)
	if err != nil {
		return nil, err
	}
	for _, rec := range failed {
		report.Failures = append(report.Failures, Failure{
			Key:      rec.Key,
			State:    rec.State,
			Attempts: rec.Attempts,
			Error:    rec.LastError,
		})
	}

	moved, err := store.SumSizeByState(runID, checkpoint.StateCommitted)
	if err != nil {
		return nil, err
	}
	report.CommittedBytes = moved

	if elapsed > 0 {
		report.BytesPerSecond = float64(moved) / elapsed.Seconds()
	}

	return report, nil
}
