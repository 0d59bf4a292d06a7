package checkpoint

import (
	"errors"
	"time"
)

// State is the durable state of one artifact transfer within a run.
// Transitions move forward only, except in_progress -> pending on
// crash-recovery re-queue. committed and failed_fatal are terminal.
type State string

const (
	StatePending         State = "pending"
	StateInProgress      State = "in_progress"
	StateValidated       State = "validated"
	StateCommitted       State = "committed"
	StateFailedRetryable State = "failed_retryable"
	StateFailedFatal     State = "failed_fatal"
)

// Terminal reports whether no further transitions are allowed from s
func (s State) Terminal() bool {
	return s == StateCommitted || s == StateFailedFatal
}

// ErrConflict is returned by Transition when the record was not in any of
// the expected prior states. The losing writer abandons its attempt and
// re-reads; this is the single-writer-per-key guard.
var ErrConflict = errors.New("checkpoint: conflicting state transition")

// TransferRecord is one artifact's durable state for one run
type TransferRecord struct {
	RunID      string    `json:"run_id"`
	Key        string    `json:"key"`
	Size       int64     `json:"size"`
	Checksum   string    `json:"checksum,omitempty"`
	State      State     `json:"state"`
	Attempts   int       `json:"attempts"`
	LastError  string    `json:"last_error,omitempty"`
	ErrorClass string    `json:"error_class,omitempty"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// RunRecord is the durable lifecycle state of one migration run
type RunRecord struct {
	ID             string    `json:"id"`
	Strategy       string    `json:"strategy"`
	State          string    `json:"state"`
	TotalArtifacts int64     `json:"total_artifacts"`
	TotalBytes     int64     `json:"total_bytes"`
	StartedAt      time.Time `json:"started_at"`
	FinishedAt     time.Time `json:"finished_at,omitempty"`
}

// Store defines the interface for checkpoint persistence. Any durable
// key-value or relational store can back it; the sqlite implementation is
// the default.
type Store interface {
	// SeedRecord inserts a record if none exists for (runID, key).
	// Existing records are left untouched so re-seeding after a pause is a
	// no-op.
	SeedRecord(record *TransferRecord) error

	// GetRecord returns the record for (runID, key), or nil if absent.
	GetRecord(runID, key string) (*TransferRecord, error)

	// Transition conditionally writes record if its stored state is one of
	// expectPrior. Returns ErrConflict when the compare fails.
	Transition(record *TransferRecord, expectPrior ...State) error

	// ListCommitted returns the set of committed keys for a run; the
	// controller excludes these from a resumed work set.
	ListCommitted(runID string) (map[string]struct{}, error)

	// ListByState returns records in any of the given states, ordered by key
	// for deterministic replay.
	ListByState(runID string, states ...State) ([]*TransferRecord, error)

	// CountByState returns per-state record counts for reporting.
	CountByState(runID string) (map[State]int64, error)

	// SumSizeByState returns the total artifact bytes across records in any
	// of the given states.
	SumSizeByState(runID string, states ...State) (int64, error)

	// ResetInProgress re-queues records left in_progress by a crash or pause
	// back to pending, returning how many were reset.
	ResetInProgress(runID string) (int64, error)

	// Run lifecycle persistence.
	CreateRun(run *RunRecord) error
	UpdateRun(run *RunRecord) error
	GetRun(runID string) (*RunRecord, error)

	Close() error
}
