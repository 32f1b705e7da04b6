package storage

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when no run matches an id.
var ErrNotFound = errors.New("run not found")

// Outcome classifies how an attempt ended.
type Outcome string

const (
	OutcomeSucceeded    Outcome = "succeeded"
	OutcomeFailed       Outcome = "failed"
	OutcomeTimedOut     Outcome = "timed_out"
	OutcomeKilled       Outcome = "killed"
	OutcomeFault        Outcome = "fault"
	OutcomeBuildFailed  Outcome = "build_failed"
	OutcomeLaunchFailed Outcome = "launch_failed"
)

// Outcomes lists every outcome in display order.
var Outcomes = []Outcome{
	OutcomeSucceeded, OutcomeFailed, OutcomeTimedOut, OutcomeKilled,
	OutcomeFault, OutcomeBuildFailed, OutcomeLaunchFailed,
}

// Valid reports whether o is a known outcome.
func (o Outcome) Valid() bool {
	for _, known := range Outcomes {
		if o == known {
			return true
		}
	}
	return false
}

// RunRecord is the history entry for one build-and-run attempt. RunID is
// empty for attempts that never launched.
type RunRecord struct {
	AttemptID  string    `json:"attempt_id"`
	RunID      string    `json:"run_id,omitempty"`
	SessionID  string    `json:"session_id"`
	Language   string    `json:"language"`
	Outcome    Outcome   `json:"outcome"`
	ExitCode   *int      `json:"exit_code,omitempty"`
	Detail     string    `json:"detail,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	FinishedAt time.Time `json:"finished_at"`
}

// Duration is the wall time from submission to termination.
func (r *RunRecord) Duration() time.Duration {
	if r.FinishedAt.IsZero() || r.CreatedAt.IsZero() {
		return 0
	}
	return r.FinishedAt.Sub(r.CreatedAt)
}

// RunListOptions controls filtering and pagination for ListRuns.
type RunListOptions struct {
	SessionID string
	Outcome   Outcome
	Limit     int
	Offset    int
}

// Store is the persistence interface for run history.
type Store interface {
	// RecordRun inserts a finished attempt. AttemptID must be set by the caller.
	RecordRun(ctx context.Context, r *RunRecord) error

	// GetRun returns a run by attempt id, run id, or a unique prefix of either.
	GetRun(ctx context.Context, id string) (*RunRecord, error)

	// ListRuns returns runs ordered by finished_at descending.
	ListRuns(ctx context.Context, opts RunListOptions) ([]RunRecord, error)

	// PruneRuns deletes runs that finished before t and reports how many.
	PruneRuns(ctx context.Context, before time.Time) (int64, error)

	// Close releases resources.
	Close() error
}
