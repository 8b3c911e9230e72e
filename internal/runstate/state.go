// Package runstate owns the durable record of a migration run. The active
// batch runner is the only writer for a run; progress pollers are readers
// and never mutate the record.
package runstate

import (
	"errors"
	"time"
)

// ErrNotFound is returned when no run exists for the requested id.
var ErrNotFound = errors.New("run not found")

// Phase is the logical stage a run is working through.
type Phase string

const (
	PhaseDiscovery     Phase = "discovery"
	PhaseCopy          Phase = "copy"
	PhaseConsolidation Phase = "consolidation"
	PhaseVerification  Phase = "verification"
)

// Status is the lifecycle state of a run.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Terminal reports whether the status is final.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// OutputRingSize bounds the trailing log lines kept on a run record.
const OutputRingSize = 50

// Run is the durable record of one migration execution.
type Run struct {
	RunID          string           `json:"run_id"`
	JobID          string           `json:"job_id"`
	Command        string           `json:"command"`
	Phase          Phase            `json:"phase"`
	Status         Status           `json:"status"`
	ProcessedCount int64            `json:"processed_count"`
	TotalCount     int64            `json:"total_count"`
	Cursor         string           `json:"cursor,omitempty"`
	Stats          map[string]int64 `json:"stats,omitempty"`
	ErrorMessage   string           `json:"error_message,omitempty"`
	PID            int              `json:"pid,omitempty"`
	StartedAt      time.Time        `json:"started_at"`
	UpdatedAt      time.Time        `json:"updated_at"`
	CompletedAt    *time.Time       `json:"completed_at,omitempty"`
	Output         []string         `json:"output,omitempty"`
	CancelFlag     bool             `json:"cancel_requested,omitempty"`
	DryRun         bool             `json:"dry_run,omitempty"`
}

// Percent returns completion as 0-100, or 0 when the total is unknown.
func (r *Run) Percent() float64 {
	if r.TotalCount <= 0 {
		return 0
	}
	return float64(r.ProcessedCount) / float64(r.TotalCount) * 100
}

// Service is the run state and progress contract.
type Service interface {
	Create(run *Run) error
	// Get returns the run snapshot. When the recorded worker is no longer
	// alive and the run still claims to be running, the record is
	// transitioned to paused with an explanatory message before returning.
	Get(runID string) (*Run, error)
	GetLatest() (*Run, error)
	// LatestIncomplete returns the most recent non-terminal run, used by
	// resume when no explicit run id is given.
	LatestIncomplete() (*Run, error)
	ListRunning() ([]*Run, error)

	SetStatus(runID string, status Status, errorMessage string) error
	Progress(runID string, processed, total int64, cursor string, stats map[string]int64) error
	AppendOutput(runID string, lines ...string) error

	RequestCancel(runID string) error
	CancelRequested(runID string) (bool, error)

	// PurgeTerminalOlderThan removes completed/failed runs past the
	// retention age.
	PurgeTerminalOlderThan(age time.Duration) (int64, error)

	Close() error
}
