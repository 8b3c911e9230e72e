package checkpoint

import (
	"time"
)

// Checkpoint is a durable snapshot of a run's progress. Multiple snapshots
// may exist per run; the newest one is the resume point.
type Checkpoint struct {
	RunID          string           `json:"run_id"`
	Cursor         string           `json:"cursor"`
	ProcessedCount int64            `json:"processed_count"`
	Stats          map[string]int64 `json:"stats"`
	CreatedAt      time.Time        `json:"created_at"`
}

// Store defines the interface for checkpoint persistence.
type Store interface {
	// Save persists a new checkpoint snapshot for the run.
	Save(cp *Checkpoint) error

	// LoadLatest returns the newest checkpoint for the run, or nil when
	// none exists.
	LoadLatest(runID string) (*Checkpoint, error)

	// PurgeOlderThan removes checkpoints past the retention window and
	// returns how many were deleted. Run by the maintenance sweep, never
	// mid-run.
	PurgeOlderThan(age time.Duration) (int64, error)

	Close() error
}
