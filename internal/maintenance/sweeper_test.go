package maintenance

import (
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"assetmigrate/internal/checkpoint"
	"assetmigrate/internal/runstate"
)

type deadLiveness struct{}

func (deadLiveness) Alive(pid int) bool { return false }

func newStores(t *testing.T) (*checkpoint.SQLiteStore, *runstate.SQLiteService, string) {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "state.db")

	checkpoints, err := checkpoint.NewSQLiteStore(dbPath)
	require.NoError(t, err)
	runs, err := runstate.NewSQLiteService(dbPath, deadLiveness{})
	require.NoError(t, err)

	t.Cleanup(func() {
		checkpoints.Close()
		runs.Close()
	})
	return checkpoints, runs, dbPath
}

func TestSweepPurgesOldCheckpoints(t *testing.T) {
	checkpoints, runs, _ := newStores(t)

	require.NoError(t, checkpoints.Save(&checkpoint.Checkpoint{
		RunID:     "r1",
		Stats:     map[string]int64{},
		CreatedAt: time.Now().UTC().Add(-48 * time.Hour),
	}))
	require.NoError(t, checkpoints.Save(&checkpoint.Checkpoint{
		RunID:  "r1",
		Cursor: "fresh",
		Stats:  map[string]int64{},
	}))

	s := NewSweeper(Config{CheckpointRetention: 24 * time.Hour}, checkpoints, runs, zap.NewNop())
	s.Sweep()

	cp, err := checkpoints.LoadLatest("r1")
	require.NoError(t, err)
	require.NotNil(t, cp)
	assert.Equal(t, "fresh", cp.Cursor)
}

// A paused run whose only checkpoint predates the retention window must
// come out of the sweep with its resume point intact.
func TestSweepKeepsResumePointOfPausedRun(t *testing.T) {
	checkpoints, runs, _ := newStores(t)

	require.NoError(t, runs.Create(&runstate.Run{
		RunID: "r1", JobID: "j1", Command: "assets/migrate", Phase: runstate.PhaseCopy,
	}))
	require.NoError(t, runs.SetStatus("r1", runstate.StatusRunning, ""))
	require.NoError(t, runs.SetStatus("r1", runstate.StatusPaused, "cancellation requested"))

	require.NoError(t, checkpoints.Save(&checkpoint.Checkpoint{
		RunID:          "r1",
		Cursor:         "assets/obj-0250",
		ProcessedCount: 250,
		Stats:          map[string]int64{"moved": 250},
		CreatedAt:      time.Now().UTC().Add(-48 * time.Hour),
	}))

	s := NewSweeper(Config{CheckpointRetention: 24 * time.Hour}, checkpoints, runs, zap.NewNop())
	s.Sweep()

	cp, err := checkpoints.LoadLatest("r1")
	require.NoError(t, err)
	require.NotNil(t, cp, "the paused run's resume point must survive retention")
	assert.Equal(t, "assets/obj-0250", cp.Cursor)
	assert.Equal(t, int64(250), cp.ProcessedCount)
}

func TestSweepDemotesStaleRunningRuns(t *testing.T) {
	checkpoints, runs, _ := newStores(t)

	require.NoError(t, runs.Create(&runstate.Run{
		RunID: "r1", JobID: "j1", Command: "assets/migrate",
		Phase: runstate.PhaseCopy, PID: 99999,
	}))
	require.NoError(t, runs.SetStatus("r1", runstate.StatusRunning, ""))

	s := NewSweeper(Config{}, checkpoints, runs, zap.NewNop())
	s.Sweep()

	run, err := runs.Get("r1")
	require.NoError(t, err)
	assert.Equal(t, runstate.StatusPaused, run.Status)
}

func TestSweepPurgesOldTerminalRuns(t *testing.T) {
	checkpoints, runs, dbPath := newStores(t)

	require.NoError(t, runs.Create(&runstate.Run{
		RunID: "old", JobID: "j1", Command: "assets/migrate", Phase: runstate.PhaseCopy,
	}))
	require.NoError(t, runs.SetStatus("old", runstate.StatusCompleted, ""))
	backdate(t, dbPath, "old", -60*24*time.Hour)

	s := NewSweeper(Config{RunRetention: 30 * 24 * time.Hour}, checkpoints, runs, zap.NewNop())
	s.Sweep()

	_, err := runs.Get("old")
	assert.Error(t, err)
}

// backdate rewrites the completion stamp through a direct connection; the
// service has no API for forging history.
func backdate(t *testing.T, dbPath, runID string, offset time.Duration) {
	t.Helper()
	db, err := sql.Open("sqlite", dbPath)
	require.NoError(t, err)
	defer db.Close()

	_, err = db.Exec(`UPDATE runs SET completed_at = ? WHERE run_id = ?`,
		time.Now().UTC().Add(offset), runID)
	require.NoError(t, err)
}

func TestStartAndStop(t *testing.T) {
	checkpoints, runs, _ := newStores(t)

	s := NewSweeper(Config{Schedule: "@every 1h"}, checkpoints, runs, zap.NewNop())
	require.NoError(t, s.Start())
	s.Stop()
}

func TestStartRejectsBadSchedule(t *testing.T) {
	checkpoints, runs, _ := newStores(t)

	s := NewSweeper(Config{Schedule: "not a schedule"}, checkpoints, runs, zap.NewNop())
	assert.Error(t, s.Start())
}
