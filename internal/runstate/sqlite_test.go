package runstate

import (
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeLiveness answers Alive from a fixed set of pids.
type fakeLiveness struct {
	alive map[int]bool
}

func (f fakeLiveness) Alive(pid int) bool { return f.alive[pid] }

func newTestService(t *testing.T, liveness Liveness) *SQLiteService {
	t.Helper()
	svc, err := NewSQLiteService(filepath.Join(t.TempDir(), "runs.db"), liveness)
	require.NoError(t, err)
	t.Cleanup(func() { svc.Close() })
	return svc
}

func newRun(id string) *Run {
	return &Run{
		RunID:   id,
		JobID:   "job-" + id,
		Command: "assets/migrate",
		Phase:   PhaseCopy,
		Status:  StatusPending,
		PID:     1234,
	}
}

func TestCreateAndGet(t *testing.T) {
	svc := newTestService(t, fakeLiveness{alive: map[int]bool{1234: true}})

	require.NoError(t, svc.Create(newRun("r1")))

	run, err := svc.Get("r1")
	require.NoError(t, err)
	assert.Equal(t, "assets/migrate", run.Command)
	assert.Equal(t, StatusPending, run.Status)
	assert.Equal(t, 1234, run.PID)
	assert.False(t, run.StartedAt.IsZero())
	assert.Nil(t, run.CompletedAt)
}

func TestGetUnknownRun(t *testing.T) {
	svc := newTestService(t, fakeLiveness{})

	_, err := svc.Get("nope")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestStaleRunningIsDemotedToPaused(t *testing.T) {
	svc := newTestService(t, fakeLiveness{alive: map[int]bool{}})

	require.NoError(t, svc.Create(newRun("r1")))
	require.NoError(t, svc.SetStatus("r1", StatusRunning, ""))

	run, err := svc.Get("r1")
	require.NoError(t, err)
	assert.Equal(t, StatusPaused, run.Status)
	assert.Contains(t, run.ErrorMessage, "no longer running")

	// The demotion is durable, not just a view.
	again, err := svc.Get("r1")
	require.NoError(t, err)
	assert.Equal(t, StatusPaused, again.Status)
}

func TestLiveRunningIsNotDemoted(t *testing.T) {
	svc := newTestService(t, fakeLiveness{alive: map[int]bool{1234: true}})

	require.NoError(t, svc.Create(newRun("r1")))
	require.NoError(t, svc.SetStatus("r1", StatusRunning, ""))

	run, err := svc.Get("r1")
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, run.Status)
}

func TestListRunningFiltersStale(t *testing.T) {
	svc := newTestService(t, fakeLiveness{alive: map[int]bool{100: true}})

	live := newRun("live")
	live.PID = 100
	require.NoError(t, svc.Create(live))
	require.NoError(t, svc.SetStatus("live", StatusRunning, ""))

	dead := newRun("dead")
	dead.PID = 200
	require.NoError(t, svc.Create(dead))
	require.NoError(t, svc.SetStatus("dead", StatusRunning, ""))

	running, err := svc.ListRunning()
	require.NoError(t, err)
	require.Len(t, running, 1)
	assert.Equal(t, "live", running[0].RunID)

	demoted, err := svc.Get("dead")
	require.NoError(t, err)
	assert.Equal(t, StatusPaused, demoted.Status)
}

func TestSetStatusStampsCompletion(t *testing.T) {
	svc := newTestService(t, fakeLiveness{alive: map[int]bool{1234: true}})

	require.NoError(t, svc.Create(newRun("r1")))
	require.NoError(t, svc.SetStatus("r1", StatusCompleted, ""))

	run, err := svc.Get("r1")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, run.Status)
	require.NotNil(t, run.CompletedAt)
	assert.WithinDuration(t, time.Now(), *run.CompletedAt, time.Minute)
}

func TestProgress(t *testing.T) {
	svc := newTestService(t, fakeLiveness{alive: map[int]bool{1234: true}})

	require.NoError(t, svc.Create(newRun("r1")))
	stats := map[string]int64{"moved": 90, "skipped": 10}
	require.NoError(t, svc.Progress("r1", 100, 250, "page-2", stats))

	run, err := svc.Get("r1")
	require.NoError(t, err)
	assert.Equal(t, int64(100), run.ProcessedCount)
	assert.Equal(t, int64(250), run.TotalCount)
	assert.Equal(t, "page-2", run.Cursor)
	assert.Equal(t, int64(90), run.Stats["moved"])
	assert.InDelta(t, 40.0, run.Percent(), 0.01)
}

func TestAppendOutputTrimsRing(t *testing.T) {
	svc := newTestService(t, fakeLiveness{alive: map[int]bool{1234: true}})

	require.NoError(t, svc.Create(newRun("r1")))
	for i := 0; i < OutputRingSize+20; i++ {
		require.NoError(t, svc.AppendOutput("r1", fmt.Sprintf("line %d", i)))
	}

	run, err := svc.Get("r1")
	require.NoError(t, err)
	require.Len(t, run.Output, OutputRingSize)
	assert.Equal(t, fmt.Sprintf("line %d", 20), run.Output[0])
	assert.Equal(t, fmt.Sprintf("line %d", OutputRingSize+19), run.Output[OutputRingSize-1])
}

func TestCancelFlag(t *testing.T) {
	svc := newTestService(t, fakeLiveness{alive: map[int]bool{1234: true}})

	require.NoError(t, svc.Create(newRun("r1")))

	requested, err := svc.CancelRequested("r1")
	require.NoError(t, err)
	assert.False(t, requested)

	require.NoError(t, svc.RequestCancel("r1"))

	requested, err = svc.CancelRequested("r1")
	require.NoError(t, err)
	assert.True(t, requested)
}

func TestLatestIncomplete(t *testing.T) {
	svc := newTestService(t, fakeLiveness{alive: map[int]bool{1234: true}})

	done := newRun("done")
	done.StartedAt = time.Now().UTC().Add(-2 * time.Hour)
	require.NoError(t, svc.Create(done))
	require.NoError(t, svc.SetStatus("done", StatusCompleted, ""))

	paused := newRun("paused")
	paused.StartedAt = time.Now().UTC().Add(-time.Hour)
	require.NoError(t, svc.Create(paused))
	require.NoError(t, svc.SetStatus("paused", StatusPaused, "cancelled"))

	run, err := svc.LatestIncomplete()
	require.NoError(t, err)
	require.NotNil(t, run)
	assert.Equal(t, "paused", run.RunID)
}

func TestLatestIncompleteNilWhenAllTerminal(t *testing.T) {
	svc := newTestService(t, fakeLiveness{alive: map[int]bool{1234: true}})

	require.NoError(t, svc.Create(newRun("r1")))
	require.NoError(t, svc.SetStatus("r1", StatusFailed, "boom"))

	run, err := svc.LatestIncomplete()
	require.NoError(t, err)
	assert.Nil(t, run)
}

func TestPurgeTerminalOlderThan(t *testing.T) {
	svc := newTestService(t, fakeLiveness{alive: map[int]bool{1234: true}})

	require.NoError(t, svc.Create(newRun("old")))
	require.NoError(t, svc.SetStatus("old", StatusCompleted, ""))
	// Backdate the completion stamp past the retention window.
	_, err := svc.db.Exec(`UPDATE runs SET completed_at = ? WHERE run_id = 'old'`,
		time.Now().UTC().Add(-48*time.Hour))
	require.NoError(t, err)

	require.NoError(t, svc.Create(newRun("active")))

	purged, err := svc.PurgeTerminalOlderThan(24 * time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), purged)

	_, err = svc.Get("old")
	assert.True(t, errors.Is(err, ErrNotFound))
	_, err = svc.Get("active")
	assert.NoError(t, err)
}
