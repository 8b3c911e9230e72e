package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"assetmigrate/internal/runstate"
)

func decodeFrames(t *testing.T, raw string) []Frame {
	t.Helper()
	var frames []Frame
	for _, line := range strings.Split(raw, "\n") {
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var f Frame
		require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &f))
		frames = append(frames, f)
	}
	return frames
}

func TestStreamEndsOnTerminalRun(t *testing.T) {
	runs := newTestRuns(t)
	require.NoError(t, runs.Create(&runstate.Run{RunID: "r1", JobID: "j1", Command: "assets/migrate", Phase: runstate.PhaseCopy}))
	require.NoError(t, runs.Progress("r1", 250, 250, "", map[string]int64{"moved": 250}))
	require.NoError(t, runs.SetStatus("r1", runstate.StatusCompleted, ""))

	s := NewStreamer(runs, 10*time.Millisecond, time.Minute, zap.NewNop())

	var buf bytes.Buffer
	require.NoError(t, s.Serve(context.Background(), &buf, "r1"))

	frames := decodeFrames(t, buf.String())
	require.Len(t, frames, 1)
	assert.Equal(t, string(runstate.StatusCompleted), frames[0].Status)
	assert.InDelta(t, 100.0, frames[0].Percent, 0.01)
}

func TestStreamHandsOffWithDetachedFrame(t *testing.T) {
	runs := newTestRuns(t)
	require.NoError(t, runs.Create(&runstate.Run{RunID: "r1", JobID: "j1", Command: "assets/migrate", Phase: runstate.PhaseCopy}))
	require.NoError(t, runs.Progress("r1", 50, 200, "c", map[string]int64{}))

	// Push window shorter than one tick forces the handoff immediately
	// after the first frame.
	s := NewStreamer(runs, 5*time.Millisecond, time.Nanosecond, zap.NewNop())

	var buf bytes.Buffer
	require.NoError(t, s.Serve(context.Background(), &buf, "r1"))

	frames := decodeFrames(t, buf.String())
	require.NotEmpty(t, frames)
	last := frames[len(frames)-1]
	assert.Equal(t, StatusDetached, last.Status)
	assert.Contains(t, last.Message, "poll")
	assert.InDelta(t, 25.0, last.Percent, 0.01)
}

func TestStreamStopsWhenClientGone(t *testing.T) {
	runs := newTestRuns(t)
	require.NoError(t, runs.Create(&runstate.Run{RunID: "r1", JobID: "j1", Command: "assets/migrate", Phase: runstate.PhaseCopy}))

	ctx, cancel := context.WithCancel(context.Background())
	s := NewStreamer(runs, 5*time.Millisecond, time.Minute, zap.NewNop())

	done := make(chan error, 1)
	var buf bytes.Buffer
	go func() { done <- s.Serve(ctx, &buf, "r1") }()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("stream did not stop after client disconnect")
	}
}

func TestStreamUnknownRun(t *testing.T) {
	runs := newTestRuns(t)
	s := NewStreamer(runs, 5*time.Millisecond, time.Minute, zap.NewNop())

	var buf bytes.Buffer
	err := s.Serve(context.Background(), &buf, "missing")
	assert.Error(t, err)
}
