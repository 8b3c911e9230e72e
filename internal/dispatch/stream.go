package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"assetmigrate/internal/runstate"
)

// Frame is one server-sent progress event. A frame with Status "detached"
// tells the client the server has stopped pushing and it should fall back
// to polling the status endpoint (every 2 seconds is a sensible interval).
type Frame struct {
	Status  string  `json:"status"`
	Message string  `json:"message,omitempty"`
	Percent float64 `json:"percent"`
	PID     int     `json:"pid,omitempty"`
}

// StatusDetached marks the handoff frame that ends a push stream for a run
// that is still in progress.
const StatusDetached = "detached"

// Streamer pushes run progress over SSE until the run reaches a terminal
// status or the push window expires.
type Streamer struct {
	runs     runstate.Service
	logger   *zap.Logger
	interval time.Duration
	// maxPush bounds how long one client is pushed to before the detached
	// handoff. Long migrations should not pin a connection for hours.
	maxPush time.Duration
}

// NewStreamer creates a streamer polling the run record every interval.
func NewStreamer(runs runstate.Service, interval, maxPush time.Duration, logger *zap.Logger) *Streamer {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	if maxPush <= 0 {
		maxPush = 10 * time.Minute
	}
	return &Streamer{runs: runs, logger: logger, interval: interval, maxPush: maxPush}
}

// Serve streams progress frames for runID to w. It returns when the run is
// terminal, the push window expires (after a detached frame), or ctx ends.
func (s *Streamer) Serve(ctx context.Context, w io.Writer, runID string) error {
	flusher, _ := w.(http.Flusher)

	deadline := time.Now().Add(s.maxPush)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	// First frame goes out immediately so the client sees state without
	// waiting one interval.
	for {
		run, err := s.runs.Get(runID)
		if err != nil {
			return fmt.Errorf("failed to load run %s: %w", runID, err)
		}

		frame := Frame{
			Status:  string(run.Status),
			Message: run.ErrorMessage,
			Percent: run.Percent(),
			PID:     run.PID,
		}
		if err := writeFrame(w, flusher, frame); err != nil {
			return err
		}

		if run.Status.Terminal() {
			return nil
		}
		if time.Now().After(deadline) {
			handoff := Frame{
				Status:  StatusDetached,
				Message: "push window closed; poll the status endpoint for further progress",
				Percent: run.Percent(),
				PID:     run.PID,
			}
			return writeFrame(w, flusher, handoff)
		}

		select {
		case <-ctx.Done():
			// Client went away; nothing to hand off to.
			return nil
		case <-ticker.C:
		}
	}
}

func writeFrame(w io.Writer, flusher http.Flusher, f Frame) error {
	payload, err := json.Marshal(f)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
		return err
	}
	if flusher != nil {
		flusher.Flush()
	}
	return nil
}
