package progress

import (
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"assetmigrate/internal/runstate"
)

// Reporter periodically prints run progress to stdout. It is a read-only
// observer of the run record; the engine never blocks on it.
type Reporter struct {
	runs     runstate.Service
	runID    string
	interval time.Duration
	logger   *zap.Logger
	meter    *Meter
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// NewReporter creates a reporter polling every interval.
func NewReporter(runs runstate.Service, runID string, interval time.Duration, logger *zap.Logger) *Reporter {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	return &Reporter{
		runs:     runs,
		runID:    runID,
		interval: interval,
		logger:   logger,
		meter:    NewMeter(),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start begins the reporting loop.
func (r *Reporter) Start() {
	go r.loop()
}

// Stop halts reporting and prints the final line.
func (r *Reporter) Stop() {
	close(r.stopCh)
	<-r.doneCh
}

func (r *Reporter) loop() {
	defer close(r.doneCh)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.report(false)
		case <-r.stopCh:
			r.report(true)
			return
		}
	}
}

func (r *Reporter) report(final bool) {
	run, err := r.runs.Get(r.runID)
	if err != nil {
		r.logger.Debug("progress poll failed", zap.Error(err))
		return
	}

	r.meter.Observe(run.ProcessedCount)

	if final {
		fmt.Printf("\n%s: %d objects processed (moved=%d skipped=%d merged=%d errored=%d)\n",
			run.Status,
			run.ProcessedCount,
			run.Stats["moved"], run.Stats["skipped"], run.Stats["merged"], run.Stats["errored"],
		)
		return
	}

	line := fmt.Sprintf("\r%s %d", bar(run.Percent(), 30), run.ProcessedCount)
	if run.TotalCount > 0 {
		line += fmt.Sprintf("/%d", run.TotalCount)
		if eta := r.meter.ETA(run.TotalCount - run.ProcessedCount); eta > 0 {
			line += " eta " + FormatDuration(eta)
		}
	}
	if rate := r.meter.Rate(); rate > 0 {
		line += fmt.Sprintf(" (%.1f obj/s)", rate)
	}
	fmt.Print(line)
}

func bar(percent float64, width int) string {
	if percent > 100 {
		percent = 100
	}
	if percent < 0 {
		percent = 0
	}
	filled := int(percent * float64(width) / 100)
	return fmt.Sprintf("[%s%s] %5.1f%%",
		strings.Repeat("=", filled),
		strings.Repeat(" ", width-filled),
		percent,
	)
}
