// Package engine contains the batch runner: the state machine that moves
// objects from a source provider to a target provider in checkpointed,
// sequential batches under a cross-process migration lock.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"assetmigrate/internal/checkpoint"
	"assetmigrate/internal/lock"
	"assetmigrate/internal/metrics"
	"assetmigrate/internal/object"
	"assetmigrate/internal/provider"
	"assetmigrate/internal/resolver"
	"assetmigrate/internal/runstate"
)

// Config tunes one run of the batch runner. The zero value is filled with
// defaults sized from the source provider's capabilities.
type Config struct {
	// Subject is the logical migration identity the lock guards, e.g.
	// "full-migration".
	Subject string
	Phase   runstate.Phase
	Prefix  string

	BatchSize              int
	CheckpointEveryBatches int
	ChangelogFlushEvery    int

	ErrorThreshold         int
	CriticalErrorThreshold int
	MaxRepeatedErrors      int
	MaxRetries             int
	RetryDelay             time.Duration

	LockAcquireTimeout  time.Duration
	LockRefreshInterval time.Duration

	// SkipLock is for callers that already guarantee exclusivity, such as
	// a queue serializing jobs on the subject.
	SkipLock bool
	Resume   bool
	DryRun   bool
	// CountFirst runs a discovery pass to learn the total object count
	// before copying. It costs one extra listing traversal.
	CountFirst bool
}

func (c Config) withDefaults(caps provider.Capabilities) Config {
	if c.Subject == "" {
		c.Subject = "full-migration"
	}
	if c.Phase == "" {
		c.Phase = runstate.PhaseCopy
	}
	if c.BatchSize <= 0 {
		c.BatchSize = caps.OptimalBatchSize
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.CheckpointEveryBatches <= 0 {
		c.CheckpointEveryBatches = 1
	}
	if c.ChangelogFlushEvery <= 0 {
		c.ChangelogFlushEvery = 5
	}
	if c.ErrorThreshold <= 0 {
		c.ErrorThreshold = 50
	}
	if c.CriticalErrorThreshold <= 0 {
		c.CriticalErrorThreshold = 5
	}
	if c.MaxRepeatedErrors <= 0 {
		c.MaxRepeatedErrors = 10
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = 500 * time.Millisecond
	}
	if c.LockAcquireTimeout <= 0 {
		c.LockAcquireTimeout = 10 * time.Second
	}
	if c.LockRefreshInterval <= 0 {
		c.LockRefreshInterval = 30 * time.Second
	}
	return c
}

// Runner executes one migration run. It is the sole writer of that run's
// state record and checkpoints while active.
type Runner struct {
	cfg         Config
	src         provider.Provider
	dst         provider.Provider
	locks       lock.Store
	checkpoints checkpoint.Store
	runs        runstate.Service
	resolver    *resolver.Resolver
	metrics     *metrics.Collector
	changelog   *Changelog
	logger      *zap.Logger
	holderID    string

	// lastItemErr holds the most recent permanent item failure for the
	// error policy. Batches run sequentially, so plain assignment is safe.
	lastItemErr error
}

// NewRunner wires a runner. metrics and changelog may be nil.
func NewRunner(
	cfg Config,
	src, dst provider.Provider,
	locks lock.Store,
	checkpoints checkpoint.Store,
	runs runstate.Service,
	res *resolver.Resolver,
	collector *metrics.Collector,
	changelog *Changelog,
	holderID string,
	logger *zap.Logger,
) *Runner {
	cfg = cfg.withDefaults(src.Capabilities())
	if changelog == nil {
		changelog = NewChangelog(nil, "")
	}
	return &Runner{
		cfg:         cfg,
		src:         src,
		dst:         dst,
		locks:       locks,
		checkpoints: checkpoints,
		runs:        runs,
		resolver:    res,
		metrics:     collector,
		changelog:   changelog,
		logger:      logger,
		holderID:    holderID,
	}
}

type runOutcome string

const (
	outcomeMoved   runOutcome = "moved"
	outcomeSkipped runOutcome = "skipped"
	outcomeMerged  runOutcome = "merged"
	outcomeErrored runOutcome = "errored"
)

// Run drives the state machine for runID. The run record must already
// exist (created by the dispatcher or the CLI front end). The returned
// error is also recorded on the run record; it is never silently swallowed.
func (r *Runner) Run(ctx context.Context, runID string) error {
	logger := r.logger.With(zap.String("run_id", runID), zap.String("subject", r.cfg.Subject))

	if r.metrics != nil {
		r.metrics.RunStarted()
		defer r.metrics.RunFinished()
	}

	// Locking.
	var lease *lock.Lease
	if !r.cfg.SkipLock {
		var err error
		lease, err = r.locks.Acquire(ctx, r.cfg.Subject, r.holderID, r.cfg.LockAcquireTimeout)
		if err != nil {
			var held *lock.HeldError
			if errors.As(err, &held) {
				logger.Warn("migration lock held", zap.String("holder", held.HolderID))
			}
			return r.fail(runID, fmt.Errorf("failed to acquire migration lock: %w", err))
		}
		logger.Info("acquired migration lock", zap.Time("expires_at", lease.ExpiresAt))
	}
	defer func() {
		if lease != nil {
			if err := r.locks.Release(context.Background(), lease); err != nil {
				logger.Error("failed to release migration lock", zap.Error(err))
			}
		}
	}()

	// Resuming.
	cursor, processed, stats, err := r.resumePoint(runID)
	if err != nil {
		return r.fail(runID, err)
	}
	checkpointFloor := processed

	if err := r.runs.SetStatus(runID, runstate.StatusRunning, ""); err != nil {
		return fmt.Errorf("failed to mark run running: %w", err)
	}

	// Lock refresh runs independently of checkpoint writes; neither blocks
	// the other. A refresh failure means the lease was lost and the run
	// must abort rather than continue unguarded.
	refreshFailed := make(chan error, 1)
	refreshCtx, stopRefresh := context.WithCancel(ctx)
	defer stopRefresh()
	if lease != nil {
		go r.refreshLoop(refreshCtx, lease, refreshFailed)
	}

	total, err := r.discoverTotal(ctx, runID, cursor, processed)
	if err != nil {
		return r.fail(runID, err)
	}

	it := object.NewIteratorAt(ctx, r.pageFunc(), r.cfg.BatchSize, cursor)
	policy := &errorPolicy{
		errorThreshold:         r.cfg.ErrorThreshold,
		criticalErrorThreshold: r.cfg.CriticalErrorThreshold,
		maxRepeatedErrors:      r.cfg.MaxRepeatedErrors,
	}

	mode := "live"
	if r.cfg.DryRun {
		mode = "dry-run"
	}
	r.changelog.Append("run %s started (%s, phase=%s, subject=%s)", runID, mode, r.cfg.Phase, r.cfg.Subject)

	batchNum := 0
	for {
		// Batch boundary: cancellation and lease health are only checked
		// here; an in-flight item always completes first.
		if cancelled, err := r.cancelRequested(ctx, runID); err != nil {
			return r.fail(runID, err)
		} else if cancelled {
			return r.pause(runID, processed, total, it.Cursor(), stats, checkpointFloor, "cancellation requested")
		}
		select {
		case err := <-refreshFailed:
			return r.fail(runID, fmt.Errorf("lock lease lost: %w", err))
		default:
		}

		batch := r.nextBatch(it)
		if err := it.Err(); err != nil {
			return r.fail(runID, fmt.Errorf("listing failed: %w", err))
		}
		if len(batch) == 0 {
			break
		}

		for _, item := range batch {
			outcome, bytes := r.processItem(ctx, item, stats)
			if r.metrics != nil {
				r.metrics.IncObject(string(outcome))
				if outcome == outcomeMoved {
					r.metrics.AddBytes(bytes)
				}
			}
			if outcome == outcomeErrored {
				if abort := policy.record(r.lastItemErr); abort != nil {
					r.changelog.Append("aborting: %v", abort)
					return r.fail(runID, abort)
				}
			}
		}

		batchNum++
		processed += int64(len(batch))
		if r.metrics != nil {
			r.metrics.IncBatch()
		}

		if err := r.runs.Progress(runID, processed, total, it.Cursor(), stats); err != nil {
			logger.Error("failed to record progress", zap.Error(err))
		}
		if err := r.runs.AppendOutput(runID, fmt.Sprintf("batch %d: %d/%d objects processed", batchNum, processed, total)); err != nil {
			logger.Error("failed to append run output", zap.Error(err))
		}

		// Checkpoint writes never regress below the resume point.
		if !r.cfg.DryRun && batchNum%r.cfg.CheckpointEveryBatches == 0 && processed >= checkpointFloor {
			if err := r.saveCheckpoint(runID, it.Cursor(), processed, stats); err != nil {
				return r.fail(runID, fmt.Errorf("checkpoint write failed: %w", err))
			}
			checkpointFloor = processed
		}
		if batchNum%r.cfg.ChangelogFlushEvery == 0 {
			if err := r.changelog.Flush(); err != nil {
				logger.Warn("changelog flush failed", zap.Error(err))
			}
		}

		logger.Debug("batch complete",
			zap.Int("batch", batchNum),
			zap.Int64("processed", processed),
			zap.Int64("total", total),
		)
	}

	// Finalizing.
	if !r.cfg.DryRun && processed >= checkpointFloor {
		if err := r.saveCheckpoint(runID, "", processed, stats); err != nil {
			return r.fail(runID, fmt.Errorf("final checkpoint write failed: %w", err))
		}
	}
	if err := r.runs.Progress(runID, processed, total, "", stats); err != nil {
		logger.Error("failed to record final progress", zap.Error(err))
	}
	r.changelog.Append("run %s completed: %d objects (moved=%d skipped=%d merged=%d errored=%d)",
		runID, processed, stats["moved"], stats["skipped"], stats["merged"], stats["errored"])
	if err := r.changelog.Flush(); err != nil {
		logger.Warn("changelog flush failed", zap.Error(err))
	}

	if err := r.runs.SetStatus(runID, runstate.StatusCompleted, ""); err != nil {
		return fmt.Errorf("failed to mark run completed: %w", err)
	}
	logger.Info("run completed",
		zap.Int64("processed", processed),
		zap.Int64("moved", stats["moved"]),
		zap.Int64("skipped", stats["skipped"]),
		zap.Int64("merged", stats["merged"]),
		zap.Int64("errored", stats["errored"]),
	)
	return nil
}

func (r *Runner) refreshLoop(ctx context.Context, lease *lock.Lease, failed chan<- error) {
	ticker := time.NewTicker(r.cfg.LockRefreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.locks.Refresh(ctx, lease); err != nil {
				select {
				case failed <- err:
				default:
				}
				return
			}
		}
	}
}

// resumePoint loads the latest checkpoint when resuming. Counters continue
// from the saved values rather than zero.
func (r *Runner) resumePoint(runID string) (cursor string, processed int64, stats map[string]int64, err error) {
	stats = map[string]int64{}
	if !r.cfg.Resume {
		return "", 0, stats, nil
	}

	run, err := r.runs.Get(runID)
	if err != nil {
		return "", 0, nil, err
	}
	if run.Status.Terminal() {
		return "", 0, nil, &ResumeInconsistencyError{RunID: runID, Status: run.Status}
	}

	cp, err := r.checkpoints.LoadLatest(runID)
	if err != nil {
		return "", 0, nil, err
	}
	if cp == nil {
		return "", 0, stats, nil
	}

	for k, v := range cp.Stats {
		stats[k] = v
	}
	r.logger.Info("resuming from checkpoint",
		zap.String("run_id", runID),
		zap.Int64("processed", cp.ProcessedCount),
		zap.Time("checkpoint_at", cp.CreatedAt),
	)
	return cp.Cursor, cp.ProcessedCount, stats, nil
}

// discoverTotal learns the total object count for progress reporting. On
// resume the previously recorded total is kept; a fresh run pays one
// listing traversal when CountFirst is set. The counting pass starts at the
// resume cursor so already-processed objects are not counted twice.
func (r *Runner) discoverTotal(ctx context.Context, runID, cursor string, processed int64) (int64, error) {
	run, err := r.runs.Get(runID)
	if err != nil {
		return 0, err
	}
	if run.TotalCount > 0 {
		return run.TotalCount, nil
	}
	if !r.cfg.CountFirst {
		return 0, nil
	}

	counter := object.NewIteratorAt(ctx, r.pageFunc(), r.cfg.BatchSize, cursor)
	remaining, err := counter.Count()
	if err != nil {
		return 0, fmt.Errorf("discovery count failed: %w", err)
	}
	return remaining + processed, nil
}

func (r *Runner) pageFunc() object.PageFunc {
	return func(ctx context.Context, cursor string, limit int) (object.Page, error) {
		return r.src.ListPage(ctx, r.cfg.Prefix, cursor, limit)
	}
}

func (r *Runner) nextBatch(it *object.Iterator) []object.Metadata {
	batch := make([]object.Metadata, 0, r.cfg.BatchSize)
	for len(batch) < r.cfg.BatchSize && it.Valid() {
		batch = append(batch, it.Item())
		it.Next()
	}
	return batch
}

func (r *Runner) cancelRequested(ctx context.Context, runID string) (bool, error) {
	if ctx.Err() != nil {
		// Process shutdown behaves like a cancellation: pause cleanly at
		// the batch boundary.
		return true, nil
	}
	return r.runs.CancelRequested(runID)
}

func (r *Runner) pause(runID string, processed, total int64, cursor string, stats map[string]int64, floor int64, reason string) error {
	if !r.cfg.DryRun && processed >= floor {
		if err := r.saveCheckpoint(runID, cursor, processed, stats); err != nil {
			r.logger.Error("checkpoint write on pause failed", zap.Error(err))
		}
	}
	r.changelog.Append("run %s paused: %s", runID, reason)
	if err := r.changelog.Flush(); err != nil {
		r.logger.Warn("changelog flush failed", zap.Error(err))
	}
	if err := r.runs.Progress(runID, processed, total, cursor, stats); err != nil {
		r.logger.Error("failed to record progress on pause", zap.Error(err))
	}
	return r.runs.SetStatus(runID, runstate.StatusPaused, reason)
}

func (r *Runner) fail(runID string, cause error) error {
	if err := r.runs.SetStatus(runID, runstate.StatusFailed, cause.Error()); err != nil {
		r.logger.Error("failed to record run failure", zap.Error(err))
	}
	if err := r.changelog.Flush(); err != nil {
		r.logger.Warn("changelog flush failed", zap.Error(err))
	}
	return cause
}

func (r *Runner) saveCheckpoint(runID, cursor string, processed int64, stats map[string]int64) error {
	snapshot := make(map[string]int64, len(stats))
	for k, v := range stats {
		snapshot[k] = v
	}
	return r.checkpoints.Save(&checkpoint.Checkpoint{
		RunID:          runID,
		Cursor:         cursor,
		ProcessedCount: processed,
		Stats:          snapshot,
	})
}
