package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/dustin/go-humanize"
	"go.uber.org/zap"

	"assetmigrate/internal/object"
	"assetmigrate/internal/provider"
	"assetmigrate/internal/resolver"
)

// processItem migrates a single object and records the outcome in stats.
// Dry-run mode walks the full read path and makes every decision a live run
// would, but suppresses writes, deletions, merges and reference moves, so
// the resulting counters match a subsequent live run over the same scope.
func (r *Runner) processItem(ctx context.Context, item object.Metadata, stats map[string]int64) (runOutcome, int64) {
	start := time.Now()
	defer func() {
		if r.metrics != nil {
			r.metrics.ObserveDuration(time.Since(start))
		}
	}()

	outcome, bytes, err := r.migrateOne(ctx, item)
	if err != nil {
		stats["errored"]++
		r.lastItemErr = err
		r.changelog.Append("error %s: %v", item.Path, err)
		r.logger.Warn("object migration failed",
			zap.String("path", item.Path),
			zap.Error(err),
		)
		return outcomeErrored, 0
	}

	switch outcome {
	case outcomeMoved:
		stats["moved"]++
	case outcomeSkipped:
		stats["skipped"]++
	case outcomeMerged:
		stats["merged"]++
	}
	return outcome, bytes
}

func (r *Runner) migrateOne(ctx context.Context, item object.Metadata) (runOutcome, int64, error) {
	var exists bool
	err := r.retry(ctx, func() error {
		var e error
		exists, e = r.dst.Exists(ctx, item.Path)
		return e
	})
	if err != nil {
		return outcomeErrored, 0, err
	}

	if !exists {
		return r.transfer(ctx, item)
	}

	existing, err := r.dst.Stat(ctx, item.Path)
	if err != nil {
		return outcomeErrored, 0, err
	}

	d := r.resolver.Resolve(item, existing)
	switch d.Action {
	case resolver.ActionKeep:
		r.changelog.Append("keep %s (identical at target)", item.Path)
		return outcomeSkipped, 0, nil

	case resolver.ActionOverwrite:
		outcome, bytes, err := r.transfer(ctx, item)
		if err != nil {
			return outcome, bytes, err
		}
		if !r.cfg.DryRun {
			if _, err := r.resolver.ReassignRefs(ctx, d); err != nil {
				return outcomeErrored, 0, fmt.Errorf("reference reassignment failed for %s: %w", item.Path, err)
			}
		}
		r.changelog.Append("overwrite %s (%s, candidate outranks target)", item.Path, humanize.Bytes(uint64(item.Size)))
		return outcome, bytes, nil

	case resolver.ActionMerge:
		return r.merge(ctx, item, d)
	}

	return outcomeErrored, 0, fmt.Errorf("unknown resolution action %q for %s", d.Action, item.Path)
}

// transfer copies one object source to target. The source is read even in
// dry-run mode so read-side failures surface identically; only the write is
// suppressed.
func (r *Runner) transfer(ctx context.Context, item object.Metadata) (runOutcome, int64, error) {
	var data []byte
	err := r.retry(ctx, func() error {
		var e error
		data, e = r.src.Read(ctx, item.Path)
		return e
	})
	if err != nil {
		return outcomeErrored, 0, fmt.Errorf("read failed: %w", err)
	}

	if r.cfg.DryRun {
		return outcomeMoved, int64(len(data)), nil
	}

	opts := provider.WriteOptions{
		ContentType: item.ContentType,
		Metadata:    item.Metadata,
	}
	err = r.retry(ctx, func() error {
		return r.dst.Write(ctx, item.Path, data, opts)
	})
	if err != nil {
		return outcomeErrored, 0, fmt.Errorf("write failed: %w", err)
	}
	return outcomeMoved, int64(len(data)), nil
}

// merge folds the candidate into the existing target object. References
// move to the winner first; the candidate's bytes are copied over the
// winner only when they are the larger content.
func (r *Runner) merge(ctx context.Context, item object.Metadata, d resolver.Decision) (runOutcome, int64, error) {
	if r.cfg.DryRun {
		// Decision is logged, nothing moves.
		r.changelog.Append("merge %s into existing target (dry-run)", item.Path)
		return outcomeMerged, 0, nil
	}

	if _, err := r.resolver.ReassignRefs(ctx, d); err != nil {
		return outcomeErrored, 0, fmt.Errorf("reference reassignment failed for %s: %w", item.Path, err)
	}

	var bytes int64
	if d.CopyLoserContent {
		var data []byte
		err := r.retry(ctx, func() error {
			var e error
			data, e = r.src.Read(ctx, item.Path)
			return e
		})
		if err != nil {
			return outcomeErrored, 0, fmt.Errorf("read failed: %w", err)
		}
		err = r.retry(ctx, func() error {
			return r.dst.Write(ctx, d.Winner.Path, data, provider.WriteOptions{
				ContentType: item.ContentType,
				Metadata:    item.Metadata,
			})
		})
		if err != nil {
			return outcomeErrored, 0, fmt.Errorf("write failed: %w", err)
		}
		bytes = int64(len(data))
		r.changelog.Append("merge %s into %s (copied %s, larger content)",
			item.Path, d.Winner.Path, humanize.Bytes(uint64(bytes)))
	} else {
		r.changelog.Append("merge %s into %s", item.Path, d.Winner.Path)
	}
	return outcomeMerged, bytes, nil
}

// retry wraps a provider call with a fixed-delay retry budget. Critical
// errors (auth/permission class) are never retried.
func (r *Runner) retry(ctx context.Context, op func() error) error {
	wrapped := func() error {
		err := op()
		if err != nil && provider.IsCritical(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(r.cfg.RetryDelay), uint64(r.cfg.MaxRetries)),
		ctx,
	)
	return backoff.Retry(wrapped, policy)
}
