// Package resolver decides which of two colliding objects survives and how
// the loser's references are folded into the winner.
package resolver

import (
	"context"

	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"

	"assetmigrate/internal/object"
)

// Action describes what the engine should do with a colliding candidate.
type Action string

const (
	// ActionKeep means candidate and existing are the same content; nothing
	// to transfer or merge.
	ActionKeep Action = "keep"
	// ActionOverwrite means the candidate wins and replaces the existing
	// object; the existing object's references move to the candidate.
	ActionOverwrite Action = "overwrite"
	// ActionMerge means the existing object wins; the candidate's
	// references are reassigned to it, and the candidate's bytes are copied
	// over it when they are the higher-fidelity (larger) content.
	ActionMerge Action = "merge_into_existing"
)

// Decision is the output of collision resolution. It lives only in the
// run's changelog and stats, never persisted on its own.
type Decision struct {
	Action Action
	Winner object.Metadata
	Loser  object.Metadata
	// CopyLoserContent is set on merge when the loser's bytes are larger
	// than the winner's and must be copied onto the winner's location so a
	// better file is not silently discarded for arriving second.
	CopyLoserContent bool
}

// Reassigner moves inbound references from one object path to another. It
// is provided by the host asset layer; the engine only needs the count.
type Reassigner interface {
	Reassign(ctx context.Context, fromPath, toPath string) (int64, error)
}

// Resolver applies the deterministic winner-selection chain.
type Resolver struct {
	reassigner Reassigner
	logger     *zap.Logger
}

// New creates a resolver. reassigner may be nil when the host has no
// reference tracking.
func New(reassigner Reassigner, logger *zap.Logger) *Resolver {
	return &Resolver{reassigner: reassigner, logger: logger}
}

// compare returns >0 when a outranks b, <0 when b outranks a, 0 on a full
// tie. The chain is total: usage count, then byte size, then last-modified
// time, then sequence number.
func compare(a, b object.Metadata) int {
	if a.UsageCount != b.UsageCount {
		if a.UsageCount > b.UsageCount {
			return 1
		}
		return -1
	}
	if a.Size != b.Size {
		if a.Size > b.Size {
			return 1
		}
		return -1
	}
	if !a.LastModified.Equal(b.LastModified) {
		if a.LastModified.After(b.LastModified) {
			return 1
		}
		return -1
	}
	if a.SequenceID != b.SequenceID {
		if a.SequenceID > b.SequenceID {
			return 1
		}
		return -1
	}
	return 0
}

// Resolve decides between a migration candidate and the object already at
// the target identity. The decision is deterministic for any input pair.
func (r *Resolver) Resolve(candidate, existing object.Metadata) Decision {
	// Identical content: nothing to do.
	if candidate.ETag != "" && candidate.ETag == existing.ETag && candidate.Size == existing.Size {
		return Decision{Action: ActionKeep, Winner: existing, Loser: candidate}
	}

	if compare(candidate, existing) > 0 {
		return Decision{Action: ActionOverwrite, Winner: candidate, Loser: existing}
	}

	return Decision{
		Action:           ActionMerge,
		Winner:           existing,
		Loser:            candidate,
		CopyLoserContent: candidate.Size > existing.Size,
	}
}

// ReassignRefs moves the loser's inbound references to the winner. Returns
// the number of references moved. No-op without a host reassigner.
func (r *Resolver) ReassignRefs(ctx context.Context, d Decision) (int64, error) {
	if r.reassigner == nil || d.Action == ActionKeep {
		return 0, nil
	}
	moved, err := r.reassigner.Reassign(ctx, d.Loser.Path, d.Winner.Path)
	if err != nil {
		return 0, err
	}
	if moved > 0 {
		r.logger.Info("reassigned references",
			zap.String("from", d.Loser.Path),
			zap.String("to", d.Winner.Path),
			zap.Int64("moved", moved),
		)
	}
	return moved, nil
}

// Summary aggregates the outcome of a batch resolution pass.
type Summary struct {
	Groups   int
	Resolved int
	Errored  int
	// ReassignedRefs is the total number of references moved to winners.
	ReassignedRefs int64
	Decisions      []Decision
}

// ResolveAll groups the scope by identity key, reduces each group to a
// single winner via pairwise Resolve, and reassigns every loser's
// references to its group winner. In dry-run mode decisions are reported
// but no references move. Per-group failures are counted and aggregated;
// they do not stop the remaining groups.
func (r *Resolver) ResolveAll(ctx context.Context, scope []object.Metadata, identity func(object.Metadata) string, dryRun bool) (Summary, error) {
	groups := make(map[string][]object.Metadata)
	order := make([]string, 0)
	for _, m := range scope {
		key := identity(m)
		if _, seen := groups[key]; !seen {
			order = append(order, key)
		}
		groups[key] = append(groups[key], m)
	}

	summary := Summary{Groups: len(order)}
	var errs *multierror.Error

	for _, key := range order {
		group := groups[key]
		if len(group) < 2 {
			continue
		}

		winner := group[0]
		losers := make([]object.Metadata, 0, len(group)-1)
		for _, m := range group[1:] {
			d := r.Resolve(m, winner)
			if d.Action == ActionOverwrite {
				losers = append(losers, winner)
				winner = m
			} else {
				losers = append(losers, m)
			}
		}

		groupErrored := false
		for _, loser := range losers {
			d := r.Resolve(loser, winner)
			summary.Decisions = append(summary.Decisions, d)
			if dryRun {
				continue
			}
			moved, err := r.ReassignRefs(ctx, d)
			if err != nil {
				errs = multierror.Append(errs, err)
				groupErrored = true
				continue
			}
			summary.ReassignedRefs += moved
		}

		if groupErrored {
			summary.Errored++
		} else {
			summary.Resolved++
		}
	}

	return summary, errs.ErrorOrNil()
}
