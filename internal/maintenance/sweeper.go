// Package maintenance runs the background housekeeping jobs: checkpoint
// retention, stale-run demotion and terminal-run purging.
package maintenance

import (
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"assetmigrate/internal/checkpoint"
	"assetmigrate/internal/runstate"
)

// Config sets the retention windows. Zero values fall back to defaults.
type Config struct {
	// Schedule is a cron spec; defaults to every 15 minutes.
	Schedule string
	// CheckpointRetention is how long checkpoints outlive their creation.
	// Only the newest checkpoint per run matters for resume; older rows are
	// history.
	CheckpointRetention time.Duration
	// RunRetention is how long completed and failed runs are kept.
	RunRetention time.Duration
}

func (c Config) withDefaults() Config {
	if c.Schedule == "" {
		c.Schedule = "@every 15m"
	}
	if c.CheckpointRetention <= 0 {
		c.CheckpointRetention = 7 * 24 * time.Hour
	}
	if c.RunRetention <= 0 {
		c.RunRetention = 30 * 24 * time.Hour
	}
	return c
}

// Sweeper schedules the housekeeping jobs.
type Sweeper struct {
	cfg         Config
	checkpoints checkpoint.Store
	runs        runstate.Service
	logger      *zap.Logger
	cron        *cron.Cron
}

// NewSweeper creates a sweeper; call Start to begin scheduling.
func NewSweeper(cfg Config, checkpoints checkpoint.Store, runs runstate.Service, logger *zap.Logger) *Sweeper {
	return &Sweeper{
		cfg:         cfg.withDefaults(),
		checkpoints: checkpoints,
		runs:        runs,
		logger:      logger,
		cron:        cron.New(),
	}
}

// Start registers the sweep on the schedule and starts the cron loop.
func (s *Sweeper) Start() error {
	if _, err := s.cron.AddFunc(s.cfg.Schedule, s.Sweep); err != nil {
		return err
	}
	s.cron.Start()
	s.logger.Info("maintenance sweeper started", zap.String("schedule", s.cfg.Schedule))
	return nil
}

// Stop halts scheduling and waits for a running sweep to finish.
func (s *Sweeper) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
}

// Sweep runs one housekeeping pass. Exported so operators can trigger it
// out of schedule.
func (s *Sweeper) Sweep() {
	purged, err := s.checkpoints.PurgeOlderThan(s.cfg.CheckpointRetention)
	if err != nil {
		s.logger.Error("checkpoint purge failed", zap.Error(err))
	} else if purged > 0 {
		s.logger.Info("purged old checkpoints", zap.Int64("count", purged))
	}

	// ListRunning demotes runs whose worker process is gone as a side
	// effect of the liveness check.
	if runs, err := s.runs.ListRunning(); err != nil {
		s.logger.Error("stale run sweep failed", zap.Error(err))
	} else {
		s.logger.Debug("liveness sweep complete", zap.Int("active_runs", len(runs)))
	}

	removed, err := s.runs.PurgeTerminalOlderThan(s.cfg.RunRetention)
	if err != nil {
		s.logger.Error("terminal run purge failed", zap.Error(err))
	} else if removed > 0 {
		s.logger.Info("purged old runs", zap.Int64("count", removed))
	}
}
