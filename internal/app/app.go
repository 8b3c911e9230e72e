// Package app wires the providers, stores and engine together for both the
// CLI migration path and the HTTP server.
package app

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/spf13/afero"
	"go.uber.org/zap"

	"assetmigrate/internal/api"
	"assetmigrate/internal/checkpoint"
	"assetmigrate/internal/config"
	"assetmigrate/internal/dispatch"
	"assetmigrate/internal/engine"
	"assetmigrate/internal/lock"
	"assetmigrate/internal/maintenance"
	"assetmigrate/internal/metrics"
	"assetmigrate/internal/progress"
	"assetmigrate/internal/provider"
	"assetmigrate/internal/resolver"
	"assetmigrate/internal/runstate"
)

// App owns the shared infrastructure for one process: providers, the state
// database connections, and the metrics collector.
type App struct {
	cfg    *config.Config
	logger *zap.Logger

	src provider.Provider
	dst provider.Provider

	locks       lock.Store
	checkpoints checkpoint.Store
	runs        runstate.Service
	resolver    *resolver.Resolver
	metrics     *metrics.Collector

	holderID string
}

// New builds the application from configuration.
func New(cfg *config.Config, logger *zap.Logger) (*App, error) {
	src, err := provider.New(cfg.Source)
	if err != nil {
		return nil, fmt.Errorf("failed to create source provider: %w", err)
	}
	dst, err := provider.New(cfg.Target)
	if err != nil {
		return nil, fmt.Errorf("failed to create target provider: %w", err)
	}

	locks, err := lock.NewSQLiteStore(cfg.StateDB, time.Duration(cfg.Lock.LeaseTTLSeconds)*time.Second)
	if err != nil {
		return nil, fmt.Errorf("failed to open lock store: %w", err)
	}
	checkpoints, err := checkpoint.NewSQLiteStore(cfg.StateDB)
	if err != nil {
		return nil, fmt.Errorf("failed to open checkpoint store: %w", err)
	}
	runs, err := runstate.NewSQLiteService(cfg.StateDB, runstate.PIDLiveness{})
	if err != nil {
		return nil, fmt.Errorf("failed to open run state store: %w", err)
	}

	hostname, _ := os.Hostname()
	holderID := fmt.Sprintf("%s-%d-%s", hostname, os.Getpid(), uuid.NewString()[:8])

	return &App{
		cfg:         cfg,
		logger:      logger,
		src:         src,
		dst:         dst,
		locks:       locks,
		checkpoints: checkpoints,
		runs:        runs,
		resolver:    resolver.New(nil, logger),
		metrics:     metrics.New(),
		holderID:    holderID,
	}, nil
}

// Close releases the state database connections.
func (a *App) Close() error {
	var errs *multierror.Error
	if err := a.locks.Close(); err != nil {
		errs = multierror.Append(errs, err)
	}
	if err := a.checkpoints.Close(); err != nil {
		errs = multierror.Append(errs, err)
	}
	if err := a.runs.Close(); err != nil {
		errs = multierror.Append(errs, err)
	}
	return errs.ErrorOrNil()
}

func (a *App) runnerConfig() engine.Config {
	m := a.cfg.Migration
	return engine.Config{
		Subject:                m.Subject,
		Prefix:                 m.Prefix,
		BatchSize:              m.BatchSize,
		CheckpointEveryBatches: m.CheckpointEveryBatches,
		ChangelogFlushEvery:    m.ChangelogFlushEvery,
		ErrorThreshold:         m.ErrorThreshold,
		CriticalErrorThreshold: m.CriticalErrorThreshold,
		MaxRepeatedErrors:      m.MaxRepeatedErrors,
		MaxRetries:             m.Retries,
		RetryDelay:             m.RetryDelay(),
		LockAcquireTimeout:     time.Duration(a.cfg.Lock.AcquireTimeoutSeconds) * time.Second,
		LockRefreshInterval:    time.Duration(a.cfg.Lock.RefreshIntervalSeconds) * time.Second,
		DryRun:                 m.DryRun,
		Resume:                 m.Resume,
		CountFirst:             m.CountFirst,
	}
}

func (a *App) newRunner(cfg engine.Config) *engine.Runner {
	changelog := engine.NewChangelog(afero.NewOsFs(), a.cfg.Migration.Changelog)
	return engine.NewRunner(
		cfg,
		a.src, a.dst,
		a.locks, a.checkpoints, a.runs,
		a.resolver, a.metrics, changelog,
		a.holderID, a.logger,
	)
}

// Migrate runs one migration in the foreground. With resume enabled and no
// prior incomplete run, it starts fresh.
func (a *App) Migrate(ctx context.Context) error {
	cfg := a.runnerConfig()

	runID := ""
	if cfg.Resume {
		prior, err := a.runs.LatestIncomplete()
		if err != nil {
			return err
		}
		if prior != nil {
			runID = prior.RunID
			a.logger.Info("resuming previous run",
				zap.String("run_id", runID),
				zap.Int64("processed", prior.ProcessedCount),
			)
		} else {
			cfg.Resume = false
			a.logger.Info("no incomplete run found, starting fresh")
		}
	}

	if runID == "" {
		run := &runstate.Run{
			RunID:   uuid.NewString(),
			JobID:   uuid.NewString(),
			Command: "assets/migrate",
			Phase:   runstate.PhaseCopy,
			Status:  runstate.StatusPending,
			PID:     os.Getpid(),
			DryRun:  cfg.DryRun,
		}
		if err := a.runs.Create(run); err != nil {
			return fmt.Errorf("failed to create run record: %w", err)
		}
		runID = run.RunID
	}

	reporter := progress.NewReporter(a.runs, runID, 2*time.Second, a.logger)
	reporter.Start()
	defer reporter.Stop()

	return a.newRunner(cfg).Run(ctx, runID)
}

// Serve runs the HTTP API until ctx is cancelled.
func (a *App) Serve(ctx context.Context) error {
	// ctx is the application lifetime; dispatched jobs must not inherit
	// individual request contexts or they die with the request.
	dispatcher := dispatch.New(ctx, a.runs, a.cfg.Server.MaxConcurrentJobs, a.logger)
	dispatcher.Register("assets/migrate", func(jobCtx context.Context, runID string, req dispatch.Request) error {
		cfg := a.runnerConfig()
		cfg.DryRun = req.DryRun
		cfg.Resume = req.Resume
		if req.Prefix != "" {
			cfg.Prefix = req.Prefix
		}
		// Concurrent jobs are serialized by the migration lock; the
		// dispatcher semaphore only bounds worker goroutines.
		return a.newRunner(cfg).Run(jobCtx, runID)
	})

	streamer := dispatch.NewStreamer(
		a.runs,
		time.Duration(a.cfg.Server.SSEIntervalMs)*time.Millisecond,
		time.Duration(a.cfg.Server.SSEMaxPushMinutes)*time.Minute,
		a.logger,
	)

	sweeper := maintenance.NewSweeper(maintenance.Config{
		Schedule:            a.cfg.Retention.Schedule,
		CheckpointRetention: time.Duration(a.cfg.Retention.CheckpointDays) * 24 * time.Hour,
		RunRetention:        time.Duration(a.cfg.Retention.RunDays) * 24 * time.Hour,
	}, a.checkpoints, a.runs, a.logger)
	if err := sweeper.Start(); err != nil {
		return fmt.Errorf("failed to start maintenance sweeper: %w", err)
	}
	defer sweeper.Stop()

	server := &http.Server{
		Addr:    a.cfg.Server.Addr,
		Handler: api.NewServer(dispatcher, streamer, a.runs, a.metrics, a.logger).Router(),
	}

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("http server listening", zap.String("addr", a.cfg.Server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	a.logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var errs *multierror.Error
	if err := server.Shutdown(shutdownCtx); err != nil {
		errs = multierror.Append(errs, err)
	}
	if err := dispatcher.Shutdown(shutdownCtx); err != nil {
		errs = multierror.Append(errs, err)
	}
	return errs.ErrorOrNil()
}
