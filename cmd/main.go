package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"assetmigrate/internal/app"
	"assetmigrate/internal/config"
	"assetmigrate/internal/logger"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var configFile string

var rootCmd = &cobra.Command{
	Use:   "assetmigrate",
	Short: "Migrate objects between storage providers",
	Long:  `A resumable, checkpointed object migration engine with duplicate resolution, a cross-run migration lock, and an HTTP API for async job dispatch.`,
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Run a migration in the foreground",
	RunE:  runMigrate,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API for async migration jobs",
	RunE:  runServe,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "config file (default is ./config.yaml)")
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug/info/warn/error)")
	rootCmd.PersistentFlags().String("state-db", "./assetmigrate.db", "State database file (locks, checkpoints, runs)")

	for _, cmd := range []*cobra.Command{migrateCmd, serveCmd} {
		// Source flags
		cmd.Flags().String("src-type", "", "Source provider type (minio/s3/fs)")
		cmd.Flags().String("src-endpoint", "", "Source endpoint")
		cmd.Flags().String("src-access-key", "", "Source access key")
		cmd.Flags().String("src-secret-key", "", "Source secret key")
		cmd.Flags().String("src-bucket", "", "Source bucket")
		cmd.Flags().String("src-root", "", "Source root directory (fs provider)")
		cmd.Flags().Bool("src-secure", false, "Use HTTPS for source")

		// Destination flags
		cmd.Flags().String("dst-type", "", "Target provider type (minio/s3/fs)")
		cmd.Flags().String("dst-endpoint", "", "Target endpoint")
		cmd.Flags().String("dst-access-key", "", "Target access key")
		cmd.Flags().String("dst-secret-key", "", "Target secret key")
		cmd.Flags().String("dst-bucket", "", "Target bucket")
		cmd.Flags().String("dst-root", "", "Target root directory (fs provider)")
		cmd.Flags().Bool("dst-secure", true, "Use HTTPS for destination")

		// Migration flags
		cmd.Flags().String("prefix", "", "Object prefix filter")
		cmd.Flags().Int("batch-size", 100, "Objects per batch")
		cmd.Flags().Int("retries", 3, "Maximum retry attempts per object")
		cmd.Flags().Int("retry-backoff-ms", 500, "Retry backoff in milliseconds")
		cmd.Flags().String("changelog", "./migration-changelog.log", "Changelog file")
	}

	migrateCmd.Flags().Bool("dry-run", false, "Walk the full read path and report decisions without writing")
	migrateCmd.Flags().Bool("resume", false, "Resume the latest incomplete run from its checkpoint")
	migrateCmd.Flags().Bool("count-first", false, "Count objects before migrating for accurate progress")

	serveCmd.Flags().String("addr", ":8080", "HTTP listen address")

	rootCmd.AddCommand(migrateCmd, serveCmd)
}

func setup(cmd *cobra.Command) (*app.App, *zap.Logger, error) {
	cfg, err := config.Load(configFile, cmd.Flags())
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}

	log, err := logger.New(cfg.LogLevel)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	application, err := app.New(cfg, log)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create application: %w", err)
	}
	return application, log, nil
}

func signalContext(log *zap.Logger) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigChan
		log.Info("Received shutdown signal, gracefully stopping...")
		cancel()
	}()

	return ctx, cancel
}

func runMigrate(cmd *cobra.Command, args []string) error {
	application, log, err := setup(cmd)
	if err != nil {
		return err
	}
	defer log.Sync()

	ctx, cancel := signalContext(log)
	defer cancel()

	err = application.Migrate(ctx)

	if closeErr := application.Close(); closeErr != nil {
		log.Error("Error closing application", zap.Error(closeErr))
	}

	return err
}

func runServe(cmd *cobra.Command, args []string) error {
	application, log, err := setup(cmd)
	if err != nil {
		return err
	}
	defer log.Sync()

	ctx, cancel := signalContext(log)
	defer cancel()

	err = application.Serve(ctx)

	if closeErr := application.Close(); closeErr != nil {
		log.Error("Error closing application", zap.Error(closeErr))
	}

	return err
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
