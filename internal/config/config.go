package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"assetmigrate/internal/provider"
)

// Config represents the application configuration
type Config struct {
	Source    provider.Config `yaml:"source"`
	Target    provider.Config `yaml:"target"`
	Migration Migration       `yaml:"migration"`
	Lock      Lock            `yaml:"lock"`
	Server    Server          `yaml:"server"`
	Retention Retention       `yaml:"retention"`
	StateDB   string          `yaml:"state_db"`
	LogLevel  string          `yaml:"log_level"`
}

// Migration represents migration-specific configuration
type Migration struct {
	Subject                string `yaml:"subject"`
	Prefix                 string `yaml:"prefix"`
	BatchSize              int    `yaml:"batch_size"`
	CheckpointEveryBatches int    `yaml:"checkpoint_every_batches"`
	ChangelogFlushEvery    int    `yaml:"changelog_flush_every"`
	Changelog              string `yaml:"changelog"`
	ErrorThreshold         int    `yaml:"error_threshold"`
	CriticalErrorThreshold int    `yaml:"critical_error_threshold"`
	MaxRepeatedErrors      int    `yaml:"max_repeated_errors"`
	Retries                int    `yaml:"retries"`
	RetryBackoffMs         int    `yaml:"retry_backoff_ms"`
	DryRun                 bool   `yaml:"dry_run"`
	Resume                 bool   `yaml:"resume"`
	CountFirst             bool   `yaml:"count_first"`
}

// Lock represents cross-process migration lock configuration
type Lock struct {
	LeaseTTLSeconds        int `yaml:"lease_ttl_seconds"`
	AcquireTimeoutSeconds  int `yaml:"acquire_timeout_seconds"`
	RefreshIntervalSeconds int `yaml:"refresh_interval_seconds"`
}

// Server represents the HTTP API configuration
type Server struct {
	Addr              string `yaml:"addr"`
	MaxConcurrentJobs int    `yaml:"max_concurrent_jobs"`
	SSEIntervalMs     int    `yaml:"sse_interval_ms"`
	SSEMaxPushMinutes int    `yaml:"sse_max_push_minutes"`
}

// Retention represents background housekeeping configuration
type Retention struct {
	Schedule       string `yaml:"schedule"`
	CheckpointDays int    `yaml:"checkpoint_days"`
	RunDays        int    `yaml:"run_days"`
}

// Load loads configuration from file and command line flags
func Load(configFile string, flags *pflag.FlagSet) (*Config, error) {
	cfg := &Config{
		StateDB:  "./assetmigrate.db",
		LogLevel: "info",
		Migration: Migration{
			Subject:                "full-migration",
			BatchSize:              100,
			CheckpointEveryBatches: 1,
			ChangelogFlushEvery:    5,
			Changelog:              "./migration-changelog.log",
			ErrorThreshold:         50,
			CriticalErrorThreshold: 5,
			MaxRepeatedErrors:      10,
			Retries:                3,
			RetryBackoffMs:         500,
		},
		Lock: Lock{
			LeaseTTLSeconds:        120,
			AcquireTimeoutSeconds:  10,
			RefreshIntervalSeconds: 30,
		},
		Server: Server{
			Addr:              ":8080",
			MaxConcurrentJobs: 2,
			SSEIntervalMs:     2000,
			SSEMaxPushMinutes: 10,
		},
		Retention: Retention{
			Schedule:       "@every 15m",
			CheckpointDays: 7,
			RunDays:        30,
		},
	}

	// Load from YAML file if provided
	if configFile != "" {
		if err := loadFromFile(cfg, configFile); err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	}

	// Override with command line flags
	if flags != nil {
		if err := loadFromFlags(cfg, flags); err != nil {
			return nil, fmt.Errorf("failed to load flags: %w", err)
		}
	}

	// Validate configuration
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func loadFromFile(cfg *Config, filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return err
	}

	return yaml.Unmarshal(data, cfg)
}

func loadFromFlags(cfg *Config, flags *pflag.FlagSet) error {
	if flags.Changed("src-type") {
		v, _ := flags.GetString("src-type")
		cfg.Source.Type = provider.Type(v)
	}
	if flags.Changed("src-endpoint") {
		cfg.Source.Endpoint, _ = flags.GetString("src-endpoint")
	}
	if flags.Changed("src-access-key") {
		cfg.Source.AccessKey, _ = flags.GetString("src-access-key")
	}
	if flags.Changed("src-secret-key") {
		cfg.Source.SecretKey, _ = flags.GetString("src-secret-key")
	}
	if flags.Changed("src-bucket") {
		cfg.Source.Bucket, _ = flags.GetString("src-bucket")
	}
	if flags.Changed("src-root") {
		cfg.Source.Root, _ = flags.GetString("src-root")
	}
	if flags.Changed("src-secure") {
		cfg.Source.Secure, _ = flags.GetBool("src-secure")
	}

	if flags.Changed("dst-type") {
		v, _ := flags.GetString("dst-type")
		cfg.Target.Type = provider.Type(v)
	}
	if flags.Changed("dst-endpoint") {
		cfg.Target.Endpoint, _ = flags.GetString("dst-endpoint")
	}
	if flags.Changed("dst-access-key") {
		cfg.Target.AccessKey, _ = flags.GetString("dst-access-key")
	}
	if flags.Changed("dst-secret-key") {
		cfg.Target.SecretKey, _ = flags.GetString("dst-secret-key")
	}
	if flags.Changed("dst-bucket") {
		cfg.Target.Bucket, _ = flags.GetString("dst-bucket")
	}
	if flags.Changed("dst-root") {
		cfg.Target.Root, _ = flags.GetString("dst-root")
	}
	if flags.Changed("dst-secure") {
		cfg.Target.Secure, _ = flags.GetBool("dst-secure")
	}

	if flags.Changed("prefix") {
		cfg.Migration.Prefix, _ = flags.GetString("prefix")
	}
	if flags.Changed("batch-size") {
		cfg.Migration.BatchSize, _ = flags.GetInt("batch-size")
	}
	if flags.Changed("retries") {
		cfg.Migration.Retries, _ = flags.GetInt("retries")
	}
	if flags.Changed("retry-backoff-ms") {
		cfg.Migration.RetryBackoffMs, _ = flags.GetInt("retry-backoff-ms")
	}
	if flags.Changed("dry-run") {
		cfg.Migration.DryRun, _ = flags.GetBool("dry-run")
	}
	if flags.Changed("resume") {
		cfg.Migration.Resume, _ = flags.GetBool("resume")
	}
	if flags.Changed("count-first") {
		cfg.Migration.CountFirst, _ = flags.GetBool("count-first")
	}
	if flags.Changed("state-db") {
		cfg.StateDB, _ = flags.GetString("state-db")
	}
	if flags.Changed("changelog") {
		cfg.Migration.Changelog, _ = flags.GetString("changelog")
	}
	if flags.Changed("log-level") {
		cfg.LogLevel, _ = flags.GetString("log-level")
	}
	if flags.Changed("addr") {
		cfg.Server.Addr, _ = flags.GetString("addr")
	}

	return nil
}

// RetryDelay returns the per-attempt retry backoff as a duration.
func (m Migration) RetryDelay() time.Duration {
	return time.Duration(m.RetryBackoffMs) * time.Millisecond
}

func (c *Config) validate() error {
	if err := validateProvider("source", c.Source); err != nil {
		return err
	}
	if err := validateProvider("target", c.Target); err != nil {
		return err
	}

	if c.StateDB == "" {
		return fmt.Errorf("state_db path is required")
	}
	if c.Migration.BatchSize <= 0 {
		return fmt.Errorf("batch size must be positive")
	}
	if c.Migration.CheckpointEveryBatches <= 0 {
		return fmt.Errorf("checkpoint_every_batches must be positive")
	}
	if c.Lock.LeaseTTLSeconds <= c.Lock.RefreshIntervalSeconds {
		return fmt.Errorf("lock lease TTL must exceed the refresh interval")
	}

	return nil
}

func validateProvider(name string, p provider.Config) error {
	switch p.Type {
	case provider.TypeMinIO, provider.TypeS3:
		if p.Endpoint == "" && p.Type == provider.TypeMinIO {
			return fmt.Errorf("%s endpoint is required", name)
		}
		if p.AccessKey == "" {
			return fmt.Errorf("%s access key is required", name)
		}
		if p.SecretKey == "" {
			return fmt.Errorf("%s secret key is required", name)
		}
		if p.Bucket == "" {
			return fmt.Errorf("%s bucket is required", name)
		}
	case provider.TypeFS:
		if p.Root == "" {
			return fmt.Errorf("%s root directory is required", name)
		}
	case "":
		return fmt.Errorf("%s provider type is required", name)
	default:
		return fmt.Errorf("%s provider type %q is not supported", name, p.Type)
	}
	return nil
}
