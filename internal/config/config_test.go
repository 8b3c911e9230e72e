package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"assetmigrate/internal/provider"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

const validYAML = `
source:
  type: minio
  endpoint: minio.internal:9000
  access_key: srckey
  secret_key: srcsecret
  bucket: assets
target:
  type: s3
  access_key: dstkey
  secret_key: dstsecret
  region: eu-west-1
  bucket: assets-new
`

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, validYAML), nil)
	require.NoError(t, err)

	assert.Equal(t, provider.TypeMinIO, cfg.Source.Type)
	assert.Equal(t, provider.TypeS3, cfg.Target.Type)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, 100, cfg.Migration.BatchSize)
	assert.Equal(t, 1, cfg.Migration.CheckpointEveryBatches)
	assert.Equal(t, 5, cfg.Migration.ChangelogFlushEvery)
	assert.Equal(t, 10, cfg.Migration.MaxRepeatedErrors)
	assert.Equal(t, "full-migration", cfg.Migration.Subject)
	assert.Equal(t, 120, cfg.Lock.LeaseTTLSeconds)
	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, "@every 15m", cfg.Retention.Schedule)
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	yaml := validYAML + `
migration:
  batch_size: 250
  error_threshold: 9
log_level: debug
`
	cfg, err := Load(writeConfig(t, yaml), nil)
	require.NoError(t, err)

	assert.Equal(t, 250, cfg.Migration.BatchSize)
	assert.Equal(t, 9, cfg.Migration.ErrorThreshold)
	assert.Equal(t, "debug", cfg.LogLevel)
}

func TestFlagsOverrideFile(t *testing.T) {
	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags.String("prefix", "", "")
	flags.Int("batch-size", 0, "")
	flags.Bool("dry-run", false, "")
	require.NoError(t, flags.Parse([]string{"--prefix=img/", "--batch-size=42", "--dry-run"}))

	cfg, err := Load(writeConfig(t, validYAML), flags)
	require.NoError(t, err)

	assert.Equal(t, "img/", cfg.Migration.Prefix)
	assert.Equal(t, 42, cfg.Migration.BatchSize)
	assert.True(t, cfg.Migration.DryRun)
}

func TestValidation(t *testing.T) {
	cases := []struct {
		name string
		yaml string
		want string
	}{
		{
			name: "missing source type",
			yaml: `
target:
  type: fs
  root: /tmp/dst
`,
			want: "source provider type is required",
		},
		{
			name: "minio without endpoint",
			yaml: `
source:
  type: minio
  access_key: k
  secret_key: s
  bucket: b
target:
  type: fs
  root: /tmp/dst
`,
			want: "source endpoint is required",
		},
		{
			name: "fs without root",
			yaml: `
source:
  type: fs
  root: /tmp/src
target:
  type: fs
`,
			want: "target root directory is required",
		},
		{
			name: "unsupported type",
			yaml: `
source:
  type: gopher
target:
  type: fs
  root: /tmp/dst
`,
			want: "not supported",
		},
		{
			name: "lease shorter than refresh",
			yaml: `
source:
  type: fs
  root: /tmp/src
target:
  type: fs
  root: /tmp/dst
lock:
  lease_ttl_seconds: 10
  refresh_interval_seconds: 30
`,
			want: "lease TTL must exceed",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tc.yaml), nil)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestFSProvidersNeedNoCredentials(t *testing.T) {
	yaml := `
source:
  type: fs
  root: /data/src
target:
  type: fs
  root: /data/dst
`
	cfg, err := Load(writeConfig(t, yaml), nil)
	require.NoError(t, err)
	assert.Equal(t, provider.TypeFS, cfg.Source.Type)
	assert.Equal(t, "/data/src", cfg.Source.Root)
}
