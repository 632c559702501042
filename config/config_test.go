package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "ImportDatabase", cfg.Database)
	assert.Equal(t, "FoodCollection", cfg.Container)
	assert.Equal(t, "eventual", cfg.Consistency)
	assert.Equal(t, "Energy Bars", cfg.PartitionKey)
	assert.Equal(t, 1000, cfg.Items)
	assert.Equal(t, uint64(0), cfg.Seed)
	assert.Equal(t, "bulkUpload", cfg.Procedures.Upload)
	assert.Equal(t, "bulkDelete", cfg.Procedures.Delete)
	assert.Equal(t, 0, cfg.Loop.MaxRounds)
	assert.Equal(t, 3, cfg.Loop.StallThreshold)
	assert.Equal(t, 30*time.Second, cfg.Loop.RoundTimeout)
	assert.Equal(t, 100*time.Millisecond, cfg.Loop.RetryBackoff)
	assert.Equal(t, 10*time.Second, cfg.Transport.Timeout)
	assert.Equal(t, 4, cfg.Transport.PoolSize)
	assert.Equal(t, 250, cfg.Emulator.MaxUploadPerCall)
	assert.Equal(t, 100, cfg.Emulator.MaxDeletePerCall)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.NoError(t, cfg.Validate())
}

func TestLoad_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bulkload.yaml")
	content := `
endpoint: db.internal:7632
key: s3cret
items: 20
seed: 7
loop:
  max_rounds: 50
  round_timeout: 5s
emulator:
  enabled: true
  max_upload_per_call: 8
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, path, cfg.Source)
	assert.Equal(t, "db.internal:7632", cfg.Endpoint)
	assert.Equal(t, "s3cret", cfg.Key)
	assert.Equal(t, 20, cfg.Items)
	assert.Equal(t, uint64(7), cfg.Seed)
	assert.Equal(t, 50, cfg.Loop.MaxRounds)
	assert.Equal(t, 5*time.Second, cfg.Loop.RoundTimeout)
	assert.Equal(t, 3, cfg.Loop.StallThreshold, "unset keys keep their defaults")
	assert.True(t, cfg.Emulator.Enabled)
	assert.Equal(t, 8, cfg.Emulator.MaxUploadPerCall)
	assert.Equal(t, 100, cfg.Emulator.MaxDeletePerCall)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bulkload.yaml")
	require.NoError(t, os.WriteFile(path, []byte("items: 20\nloop:\n  retries: 1\n"), 0o600))

	t.Setenv("BULKLOAD_ITEMS", "55")
	t.Setenv("BULKLOAD_LOOP_RETRIES", "4")
	t.Setenv("BULKLOAD_PARTITION_KEY", "Granola")
	t.Setenv("BULKLOAD_LOOP_RETRY_BACKOFF", "2s")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 55, cfg.Items)
	assert.Equal(t, 4, cfg.Loop.Retries)
	assert.Equal(t, "Granola", cfg.PartitionKey)
	assert.Equal(t, 2*time.Second, cfg.Loop.RetryBackoff)
}

func TestLoad_ExplicitPathMustExist(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestLoad_DiscoversFileInWorkingDirectory(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, DefaultFileName), []byte("items: 3\n"), 0o600))
	t.Chdir(dir)

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.Items)
	assert.NotEmpty(t, cfg.Source)
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"defaults", func(*Config) {}, ""},
		{"no endpoint", func(c *Config) { c.Endpoint = "" }, "endpoint is required"},
		{"no endpoint with emulator", func(c *Config) { c.Endpoint = ""; c.Emulator.Enabled = true }, ""},
		{"bad consistency", func(c *Config) { c.Consistency = "linear" }, "consistency"},
		{"negative items", func(c *Config) { c.Items = -1 }, "items"},
		{"no partition key", func(c *Config) { c.PartitionKey = "" }, "partition_key"},
		{"negative max rounds", func(c *Config) { c.Loop.MaxRounds = -1 }, "loop.max_rounds"},
		{"negative retries", func(c *Config) { c.Loop.Retries = -2 }, "loop.retries"},
		{"empty pool", func(c *Config) { c.Transport.PoolSize = 0 }, "transport.pool_size"},
		{"emulator limits", func(c *Config) { c.Emulator.Enabled = true; c.Emulator.MaxDeletePerCall = 0 }, "per-call"},
		{"bad log format", func(c *Config) { c.Log.Format = "xml" }, "log.format"},
		{"no procedure", func(c *Config) { c.Procedures.Delete = "" }, "procedures"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.want == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestConfig_ValidateReportsAllProblems(t *testing.T) {
	cfg := Default()
	cfg.Items = -1
	cfg.Transport.PoolSize = 0

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "items")
	assert.Contains(t, err.Error(), "transport.pool_size")
}

func TestConfig_Redacted(t *testing.T) {
	cfg := Default()
	cfg.Key = "abcdef"

	red := cfg.Redacted()
	assert.NotContains(t, red.Key, "abcdef")
	assert.Equal(t, "abcdef", cfg.Key)
}

func TestWriteDefault(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "bulkload.yaml")

	require.NoError(t, WriteDefault(path, false))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, Default().Loop, cfg.Loop)
	assert.Equal(t, "Energy Bars", cfg.PartitionKey)

	err = WriteDefault(path, false)
	require.ErrorIs(t, err, ErrConfigExists)

	require.NoError(t, WriteDefault(path, true))
}
