package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "missing.json")

	cfg, err := Load(viper.New(), path)
	require.NoError(t, err)

	assert.Equal(t, DefaultDataDir, cfg.DataDir)
	assert.Equal(t, filepath.Join(DefaultDataDir, "drivesync.db"), cfg.DBPath)
	assert.Equal(t, []string{".git"}, cfg.Exclude)
	assert.Empty(t, cfg.Include)
	assert.Equal(t, runtime.NumCPU(), cfg.HashWorkers)
	assert.True(t, cfg.StaleCheck)
	assert.False(t, cfg.Verify)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, path, cfg.Path)
}

func TestLoad_File(t *testing.T) {
	dataDir := t.TempDir()
	path := writeConfig(t, `{
		"data_dir": "`+filepath.ToSlash(dataDir)+`",
		"include": ["docs", "src"],
		"exclude": [".git", "node_modules"],
		"hash_workers": 3,
		"verify": true,
		"max_active_seconds": 600,
		"log_level": "debug",
		"s3": {"region": "eu-west-1", "endpoint": "http://localhost:9000"}
	}`)

	cfg, err := Load(viper.New(), path)
	require.NoError(t, err)

	assert.Equal(t, dataDir, cfg.DataDir)
	assert.Equal(t, filepath.Join(dataDir, "drivesync.db"), cfg.DBPath)
	assert.Equal(t, []string{"docs", "src"}, cfg.Include)
	assert.Equal(t, []string{".git", "node_modules"}, cfg.Exclude)
	assert.Equal(t, 3, cfg.HashWorkers)
	assert.True(t, cfg.Verify)
	assert.Equal(t, 600, cfg.MaxActiveSeconds)
	assert.Equal(t, "eu-west-1", cfg.S3.Region)
	assert.Equal(t, "http://localhost:9000", cfg.S3.Endpoint)

	level, err := cfg.SlogLevel()
	require.NoError(t, err)
	assert.Equal(t, slog.LevelDebug, level)

	assert.Equal(t, filepath.Join(dataDir, "logs", "drivesync.log"), cfg.LogFilePath())
	assert.Equal(t, filepath.Join(dataDir, "locks"), cfg.LocksDir())
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	dataDir := t.TempDir()
	path := writeConfig(t, `{"verify": false, "s3": {"region": "us-east-1"}}`)

	t.Setenv("DRIVESYNC_DATA_DIR", dataDir)
	t.Setenv("DRIVESYNC_VERIFY", "true")
	t.Setenv("DRIVESYNC_S3_REGION", "ap-south-1")

	cfg, err := Load(viper.New(), path)
	require.NoError(t, err)
	assert.Equal(t, dataDir, cfg.DataDir)
	assert.True(t, cfg.Verify)
	assert.Equal(t, "ap-south-1", cfg.S3.Region)
}

func TestLoad_MalformedFile(t *testing.T) {
	path := writeConfig(t, `{"data_dir": `)

	_, err := Load(viper.New(), path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "config read")
}

func TestValidate(t *testing.T) {
	tmp := t.TempDir()

	t.Run("negative budget", func(t *testing.T) {
		cfg := &Config{DataDir: tmp, MaxActiveSeconds: -1}
		assert.Error(t, cfg.Validate())
	})

	t.Run("bad log level", func(t *testing.T) {
		cfg := &Config{DataDir: tmp, LogLevel: "chatty"}
		err := cfg.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "log_level")
	})

	t.Run("absolute include", func(t *testing.T) {
		cfg := &Config{DataDir: tmp, Include: []string{"/etc"}}
		assert.Error(t, cfg.Validate())
	})

	t.Run("explicit db path and memory", func(t *testing.T) {
		cfg := &Config{DataDir: tmp, DBPath: ":memory:"}
		require.NoError(t, cfg.Validate())
		assert.Equal(t, ":memory:", cfg.DBPath)
		assert.Equal(t, "info", cfg.LogLevel)
		assert.Positive(t, cfg.HashWorkers)
	})
}
