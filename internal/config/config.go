// Package config loads drivesync settings from a JSON file, DRIVESYNC_* environment
// variables and command line flags, in increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/openmined/drivesync/internal/utils"
	"github.com/spf13/viper"
)

const (
	EnvPrefix      = "DRIVESYNC"
	EnvConfigPath  = "DRIVESYNC_CONFIG_PATH"
	configFileName = "config.json"
	dbFileName     = "drivesync.db"
	logFileName    = "drivesync.log"
)

var (
	home, _           = os.UserHomeDir()
	DefaultDataDir    = filepath.Join(home, ".drivesync")
	DefaultConfigPath = filepath.Join(DefaultDataDir, configFileName)
	DefaultExclude    = []string{".git"}
)

type S3Config struct {
	Region    string `mapstructure:"region"`
	Endpoint  string `mapstructure:"endpoint"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
}

type Config struct {
	DataDir          string   `mapstructure:"data_dir"`
	DBPath           string   `mapstructure:"db_path"`
	Include          []string `mapstructure:"include"`
	Exclude          []string `mapstructure:"exclude"`
	HashWorkers      int      `mapstructure:"hash_workers"`
	Verify           bool     `mapstructure:"verify"`
	MaxActiveSeconds int      `mapstructure:"max_active_seconds"`
	LogLevel         string   `mapstructure:"log_level"`
	StaleCheck       bool     `mapstructure:"stale_check"`
	S3               S3Config `mapstructure:"s3"`

	// Path is the config file that was read, if any
	Path string `mapstructure:"-"`
}

// SetDefaults registers every key so environment variables can override it
func SetDefaults(v *viper.Viper) {
	v.SetDefault("data_dir", DefaultDataDir)
	v.SetDefault("db_path", "")
	v.SetDefault("include", []string{})
	v.SetDefault("exclude", DefaultExclude)
	v.SetDefault("hash_workers", runtime.NumCPU())
	v.SetDefault("verify", false)
	v.SetDefault("max_active_seconds", 0)
	v.SetDefault("log_level", "info")
	v.SetDefault("stale_check", true)
	v.SetDefault("s3.region", "")
	v.SetDefault("s3.endpoint", "")
	v.SetDefault("s3.access_key", "")
	v.SetDefault("s3.secret_key", "")
}

// Load reads path into v (a missing file is fine), layers the environment on top
// and returns the validated result. Flags must already be bound to v.
func Load(v *viper.Viper, path string) (*Config, error) {
	SetDefaults(v)

	v.SetConfigFile(path)
	v.SetConfigType("json")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.Is(err, os.ErrNotExist) && !errors.As(err, &notFound) {
			return nil, fmt.Errorf("config read '%s': %w", path, err)
		}
		slog.Debug("config file not found, using defaults", "path", path)
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config decode: %w", err)
	}
	cfg.Path = path

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate resolves paths and fills in derived defaults
func (c *Config) Validate() error {
	var err error

	if c.DataDir == "" {
		c.DataDir = DefaultDataDir
	}
	c.DataDir, err = utils.ResolvePath(c.DataDir)
	if err != nil {
		return fmt.Errorf("data dir: %w", err)
	}

	if c.DBPath == "" {
		c.DBPath = filepath.Join(c.DataDir, dbFileName)
	} else if c.DBPath != ":memory:" {
		c.DBPath, err = utils.ResolvePath(c.DBPath)
		if err != nil {
			return fmt.Errorf("db path: %w", err)
		}
	}

	if c.Path != "" {
		c.Path, err = utils.ResolvePath(c.Path)
		if err != nil {
			return fmt.Errorf("config path: %w", err)
		}
	}

	if c.HashWorkers <= 0 {
		c.HashWorkers = runtime.NumCPU()
	}

	if c.MaxActiveSeconds < 0 {
		return fmt.Errorf("max_active_seconds must not be negative, got %d", c.MaxActiveSeconds)
	}

	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if _, err := c.SlogLevel(); err != nil {
		return err
	}

	for _, inc := range c.Include {
		if filepath.IsAbs(inc) {
			return fmt.Errorf("include %q must be relative to the drive root", inc)
		}
	}

	return nil
}

// SlogLevel parses LogLevel ("debug", "info", "warn", "error")
func (c *Config) SlogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo, fmt.Errorf("log_level %q: %w", c.LogLevel, err)
	}
	return level, nil
}

func (c *Config) LogDir() string {
	return filepath.Join(c.DataDir, "logs")
}

func (c *Config) LogFilePath() string {
	return filepath.Join(c.LogDir(), logFileName)
}

// LocksDir holds one lock file per drive being refreshed
func (c *Config) LocksDir() string {
	return filepath.Join(c.DataDir, "locks")
}
