package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/lmittmann/tint"
	"github.com/mattn/go-isatty"
	"github.com/openmined/drivesync/internal/config"
	"github.com/openmined/drivesync/internal/engine"
	"github.com/openmined/drivesync/internal/registry"
	"github.com/openmined/drivesync/internal/utils"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// app is what every drive/stats command works against
type app struct {
	cfg      *config.Config
	registry *registry.Registry
	logFile  *os.File
}

// openApp loads the config, installs the loggers and opens the registry.
// verbose lowers the console level to debug.
func openApp(cmd *cobra.Command, verbose bool) (*app, error) {
	v := viper.New()
	// fetched from main/rootCmd/persistentFlags
	if f := cmd.Flag("data-dir"); f != nil {
		if err := v.BindPFlag("data_dir", f); err != nil {
			return nil, err
		}
	}

	cfg, err := config.Load(v, resolveConfigPath(cmd))
	if err != nil {
		return nil, err
	}

	logFile, err := setupLogging(cfg, verbose)
	if err != nil {
		return nil, err
	}

	reg, err := registry.Open(cfg.DBPath)
	if err != nil {
		logFile.Close()
		return nil, err
	}

	slog.Debug("app", "config", cfg.Path, "dataDir", cfg.DataDir, "db", cfg.DBPath)
	return &app{cfg: cfg, registry: reg, logFile: logFile}, nil
}

func (a *app) engine() *engine.Engine {
	return engine.New(a.cfg, a.registry)
}

func (a *app) Close() error {
	return errors.Join(a.registry.Close(), a.logFile.Close())
}

// setupLogging sends records to stderr and to the log file under the data dir.
// The console only shows warnings unless verbose is set; the file follows log_level.
func setupLogging(cfg *config.Config, verbose bool) (*os.File, error) {
	level, err := cfg.SlogLevel()
	if err != nil {
		return nil, err
	}

	if err := utils.EnsureDir(cfg.LogDir()); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}

	file, err := os.OpenFile(cfg.LogFilePath(), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}

	consoleLevel := max(level, slog.LevelWarn)
	if verbose {
		consoleLevel = slog.LevelDebug
	}

	stderrHandler := tint.NewHandler(os.Stderr, &tint.Options{
		Level:      consoleLevel,
		TimeFormat: "2006-01-02T15:04:05.000Z07:00",
		NoColor:    !isatty.IsTerminal(os.Stderr.Fd()),
	})
	fileHandler := slog.NewTextHandler(utils.NewLogInterceptor(file), &slog.HandlerOptions{
		Level: min(level, consoleLevel),
		// Do not include time as it is added by the log interceptor.
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey && len(groups) == 0 {
				return slog.Attr{}
			}
			return a
		},
	})

	slog.SetDefault(slog.New(utils.NewMultiLogHandler(stderrHandler, fileHandler)))
	return file, nil
}

// lookupDrive returns the drive or the same not found error a refresh reports
func lookupDrive(reg *registry.Registry, name string) (*registry.Drive, error) {
	drive, err := reg.Lookup(name)
	if err != nil {
		return nil, err
	}
	if drive == nil {
		return nil, fmt.Errorf("drive %q %w", name, engine.ErrDriveNotFound)
	}
	return drive, nil
}
