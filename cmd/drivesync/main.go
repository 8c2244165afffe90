package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/openmined/drivesync/internal/config"
	"github.com/openmined/drivesync/internal/version"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:     "drivesync",
	Short:   "Content addressed directory sync",
	Version: version.Detailed(),
	// errors are printed once by printError
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().SortFlags = false
	rootCmd.PersistentFlags().StringP("config", "c", config.DefaultConfigPath, "drivesync config file")
	rootCmd.PersistentFlags().StringP("data-dir", "d", "", "drivesync data directory (registry, logs, locks)")
}

func main() {
	// Setup root context with signal handling
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)

	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		printError(rootCmd.ErrOrStderr(), err)
		os.Exit(1)
	}
}

func printError(w io.Writer, err error) {
	fmt.Fprintf(w, "%s %s\n", red.Render("Error:"), err)
}
