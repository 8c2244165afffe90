package main

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/goccy/go-json"
	"github.com/openmined/drivesync/internal/engine"
	"github.com/openmined/drivesync/internal/target"
	"github.com/spf13/cobra"
)

var errNoDrives = errors.New("No drives found.")

func init() {
	rootCmd.AddCommand(newDriveCmd())
}

func newDriveCmd() *cobra.Command {
	driveCmd := &cobra.Command{
		Use:   "drive",
		Short: "Manage and refresh registered drives",
	}

	driveCmd.AddCommand(newDriveAddCmd())
	driveCmd.AddCommand(newDriveRemoveCmd())
	driveCmd.AddCommand(newDriveListCmd())
	driveCmd.AddCommand(newDriveRefreshCmd())

	return driveCmd
}

func newDriveAddCmd() *cobra.Command {
	var targetURL string

	cmd := &cobra.Command{
		Use:   "add NAME PATH",
		Short: "Register a drive, or replace the path of an existing one",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true

			if _, err := target.Parse(targetURL); err != nil {
				return err
			}

			a, err := openApp(cmd, false)
			if err != nil {
				return err
			}
			defer a.Close()

			res, err := a.registry.Add(args[0], args[1], targetURL)
			if err != nil {
				return err
			}

			action := "added"
			if res.Replaced {
				action = "updated"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Drive %s %s\n", green.Render(res.Drive.Name), action)
			fmt.Fprintf(cmd.OutOrStdout(), "%s%s\n", gray.Render("Path    "), cyan.Render(res.Drive.Path))
			if res.Drive.Target != "" {
				fmt.Fprintf(cmd.OutOrStdout(), "%s%s\n", gray.Render("Target  "), cyan.Render(res.Drive.Target))
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&targetURL, "target", "t", "", "destination: a directory, file:// or s3://bucket/prefix URL (default journal)")
	return cmd
}

func newDriveRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "remove NAME",
		Aliases: []string{"rm"},
		Short:   "Forget a drive; its files are left untouched",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true

			a, err := openApp(cmd, false)
			if err != nil {
				return err
			}
			defer a.Close()

			res, err := a.registry.Remove(args[0])
			if err != nil {
				return err
			}
			if !res.Removed {
				return fmt.Errorf("Nothing to remove: %s", args[0])
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Drive %s removed\n", green.Render(args[0]))
			return nil
		},
	}
}

func newDriveListCmd() *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List registered drives",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true

			a, err := openApp(cmd, false)
			if err != nil {
				return err
			}
			defer a.Close()

			drives, err := a.registry.List()
			if err != nil {
				return err
			}
			if len(drives) == 0 {
				return errNoDrives
			}

			if asJSON {
				return writeJSON(cmd.OutOrStdout(), drives)
			}

			var sb strings.Builder
			for idx, d := range drives {
				if idx > 0 {
					sb.WriteString("\n")
				}
				sb.WriteString(fmt.Sprintf("%s%s\n", gray.Render("Name    "), green.Render(d.Name)))
				sb.WriteString(fmt.Sprintf("%s%s\n", gray.Render("Path    "), cyan.Render(d.Path)))
				sb.WriteString(fmt.Sprintf("%s%s\n", gray.Render("Target  "), targetOrJournal(d.Target)))
			}
			fmt.Fprint(cmd.OutOrStdout(), sb.String())
			return nil
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "print drives as JSON")
	return cmd
}

func newDriveRefreshCmd() *cobra.Command {
	var (
		opts    engine.RefreshOptions
		verbose bool
		asJSON  bool
	)

	cmd := &cobra.Command{
		Use:   "refresh NAME",
		Short: "Hash a drive and bring its destination up to date",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true

			a, err := openApp(cmd, verbose)
			if err != nil {
				return err
			}
			defer a.Close()

			report, err := a.engine().Refresh(cmd.Context(), args[0], opts)
			if err != nil {
				return err
			}

			if asJSON {
				return writeJSON(cmd.OutOrStdout(), report)
			}
			printReport(cmd.OutOrStdout(), report, verbose)
			return nil
		},
	}

	cmd.Flags().SortFlags = false
	cmd.Flags().BoolVar(&opts.ForceHash, "force-hash", false, "rehash every file and rewrite its sidecar")
	cmd.Flags().BoolVar(&opts.DryRun, "dry-run", false, "compute the plan without applying it")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "print every planned action and debug logs")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the report as JSON")
	return cmd
}

func printReport(w io.Writer, r *engine.Report, verbose bool) {
	fmt.Fprintf(w, "%s%s (%s)\n", gray.Render("Drive       "), green.Render(r.Drive), cyan.Render(r.Root))
	fmt.Fprintf(w, "%s%s\n", gray.Render("Target      "), r.Target)
	fmt.Fprintf(w, "Drive Size: %s in %s files\n", humanize.Bytes(uint64(r.DriveSize)), humanize.Comma(int64(r.FileCount)))
	fmt.Fprintf(w, "%s%d hashed, %d reused\n", gray.Render("Digests     "), r.Hashed, r.Reused)
	if r.DiskFree > 0 {
		fmt.Fprintf(w, "%s%s\n", gray.Render("Disk Free   "), humanize.Bytes(r.DiskFree))
	}

	if r.Plan.Empty() {
		fmt.Fprintf(w, "%s%s\n", gray.Render("Plan        "), green.Render("in sync"))
	} else {
		fmt.Fprintf(w, "%s%d to copy, %d to delete\n", gray.Render("Plan        "), len(r.Plan.ToCopy), len(r.Plan.ToDelete))
	}
	if verbose {
		for _, line := range r.Plan.Lines() {
			fmt.Fprintf(w, "  %s\n", line)
		}
	}

	if r.DryRun {
		fmt.Fprintln(w, yellow.Render("Dry run, nothing applied"))
	} else {
		fmt.Fprintf(w, "%s%d copied, %d deleted, %d empty dirs pruned\n", gray.Render("Applied     "), r.Copied, r.Deleted, r.PrunedDirs)
	}
	if r.Truncated {
		fmt.Fprintln(w, yellow.Render(fmt.Sprintf("Copy time budget reached, %d files left for the next refresh", r.Skipped)))
	}

	if len(r.Errors) > 0 {
		fmt.Fprintln(w, red.Render(fmt.Sprintf("%d file errors", len(r.Errors))))
		for _, e := range r.Errors {
			fmt.Fprintf(w, "  %s: %s\n", e.Reason, e.Path)
		}
	}
	fmt.Fprintf(w, "%s%s\n", gray.Render("Elapsed     "), r.Elapsed.Round(time.Millisecond))
}

func targetOrJournal(raw string) string {
	if raw == "" {
		return target.KindJournal
	}
	return raw
}

func writeJSON(w io.Writer, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}
