package main

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/openmined/drivesync/internal/registry"
	"github.com/spf13/cobra"
)

const dayFormat = "20060102"

func init() {
	rootCmd.AddCommand(newStatsCmd())
}

func newStatsCmd() *cobra.Command {
	statsCmd := &cobra.Command{
		Use:   "stats",
		Short: "Show refresh history, outstanding errors and daily reports",
	}

	statsCmd.AddCommand(newStatsShowAllCmd())
	statsCmd.AddCommand(newStatsErrorsCmd())
	statsCmd.AddCommand(newStatsReportCmd())

	return statsCmd
}

type statsTotals struct {
	Drives  int   `json:"drives"`
	Runs    int   `json:"runs"`
	Copied  int64 `json:"copied"`
	Deleted int64 `json:"deleted"`
	Files   int64 `json:"files"`
	Bytes   int64 `json:"bytes"`
	Errors  int   `json:"errors"`
}

func totalsOf(summaries []registry.DriveSummary) statsTotals {
	t := statsTotals{Drives: len(summaries)}
	for _, s := range summaries {
		t.Runs += s.Runs
		t.Copied += s.Copied
		t.Deleted += s.Deleted
		t.Files += s.Files
		t.Bytes += s.Bytes
		t.Errors += s.Errors
	}
	return t
}

func newStatsShowAllCmd() *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "show-all",
		Short: "Per drive totals over every recorded refresh",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true

			a, err := openApp(cmd, false)
			if err != nil {
				return err
			}
			defer a.Close()

			summaries, err := a.registry.Summaries()
			if err != nil {
				return err
			}
			totals := totalsOf(summaries)

			if asJSON {
				return writeJSON(cmd.OutOrStdout(), struct {
					Drives []registry.DriveSummary `json:"drives"`
					Totals statsTotals             `json:"totals"`
				}{summaries, totals})
			}

			if len(summaries) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), errNoDrives.Error())
				return nil
			}
			printSummaries(cmd.OutOrStdout(), summaries, totals)
			return nil
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "print stats as JSON")
	return cmd
}

func printSummaries(w io.Writer, summaries []registry.DriveSummary, totals statsTotals) {
	var sb strings.Builder
	for _, s := range summaries {
		lastRun := "never"
		if !s.LastRun.IsZero() {
			lastRun = fmt.Sprintf("%s (%s)", humanize.Time(s.LastRun), time.Duration(s.LastElapsed)*time.Millisecond)
		}

		sb.WriteString(fmt.Sprintf("%s%s\n", gray.Render("Drive     "), green.Render(s.Name)))
		sb.WriteString(fmt.Sprintf("%s%s\n", gray.Render("Path      "), cyan.Render(s.Path)))
		sb.WriteString(fmt.Sprintf("%s%s\n", gray.Render("Target    "), targetOrJournal(s.Target)))
		sb.WriteString(fmt.Sprintf("%s%s in %s files\n", gray.Render("Size      "), humanize.Bytes(uint64(s.Bytes)), humanize.Comma(s.Files)))
		sb.WriteString(fmt.Sprintf("%s%d (last %s)\n", gray.Render("Refreshes "), s.Runs, lastRun))
		sb.WriteString(fmt.Sprintf("%s%s copied, %s deleted\n", gray.Render("Applied   "), humanize.Comma(s.Copied), humanize.Comma(s.Deleted)))
		if s.Errors > 0 {
			sb.WriteString(fmt.Sprintf("%s%s\n", gray.Render("Errors    "), red.Render(fmt.Sprint(s.Errors))))
		}
		sb.WriteString("\n")
	}

	sb.WriteString(fmt.Sprintf("%s%d drives, %d refreshes, %s in %s files, %s copied, %s deleted, %d errors\n",
		gray.Render("Total     "), totals.Drives, totals.Runs, humanize.Bytes(uint64(totals.Bytes)), humanize.Comma(totals.Files),
		humanize.Comma(totals.Copied), humanize.Comma(totals.Deleted), totals.Errors))
	fmt.Fprint(w, sb.String())
}

func newStatsErrorsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "errors [NAME]",
		Short: "List file errors left by the last refresh of each drive",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true

			a, err := openApp(cmd, false)
			if err != nil {
				return err
			}
			defer a.Close()

			var name string
			if len(args) == 1 {
				name = args[0]
				if _, err := lookupDrive(a.registry, name); err != nil {
					return err
				}
			}

			errs, err := a.registry.Errors(name)
			if err != nil {
				return err
			}
			if len(errs) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No outstanding file errors.")
				return nil
			}
			printErrors(cmd.OutOrStdout(), errs)
			return nil
		},
	}
}

func printErrors(w io.Writer, errs []registry.ErrorRecord) {
	for _, e := range errs {
		fmt.Fprintf(w, "%s %s %s: %s\n", gray.Render(e.At.Local().Format(time.DateTime)), green.Render(e.Drive), red.Render(e.Reason), e.Path)
	}
}

func newStatsReportCmd() *cobra.Command {
	var (
		day      string
		previous bool
	)

	cmd := &cobra.Command{
		Use:   "report [NAME]",
		Short: "Daily report of outstanding errors and processed files",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			start, err := reportDay(day, previous, time.Now())
			if err != nil {
				return err
			}
			cmd.SilenceUsage = true

			a, err := openApp(cmd, false)
			if err != nil {
				return err
			}
			defer a.Close()

			var name string
			if len(args) == 1 {
				name = args[0]
				if _, err := lookupDrive(a.registry, name); err != nil {
					return err
				}
			}

			errs, err := a.registry.Errors(name)
			if err != nil {
				return err
			}
			processed, err := a.registry.Processed(name, start, start.AddDate(0, 0, 1))
			if err != nil {
				return err
			}

			printDailyReport(cmd.OutOrStdout(), start, errs, processed)
			return nil
		},
	}

	cmd.Flags().StringVar(&day, "day", "", "report day as YYYYMMDD (default today)")
	cmd.Flags().BoolVar(&previous, "previous", false, "report the day before --day")
	return cmd
}

// reportDay returns local midnight of the requested day
func reportDay(day string, previous bool, now time.Time) (time.Time, error) {
	start := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	if day != "" {
		parsed, err := time.ParseInLocation(dayFormat, day, now.Location())
		if err != nil {
			return time.Time{}, fmt.Errorf("invalid --day %q, expected YYYYMMDD", day)
		}
		start = parsed
	}
	if previous {
		start = start.AddDate(0, 0, -1)
	}
	return start, nil
}

func printDailyReport(w io.Writer, day time.Time, errs []registry.ErrorRecord, processed []registry.Processed) {
	fmt.Fprintf(w, "Report for %s\n", cyan.Render(day.Format(time.DateOnly)))
	if len(errs) == 0 && len(processed) == 0 {
		fmt.Fprintln(w, "No file errors and no files processed.")
		return
	}

	fmt.Fprintln(w, "Errors:")
	printErrors(w, errs)

	fmt.Fprintln(w, "Processed:")
	for _, p := range processed {
		fmt.Fprintf(w, "%s %s %s: %s\n", gray.Render(p.At.Local().Format(time.DateTime)), green.Render(p.Drive), p.Action, p.Path)
	}
}
