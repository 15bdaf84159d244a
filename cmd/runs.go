package main

import (
	"errors"
	"fmt"
	"io"
	"slices"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/guptarohit/asciigraph"
	"github.com/spf13/cobra"

	"github.com/cwbudde/clvecadd/internal/store"
	"github.com/cwbudde/clvecadd/internal/vecadd"
)

var (
	keepLast   int
	olderThan  time.Duration
	forceClean bool
)

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Manage saved run reports",
	Long: `Lists, shows and cleans run reports saved with 'vecadd --save' or by
the job server. The backend and data directory come from the store section
of the configuration.`,
}

var listRunsCmd = &cobra.Command{
	Use:   "list",
	Short: "List saved runs, newest first",
	Args:  cobra.NoArgs,
	RunE:  runListRuns,
}

var showRunCmd = &cobra.Command{
	Use:   "show <run-id>",
	Short: "Show one run and plot its kernel timings",
	Args:  cobra.ExactArgs(1),
	RunE:  runShowRun,
}

var cleanRunsCmd = &cobra.Command{
	Use:   "clean",
	Short: "Delete old runs",
	Long: `Delete runs based on a retention policy: keep the newest N runs,
drop runs older than a duration, or both.`,
	Args: cobra.NoArgs,
	RunE: runCleanRuns,
}

func init() {
	rootCmd.AddCommand(runsCmd)
	runsCmd.AddCommand(listRunsCmd)
	runsCmd.AddCommand(showRunCmd)
	runsCmd.AddCommand(cleanRunsCmd)

	cleanRunsCmd.Flags().IntVar(&keepLast, "keep-last", 0, "Keep only the newest N runs (0 = keep all)")
	cleanRunsCmd.Flags().DurationVar(&olderThan, "older-than", 0, "Delete runs older than this, e.g. 72h (0 = no age limit)")
	cleanRunsCmd.Flags().BoolVarP(&forceClean, "force", "f", false, "Skip confirmation prompt")
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12] + "..."
	}
	return id
}

func runListRuns(cmd *cobra.Command, args []string) error {
	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	infos, err := st.ListReports()
	if err != nil {
		return fmt.Errorf("failed to list runs: %w", err)
	}
	out := cmd.OutOrStdout()
	if len(infos) == 0 {
		fmt.Fprintln(out, "No runs found.")
		return nil
	}
	if err := printRunTable(out, infos); err != nil {
		return err
	}
	fmt.Fprintf(out, "\nTotal runs: %d\n", len(infos))
	return nil
}

func printRunTable(w io.Writer, infos []store.ReportInfo) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "RUN ID\tCREATED\tDEVICE\tCOUNT\tDISPATCHES\tKERNEL\tMISMATCHES\tSIZE")
	fmt.Fprintln(tw, "------\t-------\t------\t-----\t----------\t------\t----------\t----")
	for _, info := range infos {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%s\t%d\t%s\n",
			shortID(info.ID),
			info.CreatedAt.Format("2006-01-02 15:04:05"),
			info.Device,
			info.Count,
			info.Dispatches,
			time.Duration(info.KernelNs),
			info.Mismatches,
			humanize.IBytes(uint64(info.SizeBytes)),
		)
	}
	return tw.Flush()
}

func runShowRun(cmd *cobra.Command, args []string) error {
	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	id := args[0]
	report, err := st.LoadReport(id)
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("run not found: %s", id)
	}
	if err != nil {
		return err
	}
	trace, err := st.LoadTrace(id)
	if err != nil {
		return err
	}
	return printReport(cmd.OutOrStdout(), report, trace)
}

func printReport(w io.Writer, r *store.Report, trace []store.TraceEntry) error {
	fmt.Fprintf(w, "Run: %s\n", r.ID)
	fmt.Fprintf(w, "Created: %s (%s, %s)\n", r.CreatedAt.Format(time.RFC3339), humanize.Time(r.CreatedAt), r.Source)
	fmt.Fprintf(w, "Platform: %s\n", r.Platform)
	fmt.Fprintf(w, "Device: %s (%s, driver %s, policy %s)\n", r.Device, r.DeviceType, r.Driver, r.Policy)
	fmt.Fprintln(w)

	fmt.Fprintln(w, "Configuration:")
	fmt.Fprintf(w, "  Kernel: %s (%s)\n", r.Config.KernelPath, r.Config.KernelName)
	fmt.Fprintf(w, "  Count: %s\n", humanize.Comma(int64(r.Config.Count)))
	fmt.Fprintf(w, "  Seed: %d\n", r.Config.Seed)
	if r.Config.LocalSize > 0 {
		fmt.Fprintf(w, "  Local size: %d\n", r.Config.LocalSize)
	}
	fmt.Fprintf(w, "  Dispatches: %d\n", r.Dispatches)
	fmt.Fprintln(w)

	fmt.Fprintln(w, vecadd.FormatDuration(vecadd.LabelQueueToStart, time.Duration(r.QueueLatencyNs)))
	fmt.Fprintln(w, vecadd.FormatDuration(vecadd.LabelExecution, time.Duration(r.KernelNs)))
	if r.Dispatches > 1 {
		fmt.Fprintf(w, "Kernel mean %s, min %s\n", time.Duration(r.MeanKernelNs), time.Duration(r.MinKernelNs))
	}
	fmt.Fprintln(w, vecadd.FormatDuration(vecadd.LabelValidation, time.Duration(r.ValidationNs)))
	fmt.Fprintf(w, "Mismatches: %d\n", r.Mismatches)

	if len(trace) > 1 {
		fmt.Fprintln(w)
		fmt.Fprintln(w, asciigraph.Plot(store.KernelSeries(trace),
			asciigraph.Height(10),
			asciigraph.Width(60),
			asciigraph.Caption("kernel execution per dispatch (us)"),
		))
	}
	return nil
}

func runCleanRuns(cmd *cobra.Command, args []string) error {
	if keepLast == 0 && olderThan == 0 {
		return fmt.Errorf("must specify either --keep-last or --older-than")
	}

	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	infos, err := st.ListReports()
	if err != nil {
		return fmt.Errorf("failed to list runs: %w", err)
	}
	out := cmd.OutOrStdout()
	if len(infos) == 0 {
		fmt.Fprintln(out, "No runs to clean.")
		return nil
	}

	toDelete := selectRunsForDeletion(infos, keepLast, olderThan, time.Now())
	if len(toDelete) == 0 {
		fmt.Fprintln(out, "No runs match deletion criteria.")
		return nil
	}

	fmt.Fprintf(out, "Found %d run(s) to delete:\n", len(toDelete))
	for _, info := range toDelete {
		fmt.Fprintf(out, "  - %s (%s, %s)\n",
			shortID(info.ID),
			info.Device,
			info.CreatedAt.Format("2006-01-02 15:04:05"),
		)
	}

	if !forceClean {
		fmt.Fprint(out, "\nProceed with deletion? [y/N]: ")
		var response string
		fmt.Fscanln(cmd.InOrStdin(), &response)
		if response != "y" && response != "Y" {
			fmt.Fprintln(out, "Aborted.")
			return nil
		}
	}

	deleted, failed := 0, 0
	for _, info := range toDelete {
		if err := st.DeleteReport(info.ID); err != nil {
			logger.Error("Failed to delete run", "id", info.ID, "error", err)
			failed++
			continue
		}
		logger.Info("Deleted run", "id", info.ID)
		deleted++
	}

	fmt.Fprintf(out, "\nDeleted %d run(s), %d failed.\n", deleted, failed)
	return nil
}

// selectRunsForDeletion applies the retention policy: runs created before
// now-olderThan go, and beyond the newest keepLast the rest go too. Each run
// appears at most once, oldest first.
func selectRunsForDeletion(infos []store.ReportInfo, keepLast int, olderThan time.Duration, now time.Time) []store.ReportInfo {
	sorted := slices.Clone(infos)
	slices.SortStableFunc(sorted, func(a, b store.ReportInfo) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})

	var cutoff time.Time
	if olderThan > 0 {
		cutoff = now.Add(-olderThan)
	}
	excess := 0
	if keepLast > 0 && len(sorted) > keepLast {
		excess = len(sorted) - keepLast
	}

	var toDelete []store.ReportInfo
	for i, info := range sorted {
		if i < excess || (olderThan > 0 && info.CreatedAt.Before(cutoff)) {
			toDelete = append(toDelete, info)
		}
	}
	return toDelete
}
