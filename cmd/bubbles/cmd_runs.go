package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
)

var runsFlags struct {
	limit int
	json  bool
}

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "List stored runs, newest first",
	Args:  cobra.NoArgs,
	RunE:  runRuns,
}

var runsShowCmd = &cobra.Command{
	Use:   "show [run-id]",
	Short: "Show the clusters and bubbles of a run (default: latest)",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runRunsShow,
}

func init() {
	f := runsCmd.PersistentFlags()
	f.IntVar(&runsFlags.limit, "limit", 20, "Maximum number of runs")
	f.BoolVar(&runsFlags.json, "json", false, "Print JSON instead of a table")
	runsCmd.AddCommand(runsShowCmd)
}

func runRuns(cmd *cobra.Command, _ []string) error {
	resolved, cleanup, err := resolve("", "")
	if err != nil {
		return err
	}
	defer cleanup()

	st, err := openStore(resolved)
	if err != nil {
		return err
	}
	defer st.Close()

	runs, err := st.ListRuns(cmd.Context(), runsFlags.limit)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if runsFlags.json {
		return writeJSON(out, runs)
	}
	if len(runs) == 0 {
		fmt.Fprintln(out, "No runs stored yet. Run 'bubbles run <interactions.csv>' first.")
		return nil
	}
	for _, r := range runs {
		fmt.Fprintf(out, "%s  %s  clusters=%d bubbles=%d isolated=%d rows=%d\n",
			r.ID, r.CreatedAt.Format("2006-01-02 15:04:05"), r.Clusters, r.Bubbles, r.Isolated, r.Stats.Read)
	}
	return nil
}

func runRunsShow(cmd *cobra.Command, args []string) error {
	resolved, cleanup, err := resolve("", "")
	if err != nil {
		return err
	}
	defer cleanup()

	st, err := openStore(resolved)
	if err != nil {
		return err
	}
	defer st.Close()

	ctx := cmd.Context()
	var runID string
	if len(args) > 0 {
		runID = args[0]
	} else {
		latest, err := st.LatestRun(ctx)
		if err != nil {
			return fmt.Errorf("loading latest run: %w", err)
		}
		runID = latest.ID
	}

	run, err := st.GetRun(ctx, runID)
	if err != nil {
		return fmt.Errorf("run %s: %w", runID, err)
	}
	groups, err := st.ListGroups(ctx, runID)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if runsFlags.json {
		return writeJSON(out, map[string]any{"run": run, "groups": groups})
	}

	fmt.Fprintf(out, "Run:         %s\n", run.ID)
	fmt.Fprintf(out, "Created:     %s\n", run.CreatedAt.Format("2006-01-02 15:04:05"))
	fmt.Fprintf(out, "Fingerprint: %s\n", run.Fingerprint)
	fmt.Fprintf(out, "Groups:\n")
	for _, g := range groups {
		top := ""
		if g.Top {
			top = " *"
		}
		fmt.Fprintf(out, "  %-40s %-7s size=%-5d intra=%s %s%s\n",
			g.ID, g.Kind, g.Size, strconv.FormatFloat(g.IntraMean, 'f', 3, 64), g.Verdict, top)
	}
	if len(run.Table.Groups) > 0 {
		fmt.Fprintf(out, "Similarity (%s):\n", run.Table.Mode)
		for i, row := range run.Table.Cells {
			fmt.Fprintf(out, "  %-30s", run.Table.Groups[i])
			for _, c := range row {
				fmt.Fprintf(out, " %.3f", c)
			}
			fmt.Fprintln(out)
		}
	}
	return nil
}
