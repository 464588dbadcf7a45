package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"slices"
	"strings"

	"github.com/spf13/cobra"

	"github.com/hurttlocker/bubblescope/internal/ingest"
	"github.com/hurttlocker/bubblescope/internal/isolation"
	"github.com/hurttlocker/bubblescope/internal/logging"
	"github.com/hurttlocker/bubblescope/internal/metrics"
	"github.com/hurttlocker/bubblescope/internal/pipeline"
	"github.com/hurttlocker/bubblescope/internal/store"
)

var runFlags struct {
	interactions string
	channels     string
	out          string
	metricsPath  string
	seed         string
	noStore      bool
}

var runCmd = &cobra.Command{
	Use:   "run [interactions.csv]",
	Short: "Detect and score bubbles over an interaction table",
	Long: `Read the interaction table (user_id, content_id, channel_id[, timestamp]),
select each channel's active commenters, split them into bubbles and score every
cluster and bubble for isolation.

The run is saved to the database unless --no-store is given. Matrices cached by
earlier runs over the same snapshot are reused.

Usage:
  bubbles run comments.csv --channels channels.csv --out report.json
  bubbles run --interactions exports/ --seed 7 --metrics bubbles.prom`,
	Args: cobra.MaximumNArgs(1),
	RunE: runRun,
}

func init() {
	f := runCmd.Flags()
	f.StringVar(&runFlags.interactions, "interactions", "", "Interaction CSV/TSV file or directory")
	f.StringVar(&runFlags.channels, "channels", "", "Channel metadata CSV/TSV (channel_id, name)")
	f.StringVarP(&runFlags.out, "out", "o", "", "Write the full JSON report to this path ('-' for stdout)")
	f.StringVar(&runFlags.metricsPath, "metrics", "", "Write a Prometheus textfile to this path")
	f.StringVar(&runFlags.seed, "seed", "", "Sampling seed (default: config or 0)")
	f.BoolVar(&runFlags.noStore, "no-store", false, "Do not open the database; no caching, nothing saved")
}

func runRun(cmd *cobra.Command, args []string) error {
	path := runFlags.interactions
	if path == "" && len(args) > 0 {
		path = args[0]
	}
	if path == "" {
		return fmt.Errorf("interaction table is required\n\nUsage: bubbles run <interactions.csv>")
	}

	resolved, cleanup, err := resolve(runFlags.metricsPath, runFlags.seed)
	if err != nil {
		return err
	}
	defer cleanup()
	log := logging.New("cli")

	cfg, err := resolved.Analysis()
	if err != nil {
		return fmt.Errorf("invalid analysis config: %w", err)
	}

	ctx := cmd.Context()
	rows, err := ingest.ReadInteractions(ctx, path)
	if err != nil {
		return fmt.Errorf("reading interactions: %w", err)
	}
	var names map[string]string
	if runFlags.channels != "" {
		names, err = ingest.ReadChannels(runFlags.channels)
		if err != nil {
			return fmt.Errorf("reading channels: %w", err)
		}
	}
	log.Info("input loaded", "rows", len(rows), "channels_with_names", len(names), "path", path)

	rec := metrics.NewRecorder()
	opts := []pipeline.Option{
		pipeline.WithMetrics(rec),
		pipeline.WithLogger(logging.New("pipeline")),
	}

	var st store.Store
	if !runFlags.noStore {
		st, err = openStore(resolved)
		if err != nil {
			return err
		}
		defer st.Close()
		opts = append(opts, pipeline.WithCache(st.MatrixCache()))
	}

	res, err := pipeline.Run(ctx, pipeline.Input{Rows: slices.Values(rows), Channels: names}, cfg, opts...)
	if err != nil {
		return err
	}
	if st != nil {
		if err := st.SaveRun(ctx, res); err != nil {
			return fmt.Errorf("saving run: %w", err)
		}
		log.Info("run saved", "run_id", res.RunID, "db", resolved.DBPath.Value)
	}

	if path := resolved.MetricsPath.Value; path != "" {
		if err := rec.WriteTextfile(path); err != nil {
			return fmt.Errorf("writing metrics: %w", err)
		}
	}

	out := cmd.OutOrStdout()
	switch runFlags.out {
	case "":
	case "-":
		return writeJSON(out, res)
	default:
		f, err := os.Create(runFlags.out)
		if err != nil {
			return fmt.Errorf("creating report: %w", err)
		}
		if err := writeJSON(f, res); err != nil {
			f.Close()
			return fmt.Errorf("writing report: %w", err)
		}
		if err := f.Close(); err != nil {
			return err
		}
	}
	printSummary(out, res)
	return nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printSummary(w io.Writer, res *pipeline.Result) {
	fmt.Fprintf(w, "Run:       %s\n", res.RunID)
	fmt.Fprintf(w, "Rows:      %d read, %d skipped\n", res.Stats.Read, res.Stats.Skipped)
	fmt.Fprintf(w, "Clusters:  %d\n", len(res.Clusters))
	for _, rep := range res.Reports {
		name := rep.GroupID
		if rep.Kind == isolation.KindBubble {
			name = "  " + name
		}
		fmt.Fprintf(w, "  %-40s size=%-5d intra=%.3f inter=%.3f baseline=%.3f %s\n",
			name, rep.Size, rep.Intra.Mean, rep.Inter.Mean, rep.Baseline.Mean, rep.Verdict)
	}
	if isolated := res.Isolated(); len(isolated) > 0 {
		fmt.Fprintf(w, "Isolated:  %s\n", strings.Join(isolated, ", "))
	} else {
		fmt.Fprintf(w, "Isolated:  none\n")
	}
}
