package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var cacheFlags struct {
	olderThan time.Duration
	vacuum    bool
}

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Inspect and prune the similarity matrix cache",
	Args:  cobra.NoArgs,
	RunE:  runCacheStats,
}

var cachePruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete cached matrices older than --older-than",
	Args:  cobra.NoArgs,
	RunE:  runCachePrune,
}

func init() {
	f := cachePruneCmd.Flags()
	f.DurationVar(&cacheFlags.olderThan, "older-than", 30*24*time.Hour, "Age threshold")
	f.BoolVar(&cacheFlags.vacuum, "vacuum", false, "Run VACUUM after pruning")
	cacheCmd.AddCommand(cachePruneCmd)
}

func runCacheStats(cmd *cobra.Command, _ []string) error {
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

	stats, err := st.Stats(cmd.Context())
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Database:  %s\n", resolved.DBPath.Value)
	fmt.Fprintf(out, "Runs:      %d\n", stats.Runs)
	fmt.Fprintf(out, "Groups:    %d\n", stats.Groups)
	fmt.Fprintf(out, "Reports:   %d\n", stats.Reports)
	fmt.Fprintf(out, "Matrices:  %d\n", stats.Matrices)
	fmt.Fprintf(out, "Size:      %d bytes\n", stats.DBSizeBytes)
	return nil
}

func runCachePrune(cmd *cobra.Command, _ []string) error {
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
	n, err := st.PruneMatrices(ctx, cacheFlags.olderThan)
	if err != nil {
		return err
	}
	if cacheFlags.vacuum {
		if err := st.Vacuum(ctx); err != nil {
			return fmt.Errorf("vacuum: %w", err)
		}
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Pruned %d cached matrices older than %s\n", n, cacheFlags.olderThan)
	return nil
}
