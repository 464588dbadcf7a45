// bubbles detects filter bubbles in a platform's commenter population.
//
// Usage:
//
//	bubbles run --interactions comments.csv [--channels channels.csv] [--out report.json]
//	bubbles runs [--limit 20]
//	bubbles runs show <run-id>
//	bubbles cache prune --older-than 720h
//	bubbles serve
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// version is set at build time via -ldflags.
var version = "dev"

var rootFlags struct {
	configPath string
	dbPath     string
	logLevel   string
	logFormat  string
	logFile    string
}

var rootCmd = &cobra.Command{
	Use:   "bubbles",
	Short: "Find echo chambers among the commenters of content channels",
	Long: `bubbles selects each channel's most active commenters, splits them into
density-connected bubbles by the content they engage with, and reports which
clusters and bubbles are isolated from their peers and from a random baseline.`,
	SilenceUsage: true,
	CompletionOptions: cobra.CompletionOptions{
		HiddenDefaultCmd: true,
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version",
	Run: func(cmd *cobra.Command, _ []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "bubbles %s\n", version)
	},
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&rootFlags.configPath, "config", "", "Config file (default: ~/.bubblescope/config.yaml)")
	pf.StringVar(&rootFlags.dbPath, "db", "", "Database path (default: ~/.bubblescope/bubbles.db)")
	pf.StringVar(&rootFlags.logLevel, "log-level", "", "Log level: debug, info, warn, error")
	pf.StringVar(&rootFlags.logFormat, "log-format", "", "Console log format: text or json")
	pf.StringVar(&rootFlags.logFile, "log-file", "", "Also write JSON logs to this file")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(runsCmd)
	rootCmd.AddCommand(cacheCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.Version = version
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
