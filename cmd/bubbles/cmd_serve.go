package main

import (
	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/hurttlocker/bubblescope/internal/logging"
	"github.com/hurttlocker/bubblescope/internal/mcp"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the MCP server over stdio",
	Long: `Starts an MCP server over stdin/stdout exposing stored runs, groups,
isolation reports and pair scores. Logs go to stderr and never to stdout.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, _ []string) error {
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

	srv := mcp.NewServer(mcp.ServerConfig{Store: st, Version: version})
	logging.New("mcp").Info("starting bubblescope MCP server over stdio", "db", resolved.DBPath.Value)
	return server.ServeStdio(srv)
}
