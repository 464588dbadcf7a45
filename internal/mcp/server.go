// Package mcp provides a Model Context Protocol server over stored bubblescope
// runs.
//
// It exposes run listings, group listings, isolation reports and single pair
// scores as MCP tools, and the latest run summary as an MCP resource. The
// server only reads from the store; runs are produced by `bubbles run`.
package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/hurttlocker/bubblescope/internal/store"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

// ServerConfig holds configuration for the MCP server.
type ServerConfig struct {
	Store   store.Store
	Version string // version string for MCP server info
}

// dbMu serializes all MCP tool calls that touch the database.
// The mcp-go library dispatches handlers concurrently via goroutines.
var dbMu sync.Mutex

const (
	defaultRunLimit = 20
	maxRunLimit     = 200
)

// NewServer creates a configured MCP server with all bubblescope tools and resources.
func NewServer(cfg ServerConfig) *server.MCPServer {
	ver := cfg.Version
	if ver == "" {
		ver = "dev"
	}

	s := server.NewMCPServer(
		"bubblescope",
		ver,
		server.WithToolCapabilities(false),
		server.WithResourceCapabilities(true, false),
	)

	// Register tools
	registerRunsTool(s, cfg.Store)
	registerGroupsTool(s, cfg.Store)
	registerMembersTool(s, cfg.Store)
	registerReportTool(s, cfg.Store)
	registerPairTool(s, cfg.Store)

	// Register resources
	registerLatestRunResource(s, cfg.Store)
	registerStatsResource(s, cfg.Store)

	return s
}

// --- Tools ---

func registerRunsTool(s *server.MCPServer, st store.Store) {
	tool := mcp.NewTool("bubbles_runs",
		mcp.WithDescription("List stored bubble-detection runs, newest first, with cluster, bubble and isolated-group counts."),
		mcp.WithReadOnlyHintAnnotation(true),
		mcp.WithDestructiveHintAnnotation(false),
		mcp.WithNumber("limit",
			mcp.Description("Maximum number of runs (default: 20, max: 200)"),
		),
	)

	s.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		dbMu.Lock()
		defer dbMu.Unlock()

		limit := defaultRunLimit
		if limitVal, err := req.RequireFloat("limit"); err == nil {
			limit = int(limitVal)
			if limit > maxRunLimit {
				limit = maxRunLimit
			}
			if limit <= 0 {
				limit = defaultRunLimit
			}
		}

		runs, err := st.ListRuns(ctx, limit)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("listing runs: %v", err)), nil
		}
		return jsonResult(map[string]interface{}{
			"runs":  runs,
			"count": len(runs),
		})
	})
}

func registerGroupsTool(s *server.MCPServer, st store.Store) {
	tool := mcp.NewTool("bubbles_groups",
		mcp.WithDescription("List the active clusters and bubbles of a run with size, verdict and intra-group mean Jaccard. Clusters come first."),
		mcp.WithReadOnlyHintAnnotation(true),
		mcp.WithDestructiveHintAnnotation(false),
		mcp.WithString("run_id",
			mcp.Description("Run id (default: latest run)"),
		),
		mcp.WithString("kind",
			mcp.Description("Only return groups of this kind"),
			mcp.Enum("cluster", "bubble"),
		),
		mcp.WithBoolean("isolated_only",
			mcp.Description("Only return groups whose verdict is isolated (default: false)"),
		),
	)

	s.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		dbMu.Lock()
		defer dbMu.Unlock()

		runID, errResult := resolveRunID(ctx, st, req)
		if errResult != nil {
			return errResult, nil
		}

		groups, err := st.ListGroups(ctx, runID)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("listing groups: %v", err)), nil
		}

		kind, _ := req.RequireString("kind")
		isolatedOnly, _ := req.RequireBool("isolated_only")
		filtered := make([]*store.Group, 0, len(groups))
		for _, g := range groups {
			if kind != "" && g.Kind != kind {
				continue
			}
			if isolatedOnly && g.Verdict != "isolated" {
				continue
			}
			filtered = append(filtered, g)
		}

		return jsonResult(map[string]interface{}{
			"run_id": runID,
			"groups": filtered,
			"count":  len(filtered),
		})
	})
}

func registerMembersTool(s *server.MCPServer, st store.Store) {
	tool := mcp.NewTool("bubbles_members",
		mcp.WithDescription("List the user ids of one cluster or bubble."),
		mcp.WithReadOnlyHintAnnotation(true),
		mcp.WithDestructiveHintAnnotation(false),
		mcp.WithString("group_id",
			mcp.Required(),
			mcp.Description("Group id, e.g. 'cluster:UCxyz' or 'cluster:UCxyz/bubble-0'"),
		),
		mcp.WithString("run_id",
			mcp.Description("Run id (default: latest run)"),
		),
	)

	s.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		dbMu.Lock()
		defer dbMu.Unlock()

		groupID, err := req.RequireString("group_id")
		if err != nil || strings.TrimSpace(groupID) == "" {
			return mcp.NewToolResultError("group_id is required"), nil
		}
		runID, errResult := resolveRunID(ctx, st, req)
		if errResult != nil {
			return errResult, nil
		}

		users, err := st.GroupMembers(ctx, runID, groupID)
		if err != nil {
			return notFoundOr(err, "group %s not found in run %s", groupID, runID), nil
		}
		return jsonResult(map[string]interface{}{
			"run_id":   runID,
			"group_id": groupID,
			"users":    users,
			"count":    len(users),
		})
	})
}

func registerReportTool(s *server.MCPServer, st store.Store) {
	tool := mcp.NewTool("bubbles_report",
		mcp.WithDescription("Get the isolation report of a cluster or bubble: intra, inter and baseline similarity distributions, per-peer means, margin and verdict."),
		mcp.WithReadOnlyHintAnnotation(true),
		mcp.WithDestructiveHintAnnotation(false),
		mcp.WithString("group_id",
			mcp.Required(),
			mcp.Description("Group id, e.g. 'cluster:UCxyz' or 'cluster:UCxyz/bubble-0'"),
		),
		mcp.WithString("run_id",
			mcp.Description("Run id (default: latest run)"),
		),
	)

	s.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		dbMu.Lock()
		defer dbMu.Unlock()

		groupID, err := req.RequireString("group_id")
		if err != nil || strings.TrimSpace(groupID) == "" {
			return mcp.NewToolResultError("group_id is required"), nil
		}
		runID, errResult := resolveRunID(ctx, st, req)
		if errResult != nil {
			return errResult, nil
		}

		report, err := st.GetReport(ctx, runID, groupID)
		if err != nil {
			return notFoundOr(err, "no report for %s in run %s", groupID, runID), nil
		}
		return jsonResult(map[string]interface{}{
			"run_id": runID,
			"report": report,
		})
	})
}

func registerPairTool(s *server.MCPServer, st store.Store) {
	tool := mcp.NewTool("bubbles_pair",
		mcp.WithDescription("Look up the Jaccard similarity of two users inside a group's stored intra-group matrix. Pairs that were not sampled are reported as not found, never as zero."),
		mcp.WithReadOnlyHintAnnotation(true),
		mcp.WithDestructiveHintAnnotation(false),
		mcp.WithString("group_id",
			mcp.Required(),
			mcp.Description("Group id whose matrix to query"),
		),
		mcp.WithString("user_a",
			mcp.Required(),
			mcp.Description("First user id"),
		),
		mcp.WithString("user_b",
			mcp.Required(),
			mcp.Description("Second user id"),
		),
		mcp.WithString("run_id",
			mcp.Description("Run id (default: latest run)"),
		),
	)

	s.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		dbMu.Lock()
		defer dbMu.Unlock()

		groupID, err := req.RequireString("group_id")
		if err != nil {
			return mcp.NewToolResultError("group_id is required"), nil
		}
		a, err := req.RequireString("user_a")
		if err != nil {
			return mcp.NewToolResultError("user_a is required"), nil
		}
		b, err := req.RequireString("user_b")
		if err != nil {
			return mcp.NewToolResultError("user_b is required"), nil
		}
		if a == b {
			return mcp.NewToolResultError("user_a and user_b must differ"), nil
		}
		runID, errResult := resolveRunID(ctx, st, req)
		if errResult != nil {
			return errResult, nil
		}

		score, err := st.GetPair(ctx, runID, groupID, a, b)
		if err != nil {
			return notFoundOr(err, "pair (%s, %s) was not evaluated for %s", a, b, groupID), nil
		}
		return jsonResult(map[string]interface{}{
			"run_id":   runID,
			"group_id": groupID,
			"user_a":   a,
			"user_b":   b,
			"jaccard":  score,
		})
	})
}

// --- Helpers ---

// resolveRunID returns the requested run id, or the latest run's id when the
// argument is absent.
func resolveRunID(ctx context.Context, st store.Store, req mcp.CallToolRequest) (string, *mcp.CallToolResult) {
	if id, err := req.RequireString("run_id"); err == nil && strings.TrimSpace(id) != "" {
		return strings.TrimSpace(id), nil
	}
	run, err := st.LatestRun(ctx)
	if errors.Is(err, store.ErrNotFound) {
		return "", mcp.NewToolResultError("no runs stored yet; run `bubbles run` first")
	}
	if err != nil {
		return "", mcp.NewToolResultError(fmt.Sprintf("loading latest run: %v", err))
	}
	return run.ID, nil
}

func notFoundOr(err error, format string, args ...interface{}) *mcp.CallToolResult {
	if errors.Is(err, store.ErrNotFound) {
		return mcp.NewToolResultError(fmt.Sprintf(format, args...))
	}
	return mcp.NewToolResultError(err.Error())
}

func jsonResult(v interface{}) (*mcp.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("encoding result: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}
