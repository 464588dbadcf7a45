package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/hurttlocker/bubblescope/internal/store"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

func registerLatestRunResource(s *server.MCPServer, st store.Store) {
	resource := mcp.NewResource(
		"bubbles://runs/latest",
		"Latest Run",
		mcp.WithResourceDescription("Summary of the most recent run: config, build stats, similarity table, bubble overlap and its isolated groups."),
		mcp.WithMIMEType("application/json"),
	)

	s.AddResource(resource, func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		dbMu.Lock()
		defer dbMu.Unlock()

		run, err := st.LatestRun(ctx)
		if errors.Is(err, store.ErrNotFound) {
			payload := map[string]interface{}{
				"available": false,
				"message":   "no runs stored yet",
			}
			data, _ := json.MarshalIndent(payload, "", "  ")
			return []mcp.ResourceContents{
				mcp.TextResourceContents{URI: req.Params.URI, MIMEType: "application/json", Text: string(data)},
			}, nil
		}
		if err != nil {
			return nil, fmt.Errorf("loading latest run: %w", err)
		}

		groups, err := st.ListGroups(ctx, run.ID)
		if err != nil {
			return nil, fmt.Errorf("listing groups of %s: %w", run.ID, err)
		}
		isolated := make([]*store.Group, 0)
		for _, g := range groups {
			if g.Verdict == "isolated" {
				isolated = append(isolated, g)
			}
		}

		payload := map[string]interface{}{
			"available": true,
			"run":       run,
			"isolated":  isolated,
		}
		data, _ := json.MarshalIndent(payload, "", "  ")
		return []mcp.ResourceContents{
			mcp.TextResourceContents{URI: req.Params.URI, MIMEType: "application/json", Text: string(data)},
		}, nil
	})
}

func registerStatsResource(s *server.MCPServer, st store.Store) {
	resource := mcp.NewResource(
		"bubbles://stats",
		"Store Statistics",
		mcp.WithResourceDescription("Row counts of runs, groups, reports and cached matrices, plus the database size."),
		mcp.WithMIMEType("application/json"),
	)

	s.AddResource(resource, func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		dbMu.Lock()
		defer dbMu.Unlock()

		stats, err := st.Stats(ctx)
		if err != nil {
			return nil, fmt.Errorf("getting stats: %w", err)
		}
		data, _ := json.MarshalIndent(stats, "", "  ")
		return []mcp.ResourceContents{
			mcp.TextResourceContents{URI: req.Params.URI, MIMEType: "application/json", Text: string(data)},
		}, nil
	})
}
