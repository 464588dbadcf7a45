package store

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hurttlocker/bubblescope/internal/isolation"
	"github.com/hurttlocker/bubblescope/internal/pipeline"
	"github.com/hurttlocker/bubblescope/internal/similarity"
)

// SaveRun persists a completed run in one transaction.
func (s *SQLiteStore) SaveRun(ctx context.Context, res *pipeline.Result) error {
	configJSON, err := json.Marshal(res.Config)
	if err != nil {
		return fmt.Errorf("encoding run config: %w", err)
	}
	statsJSON, err := json.Marshal(res.Stats)
	if err != nil {
		return fmt.Errorf("encoding build stats: %w", err)
	}
	tableJSON, err := json.Marshal(res.Table)
	if err != nil {
		return fmt.Errorf("encoding similarity table: %w", err)
	}
	overlapJSON, err := json.Marshal(res.Overlap)
	if err != nil {
		return fmt.Errorf("encoding overlap: %w", err)
	}

	bubbles := 0
	for _, b := range res.Bubbles {
		bubbles += len(b.Bubbles)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin save run transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO runs (id, created_at, fingerprint, config, stats, sim_table, overlap, clusters, bubbles, isolated)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		res.RunID,
		res.CreatedAt.UTC().Format(time.RFC3339Nano),
		res.Fingerprint,
		string(configJSON),
		string(statsJSON),
		string(tableJSON),
		string(overlapJSON),
		len(res.Clusters),
		bubbles,
		len(res.Isolated()),
	); err != nil {
		return fmt.Errorf("inserting run %s: %w", res.RunID, err)
	}

	top := make(map[string]bool)
	for _, ids := range res.TopBubbles {
		for _, id := range ids {
			top[id] = true
		}
	}

	for i, c := range res.Clusters {
		if err := insertGroup(ctx, tx, res.RunID, Group{
			ID: c.ID, Kind: string(isolation.KindCluster), Channel: c.Channel,
			Size: c.Size(), Degraded: c.Degraded,
		}, c.Users); err != nil {
			return err
		}
		for _, b := range res.Bubbles[i].Bubbles {
			if err := insertGroup(ctx, tx, res.RunID, Group{
				ID: b.ID, Kind: string(isolation.KindBubble), Channel: c.Channel,
				ParentID: c.ID, Size: b.Size(), Top: top[b.ID],
			}, b.Users); err != nil {
				return err
			}
		}
	}

	for _, rep := range res.Reports {
		reportJSON, err := json.Marshal(rep)
		if err != nil {
			return fmt.Errorf("encoding report %s: %w", rep.GroupID, err)
		}
		var blob []byte
		if rep.IntraMatrix != nil {
			var buf bytes.Buffer
			if _, err := rep.IntraMatrix.WriteTo(&buf); err != nil {
				return fmt.Errorf("encoding intra matrix of %s: %w", rep.GroupID, err)
			}
			blob = buf.Bytes()
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO reports (run_id, group_id, verdict, intra_mean, report, intra_matrix)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			res.RunID, rep.GroupID, rep.Verdict.String(), rep.Intra.Mean, string(reportJSON), blob,
		); err != nil {
			return fmt.Errorf("inserting report %s: %w", rep.GroupID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing run %s: %w", res.RunID, err)
	}
	return nil
}

func insertGroup(ctx context.Context, tx *sql.Tx, runID string, g Group, users []string) error {
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO run_groups (run_id, group_id, kind, channel, parent_id, size, degraded, is_top)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		runID, g.ID, g.Kind, g.Channel, g.ParentID, g.Size, boolToInt(g.Degraded), boolToInt(g.Top),
	); err != nil {
		return fmt.Errorf("inserting group %s: %w", g.ID, err)
	}
	for _, u := range users {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO group_members (run_id, group_id, user_id) VALUES (?, ?, ?)`,
			runID, g.ID, u,
		); err != nil {
			return fmt.Errorf("inserting member %s of %s: %w", u, g.ID, err)
		}
	}
	return nil
}

const runColumns = `id, created_at, fingerprint, config, stats, sim_table, overlap, clusters, bubbles, isolated`

// ListRuns returns the most recent runs first.
func (s *SQLiteStore) ListRuns(ctx context.Context, limit int) ([]*RunSummary, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+runColumns+` FROM runs ORDER BY created_at DESC, id LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("listing runs: %w", err)
	}
	defer rows.Close()

	var out []*RunSummary
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating runs: %w", err)
	}
	return out, nil
}

// GetRun returns one run by id.
func (s *SQLiteStore) GetRun(ctx context.Context, runID string) (*RunSummary, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, runID)
	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run %s: %w", runID, ErrNotFound)
	}
	return r, err
}

// LatestRun returns the most recent run.
func (s *SQLiteStore) LatestRun(ctx context.Context) (*RunSummary, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs ORDER BY created_at DESC, id LIMIT 1`)
	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("latest run: %w", ErrNotFound)
	}
	return r, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(sc scanner) (*RunSummary, error) {
	var (
		r                                             RunSummary
		createdAt                                     string
		configJSON, statsJSON, tableJSON, overlapJSON string
	)
	if err := sc.Scan(&r.ID, &createdAt, &r.Fingerprint, &configJSON, &statsJSON, &tableJSON, &overlapJSON,
		&r.Clusters, &r.Bubbles, &r.Isolated); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scanning run: %w", err)
	}
	t, err := time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return nil, fmt.Errorf("parsing run timestamp %q: %w", createdAt, err)
	}
	r.CreatedAt = t
	for _, f := range []struct {
		raw  string
		dest any
		what string
	}{
		{configJSON, &r.Config, "config"},
		{statsJSON, &r.Stats, "stats"},
		{tableJSON, &r.Table, "similarity table"},
		{overlapJSON, &r.Overlap, "overlap"},
	} {
		if err := json.Unmarshal([]byte(f.raw), f.dest); err != nil {
			return nil, fmt.Errorf("decoding run %s: %w", f.what, err)
		}
	}
	return &r, nil
}

// ListGroups returns every cluster and bubble of a run with its verdict,
// clusters first.
func (s *SQLiteStore) ListGroups(ctx context.Context, runID string) ([]*Group, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT g.run_id, g.group_id, g.kind, g.channel, g.parent_id, g.size, g.degraded, g.is_top,
		        COALESCE(r.verdict, ''), COALESCE(r.intra_mean, 0)
		 FROM run_groups g
		 LEFT JOIN reports r ON r.run_id = g.run_id AND r.group_id = g.group_id
		 WHERE g.run_id = ?
		 ORDER BY CASE g.kind WHEN 'cluster' THEN 0 ELSE 1 END, g.group_id`, runID)
	if err != nil {
		return nil, fmt.Errorf("listing groups of %s: %w", runID, err)
	}
	defer rows.Close()

	var out []*Group
	for rows.Next() {
		var (
			g             Group
			degraded, top int
		)
		if err := rows.Scan(&g.RunID, &g.ID, &g.Kind, &g.Channel, &g.ParentID, &g.Size, &degraded, &top,
			&g.Verdict, &g.IntraMean); err != nil {
			return nil, fmt.Errorf("scanning group: %w", err)
		}
		g.Degraded = degraded != 0
		g.Top = top != 0
		out = append(out, &g)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating groups: %w", err)
	}
	if len(out) == 0 {
		if _, err := s.GetRun(ctx, runID); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// GroupMembers returns the sorted user ids of a group.
func (s *SQLiteStore) GroupMembers(ctx context.Context, runID, groupID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT user_id FROM group_members WHERE run_id = ? AND group_id = ? ORDER BY user_id`,
		runID, groupID)
	if err != nil {
		return nil, fmt.Errorf("listing members of %s: %w", groupID, err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var u string
		if err := rows.Scan(&u); err != nil {
			return nil, fmt.Errorf("scanning member: %w", err)
		}
		out = append(out, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating members: %w", err)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("group %s in run %s: %w", groupID, runID, ErrNotFound)
	}
	return out, nil
}

// GetReport decodes the stored isolation report of a group. The intra matrix
// is attached when one was stored.
func (s *SQLiteStore) GetReport(ctx context.Context, runID, groupID string) (*isolation.Report, error) {
	var (
		raw  string
		blob []byte
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT report, intra_matrix FROM reports WHERE run_id = ? AND group_id = ?`,
		runID, groupID,
	).Scan(&raw, &blob)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("report %s in run %s: %w", groupID, runID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("querying report %s: %w", groupID, err)
	}

	var rep isolation.Report
	if err := json.Unmarshal([]byte(raw), &rep); err != nil {
		return nil, fmt.Errorf("decoding report %s: %w", groupID, err)
	}
	if len(blob) > 0 {
		m, err := similarity.ReadMatrix(bytes.NewReader(blob))
		if err != nil {
			return nil, fmt.Errorf("decoding intra matrix of %s: %w", groupID, err)
		}
		rep.IntraMatrix = m
	}
	return &rep, nil
}

// GetPair returns the stored intra-group similarity of users a and b.
// ErrNotFound covers both an unknown group and a pair that was not sampled.
func (s *SQLiteStore) GetPair(ctx context.Context, runID, groupID, a, b string) (float64, error) {
	rep, err := s.GetReport(ctx, runID, groupID)
	if err != nil {
		return 0, err
	}
	if rep.IntraMatrix == nil {
		return 0, fmt.Errorf("pair %s,%s in %s: %w", a, b, groupID, ErrNotFound)
	}
	v, ok := rep.IntraMatrix.Get(a, b)
	if !ok {
		return 0, fmt.Errorf("pair %s,%s in %s: %w", a, b, groupID, ErrNotFound)
	}
	return v, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
