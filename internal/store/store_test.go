package store

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"slices"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/hurttlocker/bubblescope/internal/interaction"
	"github.com/hurttlocker/bubblescope/internal/isolation"
	"github.com/hurttlocker/bubblescope/internal/pipeline"
	"github.com/hurttlocker/bubblescope/internal/similarity"
)

// newTestStore creates an in-memory store for testing.
func newTestStore(t *testing.T) Store {
	t.Helper()
	s, err := NewStore(StoreConfig{DBPath: ":memory:"})
	if err != nil {
		t.Fatalf("failed to create test store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestNewStore(t *testing.T) {
	s := newTestStore(t)
	ss := s.(*SQLiteStore)

	for _, table := range []string{"runs", "run_groups", "group_members", "reports", "matrices", "meta"} {
		var name string
		err := ss.db.QueryRow(
			"SELECT name FROM sqlite_master WHERE type='table' AND name=?", table,
		).Scan(&name)
		if err != nil {
			t.Errorf("table %q not found: %v", table, err)
		}
	}

	done, err := ss.isMetaFlagEnabled("lookup_indexes_v1")
	if err != nil || !done {
		t.Fatalf("lookup index migration not recorded: %v %v", done, err)
	}
}

func TestNewStore_ReopenIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "bubbles.db")
	for i := 0; i < 2; i++ {
		s, err := NewStore(StoreConfig{DBPath: path})
		if err != nil {
			t.Fatalf("open %d: %v", i, err)
		}
		stats, err := s.Stats(context.Background())
		if err != nil {
			t.Fatalf("Stats: %v", err)
		}
		if stats.DBSizeBytes == 0 {
			t.Fatal("file-backed store should report a size")
		}
		s.Close()
	}
}

// fixtureRows: one channel with a 12-user echo chamber and 8 scattered users.
func fixtureRows() []interaction.Interaction {
	var rows []interaction.Interaction
	for _, ch := range []string{"fox", "cnn"} {
		for i := 0; i < 12; i++ {
			u := fmt.Sprintf("%s-chamber-%02d", ch, i)
			for k := 1; k <= 3; k++ {
				rows = append(rows, interaction.Interaction{UserID: u, ContentID: fmt.Sprintf("%s-v%d", ch, k), ChannelID: ch})
			}
		}
		for i := 0; i < 8; i++ {
			u := fmt.Sprintf("%s-scattered-%02d", ch, i)
			for k := 0; k < 3; k++ {
				rows = append(rows, interaction.Interaction{UserID: u, ContentID: fmt.Sprintf("%s-own-%d-%d", ch, i, k), ChannelID: ch})
			}
		}
	}
	return rows
}

func runFixture(t *testing.T, s Store) *pipeline.Result {
	t.Helper()
	res, err := pipeline.Run(context.Background(),
		pipeline.Input{Rows: slices.Values(fixtureRows()), Channels: map[string]string{"fox": "Fox News", "cnn": "CNN"}},
		pipeline.Config{Seed: 1, Workers: 2},
		pipeline.WithCache(s.MatrixCache()))
	if err != nil {
		t.Fatalf("pipeline.Run: %v", err)
	}
	return res
}

func TestSaveRunAndQuery(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	res := runFixture(t, s)

	if err := s.SaveRun(ctx, res); err != nil {
		t.Fatalf("SaveRun: %v", err)
	}

	run, err := s.GetRun(ctx, res.RunID)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if run.Fingerprint != res.Fingerprint || run.Clusters != 2 || run.Bubbles != 2 {
		t.Fatalf("unexpected run summary: %+v", run)
	}
	if run.Config.Seed != 1 || run.Stats.Users != 40 {
		t.Fatalf("config/stats not round-tripped: %+v %+v", run.Config, run.Stats)
	}
	if diff := cmp.Diff(res.Table, run.Table); diff != "" {
		t.Fatalf("table mismatch (-want +got):\n%s", diff)
	}
	if !run.CreatedAt.Equal(res.CreatedAt) {
		t.Fatalf("created_at %v, want %v", run.CreatedAt, res.CreatedAt)
	}

	groups, err := s.ListGroups(ctx, res.RunID)
	if err != nil {
		t.Fatalf("ListGroups: %v", err)
	}
	var ids []string
	for _, g := range groups {
		ids = append(ids, g.ID)
	}
	want := []string{"cluster:cnn", "cluster:fox", "cluster:cnn/bubble-0", "cluster:fox/bubble-0"}
	if diff := cmp.Diff(want, ids); diff != "" {
		t.Fatalf("groups (-want +got):\n%s", diff)
	}
	fox := groups[3]
	if fox.ParentID != "cluster:fox" || fox.Size != 12 || !fox.Top || fox.Verdict != "isolated" || fox.IntraMean != 1 {
		t.Fatalf("unexpected bubble row: %+v", fox)
	}

	members, err := s.GroupMembers(ctx, res.RunID, "cluster:fox/bubble-0")
	if err != nil {
		t.Fatalf("GroupMembers: %v", err)
	}
	if len(members) != 12 || members[0] != "fox-chamber-00" {
		t.Fatalf("members = %v", members)
	}

	rep, err := s.GetReport(ctx, res.RunID, "cluster:fox/bubble-0")
	if err != nil {
		t.Fatalf("GetReport: %v", err)
	}
	if !rep.Isolated() || rep.Kind != isolation.KindBubble || rep.IntraMatrix.Meta.Origin != similarity.OriginCache {
		t.Fatalf("unexpected report: %+v", rep)
	}

	score, err := s.GetPair(ctx, res.RunID, "cluster:fox/bubble-0", "fox-chamber-03", "fox-chamber-01")
	if err != nil || score != 1 {
		t.Fatalf("GetPair = %v, %v", score, err)
	}
	if _, err := s.GetPair(ctx, res.RunID, "cluster:fox/bubble-0", "fox-chamber-03", "nobody"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown pair, got %v", err)
	}
}

func TestNotFound(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	if _, err := s.GetRun(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("GetRun: %v", err)
	}
	if _, err := s.LatestRun(ctx); !errors.Is(err, ErrNotFound) {
		t.Fatalf("LatestRun: %v", err)
	}
	if _, err := s.ListGroups(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("ListGroups: %v", err)
	}
	if _, err := s.GetReport(ctx, "missing", "cluster:fox"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("GetReport: %v", err)
	}
	if _, err := s.GroupMembers(ctx, "missing", "cluster:fox"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("GroupMembers: %v", err)
	}
	if _, err := s.LoadMatrix(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("LoadMatrix: %v", err)
	}
}

func TestListRunsNewestFirst(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	older := runFixture(t, s)
	older.CreatedAt = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	newer := runFixture(t, s)
	newer.CreatedAt = older.CreatedAt.Add(time.Hour)
	for _, r := range []*pipeline.Result{older, newer} {
		if err := s.SaveRun(ctx, r); err != nil {
			t.Fatalf("SaveRun: %v", err)
		}
	}

	runs, err := s.ListRuns(ctx, 10)
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	if len(runs) != 2 || runs[0].ID != newer.RunID {
		t.Fatalf("unexpected order: %+v", runs)
	}
	latest, err := s.LatestRun(ctx)
	if err != nil || latest.ID != newer.RunID {
		t.Fatalf("LatestRun = %+v, %v", latest, err)
	}
}

func TestMatrixCacheRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	idx, _ := interaction.Build(slices.Values(fixtureRows()), interaction.Scope{})
	m, err := similarity.NewEngine(idx).Within(ctx, idx.Users(), similarity.Options{SampleCap: 100, Seed: 9})
	if err != nil {
		t.Fatalf("Within: %v", err)
	}

	cache := s.MatrixCache()
	if _, ok, err := cache.LookupMatrix(ctx, "k"); ok || err != nil {
		t.Fatalf("empty cache lookup = %v, %v", ok, err)
	}
	if err := cache.StoreMatrix(ctx, "k", m); err != nil {
		t.Fatalf("StoreMatrix: %v", err)
	}
	got, ok, err := cache.LookupMatrix(ctx, "k")
	if err != nil || !ok {
		t.Fatalf("LookupMatrix = %v, %v", ok, err)
	}
	if got.Meta.Origin != similarity.OriginCache || got.Meta.Seed != 9 || got.Meta.Exhaustive {
		t.Fatalf("meta = %+v", got.Meta)
	}
	for p, v := range m.All() {
		if w, ok := got.Get(p.A, p.B); !ok || w != v {
			t.Fatalf("pair %v = %v, want %v", p, w, v)
		}
	}

	n, err := s.PruneMatrices(ctx, -time.Hour)
	if err != nil || n != 1 {
		t.Fatalf("PruneMatrices = %d, %v", n, err)
	}
	stats, _ := s.Stats(ctx)
	if stats.Matrices != 0 {
		t.Fatalf("matrices left after prune: %d", stats.Matrices)
	}
}
