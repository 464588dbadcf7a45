// Package store provides the SQLite storage layer for bubblescope.
//
// One database file holds:
// - Completed runs with their config, build stats and similarity table
// - Every cluster and bubble of a run, with its members
// - Isolation reports, each with the intra-group matrix it was computed from
// - Cached similarity matrices keyed by snapshot fingerprint and sampling params
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/hurttlocker/bubblescope/internal/interaction"
	"github.com/hurttlocker/bubblescope/internal/isolation"
	"github.com/hurttlocker/bubblescope/internal/pipeline"
	"github.com/hurttlocker/bubblescope/internal/similarity"
	_ "modernc.org/sqlite"
)

// DefaultDBPath is the default database location.
const DefaultDBPath = "~/.bubblescope/bubbles.db"

// ErrNotFound is returned when a run, group, report or matrix does not exist.
var ErrNotFound = errors.New("not found")

// RunSummary is the run-level part of a stored pipeline.Result.
type RunSummary struct {
	ID          string                    `json:"id"`
	CreatedAt   time.Time                 `json:"created_at"`
	Fingerprint string                    `json:"fingerprint"`
	Config      pipeline.Config           `json:"config"`
	Stats       interaction.BuildStats    `json:"stats"`
	Table       isolation.SimilarityTable `json:"table"`
	Overlap     []pipeline.Overlap        `json:"overlap"`
	Clusters    int                       `json:"clusters"`
	Bubbles     int                       `json:"bubbles"`
	Isolated    int                       `json:"isolated"`
}

// Group is one stored cluster or bubble.
type Group struct {
	RunID     string  `json:"run_id"`
	ID        string  `json:"id"`
	Kind      string  `json:"kind"`
	Channel   string  `json:"channel"`
	ParentID  string  `json:"parent_id,omitempty"`
	Size      int     `json:"size"`
	Degraded  bool    `json:"degraded,omitempty"`
	Top       bool    `json:"top,omitempty"`
	Verdict   string  `json:"verdict"`
	IntraMean float64 `json:"intra_mean"`
}

// StoreStats holds row counts and the database size.
type StoreStats struct {
	Runs        int64 `json:"runs"`
	Groups      int64 `json:"groups"`
	Reports     int64 `json:"reports"`
	Matrices    int64 `json:"matrices"`
	DBSizeBytes int64 `json:"db_size_bytes"`
}

// StoreConfig holds configuration for NewStore.
type StoreConfig struct {
	DBPath string
}

// Store defines the storage interface.
type Store interface {
	// Runs
	SaveRun(ctx context.Context, res *pipeline.Result) error
	ListRuns(ctx context.Context, limit int) ([]*RunSummary, error)
	GetRun(ctx context.Context, runID string) (*RunSummary, error)
	LatestRun(ctx context.Context) (*RunSummary, error)

	// Groups and reports
	ListGroups(ctx context.Context, runID string) ([]*Group, error)
	GroupMembers(ctx context.Context, runID, groupID string) ([]string, error)
	GetReport(ctx context.Context, runID, groupID string) (*isolation.Report, error)
	GetPair(ctx context.Context, runID, groupID, a, b string) (float64, error)

	// Matrix cache
	SaveMatrix(ctx context.Context, key string, m *similarity.Matrix) error
	LoadMatrix(ctx context.Context, key string) (*similarity.Matrix, error)
	PruneMatrices(ctx context.Context, olderThan time.Duration) (int64, error)
	MatrixCache() pipeline.MatrixCache

	// Observability
	Stats(ctx context.Context) (*StoreStats, error)

	// Maintenance
	Vacuum(ctx context.Context) error
	Close() error
}

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db     *sql.DB
	dbPath string
}

// NewStore creates a new SQLite-backed Store.
// Pass ":memory:" for in-memory databases (testing).
func NewStore(cfg StoreConfig) (Store, error) {
	if cfg.DBPath == "" {
		cfg.DBPath = expandPath(DefaultDBPath)
	}

	// Create parent directory for non-memory databases
	if cfg.DBPath != ":memory:" {
		dir := filepath.Dir(cfg.DBPath)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating db directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if cfg.DBPath == ":memory:" {
		// every connection would otherwise get its own empty database
		db.SetMaxOpenConns(1)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("setting pragma %q: %w", p, err)
		}
	}

	s := &SQLiteStore{db: db, dbPath: cfg.DBPath}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return s, nil
}

// Stats returns row counts per table.
func (s *SQLiteStore) Stats(ctx context.Context) (*StoreStats, error) {
	stats := &StoreStats{}
	queries := []struct {
		query string
		dest  *int64
	}{
		{"SELECT COUNT(*) FROM runs", &stats.Runs},
		{"SELECT COUNT(*) FROM run_groups", &stats.Groups},
		{"SELECT COUNT(*) FROM reports", &stats.Reports},
		{"SELECT COUNT(*) FROM matrices", &stats.Matrices},
	}
	for _, q := range queries {
		if err := s.db.QueryRowContext(ctx, q.query).Scan(q.dest); err != nil {
			return nil, fmt.Errorf("querying stats (%s): %w", q.query, err)
		}
	}

	if s.dbPath != ":memory:" {
		var pageCount, pageSize int64
		s.db.QueryRowContext(ctx, "PRAGMA page_count").Scan(&pageCount)
		s.db.QueryRowContext(ctx, "PRAGMA page_size").Scan(&pageSize)
		stats.DBSizeBytes = pageCount * pageSize
	}
	return stats, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Vacuum runs VACUUM on the database.
func (s *SQLiteStore) Vacuum(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// expandPath expands ~ to home directory.
func expandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[1:])
	}
	return path
}
