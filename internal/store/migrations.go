package store

import (
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// migrate creates all tables if they don't exist and seeds metadata.
func (s *SQLiteStore) migrate() error {
	bootstrapDone, err := s.isMetaFlagEnabled("schema_bootstrap_complete")
	if err != nil {
		return fmt.Errorf("checking bootstrap state: %w", err)
	}

	if !bootstrapDone {
		if err := s.runBootstrapDDL(); err != nil {
			return err
		}
	}

	if err := s.seedMeta(); err != nil {
		return fmt.Errorf("seeding metadata: %w", err)
	}

	if !bootstrapDone {
		if err := s.setMetaFlag("schema_bootstrap_complete"); err != nil {
			return fmt.Errorf("marking bootstrap complete: %w", err)
		}
	}

	// Lookup indexes for the reporting surface.
	if err := s.migrateLookupIndexes(); err != nil {
		return fmt.Errorf("migrating lookup indexes: %w", err)
	}

	return nil
}

func (s *SQLiteStore) runBootstrapDDL() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS runs (
			id          TEXT PRIMARY KEY,
			created_at  DATETIME NOT NULL,
			fingerprint TEXT NOT NULL,
			config      TEXT NOT NULL DEFAULT '{}',
			stats       TEXT NOT NULL DEFAULT '{}',
			sim_table   TEXT NOT NULL DEFAULT '{}',
			overlap     TEXT NOT NULL DEFAULT '[]',
			clusters    INTEGER NOT NULL DEFAULT 0,
			bubbles     INTEGER NOT NULL DEFAULT 0,
			isolated    INTEGER NOT NULL DEFAULT 0
		)`,

		// Clusters and bubbles. parent_id links a bubble to its cluster.
		`CREATE TABLE IF NOT EXISTS run_groups (
			run_id    TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
			group_id  TEXT NOT NULL,
			kind      TEXT NOT NULL,
			channel   TEXT NOT NULL DEFAULT '',
			parent_id TEXT NOT NULL DEFAULT '',
			size      INTEGER NOT NULL DEFAULT 0,
			degraded  INTEGER NOT NULL DEFAULT 0,
			is_top    INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (run_id, group_id)
		)`,

		`CREATE TABLE IF NOT EXISTS group_members (
			run_id   TEXT NOT NULL,
			group_id TEXT NOT NULL,
			user_id  TEXT NOT NULL,
			PRIMARY KEY (run_id, group_id, user_id),
			FOREIGN KEY (run_id, group_id) REFERENCES run_groups(run_id, group_id) ON DELETE CASCADE
		)`,

		`CREATE TABLE IF NOT EXISTS reports (
			run_id       TEXT NOT NULL,
			group_id     TEXT NOT NULL,
			verdict      TEXT NOT NULL,
			intra_mean   REAL NOT NULL DEFAULT 0,
			report       TEXT NOT NULL,
			intra_matrix BLOB,
			PRIMARY KEY (run_id, group_id),
			FOREIGN KEY (run_id, group_id) REFERENCES run_groups(run_id, group_id) ON DELETE CASCADE
		)`,

		// Similarity matrices reusable across runs over the same snapshot.
		`CREATE TABLE IF NOT EXISTS matrices (
			key        TEXT PRIMARY KEY,
			evaluated  INTEGER NOT NULL,
			population INTEGER NOT NULL,
			exhaustive INTEGER NOT NULL DEFAULT 0,
			data       BLOB NOT NULL,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,

		`CREATE TABLE IF NOT EXISTS meta (
			key   TEXT PRIMARY KEY,
			value TEXT
		)`,
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning migration transaction: %w", err)
	}
	defer tx.Rollback()

	for _, stmt := range statements {
		if _, err := tx.Exec(stmt); err != nil {
			return fmt.Errorf("executing migration %q: %w", truncate(stmt, 80), err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing migration: %w", err)
	}
	return nil
}

func (s *SQLiteStore) isMetaFlagEnabled(key string) (bool, error) {
	var exists int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='meta'`).Scan(&exists); err != nil {
		return false, err
	}
	if exists == 0 {
		return false, nil
	}

	var value string
	err := s.db.QueryRow("SELECT value FROM meta WHERE key = ?", key).Scan(&value)
	if err != nil {
		if err == sql.ErrNoRows {
			return false, nil
		}
		return false, err
	}
	return value == "true", nil
}

func (s *SQLiteStore) setMetaFlag(key string) error {
	_, err := s.db.Exec("INSERT OR REPLACE INTO meta (key, value) VALUES (?, 'true')", key)
	return err
}

// seedMeta initializes the meta table with defaults if not already set.
func (s *SQLiteStore) seedMeta() error {
	defaults := map[string]string{
		"schema_version":        "1",
		"matrix_format_version": "1",
		"created_at":            time.Now().UTC().Format(time.RFC3339),
	}

	for k, v := range defaults {
		_, err := s.db.Exec(
			"INSERT OR IGNORE INTO meta (key, value) VALUES (?, ?)", k, v,
		)
		if err != nil {
			return fmt.Errorf("seeding meta key %q: %w", k, err)
		}
	}
	return nil
}

func (s *SQLiteStore) migrateLookupIndexes() error {
	done, err := s.isMetaFlagEnabled("lookup_indexes_v1")
	if err != nil {
		return err
	}
	if done {
		return nil
	}

	stmts := []string{
		`CREATE INDEX IF NOT EXISTS idx_runs_created ON runs(created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_run_groups_parent ON run_groups(run_id, parent_id)`,
		`CREATE INDEX IF NOT EXISTS idx_reports_verdict ON reports(run_id, verdict)`,
		`CREATE INDEX IF NOT EXISTS idx_matrices_created ON matrices(created_at)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("creating index %q: %w", truncate(stmt, 60), err)
		}
	}
	return s.setMetaFlag("lookup_indexes_v1")
}

func truncate(s string, maxLen int) string {
	s = strings.Join(strings.Fields(s), " ")
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
