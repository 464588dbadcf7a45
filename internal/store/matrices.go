package store

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/hurttlocker/bubblescope/internal/pipeline"
	"github.com/hurttlocker/bubblescope/internal/similarity"
)

// SaveMatrix stores m under key, replacing any previous entry.
func (s *SQLiteStore) SaveMatrix(ctx context.Context, key string, m *similarity.Matrix) error {
	var buf bytes.Buffer
	if _, err := m.WriteTo(&buf); err != nil {
		return fmt.Errorf("encoding matrix %s: %w", key, err)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO matrices (key, evaluated, population, exhaustive, data, created_at)
		 VALUES (?, ?, ?, ?, ?, CURRENT_TIMESTAMP)`,
		key, m.Meta.Evaluated, m.Meta.Population, boolToInt(m.Meta.Exhaustive), buf.Bytes(),
	)
	if err != nil {
		return fmt.Errorf("saving matrix %s: %w", key, err)
	}
	return nil
}

// LoadMatrix returns the matrix stored under key. The result carries
// Origin == similarity.OriginCache.
func (s *SQLiteStore) LoadMatrix(ctx context.Context, key string) (*similarity.Matrix, error) {
	var blob []byte
	err := s.db.QueryRowContext(ctx, `SELECT data FROM matrices WHERE key = ?`, key).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("matrix %s: %w", key, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("loading matrix %s: %w", key, err)
	}
	m, err := similarity.ReadMatrix(bytes.NewReader(blob))
	if err != nil {
		return nil, fmt.Errorf("decoding matrix %s: %w", key, err)
	}
	return m, nil
}

// PruneMatrices deletes cached matrices older than olderThan and returns how
// many were removed.
func (s *SQLiteStore) PruneMatrices(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-olderThan).Format("2006-01-02 15:04:05")
	res, err := s.db.ExecContext(ctx, `DELETE FROM matrices WHERE created_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("pruning matrices: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("reading pruned count: %w", err)
	}
	return n, nil
}

// MatrixCache adapts the store to pipeline.MatrixCache.
func (s *SQLiteStore) MatrixCache() pipeline.MatrixCache {
	return matrixCache{s: s}
}

type matrixCache struct {
	s *SQLiteStore
}

func (c matrixCache) LookupMatrix(ctx context.Context, key string) (*similarity.Matrix, bool, error) {
	m, err := c.s.LoadMatrix(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return m, true, nil
}

func (c matrixCache) StoreMatrix(ctx context.Context, key string, m *similarity.Matrix) error {
	return c.s.SaveMatrix(ctx, key, m)
}
