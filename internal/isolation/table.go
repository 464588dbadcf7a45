package isolation

import (
	"context"
	"fmt"

	"github.com/hurttlocker/bubblescope/internal/similarity"
	"github.com/hurttlocker/bubblescope/internal/stats"
)

// TableMode selects the statistic shown in each cell.
type TableMode string

const (
	TableMean       TableMode = "mean"
	TablePercentile TableMode = "percentile"
)

// TableOptions configures Table.
type TableOptions struct {
	Mode       TableMode
	Percentile float64
	SampleCap  int
	Seed       uint64
}

// SimilarityTable is a symmetric group × group table of pairwise Jaccard.
// The diagonal holds the within-group statistic.
type SimilarityTable struct {
	Groups []string    `json:"groups"`
	Mode   TableMode   `json:"mode"`
	Cells  [][]float64 `json:"cells"`
}

// Cell returns the statistic for groups a and b.
func (t SimilarityTable) Cell(a, b string) (float64, bool) {
	i, j := -1, -1
	for k, g := range t.Groups {
		if g == a {
			i = k
		}
		if g == b {
			j = k
		}
	}
	if i < 0 || j < 0 {
		return 0, false
	}
	return t.Cells[i][j], true
}

// Table computes the statistic for every pair of groups.
func Table(ctx context.Context, groups []Group, m Matrices, opts TableOptions) (SimilarityTable, error) {
	if opts.Mode == "" {
		opts.Mode = TableMean
	}
	if opts.Mode != TableMean && opts.Mode != TablePercentile {
		return SimilarityTable{}, fmt.Errorf("unknown table mode %q", opts.Mode)
	}
	stat := func(scores []float64) float64 {
		if opts.Mode == TablePercentile {
			return stats.Percentile(scores, opts.Percentile)
		}
		return stats.Mean(scores)
	}

	t := SimilarityTable{
		Groups: make([]string, len(groups)),
		Mode:   opts.Mode,
		Cells:  make([][]float64, len(groups)),
	}
	for i, g := range groups {
		t.Groups[i] = g.ID
		t.Cells[i] = make([]float64, len(groups))
	}

	sopts := similarity.Options{SampleCap: opts.SampleCap, Seed: opts.Seed}
	for i := range groups {
		within, err := m.Within(ctx, groups[i].Users, sopts)
		if err != nil {
			return SimilarityTable{}, fmt.Errorf("table %s: %w", groups[i].ID, err)
		}
		t.Cells[i][i] = stat(within.Scores())
		for j := i + 1; j < len(groups); j++ {
			cross, err := m.Between(ctx, groups[i].Users, groups[j].Users, sopts)
			if err != nil {
				return SimilarityTable{}, fmt.Errorf("table %s x %s: %w", groups[i].ID, groups[j].ID, err)
			}
			v := stat(cross.Scores())
			t.Cells[i][j] = v
			t.Cells[j][i] = v
		}
	}
	return t, nil
}
