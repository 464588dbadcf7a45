// Package isolation decides whether a group of users lives in a bubble.
//
// A group is isolated when its members resemble each other more than they
// resemble peer groups of the same kind AND more than a random sample of the
// corpus resembles itself. Both margins are required.
package isolation

import (
	"context"
	"fmt"
	"sort"
	"strconv"

	"github.com/hurttlocker/bubblescope/internal/similarity"
	"github.com/hurttlocker/bubblescope/internal/stats"
)

// Defaults for scoring and selection.
const (
	DefaultMargin  = 0.1
	DefaultTopK    = 3
	DefaultMinSize = 10
)

// DefaultPercentiles are reported for every distribution.
var DefaultPercentiles = []float64{10, 25, 50, 75, 90}

// Kind is the level of the hierarchy a group comes from.
type Kind string

const (
	KindCluster Kind = "cluster"
	KindBubble  Kind = "bubble"
)

// Group is a named set of users.
type Group struct {
	ID    string
	Kind  Kind
	Users []string
}

// Matrices computes pairwise similarity. *similarity.Engine implements it;
// the pipeline wraps it with a cache.
type Matrices interface {
	Within(ctx context.Context, group []string, opts similarity.Options) (*similarity.Matrix, error)
	Between(ctx context.Context, a, b []string, opts similarity.Options) (*similarity.Matrix, error)
}

// Options configures Score.
type Options struct {
	Margin      *float64 // nil selects DefaultMargin; zero is a valid margin
	SampleCap   int
	Seed        uint64
	Percentiles []float64
}

// Margin returns a pointer to v for Options.Margin.
func Margin(v float64) *float64 { return &v }

func (o Options) withDefaults() Options {
	if o.Margin == nil {
		o.Margin = Margin(DefaultMargin)
	}
	if len(o.Percentiles) == 0 {
		o.Percentiles = DefaultPercentiles
	}
	return o
}

// Distribution summarizes one set of pairwise scores.
type Distribution struct {
	N           int                `json:"n"`
	Population  int                `json:"population"`
	Mean        float64            `json:"mean"`
	Median      float64            `json:"median"`
	Percentiles map[string]float64 `json:"percentiles"`
	Sampled     bool               `json:"sampled"`
	Seed        uint64             `json:"seed"`
}

// Describe builds a distribution from scores. meta provides the sampling
// provenance; Sampled is true whenever the scores are not the full population.
func Describe(scores []float64, meta similarity.Meta, percentiles []float64) Distribution {
	sorted := append([]float64(nil), scores...)
	sort.Float64s(sorted)
	d := Distribution{
		N:           len(sorted),
		Population:  meta.Population,
		Mean:        stats.Mean(sorted),
		Median:      stats.PercentileSorted(sorted, 50),
		Percentiles: make(map[string]float64, len(percentiles)),
		Sampled:     !meta.Exhaustive,
		Seed:        meta.Seed,
	}
	for _, p := range percentiles {
		d.Percentiles[PercentileKey(p)] = stats.PercentileSorted(sorted, p)
	}
	return d
}

// PercentileKey formats p as the key used in Distribution.Percentiles ("p90").
func PercentileKey(p float64) string {
	return "p" + strconv.FormatFloat(p, 'f', -1, 64)
}

// Report is the isolation summary of one group.
type Report struct {
	GroupID   string             `json:"group_id"`
	Kind      Kind               `json:"kind"`
	Size      int                `json:"size"`
	Peers     []string           `json:"peers"`
	Intra     Distribution       `json:"intra"`
	Inter     Distribution       `json:"inter"`
	Baseline  Distribution       `json:"baseline"`
	PeerMeans map[string]float64 `json:"peer_means"`
	Margin    float64            `json:"margin"`
	Verdict   Verdict            `json:"verdict"`

	// IntraMatrix backs pair lookups; it is persisted separately.
	IntraMatrix *similarity.Matrix `json:"-"`
}

// Isolated reports whether the verdict is Isolated.
func (r Report) Isolated() bool { return IsIsolated(r.Verdict) }

// Score computes intra, inter and baseline distributions for group and
// applies the dual-threshold rule.
//
// Each peer gets its own seed (opts.Seed + peer position + 1) so sampled
// cross products are independent yet reproducible. The baseline sample is
// scored with opts.Seed.
func Score(ctx context.Context, group Group, peers []Group, baseline similarity.Baseline, m Matrices, opts Options) (Report, error) {
	opts = opts.withDefaults()
	rep := Report{
		GroupID:   group.ID,
		Kind:      group.Kind,
		Size:      len(group.Users),
		Peers:     make([]string, 0, len(peers)),
		PeerMeans: make(map[string]float64, len(peers)),
		Margin:    *opts.Margin,
	}

	sopts := similarity.Options{SampleCap: opts.SampleCap, Seed: opts.Seed}
	intra, err := m.Within(ctx, group.Users, sopts)
	if err != nil {
		return Report{}, fmt.Errorf("intra similarity for %s: %w", group.ID, err)
	}
	rep.IntraMatrix = intra
	rep.Intra = Describe(intra.Scores(), intra.Meta, opts.Percentiles)

	var pooled []float64
	interMeta := similarity.Meta{Seed: opts.Seed, SampleCap: opts.SampleCap, Exhaustive: true}
	for i, peer := range peers {
		popts := sopts
		popts.Seed = opts.Seed + uint64(i) + 1
		cross, err := m.Between(ctx, group.Users, peer.Users, popts)
		if err != nil {
			return Report{}, fmt.Errorf("inter similarity %s vs %s: %w", group.ID, peer.ID, err)
		}
		scores := cross.Scores()
		pooled = append(pooled, scores...)
		rep.Peers = append(rep.Peers, peer.ID)
		rep.PeerMeans[peer.ID] = stats.Mean(scores)
		interMeta.Population += cross.Meta.Population
		interMeta.Exhaustive = interMeta.Exhaustive && cross.Meta.Exhaustive
	}
	rep.Inter = Describe(pooled, interMeta, opts.Percentiles)

	base, err := m.Within(ctx, baseline.Users, sopts)
	if err != nil {
		return Report{}, fmt.Errorf("baseline similarity for %s: %w", group.ID, err)
	}
	rep.Baseline = Describe(base.Scores(), base.Meta, opts.Percentiles)

	switch {
	case rep.Intra.N == 0:
		rep.Verdict = NotIsolated{Reason: ReasonInsufficientPairs}
	case len(peers) == 0 || rep.Inter.N == 0:
		rep.Verdict = NotIsolated{Reason: ReasonNoPeers}
	default:
		rep.Verdict = Decide(rep.Intra.Mean, rep.Inter.Mean, rep.Baseline.Mean, *opts.Margin)
	}
	return rep, nil
}

// SelectTop returns up to k reports with Size >= minSize, highest intra mean
// first (ties by group id). The input is left untouched.
func SelectTop(reports []Report, k, minSize int) []Report {
	if k <= 0 {
		k = DefaultTopK
	}
	out := make([]Report, 0, len(reports))
	for _, r := range reports {
		if r.Size >= minSize {
			out = append(out, r)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Intra.Mean != out[j].Intra.Mean {
			return out[i].Intra.Mean > out[j].Intra.Mean
		}
		return out[i].GroupID < out[j].GroupID
	})
	if len(out) > k {
		out = out[:k]
	}
	return out
}
