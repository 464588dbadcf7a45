// Package pipeline runs the bubble-detection stages over one snapshot:
// index, active clusters, bubbles, similarity and isolation verdicts.
package pipeline

import (
	"context"
	"fmt"
	"hash/fnv"
	"iter"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/hurttlocker/bubblescope/internal/activity"
	"github.com/hurttlocker/bubblescope/internal/bubble"
	"github.com/hurttlocker/bubblescope/internal/interaction"
	"github.com/hurttlocker/bubblescope/internal/isolation"
	"github.com/hurttlocker/bubblescope/internal/logging"
	"github.com/hurttlocker/bubblescope/internal/metrics"
	"github.com/hurttlocker/bubblescope/internal/similarity"
	"github.com/hurttlocker/bubblescope/internal/stats"
)

// Input is the clean snapshot handed over by the ingestion side.
type Input struct {
	Rows iter.Seq[interaction.Interaction]
	// Channels maps channel id to display name.
	Channels map[string]string
}

// Option customizes Run.
type Option func(*runner)

// WithCache reuses matrices computed by earlier runs over the same snapshot.
func WithCache(c MatrixCache) Option {
	return func(r *runner) { r.cache = c }
}

// WithMetrics records counters on rec instead of a throwaway recorder.
func WithMetrics(rec *metrics.Recorder) Option {
	return func(r *runner) {
		if rec != nil {
			r.rec = rec
		}
	}
}

// WithLogger overrides the pipeline logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *runner) {
		if l != nil {
			r.log = l
		}
	}
}

type runner struct {
	cfg   Config
	cache MatrixCache
	rec   *metrics.Recorder
	log   *slog.Logger
}

// Run executes every stage and returns a fresh Result. Degenerate inputs
// (tiny channels, no bubbles, clamped samples) are flagged in the result, not
// returned as errors; errors come only from the cache and from ctx.
func Run(ctx context.Context, in Input, cfg Config, opts ...Option) (*Result, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	r := &runner{cfg: cfg, rec: metrics.NewRecorder(), log: logging.New("pipeline")}
	for _, o := range opts {
		o(r)
	}
	return r.run(ctx, in)
}

func (r *runner) run(ctx context.Context, in Input) (*Result, error) {
	cfg := r.cfg
	res := &Result{
		RunID:      uuid.NewString(),
		CreatedAt:  time.Now().UTC(),
		Config:     cfg,
		Channels:   make(map[string]string),
		TopBubbles: make(map[string][]string),
		Shares:     make(map[string][]interaction.ChannelShare),
		Profiles:   make(map[string]interaction.Profile),
	}
	for id, name := range in.Channels {
		res.Channels[id] = name
	}

	done := r.rec.Stage("index")
	idx, bs := interaction.Build(in.Rows, interaction.Scope{})
	done()
	res.Stats = bs
	res.Fingerprint = idx.Fingerprint()
	r.rec.RowsRead.Add(float64(bs.Read))
	r.rec.RowsSkipped.Add(float64(bs.Skipped))
	r.log.Info("index built", "run", res.RunID, "scope", idx.Scope().String(),
		"rows", bs.Read, "skipped", bs.Skipped, "users", bs.Users, "contents", bs.Contents)

	channels := cfg.Channels
	if len(channels) == 0 {
		channels = idx.Channels()
	}

	done = r.rec.Stage("activity")
	for _, ch := range channels {
		c := activity.SelectActive(idx, ch, cfg.Percentile, activity.Options{
			MinPopulation: cfg.MinPopulation,
			Measure:       cfg.ActivityMeasure,
		})
		if c.Degraded {
			r.log.Warn("channel below minimum population, keeping every user",
				"channel", ch, "population", c.Population, "min", cfg.MinPopulation)
		}
		r.rec.ActiveUsers.WithLabelValues(ch).Set(float64(c.Size()))
		res.Clusters = append(res.Clusters, c)
		for _, u := range c.Users {
			if p, ok := idx.Profile(u); ok {
				res.Profiles[u] = p
			}
		}
	}
	done()

	done = r.rec.Stage("bubbles")
	for _, c := range res.Clusters {
		b := bubble.FindBubbles(c.ID, c.Users, idx, cfg.Bubble)
		if b.NoBubble() {
			r.log.Info("no bubble detected", "cluster", c.ID, "users", c.Size())
		}
		r.rec.Bubbles.WithLabelValues(c.Channel).Set(float64(len(b.Bubbles)))
		res.Bubbles = append(res.Bubbles, b)
	}
	done()

	engine := similarity.NewEngine(idx,
		similarity.WithWorkers(cfg.Workers),
		similarity.WithLogger(logging.New("similarity")))
	mats := newMatrices(engine, r.cache, r.rec, r.log)

	clusterGroups := make([]isolation.Group, 0, len(res.Clusters))
	for _, c := range res.Clusters {
		clusterGroups = append(clusterGroups, isolation.Group{ID: c.ID, Kind: isolation.KindCluster, Users: c.Users})
	}
	var bubbleGroups []isolation.Group
	bubbleCluster := make(map[string]string)
	for _, br := range res.Bubbles {
		for _, b := range br.Bubbles {
			bubbleGroups = append(bubbleGroups, isolation.Group{ID: b.ID, Kind: isolation.KindBubble, Users: b.Users})
			bubbleCluster[b.ID] = br.ClusterID
		}
	}

	done = r.rec.Stage("isolation")
	for _, groups := range [][]isolation.Group{clusterGroups, bubbleGroups} {
		for i, g := range groups {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			rep, err := r.score(ctx, engine, mats, g, peersOf(groups, i))
			if err != nil {
				return nil, err
			}
			res.Reports = append(res.Reports, rep)
		}
	}
	done()

	r.selectTop(res, bubbleCluster)

	done = r.rec.Stage("table")
	table, err := isolation.Table(ctx, clusterGroups, mats, isolation.TableOptions{
		Mode:       cfg.TableMode,
		Percentile: cfg.TablePercentile,
		SampleCap:  cfg.SampleCap,
		Seed:       cfg.Seed,
	})
	done()
	if err != nil {
		return nil, fmt.Errorf("similarity table: %w", err)
	}
	res.Table = table

	for _, g := range append(append([]isolation.Group(nil), clusterGroups...), bubbleGroups...) {
		shares := idx.ChannelShare(g.Users)
		for i := range shares {
			shares[i].Name = in.Channels[shares[i].Channel]
		}
		res.Shares[g.ID] = shares
	}
	res.Overlap = overlap(res)

	isolated := map[isolation.Kind]int{isolation.KindCluster: 0, isolation.KindBubble: 0}
	for _, rep := range res.Reports {
		if rep.Isolated() {
			isolated[rep.Kind]++
		}
	}
	for kind, n := range isolated {
		r.rec.IsolatedGroups.WithLabelValues(string(kind)).Set(float64(n))
	}

	r.log.Info("run complete", "run", res.RunID, "clusters", len(res.Clusters),
		"bubbles", len(bubbleGroups), "isolated", len(res.Isolated()))
	return res, nil
}

func (r *runner) score(ctx context.Context, engine *similarity.Engine, mats *matrices, g isolation.Group, peers []isolation.Group) (isolation.Report, error) {
	seed := groupSeed(r.cfg.Seed, g.ID)
	baseline := engine.RandomBaseline(g.Users, len(g.Users), seed)
	if baseline.Clamped {
		r.log.Warn("baseline sample clamped", "group", g.ID, "requested", baseline.Requested, "size", baseline.Size())
	}
	rep, err := isolation.Score(ctx, g, peers, baseline, mats, isolation.Options{
		Margin:      r.cfg.Margin,
		SampleCap:   r.cfg.SampleCap,
		Seed:        seed,
		Percentiles: r.cfg.Percentiles,
	})
	if err != nil {
		return isolation.Report{}, fmt.Errorf("scoring %s: %w", g.ID, err)
	}
	r.log.Debug("group scored", "group", g.ID, "intra", rep.Intra.Mean, "inter", rep.Inter.Mean,
		"baseline", rep.Baseline.Mean, "verdict", rep.Verdict.String())
	return rep, nil
}

// selectTop keeps, per cluster, the best bubbles above the size floor.
func (r *runner) selectTop(res *Result, bubbleCluster map[string]string) {
	perCluster := make(map[string][]isolation.Report)
	for _, rep := range res.Reports {
		if rep.Kind != isolation.KindBubble {
			continue
		}
		c := bubbleCluster[rep.GroupID]
		perCluster[c] = append(perCluster[c], rep)
	}
	for c, reps := range perCluster {
		top := isolation.SelectTop(reps, r.cfg.TopK, r.cfg.MinBubbleSize)
		ids := make([]string, 0, len(top))
		for _, rep := range top {
			ids = append(ids, rep.GroupID)
		}
		res.TopBubbles[c] = ids
	}
}

func overlap(res *Result) []Overlap {
	out := make([]Overlap, 0, len(res.Bubbles))
	for i, br := range res.Bubbles {
		c := res.Clusters[i]
		means := make([]float64, 0, len(br.Bubbles))
		for _, b := range br.Bubbles {
			rep, _ := res.Report(b.ID)
			means = append(means, rep.Intra.Mean)
		}
		out = append(out, Overlap{
			ClusterID: c.ID,
			Channel:   c.Channel,
			Name:      res.Channels[c.Channel],
			Bubbles:   len(br.Bubbles),
			PerBubble: means,
			MeanIntra: stats.Mean(means),
		})
	}
	return out
}

func peersOf(groups []isolation.Group, self int) []isolation.Group {
	out := make([]isolation.Group, 0, len(groups)-1)
	for i, g := range groups {
		if i != self {
			out = append(out, g)
		}
	}
	return out
}

// groupSeed derives a per-group seed so results do not depend on the order
// groups are scored in.
func groupSeed(seed uint64, groupID string) uint64 {
	h := fnv.New64a()
	h.Write([]byte(groupID))
	return seed ^ h.Sum64()
}

func canonicalUsers(users []string) []string {
	out := append([]string(nil), users...)
	sort.Strings(out)
	n := 0
	for i, u := range out {
		if i > 0 && u == out[n-1] {
			continue
		}
		out[n] = u
		n++
	}
	return out[:n]
}
