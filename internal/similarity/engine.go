// Package similarity computes Jaccard similarity between users at population
// scale.
//
// Pair scoring is the only quadratic stage of the pipeline. Pairs are
// addressed by a dense index over the pair space so they can be sampled
// without materializing the full cross product, and scored by a bounded worker
// pool that writes into disjoint slots of a preallocated result slice.
package similarity

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"runtime"
	"sort"

	"github.com/hurttlocker/bubblescope/internal/interaction"
	"golang.org/x/sync/errgroup"
)

// DefaultChunkSize is the number of pair slots one worker scores per task.
const DefaultChunkSize = 4096

// Options bounds one pairwise computation.
//
// SampleCap <= 0 means exhaustive. A positive cap smaller than the pair
// population selects exactly SampleCap pairs uniformly without replacement,
// reproducibly for a given Seed. A cap at or above the population is clamped
// and the computation is exhaustive.
type Options struct {
	SampleCap int
	Seed      uint64
}

// Engine scores user pairs against one interaction index.
type Engine struct {
	idx       *interaction.Index
	workers   int
	chunkSize int
	log       *slog.Logger
}

// EngineOption customizes an Engine.
type EngineOption func(*Engine)

// WithWorkers bounds the number of concurrent scoring goroutines.
func WithWorkers(n int) EngineOption {
	return func(e *Engine) {
		if n > 0 {
			e.workers = n
		}
	}
}

// WithLogger sets the engine logger.
func WithLogger(l *slog.Logger) EngineOption {
	return func(e *Engine) {
		if l != nil {
			e.log = l
		}
	}
}

// NewEngine returns an engine over idx.
func NewEngine(idx *interaction.Index, opts ...EngineOption) *Engine {
	e := &Engine{
		idx:       idx,
		workers:   runtime.GOMAXPROCS(0),
		chunkSize: DefaultChunkSize,
		log:       slog.Default(),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Index returns the index the engine scores against.
func (e *Engine) Index() *interaction.Index { return e.idx }

// Similarity returns the Jaccard index of two users. Unknown users have an
// empty set.
func (e *Engine) Similarity(a, b string) float64 {
	return Jaccard(e.contents(a), e.contents(b))
}

func (e *Engine) contents(user string) []int32 {
	if h, ok := e.idx.Handle(user); ok {
		return e.idx.Contents(h)
	}
	return nil
}

// pairSpace addresses candidate pairs by a dense index in [0, size).
type pairSpace interface {
	size() uint64
	at(k uint64) (a, b int32, ok bool)
}

// triangle enumerates unordered pairs i<j of one group.
type triangle struct {
	h []int32
}

func (t triangle) size() uint64 {
	n := uint64(len(t.h))
	if n < 2 {
		return 0
	}
	return n * (n - 1) / 2
}

func (t triangle) at(k uint64) (int32, int32, bool) {
	n := uint64(len(t.h))
	// offset(i) = number of pairs in rows before i
	offset := func(i uint64) uint64 { return i * (2*n - i - 1) / 2 }
	i := uint64(sort.Search(int(n-1), func(r int) bool { return offset(uint64(r)+1) > k }))
	j := i + 1 + (k - offset(i))
	return t.h[i], t.h[j], true
}

// rectangle enumerates ordered cross pairs (a_i, b_j). Self pairs are invalid,
// and a pair of two shared users is valid only in the a_i < b_j orientation.
type rectangle struct {
	a, b   []int32
	shared map[int32]struct{}
}

func (r rectangle) size() uint64 { return uint64(len(r.a)) * uint64(len(r.b)) }

func (r rectangle) at(k uint64) (int32, int32, bool) {
	nb := uint64(len(r.b))
	a, b := r.a[k/nb], r.b[k%nb]
	if a == b {
		return a, b, false
	}
	if a > b {
		_, sa := r.shared[a]
		_, sb := r.shared[b]
		if sa && sb {
			return a, b, false
		}
	}
	return a, b, true
}

// population is the number of distinct unordered pairs: |a|·|b| minus the o
// self pairs and the o(o-1)/2 shared pairs seen in both orientations.
func (r rectangle) population() int {
	o := len(r.shared)
	return len(r.a)*len(r.b) - o - o*(o-1)/2
}

// Within scores all unordered pairs of distinct users in group.
func (e *Engine) Within(ctx context.Context, group []string, opts Options) (*Matrix, error) {
	h := e.resolve(group)
	space := triangle{h: h}
	return e.run(ctx, space, int(space.size()), opts)
}

// Between scores the cross product of a and b. Self pairs are skipped and a
// pair reachable in both orientations is stored once.
func (e *Engine) Between(ctx context.Context, a, b []string, opts Options) (*Matrix, error) {
	ha, hb := e.resolve(a), e.resolve(b)
	inB := make(map[int32]struct{}, len(hb))
	for _, h := range hb {
		inB[h] = struct{}{}
	}
	shared := make(map[int32]struct{})
	for _, h := range ha {
		if _, ok := inB[h]; ok {
			shared[h] = struct{}{}
		}
	}
	space := rectangle{a: ha, b: hb, shared: shared}
	return e.run(ctx, space, space.population(), opts)
}

// resolve maps user ids to index handles, dropping unknown and repeated ids.
func (e *Engine) resolve(users []string) []int32 {
	out := make([]int32, 0, len(users))
	seen := make(map[int32]struct{}, len(users))
	for _, u := range users {
		h, ok := e.idx.Handle(u)
		if !ok {
			continue
		}
		if _, dup := seen[h]; dup {
			continue
		}
		seen[h] = struct{}{}
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

type scored struct {
	a, b  int32
	score float64
	ok    bool
}

func (e *Engine) run(ctx context.Context, space pairSpace, population int, opts Options) (*Matrix, error) {
	meta := Meta{
		Seed:       opts.Seed,
		SampleCap:  opts.SampleCap,
		Population: population,
		Origin:     OriginComputed,
	}

	var picks []uint64
	slots := int(space.size())
	if opts.SampleCap > 0 && opts.SampleCap < population {
		picks = samplePairs(space, opts.SampleCap, opts.Seed)
		slots = len(picks)
	} else {
		meta.Exhaustive = true
		if opts.SampleCap > population {
			meta.Clamped = true
		}
	}

	out := make([]scored, slots)
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(e.workers)
	for start := 0; start < slots; start += e.chunkSize {
		end := min(start+e.chunkSize, slots)
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			for s := start; s < end; s++ {
				k := uint64(s)
				if picks != nil {
					k = picks[s]
				}
				a, b, ok := space.at(k)
				if !ok {
					continue
				}
				out[s] = scored{a: a, b: b, score: Jaccard(e.idx.Contents(a), e.idx.Contents(b)), ok: true}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("scoring pairs: %w", err)
	}

	m := newMatrix(slots)
	for _, s := range out {
		if !s.ok {
			continue
		}
		m.set(e.idx.UserID(s.a), e.idx.UserID(s.b), s.score)
	}
	meta.Evaluated = m.Len()
	m.Meta = meta

	e.log.Debug("pairwise similarity",
		"population", population,
		"evaluated", meta.Evaluated,
		"exhaustive", meta.Exhaustive,
		"clamped", meta.Clamped,
		"seed", meta.Seed)
	return m, nil
}

// samplePairs draws n distinct valid pair indices uniformly without
// replacement. The caller guarantees at least n valid pairs exist.
func samplePairs(space pairSpace, n int, seed uint64) []uint64 {
	rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	total := space.size()
	seen := make(map[uint64]struct{}, n)
	picks := make([]uint64, 0, n)
	for len(picks) < n {
		k := rng.Uint64N(total)
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		if _, _, ok := space.at(k); ok {
			picks = append(picks, k)
		}
	}
	sort.Slice(picks, func(i, j int) bool { return picks[i] < picks[j] })
	return picks
}
