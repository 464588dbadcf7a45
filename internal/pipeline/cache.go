package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/hurttlocker/bubblescope/internal/interaction"
	"github.com/hurttlocker/bubblescope/internal/metrics"
	"github.com/hurttlocker/bubblescope/internal/similarity"
)

// MatrixCache persists similarity matrices across runs. Lookup reports a miss
// with ok == false and a nil error.
type MatrixCache interface {
	LookupMatrix(ctx context.Context, key string) (m *similarity.Matrix, ok bool, err error)
	StoreMatrix(ctx context.Context, key string, m *similarity.Matrix) error
}

// MatrixKey identifies a matrix by the snapshot it was computed on, the
// groups involved and the sampling parameters.
func MatrixKey(fingerprint, kind string, opts similarity.Options, groups ...[]string) string {
	key := fmt.Sprintf("%s:%s", kind, shortHash(fingerprint))
	for _, g := range groups {
		key += ":" + shortHash(interaction.HashUsers(canonicalUsers(g)))
	}
	return fmt.Sprintf("%s:cap=%d:seed=%d", key, opts.SampleCap, opts.Seed)
}

func shortHash(h string) string {
	if len(h) > 16 {
		return h[:16]
	}
	return h
}

// matrices satisfies isolation.Matrices. It memoizes within a run and
// consults the persistent cache across runs.
type matrices struct {
	engine      *similarity.Engine
	cache       MatrixCache
	fingerprint string
	rec         *metrics.Recorder
	log         *slog.Logger

	mu   sync.Mutex
	memo map[string]*similarity.Matrix
}

func newMatrices(engine *similarity.Engine, cache MatrixCache, rec *metrics.Recorder, log *slog.Logger) *matrices {
	return &matrices{
		engine:      engine,
		cache:       cache,
		fingerprint: engine.Index().Fingerprint(),
		rec:         rec,
		log:         log,
		memo:        make(map[string]*similarity.Matrix),
	}
}

func (m *matrices) Within(ctx context.Context, group []string, opts similarity.Options) (*similarity.Matrix, error) {
	key := MatrixKey(m.fingerprint, "within", opts, group)
	return m.get(ctx, key, func() (*similarity.Matrix, error) {
		return m.engine.Within(ctx, group, opts)
	})
}

func (m *matrices) Between(ctx context.Context, a, b []string, opts similarity.Options) (*similarity.Matrix, error) {
	key := MatrixKey(m.fingerprint, "between", opts, a, b)
	return m.get(ctx, key, func() (*similarity.Matrix, error) {
		return m.engine.Between(ctx, a, b, opts)
	})
}

func (m *matrices) get(ctx context.Context, key string, compute func() (*similarity.Matrix, error)) (*similarity.Matrix, error) {
	m.mu.Lock()
	cached, ok := m.memo[key]
	m.mu.Unlock()
	if ok {
		return cached, nil
	}

	if m.cache != nil {
		loaded, ok, err := m.cache.LookupMatrix(ctx, key)
		if err != nil {
			return nil, fmt.Errorf("matrix cache lookup: %w", err)
		}
		if ok {
			m.rec.CacheHits.Inc()
			m.rec.PairsEvaluated.WithLabelValues(string(similarity.OriginCache)).Add(float64(loaded.Len()))
			m.remember(key, loaded)
			return loaded, nil
		}
	}

	computed, err := compute()
	if err != nil {
		return nil, err
	}
	m.rec.CacheMisses.Inc()
	m.rec.PairsEvaluated.WithLabelValues(string(similarity.OriginComputed)).Add(float64(computed.Len()))
	if m.cache != nil && computed.Len() > 0 {
		if err := m.cache.StoreMatrix(ctx, key, computed); err != nil {
			// Non-fatal: the next run recomputes it.
			m.log.Warn("matrix cache store failed", "key", key, "error", err)
		}
	}
	m.remember(key, computed)
	return computed, nil
}

func (m *matrices) remember(key string, mat *similarity.Matrix) {
	m.mu.Lock()
	m.memo[key] = mat
	m.mu.Unlock()
}
