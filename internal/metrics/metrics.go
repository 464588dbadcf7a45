// Package metrics exposes per-run pipeline counters in the Prometheus text
// format, written as a node-exporter textfile after each batch run.
package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Recorder owns a private registry so runs in the same process (and tests)
// never collide on the global one.
type Recorder struct {
	reg *prometheus.Registry

	RowsRead       prometheus.Counter
	RowsSkipped    prometheus.Counter
	PairsEvaluated *prometheus.CounterVec
	CacheHits      prometheus.Counter
	CacheMisses    prometheus.Counter
	ActiveUsers    *prometheus.GaugeVec
	Bubbles        *prometheus.GaugeVec
	IsolatedGroups *prometheus.GaugeVec
	StageDuration  *prometheus.HistogramVec
}

// NewRecorder registers every pipeline metric on a fresh registry.
func NewRecorder() *Recorder {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	return &Recorder{
		reg: reg,
		RowsRead: f.NewCounter(prometheus.CounterOpts{
			Name: "bubbles_rows_read_total",
			Help: "Interaction rows read from the input",
		}),
		RowsSkipped: f.NewCounter(prometheus.CounterOpts{
			Name: "bubbles_rows_skipped_total",
			Help: "Malformed interaction rows skipped",
		}),
		PairsEvaluated: f.NewCounterVec(prometheus.CounterOpts{
			Name: "bubbles_pairs_evaluated_total",
			Help: "User pairs scored, by origin (computed or cache)",
		}, []string{"origin"}),
		CacheHits: f.NewCounter(prometheus.CounterOpts{
			Name: "bubbles_matrix_cache_hits_total",
			Help: "Similarity matrices reloaded from the store",
		}),
		CacheMisses: f.NewCounter(prometheus.CounterOpts{
			Name: "bubbles_matrix_cache_misses_total",
			Help: "Similarity matrices computed from scratch",
		}),
		ActiveUsers: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "bubbles_active_users",
			Help: "Users selected into the active cluster of a channel",
		}, []string{"channel"}),
		Bubbles: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "bubbles_bubbles",
			Help: "Bubbles detected inside the active cluster of a channel",
		}, []string{"channel"}),
		IsolatedGroups: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "bubbles_isolated_groups",
			Help: "Groups with an isolated verdict, by kind",
		}, []string{"kind"}),
		StageDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "bubbles_stage_duration_seconds",
			Help:    "Wall time of each pipeline stage",
			Buckets: []float64{0.001, 0.01, 0.1, 0.5, 1, 5, 30, 120},
		}, []string{"stage"}),
	}
}

// Stage starts a timer for one pipeline stage; call the result when done.
func (r *Recorder) Stage(name string) func() {
	start := time.Now()
	return func() {
		r.StageDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())
	}
}

// Registry exposes the underlying registry.
func (r *Recorder) Registry() *prometheus.Registry { return r.reg }

// WriteTextfile atomically writes the current values to path.
func (r *Recorder) WriteTextfile(path string) error {
	if err := prometheus.WriteToTextfile(path, r.reg); err != nil {
		return fmt.Errorf("writing metrics textfile: %w", err)
	}
	return nil
}
