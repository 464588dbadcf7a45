package pipeline

import (
	"time"

	"github.com/hurttlocker/bubblescope/internal/activity"
	"github.com/hurttlocker/bubblescope/internal/bubble"
	"github.com/hurttlocker/bubblescope/internal/interaction"
	"github.com/hurttlocker/bubblescope/internal/isolation"
	"github.com/hurttlocker/bubblescope/internal/similarity"
)

// Overlap is the average pairwise Jaccard inside each of one channel's
// bubbles. PerBubble is indexed by bubble label; MeanIntra averages it.
type Overlap struct {
	ClusterID string    `json:"cluster_id"`
	Channel   string    `json:"channel"`
	Name      string    `json:"name,omitempty"`
	Bubbles   int       `json:"bubbles"`
	PerBubble []float64 `json:"per_bubble"`
	MeanIntra float64   `json:"mean_intra"`
}

// Result is the complete output of one run. It is built once by Run and never
// patched afterwards.
type Result struct {
	RunID       string                                `json:"run_id"`
	CreatedAt   time.Time                             `json:"created_at"`
	Fingerprint string                                `json:"fingerprint"`
	Config      Config                                `json:"config"`
	Stats       interaction.BuildStats                `json:"stats"`
	Channels    map[string]string                     `json:"channels"`
	Clusters    []activity.Cluster                    `json:"clusters"`
	Bubbles     []bubble.Result                       `json:"bubbles"`
	Reports     []isolation.Report                    `json:"reports"`
	TopBubbles  map[string][]string                   `json:"top_bubbles"`
	Table       isolation.SimilarityTable             `json:"table"`
	Shares      map[string][]interaction.ChannelShare `json:"shares"`
	Overlap     []Overlap                             `json:"overlap"`
	Profiles    map[string]interaction.Profile        `json:"profiles"`
}

// Report returns the isolation report of a group.
func (r *Result) Report(groupID string) (isolation.Report, bool) {
	for _, rep := range r.Reports {
		if rep.GroupID == groupID {
			return rep, true
		}
	}
	return isolation.Report{}, false
}

// Members returns the users of a cluster or bubble.
func (r *Result) Members(groupID string) ([]string, bool) {
	for _, c := range r.Clusters {
		if c.ID == groupID {
			return c.Users, true
		}
	}
	for _, res := range r.Bubbles {
		for _, b := range res.Bubbles {
			if b.ID == groupID {
				return b.Users, true
			}
		}
	}
	return nil, false
}

// Matrix returns the intra-group matrix a report was computed from.
func (r *Result) Matrix(groupID string) (*similarity.Matrix, bool) {
	rep, ok := r.Report(groupID)
	if !ok || rep.IntraMatrix == nil {
		return nil, false
	}
	return rep.IntraMatrix, true
}

// Pair returns the stored similarity of two members of a group. Pairs that
// were not sampled are reported as absent.
func (r *Result) Pair(groupID, a, b string) (float64, bool) {
	m, ok := r.Matrix(groupID)
	if !ok {
		return 0, false
	}
	return m.Get(a, b)
}

// Isolated lists the ids of every group with an isolated verdict.
func (r *Result) Isolated() []string {
	var out []string
	for _, rep := range r.Reports {
		if rep.Isolated() {
			out = append(out, rep.GroupID)
		}
	}
	return out
}
