// Package bubble splits an active cluster into density-connected bubbles.
//
// Each user is the binary presence vector of the content items they
// interacted with, in the corpus index's fixed content-handle order. Distance
// is cosine distance, so heavy commenters are compared by the shape of their
// interests rather than their volume.
//
// Algorithm:
//  1. Canonicalize the input: dedupe and sort user ids.
//  2. Find every user's ε-neighbours (cosine distance <= eps).
//  3. Core points have at least MinSamples other users in their neighbourhood.
//  4. Bubbles are connected components of core points under ε-adjacency.
//  5. Each non-core neighbour of a core point joins the bubble of its nearest
//     core point (ties: smallest user id); everything else is noise.
//
// Steps 4 and 5 depend only on the set of users, never on visitation order,
// so any permutation of the input yields the same labels.
package bubble

import (
	"fmt"
	"sort"

	"github.com/hurttlocker/bubblescope/internal/interaction"
	"github.com/hurttlocker/bubblescope/internal/similarity"
)

const (
	DefaultEps        = 0.9
	DefaultMinSamples = 8
)

// Params are the density parameters.
type Params struct {
	Eps        float64 `json:"eps" yaml:"eps"`
	MinSamples int     `json:"min_samples" yaml:"min_samples"`
}

// DefaultParams returns eps=0.9, min_samples=8.
func DefaultParams() Params {
	return Params{Eps: DefaultEps, MinSamples: DefaultMinSamples}
}

func (p Params) withDefaults() Params {
	if p.Eps <= 0 {
		p.Eps = DefaultEps
	}
	if p.MinSamples <= 0 {
		p.MinSamples = DefaultMinSamples
	}
	return p
}

// Label is the assignment of one user: either Member or Noise.
type Label interface {
	isLabel()
	String() string
}

// Member places a user in the bubble with the given label.
type Member struct {
	Bubble int
}

// Noise marks a user reachable from no core point.
type Noise struct{}

func (Member) isLabel() {}
func (Noise) isLabel()  {}

func (m Member) String() string { return fmt.Sprintf("bubble-%d", m.Bubble) }
func (Noise) String() string    { return "noise" }

// Bubble is one density-connected sub-group of an active cluster.
type Bubble struct {
	ID        string   `json:"id"`
	ClusterID string   `json:"cluster_id"`
	Label     int      `json:"label"`
	Users     []string `json:"users"`
	Core      int      `json:"core"`
}

// Size returns the number of members.
func (b Bubble) Size() int { return len(b.Users) }

// BubbleID is the canonical id of a bubble inside a cluster.
func BubbleID(clusterID string, label int) string {
	return fmt.Sprintf("%s/bubble-%d", clusterID, label)
}

// Result is the full label partition of one cluster.
type Result struct {
	ClusterID   string           `json:"cluster_id"`
	Params      Params           `json:"params"`
	Assignments map[string]Label `json:"-"`
	Bubbles     []Bubble         `json:"bubbles"`
	Noise       []string         `json:"noise"`
}

// Label returns the assignment of user.
func (r Result) Label(user string) (Label, bool) {
	l, ok := r.Assignments[user]
	return l, ok
}

// NoBubble reports the valid "no bubble detected" outcome.
func (r Result) NoBubble() bool { return len(r.Bubbles) == 0 }

type neighbour struct {
	idx  int
	dist float64
}

// FindBubbles labels every user of an active cluster with a bubble or noise.
// Users unknown to idx have an empty vector and end up as noise.
func FindBubbles(clusterID string, users []string, idx *interaction.Index, p Params) Result {
	p = p.withDefaults()
	points := canonical(users)
	n := len(points)

	vectors := make([][]int32, n)
	for i, u := range points {
		if h, ok := idx.Handle(u); ok {
			vectors[i] = idx.Contents(h)
		}
	}

	neighbours := make([][]neighbour, n)
	for i := 0; i < n-1; i++ {
		for j := i + 1; j < n; j++ {
			d := similarity.CosineDistance(vectors[i], vectors[j])
			if d > p.Eps {
				continue
			}
			neighbours[i] = append(neighbours[i], neighbour{idx: j, dist: d})
			neighbours[j] = append(neighbours[j], neighbour{idx: i, dist: d})
		}
	}

	core := make([]bool, n)
	for i := range points {
		core[i] = len(neighbours[i]) >= p.MinSamples
	}

	// Connected components over core points, discovered in id order so the
	// label of a bubble is the rank of its smallest core member.
	component := make([]int, n)
	for i := range component {
		component[i] = -1
	}
	coreCount := make([]int, 0)
	next := 0
	for start := 0; start < n; start++ {
		if !core[start] || component[start] >= 0 {
			continue
		}
		stack := []int{start}
		component[start] = next
		size := 0
		for len(stack) > 0 {
			current := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			size++
			for _, nb := range neighbours[current] {
				if !core[nb.idx] || component[nb.idx] >= 0 {
					continue
				}
				component[nb.idx] = next
				stack = append(stack, nb.idx)
			}
		}
		coreCount = append(coreCount, size)
		next++
	}

	// Border points join the nearest core point's bubble.
	for i := 0; i < n; i++ {
		if core[i] {
			continue
		}
		best := -1
		bestDist := 0.0
		for _, nb := range neighbours[i] {
			if !core[nb.idx] {
				continue
			}
			if best < 0 || nb.dist < bestDist || (nb.dist == bestDist && nb.idx < best) {
				best = nb.idx
				bestDist = nb.dist
			}
		}
		if best >= 0 {
			component[i] = component[best]
		}
	}

	res := Result{
		ClusterID:   clusterID,
		Params:      p,
		Assignments: make(map[string]Label, n),
		Bubbles:     make([]Bubble, next),
		Noise:       make([]string, 0),
	}
	for label := range res.Bubbles {
		res.Bubbles[label] = Bubble{
			ID:        BubbleID(clusterID, label),
			ClusterID: clusterID,
			Label:     label,
			Users:     make([]string, 0),
			Core:      coreCount[label],
		}
	}
	for i, u := range points {
		if component[i] < 0 {
			res.Assignments[u] = Noise{}
			res.Noise = append(res.Noise, u)
			continue
		}
		res.Assignments[u] = Member{Bubble: component[i]}
		res.Bubbles[component[i]].Users = append(res.Bubbles[component[i]].Users, u)
	}
	return res
}

func canonical(users []string) []string {
	seen := make(map[string]struct{}, len(users))
	out := make([]string, 0, len(users))
	for _, u := range users {
		if _, ok := seen[u]; ok {
			continue
		}
		seen[u] = struct{}{}
		out = append(out, u)
	}
	sort.Strings(out)
	return out
}
