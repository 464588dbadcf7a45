package similarity

import (
	"iter"
)

// Origin records how a Matrix came to exist.
type Origin string

const (
	OriginComputed Origin = "computed"
	OriginCache    Origin = "cache"
)

// Meta describes how much of the pair population a Matrix covers.
//
// Population is the number of candidate pairs (ordered cross pairs for
// Between, unordered pairs for Within, self pairs excluded). Evaluated is the
// number of distinct unordered pairs stored.
type Meta struct {
	Seed       uint64 `json:"seed"`
	SampleCap  int    `json:"sample_cap"`
	Clamped    bool   `json:"clamped,omitempty"`
	Population int    `json:"population"`
	Evaluated  int    `json:"evaluated"`
	Exhaustive bool   `json:"exhaustive"`
	Origin     Origin `json:"origin"`
}

// Pair is an unordered user pair, A < B.
type Pair struct {
	A string `json:"a"`
	B string `json:"b"`
}

// NewPair returns the canonical ordering of a and b.
func NewPair(a, b string) Pair {
	if b < a {
		a, b = b, a
	}
	return Pair{A: a, B: b}
}

type entry struct {
	a, b  int32
	score float64
}

// Matrix is a sparse symmetric map from unordered user pairs to a score in
// [0,1]. Pairs that were never evaluated are absent, not zero, and self pairs
// are never stored. Storage is a flat entry arena over matrix-local user
// handles.
type Matrix struct {
	Meta Meta

	users   []string
	handles map[string]int32
	entries []entry
	index   map[uint64]int32
}

func newMatrix(capacity int) *Matrix {
	return &Matrix{
		handles: make(map[string]int32),
		entries: make([]entry, 0, capacity),
		index:   make(map[uint64]int32, capacity),
	}
}

func (m *Matrix) handle(user string) int32 {
	if h, ok := m.handles[user]; ok {
		return h
	}
	h := int32(len(m.users))
	m.users = append(m.users, user)
	m.handles[user] = h
	return h
}

func pairKey(a, b int32) uint64 {
	if b < a {
		a, b = b, a
	}
	return uint64(uint32(a))<<32 | uint64(uint32(b))
}

// set stores a score unless the pair is a self pair or already present.
func (m *Matrix) set(a, b string, score float64) bool {
	if a == b {
		return false
	}
	ha, hb := m.handle(a), m.handle(b)
	key := pairKey(ha, hb)
	if _, ok := m.index[key]; ok {
		return false
	}
	if hb < ha {
		ha, hb = hb, ha
	}
	m.index[key] = int32(len(m.entries))
	m.entries = append(m.entries, entry{a: ha, b: hb, score: score})
	return true
}

// Get returns the score of the pair (a, b) if it was evaluated.
// Get(a, b) and Get(b, a) always agree.
func (m *Matrix) Get(a, b string) (float64, bool) {
	ha, ok := m.handles[a]
	if !ok {
		return 0, false
	}
	hb, ok := m.handles[b]
	if !ok {
		return 0, false
	}
	i, ok := m.index[pairKey(ha, hb)]
	if !ok {
		return 0, false
	}
	return m.entries[i].score, true
}

// Len returns the number of stored pairs.
func (m *Matrix) Len() int { return len(m.entries) }

// Scores returns a copy of all stored scores in insertion order.
func (m *Matrix) Scores() []float64 {
	out := make([]float64, len(m.entries))
	for i, e := range m.entries {
		out[i] = e.score
	}
	return out
}

// All iterates the stored pairs in insertion order.
func (m *Matrix) All() iter.Seq2[Pair, float64] {
	return func(yield func(Pair, float64) bool) {
		for _, e := range m.entries {
			if !yield(NewPair(m.users[e.a], m.users[e.b]), e.score) {
				return
			}
		}
	}
}
