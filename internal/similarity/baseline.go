package similarity

import (
	"math/rand/v2"
	"sort"
)

// Baseline is a uniform random sample of corpus users used as the null
// population a group is compared against.
type Baseline struct {
	Users     []string `json:"users"`
	Requested int      `json:"requested"`
	Clamped   bool     `json:"clamped,omitempty"`
	Seed      uint64   `json:"seed"`
}

// Size returns the realized sample size.
func (b Baseline) Size() int { return len(b.Users) }

// RandomBaseline samples size users from the index, excluding every user in
// exclude. A size larger than the remaining population is clamped.
func (e *Engine) RandomBaseline(exclude []string, size int, seed uint64) Baseline {
	skip := make(map[string]struct{}, len(exclude))
	for _, u := range exclude {
		skip[u] = struct{}{}
	}

	candidates := make([]string, 0, e.idx.Len())
	for _, u := range e.idx.Users() {
		if _, ok := skip[u]; !ok {
			candidates = append(candidates, u)
		}
	}

	out := Baseline{Requested: size, Seed: seed}
	if size > len(candidates) {
		size = len(candidates)
		out.Clamped = true
	}
	if size <= 0 {
		out.Users = []string{}
		return out
	}

	// Partial Fisher-Yates: the first size slots become the sample.
	rng := rand.New(rand.NewPCG(seed, seed^0xda942042e4dd58b5))
	for i := 0; i < size; i++ {
		j := i + rng.IntN(len(candidates)-i)
		candidates[i], candidates[j] = candidates[j], candidates[i]
	}
	out.Users = append([]string(nil), candidates[:size]...)
	sort.Strings(out.Users)
	return out
}
