package similarity

import (
	"bytes"
	"context"
	"fmt"
	"math"
	"slices"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/hurttlocker/bubblescope/internal/interaction"
)

func TestJaccardProperties(t *testing.T) {
	sets := [][]int32{
		{},
		{1},
		{1, 2, 3},
		{2, 3, 4, 5},
		{7, 8},
		{1, 2, 3, 4, 5, 6, 7, 8},
	}
	for _, a := range sets {
		for _, b := range sets {
			ab := Jaccard(a, b)
			if ab < 0 || ab > 1 {
				t.Fatalf("Jaccard(%v,%v) = %v out of [0,1]", a, b, ab)
			}
			if ba := Jaccard(b, a); ab != ba {
				t.Fatalf("Jaccard not symmetric for %v,%v: %v vs %v", a, b, ab, ba)
			}
		}
		if len(a) > 0 && Jaccard(a, a) != 1 {
			t.Fatalf("Jaccard(A,A) must be 1 for nonempty %v", a)
		}
	}
	if got := Jaccard(nil, nil); got != 0 {
		t.Fatalf("Jaccard(empty, empty) = %v, want 0", got)
	}
	if got := Jaccard([]int32{1, 2, 3}, []int32{2, 3, 4, 5}); math.Abs(got-0.4) > 1e-12 {
		t.Fatalf("Jaccard = %v, want 0.4", got)
	}
}

func TestCosine(t *testing.T) {
	if got := Cosine([]int32{1, 2, 3}, []int32{1, 2, 3}); math.Abs(got-1) > 1e-12 {
		t.Fatalf("identical vectors cosine = %v", got)
	}
	if got := CosineDistance([]int32{1}, []int32{2}); got != 1 {
		t.Fatalf("disjoint vectors distance = %v, want 1", got)
	}
	if got := Cosine(nil, []int32{1}); got != 0 {
		t.Fatalf("empty vector cosine = %v, want 0", got)
	}
	// |A∩B| = 1, |A| = 1, |B| = 4 -> 1/2
	if got := Cosine([]int32{1}, []int32{1, 2, 3, 4}); math.Abs(got-0.5) > 1e-12 {
		t.Fatalf("cosine = %v, want 0.5", got)
	}
}

func gridIndex(t *testing.T, users int) *interaction.Index {
	t.Helper()
	var rows []interaction.Interaction
	for u := 0; u < users; u++ {
		for v := 0; v <= u%5; v++ {
			rows = append(rows, interaction.Interaction{
				UserID:    fmt.Sprintf("u%02d", u),
				ContentID: fmt.Sprintf("v%d", (u+v)%7),
				ChannelID: "cnn",
			})
		}
	}
	idx, _ := interaction.Build(slices.Values(rows), interaction.Scope{})
	return idx
}

func TestWithin_Exhaustive(t *testing.T) {
	idx := gridIndex(t, 20)
	e := NewEngine(idx, WithWorkers(3))
	e.chunkSize = 7 // force many tasks

	group := idx.Users()
	m, err := e.Within(context.Background(), group, Options{})
	if err != nil {
		t.Fatalf("Within: %v", err)
	}
	if m.Len() != 190 || m.Meta.Population != 190 || !m.Meta.Exhaustive {
		t.Fatalf("unexpected coverage: len=%d meta=%+v", m.Len(), m.Meta)
	}
	for i := 0; i < len(group); i++ {
		if _, ok := m.Get(group[i], group[i]); ok {
			t.Fatal("self pairs must never be stored")
		}
		for j := i + 1; j < len(group); j++ {
			ab, ok := m.Get(group[i], group[j])
			if !ok {
				t.Fatalf("missing pair %s,%s", group[i], group[j])
			}
			ba, _ := m.Get(group[j], group[i])
			if ab != ba {
				t.Fatalf("matrix not symmetric for %s,%s", group[i], group[j])
			}
			if want := e.Similarity(group[i], group[j]); ab != want {
				t.Fatalf("score %v, want %v", ab, want)
			}
		}
	}
}

func TestWithin_SampledIsReproducible(t *testing.T) {
	idx := gridIndex(t, 30)
	e := NewEngine(idx, WithWorkers(4))
	group := idx.Users()

	a, err := e.Within(context.Background(), group, Options{SampleCap: 50, Seed: 42})
	if err != nil {
		t.Fatalf("Within: %v", err)
	}
	b, err := e.Within(context.Background(), group, Options{SampleCap: 50, Seed: 42})
	if err != nil {
		t.Fatalf("Within: %v", err)
	}
	if a.Len() != 50 || a.Meta.Exhaustive || a.Meta.Population != 435 {
		t.Fatalf("unexpected sample meta: len=%d %+v", a.Len(), a.Meta)
	}

	collect := func(m *Matrix) map[Pair]float64 {
		out := map[Pair]float64{}
		for p, s := range m.All() {
			out[p] = s
		}
		return out
	}
	if diff := cmp.Diff(collect(a), collect(b)); diff != "" {
		t.Fatalf("same seed must reproduce the sample (-a +b):\n%s", diff)
	}

	c, _ := e.Within(context.Background(), group, Options{SampleCap: 50, Seed: 7})
	if cmp.Equal(collect(a), collect(c)) {
		t.Fatal("different seeds should draw different samples")
	}
}

func TestWithin_CapAbovePopulationIsClamped(t *testing.T) {
	idx := gridIndex(t, 6)
	e := NewEngine(idx)

	m, err := e.Within(context.Background(), idx.Users(), Options{SampleCap: 1000, Seed: 1})
	if err != nil {
		t.Fatalf("Within: %v", err)
	}
	if !m.Meta.Clamped || !m.Meta.Exhaustive || m.Len() != 15 {
		t.Fatalf("expected clamped exhaustive run of 15 pairs, got len=%d %+v", m.Len(), m.Meta)
	}
}

func TestWithin_DegenerateGroups(t *testing.T) {
	idx := gridIndex(t, 4)
	e := NewEngine(idx)

	for _, group := range [][]string{nil, {"u00"}, {"u00", "u00"}, {"ghost", "u01"}} {
		m, err := e.Within(context.Background(), group, Options{SampleCap: 10})
		if err != nil {
			t.Fatalf("Within(%v): %v", group, err)
		}
		if m.Len() != 0 || m.Meta.Population != 0 {
			t.Fatalf("Within(%v) should be empty, got %d pairs", group, m.Len())
		}
	}
}

func TestBetween_SkipsSelfPairs(t *testing.T) {
	idx := gridIndex(t, 10)
	e := NewEngine(idx)

	a := []string{"u00", "u01", "u02"}
	b := []string{"u02", "u03"}
	m, err := e.Between(context.Background(), a, b, Options{})
	if err != nil {
		t.Fatalf("Between: %v", err)
	}
	if m.Meta.Population != 5 || m.Len() != 5 {
		t.Fatalf("expected 5 cross pairs, got len=%d population=%d", m.Len(), m.Meta.Population)
	}
	if _, ok := m.Get("u02", "u02"); ok {
		t.Fatal("self pair stored")
	}
	if _, ok := m.Get("u00", "u01"); ok {
		t.Fatal("pairs inside one group must be absent, not zero")
	}

	sampled, err := e.Between(context.Background(), a, b, Options{SampleCap: 3, Seed: 9})
	if err != nil {
		t.Fatalf("Between sampled: %v", err)
	}
	if sampled.Len() != 3 || sampled.Meta.Exhaustive {
		t.Fatalf("expected 3 sampled pairs, got %d (%+v)", sampled.Len(), sampled.Meta)
	}
}

func TestBetween_OverlappingGroupsCountDistinctPairs(t *testing.T) {
	idx := gridIndex(t, 30)
	e := NewEngine(idx, WithWorkers(2))
	users := idx.Users()
	a, b := users[0:15], users[5:20] // ten shared users

	// 15*15 cells, minus 10 self pairs, minus 45 shared pairs seen twice
	const distinct = 170

	full, err := e.Between(context.Background(), a, b, Options{})
	if err != nil {
		t.Fatalf("Between: %v", err)
	}
	if full.Meta.Population != distinct || full.Len() != distinct || !full.Meta.Exhaustive {
		t.Fatalf("exhaustive: len=%d meta=%+v, want %d distinct pairs", full.Len(), full.Meta, distinct)
	}

	tests := []struct {
		cap        int
		wantLen    int
		exhaustive bool
		clamped    bool
	}{
		{cap: 180, wantLen: distinct, exhaustive: true, clamped: true},
		{cap: distinct, wantLen: distinct, exhaustive: true},
		{cap: 100, wantLen: 100},
	}
	for _, tc := range tests {
		t.Run(fmt.Sprintf("cap=%d", tc.cap), func(t *testing.T) {
			m, err := e.Between(context.Background(), a, b, Options{SampleCap: tc.cap, Seed: 3})
			if err != nil {
				t.Fatalf("Between: %v", err)
			}
			if m.Len() != tc.wantLen || m.Meta.Evaluated != tc.wantLen {
				t.Fatalf("len=%d evaluated=%d, want %d", m.Len(), m.Meta.Evaluated, tc.wantLen)
			}
			if m.Meta.Exhaustive != tc.exhaustive || m.Meta.Clamped != tc.clamped {
				t.Fatalf("meta=%+v, want exhaustive=%v clamped=%v", m.Meta, tc.exhaustive, tc.clamped)
			}
			if m.Meta.Population != distinct {
				t.Fatalf("population=%d, want %d", m.Meta.Population, distinct)
			}
		})
	}
}

func TestRandomBaseline(t *testing.T) {
	idx := gridIndex(t, 20)
	e := NewEngine(idx)
	exclude := []string{"u00", "u01", "u02", "u03"}

	b := e.RandomBaseline(exclude, 5, 11)
	if b.Size() != 5 || b.Clamped {
		t.Fatalf("unexpected baseline: %+v", b)
	}
	for _, u := range b.Users {
		if slices.Contains(exclude, u) {
			t.Fatalf("baseline contains excluded user %s", u)
		}
	}
	if again := e.RandomBaseline(exclude, 5, 11); !slices.Equal(b.Users, again.Users) {
		t.Fatal("baseline must be reproducible for a seed")
	}

	big := e.RandomBaseline(exclude, 100, 11)
	if !big.Clamped || big.Size() != 16 || big.Requested != 100 {
		t.Fatalf("expected clamp to 16, got %+v", big)
	}
}

func TestMatrixPersistRoundTrip(t *testing.T) {
	idx := gridIndex(t, 12)
	e := NewEngine(idx)
	m, err := e.Within(context.Background(), idx.Users(), Options{SampleCap: 20, Seed: 5})
	if err != nil {
		t.Fatalf("Within: %v", err)
	}

	var buf bytes.Buffer
	n, err := m.WriteTo(&buf)
	if err != nil {
		t.Fatalf("WriteTo: %v", err)
	}
	if n != int64(buf.Len()) {
		t.Fatalf("WriteTo reported %d bytes, wrote %d", n, buf.Len())
	}
	loaded, err := ReadMatrix(&buf)
	if err != nil {
		t.Fatalf("ReadMatrix: %v", err)
	}

	if loaded.Meta.Origin != OriginCache {
		t.Fatalf("reloaded matrix must be marked as cache, got %q", loaded.Meta.Origin)
	}
	wantMeta := m.Meta
	wantMeta.Origin = OriginCache
	if diff := cmp.Diff(wantMeta, loaded.Meta); diff != "" {
		t.Fatalf("meta mismatch (-want +got):\n%s", diff)
	}
	for p, s := range m.All() {
		got, ok := loaded.Get(p.B, p.A)
		if !ok || got != s {
			t.Fatalf("pair %v: got %v (%v), want %v", p, got, ok, s)
		}
	}
	if loaded.Len() != m.Len() {
		t.Fatalf("loaded %d pairs, want %d", loaded.Len(), m.Len())
	}

	if _, err := ReadMatrix(bytes.NewReader([]byte("NOTAMATRIX"))); err == nil {
		t.Fatal("expected magic error")
	}
}
