package bubble

import (
	"fmt"
	"math/rand/v2"
	"slices"
	"sort"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/hurttlocker/bubblescope/internal/interaction"
)

func build(t *testing.T, rows []interaction.Interaction) *interaction.Index {
	t.Helper()
	idx, _ := interaction.Build(slices.Values(rows), interaction.Scope{})
	return idx
}

// echoChamberRows: 12 users on {v1,v2,v3}; 8 users each on their own three
// videos drawn from a 1000-video pool, disjoint from everyone else.
func echoChamberRows() ([]interaction.Interaction, []string, []string) {
	var rows []interaction.Interaction
	var chamber, scattered []string
	for i := 0; i < 12; i++ {
		u := fmt.Sprintf("chamber-%02d", i)
		chamber = append(chamber, u)
		for _, v := range []string{"v1", "v2", "v3"} {
			rows = append(rows, interaction.Interaction{UserID: u, ContentID: v, ChannelID: "fox"})
		}
	}

	rng := rand.New(rand.NewPCG(1, 2))
	pool := rng.Perm(1000)
	for i := 0; i < 8; i++ {
		u := fmt.Sprintf("scattered-%02d", i)
		scattered = append(scattered, u)
		for k := 0; k < 3; k++ {
			// pool is a permutation, so consecutive triples are disjoint
			rows = append(rows, interaction.Interaction{UserID: u, ContentID: fmt.Sprintf("pool-%d", pool[i*3+k]), ChannelID: "fox"})
		}
	}
	return rows, chamber, scattered
}

func TestFindBubbles_EchoChamberScenario(t *testing.T) {
	rows, chamber, scattered := echoChamberRows()
	idx := build(t, rows)

	users := append(append([]string{}, chamber...), scattered...)
	res := FindBubbles("cluster:fox", users, idx, Params{Eps: 0.9, MinSamples: 8})

	if len(res.Bubbles) != 1 {
		t.Fatalf("expected exactly one bubble, got %d", len(res.Bubbles))
	}
	if diff := cmp.Diff(chamber, res.Bubbles[0].Users); diff != "" {
		t.Fatalf("bubble members (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(scattered, res.Noise); diff != "" {
		t.Fatalf("noise (-want +got):\n%s", diff)
	}
	if res.Bubbles[0].ID != "cluster:fox/bubble-0" {
		t.Fatalf("unexpected bubble id %q", res.Bubbles[0].ID)
	}

	l, ok := res.Label("chamber-03")
	if !ok {
		t.Fatal("missing label")
	}
	switch v := l.(type) {
	case Member:
		if v.Bubble != 0 {
			t.Fatalf("chamber-03 in bubble %d", v.Bubble)
		}
	case Noise:
		t.Fatal("chamber-03 must not be noise")
	}
}

func TestFindBubbles_LabelsPartitionMembership(t *testing.T) {
	rows, _, _ := echoChamberRows()
	// A second, looser community sharing two of four videos pairwise.
	for i := 0; i < 10; i++ {
		u := fmt.Sprintf("second-%02d", i)
		for _, v := range []string{"w1", "w2", fmt.Sprintf("w%d", 3+i%2)} {
			rows = append(rows, interaction.Interaction{UserID: u, ContentID: v, ChannelID: "cnn"})
		}
	}
	idx := build(t, rows)
	users := idx.Users()

	res := FindBubbles("cluster:mixed", users, idx, DefaultParams())

	seen := map[string]int{}
	for _, b := range res.Bubbles {
		for _, u := range b.Users {
			seen[u]++
		}
	}
	for _, u := range res.Noise {
		seen[u]++
	}
	if len(seen) != len(users) {
		t.Fatalf("partition covers %d users, want %d", len(seen), len(users))
	}
	for u, n := range seen {
		if n != 1 {
			t.Fatalf("user %s appears %d times", u, n)
		}
	}
	if len(res.Assignments) != len(users) {
		t.Fatalf("assignments %d, want %d", len(res.Assignments), len(users))
	}
	if len(res.Bubbles) != 2 {
		t.Fatalf("expected 2 bubbles, got %d", len(res.Bubbles))
	}
}

func partition(res Result) [][]string {
	var out [][]string
	for _, b := range res.Bubbles {
		out = append(out, append([]string(nil), b.Users...))
	}
	sort.Slice(out, func(i, j int) bool { return out[i][0] < out[j][0] })
	return append(out, res.Noise)
}

func TestFindBubbles_OrderInvariant(t *testing.T) {
	// Two groups of six; "bridge" touches two members of each group but is
	// not dense enough to be a core point itself.
	var rows []interaction.Interaction
	add := func(u string, vids ...string) {
		for _, v := range vids {
			rows = append(rows, interaction.Interaction{UserID: u, ContentID: v, ChannelID: "abc"})
		}
	}
	for i := 0; i < 6; i++ {
		if i < 2 {
			add(fmt.Sprintf("a%d", i), "a1", "a2")
			add(fmt.Sprintf("b%d", i), "b1", "b2")
			continue
		}
		add(fmt.Sprintf("a%d", i), "a2", "a3")
		add(fmt.Sprintf("b%d", i), "b2", "b3")
	}
	add("bridge", "a1", "b1")
	add("loner", "z9")
	idx := build(t, rows)

	users := idx.Users()
	params := Params{Eps: 0.6, MinSamples: 5}
	want := FindBubbles("c", users, idx, params)

	rng := rand.New(rand.NewPCG(3, 4))
	for trial := 0; trial < 20; trial++ {
		shuffled := slices.Clone(users)
		rng.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })
		got := FindBubbles("c", shuffled, idx, params)
		if diff := cmp.Diff(partition(want), partition(got)); diff != "" {
			t.Fatalf("trial %d: partition changed under permutation (-want +got):\n%s", trial, diff)
		}
	}

	if len(want.Bubbles) != 2 {
		t.Fatalf("expected 2 bubbles, got %d", len(want.Bubbles))
	}
	// bridge is equidistant from a0, a1, b0, b1; the tie goes to a0.
	bridge, _ := want.Label("bridge")
	a0, _ := want.Label("a0")
	if bridge != a0 {
		t.Fatalf("bridge should join a0's bubble, got %v vs %v", bridge, a0)
	}
	if l, _ := want.Label("loner"); l.String() != "noise" {
		t.Fatalf("loner should be noise, got %v", l)
	}
}

func TestFindBubbles_TooSmallIsAllNoise(t *testing.T) {
	var rows []interaction.Interaction
	var users []string
	for i := 0; i < 5; i++ {
		u := fmt.Sprintf("u%d", i)
		users = append(users, u)
		rows = append(rows, interaction.Interaction{UserID: u, ContentID: "same", ChannelID: "bbc"})
	}
	idx := build(t, rows)

	res := FindBubbles("cluster:bbc", users, idx, Params{Eps: 0.9, MinSamples: 8})
	if !res.NoBubble() {
		t.Fatalf("expected no bubble, got %d", len(res.Bubbles))
	}
	if diff := cmp.Diff(users, res.Noise); diff != "" {
		t.Fatalf("all users must be noise (-want +got):\n%s", diff)
	}
}

func TestFindBubbles_UnknownUsersAreNoise(t *testing.T) {
	rows, chamber, _ := echoChamberRows()
	idx := build(t, rows)

	res := FindBubbles("c", append(slices.Clone(chamber), "ghost", "ghost"), idx, Params{})
	if res.Params != DefaultParams() {
		t.Fatalf("zero params should default, got %+v", res.Params)
	}
	if diff := cmp.Diff([]string{"ghost"}, res.Noise); diff != "" {
		t.Fatalf("noise (-want +got):\n%s", diff)
	}
}
