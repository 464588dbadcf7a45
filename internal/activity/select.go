// Package activity selects, per source channel, the "active cluster": the
// users whose activity in that channel reaches a percentile cutoff.
//
// The cutoff is value based. The percentile of the activity distribution is
// turned into a threshold count and every user at or above it is kept, so
// equally active users are never split by an arbitrary rank boundary.
package activity

import (
	"fmt"
	"sort"

	"github.com/hurttlocker/bubblescope/internal/interaction"
	"github.com/hurttlocker/bubblescope/internal/stats"
)

// DefaultMinPopulation is the smallest channel population a percentile cut is
// applied to. Smaller channels return every user, flagged as degraded.
const DefaultMinPopulation = 10

// Measure selects what "activity" counts.
type Measure string

const (
	// MeasureRows counts interaction rows (comments).
	MeasureRows Measure = "rows"
	// MeasureContents counts distinct content items among the user's rows in
	// the channel.
	MeasureContents Measure = "contents"
)

// ParseMeasure maps a config string to a Measure. Empty means MeasureRows.
func ParseMeasure(s string) (Measure, error) {
	switch Measure(s) {
	case "", MeasureRows:
		return MeasureRows, nil
	case MeasureContents:
		return MeasureContents, nil
	default:
		return "", fmt.Errorf("unknown activity measure %q (want rows or contents)", s)
	}
}

// Options tunes SelectActive.
type Options struct {
	MinPopulation int
	Measure       Measure
}

// Cluster is the active cluster of one channel. It is fully defined by its
// membership and provenance.
type Cluster struct {
	ID         string   `json:"id"`
	Channel    string   `json:"channel"`
	Percentile float64  `json:"percentile"`
	Threshold  float64  `json:"threshold"`
	Population int      `json:"population"`
	Users      []string `json:"users"`
	Degraded   bool     `json:"degraded,omitempty"`
}

// Size returns the number of members.
func (c Cluster) Size() int { return len(c.Users) }

// ClusterID is the canonical id of a channel's active cluster.
func ClusterID(channel string) string { return "cluster:" + channel }

// SelectActive returns the users of channel whose activity is at or above the
// given percentile (0..100) of the channel's activity distribution.
func SelectActive(idx *interaction.Index, channel string, percentile float64, opts Options) Cluster {
	if opts.MinPopulation <= 0 {
		opts.MinPopulation = DefaultMinPopulation
	}

	act := idx.ChannelActivity(channel)
	out := Cluster{
		ID:         ClusterID(channel),
		Channel:    channel,
		Percentile: percentile,
		Population: len(act),
		Users:      make([]string, 0),
	}
	if len(act) == 0 {
		out.Degraded = true
		return out
	}

	counts := make([]float64, len(act))
	for i, a := range act {
		counts[i] = float64(measure(a, opts.Measure))
	}

	if len(act) < opts.MinPopulation {
		out.Degraded = true
		for _, a := range act {
			out.Users = append(out.Users, a.UserID)
		}
		out.Threshold = minOf(counts)
		return out
	}

	threshold := stats.Percentile(counts, percentile)
	out.Threshold = threshold
	for i, a := range act {
		if counts[i] >= threshold {
			out.Users = append(out.Users, a.UserID)
		}
	}
	sort.Strings(out.Users)
	return out
}

func measure(a interaction.Activity, m Measure) int {
	if m == MeasureContents {
		return a.Contents
	}
	return a.Rows
}

func minOf(values []float64) float64 {
	m := values[0]
	for _, v := range values[1:] {
		if v < m {
			m = v
		}
	}
	return m
}
