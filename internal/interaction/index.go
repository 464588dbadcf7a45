// Package interaction builds per-user content-interaction sets from a clean
// table of (user, content, channel, timestamp) rows.
//
// The index is an arena: users, content items and channels are interned to
// dense int32 handles in sorted-id order, and each user's content set is a
// sorted, deduplicated slice of content handles. Handle assignment depends only
// on the set of ids seen, never on row order, so two builds over the same
// snapshot are identical.
package interaction

import (
	"iter"
	"sort"
	"strings"
	"time"
)

// Interaction is one recorded engagement (e.g. a comment) of a user with a
// content item published by a source channel.
type Interaction struct {
	UserID    string
	ContentID string
	ChannelID string
	Timestamp time.Time
}

// Scope restricts an index to one source channel. The zero value covers the
// full corpus.
type Scope struct {
	Channel string
}

// IsCorpus reports whether the scope spans every channel.
func (s Scope) IsCorpus() bool { return s.Channel == "" }

func (s Scope) String() string {
	if s.IsCorpus() {
		return "corpus"
	}
	return "channel:" + s.Channel
}

// BuildStats summarizes one Build pass.
type BuildStats struct {
	Read       int `json:"read"`
	Kept       int `json:"kept"`
	Skipped    int `json:"skipped"`
	OutOfScope int `json:"out_of_scope"`
	Users      int `json:"users"`
	Contents   int `json:"contents"`
}

// Profile is the read-only view of one user's interactions.
type Profile struct {
	UserID   string   `json:"user_id"`
	Contents []string `json:"contents"`
	Count    int      `json:"count"`
}

// Activity is a user's volume inside a single channel.
type Activity struct {
	UserID   string
	Rows     int
	Contents int
}

type channelCount struct {
	channel  int32
	rows     int
	contents int
}

// channelTally accumulates one user's rows in one channel during Build.
type channelTally struct {
	rows     int
	contents map[string]struct{}
}

// Index maps users to the set of content items they interacted with.
type Index struct {
	scope Scope

	users      []string
	userHandle map[string]int32

	contents       []string
	contentHandle  map[string]int32
	contentChannel []int32

	channels      []string
	channelHandle map[string]int32

	userContents [][]int32
	userCounts   []int
	userChannels [][]channelCount
}

// Build indexes rows, keeping only those inside scope. Rows without a user or
// content id are skipped and counted; they never fail the build.
func Build(rows iter.Seq[Interaction], scope Scope) (*Index, BuildStats) {
	var stats BuildStats

	perUser := make(map[string]map[string]struct{})
	tallies := make(map[string]map[string]*channelTally)
	contentChannel := make(map[string]string)
	channelSet := make(map[string]struct{})

	for row := range rows {
		stats.Read++
		user := strings.TrimSpace(row.UserID)
		content := strings.TrimSpace(row.ContentID)
		if user == "" || content == "" {
			stats.Skipped++
			continue
		}
		channel := strings.TrimSpace(row.ChannelID)
		if !scope.IsCorpus() && channel != scope.Channel {
			stats.OutOfScope++
			continue
		}
		stats.Kept++

		set, ok := perUser[user]
		if !ok {
			set = make(map[string]struct{})
			perUser[user] = set
			tallies[user] = make(map[string]*channelTally)
		}
		set[content] = struct{}{}
		t, ok := tallies[user][channel]
		if !ok {
			t = &channelTally{contents: make(map[string]struct{})}
			tallies[user][channel] = t
		}
		t.rows++
		t.contents[content] = struct{}{}

		// A content item belongs to one channel; on conflicting rows keep the
		// smallest channel id so the result is independent of row order.
		if prev, ok := contentChannel[content]; !ok || channel < prev {
			contentChannel[content] = channel
		}
		channelSet[channel] = struct{}{}
	}

	idx := &Index{
		scope:         scope,
		users:         sortedKeys(perUser),
		contents:      sortedKeys(contentChannel),
		channels:      sortedKeys(channelSet),
		userHandle:    make(map[string]int32, len(perUser)),
		contentHandle: make(map[string]int32, len(contentChannel)),
		channelHandle: make(map[string]int32, len(channelSet)),
	}

	for i, ch := range idx.channels {
		idx.channelHandle[ch] = int32(i)
	}
	idx.contentChannel = make([]int32, len(idx.contents))
	for i, c := range idx.contents {
		idx.contentHandle[c] = int32(i)
		idx.contentChannel[i] = idx.channelHandle[contentChannel[c]]
	}

	idx.userContents = make([][]int32, len(idx.users))
	idx.userCounts = make([]int, len(idx.users))
	idx.userChannels = make([][]channelCount, len(idx.users))

	for i, u := range idx.users {
		idx.userHandle[u] = int32(i)

		handles := make([]int32, 0, len(perUser[u]))
		for c := range perUser[u] {
			handles = append(handles, idx.contentHandle[c])
		}
		sort.Slice(handles, func(a, b int) bool { return handles[a] < handles[b] })
		idx.userContents[i] = handles

		// Contents counts distinct items per row channel, so an item seen
		// under two channels counts in both.
		total := 0
		counts := make([]channelCount, 0, len(tallies[u]))
		for ch, t := range tallies[u] {
			total += t.rows
			counts = append(counts, channelCount{
				channel:  idx.channelHandle[ch],
				rows:     t.rows,
				contents: len(t.contents),
			})
		}
		sort.Slice(counts, func(a, b int) bool { return counts[a].channel < counts[b].channel })
		idx.userCounts[i] = total
		idx.userChannels[i] = counts
	}

	stats.Users = len(idx.users)
	stats.Contents = len(idx.contents)
	return idx, stats
}

// Scope returns the scope the index was built with.
func (idx *Index) Scope() Scope { return idx.scope }

// Len returns the number of indexed users.
func (idx *Index) Len() int { return len(idx.users) }

// Users returns all user ids in handle order.
func (idx *Index) Users() []string {
	return append([]string(nil), idx.users...)
}

// Channels returns every channel id seen in scope, sorted.
func (idx *Index) Channels() []string {
	return append([]string(nil), idx.channels...)
}

// Handle returns the integer handle for a user id.
func (idx *Index) Handle(userID string) (int32, bool) {
	h, ok := idx.userHandle[userID]
	return h, ok
}

// UserID returns the user id behind a handle.
func (idx *Index) UserID(h int32) string { return idx.users[h] }

// Contents returns the sorted content handles of a user. The slice is shared
// and must not be modified.
func (idx *Index) Contents(h int32) []int32 { return idx.userContents[h] }

// Profile returns the materialized profile of one user.
func (idx *Index) Profile(userID string) (Profile, bool) {
	h, ok := idx.userHandle[userID]
	if !ok {
		return Profile{}, false
	}
	contents := make([]string, 0, len(idx.userContents[h]))
	for _, c := range idx.userContents[h] {
		contents = append(contents, idx.contents[c])
	}
	return Profile{UserID: userID, Contents: contents, Count: idx.userCounts[h]}, true
}

// ChannelActivity lists every user with at least one interaction in channel,
// in user-id order.
func (idx *Index) ChannelActivity(channel string) []Activity {
	ch, ok := idx.channelHandle[channel]
	if !ok {
		return nil
	}
	out := make([]Activity, 0)
	for i, counts := range idx.userChannels {
		for _, c := range counts {
			if c.channel != ch {
				continue
			}
			out = append(out, Activity{UserID: idx.users[i], Rows: c.rows, Contents: c.contents})
			break
		}
	}
	return out
}

func sortedKeys[T any](m map[string]T) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
