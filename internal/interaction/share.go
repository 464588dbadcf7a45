package interaction

import "sort"

// ChannelShare is the portion of a group's distinct content items published by
// one channel.
type ChannelShare struct {
	Channel  string  `json:"channel"`
	Name     string  `json:"name,omitempty"`
	Contents int     `json:"contents"`
	Share    float64 `json:"share"`
}

// ChannelShare counts the distinct content items the given users interacted
// with, split by the channel that published them. Unknown users are ignored.
// Results are ordered by content count, then channel id.
func (idx *Index) ChannelShare(users []string) []ChannelShare {
	seen := make(map[int32]struct{})
	for _, u := range users {
		h, ok := idx.userHandle[u]
		if !ok {
			continue
		}
		for _, c := range idx.userContents[h] {
			seen[c] = struct{}{}
		}
	}
	if len(seen) == 0 {
		return nil
	}

	perChannel := make(map[int32]int)
	for c := range seen {
		perChannel[idx.contentChannel[c]]++
	}

	out := make([]ChannelShare, 0, len(perChannel))
	for ch, n := range perChannel {
		out = append(out, ChannelShare{
			Channel:  idx.channels[ch],
			Contents: n,
			Share:    float64(n) / float64(len(seen)),
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Contents != out[j].Contents {
			return out[i].Contents > out[j].Contents
		}
		return out[i].Channel < out[j].Channel
	})
	return out
}
