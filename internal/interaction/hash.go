package interaction

import (
	"crypto/sha256"
	"fmt"
)

// Fingerprint computes a SHA-256 over the scope, every user id and the ids of
// the content items in that user's set.
//
// Two indexes built from the same snapshot share a fingerprint regardless of
// row order or duplicate rows, which makes it the cache key prefix for
// matrices computed over this index.
func (idx *Index) Fingerprint() string {
	h := sha256.New()
	h.Write([]byte(idx.scope.String()))
	h.Write([]byte{0})
	for i, u := range idx.users {
		h.Write([]byte(u))
		h.Write([]byte{0}) // separator
		for _, c := range idx.userContents[i] {
			h.Write([]byte(idx.contents[c]))
			h.Write([]byte{1})
		}
		h.Write([]byte{0})
	}
	return fmt.Sprintf("%x", h.Sum(nil))
}

// HashUsers computes SHA-256 of a user id list, order-sensitive.
func HashUsers(users []string) string {
	h := sha256.New()
	for _, u := range users {
		h.Write([]byte(u))
		h.Write([]byte{0})
	}
	return fmt.Sprintf("%x", h.Sum(nil))
}
