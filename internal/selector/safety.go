package selector

import (
	"crypto/sha256"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/plumefeed/plume/internal/domain/model"
)

// similarityThreshold is the near-duplicate cutoff against recently
// published texts.
const similarityThreshold = 0.9

// CheckContentSafety rejects candidate text that exceeds the length limit,
// exactly duplicates one of the recently published texts, or is a
// near-duplicate of one (similarity above 0.9). recent is typically the
// texts of the last N PublishedPost rows.
func CheckContentSafety(text string, recent []string) error {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return fmt.Errorf("text is empty")
	}
	if utf8.RuneCountInString(text) > model.MaxPostLength {
		return fmt.Errorf("text exceeds %d characters", model.MaxPostLength)
	}

	digest := sha256.Sum256([]byte(text))
	for _, prev := range recent {
		if sha256.Sum256([]byte(prev)) == digest {
			return fmt.Errorf("text is an exact duplicate of a recent post")
		}
	}
	for _, prev := range recent {
		if sim := Similarity(text, prev); sim > similarityThreshold {
			return fmt.Errorf("text is too similar to a recent post (%.2f)", sim)
		}
	}
	return nil
}

// Similarity returns a [0,1] ratio between two strings: twice the length of
// their longest common subsequence over the sum of their lengths. Equal
// strings score 1, disjoint strings 0.
func Similarity(a, b string) float64 {
	if a == b {
		return 1
	}
	ra, rb := []rune(a), []rune(b)
	if len(ra) == 0 || len(rb) == 0 {
		return 0
	}

	// Single-row LCS DP; inputs are bounded by the post length limit.
	prev := make([]int, len(rb)+1)
	cur := make([]int, len(rb)+1)
	for i := 1; i <= len(ra); i++ {
		for j := 1; j <= len(rb); j++ {
			if ra[i-1] == rb[j-1] {
				cur[j] = prev[j-1] + 1
			} else if prev[j] >= cur[j-1] {
				cur[j] = prev[j]
			} else {
				cur[j] = cur[j-1]
			}
		}
		prev, cur = cur, prev
	}
	lcs := prev[len(rb)]
	return 2 * float64(lcs) / float64(len(ra)+len(rb))
}
