package selector

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCheckContentSafety(t *testing.T) {
	recent := []string{
		"Big launch today, come check it out!",
		"Weekly changelog: bug fixes and polish.",
	}

	t.Run("fresh text passes", func(t *testing.T) {
		assert.NoError(t, CheckContentSafety("Something completely different", recent))
	})

	t.Run("empty text rejected", func(t *testing.T) {
		assert.Error(t, CheckContentSafety("   ", recent))
	})

	t.Run("oversized text rejected", func(t *testing.T) {
		assert.Error(t, CheckContentSafety(strings.Repeat("a", 281), nil))
	})

	t.Run("exact duplicate rejected", func(t *testing.T) {
		assert.Error(t, CheckContentSafety(recent[0], recent))
	})

	t.Run("near duplicate rejected", func(t *testing.T) {
		err := CheckContentSafety("Big launch today, come check it out", recent)
		assert.Error(t, err)
	})

	t.Run("no history passes", func(t *testing.T) {
		assert.NoError(t, CheckContentSafety("hello", nil))
	})
}

func TestSimilarity(t *testing.T) {
	assert.Equal(t, 1.0, Similarity("same", "same"))
	assert.Equal(t, 0.0, Similarity("", "abc"))
	assert.Equal(t, 0.0, Similarity("abc", ""))
	assert.Equal(t, 0.0, Similarity("aaa", "bbb"))

	// One character dropped from a long string stays close to 1.
	long := strings.Repeat("abcd ", 20)
	almost := long[:len(long)-1]
	assert.Greater(t, Similarity(long, almost), 0.95)

	// Unrelated sentences score low.
	assert.Less(t, Similarity("the quick brown fox", "zzzz yyyy xxxx"), 0.3)
}
