package tokenizer

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCountEmptyIsZero(t *testing.T) {
	assert.Equal(t, 0, Count("", "gpt-4o"))
	assert.Equal(t, 0, Count("", "llama-3"))
}

func TestCountNonOpenAIUsesFixedHeuristic(t *testing.T) {
	text := strings.Repeat("a", 100)
	got := Count(text, "llama-3")
	assert.Equal(t, 40, got) // 100 * 2 / 5
}

func TestCountOpenAIFamilyDiffersFromFixedHeuristic(t *testing.T) {
	text := "The quick brown fox jumps over the lazy dog, repeatedly, for emphasis."
	openai := Count(text, "gpt-4o")
	fixed := fixedCount(text)
	assert.NotEqual(t, 0, openai)
	// Both are plausible token counts; what matters is the dispatch picked
	// the BPE encoder rather than silently falling back.
	assert.NotEqual(t, fixed, openai)
}

func TestCountMessagesIncludesFraming(t *testing.T) {
	msgs := []Message{{Role: "user", Content: "hi"}}
	withFraming := CountMessages(msgs, "llama-3")
	bare := Count("user", "llama-3") + Count("hi", "llama-3")
	assert.Greater(t, withFraming, bare)
}

func TestTruncateToNoopWhenUnderBudget(t *testing.T) {
	text := "short text"
	assert.Equal(t, text, TruncateTo(text, 1000, "llama-3", TruncateSuffix, ""))
}

func TestTruncateSuffixRetainsTail(t *testing.T) {
	text := strings.Repeat("x", 400) + "TAIL"
	out := TruncateTo(text, 5, "llama-3", TruncateSuffix, "")
	assert.True(t, strings.HasSuffix(out, "TAIL"))
	assert.LessOrEqual(t, Count(out, "llama-3"), 5)
}

func TestTruncatePrefixEllipsisRetainsHeadAndNamesSource(t *testing.T) {
	text := "HEAD" + strings.Repeat("y", 400)
	out := TruncateTo(text, 20, "llama-3", TruncatePrefixEllipsis, "fetch_url")
	assert.True(t, strings.HasPrefix(out, "HEAD"))
	assert.Contains(t, out, "fetch_url")
}

func TestTruncateToZeroBudgetYieldsEmpty(t *testing.T) {
	assert.Equal(t, "", TruncateTo("anything", 0, "llama-3", TruncateSuffix, ""))
}
