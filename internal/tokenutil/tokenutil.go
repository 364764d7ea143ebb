// Package tokenutil estimates token counts when a provider reports no usage.
package tokenutil

import "strings"

// perMessageOverhead approximates role and framing tokens per chat message.
const perMessageOverhead = 4

// EstimateTokens returns a word-based token estimate: 1.33 tokens per word,
// floored at len/4 for code and non-English text.
func EstimateTokens(content string) int {
	if content == "" {
		return 0
	}
	words := len(strings.Fields(content))
	wordEstimate := int(float64(words) * 1.33)
	charEstimate := len(content) / 4
	if wordEstimate > charEstimate {
		return wordEstimate
	}
	return charEstimate
}

// EstimateMessages estimates a whole transcript.
func EstimateMessages(contents ...string) int {
	total := 0
	for _, c := range contents {
		total += EstimateTokens(c) + perMessageOverhead
	}
	return total
}
