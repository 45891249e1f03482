package context

import (
	"unicode/utf8"
)

// =============================================================================
// Token Counting Utilities
// =============================================================================
// Token estimation for budget management. The heuristic is calibrated for
// current LLM tokenizers (~4 characters per token).

// TokenCounter provides token counting functionality.
type TokenCounter struct {
	charsPerToken float64
}

// NewTokenCounter creates a token counter with default calibration.
func NewTokenCounter() *TokenCounter {
	return &TokenCounter{charsPerToken: 4.0}
}

// CountString estimates tokens in a string.
func (tc *TokenCounter) CountString(s string) int {
	if s == "" {
		return 0
	}
	// Rune count for proper unicode handling.
	return int(float64(utf8.RuneCountInString(s)) / tc.charsPerToken)
}

// CountFragment estimates tokens for a fragment, including a small
// structural overhead per fragment.
func (tc *TokenCounter) CountFragment(f Fragment) int {
	return 4 + tc.CountString(f.Text)
}

// CountFragments sums fragment estimates.
func (tc *TokenCounter) CountFragments(fragments []Fragment) int {
	total := 0
	for _, f := range fragments {
		total += tc.CountFragment(f)
	}
	return total
}
