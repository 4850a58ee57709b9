// Package tokens provides deterministic token estimation and context-window
// apportionment. Everything here is pure: no I/O, no clocks, no state.
package tokens

import (
	"math"
	"sort"
	"strings"
	"unicode"
)

// punctuation runes counted by the estimator. Kept as an explicit set so the
// heuristic stays stable across Go/unicode table updates.
const punctuationSet = ".,;:!?…\"'`()[]{}<>-"

// Estimate returns the approximate token count for text using the calibrated
// heuristic words*1.3 + punctuation*0.3. Empty or whitespace-only input
// yields 0. The function is stable and monotone: appending text never
// decreases the estimate.
func Estimate(text string) int {
	if text == "" {
		return 0
	}
	words := 0
	inWord := false
	punct := 0
	for _, r := range text {
		if unicode.IsSpace(r) {
			inWord = false
			continue
		}
		if !inWord {
			words++
			inWord = true
		}
		if strings.ContainsRune(punctuationSet, r) {
			punct++
		}
	}
	if words == 0 && punct == 0 {
		return 0
	}
	return int(math.Round(float64(words)*1.3 + float64(punct)*0.3))
}

// EstimateMessages sums the estimate over a slice of content strings.
func EstimateMessages(contents []string) int {
	total := 0
	for _, c := range contents {
		total += Estimate(c)
	}
	return total
}

// TruncateTo returns the largest word-boundary prefix of text whose estimate
// fits within maxTokens. Words are never split. The call is idempotent when
// text is already under the cap, and TruncateTo(text, n) always satisfies
// Estimate(result) <= n for n >= 0.
func TruncateTo(text string, maxTokens int) string {
	if maxTokens <= 0 {
		return ""
	}
	if Estimate(text) <= maxTokens {
		return text
	}

	boundaries := wordBoundaries(text)
	if len(boundaries) == 0 {
		return ""
	}

	// Estimate is monotone over prefixes, so binary search is sound.
	// sort.Search finds the first boundary that overflows.
	idx := sort.Search(len(boundaries), func(i int) bool {
		return Estimate(text[:boundaries[i]]) > maxTokens
	})
	if idx == 0 {
		return ""
	}
	return strings.TrimRightFunc(text[:boundaries[idx-1]], unicode.IsSpace)
}

// wordBoundaries returns the byte offsets just past each word in text.
func wordBoundaries(text string) []int {
	var bounds []int
	inWord := false
	for i, r := range text {
		if unicode.IsSpace(r) {
			if inWord {
				bounds = append(bounds, i)
				inWord = false
			}
			continue
		}
		inWord = true
	}
	if inWord {
		bounds = append(bounds, len(text))
	}
	return bounds
}
