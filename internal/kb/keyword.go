package kb

import (
	"math"
	"strings"
)

// Keyword scoring weights. The formula is the always-available fallback
// strategy and other tooling asserts its exact output, so the weights are
// fixed: changing them is a compatibility break, not a tuning knob.
const (
	weightTitleExact = 10.0
	weightTitleWord  = 2.0
	weightBodyExact  = 5.0
	weightBodyWord   = 1.0
	weightTagEquals  = 3.0
	usageBoostFactor = 0.5
)

// KeywordScore computes the deterministic relevance of an entry for a
// query. Matching is case-insensitive. The raw match score is scaled by
// the entry's confidence, then boosted by ln(1+usage_count)*0.5 so
// frequently retrieved entries edge out cold ones on equal text matches.
func KeywordScore(e *Entry, query string) float64 {
	q := strings.ToLower(strings.TrimSpace(query))
	if q == "" {
		return 0
	}

	title := strings.ToLower(e.Title)
	body := strings.ToLower(e.Body)
	words := strings.Fields(q)

	var score float64
	if strings.Contains(title, q) {
		score += weightTitleExact
	}
	if strings.Contains(body, q) {
		score += weightBodyExact
	}
	for _, w := range words {
		if strings.Contains(title, w) {
			score += weightTitleWord
		}
		if strings.Contains(body, w) {
			score += weightBodyWord
		}
	}
	for _, t := range e.Tags {
		tl := strings.ToLower(t)
		for _, w := range words {
			if tl == w {
				score += weightTagEquals
				break
			}
		}
	}

	score *= e.Confidence
	score += math.Log1p(float64(e.UsageCount)) * usageBoostFactor
	return score
}
