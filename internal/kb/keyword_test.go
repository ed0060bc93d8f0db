package kb

import (
	"math"
	"testing"
)

func TestKeywordScoreExactValues(t *testing.T) {
	e := &Entry{
		Kind:       KindFact,
		Title:      "Deploy window",
		Body:       "Production deploys happen on Tuesdays",
		Tags:       []string{"ops", "deploy"},
		Confidence: 1.0,
	}

	cases := []struct {
		name  string
		query string
		want  float64
	}{
		// "deploy" appears in title and body as a substring, and equals a tag:
		// 10 (title exact) + 2 (title word) + 5 (body exact) + 1 (body word) + 3 (tag).
		{"single word everywhere", "deploy", 21},
		// "deploy window" is an exact title substring (10); both words hit
		// the title (2+2), "deploy" hits the body (1) and the tag (3).
		{"title phrase", "deploy window", 18},
		{"no match", "kubernetes", 0},
		{"empty query", "   ", 0},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := KeywordScore(e, tc.query)
			if got != tc.want {
				t.Errorf("KeywordScore(%q) = %v, want %v", tc.query, got, tc.want)
			}
		})
	}
}

func TestKeywordScoreConfidenceScaling(t *testing.T) {
	full := &Entry{Kind: KindFact, Title: "deploy", Confidence: 1.0}
	half := &Entry{Kind: KindFact, Title: "deploy", Confidence: 0.5}

	fs := KeywordScore(full, "deploy")
	hs := KeywordScore(half, "deploy")
	if hs != fs/2 {
		t.Errorf("confidence scaling: full=%v half=%v", fs, hs)
	}
}

func TestKeywordScoreUsageBoost(t *testing.T) {
	cold := &Entry{Kind: KindFact, Title: "deploy", Confidence: 1.0}
	warm := &Entry{Kind: KindFact, Title: "deploy", Confidence: 1.0, UsageCount: 5}

	boost := KeywordScore(warm, "deploy") - KeywordScore(cold, "deploy")
	want := math.Log1p(5) * 0.5
	if math.Abs(boost-want) > 1e-12 {
		t.Errorf("usage boost = %v, want %v", boost, want)
	}
}

func TestKeywordScoreCaseInsensitive(t *testing.T) {
	e := &Entry{Kind: KindFact, Title: "Deploy Window", Confidence: 1.0}
	if KeywordScore(e, "DEPLOY WINDOW") != KeywordScore(e, "deploy window") {
		t.Error("scoring is case sensitive")
	}
}

func TestKeywordScoreDeterministic(t *testing.T) {
	e := &Entry{
		Kind:       KindHeuristic,
		Title:      "Retry with backoff",
		Body:       "Transient failures resolve with exponential backoff",
		Tags:       []string{"retry", "resilience"},
		Confidence: 0.9,
		UsageCount: 3,
	}
	first := KeywordScore(e, "retry backoff")
	for i := 0; i < 100; i++ {
		if got := KeywordScore(e, "retry backoff"); got != first {
			t.Fatalf("score drifted on run %d: %v != %v", i, got, first)
		}
	}
}
