package kb

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"
)

func newTestPatterns(t *testing.T) (*Patterns, *Store, *fakeClock) {
	t.Helper()
	s, _, clock := newTestStore(t)
	return NewPatterns(s, DefaultPatternConfig()), s, clock
}

func TestObserveCreatesPattern(t *testing.T) {
	p, s, _ := newTestPatterns(t)
	ctx := context.Background()

	e, err := p.Observe(ctx, []string{"tests failing"}, []string{"clear build cache"}, []string{"ci"})
	if err != nil {
		t.Fatalf("Observe: %v", err)
	}
	if e.Kind != KindPattern {
		t.Errorf("kind = %s", e.Kind)
	}
	if e.Confidence != 0.5 {
		t.Errorf("initial confidence = %v, want 0.5", e.Confidence)
	}
	if e.Pattern == nil || e.Pattern.Occurrences != 1 {
		t.Errorf("pattern data = %+v, want 1 occurrence", e.Pattern)
	}
	if want := PatternID([]string{"tests failing"}, []string{"clear build cache"}); e.ID != want {
		t.Errorf("id = %s, want %s", e.ID, want)
	}
	if s.Len() != 1 {
		t.Errorf("store holds %d entries, want 1", s.Len())
	}
}

func TestObserveRepeatMerges(t *testing.T) {
	p, s, _ := newTestPatterns(t)
	ctx := context.Background()

	triggers := []string{"tests failing"}
	actions := []string{"clear build cache"}

	if _, err := p.Observe(ctx, triggers, actions, nil); err != nil {
		t.Fatalf("Observe: %v", err)
	}
	e, err := p.Observe(ctx, triggers, actions, nil)
	if err != nil {
		t.Fatalf("second Observe: %v", err)
	}

	if e.Pattern.Occurrences != 2 {
		t.Errorf("occurrences = %d, want 2 after repeat", e.Pattern.Occurrences)
	}
	if math.Abs(e.Confidence-0.55) > 1e-9 {
		t.Errorf("confidence = %v, want 0.55 after one repeat", e.Confidence)
	}
	if s.Len() != 1 {
		t.Errorf("repeat observation duplicated the pattern: %d entries", s.Len())
	}
}

func TestObserveConfidenceCap(t *testing.T) {
	p, _, _ := newTestPatterns(t)
	ctx := context.Background()

	var e *Entry
	var err error
	for i := 0; i < 15; i++ {
		e, err = p.Observe(ctx, []string{"t"}, []string{"a"}, nil)
		if err != nil {
			t.Fatalf("Observe %d: %v", i, err)
		}
	}
	if e.Confidence > 1 {
		t.Errorf("confidence %v exceeded 1", e.Confidence)
	}
	if e.Pattern.Occurrences != 15 {
		t.Errorf("occurrences = %d, want 15", e.Pattern.Occurrences)
	}
}

func TestObserveValidation(t *testing.T) {
	p, _, _ := newTestPatterns(t)
	ctx := context.Background()

	var verr *ValidationError
	if _, err := p.Observe(ctx, nil, []string{"a"}, nil); !errors.As(err, &verr) {
		t.Errorf("missing triggers: got %v", err)
	}
	if _, err := p.Observe(ctx, []string{"t"}, nil, nil); !errors.As(err, &verr) {
		t.Errorf("missing actions: got %v", err)
	}
}

func TestRecordOutcome(t *testing.T) {
	p, s, _ := newTestPatterns(t)
	ctx := context.Background()

	e, err := p.Observe(ctx, []string{"t"}, []string{"a"}, nil)
	if err != nil {
		t.Fatalf("Observe: %v", err)
	}

	if err := p.RecordOutcome(ctx, e.ID, true); err != nil {
		t.Fatalf("RecordOutcome: %v", err)
	}
	if err := p.RecordOutcome(ctx, e.ID, true); err != nil {
		t.Fatalf("RecordOutcome: %v", err)
	}
	if err := p.RecordOutcome(ctx, e.ID, false); err != nil {
		t.Fatalf("RecordOutcome: %v", err)
	}

	got, _ := s.Get(e.ID)
	if got.Pattern.Successes != 2 || got.Pattern.Failures != 1 {
		t.Errorf("counters = %d/%d, want 2/1", got.Pattern.Successes, got.Pattern.Failures)
	}
	if rate := got.Pattern.SuccessRate(); math.Abs(rate-2.0/3.0) > 1e-12 {
		t.Errorf("success rate = %v, want 2/3", rate)
	}
}

func TestRecordOutcomeErrors(t *testing.T) {
	p, s, _ := newTestPatterns(t)
	ctx := context.Background()

	if err := p.RecordOutcome(ctx, "missing", true); !errors.Is(err, ErrNotFound) {
		t.Errorf("unknown id: got %v, want ErrNotFound", err)
	}

	if err := s.Add(ctx, &Entry{ID: "fact_1", Kind: KindFact, Title: "t", Confidence: 1}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	var verr *ValidationError
	if err := p.RecordOutcome(ctx, "fact_1", true); !errors.As(err, &verr) {
		t.Errorf("non-pattern entry: got %v, want ValidationError", err)
	}
}

func TestPruneUnderperforming(t *testing.T) {
	p, s, _ := newTestPatterns(t)
	ctx := context.Background()

	// Established and failing: 3 observations, 0/3 outcomes.
	bad, err := p.Observe(ctx, []string{"bad"}, []string{"a"}, nil)
	if err != nil {
		t.Fatalf("Observe: %v", err)
	}
	for i := 0; i < 2; i++ {
		if _, err := p.Observe(ctx, []string{"bad"}, []string{"a"}, nil); err != nil {
			t.Fatalf("Observe: %v", err)
		}
	}
	for i := 0; i < 3; i++ {
		if err := p.RecordOutcome(ctx, bad.ID, false); err != nil {
			t.Fatalf("RecordOutcome: %v", err)
		}
	}

	// Young pattern with no outcomes yet: not established, must survive.
	young, err := p.Observe(ctx, []string{"young"}, []string{"a"}, nil)
	if err != nil {
		t.Fatalf("Observe: %v", err)
	}

	removed, err := p.Prune(ctx)
	if err != nil {
		t.Fatalf("Prune: %v", err)
	}
	if removed != 1 {
		t.Errorf("removed = %d, want 1", removed)
	}
	if _, ok := s.Get(bad.ID); ok {
		t.Error("underperforming pattern survived prune")
	}
	if _, ok := s.Get(young.ID); !ok {
		t.Error("young pattern was pruned")
	}
}

func TestPruneStale(t *testing.T) {
	s, _, clock := newTestStore(t)
	p := NewPatterns(s, PatternConfig{MinOccurrences: 3, MinSuccessRate: 0.4, Staleness: 7 * 24 * time.Hour})
	ctx := context.Background()

	stale, err := p.Observe(ctx, []string{"old"}, []string{"a"}, nil)
	if err != nil {
		t.Fatalf("Observe: %v", err)
	}

	clock.now = clock.now.Add(8 * 24 * time.Hour)
	fresh, err := p.Observe(ctx, []string{"new"}, []string{"a"}, nil)
	if err != nil {
		t.Fatalf("Observe: %v", err)
	}

	removed, err := p.Prune(ctx)
	if err != nil {
		t.Fatalf("Prune: %v", err)
	}
	if removed != 1 {
		t.Errorf("removed = %d, want 1", removed)
	}
	if _, ok := s.Get(stale.ID); ok {
		t.Error("stale pattern survived prune")
	}
	if _, ok := s.Get(fresh.ID); !ok {
		t.Error("fresh pattern was pruned")
	}
}

func TestPruneIgnoresOtherKinds(t *testing.T) {
	p, s, clock := newTestPatterns(t)
	ctx := context.Background()

	if err := s.Add(ctx, &Entry{ID: "fact_1", Kind: KindFact, Title: "t", Confidence: 1}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	clock.now = clock.now.Add(365 * 24 * time.Hour)

	removed, err := p.Prune(ctx)
	if err != nil {
		t.Fatalf("Prune: %v", err)
	}
	if removed != 0 {
		t.Errorf("removed = %d, want 0", removed)
	}
	if _, ok := s.Get("fact_1"); !ok {
		t.Error("prune touched a non-pattern entry")
	}
}
