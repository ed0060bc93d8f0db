package kb

import (
	"context"
	"strings"
	"time"
)

// PatternConfig controls pattern pruning.
type PatternConfig struct {
	// MinOccurrences is how often a pattern must have been observed before
	// a poor success rate makes it prunable.
	MinOccurrences int
	// MinSuccessRate is the success-rate floor for established patterns.
	MinSuccessRate float64
	// Staleness prunes patterns untouched for longer than this window.
	// Zero disables staleness pruning.
	Staleness time.Duration
}

// DefaultPatternConfig mirrors the pruning thresholds the learning loop
// was tuned with: at least 3 observations, 40% success floor, 30 days.
func DefaultPatternConfig() PatternConfig {
	return PatternConfig{
		MinOccurrences: 3,
		MinSuccessRate: 0.4,
		Staleness:      30 * 24 * time.Hour,
	}
}

// Patterns layers the trigger/action learning lifecycle on top of the
// entry store. Patterns are ordinary KindPattern entries; this type only
// adds observation merging, outcome accounting, and pruning.
type Patterns struct {
	store *Store
	cfg   PatternConfig
}

// NewPatterns creates a pattern engine over the given store.
func NewPatterns(store *Store, cfg PatternConfig) *Patterns {
	if cfg.MinOccurrences <= 0 {
		cfg.MinOccurrences = DefaultPatternConfig().MinOccurrences
	}
	if cfg.MinSuccessRate <= 0 {
		cfg.MinSuccessRate = DefaultPatternConfig().MinSuccessRate
	}
	return &Patterns{store: store, cfg: cfg}
}

// PatternID derives the stable id for a trigger/action pairing.
func PatternID(triggers, actions []string) string {
	return DeriveID(KindPattern, strings.Join(triggers, "; "), strings.Join(actions, "; "))
}

// Observe records one observation of a trigger/action pairing. The first
// observation creates the pattern at confidence 0.5; every repeat merges
// occurrences and raises confidence by 0.05 toward 1.0 (never lowered).
func (p *Patterns) Observe(ctx context.Context, triggers, actions, tags []string) (*Entry, error) {
	if len(triggers) == 0 || len(actions) == 0 {
		return nil, &ValidationError{Field: "pattern", Reason: "observation needs at least one trigger and one action"}
	}

	e := &Entry{
		ID:    PatternID(triggers, actions),
		Kind:  KindPattern,
		Title: strings.Join(triggers, "; "),
		Body:  strings.Join(actions, "; "),
		Tags:  tags,
		Pattern: &PatternData{
			TriggerConditions: append([]string(nil), triggers...),
			Actions:           append([]string(nil), actions...),
			Occurrences:       1,
		},
	}

	if existing, ok := p.store.Get(e.ID); ok {
		e.Confidence = existing.Confidence + 0.05
		if e.Confidence > 1 {
			e.Confidence = 1
		}
	} else {
		e.Confidence = 0.5
	}

	if err := p.store.Add(ctx, e); err != nil {
		return nil, err
	}
	merged, _ := p.store.Get(e.ID)
	return merged, nil
}

// RecordOutcome attributes a success or failure to a pattern. The derived
// success rate is successes/(successes+failures); it is recomputed from
// the counters, never stored.
func (p *Patterns) RecordOutcome(ctx context.Context, id string, success bool) error {
	e, ok := p.store.Get(id)
	if !ok {
		return ErrNotFound
	}
	if e.Pattern == nil {
		return &ValidationError{Field: "pattern", Reason: "entry is not a pattern"}
	}

	data := *e.Pattern
	if success {
		data.Successes++
	} else {
		data.Failures++
	}

	ok, err := p.store.Update(ctx, id, FieldChanges{Pattern: &data})
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotFound
	}
	return nil
}

// Prune removes patterns that are established but underperforming
// (occurrences >= MinOccurrences and success rate < MinSuccessRate) or
// untouched for longer than the staleness window. Returns the count removed.
func (p *Patterns) Prune(ctx context.Context) (int, error) {
	now := p.store.clock.Now()
	removed := 0
	for _, e := range p.store.ListByKind(KindPattern) {
		if e.Pattern == nil {
			continue
		}
		underperforming := e.Pattern.Occurrences >= p.cfg.MinOccurrences &&
			e.Pattern.SuccessRate() < p.cfg.MinSuccessRate
		stale := p.cfg.Staleness > 0 && now.Sub(e.UpdatedAt) > p.cfg.Staleness
		if !underperforming && !stale {
			continue
		}
		ok, err := p.store.Remove(ctx, e.ID)
		if err != nil {
			return removed, err
		}
		if ok {
			removed++
		}
	}
	return removed, nil
}
