package kb

import (
	"fmt"
	"time"
)

// Kind categorizes an entry. The set is closed; storage and indices rely on it.
type Kind string

const (
	KindFact       Kind = "fact"
	KindProcedure  Kind = "procedure"
	KindHeuristic  Kind = "heuristic"
	KindConstraint Kind = "constraint"
	KindPattern    Kind = "pattern"
)

// Kinds lists every valid entry kind.
func Kinds() []Kind {
	return []Kind{KindFact, KindProcedure, KindHeuristic, KindConstraint, KindPattern}
}

// ParseKind converts a string to a Kind, rejecting anything outside the known set.
func ParseKind(s string) (Kind, error) {
	k := Kind(s)
	switch k {
	case KindFact, KindProcedure, KindHeuristic, KindConstraint, KindPattern:
		return k, nil
	}
	return "", &ValidationError{Field: "kind", Reason: fmt.Sprintf("unknown kind %q", s)}
}

// Meta carries structured entry metadata. Known fields are explicit;
// Extra is the open extension bag for genuinely unconstrained callers.
type Meta struct {
	Version int               `json:"version"`
	Source  string            `json:"source,omitempty"`
	Extra   map[string]string `json:"extra,omitempty"`
}

// PatternData holds the pattern-learning fields of a KindPattern entry.
// Counters only ever grow; SuccessRate is derived, never stored.
type PatternData struct {
	TriggerConditions []string `json:"trigger_conditions"`
	Actions           []string `json:"actions"`
	Occurrences       int      `json:"occurrences"`
	Successes         int      `json:"successes"`
	Failures          int      `json:"failures"`
}

// SuccessRate returns successes/(successes+failures), or 0 with no outcomes yet.
func (p *PatternData) SuccessRate() float64 {
	total := p.Successes + p.Failures
	if total == 0 {
		return 0
	}
	return float64(p.Successes) / float64(total)
}

// Entry is the unit of stored knowledge. The in-memory store owns the
// authoritative copy during process lifetime; SQLite is a durable mirror.
type Entry struct {
	ID         string
	Kind       Kind
	Title      string
	Body       string
	Tags       []string // treated as a set; duplicates collapse on Add
	Confidence float64  // [0,1], raised but never lowered on merge
	UsageCount int      // incremented on every retrieval that returns the entry
	CreatedAt  time.Time
	UpdatedAt  time.Time
	ExpiresAt  time.Time // zero means never expires
	Meta       Meta
	Pattern    *PatternData // non-nil only for KindPattern entries
}

// Expired reports whether the entry's expiry has passed as of now.
// Expired entries stay readable until CleanupExpired removes them.
func (e *Entry) Expired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && e.ExpiresAt.Before(now)
}

// HasTag reports whether the entry carries the given tag.
func (e *Entry) HasTag(tag string) bool {
	for _, t := range e.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// clone returns a deep copy so callers can't mutate store-owned state.
func (e *Entry) clone() *Entry {
	c := *e
	c.Tags = append([]string(nil), e.Tags...)
	if e.Meta.Extra != nil {
		c.Meta.Extra = make(map[string]string, len(e.Meta.Extra))
		for k, v := range e.Meta.Extra {
			c.Meta.Extra[k] = v
		}
	}
	if e.Pattern != nil {
		p := *e.Pattern
		p.TriggerConditions = append([]string(nil), e.Pattern.TriggerConditions...)
		p.Actions = append([]string(nil), e.Pattern.Actions...)
		c.Pattern = &p
	}
	return &c
}

// validate checks entry shape before any mutation is attempted.
func (e *Entry) validate() error {
	if _, err := ParseKind(string(e.Kind)); err != nil {
		return err
	}
	if e.Title == "" && e.Body == "" {
		return &ValidationError{Field: "title", Reason: "entry needs a title or a body"}
	}
	if e.Confidence < 0 || e.Confidence > 1 {
		return &ValidationError{Field: "confidence", Reason: fmt.Sprintf("confidence %v outside [0,1]", e.Confidence)}
	}
	if e.Kind == KindPattern && e.Pattern == nil {
		return &ValidationError{Field: "pattern", Reason: "pattern entries need pattern data"}
	}
	if e.Kind != KindPattern && e.Pattern != nil {
		return &ValidationError{Field: "pattern", Reason: fmt.Sprintf("pattern data not allowed on kind %q", e.Kind)}
	}
	return nil
}

// dedupTags collapses duplicates while keeping first-seen order.
func dedupTags(tags []string) []string {
	if len(tags) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(tags))
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		if t == "" {
			continue
		}
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}
