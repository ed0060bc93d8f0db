package kb

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"
)

// ExportedEntry is the wire shape of one entry in an export file: a flat
// JSON object matching the persisted column names. Embeddings are never
// exported; they are regenerated on import when a backend is configured.
type ExportedEntry struct {
	ID         string       `json:"id"`
	Kind       string       `json:"kind"`
	Title      string       `json:"title"`
	Body       string       `json:"body"`
	Tags       []string     `json:"tags"`
	Confidence float64      `json:"confidence"`
	UsageCount int          `json:"usage_count"`
	CreatedAt  time.Time    `json:"created_at"`
	UpdatedAt  time.Time    `json:"updated_at"`
	ExpiresAt  *time.Time   `json:"expires_at,omitempty"`
	Metadata   Meta         `json:"metadata"`
	Pattern    *PatternData `json:"pattern,omitempty"`
}

// Export writes every entry as a flat JSON array.
func (s *Store) Export(w io.Writer) error {
	entries := s.All()
	out := make([]ExportedEntry, len(entries))
	for i, e := range entries {
		out[i] = ExportedEntry{
			ID:         e.ID,
			Kind:       string(e.Kind),
			Title:      e.Title,
			Body:       e.Body,
			Tags:       e.Tags,
			Confidence: e.Confidence,
			UsageCount: e.UsageCount,
			CreatedAt:  e.CreatedAt,
			UpdatedAt:  e.UpdatedAt,
			Metadata:   e.Meta,
			Pattern:    e.Pattern,
		}
		if !e.ExpiresAt.IsZero() {
			t := e.ExpiresAt
			out[i].ExpiresAt = &t
		}
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

// Import reads a flat JSON array of entries and adds each through the
// normal Add path, so existing ids merge instead of duplicating and
// embedding jobs are enqueued for the new text. Returns the number of
// entries processed. Timestamps are refreshed on import: an import is a
// mutation, not a byte-level restore.
func (s *Store) Import(ctx context.Context, r io.Reader) (int, error) {
	var in []ExportedEntry
	if err := json.NewDecoder(r).Decode(&in); err != nil {
		return 0, fmt.Errorf("decoding import payload: %w", err)
	}

	count := 0
	for i, x := range in {
		kind, err := ParseKind(x.Kind)
		if err != nil {
			return count, fmt.Errorf("import entry %d: %w", i, err)
		}
		e := &Entry{
			ID:         x.ID,
			Kind:       kind,
			Title:      x.Title,
			Body:       x.Body,
			Tags:       x.Tags,
			Confidence: x.Confidence,
			UsageCount: x.UsageCount,
			Meta:       x.Metadata,
			Pattern:    x.Pattern,
		}
		if x.ExpiresAt != nil {
			e.ExpiresAt = *x.ExpiresAt
		}
		if err := s.Add(ctx, e); err != nil {
			return count, fmt.Errorf("import entry %d (%s): %w", i, x.ID, err)
		}
		count++
	}
	return count, nil
}
