package kb

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func TestExportImportRoundTrip(t *testing.T) {
	src, _, clock := newTestStore(t)
	ctx := context.Background()

	entries := []*Entry{
		{ID: "fact_1", Kind: KindFact, Title: "a", Body: "b", Tags: []string{"x"}, Confidence: 0.9},
		{ID: "proc_1", Kind: KindProcedure, Title: "steps", Body: "1 then 2", Confidence: 1},
		{ID: "pat_1", Kind: KindPattern, Title: "t", Body: "a", Confidence: 0.5, Pattern: &PatternData{
			TriggerConditions: []string{"t"}, Actions: []string{"a"}, Occurrences: 4, Successes: 3, Failures: 1,
		}},
		{ID: "fact_exp", Kind: KindFact, Title: "temp", Confidence: 1, ExpiresAt: clock.now.Add(time.Hour)},
	}
	for _, e := range entries {
		if err := src.Add(ctx, e); err != nil {
			t.Fatalf("Add %s: %v", e.ID, err)
		}
	}

	var buf bytes.Buffer
	if err := src.Export(&buf); err != nil {
		t.Fatalf("Export: %v", err)
	}

	dst, _, _ := newTestStore(t)
	count, err := dst.Import(ctx, &buf)
	if err != nil {
		t.Fatalf("Import: %v", err)
	}
	if count != len(entries) {
		t.Errorf("imported %d, want %d", count, len(entries))
	}
	if dst.Len() != len(entries) {
		t.Errorf("dst holds %d entries, want %d", dst.Len(), len(entries))
	}

	got, ok := dst.Get("pat_1")
	if !ok {
		t.Fatal("pattern entry missing after import")
	}
	if got.Pattern == nil || got.Pattern.Occurrences != 4 || got.Pattern.Successes != 3 {
		t.Errorf("pattern data lost in round trip: %+v", got.Pattern)
	}

	exp, _ := dst.Get("fact_exp")
	if exp.ExpiresAt.IsZero() {
		t.Error("expiry lost in round trip")
	}
}

func TestExportShape(t *testing.T) {
	s, _, _ := newTestStore(t)
	ctx := context.Background()

	if err := s.Add(ctx, &Entry{ID: "fact_1", Kind: KindFact, Title: "a", Body: "b", Confidence: 0.9}); err != nil {
		t.Fatalf("Add: %v", err)
	}

	var buf bytes.Buffer
	if err := s.Export(&buf); err != nil {
		t.Fatalf("Export: %v", err)
	}

	var out []map[string]any
	if err := json.Unmarshal(buf.Bytes(), &out); err != nil {
		t.Fatalf("export is not a JSON array: %v", err)
	}
	if len(out) != 1 {
		t.Fatalf("exported %d objects, want 1", len(out))
	}
	for _, field := range []string{"id", "kind", "title", "body", "confidence", "usage_count", "created_at", "updated_at", "metadata"} {
		if _, ok := out[0][field]; !ok {
			t.Errorf("export missing field %q", field)
		}
	}
	if _, ok := out[0]["expires_at"]; ok {
		t.Error("zero expiry serialized; expires_at should be omitted")
	}
	if _, ok := out[0]["pattern"]; ok {
		t.Error("nil pattern serialized; pattern should be omitted")
	}
}

func TestExportOrderedByID(t *testing.T) {
	s, _, _ := newTestStore(t)
	ctx := context.Background()

	for _, id := range []string{"c", "a", "b"} {
		if err := s.Add(ctx, &Entry{ID: id, Kind: KindFact, Title: id, Confidence: 1}); err != nil {
			t.Fatalf("Add: %v", err)
		}
	}

	var buf bytes.Buffer
	if err := s.Export(&buf); err != nil {
		t.Fatalf("Export: %v", err)
	}
	var out []ExportedEntry
	if err := json.Unmarshal(buf.Bytes(), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out[0].ID != "a" || out[1].ID != "b" || out[2].ID != "c" {
		t.Errorf("export order = %s %s %s, want a b c", out[0].ID, out[1].ID, out[2].ID)
	}
}

func TestImportMergesExisting(t *testing.T) {
	s, _, _ := newTestStore(t)
	ctx := context.Background()

	if err := s.Add(ctx, &Entry{ID: "fact_1", Kind: KindFact, Title: "a", Body: "old", Confidence: 0.9}); err != nil {
		t.Fatalf("Add: %v", err)
	}

	payload := `[{"id":"fact_1","kind":"fact","title":"a","body":"new","confidence":0.3,
		"created_at":"2024-01-01T00:00:00Z","updated_at":"2024-01-01T00:00:00Z","metadata":{"version":1}}]`
	count, err := s.Import(ctx, strings.NewReader(payload))
	if err != nil {
		t.Fatalf("Import: %v", err)
	}
	if count != 1 {
		t.Errorf("count = %d, want 1", count)
	}
	if s.Len() != 1 {
		t.Errorf("import duplicated the entry: %d", s.Len())
	}

	got, _ := s.Get("fact_1")
	if got.Body != "new" {
		t.Errorf("body = %q, want imported replacement", got.Body)
	}
	if got.Confidence != 0.9 {
		t.Errorf("confidence = %v, merge must keep the max", got.Confidence)
	}
}

func TestImportRejectsBadPayload(t *testing.T) {
	s, _, _ := newTestStore(t)
	ctx := context.Background()

	if _, err := s.Import(ctx, strings.NewReader("{not json")); err == nil {
		t.Error("invalid JSON accepted")
	}
	if _, err := s.Import(ctx, strings.NewReader(`[{"id":"x","kind":"wisdom","title":"t"}]`)); err == nil {
		t.Error("unknown kind accepted")
	}
}
