package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/recallkb/recall/internal/kb"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testEntry(id string) *kb.Entry {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	return &kb.Entry{
		ID:         id,
		Kind:       kb.KindFact,
		Title:      "Deploy window",
		Body:       "Deploys happen Tuesdays",
		Tags:       []string{"ops", "deploy"},
		Confidence: 0.8,
		UsageCount: 2,
		CreatedAt:  now,
		UpdatedAt:  now,
		Meta:       kb.Meta{Version: 1, Source: "cli", Extra: map[string]string{"team": "platform"}},
	}
}

func TestMigrations(t *testing.T) {
	s := openTestStore(t)

	versions, err := s.AppliedMigrations()
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}
	if len(versions) == 0 {
		t.Fatal("no migrations applied")
	}
	for i := 1; i < len(versions); i++ {
		if versions[i] <= versions[i-1] {
			t.Errorf("migration versions not ascending: %v", versions)
		}
	}

	// Re-running migrations against the same database must be a no-op.
	if err := s.migrate(); err != nil {
		t.Fatalf("second migrate: %v", err)
	}
	again, err := s.AppliedMigrations()
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}
	if len(again) != len(versions) {
		t.Errorf("migrations reapplied: %d vs %d", len(again), len(versions))
	}
}

func TestMigrationIndexes(t *testing.T) {
	s := openTestStore(t)

	rows, err := s.db.Query(`SELECT name FROM sqlite_master WHERE type = 'index' AND name LIKE 'idx_%'`)
	if err != nil {
		t.Fatalf("querying indexes: %v", err)
	}
	defer rows.Close()

	got := map[string]bool{}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			t.Fatalf("scan: %v", err)
		}
		got[name] = true
	}
	for _, want := range []string{"idx_entries_kind", "idx_entries_created", "idx_entries_usage", "idx_jobs_status_run_after"} {
		if !got[want] {
			t.Errorf("index %s missing, have %v", want, got)
		}
	}
}

func TestSaveLoadEntryRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	in := testEntry("fact_1")
	in.ExpiresAt = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	if err := s.SaveEntry(ctx, in); err != nil {
		t.Fatalf("SaveEntry: %v", err)
	}

	out, err := s.GetEntry(ctx, "fact_1")
	if err != nil {
		t.Fatalf("GetEntry: %v", err)
	}
	if out.Kind != in.Kind || out.Title != in.Title || out.Body != in.Body {
		t.Errorf("content mismatch: %+v", out)
	}
	if out.Confidence != in.Confidence || out.UsageCount != in.UsageCount {
		t.Errorf("counters mismatch: %+v", out)
	}
	if len(out.Tags) != 2 || out.Tags[0] != "ops" {
		t.Errorf("tags = %v", out.Tags)
	}
	if !out.CreatedAt.Equal(in.CreatedAt) || !out.ExpiresAt.Equal(in.ExpiresAt) {
		t.Errorf("timestamps mismatch: created %v expires %v", out.CreatedAt, out.ExpiresAt)
	}
	if out.Meta.Source != "cli" || out.Meta.Extra["team"] != "platform" {
		t.Errorf("metadata mismatch: %+v", out.Meta)
	}
}

func TestSaveEntryUpsert(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	e := testEntry("fact_1")
	if err := s.SaveEntry(ctx, e); err != nil {
		t.Fatalf("SaveEntry: %v", err)
	}
	e.Body = "changed"
	e.UsageCount = 9
	if err := s.SaveEntry(ctx, e); err != nil {
		t.Fatalf("upsert SaveEntry: %v", err)
	}

	out, err := s.GetEntry(ctx, "fact_1")
	if err != nil {
		t.Fatalf("GetEntry: %v", err)
	}
	if out.Body != "changed" || out.UsageCount != 9 {
		t.Errorf("upsert did not replace: %+v", out)
	}
	count, err := s.CountEntries(ctx)
	if err != nil {
		t.Fatalf("CountEntries: %v", err)
	}
	if count != 1 {
		t.Errorf("count = %d, want 1", count)
	}
}

func TestSavePatternEntry(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	in := testEntry("pattern_1")
	in.Kind = kb.KindPattern
	in.Pattern = &kb.PatternData{
		TriggerConditions: []string{"tests failing"},
		Actions:           []string{"clear cache"},
		Occurrences:       3,
		Successes:         2,
		Failures:          1,
	}
	if err := s.SaveEntry(ctx, in); err != nil {
		t.Fatalf("SaveEntry: %v", err)
	}

	out, err := s.GetEntry(ctx, "pattern_1")
	if err != nil {
		t.Fatalf("GetEntry: %v", err)
	}
	if out.Pattern == nil {
		t.Fatal("pattern data not persisted")
	}
	if out.Pattern.Occurrences != 3 || out.Pattern.Successes != 2 || out.Pattern.Failures != 1 {
		t.Errorf("pattern counters = %+v", out.Pattern)
	}
	if len(out.Pattern.TriggerConditions) != 1 || out.Pattern.TriggerConditions[0] != "tests failing" {
		t.Errorf("triggers = %v", out.Pattern.TriggerConditions)
	}
}

func TestDeleteEntry(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.SaveEntry(ctx, testEntry("fact_1")); err != nil {
		t.Fatalf("SaveEntry: %v", err)
	}
	if err := s.SaveEmbedding(ctx, "fact_1", []float32{1, 2, 3}, "test-model"); err != nil {
		t.Fatalf("SaveEmbedding: %v", err)
	}

	if err := s.DeleteEntry(ctx, "fact_1"); err != nil {
		t.Fatalf("DeleteEntry: %v", err)
	}
	if _, err := s.GetEntry(ctx, "fact_1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetEntry after delete: %v, want ErrNotFound", err)
	}

	// The embedding row goes with the entry.
	vectors, err := s.LoadEmbeddings(ctx)
	if err != nil {
		t.Fatalf("LoadEmbeddings: %v", err)
	}
	if _, ok := vectors["fact_1"]; ok {
		t.Error("embedding row survived entry deletion")
	}

	if err := s.DeleteEntry(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("DeleteEntry(missing): %v, want ErrNotFound", err)
	}
}

func TestLoadEntriesSkipsExpired(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	asOf := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	live := testEntry("fact_live")
	expired := testEntry("fact_expired")
	expired.ExpiresAt = asOf.Add(-time.Hour)
	forever := testEntry("fact_forever")
	for _, e := range []*kb.Entry{live, expired, forever} {
		if err := s.SaveEntry(ctx, e); err != nil {
			t.Fatalf("SaveEntry: %v", err)
		}
	}

	entries, err := s.LoadEntries(ctx, asOf)
	if err != nil {
		t.Fatalf("LoadEntries: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("loaded %d entries, want 2", len(entries))
	}
	for _, e := range entries {
		if e.ID == "fact_expired" {
			t.Error("expired entry loaded")
		}
	}
}

func TestEmbeddingRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.SaveEntry(ctx, testEntry("fact_1")); err != nil {
		t.Fatalf("SaveEntry: %v", err)
	}
	vec := []float32{0.1, -0.5, 2.25, 0}
	if err := s.SaveEmbedding(ctx, "fact_1", vec, "nomic-embed-text"); err != nil {
		t.Fatalf("SaveEmbedding: %v", err)
	}

	vectors, err := s.LoadEmbeddings(ctx)
	if err != nil {
		t.Fatalf("LoadEmbeddings: %v", err)
	}
	got, ok := vectors["fact_1"]
	if !ok {
		t.Fatal("embedding missing")
	}
	if len(got) != len(vec) {
		t.Fatalf("dims = %d, want %d", len(got), len(vec))
	}
	for i := range vec {
		if got[i] != vec[i] {
			t.Errorf("vec[%d] = %v, want %v", i, got[i], vec[i])
		}
	}

	// Upsert replaces the vector.
	if err := s.SaveEmbedding(ctx, "fact_1", []float32{9}, "nomic-embed-text"); err != nil {
		t.Fatalf("upsert SaveEmbedding: %v", err)
	}
	count, err := s.CountEmbeddings(ctx)
	if err != nil {
		t.Fatalf("CountEmbeddings: %v", err)
	}
	if count != 1 {
		t.Errorf("count = %d, want 1", count)
	}
}

func TestDecodeFloat32sCorruption(t *testing.T) {
	if _, err := decodeFloat32s([]byte{1, 2, 3}); err == nil {
		t.Error("truncated blob accepted")
	}
}

func TestJobLifecycle(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.EnqueueEmbed(ctx, "fact_1"); err != nil {
		t.Fatalf("EnqueueEmbed: %v", err)
	}
	// Same entry pending: no duplicate.
	if err := s.EnqueueEmbed(ctx, "fact_1"); err != nil {
		t.Fatalf("EnqueueEmbed: %v", err)
	}
	pending, err := s.PendingJobs(ctx, JobTypeEmbed)
	if err != nil {
		t.Fatalf("PendingJobs: %v", err)
	}
	if pending != 1 {
		t.Errorf("pending = %d, want 1 (dedup)", pending)
	}

	job, err := s.ClaimNextJob(ctx, []string{JobTypeEmbed})
	if err != nil {
		t.Fatalf("ClaimNextJob: %v", err)
	}
	if job == nil {
		t.Fatal("no job claimed")
	}
	if job.Status != "running" {
		t.Errorf("status = %s, want running", job.Status)
	}

	// Nothing else runnable while the job is running.
	second, err := s.ClaimNextJob(ctx, []string{JobTypeEmbed})
	if err != nil {
		t.Fatalf("ClaimNextJob: %v", err)
	}
	if second != nil {
		t.Errorf("claimed a running job: %+v", second)
	}

	if err := s.CompleteJob(ctx, job.ID); err != nil {
		t.Fatalf("CompleteJob: %v", err)
	}
	if err := s.CompleteJob(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("CompleteJob(missing): %v, want ErrNotFound", err)
	}
}

func TestFailJobBackoffAndExhaustion(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	job := Job{ID: "job_1", Type: JobTypeEmbed, PayloadJSON: `{"entry_id":"x"}`, MaxAttempts: 2}
	if err := s.EnqueueJob(ctx, job); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}

	claimed, err := s.ClaimNextJob(ctx, []string{JobTypeEmbed})
	if err != nil || claimed == nil {
		t.Fatalf("ClaimNextJob: %v, %v", claimed, err)
	}

	// First failure: back to pending with a future run_after.
	if err := s.FailJob(ctx, claimed.ID, "backend down"); err != nil {
		t.Fatalf("FailJob: %v", err)
	}
	var status, runAfter, lastError string
	if err := s.db.QueryRow(`SELECT status, run_after, last_error FROM jobs WHERE id = ?`, claimed.ID).
		Scan(&status, &runAfter, &lastError); err != nil {
		t.Fatalf("querying job: %v", err)
	}
	if status != "pending" {
		t.Errorf("status = %s, want pending for retry", status)
	}
	if lastError != "backend down" {
		t.Errorf("last_error = %q", lastError)
	}
	ra, err := time.Parse(time.RFC3339, runAfter)
	if err != nil {
		t.Fatalf("parsing run_after: %v", err)
	}
	if !ra.After(time.Now().UTC()) {
		t.Error("run_after not pushed into the future")
	}

	// The backed-off job must not be immediately claimable.
	if j, _ := s.ClaimNextJob(ctx, []string{JobTypeEmbed}); j != nil {
		t.Error("claimed a backed-off job before run_after")
	}

	// Second failure exhausts max_attempts.
	if err := s.FailJob(ctx, claimed.ID, "backend still down"); err != nil {
		t.Fatalf("FailJob: %v", err)
	}
	if err := s.db.QueryRow(`SELECT status FROM jobs WHERE id = ?`, claimed.ID).Scan(&status); err != nil {
		t.Fatalf("querying job: %v", err)
	}
	if status != "failed" {
		t.Errorf("status = %s, want failed after exhausting attempts", status)
	}

	if err := s.FailJob(ctx, "missing", "x"); !errors.Is(err, ErrNotFound) {
		t.Errorf("FailJob(missing): %v, want ErrNotFound", err)
	}
}
