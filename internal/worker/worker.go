// Package worker runs the embedding backfill loop: it drains embed jobs
// from the SQLite queue, computes vectors for entry text, and feeds them
// into both the durable side channel and the in-memory cache.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/recallkb/recall/internal/kb"
	"github.com/recallkb/recall/internal/metrics"
	"github.com/recallkb/recall/internal/storage"
)

// JobStore abstracts the job queue and embedding persistence.
type JobStore interface {
	ClaimNextJob(ctx context.Context, types []string) (*storage.Job, error)
	CompleteJob(ctx context.Context, id string) error
	FailJob(ctx context.Context, id string, errMsg string) error
	SaveEmbedding(ctx context.Context, entryID string, vector []float32, model string) error
}

// Registry is the slice of the kb store the worker needs: text lookup
// going in, computed vectors coming back.
type Registry interface {
	Get(id string) (*kb.Entry, bool)
	SetEmbedding(id string, vec []float32)
}

// Backend computes embeddings.
type Backend interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Model() string
}

// Worker processes embed_entry jobs from the SQLite job queue.
type Worker struct {
	store    JobStore
	registry Registry
	backend  Backend
	poll     time.Duration
	logger   *slog.Logger
}

// New creates a Worker. If pollInterval is <= 0, it defaults to 500ms.
func New(store JobStore, registry Registry, backend Backend, pollInterval time.Duration) *Worker {
	if pollInterval <= 0 {
		pollInterval = 500 * time.Millisecond
	}
	return &Worker{
		store:    store,
		registry: registry,
		backend:  backend,
		poll:     pollInterval,
		logger:   slog.Default(),
	}
}

// Run polls for jobs until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		done, err := w.RunOnce(ctx)
		if err != nil {
			w.logger.Error("worker iteration failed", "error", err)
		}
		if done {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(w.poll):
		}
	}
}

// RunOnce claims and processes a single embed job. Returns true if a job
// was processed (regardless of success/failure).
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	job, err := w.store.ClaimNextJob(ctx, []string{storage.JobTypeEmbed})
	if err != nil {
		return false, fmt.Errorf("claiming job: %w", err)
	}
	if job == nil {
		return false, nil
	}

	if err := w.processJob(ctx, job); err != nil {
		w.logger.Warn("embed job failed", "job_id", job.ID, "error", err)
		metrics.EmbedJobs.WithLabelValues("failed").Inc()
		if failErr := w.store.FailJob(ctx, job.ID, err.Error()); failErr != nil {
			w.logger.Error("failed to mark job as failed", "job_id", job.ID, "error", failErr)
		}
		return true, nil
	}

	if err := w.store.CompleteJob(ctx, job.ID); err != nil {
		return true, fmt.Errorf("completing job %s: %w", job.ID, err)
	}
	metrics.EmbedJobs.WithLabelValues("completed").Inc()
	return true, nil
}

func (w *Worker) processJob(ctx context.Context, job *storage.Job) error {
	var payload storage.EmbedPayload
	if err := json.Unmarshal([]byte(job.PayloadJSON), &payload); err != nil {
		return fmt.Errorf("parsing payload: %w", err)
	}

	entry, ok := w.registry.Get(payload.EntryID)
	if !ok {
		// Entry removed after the job was queued. Nothing to embed.
		w.logger.Debug("skipping embed for removed entry", "entry_id", payload.EntryID)
		return nil
	}

	vec, err := w.backend.Embed(ctx, EmbedText(entry))
	if err != nil {
		return fmt.Errorf("embedding entry %s: %w", entry.ID, err)
	}

	// Durable copy first, then the in-memory cache, mirroring the
	// persist-first ordering of the store itself.
	if err := w.store.SaveEmbedding(ctx, entry.ID, vec, w.backend.Model()); err != nil {
		return fmt.Errorf("saving embedding for %s: %w", entry.ID, err)
	}
	w.registry.SetEmbedding(entry.ID, vec)

	w.logger.Debug("embedded entry", "entry_id", entry.ID, "dims", len(vec))
	return nil
}

// EmbedText is the canonical embedding input for an entry: title and body
// joined by a blank line. Keep in sync with whatever re-embed triggers
// consider "text changed".
func EmbedText(e *kb.Entry) string {
	if e.Title == "" {
		return e.Body
	}
	if e.Body == "" {
		return e.Title
	}
	return e.Title + "\n\n" + e.Body
}
