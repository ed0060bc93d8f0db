// Package embed provides the optional embedding backend for similarity
// search. The registry works without one; search then uses the keyword
// fallback strategy.
package embed

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"
)

// Backend abstracts an embedding provider. The store treats it as a
// stateless dependency; concurrent calls are issued without throttling
// beyond the batch bound below.
type Backend interface {
	// Embed returns the embedding vector for the given text.
	Embed(ctx context.Context, text string) ([]float32, error)

	// IsRunning reports whether the backend is reachable.
	IsRunning(ctx context.Context) bool

	// Model returns the embedding model name, recorded alongside vectors.
	Model() string
}

// Batch returns embedding vectors for multiple texts concurrently,
// bounded to 4 in-flight requests. Returns nil for empty input.
func Batch(ctx context.Context, b Backend, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	results := make([][]float32, len(texts))
	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(4)

	for i, text := range texts {
		g.Go(func() error {
			vec, err := b.Embed(gCtx, text)
			if err != nil {
				return fmt.Errorf("embedding text %d: %w", i, err)
			}
			results[i] = vec
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}
