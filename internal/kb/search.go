package kb

import (
	"context"
	"sort"
)

// Search strategy names, reported on results for observability.
const (
	StrategyEmbedding = "embedding"
	StrategyKeyword   = "keyword"
)

// SearchResult pairs an entry with its relevance score. The Entry reflects
// state after the retrieval usage bump.
type SearchResult struct {
	Entry    *Entry
	Score    float64
	Strategy string
}

// Search returns the top limit entries for a free-text query, narrowed by
// kind first when kindFilter is non-empty. With an embedding backend
// configured and vectors cached, ranking is cosine similarity; any
// embedding failure or absence degrades to the deterministic keyword
// scorer and is never surfaced as an error. Every returned entry has its
// usage_count incremented and persisted: retrieval counts as use.
func (s *Store) Search(ctx context.Context, query string, limit int, kindFilter Kind) ([]SearchResult, error) {
	if limit <= 0 {
		limit = 10
	}

	// Embed the query before candidate selection; it is the only blocking
	// call and must not run under the store lock.
	var queryVec []float32
	if s.embedder != nil {
		vec, err := s.embedder.Embed(ctx, query)
		if err != nil {
			s.logger.Debug("query embedding failed, falling back to keyword scoring", "error", err)
		} else {
			queryVec = vec
		}
	}

	candidates, candidateVecs := s.snapshotCandidates(kindFilter)
	if len(candidates) == 0 {
		return nil, nil
	}

	strategy := StrategyKeyword
	var results []SearchResult
	if queryVec != nil {
		results = rankByCosine(candidates, candidateVecs, queryVec)
		if len(results) > 0 {
			strategy = StrategyEmbedding
		}
	}
	if strategy == StrategyKeyword {
		results = rankByKeyword(candidates, query)
	}

	if len(results) > limit {
		results = results[:limit]
	}
	if len(results) == 0 {
		return nil, nil
	}

	if err := s.bumpUsage(ctx, results); err != nil {
		return nil, err
	}
	for i := range results {
		results[i].Strategy = strategy
	}
	return results, nil
}

// Related finds entries similar to a reference entry. With cached vectors
// the result is ranked by cosine similarity against every other embedded
// entry. Without them the fallback is deliberately weaker: the unscored,
// deduplicated union of entries sharing at least one tag, in first-seen
// order. The asymmetry is part of the contract; callers that need ranked
// related entries must configure an embedding backend.
func (s *Store) Related(id string, limit int) ([]*Entry, error) {
	if limit <= 0 {
		limit = 10
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	ref, ok := s.entries[id]
	if !ok {
		return nil, ErrNotFound
	}

	if refVec, ok := s.vectors[id]; ok {
		type scored struct {
			e     *Entry
			score float64
		}
		var ranked []scored
		for otherID, vec := range s.vectors {
			if otherID == id {
				continue
			}
			e, ok := s.entries[otherID]
			if !ok {
				continue
			}
			ranked = append(ranked, scored{e: e, score: Cosine(refVec, vec)})
		}
		sort.Slice(ranked, func(i, j int) bool {
			if ranked[i].score != ranked[j].score {
				return ranked[i].score > ranked[j].score
			}
			if ranked[i].e.UsageCount != ranked[j].e.UsageCount {
				return ranked[i].e.UsageCount > ranked[j].e.UsageCount
			}
			return ranked[i].e.ID < ranked[j].e.ID
		})
		if len(ranked) > limit {
			ranked = ranked[:limit]
		}
		out := make([]*Entry, len(ranked))
		for i, r := range ranked {
			out[i] = r.e.clone()
		}
		return out, nil
	}

	// Tag-intersection fallback. Tags are walked in the reference entry's
	// order and ids within a tag in sorted order, so the "first seen"
	// sequence is deterministic.
	seen := map[string]struct{}{id: {}}
	var out []*Entry
	for _, t := range ref.Tags {
		ids := make([]string, 0, len(s.tagIndex[t]))
		for otherID := range s.tagIndex[t] {
			ids = append(ids, otherID)
		}
		sort.Strings(ids)
		for _, otherID := range ids {
			if _, dup := seen[otherID]; dup {
				continue
			}
			seen[otherID] = struct{}{}
			if e, ok := s.entries[otherID]; ok {
				out = append(out, e.clone())
				if len(out) >= limit {
					return out, nil
				}
			}
		}
	}
	return out, nil
}

// snapshotCandidates clones the candidate set (narrowed by kind when
// requested) plus their cached vectors under the read lock.
func (s *Store) snapshotCandidates(kindFilter Kind) ([]*Entry, map[string][]float32) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var candidates []*Entry
	if kindFilter != "" {
		for id := range s.kindIndex[kindFilter] {
			if e, ok := s.entries[id]; ok {
				candidates = append(candidates, e.clone())
			}
		}
	} else {
		for _, e := range s.entries {
			candidates = append(candidates, e.clone())
		}
	}

	vecs := make(map[string][]float32, len(candidates))
	for _, e := range candidates {
		if v, ok := s.vectors[e.ID]; ok {
			vecs[e.ID] = v
		}
	}
	return candidates, vecs
}

func rankByCosine(candidates []*Entry, vecs map[string][]float32, queryVec []float32) []SearchResult {
	var results []SearchResult
	for _, e := range candidates {
		vec, ok := vecs[e.ID]
		if !ok {
			continue
		}
		results = append(results, SearchResult{Entry: e, Score: Cosine(queryVec, vec)})
	}
	sortResults(results)
	return results
}

func rankByKeyword(candidates []*Entry, query string) []SearchResult {
	var results []SearchResult
	for _, e := range candidates {
		score := KeywordScore(e, query)
		if score <= 0 {
			continue
		}
		results = append(results, SearchResult{Entry: e, Score: score})
	}
	sortResults(results)
	return results
}

// sortResults orders by score descending, breaking ties by higher
// usage_count, then id for determinism.
func sortResults(results []SearchResult) {
	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		if results[i].Entry.UsageCount != results[j].Entry.UsageCount {
			return results[i].Entry.UsageCount > results[j].Entry.UsageCount
		}
		return results[i].Entry.ID < results[j].Entry.ID
	})
}

// bumpUsage increments and persists usage_count for every returned entry.
// Persist-first ordering applies here too; a failed write aborts the bump
// for that entry and surfaces the error.
func (s *Store) bumpUsage(ctx context.Context, results []SearchResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	for i, r := range results {
		current, ok := s.entries[r.Entry.ID]
		if !ok {
			continue // removed between scoring and bump
		}
		next := current.clone()
		next.UsageCount++
		next.UpdatedAt = now

		if err := s.persister.SaveEntry(ctx, next); err != nil {
			return &PersistenceError{Op: "save", ID: next.ID, Err: err}
		}
		s.entries[next.ID] = next
		results[i].Entry = next.clone()
	}
	return nil
}
