// Package kb implements the knowledge registry: an in-memory entry store
// with tag and kind indices, write-through SQLite persistence, and
// similarity search over the indexed entries.
//
// The store owns the authoritative entries for the process lifetime.
// Durable state is a mirror: every mutation is persisted before memory
// is touched, so a failed write never leaves memory ahead of disk.
package kb

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Persister is the durable mirror of the store. Implemented by storage.Store.
type Persister interface {
	SaveEntry(ctx context.Context, e *Entry) error
	DeleteEntry(ctx context.Context, id string) error
}

// EmbedQueue enqueues asynchronous embedding jobs for entries whose
// text changed. Implemented by the storage job queue.
type EmbedQueue interface {
	EnqueueEmbed(ctx context.Context, entryID string) error
}

// Embedder produces a vector for free text. Used at search time for the
// query; entry vectors arrive through the backfill worker.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Clock abstracts time for testability.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now().UTC() }

// StoreOptions carries the optional collaborators of a Store.
type StoreOptions struct {
	Embedder Embedder     // nil disables the embedding search strategy
	Queue    EmbedQueue   // nil disables async embedding backfill
	Clock    Clock        // nil uses the real clock
	Logger   *slog.Logger // nil uses slog.Default()
}

// Store is the single source of truth for in-memory entries and their
// secondary indices. Mutations serialize through one lock; reads take
// the shared lock so they never observe a half-applied index.
type Store struct {
	persister Persister
	queue     EmbedQueue
	embedder  Embedder
	clock     Clock
	logger    *slog.Logger

	mu        sync.RWMutex
	entries   map[string]*Entry
	tagIndex  map[string]map[string]struct{}
	kindIndex map[Kind]map[string]struct{}
	vectors   map[string][]float32 // embedding side channel, never persisted in the entries row
}

// NewStore creates an empty Store writing through to the given Persister.
func NewStore(p Persister, opts StoreOptions) *Store {
	clock := opts.Clock
	if clock == nil {
		clock = realClock{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		persister: p,
		queue:     opts.Queue,
		embedder:  opts.Embedder,
		clock:     clock,
		logger:    logger,
		entries:   make(map[string]*Entry),
		tagIndex:  make(map[string]map[string]struct{}),
		kindIndex: make(map[Kind]map[string]struct{}),
		vectors:   make(map[string][]float32),
	}
}

// Load repopulates the store from persisted entries and rebuilds both
// indices in a single pass. Called once at startup, before any traffic.
func (s *Store) Load(entries []*Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, e := range entries {
		c := e.clone()
		c.Tags = dedupTags(c.Tags)
		s.entries[c.ID] = c
		s.reindex(c.ID, nil, c)
	}
}

// LoadVectors seeds the embedding cache from the persisted side channel.
func (s *Store) LoadVectors(vectors map[string][]float32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, vec := range vectors {
		if _, ok := s.entries[id]; ok {
			s.vectors[id] = vec
		}
	}
}

// DeriveID builds the deterministic id for an entry without one:
// "{kind}_{first 8 hex chars of the content hash}".
func DeriveID(kind Kind, title, body string) string {
	sum := sha256.Sum256([]byte(title + "\n" + body))
	return fmt.Sprintf("%s_%s", kind, hex.EncodeToString(sum[:])[:8])
}

// Add inserts an entry, or merges when the id already exists: content is
// replaced, confidence is raised to the max of both sides, usage_count is
// incremented by one and never reset. The durable write happens first;
// on failure memory is left untouched and a *PersistenceError is returned.
func (s *Store) Add(ctx context.Context, e *Entry) error {
	in := e.clone()
	in.Tags = dedupTags(in.Tags)
	if err := in.validate(); err != nil {
		return err
	}
	if in.ID == "" {
		in.ID = DeriveID(in.Kind, in.Title, in.Body)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	prev, exists := s.entries[in.ID]

	var next *Entry
	if exists {
		if prev.Kind != in.Kind {
			return &ValidationError{Field: "kind", Reason: fmt.Sprintf("id %s already holds kind %q", in.ID, prev.Kind)}
		}
		next = in
		next.CreatedAt = prev.CreatedAt
		next.UpdatedAt = now
		next.UsageCount = prev.UsageCount + 1
		if prev.Confidence > next.Confidence {
			next.Confidence = prev.Confidence
		}
		if next.Pattern != nil && prev.Pattern != nil {
			next.Pattern.Occurrences += prev.Pattern.Occurrences
			next.Pattern.Successes += prev.Pattern.Successes
			next.Pattern.Failures += prev.Pattern.Failures
		}
	} else {
		next = in
		next.CreatedAt = now
		next.UpdatedAt = now
	}

	if err := s.persister.SaveEntry(ctx, next); err != nil {
		return &PersistenceError{Op: "save", ID: next.ID, Err: err}
	}

	s.entries[next.ID] = next
	s.reindex(next.ID, prev, next)

	textChanged := !exists || prev.Title != next.Title || prev.Body != next.Body
	if textChanged {
		delete(s.vectors, next.ID)
		s.enqueueEmbed(ctx, next.ID)
	}

	e.ID = next.ID
	return nil
}

// Get is an O(1) in-memory lookup. It never touches persistence and does
// not count as a retrieval for usage accounting.
func (s *Store) Get(id string) (*Entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[id]
	if !ok {
		return nil, false
	}
	return e.clone(), true
}

// Len returns the number of entries currently held in memory.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Remove deletes an entry from memory, both indices, and the persisted
// row. Returns false with no error when the id is unknown.
func (s *Store) Remove(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev, ok := s.entries[id]
	if !ok {
		return false, nil
	}

	if err := s.persister.DeleteEntry(ctx, id); err != nil {
		return false, &PersistenceError{Op: "delete", ID: id, Err: err}
	}

	delete(s.entries, id)
	delete(s.vectors, id)
	s.reindex(id, prev, nil)
	return true, nil
}

// FieldChanges is a partial update: nil fields are left as they are.
type FieldChanges struct {
	Title      *string
	Body       *string
	Tags       []string // nil means unchanged; empty slice clears all tags
	Confidence *float64
	ExpiresAt  *time.Time
	Meta       *Meta
	Pattern    *PatternData
}

// Update applies a partial update to an existing entry. Tag changes
// recompute index membership; title or body changes invalidate the cached
// embedding and enqueue a re-embed. Returns false when the id is unknown.
func (s *Store) Update(ctx context.Context, id string, ch FieldChanges) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev, ok := s.entries[id]
	if !ok {
		return false, nil
	}

	next := prev.clone()
	if ch.Title != nil {
		next.Title = *ch.Title
	}
	if ch.Body != nil {
		next.Body = *ch.Body
	}
	if ch.Tags != nil {
		next.Tags = dedupTags(ch.Tags)
	}
	if ch.Confidence != nil {
		next.Confidence = *ch.Confidence
	}
	if ch.ExpiresAt != nil {
		next.ExpiresAt = *ch.ExpiresAt
	}
	if ch.Meta != nil {
		next.Meta = *ch.Meta
	}
	if ch.Pattern != nil {
		p := *ch.Pattern
		next.Pattern = &p
	}
	next.UpdatedAt = s.clock.Now()

	if err := next.validate(); err != nil {
		return false, err
	}

	if err := s.persister.SaveEntry(ctx, next); err != nil {
		return false, &PersistenceError{Op: "save", ID: id, Err: err}
	}

	s.entries[id] = next
	s.reindex(id, prev, next)

	if prev.Title != next.Title || prev.Body != next.Body {
		delete(s.vectors, id)
		s.enqueueEmbed(ctx, id)
	}
	return true, nil
}

// ListByTag returns entries whose tag set intersects the requested tags,
// or is a superset of them when matchAll is set. Resolution goes through
// the tag index, never a full scan. Results are ordered by id.
func (s *Store) ListByTag(tags []string, matchAll bool) []*Entry {
	tags = dedupTags(tags)
	if len(tags) == 0 {
		return nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var ids map[string]struct{}
	if matchAll {
		ids = s.intersectTagSets(tags)
	} else {
		ids = s.unionTagSets(tags)
	}
	return s.collect(ids)
}

// ListByKind returns all entries of the given kind via the kind index,
// ordered by id.
func (s *Store) ListByKind(kind Kind) []*Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.collect(s.kindIndex[kind])
}

// All returns a snapshot of every entry, ordered by id. Used by export.
func (s *Store) All() []*Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Entry, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Tags returns every indexed tag with its entry count, sorted by tag.
func (s *Store) Tags() map[string]int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]int, len(s.tagIndex))
	for tag, ids := range s.tagIndex {
		out[tag] = len(ids)
	}
	return out
}

// CleanupExpired removes every entry whose expiry has passed, from memory,
// indices, and the persisted table. This is the one deliberate O(n) scan
// in the store; expiry is rare. Returns the number of entries removed.
func (s *Store) CleanupExpired(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	var expired []string
	for id, e := range s.entries {
		if e.Expired(now) {
			expired = append(expired, id)
		}
	}
	sort.Strings(expired)

	removed := 0
	for _, id := range expired {
		if err := s.persister.DeleteEntry(ctx, id); err != nil {
			return removed, &PersistenceError{Op: "delete", ID: id, Err: err}
		}
		prev := s.entries[id]
		delete(s.entries, id)
		delete(s.vectors, id)
		s.reindex(id, prev, nil)
		removed++
	}
	return removed, nil
}

// SetEmbedding stores a computed vector in the in-memory side channel.
// Called by the backfill worker after the durable copy is written.
// Vectors for unknown ids are dropped (the entry was removed meanwhile).
func (s *Store) SetEmbedding(id string, vec []float32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[id]; !ok {
		return
	}
	s.vectors[id] = vec
}

// HasEmbedding reports whether a cached vector exists for the entry.
func (s *Store) HasEmbedding(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.vectors[id]
	return ok
}

// --- internals (callers hold s.mu) ---

// reindex moves an entry's index memberships from its previous state to
// its next state. Either side may be nil (insert / delete). Index updates
// happen atomically inside the mutation lock, so readers never observe a
// tag pointing at a missing entry or vice versa.
func (s *Store) reindex(id string, prev, next *Entry) {
	if prev != nil {
		for _, t := range prev.Tags {
			if next != nil && next.HasTag(t) {
				continue
			}
			if set, ok := s.tagIndex[t]; ok {
				delete(set, id)
				if len(set) == 0 {
					delete(s.tagIndex, t)
				}
			}
		}
		if next == nil || next.Kind != prev.Kind {
			if set, ok := s.kindIndex[prev.Kind]; ok {
				delete(set, id)
				if len(set) == 0 {
					delete(s.kindIndex, prev.Kind)
				}
			}
		}
	}
	if next != nil {
		for _, t := range next.Tags {
			set, ok := s.tagIndex[t]
			if !ok {
				set = make(map[string]struct{})
				s.tagIndex[t] = set
			}
			set[id] = struct{}{}
		}
		set, ok := s.kindIndex[next.Kind]
		if !ok {
			set = make(map[string]struct{})
			s.kindIndex[next.Kind] = set
		}
		set[id] = struct{}{}
	}
}

func (s *Store) unionTagSets(tags []string) map[string]struct{} {
	ids := make(map[string]struct{})
	for _, t := range tags {
		for id := range s.tagIndex[t] {
			ids[id] = struct{}{}
		}
	}
	return ids
}

func (s *Store) intersectTagSets(tags []string) map[string]struct{} {
	ids := make(map[string]struct{})
	for id := range s.tagIndex[tags[0]] {
		ids[id] = struct{}{}
	}
	for _, t := range tags[1:] {
		set := s.tagIndex[t]
		for id := range ids {
			if _, ok := set[id]; !ok {
				delete(ids, id)
			}
		}
	}
	return ids
}

func (s *Store) collect(ids map[string]struct{}) []*Entry {
	if len(ids) == 0 {
		return nil
	}
	out := make([]*Entry, 0, len(ids))
	for id := range ids {
		if e, ok := s.entries[id]; ok {
			out = append(out, e.clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// enqueueEmbed schedules async re-embedding. Enqueue failures are logged,
// not surfaced: the entry mutation itself already succeeded durably.
func (s *Store) enqueueEmbed(ctx context.Context, id string) {
	if s.queue == nil {
		return
	}
	if err := s.queue.EnqueueEmbed(ctx, id); err != nil {
		s.logger.Warn("enqueueing embed job failed", "entry_id", id, "error", err)
	}
}
