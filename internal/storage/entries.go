package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/recallkb/recall/internal/kb"
)

// metaDoc is the JSON shape of the metadata column. Pattern fields live
// here rather than in their own columns: the entries table stays one row
// per entry for every kind.
type metaDoc struct {
	Version int               `json:"version"`
	Source  string            `json:"source,omitempty"`
	Extra   map[string]string `json:"extra,omitempty"`
	Pattern *kb.PatternData   `json:"pattern,omitempty"`
}

// SaveEntry upserts one entry row by primary key. Embeddings are not
// written here; they travel through the side channel only.
func (s *Store) SaveEntry(ctx context.Context, e *kb.Entry) error {
	tags, err := json.Marshal(tagsOrEmpty(e.Tags))
	if err != nil {
		return fmt.Errorf("marshalling tags for %s: %w", e.ID, err)
	}
	meta, err := json.Marshal(metaDoc{
		Version: e.Meta.Version,
		Source:  e.Meta.Source,
		Extra:   e.Meta.Extra,
		Pattern: e.Pattern,
	})
	if err != nil {
		return fmt.Errorf("marshalling metadata for %s: %w", e.ID, err)
	}

	var expiresAt any
	if !e.ExpiresAt.IsZero() {
		expiresAt = e.ExpiresAt.UTC().Format(time.RFC3339)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO entries (id, kind, title, body, tags, confidence, usage_count, created_at, updated_at, expires_at, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			kind = excluded.kind,
			title = excluded.title,
			body = excluded.body,
			tags = excluded.tags,
			confidence = excluded.confidence,
			usage_count = excluded.usage_count,
			updated_at = excluded.updated_at,
			expires_at = excluded.expires_at,
			metadata = excluded.metadata`,
		e.ID, string(e.Kind), e.Title, e.Body, string(tags), e.Confidence, e.UsageCount,
		e.CreatedAt.UTC().Format(time.RFC3339), e.UpdatedAt.UTC().Format(time.RFC3339),
		expiresAt, string(meta),
	)
	return err
}

// DeleteEntry removes the entry row and its embedding, if any.
func (s *Store) DeleteEntry(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM embeddings WHERE entry_id = ?", id); err != nil {
		return fmt.Errorf("deleting embedding for %s: %w", id, err)
	}
	res, err := s.db.ExecContext(ctx, "DELETE FROM entries WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("deleting entry %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// GetEntry reads a single entry row by id.
func (s *Store) GetEntry(ctx context.Context, id string) (*kb.Entry, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, kind, title, body, tags, confidence, usage_count, created_at, updated_at, expires_at, metadata
		FROM entries WHERE id = ?`, id)
	e, err := scanEntry(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return e, err
}

// LoadEntries returns every row that hasn't expired as of the given time,
// ordered by created_at. Used once at startup to repopulate memory.
func (s *Store) LoadEntries(ctx context.Context, asOf time.Time) ([]*kb.Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, kind, title, body, tags, confidence, usage_count, created_at, updated_at, expires_at, metadata
		FROM entries
		WHERE expires_at IS NULL OR expires_at > ?
		ORDER BY created_at ASC`, asOf.UTC().Format(time.RFC3339))
	if err != nil {
		return nil, fmt.Errorf("querying entries: %w", err)
	}
	defer rows.Close()

	var entries []*kb.Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// CountEntries returns the number of entry rows.
func (s *Store) CountEntries(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM entries").Scan(&count)
	return count, err
}

// scanner covers both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(row scanner) (*kb.Entry, error) {
	var e kb.Entry
	var kind, tags, meta, createdAt, updatedAt string
	var expiresAt sql.NullString

	if err := row.Scan(&e.ID, &kind, &e.Title, &e.Body, &tags, &e.Confidence, &e.UsageCount,
		&createdAt, &updatedAt, &expiresAt, &meta); err != nil {
		return nil, err
	}

	k, err := kb.ParseKind(kind)
	if err != nil {
		return nil, fmt.Errorf("entry %s: %w", e.ID, err)
	}
	e.Kind = k

	if err := json.Unmarshal([]byte(tags), &e.Tags); err != nil {
		return nil, fmt.Errorf("parsing tags for %s: %w", e.ID, err)
	}

	var doc metaDoc
	if err := json.Unmarshal([]byte(meta), &doc); err != nil {
		return nil, fmt.Errorf("parsing metadata for %s: %w", e.ID, err)
	}
	e.Meta = kb.Meta{Version: doc.Version, Source: doc.Source, Extra: doc.Extra}
	e.Pattern = doc.Pattern

	if e.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at for %s: %w", e.ID, err)
	}
	if e.UpdatedAt, err = time.Parse(time.RFC3339, updatedAt); err != nil {
		return nil, fmt.Errorf("parsing updated_at for %s: %w", e.ID, err)
	}
	if expiresAt.Valid {
		if e.ExpiresAt, err = time.Parse(time.RFC3339, expiresAt.String); err != nil {
			return nil, fmt.Errorf("parsing expires_at for %s: %w", e.ID, err)
		}
	}
	return &e, nil
}

func tagsOrEmpty(tags []string) []string {
	if tags == nil {
		return []string{}
	}
	return tags
}
