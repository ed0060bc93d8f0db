package storage

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"time"
)

// SaveEmbedding upserts the vector for an entry in the side channel.
func (s *Store) SaveEmbedding(ctx context.Context, entryID string, vector []float32, model string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO embeddings (entry_id, vector, dims, model, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(entry_id) DO UPDATE SET
			vector = excluded.vector,
			dims = excluded.dims,
			model = excluded.model,
			created_at = excluded.created_at`,
		entryID, encodeFloat32s(vector), len(vector), model, time.Now().UTC().Format(time.RFC3339),
	)
	return err
}

// DeleteEmbedding removes the vector for an entry. Missing rows are fine:
// most entries start life without a vector.
func (s *Store) DeleteEmbedding(ctx context.Context, entryID string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM embeddings WHERE entry_id = ?", entryID)
	return err
}

// LoadEmbeddings returns every persisted vector keyed by entry id. Used
// once at startup to seed the in-memory cache.
func (s *Store) LoadEmbeddings(ctx context.Context) (map[string][]float32, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT entry_id, vector FROM embeddings")
	if err != nil {
		return nil, fmt.Errorf("querying embeddings: %w", err)
	}
	defer rows.Close()

	out := make(map[string][]float32)
	for rows.Next() {
		var id string
		var blob []byte
		if err := rows.Scan(&id, &blob); err != nil {
			return nil, fmt.Errorf("scanning embedding row: %w", err)
		}
		vec, err := decodeFloat32s(blob)
		if err != nil {
			return nil, fmt.Errorf("decoding embedding for %s: %w", id, err)
		}
		out[id] = vec
	}
	return out, rows.Err()
}

// CountEmbeddings returns the number of persisted vectors.
func (s *Store) CountEmbeddings(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM embeddings").Scan(&count)
	return count, err
}

// encodeFloat32s serializes a float32 slice to little-endian bytes.
func encodeFloat32s(v []float32) []byte {
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

// decodeFloat32s deserializes little-endian bytes into a new float32 slice.
// A length that is not a multiple of 4 indicates data corruption.
func decodeFloat32s(b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("byte slice length %d is not a multiple of 4", len(b))
	}
	n := len(b) / 4
	v := make([]float32, n)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return v, nil
}
