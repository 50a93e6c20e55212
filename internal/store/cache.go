package store

import (
	"context"
	"database/sql"
	"encoding/binary"
	"fmt"
	"math"
	"time"
)

// GetEmbedding returns the cached vector for the exact text hash, if any.
func (s *Store) GetEmbedding(ctx context.Context, textHash, model string) ([]float32, bool, error) {
	var blob []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT vector FROM embedding_cache WHERE text_hash = ? AND model = ?`,
		textHash, model).Scan(&blob)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	vec, err := decodeVector(blob)
	if err != nil {
		return nil, false, err
	}
	return vec, true, nil
}

func (s *Store) PutEmbedding(ctx context.Context, textHash, model string, vector []float32) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO embedding_cache (text_hash, model, vector, cached_at)
		VALUES (?,?,?,?)
		ON CONFLICT(text_hash, model) DO NOTHING`,
		textHash, model, encodeVector(vector), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("put embedding: %w", err)
	}
	return nil
}

func encodeVector(vec []float32) []byte {
	out := make([]byte, 4*len(vec))
	for i, v := range vec {
		binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(v))
	}
	return out
}

func decodeVector(blob []byte) ([]float32, error) {
	if len(blob)%4 != 0 {
		return nil, fmt.Errorf("embedding blob of %d bytes is not float32-aligned", len(blob))
	}
	vec := make([]float32, len(blob)/4)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(blob[i*4:]))
	}
	return vec, nil
}

// RecordResolverFailure bumps the per-domain failure counter used to spot
// wrapper format drift.
func (s *Store) RecordResolverFailure(ctx context.Context, domain string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO resolver_failures (domain, failures, last_seen)
		VALUES (?, 1, ?)
		ON CONFLICT(domain) DO UPDATE SET
			failures = failures + 1,
			last_seen = excluded.last_seen`,
		domain, time.Now().UTC())
	return err
}

// ResolverFailures reads the failure count for one domain.
func (s *Store) ResolverFailures(ctx context.Context, domain string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT failures FROM resolver_failures WHERE domain = ?`, domain).Scan(&n)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return n, err
}
