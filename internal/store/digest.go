package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Digest is the accumulated per-(topic, day) artifact. created_at marks first
// creation; generated_at moves on every incremental update.
type Digest struct {
	Topic          string
	Day            string // YYYY-MM-DD
	ItemIDs        []string
	Narrative      string
	Sources        []string
	DuplicateCount int
	CreatedAt      time.Time
	GeneratedAt    time.Time
}

func (s *Store) GetDigest(ctx context.Context, topic, day string) (Digest, error) {
	var d Digest
	var itemIDs, sources string
	err := s.db.QueryRowContext(ctx, `
		SELECT topic, day, item_ids, narrative, sources, duplicate_count, created_at, generated_at
		FROM digests WHERE topic = ? AND day = ?`, topic, day).
		Scan(&d.Topic, &d.Day, &itemIDs, &d.Narrative, &sources, &d.DuplicateCount, &d.CreatedAt, &d.GeneratedAt)
	if err == sql.ErrNoRows {
		return d, ErrNotFound
	}
	if err != nil {
		return d, err
	}
	if err := json.Unmarshal([]byte(itemIDs), &d.ItemIDs); err != nil {
		return d, fmt.Errorf("decode digest item ids: %w", err)
	}
	if err := json.Unmarshal([]byte(sources), &d.Sources); err != nil {
		return d, fmt.Errorf("decode digest sources: %w", err)
	}
	return d, nil
}

// SaveDigest writes the merged digest; the insert path stamps created_at once
// and later updates only move generated_at.
func (s *Store) SaveDigest(ctx context.Context, d Digest) error {
	itemIDs, err := json.Marshal(d.ItemIDs)
	if err != nil {
		return fmt.Errorf("encode digest item ids: %w", err)
	}
	sources, err := json.Marshal(d.Sources)
	if err != nil {
		return fmt.Errorf("encode digest sources: %w", err)
	}

	return s.WithTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO digests (topic, day, item_ids, narrative, sources, duplicate_count, created_at, generated_at)
			VALUES (?,?,?,?,?,?,?,?)
			ON CONFLICT(topic, day) DO UPDATE SET
				item_ids = excluded.item_ids,
				narrative = excluded.narrative,
				sources = excluded.sources,
				duplicate_count = excluded.duplicate_count,
				generated_at = excluded.generated_at`,
			d.Topic, d.Day, string(itemIDs), d.Narrative, string(sources),
			d.DuplicateCount, d.CreatedAt.UTC(), d.GeneratedAt.UTC())
		if err != nil {
			return fmt.Errorf("save digest: %w", err)
		}
		return nil
	})
}
