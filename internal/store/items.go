package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"newspipe/internal/canonical"
)

// Item is a discovered candidate. Everything except stage, run ownership and
// the failure flags is immutable after discovery.
type Item struct {
	ID            string
	URL           string
	NormalizedURL string
	Title         string
	Source        string
	SourceLang    string
	PublishedAt   time.Time
	DiscoveredAt  time.Time
	ContentHash   string
	Stage         string
	RunID         string
	Unresolved    bool
	FailureReason string
}

const itemColumns = `id, url, normalized_url, title, source, source_lang,
	published_at, discovered_at, content_hash, stage, COALESCE(run_id,''),
	unresolved, failure_reason`

func scanItem(row interface{ Scan(...any) error }) (Item, error) {
	var it Item
	var published sql.NullTime
	err := row.Scan(&it.ID, &it.URL, &it.NormalizedURL, &it.Title, &it.Source,
		&it.SourceLang, &published, &it.DiscoveredAt, &it.ContentHash,
		&it.Stage, &it.RunID, &it.Unresolved, &it.FailureReason)
	if err == sql.ErrNoRows {
		return it, ErrNotFound
	}
	if published.Valid {
		it.PublishedAt = published.Time
	}
	return it, err
}

// InsertItem stores a newly discovered item. The unique constraint on
// normalized_url makes discovery idempotent: a repeat is reported, not
// inserted twice.
func (s *Store) InsertItem(ctx context.Context, it Item) (bool, error) {
	var published any
	if !it.PublishedAt.IsZero() {
		published = it.PublishedAt.UTC()
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO items (id, url, normalized_url, title, source, source_lang,
			published_at, discovered_at, content_hash, stage, run_id, unresolved, failure_reason)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT(normalized_url) DO NOTHING`,
		it.ID, it.URL, it.NormalizedURL, it.Title, it.Source, it.SourceLang,
		published, it.DiscoveredAt.UTC(), it.ContentHash, it.Stage,
		nullable(it.RunID), it.Unresolved, it.FailureReason)
	if err != nil {
		return false, fmt.Errorf("insert item: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *Store) GetItem(ctx context.Context, id string) (Item, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+itemColumns+` FROM items WHERE id = ?`, id)
	return scanItem(row)
}

func (s *Store) GetItemByNormalizedURL(ctx context.Context, normalized string) (Item, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+itemColumns+` FROM items WHERE normalized_url = ?`, normalized)
	return scanItem(row)
}

// ListRunItemsByStage returns the run's items currently at any of the given
// stages. Pipeline stages pass their retryable failure stage alongside the
// main one so adopted items re-enter processing instead of looping through
// recovery sweeps.
func (s *Store) ListRunItemsByStage(ctx context.Context, runID string, stages ...string) ([]Item, error) {
	args := append([]any{runID}, stageArgs(stages)...)
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+itemColumns+` FROM items
		WHERE run_id = ? AND stage IN (`+placeholders(len(stages))+`)
		ORDER BY discovered_at, id`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectItems(rows)
}

// ListPrimaryRunItemsByStage is ListRunItemsByStage restricted to cluster
// primaries; non-primary members never reach the triage gate.
func (s *Store) ListPrimaryRunItemsByStage(ctx context.Context, runID string, stages ...string) ([]Item, error) {
	args := append([]any{runID}, stageArgs(stages)...)
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+itemColumns+` FROM items i
		WHERE i.run_id = ? AND i.stage IN (`+placeholders(len(stages))+`)
		AND NOT EXISTS (
			SELECT 1 FROM cluster_assignments ca
			WHERE ca.item_id = i.id AND ca.is_primary = 0
		)
		ORDER BY i.discovered_at, i.id`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectItems(rows)
}

func stageArgs(stages []string) []any {
	out := make([]any, len(stages))
	for i, s := range stages {
		out[i] = s
	}
	return out
}

func collectItems(rows *sql.Rows) ([]Item, error) {
	var items []Item
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

// SetItemResolvedURL rewrites the item's URL family after redirect
// resolution: the publisher URL replaces the wrapper everywhere.
func (s *Store) SetItemResolvedURL(ctx context.Context, id, resolvedURL, normalizedURL, contentHash string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE items SET url = ?, normalized_url = ?, content_hash = ?, unresolved = 0
		WHERE id = ?`, resolvedURL, normalizedURL, contentHash, id)
	return err
}

// MarkItemUnresolved keeps an unresolvable item on record with its flag set.
func (s *Store) MarkItemUnresolved(ctx context.Context, id, reason string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE items SET unresolved = 1, failure_reason = ? WHERE id = ?`, reason, id)
	return err
}

// SetItemFailure records an item-level failure reason without touching stage.
func (s *Store) SetItemFailure(ctx context.Context, id, reason string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE items SET failure_reason = ? WHERE id = ?`, reason, id)
	return err
}

// SaveClusterAssignments replaces the assignments for the given clusters.
func (s *Store) SaveClusterAssignments(ctx context.Context, assignments []canonical.Assignment) error {
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		for _, a := range assignments {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO cluster_assignments (cluster_id, item_id, is_primary, similarity)
				VALUES (?,?,?,?)
				ON CONFLICT(cluster_id, item_id) DO UPDATE SET
					is_primary = excluded.is_primary,
					similarity = excluded.similarity`,
				a.ClusterID, a.ItemID, a.IsPrimary, a.Similarity); err != nil {
				return fmt.Errorf("save cluster assignment: %w", err)
			}
		}
		return nil
	})
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
