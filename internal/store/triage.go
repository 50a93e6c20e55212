package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// TriageResult is one classifier verdict per (item, topic). Kept is the
// committed gate decision (is_match and confidence clearing the topic's
// threshold at evaluation time); digest grouping reads it instead of
// re-deriving the decision. Upserts overwrite deterministically; re-triage
// never duplicates rows.
type TriageResult struct {
	ItemID       string
	Topic        string
	IsMatch      bool
	Confidence   float64
	Kept         bool
	Reason       string
	ModelVersion string
	TriagedAt    time.Time
}

func (s *Store) UpsertTriageResult(ctx context.Context, r TriageResult) error {
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO triage_results (item_id, topic, is_match, confidence, kept, reason, model_version, triaged_at)
			VALUES (?,?,?,?,?,?,?,?)
			ON CONFLICT(item_id, topic) DO UPDATE SET
				is_match = excluded.is_match,
				confidence = excluded.confidence,
				kept = excluded.kept,
				reason = excluded.reason,
				model_version = excluded.model_version,
				triaged_at = excluded.triaged_at`,
			r.ItemID, r.Topic, r.IsMatch, r.Confidence, r.Kept, r.Reason, r.ModelVersion, r.TriagedAt.UTC())
		if err != nil {
			return fmt.Errorf("upsert triage result: %w", err)
		}
		return nil
	})
}

func (s *Store) GetTriageResult(ctx context.Context, itemID, topic string) (TriageResult, error) {
	var r TriageResult
	err := s.db.QueryRowContext(ctx, `
		SELECT item_id, topic, is_match, confidence, kept, reason, model_version, triaged_at
		FROM triage_results WHERE item_id = ? AND topic = ?`, itemID, topic).
		Scan(&r.ItemID, &r.Topic, &r.IsMatch, &r.Confidence, &r.Kept, &r.Reason, &r.ModelVersion, &r.TriagedAt)
	if err == sql.ErrNoRows {
		return r, ErrNotFound
	}
	return r, err
}

// HasTriageResult is the recovery-sweep check that keeps committed classifier
// calls from being repeated.
func (s *Store) HasTriageResult(ctx context.Context, itemID, topic string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM triage_results WHERE item_id = ? AND topic = ?`,
		itemID, topic).Scan(&n)
	return n > 0, err
}

// KeptTopics returns the topics whose committed gate decision kept the item.
// A matched-but-below-threshold verdict does not count.
func (s *Store) KeptTopics(ctx context.Context, itemID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT topic FROM triage_results WHERE item_id = ? AND kept = 1 ORDER BY topic`, itemID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var topics []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, err
		}
		topics = append(topics, t)
	}
	return topics, rows.Err()
}

// Article is extracted (and later summarized) full text for an item.
type Article struct {
	ItemID      string
	Text        string
	Summary     string
	Method      string
	ExtractedAt time.Time
}

// InsertArticleIfAbsent writes the extracted text once. A second extraction
// attempt is a no-op and reports inserted=false.
func (s *Store) InsertArticleIfAbsent(ctx context.Context, a Article) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO articles (item_id, text, summary, method, extracted_at)
		VALUES (?,?,?,?,?)
		ON CONFLICT(item_id) DO NOTHING`,
		a.ItemID, a.Text, a.Summary, a.Method, a.ExtractedAt.UTC())
	if err != nil {
		return false, fmt.Errorf("insert article: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *Store) GetArticle(ctx context.Context, itemID string) (Article, error) {
	var a Article
	err := s.db.QueryRowContext(ctx, `
		SELECT item_id, text, summary, method, extracted_at
		FROM articles WHERE item_id = ?`, itemID).
		Scan(&a.ItemID, &a.Text, &a.Summary, &a.Method, &a.ExtractedAt)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	return a, err
}

// SetArticleSummary attaches the generated summary to the article row.
func (s *Store) SetArticleSummary(ctx context.Context, itemID, summary string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE articles SET summary = ? WHERE item_id = ?`, summary, itemID)
	return err
}
