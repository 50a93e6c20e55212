package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Run is one pipeline execution. A run owns the stage/status of the items
// assigned to it; ownership ends when the run completes or fails.
type Run struct {
	ID              string
	Stage           string
	Status          string
	StartedAt       time.Time
	CompletedAt     time.Time
	ItemsDiscovered int
	ItemsMatched    int
}

func (s *Store) CreateRun(ctx context.Context, r Run) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO pipeline_runs (run_id, stage, status, started_at)
		VALUES (?,?,?,?)`,
		r.ID, r.Stage, r.Status, r.StartedAt.UTC())
	if err != nil {
		return fmt.Errorf("create run: %w", err)
	}
	return nil
}

func (s *Store) GetRun(ctx context.Context, runID string) (Run, error) {
	var r Run
	var completed sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT run_id, stage, status, started_at, completed_at, items_discovered, items_matched
		FROM pipeline_runs WHERE run_id = ?`, runID).
		Scan(&r.ID, &r.Stage, &r.Status, &r.StartedAt, &completed, &r.ItemsDiscovered, &r.ItemsMatched)
	if err == sql.ErrNoRows {
		return r, ErrNotFound
	}
	if completed.Valid {
		r.CompletedAt = completed.Time
	}
	return r, err
}

func (s *Store) UpdateRunStage(ctx context.Context, runID, stage string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE pipeline_runs SET stage = ? WHERE run_id = ?`, stage, runID)
	return err
}

// AddRunCounters bumps the run's item/match counters.
func (s *Store) AddRunCounters(ctx context.Context, runID string, discovered, matched int) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE pipeline_runs
		SET items_discovered = items_discovered + ?, items_matched = items_matched + ?
		WHERE run_id = ?`, discovered, matched, runID)
	return err
}

// ListStrandedItems finds items left at a non-terminal stage whose owning run
// is no longer active (or that have no owner at all).
func (s *Store) ListStrandedItems(ctx context.Context, terminalStages []string) ([]Item, error) {
	query := `
		SELECT ` + itemColumns + ` FROM items i
		WHERE i.stage NOT IN (` + placeholders(len(terminalStages)) + `)
		AND (i.run_id IS NULL OR NOT EXISTS (
			SELECT 1 FROM pipeline_runs r
			WHERE r.run_id = i.run_id AND r.status IN ('pending','running','paused')
		))
		ORDER BY i.discovered_at, i.id`

	args := make([]any, len(terminalStages))
	for i, s := range terminalStages {
		args[i] = s
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectItems(rows)
}

// AssignItemsToRun hands the items to the new owning run in one transaction.
func (s *Store) AssignItemsToRun(ctx context.Context, runID string, itemIDs []string) error {
	if len(itemIDs) == 0 {
		return nil
	}
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		for _, id := range itemIDs {
			if _, err := tx.ExecContext(ctx,
				`UPDATE items SET run_id = ? WHERE id = ?`, runID, id); err != nil {
				return fmt.Errorf("assign item %s: %w", id, err)
			}
		}
		return nil
	})
}

func placeholders(n int) string {
	if n == 0 {
		return "''"
	}
	out := make([]byte, 0, n*2)
	for i := 0; i < n; i++ {
		if i > 0 {
			out = append(out, ',')
		}
		out = append(out, '?')
	}
	return string(out)
}
