// Package state owns the item stage machine and run lifecycle. Every stage
// change goes through a guarded transaction so a crash can never leave an
// item between stages.
package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"newspipe/internal/logger"
	"newspipe/internal/metrics"
	"newspipe/internal/store"
)

// Item stages. Retryable failure stages (triage_failed, extraction_failed)
// are non-terminal so the recovery sweep picks them up again.
const (
	StageDiscovered       = "discovered"
	StageMatched          = "matched"
	StageFilteredOut      = "filtered_out"
	StageTriageFailed     = "triage_failed"
	StageSelected         = "selected"
	StageExtracted        = "extracted"
	StageExtractionFailed = "extraction_failed"
	StageSummarized       = "summarized"
	StageDigested         = "digested"
)

// Run statuses.
const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusPaused    = "paused"
)

var ErrInvalidTransition = errors.New("invalid stage transition")

// transitions lists the allowed next stages per stage. A same-stage
// transition is always a no-op and never consults this table.
// matched -> filtered_out collapses a late-resolved wrapper that turns out
// to duplicate an item already on record.
var transitions = map[string][]string{
	StageDiscovered:       {StageMatched, StageFilteredOut, StageTriageFailed},
	StageTriageFailed:     {StageMatched, StageFilteredOut},
	StageMatched:          {StageSelected, StageFilteredOut},
	StageSelected:         {StageExtracted, StageExtractionFailed},
	StageExtractionFailed: {StageExtracted},
	StageExtracted:        {StageSummarized},
	StageSummarized:       {StageDigested},
}

var runTransitions = map[string][]string{
	StatusPending: {StatusRunning},
	StatusRunning: {StatusCompleted, StatusFailed, StatusPaused},
	StatusPaused:  {StatusRunning, StatusFailed},
}

// TerminalStages are the stages the recovery sweep leaves alone.
func TerminalStages() []string {
	return []string{StageFilteredOut, StageDigested}
}

func allowed(table map[string][]string, from, to string) bool {
	for _, next := range table[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Machine applies guarded transitions against the store.
type Machine struct {
	store *store.Store
	log   *slog.Logger
}

func NewMachine(st *store.Store) *Machine {
	return &Machine{store: st, log: logger.With("state")}
}

// Transition moves the item to the target stage. The read and the write share
// one short transaction; the item's current stage is re-read inside it, so
// two workers racing on the same item cannot both win. Moving to the stage
// the item is already at succeeds without writing.
func (m *Machine) Transition(ctx context.Context, itemID, to string) error {
	return m.store.WithTx(ctx, func(tx *sql.Tx) error {
		var current string
		err := tx.QueryRowContext(ctx,
			`SELECT stage FROM items WHERE id = ?`, itemID).Scan(&current)
		if err == sql.ErrNoRows {
			return store.ErrNotFound
		}
		if err != nil {
			return err
		}
		if current == to {
			return nil
		}
		if !allowed(transitions, current, to) {
			return fmt.Errorf("%w: item %s %s -> %s", ErrInvalidTransition, itemID, current, to)
		}
		_, err = tx.ExecContext(ctx,
			`UPDATE items SET stage = ? WHERE id = ?`, to, itemID)
		return err
	})
}

// TransitionRun moves the run to the target status, stamping completed_at on
// the terminal statuses.
func (m *Machine) TransitionRun(ctx context.Context, runID, to string) error {
	return m.store.WithTx(ctx, func(tx *sql.Tx) error {
		var current string
		err := tx.QueryRowContext(ctx,
			`SELECT status FROM pipeline_runs WHERE run_id = ?`, runID).Scan(&current)
		if err == sql.ErrNoRows {
			return store.ErrNotFound
		}
		if err != nil {
			return err
		}
		if current == to {
			return nil
		}
		if !allowed(runTransitions, current, to) {
			return fmt.Errorf("%w: run %s %s -> %s", ErrInvalidTransition, runID, current, to)
		}
		if to == StatusCompleted || to == StatusFailed {
			_, err = tx.ExecContext(ctx, `
				UPDATE pipeline_runs SET status = ?, completed_at = CURRENT_TIMESTAMP
				WHERE run_id = ?`, to, runID)
			return err
		}
		_, err = tx.ExecContext(ctx,
			`UPDATE pipeline_runs SET status = ? WHERE run_id = ?`, to, runID)
		return err
	})
}

// RecoverySweep adopts items stranded by dead runs into the given run and
// returns them grouped by stage. Committed triage and extraction rows stay
// attached to the items, so adopted work resumes where it stopped instead of
// being paid for twice.
func (m *Machine) RecoverySweep(ctx context.Context, runID string) (map[string][]store.Item, error) {
	stranded, err := m.store.ListStrandedItems(ctx, TerminalStages())
	if err != nil {
		return nil, fmt.Errorf("list stranded items: %w", err)
	}
	if len(stranded) == 0 {
		return nil, nil
	}

	ids := make([]string, len(stranded))
	byStage := make(map[string][]store.Item)
	for i, it := range stranded {
		ids[i] = it.ID
		byStage[it.Stage] = append(byStage[it.Stage], it)
	}
	if err := m.store.AssignItemsToRun(ctx, runID, ids); err != nil {
		return nil, fmt.Errorf("adopt stranded items: %w", err)
	}

	metrics.Global.IncrementItemsRecovered(len(stranded))
	m.log.Info("Recovered stranded items", "count", len(stranded), "run", runID)
	return byStage, nil
}
