// Package triage is the expensive gate: it asks the classifier for a verdict
// on each prefilter survivor and commits the decision through the state
// machine. A verdict already on record is reused as-is, so re-processing an
// item neither calls the classifier again nor moves any counter.
package triage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"newspipe/internal/config"
	"newspipe/internal/gemini"
	"newspipe/internal/logger"
	"newspipe/internal/metrics"
	"newspipe/internal/state"
	"newspipe/internal/store"
)

// Classifier issues structured relevance verdicts. gemini.Client satisfies it.
type Classifier interface {
	Triage(ctx context.Context, title, url, topic string) (*gemini.TriageVerdict, error)
	ModelVersion() string
}

// schemaRetries bounds re-asks after a malformed classifier response.
const schemaRetries = 3

type Gate struct {
	classifier Classifier
	store      *store.Store
	machine    *state.Machine
	log        *slog.Logger
}

func NewGate(classifier Classifier, st *store.Store, machine *state.Machine) *Gate {
	return &Gate{
		classifier: classifier,
		store:      st,
		machine:    machine,
		log:        logger.With("triage"),
	}
}

// Evaluate triages the item against every topic and commits the combined
// decision: matched if any topic's verdict clears its threshold. Budget
// exhaustion propagates as a run-level error; everything else is recorded on
// the item and the run continues.
func (g *Gate) Evaluate(ctx context.Context, item store.Item, topics []config.Topic) (bool, error) {
	matched := false
	failed := false

	for _, topic := range topics {
		// A committed verdict carries the committed decision; reuse is
		// counter-neutral and never consults the classifier.
		if committed, err := g.store.GetTriageResult(ctx, item.ID, topic.Name); err == nil {
			if committed.Kept {
				matched = true
			}
			continue
		} else if !errors.Is(err, store.ErrNotFound) {
			return false, err
		}

		verdict, err := g.classify(ctx, item, topic.Name)
		if err != nil {
			if errors.Is(err, gemini.ErrBudgetExhausted) {
				return false, err
			}
			g.log.Warn("Triage failed for topic",
				"item", item.ID, "topic", topic.Name, "error", err)
			failed = true
			continue
		}

		kept := verdict.IsMatch && verdict.Confidence >= topic.TriageThreshold
		if err := g.store.UpsertTriageResult(ctx, store.TriageResult{
			ItemID:       item.ID,
			Topic:        topic.Name,
			IsMatch:      verdict.IsMatch,
			Confidence:   verdict.Confidence,
			Kept:         kept,
			Reason:       verdict.Reason,
			ModelVersion: g.classifier.ModelVersion(),
			TriagedAt:    time.Now().UTC(),
		}); err != nil {
			return false, fmt.Errorf("commit triage result: %w", err)
		}
		if kept {
			matched = true
			metrics.Global.IncrementTriageMatched()
		}
	}

	if failed && !matched {
		metrics.Global.IncrementTriageFailed()
		if err := g.store.SetItemFailure(ctx, item.ID, "triage: malformed classifier response"); err != nil {
			return false, err
		}
		return false, g.machine.Transition(ctx, item.ID, state.StageTriageFailed)
	}

	target := state.StageFilteredOut
	if matched {
		target = state.StageMatched
	}
	return matched, g.machine.Transition(ctx, item.ID, target)
}

// classify calls the classifier with bounded re-asks on schema violations.
func (g *Gate) classify(ctx context.Context, item store.Item, topic string) (*gemini.TriageVerdict, error) {
	var lastErr error
	for attempt := 0; attempt < schemaRetries; attempt++ {
		verdict, err := g.classifier.Triage(ctx, item.Title, item.URL, topic)
		if err == nil {
			return verdict, nil
		}
		if !errors.Is(err, gemini.ErrSchemaViolation) {
			return nil, err
		}
		lastErr = err
		g.log.Debug("Schema violation, re-asking",
			"item", item.ID, "topic", topic, "attempt", attempt+1)
	}
	return nil, lastErr
}
