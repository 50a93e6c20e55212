// Package digest accumulates summarized items into one artifact per
// (topic, day). Merges are unions over item-id sets, so independent runs can
// contribute in any order and land on the same digest.
package digest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"newspipe/internal/logger"
	"newspipe/internal/metrics"
	"newspipe/internal/store"
)

// Narrator regenerates the digest narrative from the full accumulated set of
// summaries. gemini.Client satisfies it.
type Narrator interface {
	DigestNarrative(ctx context.Context, topic string, summaries []string) (string, error)
}

// Entry is one summarized item contributed by a run.
type Entry struct {
	ItemID  string
	Source  string
	Summary string
}

type Accumulator struct {
	store    *store.Store
	narrator Narrator
	log      *slog.Logger
	now      func() time.Time
}

func NewAccumulator(st *store.Store, narrator Narrator) *Accumulator {
	return &Accumulator{
		store:    st,
		narrator: narrator,
		log:      logger.With("digest"),
		now:      time.Now,
	}
}

// MergeResult reports what one merge changed.
type MergeResult struct {
	Added      int
	Duplicates int
	Total      int
}

// Merge folds the entries into the digest for (topic, day): item-id sets
// union, cross-run duplicates are counted, and the narrative is regenerated
// from the complete accumulated set, never just the delta. Merging the same
// entries twice, or two runs' entries in either order, yields the same item
// and source sets.
func (a *Accumulator) Merge(ctx context.Context, topic, day string, entries []Entry) (MergeResult, error) {
	existing, err := a.store.GetDigest(ctx, topic, day)
	fresh := errors.Is(err, store.ErrNotFound)
	if err != nil && !fresh {
		return MergeResult{}, fmt.Errorf("load digest %s/%s: %w", topic, day, err)
	}

	seen := make(map[string]bool, len(existing.ItemIDs))
	for _, id := range existing.ItemIDs {
		seen[id] = true
	}

	merged := existing
	merged.Topic, merged.Day = topic, day

	var result MergeResult
	for _, e := range entries {
		if seen[e.ItemID] {
			result.Duplicates++
			continue
		}
		seen[e.ItemID] = true
		merged.ItemIDs = append(merged.ItemIDs, e.ItemID)
		result.Added++
	}
	sort.Strings(merged.ItemIDs)
	result.Total = len(merged.ItemIDs)
	merged.DuplicateCount = existing.DuplicateCount + result.Duplicates

	now := a.now().UTC()
	if fresh {
		merged.CreatedAt = now
	}
	merged.GeneratedAt = now

	if result.Added > 0 {
		summaries, sources, err := a.collect(ctx, merged.ItemIDs)
		if err != nil {
			return result, err
		}
		merged.Sources = sources
		narrative, err := a.narrator.DigestNarrative(ctx, topic, summaries)
		if err != nil {
			return result, fmt.Errorf("regenerate narrative %s/%s: %w", topic, day, err)
		}
		merged.Narrative = narrative
	}

	if err := a.store.SaveDigest(ctx, merged); err != nil {
		return result, err
	}
	if result.Duplicates > 0 {
		metrics.Global.IncrementDigestDuplicates(result.Duplicates)
	}
	a.log.Info("Digest merged",
		"topic", topic, "day", day,
		"added", result.Added, "duplicates", result.Duplicates, "total", result.Total)
	return result, nil
}

// collect gathers the stored summaries and the deduplicated source list for
// the full accumulated item set, in item-id order.
func (a *Accumulator) collect(ctx context.Context, itemIDs []string) (summaries, sources []string, err error) {
	seenSource := make(map[string]bool)
	for _, id := range itemIDs {
		article, err := a.store.GetArticle(ctx, id)
		if err != nil {
			return nil, nil, fmt.Errorf("load article %s: %w", id, err)
		}
		if article.Summary != "" {
			summaries = append(summaries, article.Summary)
		}
		item, err := a.store.GetItem(ctx, id)
		if err != nil {
			return nil, nil, fmt.Errorf("load item %s: %w", id, err)
		}
		if item.Source != "" && !seenSource[item.Source] {
			seenSource[item.Source] = true
			sources = append(sources, item.Source)
		}
	}
	sort.Strings(sources)
	return summaries, sources, nil
}

// Day formats a timestamp as the digest day key.
func Day(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}
