// Package pipeline drives one full run: discovery, clustering, the two-stage
// relevance gate, extraction, summarization and the digest merge. Stages run
// serially; inside a stage items fan out across a bounded worker pool. Every
// result is committed through the state machine, so an abort at any point
// leaves items at their last committed stage for the next run's recovery
// sweep.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"newspipe/internal/browser"
	"newspipe/internal/canonical"
	"newspipe/internal/config"
	"newspipe/internal/digest"
	"newspipe/internal/extract"
	"newspipe/internal/feeds"
	"newspipe/internal/fetch"
	"newspipe/internal/gemini"
	"newspipe/internal/logger"
	"newspipe/internal/metrics"
	"newspipe/internal/prefilter"
	"newspipe/internal/resolver"
	"newspipe/internal/state"
	"newspipe/internal/store"
	"newspipe/internal/triage"
)

// Run stage labels, recorded on the pipeline_runs row as the run progresses.
const (
	runStageDiscovery     = "discovery"
	runStagePrefilter     = "prefilter"
	runStageTriage        = "triage"
	runStageSelection     = "selection"
	runStageExtraction    = "extraction"
	runStageSummarization = "summarization"
	runStageDigest        = "digest"
)

// Summarizer produces the per-article summary. gemini.Client satisfies it.
type Summarizer interface {
	SummarizeArticle(ctx context.Context, title, text string) (string, error)
}

// Deps carries everything a pipeline needs. main wires real implementations;
// tests substitute fakes behind the same types.
type Deps struct {
	Config   *config.Config
	Sources  *config.Sources
	Store    *store.Store
	Machine  *state.Machine
	Fetcher  *fetch.Client
	Resolver *resolver.Resolver
	Filter   *prefilter.Filter
	Gate     *triage.Gate
	Chain    *extract.Chain
	Gemini   Summarizer
	Digests  *digest.Accumulator
	Browser  *browser.Client
}

type Pipeline struct {
	Deps
	log *slog.Logger
}

func New(deps Deps) *Pipeline {
	return &Pipeline{Deps: deps, log: logger.With("pipeline")}
}

// Run executes one complete pipeline run. Item-level failures are recorded
// and skipped; only run-level failures (store unreachable, budget exhausted,
// cancellation) abort.
func (p *Pipeline) Run(ctx context.Context) error {
	start := time.Now()
	runID := uuid.NewString()
	log := p.log.With("run", runID)

	if err := p.Store.CreateRun(ctx, store.Run{
		ID:        runID,
		Stage:     runStageDiscovery,
		Status:    state.StatusPending,
		StartedAt: start,
	}); err != nil {
		return err
	}
	if err := p.Machine.TransitionRun(ctx, runID, state.StatusRunning); err != nil {
		return err
	}

	err := p.execute(ctx, runID, log)
	if err != nil {
		metrics.Global.SetError(err.Error())
		if ferr := p.Machine.TransitionRun(ctx, runID, state.StatusFailed); ferr != nil {
			log.Error("Failed to mark run failed", "error", ferr)
		}
		return err
	}

	if err := p.Machine.TransitionRun(ctx, runID, state.StatusCompleted); err != nil {
		return err
	}
	metrics.Global.RecordRunDuration(time.Since(start))
	metrics.Global.SetLastRun()
	log.Info("Run completed", "duration", time.Since(start))
	return nil
}

func (p *Pipeline) execute(ctx context.Context, runID string, log *slog.Logger) error {
	// Adopt whatever a dead run left behind before discovering anything new;
	// adopted items re-enter their stages through the normal listings below.
	if _, err := p.Machine.RecoverySweep(ctx, runID); err != nil {
		return err
	}

	type stage struct {
		name string
		fn   func(context.Context, string) error
	}
	stages := []stage{
		{runStageDiscovery, p.discover},
		{runStagePrefilter, p.runPrefilterAndTriage}, // sets triage label itself
		{runStageSelection, p.selectMatched},
		{runStageExtraction, p.extractSelected},
		{runStageSummarization, p.summarizeExtracted},
		{runStageDigest, p.digestSummarized},
	}

	for _, s := range stages {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := p.Store.UpdateRunStage(ctx, runID, s.name); err != nil {
			return err
		}
		log.Info("Stage starting", "stage", s.name)
		if err := s.fn(ctx, runID); err != nil {
			return fmt.Errorf("stage %s: %w", s.name, err)
		}
	}
	return nil
}

// discover reads every configured source, resolves aggregator wrappers before
// keying, canonicalizes and inserts new items, then clusters the run's items
// by title similarity.
func (p *Pipeline) discover(ctx context.Context, runID string) error {
	candidates := feeds.Discover(ctx, p.Fetcher, p.Sources.Feeds)

	cutoff := time.Now().Add(-p.Config.NewsMaxAge)
	var mu sync.Mutex
	inserted := 0
	duplicates := 0

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.Config.StageWorkers)
	for _, cand := range candidates {
		if !cand.PublishedAt.IsZero() && cand.PublishedAt.Before(cutoff) {
			continue
		}
		g.Go(func() error {
			item, ok := p.admit(gctx, runID, cand)
			if !ok {
				return nil
			}
			wasNew, err := p.Store.InsertItem(gctx, item)
			if err != nil {
				return err
			}
			mu.Lock()
			if wasNew {
				inserted++
			} else {
				duplicates++
				metrics.Global.IncrementDuplicatesFiltered()
			}
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	metrics.Global.IncrementItemsDiscovered(inserted)
	if err := p.Store.AddRunCounters(ctx, runID, inserted, 0); err != nil {
		return err
	}
	p.log.Info("Discovery done",
		"run", runID, "candidates", len(candidates),
		"inserted", inserted, "duplicates", duplicates)

	return p.clusterRun(ctx, runID)
}

// admit turns one feed candidate into an insertable item. Aggregator-wrapped
// URLs go through the resolver first so the dedup key never hashes an opaque
// wrapper; wrappers nothing could resolve are keyed on themselves and kept
// with the unresolved flag set.
func (p *Pipeline) admit(ctx context.Context, runID string, cand feeds.Candidate) (store.Item, bool) {
	rawURL := cand.URL
	unresolved := false
	failureReason := ""

	if resolver.NeedsResolution(rawURL) {
		result, err := p.Resolver.Resolve(ctx, rawURL)
		if err != nil {
			unresolved = true
			failureReason = "resolver: " + err.Error()
		} else {
			rawURL = result.URL
		}
	}

	normalized, err := canonical.Canonicalize(rawURL)
	if err != nil {
		p.log.Debug("Dropping invalid URL", "url", cand.URL, "error", err)
		return store.Item{}, false
	}

	return store.Item{
		ID:            uuid.NewString(),
		URL:           rawURL,
		NormalizedURL: normalized,
		Title:         cand.Title,
		Source:        cand.Source,
		SourceLang:    cand.SourceLang,
		PublishedAt:   cand.PublishedAt,
		DiscoveredAt:  time.Now().UTC(),
		ContentHash:   canonical.ContentHash(cand.Title, normalized),
		Stage:         state.StageDiscovered,
		RunID:         runID,
		Unresolved:    unresolved,
		FailureReason: failureReason,
	}, true
}

func (p *Pipeline) clusterRun(ctx context.Context, runID string) error {
	items, err := p.Store.ListRunItemsByStage(ctx, runID, state.StageDiscovered)
	if err != nil {
		return err
	}
	clusterItems := make([]canonical.ClusterItem, len(items))
	for i, it := range items {
		clusterItems[i] = canonical.ClusterItem{
			ID:           it.ID,
			Title:        it.Title,
			Source:       it.Source,
			DiscoveredAt: it.DiscoveredAt,
		}
	}
	assignments := canonical.Cluster(clusterItems, p.Config.ClusterWindow)
	return p.Store.SaveClusterAssignments(ctx, assignments)
}

// runPrefilterAndTriage applies the embedding gate per topic, then sends each
// survivor to the classifier for exactly the topics it survived. Items that
// survive no topic are filtered out without a classifier call. Adopted
// triage_failed items go through again; their committed per-topic verdicts
// are reused, so only the missing topics cost classifier calls.
func (p *Pipeline) runPrefilterAndTriage(ctx context.Context, runID string) error {
	items, err := p.Store.ListPrimaryRunItemsByStage(ctx, runID,
		state.StageDiscovered, state.StageTriageFailed)
	if err != nil {
		return err
	}
	if len(items) == 0 {
		return nil
	}

	topicsByItem := make(map[string][]config.Topic)
	for _, topic := range p.Sources.Topics {
		survivors, err := p.Filter.Survivors(ctx, topic.Name, items)
		if err != nil {
			return err
		}
		for _, it := range survivors {
			topicsByItem[it.ID] = append(topicsByItem[it.ID], topic)
		}
	}

	if err := p.Store.UpdateRunStage(ctx, runID, runStageTriage); err != nil {
		return err
	}

	var mu sync.Mutex
	matchedCount := 0

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.Config.StageWorkers)
	for _, it := range items {
		topics := topicsByItem[it.ID]
		g.Go(func() error {
			if len(topics) == 0 {
				return p.Machine.Transition(gctx, it.ID, state.StageFilteredOut)
			}
			matched, err := p.Gate.Evaluate(gctx, it, topics)
			if err != nil {
				if errors.Is(err, gemini.ErrBudgetExhausted) {
					return err
				}
				p.log.Warn("Triage error, item skipped", "item", it.ID, "error", err)
				return nil
			}
			if matched {
				mu.Lock()
				matchedCount++
				mu.Unlock()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	return p.Store.AddRunCounters(ctx, runID, 0, matchedCount)
}

// selectMatched promotes matched items with a usable publisher URL. Matched
// items still flagged unresolved get another resolution attempt first; ones
// that stay unresolved are held for the next run's sweep.
func (p *Pipeline) selectMatched(ctx context.Context, runID string) error {
	items, err := p.Store.ListRunItemsByStage(ctx, runID, state.StageMatched)
	if err != nil {
		return err
	}
	for _, it := range items {
		if it.Unresolved {
			resolved, err := p.reresolve(ctx, &it)
			if err != nil {
				return err
			}
			if !resolved {
				continue
			}
			if it.Stage == state.StageFilteredOut {
				continue
			}
		}
		if err := p.Machine.Transition(ctx, it.ID, state.StageSelected); err != nil {
			return err
		}
	}
	return nil
}

// reresolve retries redirect resolution for a matched item that entered the
// store keyed on its wrapper URL. On success the publisher URL replaces the
// wrapper; a wrapper that resolves onto an item already on record is
// collapsed as a duplicate. resolved=false means the item stays held at
// matched.
func (p *Pipeline) reresolve(ctx context.Context, it *store.Item) (bool, error) {
	result, err := p.Resolver.Resolve(ctx, it.URL)
	if err != nil {
		p.log.Debug("Matched item still unresolved, holding", "item", it.ID, "error", err)
		if err := p.Store.MarkItemUnresolved(ctx, it.ID, "resolver: "+err.Error()); err != nil {
			return false, err
		}
		return false, nil
	}

	normalized, err := canonical.Canonicalize(result.URL)
	if err != nil {
		if serr := p.Store.MarkItemUnresolved(ctx, it.ID, "resolver: "+err.Error()); serr != nil {
			return false, serr
		}
		return false, nil
	}

	if existing, err := p.Store.GetItemByNormalizedURL(ctx, normalized); err == nil && existing.ID != it.ID {
		p.log.Debug("Wrapper resolved to known item, collapsing",
			"item", it.ID, "duplicate_of", existing.ID)
		metrics.Global.IncrementDuplicatesFiltered()
		if err := p.Machine.Transition(ctx, it.ID, state.StageFilteredOut); err != nil {
			return false, err
		}
		it.Stage = state.StageFilteredOut
		return true, nil
	} else if err != nil && !errors.Is(err, store.ErrNotFound) {
		return false, err
	}

	hash := canonical.ContentHash(it.Title, normalized)
	if err := p.Store.SetItemResolvedURL(ctx, it.ID, result.URL, normalized, hash); err != nil {
		return false, err
	}
	it.URL = result.URL
	it.NormalizedURL = normalized
	it.Unresolved = false
	return true, nil
}

// extractSelected runs the fallback chain for the run's selected items and
// retries adopted extraction_failed ones.
func (p *Pipeline) extractSelected(ctx context.Context, runID string) error {
	items, err := p.Store.ListRunItemsByStage(ctx, runID,
		state.StageSelected, state.StageExtractionFailed)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.Config.StageWorkers)
	for _, it := range items {
		g.Go(func() error {
			return p.extractOne(gctx, it)
		})
	}
	return g.Wait()
}

// extractOne runs the fallback chain for one item. An article row already on
// record short-circuits the chain entirely, so re-processing after a crash
// never re-fetches.
func (p *Pipeline) extractOne(ctx context.Context, it store.Item) error {
	if _, err := p.Store.GetArticle(ctx, it.ID); err == nil {
		return p.Machine.Transition(ctx, it.ID, state.StageExtracted)
	} else if !errors.Is(err, store.ErrNotFound) {
		return err
	}

	text, method, err := p.Chain.Run(ctx, it.URL)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		p.log.Warn("Extraction failed", "item", it.ID, "url", it.URL, "error", err)
		if serr := p.Store.SetItemFailure(ctx, it.ID, "extract: "+err.Error()); serr != nil {
			return serr
		}
		return p.Machine.Transition(ctx, it.ID, state.StageExtractionFailed)
	}

	if _, err := p.Store.InsertArticleIfAbsent(ctx, store.Article{
		ItemID:      it.ID,
		Text:        text,
		Method:      method,
		ExtractedAt: time.Now().UTC(),
	}); err != nil {
		return err
	}
	return p.Machine.Transition(ctx, it.ID, state.StageExtracted)
}

func (p *Pipeline) summarizeExtracted(ctx context.Context, runID string) error {
	items, err := p.Store.ListRunItemsByStage(ctx, runID, state.StageExtracted)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.Config.StageWorkers)
	for _, it := range items {
		g.Go(func() error {
			return p.summarizeOne(gctx, it)
		})
	}
	return g.Wait()
}

// summarizeOne generates the article summary unless one is already stored.
// When the model fails for anything other than budget exhaustion, the lead
// of the article text stands in so the item still reaches the digest.
func (p *Pipeline) summarizeOne(ctx context.Context, it store.Item) error {
	article, err := p.Store.GetArticle(ctx, it.ID)
	if err != nil {
		return fmt.Errorf("load article %s: %w", it.ID, err)
	}

	if article.Summary == "" {
		summary, err := p.Gemini.SummarizeArticle(ctx, it.Title, article.Text)
		if err != nil {
			if errors.Is(err, gemini.ErrBudgetExhausted) {
				return err
			}
			p.log.Warn("Summarization failed, using article lead", "item", it.ID, "error", err)
			summary = leadOf(article.Text, 400)
		}
		if err := p.Store.SetArticleSummary(ctx, it.ID, summary); err != nil {
			return err
		}
		if err == nil {
			// fallback leads are not generated summaries
			metrics.Global.IncrementSummariesGenerated()
		}
	}
	return p.Machine.Transition(ctx, it.ID, state.StageSummarized)
}

// digestSummarized merges the run's summarized items into their per-topic
// daily digests and marks them digested.
func (p *Pipeline) digestSummarized(ctx context.Context, runID string) error {
	items, err := p.Store.ListRunItemsByStage(ctx, runID, state.StageSummarized)
	if err != nil {
		return err
	}
	if len(items) == 0 {
		return nil
	}

	type key struct{ topic, day string }
	groups := make(map[key][]digest.Entry)
	for _, it := range items {
		topics, err := p.Store.KeptTopics(ctx, it.ID)
		if err != nil {
			return err
		}
		article, err := p.Store.GetArticle(ctx, it.ID)
		if err != nil {
			return fmt.Errorf("load article %s: %w", it.ID, err)
		}
		day := digest.Day(it.PublishedAt)
		if it.PublishedAt.IsZero() {
			day = digest.Day(it.DiscoveredAt)
		}
		for _, topic := range topics {
			groups[key{topic, day}] = append(groups[key{topic, day}], digest.Entry{
				ItemID:  it.ID,
				Source:  it.Source,
				Summary: article.Summary,
			})
		}
	}

	for k, entries := range groups {
		if _, err := p.Digests.Merge(ctx, k.topic, k.day, entries); err != nil {
			return err
		}
	}

	for _, it := range items {
		if err := p.Machine.Transition(ctx, it.ID, state.StageDigested); err != nil {
			return err
		}
	}
	return nil
}

func leadOf(text string, max int) string {
	runes := []rune(text)
	if len(runes) <= max {
		return text
	}
	return string(runes[:max]) + "…"
}
