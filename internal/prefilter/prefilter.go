// Package prefilter is the cheap embedding gate in front of triage. Each
// topic gets a calibrated goal vector and a score cutoff; items whose title
// embedding scores below the cutoff never reach the classifier.
package prefilter

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"newspipe/internal/config"
	"newspipe/internal/logger"
	"newspipe/internal/metrics"
	"newspipe/internal/store"
)

// Embedder produces a vector for a piece of text. gemini.Client satisfies it.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbeddingModelVersion() string
}

// Cache persists embeddings keyed by exact text so repeated titles across
// runs cost nothing. store.Store satisfies it; nil disables persistence.
type Cache interface {
	GetEmbedding(ctx context.Context, textHash, model string) ([]float32, bool, error)
	PutEmbedding(ctx context.Context, textHash, model string, vector []float32) error
}

// Profile is one topic's calibrated gate.
type Profile struct {
	Topic  string
	Goal   []float32
	Cutoff float64
}

type Filter struct {
	embedder Embedder
	cache    Cache
	log      *slog.Logger

	mu       sync.Mutex
	mem      map[string][]float32
	profiles map[string]*Profile
}

func New(embedder Embedder, cache Cache) *Filter {
	return &Filter{
		embedder: embedder,
		cache:    cache,
		log:      logger.With("prefilter"),
		mem:      make(map[string][]float32),
		profiles: make(map[string]*Profile),
	}
}

// Profile returns the calibrated profile for a topic, if any.
func (f *Filter) Profile(topic string) (*Profile, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.profiles[topic]
	return p, ok
}

// SetProfile installs a precomputed profile, mainly for tests and for
// restoring a calibration done elsewhere.
func (f *Filter) SetProfile(p *Profile) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.profiles[p.Topic] = p
}

// Calibrate builds the topic's goal vector from its configured phrases:
// g = mean(embed(positives)) − α·mean(embed(negatives)). With no explicit
// positives the seed-phrase centroid stands in for them. The cutoff comes
// from scoring the calibration phrases themselves and taking the keep-rate
// quantile, bounded below so negatives never pass by construction.
func (f *Filter) Calibrate(ctx context.Context, topic config.Topic) error {
	positives := topic.Positives
	if len(positives) == 0 {
		positives = topic.SeedPhrases
	}
	if len(positives) == 0 {
		return fmt.Errorf("topic %q has no positives or seed phrases", topic.Name)
	}

	posVecs, err := f.embedAll(ctx, positives)
	if err != nil {
		return fmt.Errorf("embed positives for %q: %w", topic.Name, err)
	}
	goal := meanVector(posVecs)

	if len(topic.Negatives) > 0 {
		negVecs, err := f.embedAll(ctx, topic.Negatives)
		if err != nil {
			return fmt.Errorf("embed negatives for %q: %w", topic.Name, err)
		}
		neg := meanVector(negVecs)
		for i := range goal {
			goal[i] -= float32(topic.PrefilterAlpha) * neg[i]
		}
	}

	p := &Profile{Topic: topic.Name, Goal: goal}
	p.Cutoff = f.calibrateCutoff(topic, posVecs, goal)

	f.mu.Lock()
	f.profiles[topic.Name] = p
	f.mu.Unlock()

	f.log.Info("Calibrated topic",
		"topic", topic.Name,
		"cutoff", p.Cutoff,
		"positives", len(positives),
		"negatives", len(topic.Negatives))
	return nil
}

// calibrateCutoff picks the score threshold. With labeled phrases on both
// sides the labeled selector runs (max-F1, or lowest threshold meeting the
// target precision). Otherwise the cutoff is the keep-rate quantile of the
// positive phrase scores.
func (f *Filter) calibrateCutoff(topic config.Topic, posVecs [][]float32, goal []float32) float64 {
	posScores := make([]float64, len(posVecs))
	for i, v := range posVecs {
		posScores[i] = cosine(v, goal)
	}

	if len(topic.Positives) > 0 && len(topic.Negatives) > 0 {
		negScores := f.scorePhrases(topic.Negatives, goal)
		if len(negScores) > 0 {
			if topic.TargetPrecision > 0 {
				return cutoffForPrecision(posScores, negScores, topic.TargetPrecision)
			}
			return cutoffMaxF1(posScores, negScores)
		}
	}

	// Unsupervised: keep the top keep-rate fraction of the positive
	// distribution itself.
	return quantile(posScores, 1-topic.KeepRate)
}

func (f *Filter) scorePhrases(phrases []string, goal []float32) []float64 {
	scores := make([]float64, 0, len(phrases))
	for _, p := range phrases {
		f.mu.Lock()
		vec, ok := f.mem[textHash(p)]
		f.mu.Unlock()
		if !ok {
			continue
		}
		scores = append(scores, cosine(vec, goal))
	}
	return scores
}

// Score embeds the title (through the cache) and returns its cosine
// similarity to the topic's goal vector.
func (f *Filter) Score(ctx context.Context, topic, title string) (float64, error) {
	f.mu.Lock()
	p, ok := f.profiles[topic]
	f.mu.Unlock()
	if !ok {
		return 0, fmt.Errorf("topic %q not calibrated", topic)
	}
	vec, err := f.embed(ctx, title)
	if err != nil {
		return 0, err
	}
	return cosine(vec, p.Goal), nil
}

// shortlistThreshold is the corpus size above which an exact pass over every
// item is preceded by a coarse quantized pass.
const shortlistThreshold = 2000

// Survivors scores every item title against the topic gate and returns the
// ones at or above the cutoff. Raising the cutoff can only shrink the result.
func (f *Filter) Survivors(ctx context.Context, topic string, items []store.Item) ([]store.Item, error) {
	f.mu.Lock()
	p, ok := f.profiles[topic]
	f.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("topic %q not calibrated", topic)
	}

	candidates := items
	if len(items) > shortlistThreshold {
		var err error
		candidates, err = f.shortlist(ctx, p, items)
		if err != nil {
			return nil, err
		}
	}

	var survivors []store.Item
	for _, it := range candidates {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		vec, err := f.embed(ctx, it.Title)
		if err != nil {
			f.log.Warn("Embedding failed, item passes through", "item", it.ID, "error", err)
			survivors = append(survivors, it)
			continue
		}
		if cosine(vec, p.Goal) >= p.Cutoff {
			survivors = append(survivors, it)
		}
	}

	rejected := len(items) - len(survivors)
	if rejected > 0 {
		metrics.Global.IncrementPrefilterRejected(rejected)
	}
	f.log.Info("Prefilter applied",
		"topic", topic, "in", len(items), "out", len(survivors))
	return survivors, nil
}

// shortlist is the coarse pass for large corpora: int8-quantized dot
// products rank all items cheaply and only the top half continues to the
// exact cosine pass. The goal is to bound exact comparisons, not recall at
// the margin; borderline items near the coarse median may be lost.
func (f *Filter) shortlist(ctx context.Context, p *Profile, items []store.Item) ([]store.Item, error) {
	qGoal := quantize(p.Goal)
	type ranked struct {
		item  store.Item
		score int64
	}
	scored := make([]ranked, 0, len(items))
	for _, it := range items {
		vec, err := f.embed(ctx, it.Title)
		if err != nil {
			continue
		}
		scored = append(scored, ranked{it, dotQuantized(quantize(vec), qGoal)})
	}
	sort.Slice(scored, func(i, j int) bool { return scored[i].score > scored[j].score })

	keep := len(scored) / 2
	if keep < shortlistThreshold {
		keep = shortlistThreshold
	}
	if keep > len(scored) {
		keep = len(scored)
	}
	out := make([]store.Item, keep)
	for i := 0; i < keep; i++ {
		out[i] = scored[i].item
	}
	return out, nil
}

// embed returns the vector for the exact text, consulting the in-process map
// first, then the persistent cache, then the embedder.
func (f *Filter) embed(ctx context.Context, text string) ([]float32, error) {
	hash := textHash(text)

	f.mu.Lock()
	if vec, ok := f.mem[hash]; ok {
		f.mu.Unlock()
		metrics.Global.IncrementEmbeddingCacheHits()
		return vec, nil
	}
	f.mu.Unlock()

	model := f.embedder.EmbeddingModelVersion()
	if f.cache != nil {
		vec, ok, err := f.cache.GetEmbedding(ctx, hash, model)
		if err != nil {
			f.log.Warn("Embedding cache read failed", "error", err)
		} else if ok {
			metrics.Global.IncrementEmbeddingCacheHits()
			f.remember(hash, vec)
			return vec, nil
		}
	}

	metrics.Global.IncrementEmbeddingCalls()
	vec, err := f.embedder.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	f.remember(hash, vec)
	if f.cache != nil {
		if err := f.cache.PutEmbedding(ctx, hash, model, vec); err != nil {
			f.log.Warn("Embedding cache write failed", "error", err)
		}
	}
	return vec, nil
}

func (f *Filter) embedAll(ctx context.Context, texts []string) ([][]float32, error) {
	vecs := make([][]float32, 0, len(texts))
	for _, t := range texts {
		vec, err := f.embed(ctx, t)
		if err != nil {
			return nil, err
		}
		vecs = append(vecs, vec)
	}
	return vecs, nil
}

func (f *Filter) remember(hash string, vec []float32) {
	f.mu.Lock()
	f.mem[hash] = vec
	f.mu.Unlock()
}

func textHash(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:16])
}
