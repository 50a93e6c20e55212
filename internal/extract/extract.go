// Package extract turns a resolved publisher URL into article text through
// an ordered fallback chain: static HTML extraction first, the browser
// tool-service only when the static pass comes up short.
package extract

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"newspipe/internal/logger"
	"newspipe/internal/metrics"
)

// ErrExtractionFailed means every strategy in the chain failed or produced
// text below the minimum length. The item stays retryable.
var ErrExtractionFailed = errors.New("extraction failed")

// Strategy is one way of getting article text out of a URL.
type Strategy interface {
	Name() string
	Extract(ctx context.Context, url string) (string, error)
}

// Chain tries its strategies strictly in order. The first result of at least
// minChars runes wins; shorter results and errors fall through.
type Chain struct {
	strategies     []Strategy
	minChars       int
	attemptTimeout time.Duration
	log            *slog.Logger
}

func NewChain(minChars int, attemptTimeout time.Duration, strategies ...Strategy) *Chain {
	return &Chain{
		strategies:     strategies,
		minChars:       minChars,
		attemptTimeout: attemptTimeout,
		log:            logger.With("extract"),
	}
}

// Run executes the chain. On success it reports the winning strategy's name
// as the method; method and duration land in metrics either way.
func (c *Chain) Run(ctx context.Context, url string) (text, method string, err error) {
	start := time.Now()
	for _, s := range c.strategies {
		if err := ctx.Err(); err != nil {
			return "", "", err
		}
		attemptCtx, cancel := context.WithTimeout(ctx, c.attemptTimeout)
		result, attemptErr := s.Extract(attemptCtx, url)
		cancel()

		if attemptErr != nil {
			c.log.Debug("Extraction attempt failed",
				"strategy", s.Name(), "url", url, "error", attemptErr)
			continue
		}
		if runeCount(result) < c.minChars {
			c.log.Debug("Extraction result too short, falling through",
				"strategy", s.Name(), "url", url, "chars", runeCount(result))
			continue
		}

		metrics.Global.RecordExtraction(s.Name())
		c.log.Info("Extracted article",
			"strategy", s.Name(), "url", url,
			"chars", runeCount(result), "duration", time.Since(start))
		return result, s.Name(), nil
	}

	metrics.Global.IncrementExtractionFailures()
	return "", "", ErrExtractionFailed
}

func runeCount(s string) int {
	n := 0
	for range s {
		n++
	}
	return n
}
