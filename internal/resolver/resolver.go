// Package resolver unwraps aggregator URLs into publisher URLs before they
// are hashed or fetched. Strategies are tried in declared order; the first
// candidate that survives validation wins.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"

	"newspipe/internal/logger"
)

// ErrUnresolved reports that no strategy produced a valid publisher URL.
var ErrUnresolved = errors.New("unresolved redirect")

// Strategy attempts to turn a wrapper URL into the publisher URL.
type Strategy interface {
	Name() string
	Attempt(ctx context.Context, rawURL string) (string, error)
}

// FailureSink records per-domain resolution failures so upstream wrapper
// format drift shows up in the numbers.
type FailureSink interface {
	RecordResolverFailure(ctx context.Context, domain string) error
}

// Result carries the resolved URL and the strategy that produced it.
type Result struct {
	URL      string
	Strategy string
}

// Resolver runs the strategy chain and validates every candidate.
type Resolver struct {
	strategies []Strategy
	blocklist  map[string]struct{}
	failures   FailureSink
}

// aggregatorHosts are wrapper/service hosts that must never be accepted as a
// resolved publisher, and whose URLs need resolution in the first place.
var aggregatorHosts = []string{
	"news.google.com",
	"google.com",
	"www.google.com",
	"googleapis.com",
	"gstatic.com",
	"consent.google.com",
	"flipboard.com",
	"apple.news",
	"t.co",
	"lnkd.in",
	"feedproxy.google.com",
}

func New(strategies []Strategy, failures FailureSink, extraBlocked ...string) *Resolver {
	blocklist := make(map[string]struct{}, len(aggregatorHosts)+len(extraBlocked))
	for _, h := range aggregatorHosts {
		blocklist[h] = struct{}{}
	}
	for _, h := range extraBlocked {
		blocklist[strings.ToLower(h)] = struct{}{}
	}
	return &Resolver{strategies: strategies, blocklist: blocklist, failures: failures}
}

// NeedsResolution reports whether the URL is aggregator-wrapped.
func NeedsResolution(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return false
	}
	return isAggregatorHost(strings.ToLower(u.Host))
}

func isAggregatorHost(host string) bool {
	for _, agg := range aggregatorHosts {
		if host == agg || strings.HasSuffix(host, "."+agg) {
			return true
		}
	}
	return false
}

// Resolve runs the chain. A strategy error only moves the chain along; the
// item-level verdict is the final ErrUnresolved when every strategy fails.
func (r *Resolver) Resolve(ctx context.Context, rawURL string) (Result, error) {
	wrapperDomain := domainOf(rawURL)

	for _, s := range r.strategies {
		candidate, err := s.Attempt(ctx, rawURL)
		if err != nil {
			logger.Debug("resolver strategy failed", "strategy", s.Name(), "url", rawURL, "error", err)
			continue
		}
		if !r.Valid(candidate) {
			logger.Debug("resolver candidate rejected", "strategy", s.Name(), "candidate", candidate)
			continue
		}
		return Result{URL: candidate, Strategy: s.Name()}, nil
	}

	if r.failures != nil && wrapperDomain != "" {
		if err := r.failures.RecordResolverFailure(ctx, wrapperDomain); err != nil {
			logger.Warn("record resolver failure", "domain", wrapperDomain, "error", err)
		}
	}
	return Result{}, fmt.Errorf("resolve %s: %w", rawURL, ErrUnresolved)
}

// Valid applies the blocklist and structural checks to a candidate URL.
func (r *Resolver) Valid(candidate string) bool {
	u, err := url.Parse(candidate)
	if err != nil {
		return false
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return false
	}
	host := strings.ToLower(u.Hostname())
	if host == "" || !strings.Contains(host, ".") {
		return false
	}
	if net.ParseIP(host) != nil {
		return false
	}
	if _, blocked := r.blocklist[host]; blocked {
		return false
	}
	for blocked := range r.blocklist {
		if strings.HasSuffix(host, "."+blocked) {
			return false
		}
	}
	return true
}

func domainOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Hostname())
}
