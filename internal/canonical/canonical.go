// Package canonical normalizes discovered URLs and collapses near-duplicate
// headlines into clusters with a single primary item.
package canonical

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// ErrInvalidURL reports a URL that cannot be normalized.
var ErrInvalidURL = errors.New("invalid url")

// Tracking parameters stripped during normalization. Wildcard prefixes cover
// whole families like utm_* and WT.*.
var trackedParamPrefixes = []string{
	"utm_",
	"wt.",
	"mc_",
	"pk_",
}

var trackedParams = map[string]struct{}{
	"gclid":       {},
	"fbclid":      {},
	"msclkid":     {},
	"igshid":      {},
	"ref":         {},
	"ref_src":     {},
	"cmpid":       {},
	"ocid":        {},
	"smid":        {},
	"share_token": {},
}

// Canonicalize normalizes a raw URL: lower-cased host, tracking query
// parameters removed, fragment dropped, default ports stripped. The result is
// stable under re-application.
func Canonicalize(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", fmt.Errorf("canonicalize: %w: empty", ErrInvalidURL)
	}

	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("canonicalize %q: %w", raw, ErrInvalidURL)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("canonicalize %q: %w: unsupported scheme", raw, ErrInvalidURL)
	}
	if u.Host == "" {
		return "", fmt.Errorf("canonicalize %q: %w: missing host", raw, ErrInvalidURL)
	}

	u.Host = strings.ToLower(u.Host)
	u.Host = strings.TrimSuffix(u.Host, ":80")
	u.Host = strings.TrimSuffix(u.Host, ":443")
	u.Fragment = ""

	if u.RawQuery != "" {
		q := u.Query()
		for key := range q {
			if isTrackingParam(key) {
				q.Del(key)
			}
		}
		u.RawQuery = q.Encode()
	}

	if u.Path != "/" {
		u.Path = strings.TrimSuffix(u.Path, "/")
	}

	return u.String(), nil
}

func isTrackingParam(key string) bool {
	k := strings.ToLower(key)
	if _, ok := trackedParams[k]; ok {
		return true
	}
	for _, prefix := range trackedParamPrefixes {
		if strings.HasPrefix(k, prefix) {
			return true
		}
	}
	return false
}

// CanonicalLink returns the canonical target declared by the document itself
// (<link rel="canonical">), when present and valid. Declared canonicals win
// over our own normalization of the fetched URL.
func CanonicalLink(doc *goquery.Document) (string, bool) {
	href, ok := doc.Find(`link[rel="canonical"]`).First().Attr("href")
	if !ok {
		return "", false
	}
	normalized, err := Canonicalize(href)
	if err != nil {
		return "", false
	}
	return normalized, true
}

// DedupKey hashes a normalized URL into the stable dedup key.
func DedupKey(normalizedURL string) string {
	h := sha256.Sum256([]byte(normalizedURL))
	return hex.EncodeToString(h[:])[:16]
}

// ContentHash keys an item's title+url content for change detection.
func ContentHash(title, normalizedURL string) string {
	h := sha256.Sum256([]byte(strings.ToLower(strings.TrimSpace(title)) + "|" + normalizedURL))
	return hex.EncodeToString(h[:])[:16]
}

var nonWord = regexp.MustCompile(`[^\p{L}\p{N}]+`)

// titleTokens lower-cases and tokenizes a headline for similarity checks.
func titleTokens(title string) map[string]struct{} {
	tokens := map[string]struct{}{}
	for _, w := range nonWord.Split(strings.ToLower(title), -1) {
		if len(w) <= 2 {
			continue
		}
		tokens[w] = struct{}{}
	}
	return tokens
}

// Jaccard computes set similarity of two headlines' token sets.
func Jaccard(a, b string) float64 {
	ta, tb := titleTokens(a), titleTokens(b)
	if len(ta) == 0 || len(tb) == 0 {
		return 0
	}
	inter := 0
	for w := range ta {
		if _, ok := tb[w]; ok {
			inter++
		}
	}
	union := len(ta) + len(tb) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}
