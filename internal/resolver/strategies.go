package resolver

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"newspipe/internal/fetch"
)

// OfflineDecode extracts an embedded target from the wrapper URL itself,
// without touching the network.
type OfflineDecode struct{}

func (OfflineDecode) Name() string { return "offline-decode" }

// redirect query parameters aggregators stash the target in.
var targetParams = []string{"url", "u", "q", "target", "redirect", "dest", "to"}

func (OfflineDecode) Attempt(_ context.Context, rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("offline decode: %w", err)
	}

	q := u.Query()
	for _, p := range targetParams {
		if v := q.Get(p); strings.HasPrefix(v, "http://") || strings.HasPrefix(v, "https://") {
			return v, nil
		}
	}

	// Google News article paths carry a base64 payload with the target
	// embedded in a length-prefixed protobuf-ish blob.
	if strings.Contains(u.Host, "news.google.") {
		parts := strings.Split(strings.Trim(u.Path, "/"), "/")
		payload := parts[len(parts)-1]
		if target, ok := decodeEmbeddedURL(payload); ok {
			return target, nil
		}
	}

	return "", fmt.Errorf("offline decode: no embedded target in %s", rawURL)
}

// decodeEmbeddedURL base64-decodes the token and scans the raw bytes for an
// http(s) URL. Works for the wrapper formats that embed the target verbatim.
func decodeEmbeddedURL(token string) (string, bool) {
	for _, enc := range []*base64.Encoding{base64.URLEncoding, base64.RawURLEncoding, base64.StdEncoding, base64.RawStdEncoding} {
		raw, err := enc.DecodeString(token)
		if err != nil {
			continue
		}
		if target, ok := scanForURL(raw); ok {
			return target, true
		}
	}
	return "", false
}

func scanForURL(raw []byte) (string, bool) {
	idx := bytes.Index(raw, []byte("https://"))
	if idx < 0 {
		idx = bytes.Index(raw, []byte("http://"))
	}
	if idx < 0 {
		return "", false
	}
	end := idx
	for end < len(raw) && raw[end] > 0x20 && raw[end] < 0x7f {
		end++
	}
	candidate := string(raw[idx:end])
	if _, err := url.Parse(candidate); err != nil {
		return "", false
	}
	return candidate, true
}

// PageAssisted fetches the wrapper page and digs the redirect target out of
// its markup: meta refresh, script navigation, canonical link, or the
// aggregator's own data attributes.
type PageAssisted struct {
	Client *fetch.Client
}

func (PageAssisted) Name() string { return "page-assisted" }

var (
	metaRefreshRe  = regexp.MustCompile(`(?i)url\s*=\s*['"]?([^'";]+)`)
	scriptJumpRe   = regexp.MustCompile(`(?i)(?:window\.location(?:\.href)?|location\.replace\()\s*=?\s*['"](https?://[^'"]+)['"]`)
	openURLParamRe = regexp.MustCompile(`(?i)data-n-au=['"](https?://[^'"]+)['"]`)
)

func (s PageAssisted) Attempt(ctx context.Context, rawURL string) (string, error) {
	body, err := s.Client.Get(ctx, rawURL)
	if err != nil {
		return "", fmt.Errorf("page-assisted fetch: %w", err)
	}

	if m := openURLParamRe.FindSubmatch(body); m != nil {
		return string(m[1]), nil
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("page-assisted parse: %w", err)
	}

	if content, ok := doc.Find(`meta[http-equiv="refresh" i]`).First().Attr("content"); ok {
		if m := metaRefreshRe.FindStringSubmatch(content); m != nil {
			return resolveRelative(rawURL, strings.TrimSpace(m[1])), nil
		}
	}

	if href, ok := doc.Find(`a[data-n-au]`).First().Attr("data-n-au"); ok && href != "" {
		return href, nil
	}

	if href, ok := doc.Find(`link[rel="canonical"]`).First().Attr("href"); ok && href != "" {
		return resolveRelative(rawURL, href), nil
	}

	if m := scriptJumpRe.FindSubmatch(body); m != nil {
		return string(m[1]), nil
	}

	return "", fmt.Errorf("page-assisted: no redirect target in %s", rawURL)
}

func resolveRelative(baseURL, href string) string {
	base, err := url.Parse(baseURL)
	if err != nil {
		return href
	}
	ref, err := url.Parse(href)
	if err != nil {
		return href
	}
	return base.ResolveReference(ref).String()
}

// Navigator follows client-side redirects and reports the final location.
// Implemented by the browser tool-service client.
type Navigator interface {
	FinalLocation(ctx context.Context, rawURL string) (string, error)
}

// ToolAssisted delegates to the browser tool-service. Opt-in; sits last in
// the chain because it is by far the most expensive strategy.
type ToolAssisted struct {
	Browser Navigator
}

func (ToolAssisted) Name() string { return "tool-assisted" }

func (s ToolAssisted) Attempt(ctx context.Context, rawURL string) (string, error) {
	if s.Browser == nil {
		return "", fmt.Errorf("tool-assisted: browser service not configured")
	}
	final, err := s.Browser.FinalLocation(ctx, rawURL)
	if err != nil {
		return "", fmt.Errorf("tool-assisted: %w", err)
	}
	return final, nil
}
