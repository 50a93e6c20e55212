// Package feeds turns configured discovery sources into candidate items.
// Each reader normalizes its source format into the same Candidate shape
// before anything enters the pipeline.
package feeds

import (
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/mmcdole/gofeed"

	"newspipe/internal/config"
	"newspipe/internal/fetch"
	"newspipe/internal/logger"
)

// Candidate is a discovered headline/URL, not yet vetted for relevance.
type Candidate struct {
	URL         string
	Title       string
	Source      string
	SourceLang  string
	PublishedAt time.Time
}

// Reader reads one source kind into candidates.
type Reader interface {
	Read(ctx context.Context, feed config.Feed) ([]Candidate, error)
}

// Discover runs the right reader for every configured feed. Reader failures
// are logged and skipped; one dead feed never aborts discovery.
func Discover(ctx context.Context, client *fetch.Client, feedList []config.Feed) []Candidate {
	readers := map[string]Reader{
		"rss":     &RSSReader{Client: client},
		"sitemap": &SitemapReader{Client: client},
		"listing": &ListingReader{Client: client},
	}

	var all []Candidate
	okCount := 0
	for _, f := range feedList {
		reader, ok := readers[f.Kind]
		if !ok {
			logger.Warn("unknown feed kind", "kind", f.Kind, "url", f.URL)
			continue
		}
		items, err := reader.Read(ctx, f)
		if err != nil {
			logger.Warn("feed read failed", "url", f.URL, "error", err)
			continue
		}
		all = append(all, items...)
		okCount++
		logger.Debug("feed read", "url", f.URL, "items", len(items))
	}
	logger.Info("discovery finished", "feeds_ok", okCount, "feeds_total", len(feedList), "candidates", len(all))
	return all
}

// RSSReader parses RSS/Atom feeds with gofeed.
type RSSReader struct {
	Client *fetch.Client
}

func (r *RSSReader) Read(ctx context.Context, feed config.Feed) ([]Candidate, error) {
	body, err := r.Client.Get(ctx, feed.URL)
	if err != nil {
		return nil, err
	}

	parsed, err := gofeed.NewParser().Parse(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse feed %s: %w", feed.URL, err)
	}

	items := make([]Candidate, 0, len(parsed.Items))
	for _, it := range parsed.Items {
		if it.Link == "" || it.Title == "" {
			continue
		}
		c := Candidate{
			URL:        it.Link,
			Title:      strings.TrimSpace(it.Title),
			Source:     sourceName(feed, parsed.Title),
			SourceLang: feed.Lang,
		}
		if it.PublishedParsed != nil {
			c.PublishedAt = it.PublishedParsed.UTC()
		} else if it.UpdatedParsed != nil {
			c.PublishedAt = it.UpdatedParsed.UTC()
		}
		items = append(items, c)
	}
	return items, nil
}

// sitemapURLSet matches both plain sitemaps and Google News sitemaps.
type sitemapURLSet struct {
	XMLName xml.Name     `xml:"urlset"`
	URLs    []sitemapURL `xml:"url"`
}

type sitemapURL struct {
	Loc     string      `xml:"loc"`
	LastMod string      `xml:"lastmod"`
	News    sitemapNews `xml:"news"`
}

type sitemapNews struct {
	Title           string `xml:"title"`
	PublicationDate string `xml:"publication_date"`
	Publication     struct {
		Name     string `xml:"name"`
		Language string `xml:"language"`
	} `xml:"publication"`
}

// SitemapReader parses XML sitemaps, preferring news metadata when present.
type SitemapReader struct {
	Client *fetch.Client
}

func (r *SitemapReader) Read(ctx context.Context, feed config.Feed) ([]Candidate, error) {
	body, err := r.Client.Get(ctx, feed.URL)
	if err != nil {
		return nil, err
	}
	return ParseSitemap(body, feed)
}

// ParseSitemap decodes the sitemap XML into candidates. Entries without a
// usable title are dropped; a headline is required downstream.
func ParseSitemap(body []byte, feed config.Feed) ([]Candidate, error) {
	var set sitemapURLSet
	if err := xml.Unmarshal(body, &set); err != nil {
		return nil, fmt.Errorf("parse sitemap %s: %w", feed.URL, err)
	}

	var items []Candidate
	for _, u := range set.URLs {
		if u.Loc == "" {
			continue
		}
		title := strings.TrimSpace(u.News.Title)
		if title == "" {
			continue
		}
		c := Candidate{
			URL:        strings.TrimSpace(u.Loc),
			Title:      title,
			Source:     sourceName(feed, u.News.Publication.Name),
			SourceLang: firstNonEmpty(feed.Lang, u.News.Publication.Language),
		}
		if ts := parseSitemapTime(firstNonEmpty(u.News.PublicationDate, u.LastMod)); !ts.IsZero() {
			c.PublishedAt = ts
		}
		items = append(items, c)
	}
	return items, nil
}

func parseSitemapTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04Z07:00", "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}

// ListingReader scrapes paginated HTML index pages for headline links.
type ListingReader struct {
	Client *fetch.Client
}

func (r *ListingReader) Read(ctx context.Context, feed config.Feed) ([]Candidate, error) {
	body, err := r.Client.Get(ctx, feed.URL)
	if err != nil {
		return nil, err
	}
	return ParseListing(body, feed)
}

// ParseListing pulls article links out of a listing page. Headline anchors
// are recognized by common article selectors with a generic fallback.
func ParseListing(body []byte, feed config.Feed) ([]Candidate, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse listing %s: %w", feed.URL, err)
	}

	base, err := url.Parse(feed.URL)
	if err != nil {
		return nil, fmt.Errorf("listing base url %s: %w", feed.URL, err)
	}

	selectors := []string{
		"article h2 a",
		"article h3 a",
		".headline a",
		".article-title a",
		"h2 a",
	}

	seen := map[string]struct{}{}
	var items []Candidate
	for _, selector := range selectors {
		doc.Find(selector).Each(func(i int, s *goquery.Selection) {
			href, ok := s.Attr("href")
			if !ok {
				return
			}
			title := strings.TrimSpace(s.Text())
			if title == "" || len(title) < 10 {
				return
			}
			ref, err := url.Parse(href)
			if err != nil {
				return
			}
			abs := base.ResolveReference(ref).String()
			if _, dup := seen[abs]; dup {
				return
			}
			seen[abs] = struct{}{}
			items = append(items, Candidate{
				URL:        abs,
				Title:      title,
				Source:     sourceName(feed, base.Host),
				SourceLang: feed.Lang,
			})
		})
		if len(items) > 0 {
			break
		}
	}
	return items, nil
}

func sourceName(feed config.Feed, fallback string) string {
	if feed.Name != "" {
		return feed.Name
	}
	if fallback != "" {
		return fallback
	}
	if u, err := url.Parse(feed.URL); err == nil {
		return u.Host
	}
	return feed.URL
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
