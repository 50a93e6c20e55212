package extract

import (
	"context"
	"fmt"
	"strings"

	"codeberg.org/readeck/go-readability/v2"
	"github.com/PuerkitoBio/goquery"
	"github.com/microcosm-cc/bluemonday"

	"newspipe/internal/fetch"
)

// contentSelectors are tried in order when readability finds nothing usable.
var contentSelectors = []string{
	"article",
	"main",
	"[itemprop='articleBody']",
	".article-body",
	".post-content",
	".entry-content",
	"#content",
}

// Static extracts article text from fetched HTML without executing scripts.
type Static struct {
	fetcher  *fetch.Client
	sanitize *bluemonday.Policy
}

func NewStatic(fetcher *fetch.Client) *Static {
	// UGCPolicy drops structural elements; the selector fallback needs them.
	policy := bluemonday.UGCPolicy()
	policy.AllowElements("html", "head", "body", "article", "main", "section", "div", "span",
		"header", "footer", "nav", "aside", "figure", "figcaption")
	policy.AllowAttrs("class", "id", "itemprop").Globally()

	return &Static{
		fetcher:  fetcher,
		sanitize: policy,
	}
}

func (s *Static) Name() string { return "static" }

func (s *Static) Extract(ctx context.Context, url string) (string, error) {
	body, err := s.fetcher.Get(ctx, url)
	if err != nil {
		return "", fmt.Errorf("fetch article page: %w", err)
	}
	return s.FromHTML(string(body))
}

// FromHTML runs the static pipeline over already-fetched HTML: sanitize,
// readability, then a selector fallback for pages readability rejects.
func (s *Static) FromHTML(raw string) (string, error) {
	clean := s.sanitize.Sanitize(raw)

	if text := readabilityText(clean); text != "" {
		return text, nil
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(clean))
	if err != nil {
		return "", fmt.Errorf("parse article html: %w", err)
	}
	doc.Find("script, style, nav, header, footer, aside").Remove()

	for _, sel := range contentSelectors {
		if text := paragraphText(doc.Find(sel).First()); text != "" {
			return text, nil
		}
	}
	// Last resort: every paragraph on the page.
	if text := paragraphText(doc.Selection); text != "" {
		return text, nil
	}
	return "", fmt.Errorf("no article content found")
}

func readabilityText(html string) string {
	article, err := readability.FromReader(strings.NewReader(html), nil)
	if err != nil {
		return ""
	}
	var buf strings.Builder
	if err := article.RenderText(&buf); err != nil {
		return ""
	}
	return normalizeWhitespace(buf.String())
}

// paragraphText joins the selection's paragraph-level text blocks with blank
// lines between them.
func paragraphText(sel *goquery.Selection) string {
	if sel == nil || sel.Length() == 0 {
		return ""
	}
	var blocks []string
	sel.Find("p, h1, h2, h3, li, blockquote").Each(func(_ int, node *goquery.Selection) {
		if t := normalizeWhitespace(node.Text()); t != "" {
			blocks = append(blocks, t)
		}
	})
	if len(blocks) == 0 {
		return normalizeWhitespace(sel.Text())
	}
	return strings.Join(blocks, "\n\n")
}

func normalizeWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
