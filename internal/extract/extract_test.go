package extract

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

type fakeStrategy struct {
	name   string
	result string
	err    error
	calls  int
}

func (f *fakeStrategy) Name() string { return f.name }

func (f *fakeStrategy) Extract(_ context.Context, _ string) (string, error) {
	f.calls++
	return f.result, f.err
}

func longText(n int) string {
	return strings.Repeat("lorem ipsum dolor sit amet ", n/27+1)[:n]
}

func TestChainShortCircuits(t *testing.T) {
	first := &fakeStrategy{name: "static", result: longText(700)}
	second := &fakeStrategy{name: "tool-assisted", result: longText(700)}

	chain := NewChain(600, time.Second, first, second)
	text, method, err := chain.Run(context.Background(), "https://publisher.dk/a")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if method != "static" {
		t.Errorf("method = %q", method)
	}
	if text != first.result {
		t.Error("wrong text returned")
	}
	if second.calls != 0 {
		t.Error("second strategy ran despite first succeeding")
	}
}

func TestChainFallsThroughOnShortResult(t *testing.T) {
	// 50 characters is below the 600-character threshold.
	first := &fakeStrategy{name: "static", result: longText(50)}
	second := &fakeStrategy{name: "tool-assisted", result: longText(700)}

	chain := NewChain(600, time.Second, first, second)
	_, method, err := chain.Run(context.Background(), "https://publisher.dk/a")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if method != "tool-assisted" {
		t.Errorf("method = %q, short result did not fall through", method)
	}
}

func TestChainFallsThroughOnError(t *testing.T) {
	first := &fakeStrategy{name: "static", err: errors.New("fetch failed")}
	second := &fakeStrategy{name: "tool-assisted", result: longText(700)}

	chain := NewChain(600, time.Second, first, second)
	_, method, err := chain.Run(context.Background(), "https://publisher.dk/a")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if method != "tool-assisted" {
		t.Errorf("method = %q", method)
	}
}

func TestChainAllFail(t *testing.T) {
	first := &fakeStrategy{name: "static", err: errors.New("fetch failed")}
	second := &fakeStrategy{name: "tool-assisted", result: longText(10)}

	chain := NewChain(600, time.Second, first, second)
	_, _, err := chain.Run(context.Background(), "https://publisher.dk/a")
	if !errors.Is(err, ErrExtractionFailed) {
		t.Fatalf("want ErrExtractionFailed, got %v", err)
	}
}

func TestStaticFromHTMLSelectorFallback(t *testing.T) {
	html := `<html><body>
		<nav>Menu Home About</nav>
		<article>
			<h2>Rate decision</h2>
			<p>` + longText(700) + `</p>
			<p>The central bank explained its reasoning at length.</p>
		</article>
		<footer>Copyright</footer>
	</body></html>`

	s := NewStatic(nil)
	text, err := s.FromHTML(html)
	if err != nil {
		t.Fatalf("FromHTML: %v", err)
	}
	if !strings.Contains(text, "central bank explained its reasoning") {
		t.Errorf("article body missing from %q", text[:min(len(text), 120)])
	}
	if strings.Contains(text, "Menu Home About") {
		t.Error("navigation text leaked into extraction")
	}
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
