package digest

import (
	"context"
	"path/filepath"
	"reflect"
	"sort"
	"strings"
	"testing"
	"time"

	"newspipe/internal/store"
)

// fakeNarrator produces a deterministic narrative from the summary set so
// merge-order tests can compare outputs directly.
type fakeNarrator struct {
	calls int
}

func (f *fakeNarrator) DigestNarrative(_ context.Context, topic string, summaries []string) (string, error) {
	f.calls++
	sorted := append([]string(nil), summaries...)
	sort.Strings(sorted)
	return topic + ": " + strings.Join(sorted, " | "), nil
}

func testAccumulator(t *testing.T) (*Accumulator, *store.Store, *fakeNarrator) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	n := &fakeNarrator{}
	return NewAccumulator(st, n), st, n
}

func seedArticle(t *testing.T, st *store.Store, id, source, summary string) Entry {
	t.Helper()
	ctx := context.Background()
	if _, err := st.InsertItem(ctx, store.Item{
		ID:            id,
		URL:           "https://" + source + ".dk/" + id,
		NormalizedURL: "https://" + source + ".dk/" + id,
		Title:         "title " + id,
		Source:        source,
		DiscoveredAt:  time.Now().UTC(),
		Stage:         "summarized",
	}); err != nil {
		t.Fatalf("insert item %s: %v", id, err)
	}
	if _, err := st.InsertArticleIfAbsent(ctx, store.Article{
		ItemID: id, Text: "text " + id, Summary: summary,
		Method: "static", ExtractedAt: time.Now().UTC(),
	}); err != nil {
		t.Fatalf("insert article %s: %v", id, err)
	}
	return Entry{ItemID: id, Source: source, Summary: summary}
}

func TestMergeCreatesThenAccumulates(t *testing.T) {
	ctx := context.Background()
	acc, st, _ := testAccumulator(t)

	a := seedArticle(t, st, "a", "dr", "summary a")
	b := seedArticle(t, st, "b", "politiken", "summary b")

	res, err := acc.Merge(ctx, "rates", "2026-03-01", []Entry{a})
	if err != nil {
		t.Fatalf("first merge: %v", err)
	}
	if res.Added != 1 || res.Total != 1 {
		t.Errorf("first merge = %+v", res)
	}

	first, err := st.GetDigest(ctx, "rates", "2026-03-01")
	if err != nil {
		t.Fatalf("get digest: %v", err)
	}

	res, err = acc.Merge(ctx, "rates", "2026-03-01", []Entry{a, b})
	if err != nil {
		t.Fatalf("second merge: %v", err)
	}
	if res.Added != 1 || res.Duplicates != 1 || res.Total != 2 {
		t.Errorf("second merge = %+v", res)
	}

	second, err := st.GetDigest(ctx, "rates", "2026-03-01")
	if err != nil {
		t.Fatalf("get digest: %v", err)
	}
	if !second.CreatedAt.Equal(first.CreatedAt) {
		t.Errorf("created_at moved: %v -> %v", first.CreatedAt, second.CreatedAt)
	}
	if second.DuplicateCount != 1 {
		t.Errorf("duplicate_count = %d", second.DuplicateCount)
	}
	// Narrative covers the full accumulated set, not just the delta.
	if !strings.Contains(second.Narrative, "summary a") || !strings.Contains(second.Narrative, "summary b") {
		t.Errorf("narrative = %q", second.Narrative)
	}
}

func TestMergeOrderIndependent(t *testing.T) {
	ctx := context.Background()

	runMerges := func(order [][]Entry) store.Digest {
		acc, st, _ := testAccumulator(t)
		a := seedArticle(t, st, "a", "dr", "summary a")
		b := seedArticle(t, st, "b", "politiken", "summary b")
		c := seedArticle(t, st, "c", "dr", "summary c")
		byID := map[string]Entry{"a": a, "b": b, "c": c}

		for _, batch := range order {
			resolved := make([]Entry, len(batch))
			for i, e := range batch {
				resolved[i] = byID[e.ItemID]
			}
			if _, err := acc.Merge(ctx, "rates", "2026-03-01", resolved); err != nil {
				t.Fatalf("merge: %v", err)
			}
		}
		d, err := st.GetDigest(ctx, "rates", "2026-03-01")
		if err != nil {
			t.Fatalf("get digest: %v", err)
		}
		return d
	}

	runA := [][]Entry{{{ItemID: "a"}, {ItemID: "b"}}, {{ItemID: "c"}}}
	runB := [][]Entry{{{ItemID: "c"}}, {{ItemID: "b"}, {ItemID: "a"}}}

	first := runMerges(runA)
	second := runMerges(runB)

	if !reflect.DeepEqual(first.ItemIDs, second.ItemIDs) {
		t.Errorf("item sets differ: %v vs %v", first.ItemIDs, second.ItemIDs)
	}
	if !reflect.DeepEqual(first.Sources, second.Sources) {
		t.Errorf("source sets differ: %v vs %v", first.Sources, second.Sources)
	}
	if first.Narrative != second.Narrative {
		t.Errorf("narratives differ:\n%q\n%q", first.Narrative, second.Narrative)
	}
}

func TestMergeAllDuplicatesSkipsNarrator(t *testing.T) {
	ctx := context.Background()
	acc, st, n := testAccumulator(t)
	a := seedArticle(t, st, "a", "dr", "summary a")

	if _, err := acc.Merge(ctx, "rates", "2026-03-01", []Entry{a}); err != nil {
		t.Fatalf("first merge: %v", err)
	}
	callsAfterFirst := n.calls

	res, err := acc.Merge(ctx, "rates", "2026-03-01", []Entry{a})
	if err != nil {
		t.Fatalf("duplicate merge: %v", err)
	}
	if res.Added != 0 || res.Duplicates != 1 {
		t.Errorf("duplicate merge = %+v", res)
	}
	if n.calls != callsAfterFirst {
		t.Error("narrative regenerated for a delta of zero new items")
	}
}
