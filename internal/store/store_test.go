package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	st, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func sampleItem(id string) Item {
	return Item{
		ID:            id,
		URL:           "https://publisher.dk/" + id,
		NormalizedURL: "https://publisher.dk/" + id,
		Title:         "title " + id,
		Source:        "dr",
		SourceLang:    "da",
		PublishedAt:   time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC),
		DiscoveredAt:  time.Date(2026, 3, 1, 8, 5, 0, 0, time.UTC),
		ContentHash:   "hash-" + id,
		Stage:         "discovered",
	}
}

func TestInsertItemDedupByNormalizedURL(t *testing.T) {
	ctx := context.Background()
	st := testStore(t)

	inserted, err := st.InsertItem(ctx, sampleItem("a"))
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if !inserted {
		t.Fatal("first insert reported as duplicate")
	}

	dup := sampleItem("b")
	dup.NormalizedURL = sampleItem("a").NormalizedURL
	inserted, err = st.InsertItem(ctx, dup)
	if err != nil {
		t.Fatalf("duplicate insert: %v", err)
	}
	if inserted {
		t.Error("duplicate normalized_url inserted twice")
	}

	got, err := st.GetItemByNormalizedURL(ctx, sampleItem("a").NormalizedURL)
	if err != nil {
		t.Fatalf("get by normalized: %v", err)
	}
	if got.ID != "a" {
		t.Errorf("stored item is %s, want a", got.ID)
	}
}

func TestGetItemNotFound(t *testing.T) {
	st := testStore(t)
	if _, err := st.GetItem(context.Background(), "ghost"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
}

func TestSetItemResolvedURL(t *testing.T) {
	ctx := context.Background()
	st := testStore(t)

	it := sampleItem("a")
	it.Unresolved = true
	if _, err := st.InsertItem(ctx, it); err != nil {
		t.Fatalf("insert: %v", err)
	}

	if err := st.SetItemResolvedURL(ctx, "a",
		"https://real.dk/story", "https://real.dk/story", "newhash"); err != nil {
		t.Fatalf("set resolved: %v", err)
	}

	got, _ := st.GetItem(ctx, "a")
	if got.URL != "https://real.dk/story" || got.Unresolved {
		t.Errorf("resolution not applied: %+v", got)
	}
}

func TestTriageResultUpsert(t *testing.T) {
	ctx := context.Background()
	st := testStore(t)
	if _, err := st.InsertItem(ctx, sampleItem("a")); err != nil {
		t.Fatalf("insert: %v", err)
	}

	first := TriageResult{
		ItemID: "a", Topic: "rates", IsMatch: true, Confidence: 0.82,
		Reason: "rate coverage", ModelVersion: "m1", TriagedAt: time.Now().UTC(),
	}
	if err := st.UpsertTriageResult(ctx, first); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	second := first
	second.Confidence = 0.91
	if err := st.UpsertTriageResult(ctx, second); err != nil {
		t.Fatalf("re-upsert: %v", err)
	}

	got, err := st.GetTriageResult(ctx, "a", "rates")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Confidence != 0.91 {
		t.Errorf("confidence = %v, overwrite did not apply", got.Confidence)
	}

	var count int
	if err := st.DB().QueryRow(
		`SELECT COUNT(*) FROM triage_results WHERE item_id = 'a'`).Scan(&count); err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 1 {
		t.Errorf("%d rows for one (item, topic)", count)
	}
}

func TestKeptTopics(t *testing.T) {
	ctx := context.Background()
	st := testStore(t)
	if _, err := st.InsertItem(ctx, sampleItem("a")); err != nil {
		t.Fatalf("insert: %v", err)
	}

	// "rates" matched but below its threshold: committed as not kept.
	results := []TriageResult{
		{ItemID: "a", Topic: "rates", IsMatch: true, Confidence: 0.65, Kept: false},
		{ItemID: "a", Topic: "energy", IsMatch: true, Confidence: 0.90, Kept: true},
		{ItemID: "a", Topic: "sport", IsMatch: false, Confidence: 0.20, Kept: false},
		{ItemID: "a", Topic: "housing", IsMatch: true, Confidence: 0.85, Kept: true},
	}
	for _, r := range results {
		r.ModelVersion = "m1"
		r.TriagedAt = time.Now().UTC()
		if err := st.UpsertTriageResult(ctx, r); err != nil {
			t.Fatalf("upsert %s: %v", r.Topic, err)
		}
	}

	topics, err := st.KeptTopics(ctx, "a")
	if err != nil {
		t.Fatalf("kept topics: %v", err)
	}
	if len(topics) != 2 || topics[0] != "energy" || topics[1] != "housing" {
		t.Errorf("topics = %v, below-threshold match must not count", topics)
	}
}

func TestListRunItemsByStageIncludesFailureStages(t *testing.T) {
	ctx := context.Background()
	st := testStore(t)

	stages := map[string]string{
		"a": "discovered",
		"b": "triage_failed",
		"c": "selected",
		"d": "extraction_failed",
		"e": "digested",
	}
	for id, stage := range stages {
		it := sampleItem(id)
		it.Stage = stage
		it.RunID = "run1"
		if _, err := st.InsertItem(ctx, it); err != nil {
			t.Fatalf("insert %s: %v", id, err)
		}
	}

	got, err := st.ListRunItemsByStage(ctx, "run1", "selected", "extraction_failed")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d items, want selected + extraction_failed", len(got))
	}
	ids := map[string]bool{got[0].ID: true, got[1].ID: true}
	if !ids["c"] || !ids["d"] {
		t.Errorf("listed %v, want c and d", ids)
	}

	primaries, err := st.ListPrimaryRunItemsByStage(ctx, "run1", "discovered", "triage_failed")
	if err != nil {
		t.Fatalf("list primaries: %v", err)
	}
	if len(primaries) != 2 {
		t.Errorf("got %d primaries, want discovered + triage_failed", len(primaries))
	}
}

func TestInsertArticleIfAbsent(t *testing.T) {
	ctx := context.Background()
	st := testStore(t)
	if _, err := st.InsertItem(ctx, sampleItem("a")); err != nil {
		t.Fatalf("insert: %v", err)
	}

	inserted, err := st.InsertArticleIfAbsent(ctx, Article{
		ItemID: "a", Text: "original text", Method: "static", ExtractedAt: time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("insert article: %v", err)
	}
	if !inserted {
		t.Fatal("first article insert reported absent")
	}

	inserted, err = st.InsertArticleIfAbsent(ctx, Article{
		ItemID: "a", Text: "different text", Method: "tool-assisted", ExtractedAt: time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("second insert: %v", err)
	}
	if inserted {
		t.Error("second extraction overwrote the article")
	}

	got, _ := st.GetArticle(ctx, "a")
	if got.Text != "original text" || got.Method != "static" {
		t.Errorf("article mutated: %+v", got)
	}
}

func TestEmbeddingCacheRoundTrip(t *testing.T) {
	ctx := context.Background()
	st := testStore(t)

	vec := []float32{0.25, -1.5, 3.125, 0}
	if err := st.PutEmbedding(ctx, "hash1", "model-a", vec); err != nil {
		t.Fatalf("put: %v", err)
	}

	got, ok, err := st.GetEmbedding(ctx, "hash1", "model-a")
	if err != nil || !ok {
		t.Fatalf("get: ok=%v err=%v", ok, err)
	}
	if len(got) != len(vec) {
		t.Fatalf("got %d dims, want %d", len(got), len(vec))
	}
	for i := range vec {
		if got[i] != vec[i] {
			t.Errorf("dim %d: %v != %v", i, got[i], vec[i])
		}
	}

	// Different model version misses.
	if _, ok, _ := st.GetEmbedding(ctx, "hash1", "model-b"); ok {
		t.Error("cache hit across model versions")
	}
}

func TestResolverFailureCounter(t *testing.T) {
	ctx := context.Background()
	st := testStore(t)

	for i := 0; i < 3; i++ {
		if err := st.RecordResolverFailure(ctx, "news.google.com"); err != nil {
			t.Fatalf("record: %v", err)
		}
	}
	n, err := st.ResolverFailures(ctx, "news.google.com")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if n != 3 {
		t.Errorf("failures = %d, want 3", n)
	}
	if n, _ := st.ResolverFailures(ctx, "other.example"); n != 0 {
		t.Errorf("unknown domain failures = %d", n)
	}
}

func TestSaveDigestTimestamps(t *testing.T) {
	ctx := context.Background()
	st := testStore(t)

	created := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	d := Digest{
		Topic: "rates", Day: "2026-03-01",
		ItemIDs:   []string{"a"},
		Narrative: "first pass",
		Sources:   []string{"dr"},
		CreatedAt: created, GeneratedAt: created,
	}
	if err := st.SaveDigest(ctx, d); err != nil {
		t.Fatalf("save: %v", err)
	}

	d.ItemIDs = []string{"a", "b"}
	d.Narrative = "second pass"
	d.CreatedAt = created.Add(time.Hour) // must be ignored on update
	d.GeneratedAt = created.Add(2 * time.Hour)
	if err := st.SaveDigest(ctx, d); err != nil {
		t.Fatalf("update: %v", err)
	}

	got, err := st.GetDigest(ctx, "rates", "2026-03-01")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !got.CreatedAt.Equal(created) {
		t.Errorf("created_at moved to %v", got.CreatedAt)
	}
	if !got.GeneratedAt.Equal(created.Add(2 * time.Hour)) {
		t.Errorf("generated_at = %v", got.GeneratedAt)
	}
	if len(got.ItemIDs) != 2 || got.Narrative != "second pass" {
		t.Errorf("merge not persisted: %+v", got)
	}
}
