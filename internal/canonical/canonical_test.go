package canonical

import (
	"testing"
	"time"
)

func TestCanonicalizeStripsTrackingParams(t *testing.T) {
	got, err := Canonicalize("https://example.com/a?utm_source=x&gclid=1#frag")
	if err != nil {
		t.Fatalf("Canonicalize: %v", err)
	}
	if got != "https://example.com/a" {
		t.Errorf("got %q, want %q", got, "https://example.com/a")
	}
}

func TestCanonicalizeIdempotent(t *testing.T) {
	urls := []string{
		"https://Example.COM:443/path/?utm_campaign=x&id=7",
		"http://news.site.dk/article?fbclid=abc&page=2",
		"https://a.b/c#section",
	}
	for _, u := range urls {
		once, err := Canonicalize(u)
		if err != nil {
			t.Fatalf("Canonicalize(%q): %v", u, err)
		}
		twice, err := Canonicalize(once)
		if err != nil {
			t.Fatalf("Canonicalize(%q) second pass: %v", once, err)
		}
		if once != twice {
			t.Errorf("not idempotent for %q: %q != %q", u, once, twice)
		}
	}
}

func TestCanonicalizeKeepsRealParams(t *testing.T) {
	got, err := Canonicalize("https://example.com/a?id=7&utm_medium=mail")
	if err != nil {
		t.Fatalf("Canonicalize: %v", err)
	}
	if got != "https://example.com/a?id=7" {
		t.Errorf("got %q", got)
	}
}

func TestCanonicalizeRejectsInvalid(t *testing.T) {
	for _, u := range []string{"", "not a url", "ftp://example.com/x", "https://"} {
		if _, err := Canonicalize(u); err == nil {
			t.Errorf("expected error for %q", u)
		}
	}
}

func TestJaccard(t *testing.T) {
	sim := Jaccard("Bank X raises rates", "Bank X raises interest rates")
	if sim < 0.7 {
		t.Errorf("similar titles scored %v", sim)
	}
	if s := Jaccard("completely different words here", "Bank X raises rates"); s > 0.1 {
		t.Errorf("dissimilar titles scored %v", s)
	}
	if s := Jaccard("same title", "same title"); s != 1 {
		t.Errorf("identical titles scored %v, want 1", s)
	}
}

func TestClusterOnePrimary(t *testing.T) {
	base := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	items := []ClusterItem{
		{ID: "b", Title: "Danish central bank raises its key policy interest rate after european decision today", Source: "dr", DiscoveredAt: base.Add(30 * time.Minute)},
		{ID: "a", Title: "Danish central bank raises its key policy interest rate after european decision", Source: "dr", DiscoveredAt: base},
		{ID: "c", Title: "Weather warning issued for Jutland", Source: "dr", DiscoveredAt: base},
	}
	assignments := Cluster(items, time.Hour)

	byCluster := make(map[string][]Assignment)
	for _, a := range assignments {
		byCluster[a.ClusterID] = append(byCluster[a.ClusterID], a)
	}
	for id, members := range byCluster {
		primaries := 0
		for _, m := range members {
			if m.IsPrimary {
				primaries++
			}
		}
		if primaries != 1 {
			t.Errorf("cluster %s has %d primaries", id, primaries)
		}
	}

	// Earliest discovery wins the primary slot.
	for _, a := range assignments {
		if a.ItemID == "a" && !a.IsPrimary {
			t.Error("earliest item is not primary")
		}
		if a.ItemID == "b" && a.IsPrimary {
			t.Error("later duplicate became primary")
		}
	}
}

func TestClusterRespectsSourceAndWindow(t *testing.T) {
	base := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	items := []ClusterItem{
		{ID: "a", Title: "Bank X raises interest rates", Source: "dr", DiscoveredAt: base},
		{ID: "b", Title: "Bank X raises interest rates", Source: "politiken", DiscoveredAt: base},
		{ID: "c", Title: "Bank X raises interest rates", Source: "dr", DiscoveredAt: base.Add(3 * time.Hour)},
	}
	assignments := Cluster(items, time.Hour)
	for _, a := range assignments {
		if !a.IsPrimary {
			t.Errorf("item %s clustered across source or window boundary", a.ItemID)
		}
	}
}
