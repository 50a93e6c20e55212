package fetch

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func testOptions() Options {
	return Options{
		UserAgent:         "newspipe-test",
		RequestTimeout:    5 * time.Second,
		PerDomainInterval: time.Millisecond,
		RetryAttempts:     3,
		RetryDelay:        time.Millisecond,
	}
}

func TestGetRetriesServerErrors(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte("payload"))
	}))
	defer server.Close()

	body, err := NewClient(testOptions()).Get(context.Background(), server.URL+"/page")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(body) != "payload" {
		t.Errorf("body = %q", body)
	}
	if hits.Load() != 3 {
		t.Errorf("server hit %d times", hits.Load())
	}
}

func TestGetDoesNotRetryClientErrors(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	if _, err := NewClient(testOptions()).Get(context.Background(), server.URL+"/gone"); err == nil {
		t.Fatal("expected error for 404")
	}
	if hits.Load() != 1 {
		t.Errorf("404 retried: %d hits", hits.Load())
	}
}

func TestGetRateLimitedSurfaces(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	_, err := NewClient(testOptions()).Get(context.Background(), server.URL+"/page")
	if !errors.Is(err, ErrRateLimited) {
		t.Fatalf("want ErrRateLimited, got %v", err)
	}
}

func TestGetHonorsRobots(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/robots.txt", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("User-agent: *\nDisallow: /private/\n"))
	})
	var pageHits atomic.Int32
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		pageHits.Add(1)
		w.Write([]byte("ok"))
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	opts := testOptions()
	opts.RespectRobots = true
	client := NewClient(opts)

	if _, err := client.Get(context.Background(), server.URL+"/private/secret"); !errors.Is(err, ErrRobotsDisallowed) {
		t.Fatalf("want ErrRobotsDisallowed, got %v", err)
	}
	if pageHits.Load() != 0 {
		t.Error("disallowed path was fetched anyway")
	}

	if _, err := client.Get(context.Background(), server.URL+"/public/story"); err != nil {
		t.Fatalf("allowed path rejected: %v", err)
	}
}

func TestRobotsFetchTakesPacingSlot(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/robots.txt", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("User-agent: *\nAllow: /\n"))
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	opts := testOptions()
	opts.RespectRobots = true
	opts.PerDomainInterval = 80 * time.Millisecond
	client := NewClient(opts)

	// The robots fetch consumes the host's first pacing slot, so the page
	// request right behind it has to wait out one interval.
	start := time.Now()
	if _, err := client.Get(context.Background(), server.URL+"/story"); err != nil {
		t.Fatalf("Get: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 60*time.Millisecond {
		t.Errorf("page fetch after robots took %v, robots request was not paced", elapsed)
	}
}

func TestGetInvalidURL(t *testing.T) {
	if _, err := NewClient(testOptions()).Get(context.Background(), "not a url"); err == nil {
		t.Fatal("expected error for invalid url")
	}
}
