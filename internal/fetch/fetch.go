// Package fetch is the single outbound HTTP path for feed, page and wrapper
// fetches. It enforces per-domain pacing and robots.txt access rules so no
// caller can hammer a publisher by accident.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/temoto/robotstxt"
	"golang.org/x/time/rate"

	"newspipe/internal/logger"
	"newspipe/internal/retry"
)

var (
	// ErrRateLimited reports a 429 that persisted through retries.
	ErrRateLimited = errors.New("rate limited by remote host")
	// ErrRobotsDisallowed reports a URL whose host forbids the fetch.
	ErrRobotsDisallowed = errors.New("disallowed by robots.txt")
)

const maxBodyBytes = 4 << 20 // plenty for any article page

// Client fetches pages politely: one limiter per domain, robots.txt cached
// per host, every request bounded by the configured timeout.
type Client struct {
	http          *http.Client
	userAgent     string
	interval      time.Duration
	respectRobots bool
	retryCfg      retry.Config

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	robots   map[string]*robotstxt.RobotsData
}

type Options struct {
	UserAgent         string
	RequestTimeout    time.Duration
	PerDomainInterval time.Duration
	RespectRobots     bool
	RetryAttempts     int
	RetryDelay        time.Duration
}

func NewClient(opts Options) *Client {
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 30 * time.Second
	}
	if opts.PerDomainInterval <= 0 {
		opts.PerDomainInterval = time.Second
	}
	if opts.RetryAttempts < 1 {
		opts.RetryAttempts = 1
	}
	return &Client{
		http:          &http.Client{Timeout: opts.RequestTimeout},
		userAgent:     opts.UserAgent,
		interval:      opts.PerDomainInterval,
		respectRobots: opts.RespectRobots,
		retryCfg: retry.Config{
			MaxAttempts: opts.RetryAttempts,
			Delay:       opts.RetryDelay,
			Backoff:     true,
		},
		limiters: make(map[string]*rate.Limiter),
		robots:   make(map[string]*robotstxt.RobotsData),
	}
}

// Get fetches the URL body, waiting for the domain's pacing slot first.
// Transient failures (429, 5xx, transport errors) are retried with backoff;
// robots denials and 4xx responses are terminal.
func (c *Client) Get(ctx context.Context, rawURL string) ([]byte, error) {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return nil, fmt.Errorf("fetch %q: invalid url", rawURL)
	}

	if c.respectRobots && !c.allowed(ctx, u) {
		return nil, fmt.Errorf("fetch %s: %w", u.Host, ErrRobotsDisallowed)
	}

	if err := c.limiter(u.Host).Wait(ctx); err != nil {
		return nil, err
	}

	var body []byte
	err = retry.WithRetry(ctx, c.retryCfg, func() error {
		var attemptErr error
		body, attemptErr = c.fetchOnce(ctx, rawURL)
		return attemptErr
	})
	if err != nil {
		return nil, err
	}
	return body, nil
}

func (c *Client) fetchOnce(ctx context.Context, rawURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, retry.Stop(err)
	}
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err // transport errors are worth a retry
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
		if err != nil {
			return nil, err
		}
		return data, nil
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, fmt.Errorf("fetch %s: %w", rawURL, ErrRateLimited)
	case resp.StatusCode >= 500:
		return nil, fmt.Errorf("fetch %s: server error %d", rawURL, resp.StatusCode)
	default:
		return nil, retry.Stop(fmt.Errorf("fetch %s: status %d", rawURL, resp.StatusCode))
	}
}

func (c *Client) limiter(host string) *rate.Limiter {
	c.mu.Lock()
	defer c.mu.Unlock()

	host = strings.ToLower(host)
	l, ok := c.limiters[host]
	if !ok {
		l = rate.NewLimiter(rate.Every(c.interval), 1)
		c.limiters[host] = l
	}
	return l
}

func (c *Client) allowed(ctx context.Context, u *url.URL) bool {
	data := c.robotsFor(ctx, u)
	if data == nil {
		return true // robots unavailable, assume allowed
	}
	group := data.FindGroup(c.userAgent)
	if group == nil {
		return true
	}
	return group.Test(u.Path)
}

func (c *Client) robotsFor(ctx context.Context, u *url.URL) *robotstxt.RobotsData {
	host := strings.ToLower(u.Host)

	c.mu.Lock()
	data, cached := c.robots[host]
	c.mu.Unlock()
	if cached {
		return data
	}

	// The robots fetch takes the same pacing slot as any other request to
	// this host.
	if err := c.limiter(host).Wait(ctx); err != nil {
		return nil
	}

	robotsURL := u.Scheme + "://" + u.Host + "/robots.txt"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, robotsURL, nil)
	if err == nil && c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}
	if err == nil {
		if resp, doErr := c.http.Do(req); doErr == nil {
			parsed, parseErr := robotstxt.FromResponse(resp)
			resp.Body.Close()
			if parseErr == nil {
				data = parsed
			} else {
				logger.Debug("robots parse failed", "host", host, "error", parseErr)
			}
		}
	}

	c.mu.Lock()
	c.robots[host] = data
	c.mu.Unlock()
	return data
}
