// Package browser talks to the browser-automation tool-service. It is only
// ever invoked as a fallback: client-side redirects the offline decoders miss
// and script-rendered pages static extraction cannot read.
package browser

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"newspipe/internal/logger"
)

// Client issues navigation/extraction instructions to the tool-service over
// HTTP JSON. Every call runs inside a leased session from the pool.
type Client struct {
	endpoint string
	http     *http.Client
	pool     *SessionPool
}

func NewClient(endpoint string, timeout time.Duration, sessionMaxUses int) *Client {
	c := &Client{
		endpoint: strings.TrimRight(endpoint, "/"),
		http:     &http.Client{Timeout: timeout},
	}
	c.pool = NewSessionPool(c, sessionMaxUses)
	return c
}

// Enabled reports whether a tool-service endpoint is configured.
func (c *Client) Enabled() bool {
	return c != nil && c.endpoint != ""
}

type instruction struct {
	SessionID string `json:"session_id"`
	Action    string `json:"action"` // "resolve" | "extract"
	URL       string `json:"url"`
}

type instructionResult struct {
	FinalURL string `json:"final_url,omitempty"`
	Text     string `json:"text,omitempty"`
	Error    string `json:"error,omitempty"`
}

// FinalLocation drives the browser through client-side redirects and reports
// where the page ends up.
func (c *Client) FinalLocation(ctx context.Context, rawURL string) (string, error) {
	res, err := c.run(ctx, "resolve", rawURL)
	if err != nil {
		return "", err
	}
	if res.FinalURL == "" {
		return "", fmt.Errorf("tool-service returned no final url for %s", rawURL)
	}
	return res.FinalURL, nil
}

// ExtractText renders the page and returns its readable text.
func (c *Client) ExtractText(ctx context.Context, rawURL string) (string, error) {
	res, err := c.run(ctx, "extract", rawURL)
	if err != nil {
		return "", err
	}
	return res.Text, nil
}

func (c *Client) run(ctx context.Context, action, rawURL string) (*instructionResult, error) {
	lease, err := c.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer lease.Release()

	payload, err := json.Marshal(instruction{
		SessionID: lease.SessionID(),
		Action:    action,
		URL:       rawURL,
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+"/run", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		lease.MarkBroken()
		return nil, fmt.Errorf("tool-service %s: %w", action, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		lease.MarkBroken()
		return nil, fmt.Errorf("tool-service %s: status %d: %s", action, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var res instructionResult
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		lease.MarkBroken()
		return nil, fmt.Errorf("tool-service %s: decode response: %w", action, err)
	}
	if res.Error != "" {
		return nil, fmt.Errorf("tool-service %s: %s", action, res.Error)
	}
	return &res, nil
}

func (c *Client) openSession(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+"/sessions", nil)
	if err != nil {
		return "", err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("open browser session: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("open browser session: status %d", resp.StatusCode)
	}

	var out struct {
		SessionID string `json:"session_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("open browser session: decode: %w", err)
	}
	if out.SessionID == "" {
		return "", fmt.Errorf("open browser session: empty session id")
	}
	return out.SessionID, nil
}

func (c *Client) closeSession(sessionID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.endpoint+"/sessions/"+sessionID, nil)
	if err != nil {
		return
	}
	resp, err := c.http.Do(req)
	if err != nil {
		logger.Debug("close browser session failed", "session", sessionID, "error", err)
		return
	}
	resp.Body.Close()
}
