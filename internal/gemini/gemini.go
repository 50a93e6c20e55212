// Package gemini wraps the inference service: the triage classifier, the
// per-article and per-topic summarizers, and the embedding model. Every call
// type has a fixed response schema; responses that do not fit it are rejected
// with ErrSchemaViolation, never silently coerced.
package gemini

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"

	"newspipe/internal/metrics"
)

// ErrSchemaViolation reports a response that failed schema validation.
var ErrSchemaViolation = errors.New("schema violation in model response")

// ErrBudgetExhausted reports that the per-run inference budget is spent.
var ErrBudgetExhausted = errors.New("inference budget exhausted")

type Client struct {
	client         *genai.Client
	triageModel    string
	summaryModel   string
	embeddingModel string
	budget         *Budget
}

type Options struct {
	APIKey         string
	TriageModel    string
	SummaryModel   string
	EmbeddingModel string
	MaxRequests    int // triage+summary budget per run, 0 = unlimited
}

func NewClient(ctx context.Context, opts Options) (*Client, error) {
	client, err := genai.NewClient(ctx, option.WithAPIKey(opts.APIKey))
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}
	return &Client{
		client:         client,
		triageModel:    opts.TriageModel,
		summaryModel:   opts.SummaryModel,
		embeddingModel: opts.EmbeddingModel,
		budget:         NewBudget(opts.MaxRequests),
	}, nil
}

func (c *Client) Close() {
	if c.client != nil {
		c.client.Close()
	}
}

// ModelVersion identifies the classifier for stored triage rows.
func (c *Client) ModelVersion() string { return c.triageModel }

// TriageVerdict is the classifier's structured answer for one (item, topic).
type TriageVerdict struct {
	IsMatch    bool    `json:"is_match"`
	Confidence float64 `json:"confidence"`
	Reason     string  `json:"reason"`
	Topic      string  `json:"topic"`
}

// Triage classifies a headline against a topic. Zero temperature keeps the
// verdict deterministic for a fixed (title, url, topic, model).
func (c *Client) Triage(ctx context.Context, title, url, topic string) (*TriageVerdict, error) {
	if err := c.budget.Use(); err != nil {
		return nil, err
	}
	metrics.Global.IncrementTriageCalls()

	model := c.client.GenerativeModel(c.triageModel)
	model.SetTemperature(0)
	model.ResponseMIMEType = "application/json"

	prompt := buildTriageRequest(topic, map[string]string{
		"title": title,
		"url":   url,
	})

	raw, err := c.generate(ctx, model, prompt)
	if err != nil {
		return nil, err
	}

	var verdict TriageVerdict
	if err := json.Unmarshal([]byte(raw), &verdict); err != nil {
		return nil, fmt.Errorf("%w: triage: %v", ErrSchemaViolation, err)
	}
	if verdict.Confidence < 0 || verdict.Confidence > 1 {
		return nil, fmt.Errorf("%w: triage confidence %v out of range", ErrSchemaViolation, verdict.Confidence)
	}
	if verdict.Topic == "" {
		verdict.Topic = topic
	} else if verdict.Topic != topic {
		return nil, fmt.Errorf("%w: triage topic %q, requested %q", ErrSchemaViolation, verdict.Topic, topic)
	}
	if verdict.IsMatch && verdict.Reason == "" {
		return nil, fmt.Errorf("%w: triage match without reason", ErrSchemaViolation)
	}
	return &verdict, nil
}

// Summary is the per-article summarization response.
type Summary struct {
	Summary string `json:"summary"`
}

// SummarizeArticle condenses extracted article text.
func (c *Client) SummarizeArticle(ctx context.Context, title, text string) (string, error) {
	if err := c.budget.Use(); err != nil {
		return "", err
	}

	model := c.client.GenerativeModel(c.summaryModel)
	model.SetTemperature(0)
	model.ResponseMIMEType = "application/json"

	prompt := buildSummaryRequest(map[string]string{
		"title": title,
		"text":  clampRunes(text, 12000),
	})

	raw, err := c.generate(ctx, model, prompt)
	if err != nil {
		return "", err
	}

	var out Summary
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return "", fmt.Errorf("%w: summary: %v", ErrSchemaViolation, err)
	}
	if strings.TrimSpace(out.Summary) == "" {
		return "", fmt.Errorf("%w: empty summary", ErrSchemaViolation)
	}
	return out.Summary, nil
}

// Narrative is the per-topic digest response.
type Narrative struct {
	Narrative string `json:"narrative"`
}

// DigestNarrative writes one coherent narrative over the full accumulated
// article set for a topic-day, not just the newest delta.
func (c *Client) DigestNarrative(ctx context.Context, topic string, summaries []string) (string, error) {
	if err := c.budget.Use(); err != nil {
		return "", err
	}

	model := c.client.GenerativeModel(c.summaryModel)
	model.SetTemperature(0)
	model.ResponseMIMEType = "application/json"

	prompt := buildDigestRequest(topic, summaries)

	raw, err := c.generate(ctx, model, prompt)
	if err != nil {
		return "", err
	}

	var out Narrative
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return "", fmt.Errorf("%w: digest narrative: %v", ErrSchemaViolation, err)
	}
	if strings.TrimSpace(out.Narrative) == "" {
		return "", fmt.Errorf("%w: empty digest narrative", ErrSchemaViolation)
	}
	return out.Narrative, nil
}

// Embed returns the embedding vector for the exact text.
func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	metrics.Global.IncrementEmbeddingCalls()

	em := c.client.EmbeddingModel(c.embeddingModel)
	res, err := em.EmbedContent(ctx, genai.Text(text))
	if err != nil {
		return nil, fmt.Errorf("embed content: %w", err)
	}
	if res.Embedding == nil || len(res.Embedding.Values) == 0 {
		return nil, fmt.Errorf("%w: empty embedding", ErrSchemaViolation)
	}
	return res.Embedding.Values, nil
}

// EmbeddingModelVersion keys the embedding cache.
func (c *Client) EmbeddingModelVersion() string { return c.embeddingModel }

func (c *Client) generate(ctx context.Context, model *genai.GenerativeModel, prompt string) (string, error) {
	resp, err := model.GenerateContent(ctx, genai.Text(prompt))
	if err != nil {
		return "", fmt.Errorf("generate content: %w", err)
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil || len(resp.Candidates[0].Content.Parts) == 0 {
		return "", fmt.Errorf("%w: no candidates in response", ErrSchemaViolation)
	}

	text, ok := resp.Candidates[0].Content.Parts[0].(genai.Text)
	if !ok {
		return "", fmt.Errorf("%w: non-text part in response", ErrSchemaViolation)
	}
	return string(text), nil
}

func clampRunes(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	trimmed := string(runes[:max])
	if idx := strings.LastIndex(trimmed, ". "); idx > max/4 {
		trimmed = trimmed[:idx+1]
	}
	return trimmed
}
