// Package config loads the per-run configuration snapshot. The snapshot is
// immutable once loaded and is passed explicitly into every component.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	// Storage
	DatabasePath string

	// Sources/topics file
	SourcesConfigPath string

	// Gemini settings
	GeminiAPIKey    string
	TriageModel     string
	SummaryModel    string
	EmbeddingModel  string
	MaxInferenceReq int // per-run budget for triage+summary calls (0 = unlimited)

	// Fetch settings
	RequestTimeout    time.Duration
	PerDomainInterval time.Duration
	UserAgent         string
	RespectRobots     bool

	// Discovery settings
	NewsMaxAge    time.Duration
	ClusterWindow time.Duration

	// Extraction settings
	MinArticleChars int
	ExtractTimeout  time.Duration
	BrowserEndpoint string // empty disables the tool-assisted strategies
	SessionMaxUses  int

	// Concurrency
	StageWorkers int

	// Retry policy for transient failures
	RetryAttempts int
	RetryDelay    time.Duration

	// App settings
	Debug bool
}

// Topic describes one digest topic with its gating parameters.
type Topic struct {
	Name            string   `yaml:"name"`
	TriageThreshold float64  `yaml:"triage_threshold"`
	SeedPhrases     []string `yaml:"seed_phrases"`
	Positives       []string `yaml:"positives"`
	Negatives       []string `yaml:"negatives"`
	PrefilterAlpha  float64  `yaml:"prefilter_alpha"`
	KeepRate        float64  `yaml:"keep_rate"`
	TargetPrecision float64  `yaml:"target_precision"`
}

// Feed describes one discovery source.
type Feed struct {
	URL    string `yaml:"url"`
	Name   string `yaml:"name"`
	Lang   string `yaml:"lang"`
	Kind   string `yaml:"kind"` // rss | sitemap | listing
	Weight int    `yaml:"weight"`
}

// Sources is the YAML sources file: feeds to read and topics to gate on.
type Sources struct {
	Feeds  []Feed  `yaml:"feeds"`
	Topics []Topic `yaml:"topics"`
}

func Load() (*Config, error) {
	cfg := &Config{
		DatabasePath:      "newspipe.db",
		SourcesConfigPath: "configs/sources.yaml",
		TriageModel:       "gemini-1.5-flash",
		SummaryModel:      "gemini-1.5-flash",
		EmbeddingModel:    "text-embedding-004",
		MaxInferenceReq:   0,
		RequestTimeout:    30 * time.Second,
		PerDomainInterval: 2 * time.Second,
		UserAgent:         "newspipe/1.0",
		RespectRobots:     true,
		NewsMaxAge:        24 * time.Hour,
		ClusterWindow:     6 * time.Hour,
		MinArticleChars:   600,
		ExtractTimeout:    45 * time.Second,
		SessionMaxUses:    20,
		StageWorkers:      8,
		RetryAttempts:     3,
		RetryDelay:        2 * time.Second,
	}

	cfg.GeminiAPIKey = os.Getenv("GEMINI_API_KEY")
	cfg.DatabasePath = getEnvOrDefault("DATABASE_PATH", cfg.DatabasePath)
	cfg.SourcesConfigPath = getEnvOrDefault("SOURCES_CONFIG_PATH", cfg.SourcesConfigPath)
	cfg.BrowserEndpoint = os.Getenv("BROWSER_ENDPOINT")
	cfg.UserAgent = getEnvOrDefault("USER_AGENT", cfg.UserAgent)

	if m := os.Getenv("TRIAGE_MODEL"); m != "" {
		cfg.TriageModel = m
	}
	if m := os.Getenv("SUMMARY_MODEL"); m != "" {
		cfg.SummaryModel = m
	}
	if m := os.Getenv("EMBEDDING_MODEL"); m != "" {
		cfg.EmbeddingModel = m
	}

	cfg.MaxInferenceReq = getEnvIntOrDefault("MAX_INFERENCE_REQUESTS", cfg.MaxInferenceReq)
	cfg.MinArticleChars = getEnvIntOrDefault("MIN_ARTICLE_CHARS", cfg.MinArticleChars)
	cfg.SessionMaxUses = getEnvIntOrDefault("SESSION_MAX_USES", cfg.SessionMaxUses)
	cfg.StageWorkers = getEnvIntOrDefault("STAGE_WORKERS", cfg.StageWorkers)
	cfg.RetryAttempts = getEnvIntOrDefault("RETRY_ATTEMPTS", cfg.RetryAttempts)

	cfg.RequestTimeout = getEnvDurationOrDefault("REQUEST_TIMEOUT", cfg.RequestTimeout)
	cfg.PerDomainInterval = getEnvDurationOrDefault("PER_DOMAIN_INTERVAL", cfg.PerDomainInterval)
	cfg.NewsMaxAge = getEnvDurationOrDefault("NEWS_MAX_AGE", cfg.NewsMaxAge)
	cfg.ClusterWindow = getEnvDurationOrDefault("CLUSTER_WINDOW", cfg.ClusterWindow)
	cfg.ExtractTimeout = getEnvDurationOrDefault("EXTRACT_TIMEOUT", cfg.ExtractTimeout)
	cfg.RetryDelay = getEnvDurationOrDefault("RETRY_DELAY", cfg.RetryDelay)

	if os.Getenv("RESPECT_ROBOTS") == "false" {
		cfg.RespectRobots = false
	}
	if os.Getenv("DEBUG") == "true" {
		cfg.Debug = true
	}

	return cfg, cfg.Validate()
}

// LoadSources reads the feeds/topics YAML file.
func LoadSources(path string) (*Sources, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var src Sources
	dec := yaml.NewDecoder(f)
	if err := dec.Decode(&src); err != nil {
		return nil, fmt.Errorf("decode sources config: %w", err)
	}
	if err := src.Validate(); err != nil {
		return nil, err
	}
	return &src, nil
}

func (s *Sources) Validate() error {
	if len(s.Feeds) == 0 {
		return fmt.Errorf("sources config has no feeds")
	}
	if len(s.Topics) == 0 {
		return fmt.Errorf("sources config has no topics")
	}
	for i := range s.Feeds {
		f := &s.Feeds[i]
		if f.URL == "" {
			return fmt.Errorf("feed %d: url is required", i)
		}
		if f.Kind == "" {
			f.Kind = "rss"
		}
		switch f.Kind {
		case "rss", "sitemap", "listing":
		default:
			return fmt.Errorf("feed %s: unknown kind %q", f.URL, f.Kind)
		}
	}
	for i := range s.Topics {
		t := &s.Topics[i]
		if t.Name == "" {
			return fmt.Errorf("topic %d: name is required", i)
		}
		if t.TriageThreshold <= 0 {
			t.TriageThreshold = 0.7
		}
		if t.PrefilterAlpha <= 0 {
			t.PrefilterAlpha = 0.5
		}
		if t.KeepRate <= 0 {
			t.KeepRate = 0.3
		}
		if len(t.SeedPhrases) == 0 && len(t.Positives) == 0 {
			return fmt.Errorf("topic %s: needs seed_phrases or positives", t.Name)
		}
	}
	return nil
}

// Topic returns the named topic, if present.
func (s *Sources) Topic(name string) (Topic, bool) {
	for _, t := range s.Topics {
		if t.Name == name {
			return t, true
		}
	}
	return Topic{}, false
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil && d > 0 {
			return d
		}
	}
	return defaultValue
}

func (c *Config) Validate() error {
	if c.GeminiAPIKey == "" {
		return fmt.Errorf("GEMINI_API_KEY is required")
	}
	if c.DatabasePath == "" {
		return fmt.Errorf("DATABASE_PATH must not be empty")
	}
	if c.StageWorkers < 1 {
		return fmt.Errorf("STAGE_WORKERS must be at least 1")
	}
	if c.MinArticleChars < 1 {
		return fmt.Errorf("MIN_ARTICLE_CHARS must be positive")
	}
	return nil
}
