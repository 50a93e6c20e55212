package metrics

import (
	"sync"
	"time"
)

// Metrics collects per-process pipeline counters. A single shared instance is
// exposed through Global and served by the monitoring endpoint.
type Metrics struct {
	mu sync.RWMutex

	// Counters
	ItemsDiscovered    int64
	DuplicatesFiltered int64
	PrefilterRejected  int64
	TriageCalls        int64
	TriageMatched      int64
	TriageFailed       int64
	EmbeddingCacheHits int64
	EmbeddingCalls     int64
	StaticExtractions  int64
	ToolExtractions    int64
	ExtractionFailures int64
	SummariesGenerated int64
	DigestDuplicates   int64
	ItemsRecovered     int64

	// Timings
	LastRunDuration    time.Duration
	TotalRunDuration   time.Duration
	RunCount           int64
	AverageRunDuration time.Duration

	// Status
	LastRunTime   time.Time
	LastErrorTime time.Time
	LastError     string
	IsHealthy     bool
}

var Global = &Metrics{IsHealthy: true}

func (m *Metrics) Add(field *int64, n int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	*field += n
}

func (m *Metrics) IncrementItemsDiscovered(n int)   { m.Add(&m.ItemsDiscovered, int64(n)) }
func (m *Metrics) IncrementDuplicatesFiltered()     { m.Add(&m.DuplicatesFiltered, 1) }
func (m *Metrics) IncrementPrefilterRejected(n int) { m.Add(&m.PrefilterRejected, int64(n)) }
func (m *Metrics) IncrementTriageCalls()            { m.Add(&m.TriageCalls, 1) }
func (m *Metrics) IncrementTriageMatched()          { m.Add(&m.TriageMatched, 1) }
func (m *Metrics) IncrementTriageFailed()           { m.Add(&m.TriageFailed, 1) }
func (m *Metrics) IncrementEmbeddingCacheHits()     { m.Add(&m.EmbeddingCacheHits, 1) }
func (m *Metrics) IncrementEmbeddingCalls()         { m.Add(&m.EmbeddingCalls, 1) }
func (m *Metrics) IncrementExtractionFailures()     { m.Add(&m.ExtractionFailures, 1) }
func (m *Metrics) IncrementSummariesGenerated()     { m.Add(&m.SummariesGenerated, 1) }
func (m *Metrics) IncrementDigestDuplicates(n int)  { m.Add(&m.DigestDuplicates, int64(n)) }
func (m *Metrics) IncrementItemsRecovered(n int)    { m.Add(&m.ItemsRecovered, int64(n)) }

// RecordExtraction tracks which strategy produced the article text.
func (m *Metrics) RecordExtraction(method string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch method {
	case "static":
		m.StaticExtractions++
	case "tool-assisted":
		m.ToolExtractions++
	}
}

func (m *Metrics) RecordRunDuration(duration time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.LastRunDuration = duration
	m.TotalRunDuration += duration
	m.RunCount++
	m.AverageRunDuration = m.TotalRunDuration / time.Duration(m.RunCount)
}

func (m *Metrics) SetLastRun() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.LastRunTime = time.Now()
	m.IsHealthy = true
}

func (m *Metrics) SetError(err string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.LastError = err
	m.LastErrorTime = time.Now()
	m.IsHealthy = false
}

func (m *Metrics) GetStats() map[string]interface{} {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return map[string]interface{}{
		"items_discovered":     m.ItemsDiscovered,
		"duplicates_filtered":  m.DuplicatesFiltered,
		"prefilter_rejected":   m.PrefilterRejected,
		"triage_calls":         m.TriageCalls,
		"triage_matched":       m.TriageMatched,
		"triage_failed":        m.TriageFailed,
		"embedding_cache_hits": m.EmbeddingCacheHits,
		"embedding_calls":      m.EmbeddingCalls,
		"static_extractions":   m.StaticExtractions,
		"tool_extractions":     m.ToolExtractions,
		"extraction_failures":  m.ExtractionFailures,
		"summaries_generated":  m.SummariesGenerated,
		"digest_duplicates":    m.DigestDuplicates,
		"items_recovered":      m.ItemsRecovered,
		"last_run_duration_ms": m.LastRunDuration.Milliseconds(),
		"avg_run_duration_ms":  m.AverageRunDuration.Milliseconds(),
		"last_run_time":        m.LastRunTime.Format(time.RFC3339),
		"last_error_time":      m.LastErrorTime.Format(time.RFC3339),
		"last_error":           m.LastError,
		"is_healthy":           m.IsHealthy,
	}
}
