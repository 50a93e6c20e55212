package gemini

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Request payload builders. Kept as a narrow seam: each builder takes the
// topic/fields and returns the finished payload, so the rest of the package
// never handles templating.

func buildTriageRequest(topic string, fields map[string]string) string {
	var b strings.Builder
	b.WriteString("Decide whether the news item below belongs to the topic ")
	fmt.Fprintf(&b, "%q.\n\n", topic)
	fmt.Fprintf(&b, "Title: %s\nURL: %s\n\n", fields["title"], fields["url"])
	b.WriteString(`Answer with a single JSON object, no markdown fences: `)
	fmt.Fprintf(&b, `{"is_match": bool, "confidence": number between 0 and 1, "reason": short string, "topic": %q}`, topic)
	return b.String()
}

func buildSummaryRequest(fields map[string]string) string {
	var b strings.Builder
	b.WriteString("Summarize the article below in 3-5 factual sentences. ")
	b.WriteString("Keep proper nouns unchanged, no opinions, no preamble.\n\n")
	fmt.Fprintf(&b, "Title: %s\n\n%s\n\n", fields["title"], fields["text"])
	b.WriteString(`Answer with a single JSON object, no markdown fences: {"summary": string}`)
	return b.String()
}

func buildDigestRequest(topic string, summaries []string) string {
	// The full accumulated set goes in, so the narrative always reads as one
	// document no matter how many runs contributed.
	items, _ := json.Marshal(summaries)

	var b strings.Builder
	fmt.Fprintf(&b, "Write one coherent daily digest narrative for the topic %q ", topic)
	b.WriteString("covering every article summary in the JSON array below. ")
	b.WriteString("Order by importance, merge overlapping stories, 2-4 paragraphs.\n\n")
	b.Write(items)
	b.WriteString("\n\n")
	b.WriteString(`Answer with a single JSON object, no markdown fences: {"narrative": string}`)
	return b.String()
}
