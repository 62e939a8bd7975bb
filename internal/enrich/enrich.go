// Package enrich implements C4: asking the configured metadata ChatAdapter
// for a structured per-chunk summary, keywords, topic, complexity, entities,
// and sentiment. It is grounded on the teacher's legacy summarizeContent
// (rag.go) — a structured prompt sent to a chat completion endpoint — but
// built against a structured-output contract (all six fields at once,
// parsed tolerantly) rather than the legacy function's single free-text
// summary.
package enrich

import (
	"context"
	"encoding/json"
	"regexp"
	"strings"

	"ragserver/internal/providers"
	"ragserver/internal/ragdomain"
)

const systemPrompt = `You are a metadata extraction assistant for a document ingestion pipeline.
Given one chunk of text, respond with a single JSON object and nothing else, containing:
  "summary": a 1-2 sentence summary of the chunk
  "keywords": an array of 3-8 short keyword strings
  "topic": a short topic label (a few words)
  "complexity": one of "simple", "medium", "complex"
  "entities": an array of named entities mentioned in the text (may be empty)
  "sentiment": one word describing the overall tone (e.g. "neutral", "positive", "negative")
Respond with only the JSON object, no commentary, no markdown fences.`

// Enricher enriches chunks via a rate-limited chat adapter. Logger receives
// a warning when a response can't be parsed; enrichment degrades to empty
// metadata rather than failing the chunk, per §4.4.
type Enricher struct {
	chat   providers.ChatAdapter
	logger Logger
}

// Logger is the minimal structured logging seam shared with the rest of
// the core (see internal/observability and SPEC_FULL.md §A.1).
type Logger interface {
	Warn(msg string, fields map[string]any)
}

type noopLogger struct{}

func (noopLogger) Warn(string, map[string]any) {}

// New constructs an Enricher. logger may be nil, in which case warnings are
// dropped.
func New(chat providers.ChatAdapter, logger Logger) *Enricher {
	if logger == nil {
		logger = noopLogger{}
	}
	return &Enricher{chat: chat, logger: logger}
}

// Enrich asks the chat adapter for chunk.Text's metadata. It never returns
// an error for a malformed or unreachable model response: callers get an
// empty ragdomain.Metadata and the enricher logs a warning, so one bad
// chunk never aborts the whole ingestion (§4.4, §7).
func (e *Enricher) Enrich(ctx context.Context, chunk ragdomain.Chunk) ragdomain.Metadata {
	raw, err := e.chat.Complete(ctx, systemPrompt, "Chunk:\n"+chunk.Text, 0.2, 512)
	if err != nil {
		e.logger.Warn("metadata enrichment call failed", map[string]any{
			"source": chunk.Source, "chunk_index": chunk.Index, "error": err.Error(),
		})
		return ragdomain.Metadata{}
	}
	md, ok := parse(raw)
	if !ok {
		e.logger.Warn("metadata enrichment response unparsable", map[string]any{
			"source": chunk.Source, "chunk_index": chunk.Index,
		})
		return ragdomain.Metadata{}
	}
	return md
}

var fenceRe = regexp.MustCompile("(?s)```(?:json)?\\s*(.*?)\\s*```")

// parse tolerates minor format drift: markdown code fences around the JSON,
// leading/trailing prose, and missing fields (which default to zero
// values). It only reports ok=false when no JSON object can be located at
// all.
func parse(raw string) (ragdomain.Metadata, bool) {
	body := strings.TrimSpace(raw)
	if m := fenceRe.FindStringSubmatch(body); m != nil {
		body = strings.TrimSpace(m[1])
	}
	start := strings.IndexByte(body, '{')
	end := strings.LastIndexByte(body, '}')
	if start < 0 || end < start {
		return ragdomain.Metadata{}, false
	}
	body = body[start : end+1]

	var parsed struct {
		Summary    string   `json:"summary"`
		Keywords   []string `json:"keywords"`
		Topic      string   `json:"topic"`
		Complexity string   `json:"complexity"`
		Entities   []string `json:"entities"`
		Sentiment  string   `json:"sentiment"`
	}
	if err := json.Unmarshal([]byte(body), &parsed); err != nil {
		return ragdomain.Metadata{}, false
	}

	complexity := ragdomain.Complexity(strings.ToLower(strings.TrimSpace(parsed.Complexity)))
	switch complexity {
	case ragdomain.ComplexitySimple, ragdomain.ComplexityMedium, ragdomain.ComplexityComplex:
	default:
		complexity = ""
	}

	return ragdomain.Metadata{
		Summary:    strings.TrimSpace(parsed.Summary),
		Keywords:   parsed.Keywords,
		Topic:      strings.TrimSpace(parsed.Topic),
		Complexity: complexity,
		Entities:   parsed.Entities,
		Sentiment:  strings.TrimSpace(parsed.Sentiment),
	}, true
}
