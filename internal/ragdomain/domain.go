// Package ragdomain holds the entities shared across the ingestion and
// question-answering pipelines: documents, chunks, enrichment metadata, and
// the response shape returned to callers. Keeping these in one leaf package
// avoids import cycles between the chunker, enricher, vector store, and
// pipeline packages, which all need the same vocabulary.
package ragdomain

import "time"

// Document is an opaque content payload plus a source label and a free-form
// attribute bag. Immutable once constructed.
type Document struct {
	Content    string
	Source     string
	Attributes map[string]string
}

// Chunk is an ordered fragment of one Document.
type Chunk struct {
	DocIndex   int // index of the source Document within the originating batch
	Index      int // chunk index within its document
	Text       string
	TokenCount int
	Source     string
	Attributes map[string]string // inherited document attributes plus any the chunker added (e.g. heading)
}

// Complexity classifies how involved a chunk's content is, as judged by the
// metadata enricher.
type Complexity string

const (
	ComplexitySimple  Complexity = "simple"
	ComplexityMedium  Complexity = "medium"
	ComplexityComplex Complexity = "complex"
)

// Metadata is the structured output of the metadata enricher. Any field may
// be zero-valued when enrichment is disabled, failed, or the model's answer
// didn't mention that field.
type Metadata struct {
	Summary    string
	Keywords   []string
	Topic      string
	Complexity Complexity
	Entities   []string
	Sentiment  string
}

// EnrichedChunk pairs a Chunk with its (possibly empty) Metadata.
type EnrichedChunk struct {
	Chunk
	Metadata Metadata
}

// QueryType is advisory guidance for which prompt template the QA service
// should use. Unknown values default to QueryTypeGeneral.
type QueryType string

const (
	QueryTypeGeneral  QueryType = "general"
	QueryTypeResearch QueryType = "research"
	QueryTypeSpecific QueryType = "specific"
	QueryTypeComplex  QueryType = "complex"
)

// NormalizeQueryType maps unrecognized or empty query types to general.
func NormalizeQueryType(qt QueryType) QueryType {
	switch qt {
	case QueryTypeGeneral, QueryTypeResearch, QueryTypeSpecific, QueryTypeComplex:
		return qt
	default:
		return QueryTypeGeneral
	}
}

// Source describes one retrieved chunk backing a QAResponse.
type Source struct {
	Source    string            `json:"source"`
	Relevance float64           `json:"relevance_score"`
	Snippet   string            `json:"snippet"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// QAResponse is the result of QAService.Answer / AnswerIn / BatchAnswer;
// Search returns plain []Source.
type QAResponse struct {
	Answer         string        `json:"answer"`
	QueryType      QueryType     `json:"query_type"`
	Sources        []Source      `json:"sources"`
	DocumentsUsed  int           `json:"documents_used"`
	RetrievalMS    int64         `json:"retrieval_time_ms"`
	GenerationMS   int64         `json:"generation_time_ms"`
	TotalMS        int64         `json:"total_time_ms"`
	Model          string        `json:"model"`
	GeneratedAt    time.Time     `json:"-"`
}
