// Package chunker implements C3 of the RAG core: splitting a Document into
// token-sized Chunks by a selected strategy. It adapts the teacher's
// internal/textsplitters family (the fixed/boundary/recursive splitters this
// package's recursive strategy dispatches through) to this service's
// strategy names and invariants: recursive, semantic, markdown, html, each
// guaranteeing token_count(chunk) <= chunk_size. Markdown and semantic
// segmentation are implemented directly in this package (markdown.go,
// semantic.go) rather than via textsplitters: markdown chunks carry their
// ancestor heading, and semantic splitting needs a context and an
// embeddings adapter, none of which the textsplitters.Splitter interface
// carries.
package chunker

import (
	"context"
	"fmt"
	"strings"

	htmltomarkdown "github.com/JohannesKaufmann/html-to-markdown/v2"

	"ragserver/internal/providers"
	"ragserver/internal/ragdomain"
	"ragserver/internal/textsplitters"
)

// Strategy names the splitting algorithm, matching the request-level
// chunking_strategy field in §6.1.
type Strategy string

const (
	StrategyRecursive Strategy = "recursive"
	StrategySemantic  Strategy = "semantic"
	StrategyMarkdown  Strategy = "markdown"
	StrategyHTML      Strategy = "html"
)

// Options configures one Chunk call.
type Options struct {
	Strategy     Strategy
	ChunkSize    int // tokens
	ChunkOverlap int // tokens
}

func (o Options) normalized() Options {
	if o.Strategy == "" {
		o.Strategy = StrategyRecursive
	}
	if o.ChunkSize <= 0 {
		o.ChunkSize = 512
	}
	if o.ChunkOverlap < 0 || o.ChunkOverlap >= o.ChunkSize {
		o.ChunkOverlap = 0
	}
	return o
}

// Chunker splits documents. The embeddings adapter is only consulted by the
// "semantic" strategy, which needs sentence-level embeddings to locate
// similarity breakpoints (§4.3); every other strategy is pure CPU-bound
// text processing and never touches the network.
type Chunker struct {
	embeddings providers.EmbeddingsAdapter
}

// New constructs a Chunker. embeddings may be nil; Chunk then returns an
// error for the semantic strategy, while every other strategy works
// unchanged.
func New(embeddings providers.EmbeddingsAdapter) *Chunker {
	return &Chunker{embeddings: embeddings}
}

// Chunk splits doc into an ordered sequence of Chunks. docIndex labels the
// originating document's position within a batch (propagated to each
// Chunk.DocIndex for the pipeline's progress accounting).
func (c *Chunker) Chunk(ctx context.Context, doc ragdomain.Document, docIndex int, opts Options) ([]ragdomain.Chunk, error) {
	opts = opts.normalized()

	var (
		texts    []string
		headings []string // parallel to texts; "" when no ancestor heading
		err      error
	)
	switch opts.Strategy {
	case StrategyRecursive:
		texts = c.splitRecursive(doc.Content, opts)
		headings = make([]string, len(texts))
	case StrategyMarkdown:
		texts, headings = c.splitMarkdown(doc.Content, opts)
	case StrategyHTML:
		md, convErr := htmltomarkdown.ConvertString(doc.Content)
		if convErr != nil {
			return nil, fmt.Errorf("chunker: html to markdown: %w", convErr)
		}
		texts, headings = c.splitMarkdown(md, opts)
	case StrategySemantic:
		texts, err = c.splitSemantic(ctx, doc.Content, opts)
		if err != nil {
			return nil, err
		}
		headings = make([]string, len(texts))
	default:
		return nil, fmt.Errorf("chunker: unknown strategy %q", opts.Strategy)
	}

	texts = enforceMaxTokens(texts, opts.ChunkSize, opts.ChunkOverlap)

	chunks := make([]ragdomain.Chunk, 0, len(texts))
	for i, t := range texts {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}
		attrs := cloneAttrs(doc.Attributes)
		if i < len(headings) && headings[i] != "" {
			attrs["heading"] = headings[i]
		}
		chunks = append(chunks, ragdomain.Chunk{
			DocIndex:   docIndex,
			Index:      len(chunks),
			Text:       t,
			TokenCount: CountTokens(t),
			Source:     doc.Source,
			Attributes: attrs,
		})
	}
	return chunks, nil
}

func (c *Chunker) splitRecursive(text string, opts Options) []string {
	boundary := textsplitters.BoundaryConfig{
		Unit: textsplitters.UnitTokens, Size: opts.ChunkSize, Overlap: opts.ChunkOverlap, Tokenizer: sharedTokenizer,
	}
	fallback := textsplitters.FixedConfig{
		Unit: textsplitters.UnitTokens, Size: opts.ChunkSize, Overlap: opts.ChunkOverlap, Tokenizer: sharedTokenizer,
	}
	splitter, _ := textsplitters.NewFromConfig(textsplitters.Config{
		Kind: textsplitters.KindRecursive,
		Recursive: textsplitters.RecursiveConfig{
			Paragraphs: boundary,
			Sentences:  boundary,
			Fallback:   fallback,
		},
	})
	return splitter.Split(text)
}

func cloneAttrs(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// enforceMaxTokens re-splits any text whose token count exceeds size, as a
// final backstop: grouping strategies may hand back one oversized unit when
// a single paragraph/sentence/section already exceeds the budget.
func enforceMaxTokens(texts []string, size, overlap int) []string {
	out := make([]string, 0, len(texts))
	for _, t := range texts {
		if CountTokens(t) <= size {
			out = append(out, t)
			continue
		}
		fx, _ := textsplitters.NewFromConfig(textsplitters.Config{
			Kind:  textsplitters.KindFixed,
			Fixed: textsplitters.FixedConfig{Unit: textsplitters.UnitTokens, Size: size, Overlap: overlap, Tokenizer: sharedTokenizer},
		})
		out = append(out, fx.Split(t)...)
	}
	return out
}
