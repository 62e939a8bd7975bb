// Package qa implements C8: retrieve-then-generate question answering with
// auto-initialization from an existing collection on the first cold-start
// call. The ready/not-ready state machine and mutex-guarded fields are
// grounded on the teacher's internal/rag/service.Service, and the
// query-type-specific prompt templates and source packaging are grounded
// on service.go's Retrieve plus internal/rag/retrieve/fusion.go's
// diversification (reused here via vectorstore.Retrieve).
package qa

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"ragserver/internal/chunker"
	"ragserver/internal/ingestpipeline"
	"ragserver/internal/progress"
	"ragserver/internal/providers"
	"ragserver/internal/ragdomain"
	"ragserver/internal/vectorstore"
)

// ServiceUnavailableError is returned by Answer when auto-initialization
// fails, per §7.
type ServiceUnavailableError struct {
	Detail     string
	Suggestion string
}

func (e *ServiceUnavailableError) Error() string { return e.Detail }

// GenerationError wraps a C2 chat failure surfaced during Answer.
type GenerationError struct {
	Stage string
	Err   error
}

func (e *GenerationError) Error() string { return fmt.Sprintf("generation failed at %s: %v", e.Stage, e.Err) }
func (e *GenerationError) Unwrap() error { return e.Err }

// RetrievalError wraps a C5 failure surfaced during Answer or Search.
type RetrievalError struct {
	Stage string
	Err   error
}

func (e *RetrievalError) Error() string { return fmt.Sprintf("retrieval failed at %s: %v", e.Stage, e.Err) }
func (e *RetrievalError) Unwrap() error { return e.Err }

// maxBatchFanOut bounds batch_answer's internal concurrency (§4.8: "serial
// or small-parallel (≤4) fan-out bounded by C1").
const maxBatchFanOut = 4

// defaultK is the adaptive mapping's k for general, research and complex
// queries. Answer and Search do not read it: a k <= 0 keeps whatever k the
// adaptive retriever chose for the query type.
const defaultK = 5

// Service is C8.
type Service struct {
	mu         sync.RWMutex
	ready      bool
	collection string

	store      vectorstore.Store
	embeddings providers.EmbeddingsAdapter
	chat       providers.ChatAdapter
	pipeline   *ingestpipeline.Pipeline
	tracker    *progress.Tracker

	defaultCollection string
}

// New constructs a QA service bound to the given collaborators.
// defaultCollection is used by auto-initialization when a caller never
// explicitly initializes the service.
func New(store vectorstore.Store, embeddings providers.EmbeddingsAdapter, chat providers.ChatAdapter, pipeline *ingestpipeline.Pipeline, tracker *progress.Tracker, defaultCollection string) *Service {
	return &Service{
		store:             store,
		embeddings:        embeddings,
		chat:              chat,
		pipeline:          pipeline,
		tracker:           tracker,
		defaultCollection: defaultCollection,
	}
}

// IngestOptions mirrors the /upload and /initialize request fields that
// affect how C6 processes documents (§6.1).
type IngestOptions struct {
	Strategy       chunker.Strategy
	ChunkSize      int
	ChunkOverlap   int
	EnableMetadata bool
	ForceRecreate  bool
}

// InitializeFromDocuments wraps C6 for the synchronous, non-upload path:
// it runs the ingestion pipeline to completion before returning, then
// binds the retriever to collection.
func (s *Service) InitializeFromDocuments(ctx context.Context, documents []ragdomain.Document, collection string, opts IngestOptions) (map[string]any, error) {
	if opts.Strategy == "" {
		opts.Strategy = chunker.StrategyRecursive
	}
	job, err := s.tracker.Create("")
	if err != nil {
		return nil, err
	}
	s.pipeline.Run(ctx, ingestpipeline.Request{
		UploadID:       job.UploadID,
		CollectionName: collection,
		Documents:      documents,
		Strategy:       opts.Strategy,
		ChunkSize:      opts.ChunkSize,
		ChunkOverlap:   opts.ChunkOverlap,
		EnableMetadata: opts.EnableMetadata,
		ForceRecreate:  opts.ForceRecreate,
	})
	final, err := s.tracker.Get(job.UploadID)
	if err != nil {
		return nil, err
	}
	if final.Status != progress.StatusCompleted {
		return nil, fmt.Errorf("initialize_from_documents: ingestion failed: %s", final.Error)
	}
	s.bind(collection)
	return final.Result, nil
}

// InitializeFromExistingCollection probes C5 for collection and, if it
// exists, binds a retriever and transitions to ready.
func (s *Service) InitializeFromExistingCollection(ctx context.Context, collection string) error {
	if _, err := s.store.Stats(ctx, collection); err != nil {
		return fmt.Errorf("initialize_from_existing_collection: %w", err)
	}
	s.bind(collection)
	return nil
}

func (s *Service) bind(collection string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.collection = collection
	s.ready = true
}

func (s *Service) snapshot() (collection string, ready bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.collection, s.ready
}

// ensureReady implements the §4.8 auto-init step: if not ready, attempt to
// bind against the default collection before giving up.
func (s *Service) ensureReady(ctx context.Context) (string, error) {
	collection, ready := s.snapshot()
	if ready {
		return collection, nil
	}
	if err := s.InitializeFromExistingCollection(ctx, s.defaultCollection); err != nil {
		return "", &ServiceUnavailableError{
			Detail:     fmt.Sprintf("qa service not initialized and auto-init against %q failed: %v", s.defaultCollection, err),
			Suggestion: "call /initialize",
		}
	}
	collection, _ = s.snapshot()
	return collection, nil
}

// resolveCollection implements the §9 open-question-1 behavior: an
// explicit per-call override bypasses auto-init entirely and is used
// as-is; otherwise fall back to the bound/auto-initialized collection.
func (s *Service) resolveCollection(ctx context.Context, override string) (string, error) {
	if override != "" {
		return override, nil
	}
	return s.ensureReady(ctx)
}

// Answer executes retrieve-then-generate for one question against the
// bound (or auto-initialized) collection.
func (s *Service) Answer(ctx context.Context, question string, queryType ragdomain.QueryType, k int) (ragdomain.QAResponse, error) {
	return s.answer(ctx, "", question, queryType, k)
}

// AnswerIn executes Answer against collection for this call only, without
// rebinding the service's default collection (§9 open question 1).
func (s *Service) AnswerIn(ctx context.Context, collection, question string, queryType ragdomain.QueryType, k int) (ragdomain.QAResponse, error) {
	return s.answer(ctx, collection, question, queryType, k)
}

func (s *Service) answer(ctx context.Context, collectionOverride, question string, queryType ragdomain.QueryType, k int) (ragdomain.QAResponse, error) {
	start := time.Now()
	collection, err := s.resolveCollection(ctx, collectionOverride)
	if err != nil {
		return ragdomain.QAResponse{}, err
	}
	queryType = ragdomain.NormalizeQueryType(queryType)

	retrieveStart := time.Now()
	results, err := s.retrieve(ctx, collection, question, queryType, k)
	if err != nil {
		return ragdomain.QAResponse{}, &RetrievalError{Stage: "retrieve", Err: err}
	}
	retrievalMS := time.Since(retrieveStart).Milliseconds()

	prompt := promptFor(queryType)
	context_, sources := buildContext(results)
	userPrompt := strings.NewReplacer("{context}", context_, "{question}", question).Replace(prompt.user)

	genStart := time.Now()
	answer, err := s.chat.Complete(ctx, prompt.system, userPrompt, 0.3, 800)
	if err != nil {
		return ragdomain.QAResponse{}, &GenerationError{Stage: "generate", Err: err}
	}
	generationMS := time.Since(genStart).Milliseconds()

	return ragdomain.QAResponse{
		Answer:        answer,
		QueryType:     queryType,
		Sources:       sources,
		DocumentsUsed: len(results),
		RetrievalMS:   retrievalMS,
		GenerationMS:  generationMS,
		TotalMS:       time.Since(start).Milliseconds(),
		Model:         s.chat.Model(),
		GeneratedAt:   time.Now(),
	}, nil
}

// BatchAnswer runs Answer over questions with bounded fan-out (≤4
// concurrent), itself bounded further by the shared rate limiter inside
// the provider adapters.
func (s *Service) BatchAnswer(ctx context.Context, questions []string, queryType ragdomain.QueryType, k int) ([]ragdomain.QAResponse, error) {
	out := make([]ragdomain.QAResponse, len(questions))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxBatchFanOut)
	for i, q := range questions {
		i, q := i, q
		g.Go(func() error {
			resp, err := s.Answer(gctx, q, queryType, k)
			if err != nil {
				return err
			}
			out[i] = resp
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// Search performs retrieval only, with no generation step, against the
// bound (or auto-initialized) collection.
func (s *Service) Search(ctx context.Context, query string, queryType ragdomain.QueryType, k int) ([]ragdomain.Source, error) {
	return s.search(ctx, "", query, queryType, k)
}

// SearchIn is Search against collection for this call only (§9 open
// question 1).
func (s *Service) SearchIn(ctx context.Context, collection, query string, queryType ragdomain.QueryType, k int) ([]ragdomain.Source, error) {
	return s.search(ctx, collection, query, queryType, k)
}

func (s *Service) search(ctx context.Context, collectionOverride, query string, queryType ragdomain.QueryType, k int) ([]ragdomain.Source, error) {
	collection, err := s.resolveCollection(ctx, collectionOverride)
	if err != nil {
		return nil, err
	}
	queryType = ragdomain.NormalizeQueryType(queryType)
	results, err := s.retrieve(ctx, collection, query, queryType, k)
	if err != nil {
		return nil, &RetrievalError{Stage: "search", Err: err}
	}
	_, sources := buildContext(results)
	return sources, nil
}

func (s *Service) retrieve(ctx context.Context, collection, query string, queryType ragdomain.QueryType, k int) ([]vectorstore.SearchResult, error) {
	vec, err := s.embeddings.EmbedQuery(ctx, query)
	if err != nil {
		return nil, err
	}
	retriever := vectorstore.AdaptiveRetriever(collection, string(queryType), nil)
	if k > 0 {
		retriever.K = k
		if retriever.Strategy == vectorstore.StrategyMMR {
			retriever.FetchK = k * vectorstore.DefaultFetchKMultiplier
		}
	}
	return vectorstore.Retrieve(ctx, s.store, retriever, vec)
}

const snippetLen = 200

func buildContext(results []vectorstore.SearchResult) (string, []ragdomain.Source) {
	var b strings.Builder
	sources := make([]ragdomain.Source, 0, len(results))
	for _, r := range results {
		text, _ := r.Payload["text"].(string)
		source, _ := r.Payload["source"].(string)
		fmt.Fprintf(&b, "[source: %s]\n%s\n\n", source, text)

		snippet := text
		if len(snippet) > snippetLen {
			snippet = snippet[:snippetLen]
		}
		md := map[string]string{}
		if topic, ok := r.Payload["topic"].(string); ok && topic != "" {
			md["topic"] = topic
		}
		sources = append(sources, ragdomain.Source{
			Source:    source,
			Relevance: r.Score,
			Snippet:   snippet,
			Metadata:  md,
		})
	}
	return b.String(), sources
}

type promptTemplate struct {
	system string
	user   string
}

// promptFor returns the fixed-string template for queryType, each with
// {context} and {question} holes (§4.8). Templates differ in tone and
// structure but all instruct the model to answer only from context.
func promptFor(queryType ragdomain.QueryType) promptTemplate {
	switch queryType {
	case ragdomain.QueryTypeResearch:
		return promptTemplate{
			system: "You are a research assistant. Synthesize an answer strictly from the provided sources, citing which source each claim comes from. If the sources don't cover the question, say so explicitly.",
			user:   "Sources:\n{context}\nResearch question: {question}\n\nProvide a thorough, well-cited answer using only the sources above.",
		}
	case ragdomain.QueryTypeSpecific:
		return promptTemplate{
			system: "You answer narrow factual questions precisely and concisely, using only the given context. If the answer isn't in the context, say you don't have enough information.",
			user:   "Context:\n{context}\nQuestion: {question}\n\nGive a short, precise answer grounded only in the context.",
		}
	case ragdomain.QueryTypeComplex:
		return promptTemplate{
			system: "You reason step by step over multiple pieces of context to answer multi-part or comparative questions, using only what's given. State explicitly when part of the question cannot be answered from the context.",
			user:   "Context:\n{context}\nComplex question: {question}\n\nWork through the relevant context methodically, then give a complete answer.",
		}
	default: // general
		return promptTemplate{
			system: "You are a helpful assistant answering questions using only the provided context. If the context doesn't contain the answer, say you don't know.",
			user:   "Context:\n{context}\nQuestion: {question}\n\nAnswer using only the context above.",
		}
	}
}
