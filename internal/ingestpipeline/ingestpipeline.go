// Package ingestpipeline implements C6: the orchestration that turns raw
// documents into indexed vectors, driving C3 chunking, optional C4
// enrichment, C2 embedding, and C5 indexing behind C7 progress events. The
// stage sequencing, Option-based dependency injection, and per-stage
// timing are grounded on the teacher's internal/rag/service.Service
// (Ingest), and the bounded chunk fan-out is grounded on the errgroup
// SetLimit pattern used by internal/tools/web/fetch_tool.go.
package ingestpipeline

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"ragserver/internal/chunker"
	"ragserver/internal/enrich"
	"ragserver/internal/progress"
	"ragserver/internal/providers"
	"ragserver/internal/ragdomain"
	"ragserver/internal/vectorstore"
)

// Clock and Logger mirror the teacher's service.Clock/service.Logger
// dependency-injection seams, kept narrow for testability.
type Clock interface{ Now() time.Time }

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

type Logger interface {
	Info(msg string, fields map[string]any)
	Error(msg string, fields map[string]any)
}

type noopLogger struct{}

func (noopLogger) Info(string, map[string]any)  {}
func (noopLogger) Error(string, map[string]any) {}

// Metrics mirrors the teacher's internal/rag/service.Metrics seam: a
// narrow counter/histogram sink, satisfied by observability.OtelMetrics
// in production and observability.MockMetrics in tests.
type Metrics interface {
	IncCounter(name string, labels map[string]string)
	ObserveHistogram(name string, value float64, labels map[string]string)
}

type noopMetrics struct{}

func (noopMetrics) IncCounter(string, map[string]string)                {}
func (noopMetrics) ObserveHistogram(string, float64, map[string]string) {}

// Request is the input to one Run, matching the §4.6 parameter list.
type Request struct {
	UploadID       string
	CollectionName string
	Documents      []ragdomain.Document
	Strategy       chunker.Strategy
	ChunkSize      int
	ChunkOverlap   int
	EnableMetadata bool
	ForceRecreate  bool
}

// Result is the §4.6 completed-state payload.
type Result struct {
	TotalDocuments     int     `json:"total_documents"`
	TotalChunks        int     `json:"total_chunks"`
	TotalVectors       int     `json:"total_vectors"`
	CollectionName     string  `json:"collection_name"`
	ProcessingTimeMS   int64   `json:"processing_time_ms"`
	EstimatedCostUSD   float64 `json:"estimated_cost_usd"`
}

func (r Result) asMap() map[string]any {
	return map[string]any{
		"total_documents":    r.TotalDocuments,
		"total_chunks":       r.TotalChunks,
		"total_vectors":      r.TotalVectors,
		"collection_name":    r.CollectionName,
		"processing_time_ms": r.ProcessingTimeMS,
		"estimated_cost_usd": r.EstimatedCostUSD,
	}
}

// per-thousand-token cost estimates, a rough placeholder for the result's
// estimated_cost_usd field; no provider in the pack exposes real billing.
const (
	costPerKTokenEmbedding = 0.00002
	costPerKTokenEnrich    = 0.00015
)

// Pipeline is C6.
type Pipeline struct {
	chunker        *chunker.Chunker
	enricher       *enrich.Enricher
	embeddings     providers.EmbeddingsAdapter
	store          vectorstore.Store
	tracker        *progress.Tracker
	concurrency    int
	embedBatchSize int
	clock          Clock
	logger         Logger
	metrics        Metrics
}

// Option configures a Pipeline at construction time, the same functional-
// options shape the teacher uses across internal/rag/service.
type Option func(*Pipeline)

func WithConcurrency(n int) Option {
	return func(p *Pipeline) {
		if n > 0 {
			p.concurrency = n
		}
	}
}

func WithEmbedBatchSize(n int) Option {
	return func(p *Pipeline) {
		if n > 0 {
			p.embedBatchSize = n
		}
	}
}

func WithClock(c Clock) Option     { return func(p *Pipeline) { p.clock = c } }
func WithLogger(l Logger) Option   { return func(p *Pipeline) { p.logger = l } }
func WithMetrics(m Metrics) Option { return func(p *Pipeline) { p.metrics = m } }

// New builds a Pipeline. enricher may be nil when metadata enrichment is
// never requested.
func New(chunker *chunker.Chunker, enricher *enrich.Enricher, embeddings providers.EmbeddingsAdapter, store vectorstore.Store, tracker *progress.Tracker, opts ...Option) *Pipeline {
	p := &Pipeline{
		chunker:        chunker,
		enricher:       enricher,
		embeddings:     embeddings,
		store:          store,
		tracker:        tracker,
		concurrency:    8,
		embedBatchSize: 64,
		clock:          systemClock{},
		logger:         noopLogger{},
		metrics:        noopMetrics{},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// cancelledErr marks a failure caused by cancellation so Run can record
// reason=cancelled in the terminal event rather than a generic message.
type cancelledErr struct{ cause error }

func (e *cancelledErr) Error() string { return "ingestion cancelled: " + e.cause.Error() }
func (e *cancelledErr) Unwrap() error { return e.cause }

// Run executes the full pipeline for req, following the fixed DAG
// received → extracting → chunking → enriching? → indexing → completed,
// with failed reachable from any non-terminal state (§4.6).
func (p *Pipeline) Run(ctx context.Context, req Request) {
	start := p.clock.Now()
	result, err := p.run(ctx, req, start)
	elapsedMS := float64(p.clock.Now().Sub(start).Milliseconds())
	if err != nil {
		var ce *cancelledErr
		reason := err.Error()
		if errors.As(err, &ce) {
			reason = "cancelled: " + ce.cause.Error()
		}
		p.logger.Error("ingestion failed", map[string]any{"upload_id": req.UploadID, "error": reason})
		p.metrics.IncCounter("ingestion_runs_total", map[string]string{"outcome": "failed"})
		p.metrics.ObserveHistogram("ingestion_duration_ms", elapsedMS, map[string]string{"outcome": "failed"})
		p.tracker.Finish(req.UploadID, progress.StatusFailed, nil, errors.New(reason))
		return
	}
	p.metrics.IncCounter("ingestion_runs_total", map[string]string{"outcome": "completed"})
	p.metrics.ObserveHistogram("ingestion_duration_ms", elapsedMS, map[string]string{"outcome": "completed"})
	p.metrics.ObserveHistogram("ingestion_chunks", float64(result.TotalChunks), nil)
	p.metrics.ObserveHistogram("ingestion_vectors", float64(result.TotalVectors), nil)
	p.tracker.Finish(req.UploadID, progress.StatusCompleted, result.asMap(), nil)
}

func (p *Pipeline) run(ctx context.Context, req Request, start time.Time) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, &cancelledErr{cause: err}
	}

	if _, err := p.tracker.Update(req.UploadID, progress.Update{Status: progress.StatusExtracting}); err != nil {
		return Result{}, err
	}

	if _, err := p.tracker.Update(req.UploadID, progress.Update{Status: progress.StatusChunking}); err != nil {
		return Result{}, err
	}
	var chunks []ragdomain.Chunk
	opts := chunker.Options{Strategy: req.Strategy, ChunkSize: req.ChunkSize, ChunkOverlap: req.ChunkOverlap}
	for i, doc := range req.Documents {
		docChunks, err := p.chunker.Chunk(ctx, doc, i, opts)
		if err != nil {
			return Result{}, fmt.Errorf("chunking document %d (%s): %w", i, doc.Source, err)
		}
		chunks = append(chunks, docChunks...)
	}
	totalChunks := len(chunks)
	totalField := totalChunks
	if _, err := p.tracker.Update(req.UploadID, progress.Update{TotalChunks: &totalField}); err != nil {
		return Result{}, err
	}
	if totalChunks == 0 {
		return Result{TotalDocuments: len(req.Documents), CollectionName: req.CollectionName, ProcessingTimeMS: p.clock.Now().Sub(start).Milliseconds()}, nil
	}

	// Enrichment (when run) is reserved 0%→90% of progress; indexing
	// always gets the remainder, so the two stages never fight over the
	// same range (§4.6: "indexing stage linearly fills 90%→100%").
	indexingFloor := 0
	enriched := make([]ragdomain.EnrichedChunk, totalChunks)
	if req.EnableMetadata && p.enricher != nil {
		indexingFloor = 90
		if _, err := p.tracker.Update(req.UploadID, progress.Update{Status: progress.StatusEnriching}); err != nil {
			return Result{}, err
		}
		if err := p.enrichAll(ctx, req.UploadID, chunks, enriched, totalChunks, indexingFloor); err != nil {
			return Result{}, err
		}
	} else {
		for i, c := range chunks {
			enriched[i] = ragdomain.EnrichedChunk{Chunk: c}
		}
	}

	if _, err := p.tracker.Update(req.UploadID, progress.Update{Status: progress.StatusIndexing}); err != nil {
		return Result{}, err
	}
	totalVectors, err := p.index(ctx, req, enriched, totalChunks, indexingFloor)
	if err != nil {
		return Result{}, err
	}

	totalTokens := 0
	for _, c := range chunks {
		totalTokens += c.TokenCount
	}
	estimatedCost := float64(totalTokens) / 1000 * costPerKTokenEmbedding
	if req.EnableMetadata {
		estimatedCost += float64(totalTokens) / 1000 * costPerKTokenEnrich
	}

	return Result{
		TotalDocuments:   len(req.Documents),
		TotalChunks:      totalChunks,
		TotalVectors:     totalVectors,
		CollectionName:   req.CollectionName,
		ProcessingTimeMS: p.clock.Now().Sub(start).Milliseconds(),
		EstimatedCostUSD: estimatedCost,
	}, nil
}

// enrichAll runs C4 over every chunk with a bounded fan-out worker pool
// (default concurrency 8). Per-chunk enrichment failures are tolerated:
// the chunk gets empty metadata and the pipeline continues (§4.3/§4.6).
func (p *Pipeline) enrichAll(ctx context.Context, uploadID string, chunks []ragdomain.Chunk, enriched []ragdomain.EnrichedChunk, total, ceiling int) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.concurrency)

	var done atomic.Int64
	for i, c := range chunks {
		i, c := i, c
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return &cancelledErr{cause: err}
			}
			md := p.enricher.Enrich(gctx, c)
			enriched[i] = ragdomain.EnrichedChunk{Chunk: c, Metadata: md}

			cur := int(done.Add(1))
			pct := cur * ceiling / total
			if _, err := p.tracker.Update(uploadID, progress.Update{CurrentChunk: &cur, TotalChunks: &total, ProgressPercent: &pct}); err != nil {
				return err
			}
			return nil
		})
	}
	return g.Wait()
}

// index computes embeddings in batches, ensures the target collection
// exists (retrying once with force_recreate on a plausibly-unhealthy
// failure per §4.5), and upserts the resulting points. Progress linearly
// fills floor%→100% across the embedding batches.
func (p *Pipeline) index(ctx context.Context, req Request, enriched []ragdomain.EnrichedChunk, total, floor int) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, &cancelledErr{cause: err}
	}

	dimension := p.embeddings.Dimension()
	if err := p.store.EnsureCollection(ctx, req.CollectionName, dimension, req.ForceRecreate); err != nil {
		var vsErr *vectorstore.VectorStoreError
		if !req.ForceRecreate && errors.As(err, &vsErr) && vsErr.Kind != vectorstore.ErrBadDimension {
			if retryErr := p.store.EnsureCollection(ctx, req.CollectionName, dimension, true); retryErr != nil {
				return 0, fmt.Errorf("ensure_collection: %w (after force_recreate retry: %v)", err, retryErr)
			}
		} else {
			return 0, fmt.Errorf("ensure_collection: %w", err)
		}
	}

	batches := (total + p.embedBatchSize - 1) / p.embedBatchSize
	inserted := 0
	for start, batchIdx := 0, 0; start < total; start, batchIdx = start+p.embedBatchSize, batchIdx+1 {
		if err := ctx.Err(); err != nil {
			return inserted, &cancelledErr{cause: err}
		}
		end := start + p.embedBatchSize
		if end > total {
			end = total
		}
		batch := enriched[start:end]

		texts := make([]string, len(batch))
		for i, ec := range batch {
			texts[i] = ec.Text
		}
		vectors, err := p.embeddings.EmbedDocuments(ctx, texts)
		if err != nil {
			return inserted, fmt.Errorf("embed batch %d: %w", batchIdx, err)
		}
		points := make([]vectorstore.Point, len(batch))
		for i, ec := range batch {
			points[i] = vectorstore.Point{
				ID:     pointID(req.CollectionName, ec.Source, ec.DocIndex, ec.Index),
				Vector: vectors[i],
				Payload: payloadFor(ec),
			}
		}
		if err := p.store.Upsert(ctx, req.CollectionName, points); err != nil {
			return inserted, fmt.Errorf("upsert batch %d: %w", batchIdx, err)
		}
		inserted += len(points)

		pct := floor + (batchIdx+1)*(100-floor)/batches
		current := inserted
		if _, err := p.tracker.Update(req.UploadID, progress.Update{CurrentChunk: &current, TotalChunks: &total, ProgressPercent: &pct}); err != nil {
			return inserted, err
		}
	}
	return inserted, nil
}

func pointID(collection, source string, docIndex, chunkIndex int) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(fmt.Sprintf("%s/%s/%d/%d", collection, source, docIndex, chunkIndex))).String()
}

func payloadFor(ec ragdomain.EnrichedChunk) map[string]any {
	payload := map[string]any{
		"text":        ec.Text,
		"source":      ec.Source,
		"chunk_index": ec.Index,
		"doc_index":   ec.DocIndex,
		"token_count": ec.TokenCount,
	}
	for k, v := range ec.Attributes {
		payload[k] = v
	}
	if ec.Metadata.Summary != "" {
		payload["summary"] = ec.Metadata.Summary
	}
	if len(ec.Metadata.Keywords) > 0 {
		payload["keywords"] = ec.Metadata.Keywords
	}
	if ec.Metadata.Topic != "" {
		payload["topic"] = ec.Metadata.Topic
	}
	if ec.Metadata.Complexity != "" {
		payload["complexity"] = string(ec.Metadata.Complexity)
	}
	if len(ec.Metadata.Entities) > 0 {
		payload["entities"] = ec.Metadata.Entities
	}
	if ec.Metadata.Sentiment != "" {
		payload["sentiment"] = ec.Metadata.Sentiment
	}
	return payload
}
