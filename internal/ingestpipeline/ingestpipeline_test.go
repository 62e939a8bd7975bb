package ingestpipeline

import (
	"context"
	"strings"
	"testing"
	"time"

	"ragserver/internal/chunker"
	"ragserver/internal/enrich"
	"ragserver/internal/observability"
	"ragserver/internal/progress"
	"ragserver/internal/ragdomain"
	"ragserver/internal/vectorstore/memvector"
)

type fakeEmbeddings struct{ dim int }

func (f *fakeEmbeddings) Dimension() int { return f.dim }
func (f *fakeEmbeddings) EmbedDocuments(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v := make([]float32, f.dim)
		for j := range v {
			v[j] = float32(len(t)%7) + float32(j)*0.01
		}
		out[i] = v
	}
	return out, nil
}
func (f *fakeEmbeddings) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	vs, err := f.EmbedDocuments(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vs[0], nil
}

type fakeChat struct{}

func (fakeChat) Model() string { return "fake" }
func (fakeChat) Complete(context.Context, string, string, float64, int) (string, error) {
	return `{"summary":"s","topic":"t","complexity":"simple"}`, nil
}

func newTestPipeline(t *testing.T, enableMetadata bool) (*Pipeline, *progress.Tracker, *memvector.Store) {
	t.Helper()
	store := memvector.New()
	tracker := progress.New(time.Minute)
	var enricher *enrich.Enricher
	if enableMetadata {
		enricher = enrich.New(fakeChat{}, nil)
	}
	c := chunker.New(nil)
	p := New(c, enricher, &fakeEmbeddings{dim: 4}, store, tracker, WithConcurrency(2), WithEmbedBatchSize(3))
	return p, tracker, store
}

func docs(n int) []ragdomain.Document {
	out := make([]ragdomain.Document, n)
	for i := range out {
		out[i] = ragdomain.Document{Content: strings.Repeat("word ", 40), Source: "doc.txt"}
	}
	return out
}

func TestRunCompletesWithoutMetadata(t *testing.T) {
	p, tracker, store := newTestPipeline(t, false)
	uploadID, _ := tracker.Create("")
	req := Request{UploadID: uploadID.UploadID, CollectionName: "docs", Documents: docs(2), Strategy: chunker.StrategyRecursive, ChunkSize: 20, ChunkOverlap: 0}

	p.Run(context.Background(), req)

	job, err := tracker.Get(req.UploadID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if job.Status != progress.StatusCompleted {
		t.Fatalf("expected completed, got %s (error=%s)", job.Status, job.Error)
	}
	if job.ProgressPercent != 100 {
		t.Fatalf("expected progress_percent 100, got %d", job.ProgressPercent)
	}
	stats, err := store.Stats(context.Background(), "docs")
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.Points == 0 {
		t.Fatal("expected vectors to have been indexed")
	}
}

func TestRunCompletesWithMetadata(t *testing.T) {
	p, tracker, _ := newTestPipeline(t, true)
	job, _ := tracker.Create("")
	req := Request{UploadID: job.UploadID, CollectionName: "docs", Documents: docs(1), Strategy: chunker.StrategyRecursive, ChunkSize: 20, ChunkOverlap: 0, EnableMetadata: true}

	p.Run(context.Background(), req)

	final, err := tracker.Get(req.UploadID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if final.Status != progress.StatusCompleted {
		t.Fatalf("expected completed, got %s (error=%s)", final.Status, final.Error)
	}
}

func TestRunFailsOnEmbeddingError(t *testing.T) {
	store := memvector.New()
	tracker := progress.New(time.Minute)
	c := chunker.New(nil)
	p := New(c, nil, &erroringEmbeddings{}, store, tracker)
	job, _ := tracker.Create("")
	req := Request{UploadID: job.UploadID, CollectionName: "docs", Documents: docs(1), Strategy: chunker.StrategyRecursive, ChunkSize: 20}

	p.Run(context.Background(), req)

	final, err := tracker.Get(req.UploadID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if final.Status != progress.StatusFailed {
		t.Fatalf("expected failed, got %s", final.Status)
	}
}

type erroringEmbeddings struct{}

func (erroringEmbeddings) Dimension() int { return 4 }
func (erroringEmbeddings) EmbedDocuments(context.Context, []string) ([][]float32, error) {
	return nil, errEmbedding
}
func (erroringEmbeddings) EmbedQuery(context.Context, string) ([]float32, error) {
	return nil, errEmbedding
}

var errEmbedding = &embeddingError{"embedding provider unavailable"}

type embeddingError struct{ msg string }

func (e *embeddingError) Error() string { return e.msg }

func TestRunRecordsMetricsOnCompletion(t *testing.T) {
	store := memvector.New()
	tracker := progress.New(time.Minute)
	c := chunker.New(nil)
	metrics := observability.NewMockMetrics()
	p := New(c, nil, &fakeEmbeddings{dim: 4}, store, tracker, WithMetrics(metrics))
	job, _ := tracker.Create("")
	req := Request{UploadID: job.UploadID, CollectionName: "docs", Documents: docs(2), Strategy: chunker.StrategyRecursive, ChunkSize: 20}

	p.Run(context.Background(), req)

	if metrics.Counters["ingestion_runs_total"] != 1 {
		t.Fatalf("expected one ingestion_runs_total observation, got %d", metrics.Counters["ingestion_runs_total"])
	}
	if len(metrics.Hists["ingestion_duration_ms"]) != 1 {
		t.Fatalf("expected one ingestion_duration_ms observation, got %d", len(metrics.Hists["ingestion_duration_ms"]))
	}
	if len(metrics.Hists["ingestion_vectors"]) != 1 || metrics.Hists["ingestion_vectors"][0] == 0 {
		t.Fatalf("expected a nonzero ingestion_vectors observation, got %v", metrics.Hists["ingestion_vectors"])
	}
}

func TestRunHandlesEmptyDocumentSet(t *testing.T) {
	p, tracker, _ := newTestPipeline(t, false)
	job, _ := tracker.Create("")
	req := Request{UploadID: job.UploadID, CollectionName: "docs", Documents: nil}

	p.Run(context.Background(), req)

	final, err := tracker.Get(req.UploadID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if final.Status != progress.StatusCompleted {
		t.Fatalf("expected completed for an empty document set, got %s", final.Status)
	}
}
