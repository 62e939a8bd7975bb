package qa

import (
	"context"
	"errors"
	"testing"
	"time"

	"ragserver/internal/chunker"
	"ragserver/internal/ingestpipeline"
	"ragserver/internal/progress"
	"ragserver/internal/ragdomain"
	"ragserver/internal/vectorstore"
	"ragserver/internal/vectorstore/memvector"
)

type fakeEmbeddings struct{ dim int }

func (f *fakeEmbeddings) Dimension() int { return f.dim }
func (f *fakeEmbeddings) EmbedDocuments(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		v := make([]float32, f.dim)
		v[0] = 1
		out[i] = v
	}
	return out, nil
}
func (f *fakeEmbeddings) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	vs, _ := f.EmbedDocuments(ctx, []string{text})
	return vs[0], nil
}

type fakeChat struct {
	response string
	err      error
}

func (f *fakeChat) Model() string { return "fake-chat" }
func (f *fakeChat) Complete(context.Context, string, string, float64, int) (string, error) {
	return f.response, f.err
}

func newTestService(t *testing.T, chat *fakeChat) (*Service, *memvector.Store) {
	t.Helper()
	store := memvector.New()
	tracker := progress.New(time.Minute)
	embeddings := &fakeEmbeddings{dim: 4}
	c := chunker.New(nil)
	pipeline := ingestpipeline.New(c, nil, embeddings, store, tracker)
	svc := New(store, embeddings, chat, pipeline, tracker, "rag_documents")
	return svc, store
}

func TestAnswerReturnsServiceUnavailableWhenNoCollectionExists(t *testing.T) {
	svc, _ := newTestService(t, &fakeChat{response: "the answer"})
	_, err := svc.Answer(context.Background(), "what is x?", ragdomain.QueryTypeGeneral, 3)
	var suErr *ServiceUnavailableError
	if !errors.As(err, &suErr) {
		t.Fatalf("expected ServiceUnavailableError, got %v", err)
	}
	if suErr.Suggestion == "" {
		t.Fatal("expected an actionable suggestion")
	}
}

func TestInitializeFromDocumentsThenAnswer(t *testing.T) {
	svc, _ := newTestService(t, &fakeChat{response: "paris is the capital"})
	docs := []ragdomain.Document{{Content: "Paris is the capital of France. It is a large city.", Source: "geo.txt"}}
	if _, err := svc.InitializeFromDocuments(context.Background(), docs, "docs", IngestOptions{}); err != nil {
		t.Fatalf("InitializeFromDocuments: %v", err)
	}
	resp, err := svc.Answer(context.Background(), "what is the capital of France?", ragdomain.QueryTypeGeneral, 3)
	if err != nil {
		t.Fatalf("Answer: %v", err)
	}
	if resp.Answer != "paris is the capital" {
		t.Fatalf("unexpected answer: %q", resp.Answer)
	}
	if resp.DocumentsUsed == 0 {
		t.Fatal("expected at least one retrieved document")
	}
	if resp.Model != "fake-chat" {
		t.Fatalf("expected model to be reported, got %q", resp.Model)
	}
}

func TestAnswerSurfacesGenerationError(t *testing.T) {
	svc, _ := newTestService(t, &fakeChat{err: errors.New("provider down")})
	docs := []ragdomain.Document{{Content: "some content about cats and dogs.", Source: "a.txt"}}
	if _, err := svc.InitializeFromDocuments(context.Background(), docs, "docs", IngestOptions{}); err != nil {
		t.Fatalf("InitializeFromDocuments: %v", err)
	}
	_, err := svc.Answer(context.Background(), "what about cats?", ragdomain.QueryTypeGeneral, 3)
	var genErr *GenerationError
	if !errors.As(err, &genErr) {
		t.Fatalf("expected GenerationError, got %v", err)
	}
}

func TestSearchReturnsSourcesWithoutGeneration(t *testing.T) {
	svc, _ := newTestService(t, &fakeChat{err: errors.New("should never be called")})
	docs := []ragdomain.Document{{Content: "some content about cats and dogs.", Source: "a.txt"}}
	if _, err := svc.InitializeFromDocuments(context.Background(), docs, "docs", IngestOptions{}); err != nil {
		t.Fatalf("InitializeFromDocuments: %v", err)
	}
	sources, err := svc.Search(context.Background(), "cats", ragdomain.QueryTypeGeneral, 3)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(sources) == 0 {
		t.Fatal("expected at least one source")
	}
}

func TestBatchAnswerBoundsFanOut(t *testing.T) {
	svc, _ := newTestService(t, &fakeChat{response: "ok"})
	docs := []ragdomain.Document{{Content: "background content for batch questions.", Source: "a.txt"}}
	if _, err := svc.InitializeFromDocuments(context.Background(), docs, "docs", IngestOptions{}); err != nil {
		t.Fatalf("InitializeFromDocuments: %v", err)
	}
	questions := []string{"q1", "q2", "q3", "q4", "q5"}
	resps, err := svc.BatchAnswer(context.Background(), questions, ragdomain.QueryTypeGeneral, 2)
	if err != nil {
		t.Fatalf("BatchAnswer: %v", err)
	}
	if len(resps) != len(questions) {
		t.Fatalf("expected %d responses, got %d", len(questions), len(resps))
	}
}

func TestInitializeFromExistingCollectionBindsWhenPresent(t *testing.T) {
	svc, store := newTestService(t, &fakeChat{response: "ok"})
	ctx := context.Background()
	_ = store.EnsureCollection(ctx, "rag_documents", 4, false)
	_ = store.Upsert(ctx, "rag_documents", []vectorstore.Point{
		{ID: "1", Vector: []float32{1, 0, 0, 0}, Payload: map[string]any{"text": "hello world", "source": "a.txt"}},
	})
	if err := svc.InitializeFromExistingCollection(ctx, "rag_documents"); err != nil {
		t.Fatalf("InitializeFromExistingCollection: %v", err)
	}
	resp, err := svc.Answer(ctx, "hello?", ragdomain.QueryTypeGeneral, 1)
	if err != nil {
		t.Fatalf("Answer: %v", err)
	}
	if resp.DocumentsUsed != 1 {
		t.Fatalf("expected 1 document used, got %d", resp.DocumentsUsed)
	}
}
