package memvector

import (
	"context"
	"testing"

	"ragserver/internal/vectorstore"
)

func TestEnsureCollectionThenSearch(t *testing.T) {
	s := New()
	ctx := context.Background()
	if err := s.EnsureCollection(ctx, "docs", 2, false); err != nil {
		t.Fatalf("EnsureCollection: %v", err)
	}
	err := s.Upsert(ctx, "docs", []vectorstore.Point{
		{ID: "a", Vector: []float32{1, 0}, Payload: map[string]any{"text": "alpha", "source": "a.txt"}},
		{ID: "b", Vector: []float32{0, 1}, Payload: map[string]any{"text": "beta", "source": "b.txt"}},
	})
	if err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	results, err := s.Search(ctx, "docs", []float32{1, 0}, 1, nil)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 1 || results[0].ID != "a" {
		t.Fatalf("expected closest match 'a', got %+v", results)
	}
}

func TestSearchAppliesFilter(t *testing.T) {
	s := New()
	ctx := context.Background()
	_ = s.EnsureCollection(ctx, "docs", 2, false)
	_ = s.Upsert(ctx, "docs", []vectorstore.Point{
		{ID: "a", Vector: []float32{1, 0}, Payload: map[string]any{"source": "a.txt"}},
		{ID: "b", Vector: []float32{1, 0}, Payload: map[string]any{"source": "b.txt"}},
	})
	results, err := s.Search(ctx, "docs", []float32{1, 0}, 10, map[string]string{"source": "b.txt"})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 1 || results[0].ID != "b" {
		t.Fatalf("expected filtered match 'b', got %+v", results)
	}
}

func TestSearchUnknownCollectionIsNotFound(t *testing.T) {
	s := New()
	_, err := s.Search(context.Background(), "missing", []float32{1}, 1, nil)
	var vsErr *vectorstore.VectorStoreError
	if err == nil {
		t.Fatal("expected error")
	}
	if !asVectorStoreError(err, &vsErr) || vsErr.Kind != vectorstore.ErrNotFound {
		t.Fatalf("expected NotFound error, got %v", err)
	}
}

func TestEnsureCollectionConflictWithoutForceRecreate(t *testing.T) {
	s := New()
	ctx := context.Background()
	if err := s.EnsureCollection(ctx, "docs", 2, false); err != nil {
		t.Fatalf("EnsureCollection: %v", err)
	}
	err := s.EnsureCollection(ctx, "docs", 4, false)
	var vsErr *vectorstore.VectorStoreError
	if !asVectorStoreError(err, &vsErr) || vsErr.Kind != vectorstore.ErrConflict {
		t.Fatalf("expected Conflict error, got %v", err)
	}
	if err := s.EnsureCollection(ctx, "docs", 4, true); err != nil {
		t.Fatalf("force recreate should succeed: %v", err)
	}
}

func asVectorStoreError(err error, target **vectorstore.VectorStoreError) bool {
	vsErr, ok := err.(*vectorstore.VectorStoreError)
	if !ok {
		return false
	}
	*target = vsErr
	return true
}
