package vectorstore

import (
	"context"
	"errors"
	"testing"
)

type fakeStore struct {
	searchResults []SearchResult
	searchErr     error
}

func (f *fakeStore) EnsureCollection(context.Context, string, int, bool) error { return nil }
func (f *fakeStore) Upsert(context.Context, string, []Point) error            { return nil }
func (f *fakeStore) Delete(context.Context, string) error                     { return nil }
func (f *fakeStore) Stats(context.Context, string) (CollectionStats, error)   { return CollectionStats{}, nil }
func (f *fakeStore) Health(context.Context) (Health, error)                   { return Health{OK: true}, nil }
func (f *fakeStore) Search(context.Context, string, []float32, int, map[string]string) ([]SearchResult, error) {
	return f.searchResults, f.searchErr
}

func TestRetrieveSimilarityPassesThrough(t *testing.T) {
	store := &fakeStore{searchResults: []SearchResult{
		{ID: "1", Payload: map[string]any{"text": "a"}, Score: 0.9},
	}}
	r := NewRetriever("docs", StrategySimilarity, 5, nil)
	out, err := Retrieve(context.Background(), store, r, []float32{1, 0})
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if len(out) != 1 || out[0].ID != "1" {
		t.Fatalf("unexpected results: %+v", out)
	}
}

func TestRetrieveMMRDropsExactDuplicateText(t *testing.T) {
	store := &fakeStore{searchResults: []SearchResult{
		{ID: "1", Payload: map[string]any{"text": "same text here"}, Score: 0.95},
		{ID: "2", Payload: map[string]any{"text": "same text here"}, Score: 0.94},
		{ID: "3", Payload: map[string]any{"text": "completely different content"}, Score: 0.80},
	}}
	r := NewRetriever("docs", StrategyMMR, 2, nil)
	out, err := Retrieve(context.Background(), store, r, []float32{1, 0})
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	seen := map[string]bool{}
	for _, res := range out {
		text := res.Payload["text"].(string)
		if seen[text] {
			t.Fatalf("got duplicate payload text %q in MMR results", text)
		}
		seen[text] = true
	}
	if len(out) != 2 {
		t.Fatalf("expected 2 diversified results, got %d", len(out))
	}
}

func TestRetrievePropagatesStoreError(t *testing.T) {
	store := &fakeStore{searchErr: errors.New("boom")}
	r := NewRetriever("docs", StrategySimilarity, 5, nil)
	_, err := Retrieve(context.Background(), store, r, []float32{1})
	if err == nil {
		t.Fatal("expected error to propagate")
	}
}

func TestAdaptiveRetrieverMapping(t *testing.T) {
	cases := []struct {
		queryType string
		wantStrat Strategy
		wantK     int
	}{
		{"general", StrategySimilarity, 5},
		{"research", StrategyMMR, 5},
		{"specific", StrategySimilarity, 3},
		{"complex", StrategyMMR, 5},
	}
	for _, c := range cases {
		r := AdaptiveRetriever("docs", c.queryType, nil)
		if r.Strategy != c.wantStrat || r.K != c.wantK {
			t.Fatalf("%s: got strategy=%s k=%d, want strategy=%s k=%d", c.queryType, r.Strategy, r.K, c.wantStrat, c.wantK)
		}
	}
	filtered := AdaptiveRetriever("docs", "specific", map[string]string{"source": "a.txt"})
	if filtered.Strategy != StrategyFiltered {
		t.Fatalf("expected filtered strategy when specific has a filter, got %s", filtered.Strategy)
	}
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	b := &Breaker{}
	always := func(error) bool { return true }
	failing := func(context.Context) error { return errors.New("down") }

	for i := 0; i < breakerFailThreshold; i++ {
		if err := b.Do(context.Background(), always, failing); err == nil {
			t.Fatalf("attempt %d: expected failure", i)
		}
	}
	err := b.Do(context.Background(), always, func(context.Context) error { return nil })
	var vsErr *VectorStoreError
	if !errors.As(err, &vsErr) || vsErr.Kind != ErrUnavailable {
		t.Fatalf("expected breaker-open error, got %v", err)
	}
}

func TestBreakerNonTransientDoesNotOpen(t *testing.T) {
	b := &Breaker{}
	never := func(error) bool { return false }
	failing := func(context.Context) error { return errors.New("bad request") }
	for i := 0; i < breakerFailThreshold+1; i++ {
		if err := b.Do(context.Background(), never, failing); err == nil {
			t.Fatalf("attempt %d: expected failure to propagate", i)
		}
	}
	if err := b.Do(context.Background(), never, func(context.Context) error { return nil }); err != nil {
		t.Fatalf("breaker should not have opened for non-transient failures: %v", err)
	}
}
