// Package memvector is an in-memory vectorstore.Store test double,
// adapting the teacher's internal/persistence/databases.memoryVector
// (map-backed cosine similarity search) to a multi-collection shape, since
// the spec's collections are named resources rather than a single
// process-wide store.
package memvector

import (
	"context"
	"math"
	"sort"
	"sync"

	"ragserver/internal/vectorstore"
)

type point struct {
	vector  []float32
	payload map[string]any
}

type collection struct {
	dimension int
	points    map[string]point
}

// Store is a concurrency-safe, collection-scoped in-memory vector store.
type Store struct {
	mu          sync.RWMutex
	collections map[string]*collection
}

// New returns an empty Store.
func New() *Store {
	return &Store{collections: make(map[string]*collection)}
}

func (s *Store) EnsureCollection(_ context.Context, name string, dimension int, forceRecreate bool) error {
	if dimension <= 0 {
		return &vectorstore.VectorStoreError{Kind: vectorstore.ErrBadDimension, Op: "ensure_collection"}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.collections[name]
	if ok {
		if existing.dimension == dimension {
			return nil
		}
		if !forceRecreate {
			return &vectorstore.VectorStoreError{Kind: vectorstore.ErrConflict, Op: "ensure_collection"}
		}
	}
	s.collections[name] = &collection{dimension: dimension, points: make(map[string]point)}
	return nil
}

func (s *Store) Upsert(_ context.Context, collectionName string, points []vectorstore.Point) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.collections[collectionName]
	if !ok {
		c = &collection{points: make(map[string]point)}
		s.collections[collectionName] = c
	}
	for _, p := range points {
		if c.dimension == 0 {
			c.dimension = len(p.Vector)
		} else if len(p.Vector) != c.dimension {
			return &vectorstore.VectorStoreError{Kind: vectorstore.ErrBadDimension, Op: "upsert"}
		}
		vec := make([]float32, len(p.Vector))
		copy(vec, p.Vector)
		payload := make(map[string]any, len(p.Payload))
		for k, v := range p.Payload {
			payload[k] = v
		}
		c.points[p.ID] = point{vector: vec, payload: payload}
	}
	return nil
}

func (s *Store) Search(_ context.Context, collectionName string, queryVector []float32, k int, filter map[string]string) ([]vectorstore.SearchResult, error) {
	if k <= 0 {
		k = 10
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.collections[collectionName]
	if !ok {
		return nil, &vectorstore.VectorStoreError{Kind: vectorstore.ErrNotFound, Op: "search"}
	}
	qnorm := norm(queryVector)
	results := make([]vectorstore.SearchResult, 0, len(c.points))
	for id, p := range c.points {
		if !matchesFilter(p.payload, filter) {
			continue
		}
		results = append(results, vectorstore.SearchResult{
			ID:      id,
			Payload: copyPayload(p.payload),
			Score:   cosine(queryVector, p.vector, qnorm),
		})
	}
	sort.Slice(results, func(i, j int) bool { return results[i].Score > results[j].Score })
	if len(results) > k {
		results = results[:k]
	}
	return results, nil
}

func (s *Store) Delete(_ context.Context, collectionName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.collections[collectionName]; !ok {
		return &vectorstore.VectorStoreError{Kind: vectorstore.ErrNotFound, Op: "delete"}
	}
	delete(s.collections, collectionName)
	return nil
}

func (s *Store) Stats(_ context.Context, collectionName string) (vectorstore.CollectionStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.collections[collectionName]
	if !ok {
		return vectorstore.CollectionStats{}, &vectorstore.VectorStoreError{Kind: vectorstore.ErrNotFound, Op: "stats"}
	}
	return vectorstore.CollectionStats{Points: int64(len(c.points)), Dimension: c.dimension}, nil
}

func (s *Store) Health(context.Context) (vectorstore.Health, error) {
	return vectorstore.Health{OK: true}, nil
}

func matchesFilter(payload map[string]any, filter map[string]string) bool {
	if len(filter) == 0 {
		return true
	}
	for k, v := range filter {
		sv, ok := payload[k].(string)
		if !ok || sv != v {
			return false
		}
	}
	return true
}

func copyPayload(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func norm(a []float32) float64 {
	var s float64
	for _, x := range a {
		s += float64(x) * float64(x)
	}
	return math.Sqrt(s)
}

func dot(a, b []float32) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	var s float64
	for i := 0; i < n; i++ {
		s += float64(a[i]) * float64(b[i])
	}
	return s
}

func cosine(a, b []float32, anorm float64) float64 {
	if anorm == 0 {
		anorm = norm(a)
	}
	bnorm := norm(b)
	if anorm == 0 || bnorm == 0 {
		return 0
	}
	return dot(a, b) / (anorm * bnorm)
}
