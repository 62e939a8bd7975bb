// Package vectorstore implements C5: collection lifecycle, upsert, and
// retriever construction against an external vector database. The
// interface and resilience wrapper here are provider-agnostic; concrete
// backends live in subpackages (qdrant for production, memvector as an
// in-memory test double), both grounded on the teacher's
// internal/persistence/databases.VectorStore family.
package vectorstore

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"
)

// Point is one vector plus its opaque, string-keyed payload, the unit
// Upsert operates on. The payload carries the EnrichedChunk fields, source,
// and chunk index, stored opaquely by the vector store (§3, §9: "keep this
// as a typed but open mapping").
type Point struct {
	ID      string
	Vector  []float32
	Payload map[string]any
}

// SearchResult pairs a stored payload with its similarity score.
type SearchResult struct {
	ID       string
	Payload  map[string]any
	Score    float64
}

// CollectionStats is the §4.5 stats() response shape.
type CollectionStats struct {
	Points    int64
	SizeBytes int64
	Dimension int
}

// Health is the §4.5 health() response shape.
type Health struct {
	OK        bool
	LatencyMS int64
	Detail    string
}

// ErrorKind classifies a VectorStoreError (§7).
type ErrorKind string

const (
	ErrUnavailable  ErrorKind = "unavailable"
	ErrConflict     ErrorKind = "conflict"
	ErrNotFound     ErrorKind = "not_found"
	ErrBadDimension ErrorKind = "bad_dimension"
)

// VectorStoreError is the typed error surfaced by Store operations.
type VectorStoreError struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *VectorStoreError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("vectorstore %s: %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("vectorstore %s: %s", e.Op, e.Kind)
}

func (e *VectorStoreError) Unwrap() error { return e.Err }

// Store is the backend-agnostic surface C6/C8 program against.
type Store interface {
	EnsureCollection(ctx context.Context, name string, dimension int, forceRecreate bool) error
	Upsert(ctx context.Context, collection string, points []Point) error
	Search(ctx context.Context, collection string, queryVector []float32, k int, filter map[string]string) ([]SearchResult, error)
	Delete(ctx context.Context, collection string) error
	Stats(ctx context.Context, collection string) (CollectionStats, error)
	Health(ctx context.Context) (Health, error)
}

// Strategy selects the retrieval algorithm a Retriever uses.
type Strategy string

const (
	StrategySimilarity Strategy = "similarity"
	StrategyMMR        Strategy = "mmr"
	StrategyFiltered   Strategy = "filtered"
	StrategyAdaptive   Strategy = "adaptive"
)

// Retriever is a stateless description of how to retrieve from one
// collection: it owns no resources and can be freely copied or rebuilt
// per-call (§3, §9 open question 1 — rebinding to a different collection
// for a single call is just constructing a new Retriever).
type Retriever struct {
	Collection string
	Strategy   Strategy
	K          int
	FetchK     int // mmr only; defaults to 4*K per §9 open question 3
	Lambda     float64 // mmr only; defaults to 0.5 per §9 open question 3
	Filter     map[string]string
}

// DefaultLambda and DefaultFetchKMultiplier are the §9 open-question-3
// defaults for the mmr strategy, overridable by configuration.
const (
	DefaultLambda          = 0.5
	DefaultFetchKMultiplier = 4
)

// NewRetriever builds a Retriever for an explicit strategy. Strategy
// "adaptive" should be built with AdaptiveRetriever instead, which picks
// the concrete strategy from a query type.
func NewRetriever(collection string, strategy Strategy, k int, filter map[string]string) Retriever {
	if k <= 0 {
		k = 5
	}
	r := Retriever{Collection: collection, Strategy: strategy, K: k, Filter: filter}
	if strategy == StrategyMMR {
		r.FetchK = k * DefaultFetchKMultiplier
		r.Lambda = DefaultLambda
	}
	return r
}

// AdaptiveRetriever implements the §4.5/§9 adaptive mapping:
//   general  -> similarity, k=5
//   research -> mmr,        k=5
//   specific -> filtered (similarity if no filter), k=3
//   complex  -> mmr+filter, k=5
func AdaptiveRetriever(collection, queryType string, filter map[string]string) Retriever {
	switch queryType {
	case "research":
		return NewRetriever(collection, StrategyMMR, 5, filter)
	case "specific":
		if len(filter) == 0 {
			return NewRetriever(collection, StrategySimilarity, 3, nil)
		}
		return NewRetriever(collection, StrategyFiltered, 3, filter)
	case "complex":
		return NewRetriever(collection, StrategyMMR, 5, filter)
	default: // "general" and anything unrecognized
		return NewRetriever(collection, StrategySimilarity, 5, filter)
	}
}

// Retrieve executes r against store for the given query vector, applying
// the strategy-specific fan-out and diversification.
func Retrieve(ctx context.Context, store Store, r Retriever, queryVector []float32) ([]SearchResult, error) {
	switch r.Strategy {
	case StrategyMMR:
		fetchK := r.FetchK
		if fetchK <= 0 {
			fetchK = r.K * DefaultFetchKMultiplier
		}
		candidates, err := store.Search(ctx, r.Collection, queryVector, fetchK, r.Filter)
		if err != nil {
			return nil, err
		}
		lambda := r.Lambda
		if lambda <= 0 {
			lambda = DefaultLambda
		}
		return diversify(candidates, r.K, lambda), nil
	default: // similarity, filtered, and adaptive already resolved to one of these
		return store.Search(ctx, r.Collection, queryVector, r.K, r.Filter)
	}
}

// diversify greedily selects up to k candidates, penalizing ones textually
// similar to already-selected results, the same "penalize repeats, pick
// greedily" shape as the teacher's retrieve.Diversify (internal/rag/retrieve/fusion.go),
// adapted from rank-score dominance to embedding-search-score dominance.
// Exact-duplicate payload text is dropped outright so the §8 property
// ("no two identical payload texts") holds unconditionally.
func diversify(candidates []SearchResult, k int, lambda float64) []SearchResult {
	candidates = dedupeByText(candidates)
	if k <= 0 || len(candidates) == 0 {
		return nil
	}
	if k >= len(candidates) {
		sort.Slice(candidates, func(i, j int) bool { return candidates[i].Score > candidates[j].Score })
		return candidates
	}

	selected := make([]SearchResult, 0, k)
	used := make([]bool, len(candidates))
	selectedWords := make([]map[string]struct{}, 0, k)

	for len(selected) < k {
		bestIdx := -1
		bestAdj := math.Inf(-1)
		for i, c := range candidates {
			if used[i] {
				continue
			}
			maxSim := 0.0
			words := wordSet(payloadText(c.Payload))
			for _, sw := range selectedWords {
				if sim := jaccard(words, sw); sim > maxSim {
					maxSim = sim
				}
			}
			adj := lambda*c.Score - (1-lambda)*maxSim
			if adj > bestAdj {
				bestAdj = adj
				bestIdx = i
			}
		}
		if bestIdx < 0 {
			break
		}
		used[bestIdx] = true
		selected = append(selected, candidates[bestIdx])
		selectedWords = append(selectedWords, wordSet(payloadText(candidates[bestIdx].Payload)))
	}
	return selected
}

func dedupeByText(in []SearchResult) []SearchResult {
	seen := make(map[string]struct{}, len(in))
	out := make([]SearchResult, 0, len(in))
	for _, c := range in {
		t := payloadText(c.Payload)
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, c)
	}
	return out
}

func payloadText(p map[string]any) string {
	if p == nil {
		return ""
	}
	if t, ok := p["text"].(string); ok {
		return t
	}
	return ""
}

func wordSet(text string) map[string]struct{} {
	words := strings.Fields(strings.ToLower(text))
	out := make(map[string]struct{}, len(words))
	for _, w := range words {
		out[w] = struct{}{}
	}
	return out
}

func jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	inter := 0
	for w := range a {
		if _, ok := b[w]; ok {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}

// Breaker implements the §4.5 resilience wrapper: up to 3 retries with
// exponential backoff on transient failures, and a circuit breaker per
// endpoint that opens after 5 consecutive failures, stays open 60s, then
// half-opens for a single probe. Embed it in a Store implementation and
// call Do around every network operation.
type Breaker struct {
	mu               sync.Mutex
	consecutiveFails int
	openUntil        time.Time
	halfOpenProbing  bool
}

const (
	breakerFailThreshold = 5
	breakerOpenDuration  = 60 * time.Second
)

// Do runs fn with up to 3 retries (exponential backoff ~1s/2s/4s base),
// gated by the breaker's state. isTransient classifies whether a given
// error should count toward the breaker/retry budget at all (permanent
// errors like BadDimension must not retry).
func (b *Breaker) Do(ctx context.Context, isTransient func(error) bool, fn func(ctx context.Context) error) error {
	b.mu.Lock()
	now := time.Now()
	if !b.openUntil.IsZero() && now.Before(b.openUntil) {
		b.mu.Unlock()
		return &VectorStoreError{Kind: ErrUnavailable, Op: "breaker", Err: fmt.Errorf("circuit open until %s", b.openUntil)}
	}
	probing := false
	if !b.openUntil.IsZero() && !now.Before(b.openUntil) && !b.halfOpenProbing {
		b.halfOpenProbing = true
		probing = true
	}
	b.mu.Unlock()

	const maxAttempts = 4
	base := time.Second
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			backoff := base * time.Duration(1<<uint(attempt-1))
			timer := time.NewTimer(backoff)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			}
		}
		err := fn(ctx)
		if err == nil {
			b.recordSuccess(probing)
			return nil
		}
		lastErr = err
		if !isTransient(err) {
			b.recordSuccess(probing) // non-transient failures don't count against the breaker
			return err
		}
		if probing {
			break // single probe attempt only
		}
	}
	b.recordFailure(probing)
	return lastErr
}

func (b *Breaker) recordSuccess(wasProbing bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.consecutiveFails = 0
	b.openUntil = time.Time{}
	b.halfOpenProbing = false
	_ = wasProbing
}

func (b *Breaker) recordFailure(wasProbing bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.halfOpenProbing = false
	if wasProbing {
		b.openUntil = time.Now().Add(breakerOpenDuration)
		return
	}
	b.consecutiveFails++
	if b.consecutiveFails >= breakerFailThreshold {
		b.openUntil = time.Now().Add(breakerOpenDuration)
	}
}
