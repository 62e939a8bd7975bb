// Package qdrant is the production C5 backend: a Qdrant-backed
// vectorstore.Store, directly adapting the teacher's
// internal/persistence/databases.qdrantVector (collection lifecycle,
// deterministic UUID point IDs, payload round-tripping) and extending it
// with collection-name-scoped batched upsert, force-recreate, and the
// §4.5 retry/circuit-breaker wrapper.
package qdrant

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"

	"ragserver/internal/vectorstore"
)

// payloadIDField mirrors the teacher's PAYLOAD_ID_FIELD: Qdrant only
// accepts UUID or integer point IDs, so a non-UUID caller ID is hashed
// into a deterministic UUID and the original ID is kept in the payload.
const payloadIDField = "_original_id"

// Store is a vectorstore.Store backed by a real Qdrant instance over gRPC.
type Store struct {
	client    *qdrant.Client
	dimension int
	metric    string
	batchSize int

	breakersMu sync.Mutex
	breakers   map[string]*vectorstore.Breaker
}

// New dials Qdrant from a DSN of the same shape the teacher accepts:
// "http://host:6334" or "https://host:6334?api_key=...".
func New(dsn string, dimension int, metric string, batchSize int) (*Store, error) {
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse qdrant dsn: %w", err)
	}
	host := parsed.Hostname()
	if host == "" {
		host = "localhost"
	}
	port := parsed.Port()
	if port == "" {
		port = "6334"
	}
	portNum, err := strconv.Atoi(port)
	if err != nil {
		return nil, fmt.Errorf("invalid port in qdrant dsn: %w", err)
	}
	cfg := &qdrant.Config{Host: host, Port: portNum}
	if parsed.Scheme == "https" {
		cfg.UseTLS = true
	}
	if apiKey := parsed.Query().Get("api_key"); apiKey != "" {
		cfg.APIKey = apiKey
	}
	client, err := qdrant.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("create qdrant client: %w", err)
	}
	if batchSize <= 0 {
		batchSize = 100
	}
	return &Store{
		client:    client,
		dimension: dimension,
		metric:    strings.ToLower(strings.TrimSpace(metric)),
		batchSize: batchSize,
		breakers:  make(map[string]*vectorstore.Breaker),
	}, nil
}

func (s *Store) breakerFor(op string) *vectorstore.Breaker {
	s.breakersMu.Lock()
	defer s.breakersMu.Unlock()
	if b, ok := s.breakers[op]; ok {
		return b
	}
	b := &vectorstore.Breaker{}
	s.breakers[op] = b
	return b
}

func isTransient(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "unavailable"), strings.Contains(msg, "deadline"),
		strings.Contains(msg, "timeout"), strings.Contains(msg, "connection"),
		strings.Contains(msg, "reset"):
		return true
	}
	return false
}

func distanceFor(metric string) qdrant.Distance {
	switch metric {
	case "l2", "euclidean":
		return qdrant.Distance_Euclid
	case "ip", "dot":
		return qdrant.Distance_Dot
	case "manhattan":
		return qdrant.Distance_Manhattan
	default:
		return qdrant.Distance_Cosine
	}
}

// EnsureCollection creates the named collection if absent. When
// forceRecreate is set and an existing collection's vector size doesn't
// match dimension, it is dropped and recreated (§4.5 force_recreate
// fallback on conflict) instead of returning a Conflict error.
func (s *Store) EnsureCollection(ctx context.Context, name string, dimension int, forceRecreate bool) error {
	if dimension <= 0 {
		dimension = s.dimension
	}
	if dimension <= 0 {
		return &vectorstore.VectorStoreError{Kind: vectorstore.ErrBadDimension, Op: "ensure_collection", Err: fmt.Errorf("dimension must be > 0")}
	}
	return s.breakerFor("ensure_collection:" + name).Do(ctx, isTransient, func(ctx context.Context) error {
		exists, err := s.client.CollectionExists(ctx, name)
		if err != nil {
			return &vectorstore.VectorStoreError{Kind: vectorstore.ErrUnavailable, Op: "ensure_collection", Err: err}
		}
		if exists {
			info, err := s.client.GetCollectionInfo(ctx, name)
			if err != nil {
				return &vectorstore.VectorStoreError{Kind: vectorstore.ErrUnavailable, Op: "ensure_collection", Err: err}
			}
			existingSize := collectionVectorSize(info)
			if existingSize != 0 && int(existingSize) != dimension {
				if !forceRecreate {
					return &vectorstore.VectorStoreError{Kind: vectorstore.ErrConflict, Op: "ensure_collection",
						Err: fmt.Errorf("collection %q has dimension %d, want %d", name, existingSize, dimension)}
				}
				if err := s.client.DeleteCollection(ctx, name); err != nil {
					return &vectorstore.VectorStoreError{Kind: vectorstore.ErrUnavailable, Op: "ensure_collection", Err: err}
				}
			} else {
				return nil
			}
		}
		err = s.client.CreateCollection(ctx, &qdrant.CreateCollection{
			CollectionName: name,
			VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
				Size:     uint64(dimension),
				Distance: distanceFor(s.metric),
			}),
		})
		if err != nil {
			return &vectorstore.VectorStoreError{Kind: vectorstore.ErrUnavailable, Op: "ensure_collection", Err: err}
		}
		return nil
	})
}

func collectionVectorSize(info *qdrant.CollectionInfo) uint64 {
	if info == nil || info.GetConfig() == nil {
		return 0
	}
	params := info.GetConfig().GetParams()
	if params == nil {
		return 0
	}
	vectors := params.GetVectorsConfig()
	if vectors == nil {
		return 0
	}
	if single := vectors.GetParams(); single != nil {
		return single.GetSize()
	}
	return 0
}

func pointIDFor(id string) (*qdrant.PointId, string) {
	if _, err := uuid.Parse(id); err == nil {
		return qdrant.NewIDUUID(id), ""
	}
	generated := uuid.NewSHA1(uuid.NameSpaceOID, []byte(id)).String()
	return qdrant.NewIDUUID(generated), id
}

// Upsert writes points in batches of s.batchSize, matching the §4.5
// configurable-batch-size requirement; the teacher's Upsert only ever
// wrote one point at a time.
func (s *Store) Upsert(ctx context.Context, collection string, points []vectorstore.Point) error {
	for start := 0; start < len(points); start += s.batchSize {
		end := start + s.batchSize
		if end > len(points) {
			end = len(points)
		}
		batch := points[start:end]
		if err := s.upsertBatch(ctx, collection, batch); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) upsertBatch(ctx context.Context, collection string, batch []vectorstore.Point) error {
	return s.breakerFor("upsert:" + collection).Do(ctx, isTransient, func(ctx context.Context) error {
		qpoints := make([]*qdrant.PointStruct, 0, len(batch))
		for _, p := range batch {
			pointID, originalID := pointIDFor(p.ID)
			payload := make(map[string]any, len(p.Payload)+1)
			for k, v := range p.Payload {
				payload[k] = v
			}
			if originalID != "" {
				payload[payloadIDField] = originalID
			}
			vec := make([]float32, len(p.Vector))
			copy(vec, p.Vector)
			qpoints = append(qpoints, &qdrant.PointStruct{
				Id:      pointID,
				Vectors: qdrant.NewVectorsDense(vec),
				Payload: qdrant.NewValueMap(payload),
			})
		}
		_, err := s.client.Upsert(ctx, &qdrant.UpsertPoints{CollectionName: collection, Points: qpoints})
		if err != nil {
			return &vectorstore.VectorStoreError{Kind: vectorstore.ErrUnavailable, Op: "upsert", Err: err}
		}
		return nil
	})
}

// Search runs a dense-vector similarity query with an optional
// must-match-all-fields filter, the same shape as the teacher's
// SimilaritySearch.
func (s *Store) Search(ctx context.Context, collection string, queryVector []float32, k int, filter map[string]string) ([]vectorstore.SearchResult, error) {
	if k <= 0 {
		k = 10
	}
	var out []vectorstore.SearchResult
	err := s.breakerFor("search:" + collection).Do(ctx, isTransient, func(ctx context.Context) error {
		vec := make([]float32, len(queryVector))
		copy(vec, queryVector)

		var qfilter *qdrant.Filter
		if len(filter) > 0 {
			must := make([]*qdrant.Condition, 0, len(filter))
			for k, v := range filter {
				must = append(must, qdrant.NewMatch(k, v))
			}
			qfilter = &qdrant.Filter{Must: must}
		}
		limit := uint64(k)
		hits, err := s.client.Query(ctx, &qdrant.QueryPoints{
			CollectionName: collection,
			Query:          qdrant.NewQueryDense(vec),
			Limit:          &limit,
			Filter:         qfilter,
			WithPayload:    qdrant.NewWithPayload(true),
		})
		if err != nil {
			return &vectorstore.VectorStoreError{Kind: vectorstore.ErrUnavailable, Op: "search", Err: err}
		}
		out = make([]vectorstore.SearchResult, 0, len(hits))
		for _, hit := range hits {
			id := hit.Id.GetUuid()
			if id == "" {
				id = hit.Id.String()
			}
			payload := make(map[string]any, len(hit.Payload))
			for k, v := range hit.Payload {
				if k == payloadIDField {
					id = v.GetStringValue()
					continue
				}
				payload[k] = valueToAny(v)
			}
			out = append(out, vectorstore.SearchResult{ID: id, Payload: payload, Score: float64(hit.Score)})
		}
		return nil
	})
	return out, err
}

func valueToAny(v *qdrant.Value) any {
	switch kind := v.GetKind().(type) {
	case nil:
		return nil
	case *qdrant.Value_StringValue:
		return kind.StringValue
	case *qdrant.Value_IntegerValue:
		return kind.IntegerValue
	case *qdrant.Value_DoubleValue:
		return kind.DoubleValue
	case *qdrant.Value_BoolValue:
		return kind.BoolValue
	case *qdrant.Value_ListValue:
		out := make([]any, 0, len(kind.ListValue.GetValues()))
		for _, e := range kind.ListValue.GetValues() {
			out = append(out, valueToAny(e))
		}
		return out
	default:
		return v.String()
	}
}

// Delete drops an entire collection (§4.5 collection-level delete, used by
// the DELETE /collection/{name} route).
func (s *Store) Delete(ctx context.Context, collection string) error {
	return s.breakerFor("delete:" + collection).Do(ctx, isTransient, func(ctx context.Context) error {
		exists, err := s.client.CollectionExists(ctx, collection)
		if err != nil {
			return &vectorstore.VectorStoreError{Kind: vectorstore.ErrUnavailable, Op: "delete", Err: err}
		}
		if !exists {
			return &vectorstore.VectorStoreError{Kind: vectorstore.ErrNotFound, Op: "delete", Err: fmt.Errorf("collection %q not found", collection)}
		}
		if err := s.client.DeleteCollection(ctx, collection); err != nil {
			return &vectorstore.VectorStoreError{Kind: vectorstore.ErrUnavailable, Op: "delete", Err: err}
		}
		return nil
	})
}

// Stats reports point count and vector dimension for a collection.
func (s *Store) Stats(ctx context.Context, collection string) (vectorstore.CollectionStats, error) {
	var stats vectorstore.CollectionStats
	err := s.breakerFor("stats:" + collection).Do(ctx, isTransient, func(ctx context.Context) error {
		info, err := s.client.GetCollectionInfo(ctx, collection)
		if err != nil {
			return &vectorstore.VectorStoreError{Kind: vectorstore.ErrUnavailable, Op: "stats", Err: err}
		}
		stats = vectorstore.CollectionStats{
			Points:    int64(info.GetPointsCount()),
			Dimension: int(collectionVectorSize(info)),
		}
		return nil
	})
	return stats, err
}

// Health performs a lightweight round trip (listing collections) and
// reports latency, used by the supervisor's startup probe and by GET /stats.
func (s *Store) Health(ctx context.Context) (vectorstore.Health, error) {
	start := time.Now()
	_, err := s.client.ListCollections(ctx)
	latency := time.Since(start)
	if err != nil {
		return vectorstore.Health{OK: false, LatencyMS: latency.Milliseconds(), Detail: err.Error()}, nil
	}
	return vectorstore.Health{OK: true, LatencyMS: latency.Milliseconds()}, nil
}

// Close releases the underlying gRPC connection.
func (s *Store) Close() error {
	return s.client.Close()
}
