package ragapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"ragserver/internal/chunker"
	"ragserver/internal/ingestpipeline"
	"ragserver/internal/progress"
	"ragserver/internal/providers"
	"ragserver/internal/qa"
	"ragserver/internal/ragdomain"
	"ragserver/internal/vectorstore"
)

const maxBatchFanOut = 4

type documentPayload struct {
	Content  string            `json:"content"`
	Source   string            `json:"source"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

func (d documentPayload) toDocument() ragdomain.Document {
	return ragdomain.Document{Content: d.Content, Source: d.Source, Attributes: d.Metadata}
}

type ingestRequest struct {
	CollectionName   string            `json:"collection_name"`
	Documents        []documentPayload `json:"documents"`
	ForceRecreate    *bool             `json:"force_recreate"`
	EnableMetadata   *bool             `json:"enable_metadata"`
	ChunkingStrategy string            `json:"chunking_strategy"`
}

func (req ingestRequest) validate() error {
	if strings.TrimSpace(req.CollectionName) == "" {
		return errors.New("collection_name is required")
	}
	if len(req.Documents) == 0 {
		return errors.New("documents must be non-empty")
	}
	for i, d := range req.Documents {
		if strings.TrimSpace(d.Content) == "" {
			return errors.New("documents[" + strconv.Itoa(i) + "].content is required")
		}
	}
	return nil
}

func (s *Server) documents(req ingestRequest) []ragdomain.Document {
	docs := make([]ragdomain.Document, len(req.Documents))
	for i, d := range req.Documents {
		docs[i] = d.toDocument()
	}
	return docs
}

func (s *Server) strategy(req ingestRequest) chunker.Strategy {
	switch chunker.Strategy(req.ChunkingStrategy) {
	case chunker.StrategyRecursive, chunker.StrategySemantic, chunker.StrategyMarkdown, chunker.StrategyHTML:
		return chunker.Strategy(req.ChunkingStrategy)
	default:
		return s.defaults.ChunkStrategy
	}
}

func (s *Server) enableMetadata(req ingestRequest) bool {
	if req.EnableMetadata != nil {
		return *req.EnableMetadata
	}
	return s.defaults.EnableMetadata
}

func (s *Server) forceRecreate(req ingestRequest) bool {
	if req.ForceRecreate != nil {
		return *req.ForceRecreate
	}
	return false
}

// handleHealth reports C10's lifecycle state (§4.10, §6.1).
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	if s.shuttingDown.Load() {
		status = "shutting_down"
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"status":      status,
		"version":     s.defaults.Version,
		"environment": s.defaults.Environment,
		"timestamp":   time.Now().UTC(),
	})
}

// handleUpload schedules C6 on the background executor and returns
// immediately; the API layer must return within ~100ms regardless of
// document size (§4.9).
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	if s.shuttingDown.Load() {
		respondError(w, http.StatusServiceUnavailable, "server is shutting down")
		return
	}
	var req ingestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := req.validate(); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	job, err := s.tracker.Create("")
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	pipelineReq := ingestpipeline.Request{
		UploadID:       job.UploadID,
		CollectionName: req.CollectionName,
		Documents:      s.documents(req),
		Strategy:       s.strategy(req),
		ChunkSize:      s.defaults.ChunkSize,
		ChunkOverlap:   s.defaults.ChunkOverlap,
		EnableMetadata: s.enableMetadata(req),
		ForceRecreate:  s.forceRecreate(req),
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.pipeline.Run(s.baseCtx, pipelineReq)
	}()

	respondJSON(w, http.StatusOK, map[string]any{
		"upload_id": job.UploadID,
		"status":    string(progress.StatusReceived),
		"message":   "ingestion scheduled",
		"timestamp": time.Now().UTC(),
	})
}

// handleInitialize runs C6 synchronously and binds C8 to the resulting
// collection before responding (§4.9, §6.1).
func (s *Server) handleInitialize(w http.ResponseWriter, r *http.Request) {
	if s.shuttingDown.Load() {
		respondError(w, http.StatusServiceUnavailable, "server is shutting down")
		return
	}
	var req ingestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := req.validate(); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	result, err := s.qa.InitializeFromDocuments(r.Context(), s.documents(req), req.CollectionName, qa.IngestOptions{
		Strategy:       s.strategy(req),
		ChunkSize:      s.defaults.ChunkSize,
		ChunkOverlap:   s.defaults.ChunkOverlap,
		EnableMetadata: s.enableMetadata(req),
		ForceRecreate:  s.forceRecreate(req),
	})
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	result["status"] = "initialized"
	respondJSON(w, http.StatusOK, result)
}

type questionRequest struct {
	Question       string            `json:"question"`
	QueryType       ragdomain.QueryType `json:"query_type"`
	K              int               `json:"k"`
	CollectionName string            `json:"collection_name"`
}

func (req questionRequest) normalizedK() int {
	if req.K <= 0 {
		return 5
	}
	if req.K > 20 {
		return 20
	}
	return req.K
}

// handleQuestion implements POST /question, including auto-init and the
// per-call collection_name override (§4.8, §6.1, §9 open question 1).
func (s *Server) handleQuestion(w http.ResponseWriter, r *http.Request) {
	var req questionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.Question) == "" {
		respondError(w, http.StatusBadRequest, "question is required")
		return
	}

	var (
		resp ragdomain.QAResponse
		err  error
	)
	if req.CollectionName != "" {
		resp, err = s.qa.AnswerIn(r.Context(), req.CollectionName, req.Question, req.QueryType, req.normalizedK())
	} else {
		resp, err = s.qa.Answer(r.Context(), req.Question, req.QueryType, req.normalizedK())
	}
	if err != nil {
		s.respondQAError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, resp)
}

// handleSearch implements POST /search: retrieval only, no generation.
func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	var req questionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.Question) == "" {
		respondError(w, http.StatusBadRequest, "question is required")
		return
	}

	var (
		sources []ragdomain.Source
		err     error
	)
	if req.CollectionName != "" {
		sources, err = s.qa.SearchIn(r.Context(), req.CollectionName, req.Question, req.QueryType, req.normalizedK())
	} else {
		sources, err = s.qa.Search(r.Context(), req.Question, req.QueryType, req.normalizedK())
	}
	if err != nil {
		s.respondQAError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"sources": sources, "query_type": ragdomain.NormalizeQueryType(req.QueryType)})
}

type batchQuestionsRequest struct {
	Questions []string            `json:"questions"`
	QueryType ragdomain.QueryType `json:"query_type"`
	K         int                 `json:"k"`
}

type batchAnswerResult struct {
	Question string  `json:"question"`
	Error    *string `json:"error,omitempty"`
	ragdomain.QAResponse
}

// handleBatchQuestions implements POST /batch-questions: per-question
// errors are reported inline rather than failing the whole batch (§6.1).
func (s *Server) handleBatchQuestions(w http.ResponseWriter, r *http.Request) {
	var req batchQuestionsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if len(req.Questions) == 0 {
		respondError(w, http.StatusBadRequest, "questions must be non-empty")
		return
	}
	k := (questionRequest{K: req.K}).normalizedK()

	results := make([]batchAnswerResult, len(req.Questions))
	g, gctx := errgroup.WithContext(r.Context())
	g.SetLimit(maxBatchFanOut)
	for i, q := range req.Questions {
		i, q := i, q
		g.Go(func() error {
			resp, err := s.qa.Answer(gctx, q, req.QueryType, k)
			if err != nil {
				msg := err.Error()
				results[i] = batchAnswerResult{Question: q, Error: &msg}
				return nil
			}
			results[i] = batchAnswerResult{Question: q, QAResponse: resp}
			return nil
		})
	}
	_ = g.Wait() // stage functions never return a non-nil error; failures are captured inline
	respondJSON(w, http.StatusOK, map[string]any{"results": results})
}

// handleStats implements GET /stats: collection stats plus vector store
// health (§4.9, §4.10).
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	collection := r.URL.Query().Get("collection_name")
	if collection == "" {
		collection = s.defaults.Collection
	}
	stats, statsErr := s.store.Stats(r.Context(), collection)
	health, healthErr := s.store.Health(r.Context())

	resp := map[string]any{
		"collection_name": collection,
		"health":          health,
	}
	if statsErr == nil {
		resp["stats"] = stats
	} else {
		resp["stats_error"] = statsErr.Error()
	}
	if healthErr != nil {
		resp["health_error"] = healthErr.Error()
	}
	respondJSON(w, http.StatusOK, resp)
}

// handleRateLimitStats implements GET /rate-limit-stats (§4.1).
func (s *Server) handleRateLimitStats(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.limiter.Stats())
}

// handleDeleteCollection implements DELETE /collection/{name}, idempotent
// per §6.1: deleting an already-absent collection is not an error.
func (s *Server) handleDeleteCollection(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if err := s.store.Delete(r.Context(), name); err != nil {
		var vsErr *vectorstore.VectorStoreError
		if errors.As(err, &vsErr) && vsErr.Kind == vectorstore.ErrNotFound {
			respondJSON(w, http.StatusOK, map[string]any{"deleted": name})
			return
		}
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"deleted": name})
}

// respondQAError maps C8's typed errors to the status codes §7 specifies.
func (s *Server) respondQAError(w http.ResponseWriter, err error) {
	var suErr *qa.ServiceUnavailableError
	if errors.As(err, &suErr) {
		respondJSON(w, http.StatusServiceUnavailable, map[string]any{
			"detail":     suErr.Detail,
			"suggestion": suErr.Suggestion,
		})
		return
	}
	var provErr *providers.ProviderError
	if errors.As(err, &provErr) {
		respondError(w, http.StatusBadGateway, err.Error())
		return
	}
	respondError(w, http.StatusInternalServerError, err.Error())
}
