// Package ragapi implements C9: the external HTTP and WebSocket surface
// over C6 (ingestion), C7 (progress), C8 (question answering), and C1
// (rate-limit stats). Routing follows the teacher's net/http 1.22
// ServeMux pattern in internal/httpapi/server.go (method+path patterns,
// a thin Server{collaborators, mux} wrapper); handler bodies follow
// internal/httpapi/handlers.go's decode/respondJSON/respondError shape.
package ragapi

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"ragserver/internal/chunker"
	"ragserver/internal/ingestpipeline"
	"ragserver/internal/progress"
	"ragserver/internal/qa"
	"ragserver/internal/ratelimit"
	"ragserver/internal/vectorstore"
)

// Defaults bundles the request-field defaults the supervisor resolves
// from configuration (§6.3) so handlers never read the environment
// directly.
type Defaults struct {
	ChunkStrategy   chunker.Strategy
	ChunkSize       int
	ChunkOverlap    int
	EnableMetadata  bool
	Collection      string
	Version         string
	Environment     string
}

// Server is C9. It owns no business logic of its own: every handler
// delegates to a collaborator and only handles wire-shape concerns
// (decoding, validation, status codes, WebSocket framing).
type Server struct {
	mux *http.ServeMux

	pipeline *ingestpipeline.Pipeline
	tracker  *progress.Tracker
	qa       *qa.Service
	store    vectorstore.Store
	limiter  *ratelimit.Limiter
	defaults Defaults

	upgrader websocket.Upgrader

	startedAt    time.Time
	shuttingDown atomic.Bool

	// baseCtx is cancelled by Shutdown, independent of any single
	// request's context, so background uploads observe global
	// cancellation without being tied to a client's own disconnect
	// (§5: "POST /upload cannot be cancelled by client disconnect").
	baseCtx    context.Context
	cancelBase context.CancelFunc
	wg         sync.WaitGroup
}

// NewServer wires C9 to its collaborators and registers routes.
func NewServer(pipeline *ingestpipeline.Pipeline, tracker *progress.Tracker, qaSvc *qa.Service, store vectorstore.Store, limiter *ratelimit.Limiter, defaults Defaults) *Server {
	baseCtx, cancel := context.WithCancel(context.Background())
	s := &Server{
		mux:        http.NewServeMux(),
		pipeline:   pipeline,
		tracker:    tracker,
		qa:         qaSvc,
		store:      store,
		limiter:    limiter,
		defaults:   defaults,
		startedAt:  time.Now(),
		baseCtx:    baseCtx,
		cancelBase: cancel,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
	s.registerRoutes()
	return s
}

// ServeHTTP satisfies http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("POST /upload", s.handleUpload)
	s.mux.HandleFunc("POST /initialize", s.handleInitialize)
	s.mux.HandleFunc("POST /question", s.handleQuestion)
	s.mux.HandleFunc("POST /search", s.handleSearch)
	s.mux.HandleFunc("POST /batch-questions", s.handleBatchQuestions)
	s.mux.HandleFunc("GET /stats", s.handleStats)
	s.mux.HandleFunc("GET /rate-limit-stats", s.handleRateLimitStats)
	s.mux.HandleFunc("DELETE /collection/{name}", s.handleDeleteCollection)
	s.mux.HandleFunc("GET /ws/{upload_id}", s.handleWebSocket)
}

// Shutdown stops accepting new uploads, cancels every in-flight
// pipeline's context, and waits up to grace for background work to
// drain (§4.10, §5).
func (s *Server) Shutdown(ctx context.Context, grace time.Duration) {
	s.shuttingDown.Store(true)
	s.cancelBase()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
	case <-ctx.Done():
	}
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, detail string) {
	respondJSON(w, status, map[string]any{"error": detail, "detail": detail})
}
