// Package supervisor implements C10: process-lifetime construction of
// every other component, HTTP listener startup, and graceful shutdown.
// The wiring/Run split and the build-then-listen shape are grounded on
// the teacher's internal/agentd/run.go (newApp/Run); the graceful
// shutdown sequence itself (signal.Notify, srv.Shutdown with a bounded
// context) is grounded on cmd/webui/main.go.
package supervisor

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"ragserver/internal/chunker"
	"ragserver/internal/config"
	"ragserver/internal/enrich"
	"ragserver/internal/ingestpipeline"
	"ragserver/internal/observability"
	"ragserver/internal/progress"
	"ragserver/internal/providers"
	"ragserver/internal/qa"
	"ragserver/internal/ragapi"
	"ragserver/internal/ratelimit"
	"ragserver/internal/vectorstore"
	"ragserver/internal/vectorstore/qdrant"
)

// shutdownGrace bounds how long Run waits for in-flight background
// uploads to drain after a shutdown signal (§4.10: "≤30s").
const shutdownGrace = 30 * time.Second

// app is the process-wide singleton graph (§9 "Global singletons": built
// once by the supervisor and passed into handlers, never reconstructed
// per request).
type app struct {
	cfg     config.Config
	limiter *ratelimit.Limiter
	store   vectorstore.Store
	tracker *progress.Tracker
	api     *ragapi.Server
}

// zlogAdapter satisfies both ingestpipeline.Logger and enrich.Logger
// against the shared zerolog logger the teacher's observability package
// installs as the process-global log.Logger.
type zlogAdapter struct{}

func (zlogAdapter) Info(msg string, fields map[string]any) {
	log.Info().Fields(fields).Msg(msg)
}

func (zlogAdapter) Error(msg string, fields map[string]any) {
	log.Error().Fields(fields).Msg(msg)
}

func (zlogAdapter) Warn(msg string, fields map[string]any) {
	log.Warn().Fields(fields).Msg(msg)
}

// newApp builds the process-wide singleton graph: C1, C2 (one adapter
// per configured provider slot), C5 (with a startup health probe), C3,
// C4, C6, C7, C8, then C9 (§4.10).
func newApp(ctx context.Context, cfg config.Config) (*app, error) {
	limiter := ratelimit.New(cfg.RateLimitRPM)

	embeddings, err := providers.NewEmbeddingsAdapter(cfg.Embeddings, cfg.VectorStore.Dimension, limiter)
	if err != nil {
		return nil, fmt.Errorf("supervisor: embeddings adapter: %w", err)
	}
	metadataChat, err := providers.NewChatAdapter(ctx, cfg.Metadata, limiter)
	if err != nil {
		return nil, fmt.Errorf("supervisor: metadata chat adapter: %w", err)
	}
	qaChat, err := providers.NewChatAdapter(ctx, cfg.QA, limiter)
	if err != nil {
		return nil, fmt.Errorf("supervisor: qa chat adapter: %w", err)
	}

	store, err := qdrant.New(cfg.VectorStore.URL, cfg.VectorStore.Dimension, cfg.VectorStore.Metric, cfg.VectorStore.BatchSize)
	if err != nil {
		return nil, fmt.Errorf("supervisor: vector store: %w", err)
	}
	if health, err := store.Health(ctx); err != nil || !health.OK {
		log.Warn().Err(err).Bool("ok", health.OK).Str("detail", health.Detail).Msg("vector store unhealthy at startup; continuing, breaker will gate retries")
	}

	c := chunker.New(embeddings)
	enricher := enrich.New(metadataChat, zlogAdapter{})
	tracker := progress.New(time.Duration(cfg.ProgressTTLSeconds) * time.Second)
	pipeline := ingestpipeline.New(c, enricher, embeddings, store, tracker,
		ingestpipeline.WithConcurrency(cfg.PipelineConcurrency),
		ingestpipeline.WithLogger(zlogAdapter{}),
		ingestpipeline.WithMetrics(observability.NewOtelMetrics()),
	)
	qaSvc := qa.New(store, embeddings, qaChat, pipeline, tracker, cfg.VectorStore.Collection)

	api := ragapi.NewServer(pipeline, tracker, qaSvc, store, limiter, ragapi.Defaults{
		ChunkStrategy:  chunker.Strategy(cfg.Chunking.Strategy),
		ChunkSize:      cfg.Chunking.Size,
		ChunkOverlap:   cfg.Chunking.Overlap,
		EnableMetadata: cfg.EnableMetadataDefault,
		Collection:     cfg.VectorStore.Collection,
		Version:        "dev",
		Environment:    cfg.Obs.Environment,
	})

	return &app{cfg: cfg, limiter: limiter, store: store, tracker: tracker, api: api}, nil
}

// Run loads configuration, builds the singleton graph, and serves HTTP
// until a termination signal triggers graceful shutdown (§4.10).
func Run() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	observability.InitLogger(cfg.LogPath, cfg.LogLevel)

	shutdownOTel, err := observability.InitOTel(context.Background(), cfg.Obs)
	if err != nil {
		log.Warn().Err(err).Msg("otel init failed, continuing without observability")
	} else if shutdownOTel != nil {
		defer func() { _ = shutdownOTel(context.Background()) }()
	}

	a, err := newApp(context.Background(), cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("initialization failed")
	}

	srv := &http.Server{Addr: cfg.ListenAddr, Handler: a.api}

	go func() {
		log.Info().Str("addr", cfg.ListenAddr).Msg("ragserver listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	log.Info().Msg("shutdown signal received")

	ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()

	a.api.Shutdown(ctx, shutdownGrace)
	if err := srv.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("http shutdown error")
	} else {
		log.Info().Msg("ragserver stopped")
	}
}
