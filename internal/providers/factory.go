package providers

import (
	"context"
	"fmt"

	"ragserver/internal/config"
	"ragserver/internal/providers/anthropic"
	"ragserver/internal/providers/google"
	"ragserver/internal/providers/openai"
	"ragserver/internal/ratelimit"
)

// NewChatAdapter selects a ChatAdapter implementation by cfg.Name. Adding a
// new provider means adding one case here and one subpackage; no consumer
// code changes.
func NewChatAdapter(ctx context.Context, cfg config.ProviderConfig, limiter *ratelimit.Limiter) (ChatAdapter, error) {
	switch cfg.Name {
	case "", "openai":
		return openai.NewChat(cfg, limiter), nil
	case "anthropic":
		return anthropic.NewChat(cfg, limiter), nil
	case "google", "gemini":
		return google.NewChat(ctx, cfg, limiter)
	default:
		return nil, fmt.Errorf("providers: unknown chat provider %q", cfg.Name)
	}
}

// NewEmbeddingsAdapter selects an EmbeddingsAdapter by cfg.Name. Only
// OpenAI-shaped embedding endpoints are supported today (Anthropic has no
// public embeddings API; Google's text-embedding models can be reached
// through an OpenAI-compatible proxy by pointing BaseURL at it).
func NewEmbeddingsAdapter(cfg config.ProviderConfig, dimension int, limiter *ratelimit.Limiter) (EmbeddingsAdapter, error) {
	switch cfg.Name {
	case "", "openai", "google", "gemini":
		return openai.NewEmbeddings(cfg, dimension, limiter), nil
	default:
		return nil, fmt.Errorf("providers: unknown embeddings provider %q", cfg.Name)
	}
}
