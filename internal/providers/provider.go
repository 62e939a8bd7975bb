// Package providers defines the uniform, rate-limited interfaces over
// pluggable embedding and chat LLM providers. One implementation lives per
// provider family in a subpackage (openai, anthropic, google); a factory in
// this package selects among them by configuration, the way the teacher's
// internal/llm/{openai,anthropic,google} clients are constructed from
// config.OpenAIConfig/AnthropicConfig/GoogleConfig but switched at runtime
// instead of compiled in.
package providers

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"
)

// ErrorKind classifies a ProviderError for callers deciding how to react.
type ErrorKind string

const (
	ErrAuth           ErrorKind = "auth"
	ErrBadRequest     ErrorKind = "bad_request"
	ErrQuotaExceeded  ErrorKind = "quota_exceeded"
	ErrUnavailable    ErrorKind = "unavailable"
	ErrOther          ErrorKind = "other"
)

// ProviderError is the typed error surfaced by ChatAdapter/EmbeddingsAdapter
// implementations once retries are exhausted or a non-retryable failure is
// detected.
type ProviderError struct {
	Kind     ErrorKind
	Provider string
	Stage    string // "chat" or "embeddings"
	Err      error
}

func (e *ProviderError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("provider %s %s: %s: %v", e.Provider, e.Stage, e.Kind, e.Err)
	}
	return fmt.Sprintf("provider %s %s: %s", e.Provider, e.Stage, e.Kind)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// EmbeddingsAdapter converts text into vectors via a configured embedding
// provider. Implementations acquire a rate-limit slot before every outbound
// call.
type EmbeddingsAdapter interface {
	EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error)
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
	Dimension() int
}

// ChatAdapter completes a single prompt against a configured chat LLM.
type ChatAdapter interface {
	Complete(ctx context.Context, systemPrompt, userPrompt string, temperature float64, maxTokens int) (string, error)
	Model() string
}

// WithRetry implements the §4.2 backoff schedule: up to 3 retries with
// exponential backoff (~1s, 2s, 4s base) on rate-limit and 5xx/timeout
// errors. classify reports whether err is retryable and, if not, the
// ErrorKind to surface immediately.
func WithRetry(ctx context.Context, provider, stage string, classify func(error) (retryable bool, kind ErrorKind), fn func(ctx context.Context) error) error {
	const maxAttempts = 4 // 1 initial + 3 retries
	base := time.Second
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			backoff := base * time.Duration(1<<uint(attempt-1))
			jitter := time.Duration(rand.Int63n(int64(backoff) / 4 + 1))
			timer := time.NewTimer(backoff + jitter)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				return &ProviderError{Kind: ErrUnavailable, Provider: provider, Stage: stage, Err: ctx.Err()}
			}
		}
		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err
		retryable, kind := classify(err)
		if !retryable {
			return &ProviderError{Kind: kind, Provider: provider, Stage: stage, Err: err}
		}
	}
	return &ProviderError{Kind: ErrUnavailable, Provider: provider, Stage: stage, Err: lastErr}
}

// AsProviderError unwraps err into a *ProviderError if it is (or wraps) one.
func AsProviderError(err error) (*ProviderError, bool) {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}
