// Package openai adapts the OpenAI SDK to this service's narrow
// providers.ChatAdapter and providers.EmbeddingsAdapter contracts. The
// client construction mirrors the teacher's internal/llm/openai.New: an
// sdk.Client built from option.WithAPIKey/option.WithBaseURL/option.WithHTTPClient,
// but the method bodies here are written fresh against the spec's narrower
// surface rather than the teacher's full tool-calling chat client.
package openai

import (
	"context"
	"errors"
	"strings"

	sdk "github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"

	"ragserver/internal/config"
	"ragserver/internal/observability"
	"ragserver/internal/providers"
	"ragserver/internal/ratelimit"
)

// ChatClient implements providers.ChatAdapter against the Chat Completions
// API.
type ChatClient struct {
	sdk     sdk.Client
	model   string
	limiter *ratelimit.Limiter
}

// NewChat constructs a rate-limited OpenAI chat adapter.
func NewChat(cfg config.ProviderConfig, limiter *ratelimit.Limiter) *ChatClient {
	opts := []option.RequestOption{
		option.WithAPIKey(strings.TrimSpace(cfg.APIKey)),
		option.WithHTTPClient(observability.NewHTTPClient(nil)),
	}
	if base := strings.TrimSpace(cfg.BaseURL); base != "" {
		opts = append(opts, option.WithBaseURL(strings.TrimSuffix(base, "/")))
	}
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = "gpt-4o-mini"
	}
	return &ChatClient{sdk: sdk.NewClient(opts...), model: model, limiter: limiter}
}

func (c *ChatClient) Model() string { return c.model }

const tag = "openai_chat"

func (c *ChatClient) Complete(ctx context.Context, systemPrompt, userPrompt string, temperature float64, maxTokens int) (string, error) {
	if err := c.limiter.Wait(ctx, tag); err != nil {
		return "", err
	}
	var out string
	err := providers.WithRetry(ctx, "openai", "chat", classify, func(ctx context.Context) error {
		params := sdk.ChatCompletionNewParams{
			Model: sdk.ChatModel(c.model),
			Messages: []sdk.ChatCompletionMessageParamUnion{
				sdk.SystemMessage(systemPrompt),
				sdk.UserMessage(userPrompt),
			},
			Temperature: sdk.Float(temperature),
		}
		if maxTokens > 0 {
			params.MaxTokens = sdk.Int(int64(maxTokens))
		}
		comp, err := c.sdk.Chat.Completions.New(ctx, params)
		if err != nil {
			return err
		}
		if len(comp.Choices) == 0 {
			return errors.New("openai: empty completion")
		}
		out = comp.Choices[0].Message.Content
		return nil
	})
	return out, err
}

// classify maps an OpenAI SDK error to a retry decision, following the
// §4.2 policy: retry on 429/5xx/timeout, surface everything else.
func classify(err error) (bool, providers.ErrorKind) {
	var apiErr *sdk.Error
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.StatusCode == 401 || apiErr.StatusCode == 403:
			return false, providers.ErrAuth
		case apiErr.StatusCode == 429:
			return true, providers.ErrQuotaExceeded
		case apiErr.StatusCode == 408 || apiErr.StatusCode >= 500:
			return true, providers.ErrUnavailable
		case apiErr.StatusCode >= 400:
			return false, providers.ErrBadRequest
		}
	}
	return true, providers.ErrUnavailable
}
