// Package anthropic adapts the Anthropic Messages API to this service's
// providers.ChatAdapter contract, following the client construction shape
// of the teacher's internal/llm/anthropic.New (option.WithAPIKey,
// option.WithHTTPClient, option.WithBaseURL).
package anthropic

import (
	"context"
	"errors"
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"ragserver/internal/config"
	"ragserver/internal/observability"
	"ragserver/internal/providers"
	"ragserver/internal/ratelimit"
)

type ChatClient struct {
	sdk     sdk.Client
	model   string
	limiter *ratelimit.Limiter
}

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
		model = string(sdk.ModelClaude3_7SonnetLatest)
	}
	return &ChatClient{sdk: sdk.NewClient(opts...), model: model, limiter: limiter}
}

func (c *ChatClient) Model() string { return c.model }

const tag = "anthropic_chat"

func (c *ChatClient) Complete(ctx context.Context, systemPrompt, userPrompt string, temperature float64, maxTokens int) (string, error) {
	if err := c.limiter.Wait(ctx, tag); err != nil {
		return "", err
	}
	if maxTokens <= 0 {
		maxTokens = 1024
	}
	var out string
	err := providers.WithRetry(ctx, "anthropic", "chat", classify, func(ctx context.Context) error {
		msg, err := c.sdk.Messages.New(ctx, sdk.MessageNewParams{
			Model:       sdk.Model(c.model),
			MaxTokens:   int64(maxTokens),
			Temperature: sdk.Float(temperature),
			System: []sdk.TextBlockParam{
				{Text: systemPrompt},
			},
			Messages: []sdk.MessageParam{
				sdk.NewUserMessage(sdk.NewTextBlock(userPrompt)),
			},
		})
		if err != nil {
			return err
		}
		var sb strings.Builder
		for _, block := range msg.Content {
			if text := block.Text; text != "" {
				sb.WriteString(text)
			}
		}
		out = sb.String()
		if out == "" {
			return errors.New("anthropic: empty completion")
		}
		return nil
	})
	return out, err
}

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
