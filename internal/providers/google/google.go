// Package google adapts the Gemini API (google.golang.org/genai) to this
// service's providers.ChatAdapter contract, following the teacher's
// internal/llm/google.New client construction.
package google

import (
	"context"
	"errors"
	"strings"

	genai "google.golang.org/genai"

	"ragserver/internal/config"
	"ragserver/internal/observability"
	"ragserver/internal/providers"
	"ragserver/internal/ratelimit"
)

type ChatClient struct {
	client  *genai.Client
	model   string
	limiter *ratelimit.Limiter
}

func NewChat(ctx context.Context, cfg config.ProviderConfig, limiter *ratelimit.Limiter) (*ChatClient, error) {
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = "gemini-1.5-flash"
	}
	httpOpts := genai.HTTPOptions{}
	if base := strings.TrimSpace(cfg.BaseURL); base != "" {
		httpOpts.BaseURL = strings.TrimSuffix(base, "/") + "/"
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:      strings.TrimSpace(cfg.APIKey),
		HTTPClient:  observability.NewHTTPClient(nil),
		HTTPOptions: httpOpts,
	})
	if err != nil {
		return nil, err
	}
	return &ChatClient{client: client, model: model, limiter: limiter}, nil
}

func (c *ChatClient) Model() string { return c.model }

const tag = "google_chat"

func (c *ChatClient) Complete(ctx context.Context, systemPrompt, userPrompt string, temperature float64, maxTokens int) (string, error) {
	if err := c.limiter.Wait(ctx, tag); err != nil {
		return "", err
	}
	var out string
	err := providers.WithRetry(ctx, "google", "chat", classify, func(ctx context.Context) error {
		cfg := &genai.GenerateContentConfig{
			Temperature: genai.Ptr(float32(temperature)),
		}
		if systemPrompt != "" {
			cfg.SystemInstruction = genai.NewContentFromText(systemPrompt, genai.RoleUser)
		}
		if maxTokens > 0 {
			cfg.MaxOutputTokens = int32(maxTokens)
		}
		resp, err := c.client.Models.GenerateContent(ctx, c.model,
			genai.Text(userPrompt), cfg)
		if err != nil {
			return err
		}
		out = resp.Text()
		if out == "" {
			return errors.New("google: empty completion")
		}
		return nil
	})
	return out, err
}

func classify(err error) (bool, providers.ErrorKind) {
	var apiErr *genai.APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.Code == 401 || apiErr.Code == 403:
			return false, providers.ErrAuth
		case apiErr.Code == 429:
			return true, providers.ErrQuotaExceeded
		case apiErr.Code == 408 || apiErr.Code >= 500:
			return true, providers.ErrUnavailable
		case apiErr.Code >= 400:
			return false, providers.ErrBadRequest
		}
	}
	return true, providers.ErrUnavailable
}
