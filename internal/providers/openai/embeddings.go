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

// EmbeddingsClient implements providers.EmbeddingsAdapter against the
// OpenAI Embeddings API. Batching happens inside EmbedDocuments; each call
// to the provider, regardless of batch size, consumes exactly one rate
// limit slot, per §4.2.
type EmbeddingsClient struct {
	sdk       sdk.Client
	model     string
	dimension int
	limiter   *ratelimit.Limiter
}

func NewEmbeddings(cfg config.ProviderConfig, dimension int, limiter *ratelimit.Limiter) *EmbeddingsClient {
	opts := []option.RequestOption{
		option.WithAPIKey(strings.TrimSpace(cfg.APIKey)),
		option.WithHTTPClient(observability.NewHTTPClient(nil)),
	}
	if base := strings.TrimSpace(cfg.BaseURL); base != "" {
		opts = append(opts, option.WithBaseURL(strings.TrimSuffix(base, "/")))
	}
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = "text-embedding-3-small"
	}
	return &EmbeddingsClient{sdk: sdk.NewClient(opts...), model: model, dimension: dimension, limiter: limiter}
}

func (c *EmbeddingsClient) Dimension() int { return c.dimension }

const embedTag = "openai_embeddings"

func (c *EmbeddingsClient) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	if err := c.limiter.Wait(ctx, embedTag); err != nil {
		return nil, err
	}
	var out [][]float32
	err := providers.WithRetry(ctx, "openai", "embeddings", classify, func(ctx context.Context) error {
		params := sdk.EmbeddingNewParams{
			Model: sdk.EmbeddingModel(c.model),
			Input: sdk.EmbeddingNewParamsInputUnion{OfArrayOfStrings: texts},
		}
		resp, err := c.sdk.Embeddings.New(ctx, params)
		if err != nil {
			return err
		}
		if len(resp.Data) != len(texts) {
			return errors.New("openai: embedding count mismatch")
		}
		out = make([][]float32, len(resp.Data))
		for i, d := range resp.Data {
			v := make([]float32, len(d.Embedding))
			for j, f := range d.Embedding {
				v[j] = float32(f)
			}
			out[i] = v
		}
		return nil
	})
	return out, err
}

func (c *EmbeddingsClient) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	vecs, err := c.EmbedDocuments(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	if len(vecs) == 0 {
		return nil, errors.New("openai: no embedding returned")
	}
	return vecs[0], nil
}
