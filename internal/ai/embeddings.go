package ai

import (
	"context"
	"fmt"
	"time"

	"pdf-vector-ingest/internal/config"
	"pdf-vector-ingest/internal/telemetry"
	"pdf-vector-ingest/models"
)

// Embedder maps text to fixed-dimension vectors. Documents and queries may be
// embedded differently by a provider, but both land in the same vector space.
type Embedder interface {
	Name() string
	Dimension() int
	EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error)
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
}

// EmbeddingConfig is the provider-agnostic part of the embedding settings.
type EmbeddingConfig struct {
	Provider   string
	APIKey     string
	Model      string
	BaseURL    string
	Dimension  int
	Timeout    time.Duration
	MaxRetries int
	RPM        int
}

// EmbeddingConfigFrom picks the credentials and model of the selected provider.
func EmbeddingConfigFrom(cfg *config.Config) EmbeddingConfig {
	ec := EmbeddingConfig{
		Provider:   cfg.EmbeddingsProvider,
		Dimension:  cfg.VectorDimensions,
		Timeout:    cfg.EmbedTimeout,
		MaxRetries: cfg.EmbedMaxRetries,
		RPM:        cfg.EmbedRPM,
	}
	switch cfg.EmbeddingsProvider {
	case "cohere", "":
		ec.Provider = "cohere"
		ec.APIKey, ec.Model, ec.BaseURL = cfg.CohereAPIKey, cfg.CohereModel, cfg.CohereBaseURL
	case "zhipu":
		ec.APIKey, ec.Model, ec.BaseURL = cfg.ZhipuAPIKey, cfg.ZhipuModel, cfg.ZhipuBaseURL
	case "openai":
		ec.APIKey, ec.Model, ec.BaseURL = cfg.OpenAIAPIKey, cfg.OpenAIEmbeddingsModel, cfg.OpenAIBaseURL
	case "google":
		ec.APIKey, ec.Model = cfg.GeminiAPIKey, cfg.GoogleEmbeddingsModel
	}
	return ec
}

// NewEmbedder builds the configured provider wrapped in a GuardedEmbedder.
// Credentials are checked here, not in LoadConfig, so commands that never
// embed work without them.
func NewEmbedder(ctx context.Context, cfg *config.Config, metrics *telemetry.Metrics) (Embedder, error) {
	ec := EmbeddingConfigFrom(cfg)
	provider, err := newProvider(ctx, ec)
	if err != nil {
		return nil, err
	}
	return NewGuardedEmbedder(provider, GuardConfig{RPM: ec.RPM, Metrics: metrics}), nil
}

func newProvider(ctx context.Context, ec EmbeddingConfig) (Embedder, error) {
	if ec.Dimension <= 0 {
		return nil, fmt.Errorf("embedding dimension must be positive, got %d", ec.Dimension)
	}
	switch ec.Provider {
	case "cohere":
		if ec.APIKey == "" {
			return nil, fmt.Errorf("missing COHERE_API_KEY for embeddings")
		}
		return NewCohereEmbedder(ec), nil
	case "zhipu":
		if ec.APIKey == "" {
			return nil, fmt.Errorf("missing ZHIPU_API_KEY for embeddings")
		}
		return NewOpenAICompatEmbedder(ec, true), nil
	case "openai":
		if ec.APIKey == "" {
			return nil, fmt.Errorf("missing OPENAI_API_KEY for embeddings")
		}
		return NewOpenAICompatEmbedder(ec, acceptsDimensions(ec.Model)), nil
	case "google":
		if ec.APIKey == "" {
			return nil, fmt.Errorf("missing GEMINI_API_KEY for embeddings")
		}
		return NewGeminiEmbedder(ctx, ec)
	default:
		return nil, fmt.Errorf("unknown embeddings provider: %s", ec.Provider)
	}
}

// embedEach issues one call per text, in order, and stops at the first error.
// Every vector is checked against the declared dimension.
func embedEach(ctx context.Context, texts []string, dim int, embed func(context.Context, string) ([]float32, error)) ([][]float32, error) {
	out := make([][]float32, 0, len(texts))
	for i, text := range texts {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		vec, err := embed(ctx, text)
		if err != nil {
			return out, fmt.Errorf("embedding text %d: %w", i, err)
		}
		if err := models.CheckDimension(vec, dim); err != nil {
			return out, fmt.Errorf("embedding text %d: %w", i, err)
		}
		out = append(out, vec)
	}
	return out, nil
}
