package ai

import (
	"context"
	"fmt"

	genai "github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"
)

// GeminiEmbedder embeds through the Google Generative AI SDK.
type GeminiEmbedder struct {
	client   *genai.Client
	modelID  string
	document *genai.EmbeddingModel
	query    *genai.EmbeddingModel
	dim      int
}

func NewGeminiEmbedder(ctx context.Context, ec EmbeddingConfig) (*GeminiEmbedder, error) {
	client, err := genai.NewClient(ctx, option.WithAPIKey(ec.APIKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}
	model := ec.Model
	if model == "" {
		model = "text-embedding-004"
	}

	document := client.EmbeddingModel(model)
	document.TaskType = genai.TaskTypeRetrievalDocument
	query := client.EmbeddingModel(model)
	query.TaskType = genai.TaskTypeRetrievalQuery

	return &GeminiEmbedder{
		client:   client,
		modelID:  model,
		document: document,
		query:    query,
		dim:      ec.Dimension,
	}, nil
}

func (g *GeminiEmbedder) Name() string   { return "google/" + g.modelID }
func (g *GeminiEmbedder) Dimension() int { return g.dim }

func (g *GeminiEmbedder) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	return embedEach(ctx, texts, g.dim, func(ctx context.Context, text string) ([]float32, error) {
		return embedWith(ctx, g.document, text)
	})
}

func (g *GeminiEmbedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	vecs, err := embedEach(ctx, []string{text}, g.dim, func(ctx context.Context, text string) ([]float32, error) {
		return embedWith(ctx, g.query, text)
	})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

func embedWith(ctx context.Context, model *genai.EmbeddingModel, text string) ([]float32, error) {
	resp, err := model.EmbedContent(ctx, genai.Text(text))
	if err != nil {
		return nil, err
	}
	if resp.Embedding == nil {
		return nil, fmt.Errorf("no embedding returned")
	}
	// genai SDK returns []float32 for Embedding.Values
	return resp.Embedding.Values, nil
}

// Close the client
func (g *GeminiEmbedder) Close() error {
	if g.client != nil {
		return g.client.Close()
	}
	return nil
}
