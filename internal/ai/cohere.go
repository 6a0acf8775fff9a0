package ai

import (
	"context"
	"fmt"
	"strings"
)

// CohereEmbedder calls the Cohere v1 embed endpoint, one text per request.
type CohereEmbedder struct {
	http    *jsonClient
	baseURL string
	model   string
	dim     int
}

func NewCohereEmbedder(ec EmbeddingConfig) *CohereEmbedder {
	base := strings.TrimRight(ec.BaseURL, "/")
	if base == "" {
		base = "https://api.cohere.com"
	}
	return &CohereEmbedder{
		http:    newJSONClient("cohere", ec.APIKey, ec.Timeout, ec.MaxRetries),
		baseURL: base,
		model:   ec.Model,
		dim:     ec.Dimension,
	}
}

func (c *CohereEmbedder) Name() string   { return "cohere/" + c.model }
func (c *CohereEmbedder) Dimension() int { return c.dim }

func (c *CohereEmbedder) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	return embedEach(ctx, texts, c.dim, func(ctx context.Context, text string) ([]float32, error) {
		return c.embed(ctx, text, "search_document")
	})
}

func (c *CohereEmbedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	vecs, err := embedEach(ctx, []string{text}, c.dim, func(ctx context.Context, text string) ([]float32, error) {
		return c.embed(ctx, text, "search_query")
	})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

func (c *CohereEmbedder) embed(ctx context.Context, text, inputType string) ([]float32, error) {
	body := map[string]any{
		"model":      c.model,
		"texts":      []string{text},
		"input_type": inputType,
		"truncate":   "END",
	}
	var out struct {
		Embeddings [][]float32 `json:"embeddings"`
	}
	if err := c.http.post(ctx, c.baseURL+"/v1/embed", body, &out); err != nil {
		return nil, err
	}
	if len(out.Embeddings) == 0 {
		return nil, fmt.Errorf("cohere returned no embedding")
	}
	return out.Embeddings[0], nil
}
