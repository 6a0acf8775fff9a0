package ai

import (
	"context"
	"fmt"
	"strings"
)

// OpenAICompatEmbedder talks to any /embeddings endpoint shaped like OpenAI's.
// Zhipu's embedding-3 uses the same wire format and needs the dimension sent
// explicitly.
type OpenAICompatEmbedder struct {
	http          *jsonClient
	provider      string
	baseURL       string
	model         string
	dim           int
	sendDimension bool
}

func NewOpenAICompatEmbedder(ec EmbeddingConfig, sendDimension bool) *OpenAICompatEmbedder {
	base := strings.TrimRight(ec.BaseURL, "/")
	if base == "" {
		base = "https://api.openai.com/v1"
	}
	return &OpenAICompatEmbedder{
		http:          newJSONClient(ec.Provider, ec.APIKey, ec.Timeout, ec.MaxRetries),
		provider:      ec.Provider,
		baseURL:       base,
		model:         ec.Model,
		dim:           ec.Dimension,
		sendDimension: sendDimension,
	}
}

// acceptsDimensions reports whether an OpenAI model can shorten its vectors
// through the dimensions parameter. Only the text-embedding-3 family can.
func acceptsDimensions(model string) bool {
	return strings.HasPrefix(model, "text-embedding-3")
}

func (o *OpenAICompatEmbedder) Name() string   { return o.provider + "/" + o.model }
func (o *OpenAICompatEmbedder) Dimension() int { return o.dim }

func (o *OpenAICompatEmbedder) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	return embedEach(ctx, texts, o.dim, o.embed)
}

func (o *OpenAICompatEmbedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	vecs, err := embedEach(ctx, []string{text}, o.dim, o.embed)
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

func (o *OpenAICompatEmbedder) embed(ctx context.Context, text string) ([]float32, error) {
	body := map[string]any{
		"model": o.model,
		"input": text,
	}
	if o.sendDimension {
		body["dimensions"] = o.dim
	}
	var out struct {
		Data []struct {
			Embedding []float32 `json:"embedding"`
		} `json:"data"`
	}
	if err := o.http.post(ctx, o.baseURL+"/embeddings", body, &out); err != nil {
		return nil, err
	}
	if len(out.Data) == 0 || len(out.Data[0].Embedding) == 0 {
		return nil, fmt.Errorf("%s returned no embedding", o.provider)
	}
	return out.Data[0].Embedding, nil
}
